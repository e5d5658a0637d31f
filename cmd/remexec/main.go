package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/andrej220/remexec/internal/audit"
	"github.com/andrej220/remexec/internal/auth"
	"github.com/andrej220/remexec/internal/hostkey"
	"github.com/andrej220/remexec/internal/intake"
	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/internal/orchestrator"
	"github.com/andrej220/remexec/internal/server"
	"github.com/andrej220/remexec/internal/transport"
	"github.com/andrej220/remexec/pkg/config"
	"github.com/andrej220/remexec/pkg/config/filestore"
	"github.com/andrej220/remexec/pkg/config/mongostore"
	"github.com/andrej220/remexec/pkg/registry"
)

func main() {
	fs := flag.NewFlagSet(serviceName, flag.ExitOnError)
	configPath := fs.String("config", configFileName, "service configuration file")
	logCfg := lg.NewConfigFromFlags(serviceName, fs, os.Args[1:])
	logger := lg.New(logCfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, logger); err != nil {
		logger.Error("service failed", lg.Err(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, logger lg.Logger) error {
	cfg, err := loadServiceConfig(ctx, configPath)
	if err != nil {
		return err
	}
	logger.Info("starting service", lg.String("config", configPath), lg.Int("port", cfg.Server.Port))

	store, closeStore, err := openHostStore(ctx, cfg.Hosts)
	if err != nil {
		return fmt.Errorf("open hosts store: %w", err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		closeStore(cctx)
	}()
	switch s := store.(type) {
	case *filestore.FileStore:
		s.Logger = logger
	case *mongostore.MongoStore:
		s.Logger = logger
	}

	resolver := auth.New(
		auth.WithSecretPattern(cfg.Execution.SecretPattern),
		auth.WithCommandTimeout(cfg.Execution.CredentialTimeout),
		auth.WithLogger(logger),
	)
	verifier := hostkey.NewVerifier(cfg.Execution.KnownHostsPath, logger)
	tr := transport.NewSSH(resolver, verifier,
		transport.WithLogger(logger),
		transport.WithConnectTimeout(cfg.Execution.ConnectTimeout),
		transport.WithCircuitBreaker(transport.DefaultBreakerSettings()),
	)

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithHookTimeout(cfg.Execution.HookTimeout),
		orchestrator.WithDefaultTimeout(cfg.Execution.DefaultTimeout),
	}
	if cfg.Audit != nil {
		rec, err := audit.New(*cfg.Audit)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer rec.Close()
		opts = append(opts, orchestrator.WithTelemetry(rec))
	}
	orch := orchestrator.New(registry.New(), tr, opts...)

	loader := config.NewHostLoader(store, orch, logger)
	if err := loader.Load(ctx); err != nil {
		return fmt.Errorf("load hosts: %w", err)
	}
	if err := loader.Watch(ctx); err != nil {
		logger.Warn("hosts store cannot be watched, changes need a restart", lg.Err(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scfg := cfg.Server
		scfg.Logger = logger
		return server.RunServer(gctx, server.NewHandler(orch, logger), scfg)
	})
	if cfg.Kafka != nil {
		in := intake.New(orch,
			intake.NewConsumer[orchestrator.Request](*cfg.Kafka),
			intake.NewPublisher(*cfg.Kafka),
			cfg.Kafka.Workers,
			logger,
		)
		defer in.Close()
		g.Go(func() error { return in.Run(gctx) })
	}
	return g.Wait()
}
