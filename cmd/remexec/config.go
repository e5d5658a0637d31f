package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/andrej220/remexec/internal/audit"
	"github.com/andrej220/remexec/internal/auth"
	"github.com/andrej220/remexec/internal/intake"
	"github.com/andrej220/remexec/internal/server"
	"github.com/andrej220/remexec/pkg/config"
	"github.com/andrej220/remexec/pkg/config/filestore"
)

const (
	serviceName    = "remexec"
	configFileName = "config.yaml"
)

type HostsConfig struct {
	Store string             `yaml:"store" json:"store" validate:"omitempty,oneof=file mongo"`
	File  config.FileConfig  `yaml:"file" json:"file"`
	Mongo config.MongoConfig `yaml:"mongo" json:"mongo"`
}

type ExecutionConfig struct {
	DefaultTimeout time.Duration `yaml:"defaultTimeout" json:"defaultTimeout"`
	HookTimeout    time.Duration `yaml:"hookTimeout" json:"hookTimeout"`
	ConnectTimeout time.Duration `yaml:"connectTimeout" json:"connectTimeout"`
	// CredentialTimeout bounds credential commands.
	CredentialTimeout time.Duration `yaml:"credentialTimeout" json:"credentialTimeout"`
	KnownHostsPath    string        `yaml:"knownHostsPath" json:"knownHostsPath"`
	SecretPattern     string        `yaml:"secretPattern" json:"secretPattern" validate:"omitempty,contains=%s"`
}

type ServiceConfig struct {
	Server    server.ServerConfig `yaml:"server" json:"server"`
	Hosts     HostsConfig         `yaml:"hosts" json:"hosts"`
	Execution ExecutionConfig     `yaml:"execution" json:"execution"`
	Audit     *audit.Config       `yaml:"audit" json:"audit" validate:"omitempty"`
	Kafka     *intake.Config      `yaml:"kafka" json:"kafka" validate:"omitempty"`
}

func NewServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Server: server.DefaultServerConfig(),
		Hosts:  HostsConfig{Store: "file", File: config.FileConfig{Path: "hosts.yaml"}},
		Execution: ExecutionConfig{
			SecretPattern: auth.DefaultSecretPattern,
		},
	}
}

func loadServiceConfig(ctx context.Context, path string) (*ServiceConfig, error) {
	cfg := NewServiceConfig()
	if err := filestore.New(path).Load(ctx, cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid service config %s: %w", path, err)
	}
	return cfg, nil
}

// openHostStore returns the configured hosts store and a function that
// releases it.
func openHostStore(ctx context.Context, cfg HostsConfig) (config.Config, func(context.Context) error, error) {
	storeType, err := config.ParseStoreType(cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	var storeCfg any = &cfg.File
	if storeType == config.MongoStore {
		storeCfg = &cfg.Mongo
	}
	store, err := config.NewStore(ctx, storeType, storeCfg)
	if err != nil {
		return nil, nil, err
	}
	closer := func(context.Context) error { return nil }
	if c, ok := store.(interface{ Close(context.Context) error }); ok {
		closer = c.Close
	}
	return store, closer, nil
}
