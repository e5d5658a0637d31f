// Package orchestrator is the front door for running commands: it validates
// requests, resolves the host alias, surrounds the transport call with hooks
// and telemetry, and hands the caller a pull-style sequence of output.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/internal/transport"
	"github.com/andrej220/remexec/pkg/execerr"
	"github.com/andrej220/remexec/pkg/models"
	"github.com/andrej220/remexec/pkg/registry"
)

const DefaultHookTimeout = 5 * time.Second

type Orchestrator struct {
	registry    *registry.Registry
	transport   transport.Transport
	hooks       Hooks
	telemetry   Telemetry
	hookTimeout time.Duration
	timeout     time.Duration
	logger      lg.Logger
}

type Option func(*Orchestrator)

func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) { o.hooks = h }
}

func WithTelemetry(t Telemetry) Option {
	return func(o *Orchestrator) { o.telemetry = t }
}

// WithHookTimeout bounds each hook call. Non-positive values are ignored.
func WithHookTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.hookTimeout = d
		}
	}
}

// WithDefaultTimeout applies to requests that carry no timeout. Without it
// models.DefaultTimeout is used.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

func WithLogger(l lg.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func New(reg *registry.Registry, tr transport.Transport, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:    reg,
		transport:   tr,
		hooks:       NoopHooks{},
		telemetry:   NoopTelemetry{},
		hookTimeout: DefaultHookTimeout,
		logger:      lg.Discard,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// UpdateConfig replaces the host registry. Invocations already running keep
// the host they resolved.
func (o *Orchestrator) UpdateConfig(hosts []models.Host) error {
	if err := o.registry.Update(hosts); err != nil {
		return execerr.Wrap(execerr.ErrConfig, "update host registry", err)
	}
	o.logger.Info("host registry updated", lg.Int("hosts", len(hosts)))
	return nil
}

// Aliases lists the configured host aliases.
func (o *Orchestrator) Aliases() []string {
	return o.registry.Snapshot().Aliases()
}

// Run starts one invocation. A returned error means the request was rejected
// before anything ran; no hook or telemetry has been called in that case.
// Otherwise every outcome, including a before-hook veto, is delivered as the
// terminal item of the returned Run.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, execerr.Wrap(execerr.ErrConfig, "invalid request", err)
	}
	host, ok := o.registry.Snapshot().Lookup(req.HostAlias)
	if !ok {
		return nil, execerr.New(execerr.ErrConfig, "unknown host alias %q", req.HostAlias)
	}

	opts := req.options()
	if opts.Timeout <= 0 {
		opts.Timeout = o.timeout
	}
	ec := models.ExecContext{Host: host, Command: req.Command, Options: opts}
	inv := models.NewInvocation()
	run := newRun(inv, ec)
	log := o.logger.With(
		lg.String("invocation", inv.ID.String()),
		lg.String("alias", host.Alias),
	)

	o.telemetry.Start(inv, ec)
	if err := o.callHook(ctx, "before", func(hctx context.Context) error {
		return o.hooks.Before(hctx, ec, inv)
	}); err != nil {
		err = execerr.Wrap(execerr.ErrConfig, "rejected by before hook", err)
		log.Warn("invocation rejected", lg.Err(err))
		run.closeQueue()
		o.fail(ctx, ec, inv, err, log)
		run.settle(nil, err)
		return run, nil
	}

	sink := func(c models.Chunk) {
		o.telemetry.Chunk(inv, ec, c)
		if run.queue != nil {
			run.queue.Push(c)
		}
	}

	log.Debug("invocation started", lg.Bool("stream", ec.Options.Stream))
	go func() {
		res, err := o.transport.Execute(ctx, ec, sink)
		run.closeQueue()
		if err != nil {
			log.Warn("invocation failed", lg.String("kind", execerr.Name(err)), lg.Err(err))
			o.fail(ctx, ec, inv, err, log)
			run.settle(nil, err)
			return
		}
		if herr := o.callHook(ctx, "after", func(hctx context.Context) error {
			return o.hooks.After(hctx, ec, inv, res)
		}); herr != nil {
			log.Warn("after hook failed", lg.Err(herr))
		}
		o.telemetry.Result(inv, ec, res)
		log.Info("invocation finished",
			lg.Bool("timed_out", res.TimedOut),
			lg.Duration("duration", res.Duration),
		)
		run.settle(res, nil)
	}()
	return run, nil
}

func (o *Orchestrator) fail(ctx context.Context, ec models.ExecContext, inv models.Invocation, err error, log lg.Logger) {
	if herr := o.callHook(ctx, "error", func(hctx context.Context) error {
		return o.hooks.OnError(hctx, ec, inv, err)
	}); herr != nil {
		log.Warn("error hook failed", lg.Err(herr))
	}
	o.telemetry.Error(inv, ec, err)
}

// callHook runs fn under the hook timeout. A hook that panics or overruns
// reports an error; an overrunning hook keeps running in its goroutine.
func (o *Orchestrator) callHook(ctx context.Context, name string, fn func(context.Context) error) error {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.hookTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				errc <- fmt.Errorf("%s hook panicked: %v", name, p)
			}
		}()
		errc <- fn(hctx)
	}()

	select {
	case err := <-errc:
		return err
	case <-hctx.Done():
		return fmt.Errorf("%s hook: %w", name, hctx.Err())
	}
}
