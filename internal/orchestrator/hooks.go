package orchestrator

import (
	"context"

	"github.com/andrej220/remexec/pkg/models"
)

// Hooks are extension points around every invocation. A non-nil error from
// Before rejects the invocation; errors from After and OnError are logged.
// Each call is bounded by the orchestrator's hook timeout.
type Hooks interface {
	Before(ctx context.Context, ec models.ExecContext, inv models.Invocation) error
	After(ctx context.Context, ec models.ExecContext, inv models.Invocation, res *models.Result) error
	OnError(ctx context.Context, ec models.ExecContext, inv models.Invocation, err error) error
}

// NoopHooks does nothing.
type NoopHooks struct{}

func (NoopHooks) Before(context.Context, models.ExecContext, models.Invocation) error { return nil }
func (NoopHooks) After(context.Context, models.ExecContext, models.Invocation, *models.Result) error {
	return nil
}
func (NoopHooks) OnError(context.Context, models.ExecContext, models.Invocation, error) error {
	return nil
}

// HookFuncs adapts plain functions; nil fields are no-ops.
type HookFuncs struct {
	BeforeFunc  func(ctx context.Context, ec models.ExecContext, inv models.Invocation) error
	AfterFunc   func(ctx context.Context, ec models.ExecContext, inv models.Invocation, res *models.Result) error
	OnErrorFunc func(ctx context.Context, ec models.ExecContext, inv models.Invocation, err error) error
}

func (h HookFuncs) Before(ctx context.Context, ec models.ExecContext, inv models.Invocation) error {
	if h.BeforeFunc == nil {
		return nil
	}
	return h.BeforeFunc(ctx, ec, inv)
}

func (h HookFuncs) After(ctx context.Context, ec models.ExecContext, inv models.Invocation, res *models.Result) error {
	if h.AfterFunc == nil {
		return nil
	}
	return h.AfterFunc(ctx, ec, inv, res)
}

func (h HookFuncs) OnError(ctx context.Context, ec models.ExecContext, inv models.Invocation, err error) error {
	if h.OnErrorFunc == nil {
		return nil
	}
	return h.OnErrorFunc(ctx, ec, inv, err)
}

// Telemetry receives lifecycle events. Chunk may be called from more than
// one goroutine.
type Telemetry interface {
	Start(inv models.Invocation, ec models.ExecContext)
	Chunk(inv models.Invocation, ec models.ExecContext, c models.Chunk)
	Result(inv models.Invocation, ec models.ExecContext, res *models.Result)
	Error(inv models.Invocation, ec models.ExecContext, err error)
}

type NoopTelemetry struct{}

func (NoopTelemetry) Start(models.Invocation, models.ExecContext)                  {}
func (NoopTelemetry) Chunk(models.Invocation, models.ExecContext, models.Chunk)    {}
func (NoopTelemetry) Result(models.Invocation, models.ExecContext, *models.Result) {}
func (NoopTelemetry) Error(models.Invocation, models.ExecContext, error)           {}
