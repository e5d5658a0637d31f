// Package audit records invocation lifecycle events as structured log lines.
package audit

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/andrej220/remexec/pkg/execerr"
	"github.com/andrej220/remexec/pkg/models"
)

type Config struct {
	// OutputPaths are zap sinks, e.g. "stdout" or a file path. Required.
	OutputPaths []string `yaml:"outputPaths" json:"outputPaths" validate:"required,min=1"`
	// Chunks also records every output chunk, not just the lifecycle.
	Chunks bool `yaml:"chunks" json:"chunks"`
}

// Recorder writes one JSON line per event. It is never sampled.
type Recorder struct {
	log    *zap.Logger
	chunks bool
}

// New opens the configured outputs.
func New(cfg Config) (*Recorder, error) {
	zc := zap.NewProductionConfig()
	zc.Sampling = nil
	zc.OutputPaths = cfg.OutputPaths
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	zc.DisableCaller = true
	zc.DisableStacktrace = true
	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return NewWithLogger(l.Named("audit"), cfg.Chunks), nil
}

func NewWithLogger(l *zap.Logger, chunks bool) *Recorder {
	return &Recorder{log: l, chunks: chunks}
}

func (r *Recorder) fields(inv models.Invocation, ec models.ExecContext) []zap.Field {
	return []zap.Field{
		zap.String("invocation", inv.ID.String()),
		zap.String("alias", ec.Host.Alias),
		zap.String("endpoint", ec.Host.Endpoint()),
		zap.String("user", ec.Host.User),
	}
}

func (r *Recorder) Start(inv models.Invocation, ec models.ExecContext) {
	r.log.Info("start", append(r.fields(inv, ec),
		zap.String("command", ec.Command),
		zap.String("auth", models.AuthKind(ec.Host.Auth)),
		zap.Duration("timeout", ec.EffectiveTimeout()),
		zap.Bool("stream", ec.Options.Stream),
		zap.Time("started_at", inv.StartedAt),
	)...)
}

func (r *Recorder) Chunk(inv models.Invocation, ec models.ExecContext, c models.Chunk) {
	if !r.chunks {
		return
	}
	r.log.Info("chunk", append(r.fields(inv, ec),
		zap.Stringer("stream", c.Stream),
		zap.Int("bytes", len(c.Data)),
	)...)
}

func (r *Recorder) Result(inv models.Invocation, ec models.ExecContext, res *models.Result) {
	fields := append(r.fields(inv, ec),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("duration", res.Duration),
		zap.Int("stdout_bytes", len(res.Stdout)),
		zap.Int("stderr_bytes", len(res.Stderr)),
	)
	if res.ExitCode != nil {
		fields = append(fields, zap.Int("exit_code", *res.ExitCode))
	}
	r.log.Info("result", fields...)
}

func (r *Recorder) Error(inv models.Invocation, ec models.ExecContext, err error) {
	r.log.Warn("error", append(r.fields(inv, ec),
		zap.String("kind", execerr.Name(err)),
		zap.Error(err),
	)...)
}

// Close flushes buffered entries.
func (r *Recorder) Close() error {
	return r.log.Sync()
}
