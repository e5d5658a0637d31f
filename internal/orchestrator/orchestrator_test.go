package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/remexec/internal/auth"
	"github.com/andrej220/remexec/internal/hostkey"
	"github.com/andrej220/remexec/internal/sshtest"
	"github.com/andrej220/remexec/internal/transport"
	"github.com/andrej220/remexec/pkg/execerr"
	"github.com/andrej220/remexec/pkg/models"
	"github.com/andrej220/remexec/pkg/registry"
)

// fakeTransport emits chunks, optionally waits on gate, then settles.
type fakeTransport struct {
	chunks []models.Chunk
	gate   chan struct{}
	res    *models.Result
	err    error

	mu    sync.Mutex
	calls []models.ExecContext
}

func (f *fakeTransport) Execute(ctx context.Context, ec models.ExecContext, sink models.Sink) (*models.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ec)
	f.mu.Unlock()
	for _, c := range f.chunks {
		sink(c)
	}
	if f.gate != nil {
		<-f.gate
	}
	return f.res, f.err
}

func (f *fakeTransport) Calls() []models.ExecContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ExecContext(nil), f.calls...)
}

// recorder captures hook and telemetry events in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	chunks int

	beforeErr error
	afterErr  error
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Before(context.Context, models.ExecContext, models.Invocation) error {
	r.add("hook:before")
	return r.beforeErr
}

func (r *recorder) After(context.Context, models.ExecContext, models.Invocation, *models.Result) error {
	r.add("hook:after")
	return r.afterErr
}

func (r *recorder) OnError(context.Context, models.ExecContext, models.Invocation, error) error {
	r.add("hook:error")
	return nil
}

func (r *recorder) Start(models.Invocation, models.ExecContext) { r.add("tel:start") }

func (r *recorder) Chunk(models.Invocation, models.ExecContext, models.Chunk) {
	r.mu.Lock()
	r.chunks++
	r.mu.Unlock()
}

func (r *recorder) Result(models.Invocation, models.ExecContext, *models.Result) {
	r.add("tel:result")
}

func (r *recorder) Error(models.Invocation, models.ExecContext, error) { r.add("tel:error") }

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func newTestOrchestrator(t *testing.T, tr transport.Transport, rec *recorder, opts ...Option) *Orchestrator {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Update([]models.Host{{
		Alias:   "staging",
		Address: "10.0.0.5",
		User:    "deploy",
		Auth:    models.AgentAuth{},
	}}))
	opts = append([]Option{WithHooks(rec), WithTelemetry(rec)}, opts...)
	return New(reg, tr, opts...)
}

func collect(t *testing.T, run *Run) ([]models.Item, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var items []models.Item
	var terminal error
	for item, err := range run.All(ctx) {
		if err != nil {
			terminal = err
			break
		}
		items = append(items, item)
	}
	return items, terminal
}

func TestRunStreamsChunksThenResult(t *testing.T) {
	tr := &fakeTransport{
		chunks: []models.Chunk{
			{Stream: models.Stdout, Data: "a"},
			{Stream: models.Stderr, Data: "b"},
			{Stream: models.Stdout, Data: "c"},
		},
		res: &models.Result{ExitCode: intPtr(0), Stdout: "ac", Stderr: "b"},
	}
	rec := &recorder{}
	o := newTestOrchestrator(t, tr, rec)

	run, err := o.Run(context.Background(), Request{HostAlias: "staging", Command: "x", Stream: true})
	require.NoError(t, err)
	items, terminal := collect(t, run)
	require.NoError(t, terminal)

	require.Len(t, items, 4)
	var data string
	for _, item := range items[:3] {
		c, ok := item.(models.Chunk)
		require.True(t, ok)
		data += c.Data
	}
	assert.Equal(t, "abc", data)
	res, ok := items[3].(*models.Result)
	require.True(t, ok)
	assert.Equal(t, 0, *res.ExitCode)

	next, err := run.Next(context.Background())
	assert.Nil(t, next)
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, []string{"tel:start", "hook:before", "hook:after", "tel:result"}, rec.Events())
	assert.Equal(t, 3, rec.chunks)
}

func TestRunWithoutStreamingYieldsOnlyResult(t *testing.T) {
	tr := &fakeTransport{
		chunks: []models.Chunk{{Stream: models.Stdout, Data: "hi\n"}},
		res:    &models.Result{ExitCode: intPtr(0), Stdout: "hi\n"},
	}
	rec := &recorder{}
	o := newTestOrchestrator(t, tr, rec)

	run, err := o.Run(context.Background(), Request{HostAlias: "staging", Command: "echo hi"})
	require.NoError(t, err)
	items, terminal := collect(t, run)
	require.NoError(t, terminal)
	require.Len(t, items, 1)
	assert.Equal(t, "hi\n", items[0].(*models.Result).Stdout)
	// telemetry still sees chunks
	assert.Equal(t, 1, rec.chunks)
}

func TestRunTransportErrorIsTerminal(t *testing.T) {
	tr := &fakeTransport{
		chunks: []models.Chunk{{Stream: models.Stdout, Data: "partial"}},
		err:    execerr.New(execerr.ErrConnection, "dial refused"),
	}
	rec := &recorder{}
	o := newTestOrchestrator(t, tr, rec)

	run, err := o.Run(context.Background(), Request{HostAlias: "staging", Command: "x", Stream: true})
	require.NoError(t, err)
	items, terminal := collect(t, run)
	require.Len(t, items, 1)
	assert.ErrorIs(t, terminal, execerr.ErrConnection)

	_, err = run.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"tel:start", "hook:before", "hook:error", "tel:error"}, rec.Events())
}

func TestRunTimeoutIsAResult(t *testing.T) {
	tr := &fakeTransport{res: &models.Result{TimedOut: true, Duration: 50 * time.Millisecond}}
	rec := &recorder{}
	o := newTestOrchestrator(t, tr, rec)

	run, err := o.Run(context.Background(), Request{HostAlias: "staging", Command: "sleep 10", TimeoutMs: int64Ptr(50)})
	require.NoError(t, err)
	res, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Nil(t, res.ExitCode)
	assert.Equal(t, 50*time.Millisecond, tr.Calls()[0].Options.Timeout)
	assert.Equal(t, []string{"tel:start", "hook:before", "hook:after", "tel:result"}, rec.Events())
}

func TestRunRejectsBeforeAnyHook(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"unknown alias", Request{HostAlias: "nope", Command: "x"}},
		{"missing alias", Request{Command: "x"}},
		{"empty command", Request{HostAlias: "staging"}},
		{"blank command", Request{HostAlias: "staging", Command: "   "}},
		{"zero timeout", Request{HostAlias: "staging", Command: "x", TimeoutMs: int64Ptr(0)}},
		{"negative timeout", Request{HostAlias: "staging", Command: "x", TimeoutMs: int64Ptr(-5)}},
		{"timeout above limit", Request{HostAlias: "staging", Command: "x", TimeoutMs: int64Ptr(MaxTimeoutMs + 1)}},
		{"timeout overflowing duration", Request{HostAlias: "staging", Command: "x", TimeoutMs: int64Ptr(18446744073710)}},
		{"bad env name", Request{HostAlias: "staging", Command: "x", Env: map[string]string{"1BAD": "v"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{res: &models.Result{ExitCode: intPtr(0)}}
			rec := &recorder{}
			o := newTestOrchestrator(t, tr, rec)

			run, err := o.Run(context.Background(), tt.req)
			assert.Nil(t, run)
			assert.ErrorIs(t, err, execerr.ErrConfig)
			assert.Empty(t, rec.Events())
			assert.Empty(t, tr.Calls())
		})
	}
}

func TestRunBeforeHookVeto(t *testing.T) {
	tr := &fakeTransport{res: &models.Result{ExitCode: intPtr(0)}}
	rec := &recorder{beforeErr: errors.New("not today")}
	o := newTestOrchestrator(t, tr, rec)

	run, err := o.Run(context.Background(), Request{HostAlias: "staging", Command: "x", Stream: true})
	require.NoError(t, err)
	_, err = run.Wait(context.Background())
	assert.ErrorIs(t, err, execerr.ErrConfig)
	assert.ErrorContains(t, err, "not today")
	assert.Empty(t, tr.Calls())
	assert.Equal(t, []string{"tel:start", "hook:before", "hook:error", "tel:error"}, rec.Events())
}

func TestRunAfterHookErrorKeepsResult(t *testing.T) {
	tr := &fakeTransport{res: &models.Result{ExitCode: intPtr(0)}}
	rec := &recorder{afterErr: errors.New("audit sink down")}
	o := newTestOrchestrator(t, tr, rec)

	run, err := o.Run(context.Background(), Request{HostAlias: "staging", Command: "x"})
	require.NoError(t, err)
	res, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, *res.ExitCode)
	assert.NotContains(t, rec.Events(), "hook:error")
}

func TestRunHookTimeout(t *testing.T) {
	tr := &fakeTransport{res: &models.Result{ExitCode: intPtr(0)}}
	block := make(chan struct{})
	defer close(block)
	hooks := HookFuncs{
		BeforeFunc: func(ctx context.Context, _ models.ExecContext, _ models.Invocation) error {
			select {
			case <-block:
			case <-ctx.Done():
				<-block
			}
			return nil
		},
	}
	reg := registry.New()
	require.NoError(t, reg.Update([]models.Host{{Alias: "staging", Address: "h", Auth: models.AgentAuth{}}}))
	o := New(reg, tr, WithHooks(hooks), WithHookTimeout(20*time.Millisecond))

	run, err := o.Run(context.Background(), Request{HostAlias: "staging", Command: "x"})
	require.NoError(t, err)
	_, err = run.Wait(context.Background())
	assert.ErrorIs(t, err, execerr.ErrConfig)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunHookPanicIsContained(t *testing.T) {
	tr := &fakeTransport{res: &models.Result{ExitCode: intPtr(0)}}
	hooks := HookFuncs{
		AfterFunc: func(context.Context, models.ExecContext, models.Invocation, *models.Result) error {
			panic("boom")
		},
	}
	reg := registry.New()
	require.NoError(t, reg.Update([]models.Host{{Alias: "staging", Address: "h", Auth: models.AgentAuth{}}}))
	o := New(reg, tr, WithHooks(hooks))

	run, err := o.Run(context.Background(), Request{HostAlias: "staging", Command: "x"})
	require.NoError(t, err)
	res, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, *res.ExitCode)
}

func TestRunNextHonoursContext(t *testing.T) {
	tr := &fakeTransport{gate: make(chan struct{}), res: &models.Result{ExitCode: intPtr(0)}}
	o := newTestOrchestrator(t, tr, &recorder{})

	run, err := o.Run(context.Background(), Request{HostAlias: "staging", Command: "x", Stream: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = run.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(tr.gate)
	res, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, *res.ExitCode)
}

func TestRunPassesOptions(t *testing.T) {
	tr := &fakeTransport{res: &models.Result{ExitCode: intPtr(0)}}
	o := newTestOrchestrator(t, tr, &recorder{})
	env := map[string]string{"RELEASE": "42"}

	run, err := o.Run(context.Background(), Request{HostAlias: "staging", Command: "deploy", Cwd: "/srv/app", Env: env})
	require.NoError(t, err)
	_, err = run.Wait(context.Background())
	require.NoError(t, err)

	env["RELEASE"] = "mutated"
	ec := tr.Calls()[0]
	assert.Equal(t, "deploy", ec.Command)
	assert.Equal(t, "/srv/app", ec.Options.WorkDir)
	assert.Equal(t, "42", ec.Options.Env["RELEASE"])
	assert.Equal(t, "10.0.0.5", ec.Host.Address)
	assert.Equal(t, models.DefaultPort, ec.Host.Port)
}

func TestUpdateConfigSwapsHosts(t *testing.T) {
	tr := &fakeTransport{res: &models.Result{ExitCode: intPtr(0)}}
	o := newTestOrchestrator(t, tr, &recorder{})

	require.NoError(t, o.UpdateConfig([]models.Host{{Alias: "prod", Address: "p", Auth: models.AgentAuth{}}}))
	assert.Equal(t, []string{"prod"}, o.Aliases())

	_, err := o.Run(context.Background(), Request{HostAlias: "staging", Command: "x"})
	assert.ErrorIs(t, err, execerr.ErrConfig)

	err = o.UpdateConfig([]models.Host{{Alias: "a"}, {Alias: "a"}})
	assert.ErrorIs(t, err, execerr.ErrConfig)
	assert.Equal(t, []string{"prod"}, o.Aliases())
}

func TestRunOverSSHStreamsBeforeCompletion(t *testing.T) {
	srv := sshtest.Start(t)
	release := make(chan struct{})
	srv.Handle("tail", func(s *sshtest.Session) int {
		io.WriteString(s.Stdout, "first\n")
		<-release
		io.WriteString(s.Stdout, "second\n")
		return 0
	})
	signer, pemBytes := sshtest.ClientKey(t, "")
	srv.Authorize(signer.PublicKey())
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pemBytes, 0o600))

	reg := registry.New()
	require.NoError(t, reg.Update([]models.Host{{
		Alias:   "staging",
		Address: srv.Host,
		Port:    srv.Port,
		User:    "deploy",
		Auth:    models.KeyFileAuth{Path: keyPath},
	}}))
	tr := transport.NewSSH(auth.New(), hostkey.NewVerifier("", nil))
	rec := &recorder{}
	o := New(reg, tr, WithHooks(rec), WithTelemetry(rec))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := o.Run(ctx, Request{HostAlias: "staging", Command: "tail", Stream: true})
	require.NoError(t, err)

	item, err := run.Next(ctx)
	require.NoError(t, err)
	first, ok := item.(models.Chunk)
	require.True(t, ok)
	assert.Equal(t, models.Stdout, first.Stream)
	assert.Equal(t, "first\n", first.Data)

	close(release)
	res, err := run.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", res.Stdout)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Equal(t, []string{"tel:start", "hook:before", "hook:after", "tel:result"}, rec.Events())
}

func TestRunDefaultTimeout(t *testing.T) {
	tr := &fakeTransport{res: &models.Result{ExitCode: intPtr(0)}}
	o := newTestOrchestrator(t, tr, &recorder{}, WithDefaultTimeout(5*time.Second))

	for _, req := range []Request{
		{HostAlias: "staging", Command: "a"},
		{HostAlias: "staging", Command: "b", TimeoutMs: int64Ptr(250)},
	} {
		run, err := o.Run(context.Background(), req)
		require.NoError(t, err)
		_, err = run.Wait(context.Background())
		require.NoError(t, err)
	}
	calls := tr.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 5*time.Second, calls[0].Options.Timeout)
	assert.Equal(t, 250*time.Millisecond, calls[1].Options.Timeout)
}

func TestRequestTimeoutAtLimit(t *testing.T) {
	req := Request{HostAlias: "staging", Command: "x", TimeoutMs: int64Ptr(MaxTimeoutMs)}
	require.NoError(t, req.Validate())
	assert.Equal(t, 30*24*time.Hour, req.options().Timeout)
}
