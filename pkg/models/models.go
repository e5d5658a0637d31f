// Package models holds the types shared by the registry, the transport and
// the orchestrator. Values here carry no behaviour beyond small accessors.
package models

import (
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPort    = 22
	DefaultTimeout = 60 * time.Second
)

// Host describes a remote machine and how to authenticate to it.
type Host struct {
	Alias   string
	Address string
	Port    int
	User    string
	Auth    Auth

	WorkDir        string
	Shell          string
	KnownHostsPath string
	StrictHostKey  bool
	Tuning         Tuning
}

// Tuning is advisory connection tuning. PoolSize is not acted upon.
type Tuning struct {
	KeepAlive time.Duration
	PoolSize  int
}

// Endpoint returns address:port in dial form, bracketing IPv6 literals.
func (h Host) Endpoint() string {
	port := h.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(h.Address, strconv.Itoa(port))
}

// Auth is the closed set of authentication strategies. The unexported method
// keeps the set closed to this package; consumers switch over the concrete
// types and fall through to an error for anything else.
type Auth interface {
	authKind() string
}

// KeyFileAuth reads a private key from disk. When Passphrase is set the key
// passphrase is looked up from a per-alias secret.
type KeyFileAuth struct {
	Path       string
	Passphrase bool
}

// AgentAuth signs with keys held by an ssh-agent. An empty Socket means the
// ambient SSH_AUTH_SOCK.
type AgentAuth struct {
	Socket string
}

// CommandAuth runs Command locally; its trimmed stdout is the password.
type CommandAuth struct {
	Command string
}

func (KeyFileAuth) authKind() string { return "key" }
func (AgentAuth) authKind() string   { return "agent" }
func (CommandAuth) authKind() string { return "command" }

// AuthKind names the strategy, for logs.
func AuthKind(a Auth) string {
	if a == nil {
		return "none"
	}
	return a.authKind()
}

// Options are the per-invocation execution options.
type Options struct {
	Timeout time.Duration
	Stream  bool
	WorkDir string
	Env     map[string]string
}

// ExecContext is created once per invocation and never mutated afterwards.
type ExecContext struct {
	Host    Host
	Command string
	Options Options
}

// EffectiveTimeout is the per-invocation timeout or DefaultTimeout.
func (c ExecContext) EffectiveTimeout() time.Duration {
	if c.Options.Timeout > 0 {
		return c.Options.Timeout
	}
	return DefaultTimeout
}

// Invocation correlates every hook and telemetry call of one run.
type Invocation struct {
	ID        uuid.UUID
	StartedAt time.Time
}

func NewInvocation() Invocation {
	return Invocation{ID: uuid.New(), StartedAt: time.Now()}
}

// Stream tags which remote output a chunk came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Chunk is one fragment of remote output.
type Chunk struct {
	Stream Stream
	Data   string
	At     time.Time
}

// Result is the terminal outcome of one invocation. ExitCode is nil when the
// process was terminated without reporting a status, e.g. on timeout.
type Result struct {
	ExitCode *int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Item is anything the orchestrator yields: a Chunk or the final *Result.
type Item interface {
	isItem()
}

func (Chunk) isItem()   {}
func (*Result) isItem() {}

// Sink receives chunks as the transport reads them. It may be called from
// more than one goroutine.
type Sink func(Chunk)
