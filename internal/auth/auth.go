// Package auth resolves a host's declared authentication strategy into
// ssh.AuthMethods. Resolution reads files, sockets and runs commands on every
// call; nothing is cached between connection attempts.
package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/pkg/execerr"
	"github.com/andrej220/remexec/pkg/models"
)

const (
	// DefaultSecretPattern names the environment variable holding a key
	// passphrase. %s is replaced by the normalised alias.
	DefaultSecretPattern = "REMEXEC_%s_PASSPHRASE"

	maxCommandOutput   = 64 << 10
	defaultCommandWait = 30 * time.Second
)

// SecretLookup returns the named secret and whether it exists.
type SecretLookup func(name string) (string, bool)

// Credentials is connection-ready material. Close releases anything opened
// during resolution, such as the agent socket, and must be called once the
// connection attempt is over.
type Credentials struct {
	Methods []ssh.AuthMethod
	closers []func() error
}

func (c *Credentials) Close() error {
	var errs []error
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	c.closers = nil
	return errors.Join(errs...)
}

type Resolver struct {
	secretPattern string
	lookup        SecretLookup
	agentSocket   func() string
	commandWait   time.Duration
	logger        lg.Logger
}

type Option func(*Resolver)

// WithSecretPattern overrides DefaultSecretPattern.
func WithSecretPattern(pattern string) Option {
	return func(r *Resolver) {
		if pattern != "" {
			r.secretPattern = pattern
		}
	}
}

// WithSecretLookup replaces the environment as the secret source.
func WithSecretLookup(fn SecretLookup) Option {
	return func(r *Resolver) { r.lookup = fn }
}

// WithAgentDiscovery replaces the SSH_AUTH_SOCK lookup used when a host does
// not name a socket.
func WithAgentDiscovery(fn func() string) Option {
	return func(r *Resolver) { r.agentSocket = fn }
}

// WithCommandTimeout bounds credential-command runtime.
func WithCommandTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.commandWait = d
		}
	}
}

func WithLogger(l lg.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

func New(opts ...Option) *Resolver {
	r := &Resolver{
		secretPattern: DefaultSecretPattern,
		lookup:        os.LookupEnv,
		agentSocket:   func() string { return os.Getenv("SSH_AUTH_SOCK") },
		commandWait:   defaultCommandWait,
		logger:        lg.Discard,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve produces credentials for host. Failures wrap execerr.ErrAuth.
func (r *Resolver) Resolve(ctx context.Context, host models.Host) (*Credentials, error) {
	switch a := host.Auth.(type) {
	case models.KeyFileAuth:
		return r.keyFile(host.Alias, a)
	case models.AgentAuth:
		return r.agent(a)
	case models.CommandAuth:
		return r.command(ctx, a)
	default:
		return nil, execerr.New(execerr.ErrAuth, "host %q: unsupported auth strategy %q", host.Alias, models.AuthKind(host.Auth))
	}
}

// SecretName derives the passphrase secret name for alias.
func (r *Resolver) SecretName(alias string) string {
	norm := strings.Map(func(c rune) rune {
		if unicode.IsLetter(c) || unicode.IsDigit(c) {
			return unicode.ToUpper(c)
		}
		return '_'
	}, alias)
	return fmt.Sprintf(r.secretPattern, norm)
}

func (r *Resolver) keyFile(alias string, a models.KeyFileAuth) (*Credentials, error) {
	key, err := os.ReadFile(expandHome(a.Path))
	if err != nil {
		return nil, execerr.Wrap(execerr.ErrAuth, "read private key", err)
	}

	var passphrase string
	if a.Passphrase {
		var ok bool
		passphrase, ok = r.lookup(r.SecretName(alias))
		if !ok {
			r.logger.Warn("passphrase secret not set", lg.String("alias", alias), lg.String("secret", r.SecretName(alias)))
		}
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			// Left to the server to reject; the handshake reports it as an
			// authentication failure.
			r.logger.Warn("private key is encrypted and no passphrase is available", lg.String("alias", alias))
			return &Credentials{}, nil
		}
		return nil, execerr.Wrap(execerr.ErrAuth, "parse private key", err)
	}
	return &Credentials{Methods: []ssh.AuthMethod{ssh.PublicKeys(signer)}}, nil
}

func (r *Resolver) agent(a models.AgentAuth) (*Credentials, error) {
	socket := a.Socket
	if socket == "" {
		socket = r.agentSocket()
	}
	if socket == "" {
		return nil, execerr.New(execerr.ErrAuth, "no ssh-agent socket configured and SSH_AUTH_SOCK is unset")
	}
	conn, err := net.Dial("unix", expandHome(socket))
	if err != nil {
		return nil, execerr.Wrap(execerr.ErrAuth, "dial ssh-agent", err)
	}
	client := agent.NewClient(conn)
	return &Credentials{
		Methods: []ssh.AuthMethod{ssh.PublicKeysCallback(client.Signers)},
		closers: []func() error{conn.Close},
	}, nil
}

func (r *Resolver) command(ctx context.Context, a models.CommandAuth) (*Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, r.commandWait)
	defer cancel()

	var stdout limitedBuffer
	stdout.max = maxCommandOutput
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", a.Command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, execerr.Wrap(execerr.ErrAuth, "credential command failed", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
	}
	if stdout.truncated {
		r.logger.Warn("credential command output truncated", lg.Int("limit", maxCommandOutput))
	}

	secret := strings.TrimSpace(stdout.String())
	if secret == "" {
		return nil, execerr.New(execerr.ErrAuth, "credential command produced no output")
	}
	answer := func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = secret
		}
		return answers, nil
	}
	return &Credentials{Methods: []ssh.AuthMethod{
		ssh.Password(secret),
		ssh.KeyboardInteractive(answer),
	}}, nil
}

// limitedBuffer keeps the first max bytes written and drops the rest without
// failing the writer, so a chatty command is not killed by a short write.
type limitedBuffer struct {
	bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.truncated = true
		b.Buffer.Write(p[:room])
		return len(p), nil
	}
	return b.Buffer.Write(p)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
