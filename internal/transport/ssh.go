package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/andrej220/remexec/internal/auth"
	"github.com/andrej220/remexec/internal/hostkey"
	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/pkg/execerr"
	"github.com/andrej220/remexec/pkg/models"
)

const (
	defaultConnectTimeout = 10 * time.Second
	readBufferSize        = 32 << 10
)

// SSH is the secure-shell Transport. Each Execute call dials its own
// connection and tears it down before returning.
type SSH struct {
	resolver       *auth.Resolver
	verifier       *hostkey.Verifier
	logger         lg.Logger
	connectTimeout time.Duration
	breakers       *breakers
}

type Option func(*SSH)

func WithLogger(l lg.Logger) Option {
	return func(s *SSH) { s.logger = l }
}

// WithConnectTimeout bounds TCP dial plus SSH handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *SSH) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

// WithCircuitBreaker guards connection attempts with a breaker per host.
func WithCircuitBreaker(settings gobreaker.Settings) Option {
	return func(s *SSH) { s.breakers = newBreakers(settings) }
}

func NewSSH(resolver *auth.Resolver, verifier *hostkey.Verifier, opts ...Option) *SSH {
	s := &SSH{
		resolver:       resolver,
		verifier:       verifier,
		logger:         lg.Discard,
		connectTimeout: defaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Transport = (*SSH)(nil)

func (s *SSH) Execute(ctx context.Context, ec models.ExecContext, sink models.Sink) (*models.Result, error) {
	host := ec.Host
	log := s.logger.With(lg.String("alias", host.Alias), lg.String("endpoint", host.Endpoint()))
	state := Idle
	enter := func(next State) {
		log.Debug("transport state", lg.String("from", state.String()), lg.String("to", next.String()))
		state = next
	}

	res, err := s.execute(ctx, ec, sink, log, enter)
	if err != nil {
		enter(Failed)
		return nil, err
	}
	if res.TimedOut {
		enter(TimedOut)
	} else {
		enter(Completed)
	}
	return res, nil
}

func (s *SSH) execute(ctx context.Context, ec models.ExecContext, sink models.Sink, log lg.Logger, enter func(State)) (*models.Result, error) {
	host := ec.Host

	// The trust predicate is built before credentials are touched so that a
	// broken store never leads to a credential command being run.
	enter(Authenticating)
	hostKeyCallback, err := s.verifier.Callback(host)
	if err != nil {
		return nil, err
	}
	creds, err := s.resolver.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	defer creds.Close()

	enter(Connecting)
	// Runs on the handshake goroutine, so it only logs.
	callback := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		log.Debug("transport state", lg.String("to", Verifying.String()), lg.Bool("strict", host.StrictHostKey))
		return hostKeyCallback(hostname, remote, key)
	}
	client, err := s.connect(ctx, host, creds.Methods, callback)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	enter(ChannelOpen)
	sess, err := client.NewSession()
	if err != nil {
		return nil, execerr.Wrap(execerr.ErrExecution, "open session", err)
	}
	defer sess.Close()

	if err := setEnv(sess, ec.Options.Env); err != nil {
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, execerr.Wrap(execerr.ErrExecution, "stdout pipe", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return nil, execerr.Wrap(execerr.ErrExecution, "stderr pipe", err)
	}

	command := BuildCommand(host, ec.Options, ec.Command)
	start := time.Now()
	if err := sess.Start(command); err != nil {
		return nil, execerr.Wrap(execerr.ErrExecution, "start command", err)
	}

	enter(Streaming)
	stopKeepAlive := keepAlive(client, host.Tuning.KeepAlive, log)
	defer stopKeepAlive()

	var outBuf, errBuf strings.Builder
	var readers errgroup.Group
	readers.Go(func() error { return pump(stdout, models.Stdout, &outBuf, sink) })
	readers.Go(func() error { return pump(stderr, models.Stderr, &errBuf, sink) })

	type outcome struct{ read, wait error }
	done := make(chan outcome, 1)
	go func() {
		readErr := readers.Wait()
		done <- outcome{read: readErr, wait: sess.Wait()}
	}()

	timeout := ec.EffectiveTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out outcome
	timedOut := false
	select {
	case out = <-done:
	case <-timer.C:
		log.Info("command timed out, closing channel", lg.Duration("timeout", timeout))
		timedOut = true
		sess.Close()
		client.Close()
		<-done
	case <-ctx.Done():
		sess.Close()
		client.Close()
		<-done
		return nil, execerr.Wrap(execerr.ErrExecution, "cancelled", ctx.Err())
	}

	res := &models.Result{
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		TimedOut: timedOut,
		Duration: time.Since(start),
	}
	if timedOut {
		return res, nil
	}
	if out.read != nil {
		return nil, execerr.Wrap(execerr.ErrExecution, "read output", out.read)
	}

	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case out.wait == nil:
		code := 0
		res.ExitCode = &code
	case errors.As(out.wait, &exitErr):
		code := exitErr.ExitStatus()
		res.ExitCode = &code
	case errors.As(out.wait, &missing):
		// Terminated without reporting a status; ExitCode stays nil.
	default:
		return nil, execerr.Wrap(execerr.ErrExecution, "wait", out.wait)
	}
	return res, nil
}

// connect dials and completes the SSH handshake, honouring ctx and the
// connect timeout for both steps.
func (s *SSH) connect(ctx context.Context, host models.Host, methods []ssh.AuthMethod, cb ssh.HostKeyCallback) (*ssh.Client, error) {
	addr := host.Endpoint()
	cfg := &ssh.ClientConfig{
		User:            host.User,
		Auth:            methods,
		HostKeyCallback: cb,
		Timeout:         s.connectTimeout,
		BannerCallback:  func(message string) error { return nil }, //ignore banner
	}

	dial := func() (any, error) {
		d := net.Dialer{Timeout: s.connectTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, execerr.Wrap(execerr.ErrConnection, "dial "+addr, err)
		}
		conn.SetDeadline(time.Now().Add(s.connectTimeout))
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			conn.Close()
			return nil, classifyHandshake(addr, err)
		}
		conn.SetDeadline(time.Time{})
		return ssh.NewClient(c, chans, reqs), nil
	}

	res, err := s.breakers.execute(host.Alias+"@"+addr, dial)
	if err != nil {
		return nil, err
	}
	return res.(*ssh.Client), nil
}

// authFailureText is how x/crypto/ssh (v0.37.0) reports that every auth
// method was rejected; it exports no sentinel for this.
const authFailureText = "unable to authenticate"

func classifyHandshake(addr string, err error) error {
	switch {
	case errors.Is(err, hostkey.ErrHostKeyMismatch):
		return execerr.Wrap(execerr.ErrConnection, "host key verification failed for "+addr, err)
	case strings.Contains(err.Error(), authFailureText):
		return execerr.Wrap(execerr.ErrAuth, "authentication rejected by "+addr, err)
	default:
		return execerr.Wrap(execerr.ErrConnection, "handshake with "+addr, err)
	}
}

// setEnv sends env in key order so servers see a stable sequence.
func setEnv(sess *ssh.Session, env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := sess.Setenv(k, env[k]); err != nil {
			return execerr.Wrap(execerr.ErrExecution, fmt.Sprintf("set env %s", k), err)
		}
	}
	return nil
}

// pump copies r into buf, handing every read to sink as it arrives.
func pump(r io.Reader, stream models.Stream, buf *strings.Builder, sink models.Sink) error {
	p := make([]byte, readBufferSize)
	for {
		n, err := r.Read(p)
		if n > 0 {
			data := string(p[:n])
			buf.WriteString(data)
			if sink != nil {
				sink(models.Chunk{Stream: stream, Data: data, At: time.Now()})
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// keepAlive sends OpenSSH keepalive requests every interval until stopped.
func keepAlive(client *ssh.Client, every time.Duration, log lg.Logger) (stop func()) {
	if every <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
					log.Debug("keepalive failed", lg.Err(err))
					return
				}
			}
		}
	}()
	return func() { close(done) }
}
