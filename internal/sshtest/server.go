// Package sshtest runs an in-process SSH server for tests. Exec requests are
// served by handlers registered per command string; no real shell is involved.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Session is what a Handler sees of one exec request.
type Session struct {
	Command string
	Env     map[string]string
	Stdout  io.Writer
	Stderr  io.Writer
	// Closed is closed when the client closes the channel.
	Closed <-chan struct{}
}

// Handler serves one exec request and returns the exit status. A negative
// status closes the channel without reporting one.
type Handler func(s *Session) int

type Server struct {
	Host string
	Port int

	hostKey  ssh.Signer
	listener net.Listener

	mu         sync.Mutex
	authorized [][]byte
	password   string
	rejectEnv  bool
	handlers   map[string]Handler
	commands   []string
	conns      []net.Conn
	dials      int
}

// Start listens on 127.0.0.1 with a random port and stops on test cleanup.
func Start(t testing.TB) *Server {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)

	s := &Server{
		Host:     "127.0.0.1",
		Port:     addr.Port,
		hostKey:  signer,
		listener: l,
		handlers: map[string]Handler{},
	}
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Authorize accepts public-key logins with key.
func (s *Server) Authorize(key ssh.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized = append(s.authorized, key.Marshal())
}

// SetPassword accepts password and keyboard-interactive logins with pw.
func (s *Server) SetPassword(pw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = pw
}

// RejectEnv makes the server refuse env requests.
func (s *Server) RejectEnv() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectEnv = true
}

func (s *Server) Handle(command string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
}

// Commands returns every exec payload received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Dials counts accepted TCP connections.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *Server) HostKey() ssh.PublicKey {
	return s.hostKey.PublicKey()
}

// WriteKnownHosts writes a store trusting this server's key under names and
// returns its path.
func (s *Server) WriteKnownHosts(t testing.TB, names ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line(names, s.HostKey())
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o600))
	return path
}

func (s *Server) Close() {
	s.listener.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *Server) config() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			for _, k := range s.authorized {
				if string(k) == string(key.Marshal()) {
					return nil, nil
				}
			}
			return nil, errors.New("public key is not authorized")
		},
		PasswordCallback: func(_ ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if s.checkPassword(string(pw)) {
				return nil, nil
			}
			return nil, errors.New("bad password")
		},
		KeyboardInteractiveCallback: func(_ ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := client("", "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) == 1 && s.checkPassword(answers[0]) {
				return nil, nil
			}
			return nil, errors.New("bad password")
		},
	}
	cfg.AddHostKey(s.hostKey)
	return cfg
}

func (s *Server) checkPassword(pw string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.password != "" && pw == s.password
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.dials++
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.config())
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, chReqs)
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	closed := make(chan struct{})
	env := map[string]string{}
	for req := range reqs {
		switch req.Type {
		case "env":
			var kv struct{ Name, Value string }
			if err := ssh.Unmarshal(req.Payload, &kv); err != nil {
				req.Reply(false, nil)
				continue
			}
			s.mu.Lock()
			reject := s.rejectEnv
			s.mu.Unlock()
			if reject {
				req.Reply(false, nil)
				continue
			}
			env[kv.Name] = kv.Value
			req.Reply(true, nil)
		case "exec":
			var p struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			sess := &Session{
				Command: p.Command,
				Env:     copyEnv(env),
				Stdout:  ch,
				Stderr:  ch.Stderr(),
				Closed:  closed,
			}
			go s.run(ch, sess)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
	close(closed)
}

func (s *Server) run(ch ssh.Channel, sess *Session) {
	s.mu.Lock()
	s.commands = append(s.commands, sess.Command)
	h, ok := s.handlers[sess.Command]
	s.mu.Unlock()
	if !ok {
		h = func(sess *Session) int {
			fmt.Fprintf(sess.Stderr, "%s: command not found\n", sess.Command)
			return 127
		}
	}

	code := h(sess)
	if code >= 0 {
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
	}
	ch.Close()
}

func copyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

// Echo writes out to stdout and exits 0.
func Echo(out string) Handler {
	return func(s *Session) int {
		io.WriteString(s.Stdout, out)
		return 0
	}
}

// Sleep blocks for d or until the client closes the channel, then exits 0.
// A closed channel yields no exit status.
func Sleep(d time.Duration) Handler {
	return func(s *Session) int {
		select {
		case <-time.After(d):
			return 0
		case <-s.Closed:
			return -1
		}
	}
}

// ClientKey generates a user key. It returns the signer, and PEM bytes of the
// private key, encrypted when passphrase is non-empty.
func ClientKey(t testing.TB, passphrase string) (ssh.Signer, []byte) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "test")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	}
	require.NoError(t, err)
	return signer, pem.EncodeToMemory(block)
}

// Endpoint is host:port.
func (s *Server) Endpoint() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Names lists the ways a known_hosts line may refer to this server.
func (s *Server) Names() []string {
	return []string{s.Host, s.Host + ":" + strconv.Itoa(s.Port)}
}
