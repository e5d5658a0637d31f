// Package hostkey builds host-key verification callbacks from a
// known_hosts-style trusted-key store.
//
// Matching is a plain existence check: a presented key is trusted when some
// store entry names one of the host's candidate names and carries the same
// key. Certificate-authority and revoked markers and hashed host names are
// skipped. A missing or empty store fails closed.
package hostkey

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/pkg/execerr"
	"github.com/andrej220/remexec/pkg/models"
)

var ErrHostKeyMismatch = errors.New("host key is not trusted")

// Entry is one usable line of a trusted-key store.
type Entry struct {
	Patterns []string
	Key      string // base64 of the wire-format public key
}

// Predicate reports whether a presented key is trusted.
type Predicate func(key ssh.PublicKey) bool

// Verifier builds callbacks for hosts. DefaultPath is used when a host has no
// store path of its own.
type Verifier struct {
	DefaultPath string
	Logger      lg.Logger
}

func NewVerifier(defaultPath string, logger lg.Logger) *Verifier {
	if defaultPath == "" {
		defaultPath = DefaultStorePath()
	}
	if logger == nil {
		logger = lg.Discard
	}
	return &Verifier{DefaultPath: defaultPath, Logger: logger}
}

// DefaultStorePath is ~/.ssh/known_hosts, or empty if home is unknown.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

// Predicate returns nil when verification is disabled for host. The store is
// not read in that case.
func (v *Verifier) Predicate(host models.Host) (Predicate, error) {
	if !host.StrictHostKey {
		return nil, nil
	}
	path := host.KnownHostsPath
	if path == "" {
		path = v.DefaultPath
	}
	if path == "" {
		return nil, execerr.New(execerr.ErrConfig, "host %q: no trusted-key store path", host.Alias)
	}
	entries, err := LoadFile(path)
	if err != nil {
		return nil, execerr.Wrap(execerr.ErrConfig, fmt.Sprintf("host %q: trusted-key store %s", host.Alias, path), err)
	}
	if len(entries) == 0 {
		return nil, execerr.New(execerr.ErrConfig, "host %q: trusted-key store %s has no usable entries", host.Alias, path)
	}
	v.Logger.Debug("trusted-key store loaded", lg.String("alias", host.Alias), lg.String("path", path), lg.Int("entries", len(entries)))
	return Match(entries, Candidates(host)), nil
}

// Callback wraps Predicate in an ssh.HostKeyCallback. Disabled verification
// accepts any key.
func (v *Verifier) Callback(host models.Host) (ssh.HostKeyCallback, error) {
	pred, err := v.Predicate(host)
	if err != nil {
		return nil, err
	}
	if pred == nil {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if pred(key) {
			return nil
		}
		v.Logger.Warn("untrusted host key",
			lg.String("alias", host.Alias),
			lg.String("remote", remote.String()),
			lg.String("fingerprint", ssh.FingerprintSHA256(key)))
		return fmt.Errorf("%w: %s presented %s", ErrHostKeyMismatch, hostname, ssh.FingerprintSHA256(key))
	}, nil
}

// Candidates lists the names a store entry may use for host: the bare
// address, address:port, [address]:port and the alias.
func Candidates(host models.Host) []string {
	port := host.Port
	if port == 0 {
		port = models.DefaultPort
	}
	p := strconv.Itoa(port)
	names := []string{
		host.Address,
		host.Address + ":" + p,
		"[" + host.Address + "]:" + p,
	}
	if host.Alias != "" {
		names = append(names, host.Alias)
	}
	return names
}

// Match builds a predicate over entries for the given candidate names.
func Match(entries []Entry, candidates []string) Predicate {
	names := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		names[c] = struct{}{}
	}
	var trusted []string
	for _, e := range entries {
		for _, p := range e.Patterns {
			if _, ok := names[p]; ok {
				trusted = append(trusted, e.Key)
				break
			}
		}
	}
	return func(key ssh.PublicKey) bool {
		presented := base64.StdEncoding.EncodeToString(key.Marshal())
		for _, k := range trusted {
			if k == presented {
				return true
			}
		}
		return false
	}
}

// LoadFile reads and parses a trusted-key store.
func LoadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, err
	}
	return Parse(data), nil
}

// Parse returns the usable entries in data. Lines that cannot be used are
// skipped rather than rejected.
func Parse(data []byte) []Entry {
	var entries []Entry
	for len(data) > 0 {
		var line []byte
		line, data, _ = bytes.Cut(data, []byte{'\n'})
		e, ok := parseLine(line)
		if ok {
			entries = append(entries, e)
		}
	}
	return entries
}

func parseLine(line []byte) (Entry, bool) {
	marker, hosts, key, _, _, err := ssh.ParseKnownHosts(line)
	if err != nil || key == nil || marker != "" {
		return Entry{}, false
	}
	var patterns []string
	for _, h := range hosts {
		if h == "" || strings.HasPrefix(h, "|") || strings.HasPrefix(h, "!") {
			continue
		}
		patterns = append(patterns, h)
	}
	if len(patterns) == 0 {
		return Entry{}, false
	}
	return Entry{Patterns: patterns, Key: base64.StdEncoding.EncodeToString(key.Marshal())}, true
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
