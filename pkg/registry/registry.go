// Package registry holds the current set of known hosts.
//
// A Snapshot is immutable. Update replaces the whole snapshot with a single
// pointer swap, so a reader that captured a snapshot keeps a consistent view
// for as long as it holds it.
package registry

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/andrej220/remexec/pkg/models"
)

type Snapshot struct {
	hosts map[string]models.Host
}

// Lookup returns the host registered under alias.
func (s *Snapshot) Lookup(alias string) (models.Host, bool) {
	if s == nil {
		return models.Host{}, false
	}
	h, ok := s.hosts[alias]
	return h, ok
}

// Aliases lists registered aliases in sorted order.
func (s *Snapshot) Aliases() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.hosts))
	for a := range s.hosts {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.hosts)
}

// NewSnapshot builds a snapshot, rejecting empty or duplicate aliases.
func NewSnapshot(hosts []models.Host) (*Snapshot, error) {
	m := make(map[string]models.Host, len(hosts))
	for _, h := range hosts {
		if h.Alias == "" {
			return nil, fmt.Errorf("host with empty alias")
		}
		if _, dup := m[h.Alias]; dup {
			return nil, fmt.Errorf("duplicate host alias %q", h.Alias)
		}
		if h.Port == 0 {
			h.Port = models.DefaultPort
		}
		m[h.Alias] = h
	}
	return &Snapshot{hosts: m}, nil
}

type Registry struct {
	current atomic.Pointer[Snapshot]
}

func New() *Registry {
	r := &Registry{}
	r.current.Store(&Snapshot{hosts: map[string]models.Host{}})
	return r
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Update swaps in a snapshot built from hosts. On error the current snapshot
// is kept.
func (r *Registry) Update(hosts []models.Host) error {
	snap, err := NewSnapshot(hosts)
	if err != nil {
		return err
	}
	r.current.Store(snap)
	return nil
}
