package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/pkg/config/filestore"
	"github.com/andrej220/remexec/pkg/models"
)

type recordingUpdater struct {
	mu    sync.Mutex
	calls [][]models.Host
}

func (r *recordingUpdater) UpdateConfig(hosts []models.Host) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, hosts)
	return nil
}

func (r *recordingUpdater) last() []models.Host {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

const oneHost = `
hosts:
  - alias: staging
    host: 10.0.0.5
    user: deploy
    auth: {type: agent}
`

const twoHosts = oneHost + `  - alias: prod
    host: 10.0.0.6
    user: deploy
    auth: {type: agent}
`

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
}

func TestHostLoaderLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	writeFile(t, path, oneHost)

	up := &recordingUpdater{}
	l := NewHostLoader(filestore.New(path), up, lg.Discard)
	require.NoError(t, l.Load(context.Background()))
	require.Len(t, up.last(), 1)
	assert.Equal(t, "staging", up.last()[0].Alias)
}

func TestHostLoaderInvalidKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	writeFile(t, path, oneHost)

	up := &recordingUpdater{}
	l := NewHostLoader(filestore.New(path), up, lg.Discard)
	l.newBackOff = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2) }
	require.NoError(t, l.Load(context.Background()))

	writeFile(t, path, "hosts: [{alias: broken}]")
	assert.Error(t, l.Reload(context.Background()))
	assert.Len(t, up.calls, 1)
}

func TestHostLoaderWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	writeFile(t, path, oneHost)

	up := &recordingUpdater{}
	l := NewHostLoader(filestore.New(path), up, lg.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Load(ctx))
	require.NoError(t, l.Watch(ctx))

	writeFile(t, path, twoHosts)
	assert.Eventually(t, func() bool { return len(up.last()) == 2 }, 5*time.Second, 20*time.Millisecond)
}

func TestParseStoreType(t *testing.T) {
	st, err := ParseStoreType("")
	require.NoError(t, err)
	assert.Equal(t, FileStore, st)
	st, err = ParseStoreType("mongo")
	require.NoError(t, err)
	assert.Equal(t, MongoStore, st)
	_, err = ParseStoreType("etcd")
	assert.ErrorIs(t, err, ErrInvalidStoreType)
}

func TestNewStoreRejectsWrongConfig(t *testing.T) {
	_, err := NewStore(context.Background(), FileStore, &MongoConfig{})
	assert.Error(t, err)
	_, err = NewStore(context.Background(), StoreType(9), nil)
	assert.ErrorIs(t, err, ErrInvalidStoreType)
}
