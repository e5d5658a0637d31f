package config

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/pkg/config/configstore"
	"github.com/andrej220/remexec/pkg/models"
	"github.com/andrej220/remexec/pkg/registry"
)

// HostUpdater accepts a freshly loaded host collection.
type HostUpdater interface {
	UpdateConfig(hosts []models.Host) error
}

// HostLoader reads the hosts document from a store and hands it to an
// updater, initially and then on every change the store reports.
type HostLoader struct {
	store   configstore.ConfigStore
	updater HostUpdater
	logger  lg.Logger
	// newBackOff builds the retry policy for reloads. A change event can
	// arrive while the file is still being written.
	newBackOff func() backoff.BackOff
}

func NewHostLoader(store configstore.ConfigStore, updater HostUpdater, logger lg.Logger) *HostLoader {
	if logger == nil {
		logger = lg.Discard
	}
	return &HostLoader{
		store:   store,
		updater: updater,
		logger:  logger,
		newBackOff: func() backoff.BackOff {
			return &backoff.ExponentialBackOff{
				InitialInterval:     100 * time.Millisecond,
				MaxInterval:         2 * time.Second,
				MaxElapsedTime:      10 * time.Second,
				Multiplier:          1.5,
				RandomizationFactor: 0.5,
				Stop:                backoff.Stop,
				Clock:               backoff.SystemClock,
			}
		},
	}
}

// Load reads the store once and applies it.
func (l *HostLoader) Load(ctx context.Context) error {
	var doc registry.Document
	if err := l.store.Load(ctx, &doc); err != nil {
		return err
	}
	hosts, err := doc.Models()
	if err != nil {
		return err
	}
	if err := l.updater.UpdateConfig(hosts); err != nil {
		return fmt.Errorf("apply hosts: %w", err)
	}
	l.logger.Info("host registry loaded", lg.Int("hosts", len(hosts)))
	return nil
}

// Reload is Load retried with backoff. The previous registry stays in
// effect if every attempt fails.
func (l *HostLoader) Reload(ctx context.Context) error {
	b := backoff.WithContext(l.newBackOff(), ctx)
	err := backoff.RetryNotify(func() error { return l.Load(ctx) }, b, func(err error, next time.Duration) {
		l.logger.Debug("host reload failed, retrying", lg.Err(err), lg.Duration("next", next))
	})
	if err != nil {
		l.logger.Error("host reload failed, keeping previous registry", lg.Err(err))
	}
	return err
}

// Watch reloads on every change reported by a watching store. Stores without
// change notification are loaded once.
func (l *HostLoader) Watch(ctx context.Context) error {
	w, ok := l.store.(configstore.Watcher)
	if !ok {
		return nil
	}
	return w.Watch(ctx, func() {
		l.logger.Info("hosts document changed, reloading")
		_ = l.Reload(ctx)
	})
}
