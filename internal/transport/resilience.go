package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/andrej220/remexec/pkg/execerr"
)

// breakers holds one circuit breaker per host endpoint. A host that keeps
// refusing connections fails fast with ErrConnection until the breaker
// half-opens again. Auth and config failures do not count against it.
type breakers struct {
	settings gobreaker.Settings
	m        sync.Map // key -> *gobreaker.CircuitBreaker
}

// DefaultBreakerSettings trips after more than five consecutive connection
// failures and probes again after 30 seconds.
func DefaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		MaxRequests: 1,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
}

func newBreakers(settings gobreaker.Settings) *breakers {
	if settings.IsSuccessful == nil {
		settings.IsSuccessful = func(err error) bool {
			return err == nil || !errors.Is(err, execerr.ErrConnection)
		}
	}
	return &breakers{settings: settings}
}

func (b *breakers) get(key string) *gobreaker.CircuitBreaker {
	if cb, ok := b.m.Load(key); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}
	s := b.settings
	s.Name = "ssh:" + key
	cb, _ := b.m.LoadOrStore(key, gobreaker.NewCircuitBreaker(s))
	return cb.(*gobreaker.CircuitBreaker)
}

// execute runs fn through the breaker for key. Rejections by an open breaker
// are reported as connection errors.
func (b *breakers) execute(key string, fn func() (any, error)) (any, error) {
	if b == nil {
		return fn()
	}
	res, err := b.get(key).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, execerr.Wrap(execerr.ErrConnection, "circuit open for "+key, err)
	}
	return res, err
}
