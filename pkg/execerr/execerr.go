// Package execerr defines the error kinds surfaced by remote execution.
//
// Every error returned by the transport and the orchestrator wraps exactly one
// of the sentinel kinds, so callers branch with errors.Is. A timeout is not an
// error: it is reported through Result.TimedOut.
package execerr

import (
	"errors"
	"fmt"
)

var (
	ErrConfig     = errors.New("config error")
	ErrAuth       = errors.New("auth error")
	ErrConnection = errors.New("connection error")
	ErrExecution  = errors.New("execution error")
)

var kinds = []error{ErrConfig, ErrAuth, ErrConnection, ErrExecution}

// Wrap tags err with kind and a short context message.
func Wrap(kind error, msg string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", kind, msg)
	}
	return fmt.Errorf("%w: %s: %w", kind, msg, err)
}

// New returns a kind-tagged error with a formatted message.
func New(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// KindOf returns the kind err wraps, or nil.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Name returns a short lowercase label for err's kind.
func Name(err error) string {
	switch KindOf(err) {
	case ErrConfig:
		return "config"
	case ErrAuth:
		return "auth"
	case ErrConnection:
		return "connection"
	case ErrExecution:
		return "execution"
	default:
		return "unknown"
	}
}
