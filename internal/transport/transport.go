// Package transport runs one command on one remote host per call.
package transport

import (
	"context"

	"github.com/andrej220/remexec/pkg/models"
)

// Transport executes ec.Command on ec.Host. Chunks are passed to sink, which
// may be nil, as soon as they are read. A timeout is reported through
// Result.TimedOut, never as an error; errors wrap one of the execerr kinds.
type Transport interface {
	Execute(ctx context.Context, ec models.ExecContext, sink models.Sink) (*models.Result, error)
}

// State is the lifecycle position of a single Execute call.
type State int

const (
	Idle State = iota
	Authenticating
	Connecting
	Verifying
	ChannelOpen
	Streaming
	Completed
	TimedOut
	Failed
)

var stateNames = [...]string{
	Idle:           "idle",
	Authenticating: "authenticating",
	Connecting:     "connecting",
	Verifying:      "verifying",
	ChannelOpen:    "channel_open",
	Streaming:      "streaming",
	Completed:      "completed",
	TimedOut:       "timed_out",
	Failed:         "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}
