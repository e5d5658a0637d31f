// Package datamodels holds the wire shapes shared by the HTTP and Kafka
// surfaces.
package datamodels

import (
	"github.com/google/uuid"

	"github.com/andrej220/remexec/pkg/execerr"
	"github.com/andrej220/remexec/pkg/models"
)

type EventType string

const (
	EventChunk  EventType = "chunk"
	EventResult EventType = "result"
	EventError  EventType = "error"
)

// Event is one line of output for an invocation. Chunk events carry Stream
// and Data, the result event carries the exit fields, and the error event
// carries Kind and Error.
type Event struct {
	Type         EventType `json:"type"`
	InvocationID string    `json:"invocationId,omitempty"`

	Stream string `json:"stream,omitempty"`
	Data   string `json:"data,omitempty"`

	ExitCode   *int   `json:"exitCode,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	TimedOut   bool   `json:"timedOut,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`

	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

func invocationID(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

// FromItem renders a chunk or result.
func FromItem(id uuid.UUID, item models.Item) Event {
	switch v := item.(type) {
	case models.Chunk:
		return Event{
			Type:         EventChunk,
			InvocationID: invocationID(id),
			Stream:       v.Stream.String(),
			Data:         v.Data,
		}
	case *models.Result:
		return Event{
			Type:         EventResult,
			InvocationID: invocationID(id),
			ExitCode:     v.ExitCode,
			Stdout:       v.Stdout,
			Stderr:       v.Stderr,
			TimedOut:     v.TimedOut,
			DurationMs:   v.Duration.Milliseconds(),
		}
	default:
		return Event{Type: EventError, InvocationID: invocationID(id), Kind: "unknown", Error: "unexpected item"}
	}
}

// FromError renders a terminal error. id may be uuid.Nil for requests that
// were rejected before an invocation existed.
func FromError(id uuid.UUID, err error) Event {
	return Event{
		Type:         EventError,
		InvocationID: invocationID(id),
		Kind:         execerr.Name(err),
		Error:        err.Error(),
	}
}
