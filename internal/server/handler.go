package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/internal/orchestrator"
	"github.com/andrej220/remexec/pkg/execerr"
	dm "github.com/andrej220/remexec/pkg/shared-models"
)

const (
	RunPath    = "/run"
	HealthPath = "/healthz"

	contentTypeNDJSON = "application/x-ndjson"
)

// Runner is the orchestrator surface the handlers need.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Run, error)
	Aliases() []string
}

// NewHandler wires the routes.
func NewHandler(runner Runner, logger lg.Logger) http.Handler {
	if logger == nil {
		logger = lg.Discard
	}
	mux := http.NewServeMux()
	mux.Handle("POST "+RunPath, NewValidationHandler[orchestrator.Request](&runHandler{runner: runner, logger: logger}))
	mux.HandleFunc("GET "+HealthPath, func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(map[string]any{
			"status": "ok",
			"hosts":  len(runner.Aliases()),
		})
	})
	return mux
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, execerr.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, execerr.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, execerr.ErrConnection):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type runHandler struct {
	runner Runner
	logger lg.Logger
}

func (h *runHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	req, ok := RequestFrom[orchestrator.Request](r.Context())
	if !ok {
		writeError(rw, http.StatusInternalServerError, "unknown", "internal server error")
		return
	}
	ctx := r.Context()
	run, err := h.runner.Run(ctx, req)
	if err != nil {
		writeError(rw, StatusFor(err), execerr.Name(err), err.Error())
		return
	}
	id := run.Invocation.ID
	rw.Header().Set("X-Invocation-Id", id.String())

	if !req.Stream {
		res, err := run.Wait(ctx)
		if err != nil {
			writeEvent(rw, StatusFor(err), dm.FromError(id, err))
			return
		}
		writeEvent(rw, http.StatusOK, dm.FromItem(id, res))
		return
	}

	rw.Header().Set("Content-Type", contentTypeNDJSON)
	rw.WriteHeader(http.StatusOK)
	flusher, _ := rw.(http.Flusher)
	enc := json.NewEncoder(rw)
	for item, err := range run.All(ctx) {
		var ev dm.Event
		if err != nil {
			ev = dm.FromError(id, err)
		} else {
			ev = dm.FromItem(id, item)
		}
		if werr := enc.Encode(ev); werr != nil {
			h.logger.Warn("client went away", lg.String("invocation", id.String()), lg.Err(werr))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeEvent(rw http.ResponseWriter, status int, ev dm.Event) {
	rw.Header().Set("Content-Type", contentTypeNDJSON)
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(ev)
}

func writeError(rw http.ResponseWriter, status int, kind, msg string) {
	writeEvent(rw, status, dm.Event{Type: dm.EventError, Kind: kind, Error: msg})
}
