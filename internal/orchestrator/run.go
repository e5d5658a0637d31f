package orchestrator

import (
	"context"
	"io"
	"iter"
	"sync"

	"github.com/andrej220/remexec/internal/bridge"
	"github.com/andrej220/remexec/pkg/models"
)

// Run is the output of one invocation. When streaming, Next yields each chunk
// in arrival order before the terminal item; otherwise the terminal item is
// the only one. The terminal item is either a *models.Result or an error,
// never both. Run is meant for a single consumer.
type Run struct {
	Invocation models.Invocation
	Context    models.ExecContext

	queue     *bridge.Queue[models.Chunk]
	closeOnce sync.Once
	done      chan struct{}
	result    *models.Result
	err       error
	finished  bool
}

func newRun(inv models.Invocation, ec models.ExecContext) *Run {
	r := &Run{
		Invocation: inv,
		Context:    ec,
		done:       make(chan struct{}),
	}
	if ec.Options.Stream {
		r.queue = bridge.New[models.Chunk]()
	}
	return r
}

func (r *Run) closeQueue() {
	if r.queue != nil {
		r.closeOnce.Do(r.queue.Close)
	}
}

func (r *Run) settle(res *models.Result, err error) {
	r.result, r.err = res, err
	close(r.done)
}

// Next returns the next item. After the terminal item it returns io.EOF.
// If ctx ends first, ctx.Err() is returned and the run keeps going.
func (r *Run) Next(ctx context.Context) (models.Item, error) {
	if r.finished {
		return nil, io.EOF
	}
	if r.queue != nil {
		if c, ok := r.queue.Next(ctx); ok {
			return c, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.finished = true
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

// All ranges over the remaining items. The last pair carries either the
// result or the terminal error.
func (r *Run) All(ctx context.Context) iter.Seq2[models.Item, error] {
	return func(yield func(models.Item, error) bool) {
		for {
			item, err := r.Next(ctx)
			if err == io.EOF {
				return
			}
			if !yield(item, err) || err != nil {
				return
			}
			if _, ok := item.(*models.Result); ok {
				return
			}
		}
	}
}

// Wait discards remaining chunks and returns the terminal outcome.
func (r *Run) Wait(ctx context.Context) (*models.Result, error) {
	for {
		item, err := r.Next(ctx)
		if err != nil {
			return nil, err
		}
		if res, ok := item.(*models.Result); ok {
			return res, nil
		}
	}
}

// Done is closed once the invocation has settled.
func (r *Run) Done() <-chan struct{} { return r.done }
