// Package intake runs requests that arrive on a Kafka topic and publishes
// their output events to a results topic.
package intake

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/internal/orchestrator"
	dm "github.com/andrej220/remexec/pkg/shared-models"
	"github.com/andrej220/remexec/pkg/workerpool"
)

type Config struct {
	Brokers      []string `yaml:"brokers" json:"brokers" validate:"required,min=1"`
	RequestTopic string   `yaml:"requestTopic" json:"requestTopic" validate:"required"`
	ResultTopic  string   `yaml:"resultTopic" json:"resultTopic" validate:"required"`
	GroupID      string   `yaml:"groupID" json:"groupID" validate:"required"`
	Workers      int      `yaml:"workers" json:"workers" validate:"min=0"`
}

// Runner starts invocations.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Run, error)
}

// Task is one decoded request waiting for a worker.
type Task struct {
	Key     []byte
	Request orchestrator.Request
}

type Intake struct {
	consumer  *Consumer[orchestrator.Request]
	publisher *Publisher
	runner    Runner
	pool      *workerpool.Pool[Task]
	logger    lg.Logger
	retry     time.Duration
}

func New(runner Runner, consumer *Consumer[orchestrator.Request], publisher *Publisher, workers int, logger lg.Logger) *Intake {
	if logger == nil {
		logger = lg.Discard
	}
	return &Intake{
		consumer:  consumer,
		publisher: publisher,
		runner:    runner,
		pool:      workerpool.NewPool[Task](workers),
		logger:    logger,
		retry:     time.Second,
	}
}

// Run consumes until ctx ends, then waits for invocations already started.
// Those are not canceled; their own timeouts bound the wait.
func (in *Intake) Run(ctx context.Context) error {
	defer in.pool.Stop()
	jobCtx := lg.Attach(context.WithoutCancel(ctx), in.logger)
	for {
		req, msg, err := in.consumer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				in.logger.Warn("dropping undecodable request", lg.Err(err))
				continue
			}
			in.logger.Error("read request failed", lg.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(in.retry):
			}
			continue
		}
		in.logger.Debug("request received", lg.String("alias", req.HostAlias))
		in.pool.Submit(workerpool.Job[Task]{
			Payload: Task{Key: msg.Key, Request: req},
			Fn:      in.handle,
			Ctx:     jobCtx,
		})
	}
}

// handle runs one request and publishes every item it yields.
func (in *Intake) handle(ctx context.Context, task Task) error {
	run, err := in.runner.Run(ctx, task.Request)
	if err != nil {
		return in.publisher.Publish(ctx, task.Key, dm.FromError(uuid.Nil, err))
	}
	id := run.Invocation.ID
	key := []byte(id.String())
	for item, err := range run.All(ctx) {
		var ev dm.Event
		if err != nil {
			ev = dm.FromError(id, err)
		} else {
			ev = dm.FromItem(id, item)
		}
		if perr := in.publisher.Publish(ctx, key, ev); perr != nil {
			return perr
		}
	}
	return nil
}

func (in *Intake) Close() error {
	in.pool.Stop()
	return errors.Join(in.consumer.Close(), in.publisher.Close())
}
