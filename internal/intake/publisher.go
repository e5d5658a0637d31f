package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	dm "github.com/andrej220/remexec/pkg/shared-models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes output events. Events with the same key land on the same
// partition, so one invocation's events stay ordered.
type Publisher struct {
	writer messageWriter
	topic  string
}

func NewPublisher(cfg Config) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.ResultTopic,
			Balancer:               &kafka.Hash{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
		topic: cfg.ResultTopic,
	}
}

func (p *Publisher) Publish(ctx context.Context, key []byte, ev dm.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	})
	if errors.Is(err, kafka.UnknownTopicOrPartition) {
		return fmt.Errorf("topic %q does not exist: %w", p.topic, err)
	}
	return err
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
