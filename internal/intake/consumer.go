package intake

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DecodeError reports a message whose payload could not be decoded. The
// message has been committed so it is not fetched again.
type DecodeError struct {
	Msg kafka.Message
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message at %s/%d offset %d: %v", e.Msg.Topic, e.Msg.Partition, e.Msg.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Consumer reads JSON payloads of type T. Messages are committed as soon as
// they are decoded, so delivery is at most once.
type Consumer[T any] struct {
	reader messageReader
}

func NewConsumer[T any](cfg Config) *Consumer[T] {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.RequestTopic,
	})
	return &Consumer[T]{reader: r}
}

func (c *Consumer[T]) Read(ctx context.Context) (T, kafka.Message, error) {
	var zero T

	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return zero, msg, err
	}

	var payload T
	decodeErr := json.Unmarshal(msg.Value, &payload)

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return zero, msg, err
	}
	if decodeErr != nil {
		return zero, msg, &DecodeError{Msg: msg, Err: decodeErr}
	}
	return payload, msg, nil
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}
