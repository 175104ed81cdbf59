// Package mq is the message bus boundary of the relay. Producer and Consumer
// have one implementation per broker client library; the rest of the service
// only sees these interfaces.
package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DeadLetterSuffix marks the dead-letter counterpart of a topic.
const DeadLetterSuffix = ".DLT"

var (
	// ErrExhausted is returned by Cursor.Next when no message arrived within
	// the poll timeout or every partition reached its end.
	ErrExhausted    = errors.New("mq: no more messages")
	ErrSendTimeout  = errors.New("mq: send timed out")
	ErrEmptyTopic   = errors.New("mq: topic is required")
	ErrCursorClosed = errors.New("mq: cursor is closed")
)

// DeliveryError is returned when the bus did not acknowledge a message.
type DeliveryError struct {
	Topic string
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("mq: deliver to %s: %v", e.Topic, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Message is a record read from a topic partition.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// PartitionRange is the retained window of a partition: Oldest is the first
// retained offset, Newest the high-water mark (next offset to be written).
type PartitionRange struct {
	Partition int32
	Oldest    int64
	Newest    int64
}

// Size is the number of retained messages.
func (r PartitionRange) Size() int64 {
	if r.Newest <= r.Oldest {
		return 0
	}
	return r.Newest - r.Oldest
}

// Producer sends one message and waits for the broker acknowledgement, or for
// ctx to end, whichever comes first.
type Producer interface {
	Send(ctx context.Context, topic string, key, value []byte) error
	Close() error
}

// CursorOptions controls where a cursor starts and how long it waits.
type CursorOptions struct {
	// Group, when set, starts each partition at the group's committed offset
	// (or the oldest retained offset if nothing is committed) and enables
	// Commit. Offsets are never committed automatically.
	Group string
	// PollTimeout bounds the wait for the next message.
	PollTimeout time.Duration
}

// Cursor reads a topic from its start position up to the high-water marks
// observed when it was opened.
type Cursor interface {
	Next(ctx context.Context) (*Message, error)
	// Commit records msg as processed for the cursor's group.
	Commit(ctx context.Context, msg *Message) error
	Close() error
}

// Consumer exposes the read side needed by the dead-letter tooling.
type Consumer interface {
	Ranges(ctx context.Context, topic string) ([]PartitionRange, error)
	Open(ctx context.Context, topic string, opts CursorOptions) (Cursor, error)
	Close() error
}

// DeadLetterTopic returns the dead-letter topic of main.
func DeadLetterTopic(main string) string {
	if IsDeadLetterTopic(main) {
		return main
	}
	return main + DeadLetterSuffix
}

// MainTopic returns the topic a dead-letter topic belongs to.
func MainTopic(dlt string) string {
	return strings.TrimSuffix(dlt, DeadLetterSuffix)
}

func IsDeadLetterTopic(topic string) bool {
	return strings.HasSuffix(topic, DeadLetterSuffix) && len(topic) > len(DeadLetterSuffix)
}

// SendWithin calls send and returns ErrSendTimeout wrapped in a DeliveryError
// if ctx ends first. send keeps running in the background until the client
// library gives up on it.
func SendWithin(ctx context.Context, topic string, send func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- send()
	}()

	select {
	case err := <-done:
		if err != nil {
			return &DeliveryError{Topic: topic, Err: err}
		}
		return nil
	case <-ctx.Done():
		return &DeliveryError{Topic: topic, Err: fmt.Errorf("%w: %v", ErrSendTimeout, ctx.Err())}
	}
}
