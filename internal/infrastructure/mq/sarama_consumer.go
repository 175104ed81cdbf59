package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

var ErrNoGroup = errors.New("mq: cursor has no consumer group")

// SaramaConsumer reads dead-letter topics with partition consumers. Offset
// lookups share one client; every cursor owns its own client, consumer and
// offset manager and releases them on Close.
type SaramaConsumer struct {
	brokers []string
	cfg     *sarama.Config
	client  sarama.Client
}

func NewSaramaConsumer(brokers []string, cfg *sarama.Config) (*SaramaConsumer, error) {
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &SaramaConsumer{brokers: brokers, cfg: cfg, client: client}, nil
}

func (c *SaramaConsumer) Ranges(ctx context.Context, topic string) ([]PartitionRange, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return partitionRanges(c.client, topic)
}

func partitionRanges(client sarama.Client, topic string) ([]PartitionRange, error) {
	partitions, err := client.Partitions(topic)
	if err != nil {
		return nil, fmt.Errorf("list partitions of %s: %w", topic, err)
	}

	ranges := make([]PartitionRange, 0, len(partitions))
	for _, p := range partitions {
		oldest, err := client.GetOffset(topic, p, sarama.OffsetOldest)
		if err != nil {
			return nil, fmt.Errorf("oldest offset of %s/%d: %w", topic, p, err)
		}
		newest, err := client.GetOffset(topic, p, sarama.OffsetNewest)
		if err != nil {
			return nil, fmt.Errorf("newest offset of %s/%d: %w", topic, p, err)
		}
		ranges = append(ranges, PartitionRange{Partition: p, Oldest: oldest, Newest: newest})
	}
	return ranges, nil
}

func (c *SaramaConsumer) Open(ctx context.Context, topic string, opts CursorOptions) (Cursor, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := sarama.NewClient(c.brokers, c.cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	cur := &saramaCursor{topic: topic, client: client, pollTimeout: opts.PollTimeout}
	if cur.pollTimeout <= 0 {
		cur.pollTimeout = time.Second
	}

	if err := cur.init(opts.Group); err != nil {
		_ = cur.Close()
		return nil, err
	}
	return cur, nil
}

func (c *SaramaConsumer) Close() error {
	return c.client.Close()
}

type saramaPartition struct {
	id   int32
	next int64
	end  int64
	pc   sarama.PartitionConsumer
	pom  sarama.PartitionOffsetManager
}

type saramaCursor struct {
	topic       string
	client      sarama.Client
	consumer    sarama.Consumer
	om          sarama.OffsetManager
	parts       []*saramaPartition
	idx         int
	pollTimeout time.Duration
	closed      bool
}

func (c *saramaCursor) init(group string) error {
	ranges, err := partitionRanges(c.client, c.topic)
	if err != nil {
		return err
	}

	if c.consumer, err = sarama.NewConsumerFromClient(c.client); err != nil {
		return fmt.Errorf("create kafka consumer: %w", err)
	}
	if group != "" {
		if c.om, err = sarama.NewOffsetManagerFromClient(group, c.client); err != nil {
			return fmt.Errorf("create offset manager for %s: %w", group, err)
		}
	}

	for _, r := range ranges {
		part := &saramaPartition{id: r.Partition, next: r.Oldest, end: r.Newest}
		if c.om != nil {
			pom, err := c.om.ManagePartition(c.topic, r.Partition)
			if err != nil {
				return fmt.Errorf("manage offsets of %s/%d: %w", c.topic, r.Partition, err)
			}
			part.pom = pom
			if committed, _ := pom.NextOffset(); committed > part.next {
				part.next = committed
			}
		}
		c.parts = append(c.parts, part)
	}
	return nil
}

func (c *saramaCursor) Next(ctx context.Context) (*Message, error) {
	if c.closed {
		return nil, ErrCursorClosed
	}
	for c.idx < len(c.parts) {
		p := c.parts[c.idx]
		if p.next >= p.end {
			c.idx++
			continue
		}
		if p.pc == nil {
			pc, err := c.consumer.ConsumePartition(c.topic, p.id, p.next)
			if err != nil {
				return nil, fmt.Errorf("consume %s/%d from %d: %w", c.topic, p.id, p.next, err)
			}
			p.pc = pc
		}

		timer := time.NewTimer(c.pollTimeout)
		select {
		case m, ok := <-p.pc.Messages():
			timer.Stop()
			if !ok {
				return nil, ErrCursorClosed
			}
			p.next = m.Offset + 1
			return &Message{
				Topic:     m.Topic,
				Partition: m.Partition,
				Offset:    m.Offset,
				Key:       m.Key,
				Value:     m.Value,
				Timestamp: m.Timestamp,
			}, nil
		case cerr, ok := <-p.pc.Errors():
			timer.Stop()
			if !ok {
				return nil, ErrCursorClosed
			}
			return nil, cerr
		case <-timer.C:
			// The rest of this partition may be control records.
			c.idx++
			continue
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, ErrExhausted
}

func (c *saramaCursor) Commit(_ context.Context, msg *Message) error {
	if c.om == nil {
		return ErrNoGroup
	}
	for _, p := range c.parts {
		if p.id == msg.Partition {
			p.pom.MarkOffset(msg.Offset+1, "")
			c.om.Commit()
			return nil
		}
	}
	return fmt.Errorf("mq: partition %d is not part of this cursor", msg.Partition)
}

func (c *saramaCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for _, p := range c.parts {
		if p.pc != nil {
			errs = append(errs, p.pc.Close())
		}
		if p.pom != nil {
			errs = append(errs, p.pom.Close())
		}
	}
	if c.om != nil {
		errs = append(errs, c.om.Close())
	}
	if c.consumer != nil {
		errs = append(errs, c.consumer.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	return errors.Join(errs...)
}
