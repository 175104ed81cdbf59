package mq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaGoConsumer is the kafka-go rendition of Consumer. Group offsets are
// fetched and committed with the admin client, so no group membership is
// ever joined.
type KafkaGoConsumer struct {
	brokers []string
	client  *kafka.Client
}

func NewKafkaGoConsumer(brokers []string, timeout time.Duration) *KafkaGoConsumer {
	return &KafkaGoConsumer{
		brokers: brokers,
		client:  &kafka.Client{Addr: kafka.TCP(brokers...), Timeout: timeout},
	}
}

func (c *KafkaGoConsumer) Ranges(ctx context.Context, topic string) ([]PartitionRange, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}

	meta, err := c.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{topic}})
	if err != nil {
		return nil, fmt.Errorf("metadata of %s: %w", topic, err)
	}
	if len(meta.Topics) == 0 {
		return nil, fmt.Errorf("metadata of %s: topic not returned", topic)
	}
	if meta.Topics[0].Error != nil {
		return nil, fmt.Errorf("metadata of %s: %w", topic, meta.Topics[0].Error)
	}

	requests := make([]kafka.OffsetRequest, 0, 2*len(meta.Topics[0].Partitions))
	for _, p := range meta.Topics[0].Partitions {
		requests = append(requests, kafka.FirstOffsetOf(p.ID), kafka.LastOffsetOf(p.ID))
	}
	offsets, err := c.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{topic: requests},
	})
	if err != nil {
		return nil, fmt.Errorf("list offsets of %s: %w", topic, err)
	}

	ranges := make([]PartitionRange, 0, len(offsets.Topics[topic]))
	for _, po := range offsets.Topics[topic] {
		if po.Error != nil {
			return nil, fmt.Errorf("offsets of %s/%d: %w", topic, po.Partition, po.Error)
		}
		ranges = append(ranges, PartitionRange{
			Partition: int32(po.Partition),
			Oldest:    po.FirstOffset,
			Newest:    po.LastOffset,
		})
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Partition < ranges[j].Partition })
	return ranges, nil
}

func (c *KafkaGoConsumer) Open(ctx context.Context, topic string, opts CursorOptions) (Cursor, error) {
	ranges, err := c.Ranges(ctx, topic)
	if err != nil {
		return nil, err
	}

	cur := &kafkaGoCursor{
		topic:       topic,
		brokers:     c.brokers,
		client:      c.client,
		group:       opts.Group,
		pollTimeout: opts.PollTimeout,
	}
	if cur.pollTimeout <= 0 {
		cur.pollTimeout = time.Second
	}

	committed := map[int]int64{}
	if opts.Group != "" {
		if committed, err = c.committedOffsets(ctx, opts.Group, topic, ranges); err != nil {
			return nil, err
		}
	}
	for _, r := range ranges {
		part := &kafkaGoPartition{id: int(r.Partition), next: r.Oldest, end: r.Newest}
		if off, ok := committed[part.id]; ok && off > part.next {
			part.next = off
		}
		cur.parts = append(cur.parts, part)
	}
	return cur, nil
}

func (c *KafkaGoConsumer) committedOffsets(ctx context.Context, group, topic string, ranges []PartitionRange) (map[int]int64, error) {
	ids := make([]int, 0, len(ranges))
	for _, r := range ranges {
		ids = append(ids, int(r.Partition))
	}
	resp, err := c.client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: group,
		Topics:  map[string][]int{topic: ids},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch offsets of %s for %s: %w", topic, group, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("fetch offsets of %s for %s: %w", topic, group, resp.Error)
	}

	out := make(map[int]int64, len(ids))
	for _, p := range resp.Topics[topic] {
		if p.Error != nil || p.CommittedOffset < 0 {
			continue
		}
		out[p.Partition] = p.CommittedOffset
	}
	return out, nil
}

func (c *KafkaGoConsumer) Close() error {
	return nil
}

type kafkaGoPartition struct {
	id     int
	next   int64
	end    int64
	reader *kafka.Reader
}

type kafkaGoCursor struct {
	topic       string
	brokers     []string
	client      *kafka.Client
	group       string
	parts       []*kafkaGoPartition
	idx         int
	pollTimeout time.Duration
	closed      bool
}

func (c *kafkaGoCursor) Next(ctx context.Context) (*Message, error) {
	if c.closed {
		return nil, ErrCursorClosed
	}
	for c.idx < len(c.parts) {
		p := c.parts[c.idx]
		if p.next >= p.end {
			c.idx++
			continue
		}
		if p.reader == nil {
			p.reader = kafka.NewReader(kafka.ReaderConfig{
				Brokers:   c.brokers,
				Topic:     c.topic,
				Partition: p.id,
				MinBytes:  1,
				MaxBytes:  10e6,
			})
			if err := p.reader.SetOffset(p.next); err != nil {
				return nil, fmt.Errorf("seek %s/%d to %d: %w", c.topic, p.id, p.next, err)
			}
		}

		pollCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
		m, err := p.reader.ReadMessage(pollCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				c.idx++
				continue
			}
			return nil, fmt.Errorf("read %s/%d: %w", c.topic, p.id, err)
		}
		p.next = m.Offset + 1
		return &Message{
			Topic:     m.Topic,
			Partition: int32(m.Partition),
			Offset:    m.Offset,
			Key:       m.Key,
			Value:     m.Value,
			Timestamp: m.Time,
		}, nil
	}
	return nil, ErrExhausted
}

func (c *kafkaGoCursor) Commit(ctx context.Context, msg *Message) error {
	if c.group == "" {
		return ErrNoGroup
	}
	resp, err := c.client.OffsetCommit(ctx, &kafka.OffsetCommitRequest{
		GroupID:      c.group,
		GenerationID: -1,
		Topics: map[string][]kafka.OffsetCommit{
			c.topic: {{Partition: int(msg.Partition), Offset: msg.Offset + 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("commit %s/%d@%d: %w", c.topic, msg.Partition, msg.Offset, err)
	}
	for _, p := range resp.Topics[c.topic] {
		if p.Error != nil {
			return fmt.Errorf("commit %s/%d@%d: %w", c.topic, msg.Partition, msg.Offset, p.Error)
		}
	}
	return nil
}

func (c *kafkaGoCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for _, p := range c.parts {
		if p.reader != nil {
			errs = append(errs, p.reader.Close())
		}
	}
	return errors.Join(errs...)
}
