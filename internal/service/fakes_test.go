package service

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"bookingrelay/internal/infrastructure/database"
	"bookingrelay/internal/infrastructure/mq"
	"bookingrelay/internal/model"
	"bookingrelay/internal/repository"
)

// fakeTransactor serialises transactions and restores the ledger snapshot
// when fn fails.
type fakeTransactor struct {
	mu    sync.Mutex
	store *fakeIdempotencyStore
}

func (f *fakeTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := database.TxFromContext(ctx); ok {
		return fn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var snap map[string]model.IdempotencyRecord
	if f.store != nil {
		snap = f.store.snapshot()
	}
	err := fn(database.WithTx(ctx, &gorm.DB{}))
	if err != nil && f.store != nil {
		f.store.restore(snap)
	}
	return err
}

type fakeIdempotencyStore struct {
	mu           sync.Mutex
	records      map[string]model.IdempotencyRecord
	nextID       int64
	dropOnRelock bool
	locks        int
}

func newFakeIdempotencyStore() *fakeIdempotencyStore {
	return &fakeIdempotencyStore{records: make(map[string]model.IdempotencyRecord)}
}

func (s *fakeIdempotencyStore) Reserve(_ context.Context, rec *model.IdempotencyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.IdempotencyKey]; ok {
		return false, nil
	}
	s.nextID++
	rec.ID = s.nextID
	s.records[rec.IdempotencyKey] = *rec
	return true, nil
}

func (s *fakeIdempotencyStore) LockByKey(_ context.Context, key string) (*model.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks++
	if s.dropOnRelock && s.locks%2 == 0 {
		delete(s.records, key)
	}
	rec, ok := s.records[key]
	if !ok {
		return nil, repository.ErrIdempotencyRecordNotFound
	}
	return &rec, nil
}

func (s *fakeIdempotencyStore) Complete(_ context.Context, id int64, status int, body string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rec := range s.records {
		if rec.ID == id && rec.ResponseBody == nil {
			rec.ResponseBody = &body
			rec.ResponseStatus = status
			rec.CompletedAt = &at
			s.records[key] = rec
			return nil
		}
	}
	return repository.ErrIdempotencyRecordNotFound
}

func (s *fakeIdempotencyStore) get(key string) (model.IdempotencyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok
}

func (s *fakeIdempotencyStore) snapshot() map[string]model.IdempotencyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.IdempotencyRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

func (s *fakeIdempotencyStore) restore(snap map[string]model.IdempotencyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = snap
}

// fakeConsumer serves in-memory partitions. Partition p holds messages with
// offsets starting at oldest[p].
type fakeConsumer struct {
	mu        sync.Mutex
	topic     string
	parts     [][]mq.Message
	committed map[string]map[int32]int64
	rangesErr error
	opened    []mq.CursorOptions
}

func newFakeConsumer(topic string, oldest []int64, values [][]string) *fakeConsumer {
	c := &fakeConsumer{topic: topic, committed: make(map[string]map[int32]int64)}
	for p, vals := range values {
		msgs := make([]mq.Message, 0, len(vals))
		for i, v := range vals {
			msgs = append(msgs, mq.Message{
				Topic:     topic,
				Partition: int32(p),
				Offset:    oldest[p] + int64(i),
				Key:       []byte("key-" + v),
				Value:     []byte(v),
				Timestamp: time.Unix(1700000000, 0),
			})
		}
		c.parts = append(c.parts, msgs)
	}
	return c
}

func (c *fakeConsumer) Ranges(_ context.Context, topic string) ([]mq.PartitionRange, error) {
	if c.rangesErr != nil {
		return nil, c.rangesErr
	}
	if topic != c.topic {
		return nil, nil
	}
	out := make([]mq.PartitionRange, 0, len(c.parts))
	for p, msgs := range c.parts {
		r := mq.PartitionRange{Partition: int32(p)}
		if len(msgs) > 0 {
			r.Oldest = msgs[0].Offset
			r.Newest = msgs[len(msgs)-1].Offset + 1
		}
		out = append(out, r)
	}
	return out, nil
}

func (c *fakeConsumer) Open(_ context.Context, topic string, opts mq.CursorOptions) (mq.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = append(c.opened, opts)

	cur := &fakeCursor{consumer: c, group: opts.Group}
	if topic != c.topic {
		return cur, nil
	}
	for p, msgs := range c.parts {
		start := 0
		if off, ok := c.committed[opts.Group][int32(p)]; ok && opts.Group != "" {
			for start < len(msgs) && msgs[start].Offset < off {
				start++
			}
		}
		cur.queue = append(cur.queue, msgs[start:]...)
	}
	return cur, nil
}

func (c *fakeConsumer) Close() error { return nil }

func (c *fakeConsumer) committedOffset(group string, partition int32) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, ok := c.committed[group][partition]
	return off, ok
}

type fakeCursor struct {
	consumer *fakeConsumer
	group    string
	queue    []mq.Message
	closed   bool
}

func (c *fakeCursor) Next(ctx context.Context) (*mq.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(c.queue) == 0 {
		return nil, mq.ErrExhausted
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return &msg, nil
}

func (c *fakeCursor) Commit(_ context.Context, msg *mq.Message) error {
	if c.group == "" {
		return mq.ErrNoGroup
	}
	c.consumer.mu.Lock()
	defer c.consumer.mu.Unlock()
	if c.consumer.committed[c.group] == nil {
		c.consumer.committed[c.group] = make(map[int32]int64)
	}
	c.consumer.committed[c.group][msg.Partition] = msg.Offset + 1
	return nil
}

func (c *fakeCursor) Close() error {
	c.closed = true
	return nil
}

type sentMessage struct {
	Topic string
	Key   string
	Value string
}

// fakeProducer records sends. fail decides per value whether the send fails;
// block makes every send wait for ctx.
type fakeProducer struct {
	mu      sync.Mutex
	sent    []sentMessage
	fail    func(value string) bool
	block   bool
	started chan struct{}
}

func (p *fakeProducer) Send(ctx context.Context, topic string, key, value []byte) error {
	if p.block {
		if p.started != nil {
			close(p.started)
			p.started = nil
		}
		<-ctx.Done()
		return &mq.DeliveryError{Topic: topic, Err: ctx.Err()}
	}
	if p.fail != nil && p.fail(string(value)) {
		return &mq.DeliveryError{Topic: topic, Err: context.DeadlineExceeded}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentMessage{Topic: topic, Key: string(key), Value: string(value)})
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) messages() []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentMessage(nil), p.sent...)
}
