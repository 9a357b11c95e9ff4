package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Redis implements the bus contract on Redis Streams. Each topic is sharded
// into a fixed number of streams ("<topic>:p<N>"); the partition key hashes
// to a stream, so per-key order is the stream's order. Groups map to stream
// consumer groups: unacked entries stay pending and are reclaimed after
// MinIdle, which is what makes delivery at-least-once across consumer
// crashes.
//
// The partition count is part of the topic contract: every producer and
// consumer of a topic must agree on it, or per-key ordering breaks.
type Redis struct {
	rdb        goredis.UniversalClient
	partitions int
	block      time.Duration
	batch      int64
	reclaim    time.Duration
	minIdle    time.Duration
	consumerID string
	onError    func(error)
}

type RedisOptions struct {
	Client     goredis.UniversalClient
	Partitions int           // 0 => 8
	Block      time.Duration // XREADGROUP block; 0 => 2s
	Batch      int64         // entries per read; 0 => 16
	Reclaim    time.Duration // how often to sweep pending entries; 0 => 30s
	MinIdle    time.Duration // pending age before reclaim; 0 => 1m
	ConsumerID string        // stable per process; "" => random
	OnError    func(error)   // transport errors in worker loops; nil => ignored
}

func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("bus: redis client is required")
	}
	r := &Redis{
		rdb:        opts.Client,
		partitions: opts.Partitions,
		block:      opts.Block,
		batch:      opts.Batch,
		reclaim:    opts.Reclaim,
		minIdle:    opts.MinIdle,
		consumerID: opts.ConsumerID,
		onError:    opts.OnError,
	}
	if r.partitions <= 0 {
		r.partitions = 8
	}
	if r.block <= 0 {
		r.block = 2 * time.Second
	}
	if r.batch <= 0 {
		r.batch = 16
	}
	if r.reclaim <= 0 {
		r.reclaim = 30 * time.Second
	}
	if r.minIdle <= 0 {
		r.minIdle = time.Minute
	}
	if r.consumerID == "" {
		r.consumerID = uuid.NewString()
	}
	if r.onError == nil {
		r.onError = func(error) {}
	}
	return r, nil
}

var (
	_ Publisher  = (*Redis)(nil)
	_ Subscriber = (*Redis)(nil)
)

func (r *Redis) stream(topic string, part int) string {
	return fmt.Sprintf("%s:p%d", topic, part)
}

func (r *Redis) Publish(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return fmt.Errorf("bus: topic is required")
	}
	part := partitionOf(msg.PartitionKey, r.partitions)
	return r.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: r.stream(msg.Topic, part),
		Values: map[string]any{
			"key":     msg.PartitionKey,
			"id":      msg.ID,
			"payload": msg.Payload,
		},
	}).Err()
}

func (r *Redis) Subscribe(ctx context.Context, topic, group string, h Handler) (Subscription, error) {
	if topic == "" || group == "" {
		return nil, fmt.Errorf("bus: topic and group are required")
	}
	if h == nil {
		return nil, fmt.Errorf("bus: handler is required")
	}

	// Create the group on every partition stream up front; BUSYGROUP means a
	// peer already did.
	for p := 0; p < r.partitions; p++ {
		err := r.rdb.XGroupCreateMkStream(ctx, r.stream(topic, p), group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("bus: create group %q on %s: %w", group, r.stream(topic, p), err)
		}
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{cancel: cancel}
	for p := 0; p < r.partitions; p++ {
		sub.wg.Add(1)
		go func(stream string) {
			defer sub.wg.Done()
			r.consume(subCtx, stream, group, h)
		}(r.stream(topic, p))
	}
	return sub, nil
}

// consume drains one partition stream: fresh entries first, plus a periodic
// reclaim of entries another (possibly dead) consumer left pending.
func (r *Redis) consume(ctx context.Context, stream, group string, h Handler) {
	lastReclaim := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}

		if time.Since(lastReclaim) >= r.reclaim {
			r.reclaimPending(ctx, stream, group, h)
			lastReclaim = time.Now()
		}

		res, err := r.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    group,
			Consumer: r.consumerID,
			Streams:  []string{stream, ">"},
			Count:    r.batch,
			Block:    r.block,
		}).Result()
		if err == goredis.Nil {
			continue // block timed out, nothing new
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.onError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range res {
			for _, entry := range s.Messages {
				r.deliver(ctx, stream, group, entry, 1, h)
			}
		}
	}
}

func (r *Redis) reclaimPending(ctx context.Context, stream, group string, h Handler) {
	entries, _, err := r.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: r.consumerID,
		MinIdle:  r.minIdle,
		Start:    "0-0",
		Count:    r.batch,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			r.onError(err)
		}
		return
	}
	for _, entry := range entries {
		// Attempt is approximate for reclaimed entries; 2 signals "not first".
		r.deliver(ctx, stream, group, entry, 2, h)
	}
}

func (r *Redis) deliver(ctx context.Context, stream, group string, entry goredis.XMessage, attempt int, h Handler) {
	key, _ := entry.Values["key"].(string)
	id, _ := entry.Values["id"].(string)
	var payload []byte
	switch v := entry.Values["payload"].(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	}

	topic := stream
	if i := strings.LastIndex(stream, ":p"); i >= 0 {
		topic = stream[:i]
	}

	d := NewDelivery(
		Message{Topic: topic, PartitionKey: key, ID: id, Payload: payload},
		entry.ID,
		attempt,
		func(ackCtx context.Context) error {
			return r.rdb.XAck(ackCtx, stream, group, entry.ID).Err()
		},
	)
	h(ctx, d)
	// Unacked entries stay in the group's pending list and are reclaimed
	// after MinIdle.
}

type redisSubscription struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *redisSubscription) Close(ctx context.Context) error {
	s.once.Do(s.cancel)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
