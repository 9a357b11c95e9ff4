// Package outbox makes "publish this change event" durable. A mutation's
// publish intent is written to a local bbolt bucket first; a relay goroutine
// drains the bucket in enqueue order and retries each publish with
// exponential backoff, unbounded, until the bus acknowledges. Intents survive
// process restarts.
//
// Outbox implements bus.Publisher, so it drops in wherever a direct publisher
// would go. The trade is the classic one: publish may lag (staleness window
// for downstream caches) but is never lost.
package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"

	refcache "github.com/nuchit2019/microservices-cache-redis-kafka"
	"github.com/nuchit2019/microservices-cache-redis-kafka/bus"
)

var bucketPending = []byte("pending")

// record is the persisted publish intent. JSON keeps the file inspectable
// with plain tooling during incidents.
type record struct {
	Topic        string    `json:"topic"`
	PartitionKey string    `json:"partition_key"`
	ID           string    `json:"id"`
	Payload      []byte    `json:"payload"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

type Options struct {
	// Path of the bbolt file; ignored when DB is set.
	Path string
	// DB is an optional pre-opened database. The caller keeps ownership.
	DB *bolt.DB

	Publisher bus.Publisher // required; the real bus

	Logger refcache.Logger // nil => NopLogger
	Hooks  refcache.Hooks  // nil => NopHooks

	InitialBackoff time.Duration // 0 => 100ms
	MaxBackoff     time.Duration // 0 => 30s
	PublishTimeout time.Duration // per attempt; 0 => 5s

	Clock clockwork.Clock // nil => wall clock
}

type Outbox struct {
	db     *bolt.DB
	ownsDB bool
	pub    bus.Publisher
	log    refcache.Logger
	hooks  refcache.Hooks

	initial    time.Duration
	max        time.Duration
	pubTimeout time.Duration
	clock      clockwork.Clock

	notify    chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ bus.Publisher = (*Outbox)(nil)

// Open starts the relay. Pending intents from a previous run are drained
// immediately.
func Open(opts Options) (*Outbox, error) {
	if opts.Publisher == nil {
		return nil, fmt.Errorf("outbox: publisher is required")
	}

	o := &Outbox{
		pub:    opts.Publisher,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	if opts.Logger != nil {
		o.log = opts.Logger
	} else {
		o.log = refcache.NopLogger{}
	}
	if opts.Hooks != nil {
		o.hooks = opts.Hooks
	} else {
		o.hooks = refcache.NopHooks{}
	}
	if opts.Clock != nil {
		o.clock = opts.Clock
	} else {
		o.clock = clockwork.NewRealClock()
	}
	o.initial = opts.InitialBackoff
	if o.initial <= 0 {
		o.initial = 100 * time.Millisecond
	}
	o.max = opts.MaxBackoff
	if o.max <= 0 {
		o.max = 30 * time.Second
	}
	o.pubTimeout = opts.PublishTimeout
	if o.pubTimeout <= 0 {
		o.pubTimeout = 5 * time.Second
	}

	if opts.DB != nil {
		o.db = opts.DB
	} else {
		if opts.Path == "" {
			return nil, fmt.Errorf("outbox: path or db is required")
		}
		db, err := bolt.Open(opts.Path, 0o600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("outbox: open %s: %w", opts.Path, err)
		}
		o.db = db
		o.ownsDB = true
	}

	if err := o.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPending)
		return err
	}); err != nil {
		if o.ownsDB {
			_ = o.db.Close()
		}
		return nil, fmt.Errorf("outbox: init bucket: %w", err)
	}

	o.wg.Add(1)
	go o.relay()
	return o, nil
}

// Publish persists the intent and wakes the relay. The returned error is nil
// once the intent is durable, regardless of bus health; it is non-nil only
// when the local write failed, which callers must treat as a publish failure.
func (o *Outbox) Publish(_ context.Context, msg bus.Message) error {
	rec := record{
		Topic:        msg.Topic,
		PartitionKey: msg.PartitionKey,
		ID:           msg.ID,
		Payload:      msg.Payload,
		EnqueuedAt:   o.clock.Now().UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("outbox: encode intent: %w", err)
	}
	err = o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], raw)
	})
	if err != nil {
		return fmt.Errorf("outbox: persist intent: %w", err)
	}
	select {
	case o.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pending reports how many intents await relay.
func (o *Outbox) Pending() (int, error) {
	n := 0
	err := o.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketPending).Stats().KeyN
		return nil
	})
	return n, err
}

// Close stops the relay after its in-flight attempt and closes the database
// when owned. Unrelayed intents stay on disk for the next Open.
func (o *Outbox) Close(ctx context.Context) error {
	o.closeOnce.Do(func() { close(o.stop) })
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if o.ownsDB {
		return o.db.Close()
	}
	return nil
}

func (o *Outbox) relay() {
	defer o.wg.Done()
	for {
		key, rec, ok, err := o.head()
		if err != nil {
			o.log.Error("outbox: read head failed", refcache.Fields{"err": err})
			if !o.sleep(o.initial) {
				return
			}
			continue
		}
		if !ok {
			select {
			case <-o.stop:
				return
			case <-o.notify:
				continue
			}
		}
		if !o.drain(key, rec) {
			return
		}
	}
}

// drain publishes one intent, retrying until acknowledged. Returns false when
// the outbox is stopping; the intent stays persisted.
func (o *Outbox) drain(key []byte, rec record) bool {
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), o.pubTimeout)
		err := o.pub.Publish(ctx, bus.Message{
			Topic:        rec.Topic,
			PartitionKey: rec.PartitionKey,
			ID:           rec.ID,
			Payload:      rec.Payload,
		})
		cancel()
		if err == nil {
			if derr := o.remove(key); derr != nil {
				// The event may be relayed again after restart; consumers
				// dedup by event id.
				o.log.Error("outbox: remove relayed intent failed", refcache.Fields{"event": rec.ID, "err": derr})
			}
			o.log.Debug("outbox: relayed", refcache.Fields{"topic": rec.Topic, "event": rec.ID, "attempts": attempt})
			return true
		}
		o.hooks.PublishRetry(rec.Topic, rec.ID, attempt, err)
		o.log.Warn("outbox: publish failed; will retry", refcache.Fields{
			"topic": rec.Topic, "event": rec.ID, "attempt": attempt, "err": err,
		})
		if !o.sleep(o.backoff(attempt)) {
			return false
		}
	}
}

func (o *Outbox) head() (key []byte, rec record, ok bool, err error) {
	err = o.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(bucketPending).Cursor().First()
		if k == nil {
			return nil
		}
		key = append([]byte(nil), k...)
		ok = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, record{}, false, err
	}
	return key, rec, ok, nil
}

func (o *Outbox) remove(key []byte) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete(key)
	})
}

func (o *Outbox) backoff(attempt int) time.Duration {
	d := o.initial
	for i := 1; i < attempt && d < o.max; i++ {
		d *= 2
	}
	if d > o.max {
		d = o.max
	}
	return d
}

// sleep waits d, returning false when the outbox is stopping.
func (o *Outbox) sleep(d time.Duration) bool {
	select {
	case <-o.stop:
		return false
	case <-o.clock.After(d):
		return true
	}
}
