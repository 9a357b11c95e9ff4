package refcache

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/nuchit2019/microservices-cache-redis-kafka/bus"
	"github.com/nuchit2019/microservices-cache-redis-kafka/codec"
	"github.com/nuchit2019/microservices-cache-redis-kafka/dedup"
)

// ConsumerState tracks the consumer lifecycle:
//
//	Idle → Consuming → Processing → Committing → Consuming (loop)
//
// Stopping is reachable from any state; Stopped is terminal. Processing and
// Committing are per-event phases observed coarsely across the worker pool.
type ConsumerState int32

const (
	StateIdle ConsumerState = iota
	StateConsuming
	StateProcessing
	StateCommitting
	StateStopping
	StateStopped
)

func (s ConsumerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConsuming:
		return "consuming"
	case StateProcessing:
		return "processing"
	case StateCommitting:
		return "committing"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Consumer keeps one downstream service's cache in sync with a topic. For
// each ChangeEvent it checks the dedup window, invalidates the entity's key
// set through the service's Invalidator, records the event id, and only then
// acknowledges. A failed invalidation leaves the event unacked: the bus
// redelivers and the idempotent key-set removal makes the retry safe.
//
// Events for one entity id arrive FIFO on a partition-dedicated bus worker;
// events for different ids may be handled concurrently.
type Consumer struct {
	sub   bus.Subscriber
	topic string
	group string
	inv   *Invalidator
	keys  KeySpace
	dd    dedup.Store
	ecod  EventCodec
	log   Logger
	hooks Hooks

	ownsDedup bool
	state     atomic.Int32
	handle    bus.Subscription
}

// ConsumerOptions wire one consumer. Subscriber, Group, Invalidator and Keys
// are required; Group names the downstream service and scopes both the bus
// cursor and the dedup window.
type ConsumerOptions struct {
	Subscriber  bus.Subscriber
	Topic       string // "" => Keys.DefaultTopic()
	Group       string
	Invalidator *Invalidator
	Keys        KeySpace

	Dedup      dedup.Store // nil => in-process Window with defaults
	EventCodec EventCodec  // nil => codec.JSON[ChangeEvent]; must match the producer
	Logger     Logger      // nil => NopLogger
	Hooks      Hooks       // nil => NopHooks
}

func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Subscriber == nil {
		return nil, fmt.Errorf("refcache: subscriber is required")
	}
	if opts.Group == "" {
		return nil, fmt.Errorf("refcache: consumer group is required")
	}
	if opts.Invalidator == nil {
		return nil, fmt.Errorf("refcache: invalidator is required")
	}
	if opts.Keys.EntityType() == "" {
		return nil, fmt.Errorf("refcache: key space is required")
	}
	c := &Consumer{
		sub:   opts.Subscriber,
		topic: coalesce(opts.Topic, opts.Keys.DefaultTopic()),
		group: opts.Group,
		inv:   opts.Invalidator,
		keys:  opts.Keys,
		log:   coalesce[Logger](opts.Logger, NopLogger{}),
		hooks: coalesce[Hooks](opts.Hooks, NopHooks{}),
	}
	if opts.Dedup != nil {
		c.dd = opts.Dedup
	} else {
		c.dd = dedup.NewWindow(0, 0, nil)
		c.ownsDedup = true
	}
	if opts.EventCodec != nil {
		c.ecod = opts.EventCodec
	} else {
		c.ecod = codec.JSON[ChangeEvent]{}
	}
	return c, nil
}

// State reports the coarse lifecycle state.
func (c *Consumer) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

// Start subscribes and begins consuming. It can be called once.
func (c *Consumer) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateConsuming)) {
		return fmt.Errorf("refcache: consumer cannot start from state %s", c.State())
	}
	sub, err := c.sub.Subscribe(ctx, c.topic, c.group, c.handleDelivery)
	if err != nil {
		c.state.Store(int32(StateStopped))
		return fmt.Errorf("refcache: subscribe %s/%s: %w", c.topic, c.group, err)
	}
	c.handle = sub
	c.log.Info("consumer started", Fields{"topic": c.topic, "group": c.group})
	return nil
}

// Stop drains gracefully: the in-flight event finishes and is acked (or not)
// per its outcome, then workers exit. Safe to call more than once.
func (c *Consumer) Stop(ctx context.Context) error {
	prev := ConsumerState(c.state.Swap(int32(StateStopping)))
	if prev == StateStopped {
		c.state.Store(int32(StateStopped))
		return nil
	}
	var err error
	if c.handle != nil {
		err = c.handle.Close(ctx)
	}
	if c.ownsDedup {
		_ = c.dd.Close(ctx)
	}
	c.state.Store(int32(StateStopped))
	c.log.Info("consumer stopped", Fields{"topic": c.topic, "group": c.group})
	return err
}

func (c *Consumer) handleDelivery(ctx context.Context, d *bus.Delivery) {
	if st := c.State(); st == StateStopping || st == StateStopped {
		return // leave unacked; redelivered after restart
	}
	c.setPhase(StateProcessing)
	defer c.setPhase(StateConsuming)

	ev, err := DecodeEvent(c.ecod, d.Payload)
	if err != nil {
		// Redelivery cannot fix corrupt bytes: ack and drop.
		c.hooks.EventRejected(c.topic, "corrupt")
		c.log.Error("dropping undecodable event", Fields{"topic": c.topic, "delivery": d.DeliveryID, "err": err})
		_ = d.Ack(ctx)
		return
	}

	seen, err := c.dd.Seen(ctx, ev.EventID)
	if err != nil {
		// Degraded dedup only costs a redundant idempotent invalidation.
		c.log.Warn("dedup lookup failed; treating as unseen", Fields{"event": ev.EventID, "err": err})
		seen = false
	}
	if seen {
		c.hooks.DedupHit(c.group, ev.EventID)
		c.setPhase(StateCommitting)
		if err := d.Ack(ctx); err != nil {
			c.log.Warn("ack failed; expect redelivery", Fields{"event": ev.EventID, "err": err})
		}
		return
	}

	for _, k := range c.keys.KeysFor(ev.EntityID) {
		if err := c.inv.Invalidate(ctx, k); err != nil {
			perr := &ConsumerProcessingError{EventID: ev.EventID, Key: k, Err: err}
			c.log.Error("invalidation failed; leaving event unacked", Fields{
				"entity": ev.EntityID, "event": ev.EventID, "key": k, "err": perr,
			})
			return // no ack → redelivery
		}
	}

	if err := c.dd.Record(ctx, ev.EventID, ev.Version); err != nil {
		c.log.Warn("dedup record failed", Fields{"event": ev.EventID, "err": err})
	}

	c.setPhase(StateCommitting)
	if err := d.Ack(ctx); err != nil {
		c.log.Warn("ack failed; expect redelivery", Fields{"event": ev.EventID, "err": err})
		return
	}
	c.log.Debug("invalidated from event", Fields{
		"entity": ev.EntityID, "event": ev.EventID, "kind": string(ev.Kind),
	})
}

// setPhase moves between the per-event phases without clobbering a
// concurrent transition to Stopping/Stopped.
func (c *Consumer) setPhase(s ConsumerState) {
	for {
		cur := c.state.Load()
		if cur == int32(StateStopping) || cur == int32(StateStopped) {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}
