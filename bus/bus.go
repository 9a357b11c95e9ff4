// Package bus defines the producer/consumer contract against the message
// broker: at-least-once delivery, FIFO per partition key, explicit
// acknowledgment. It ships an in-process implementation for tests and
// single-node deployments and a Redis Streams implementation for real
// cross-service topologies.
package bus

import (
	"context"
	"sync/atomic"
)

// Message is one published unit. PartitionKey routes all messages for one
// entity to the same ordered delivery stream; ID is the publisher-assigned
// identity (the change event id) and travels with the message for
// observability.
type Message struct {
	Topic        string
	PartitionKey string
	ID           string
	Payload      []byte
}

// Publisher publishes a message and returns once the broker acknowledged it.
// Implementations must treat the call as blocking-with-timeout via ctx.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Delivery is one at-least-once delivery attempt of a message. Handlers must
// call Ack only after their processing took effect; an unacked delivery is
// redelivered.
type Delivery struct {
	Message

	// DeliveryID is broker-assigned and unique per delivery, not per message.
	DeliveryID string
	// Attempt counts deliveries of this message to this group, starting at 1.
	Attempt int

	ack   func(context.Context) error
	acked atomic.Bool
}

// NewDelivery wraps a message for handoff to a handler. ack may be nil.
func NewDelivery(msg Message, deliveryID string, attempt int, ack func(context.Context) error) *Delivery {
	return &Delivery{Message: msg, DeliveryID: deliveryID, Attempt: attempt, ack: ack}
}

// Ack acknowledges the delivery. Idempotent.
func (d *Delivery) Ack(ctx context.Context) error {
	if !d.acked.CompareAndSwap(false, true) {
		return nil
	}
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Acked reports whether Ack ran. Implementations use it to decide redelivery.
func (d *Delivery) Acked() bool { return d.acked.Load() }

// Handler processes one delivery. It is invoked on a partition-dedicated
// worker, so handlers see per-partition-key FIFO order. Deliveries for
// different partitions run concurrently.
type Handler func(ctx context.Context, d *Delivery)

// Subscriber attaches a handler group to a topic. All subscriptions sharing a
// group name share that group's delivery cursor (each message is processed by
// the group once, modulo redelivery).
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, h Handler) (Subscription, error)
}

// Subscription is a running consumer attachment. Close waits for in-flight
// handler invocations to return; it never abandons one mid-event.
type Subscription interface {
	Close(ctx context.Context) error
}
