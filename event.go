package refcache

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nuchit2019/microservices-cache-redis-kafka/codec"
	"github.com/nuchit2019/microservices-cache-redis-kafka/internal/wire"
)

// ChangeKind classifies what happened to an entity.
type ChangeKind string

const (
	KindCreated ChangeKind = "created"
	KindUpdated ChangeKind = "updated"
	KindDeleted ChangeKind = "deleted"
)

// ChangeEvent is the cross-service notification that an entity changed and
// its cache keys must be invalidated. The shape is wire-stable: every
// producer and consumer of a topic must use the same codec for it.
//
// EventID is unique per publish attempt and is what consumers deduplicate on.
// Version is the store-assigned monotonic per-id version; consumers do not
// apply it to cache values (invalidation is set-removal), they only retain it
// in the dedup window for observability.
type ChangeEvent struct {
	EntityID   string     `json:"entity_id" msgpack:"entity_id" cbor:"entity_id"`
	Kind       ChangeKind `json:"kind" msgpack:"kind" cbor:"kind"`
	Version    uint64     `json:"version" msgpack:"version" cbor:"version"`
	EventID    string     `json:"event_id" msgpack:"event_id" cbor:"event_id"`
	OccurredAt time.Time  `json:"occurred_at" msgpack:"occurred_at" cbor:"occurred_at"`
}

// NewChangeEvent stamps a fresh event id. now is taken as a parameter so the
// producer's clock is injectable.
func NewChangeEvent(entityID string, kind ChangeKind, version uint64, now time.Time) ChangeEvent {
	return ChangeEvent{
		EntityID:   entityID,
		Kind:       kind,
		Version:    version,
		EventID:    uuid.NewString(),
		OccurredAt: now.UTC(),
	}
}

// EventCodec serializes ChangeEvents inside the wire envelope.
type EventCodec = codec.Codec[ChangeEvent]

// ErrCorruptEvent marks a bus payload that failed envelope or codec
// validation. Redelivery cannot fix such a payload; consumers acknowledge and
// drop it.
var ErrCorruptEvent = wire.ErrCorrupt

// EncodeEvent frames a codec-encoded ChangeEvent for the bus.
func EncodeEvent(c EventCodec, ev ChangeEvent) ([]byte, error) {
	payload, err := c.Encode(ev)
	if err != nil {
		return nil, fmt.Errorf("encode change event %s: %w", ev.EventID, err)
	}
	return wire.EncodeEvent(payload), nil
}

// DecodeEvent unwraps and decodes a bus payload. Any framing or codec
// failure is reported as ErrCorruptEvent.
func DecodeEvent(c EventCodec, b []byte) (ChangeEvent, error) {
	payload, err := wire.DecodeEvent(b)
	if err != nil {
		return ChangeEvent{}, err
	}
	ev, err := c.Decode(payload)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrCorruptEvent, err)
	}
	return ev, nil
}
