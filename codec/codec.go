// Package codec provides pluggable (de)serialization of cached values and
// change events. Whatever codec a topic's producer uses, every consumer of
// that topic must use too; the wire frame does not self-describe.
package codec

// Codec encodes/decodes values V to []byte for storage and transport.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
