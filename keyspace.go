package refcache

import (
	"fmt"
	"strings"

	"github.com/nuchit2019/microservices-cache-redis-kafka/internal/util"
)

// KeySpace derives every cache key used for one entity type. It is pure and
// deterministic, and it is the only place keys come from: the read path
// populates exactly the keys KeysFor returns and the invalidation paths
// (local and event-driven) remove exactly the same set. Producer and
// consumers of a topic must construct it with the same entity type.
type KeySpace struct {
	entityType string
}

// NewKeySpace validates the entity type ("product", "order", ...). The type
// becomes part of every key, so it must be non-empty and colon-free.
func NewKeySpace(entityType string) (KeySpace, error) {
	if entityType == "" {
		return KeySpace{}, fmt.Errorf("refcache: entity type is required")
	}
	if strings.ContainsRune(entityType, ':') {
		return KeySpace{}, fmt.Errorf("refcache: entity type %q must not contain ':'", entityType)
	}
	return KeySpace{entityType: entityType}, nil
}

// MustKeySpace is NewKeySpace that panics. Handy for package-level variables
// with literal entity types.
func MustKeySpace(entityType string) KeySpace {
	s, err := NewKeySpace(entityType)
	if err != nil {
		panic(err)
	}
	return s
}

// EntityType returns the type this key space covers.
func (s KeySpace) EntityType() string { return s.entityType }

// ItemKey is the cache key holding a single entity.
func (s KeySpace) ItemKey(id string) string {
	return "item:" + s.entityType + ":" + id
}

// CollectionKey is the cache key holding the full entity collection.
func (s KeySpace) CollectionKey() string {
	return "all:" + s.entityType
}

// QueryKey is the cache key for a query-shaped read (filtered or paged
// listings). The shape terms are hashed into a short stable suffix so
// arbitrary user input cannot grow or collide the key space.
func (s KeySpace) QueryKey(shape ...string) string {
	return util.HashedKey("q:"+s.entityType, shape)
}

// KeysFor returns every key a mutation of id must invalidate: the item key
// and the collection key. Query keys are intentionally not enumerable per id;
// they are TTL-bounded only.
func (s KeySpace) KeysFor(id string) []string {
	return []string{s.ItemKey(id), s.CollectionKey()}
}

// DefaultTopic is the conventional bus topic for an entity type's change
// events. Producers and consumers may override it, but must agree.
func (s KeySpace) DefaultTopic() string {
	return s.entityType + ".changes"
}
