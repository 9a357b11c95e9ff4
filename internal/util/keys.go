package util

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// HashedKey returns a deterministic key of sorted terms under prefix with a
// short hash suffix. Term order does not matter: ("inStock", "price<10") and
// ("price<10", "inStock") map to the same key.
func HashedKey(prefix string, terms []string) string {
	s := make([]string, len(terms))
	copy(s, terms)
	sort.Strings(s)
	joined := strings.Join(s, ",")
	sum := sha256.Sum256([]byte(joined))
	return fmt.Sprintf("%s:%x", prefix, sum)[:len(prefix)+1+16] // prefix + ":" + first 16 hex chars
}
