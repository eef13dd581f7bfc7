// Package cache implements the two-tier search cache: an in-process
// LRU with TTL, byte budget, tag-based invalidation, compression, and
// single-flight semantics, backed by an optional external key-value
// store. Tier-2 failures never surface to callers.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"unicode"
)

// NormalizeQuery canonicalizes a query for cache keying: lowercase,
// punctuation dropped, whitespace collapsed, tokens of length <= 2
// removed, remaining tokens sorted and joined. Results are identical
// under commutative filter ordering, so this only improves hit rate.
// Normalization is idempotent.
func NormalizeQuery(query string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(query) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}

	tokens := strings.Fields(b.String())
	kept := tokens[:0]
	for _, t := range tokens {
		if len(t) > 2 {
			kept = append(kept, t)
		}
	}
	sort.Strings(kept)
	return strings.Join(kept, " ")
}

// Key derives the cache key from the normalized query and a stable
// hash of the filter mapping.
func Key(query string, filters any) string {
	normalized := NormalizeQuery(query)
	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	if filters != nil {
		// json.Marshal sorts map keys, making the hash stable.
		if data, err := json.Marshal(filters); err == nil {
			h.Write(data)
		}
	}
	return "search:" + hex.EncodeToString(h.Sum(nil)[:16])
}

// QueryHashTag returns the tag carrying the normalized-query hash for
// targeted invalidation.
func QueryHashTag(query string) string {
	sum := sha256.Sum256([]byte(NormalizeQuery(query)))
	return "query:" + hex.EncodeToString(sum[:8])
}
