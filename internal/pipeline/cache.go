package pipeline

import (
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// resultCache memoises transcription results keyed by a content hash of the
// segment's encoded bytes. Keying by content (rather than by segment index
// or file name) means results can never bleed between distinct uploads.
// Retention: bounded LRU, process lifetime only.
type resultCache struct {
	lru *lru.Cache[string, string]
}

// newResultCache creates a cache holding at most entries results.
func newResultCache(entries int) (*resultCache, error) {
	c, err := lru.New[string, string](entries)
	if err != nil {
		return nil, err
	}
	return &resultCache{lru: c}, nil
}

// key derives the cache key from the encoded audio bytes.
func (c *resultCache) key(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// get returns the cached text for data, if present.
func (c *resultCache) get(data []byte) (string, bool) {
	return c.lru.Get(c.key(data))
}

// add stores the text produced for data.
func (c *resultCache) add(data []byte, text string) {
	c.lru.Add(c.key(data), text)
}
