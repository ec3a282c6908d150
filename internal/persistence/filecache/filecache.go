// Package filecache caches parsed file contents keyed by path. Entries are
// re-validated against the file's size and modification time on every hit,
// so out-of-band edits are picked up without an explicit invalidation.
package filecache

import (
	"os"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Entry holds cached data alongside the file metadata it was parsed from.
type Entry[T any] struct {
	Data         T
	Size         int64
	LastModified int64
}

// Cache is an LRU of parsed file contents. Capacity zero means unbounded;
// entries expire after the TTL regardless of validity.
type Cache[T any] struct {
	lru *expirable.LRU[string, Entry[T]]
}

// New builds a cache with the given capacity and TTL.
func New[T any](capacity int, ttl time.Duration) *Cache[T] {
	return &Cache[T]{lru: expirable.NewLRU[string, Entry[T]](capacity, nil, ttl)}
}

// LoadLatest returns the cached data for fileName when it is still current,
// and otherwise re-reads it through loader. Stat errors pass through so
// callers can distinguish a missing file from a parse failure.
func (c *Cache[T]) LoadLatest(fileName string, loader func() (T, error)) (T, error) {
	fi, err := os.Stat(fileName)
	if err != nil {
		var zero T
		return zero, err
	}
	if entry, ok := c.lru.Get(fileName); ok {
		if entry.Size == fi.Size() && entry.LastModified == fi.ModTime().Unix() {
			return entry.Data, nil
		}
	}
	data, err := loader()
	if err != nil {
		var zero T
		return zero, err
	}
	c.Store(fileName, data, fi)
	return data, nil
}

// Store caches data for fileName using fi for staleness checks.
func (c *Cache[T]) Store(fileName string, data T, fi os.FileInfo) {
	c.lru.Add(fileName, Entry[T]{Data: data, Size: fi.Size(), LastModified: fi.ModTime().Unix()})
}

// Load returns the cached data without a staleness check.
func (c *Cache[T]) Load(fileName string) (T, bool) {
	entry, ok := c.lru.Get(fileName)
	if !ok {
		var zero T
		return zero, false
	}
	return entry.Data, true
}

// Invalidate drops the entry for fileName.
func (c *Cache[T]) Invalidate(fileName string) {
	c.lru.Remove(fileName)
}
