/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package httpcache implements the response cache used by the request executor
// to revalidate read requests with change tokens rather than re-transferring
// their bodies.
package httpcache

import (
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	DefaultMaxSizeBytes int64 = 512 * 1024 * 1024
	DefaultMaxEntries   int   = 64 * 1024
)

type Options struct {
	// MaxSizeBytes bounds the compressed size of all cached bodies.
	MaxSizeBytes int64
	// MaxEntries bounds the number of cached responses.
	MaxEntries int
}

// CachedResponse is the stored form of a response.  Body is held snappy
// compressed.
type CachedResponse struct {
	Key         string
	ChangeToken string
	Body        []byte
	StoredAt    time.Time
	LastUsed    time.Time
	Generation  uint64
}

func (r *CachedResponse) size() int64 {
	return int64(len(r.Key) + len(r.ChangeToken) + len(r.Body))
}

// Item is what callers receive from Get.
type Item struct {
	ChangeToken string
	Body        []byte
	Age         time.Duration
	// Stale indicates that the cache was invalidated after the entry was
	// stored.  Stale items may still be revalidated with the server using their
	// change token but must not be served without contacting it.
	Stale bool
}

type Cache struct {
	lock       sync.Mutex
	lru        *simplelru.LRU[string, *CachedResponse]
	maxSize    int64
	size       int64
	generation uint64
	nowFn      func() time.Time
}

func New(opts Options) *Cache {
	maxSize := opts.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = DefaultMaxSizeBytes
	}

	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	c := &Cache{
		maxSize: maxSize,
		nowFn:   time.Now,
	}

	// the only error NewLRU can return is for a non-positive size
	c.lru, _ = simplelru.NewLRU[string, *CachedResponse](maxEntries, c.onEvict)

	return c
}

// Key builds the cache key for a request.  The url is expected to include its
// query string.
func Key(method, url string) string {
	return method + " " + url
}

// onEvict is invoked by the lru with the lock held.
func (c *Cache) onEvict(key string, value *CachedResponse) {
	c.size -= value.size()
}

func (c *Cache) Get(key string) (*Item, bool) {
	c.lock.Lock()
	entry, ok := c.lru.Get(key)
	if !ok {
		c.lock.Unlock()
		return nil, false
	}

	now := c.nowFn()
	entry.LastUsed = now
	changeToken := entry.ChangeToken
	compressed := entry.Body
	age := now.Sub(entry.StoredAt)
	stale := entry.Generation != c.generation
	c.lock.Unlock()

	body, err := snappy.Decode(nil, compressed)
	if err != nil {
		// a corrupt entry is treated as a miss and dropped
		c.removeEntry(key, entry)
		return nil, false
	}

	return &Item{
		ChangeToken: changeToken,
		Body:        body,
		Age:         age,
		Stale:       stale,
	}, true
}

func (c *Cache) Put(key string, changeToken string, body []byte) {
	compressed := snappy.Encode(nil, body)

	c.lock.Lock()
	defer c.lock.Unlock()

	now := c.nowFn()
	entry := &CachedResponse{
		Key:         key,
		ChangeToken: changeToken,
		Body:        compressed,
		StoredAt:    now,
		LastUsed:    now,
		Generation:  c.generation,
	}

	if entry.size() > c.maxSize {
		// could never fit, make sure we don't keep an older version around
		c.lru.Remove(key)
		return
	}

	// Add replaces existing entries in place without invoking the eviction
	// callback, so we need to account for the replaced entry ourselves.
	if old, ok := c.lru.Peek(key); ok {
		c.size -= old.size()
	}
	c.lru.Add(key, entry)
	c.size += entry.size()

	for c.size > c.maxSize {
		_, _, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
	}
}

func (c *Cache) Remove(key string) {
	c.lock.Lock()
	c.lru.Remove(key)
	c.lock.Unlock()
}

// removeEntry removes key only while it still maps to entry, leaving a
// concurrently stored replacement alone.
func (c *Cache) removeEntry(key string, entry *CachedResponse) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if current, ok := c.lru.Peek(key); ok && current == entry {
		c.lru.Remove(key)
	}
}

// Invalidate marks every entry currently in the cache as stale.
func (c *Cache) Invalidate() {
	c.lock.Lock()
	c.generation++
	c.lock.Unlock()
}

func (c *Cache) Clear() {
	c.lock.Lock()
	c.lru.Purge()
	c.size = 0
	c.lock.Unlock()
}

func (c *Cache) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.lru.Len()
}

func (c *Cache) SizeBytes() int64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.size
}
