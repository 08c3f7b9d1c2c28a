// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"container/heap"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"
)

var (
	// ErrKeyNotFound is returned when a fingerprint is not in the cache
	ErrKeyNotFound = errors.New("bootstrap key not found in cache")

	// ErrKeyTooLarge is returned when a converted key exceeds the cache limit
	ErrKeyTooLarge = errors.New("converted key exceeds cache memory limit")
)

// Fingerprint identifies a standard bootstrapping key by content.
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:8])
}

// FingerprintKey hashes the dimensions, precision and coefficients of a
// standard bootstrapping key.
func FingerprintKey[T Torus](ly Layout, key []T) Fingerprint {
	h := blake3.New()

	var header [40]byte
	binary.LittleEndian.PutUint64(header[0:], uint64(PrecisionOf[T]()))
	binary.LittleEndian.PutUint64(header[8:], uint64(ly.InputLWEDimension))
	binary.LittleEndian.PutUint64(header[16:], uint64(ly.GLWEDimension))
	binary.LittleEndian.PutUint64(header[24:], uint64(ly.Levels))
	binary.LittleEndian.PutUint64(header[32:], uint64(ly.PolynomialSize))
	h.Write(header[:])

	w := torusBits[T]() / 8
	buf := make([]byte, 0, 4096)
	for _, v := range key {
		if w == 4 {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
		} else {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
		}
		if len(buf) >= 4096 {
			h.Write(buf)
			buf = buf[:0]
		}
	}
	h.Write(buf)

	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}

// KeyCacheConfig holds converted-key cache configuration
type KeyCacheConfig struct {
	// MemoryLimit is the per-device budget for converted keys in bytes
	MemoryLimit int64
}

// DefaultKeyCacheConfig returns a 1 GiB per-device budget.
func DefaultKeyCacheConfig() KeyCacheConfig {
	return KeyCacheConfig{MemoryLimit: 1 << 30}
}

type cacheKey struct {
	fingerprint Fingerprint
	device      int
}

type keyEntry struct {
	id  cacheKey
	key *FourierKey
}

// keyLRUEntry for heap-based LRU eviction
type keyLRUEntry struct {
	id       cacheKey
	lastUsed uint64
	index    int
}

type keyLRUHeap []*keyLRUEntry

func (h keyLRUHeap) Len() int           { return len(h) }
func (h keyLRUHeap) Less(i, j int) bool { return h[i].lastUsed < h[j].lastUsed }
func (h keyLRUHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *keyLRUHeap) Push(x interface{}) {
	entry := x.(*keyLRUEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}
func (h *keyLRUHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// KeyCache converts each standard key at most once per device and keeps the
// result until it is evicted in least-recently-used order.
//
// Evicting a key releases its memory accounting. Kernels already enqueued
// against it keep running.
type KeyCache struct {
	ctx *Context
	cfg KeyCacheConfig

	mu       sync.Mutex
	entries  map[cacheKey]*keyEntry
	lruHeap  *keyLRUHeap
	lruIndex map[cacheKey]*keyLRUEntry
	used     map[int]int64
	tick     uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewKeyCache creates a converted-key cache on ctx.
func NewKeyCache(ctx *Context, cfg KeyCacheConfig) *KeyCache {
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = DefaultKeyCacheConfig().MemoryLimit
	}
	c := &KeyCache{
		ctx:      ctx,
		cfg:      cfg,
		entries:  make(map[cacheKey]*keyEntry),
		lruHeap:  &keyLRUHeap{},
		lruIndex: make(map[cacheKey]*keyLRUEntry),
		used:     make(map[int]int64),
	}
	heap.Init(c.lruHeap)
	return c
}

// Get returns the converted key for fingerprint on device.
func (c *KeyCache) Get(fingerprint Fingerprint, device int) (*FourierKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := cacheKey{fingerprint: fingerprint, device: device}
	e, ok := c.entries[id]
	if !ok {
		c.misses.Add(1)
		return nil, fmt.Errorf("%w: %s on gpu %d", ErrKeyNotFound, fingerprint, device)
	}
	c.hits.Add(1)
	c.touch(id)
	return e.key, nil
}

// GetOrConvert returns the converted key of the standard key src on the
// stream's device, converting and caching it on a miss. The call waits for
// the conversion so that a failed conversion is never cached.
func GetOrConvert[T Torus](c *KeyCache, s *Stream, ly Layout, src []T) (*FourierKey, Fingerprint, error) {
	if err := ly.Validate(); err != nil {
		return nil, Fingerprint{}, err
	}
	if len(src) != ly.StandardSize() {
		return nil, Fingerprint{}, fmt.Errorf("%w: key has %d elements, layout needs %d", ErrKeyMismatch, len(src), ly.StandardSize())
	}

	fp := FingerprintKey(ly, src)
	dev := s.Device()
	id := cacheKey{fingerprint: fp, device: dev.Index()}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok {
		c.hits.Add(1)
		c.touch(id)
		return e.key, fp, nil
	}
	c.misses.Add(1)

	size := int64(ly.Size()) * 16
	if size > c.cfg.MemoryLimit {
		return nil, fp, fmt.Errorf("%w: %d bytes, limit %d", ErrKeyTooLarge, size, c.cfg.MemoryLimit)
	}
	for c.used[dev.Index()]+size > c.cfg.MemoryLimit {
		if !c.evictFrom(dev.Index()) {
			break
		}
	}

	key, err := NewFourierKey(dev, ly, PrecisionOf[T]())
	if err != nil {
		return nil, fp, err
	}
	buf, err := Alloc[T](dev, len(src))
	if err != nil {
		key.Free()
		return nil, fp, err
	}
	defer func() {
		// the upload may still be queued when the conversion is refused
		_ = s.Synchronize()
		buf.Free()
	}()

	if err := Upload(s, buf, 0, src); err != nil {
		key.Free()
		return nil, fp, err
	}
	if err := ConvertBootstrapKey(s, key, buf); err != nil {
		key.Free()
		return nil, fp, err
	}
	if err := s.Synchronize(); err != nil {
		key.Free()
		return nil, fp, fmt.Errorf("convert key %s: %w", fp, err)
	}

	c.entries[id] = &keyEntry{id: id, key: key}
	c.used[dev.Index()] += size
	c.tick++
	entry := &keyLRUEntry{id: id, lastUsed: c.tick}
	heap.Push(c.lruHeap, entry)
	c.lruIndex[id] = entry

	return key, fp, nil
}

// touch marks id as most recently used. Must be called with mu held.
func (c *KeyCache) touch(id cacheKey) {
	c.tick++
	if entry, ok := c.lruIndex[id]; ok {
		entry.lastUsed = c.tick
		heap.Fix(c.lruHeap, entry.index)
	}
}

// evictFrom evicts the least recently used key of device.
// Must be called with mu held.
func (c *KeyCache) evictFrom(device int) bool {
	var skipped []*keyLRUEntry
	defer func() {
		for _, entry := range skipped {
			heap.Push(c.lruHeap, entry)
		}
	}()

	for c.lruHeap.Len() > 0 {
		entry := heap.Pop(c.lruHeap).(*keyLRUEntry)
		if entry.id.device != device {
			skipped = append(skipped, entry)
			continue
		}
		c.drop(entry.id)
		c.evictions.Add(1)
		c.ctx.logger.Printf("gpu %d: evicted converted key %s", device, entry.id.fingerprint)
		return true
	}
	return false
}

func (c *KeyCache) drop(id cacheKey) {
	e, ok := c.entries[id]
	if !ok {
		return
	}
	c.used[id.device] -= e.key.Bytes()
	e.key.Free()
	delete(c.entries, id)
	delete(c.lruIndex, id)
}

// Remove drops a key from the cache.
func (c *KeyCache) Remove(fingerprint Fingerprint, device int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := cacheKey{fingerprint: fingerprint, device: device}
	if entry, ok := c.lruIndex[id]; ok {
		heap.Remove(c.lruHeap, entry.index)
	}
	c.drop(id)
}

// Purge drops every key.
func (c *KeyCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id := range c.entries {
		c.drop(id)
	}
	c.lruHeap = &keyLRUHeap{}
}

// KeyCacheStats contains cache statistics
type KeyCacheStats struct {
	Keys         int
	Hits         uint64
	Misses       uint64
	Evictions    uint64
	MemoryPerGPU map[int]int64
	MemoryLimit  int64
}

// Stats returns cache statistics
func (c *KeyCache) Stats() KeyCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := KeyCacheStats{
		Keys:         len(c.entries),
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Evictions:    c.evictions.Load(),
		MemoryPerGPU: make(map[int]int64, len(c.used)),
		MemoryLimit:  c.cfg.MemoryLimit,
	}
	for dev, used := range c.used {
		stats.MemoryPerGPU[dev] = used
	}
	return stats
}
