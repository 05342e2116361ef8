package modernfs

import (
	"container/list"
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// frame holds one cached 4 KiB buffer.
type frame struct {
	block uint32
	data  []byte

	valid bool
	dirty bool
	refs  int

	mu sync.RWMutex // guards data during memcpy in/out (lock level 6)

	elem   *list.Element // this frame's node in the LRU list
	bucket *list.Element // this frame's node in its hash bucket chain
}

// nbuckets is the chained hash table's bucket count for a given capacity:
// a quarter of the capacity, at least 16, so chains stay short without
// wasting much memory on empty buckets.
func nbuckets(capacity int) int {
	n := capacity / 4
	if n < 16 {
		n = 16
	}
	return n
}

// BufferCache is a fixed-capacity LRU+hash cache of valid/dirty 4 KiB
// frames with refcounts. Bucket indices come from xxhash.Sum64 of the block number
// rather than block%nbuckets, so sequential block numbers (the common
// case for a growing file) don't cluster into the same few buckets.
type BufferCache struct {
	mu       sync.Mutex // structural lock (lock level 5)
	capacity int

	lru     *list.List   // front = MRU, back = LRU
	buckets []*list.List // chained hash table, index = hash(block) % len(buckets)
	count   int
}

// NewBufferCache creates a cache with the given frame capacity (default
// 1024).
func NewBufferCache(capacity int) *BufferCache {
	if capacity <= 0 {
		capacity = 1024
	}
	nb := nbuckets(capacity)
	buckets := make([]*list.List, nb)
	for i := range buckets {
		buckets[i] = list.New()
	}
	return &BufferCache{
		capacity: capacity,
		lru:      list.New(),
		buckets:  buckets,
	}
}

func (c *BufferCache) bucketFor(block uint32) *list.List {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], block)
	idx := xxhash.Sum64(b[:]) % uint64(len(c.buckets))
	return c.buckets[idx]
}

// findLocked probes the hash bucket for block; caller holds c.mu.
func (c *BufferCache) findLocked(block uint32) *frame {
	bucket := c.bucketFor(block)
	for e := bucket.Front(); e != nil; e = e.Next() {
		fr := e.Value.(*frame)
		if fr.block == block {
			return fr
		}
	}
	return nil
}

// Lookup probes the hash table; on hit it increments refcount and moves the
// frame to the LRU head. Returns nil on miss.
func (c *BufferCache) Lookup(block uint32) *frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	fr := c.findLocked(block)
	if fr == nil || !fr.valid {
		return nil
	}
	fr.refs++
	c.lru.MoveToFront(fr.elem)
	return fr
}

// Insert overwrites (on hit) or allocates (on miss, capacity permitting) a
// frame for block with the given payload. Returns nil when the cache is at
// capacity and block isn't already resident, so the caller can degrade to
// uncached direct I/O rather than block.
func (c *BufferCache) Insert(block uint32, data []byte) *frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fr := c.findLocked(block); fr != nil {
		fr.mu.Lock()
		copy(fr.data, data)
		fr.mu.Unlock()
		fr.valid = true
		fr.refs++
		c.lru.MoveToFront(fr.elem)
		return fr
	}

	if c.count >= c.capacity {
		return nil
	}

	fr := &frame{
		block: block,
		data:  append([]byte(nil), data...),
		valid: true,
		refs:  1,
	}
	fr.elem = c.lru.PushFront(fr)
	fr.bucket = c.bucketFor(block).PushFront(fr)
	c.count++
	return fr
}

// Put releases a reference obtained from Lookup/Insert.
func (c *BufferCache) Put(fr *frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fr.refs > 0 {
		fr.refs--
	}
}

// MarkDirty flags fr for writeback.
func (c *BufferCache) MarkDirty(fr *frame) {
	fr.mu.Lock()
	fr.dirty = true
	fr.mu.Unlock()
}

// Invalidate clears valid/dirty on block's frame, if resident, under its
// write lock. Used by the journal's out-of-band writes so a stale cached
// payload can never resurface after a direct-to-image write.
func (c *BufferCache) Invalidate(block uint32) {
	c.mu.Lock()
	fr := c.findLocked(block)
	c.mu.Unlock()
	if fr == nil {
		return
	}
	fr.mu.Lock()
	fr.valid = false
	fr.dirty = false
	fr.mu.Unlock()
}

// Sync walks the LRU head-to-tail, writing every dirty frame's payload
// through dev and clearing dirty. Fails fast on the first I/O error.
func (c *BufferCache) Sync(dev *BlockDevice) error {
	c.mu.Lock()
	elems := make([]*frame, 0, c.lru.Len())
	for e := c.lru.Front(); e != nil; e = e.Next() {
		elems = append(elems, e.Value.(*frame))
	}
	c.mu.Unlock()

	for _, fr := range elems {
		fr.mu.RLock()
		dirty := fr.dirty && fr.valid
		var payload []byte
		if dirty {
			payload = append([]byte(nil), fr.data...)
		}
		block := fr.block
		fr.mu.RUnlock()

		if !dirty {
			continue
		}
		if err := dev.Write(block, payload); err != nil {
			return err
		}
		fr.mu.Lock()
		fr.dirty = false
		fr.mu.Unlock()
	}
	return nil
}

// ReadThrough returns block's bytes, going to dev on a cache miss and
// inserting the result (best-effort: a full cache just returns the raw
// read without caching it).
func (c *BufferCache) ReadThrough(dev *BlockDevice, block uint32) ([]byte, error) {
	if fr := c.Lookup(block); fr != nil {
		fr.mu.RLock()
		out := append([]byte(nil), fr.data...)
		fr.mu.RUnlock()
		c.Put(fr)
		return out, nil
	}

	buf := make([]byte, BlockSize)
	if err := dev.Read(block, buf); err != nil {
		return nil, err
	}
	if fr := c.Insert(block, buf); fr != nil {
		c.Put(fr)
	}
	return buf, nil
}

// WriteThrough updates block's cached frame (inserting one if room permits)
// and marks it dirty; it does not by itself write to dev (that's Sync's job).
func (c *BufferCache) WriteThrough(block uint32, data []byte) {
	fr := c.Insert(block, data)
	if fr == nil {
		return
	}
	c.MarkDirty(fr)
	c.Put(fr)
}
