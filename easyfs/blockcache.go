// Package easyfs implements the on-disk filesystem: a block cache, a
// bitmap allocator, the packed on-disk layout (SuperBlock, DiskInode,
// DirEntry), the filesystem driver, and the VFS inode operations
// userspace syscalls go through. Bit-exact with
// original_source/easy-fs/src/{block_cache,bitmap,layout,efs,vfs}.rs.
package easyfs

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"rvos/blockdev"
)

// BlockSize mirrors blockdev.BlockSize for readability within this package.
const BlockSize = blockdev.BlockSize

// cacheCapacity is the block cache manager's fixed pool size (spec.md
// §8 S6: pinning a 17th distinct block must panic).
const cacheCapacity = 16

// BlockCache is one cached copy of a 512-byte disk block, with its own
// mutex per spec.md §5 ("every block-cache entry: independent mutex").
type BlockCache struct {
	mu       sync.Mutex
	data     [BlockSize]byte
	blockID  int
	device   blockdev.Device
	modified bool
}

func newBlockCache(blockID int, device blockdev.Device) *BlockCache {
	bc := &BlockCache{blockID: blockID, device: device}
	device.ReadBlock(blockID, bc.data[:])
	return bc
}

// Read runs fn over the block's bytes starting at offset, for
// deserializing a packed struct (SuperBlock/DiskInode/DirEntry) without
// mutating the cache.
func (bc *BlockCache) Read(offset int, fn func(buf []byte)) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	fn(bc.data[offset:])
}

// Modify runs fn over the block's bytes starting at offset and marks
// the block dirty; fn is expected to write through the slice it's given.
func (bc *BlockCache) Modify(offset int, fn func(buf []byte)) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	fn(bc.data[offset:])
	bc.modified = true
}

func (bc *BlockCache) syncBack() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.modified {
		bc.device.WriteBlock(bc.blockID, bc.data[:])
		bc.modified = false
	}
}

// cacheEntry tracks one cached block's live pin count, used to decide
// eviction eligibility (refs==0 means no outstanding Handle).
type cacheEntry struct {
	blockID int
	bc      *BlockCache
	refs    int
}

// CacheManager is the FIFO-eviction, capacity-16 block cache pool:
// grounded on original_source/easy-fs/src/block_cache.rs's
// BlockCacheManager, with the 16-slot bound additionally expressed as a
// golang.org/x/sync/semaphore.Weighted so the capacity check and the
// eviction-retry are a single acquire/release dance rather than a raw
// length comparison.
type CacheManager struct {
	mu     sync.Mutex
	queue  []*cacheEntry
	device blockdev.Device
	sem    *semaphore.Weighted
}

// NewCacheManager returns an empty cache pool fronting device.
func NewCacheManager(device blockdev.Device) *CacheManager {
	return &CacheManager{device: device, sem: semaphore.NewWeighted(cacheCapacity)}
}

// Handle is a pinned reference to a cached block. Callers must call
// Release when done; the cache entry is not necessarily evicted at that
// point (it stays resident until capacity forces FIFO eviction).
type Handle struct {
	m *CacheManager
	e *cacheEntry
}

// Block returns the underlying BlockCache the handle pins.
func (h *Handle) Block() *BlockCache { return h.e.bc }

// Release drops this handle's pin. Safe to call once.
func (h *Handle) Release() {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	h.e.refs--
}

// Get returns a pinned handle to blockID, reading it from device on
// first access and evicting the oldest unpinned entry if the pool is
// full. Panics with "Run out of BlockCache!" if the pool is full and
// every entry is pinned.
func (m *CacheManager) Get(blockID int) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.queue {
		if e.blockID == blockID {
			e.refs++
			return &Handle{m: m, e: e}
		}
	}

	if !m.sem.TryAcquire(1) {
		idx := -1
		for i, e := range m.queue {
			if e.refs == 0 {
				idx = i
				break
			}
		}
		if idx == -1 {
			panic("Run out of BlockCache!")
		}
		evicted := m.queue[idx]
		evicted.bc.syncBack()
		m.queue = append(m.queue[:idx], m.queue[idx+1:]...)
		m.sem.Release(1)
		if !m.sem.TryAcquire(1) {
			panic("Run out of BlockCache!")
		}
	}

	bc := newBlockCache(blockID, m.device)
	e := &cacheEntry{blockID: blockID, bc: bc, refs: 1}
	m.queue = append(m.queue, e)
	return &Handle{m: m, e: e}
}

// SyncAll flushes every dirty block in the pool, used before shutdown.
func (m *CacheManager) SyncAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.queue {
		e.bc.syncBack()
	}
}

var byteOrder = binary.LittleEndian

func putU32(buf []byte, v uint32) { byteOrder.PutUint32(buf, v) }
func getU32(buf []byte) uint32    { return byteOrder.Uint32(buf) }

func corrupt(format string, args ...interface{}) {
	panic(fmt.Sprintf("easyfs: corrupt filesystem image: "+format, args...))
}
