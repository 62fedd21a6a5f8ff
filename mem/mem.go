// Package mem implements the kernel's address types and the physical
// frame allocator: a stack-of-recycled-pages fronting a bump cursor
// over page numbers [1, MemoryEnd/PageSize). Page 0 is never handed
// out; the cursor does not start at the end of the kernel image.
package mem

import (
	"fmt"
	"sync"

	"rvos/config"
)

// PhysAddr is a 56-bit physical byte address (44-bit PPN + 12-bit offset).
type PhysAddr uint64

// VirtAddr is a 39-bit virtual byte address (SV39).
type VirtAddr uint64

// PhysPageNum is a physical page number (PhysAddr >> 12).
type PhysPageNum uint64

// VirtPageNum is a virtual page number (VirtAddr >> 12).
type VirtPageNum uint64

// PageSize mirrors config.PageSize for convenience within this package.
const PageSize = config.PageSize

/// PageNum floors a PhysAddr to its PhysPageNum.
func (a PhysAddr) PageNum() PhysPageNum { return PhysPageNum(a / PageSize) }

/// Offset returns the in-page byte offset of a.
func (a PhysAddr) Offset() uint64 { return uint64(a) & (PageSize - 1) }

/// PageNum floors a VirtAddr to its VirtPageNum.
func (a VirtAddr) PageNum() VirtPageNum { return VirtPageNum(a / PageSize) }

/// Offset returns the in-page byte offset of a.
func (a VirtAddr) Offset() uint64 { return uint64(a) & (PageSize - 1) }

/// CeilPageNum rounds a VirtAddr up to the next VirtPageNum.
func (a VirtAddr) CeilPageNum() VirtPageNum {
	return VirtPageNum((uint64(a) + PageSize - 1) / PageSize)
}

/// Addr converts a physical page number back to its base address.
func (p PhysPageNum) Addr() PhysAddr { return PhysAddr(p) << config.PageSizeBits }

/// Addr converts a virtual page number back to its base address.
func (p VirtPageNum) Addr() VirtAddr { return VirtAddr(p) << config.PageSizeBits }

// Indexes decomposes a VPN into its three SV39 page-table indices,
// most significant first: [L2, L1, L0], each in [0, 512).
func (p VirtPageNum) Indexes() [3]uint64 {
	v := uint64(p)
	return [3]uint64{
		(v >> 18) & 0x1ff,
		(v >> 9) & 0x1ff,
		v & 0x1ff,
	}
}

// Frame is an owned, zero-filled 4 KiB physical page. Destruction
// returns it to the global allocator.
type Frame struct {
	PPN PhysPageNum
}

// NewFrame allocates and zero-fills a frame, panicking if the pool is
// exhausted (frame-pool exhaustion is a kernel-fatal invariant per
// spec.md §7).
func NewFrame() *Frame {
	ppn, ok := defaultAllocator.alloc()
	if !ok {
		panic("frame allocator exhausted")
	}
	zero(ppn)
	return &Frame{PPN: ppn}
}

// Free returns the frame's page to the allocator. Callers must not use
// the Frame after calling Free.
func (f *Frame) Free() {
	defaultAllocator.dealloc(f.PPN)
}

// backing is not read or written anywhere; the simulated physical
// memory is arena, below.
var backing = make([]byte, 0, PageSize)

func zero(ppn PhysPageNum) {
	page := pageBytes(ppn)
	for i := range page {
		page[i] = 0
	}
}

// pageBytes returns the simulated backing store for ppn, allocating the
// page on first touch. A page never moves once allocated, so slices and
// pointers into it stay valid. This lets tests and cmd/rvos address
// "physical" memory without a real MMU.
func pageBytes(ppn PhysPageNum) []byte {
	arenaMu.Lock()
	defer arenaMu.Unlock()
	if arena == nil {
		arena = make(map[PhysPageNum][]byte)
	}
	page, ok := arena[ppn]
	if !ok {
		page = make([]byte, PageSize)
		arena[ppn] = page
	}
	return page
}

// arena is the simulated physical memory, one PageSize slice per
// touched PhysPageNum, standing in for the real DRAM a bare-metal
// kernel would address directly.
var (
	arenaMu sync.Mutex
	arena   map[PhysPageNum][]byte
)

// PageBytes exposes the raw bytes of a physical page for callers
// (page-table walkers, block cache) that need to read/write through a
// PPN without going through a Frame handle.
func PageBytes(ppn PhysPageNum) []byte { return pageBytes(ppn) }

// frameAllocator is the recycled-stack + bump-cursor allocator
// described in spec.md §4.1.
type frameAllocator struct {
	mu       sync.Mutex
	current  PhysPageNum
	end      PhysPageNum
	recycled []PhysPageNum
	live     map[PhysPageNum]bool
}

var defaultAllocator = newFrameAllocator()

func newFrameAllocator() *frameAllocator {
	return &frameAllocator{
		current: 1, // reserve page 0 so the zero PPN never aliases a live frame
		end:     PhysPageNum(config.MemoryEnd / PageSize),
		live:    make(map[PhysPageNum]bool),
	}
}

func (a *frameAllocator) alloc() (PhysPageNum, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.recycled); n > 0 {
		ppn := a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
		a.live[ppn] = true
		return ppn, true
	}
	if a.current >= a.end {
		return 0, false
	}
	ppn := a.current
	a.current++
	a.live[ppn] = true
	return ppn, true
}

func (a *frameAllocator) dealloc(ppn PhysPageNum) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.live[ppn] {
		panic(fmt.Sprintf("frame ppn=%d double-freed or never allocated", ppn))
	}
	delete(a.live, ppn)
	a.recycled = append(a.recycled, ppn)
}

// ResetAllocatorForTest reinitializes the global frame allocator.
// Exported only for test isolation between independent boot scenarios.
func ResetAllocatorForTest() {
	defaultAllocator = newFrameAllocator()
	arenaMu.Lock()
	arena = nil
	arenaMu.Unlock()
}
