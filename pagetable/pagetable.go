// Package pagetable implements the three-level SV39 page table: PTE
// layout, map/unmap/translate, the satp token, and the byte-granular
// user-memory helpers the trap and syscall layers use to cross the
// user/kernel boundary.
//
// The walk itself follows biscuit's vm.Vm_t.Userdmap8_inner pattern
// (lock-then-walk-then-return-a-slice); the SV39 field layout (V/R/W/
// X/U/G/A/D bits, 44-bit PPN, satp mode nibble) is cross-checked
// against tinyrange-cc's RISC-V MMU walker.
package pagetable

import (
	"fmt"
	"unsafe"

	"rvos/errs"
	"rvos/mem"
)

// Flags is the PTE permission/attribute bitmask.
type Flags uint8

const (
	V Flags = 1 << 0 // valid
	R Flags = 1 << 1 // readable
	W Flags = 1 << 2 // writable
	X Flags = 1 << 3 // executable
	U Flags = 1 << 4 // user-accessible
	G Flags = 1 << 5 // global
	A Flags = 1 << 6 // accessed
	D Flags = 1 << 7 // dirty
)

// entriesPerPage is the number of 8-byte PTEs in one 4 KiB page.
const entriesPerPage = mem.PageSize / 8

// PTE is a single 64-bit SV39 page table entry: [flags 8][reserved 2]
// [PPN 44][reserved 10].
type PTE struct {
	Bits uint64
}

// NewPTE packs a PPN and flag set into a leaf/interior entry. V is not
// added here; callers include it in flags.
func NewPTE(ppn mem.PhysPageNum, flags Flags) PTE {
	return PTE{Bits: uint64(ppn)<<10 | uint64(flags)}
}

// PPN extracts the 44-bit physical page number.
func (e PTE) PPN() mem.PhysPageNum { return mem.PhysPageNum((e.Bits >> 10) & ((1 << 44) - 1)) }

// Flags extracts the low 8 bits.
func (e PTE) Flags() Flags { return Flags(e.Bits) }

// IsValid reports whether V is set.
func (e PTE) IsValid() bool { return e.Flags()&V != 0 }

// IsLeaf reports whether any of R/W/X is set (leaf vs. interior PTE).
func (e PTE) IsLeaf() bool { return e.Flags()&(R|W|X) != 0 }

func pteArray(ppn mem.PhysPageNum) []PTE {
	bytes := mem.PageBytes(ppn)
	return unsafe.Slice((*PTE)(unsafe.Pointer(&bytes[0])), entriesPerPage)
}

// PageTable owns a root frame plus every interior frame allocated
// during Map; interior frames outlive every PTE that references them.
type PageTable struct {
	RootPPN mem.PhysPageNum
	frames  []*mem.Frame
}

// New allocates an empty page table (just the root frame).
func New() *PageTable {
	root := mem.NewFrame()
	return &PageTable{RootPPN: root.PPN, frames: []*mem.Frame{root}}
}

// FromToken builds a read-only view over an existing root, owning no
// frames of its own. Used to read user-space data from the kernel via
// a borrowed satp value.
func FromToken(satp uint64) *PageTable {
	return &PageTable{RootPPN: mem.PhysPageNum(satp & ((1 << 44) - 1))}
}

// Token returns the satp-loadable value: SV39 mode (8) in the top 4
// bits, root PPN in the low 44.
func (pt *PageTable) Token() uint64 {
	return uint64(8)<<60 | uint64(pt.RootPPN)
}

func (pt *PageTable) findCreate(vpn mem.VirtPageNum) *PTE {
	idx := vpn.Indexes()
	ppn := pt.RootPPN
	for level := 0; level < 3; level++ {
		entry := &pteArray(ppn)[idx[level]]
		if level == 2 {
			return entry
		}
		if !entry.IsValid() {
			frame := mem.NewFrame()
			*entry = NewPTE(frame.PPN, V)
			pt.frames = append(pt.frames, frame)
		}
		ppn = entry.PPN()
	}
	panic("unreachable")
}

func (pt *PageTable) find(vpn mem.VirtPageNum) *PTE {
	idx := vpn.Indexes()
	ppn := pt.RootPPN
	for level := 0; level < 3; level++ {
		entry := &pteArray(ppn)[idx[level]]
		if level == 2 {
			return entry
		}
		if !entry.IsValid() {
			return nil
		}
		ppn = entry.PPN()
	}
	panic("unreachable")
}

// Map installs a leaf PTE for vpn -> ppn with the given flags (V is
// added automatically). Panics on a double map.
func (pt *PageTable) Map(vpn mem.VirtPageNum, ppn mem.PhysPageNum, flags Flags) {
	entry := pt.findCreate(vpn)
	if entry.IsValid() {
		panic(fmt.Sprintf("vpn %#x is mapped before mapping", vpn))
	}
	*entry = NewPTE(ppn, flags|V)
}

// Unmap clears the leaf PTE for vpn. Panics if vpn was not mapped.
func (pt *PageTable) Unmap(vpn mem.VirtPageNum) {
	entry := pt.find(vpn)
	if entry == nil || !entry.IsValid() {
		panic(fmt.Sprintf("vpn %#x is not mapped before unmapping", vpn))
	}
	*entry = PTE{}
}

// Translate returns the leaf PTE for vpn, or (PTE{}, false) if unmapped.
func (pt *PageTable) Translate(vpn mem.VirtPageNum) (PTE, bool) {
	entry := pt.find(vpn)
	if entry == nil || !entry.IsValid() {
		return PTE{}, false
	}
	return *entry, true
}

// TranslateVA rounds va down to its page, translates it, and reattaches
// the original byte offset — used for byte-granular userspace access.
func (pt *PageTable) TranslateVA(va mem.VirtAddr) (mem.PhysAddr, bool) {
	pte, ok := pt.Translate(va.PageNum())
	if !ok {
		return 0, false
	}
	return mem.PhysAddr(pte.PPN().Addr()) + mem.PhysAddr(va.Offset()), true
}

// TranslatedByteBuffer returns a sequence of kernel-addressable byte
// slices covering [ptr, ptr+length) in the address space named by
// token, split at physical-page boundaries because a user buffer may
// straddle non-contiguous physical pages.
func TranslatedByteBuffer(token uint64, ptr mem.VirtAddr, length int) ([][]byte, errs.Errno) {
	pt := FromToken(token)
	var out [][]byte
	start := ptr
	end := ptr + mem.VirtAddr(length)
	for start < end {
		startVA := start
		vpn := startVA.PageNum()
		pte, ok := pt.Translate(vpn)
		if !ok {
			return nil, errs.EFAULT
		}
		pageEnd := (vpn + 1).Addr()
		sliceEnd := pageEnd
		if sliceEnd > end {
			sliceEnd = end
		}
		page := mem.PageBytes(pte.PPN())
		out = append(out, page[startVA.Offset():uint64(sliceEnd)-uint64(vpn.Addr())])
		start = sliceEnd
	}
	return out, errs.OK
}

// TranslatedStr copies a NUL-terminated user string into a
// kernel-owned buffer, one byte at a time since the allocator is free
// to place it anywhere.
func TranslatedStr(token uint64, ptr mem.VirtAddr) (string, errs.Errno) {
	pt := FromToken(token)
	var out []byte
	for {
		pa, ok := pt.TranslateVA(ptr)
		if !ok {
			return "", errs.EFAULT
		}
		b := mem.PageBytes(pa.PageNum())[pa.Offset()]
		if b == 0 {
			break
		}
		out = append(out, b)
		ptr++
	}
	return string(out), errs.OK
}

// TranslatedU64 reads a little-endian 64-bit word from user memory at
// ptr, byte by byte since the word may straddle a page boundary —
// used to walk an exec argv pointer table.
func TranslatedU64(token uint64, ptr mem.VirtAddr) (uint64, errs.Errno) {
	pt := FromToken(token)
	var v uint64
	for i := 0; i < 8; i++ {
		pa, ok := pt.TranslateVA(ptr + mem.VirtAddr(i))
		if !ok {
			return 0, errs.EFAULT
		}
		b := mem.PageBytes(pa.PageNum())[pa.Offset()]
		v |= uint64(b) << (8 * i)
	}
	return v, errs.OK
}

// TranslatedRefMut returns a pointer-like accessor for a single byte at
// a user virtual address, used by waitpid to write the exit code
// through the caller's own page table.
func TranslatedRefMut(token uint64, ptr mem.VirtAddr) ([]byte, errs.Errno) {
	pt := FromToken(token)
	pa, ok := pt.TranslateVA(ptr)
	if !ok {
		return nil, errs.EFAULT
	}
	page := mem.PageBytes(pa.PageNum())
	off := pa.Offset()
	return page[off:], errs.OK
}
