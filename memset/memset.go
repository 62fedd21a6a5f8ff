// Package memset implements a task's address space: an ordered list of
// map areas over a page table, ELF loading, fork's address-space
// clone, and the shared trampoline + per-task trap-context mapping.
//
// Structure follows original_source/os/src/mm/memory_set.rs
// (new_kernel/from_elf/from_existed_user); area bookkeeping style
// (ordered list, uniform permission per area) follows biscuit's
// vm.Vmregion_t idiom.
package memset

import (
	"debug/elf"
	"fmt"

	"rvos/config"
	"rvos/mem"
	"rvos/pagetable"
)

// Permission is the U/R/W/X subset of pagetable.Flags relevant to a
// map area (V is always implied, G is reserved for the trampoline).
type Permission = pagetable.Flags

const (
	PermR Permission = pagetable.R
	PermW Permission = pagetable.W
	PermX Permission = pagetable.X
	PermU Permission = pagetable.U
)

// MapType distinguishes identity-mapped kernel areas from framed
// (independently backed) user areas.
type MapType int

const (
	Identical MapType = iota
	Framed
)

// trampolinePage is the single physical frame shared, read-execute,
// by every address space — the "trampoline" of spec.md §4.9. It is
// allocated once at package init since every MemorySet maps the exact
// same physical page.
var trampolinePage = mem.NewFrame()

// MapArea is a contiguous virtual-page range with a uniform mapping
// type and permission. Framed areas own a VPN -> Frame dictionary.
type MapArea struct {
	StartVPN   mem.VirtPageNum
	EndVPN     mem.VirtPageNum // exclusive
	Type       MapType
	Permission Permission
	Frames     map[mem.VirtPageNum]*mem.Frame
}

func newMapArea(startVA, endVA mem.VirtAddr, t MapType, perm Permission) *MapArea {
	a := &MapArea{
		StartVPN:   startVA.PageNum(),
		EndVPN:     endVA.CeilPageNum(),
		Type:       t,
		Permission: perm,
	}
	if t == Framed {
		a.Frames = make(map[mem.VirtPageNum]*mem.Frame)
	}
	return a
}

func (a *MapArea) mapOne(pt *pagetable.PageTable, vpn mem.VirtPageNum) {
	var ppn mem.PhysPageNum
	switch a.Type {
	case Identical:
		ppn = mem.PhysPageNum(vpn)
	case Framed:
		f := mem.NewFrame()
		a.Frames[vpn] = f
		ppn = f.PPN
	}
	pt.Map(vpn, ppn, a.Permission)
}

func (a *MapArea) mapAll(pt *pagetable.PageTable) {
	for vpn := a.StartVPN; vpn < a.EndVPN; vpn++ {
		a.mapOne(pt, vpn)
	}
}

func (a *MapArea) unmapAll(pt *pagetable.PageTable) {
	for vpn := a.StartVPN; vpn < a.EndVPN; vpn++ {
		pt.Unmap(vpn)
		if a.Type == Framed {
			delete(a.Frames, vpn)
		}
	}
}

// copyData copies data into the area's framed pages, page by page,
// starting at the area's first VPN. Only valid for Framed areas.
func (a *MapArea) copyData(pt *pagetable.PageTable, data []byte) {
	vpn := a.StartVPN
	off := 0
	for off < len(data) {
		n := len(data) - off
		if n > mem.PageSize {
			n = mem.PageSize
		}
		pte, _ := pt.Translate(vpn)
		dst := mem.PageBytes(pte.PPN())
		copy(dst[:n], data[off:off+n])
		off += n
		vpn++
	}
}

// MemorySet is one per address space: a page table plus its map areas.
type MemorySet struct {
	PageTable *pagetable.PageTable
	Areas     []*MapArea
	Active    bool
}

// NewBare builds an address space with nothing mapped.
func NewBare() *MemorySet {
	return &MemorySet{PageTable: pagetable.New()}
}

// Token returns the satp-loadable value for this address space.
func (ms *MemorySet) Token() uint64 { return ms.PageTable.Token() }

// Translate looks up vpn in this address space's page table.
func (ms *MemorySet) Translate(vpn mem.VirtPageNum) (pagetable.PTE, bool) {
	return ms.PageTable.Translate(vpn)
}

func (ms *MemorySet) push(area *MapArea, data []byte) {
	area.mapAll(ms.PageTable)
	if data != nil {
		area.copyData(ms.PageTable, data)
	}
	ms.Areas = append(ms.Areas, area)
}

// InsertFramedArea adds a freshly framed area over [startVA, endVA)
// with the given permission, e.g. a task's kernel stack.
func (ms *MemorySet) InsertFramedArea(startVA, endVA mem.VirtAddr, perm Permission) {
	ms.push(newMapArea(startVA, endVA, Framed, perm), nil)
}

// RemoveAreaWithStartVPN unmaps and drops the area beginning at vpn,
// used to reclaim a task's kernel stack on teardown.
func (ms *MemorySet) RemoveAreaWithStartVPN(vpn mem.VirtPageNum) {
	for i, a := range ms.Areas {
		if a.StartVPN == vpn {
			a.unmapAll(ms.PageTable)
			ms.Areas = append(ms.Areas[:i], ms.Areas[i+1:]...)
			return
		}
	}
}

func (ms *MemorySet) mapTrampoline() {
	ms.PageTable.Map(mem.VirtAddr(config.Trampoline).PageNum(), trampolinePage.PPN, pagetable.R|pagetable.X)
}

// KernelImageLayout describes the linker-provided section boundaries
// a real boot entry would supply (stext/etext/... in
// original_source/os/src/mm/memory_set.rs). These are an external
// contract (the linker script is out of scope per spec.md §1) injected
// here rather than hardcoded.
type KernelImageLayout struct {
	TextStart, TextEnd     mem.VirtAddr
	RodataStart, RodataEnd mem.VirtAddr
	DataStart, DataEnd     mem.VirtAddr
	BssStart, BssEnd       mem.VirtAddr
	KernelEnd              mem.VirtAddr
}

// NewKernelSpace builds the kernel address space: identity maps each
// kernel section with the permissions spec.md §4.3 assigns, plus the
// rest of physical memory as RW, plus the trampoline.
func NewKernelSpace(layout KernelImageLayout) *MemorySet {
	ms := NewBare()
	ms.mapTrampoline()
	ms.push(newMapArea(layout.TextStart, layout.TextEnd, Identical, PermR|PermX), nil)
	ms.push(newMapArea(layout.RodataStart, layout.RodataEnd, Identical, PermR), nil)
	ms.push(newMapArea(layout.DataStart, layout.DataEnd, Identical, PermR|PermW), nil)
	ms.push(newMapArea(layout.BssStart, layout.BssEnd, Identical, PermR|PermW), nil)
	ms.push(newMapArea(layout.KernelEnd, mem.VirtAddr(config.MemoryEnd), Identical, PermR|PermW), nil)
	return ms
}

// FromELF builds a user address space from raw ELF bytes: one framed
// area per PT_LOAD segment (permissions from p_flags), a guard page, an
// 8 KiB user stack, and the trap-context page. Returns the memory set,
// the user stack pointer, and the entry point.
func FromELF(data []byte) (ms *MemorySet, userSP mem.VirtAddr, entry mem.VirtAddr, err error) {
	f, parseErr := elf.NewFile(byteReaderAt(data))
	if parseErr != nil {
		return nil, 0, 0, fmt.Errorf("invalid elf: %w", parseErr)
	}
	if f.Class != elf.ELFCLASS64 {
		return nil, 0, 0, fmt.Errorf("invalid elf: expected 64-bit")
	}

	ms = NewBare()
	ms.mapTrampoline()

	var maxEndVPN mem.VirtPageNum
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		startVA := mem.VirtAddr(prog.Vaddr)
		endVA := mem.VirtAddr(prog.Vaddr + prog.Memsz)
		perm := PermU
		if prog.Flags&elf.PF_R != 0 {
			perm |= PermR
		}
		if prog.Flags&elf.PF_W != 0 {
			perm |= PermW
		}
		if prog.Flags&elf.PF_X != 0 {
			perm |= PermX
		}
		area := newMapArea(startVA, endVA, Framed, perm)
		segData := make([]byte, prog.Filesz)
		if _, rerr := prog.ReadAt(segData, 0); rerr != nil {
			return nil, 0, 0, fmt.Errorf("reading segment: %w", rerr)
		}
		ms.push(area, segData)
		if area.EndVPN > maxEndVPN {
			maxEndVPN = area.EndVPN
		}
	}

	// one guard page, then the user stack, growing up from its base
	guardBottom := maxEndVPN.Addr()
	userStackBottom := guardBottom + mem.VirtAddr(mem.PageSize)
	userStackTop := userStackBottom + mem.VirtAddr(config.UserStackSize)
	ms.push(newMapArea(userStackBottom, userStackTop, Framed, PermR|PermW|PermU), nil)

	ms.push(newMapArea(mem.VirtAddr(config.TrapContextVA), mem.VirtAddr(config.Trampoline), Framed, PermR|PermW), nil)

	return ms, userStackTop, mem.VirtAddr(f.Entry), nil
}

// FromExistedUser implements fork's memory clone: for every area in
// parent, allocate fresh frames and copy bytes page-by-page; the
// trampoline is mapped identically (it is the one shared page). No
// copy-on-write.
func FromExistedUser(parent *MemorySet) *MemorySet {
	ms := NewBare()
	ms.mapTrampoline()
	for _, area := range parent.Areas {
		newArea := newMapArea(area.StartVPN.Addr(), area.EndVPN.Addr(), area.Type, area.Permission)
		ms.push(newArea, nil)
		if area.Type == Framed {
			for vpn := area.StartVPN; vpn < area.EndVPN; vpn++ {
				srcPTE, _ := parent.PageTable.Translate(vpn)
				dstPTE, _ := ms.PageTable.Translate(vpn)
				copy(mem.PageBytes(dstPTE.PPN()), mem.PageBytes(srcPTE.PPN()))
			}
		}
	}
	return ms
}

// Activate records that this address space's satp token is the one
// loaded. On real hardware this would write satp and issue sfence.vma;
// in this simulator the single-hart scheduler enforces that only the
// current task's page table is ever dereferenced, so this is bookkeeping.
func (ms *MemorySet) Activate() {
	ms.Active = true
}

// RecycleDataPages drops all framed areas (freeing their frames) while
// keeping the MemorySet struct itself alive, for an exited task whose
// TCB a parent still references via its children list.
func (ms *MemorySet) RecycleDataPages() {
	for _, a := range ms.Areas {
		if a.Type == Framed {
			for vpn, f := range a.Frames {
				f.Free()
				delete(a.Frames, vpn)
			}
		}
	}
}

// byteReaderAt adapts a []byte to io.ReaderAt for debug/elf.
type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, fmt.Errorf("elf: offset out of range")
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, fmt.Errorf("elf: short read")
	}
	return n, nil
}
