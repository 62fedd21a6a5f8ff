package task

import (
	"encoding/binary"
	"testing"

	"rvos/mem"
	"rvos/memset"
)

// buildMinimalELF assembles the smallest valid ELF64/RISC-V executable
// debug/elf.NewFile will parse: one PT_LOAD segment carrying data,
// loaded at vaddr, entry point also at vaddr.
func buildMinimalELF(vaddr uint64, data []byte) []byte {
	const ehsize = 64
	const phsize = 56
	offset := uint64(ehsize + phsize)

	buf := make([]byte, offset+uint64(len(data)))
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // little-endian
	buf[6] = 1 // EI_VERSION

	le := binary.LittleEndian
	le.PutUint16(buf[16:18], 2)      // e_type = ET_EXEC
	le.PutUint16(buf[18:20], 0xF3)   // e_machine = EM_RISCV
	le.PutUint32(buf[20:24], 1)      // e_version
	le.PutUint64(buf[24:32], vaddr)  // e_entry
	le.PutUint64(buf[32:40], ehsize) // e_phoff
	le.PutUint64(buf[40:48], 0)      // e_shoff
	le.PutUint32(buf[48:52], 0)      // e_flags
	le.PutUint16(buf[52:54], ehsize) // e_ehsize
	le.PutUint16(buf[54:56], phsize) // e_phentsize
	le.PutUint16(buf[56:58], 1)      // e_phnum
	le.PutUint16(buf[58:60], 0)      // e_shentsize
	le.PutUint16(buf[60:62], 0)      // e_shnum
	le.PutUint16(buf[62:64], 0)      // e_shstrndx

	ph := buf[ehsize : ehsize+phsize]
	le.PutUint32(ph[0:4], 1)              // p_type = PT_LOAD
	le.PutUint32(ph[4:8], 5)              // p_flags = R|X
	le.PutUint64(ph[8:16], offset)        // p_offset
	le.PutUint64(ph[16:24], vaddr)        // p_vaddr
	le.PutUint64(ph[24:32], vaddr)        // p_paddr
	le.PutUint64(ph[32:40], uint64(len(data))) // p_filesz
	le.PutUint64(ph[40:48], uint64(len(data))) // p_memsz
	le.PutUint64(ph[48:56], mem.PageSize)      // p_align

	copy(buf[offset:], data)
	return buf
}

func testKernelSpace() *memset.MemorySet {
	return memset.NewKernelSpace(memset.KernelImageLayout{
		TextStart:   0x80200000,
		TextEnd:     0x80201000,
		RodataStart: 0x80201000,
		RodataEnd:   0x80202000,
		DataStart:   0x80202000,
		DataEnd:     0x80203000,
		BssStart:    0x80203000,
		BssEnd:      0x80204000,
		KernelEnd:   0x80204000,
	})
}

func TestNewFromELFSeedsTrapContext(t *testing.T) {
	mem.ResetAllocatorForTest()
	ks := testKernelSpace()
	elfData := buildMinimalELF(0x10000, []byte{0x00, 0x00, 0x00, 0x13}) // a nop-shaped word

	tcb, err := NewFromELF(elfData, ks)
	if err != nil {
		t.Fatalf("NewFromELF: %v", err)
	}
	if tcb.Status != Ready {
		t.Fatalf("status = %v, want Ready", tcb.Status)
	}
	if len(tcb.FdTable) != 3 {
		t.Fatalf("fd table len = %d, want 3 (stdin, stdout, stdout)", len(tcb.FdTable))
	}
	cx := tcb.TrapContext()
	if cx.Sepc != 0x10000 {
		t.Fatalf("sepc = %#x, want 0x10000", cx.Sepc)
	}
}

func TestForkClonesAddressSpaceAndFdTable(t *testing.T) {
	mem.ResetAllocatorForTest()
	ks := testKernelSpace()
	elfData := buildMinimalELF(0x10000, []byte{0x00, 0x00, 0x00, 0x13})

	parent, err := NewFromELF(elfData, ks)
	if err != nil {
		t.Fatalf("NewFromELF: %v", err)
	}
	child := parent.Fork(ks)
	if child.Parent != parent {
		t.Fatal("child.Parent not linked")
	}
	if len(parent.Children) != 1 || parent.Children[0] != child {
		t.Fatal("parent.Children not linked")
	}
	if len(child.FdTable) != len(parent.FdTable) {
		t.Fatalf("fd table length mismatch: child=%d parent=%d", len(child.FdTable), len(parent.FdTable))
	}
	if child.TrapContext().Sepc != parent.TrapContext().Sepc {
		t.Fatal("child trap context not cloned from parent")
	}
}

func TestAllocFdReusesLowestFreeSlot(t *testing.T) {
	mem.ResetAllocatorForTest()
	ks := testKernelSpace()
	elfData := buildMinimalELF(0x10000, []byte{0x00, 0x00, 0x00, 0x13})
	tcb, err := NewFromELF(elfData, ks)
	if err != nil {
		t.Fatalf("NewFromELF: %v", err)
	}
	tcb.FdTable[1] = nil // free the stdout slot
	fd := tcb.AllocFd(nil)
	if fd != 1 {
		t.Fatalf("AllocFd reused slot %d, want 1", fd)
	}
}
