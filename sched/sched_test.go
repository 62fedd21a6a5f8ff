package sched

import (
	"testing"

	"rvos/mem"
	"rvos/memset"
	"rvos/task"
)

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

// nopELF is the minimal ELF body buildMinimalELF in package task
// constructs; duplicated narrowly here since the test packages must
// stay independent.
func nopELF(vaddr uint64) []byte {
	const ehsize = 64
	const phsize = 56
	data := []byte{0x00, 0x00, 0x00, 0x13}
	offset := uint64(ehsize + phsize)
	buf := make([]byte, offset+uint64(len(data)))
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4], buf[5], buf[6] = 2, 1, 1
	put16 := func(off int, v uint16) { buf[off], buf[off+1] = byte(v), byte(v>>8) }
	put32 := func(off int, v uint32) {
		for i := 0; i < 4; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	put64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	put16(16, 2)
	put16(18, 0xF3)
	put32(20, 1)
	put64(24, vaddr)
	put64(32, ehsize)
	put16(52, ehsize)
	put16(54, phsize)
	put16(56, 1)

	ph := buf[ehsize:]
	put32ph := func(off int, v uint32) {
		for i := 0; i < 4; i++ {
			ph[off+i] = byte(v >> (8 * i))
		}
	}
	put64ph := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			ph[off+i] = byte(v >> (8 * i))
		}
	}
	put32ph(0, 1)
	put32ph(4, 5)
	put64ph(8, offset)
	put64ph(16, vaddr)
	put64ph(24, vaddr)
	put64ph(32, uint64(len(data)))
	put64ph(40, uint64(len(data)))
	put64ph(48, mem.PageSize)

	copy(buf[offset:], data)
	return buf
}

func TestSchedulerLifecycleReparenting(t *testing.T) {
	mem.ResetAllocatorForTest()
	ks := testKernelSpace()
	elfData := nopELF(0x10000)

	initproc, err := task.NewFromELF(elfData, ks)
	if err != nil {
		t.Fatalf("NewFromELF(initproc): %v", err)
	}
	parent, err := task.NewFromELF(elfData, ks)
	if err != nil {
		t.Fatalf("NewFromELF(parent): %v", err)
	}
	child := parent.Fork(ks)

	s := New()
	s.SetInitproc(initproc)
	s.AddReady(parent)

	got := s.RunNext()
	if got != parent {
		t.Fatalf("RunNext returned %v, want parent", got)
	}

	s.ExitCurrentAndRunNext(7)
	if parent.Status != task.Zombie || parent.ExitCode != 7 {
		t.Fatalf("parent status=%v code=%v, want Zombie/7", parent.Status, parent.ExitCode)
	}
	if len(initproc.Children) != 1 || initproc.Children[0] != child {
		t.Fatal("child was not reparented to initproc on parent exit")
	}
}

func TestSuspendRequeuesToBack(t *testing.T) {
	mem.ResetAllocatorForTest()
	ks := testKernelSpace()
	elfData := nopELF(0x10000)

	a, err := task.NewFromELF(elfData, ks)
	if err != nil {
		t.Fatalf("NewFromELF(a): %v", err)
	}
	b, err := task.NewFromELF(elfData, ks)
	if err != nil {
		t.Fatalf("NewFromELF(b): %v", err)
	}

	s := New()
	s.AddReady(a)
	s.AddReady(b)

	cur := s.RunNext() // a
	if cur != a {
		t.Fatalf("expected a first, got pid %d", cur.Pid.Pid)
	}
	next := s.SuspendCurrentAndRunNext() // a goes to back, b runs
	if next != b {
		t.Fatalf("expected b after suspending a, got pid %d", next.Pid.Pid)
	}
}
