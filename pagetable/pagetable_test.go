package pagetable

import (
	"testing"

	"rvos/mem"
)

func TestMapUnmapTranslate(t *testing.T) {
	mem.ResetAllocatorForTest()
	pt := New()
	vpn := mem.VirtPageNum(0x10)
	frame := mem.NewFrame()

	pt.Map(vpn, frame.PPN, R|W)
	pte, ok := pt.Translate(vpn)
	if !ok || pte.PPN() != frame.PPN {
		t.Fatalf("translate after map: ok=%v ppn=%v want %v", ok, pte.PPN(), frame.PPN)
	}

	pt.Unmap(vpn)
	if _, ok := pt.Translate(vpn); ok {
		t.Fatal("expected translate to fail after unmap")
	}
}

func TestDoubleMapPanics(t *testing.T) {
	mem.ResetAllocatorForTest()
	pt := New()
	vpn := mem.VirtPageNum(0x1000)
	f1 := mem.NewFrame()
	f2 := mem.NewFrame()
	pt.Map(vpn, f1.PPN, R)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic on double map")
		}
	}()
	pt.Map(vpn, f2.PPN, R)
}

func TestUnmapUnmappedPanics(t *testing.T) {
	mem.ResetAllocatorForTest()
	pt := New()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic unmapping an unmapped vpn")
		}
	}()
	pt.Unmap(mem.VirtPageNum(5))
}

func TestTranslatedByteBufferSpansPages(t *testing.T) {
	mem.ResetAllocatorForTest()
	pt := New()
	startVPN := mem.VirtPageNum(0)
	f0 := mem.NewFrame()
	f1 := mem.NewFrame()
	pt.Map(startVPN, f0.PPN, R|W)
	pt.Map(startVPN+1, f1.PPN, R|W)

	ptr := mem.VirtAddr(mem.PageSize - 4)
	length := 8 // straddles the page boundary
	slices, errno := TranslatedByteBuffer(pt.Token(), ptr, length)
	if errno != 0 {
		t.Fatalf("unexpected errno %v", errno)
	}
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	if total != length {
		t.Fatalf("total bytes = %d, want %d", total, length)
	}
}
