package mem

import "testing"

func TestFrameZeroFilled(t *testing.T) {
	ResetAllocatorForTest()
	f := NewFrame()
	page := PageBytes(f.PPN)
	for i, b := range page {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %v", i, b)
		}
	}
}

func TestFrameLIFOReuse(t *testing.T) {
	ResetAllocatorForTest()
	a := NewFrame()
	b := NewFrame()
	a.Free()
	c := NewFrame()
	if c.PPN != a.PPN {
		t.Fatalf("expected recycled PPN %d, got %d", a.PPN, c.PPN)
	}
	_ = b
}

func TestDoubleFreePanics(t *testing.T) {
	ResetAllocatorForTest()
	f := NewFrame()
	f.Free()
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	f.Free()
}

func TestVirtPageNumIndexes(t *testing.T) {
	vpn := VirtPageNum(0x1_0203_04)
	idx := vpn.Indexes()
	want := [3]uint64{
		(uint64(vpn) >> 18) & 0x1ff,
		(uint64(vpn) >> 9) & 0x1ff,
		uint64(vpn) & 0x1ff,
	}
	if idx != want {
		t.Fatalf("indexes = %v, want %v", idx, want)
	}
}
