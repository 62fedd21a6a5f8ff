package easyfs

import (
	"bytes"
	"testing"

	"rvos/blockdev"
)

func TestBlockCacheCapacityPanics(t *testing.T) {
	dev := blockdev.NewMemDevice()
	mgr := NewCacheManager(dev)

	var handles []*Handle
	for i := 0; i < cacheCapacity; i++ {
		handles = append(handles, mgr.Get(i))
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic pinning a 17th distinct block")
		}
	}()
	mgr.Get(cacheCapacity)
}

func TestBlockCacheEvictsAndWritesBack(t *testing.T) {
	dev := blockdev.NewMemDevice()
	mgr := NewCacheManager(dev)

	h := mgr.Get(0)
	h.Block().Modify(0, func(buf []byte) { buf[0] = 0x42 })
	h.Release()

	// fill the pool with other blocks so block 0 (unpinned, refs==0)
	// becomes the FIFO eviction candidate.
	for i := 1; i <= cacheCapacity; i++ {
		hh := mgr.Get(i)
		hh.Release()
	}

	if dev.Writes == 0 {
		t.Fatal("expected eviction to write back the dirty block")
	}
	var readBack [blockdev.BlockSize]byte
	dev.ReadBlock(0, readBack[:])
	if readBack[0] != 0x42 {
		t.Fatalf("evicted block lost its write: got %#x", readBack[0])
	}
}

func formatSmall(t *testing.T) *FileSystem {
	t.Helper()
	dev := blockdev.NewMemDevice()
	return Format(dev, 512, 1)
}

func TestFilePersistenceRoundTrip(t *testing.T) {
	fs := formatSmall(t)
	root := fs.RootInode()

	f := root.Create("log")
	if f == nil {
		t.Fatal("create failed")
	}
	n := f.WriteAt(0, []byte("abc"))
	if n != 3 {
		t.Fatalf("write returned %d, want 3", n)
	}

	reopened := root.Find("log")
	buf := make([]byte, 3)
	n = reopened.ReadAt(0, buf)
	if n != 3 || !bytes.Equal(buf, []byte("abc")) {
		t.Fatalf("read back %q (n=%d), want \"abc\"", buf, n)
	}

	reopened.Clear()
	n = reopened.ReadAt(0, buf)
	if n != 0 {
		t.Fatalf("expected 0 bytes after truncate, got %d", n)
	}
}

func TestIndirectAddressing(t *testing.T) {
	fs := formatSmall(t)
	root := fs.RootInode()
	f := root.Create("big")
	if f == nil {
		t.Fatal("create failed")
	}

	total := 40 * BlockSize
	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if n := f.WriteAt(0, data); n != total {
		t.Fatalf("wrote %d bytes, want %d", n, total)
	}

	reopened := root.Find("big")
	readBack := make([]byte, total)
	if n := reopened.ReadAt(0, readBack); n != total {
		t.Fatalf("read %d bytes, want %d", n, total)
	}
	if !bytes.Equal(data, readBack) {
		t.Fatal("round-tripped content mismatch")
	}
}

func TestAllocInodeReturnsOneFirst(t *testing.T) {
	fs := formatSmall(t)
	id := fs.AllocInode()
	if id != 1 {
		t.Fatalf("first allocated inode = %d, want 1 (0 is root)", id)
	}
}

func TestCorruptMagicPanics(t *testing.T) {
	dev := blockdev.NewMemDevice()
	var block [blockdev.BlockSize]byte
	dev.WriteBlock(0, block[:]) // all zero: magic mismatch

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic opening a filesystem with a bad superblock magic")
		}
	}()
	Open(dev)
}
