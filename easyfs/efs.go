// efs.go is the filesystem driver: formatting a fresh image, opening an
// existing one, and the alloc/dealloc glue between the bitmap allocators
// and the block cache. Grounded on original_source/easy-fs/src/efs.rs;
// the open-question formulas (get_disk_inode_pos's floor division,
// data_bitmap_blocks over-provisioning) are followed verbatim per
// DESIGN.md's Open Question decisions.
package easyfs

import (
	"sync"

	"rvos/blockdev"
)

const inodesPerBlock = BlockSize / DiskInodeSize // 4

// FileSystem owns the on-disk layout geometry and the block cache
// every other component in this package reads and writes through.
type FileSystem struct {
	mu sync.Mutex

	Device blockdev.Device
	Cache  *CacheManager

	InodeBitmap Bitmap
	DataBitmap  Bitmap

	inodeAreaStart int
	dataAreaStart  int
}

// Format lays out a fresh filesystem image over device spanning
// totalBlocks blocks, with exactly inodeBitmapBlocks inode-bitmap blocks
// (the original hardcodes this at the call site; exposed here as a
// parameter since cmd/rvos's CLI picks image size).
func Format(device blockdev.Device, totalBlocks, inodeBitmapBlocks int) *FileSystem {
	cache := NewCacheManager(device)

	inodeBitmap := NewBitmap(1, inodeBitmapBlocks)
	inodeNumMax := inodeBitmap.MaxBits()
	inodeAreaBlocks := (inodeNumMax*DiskInodeSize + BlockSize - 1) / BlockSize

	inodeTotalBlocks := inodeBitmapBlocks + inodeAreaBlocks
	dataTotalBlocks := totalBlocks - 1 - inodeTotalBlocks
	// Open question: size the data bitmap to cover dataTotalBlocks data
	// blocks plus its own blocks, over-provisioning by one bitmap block
	// when the division isn't exact — followed from efs.rs verbatim.
	dataBitmapBlocks := (dataTotalBlocks + bitsPerBlock) / (bitsPerBlock + 1)
	if dataBitmapBlocks == 0 {
		dataBitmapBlocks = 1
	}
	dataAreaBlocks := dataTotalBlocks - dataBitmapBlocks

	dataBitmap := NewBitmap(1+inodeTotalBlocks, dataBitmapBlocks)

	fs := &FileSystem{
		Device:         device,
		Cache:          cache,
		InodeBitmap:    inodeBitmap,
		DataBitmap:     dataBitmap,
		inodeAreaStart: 1 + inodeBitmapBlocks,
		dataAreaStart:  1 + inodeTotalBlocks + dataBitmapBlocks,
	}

	// zero the superblock and every block the bitmaps/inode-area own:
	// blocks [0, 1+inodeTotalBlocks+dataBitmapBlocks)
	for b := 0; b < 1+inodeTotalBlocks+dataBitmapBlocks; b++ {
		h := cache.Get(b)
		h.Block().Modify(0, func(buf []byte) {
			for i := range buf {
				buf[i] = 0
			}
		})
		h.Release()
	}

	// root directory: inode 0 — reserve bit 0 in the inode bitmap so the
	// first AllocInode call afterward returns 1, not a reused 0.
	if bit := fs.InodeBitmap.Alloc(cache); bit != 0 {
		corrupt("expected root to claim inode bitmap bit 0, got %d", bit)
	}
	rootInodeBlock, rootInodeOffset := fs.inodePos(0)
	h := cache.Get(rootInodeBlock)
	h.Block().Modify(rootInodeOffset, func(buf []byte) {
		var root DiskInode
		root.InitDirectory()
		root.Encode(buf[:DiskInodeSize])
	})
	h.Release()

	sb := SuperBlock{
		MagicNum:          Magic,
		TotalBlocks:       uint32(totalBlocks),
		InodeBitmapBlocks: uint32(inodeBitmapBlocks),
		InodeAreaBlocks:   uint32(inodeAreaBlocks),
		DataBitmapBlocks:  uint32(dataBitmapBlocks),
		DataAreaBlocks:    uint32(dataAreaBlocks),
	}
	sbh := cache.Get(0)
	sbh.Block().Modify(0, func(buf []byte) { sb.Encode(buf[:superBlockSize]) })
	sbh.Release()
	cache.SyncAll()

	return fs
}

// Open reads block 0 as a SuperBlock (panicking on a bad magic) and
// reconstructs the bitmap/area layout from it.
func Open(device blockdev.Device) *FileSystem {
	cache := NewCacheManager(device)
	var sb SuperBlock
	h := cache.Get(0)
	h.Block().Read(0, func(buf []byte) { sb = DecodeSuperBlock(buf[:superBlockSize]) })
	h.Release()

	inodeTotalBlocks := sb.InodeBitmapBlocks + sb.InodeAreaBlocks
	return &FileSystem{
		Device:         device,
		Cache:          cache,
		InodeBitmap:    NewBitmap(1, int(sb.InodeBitmapBlocks)),
		DataBitmap:     NewBitmap(1+int(inodeTotalBlocks), int(sb.DataBitmapBlocks)),
		inodeAreaStart: 1 + int(sb.InodeBitmapBlocks),
		dataAreaStart:  1 + int(inodeTotalBlocks) + int(sb.DataBitmapBlocks),
	}
}

// inodePos returns the (block id, byte offset within block) of inode
// number id's DiskInode: floor(id/inodesPerBlock) blocks past the
// inode area's start, per the original's get_disk_inode_pos (DESIGN.md
// Open Question).
func (fs *FileSystem) inodePos(id uint32) (int, int) {
	block := fs.inodeAreaStart + int(id)/inodesPerBlock
	offset := (int(id) % inodesPerBlock) * DiskInodeSize
	return block, offset
}

// dataBlockID translates a data-area-relative block index into an
// absolute device block id.
func (fs *FileSystem) dataBlockID(relative uint32) uint32 {
	return uint32(fs.dataAreaStart) + relative
}

// AllocInode reserves the lowest-numbered free inode slot. The first
// call on a freshly formatted filesystem returns 1, since Format has
// already claimed inode 0 for the root directory.
func (fs *FileSystem) AllocInode() uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	bit := fs.InodeBitmap.Alloc(fs.Cache)
	if bit < 0 {
		panic("easyfs: inode bitmap exhausted")
	}
	return uint32(bit)
}

// AllocData reserves a free data block and returns its absolute block id.
func (fs *FileSystem) AllocData() uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	bit := fs.DataBitmap.Alloc(fs.Cache)
	if bit < 0 {
		panic("easyfs: data bitmap exhausted")
	}
	return fs.dataBlockID(uint32(bit))
}

// DeallocData returns a data block (by absolute block id) to the bitmap.
func (fs *FileSystem) DeallocData(blockID uint32) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	relative := int(blockID) - fs.dataAreaStart
	h := fs.Cache.Get(int(blockID))
	h.Block().Modify(0, func(buf []byte) {
		for i := range buf {
			buf[i] = 0
		}
	})
	h.Release()
	fs.DataBitmap.Dealloc(fs.Cache, relative)
}

// RootInode returns the VFS handle for inode 0.
func (fs *FileSystem) RootInode() *Inode {
	block, offset := fs.inodePos(0)
	return &Inode{fs: fs, blockID: block, blockOffset: offset}
}
