package easyfs

// Magic is the SuperBlock's format-identifying magic number.
const Magic uint32 = 0x3B800001

// SuperBlock is block 0 of the filesystem image: packed, little-endian,
// 6 u32 fields (24 bytes), exactly as spec.md §6 specifies.
type SuperBlock struct {
	MagicNum         uint32
	TotalBlocks      uint32
	InodeBitmapBlocks uint32
	InodeAreaBlocks  uint32
	DataBitmapBlocks uint32
	DataAreaBlocks   uint32
}

const superBlockSize = 6 * 4

// Encode packs sb into buf (must be at least superBlockSize bytes).
func (sb SuperBlock) Encode(buf []byte) {
	putU32(buf[0:4], sb.MagicNum)
	putU32(buf[4:8], sb.TotalBlocks)
	putU32(buf[8:12], sb.InodeBitmapBlocks)
	putU32(buf[12:16], sb.InodeAreaBlocks)
	putU32(buf[16:20], sb.DataBitmapBlocks)
	putU32(buf[20:24], sb.DataAreaBlocks)
}

// DecodeSuperBlock reads a SuperBlock from buf and panics if the magic
// doesn't match, per spec.md §7's "corrupt superblock" invariant.
func DecodeSuperBlock(buf []byte) SuperBlock {
	sb := SuperBlock{
		MagicNum:          getU32(buf[0:4]),
		TotalBlocks:       getU32(buf[4:8]),
		InodeBitmapBlocks: getU32(buf[8:12]),
		InodeAreaBlocks:   getU32(buf[12:16]),
		DataBitmapBlocks:  getU32(buf[16:20]),
		DataAreaBlocks:    getU32(buf[20:24]),
	}
	if sb.MagicNum != Magic {
		corrupt("bad superblock magic %#x", sb.MagicNum)
	}
	return sb
}

// InodeType distinguishes a regular file from a directory.
type InodeType uint32

const (
	TypeFile      InodeType = 0
	TypeDirectory InodeType = 1
)

const (
	directCount   = 28
	indirect1Count = BlockSize / 4   // 128 u32 entries per indirect block
	indirect2Count = indirect1Count * indirect1Count

	directBound   = directCount
	indirect1Bound = directBound + indirect1Count
	indirect2Bound = indirect1Bound + indirect2Count
)

// DiskInode is the 128-byte on-disk inode: size, 28 direct block
// pointers, one single-indirect and one double-indirect pointer, and a
// type tag. Zero in a slot means "unallocated".
type DiskInode struct {
	Size      uint32
	Direct    [directCount]uint32
	Indirect1 uint32
	Indirect2 uint32
	Type      InodeType
}

// DiskInodeSize is the fixed on-disk size of a DiskInode.
const DiskInodeSize = 4 + directCount*4 + 4 + 4 + 4 // = 128

// InitFile resets the inode to an empty regular file.
func (d *DiskInode) InitFile() { *d = DiskInode{Type: TypeFile} }

// InitDirectory resets the inode to an empty directory.
func (d *DiskInode) InitDirectory() { *d = DiskInode{Type: TypeDirectory} }

func (d *DiskInode) IsDirectory() bool { return d.Type == TypeDirectory }
func (d *DiskInode) IsFile() bool      { return d.Type == TypeFile }

// Encode packs d into buf (must be at least DiskInodeSize bytes).
func (d *DiskInode) Encode(buf []byte) {
	putU32(buf[0:4], d.Size)
	off := 4
	for i := 0; i < directCount; i++ {
		putU32(buf[off:off+4], d.Direct[i])
		off += 4
	}
	putU32(buf[off:off+4], d.Indirect1)
	off += 4
	putU32(buf[off:off+4], d.Indirect2)
	off += 4
	putU32(buf[off:off+4], uint32(d.Type))
}

// DecodeDiskInode reads a DiskInode from buf.
func DecodeDiskInode(buf []byte) DiskInode {
	var d DiskInode
	d.Size = getU32(buf[0:4])
	off := 4
	for i := 0; i < directCount; i++ {
		d.Direct[i] = getU32(buf[off : off+4])
		off += 4
	}
	d.Indirect1 = getU32(buf[off : off+4])
	off += 4
	d.Indirect2 = getU32(buf[off : off+4])
	off += 4
	d.Type = InodeType(getU32(buf[off : off+4]))
	return d
}

// dataBlocksForSize returns how many data blocks a file of this size occupies.
func dataBlocksForSize(size uint32) uint32 {
	return (size + BlockSize - 1) / BlockSize
}

// totalBlocksForSize returns the number of data blocks plus the
// indirect index blocks needed to address them, following
// DiskInode::total_blocks in original_source/easy-fs/src/layout.rs.
func totalBlocksForSize(size uint32) uint32 {
	data := dataBlocksForSize(size)
	total := data
	if data > directBound {
		total++ // indirect1 block itself
	}
	if data > indirect1Bound {
		indirect2Needed := data - indirect1Bound
		total++ // indirect2 block itself
		total += (indirect2Needed + indirect1Count - 1) / indirect1Count
	}
	return total
}

// BlocksNeeded returns how many additional data+index blocks must be
// allocated to grow this inode from its current size to newSize.
func (d *DiskInode) BlocksNeeded(newSize uint32) uint32 {
	if newSize <= d.Size {
		return 0
	}
	return totalBlocksForSize(newSize) - totalBlocksForSize(d.Size)
}

// getBlockID resolves the inner-id'th data block's block id, reading
// indirect index blocks through mgr as needed.
func (d *DiskInode) getBlockID(innerID uint32, mgr *CacheManager) uint32 {
	switch {
	case innerID < directBound:
		return d.Direct[innerID]
	case innerID < indirect1Bound:
		h := mgr.Get(int(d.Indirect1))
		defer h.Release()
		var id uint32
		h.Block().Read(0, func(buf []byte) {
			id = getU32(buf[(innerID-directBound)*4:])
		})
		return id
	case innerID < indirect2Bound:
		last := innerID - indirect1Bound
		h1 := mgr.Get(int(d.Indirect2))
		var indirect1ID uint32
		h1.Block().Read(0, func(buf []byte) {
			indirect1ID = getU32(buf[(last/indirect1Count)*4:])
		})
		h1.Release()

		h2 := mgr.Get(int(indirect1ID))
		defer h2.Release()
		var id uint32
		h2.Block().Read(0, func(buf []byte) {
			id = getU32(buf[(last%indirect1Count)*4:])
		})
		return id
	default:
		corrupt("inner id %d exceeds double-indirect addressing range", innerID)
		return 0
	}
}

// IncreaseSize grows the inode to newSize, writing newBlocks (freshly
// allocated block ids, in the order total_blocks/blocks_needed expects:
// direct slots first, then the indirect1 block id, its entries, then
// the indirect2 block id and its tree) into the direct/indirect
// structures, following DiskInode::increase_size.
func (d *DiskInode) IncreaseSize(newSize uint32, newBlocks []uint32, mgr *CacheManager) {
	idx := 0
	take := func() uint32 {
		v := newBlocks[idx]
		idx++
		return v
	}

	curBlocks := dataBlocksForSize(d.Size)
	newBlocksTotal := dataBlocksForSize(newSize)
	d.Size = newSize
	remain := newBlocksTotal

	for curBlocks < remain && curBlocks < directBound {
		d.Direct[curBlocks] = take()
		curBlocks++
	}

	if remain <= directBound {
		return
	}

	if curBlocks == directBound {
		d.Indirect1 = take()
	}
	curBlocks -= directBound
	remain -= directBound

	h1 := mgr.Get(int(d.Indirect1))
	h1.Block().Modify(0, func(buf []byte) {
		for curBlocks < remain && curBlocks < indirect1Count {
			putU32(buf[curBlocks*4:], take())
			curBlocks++
		}
	})
	h1.Release()

	if remain <= indirect1Count {
		return
	}

	if curBlocks == indirect1Count {
		d.Indirect2 = take()
	}
	curBlocks -= indirect1Count
	remain -= indirect1Count

	a0 := curBlocks / indirect1Count
	b0 := curBlocks % indirect1Count

	h2 := mgr.Get(int(d.Indirect2))
	for a0 < (remain+indirect1Count-1)/indirect1Count {
		if b0 == 0 {
			h2.Block().Modify(0, func(buf []byte) {
				putU32(buf[a0*4:], take())
			})
		}
		var indirect1ID uint32
		h2.Block().Read(0, func(buf []byte) { indirect1ID = getU32(buf[a0*4:]) })

		h1b := mgr.Get(int(indirect1ID))
		h1b.Block().Modify(0, func(buf []byte) {
			for b0 < indirect1Count && idx < len(newBlocks) {
				putU32(buf[b0*4:], take())
				b0++
			}
		})
		h1b.Release()
		if idx >= len(newBlocks) {
			break
		}
		b0 = 0
		a0++
	}
	h2.Release()
}

// Clear collects every data and index block id this inode addresses,
// zeroes its block pointers, and resets size to 0. It does not touch
// the bitmap: it returns the ids so the caller can hand each one to
// FileSystem.DeallocData.
func (d *DiskInode) Clear(mgr *CacheManager) []uint32 {
	var freed []uint32
	dataTotal := dataBlocksForSize(d.Size)
	curBlocks := uint32(0)

	for curBlocks < dataTotal && curBlocks < directBound {
		freed = append(freed, d.Direct[curBlocks])
		d.Direct[curBlocks] = 0
		curBlocks++
	}

	if dataTotal > directBound {
		h1 := mgr.Get(int(d.Indirect1))
		n := curBlocks - directBound
		limit := dataTotal - directBound
		if limit > indirect1Count {
			limit = indirect1Count
		}
		h1.Block().Read(0, func(buf []byte) {
			for n < limit {
				freed = append(freed, getU32(buf[n*4:]))
				n++
			}
		})
		h1.Release()
		freed = append(freed, d.Indirect1)
		d.Indirect1 = 0
		curBlocks = directBound + limit
	}

	if dataTotal > indirect1Bound {
		h2 := mgr.Get(int(d.Indirect2))
		remain := dataTotal - indirect1Bound
		fullGroups := remain / indirect1Count
		var ids []uint32
		h2.Block().Read(0, func(buf []byte) {
			for i := uint32(0); i < fullGroups; i++ {
				ids = append(ids, getU32(buf[i*4:]))
			}
		})
		for _, id1 := range ids {
			h1 := mgr.Get(int(id1))
			h1.Block().Read(0, func(buf []byte) {
				for i := 0; i < indirect1Count; i++ {
					freed = append(freed, getU32(buf[i*4:]))
				}
			})
			h1.Release()
			freed = append(freed, id1)
		}
		if rest := remain % indirect1Count; rest > 0 {
			var lastID uint32
			h2.Block().Read(0, func(buf []byte) { lastID = getU32(buf[fullGroups*4:]) })
			h1 := mgr.Get(int(lastID))
			h1.Block().Read(0, func(buf []byte) {
				for i := uint32(0); i < rest; i++ {
					freed = append(freed, getU32(buf[i*4:]))
				}
			})
			h1.Release()
			freed = append(freed, lastID)
		}
		h2.Release()
		freed = append(freed, d.Indirect2)
		d.Indirect2 = 0
	}

	d.Size = 0
	return freed
}

// ReadAt copies min(len(buf), size-offset) bytes starting at offset into
// buf, returning the count actually read.
func (d *DiskInode) ReadAt(offset int, buf []byte, mgr *CacheManager) int {
	if offset >= int(d.Size) {
		return 0
	}
	end := offset + len(buf)
	if end > int(d.Size) {
		end = int(d.Size)
	}
	readSize := end - offset
	alreadyRead := 0
	startBlock := offset / BlockSize
	curOff := offset
	for alreadyRead < readSize {
		curBlockEnd := (curOff/BlockSize + 1) * BlockSize
		blockEnd := curBlockEnd
		if blockEnd > end {
			blockEnd = end
		}
		blockLen := blockEnd - curOff

		blockID := d.getBlockID(uint32(curOff/BlockSize), mgr)
		h := mgr.Get(int(blockID))
		inBlockOff := curOff % BlockSize
		h.Block().Read(0, func(b []byte) {
			copy(buf[alreadyRead:alreadyRead+blockLen], b[inBlockOff:inBlockOff+blockLen])
		})
		h.Release()

		alreadyRead += blockLen
		curOff += blockLen
		_ = startBlock
	}
	return alreadyRead
}

// WriteAt writes buf at offset, never growing the inode (callers must
// IncreaseSize first); returns the number of bytes written.
func (d *DiskInode) WriteAt(offset int, buf []byte, mgr *CacheManager) int {
	end := offset + len(buf)
	if end > int(d.Size) {
		end = int(d.Size)
	}
	if end <= offset {
		return 0
	}
	writeSize := end - offset
	written := 0
	curOff := offset
	for written < writeSize {
		curBlockEnd := (curOff/BlockSize + 1) * BlockSize
		blockEnd := curBlockEnd
		if blockEnd > end {
			blockEnd = end
		}
		blockLen := blockEnd - curOff

		blockID := d.getBlockID(uint32(curOff/BlockSize), mgr)
		h := mgr.Get(int(blockID))
		inBlockOff := curOff % BlockSize
		h.Block().Modify(0, func(b []byte) {
			copy(b[inBlockOff:inBlockOff+blockLen], buf[written:written+blockLen])
		})
		h.Release()

		written += blockLen
		curOff += blockLen
	}
	return written
}

// dirEntrySize is DirEntry's fixed on-disk size.
const dirEntrySize = 32
const dirNameMax = 27 // 28-byte field, NUL-terminated

// DirEntry is one 32-byte directory entry: a NUL-terminated name and an
// inode number.
type DirEntry struct {
	Name       string
	InodeNumber uint32
}

// Encode packs e into buf (must be at least dirEntrySize bytes).
func (e DirEntry) Encode(buf []byte) {
	for i := range buf[:28] {
		buf[i] = 0
	}
	copy(buf[:dirNameMax], e.Name)
	putU32(buf[28:32], e.InodeNumber)
}

// DecodeDirEntry reads a DirEntry from buf.
func DecodeDirEntry(buf []byte) DirEntry {
	nameBytes := buf[:28]
	n := 0
	for n < len(nameBytes) && nameBytes[n] != 0 {
		n++
	}
	return DirEntry{
		Name:        string(nameBytes[:n]),
		InodeNumber: getU32(buf[28:32]),
	}
}
