// vfs.go implements the VFS-facing Inode: directory listing, lookup,
// creation, truncation, and byte-range read/write over a DiskInode.
// Grounded on original_source/easy-fs/src/vfs.rs. Inode satisfies
// file.Inode structurally so file.OSInode can wrap it without this
// package importing file (which would cycle back through easyfs via
// task -> file -> easyfs).
package easyfs

import "sync"

// Inode is a filesystem-level handle to one DiskInode, identified by
// its on-disk position rather than a cached copy — every access reads
// through the block cache fresh, matching the original's "no long-lived
// Arc<RwLock<DiskInode>>" design.
type Inode struct {
	mu sync.Mutex

	fs          *FileSystem
	blockID     int
	blockOffset int
}

func (ino *Inode) readDisk(fn func(d *DiskInode)) {
	h := ino.fs.Cache.Get(ino.blockID)
	h.Block().Read(ino.blockOffset, func(buf []byte) {
		d := DecodeDiskInode(buf[:DiskInodeSize])
		fn(&d)
	})
	h.Release()
}

func (ino *Inode) modifyDisk(fn func(d *DiskInode)) {
	h := ino.fs.Cache.Get(ino.blockID)
	h.Block().Modify(ino.blockOffset, func(buf []byte) {
		d := DecodeDiskInode(buf[:DiskInodeSize])
		fn(&d)
		d.Encode(buf[:DiskInodeSize])
	})
	h.Release()
}

// findInodeID scans this (directory) inode's entries for name, locking
// the filesystem only long enough to read the directory's bytes.
func (ino *Inode) findInodeID(name string, d *DiskInode) (uint32, bool) {
	count := int(d.Size) / dirEntrySize
	buf := make([]byte, dirEntrySize)
	for i := 0; i < count; i++ {
		n := d.ReadAt(i*dirEntrySize, buf, ino.fs.Cache)
		if n != dirEntrySize {
			corrupt("short directory entry read at index %d", i)
		}
		e := DecodeDirEntry(buf)
		if e.Name == name {
			return e.InodeNumber, true
		}
	}
	return 0, false
}

// Find looks up name in this directory and returns its VFS inode, or
// nil if absent.
func (ino *Inode) Find(name string) *Inode {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	var result *Inode
	ino.readDisk(func(d *DiskInode) {
		if !d.IsDirectory() {
			return
		}
		id, ok := ino.findInodeID(name, d)
		if !ok {
			return
		}
		block, offset := ino.fs.inodePos(id)
		result = &Inode{fs: ino.fs, blockID: block, blockOffset: offset}
	})
	return result
}

// Ls lists every entry name in this directory.
func (ino *Inode) Ls() []string {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	var names []string
	ino.readDisk(func(d *DiskInode) {
		if !d.IsDirectory() {
			return
		}
		count := int(d.Size) / dirEntrySize
		buf := make([]byte, dirEntrySize)
		for i := 0; i < count; i++ {
			d.ReadAt(i*dirEntrySize, buf, ino.fs.Cache)
			names = append(names, DecodeDirEntry(buf).Name)
		}
	})
	return names
}

func (ino *Inode) increaseSize(newSize uint32, d *DiskInode) {
	if newSize <= d.Size {
		return
	}
	needed := d.BlocksNeeded(newSize)
	blocks := make([]uint32, needed)
	for i := range blocks {
		blocks[i] = ino.fs.AllocData()
	}
	d.IncreaseSize(newSize, blocks, ino.fs.Cache)
}

// Create creates a new regular file named name in this directory and
// returns its VFS inode, or nil if name already exists or this inode
// isn't a directory.
func (ino *Inode) Create(name string) *Inode {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	var newBlock, newOffset int
	var ok bool
	ino.modifyDisk(func(d *DiskInode) {
		if !d.IsDirectory() {
			return
		}
		if _, exists := ino.findInodeID(name, d); exists {
			return
		}

		newInodeID := ino.fs.AllocInode()
		block, offset := ino.fs.inodePos(newInodeID)
		h := ino.fs.Cache.Get(block)
		h.Block().Modify(offset, func(buf []byte) {
			var nd DiskInode
			nd.InitFile()
			nd.Encode(buf[:DiskInodeSize])
		})
		h.Release()

		dirEntries := int(d.Size) / dirEntrySize
		newSize := d.Size + dirEntrySize
		ino.increaseSize(newSize, d)

		entryBuf := make([]byte, dirEntrySize)
		DirEntry{Name: name, InodeNumber: newInodeID}.Encode(entryBuf)
		d.WriteAt(dirEntries*dirEntrySize, entryBuf, ino.fs.Cache)

		newBlock, newOffset, ok = block, offset, true
	})
	if !ok {
		return nil
	}
	// writes the new inode's initial DiskInode again once modifyDisk
	// has returned
	h := ino.fs.Cache.Get(newBlock)
	h.Block().Modify(newOffset, func(buf []byte) {
		var nd DiskInode
		nd.InitFile()
		nd.Encode(buf[:DiskInodeSize])
	})
	h.Release()
	return &Inode{fs: ino.fs, blockID: newBlock, blockOffset: newOffset}
}

// Clear truncates this inode to zero length, freeing its data blocks.
func (ino *Inode) Clear() {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	ino.modifyDisk(func(d *DiskInode) {
		freed := d.Clear(ino.fs.Cache)
		for _, blk := range freed {
			ino.fs.DeallocData(blk)
		}
	})
}

// ReadAt reads into buf starting at offset, returning the byte count
// actually read (0 at or past EOF).
func (ino *Inode) ReadAt(offset int, buf []byte) int {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	n := 0
	ino.readDisk(func(d *DiskInode) {
		n = d.ReadAt(offset, buf, ino.fs.Cache)
	})
	return n
}

// WriteAt writes buf at offset, growing the inode (and allocating data
// blocks) as needed, and returns the byte count written.
func (ino *Inode) WriteAt(offset int, buf []byte) int {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	n := 0
	ino.modifyDisk(func(d *DiskInode) {
		end := uint32(offset + len(buf))
		ino.increaseSize(end, d)
		n = d.WriteAt(offset, buf, ino.fs.Cache)
	})
	return n
}
