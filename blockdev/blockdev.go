// Package blockdev is the two-operation block device contract spec.md
// §6 names (read_block/write_block, 512-byte blocks, thread-safe), with
// two reference adapters: FileDevice (a real on-disk image, grounded on
// go-ublk's pread/pwrite backend) and MemDevice (in-memory, for fast
// filesystem tests). The real VirtIO bus is out of scope; this package
// is the boundary a VirtIO driver would sit behind.
package blockdev

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// BlockSize is the fixed block size the whole stack assumes.
const BlockSize = 512

// Device is the block device interface every filesystem component
// consumes. Implementations must be safe for concurrent use.
type Device interface {
	ReadBlock(blockID int, buf []byte)
	WriteBlock(blockID int, buf []byte)
}

// FileDevice backs a Device with a real file, accessed with
// golang.org/x/sys/unix.Pread/Pwrite at 512-byte granularity so
// concurrent readers/writers never need to share a seek cursor —
// grounded on the go-ublk queue runner's backend pattern.
type FileDevice struct {
	fd int
}

// OpenFileDevice opens (creating if necessary) path as a block device
// image of at least blocks*BlockSize bytes.
func OpenFileDevice(path string, blocks int) (*FileDevice, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}
	size := int64(blocks) * BlockSize
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("blockdev: truncate %s: %w", path, err)
	}
	return &FileDevice{fd: fd}, nil
}

// ReadBlock reads one full block into buf, which must be BlockSize bytes.
func (d *FileDevice) ReadBlock(blockID int, buf []byte) {
	if len(buf) != BlockSize {
		panic("blockdev: short buffer")
	}
	n, err := unix.Pread(d.fd, buf, int64(blockID)*BlockSize)
	if err != nil {
		panic(fmt.Sprintf("blockdev: pread block %d: %v", blockID, err))
	}
	for n < BlockSize {
		buf[n] = 0
		n++
	}
}

// WriteBlock writes one full block from buf, which must be BlockSize bytes.
func (d *FileDevice) WriteBlock(blockID int, buf []byte) {
	if len(buf) != BlockSize {
		panic("blockdev: short buffer")
	}
	if _, err := unix.Pwrite(d.fd, buf, int64(blockID)*BlockSize); err != nil {
		panic(fmt.Sprintf("blockdev: pwrite block %d: %v", blockID, err))
	}
}

// Close releases the underlying file descriptor.
func (d *FileDevice) Close() error { return unix.Close(d.fd) }

// MemDevice is an in-memory Device for unit tests that don't want real
// file I/O. It also counts writes, useful for asserting eviction
// write-back behavior.
type MemDevice struct {
	mu     sync.Mutex
	blocks map[int][BlockSize]byte
	Writes int
}

// NewMemDevice returns an empty in-memory block device.
func NewMemDevice() *MemDevice {
	return &MemDevice{blocks: make(map[int][BlockSize]byte)}
}

func (d *MemDevice) ReadBlock(blockID int, buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(buf) != BlockSize {
		panic("blockdev: short buffer")
	}
	b := d.blocks[blockID]
	copy(buf, b[:])
}

func (d *MemDevice) WriteBlock(blockID int, buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(buf) != BlockSize {
		panic("blockdev: short buffer")
	}
	var b [BlockSize]byte
	copy(b[:], buf)
	d.blocks[blockID] = b
	d.Writes++
}
