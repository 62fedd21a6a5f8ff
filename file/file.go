// Package file implements the File trait's Go counterpart (spec.md
// §4.12-4.13): Stdin/Stdout over the sbi firmware boundary, a Pipe ring
// buffer, and OSInode, a buffered offset-tracking wrapper over a VFS
// inode. Grounded on original_source/os/src/fs/{stdio.rs,pipe.rs,inode.rs}
// for semantics; the fd-table "polymorphic over an interface" shape
// follows biscuit's fd.Fd_t / Fdops_i split.
package file

import (
	"sync"

	"rvos/errs"
	"rvos/mem"
	"rvos/pagetable"
	"rvos/sbi"
)

// UserBuffer is a sequence of kernel-addressable slices covering a
// contiguous user-space byte range, produced by
// pagetable.TranslatedByteBuffer. Iterating yields bytes in address
// order even though the underlying physical pages are not contiguous.
type UserBuffer struct {
	Slices [][]byte
}

// NewUserBuffer translates a user (ptr, length) pair in the address
// space named by token into a UserBuffer.
func NewUserBuffer(token uint64, ptr mem.VirtAddr, length int) (UserBuffer, errs.Errno) {
	slices, errno := pagetable.TranslatedByteBuffer(token, ptr, length)
	if errno != errs.OK {
		return UserBuffer{}, errno
	}
	return UserBuffer{Slices: slices}, errs.OK
}

// Len returns the buffer's total byte length.
func (b UserBuffer) Len() int {
	n := 0
	for _, s := range b.Slices {
		n += len(s)
	}
	return n
}

// CopyFrom copies from src into the buffer, returning the number of
// bytes copied (min(len(src), b.Len())).
func (b UserBuffer) CopyFrom(src []byte) int {
	n := 0
	for _, s := range b.Slices {
		if n >= len(src) {
			break
		}
		c := copy(s, src[n:])
		n += c
	}
	return n
}

// CopyTo copies the buffer's contents into dst, returning the number of
// bytes copied (min(b.Len(), len(dst))).
func (b UserBuffer) CopyTo(dst []byte) int {
	n := 0
	for _, s := range b.Slices {
		if n >= len(dst) {
			break
		}
		c := copy(dst[n:], s)
		n += c
	}
	return n
}

// File is the common interface every fd-table slot satisfies.
type File interface {
	Read(buf UserBuffer) int
	Write(buf UserBuffer) int
}

// Retainer is implemented by File values whose close semantics depend
// on the number of live references to them — so far, only a pipe's
// write end. Fork (cloning the fd table) and dup (duplicating a single
// fd) must call Retain on every File they duplicate that implements
// this, so the original's "all write ends closed" EOF rule holds.
type Retainer interface {
	Retain()
}

// Yield lets Stdin/Pipe cooperate with the scheduler without file
// importing sched (which would cycle back through task). cmd/rvos sets
// it at boot; it defaults to a no-op, so a Stdin or Pipe wait with no
// Yield set busy-spins until input or a pipe state change arrives.
var Yield func() = func() {}

// DefaultFirmware is the console Stdin/Stdout fall back to when
// constructed with their zero value; cmd/rvos sets this once at boot,
// and tests may override it per-case.
var DefaultFirmware sbi.Firmware

// Stdin reads single characters from the firmware console, spinning via
// Yield while none is available — never "blocks" a goroutine on I/O,
// matching the original's busy-loop-with-yield design.
type Stdin struct {
	Firmware sbi.Firmware
}

func (s Stdin) firmware() sbi.Firmware {
	if s.Firmware != nil {
		return s.Firmware
	}
	return DefaultFirmware
}

func (s Stdin) Read(buf UserBuffer) int {
	if buf.Len() == 0 {
		return 0
	}
	for {
		if ch, ok := s.firmware().ConsoleGetChar(); ok {
			b := []byte{ch}
			buf.CopyFrom(b)
			return 1
		}
		Yield()
	}
}

func (s Stdin) Write(buf UserBuffer) int { panic("cannot write to stdin") }

// Stdout writes byte-wise to the firmware console.
type Stdout struct {
	Firmware sbi.Firmware
}

func (s Stdout) firmware() sbi.Firmware {
	if s.Firmware != nil {
		return s.Firmware
	}
	return DefaultFirmware
}

func (s Stdout) Read(buf UserBuffer) int { panic("cannot read from stdout") }

func (s Stdout) Write(buf UserBuffer) int {
	n := 0
	fw := s.firmware()
	for _, slice := range buf.Slices {
		for _, b := range slice {
			fw.ConsolePutChar(b)
			n++
		}
	}
	return n
}

// ringSize is the pipe's fixed ring-buffer capacity (spec.md §4.13).
const ringSize = 32

type ringBuffer struct {
	mu        sync.Mutex
	data      [ringSize]byte
	head, len int
	writers   int // live write-end count; EOF only once this hits 0
}

func newRingBuffer() *ringBuffer {
	return &ringBuffer{writers: 1}
}

func (r *ringBuffer) availableRead() int  { return r.len }
func (r *ringBuffer) availableWrite() int { return ringSize - r.len }

func (r *ringBuffer) readByte() byte {
	b := r.data[r.head]
	r.head = (r.head + 1) % ringSize
	r.len--
	return b
}

func (r *ringBuffer) writeByte(b byte) {
	tail := (r.head + r.len) % ringSize
	r.data[tail] = b
	r.len++
}

// PipeReadEnd and PipeWriteEnd are the two File-implementing endpoints
// of a pipe, sharing one ringBuffer.
type PipeReadEnd struct{ buf *ringBuffer }
type PipeWriteEnd struct{ buf *ringBuffer }

// NewPipe builds a connected read/write endpoint pair.
func NewPipe() (PipeReadEnd, PipeWriteEnd) {
	buf := newRingBuffer()
	return PipeReadEnd{buf: buf}, PipeWriteEnd{buf: buf}
}

// Retain records that another reference to this write end now exists
// (fork copying the fd table, dup duplicating an fd): readers must not
// see EOF until every live write end has closed, not just the first.
func (w PipeWriteEnd) Retain() {
	w.buf.mu.Lock()
	w.buf.writers++
	w.buf.mu.Unlock()
}

// Close drops this reference to the write end; readers observe EOF
// once drained only after the last live write end has closed.
func (w PipeWriteEnd) Close() {
	w.buf.mu.Lock()
	w.buf.writers--
	w.buf.mu.Unlock()
}

func (w PipeWriteEnd) Read(buf UserBuffer) int { panic("cannot read from pipe write end") }

func (w PipeWriteEnd) Write(buf UserBuffer) int {
	written := 0
	total := buf.Len()
	tmp := make([]byte, total)
	buf.CopyTo(tmp)
	for written < total {
		w.buf.mu.Lock()
		avail := w.buf.availableWrite()
		if avail == 0 {
			w.buf.mu.Unlock()
			Yield()
			continue
		}
		n := avail
		if remaining := total - written; n > remaining {
			n = remaining
		}
		for i := 0; i < n; i++ {
			w.buf.writeByte(tmp[written+i])
		}
		written += n
		w.buf.mu.Unlock()
	}
	return written
}

func (r PipeReadEnd) Write(buf UserBuffer) int { panic("cannot write to pipe read end") }

func (r PipeReadEnd) Read(buf UserBuffer) int {
	total := buf.Len()
	out := make([]byte, 0, total)
	for len(out) < total {
		r.buf.mu.Lock()
		avail := r.buf.availableRead()
		if avail == 0 {
			writers := r.buf.writers
			r.buf.mu.Unlock()
			if writers == 0 || len(out) > 0 {
				break
			}
			Yield()
			continue
		}
		n := avail
		if remaining := total - len(out); n > remaining {
			n = remaining
		}
		for i := 0; i < n; i++ {
			out = append(out, r.buf.readByte())
		}
		r.buf.mu.Unlock()
	}
	buf.CopyFrom(out)
	return len(out)
}

// Inode is the subset of an easyfs VFS inode that OSInode needs.
// Defined here (rather than imported from easyfs) so file does not
// depend on the filesystem package; easyfs.Inode satisfies this
// structurally.
type Inode interface {
	ReadAt(offset int, buf []byte) int
	WriteAt(offset int, buf []byte) int
	Clear()
}

// OSInode is a buffered, offset-tracking wrapper over a VFS inode: the
// File the syscall layer hands back from sys_open.
type OSInode struct {
	mu       sync.Mutex
	readable bool
	writable bool
	offset   int
	inode    Inode
}

// NewOSInode wraps inode for the given access mode.
func NewOSInode(readable, writable bool, inode Inode) *OSInode {
	return &OSInode{readable: readable, writable: writable, inode: inode}
}

func (f *OSInode) Read(buf UserBuffer) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, slice := range buf.Slices {
		n := f.inode.ReadAt(f.offset, slice)
		if n == 0 {
			break
		}
		f.offset += n
		total += n
		if n < len(slice) {
			break
		}
	}
	return total
}

func (f *OSInode) Write(buf UserBuffer) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, slice := range buf.Slices {
		n := f.inode.WriteAt(f.offset, slice)
		f.offset += n
		total += n
		if n < len(slice) {
			break
		}
	}
	return total
}

// ReadAll drains the inode from the current offset to EOF in 512-byte
// chunks, used by exec to load a program image off the filesystem.
func (f *OSInode) ReadAll() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	chunk := make([]byte, 512)
	for {
		n := f.inode.ReadAt(f.offset, chunk)
		if n == 0 {
			break
		}
		out = append(out, chunk[:n]...)
		f.offset += n
	}
	return out
}
