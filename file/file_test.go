package file

import "testing"

func TestRingBufferPartialReadWrite(t *testing.T) {
	read, write := NewPipe()

	writeBuf := fakeUserBuffer([]byte("HELLO"))
	if n := write.Write(writeBuf); n != 5 {
		t.Fatalf("write returned %d, want 5", n)
	}

	dst := make([]byte, 16)
	readBuf := fakeUserBuffer(dst)
	n := read.Read(readBuf)
	if n != 5 {
		t.Fatalf("read returned %d, want 5", n)
	}
	if string(dst[:5]) != "HELLO" {
		t.Fatalf("read back %q, want HELLO", dst[:5])
	}
}

func TestPipeEOFAfterWriterCloses(t *testing.T) {
	read, write := NewPipe()
	write.Close()

	dst := make([]byte, 16)
	n := read.Read(fakeUserBuffer(dst))
	if n != 0 {
		t.Fatalf("expected EOF (0 bytes) from a closed writer, got %d", n)
	}
}

// TestPipeEOFOnlyAfterAllWriteEndsClose mirrors S1's fork shape: a
// second reference to the same write end (as task.Fork's fd-table copy
// produces) must Retain, and closing only one of the two references
// must not surface EOF to a reader until the last one closes too.
func TestPipeEOFOnlyAfterAllWriteEndsClose(t *testing.T) {
	read, write := NewPipe()
	write.Retain() // as if task.Fork had copied the fd table

	write.Close() // one of the two references closes
	if write.buf.writers != 1 {
		t.Fatalf("writers = %d after one of two closes, want 1", write.buf.writers)
	}

	writeBuf := fakeUserBuffer([]byte("HELLO"))
	if n := write.Write(writeBuf); n != 5 {
		t.Fatalf("write after partial close returned %d, want 5 (writer is still live)", n)
	}
	dst := make([]byte, 16)
	if n := read.Read(fakeUserBuffer(dst)); n != 5 || string(dst[:5]) != "HELLO" {
		t.Fatalf("read got (%d, %q), want (5, HELLO): partial close must not report EOF early", n, dst[:5])
	}

	write.Close() // the last live write end closes
	if n := read.Read(fakeUserBuffer(dst)); n != 0 {
		t.Fatalf("read returned %d after all write ends closed, want 0 (EOF)", n)
	}
}

// fakeUserBuffer builds a UserBuffer directly over a host-owned slice,
// bypassing page-table translation — sufficient for exercising Pipe's
// and Stdout's byte-shuffling logic in isolation.
func fakeUserBuffer(b []byte) UserBuffer {
	return UserBuffer{Slices: [][]byte{b}}
}
