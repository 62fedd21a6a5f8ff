package main

import (
	"encoding/binary"
	"testing"

	"rvos/blockdev"
	"rvos/easyfs"
	"rvos/errs"
	"rvos/mem"
	"rvos/memset"
	"rvos/pagetable"
	"rvos/sched"
	"rvos/syscall"
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

// buildELF assembles the smallest valid ELF64/RISC-V executable
// debug/elf.NewFile will parse: one PT_LOAD segment holding a single
// nop-shaped word, entry at vaddr.
func buildELF(vaddr uint64) []byte {
	const ehsize = 64
	const phsize = 56
	data := []byte{0x00, 0x00, 0x00, 0x13}
	offset := uint64(ehsize + phsize)

	buf := make([]byte, offset+uint64(len(data)))
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4], buf[5], buf[6] = 2, 1, 1

	le := binary.LittleEndian
	le.PutUint16(buf[16:18], 2)
	le.PutUint16(buf[18:20], 0xF3)
	le.PutUint32(buf[20:24], 1)
	le.PutUint64(buf[24:32], vaddr)
	le.PutUint64(buf[32:40], ehsize)
	le.PutUint16(buf[52:54], ehsize)
	le.PutUint16(buf[54:56], phsize)
	le.PutUint16(buf[56:58], 1)

	ph := buf[ehsize:]
	le.PutUint32(ph[0:4], 1)
	le.PutUint32(ph[4:8], 5)
	le.PutUint64(ph[8:16], offset)
	le.PutUint64(ph[16:24], vaddr)
	le.PutUint64(ph[24:32], vaddr)
	le.PutUint64(ph[32:40], uint64(len(data)))
	le.PutUint64(ph[40:48], uint64(len(data)))
	le.PutUint64(ph[48:56], mem.PageSize)

	copy(buf[offset:], data)
	return buf
}

// pokeUser writes data directly into an already-mapped user virtual
// address, standing in for what a real user-mode store instruction
// would do (there is no CPU interpreter driving these tests).
func pokeUser(t *testing.T, token uint64, va mem.VirtAddr, data []byte) {
	t.Helper()
	slices, errno := pagetable.TranslatedByteBuffer(token, va, len(data))
	if errno != errs.OK {
		t.Fatalf("pokeUser: %v unmapped at %#x", errno, va)
	}
	off := 0
	for _, s := range slices {
		off += copy(s, data[off:])
	}
}

func peekUser(t *testing.T, token uint64, va mem.VirtAddr, n int) []byte {
	t.Helper()
	slices, errno := pagetable.TranslatedByteBuffer(token, va, n)
	if errno != errs.OK {
		t.Fatalf("peekUser: %v unmapped at %#x", errno, va)
	}
	out := make([]byte, 0, n)
	for _, s := range slices {
		out = append(out, s...)
	}
	return out
}

// TestPipeSurvivesForkUntilAllWriteEndsClose drives S1 end to end
// through the real syscall dispatcher: pipe, fork (which clones the fd
// table), the child closing its own copy of the write end, and the
// parent's subsequent write still reaching the child's read — the
// write end must not report EOF until every live reference closes.
func TestPipeSurvivesForkUntilAllWriteEndsClose(t *testing.T) {
	mem.ResetAllocatorForTest()
	kernelSpace := testKernelSpace()
	device := blockdev.NewMemDevice()
	fs := easyfs.Format(device, 512, 1)
	root := fs.RootInode()
	loader := &fsLoader{root: root}

	parent, err := task.NewFromELF(buildELF(0x10000), kernelSpace)
	if err != nil {
		t.Fatalf("NewFromELF: %v", err)
	}
	scheduler := sched.New()
	scheduler.SetInitproc(parent)
	scheduler.AddReady(parent)
	kernel := syscall.NewKernel(scheduler, root, loader, kernelSpace, func() uint64 { return 0 })

	if scheduler.RunNext() != parent {
		t.Fatal("expected parent to run first")
	}

	parentToken := parent.UserToken()
	fdArrayVA := mem.VirtAddr(parent.BaseSize - 64)
	if ret := kernel.Dispatch(syscall.SysPipe, [3]uint64{uint64(fdArrayVA), 0, 0}); ret != 0 {
		t.Fatalf("sys_pipe returned %d, want 0", ret)
	}
	readFd := binary.LittleEndian.Uint32(peekUser(t, parentToken, fdArrayVA, 4))
	writeFd := binary.LittleEndian.Uint32(peekUser(t, parentToken, fdArrayVA+4, 4))

	if ret := kernel.Dispatch(syscall.SysFork, [3]uint64{0, 0, 0}); ret <= 0 {
		t.Fatalf("sys_fork returned %d, want a positive child pid", ret)
	}

	child := scheduler.SuspendCurrentAndRunNext()
	if child == parent {
		t.Fatal("expected the child to run after the parent suspends")
	}
	if ret := kernel.Dispatch(syscall.SysClose, [3]uint64{uint64(writeFd), 0, 0}); ret != 0 {
		t.Fatalf("child's sys_close(write end) returned %d, want 0", ret)
	}

	if back := scheduler.SuspendCurrentAndRunNext(); back != parent {
		t.Fatal("expected the parent to run again after the child suspends")
	}
	writeBufVA := mem.VirtAddr(parent.BaseSize - 128)
	pokeUser(t, parentToken, writeBufVA, []byte("HELLO"))
	if ret := kernel.Dispatch(syscall.SysWrite, [3]uint64{uint64(writeFd), uint64(writeBufVA), 5}); ret != 5 {
		t.Fatalf("parent's sys_write returned %d, want 5 (write end must still be live)", ret)
	}

	if scheduler.SuspendCurrentAndRunNext() != child {
		t.Fatal("expected the child to run again")
	}
	childToken := child.UserToken()
	dstVA := mem.VirtAddr(child.BaseSize - 192)
	ret := kernel.Dispatch(syscall.SysRead, [3]uint64{uint64(readFd), uint64(dstVA), 16})
	if ret != 5 {
		t.Fatalf("child's sys_read returned %d, want 5", ret)
	}
	if got := string(peekUser(t, childToken, dstVA, 5)); got != "HELLO" {
		t.Fatalf("child read back %q, want HELLO", got)
	}
}

// TestForkExec drives S4 end to end: fork, then the child execs a
// second program located through the filesystem loader, carrying no
// arguments. The child's trap context must land at the new program's
// entry point with argc == 0 returned as the syscall result.
func TestForkExec(t *testing.T) {
	mem.ResetAllocatorForTest()
	kernelSpace := testKernelSpace()
	device := blockdev.NewMemDevice()
	fs := easyfs.Format(device, 512, 1)
	root := fs.RootInode()
	registerELF(root, "child", buildELF(0x20000))
	loader := &fsLoader{root: root}

	parent, err := task.NewFromELF(buildELF(0x10000), kernelSpace)
	if err != nil {
		t.Fatalf("NewFromELF: %v", err)
	}
	scheduler := sched.New()
	scheduler.SetInitproc(parent)
	scheduler.AddReady(parent)
	kernel := syscall.NewKernel(scheduler, root, loader, kernelSpace, func() uint64 { return 0 })

	scheduler.RunNext()
	if ret := kernel.Dispatch(syscall.SysFork, [3]uint64{0, 0, 0}); ret <= 0 {
		t.Fatalf("sys_fork returned %d, want a positive child pid", ret)
	}
	child := scheduler.SuspendCurrentAndRunNext()

	childToken := child.UserToken()
	pathVA := mem.VirtAddr(child.BaseSize - 64)
	argvVA := mem.VirtAddr(child.BaseSize - 128)
	pokeUser(t, childToken, pathVA, append([]byte("child"), 0))
	pokeUser(t, childToken, argvVA, make([]byte, 8)) // a single null-pointer entry: argc == 0

	ret := kernel.Dispatch(syscall.SysExec, [3]uint64{uint64(pathVA), uint64(argvVA), 0})
	if ret != 0 {
		t.Fatalf("sys_exec returned argc=%d, want 0", ret)
	}
	if got := child.TrapContext().Sepc; got != 0x20000 {
		t.Fatalf("post-exec sepc = %#x, want 0x20000 (the execed program's entry)", got)
	}
	if got := child.TrapContext().KernelSatp; got != kernelSpace.Token() {
		t.Fatal("post-exec kernel satp changed, want the same kernel address space token")
	}
}

// TestFileImagePersistsAcrossReopen drives S2 at the cmd/rvos loader
// boundary: registerELF writes a program image into a fresh filesystem,
// and a second FileSystem opened over the same device (simulating a
// reboot) must read the identical bytes back through fsLoader.Load.
func TestFileImagePersistsAcrossReopen(t *testing.T) {
	device := blockdev.NewMemDevice()
	fs := easyfs.Format(device, 512, 1)
	data := buildELF(0x30000)
	registerELF(fs.RootInode(), "initproc", data)
	fs.Cache.SyncAll()

	reopened := easyfs.Open(device)
	loader := &fsLoader{root: reopened.RootInode()}
	got, ok := loader.Load("initproc")
	if !ok {
		t.Fatal("initproc not found after reopening the filesystem image")
	}
	if len(got) != len(data) {
		t.Fatalf("read back %d bytes, want %d", len(got), len(data))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d mismatch: got %#x, want %#x", i, got[i], data[i])
		}
	}
}
