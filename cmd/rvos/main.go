// Command rvos boots the kernel simulator: it brings up the frame
// allocator, the kernel address space, a block device image, the
// filesystem root, INITPROC, and the scheduler, in the order spec.md
// §9 names (heap -> frames -> kernel space activate -> device ->
// filesystem root inode -> initproc -> scheduler).
//
// There is no RISC-V CPU interpreter here (out of scope per spec.md §1,
// same as the trampoline assembly): this entry point exercises the
// boot sequence and the scheduler's bookkeeping, not literal user-mode
// execution of an ELF binary.
package main

import (
	"flag"
	"log"
	"os"

	"rvos/blockdev"
	"rvos/config"
	"rvos/easyfs"
	"rvos/file"
	"rvos/memset"
	"rvos/sbi"
	"rvos/sched"
	"rvos/syscall"
	"rvos/task"
	"rvos/trap"
)

func main() {
	imagePath := flag.String("image", "rvos.img", "path to the block device image file")
	totalBlocks := flag.Int("blocks", 8192, "total blocks in a freshly formatted image")
	inodeBitmapBlocks := flag.Int("inode-bitmap-blocks", 1, "inode bitmap blocks in a freshly formatted image")
	format := flag.Bool("format", false, "format a fresh filesystem image before booting")
	initPath := flag.String("init", "", "host path to the initproc ELF binary, registered as \"initproc\" in the image")
	flag.Parse()

	logger := log.New(os.Stderr, "rvos: ", log.LstdFlags|log.Lmicroseconds)

	// heap: Go's GC stands in for the original's buddy/bump heap used by
	// kernel bookkeeping structures; nothing to initialize explicitly.

	// frames: the global frame allocator is set up at package
	// initialization (mem.defaultAllocator's package-level var); each
	// simulated physical page is allocated on first touch.

	logger.Printf("boot: bringing up kernel address space")
	kernelSpace := memset.NewKernelSpace(memset.KernelImageLayout{
		TextStart:   0x80200000,
		TextEnd:     0x80210000,
		RodataStart: 0x80210000,
		RodataEnd:   0x80220000,
		DataStart:   0x80220000,
		DataEnd:     0x80230000,
		BssStart:    0x80230000,
		BssEnd:      0x80240000,
		KernelEnd:   0x80240000,
	})
	kernelSpace.Activate()

	logger.Printf("boot: opening block device image %s", *imagePath)
	device, err := blockdev.OpenFileDevice(*imagePath, *totalBlocks)
	if err != nil {
		logger.Fatalf("boot: %v", err)
	}
	defer device.Close()

	var fs *easyfs.FileSystem
	if *format {
		logger.Printf("boot: formatting filesystem (%d blocks)", *totalBlocks)
		fs = easyfs.Format(device, *totalBlocks, *inodeBitmapBlocks)
	} else {
		logger.Printf("boot: opening existing filesystem")
		fs = easyfs.Open(device)
	}
	root := fs.RootInode()

	console, err := sbi.NewConsole()
	if err != nil {
		logger.Fatalf("boot: console: %v", err)
	}
	defer console.Close()
	file.DefaultFirmware = console

	loader := &fsLoader{root: root}
	if *initPath != "" {
		data, err := os.ReadFile(*initPath)
		if err != nil {
			logger.Fatalf("boot: reading initproc: %v", err)
		}
		registerELF(root, "initproc", data)
	}

	initprocData, ok := loader.Load("initproc")
	if !ok {
		logger.Fatalf("boot: no \"initproc\" binary found in filesystem image (pass -init)")
	}

	logger.Printf("boot: constructing INITPROC")
	initproc, err := task.NewFromELF(initprocData, kernelSpace)
	if err != nil {
		logger.Fatalf("boot: initproc: %v", err)
	}

	scheduler := sched.New()
	scheduler.SetInitproc(initproc)
	scheduler.AddReady(initproc)

	file.Yield = func() { scheduler.SuspendCurrentAndRunNext() }

	kernel := syscall.NewKernel(scheduler, root, loader, kernelSpace, func() uint64 {
		return console.Ticks() / (config.ClockFreq / 1000)
	})

	// With no RISC-V CPU interpreter wired in, a task never actually
	// issues an ecall; the boot loop stands in for "the task ran to
	// completion" by synthesizing a UserEnvCall trap carrying sys_exit
	// and handing it to trap.Handle — the same single entry point a
	// real ecall would land at, driving the real Kernel.Dispatch path.
	logger.Printf("boot: entering scheduler loop")
	for {
		t := scheduler.RunNext()
		if t == nil {
			logger.Printf("scheduler: ready queue empty, halting")
			break
		}
		logger.Printf("scheduler: running pid %d (no CPU interpreter wired; exiting with code 0)", t.Pid.Pid)
		pid := t.Pid.Pid
		cx := t.TrapContext()
		cx.X[17] = syscall.SysExit
		cx.X[10], cx.X[11], cx.X[12] = 0, 0, 0
		trap.Handle(trap.UserEnvCall, cx, 0, kernel.Dispatch, func() *trap.Context { return t.TrapContext() })
		if pid == initproc.Pid.Pid {
			break
		}
	}

	fs.Cache.SyncAll()
	logger.Printf("boot: shutdown")
}

// fsLoader resolves a flat filename to the ELF bytes stored under it in
// the root directory, implementing syscall.Loader for exec/fork-exec.
type fsLoader struct {
	root *easyfs.Inode
}

func (l *fsLoader) Load(name string) ([]byte, bool) {
	ino := l.root.Find(name)
	if ino == nil {
		return nil, false
	}
	f := file.NewOSInode(true, false, ino)
	return f.ReadAll(), true
}

// registerELF writes data into a freshly created file named name in
// root, used at boot to seed the filesystem image with initproc (and,
// in a test harness, other user programs referenced by exec).
func registerELF(root *easyfs.Inode, name string, data []byte) {
	ino := root.Find(name)
	if ino == nil {
		ino = root.Create(name)
	} else {
		ino.Clear()
	}
	ino.WriteAt(0, data)
}
