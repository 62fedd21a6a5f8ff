// Package syscall implements the table-driven dispatcher spec.md §4.11
// names: one function per syscall id, operating on the scheduler's
// current task. Grounded on original_source/os/src/syscall/{mod.rs,
// fs.rs,process.rs}; the table-driven dispatch style (switch on id,
// delegate to a sys_* function) is the idiom the original itself uses,
// carried over unchanged since it's already how Go standard libraries
// like syscall/exec structure an ABI dispatcher.
package syscall

import (
	"fmt"

	"rvos/easyfs"
	"rvos/errs"
	"rvos/file"
	"rvos/mem"
	"rvos/memset"
	"rvos/pagetable"
	"rvos/sched"
	"rvos/task"
)

// Syscall ids, per spec.md §4.11's table.
const (
	SysDup     = 24
	SysOpen    = 56
	SysClose   = 57
	SysPipe    = 59
	SysRead    = 63
	SysWrite   = 64
	SysExit    = 93
	SysYield   = 124
	SysGetTime = 169
	SysGetPid  = 172
	SysFork    = 220
	SysExec    = 221
	SysWaitpid = 260
)

// Open flags (bit layout from original_source/os/src/fs/inode.rs's OpenFlags).
const (
	ORdOnly = 0
	OWrOnly = 1 << 0
	ORdWr   = 1 << 1
	OCreate = 1 << 9
	OTrunc  = 1 << 10
)

// Loader resolves a path (this filesystem has no subdirectories, so a
// path is just a file name) to ELF bytes, for fork+exec and for loading
// the initial set of user programs. Backed by easyfs in production,
// by a map in tests.
type Loader interface {
	Load(name string) ([]byte, bool)
}

// Kernel bundles everything the syscall layer needs to reach: the
// scheduler (for the current task and yield/exit), the root directory
// inode (for open/create), and an ELF loader (for exec).
type Kernel struct {
	Sched       *sched.Scheduler
	Root        *easyfs.Inode
	Loader      Loader
	KernelSpace *memset.MemorySet

	nowMs func() uint64
}

// NewKernel wires a Kernel to its scheduler, root directory, loader, and
// the kernel address space (needed to reclaim a reaped child's kernel
// stack). nowMs supplies milliseconds-since-boot for sys_get_time
// (sbi.Firmware.Ticks divided down by cmd/rvos, or a test clock).
func NewKernel(s *sched.Scheduler, root *easyfs.Inode, loader Loader, kernelSpace *memset.MemorySet, nowMs func() uint64) *Kernel {
	return &Kernel{Sched: s, Root: root, Loader: loader, KernelSpace: kernelSpace, nowMs: nowMs}
}

// Dispatch implements trap.Syscall: routes by id to the matching sys_*
// handler, operating on the scheduler's current task.
func (k *Kernel) Dispatch(id uint64, args [3]uint64) int64 {
	switch id {
	case SysDup:
		return k.sysDup(int(args[0]))
	case SysOpen:
		return k.sysOpen(mem.VirtAddr(args[0]), uint32(args[1]))
	case SysClose:
		return k.sysClose(int(args[0]))
	case SysPipe:
		return k.sysPipe(mem.VirtAddr(args[0]))
	case SysRead:
		return k.sysRead(int(args[0]), mem.VirtAddr(args[1]), int(args[2]))
	case SysWrite:
		return k.sysWrite(int(args[0]), mem.VirtAddr(args[1]), int(args[2]))
	case SysExit:
		return k.sysExit(int32(args[0]))
	case SysYield:
		return k.sysYield()
	case SysGetTime:
		return k.sysGetTime()
	case SysGetPid:
		return k.sysGetPid()
	case SysFork:
		return k.sysFork()
	case SysExec:
		return k.sysExec(mem.VirtAddr(args[0]), mem.VirtAddr(args[1]))
	case SysWaitpid:
		return k.sysWaitpid(int(args[0]), mem.VirtAddr(args[1]))
	default:
		panic(fmt.Sprintf("syscall: unsupported syscall id %d", id))
	}
}

func (k *Kernel) current() *task.TCB {
	t := k.Sched.Current()
	if t == nil {
		panic("syscall: dispatch with no current task")
	}
	return t
}

func (k *Kernel) sysDup(fd int) int64 {
	t := k.current()
	t.Lock()
	defer t.Unlock()
	if fd < 0 || fd >= len(t.FdTable) || t.FdTable[fd] == nil {
		return -1
	}
	f := t.FdTable[fd]
	if r, ok := f.(file.Retainer); ok {
		r.Retain()
	}
	newFd := -1
	for i, slot := range t.FdTable {
		if slot == nil {
			newFd = i
			break
		}
	}
	if newFd < 0 {
		t.FdTable = append(t.FdTable, f)
		newFd = len(t.FdTable) - 1
	} else {
		t.FdTable[newFd] = f
	}
	return int64(newFd)
}

func (k *Kernel) sysOpen(pathPtr mem.VirtAddr, flags uint32) int64 {
	t := k.current()
	path, errno := pagetable.TranslatedStr(t.UserToken(), pathPtr)
	if errno != errs.OK {
		return -1
	}

	readable := flags&OWrOnly == 0
	writable := flags&(OWrOnly|ORdWr) != 0

	var ino *easyfs.Inode
	if existing := k.Root.Find(path); existing != nil {
		ino = existing
		if flags&OTrunc != 0 {
			ino.Clear()
		}
	} else if flags&OCreate != 0 {
		ino = k.Root.Create(path)
		if ino == nil {
			return -1
		}
	} else {
		return -1
	}

	f := file.NewOSInode(readable, writable, ino)
	fd := t.AllocFd(f)
	return int64(fd)
}

func (k *Kernel) sysClose(fd int) int64 {
	t := k.current()
	t.Lock()
	defer t.Unlock()
	if fd < 0 || fd >= len(t.FdTable) || t.FdTable[fd] == nil {
		return -1
	}
	if w, ok := t.FdTable[fd].(file.PipeWriteEnd); ok {
		w.Close()
	}
	t.FdTable[fd] = nil
	return 0
}

func (k *Kernel) sysPipe(fdArrayPtr mem.VirtAddr) int64 {
	t := k.current()
	read, write := file.NewPipe()
	readFd := t.AllocFd(read)
	writeFd := t.AllocFd(write)

	buf, errno := pagetable.TranslatedRefMut(t.UserToken(), fdArrayPtr)
	if errno != errs.OK {
		return -1
	}
	// two consecutive u32 slots: read-end first, per spec.md §4.11
	putLE32(buf, uint32(readFd))
	buf2, errno2 := pagetable.TranslatedRefMut(t.UserToken(), fdArrayPtr+4)
	if errno2 != errs.OK {
		return -1
	}
	putLE32(buf2, uint32(writeFd))
	return 0
}

func putLE32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func (k *Kernel) sysRead(fd int, bufPtr mem.VirtAddr, length int) int64 {
	t := k.current()
	t.Lock()
	if fd < 0 || fd >= len(t.FdTable) || t.FdTable[fd] == nil {
		t.Unlock()
		return -1
	}
	f := t.FdTable[fd]
	token := t.UserToken()
	t.Unlock()

	ub, errno := file.NewUserBuffer(token, bufPtr, length)
	if errno != errs.OK {
		return -1
	}
	return int64(f.Read(ub))
}

func (k *Kernel) sysWrite(fd int, bufPtr mem.VirtAddr, length int) int64 {
	t := k.current()
	t.Lock()
	if fd < 0 || fd >= len(t.FdTable) || t.FdTable[fd] == nil {
		t.Unlock()
		return -1
	}
	f := t.FdTable[fd]
	token := t.UserToken()
	t.Unlock()

	ub, errno := file.NewUserBuffer(token, bufPtr, length)
	if errno != errs.OK {
		return -1
	}
	return int64(f.Write(ub))
}

func (k *Kernel) sysExit(code int32) int64 {
	k.Sched.ExitCurrentAndRunNext(code)
	return 0
}

func (k *Kernel) sysYield() int64 {
	k.Sched.SuspendCurrentAndRunNext()
	return 0
}

func (k *Kernel) sysGetTime() int64 {
	return int64(k.nowMs())
}

func (k *Kernel) sysGetPid() int64 {
	return int64(k.current().Pid.Pid)
}

func (k *Kernel) sysFork() int64 {
	parent := k.current()
	child := parent.Fork(k.KernelSpace)
	childCx := child.TrapContext()
	childCx.X[10] = 0 // a0 = 0 in the child
	k.Sched.AddReady(child)
	return int64(child.Pid.Pid) // a0 = child pid in the parent
}

// sysExec reads the path and, from argvPtr, a NUL-pointer-terminated
// array of user string pointers (spec.md §4.11's argv), translating
// each into a kernel string before handing the whole argv slice to
// task.Exec. Returns argc on success.
func (k *Kernel) sysExec(pathPtr, argvPtr mem.VirtAddr) int64 {
	t := k.current()
	token := t.UserToken()
	path, errno := pagetable.TranslatedStr(token, pathPtr)
	if errno != errs.OK {
		return -1
	}

	var args []string
	for p := argvPtr; ; p += 8 {
		word, errno := pagetable.TranslatedU64(token, p)
		if errno != errs.OK {
			return -1
		}
		if word == 0 {
			break
		}
		arg, errno := pagetable.TranslatedStr(token, mem.VirtAddr(word))
		if errno != errs.OK {
			return -1
		}
		args = append(args, arg)
	}

	data, ok := k.Loader.Load(path)
	if !ok {
		return -1
	}
	argc, err := t.Exec(data, t.TrapContext().KernelSatp, args)
	if err != nil {
		return -1
	}
	return int64(argc)
}

func (k *Kernel) sysWaitpid(pid int, exitCodePtr mem.VirtAddr) int64 {
	t := k.current()
	t.Lock()
	var target *task.TCB
	idx := -1
	for i, c := range t.Children {
		if pid == -1 || c.Pid.Pid == pid {
			c.Lock()
			isZombie := c.Status == task.Zombie
			c.Unlock()
			if isZombie {
				target = c
				idx = i
				break
			}
		}
	}
	if target == nil {
		hasMatch := false
		for _, c := range t.Children {
			if pid == -1 || c.Pid.Pid == pid {
				hasMatch = true
				break
			}
		}
		t.Unlock()
		if !hasMatch {
			return -1
		}
		return -2
	}
	t.Children = append(t.Children[:idx], t.Children[idx+1:]...)
	token := t.UserToken()
	childPid := target.Pid.Pid
	exitCode := target.ExitCode
	t.Unlock()

	target.Pid.Release()
	target.KernelStack.Dealloc(k.KernelSpace)

	buf, errno := pagetable.TranslatedRefMut(token, exitCodePtr)
	if errno == errs.OK && len(buf) >= 4 {
		putLE32(buf, uint32(exitCode))
	}
	return int64(childPid)
}
