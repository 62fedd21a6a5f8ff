// Package task implements the task control block: pid allocation,
// kernel-stack placement, the per-task address space and trap context,
// and the fork/exec/waitpid family's bookkeeping over the process tree.
//
// Pid/kernel-stack allocation follows original_source/os/src/task/pid.rs
// exactly (recycled-stack allocator, kernel_stack_position formula); the
// fuller TCB (parent/children/exit_code/fd table) follows spec.md §4.11
// since the retrieved original_source snapshot predates fork. The fd
// table's ownership idiom (a slice of optional slots, nil = free) is
// grounded on biscuit's fd.Fd_t table in proc.go.
package task

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"rvos/config"
	"rvos/file"
	"rvos/mem"
	"rvos/memset"
	"rvos/trap"
)

// pidAllocator recycles freed pids behind a bump counter, exactly like
// mem.frameAllocator but for the pid namespace.
type pidAllocator struct {
	mu       sync.Mutex
	current  int
	recycled []int
}

var pids = &pidAllocator{current: 0}

func (a *pidAllocator) alloc() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.recycled); n > 0 {
		pid := a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
		return pid
	}
	pid := a.current
	a.current++
	return pid
}

func (a *pidAllocator) dealloc(pid int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recycled = append(a.recycled, pid)
}

// PidHandle is an owned pid; there is no RAII in Go so callers must call
// Release explicitly (task teardown does this), mirroring pid.rs's
// PidHandle Drop impl.
type PidHandle struct {
	Pid int
}

// AllocPid reserves a new pid.
func AllocPid() PidHandle { return PidHandle{Pid: pids.alloc()} }

// Release returns the pid to the allocator. Must be called exactly once.
func (h PidHandle) Release() { pids.dealloc(h.Pid) }

// KernelStack is a task's kernel-mode stack, mapped into the kernel
// address space at the slot pid.rs's kernel_stack_position formula picks.
type KernelStack struct {
	Pid int
}

// NewKernelStack maps a fresh kernel stack for pid into the kernel space.
func NewKernelStack(kernelSpace *memset.MemorySet, pid int) KernelStack {
	bottom, top := config.KernelStackPosition(pid)
	kernelSpace.InsertFramedArea(mem.VirtAddr(bottom), mem.VirtAddr(top), memset.PermR|memset.PermW)
	return KernelStack{Pid: pid}
}

// Top returns the kernel stack's top address (its initial sp).
func (k KernelStack) Top() uint64 {
	_, top := config.KernelStackPosition(k.Pid)
	return top
}

// Dealloc unmaps the kernel stack's framed area.
func (k KernelStack) Dealloc(kernelSpace *memset.MemorySet) {
	bottom, _ := config.KernelStackPosition(k.Pid)
	kernelSpace.RemoveAreaWithStartVPN(mem.VirtAddr(bottom).PageNum())
}

// Status is a task's scheduling state.
type Status int

const (
	Ready Status = iota
	Running
	Zombie
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Zombie:
		return "Zombie"
	default:
		return "Unknown"
	}
}

// initialFdCapacity is the initial capacity of a task's fd table, not a
// ceiling: spec.md §10 supplements the original's fixed small table with
// unbounded growth instead.
const initialFdCapacity = 16

// TCB is the task control block: everything the scheduler and syscall
// layer need to run, suspend, fork, and reap a task.
type TCB struct {
	mu sync.Mutex

	Pid         PidHandle
	KernelStack KernelStack
	Status      Status

	MemorySet   *memset.MemorySet
	TrapCxPPN   mem.PhysPageNum
	BaseSize    uint64

	Parent   *TCB
	Children []*TCB
	ExitCode int32

	FdTable []file.File
}

// TrapContext returns a live pointer into the task's trap-context page,
// satisfying trap.Handle's "reload" contract after an address-space swap.
func (t *TCB) TrapContext() *trap.Context {
	bytes := mem.PageBytes(t.TrapCxPPN)
	return (*trap.Context)(unsafe.Pointer(&bytes[0]))
}

func (t *TCB) UserToken() uint64 { return t.MemorySet.Token() }

// Lock/Unlock expose the TCB's inner mutex the way Arc<Mutex<TaskControlBlockInner>>
// does in the original: callers must hold it across any read-modify-write
// of scheduling state (status, children, exit code).
func (t *TCB) Lock()   { t.mu.Lock() }
func (t *TCB) Unlock() { t.mu.Unlock() }

// NewFromELF constructs the very first task (initproc) or any task
// loaded directly from an ELF image, with no parent.
func NewFromELF(elfData []byte, kernelSpace *memset.MemorySet) (*TCB, error) {
	ms, userSP, entry, err := memset.FromELF(elfData)
	if err != nil {
		return nil, fmt.Errorf("task: %w", err)
	}
	trapCxPPN := trapContextPPN(ms)

	pid := AllocPid()
	kstack := NewKernelStack(kernelSpace, pid.Pid)
	kstackTop := kstack.Top()

	t := &TCB{
		Pid:         pid,
		KernelStack: kstack,
		Status:      Ready,
		MemorySet:   ms,
		TrapCxPPN:   trapCxPPN,
		BaseSize:    uint64(userSP),
		FdTable:     make([]file.File, 0, initialFdCapacity),
	}
	t.FdTable = append(t.FdTable, file.Stdin{}, file.Stdout{}, file.Stdout{})

	*t.TrapContext() = trap.AppInitContext(uint64(entry), uint64(userSP), kernelSpace.Token(), kstackTop, trapHandlerVA)
	return t, nil
}

// Fork implements sys_fork's TCB half: clone the address space
// byte-for-byte, inherit a shared fd table (by value copy of the slice,
// same underlying File handles), link into the parent's children.
func (t *TCB) Fork(kernelSpace *memset.MemorySet) *TCB {
	t.Lock()
	defer t.Unlock()

	childMS := memset.FromExistedUser(t.MemorySet)
	trapCxPPN := trapContextPPN(childMS)

	pid := AllocPid()
	kstack := NewKernelStack(kernelSpace, pid.Pid)

	child := &TCB{
		Pid:         pid,
		KernelStack: kstack,
		Status:      Ready,
		MemorySet:   childMS,
		TrapCxPPN:   trapCxPPN,
		BaseSize:    t.BaseSize,
		Parent:      t,
		FdTable:     make([]file.File, len(t.FdTable)),
	}
	copy(child.FdTable, t.FdTable)
	for _, f := range child.FdTable {
		if r, ok := f.(file.Retainer); ok {
			r.Retain()
		}
	}
	t.Children = append(t.Children, child)

	childCx := child.TrapContext()
	*childCx = *t.TrapContext()
	childCx.KernelSP = kstack.Top()
	return child
}

// Exec implements sys_exec's TCB half: replace the address space, push
// the argv pointer table and argument bytes onto the new user stack
// (spec.md §4.11's syscall 221), and re-seed the trap context, leaving
// pid/parent/children/fd-table intact. Returns argc, the syscall's
// result; cx.X[11] (a1) is left holding argv_base for the new program's
// entry, and cx.X[10] (a0) is overwritten with argc again once
// trap.Handle reloads the context after the syscall returns.
func (t *TCB) Exec(elfData []byte, kernelSatp uint64, args []string) (int, error) {
	ms, userSP, entry, err := memset.FromELF(elfData)
	if err != nil {
		return 0, err
	}

	sp := uint64(userSP)
	sp -= uint64(len(args)+1) * 8
	argvBase := sp

	ptrs := make([]uint64, len(args)+1)
	for i := len(args) - 1; i >= 0; i-- {
		s := append([]byte(args[i]), 0)
		sp -= uint64(len(s))
		writeUserBytes(ms, sp, s)
		ptrs[i] = sp
	}
	sp -= sp % 8 // 8-byte align the final stack top

	for i, p := range ptrs {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], p)
		writeUserBytes(ms, argvBase+uint64(i)*8, buf[:])
	}

	t.Lock()
	defer t.Unlock()

	t.MemorySet = ms
	t.TrapCxPPN = trapContextPPN(ms)
	t.BaseSize = sp

	kstackTop := t.KernelStack.Top()
	cx := trap.AppInitContext(uint64(entry), sp, kernelSatp, kstackTop, trapHandlerVA)
	cx.X[10] = uint64(len(args))
	cx.X[11] = argvBase
	*t.TrapContext() = cx
	return len(args), nil
}

// writeUserBytes copies data into the address space ms at virtual
// address va, page by page, since the destination may straddle a page
// boundary.
func writeUserBytes(ms *memset.MemorySet, va uint64, data []byte) {
	addr := mem.VirtAddr(va)
	off := 0
	for off < len(data) {
		pte, ok := ms.Translate(addr.PageNum())
		if !ok {
			panic("task: exec argv write to unmapped page")
		}
		page := mem.PageBytes(pte.PPN())
		pageOff := addr.Offset()
		n := len(data) - off
		if avail := mem.PageSize - int(pageOff); n > avail {
			n = avail
		}
		copy(page[pageOff:uint64(pageOff)+uint64(n)], data[off:off+n])
		off += n
		addr += mem.VirtAddr(n)
	}
}

// AllocFd finds the lowest-numbered free slot in the fd table, growing it
// if every existing slot is occupied — the unbounded-growth supplement
// spec.md §10 calls for in place of the original's fixed-size table.
func (t *TCB) AllocFd(f file.File) int {
	t.Lock()
	defer t.Unlock()
	for i, slot := range t.FdTable {
		if slot == nil {
			t.FdTable[i] = f
			return i
		}
	}
	t.FdTable = append(t.FdTable, f)
	return len(t.FdTable) - 1
}

// trapHandlerVA is the fixed virtual address every trap context's
// trap_handler field points at: the trampoline page's base address.
const trapHandlerVA = config.Trampoline

func trapContextPPN(ms *memset.MemorySet) mem.PhysPageNum {
	pte, ok := ms.Translate(mem.VirtAddr(config.TrapContextVA).PageNum())
	if !ok {
		panic("task: trap context page not mapped")
	}
	return pte.PPN()
}
