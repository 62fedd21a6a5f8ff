// Package trap models the S-mode trap pipeline: the TrapContext layout
// shared with the trampoline page, and Handle, the single entry point
// every trap (syscall, fault, timer interrupt) is dispatched through.
//
// The trampoline's assembly (__alltraps/__restore) is out of scope per
// spec.md §1 ("boot assembly ... beyond its contractual behavior,
// which is specified here"): Handle picks up exactly where that
// assembly would hand off, with an already-loaded TrapContext and a
// scause-equivalent Cause. Cause dispatch follows
// original_source/os/src/trap/mod.rs's trap_handler match arms exactly.
package trap

import (
	"fmt"
	"log"
)

// Context is the TrapContext: the full register file saved across a
// U-mode trap, plus the three values the trampoline needs that never
// change across a task's lifetime.
type Context struct {
	X           [32]uint64 // general registers x0..x31
	Sstatus     uint64
	Sepc        uint64
	KernelSatp  uint64
	KernelSP    uint64
	TrapHandler uint64
}

// sppUser is the bit AppInitContext sets in the saved sstatus so that
// sret drops to U-mode.
const sppUser = 0 // SPP bit cleared selects User on restore

// AppInitContext builds the TrapContext a freshly created task's
// trap-context page is seeded with: sepc = entry (so the first "return from
// trap" lands at the program's start), sp = the user stack top, and
// the three fixed fields needed to get back into the kernel.
func AppInitContext(entry, sp uint64, kernelSatp, kernelSP, trapHandler uint64) Context {
	cx := Context{
		Sepc:        entry,
		KernelSatp:  kernelSatp,
		KernelSP:    kernelSP,
		TrapHandler: trapHandler,
	}
	cx.SetSP(sp)
	return cx
}

// SetSP writes the user stack pointer (x2) into the context.
func (cx *Context) SetSP(sp uint64) { cx.X[2] = sp }

// Cause enumerates the trap causes trap.Handle dispatches over,
// mirroring riscv::register::scause's Exception/Interrupt split.
type Cause int

const (
	UserEnvCall Cause = iota
	StoreFault
	StorePageFault
	LoadFault
	LoadPageFault
	InstructionFault
	InstructionPageFault
	IllegalInstruction
	SupervisorTimer
	Other
)

func (c Cause) isMemoryFault() bool {
	switch c {
	case StoreFault, StorePageFault, LoadFault, LoadPageFault, InstructionFault, InstructionPageFault:
		return true
	}
	return false
}

// Outcome tells the caller (task/sched glue) what trap.Handle decided.
type Outcome int

const (
	ContinueTask Outcome = iota // syscall handled in place, resume this task
	SuspendTask                 // timer interrupt: yield to scheduler
	ExitTask                    // fault: terminate with the given code
)

// Result is returned by Handle.
type Result struct {
	Outcome  Outcome
	ExitCode int32
}

// Syscall is the table-driven dispatcher trap.Handle calls into for
// Exception::UserEnvCall; it lives in package syscall to avoid a cycle,
// so Handle takes it as a function value.
type Syscall func(id uint64, args [3]uint64) int64

// Handle implements the Rust trap_handler's match over scause. cx is
// the current task's trap context (already loaded by the caller);
// reload is invoked after the syscall runs because sys_exec can replace
// the task's address space — and hence its trap-context page — out
// from under the in-progress call, mirroring the original's
// "cx = current_trap_cx()" re-read after syscall().
func Handle(cause Cause, cx *Context, stval uint64, syscall Syscall, reload func() *Context) Result {
	switch {
	case cause == UserEnvCall:
		cx.Sepc += 4
		result := syscall(cx.X[17], [3]uint64{cx.X[10], cx.X[11], cx.X[12]})
		cx = reload()
		cx.X[10] = uint64(result)
		return Result{Outcome: ContinueTask}

	case cause.isMemoryFault():
		log.Printf("[kernel] %v in application, bad addr = %#x, bad instruction = %#x, core dumped", cause, stval, cx.Sepc)
		return Result{Outcome: ExitTask, ExitCode: -2}

	case cause == IllegalInstruction:
		log.Printf("[kernel] IllegalInstruction in application, core dumped")
		return Result{Outcome: ExitTask, ExitCode: -3}

	case cause == SupervisorTimer:
		return Result{Outcome: SuspendTask}

	default:
		panic(fmt.Sprintf("unsupported trap cause %v, stval = %#x", cause, stval))
	}
}

func (c Cause) String() string {
	switch c {
	case UserEnvCall:
		return "UserEnvCall"
	case StoreFault:
		return "StoreFault"
	case StorePageFault:
		return "StorePageFault"
	case LoadFault:
		return "LoadFault"
	case LoadPageFault:
		return "LoadPageFault"
	case InstructionFault:
		return "InstructionFault"
	case InstructionPageFault:
		return "InstructionPageFault"
	case IllegalInstruction:
		return "IllegalInstruction"
	case SupervisorTimer:
		return "SupervisorTimer"
	default:
		return "Other"
	}
}
