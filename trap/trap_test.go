package trap

import "testing"

func TestHandleUserEnvCall(t *testing.T) {
	cx := &Context{Sepc: 0x1000}
	cx.X[17] = 42
	cx.X[10], cx.X[11], cx.X[12] = 1, 2, 3

	var gotID uint64
	var gotArgs [3]uint64
	reloaded := &Context{}
	result := Handle(UserEnvCall, cx, 0, func(id uint64, args [3]uint64) int64 {
		gotID = id
		gotArgs = args
		return 99
	}, func() *Context { return reloaded })

	if result.Outcome != ContinueTask {
		t.Fatalf("outcome = %v, want ContinueTask", result.Outcome)
	}
	if cx.Sepc != 0x1004 {
		t.Fatalf("sepc = %#x, want 0x1004 (advanced past ecall)", cx.Sepc)
	}
	if gotID != 42 || gotArgs != [3]uint64{1, 2, 3} {
		t.Fatalf("syscall called with id=%d args=%v, want id=42 args=[1 2 3]", gotID, gotArgs)
	}
	if reloaded.X[10] != 99 {
		t.Fatalf("reloaded context a0 = %d, want 99 (syscall return value)", reloaded.X[10])
	}
}

func TestHandleMemoryFaultExits(t *testing.T) {
	for _, cause := range []Cause{StoreFault, StorePageFault, LoadFault, LoadPageFault, InstructionFault, InstructionPageFault} {
		cx := &Context{}
		result := Handle(cause, cx, 0xdead, nil, nil)
		if result.Outcome != ExitTask || result.ExitCode != -2 {
			t.Fatalf("%v: outcome=%v code=%d, want ExitTask/-2", cause, result.Outcome, result.ExitCode)
		}
	}
}

func TestHandleIllegalInstructionExits(t *testing.T) {
	cx := &Context{}
	result := Handle(IllegalInstruction, cx, 0, nil, nil)
	if result.Outcome != ExitTask || result.ExitCode != -3 {
		t.Fatalf("outcome=%v code=%d, want ExitTask/-3", result.Outcome, result.ExitCode)
	}
}

func TestHandleTimerSuspends(t *testing.T) {
	cx := &Context{}
	result := Handle(SupervisorTimer, cx, 0, nil, nil)
	if result.Outcome != SuspendTask {
		t.Fatalf("outcome = %v, want SuspendTask", result.Outcome)
	}
}

func TestHandleUnknownCausePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on an unrecognized trap cause")
		}
	}()
	Handle(Other, &Context{}, 0, nil, nil)
}
