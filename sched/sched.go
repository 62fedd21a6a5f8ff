// Package sched implements the ready queue and the processor's run
// loop: spec.md §4.10's run_tasks/suspend_current_and_run_next/
// exit_current_and_run_next, minus the literal __switch assembly (out
// of scope per spec.md §1 — there is no register-level context here
// since this simulator never executes real user-mode RISC-V
// instructions). What survives is the scheduling *policy*: FIFO ready
// queue, single "current" task, single-hart mutual exclusion.
//
// Grounded on original_source/os/src/task/{manager.rs,processor.rs}.
// The scheduling-event trace is new (spec.md §10 ambient-stack
// addition) and exported via google/pprof's profile.Profile, carried
// over from biscuit's go.mod rather than dropped.
package sched

import (
	"bytes"
	"strconv"
	"sync"

	"github.com/google/pprof/profile"

	"rvos/task"
)

// Scheduler owns the ready queue and the single "current task" slot.
// The hart mutex is the Go-level stand-in for spec.md §5's "single hart,
// cooperative at the task layer": exactly one goroutine is ever inside
// a RunNext/Suspend/Exit call at a time.
type Scheduler struct {
	hart sync.Mutex

	mu      sync.Mutex
	ready   []*task.TCB
	current *task.TCB

	initproc *task.TCB

	trace *Trace
}

// New returns an empty scheduler. SetInitproc must be called before the
// first exit, since exit reparents orphaned children to it.
func New() *Scheduler {
	return &Scheduler{trace: newTrace()}
}

// SetInitproc records the statically-initialized INITPROC task that
// exit reparents orphans to, per spec.md §4.10.
func (s *Scheduler) SetInitproc(t *task.TCB) { s.initproc = t }

// AddReady appends t to the back of the ready queue.
func (s *Scheduler) AddReady(t *task.TCB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Lock()
	t.Status = task.Ready
	t.Unlock()
	s.ready = append(s.ready, t)
}

// Current returns the task presently installed as "running", or nil if
// the idle loop holds the hart.
func (s *Scheduler) Current() *task.TCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// RunNext pops the front of the ready queue, marks it Running, installs
// it as current, and returns it. Returns nil if the queue is empty (the
// idle loop has nothing left to run — a kernel panic in the original,
// since INITPROC never exits until shutdown; callers decide how to
// react).
func (s *Scheduler) RunNext() *task.TCB {
	s.hart.Lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		s.hart.Unlock()
		return nil
	}
	next := s.ready[0]
	s.ready = s.ready[1:]
	next.Lock()
	next.Status = task.Running
	next.Unlock()
	s.current = next
	s.trace.record("switch", next.Pid.Pid)
	return next
}

// ReleaseHart gives up exclusive access without changing the ready
// queue or current-task slot. Call this once a suspension point is
// genuinely reached (matching spec.md §5's "between any two suspension
// points, the kernel holds no locks").
func (s *Scheduler) ReleaseHart() { s.hart.Unlock() }

// SuspendCurrentAndRunNext reschedules the current task to the back of
// the ready queue and returns the next task to run (possibly the same
// one, if the queue was otherwise empty).
func (s *Scheduler) SuspendCurrentAndRunNext() *task.TCB {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil {
		panic("sched: suspend with no current task")
	}
	cur.Lock()
	cur.Status = task.Ready
	cur.Unlock()

	s.mu.Lock()
	s.ready = append(s.ready, cur)
	s.current = nil
	s.mu.Unlock()
	s.hart.Unlock()

	return s.RunNext()
}

// ExitCurrentAndRunNext marks the current task Zombie with the given
// exit code, reparents its children to INITPROC, releases its data
// pages, and returns the next task to run (nil if the queue is empty).
func (s *Scheduler) ExitCurrentAndRunNext(code int32) *task.TCB {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil {
		panic("sched: exit with no current task")
	}

	cur.Lock()
	cur.Status = task.Zombie
	cur.ExitCode = code
	children := cur.Children
	cur.Children = nil
	cur.Unlock()

	if s.initproc != nil {
		s.initproc.Lock()
		for _, c := range children {
			c.Parent = s.initproc
			s.initproc.Children = append(s.initproc.Children, c)
		}
		s.initproc.Unlock()
	}

	cur.MemorySet.RecycleDataPages()
	s.trace.record("exit", cur.Pid.Pid)

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	s.hart.Unlock()

	return s.RunNext()
}

// Trace accumulates scheduling events as a sequence of (event, pid)
// samples, exportable as a pprof profile for offline inspection —
// there is no literal CPU time to sample in this simulator, so each
// event contributes a unit sample rather than a duration.
type Trace struct {
	mu      sync.Mutex
	events  []traceEvent
}

type traceEvent struct {
	kind string
	pid  int
}

func newTrace() *Trace { return &Trace{} }

func (t *Trace) record(kind string, pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, traceEvent{kind: kind, pid: pid})
}

// Export renders the accumulated trace as a pprof profile.Profile, one
// sample type "events" with one location per event kind; each sample
// counts one event and carries its pid as a "pid" label.
func (s *Scheduler) Export() *profile.Profile {
	s.trace.mu.Lock()
	defer s.trace.mu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "events", Unit: "count"}},
	}
	funcID := uint64(1)
	locID := uint64(1)
	funcs := make(map[string]*profile.Function)
	locs := make(map[string]*profile.Location)

	for _, ev := range s.trace.events {
		key := ev.kind
		fn, ok := funcs[key]
		if !ok {
			fn = &profile.Function{ID: funcID, Name: key}
			funcID++
			funcs[key] = fn
			p.Function = append(p.Function, fn)
		}
		loc, ok := locs[key]
		if !ok {
			loc = &profile.Location{ID: locID, Line: []profile.Line{{Function: fn}}}
			locID++
			locs[key] = loc
			p.Location = append(p.Location, loc)
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{1},
			Label:    map[string][]string{"pid": {strconv.Itoa(ev.pid)}},
		})
	}
	return p
}

// MarshalBinary renders the trace as a gzip-compressed pprof profile,
// suitable for writing to a ".pprof" file and opening with `go tool pprof`.
func (s *Scheduler) MarshalBinary() ([]byte, error) {
	p := s.Export()
	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
