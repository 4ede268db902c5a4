package task

import (
	"sync/atomic"

	logging "github.com/op/go-logging"

	"kcore/pkg/mm"
	"kcore/pkg/upcell"
)

var log = logging.MustGetLogger("task")

// NoParent is the parent pid of the root process.
const NoParent = -1

// TaskControlBlock is the scheduling and bookkeeping unit of one process.
// Its pid is immutable; everything else lives in the inner block and is only
// reachable through Exclusive.
type TaskControlBlock struct {
	pid   int
	inner *upcell.Cell[TaskInner]

	// owners counts the structures holding the task: the ready set, the
	// processor and the parent's child list.
	owners atomic.Int32
}

// TaskInner is the mutable part of a task.
type TaskInner struct {
	Status    TaskStatus
	TrapCx    TrapContext
	MemorySet *mm.MemorySet
	// Name is the program image the task runs.
	Name string

	// ParentPID is a back reference resolved through the kernel task table.
	ParentPID int
	Children  []*TaskControlBlock
	ExitCode  int32

	HeapBottom mm.VirtAddr
	ProgramBrk mm.VirtAddr

	Stride   uint64
	Priority uint64

	SyscallTimes []uint32
	// StartTime is the millisecond at which the task first ran.
	StartTime uint64
	started   bool
}

func newTaskControlBlock(pid int, inner TaskInner) *TaskControlBlock {
	return &TaskControlBlock{pid: pid, inner: upcell.New(inner)}
}

// PID returns the process id.
func (t *TaskControlBlock) PID() int { return t.pid }

// Exclusive borrows the inner block. Pair with Release.
func (t *TaskControlBlock) Exclusive() *TaskInner { return t.inner.Borrow() }

// Release ends a borrow taken by Exclusive.
func (t *TaskControlBlock) Release() { t.inner.Release() }

// Status returns the current status.
func (t *TaskControlBlock) Status() TaskStatus {
	inner := t.Exclusive()
	defer t.Release()
	return inner.Status
}

// IsZombie reports whether the task has exited.
func (t *TaskControlBlock) IsZombie() bool { return t.Status() == StatusZombie }

// ExitCode returns the exit code. Only meaningful for a zombie.
func (t *TaskControlBlock) ExitCode() int32 {
	inner := t.Exclusive()
	defer t.Release()
	return inner.ExitCode
}

// TrapContext returns a copy of the saved registers.
func (t *TaskControlBlock) TrapContext() TrapContext {
	inner := t.Exclusive()
	defer t.Release()
	return inner.TrapCx
}

// Stride returns the current stride.
func (t *TaskControlBlock) Stride() uint64 {
	inner := t.Exclusive()
	defer t.Release()
	return inner.Stride
}

// Priority returns the scheduling priority.
func (t *TaskControlBlock) Priority() uint64 {
	inner := t.Exclusive()
	defer t.Release()
	return inner.Priority
}

// ParentPID returns the pid of the parent.
func (t *TaskControlBlock) ParentPID() int {
	inner := t.Exclusive()
	defer t.Release()
	return inner.ParentPID
}

// ChildCount returns the number of children not yet reaped.
func (t *TaskControlBlock) ChildCount() int {
	inner := t.Exclusive()
	defer t.Release()
	return len(inner.Children)
}

// Token identifies the address space of the task.
func (t *TaskControlBlock) Token() uint64 {
	inner := t.Exclusive()
	defer t.Release()
	return inner.MemorySet.Token()
}

// RecordSyscall bumps the counter for id. Ids past the table are ignored.
func (t *TaskControlBlock) RecordSyscall(id uint64) {
	inner := t.Exclusive()
	defer t.Release()
	if id < uint64(len(inner.SyscallTimes)) {
		inner.SyscallTimes[id]++
	}
}

// Owners returns how many kernel structures hold the task.
func (t *TaskControlBlock) Owners() int32 { return t.owners.Load() }

func (t *TaskControlBlock) acquire() { t.owners.Add(1) }

func (t *TaskControlBlock) drop() {
	if t.owners.Add(-1) < 0 {
		kernelPanic("pid %d dropped more owners than it had", t.pid)
	}
}
