// Package trap turns trap events raised by user code into kernel actions.
package trap

import (
	"fmt"

	logging "github.com/op/go-logging"

	"kcore/pkg/syscalls"
	"kcore/pkg/task"
)

var log = logging.MustGetLogger("trap")

// Cause identifies why user code trapped.
type Cause int

// Trap causes. The fault causes between CauseStoreFault and
// CauseLoadPageFault kill the task with ExitPageFault.
const (
	// CauseUserEnvCall is an ecall from user mode; a7 holds the syscall id.
	CauseUserEnvCall Cause = iota
	// CauseTimer is the supervisor timer interrupt that ends a time slice.
	CauseTimer
	// CauseStoreFault is a store access fault.
	CauseStoreFault
	// CauseStorePageFault is a store to an unmapped or read-only page.
	CauseStorePageFault
	// CauseInstructionFault is an instruction access fault.
	CauseInstructionFault
	// CauseInstructionPageFault is a fetch from a page without X.
	CauseInstructionPageFault
	// CauseLoadFault is a load access fault.
	CauseLoadFault
	// CauseLoadPageFault is a load from an unmapped or unreadable page.
	CauseLoadPageFault
	// CauseIllegalInstruction kills the task with ExitIllegalInstruction.
	CauseIllegalInstruction
)

var causeNames = map[Cause]string{
	CauseUserEnvCall:          "user env call",
	CauseTimer:                "supervisor timer",
	CauseStoreFault:           "store fault",
	CauseStorePageFault:       "store page fault",
	CauseInstructionFault:     "instruction fault",
	CauseInstructionPageFault: "instruction page fault",
	CauseLoadFault:            "load fault",
	CauseLoadPageFault:        "load page fault",
	CauseIllegalInstruction:   "illegal instruction",
}

func (c Cause) String() string {
	if s, ok := causeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("cause(%d)", int(c))
}

func (c Cause) isMemoryFault() bool {
	return c >= CauseStoreFault && c <= CauseLoadPageFault
}

// Exit codes for tasks killed by a trap.
const (
	// ExitPageFault is the code of a task killed by a memory fault.
	ExitPageFault = -2
	// ExitIllegalInstruction is the code of a task killed by a bad opcode.
	ExitIllegalInstruction = -3
)

// Handler reacts to traps on behalf of the running task.
type Handler struct {
	k   *task.Kernel
	sys *syscalls.Dispatcher
}

// NewHandler creates a trap handler over k.
func NewHandler(k *task.Kernel, sys *syscalls.Dispatcher) *Handler {
	return &Handler{k: k, sys: sys}
}

// Handle processes one trap raised by the running task. stval is the
// faulting address or instruction.
func (h *Handler) Handle(cause Cause, stval uint64) error {
	if _, halted := h.k.Halted(); halted {
		return task.ErrHalted
	}
	cur := h.k.Current()
	if cur == nil {
		return task.ErrNoCurrent
	}

	switch {
	case cause == CauseUserEnvCall:
		inner := cur.Exclusive()
		inner.TrapCx.Sepc += 4
		id, args := inner.TrapCx.SyscallArgs()
		cur.Release()

		ret := h.sys.Syscall(id, args)

		// the caller may no longer be running, but its a0 still takes the result
		if !cur.IsZombie() {
			inner := cur.Exclusive()
			inner.TrapCx.X[task.RegA0] = uint64(ret)
			cur.Release()
		}
		return nil

	case cause == CauseTimer:
		return h.k.SuspendCurrentAndRunNext()

	case cause.isMemoryFault():
		sepc := cur.TrapContext().Sepc
		log.Errorf("%v in pid %d, bad addr = %#x, bad instruction = %#x, killed", cause, cur.PID(), stval, sepc)
		return h.k.ExitCurrentAndRunNext(ExitPageFault)

	case cause == CauseIllegalInstruction:
		log.Errorf("illegal instruction in pid %d, killed", cur.PID())
		return h.k.ExitCurrentAndRunNext(ExitIllegalInstruction)
	}
	return fmt.Errorf("unsupported trap %v, stval = %#x", cause, stval)
}

// Ecall loads a syscall into the running task's registers and traps, as the
// task executing ecall would. It returns the value left in the caller's a0.
func (h *Handler) Ecall(id uint64, a0, a1, a2 uint64) (int64, error) {
	cur := h.k.Current()
	if cur == nil {
		return 0, task.ErrNoCurrent
	}
	inner := cur.Exclusive()
	inner.TrapCx.X[task.RegA7] = id
	inner.TrapCx.X[task.RegA0] = a0
	inner.TrapCx.X[task.RegA1] = a1
	inner.TrapCx.X[task.RegA2] = a2
	cur.Release()

	if err := h.Handle(CauseUserEnvCall, 0); err != nil {
		return 0, err
	}
	return int64(cur.TrapContext().X[task.RegA0]), nil
}
