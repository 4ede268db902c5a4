// Package syscalls is the user-facing system call surface. It validates
// arguments, moves data across the user boundary and turns kernel errors into
// the negative result codes user programs see.
package syscalls

import (
	"errors"

	logging "github.com/op/go-logging"

	"kcore/pkg/mm"
	"kcore/pkg/task"
	"kcore/pkg/timer"
)

var log = logging.MustGetLogger("syscall")

// Syscall ids.
const (
	SysExit        = 93
	SysYield       = 124
	SysSetPriority = 140
	SysGetTime     = 169
	SysGetPID      = 172
	SysSbrk        = 214
	SysMunmap      = 215
	SysFork        = 220
	SysExec        = 221
	SysMmap        = 222
	SysWaitPID     = 260
	SysSpawn       = 400
	SysTaskInfo    = 410
)

// MaxPathLen bounds the program names read from user memory.
const MaxPathLen = 256

var names = map[uint64]string{
	SysExit:        "exit",
	SysYield:       "yield",
	SysSetPriority: "set_priority",
	SysGetTime:     "get_time",
	SysGetPID:      "getpid",
	SysSbrk:        "sbrk",
	SysMunmap:      "munmap",
	SysFork:        "fork",
	SysExec:        "exec",
	SysMmap:        "mmap",
	SysWaitPID:     "waitpid",
	SysSpawn:       "spawn",
	SysTaskInfo:    "task_info",
}

// Name returns the syscall name for id, or "" if unknown.
func Name(id uint64) string { return names[id] }

// Dispatcher routes syscall ids to kernel operations.
type Dispatcher struct {
	k *task.Kernel
}

// NewDispatcher creates a dispatcher over k.
func NewDispatcher(k *task.Kernel) *Dispatcher {
	return &Dispatcher{k: k}
}

// Syscall counts the call against the running task and executes it.
func (d *Dispatcher) Syscall(id uint64, args [3]uint64) int64 {
	cur := d.k.Current()
	if cur == nil {
		log.Errorf("syscall %d with no running task", id)
		return -1
	}
	cur.RecordSyscall(id)
	log.Debugf("pid[%d] sys_%s %#x %#x %#x", cur.PID(), Name(id), args[0], args[1], args[2])

	switch id {
	case SysExit:
		return d.Exit(int32(args[0]))
	case SysYield:
		return d.Yield()
	case SysSetPriority:
		return d.SetPriority(int64(args[0]))
	case SysGetTime:
		return d.GetTime(mm.VirtAddr(args[0]), args[1])
	case SysGetPID:
		return d.GetPID()
	case SysSbrk:
		return d.Sbrk(int32(args[0]))
	case SysMunmap:
		return d.Munmap(args[0], args[1])
	case SysFork:
		return d.Fork()
	case SysExec:
		return d.Exec(mm.VirtAddr(args[0]))
	case SysMmap:
		return d.Mmap(args[0], args[1], args[2])
	case SysWaitPID:
		return d.WaitPID(int64(args[0]), mm.VirtAddr(args[1]))
	case SysSpawn:
		return d.Spawn(mm.VirtAddr(args[0]))
	case SysTaskInfo:
		return d.TaskInfo(mm.VirtAddr(args[0]))
	}
	log.Errorf("unsupported syscall %d", id)
	return -1
}

// withCurrent runs fn with the running task's inner block borrowed.
func (d *Dispatcher) withCurrent(fn func(t *task.TaskControlBlock, inner *task.TaskInner) int64) int64 {
	cur := d.k.Current()
	if cur == nil {
		return -1
	}
	inner := cur.Exclusive()
	defer cur.Release()
	return fn(cur, inner)
}

// userSpace returns a lookup-only view of the running task's page table,
// built from its address space token.
func (d *Dispatcher) userSpace() (*mm.PageTable, bool) {
	cur := d.k.Current()
	if cur == nil {
		return nil, false
	}
	return mm.FromToken(d.k.Frames(), cur.Token()), true
}

func (d *Dispatcher) readPath(va mm.VirtAddr) (string, bool) {
	pt, ok := d.userSpace()
	if !ok {
		return "", false
	}
	path, err := mm.TranslatedStr(pt, va, MaxPathLen)
	if err != nil {
		log.Errorf("path at %v: %v", va, err)
		return "", false
	}
	return path, true
}

// Exit terminates the caller. The result never reaches it.
func (d *Dispatcher) Exit(code int32) int64 {
	if err := d.k.ExitCurrentAndRunNext(code); err != nil {
		log.Errorf("exit: %v", err)
		return -1
	}
	return 0
}

// Yield gives up the CPU.
func (d *Dispatcher) Yield() int64 {
	if err := d.k.SuspendCurrentAndRunNext(); err != nil {
		log.Errorf("yield: %v", err)
		return -1
	}
	return 0
}

// GetPID returns the caller's pid.
func (d *Dispatcher) GetPID() int64 {
	cur := d.k.Current()
	if cur == nil {
		return -1
	}
	return int64(cur.PID())
}

// Fork duplicates the caller and returns the child's pid.
func (d *Dispatcher) Fork() int64 {
	child, err := d.k.Fork()
	if err != nil {
		log.Errorf("fork: %v", err)
		return -1
	}
	return int64(child.PID())
}

// Exec replaces the caller's program with the one named at path.
func (d *Dispatcher) Exec(path mm.VirtAddr) int64 {
	name, ok := d.readPath(path)
	if !ok {
		return -1
	}
	if err := d.k.Exec(name); err != nil {
		log.Errorf("exec %q: %v", name, err)
		return -1
	}
	return 0
}

// Spawn starts the program named at path as a new child.
func (d *Dispatcher) Spawn(path mm.VirtAddr) int64 {
	name, ok := d.readPath(path)
	if !ok {
		return -1
	}
	child, err := d.k.Spawn(name)
	if err != nil {
		log.Errorf("spawn %q: %v", name, err)
		return -1
	}
	return int64(child.PID())
}

// WaitPID reaps a zombie child: -1 when no child matches, -2 when the
// matching children are still alive.
func (d *Dispatcher) WaitPID(pid int64, exitCode mm.VirtAddr) int64 {
	found, _, err := d.k.WaitPid(int(pid), exitCode)
	switch {
	case err == nil:
		return int64(found)
	case errors.Is(err, task.ErrNotExited):
		return -2
	default:
		if !errors.Is(err, task.ErrNoSuchChild) {
			log.Errorf("waitpid %d: %v", pid, err)
		}
		return -1
	}
}

// Sbrk moves the program break and returns the previous break.
func (d *Dispatcher) Sbrk(delta int32) int64 {
	old, err := d.k.ChangeProgramBrk(int64(delta))
	if err != nil {
		log.Errorf("sbrk %d: %v", delta, err)
		return -1
	}
	return int64(old)
}

// SetPriority sets the caller's priority and returns it.
func (d *Dispatcher) SetPriority(prio int64) int64 {
	if err := d.k.SetPriority(prio); err != nil {
		log.Errorf("set_priority %d: %v", prio, err)
		return -1
	}
	return prio
}

// GetTime stores the current time at ts. tz is ignored.
func (d *Dispatcher) GetTime(ts mm.VirtAddr, _ uint64) int64 {
	pt, ok := d.userSpace()
	if !ok {
		return -1
	}
	sec, usec := timer.Split(d.k.Clock().Micros())
	if err := mm.CopyToUser(pt, ts, TimeVal{Sec: sec, Usec: usec}.encode()); err != nil {
		log.Errorf("get_time at %v: %v", ts, err)
		return -1
	}
	return 0
}

// TaskInfo stores the caller's status, syscall counters and running time
// at ti.
func (d *Dispatcher) TaskInfo(ti mm.VirtAddr) int64 {
	pt, ok := d.userSpace()
	if !ok {
		return -1
	}
	now := d.k.Clock().Millis()
	var raw []byte
	d.withCurrent(func(_ *task.TaskControlBlock, inner *task.TaskInner) int64 {
		raw = TaskInfo{
			Status:       inner.Status,
			SyscallTimes: inner.SyscallTimes,
			Time:         now - inner.StartTime,
		}.encode()
		return 0
	})
	if err := mm.CopyToUser(pt, ti, raw); err != nil {
		log.Errorf("task_info at %v: %v", ti, err)
		return -1
	}
	return 0
}
