package task

import (
	"errors"
	"fmt"
	"sort"

	"kcore/pkg/config"
	"kcore/pkg/loader"
	"kcore/pkg/mm"
	"kcore/pkg/timer"
	"kcore/pkg/upcell"
)

// Lifecycle errors.
var (
	ErrNoSuchChild     = errors.New("no such child")
	ErrNotExited       = errors.New("child has not exited")
	ErrInvalidPriority = errors.New("priority below minimum")
	ErrBadBreak        = errors.New("program break below heap base")
	ErrNoCurrent       = errors.New("no task is running")
	ErrHalted          = errors.New("kernel halted")
	ErrAlreadyBooted   = errors.New("kernel already booted")
)

// Kernel owns every process-wide structure: frames, the task table, the
// ready set and the processor. It is created once and never torn down.
type Kernel struct {
	cfg    *config.Config
	frames *mm.FrameAllocator
	images *loader.Registry
	clock  timer.Clock

	manager   *Manager
	processor *Processor
	pids      *pidAllocator
	table     *upcell.Cell[map[int]*TaskControlBlock]
	initproc  *TaskControlBlock

	halted   bool
	haltCode int32
}

// NewKernel prepares a kernel. Boot must be called before any task runs.
func NewKernel(cfg *config.Config, images *loader.Registry, clock timer.Clock) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timer.MonotonicClock{}
	}
	return &Kernel{
		cfg:       cfg,
		frames:    mm.NewFrameAllocator(cfg.FrameCount),
		images:    images,
		clock:     clock,
		manager:   NewManager(cfg.BigStride),
		processor: NewProcessor(),
		pids:      newPidAllocator(),
		table:     upcell.New(map[int]*TaskControlBlock{}),
	}, nil
}

// Config returns the boot configuration.
func (k *Kernel) Config() *config.Config { return k.cfg }

// Frames returns the physical frame allocator.
func (k *Kernel) Frames() *mm.FrameAllocator { return k.frames }

// Clock returns the kernel time source.
func (k *Kernel) Clock() timer.Clock { return k.clock }

// Manager returns the ready set.
func (k *Kernel) Manager() *Manager { return k.manager }

// InitProc returns the root process.
func (k *Kernel) InitProc() *TaskControlBlock { return k.initproc }

// Current returns the running task.
func (k *Kernel) Current() *TaskControlBlock { return k.processor.Current() }

// Halted reports whether the root process exited, and with which code.
func (k *Kernel) Halted() (int32, bool) { return k.haltCode, k.halted }

// Lookup finds a live task by pid.
func (k *Kernel) Lookup(pid int) (*TaskControlBlock, bool) {
	tbl := k.table.Borrow()
	defer k.table.Release()
	t, ok := (*tbl)[pid]
	return t, ok
}

// Tasks returns every task not yet deallocated, by pid.
func (k *Kernel) Tasks() []*TaskControlBlock {
	tbl := k.table.Borrow()
	defer k.table.Release()
	out := make([]*TaskControlBlock, 0, len(*tbl))
	for _, t := range *tbl {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pid < out[j].pid })
	return out
}

func (k *Kernel) register(t *TaskControlBlock) {
	tbl := k.table.Borrow()
	defer k.table.Release()
	(*tbl)[t.pid] = t
}

// Boot loads the init program as the root process and schedules it.
func (k *Kernel) Boot() error {
	if k.initproc != nil {
		return ErrAlreadyBooted
	}
	img, err := k.images.Load(k.cfg.InitProgram)
	if err != nil {
		return err
	}
	t, err := k.newTaskFromImage(k.cfg.InitProgram, img, NoParent, TaskInner{Priority: k.cfg.DefaultPriority})
	if err != nil {
		return err
	}
	k.initproc = t
	k.manager.Add(t)
	log.Noticef("booted %s as pid %d", k.cfg.InitProgram, t.pid)
	k.schedule()
	return nil
}

// newTaskFromImage builds a ready task running img. seed supplies the
// scheduling fields.
func (k *Kernel) newTaskFromImage(name string, img *loader.Image, parent int, seed TaskInner) (*TaskControlBlock, error) {
	ms, layout, err := mm.FromImage(k.frames, img, k.cfg.UserStackSize)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	t := newTaskControlBlock(k.pids.alloc(), TaskInner{
		Status:       StatusReady,
		TrapCx:       AppInitContext(layout.Entry, uint64(layout.UserSP)),
		MemorySet:    ms,
		Name:         name,
		ParentPID:    parent,
		HeapBottom:   layout.HeapBase,
		ProgramBrk:   layout.HeapBase,
		Stride:       seed.Stride,
		Priority:     seed.Priority,
		SyscallTimes: make([]uint32, k.cfg.MaxSyscallNum),
	})
	k.register(t)
	return t, nil
}

// current returns the running task or fails.
func (k *Kernel) current() (*TaskControlBlock, error) {
	if k.halted {
		return nil, ErrHalted
	}
	t := k.processor.Current()
	if t == nil {
		return nil, ErrNoCurrent
	}
	return t, nil
}

// schedule hands the CPU to the next ready task.
func (k *Kernel) schedule() {
	next := k.manager.Fetch()
	inner := next.Exclusive()
	if err := inner.transitionTo(StatusRunning); err != nil {
		next.Release()
		kernelPanic("schedule pid %d: %v", next.pid, err)
	}
	if !inner.started {
		inner.started = true
		inner.StartTime = k.clock.Millis()
	}
	next.Release()
	k.processor.setCurrent(next)
	log.Debugf("switch to pid %d", next.pid)
}

// SuspendCurrentAndRunNext moves the running task back to the ready set and
// schedules. Both yield and timer preemption end up here.
func (k *Kernel) SuspendCurrentAndRunNext() error {
	if _, err := k.current(); err != nil {
		return err
	}
	t := k.processor.TakeCurrent()
	inner := t.Exclusive()
	if err := inner.transitionTo(StatusReady); err != nil {
		t.Release()
		kernelPanic("suspend pid %d: %v", t.pid, err)
	}
	t.Release()
	k.manager.Add(t)
	k.schedule()
	return nil
}

// ExitCurrentAndRunNext turns the running task into a zombie, hands its
// children to the root process, frees its memory and schedules. When the
// root itself exits the kernel halts instead.
func (k *Kernel) ExitCurrentAndRunNext(code int32) error {
	if _, err := k.current(); err != nil {
		return err
	}
	t := k.processor.TakeCurrent()

	inner := t.Exclusive()
	if err := inner.transitionTo(StatusZombie); err != nil {
		t.Release()
		kernelPanic("exit pid %d: %v", t.pid, err)
	}
	inner.ExitCode = code

	if t == k.initproc {
		inner.MemorySet.RecycleDataPages()
		t.Release()
		k.halted, k.haltCode = true, code
		log.Noticef("init process exited with code %d, halting", code)
		return nil
	}

	if len(inner.Children) > 0 {
		root := k.initproc.Exclusive()
		for _, child := range inner.Children {
			ci := child.Exclusive()
			ci.ParentPID = k.initproc.pid
			child.Release()
			root.Children = append(root.Children, child)
		}
		k.initproc.Release()
		inner.Children = nil
	}
	inner.MemorySet.RecycleDataPages()
	t.Release()

	log.Infof("pid %d exited with code %d", t.pid, code)
	k.schedule()
	return nil
}

// WaitPid reaps a zombie child. pid -1 matches any child. When exitCodePtr is
// non-zero the exit code is stored there in the caller's address space.
func (k *Kernel) WaitPid(pid int, exitCodePtr mm.VirtAddr) (int, int32, error) {
	t, err := k.current()
	if err != nil {
		return 0, 0, err
	}
	inner := t.Exclusive()
	defer t.Release()

	matches := func(c *TaskControlBlock) bool { return pid == -1 || c.pid == pid }

	found := false
	idx := -1
	for i, c := range inner.Children {
		if !matches(c) {
			continue
		}
		found = true
		if c.IsZombie() {
			idx = i
			break
		}
	}
	if !found {
		return 0, 0, ErrNoSuchChild
	}
	if idx < 0 {
		return 0, 0, ErrNotExited
	}

	child := inner.Children[idx]
	code := child.ExitCode()
	if exitCodePtr != 0 {
		buf := []byte{byte(code), byte(code >> 8), byte(code >> 16), byte(code >> 24)}
		if err := mm.CopyToUser(inner.MemorySet.PageTable(), exitCodePtr, buf); err != nil {
			return 0, 0, err
		}
	}

	inner.Children = append(inner.Children[:idx], inner.Children[idx+1:]...)
	child.drop()
	if n := child.Owners(); n != 0 {
		kernelPanic("reaped pid %d still has %d owners", child.pid, n)
	}
	k.dealloc(child)
	return child.pid, code, nil
}

// dealloc releases everything a reaped task still holds.
func (k *Kernel) dealloc(t *TaskControlBlock) {
	inner := t.Exclusive()
	inner.MemorySet.Destroy()
	inner.MemorySet = nil
	t.Release()

	tbl := k.table.Borrow()
	delete(*tbl, t.pid)
	k.table.Release()

	k.pids.dealloc(t.pid)
}

// adopt links child under parent and makes it runnable.
func (k *Kernel) adopt(parentInner *TaskInner, child *TaskControlBlock) {
	parentInner.Children = append(parentInner.Children, child)
	child.acquire()
	k.manager.Add(child)
}

// Fork duplicates the running task. The child's a0 is 0 so it sees fork
// return 0; the caller returns the child's pid to the parent.
func (k *Kernel) Fork() (*TaskControlBlock, error) {
	parent, err := k.current()
	if err != nil {
		return nil, err
	}
	pi := parent.Exclusive()
	defer parent.Release()

	ms, err := mm.FromExistedUser(pi.MemorySet)
	if err != nil {
		return nil, fmt.Errorf("fork pid %d: %w", parent.pid, err)
	}
	cx := pi.TrapCx
	cx.X[RegA0] = 0

	child := newTaskControlBlock(k.pids.alloc(), TaskInner{
		Status:       StatusReady,
		TrapCx:       cx,
		MemorySet:    ms,
		Name:         pi.Name,
		ParentPID:    parent.pid,
		HeapBottom:   pi.HeapBottom,
		ProgramBrk:   pi.ProgramBrk,
		Stride:       pi.Stride,
		Priority:     pi.Priority,
		SyscallTimes: make([]uint32, k.cfg.MaxSyscallNum),
	})
	k.register(child)
	k.adopt(pi, child)
	log.Infof("pid %d forked pid %d", parent.pid, child.pid)
	return child, nil
}

// Spawn starts the named program as a new child without copying the
// caller's memory.
func (k *Kernel) Spawn(name string) (*TaskControlBlock, error) {
	parent, err := k.current()
	if err != nil {
		return nil, err
	}
	img, err := k.images.Load(name)
	if err != nil {
		return nil, err
	}

	pi := parent.Exclusive()
	defer parent.Release()

	child, err := k.newTaskFromImage(name, img, parent.pid, TaskInner{Stride: pi.Stride, Priority: pi.Priority})
	if err != nil {
		return nil, err
	}
	k.adopt(pi, child)
	log.Infof("pid %d spawned %s as pid %d", parent.pid, name, child.pid)
	return child, nil
}

// Exec replaces the running task's memory and registers with the named
// program. Identity, family and accounting are kept. On error the task is
// untouched.
func (k *Kernel) Exec(name string) error {
	t, err := k.current()
	if err != nil {
		return err
	}
	img, err := k.images.Load(name)
	if err != nil {
		return err
	}
	ms, layout, err := mm.FromImage(k.frames, img, k.cfg.UserStackSize)
	if err != nil {
		return fmt.Errorf("exec %s: %w", name, err)
	}

	inner := t.Exclusive()
	defer t.Release()
	inner.MemorySet.Destroy()
	inner.MemorySet = ms
	inner.TrapCx = AppInitContext(layout.Entry, uint64(layout.UserSP))
	inner.HeapBottom = layout.HeapBase
	inner.ProgramBrk = layout.HeapBase
	inner.Name = name
	log.Infof("pid %d exec %s", t.pid, name)
	return nil
}

// ChangeProgramBrk moves the running task's program break by delta bytes and
// returns the previous break.
func (k *Kernel) ChangeProgramBrk(delta int64) (mm.VirtAddr, error) {
	t, err := k.current()
	if err != nil {
		return 0, err
	}
	inner := t.Exclusive()
	defer t.Release()

	old := inner.ProgramBrk
	newBrk := int64(old) + delta
	if newBrk < int64(inner.HeapBottom) {
		return 0, ErrBadBreak
	}
	if delta < 0 {
		err = inner.MemorySet.ShrinkTo(mm.VirtAddr(newBrk))
	} else {
		err = inner.MemorySet.AppendTo(mm.VirtAddr(newBrk))
	}
	if err != nil {
		return 0, err
	}
	inner.ProgramBrk = mm.VirtAddr(newBrk)
	return old, nil
}

// SetPriority changes the running task's priority.
func (k *Kernel) SetPriority(prio int64) error {
	if prio < MinPriority {
		return ErrInvalidPriority
	}
	t, err := k.current()
	if err != nil {
		return err
	}
	inner := t.Exclusive()
	inner.Priority = uint64(prio)
	t.Release()
	return nil
}
