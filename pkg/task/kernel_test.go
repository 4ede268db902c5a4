package task

import (
	"encoding/binary"
	"errors"
	"testing"

	"kcore/pkg/config"
	"kcore/pkg/klog"
	"kcore/pkg/loader"
	"kcore/pkg/mm"
	"kcore/pkg/timer"
)

const (
	dataVA   = mm.VirtAddr(0x11000)
	heapBase = mm.VirtAddr(0x15000)
)

func testImage(entry uint64) *loader.Image {
	return &loader.Image{
		Entry: entry,
		Segments: []loader.Segment{
			{VAddr: 0x10000, MemSize: 0x1000, Perm: loader.PermRead | loader.PermExec, Data: []byte{0x13, 0, 0, 0}},
			{VAddr: 0x11000, MemSize: 0x1000, Perm: loader.PermRead | loader.PermWrite},
		},
	}
}

func testKernel(t *testing.T) (*Kernel, *timer.ManualClock) {
	t.Helper()
	klog.Silence()

	images := loader.NewRegistry()
	images.RegisterImage("initproc", testImage(0x10000))
	images.RegisterImage("exec_target", testImage(0x10040))

	cfg := config.Default()
	cfg.FrameCount = 512
	clock := timer.NewManualClock(5_000_000)
	k, err := NewKernel(cfg, images, clock)
	if err != nil {
		t.Fatalf("NewKernel() error = %v", err)
	}
	if err := k.Boot(); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	return k, clock
}

func readUser(t *testing.T, tcb *TaskControlBlock, va mm.VirtAddr, n int) []byte {
	t.Helper()
	inner := tcb.Exclusive()
	defer tcb.Release()
	buf := make([]byte, n)
	if err := mm.CopyFromUser(inner.MemorySet.PageTable(), va, buf); err != nil {
		t.Fatalf("CopyFromUser(%v) error = %v", va, err)
	}
	return buf
}

func writeUser(t *testing.T, tcb *TaskControlBlock, va mm.VirtAddr, b []byte) {
	t.Helper()
	inner := tcb.Exclusive()
	defer tcb.Release()
	if err := mm.CopyToUser(inner.MemorySet.PageTable(), va, b); err != nil {
		t.Fatalf("CopyToUser(%v) error = %v", va, err)
	}
}

// TestBoot tests that booting starts the init process as pid 0.
func TestBoot(t *testing.T) {
	k, _ := testKernel(t)
	root := k.Current()
	if root == nil || root != k.InitProc() {
		t.Fatal("Current() is not the root process after Boot")
	}
	if root.PID() != 0 || root.Status() != StatusRunning {
		t.Errorf("root pid/status = %d/%v, want 0/running", root.PID(), root.Status())
	}
	if root.ParentPID() != NoParent {
		t.Errorf("ParentPID() = %d, want %d", root.ParentPID(), NoParent)
	}
	inner := root.Exclusive()
	if inner.StartTime != 5000 || inner.TrapCx.Sepc != 0x10000 || inner.TrapCx.X[RegSP] != uint64(heapBase) {
		t.Errorf("StartTime/Sepc/SP = %d/%#x/%#x", inner.StartTime, inner.TrapCx.Sepc, inner.TrapCx.X[RegSP])
	}
	if inner.Priority != 16 {
		t.Errorf("Priority = %d, want 16", inner.Priority)
	}
	root.Release()

	if err := k.Boot(); !errors.Is(err, ErrAlreadyBooted) {
		t.Errorf("second Boot() error = %v, want ErrAlreadyBooted", err)
	}
}

// TestBootMissingInit tests booting without an init image.
func TestBootMissingInit(t *testing.T) {
	klog.Silence()
	k, _ := NewKernel(config.Default(), loader.NewRegistry(), nil)
	if err := k.Boot(); !errors.Is(err, loader.ErrImageNotFound) {
		t.Errorf("Boot() error = %v, want ErrImageNotFound", err)
	}
}

// TestForkChildSeesZero tests that a forked child returns 0 from fork.
func TestForkChildSeesZero(t *testing.T) {
	k, _ := testKernel(t)
	parent := k.Current()
	writeUser(t, parent, dataVA, []byte("parent"))

	inner := parent.Exclusive()
	inner.TrapCx.X[RegA0] = 0xdead
	inner.Priority = 5
	inner.SyscallTimes[220] = 3
	parent.Release()

	child, err := k.Fork()
	if err != nil {
		t.Fatalf("Fork() error = %v", err)
	}
	if child.PID() == parent.PID() {
		t.Fatal("child reused the parent pid")
	}
	if child.ParentPID() != parent.PID() || parent.ChildCount() != 1 {
		t.Errorf("linkage: child parent %d, parent children %d", child.ParentPID(), parent.ChildCount())
	}
	if child.Priority() != 5 || child.Stride() != parent.Stride() {
		t.Errorf("child prio/stride = %d/%d, want inherited", child.Priority(), child.Stride())
	}
	ci := child.Exclusive()
	if ci.SyscallTimes[220] != 0 {
		t.Errorf("child inherited syscall counters")
	}
	child.Release()

	if err := k.SuspendCurrentAndRunNext(); err != nil {
		t.Fatal(err)
	}
	if k.Current() != child {
		t.Fatalf("Current() = pid %d, want child", k.Current().PID())
	}
	if got := child.TrapContext().X[RegA0]; got != 0 {
		t.Errorf("child a0 = %#x, want 0", got)
	}
	if got := parent.TrapContext().X[RegA0]; got != 0xdead {
		t.Errorf("parent a0 = %#x, want untouched", got)
	}

	writeUser(t, child, dataVA, []byte("child!"))
	if got := string(readUser(t, parent, dataVA, 6)); got != "parent" {
		t.Errorf("parent memory = %q after child write", got)
	}
}

// TestWaitPid tests reaping zombie children with waitpid.
func TestWaitPid(t *testing.T) {
	k, _ := testKernel(t)
	root := k.Current()
	framesBefore := k.Frames().InUse()

	if _, _, err := k.WaitPid(-1, 0); !errors.Is(err, ErrNoSuchChild) {
		t.Fatalf("WaitPid() without children error = %v, want ErrNoSuchChild", err)
	}

	child, _ := k.Fork()
	if _, _, err := k.WaitPid(-1, 0); !errors.Is(err, ErrNotExited) {
		t.Errorf("WaitPid() on a live child error = %v, want ErrNotExited", err)
	}
	if _, _, err := k.WaitPid(child.PID()+10, 0); !errors.Is(err, ErrNoSuchChild) {
		t.Errorf("WaitPid(other pid) error = %v, want ErrNoSuchChild", err)
	}

	k.SuspendCurrentAndRunNext()
	if k.Current() != child {
		t.Fatal("child did not get the CPU")
	}
	if err := k.ExitCurrentAndRunNext(-7); err != nil {
		t.Fatal(err)
	}
	if k.Current() != root {
		t.Fatal("exit did not switch back to root")
	}
	if child.Owners() != 1 {
		t.Errorf("zombie owners = %d, want 1 (parent list)", child.Owners())
	}

	pid, code, err := k.WaitPid(-1, dataVA+8)
	if err != nil {
		t.Fatalf("WaitPid() error = %v", err)
	}
	if pid != child.PID() || code != -7 {
		t.Errorf("WaitPid() = %d, %d, want %d, -7", pid, code, child.PID())
	}
	if got := int32(binary.LittleEndian.Uint32(readUser(t, root, dataVA+8, 4))); got != -7 {
		t.Errorf("stored exit code = %d, want -7", got)
	}
	if root.ChildCount() != 0 {
		t.Errorf("ChildCount() = %d, want 0", root.ChildCount())
	}
	if _, ok := k.Lookup(pid); ok {
		t.Error("reaped task still in the task table")
	}
	if k.Frames().InUse() != framesBefore {
		t.Errorf("frames in use = %d, want %d", k.Frames().InUse(), framesBefore)
	}

	again, _ := k.Fork()
	if again.PID() != pid {
		t.Errorf("next fork pid = %d, want recycled %d", again.PID(), pid)
	}
}

// TestWaitPidBadPointerKeepsZombie tests that a failed exit code store leaves the zombie in place.
func TestWaitPidBadPointerKeepsZombie(t *testing.T) {
	k, _ := testKernel(t)
	child, _ := k.Fork()
	k.SuspendCurrentAndRunNext()
	k.ExitCurrentAndRunNext(1)

	if _, _, err := k.WaitPid(child.PID(), 0x7000_0000); !errors.Is(err, mm.ErrBadAddress) {
		t.Fatalf("WaitPid() error = %v, want ErrBadAddress", err)
	}
	if k.InitProc().ChildCount() != 1 {
		t.Fatal("zombie dropped after failed store")
	}
	if pid, _, err := k.WaitPid(child.PID(), 0); err != nil || pid != child.PID() {
		t.Errorf("WaitPid() = %d, %v", pid, err)
	}
}

// TestExitReparentsChildren tests that an exiting task hands its children to init.
func TestExitReparentsChildren(t *testing.T) {
	k, _ := testKernel(t)
	root := k.Current()

	a, _ := k.Fork()
	k.SuspendCurrentAndRunNext()
	if k.Current() != a {
		t.Fatal("a did not run")
	}
	b, _ := k.Fork()
	if err := k.ExitCurrentAndRunNext(0); err != nil {
		t.Fatal(err)
	}

	if k.Current() != root {
		t.Fatalf("Current() = pid %d, want root", k.Current().PID())
	}
	if b.ParentPID() != root.PID() {
		t.Errorf("orphan parent = %d, want %d", b.ParentPID(), root.PID())
	}
	if root.ChildCount() != 2 {
		t.Errorf("root children = %d, want 2", root.ChildCount())
	}
	if _, _, err := k.WaitPid(b.PID(), 0); !errors.Is(err, ErrNotExited) {
		t.Errorf("WaitPid(b) error = %v, want ErrNotExited", err)
	}
	if pid, _, err := k.WaitPid(a.PID(), 0); err != nil || pid != a.PID() {
		t.Errorf("WaitPid(a) = %d, %v", pid, err)
	}
}

// TestExec tests replacing the running task's program.
func TestExec(t *testing.T) {
	k, _ := testKernel(t)
	cur := k.Current()
	k.Fork()
	before := cur.TrapContext()

	if err := k.Exec("missing"); !errors.Is(err, loader.ErrImageNotFound) {
		t.Fatalf("Exec(missing) error = %v, want ErrImageNotFound", err)
	}
	if cur.TrapContext() != before {
		t.Error("failed Exec() changed the trap context")
	}

	writeUser(t, cur, dataVA, []byte("old"))
	oldToken := cur.Token()
	if err := k.Exec("exec_target"); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if k.Current() != cur || cur.Status() != StatusRunning {
		t.Error("Exec() changed the running task")
	}
	if cx := cur.TrapContext(); cx.Sepc != 0x10040 {
		t.Errorf("Sepc = %#x, want 0x10040", cx.Sepc)
	}
	if cur.ChildCount() != 1 {
		t.Errorf("ChildCount() = %d, want 1 after exec", cur.ChildCount())
	}
	if got := readUser(t, cur, dataVA, 3); string(got) == "old" {
		t.Error("Exec() kept the old data segment")
	}
	if cur.Token() == oldToken {
		t.Error("Token() unchanged after Exec()")
	}
}

// TestSpawn tests creating a child straight from an image.
func TestSpawn(t *testing.T) {
	k, _ := testKernel(t)
	parent := k.Current()

	if _, err := k.Spawn("missing"); !errors.Is(err, loader.ErrImageNotFound) {
		t.Fatalf("Spawn(missing) error = %v", err)
	}
	if parent.ChildCount() != 0 || k.Manager().Len() != 0 {
		t.Fatal("failed Spawn() left a child behind")
	}

	writeUser(t, parent, dataVA, []byte("mine"))
	child, err := k.Spawn("exec_target")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if child.ParentPID() != parent.PID() || !k.Manager().Contains(child) {
		t.Error("spawned child not linked or not ready")
	}
	cx := child.TrapContext()
	if cx.Sepc != 0x10040 || cx.X[RegSP] != uint64(heapBase) {
		t.Errorf("child Sepc/SP = %#x/%#x", cx.Sepc, cx.X[RegSP])
	}
	if got := readUser(t, child, dataVA, 4); string(got) == "mine" {
		t.Error("spawned child sees the parent's memory")
	}
}

// TestChangeProgramBrk tests moving the program break up and down.
func TestChangeProgramBrk(t *testing.T) {
	k, _ := testKernel(t)

	old, err := k.ChangeProgramBrk(mm.PageSize)
	if err != nil || old != heapBase {
		t.Fatalf("ChangeProgramBrk(+page) = %v, %v, want %v", old, err, heapBase)
	}
	writeUser(t, k.Current(), heapBase+8, []byte{1})

	if _, err := k.ChangeProgramBrk(-2 * mm.PageSize); !errors.Is(err, ErrBadBreak) {
		t.Errorf("ChangeProgramBrk(below base) error = %v, want ErrBadBreak", err)
	}
	old, err = k.ChangeProgramBrk(-mm.PageSize)
	if err != nil || old != heapBase+mm.PageSize {
		t.Errorf("ChangeProgramBrk(-page) = %v, %v", old, err)
	}
}

// TestSetPriority tests changing the running task's priority.
func TestSetPriority(t *testing.T) {
	k, _ := testKernel(t)
	if err := k.SetPriority(1); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("SetPriority(1) error = %v, want ErrInvalidPriority", err)
	}
	if k.Current().Priority() != 16 {
		t.Error("rejected SetPriority() changed the priority")
	}
	if err := k.SetPriority(2); err != nil {
		t.Fatalf("SetPriority(2) error = %v", err)
	}

	before := k.Current().Stride()
	k.SuspendCurrentAndRunNext()
	if got := k.Current().Stride() - before; got != k.Manager().Pass(2) {
		t.Errorf("stride advanced by %d, want %d", got, k.Manager().Pass(2))
	}
}

// TestInitExitHalts tests that the init process exiting halts the kernel.
func TestInitExitHalts(t *testing.T) {
	k, _ := testKernel(t)
	if err := k.ExitCurrentAndRunNext(3); err != nil {
		t.Fatal(err)
	}
	code, halted := k.Halted()
	if !halted || code != 3 {
		t.Errorf("Halted() = %d, %v, want 3, true", code, halted)
	}
	if k.Current() != nil {
		t.Error("a task still runs after halt")
	}
	if err := k.SuspendCurrentAndRunNext(); !errors.Is(err, ErrHalted) {
		t.Errorf("SuspendCurrentAndRunNext() error = %v, want ErrHalted", err)
	}
}

// TestLastTaskExitPanics tests that running out of tasks panics.
func TestLastTaskExitPanics(t *testing.T) {
	k, _ := testKernel(t)
	child, _ := k.Fork()
	k.SuspendCurrentAndRunNext()

	// drain the ready set behind the scheduler's back
	root := k.InitProc()
	k.Manager().ready.With(func(q *[]*TaskControlBlock) { *q = (*q)[:0] })
	root.drop()

	if k.Current() != child {
		t.Fatal("child not running")
	}
	expectKernelPanic(t, "no runnable task", func() { k.ExitCurrentAndRunNext(0) })
}
