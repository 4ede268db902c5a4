package trap

import (
	"errors"
	"testing"

	"kcore/pkg/config"
	"kcore/pkg/klog"
	"kcore/pkg/loader"
	"kcore/pkg/syscalls"
	"kcore/pkg/task"
	"kcore/pkg/timer"
)

func setup(t *testing.T) (*Handler, *task.Kernel) {
	t.Helper()
	klog.Silence()
	images := loader.NewRegistry()
	images.RegisterImage("initproc", &loader.Image{
		Entry: 0x10000,
		Segments: []loader.Segment{
			{VAddr: 0x10000, MemSize: 0x1000, Perm: loader.PermRead | loader.PermExec},
			{VAddr: 0x11000, MemSize: 0x1000, Perm: loader.PermRead | loader.PermWrite},
		},
	})
	cfg := config.Default()
	cfg.FrameCount = 256
	k, err := task.NewKernel(cfg, images, timer.NewManualClock(0))
	if err != nil {
		t.Fatal(err)
	}
	if err := k.Boot(); err != nil {
		t.Fatal(err)
	}
	return NewHandler(k, syscalls.NewDispatcher(k)), k
}

// TestEcallAdvancesSepc tests that an ecall resumes after the ecall instruction.
func TestEcallAdvancesSepc(t *testing.T) {
	h, k := setup(t)
	ret, err := h.Ecall(syscalls.SysGetPID, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ret != 0 {
		t.Errorf("getpid = %d, want 0", ret)
	}
	if sepc := k.Current().TrapContext().Sepc; sepc != 0x10004 {
		t.Errorf("Sepc = %#x, want 0x10004", sepc)
	}
}

// TestForkReturnsTwice tests that fork results land in both parent and child.
func TestForkReturnsTwice(t *testing.T) {
	h, k := setup(t)
	parent := k.Current()

	pid, err := h.Ecall(syscalls.SysFork, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if pid <= 0 {
		t.Fatalf("parent saw fork = %d, want child pid", pid)
	}

	if err := h.Handle(CauseTimer, 0); err != nil {
		t.Fatal(err)
	}
	child := k.Current()
	if child == parent || int64(child.PID()) != pid {
		t.Fatalf("timer did not switch to the child")
	}
	cx := child.TrapContext()
	if cx.X[task.RegA0] != 0 {
		t.Errorf("child a0 = %d, want 0", cx.X[task.RegA0])
	}
	if cx.Sepc != parent.TrapContext().Sepc {
		t.Errorf("child resumes at %#x, parent at %#x", cx.Sepc, parent.TrapContext().Sepc)
	}
}

// TestResultGoesToCaller tests that a syscall result goes to the task that made the call.
func TestResultGoesToCaller(t *testing.T) {
	h, k := setup(t)
	parent := k.Current()
	h.Ecall(syscalls.SysFork, 0, 0, 0)

	ret, err := h.Ecall(syscalls.SysYield, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ret != 0 {
		t.Errorf("yield = %d, want 0", ret)
	}
	if k.Current() == parent {
		t.Fatal("yield kept the parent running")
	}
	child := k.Current()
	if pid, _ := h.Ecall(syscalls.SysGetPID, 0, 0, 0); pid != int64(child.PID()) {
		t.Errorf("child getpid = %d, want %d", pid, child.PID())
	}
	if a0 := parent.TrapContext().X[task.RegA0]; a0 != 0 {
		t.Errorf("parent a0 = %d after the child's syscall, want 0", a0)
	}
}

// TestFaultsKill tests that memory and instruction faults kill the task.
func TestFaultsKill(t *testing.T) {
	tests := []struct {
		cause Cause
		code  int32
	}{
		{CauseStorePageFault, ExitPageFault},
		{CauseLoadFault, ExitPageFault},
		{CauseInstructionPageFault, ExitPageFault},
		{CauseIllegalInstruction, ExitIllegalInstruction},
	}
	for _, tt := range tests {
		t.Run(tt.cause.String(), func(t *testing.T) {
			h, k := setup(t)
			root := k.Current()
			h.Ecall(syscalls.SysFork, 0, 0, 0)
			h.Handle(CauseTimer, 0)
			child := k.Current()

			if err := h.Handle(tt.cause, 0xdead); err != nil {
				t.Fatal(err)
			}
			if !child.IsZombie() || child.ExitCode() != tt.code {
				t.Errorf("child status/code = %v/%d, want zombie/%d", child.Status(), child.ExitCode(), tt.code)
			}
			if k.Current() != root {
				t.Error("parent not rescheduled")
			}
			if pid, _ := h.Ecall(syscalls.SysWaitPID, uint64(child.PID()), 0, 0); pid != int64(child.PID()) {
				t.Errorf("waitpid = %d, want %d", pid, child.PID())
			}
		})
	}
}

// TestRootExitHalts tests that the root task exiting through a trap halts.
func TestRootExitHalts(t *testing.T) {
	h, k := setup(t)
	if _, err := h.Ecall(syscalls.SysExit, 7, 0, 0); err != nil {
		t.Fatal(err)
	}
	if code, halted := k.Halted(); !halted || code != 7 {
		t.Errorf("Halted() = %d, %v, want 7, true", code, halted)
	}
	if err := h.Handle(CauseTimer, 0); !errors.Is(err, task.ErrHalted) {
		t.Errorf("Handle() after halt = %v, want ErrHalted", err)
	}
}

// TestUnsupportedCause tests handling a cause the kernel does not know.
func TestUnsupportedCause(t *testing.T) {
	h, _ := setup(t)
	if err := h.Handle(Cause(42), 0); err == nil {
		t.Error("Handle(cause 42) succeeded")
	}
	if got := Cause(42).String(); got != "cause(42)" {
		t.Errorf("String() = %q", got)
	}
}
