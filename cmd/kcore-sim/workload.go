package main

import (
	"fmt"
	"strconv"
	"strings"

	"kcore/pkg/loader"
	"kcore/pkg/mm"
	"kcore/pkg/syscalls"
	"kcore/pkg/task"
	"kcore/pkg/trap"
)

// scratchVA is where the root process maps the page it passes program names
// through.
const scratchVA = 0x1000_0000

const workerProgram = "worker"

// waitAny is waitpid's wildcard pid as it sits in a register.
const waitAny = ^uint64(0)

func demoImage(entry uint64) *loader.Image {
	return &loader.Image{
		Entry: entry,
		Segments: []loader.Segment{
			{VAddr: 0x10000, MemSize: 0x1000, Perm: loader.PermRead | loader.PermExec, Data: []byte{0x73, 0, 0, 0}},
			{VAddr: 0x11000, MemSize: 0x1000, Perm: loader.PermRead | loader.PermWrite},
		},
	}
}

// registerBuiltins adds the demo programs the registry is missing.
func registerBuiltins(r *loader.Registry, initName string) error {
	for name, entry := range map[string]uint64{initName: 0x10000, workerProgram: 0x10000} {
		if _, ok := r.Lookup(name); ok {
			continue
		}
		if err := r.RegisterImage(name, demoImage(entry)); err != nil {
			return err
		}
	}
	return nil
}

func parsePriorities(s string) ([]uint64, error) {
	var prios []uint64
	for _, f := range strings.Split(s, ",") {
		p, err := strconv.ParseUint(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("priority %q: %w", f, err)
		}
		if p < task.MinPriority {
			return nil, fmt.Errorf("priority %d below %d", p, task.MinPriority)
		}
		prios = append(prios, p)
	}
	return prios, nil
}

type workerStats struct {
	PID        int
	Priority   uint64
	Selections int
}

type report struct {
	Workers  []workerStats
	Rounds   int
	HaltCode int32
}

// Share returns the fraction of worker selections that went to w.
func (r *report) Share(w workerStats) float64 {
	total := 0
	for _, o := range r.Workers {
		total += o.Selections
	}
	if total == 0 {
		return 0
	}
	return float64(w.Selections) / float64(total)
}

// Expected returns the share the stride scheduler aims for.
func (r *report) Expected(w workerStats) float64 {
	var sum uint64
	for _, o := range r.Workers {
		sum += o.Priority
	}
	return float64(w.Priority) / float64(sum)
}

func ecall(h *trap.Handler, id uint64, args ...uint64) (int64, error) {
	var a [3]uint64
	copy(a[:], args)
	ret, err := h.Ecall(id, a[0], a[1], a[2])
	if err != nil {
		return 0, fmt.Errorf("sys_%s: %w", syscalls.Name(id), err)
	}
	return ret, nil
}

// runWorkload has the root process spawn one worker per priority, lets the
// timer preempt for the given number of rounds, then reaps every worker and
// exits the root.
func runWorkload(k *task.Kernel, h *trap.Handler, prios []uint64, rounds int) (*report, error) {
	root := k.Current()
	if root == nil || root != k.InitProc() {
		return nil, task.ErrNoCurrent
	}

	if ret, err := ecall(h, syscalls.SysMmap, scratchVA, mm.PageSize, syscalls.PortRead|syscalls.PortWrite); err != nil || ret != 0 {
		return nil, fmt.Errorf("map scratch page: ret %d: %v", ret, err)
	}
	inner := root.Exclusive()
	err := mm.CopyToUser(inner.MemorySet.PageTable(), scratchVA, append([]byte(workerProgram), 0))
	root.Release()
	if err != nil {
		return nil, err
	}

	workers := make(map[int]*workerStats, len(prios))
	order := make([]int, 0, len(prios))
	for _, p := range prios {
		pid, err := ecall(h, syscalls.SysSpawn, scratchVA)
		if err != nil {
			return nil, err
		}
		if pid < 0 {
			return nil, fmt.Errorf("spawn %s failed", workerProgram)
		}
		workers[int(pid)] = &workerStats{PID: int(pid), Priority: p}
		order = append(order, int(pid))
	}

	configured := make(map[int]bool, len(prios))
	for i := 0; i < rounds; i++ {
		cur := k.Current()
		if w, ok := workers[cur.PID()]; ok {
			if !configured[w.PID] {
				configured[w.PID] = true
				if ret, err := ecall(h, syscalls.SysSetPriority, w.Priority); err != nil || ret < 0 {
					return nil, fmt.Errorf("pid %d set_priority(%d): ret %d: %v", w.PID, w.Priority, ret, err)
				}
			}
			w.Selections++
		}
		if err := h.Handle(trap.CauseTimer, 0); err != nil {
			return nil, err
		}
	}

	remaining := len(workers)
	for steps := 0; remaining > 0; steps++ {
		if steps > 16*len(workers)+64 {
			return nil, fmt.Errorf("%d workers left after %d steps", remaining, steps)
		}
		cur := k.Current()
		if _, ok := workers[cur.PID()]; ok {
			if _, err := ecall(h, syscalls.SysExit, 0); err != nil {
				return nil, err
			}
			continue
		}
		ret, err := ecall(h, syscalls.SysWaitPID, waitAny, 0)
		if err != nil {
			return nil, err
		}
		switch {
		case ret >= 0:
			remaining--
		case ret == -2:
			if _, err := ecall(h, syscalls.SysYield); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("waitpid returned %d with %d workers left", ret, remaining)
		}
	}

	if _, err := ecall(h, syscalls.SysExit, 0); err != nil {
		return nil, err
	}
	code, halted := k.Halted()
	if !halted {
		return nil, fmt.Errorf("root exited but the kernel kept running")
	}

	r := &report{Rounds: rounds, HaltCode: code}
	for _, pid := range order {
		r.Workers = append(r.Workers, *workers[pid])
	}
	return r, nil
}
