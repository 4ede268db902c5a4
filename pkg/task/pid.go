package task

import "sync"

// pidAllocator hands out process ids, reusing freed ones last-in first-out.
// A pid is freed only when its task is deallocated.
type pidAllocator struct {
	mu       sync.Mutex
	current  int
	recycled []int
	live     map[int]bool
}

func newPidAllocator() *pidAllocator {
	return &pidAllocator{live: make(map[int]bool)}
}

func (a *pidAllocator) alloc() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var pid int
	if n := len(a.recycled); n > 0 {
		pid = a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
	} else {
		pid = a.current
		a.current++
	}
	a.live[pid] = true
	return pid
}

func (a *pidAllocator) dealloc(pid int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.live[pid] {
		kernelPanic("pid %d has not been allocated", pid)
	}
	delete(a.live, pid)
	a.recycled = append(a.recycled, pid)
}
