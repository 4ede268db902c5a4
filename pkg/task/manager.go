package task

import (
	"kcore/pkg/upcell"
)

// MinPriority is the lowest priority a task may have. Anything smaller would
// make the pass size undefined or larger than half the stride space.
const MinPriority = 2

// Manager is the stride scheduler's ready set.
type Manager struct {
	bigStride uint64
	ready     *upcell.Cell[[]*TaskControlBlock]
}

// NewManager creates an empty ready set. bigStride is divided by a task's
// priority to get its pass.
func NewManager(bigStride uint64) *Manager {
	return &Manager{
		bigStride: bigStride,
		ready:     upcell.New([]*TaskControlBlock{}),
	}
}

// StrideLess orders two strides by their wrapped difference, so a stride that
// overflowed past zero still sorts after one just below the maximum.
func StrideLess(a, b uint64) bool {
	return int64(a-b) < 0
}

// Pass returns the stride increment for a priority.
func (m *Manager) Pass(priority uint64) uint64 {
	return m.bigStride / priority
}

// Add puts a ready task in the ready set.
func (m *Manager) Add(t *TaskControlBlock) {
	if s := t.Status(); s != StatusReady {
		kernelPanic("pid %d added to the ready set while %v", t.PID(), s)
	}
	q := m.ready.Borrow()
	defer m.ready.Release()
	*q = append(*q, t)
	t.acquire()
}

// Fetch removes and returns the ready task with the smallest stride, then
// advances its stride by its pass. Running out of ready tasks is fatal.
func (m *Manager) Fetch() *TaskControlBlock {
	q := m.ready.Borrow()
	defer m.ready.Release()

	best := -1
	var bestStride uint64
	for i, t := range *q {
		inner := t.Exclusive()
		status, stride := inner.Status, inner.Stride
		t.Release()

		if status != StatusReady {
			continue
		}
		if best < 0 || StrideLess(stride, bestStride) {
			best, bestStride = i, stride
		}
	}
	if best < 0 {
		kernelPanic("no runnable task")
	}

	t := (*q)[best]
	*q = append((*q)[:best], (*q)[best+1:]...)
	t.drop()

	inner := t.Exclusive()
	inner.Stride += m.Pass(inner.Priority)
	t.Release()
	return t
}

// Len returns the size of the ready set.
func (m *Manager) Len() int {
	q := m.ready.Borrow()
	defer m.ready.Release()
	return len(*q)
}

// Contains reports whether the task is in the ready set.
func (m *Manager) Contains(t *TaskControlBlock) bool {
	q := m.ready.Borrow()
	defer m.ready.Release()
	for _, r := range *q {
		if r == t {
			return true
		}
	}
	return false
}
