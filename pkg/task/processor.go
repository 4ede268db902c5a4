package task

import "kcore/pkg/upcell"

// Processor tracks the task that owns the single CPU.
type Processor struct {
	current *upcell.Cell[*TaskControlBlock]
}

// NewProcessor creates an idle processor.
func NewProcessor() *Processor {
	return &Processor{current: upcell.New[*TaskControlBlock](nil)}
}

// Current returns the running task, or nil when idle.
func (p *Processor) Current() *TaskControlBlock {
	cur := p.current.Borrow()
	defer p.current.Release()
	return *cur
}

// TakeCurrent removes the running task from the processor.
func (p *Processor) TakeCurrent() *TaskControlBlock {
	cur := p.current.Borrow()
	defer p.current.Release()
	t := *cur
	*cur = nil
	if t != nil {
		t.drop()
	}
	return t
}

func (p *Processor) setCurrent(t *TaskControlBlock) {
	cur := p.current.Borrow()
	defer p.current.Release()
	if *cur != nil {
		kernelPanic("switching to pid %d while pid %d still runs", t.PID(), (*cur).PID())
	}
	*cur = t
	t.acquire()
}
