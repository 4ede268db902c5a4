package task

import (
	"errors"
	"fmt"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus uint32

const (
	// StatusReady means the task is in the ready set waiting for the CPU.
	StatusReady TaskStatus = iota
	// StatusRunning means the task owns the CPU.
	StatusRunning
	// StatusZombie means the task exited and waits to be reaped.
	StatusZombie
)

func (s TaskStatus) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusZombie:
		return "zombie"
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// ErrInvalidTransition is returned for a state change the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid state transition")

type stateTransition struct {
	from TaskStatus
	to   TaskStatus
}

var validTransitions = []stateTransition{
	// scheduled
	{from: StatusReady, to: StatusRunning},
	// yield or preemption
	{from: StatusRunning, to: StatusReady},
	// exit
	{from: StatusRunning, to: StatusZombie},
}

// IsValidTransition reports whether a task may move from one status to another.
func IsValidTransition(from, to TaskStatus) bool {
	for _, t := range validTransitions {
		if t.from == from && t.to == to {
			return true
		}
	}
	return false
}

// transitionTo changes the status or fails without touching it.
func (in *TaskInner) transitionTo(to TaskStatus) error {
	if !IsValidTransition(in.Status, to) {
		return fmt.Errorf("%w: %v to %v", ErrInvalidTransition, in.Status, to)
	}
	in.Status = to
	return nil
}

// KernelPanic is the value panicked with when a bookkeeping invariant breaks.
type KernelPanic struct {
	Msg string
}

func (p KernelPanic) Error() string { return "kernel panic: " + p.Msg }

func kernelPanic(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Criticalf("%s", msg)
	panic(KernelPanic{Msg: msg})
}
