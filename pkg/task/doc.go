/*
Package task implements process lifecycle and scheduling for a single CPU.

A Kernel owns the task table, the ready set, the processor and the frame
allocator. It is created once with NewKernel and started with Boot, which
loads the init program as pid 0.

# Task States

  - Ready: waiting in the ready set for the CPU
  - Running: owns the CPU
  - Zombie: exited, waiting for its parent to reap it

A task becomes Zombie only from Running, and a zombie is freed only by its
parent's WaitPid. Children of an exiting task are handed to the init process.

# Scheduling

The Manager is a stride scheduler. Each task carries a stride and a priority
of at least MinPriority. Fetch picks the ready task with the smallest stride,
compared by wrapped difference, and advances it by BigStride / priority. A
task with twice the priority therefore runs about twice as often.

	k, err := task.NewKernel(cfg, images, nil)
	if err != nil {
		// handle error
	}
	if err := k.Boot(); err != nil {
		// handle error
	}
	child, err := k.Fork()

# Exclusive Access

Every TaskControlBlock and the ready set sit behind an upcell.Cell. Borrow
with Exclusive, finish with Release, and never borrow the same task twice.
Nested borrows panic.
*/
package task
