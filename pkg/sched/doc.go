// Package sched runs periodic realtime tasks.
//
// A Scheduler is bound to one backend for its lifetime. The simulated
// backend drives every task from a single tick loop and runs bodies on a
// worker pool; the posix-rt and kernel backends give each task its own OS
// thread, elevated to SCHED_FIFO at the task's priority.
//
// Whatever the backend, a task body is never re-entered. A boundary that
// finds the previous invocation still running counts as an overrun and the
// next invocation waits for the following boundary. A body that returns an
// error or panics faults its task, which then stays idle until it is
// unregistered.
package sched
