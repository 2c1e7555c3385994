//go:build linux

package sched

import "golang.org/x/sys/unix"

const schedFIFO = 1

// setRealtime switches the calling thread to SCHED_FIFO at prio.
func setRealtime(prio int) error {
	return unix.SchedSetAttr(0, &unix.SchedAttr{
		Policy:   schedFIFO,
		Priority: uint32(prio),
	}, 0)
}

// lockMemory pins current and future pages to avoid page faults in task
// bodies.
func lockMemory() error {
	return unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
}
