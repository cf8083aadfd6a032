package cli

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ioprio_set(2) constants from linux/ioprio.h, not exported by x/sys.
const (
	ioprioWhoProcess = 1
	ioprioClassIdle  = 3
	ioprioClassShift = 13
)

// lowerPriority drops the daemon to nice 19 and the idle IO scheduling
// class. Prefetch work only runs when nothing else wants the disk or
// the CPU.
func lowerPriority() error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, 19); err != nil {
		return fmt.Errorf("setpriority: %w", err)
	}
	_, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET,
		uintptr(ioprioWhoProcess), 0, uintptr(ioprioClassIdle<<ioprioClassShift))
	if errno != 0 {
		return fmt.Errorf("ioprio_set: %w", errno)
	}
	return nil
}
