package prefetch

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// golang.org/x/sys/unix intentionally omits Linux wrappers for
// readahead(2) and mincore(2); both are thin raw-syscall shims here so
// callers can use them like any other unix.* function.

func readahead(fd int, offset int64, count uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_READAHEAD, uintptr(fd), uintptr(offset), count)
	if errno != 0 {
		return errno
	}
	return nil
}

func mincore(data []byte, vec []byte) error {
	var dataPtr, vecPtr unsafe.Pointer
	if len(data) > 0 {
		dataPtr = unsafe.Pointer(&data[0])
	}
	if len(vec) > 0 {
		vecPtr = unsafe.Pointer(&vec[0])
	}
	_, _, errno := unix.Syscall(unix.SYS_MINCORE, uintptr(dataPtr), uintptr(len(data)), uintptr(vecPtr))
	if errno != 0 {
		return errno
	}
	return nil
}
