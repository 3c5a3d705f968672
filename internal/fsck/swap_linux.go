package fsck

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func swapOn(path string) error {
	p, err := unix.BytePtrFromString(path)
	if err != nil {
		return err
	}
	if _, _, errno := unix.Syscall(unix.SYS_SWAPON, uintptr(unsafe.Pointer(p)), 0, 0); errno != 0 {
		if errno == unix.EBUSY {
			// already active
			return nil
		}
		return fmt.Errorf("swapon %s: %w", path, errno)
	}
	return nil
}

func swapOff(path string) error {
	p, err := unix.BytePtrFromString(path)
	if err != nil {
		return err
	}
	if _, _, errno := unix.Syscall(unix.SYS_SWAPOFF, uintptr(unsafe.Pointer(p)), 0, 0); errno != 0 {
		if errno == unix.EINVAL {
			// not active
			return nil
		}
		return fmt.Errorf("swapoff %s: %w", path, errno)
	}
	return nil
}
