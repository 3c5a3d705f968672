//go:build !linux

// Package preflight checks that the host can run the gadget storage
// controller: kernel, filesystems and tools.
package preflight

import "github.com/containerd/errdefs"

// MinKernelVersion is the oldest supported kernel.
const MinKernelVersion = "4.19"

// Requirements lists what Check verifies besides the kernel version.
type Requirements struct {
	Filesystems []string
	Tools       []string
	Root        bool
}

// Check returns ErrNotImplemented: loop devices and the USB gadget exist
// only on Linux.
func Check(req Requirements) error {
	return errdefs.ErrNotImplemented
}

// KernelVersion returns the current kernel version.
func KernelVersion() (string, error) {
	return "", errdefs.ErrNotImplemented
}

// CompareVersions compares two version strings.
func CompareVersions(v1, v2 string) (int, error) {
	return 0, errdefs.ErrNotImplemented
}

// CheckKernelVersion checks if the running kernel meets the minimum version requirement.
func CheckKernelVersion(minVersion string) error {
	return errdefs.ErrNotImplemented
}

// CheckFilesystems checks that filesystems are registered with the kernel.
func CheckFilesystems(names ...string) error {
	return errdefs.ErrNotImplemented
}

// CheckTools checks that commands are in PATH.
func CheckTools(names ...string) error {
	return errdefs.ErrNotImplemented
}
