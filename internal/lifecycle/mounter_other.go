//go:build !linux

package lifecycle

import "github.com/containerd/errdefs"

const lazyUnmountFlags = 0

type sysMounter struct{}

func (sysMounter) Mount(source, target, fstype string, options []string) error {
	return errdefs.ErrNotImplemented
}

func (sysMounter) Remount(target string, readOnly bool) error {
	return errdefs.ErrNotImplemented
}

func (sysMounter) Unmount(target string, flags int) error {
	return errdefs.ErrNotImplemented
}

func (sysMounter) Lookup(target string) (*MountPoint, error) {
	return nil, errdefs.ErrNotImplemented
}

func syncPath(path string) error {
	return nil
}
