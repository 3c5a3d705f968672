//go:build !linux

package fsck

import "github.com/containerd/errdefs"

func swapOn(path string) error {
	return errdefs.ErrNotImplemented
}

func swapOff(path string) error {
	return errdefs.ErrNotImplemented
}
