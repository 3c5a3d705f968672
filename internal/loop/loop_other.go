//go:build !linux

// Package loop binds disk images to Linux loop devices.
package loop

import "github.com/containerd/errdefs"

// Setup binds backingFile to a free loop device.
func Setup(backingFile string, cfg Config) (*Device, error) {
	return nil, errdefs.ErrNotImplemented
}

// GetInfo retrieves the current status of the loop device.
func (d *Device) GetInfo() (*LoopInfo64, error) {
	return nil, errdefs.ErrNotImplemented
}

// Rescan re-reads the partition table of the device.
func (d *Device) Rescan() error {
	return errdefs.ErrNotImplemented
}

// Detach detaches the loop device.
func (d *Device) Detach() error {
	return nil
}

// DetachPath detaches a loop device by its path.
func DetachPath(loopPath string) error {
	return nil
}
