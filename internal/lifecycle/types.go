package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"

	"github.com/mphacker/TeslaUSB-sub000/internal/loop"
	"github.com/mphacker/TeslaUSB-sub000/internal/volume"
)

// Access is the local access mode of a mount.
type Access int

const (
	// AccessRO mounts read-only.
	AccessRO Access = iota
	// AccessRW mounts read-write.
	AccessRW
)

func (a Access) String() string {
	if a == AccessRW {
		return "rw"
	}
	return "ro"
}

// Owner is the identity files on FAT-family mounts are mapped to.
type Owner struct {
	UID int
	GID int
}

// UnmountStatus is the outcome of an unmount escalation.
type UnmountStatus int

const (
	// Unmounted means the target is no longer visible in the mount table.
	Unmounted UnmountStatus = iota
	// StillBusy means the target survived every escalation stage.
	StillBusy
)

func (s UnmountStatus) String() string {
	if s == StillBusy {
		return "still-busy"
	}
	return "unmounted"
}

// MountPoint describes an active mount.
type MountPoint struct {
	Source   string
	FSType   string
	ReadOnly bool
}

// Access returns the access mode of the mount.
func (m *MountPoint) Access() Access {
	if m.ReadOnly {
		return AccessRO
	}
	return AccessRW
}

var (
	// ErrAccessMismatch is returned by Mount when the target is already
	// mounted with another access mode or from another source.
	ErrAccessMismatch = fmt.Errorf("target already mounted differently: %w", errdefs.ErrFailedPrecondition)
	// ErrNodeTimeout is returned by Bind when the partition node did not
	// appear in time.
	ErrNodeTimeout = fmt.Errorf("loop partition node did not appear: %w", context.DeadlineExceeded)
	// ErrNotMounted is returned by Remount for targets that are not mounted.
	ErrNotMounted = fmt.Errorf("target is not mounted: %w", errdefs.ErrNotFound)
)

// Binder attaches images to loop devices.
type Binder interface {
	Find(image string) (*loop.Device, error)
	Setup(image string, cfg loop.Config) (*loop.Device, error)
	Rescan(dev *loop.Device) error
	Detach(dev *loop.Device) error
}

// Mounter performs mount table operations.
type Mounter interface {
	Mount(source, target, fstype string, options []string) error
	Remount(target string, readOnly bool) error
	Unmount(target string, flags int) error
	// Lookup returns the topmost mount at target, or nil when target is
	// not a mount point.
	Lookup(target string) (*MountPoint, error)
}

// HolderTerminator stops processes keeping files under a path open.
type HolderTerminator interface {
	// Terminate signals every holder of a file under path, escalating to
	// SIGKILL after grace, and returns how many processes it signalled.
	Terminate(ctx context.Context, path string, grace time.Duration) (int, error)
}

type loopBinder struct{}

func (loopBinder) Find(image string) (*loop.Device, error) { return loop.FindByBackingFile(image) }
func (loopBinder) Setup(image string, cfg loop.Config) (*loop.Device, error) {
	return loop.Setup(image, cfg)
}
func (loopBinder) Rescan(dev *loop.Device) error { return dev.Rescan() }
func (loopBinder) Detach(dev *loop.Device) error { return dev.Detach() }

// MountOptions returns the mount options used for a volume of the given
// kind. FAT32 maps ownership through uid/gid/umask; exFAT takes separate
// file and directory masks.
func MountOptions(kind volume.Kind, access Access, owner Owner) []string {
	opts := []string{access.String()}
	switch kind {
	case volume.KindExFAT:
		opts = append(opts,
			fmt.Sprintf("uid=%d", owner.UID),
			fmt.Sprintf("gid=%d", owner.GID),
			"fmask=0000",
			"dmask=0000",
			"iocharset=utf8",
		)
	default:
		opts = append(opts,
			fmt.Sprintf("uid=%d", owner.UID),
			fmt.Sprintf("gid=%d", owner.GID),
			"umask=000",
			"shortname=mixed",
			"utf8",
		)
		if access == AccessRW {
			opts = append(opts, "flush")
		}
	}
	return opts
}
