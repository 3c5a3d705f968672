package lifecycle

import (
	"os"
	"strings"

	"github.com/containerd/containerd/v2/core/mount"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// lazyUnmountFlags detaches the mount point even while it is busy.
const lazyUnmountFlags = unix.MNT_DETACH

type sysMounter struct{}

func (sysMounter) Mount(source, target, fstype string, options []string) error {
	m := mount.Mount{
		Type:    fstype,
		Source:  source,
		Options: options,
	}
	return m.Mount(target)
}

func (sysMounter) Remount(target string, readOnly bool) error {
	flags := uintptr(unix.MS_REMOUNT)
	if readOnly {
		flags |= unix.MS_RDONLY
	}
	return unix.Mount("", target, "", flags, "")
}

func (sysMounter) Unmount(target string, flags int) error {
	return mount.Unmount(target, flags)
}

func (sysMounter) Lookup(target string) (*MountPoint, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(target))
	if err != nil {
		return nil, err
	}
	if len(mounts) == 0 {
		return nil, nil
	}

	// Later entries are stacked on top of earlier ones.
	top := mounts[len(mounts)-1]
	return &MountPoint{
		Source:   top.Source,
		FSType:   top.FSType,
		ReadOnly: hasOption(top.Options, "ro"),
	}, nil
}

func hasOption(options, want string) bool {
	for _, o := range strings.Split(options, ",") {
		if o == want {
			return true
		}
	}
	return false
}

// syncPath flushes the filesystem holding path, or every filesystem when
// path cannot be opened.
func syncPath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		unix.Sync()
		return nil
	}
	defer f.Close()

	if err := unix.Syncfs(int(f.Fd())); err != nil {
		unix.Sync()
	}
	return nil
}
