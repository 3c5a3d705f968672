// Package volume describes the disk images the gadget exposes and looks
// them up by role or exposure index.
package volume

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
)

// Kind is the filesystem a volume was formatted with. It is chosen by
// capacity when the image is created and never changes afterwards.
type Kind string

const (
	// KindFAT is the smaller-cluster FAT32 format.
	KindFAT Kind = "vfat"
	// KindExFAT is the large-capacity format.
	KindExFAT Kind = "exfat"
)

// DefaultKindThreshold is the capacity at and above which images are
// formatted exFAT.
const DefaultKindThreshold = 32 * datasize.GB

// KindForCapacity returns the filesystem chosen for an image of the given
// size.
func KindForCapacity(size, threshold datasize.ByteSize) Kind {
	if threshold == 0 {
		threshold = DefaultKindThreshold
	}
	if size >= threshold {
		return KindExFAT
	}
	return KindFAT
}

// ParseKind accepts the names used in configuration files.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "vfat", "fat", "fat32":
		return KindFAT, nil
	case "exfat":
		return KindExFAT, nil
	}
	return "", fmt.Errorf("unknown filesystem kind %q", s)
}

func (k Kind) String() string { return string(k) }

// NeedsSwap reports whether checking this kind can exhaust memory on a
// small host.
func (k Kind) NeedsSwap() bool { return k == KindExFAT }

// Volume is one logical storage unit backed by a disk image.
type Volume struct {
	// Name is the role of the volume, e.g. "cam" or "lightshow".
	Name string
	// Image is the backing image file.
	Image string
	// Kind is the filesystem inside the image.
	Kind Kind
	// Index is the position in the LUN list presented to the USB host.
	Index int
	// Partition is the partition inside the image holding the filesystem;
	// 0 means the whole image.
	Partition int
	// PresentPath is the local read-only mount used while exposed. Empty
	// when the volume has no local view in present mode.
	PresentPath string
	// EditPath is the local read-write mount used while released.
	EditPath string
	// ReadOnly exposes the volume write-protected to the USB host.
	ReadOnly bool
	// Size is the image capacity; it scales consistency check timeouts.
	Size datasize.ByteSize
	// Shares are the network shares serving files from EditPath.
	Shares []string
}

func (v *Volume) String() string {
	return fmt.Sprintf("%s(lun%d)", v.Name, v.Index)
}

// Capacity returns Size, probing the image file when it is not configured.
func (v *Volume) Capacity() datasize.ByteSize {
	if v.Size > 0 {
		return v.Size
	}
	fi, err := os.Stat(v.Image)
	if err != nil {
		return 0
	}
	return datasize.ByteSize(fi.Size())
}
