package loop

import (
	"fmt"
	"strings"
)

// Loop device flags from <linux/loop.h>
const (
	LoFlagsReadOnly = 1 << 0
	LoFlagsPartscan = 1 << 3
)

// LoopInfo64 is the loop device info structure for LOOP_SET_STATUS64/LOOP_GET_STATUS64.
// This matches the kernel's struct loop_info64 from <linux/loop.h>.
type LoopInfo64 struct {
	Device         uint64
	Inode          uint64
	Rdevice        uint64
	Offset         uint64
	SizeLimit      uint64
	Number         uint32
	EncryptType    uint32
	EncryptKeySize uint32
	Flags          uint32
	FileName       [64]byte
	CryptName      [64]byte
	EncryptKey     [32]byte
	Init           [2]uint64
}

// Config holds configuration options for binding a disk image.
type Config struct {
	// ReadOnly sets the loop device as read-only.
	ReadOnly bool
	// Partscan asks the kernel to scan the image's partition table and
	// create /dev/loopNpM nodes for each partition.
	Partscan bool
}

// Device represents an attached loop device.
type Device struct {
	// Path is the device path (e.g., "/dev/loop0").
	Path string
	// Number is the loop device number.
	Number int
}

// PartitionPath returns the node of partition n on the device.
// Partition 0 is the whole device.
func (d *Device) PartitionPath(n int) string {
	if n <= 0 {
		return d.Path
	}
	return fmt.Sprintf("%sp%d", d.Path, n)
}

// BackingFile returns the backing file path from the loop device info.
func (info *LoopInfo64) BackingFile() string {
	// Find null terminator
	for i, b := range info.FileName {
		if b == 0 {
			return string(info.FileName[:i])
		}
	}
	return string(info.FileName[:])
}

// parseDeviceName returns the loop number of a /sys/block entry such as
// "loop3". Partition entries and non-loop devices are rejected.
func parseDeviceName(name string) (int, bool) {
	if !strings.HasPrefix(name, "loop") {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(name, "loop%d", &n); err != nil {
		return 0, false
	}
	if fmt.Sprintf("loop%d", n) != name {
		return 0, false
	}
	return n, true
}
