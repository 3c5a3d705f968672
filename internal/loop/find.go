package loop

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sysBlockDir is where the kernel publishes block devices. Tests point it
// at a fake tree.
var sysBlockDir = "/sys/block"

// FindByBackingFile finds a loop device associated with the given backing file.
// Returns nil if no loop device is found.
func FindByBackingFile(backingFile string) (*Device, error) {
	// Get absolute path for comparison
	absPath, err := filepath.Abs(backingFile)
	if err != nil {
		absPath = backingFile
	}

	entries, err := os.ReadDir(sysBlockDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", sysBlockDir, err)
	}

	for _, entry := range entries {
		num, ok := parseDeviceName(entry.Name())
		if !ok {
			continue
		}

		data, err := os.ReadFile(filepath.Join(sysBlockDir, entry.Name(), "loop", "backing_file"))
		if err != nil {
			continue // Device is not configured
		}

		// The kernel appends " (deleted)" when the image was unlinked.
		sysfsBackingFile := strings.TrimSuffix(strings.TrimSpace(string(data)), " (deleted)")
		if sysfsBackingFile == absPath || sysfsBackingFile == backingFile {
			return &Device{
				Path:   "/dev/" + entry.Name(),
				Number: num,
			}, nil
		}
	}

	return nil, nil
}
