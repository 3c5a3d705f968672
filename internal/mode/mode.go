package mode

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Mode is the exposure state of the volumes.
type Mode int

const (
	// Unknown is reported when no mode was ever recorded. It is never
	// written.
	Unknown Mode = iota
	// Present exposes the images to the USB host.
	Present
	// Edit mounts the images read-write locally.
	Edit
)

func (m Mode) String() string {
	switch m {
	case Present:
		return "present"
	case Edit:
		return "edit"
	default:
		return "unknown"
	}
}

// ParseMode parses a recorded mode. Anything unrecognised is Unknown.
func ParseMode(s string) Mode {
	switch strings.TrimSpace(s) {
	case "present":
		return Present
	case "edit":
		return Edit
	default:
		return Unknown
	}
}

// Record is the persisted mode. It can be read by anyone; only a
// Controller writes it, as the last step of a successful transition.
type Record struct {
	path string
}

// NewRecord returns the record stored at path.
func NewRecord(path string) *Record {
	return &Record{path: path}
}

// Path returns the location of the record.
func (r *Record) Path() string {
	return r.path
}

// Read returns the recorded mode, or Unknown when nothing was recorded.
func (r *Record) Read() (Mode, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Unknown, nil
		}
		return Unknown, fmt.Errorf("failed to read mode record: %w", err)
	}
	return ParseMode(string(data)), nil
}

// write replaces the record atomically so readers see either the old or
// the new mode, never a partial write.
func (r *Record) write(m Mode) error {
	if m == Unknown {
		return fmt.Errorf("refusing to record mode %s", m)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create mode record directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".mode-*")
	if err != nil {
		return fmt.Errorf("failed to write mode record: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(m.String() + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write mode record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync mode record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace mode record: %w", err)
	}
	return nil
}
