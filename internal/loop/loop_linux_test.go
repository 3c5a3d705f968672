package loop

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/containerd/containerd/v2/pkg/testutil"
)

func newBackingFile(t *testing.T, size int64) string {
	t.Helper()

	backingFile := filepath.Join(t.TempDir(), "backing.img")
	f, err := os.Create(backingFile)
	if err != nil {
		t.Fatalf("failed to create backing file: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		t.Fatalf("failed to truncate backing file: %v", err)
	}
	f.Close()
	return backingFile
}

func TestSetupAndDetach(t *testing.T) {
	testutil.RequiresRoot(t)

	backingFile := newBackingFile(t, 1024*1024)

	dev, err := Setup(backingFile, Config{ReadOnly: true})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	if !strings.HasPrefix(dev.Path, "/dev/loop") {
		t.Errorf("expected device path to start with /dev/loop, got %s", dev.Path)
	}

	info, err := dev.GetInfo()
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if info.Flags&LoFlagsReadOnly == 0 {
		t.Error("expected read-only flag to be set")
	}
	if got := info.BackingFile(); got != backingFile {
		t.Errorf("backing file mismatch: got %s, want %s", got, backingFile)
	}

	if err := dev.Detach(); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	if _, err := dev.GetInfo(); err == nil {
		t.Error("expected GetInfo to fail after detach")
	}

	// A second detach is a no-op.
	if err := dev.Detach(); err != nil {
		t.Errorf("second Detach failed: %v", err)
	}
}

func TestSetupPartscan(t *testing.T) {
	testutil.RequiresRoot(t)

	backingFile := newBackingFile(t, 1024*1024)

	dev, err := Setup(backingFile, Config{Partscan: true})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer dev.Detach()

	info, err := dev.GetInfo()
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if info.Flags&LoFlagsPartscan == 0 {
		t.Error("expected partscan flag to be set")
	}
	if info.Flags&LoFlagsReadOnly != 0 {
		t.Error("expected read-only flag to NOT be set")
	}
}

func TestFindByBackingFileLive(t *testing.T) {
	testutil.RequiresRoot(t)

	backingFile := newBackingFile(t, 1024*1024)

	dev, err := Setup(backingFile, Config{ReadOnly: true})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer dev.Detach()

	found, err := FindByBackingFile(backingFile)
	if err != nil {
		t.Fatalf("FindByBackingFile failed: %v", err)
	}
	if found == nil {
		t.Fatal("expected to find loop device")
	}
	if found.Path != dev.Path {
		t.Errorf("path mismatch: got %s, want %s", found.Path, dev.Path)
	}
}

func TestDetachNonexistent(t *testing.T) {
	if err := DetachPath("/dev/loop99999"); err != nil {
		t.Errorf("DetachPath should not error on non-existent device: %v", err)
	}

	if err := DetachPath(""); err != nil {
		t.Errorf("DetachPath should not error on empty path: %v", err)
	}
}

func TestBackingFileNotFound(t *testing.T) {
	testutil.RequiresRoot(t)

	_, err := Setup("/nonexistent/backing.img", Config{ReadOnly: true})
	if err == nil {
		t.Error("expected error for non-existent backing file")
	}
}
