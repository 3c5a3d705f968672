package loop

import (
	"os"
	"path/filepath"
	"testing"
)

// fakeSysBlock builds a /sys/block lookalike. Entries map device names to
// backing files; an empty backing file means an unconfigured device.
func fakeSysBlock(t *testing.T, entries map[string]string) {
	t.Helper()

	root := t.TempDir()
	for name, backing := range entries {
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Join(dir, "loop"), 0o755); err != nil {
			t.Fatal(err)
		}
		if backing == "" {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, "loop", "backing_file"), []byte(backing+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	old := sysBlockDir
	sysBlockDir = root
	t.Cleanup(func() { sysBlockDir = old })
}

func TestFindByBackingFile(t *testing.T) {
	fakeSysBlock(t, map[string]string{
		"loop0":   "/backingfiles/cam_disk.bin",
		"loop1":   "",
		"loop2":   "/backingfiles/music_disk.bin (deleted)",
		"loop3p1": "/backingfiles/lightshow_disk.bin",
		"sda":     "/backingfiles/lightshow_disk.bin",
	})

	tests := []struct {
		name    string
		backing string
		want    string
	}{
		{name: "configured device", backing: "/backingfiles/cam_disk.bin", want: "/dev/loop0"},
		{name: "deleted suffix stripped", backing: "/backingfiles/music_disk.bin", want: "/dev/loop2"},
		{name: "partitions and other devices ignored", backing: "/backingfiles/lightshow_disk.bin", want: ""},
		{name: "unknown image", backing: "/backingfiles/nope.bin", want: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dev, err := FindByBackingFile(tc.backing)
			if err != nil {
				t.Fatalf("FindByBackingFile: %v", err)
			}
			if tc.want == "" {
				if dev != nil {
					t.Fatalf("expected no device, got %s", dev.Path)
				}
				return
			}
			if dev == nil {
				t.Fatalf("expected %s, got none", tc.want)
			}
			if dev.Path != tc.want {
				t.Errorf("path = %s, want %s", dev.Path, tc.want)
			}
		})
	}
}

func TestPartitionPath(t *testing.T) {
	d := &Device{Path: "/dev/loop4", Number: 4}

	if got := d.PartitionPath(0); got != "/dev/loop4" {
		t.Errorf("PartitionPath(0) = %s", got)
	}
	if got := d.PartitionPath(1); got != "/dev/loop4p1" {
		t.Errorf("PartitionPath(1) = %s", got)
	}
}

func TestParseDeviceName(t *testing.T) {
	for name, want := range map[string]bool{
		"loop0":    true,
		"loop12":   true,
		"loop1p1":  false,
		"loop":     false,
		"mmcblk0":  false,
		"loop-ctl": false,
	} {
		if _, ok := parseDeviceName(name); ok != want {
			t.Errorf("parseDeviceName(%q) = %v, want %v", name, ok, want)
		}
	}
}
