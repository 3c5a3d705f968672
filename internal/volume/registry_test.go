package volume

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/containerd/errdefs"
)

func testVolumes() []Volume {
	return []Volume{
		{Name: "lightshow", Image: "/backingfiles/lightshow_disk.bin", Kind: KindFAT, Index: 1, EditPath: "/mnt/gadget/part2", PresentPath: "/mnt/gadget/part2-ro", ReadOnly: true, Shares: []string{"LightShow"}},
		{Name: "cam", Image: "/backingfiles/cam_disk.bin", Kind: KindExFAT, Index: 0, EditPath: "/mnt/gadget/part1", Shares: []string{"TeslaCam"}},
	}
}

func TestRegistryLookups(t *testing.T) {
	r, err := NewRegistry(testVolumes())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	cam, err := r.ByName("cam")
	if err != nil {
		t.Fatalf("ByName(cam): %v", err)
	}
	if cam.Index != 0 || cam.Kind != KindExFAT {
		t.Errorf("unexpected cam volume: %+v", cam)
	}

	v, err := r.ByIndex(1)
	if err != nil {
		t.Fatalf("ByIndex(1): %v", err)
	}
	if v.Name != "lightshow" {
		t.Errorf("ByIndex(1) = %s, want lightshow", v.Name)
	}

	all := r.All()
	if len(all) != 2 || all[0].Name != "cam" || all[1].Name != "lightshow" {
		t.Errorf("All() not in exposure order: %v", all)
	}

	if got := strings.Join(r.Shares(), ","); got != "TeslaCam,LightShow" {
		t.Errorf("Shares() = %s", got)
	}
	if got := strings.Join(r.Images(), ","); got != "/backingfiles/cam_disk.bin,/backingfiles/lightshow_disk.bin" {
		t.Errorf("Images() = %s", got)
	}
}

func TestRegistryUnknownVolume(t *testing.T) {
	r, err := NewRegistry(testVolumes())
	if err != nil {
		t.Fatal(err)
	}

	_, err = r.ByName("music")
	if !errors.Is(err, ErrUnknownVolume) {
		t.Errorf("expected ErrUnknownVolume, got %v", err)
	}
	if !errdefs.IsNotFound(err) {
		t.Errorf("expected not found class, got %v", err)
	}
	if _, err := r.ByIndex(5); !errors.Is(err, ErrUnknownVolume) {
		t.Errorf("expected ErrUnknownVolume for index 5, got %v", err)
	}
}

func TestRegistryValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]Volume) []Volume
		want   string
	}{
		{"empty", func([]Volume) []Volume { return nil }, "no volumes"},
		{"missing name", func(v []Volume) []Volume { v[0].Name = ""; return v }, "name is required"},
		{"missing image", func(v []Volume) []Volume { v[0].Image = ""; return v }, "image is required"},
		{"missing edit path", func(v []Volume) []Volume { v[0].EditPath = ""; return v }, "edit mount path"},
		{"bad kind", func(v []Volume) []Volume { v[0].Kind = "ntfs"; return v }, "unsupported filesystem"},
		{"same paths", func(v []Volume) []Volume { v[0].PresentPath = v[0].EditPath; return v }, "must differ"},
		{"duplicate name", func(v []Volume) []Volume { v[1].Name = v[0].Name; return v }, "declared twice"},
		{"duplicate index", func(v []Volume) []Volume { v[1].Index = v[0].Index; return v }, "share exposure index"},
		{"duplicate image", func(v []Volume) []Volume { v[1].Image = v[0].Image; return v }, "share image"},
		{"gap in indices", func(v []Volume) []Volume { v[0].Index = 2; return v }, "contiguous"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRegistry(tc.mutate(testVolumes()))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not contain %q", err, tc.want)
			}
		})
	}
}

func TestKindForCapacity(t *testing.T) {
	tests := []struct {
		size      datasize.ByteSize
		threshold datasize.ByteSize
		want      Kind
	}{
		{8 * datasize.GB, 0, KindFAT},
		{32 * datasize.GB, 0, KindExFAT},
		{128 * datasize.GB, 0, KindExFAT},
		{4 * datasize.GB, 2 * datasize.GB, KindExFAT},
	}
	for _, tc := range tests {
		if got := KindForCapacity(tc.size, tc.threshold); got != tc.want {
			t.Errorf("KindForCapacity(%s, %s) = %s, want %s", tc.size.HR(), tc.threshold.HR(), got, tc.want)
		}
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"fat32": KindFAT, "vfat": KindFAT, "exfat": KindExFAT} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseKind("ext4"); err == nil {
		t.Error("expected error for ext4")
	}
}

func TestCapacityProbesImage(t *testing.T) {
	img := filepath.Join(t.TempDir(), "music_disk.bin")
	if err := os.WriteFile(img, make([]byte, 4096), 0o644); err != nil {
		t.Fatal(err)
	}

	v := Volume{Name: "music", Image: img}
	if got := v.Capacity(); got != 4096 {
		t.Errorf("Capacity() = %d, want 4096", got)
	}
	v.Size = 64 * datasize.GB
	if got := v.Capacity(); got != 64*datasize.GB {
		t.Errorf("configured size ignored: %d", got)
	}
}
