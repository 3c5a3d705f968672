package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/mphacker/TeslaUSB-sub000/internal/volume"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.CheckMode != "quick" {
		t.Errorf("check_mode = %q", c.CheckMode)
	}
	if c.QuickEdit.StaleAfter != 120*time.Second {
		t.Errorf("stale_after = %v", c.QuickEdit.StaleAfter)
	}
	if c.QuickEdit.Wait != 10*time.Second {
		t.Errorf("wait = %v", c.QuickEdit.Wait)
	}
	if c.Bind.NodeAttempts*int(c.Bind.NodeInterval/time.Millisecond) != 5000 {
		t.Errorf("node wait should total 5s, got %d x %v", c.Bind.NodeAttempts, c.Bind.NodeInterval)
	}
	if c.KindThreshold != 32*datasize.GB {
		t.Errorf("kind_threshold = %s", c.KindThreshold.HR())
	}
	if c.Swap.MemoryThreshold != datasize.GB {
		t.Errorf("swap.memory_threshold = %s", c.Swap.MemoryThreshold.HR())
	}
	if len(c.Volumes) != 2 {
		t.Fatalf("expected 2 default volumes, got %d", len(c.Volumes))
	}

	r, err := c.Registry()
	if err != nil {
		t.Fatalf("Registry: %v", err)
	}
	ls, err := r.ByName("lightshow")
	if err != nil {
		t.Fatal(err)
	}
	if !ls.ReadOnly || ls.Kind != volume.KindFAT || ls.PresentPath == "" {
		t.Errorf("unexpected lightshow volume: %+v", ls)
	}
}

func TestLoadOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gadget.yaml")
	data := `
check_mode: repair
gadget:
  driver: configfs
  udc: fe980000.usb
volumes:
  - name: music
    image: /backingfiles/music_disk.bin
    index: 0
    size: 64GB
    edit_path: /mnt/gadget/part3
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.CheckMode != "repair" || c.Gadget.Driver != "configfs" || c.Gadget.UDC != "fe980000.usb" {
		t.Errorf("overrides not applied: %+v", c)
	}
	// Untouched keys keep their defaults.
	if c.Gadget.Name != "teslausb" {
		t.Errorf("gadget.name = %q", c.Gadget.Name)
	}
	if len(c.Volumes) != 1 {
		t.Fatalf("volumes list should be replaced, got %d entries", len(c.Volumes))
	}

	r, err := c.Registry()
	if err != nil {
		t.Fatalf("Registry: %v", err)
	}
	music, err := r.ByName("music")
	if err != nil {
		t.Fatal(err)
	}
	if music.Kind != volume.KindExFAT {
		t.Errorf("64GB volume without kind should be exfat, got %s", music.Kind)
	}
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gadget.json")
	if err := os.WriteFile(path, []byte(`{"present_views": false, "share": {"enabled": false}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.PresentViews || c.Share.Enabled {
		t.Errorf("json overrides not applied: present_views=%v share.enabled=%v", c.PresentViews, c.Share.Enabled)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"bad check mode": "check_mode: thorough\n",
		"bad driver":     "gadget:\n  driver: usbip\n",
		"zero attempts":  "unmount:\n  attempts: 0\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "gadget.yaml")
			if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "gadget.toml")); err == nil || !strings.Contains(err.Error(), "no parser") {
		t.Errorf("expected unknown format error, got %v", err)
	}
}

func TestResolveOwner(t *testing.T) {
	c := &Config{Owner: "1000:1001"}
	uid, gid, err := c.ResolveOwner()
	if err != nil {
		t.Fatalf("ResolveOwner: %v", err)
	}
	if uid != 1000 || gid != 1001 {
		t.Errorf("got %d:%d", uid, gid)
	}

	c.Owner = "root"
	uid, gid, err = c.ResolveOwner()
	if err != nil {
		t.Fatalf("ResolveOwner(root): %v", err)
	}
	if uid != 0 || gid != 0 {
		t.Errorf("root resolved to %d:%d", uid, gid)
	}

	c.Owner = "x:1"
	if _, _, err := c.ResolveOwner(); err == nil {
		t.Error("expected error for non-numeric uid")
	}
}
