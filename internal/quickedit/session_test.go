package quickedit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/containerd/errdefs"

	"github.com/mphacker/TeslaUSB-sub000/internal/lifecycle"
	"github.com/mphacker/TeslaUSB-sub000/internal/lifecycle/lifecycletest"
	"github.com/mphacker/TeslaUSB-sub000/internal/mode"
	"github.com/mphacker/TeslaUSB-sub000/internal/volume"
)

type sessionEnv struct {
	s      *Session
	locks  *Manager
	vols   *volume.Registry
	binder *lifecycletest.Binder
	mounts *lifecycletest.Mounter
	root   string
}

func newSessionEnv(t *testing.T, current mode.Mode) *sessionEnv {
	t.Helper()
	root := t.TempDir()
	vols, err := volume.NewRegistry([]volume.Volume{
		{Name: "cam", Image: filepath.Join(root, "cam_disk.bin"), Kind: volume.KindExFAT, Index: 0, Partition: 1,
			EditPath: filepath.Join(root, "part1"), Size: 64 * datasize.GB},
		{Name: "lightshow", Image: filepath.Join(root, "lightshow_disk.bin"), Kind: volume.KindFAT, Index: 1, Partition: 1,
			EditPath: filepath.Join(root, "part2"), PresentPath: filepath.Join(root, "part2-ro"), ReadOnly: true, Size: datasize.GB},
		{Name: "music", Image: filepath.Join(root, "music_disk.bin"), Kind: volume.KindFAT, Index: 2, Partition: 1,
			EditPath: filepath.Join(root, "part3"), ReadOnly: true, Size: datasize.GB},
	})
	if err != nil {
		t.Fatal(err)
	}

	recordPath := filepath.Join(root, "mode")
	if current != mode.Unknown {
		if err := os.WriteFile(recordPath, []byte(current.String()+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	e := &sessionEnv{
		locks:  NewManager(filepath.Join(root, "quick_edit.lock"), WithPollInterval(5*time.Millisecond)),
		vols:   vols,
		binder: lifecycletest.NewBinder(),
		mounts: lifecycletest.NewMounter(),
		root:   root,
	}
	e.s = NewSession(SessionOptions{
		Locks:     e.locks,
		Record:    mode.NewRecord(recordPath),
		Volumes:   vols,
		Lifecycle: lifecycletest.NewManager(e.binder, e.mounts, &lifecycletest.Holders{}),
		Wait:      20 * time.Millisecond,
	})
	return e
}

func (e *sessionEnv) lockHeld(t *testing.T) bool {
	t.Helper()
	r, err := e.locks.Inspect()
	if err != nil {
		t.Fatal(err)
	}
	return r != nil
}

func TestQuickEditPresentView(t *testing.T) {
	ctx := context.Background()
	e := newSessionEnv(t, mode.Present)
	lightshow, _ := e.vols.ByName("lightshow")

	dev := e.binder.Preload(lightshow.Image)
	e.mounts.Set(lightshow.PresentPath, dev.PartitionPath(1), true)
	if err := os.MkdirAll(lightshow.PresentPath, 0o755); err != nil {
		t.Fatal(err)
	}

	err := e.s.Run(ctx, "lightshow", "web", func(ctx context.Context, path string) error {
		if path != lightshow.PresentPath {
			t.Errorf("path = %s, want %s", path, lightshow.PresentPath)
		}
		mp, _ := e.mounts.Lookup(path)
		if mp == nil || mp.Access() != lifecycle.AccessRW {
			t.Error("view not writable during the session")
		}
		if !e.lockHeld(t) {
			t.Error("lock not held during the session")
		}
		return os.WriteFile(filepath.Join(path, "lightshow.fseq"), []byte("seq"), 0o644)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	mp, _ := e.mounts.Lookup(lightshow.PresentPath)
	if mp == nil || mp.Access() != lifecycle.AccessRO {
		t.Errorf("view not restored to read-only: %+v", mp)
	}
	if e.lockHeld(t) {
		t.Error("lock record left behind")
	}
	if _, err := os.Stat(filepath.Join(lightshow.PresentPath, "lightshow.fseq")); err != nil {
		t.Errorf("write not performed: %v", err)
	}
}

func TestQuickEditScratchMount(t *testing.T) {
	ctx := context.Background()
	e := newSessionEnv(t, mode.Present)
	music, _ := e.vols.ByName("music")

	err := e.s.Run(ctx, "music", "rotation", func(ctx context.Context, path string) error {
		if path != music.EditPath {
			t.Errorf("path = %s, want %s", path, music.EditPath)
		}
		mp, _ := e.mounts.Lookup(path)
		if mp == nil || mp.Access() != lifecycle.AccessRW {
			t.Error("volume not mounted read-write during the session")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if mounted := e.mounts.Mounted(); len(mounted) != 0 {
		t.Errorf("scratch mount left behind: %v", mounted)
	}
	if bound := e.binder.Bound(); len(bound) != 0 {
		t.Errorf("binding left behind: %v", bound)
	}
	if e.lockHeld(t) {
		t.Error("lock record left behind")
	}
}

func TestQuickEditRestoresOnError(t *testing.T) {
	ctx := context.Background()
	e := newSessionEnv(t, mode.Present)
	boom := errors.New("upload failed")

	err := e.s.Run(ctx, "music", "web", func(context.Context, string) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if len(e.mounts.Mounted()) != 0 || len(e.binder.Bound()) != 0 {
		t.Errorf("state not restored: mounts=%v bound=%v", e.mounts.Mounted(), e.binder.Bound())
	}
	if e.lockHeld(t) {
		t.Error("lock record left behind after an error")
	}
}

func TestQuickEditRefusesWritableExport(t *testing.T) {
	e := newSessionEnv(t, mode.Present)
	called := false

	err := e.s.Run(context.Background(), "cam", "web", func(context.Context, string) error {
		called = true
		return nil
	})
	if !errdefs.IsFailedPrecondition(err) {
		t.Fatalf("expected failed precondition, got %v", err)
	}
	if called || len(e.mounts.Mounted()) != 0 {
		t.Error("volume exposed writable was mounted locally")
	}
	if e.lockHeld(t) {
		t.Error("lock record left behind")
	}
}

func TestQuickEditInEditMode(t *testing.T) {
	ctx := context.Background()
	e := newSessionEnv(t, mode.Edit)
	lightshow, _ := e.vols.ByName("lightshow")
	e.mounts.Set(lightshow.EditPath, "/dev/loop1p1", false)

	var got string
	if err := e.s.Run(ctx, "lightshow", "web", func(ctx context.Context, path string) error {
		got = path
		return nil
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != lightshow.EditPath {
		t.Errorf("path = %s", got)
	}
	for _, c := range e.mounts.Calls {
		t.Errorf("unexpected mount call %q in edit mode", c)
	}
}

func TestQuickEditLockBusy(t *testing.T) {
	ctx := context.Background()
	e := newSessionEnv(t, mode.Present)

	if _, err := e.locks.Acquire(ctx, "music", "rotation", 0); err != nil {
		t.Fatal(err)
	}
	err := e.s.Run(ctx, "music", "web", func(context.Context, string) error {
		t.Error("callback ran without the lock")
		return nil
	})
	if mode.ExitCode(err) != 5 {
		t.Fatalf("expected lock busy, got %v", err)
	}
	if !e.lockHeld(t) {
		t.Error("busy session released someone else's lock")
	}
}

func TestQuickEditUnknownVolume(t *testing.T) {
	e := newSessionEnv(t, mode.Present)
	err := e.s.Run(context.Background(), "dashcam", "web", func(context.Context, string) error { return nil })
	if !errors.Is(err, volume.ErrUnknownVolume) {
		t.Fatalf("expected ErrUnknownVolume, got %v", err)
	}
}
