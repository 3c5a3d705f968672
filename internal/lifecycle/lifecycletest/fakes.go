// Package lifecycletest provides in-memory loop and mount backends for
// tests of code built on lifecycle.Manager.
package lifecycletest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mphacker/TeslaUSB-sub000/internal/lifecycle"
	"github.com/mphacker/TeslaUSB-sub000/internal/loop"
)

// Binder is a fake loop device table.
type Binder struct {
	mu       sync.Mutex
	next     int
	bound    map[string]*loop.Device
	Setups   int
	Detaches int
	Rescans  int
	// SetupErr is returned by Setup when set.
	SetupErr error
}

// NewBinder returns an empty loop device table.
func NewBinder() *Binder {
	return &Binder{bound: make(map[string]*loop.Device)}
}

// Preload registers an existing binding of image, as if another process
// made it.
func (b *Binder) Preload(image string) *loop.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev := b.newDevice()
	b.bound[image] = dev
	return dev
}

func (b *Binder) newDevice() *loop.Device {
	dev := &loop.Device{Path: fmt.Sprintf("/dev/loop%d", b.next), Number: b.next}
	b.next++
	return dev
}

func (b *Binder) Find(image string) (*loop.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bound[image], nil
}

func (b *Binder) Setup(image string, cfg loop.Config) (*loop.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SetupErr != nil {
		return nil, b.SetupErr
	}
	if _, ok := b.bound[image]; ok {
		return nil, fmt.Errorf("%s bound twice", image)
	}
	b.Setups++
	dev := b.newDevice()
	b.bound[image] = dev
	return dev, nil
}

func (b *Binder) Rescan(dev *loop.Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Rescans++
	return nil
}

func (b *Binder) Detach(dev *loop.Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for image, d := range b.bound {
		if d.Path == dev.Path {
			delete(b.bound, image)
			b.Detaches++
		}
	}
	return nil
}

// Bound returns the images that currently have a binding.
func (b *Binder) Bound() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var images []string
	for image := range b.bound {
		images = append(images, image)
	}
	sort.Strings(images)
	return images
}

// Mounter is a fake mount table.
type Mounter struct {
	mu      sync.Mutex
	mounts  map[string]*lifecycle.MountPoint
	busy    map[string]int
	stuck   map[string]bool
	Calls   []string
	Options map[string][]string
	// MountErr is returned by Mount when set.
	MountErr error
}

// NewMounter returns an empty mount table.
func NewMounter() *Mounter {
	return &Mounter{
		mounts:  make(map[string]*lifecycle.MountPoint),
		busy:    make(map[string]int),
		stuck:   make(map[string]bool),
		Options: make(map[string][]string),
	}
}

// Set records target as mounted.
func (m *Mounter) Set(target, source string, readOnly bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mounts[target] = &lifecycle.MountPoint{Source: source, ReadOnly: readOnly}
}

// Busy makes the next n non-lazy unmounts of target fail.
func (m *Mounter) Busy(target string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy[target] = n
}

// Stuck makes every unmount of target fail, including lazy ones.
func (m *Mounter) Stuck(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stuck[target] = true
}

func (m *Mounter) Mount(source, target, fstype string, options []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, "mount "+target)
	if m.MountErr != nil {
		return m.MountErr
	}
	ro := false
	for _, o := range options {
		if o == "ro" {
			ro = true
		}
	}
	m.mounts[target] = &lifecycle.MountPoint{Source: source, FSType: fstype, ReadOnly: ro}
	m.Options[target] = options
	return nil
}

func (m *Mounter) Remount(target string, readOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.mounts[target]
	if !ok {
		return fmt.Errorf("%s not mounted", target)
	}
	m.Calls = append(m.Calls, fmt.Sprintf("remount %s ro=%v", target, readOnly))
	mp.ReadOnly = readOnly
	return nil
}

func (m *Mounter) Unmount(target string, flags int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, fmt.Sprintf("unmount %s flags=%d", target, flags))
	if _, ok := m.mounts[target]; !ok {
		return nil
	}
	if m.stuck[target] {
		return fmt.Errorf("%s: device or resource busy", target)
	}
	if flags == 0 && m.busy[target] > 0 {
		m.busy[target]--
		return fmt.Errorf("%s: device or resource busy", target)
	}
	delete(m.mounts, target)
	return nil
}

func (m *Mounter) Lookup(target string) (*lifecycle.MountPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.mounts[target]
	if !ok {
		return nil, nil
	}
	cp := *mp
	return &cp, nil
}

// Mounted returns the mounted targets.
func (m *Mounter) Mounted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var targets []string
	for t := range m.mounts {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return targets
}

// Holders counts Terminate calls and optionally clears a busy target.
type Holders struct {
	mu    sync.Mutex
	Calls int
	// Release, when set, is called on every Terminate, e.g. to clear
	// Mounter.Busy as if the holders exited.
	Release func(path string)
}

func (h *Holders) Terminate(ctx context.Context, path string, grace time.Duration) (int, error) {
	h.mu.Lock()
	h.Calls++
	release := h.Release
	h.mu.Unlock()
	if release != nil {
		release(path)
	}
	return 1, nil
}

// NewManager returns a lifecycle.Manager wired to the fakes with no
// waiting between retries and every device node present.
func NewManager(b *Binder, m *Mounter, h *Holders, opts ...lifecycle.Opt) *lifecycle.Manager {
	base := []lifecycle.Opt{
		lifecycle.WithBinder(b),
		lifecycle.WithMounter(m),
		lifecycle.WithHolderTerminator(h),
		lifecycle.WithRetryPolicy(lifecycle.NewRetryPolicy(2, 0, 0)),
		lifecycle.WithNodeWait(3, 0),
		lifecycle.WithFlusher(func(string) error { return nil }),
		lifecycle.WithNodeCheck(func(string) bool { return true }),
	}
	return lifecycle.NewManager(append(base, opts...)...)
}
