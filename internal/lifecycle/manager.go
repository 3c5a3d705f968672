// Package lifecycle binds disk images to loop devices and mounts, remounts
// and unmounts them locally.
//
// Every binding is owned by a LoopHandle that must be released on all exit
// paths of the operation that created it. Bind reuses an existing binding
// for the same image instead of creating a second one, so re-running an
// interrupted operation never stacks loop devices.
//
// Unmount escalates through a RetryPolicy: plain unmount, then terminating
// the processes that hold the mount open, then a lazy detach. A target that
// is still visibly mounted afterwards is reported as StillBusy; callers about
// to expose the image externally must treat that as a hard stop.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/log"

	"github.com/mphacker/TeslaUSB-sub000/internal/loop"
	"github.com/mphacker/TeslaUSB-sub000/internal/volume"
)

const (
	defaultNodeAttempts = 10
	defaultNodeInterval = 500 * time.Millisecond
)

// LoopHandle owns one loop binding.
type LoopHandle struct {
	// Image is the bound image file.
	Image string
	// Device is the loop device.
	Device *loop.Device
	// Node is the block node holding the filesystem, e.g. /dev/loop0p1.
	Node string
	// Reused is set when the binding existed before Bind was called.
	Reused bool

	mu       sync.Mutex
	released bool
	m        *Manager
}

// Release detaches the binding. It is safe to call more than once.
func (h *LoopHandle) Release(ctx context.Context) error {
	if h == nil {
		return nil
	}
	return h.m.Release(ctx, h)
}

// Released reports whether Release has completed.
func (h *LoopHandle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

type managerConfig struct {
	binder       Binder
	mounter      Mounter
	holders      HolderTerminator
	policy       RetryPolicy
	nodeAttempts int
	nodeInterval time.Duration
	flush        func(string) error
	nodeExists   func(string) bool
}

// Opt configures a Manager.
type Opt func(*managerConfig)

// WithRetryPolicy sets the unmount escalation policy.
func WithRetryPolicy(p RetryPolicy) Opt {
	return func(c *managerConfig) {
		c.policy = p
	}
}

// WithNodeWait bounds the wait for partition nodes after a bind.
func WithNodeWait(attempts int, interval time.Duration) Opt {
	return func(c *managerConfig) {
		c.nodeAttempts = attempts
		c.nodeInterval = interval
	}
}

// WithBinder replaces the loop device backend.
func WithBinder(b Binder) Opt {
	return func(c *managerConfig) {
		c.binder = b
	}
}

// WithMounter replaces the mount table backend.
func WithMounter(m Mounter) Opt {
	return func(c *managerConfig) {
		c.mounter = m
	}
}

// WithHolderTerminator replaces the process holder backend.
func WithHolderTerminator(h HolderTerminator) Opt {
	return func(c *managerConfig) {
		c.holders = h
	}
}

// WithFlusher replaces the write flush used before mutating calls.
func WithFlusher(f func(string) error) Opt {
	return func(c *managerConfig) {
		c.flush = f
	}
}

// WithNodeCheck replaces the device node existence check.
func WithNodeCheck(f func(string) bool) Opt {
	return func(c *managerConfig) {
		c.nodeExists = f
	}
}

// Manager is the loop/mount lifecycle manager.
type Manager struct {
	binder       Binder
	mounter      Mounter
	holders      HolderTerminator
	policy       RetryPolicy
	nodeAttempts int
	nodeInterval time.Duration
	flush        func(string) error
	nodeExists   func(string) bool

	// bindMu serializes find-or-create so two callers in this process
	// never bind the same image twice.
	bindMu sync.Mutex
}

// NewManager returns a Manager backed by the host's loop devices and
// mount table unless overridden by opts.
func NewManager(opts ...Opt) *Manager {
	c := managerConfig{
		binder:       loopBinder{},
		mounter:      sysMounter{},
		holders:      procHolders{},
		policy:       DefaultRetryPolicy(),
		nodeAttempts: defaultNodeAttempts,
		nodeInterval: defaultNodeInterval,
		flush:        syncPath,
		nodeExists: func(p string) bool {
			_, err := os.Stat(p)
			return err == nil
		},
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.nodeAttempts < 1 {
		c.nodeAttempts = 1
	}

	return &Manager{
		binder:       c.binder,
		mounter:      c.mounter,
		holders:      c.holders,
		policy:       c.policy,
		nodeAttempts: c.nodeAttempts,
		nodeInterval: c.nodeInterval,
		flush:        c.flush,
		nodeExists:   c.nodeExists,
	}
}

// Flush writes out pending data for the filesystem holding path.
func (m *Manager) Flush(path string) error {
	if err := m.flush(path); err != nil {
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	return nil
}

// Bind returns a handle on the loop binding for image, creating the
// binding when none exists, and waits for the node of the given partition
// to appear.
func (m *Manager) Bind(ctx context.Context, image string, partition int) (*LoopHandle, error) {
	if err := m.Flush(image); err != nil {
		return nil, err
	}

	m.bindMu.Lock()
	defer m.bindMu.Unlock()

	dev, err := m.binder.Find(image)
	if err != nil {
		return nil, fmt.Errorf("failed to look up loop binding for %s: %w", image, err)
	}

	reused := dev != nil
	if !reused {
		dev, err = m.binder.Setup(image, loop.Config{Partscan: partition > 0})
		if err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", image, err)
		}
	}

	h := &LoopHandle{
		Image:  image,
		Device: dev,
		Node:   dev.PartitionPath(partition),
		Reused: reused,
		m:      m,
	}

	if err := m.waitForNode(ctx, h); err != nil {
		if !reused {
			if derr := m.binder.Detach(dev); derr != nil {
				log.G(ctx).WithError(derr).WithField("device", dev.Path).Warn("failed to detach after node wait failure")
			}
		}
		return nil, err
	}

	log.G(ctx).WithFields(log.Fields{
		"image":  image,
		"device": dev.Path,
		"node":   h.Node,
		"reused": reused,
	}).Debug("bound image")
	return h, nil
}

// waitForNode polls for the partition node, which udev creates
// asynchronously after the bind. A reused binding may have been made
// without partition scanning, so it gets a rescan when its node is absent.
func (m *Manager) waitForNode(ctx context.Context, h *LoopHandle) error {
	rescanned := !h.Reused
	op := func() error {
		if m.nodeExists(h.Node) {
			return nil
		}
		if !rescanned {
			rescanned = true
			if err := m.binder.Rescan(h.Device); err != nil {
				log.G(ctx).WithError(err).WithField("device", h.Device.Path).Debug("partition rescan failed")
			}
		}
		return ErrNodeTimeout
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(m.nodeInterval), uint64(m.nodeAttempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, ErrNodeTimeout) {
			return fmt.Errorf("%s after %d attempts: %w", h.Node, m.nodeAttempts, ErrNodeTimeout)
		}
		return err
	}
	return nil
}

// Mount mounts the handle's node at target. Mounting a target that is
// already mounted from the same node with the same access is a no-op; any
// other existing mount fails with ErrAccessMismatch.
func (m *Manager) Mount(ctx context.Context, h *LoopHandle, target string, kind volume.Kind, access Access, owner Owner) error {
	mp, err := m.mounter.Lookup(target)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", target, err)
	}
	if mp != nil {
		if mp.Source == h.Node && mp.Access() == access {
			log.G(ctx).WithField("target", target).Debug("already mounted")
			return nil
		}
		return fmt.Errorf("%s is mounted %s from %s, want %s from %s: %w",
			target, mp.Access(), mp.Source, access, h.Node, ErrAccessMismatch)
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", target, err)
	}
	if err := m.Flush(target); err != nil {
		return err
	}

	opts := MountOptions(kind, access, owner)
	if err := m.mounter.Mount(h.Node, target, string(kind), opts); err != nil {
		return fmt.Errorf("failed to mount %s at %s: %w", h.Node, target, err)
	}

	log.G(ctx).WithFields(log.Fields{
		"node":   h.Node,
		"target": target,
		"access": access,
	}).Info("mounted")
	return nil
}

// Remount changes the access mode of a mounted target in place.
func (m *Manager) Remount(ctx context.Context, target string, access Access) error {
	mp, err := m.mounter.Lookup(target)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", target, err)
	}
	if mp == nil {
		return fmt.Errorf("%s: %w", target, ErrNotMounted)
	}
	if mp.Access() == access {
		return nil
	}

	if err := m.Flush(target); err != nil {
		return err
	}
	if err := m.mounter.Remount(target, access == AccessRO); err != nil {
		return fmt.Errorf("failed to remount %s %s: %w", target, access, err)
	}

	log.G(ctx).WithFields(log.Fields{
		"target": target,
		"access": access,
	}).Info("remounted")
	return nil
}

// MountedAccess reports whether target is mounted and with which access.
func (m *Manager) MountedAccess(target string) (*MountPoint, error) {
	return m.mounter.Lookup(target)
}

// Unmount removes the mount at target, escalating per the retry policy.
// A target that is not mounted is reported Unmounted.
func (m *Manager) Unmount(ctx context.Context, target string) (UnmountStatus, error) {
	mp, err := m.mounter.Lookup(target)
	if err != nil {
		return StillBusy, fmt.Errorf("failed to inspect %s: %w", target, err)
	}
	if mp == nil {
		return Unmounted, nil
	}

	if err := m.Flush(target); err != nil {
		log.G(ctx).WithError(err).WithField("target", target).Warn("flush before unmount failed")
	}

	stage, ok, err := m.policy.Run(ctx, func(ctx context.Context, stage Stage) (bool, error) {
		return m.unmountAttempt(ctx, target, stage)
	})
	if err != nil {
		return StillBusy, err
	}
	if !ok {
		log.G(ctx).WithField("target", target).Error("mount survived every unmount stage")
		return StillBusy, nil
	}

	entry := log.G(ctx).WithFields(log.Fields{
		"target": target,
		"stage":  stage,
	})
	if stage == StageLazy {
		entry.Warn("lazily detached busy mount")
	} else {
		entry.Info("unmounted")
	}
	return Unmounted, nil
}

func (m *Manager) unmountAttempt(ctx context.Context, target string, stage Stage) (bool, error) {
	flags := 0
	switch stage {
	case StageTerminate:
		n, err := m.holders.Terminate(ctx, target, m.policy.TermGrace)
		if err != nil {
			log.G(ctx).WithError(err).WithField("target", target).Warn("failed to terminate mount holders")
		} else if n > 0 {
			log.G(ctx).WithFields(log.Fields{"target": target, "count": n}).Info("signalled mount holders")
		}
	case StageLazy:
		flags = lazyUnmountFlags
	}

	if err := m.mounter.Unmount(target, flags); err != nil {
		log.G(ctx).WithError(err).WithFields(log.Fields{
			"target": target,
			"stage":  stage,
		}).Debug("unmount attempt failed")
	}

	mp, err := m.mounter.Lookup(target)
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", target, err)
	}
	return mp == nil, nil
}

// Release detaches the handle's binding. Releasing twice is a no-op.
func (m *Manager) Release(ctx context.Context, h *LoopHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}

	if err := m.Flush(h.Node); err != nil {
		log.G(ctx).WithError(err).WithField("node", h.Node).Debug("flush before release failed")
	}
	if err := m.binder.Detach(h.Device); err != nil {
		return fmt.Errorf("failed to release %s (%s): %w", h.Device.Path, h.Image, err)
	}
	h.released = true

	log.G(ctx).WithFields(log.Fields{
		"image":  h.Image,
		"device": h.Device.Path,
	}).Debug("released binding")
	return nil
}

// Binding returns the loop device image is bound to, or nil.
func (m *Manager) Binding(image string) (*loop.Device, error) {
	m.bindMu.Lock()
	defer m.bindMu.Unlock()
	dev, err := m.binder.Find(image)
	if err != nil {
		return nil, fmt.Errorf("failed to look up loop binding for %s: %w", image, err)
	}
	return dev, nil
}
