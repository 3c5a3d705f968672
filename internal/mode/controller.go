// Package mode implements the present/edit state machine of the gadget
// storage.
//
// In Present the disk images are exposed to the USB host, which writes to
// them as raw block devices, and nothing mounts them read-write locally. In
// Edit the exposure is withdrawn and every image is mounted read-write at
// its edit path. A transition is fatal on its first failing step, rolls
// nothing back, and writes the mode record only after every other step
// succeeded, so the record never claims a state that was not reached.
package mode

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"

	"github.com/mphacker/TeslaUSB-sub000/internal/cleanup"
	"github.com/mphacker/TeslaUSB-sub000/internal/fsck"
	"github.com/mphacker/TeslaUSB-sub000/internal/gadget"
	"github.com/mphacker/TeslaUSB-sub000/internal/lifecycle"
	"github.com/mphacker/TeslaUSB-sub000/internal/share"
	"github.com/mphacker/TeslaUSB-sub000/internal/volume"
)

// Checker checks a volume's filesystem through device.
type Checker interface {
	Check(ctx context.Context, vol *volume.Volume, device string, mode fsck.Mode) (fsck.Result, error)
}

// TransitionGuard refuses transitions while a quick-edit session is active.
type TransitionGuard interface {
	// CheckFree returns an error carrying ErrCodeLockBusy when a session
	// holds the quick-edit lock.
	CheckFree(ctx context.Context) error
}

// Options wires a Controller.
type Options struct {
	Record    *Record
	Volumes   *volume.Registry
	Lifecycle *lifecycle.Manager
	Checker   Checker
	CheckMode fsck.Mode
	Driver    gadget.Driver
	// Shares defaults to share.Noop.
	Shares share.Service
	Owner  lifecycle.Owner
	// PresentViews mounts volumes with a present path read-only while
	// exposed.
	PresentViews bool
	// Guard is optional.
	Guard TransitionGuard
}

// Controller runs mode transitions. One transition runs at a time per
// Controller.
type Controller struct {
	mu sync.Mutex

	record       *Record
	volumes      *volume.Registry
	lc           *lifecycle.Manager
	checker      Checker
	checkMode    fsck.Mode
	driver       gadget.Driver
	shares       share.Service
	owner        lifecycle.Owner
	presentViews bool
	guard        TransitionGuard
}

// NewController returns a Controller.
func NewController(o Options) *Controller {
	c := &Controller{
		record:       o.Record,
		volumes:      o.Volumes,
		lc:           o.Lifecycle,
		checker:      o.Checker,
		checkMode:    o.CheckMode,
		driver:       o.Driver,
		shares:       o.Shares,
		owner:        o.Owner,
		presentViews: o.PresentViews,
		guard:        o.Guard,
	}
	if c.shares == nil {
		c.shares = share.Noop{}
	}
	return c
}

// Record returns the mode record the controller writes.
func (c *Controller) Record() *Record {
	return c.record
}

func (c *Controller) begin(ctx context.Context, target Mode) (context.Context, error) {
	if c.guard != nil {
		if err := c.guard.CheckFree(ctx); err != nil {
			return ctx, err
		}
	}
	current, err := c.record.Read()
	if err != nil {
		return ctx, err
	}
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("transition", fmt.Sprintf("%s->%s", current, target)))
	log.G(ctx).Info("starting transition")
	return ctx, nil
}

func step(ctx context.Context, n int, msg string) {
	log.G(ctx).WithField("step", n).Info(msg)
}

// EnterPresent releases every local mount, checks every volume and
// exposes the images to the USB host.
func (c *Controller) EnterPresent(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, err := c.begin(ctx, Present)
	if err != nil {
		return err
	}
	vols := c.volumes.All()

	step(ctx, 1, "stopping file sharing")
	if err := c.shares.CloseShares(ctx, c.volumes.Shares()); err != nil {
		log.G(ctx).WithError(err).Warn("failed to close share handles")
	}
	if err := c.shares.Stop(ctx); err != nil {
		return err
	}

	step(ctx, 2, "flushing volumes")
	for _, v := range vols {
		for _, target := range localPaths(v) {
			if mp, err := c.lc.MountedAccess(target); err == nil && mp != nil {
				if err := c.lc.Flush(target); err != nil {
					log.G(ctx).WithError(err).WithField("target", target).Warn("flush failed")
				}
			}
		}
	}

	step(ctx, 3, "unmounting local mounts")
	for _, v := range vols {
		for _, target := range localPaths(v) {
			status, err := c.lc.Unmount(ctx, target)
			if err != nil || status == lifecycle.StillBusy {
				return &ResourceBusyError{Volume: v.Name, Target: target, Cause: err}
			}
		}
	}

	// Images are never checked while the USB host can write to them.
	attached, err := c.driver.Attached(ctx)
	if err != nil {
		return &DriverAttachError{Operation: "query", Cause: err}
	}
	if attached {
		step(ctx, 3, "detaching gadget before checks")
		if err := c.driver.Detach(ctx); err != nil {
			return &DriverAttachError{Operation: "detach", Cause: err}
		}
	}

	step(ctx, 4, "checking volumes")
	var bindings cleanup.Stack
	defer bindings.Run(ctx)
	if err := c.checkAll(ctx, vols, &bindings); err != nil {
		return err
	}

	step(ctx, 5, "releasing check bindings")
	if err := bindings.Run(ctx); err != nil {
		return fmt.Errorf("failed to release check bindings: %w", err)
	}

	step(ctx, 6, "detaching stale gadget")
	if err := c.driver.Detach(ctx); err != nil {
		return &DriverAttachError{Operation: "detach", Cause: err}
	}

	step(ctx, 7, "attaching gadget")
	if err := c.driver.Attach(ctx, exports(vols)); err != nil {
		return &DriverAttachError{Operation: "attach", Cause: err}
	}

	if c.presentViews {
		step(ctx, 8, "mounting read-only views")
		c.mountPresentViews(ctx, vols)
	}

	if err := c.record.write(Present); err != nil {
		return err
	}
	log.G(ctx).Info("entered present mode")
	return nil
}

// checkAll binds every image and checks it. Volumes needing the standby
// swap are checked one after another; the rest run concurrently.
func (c *Controller) checkAll(ctx context.Context, vols []*volume.Volume, bindings *cleanup.Stack) error {
	handles := make(map[string]*lifecycle.LoopHandle, len(vols))
	for _, v := range vols {
		h, err := c.lc.Bind(ctx, v.Image, v.Partition)
		if err != nil {
			return fmt.Errorf("failed to bind %s for checking: %w", v.Name, err)
		}
		bindings.Push("release "+v.Name, h.Release)
		handles[v.Name] = h
	}

	check := func(ctx context.Context, v *volume.Volume) error {
		res, err := c.checker.Check(ctx, v, handles[v.Name].Node, c.checkMode)
		if !res.OK() {
			return &ConsistencyError{Volume: v.Name, Result: res, Cause: err}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	var serial []*volume.Volume
	for _, v := range vols {
		if v.Kind.NeedsSwap() {
			serial = append(serial, v)
			continue
		}
		v := v
		g.Go(func() error {
			return check(gctx, v)
		})
	}
	g.Go(func() error {
		for _, v := range serial {
			if err := check(gctx, v); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

func (c *Controller) mountPresentViews(ctx context.Context, vols []*volume.Volume) {
	for _, v := range vols {
		if v.PresentPath == "" {
			continue
		}
		h, err := c.lc.Bind(ctx, v.Image, v.Partition)
		if err == nil {
			err = c.lc.Mount(ctx, h, v.PresentPath, v.Kind, lifecycle.AccessRO, c.owner)
			if err != nil && !h.Reused {
				if rerr := h.Release(ctx); rerr != nil {
					err = errors.Join(err, rerr)
				}
			}
		}
		if err != nil {
			log.G(ctx).WithError(err).WithField("volume", v.Name).Warn("failed to mount read-only view")
		}
	}
}

// EnterEdit withdraws the exposure and mounts every volume read-write.
func (c *Controller) EnterEdit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, err := c.begin(ctx, Edit)
	if err != nil {
		return err
	}
	vols := c.volumes.All()

	step(ctx, 1, "detaching gadget")
	if err := c.driver.Detach(ctx); err != nil {
		return &DriverAttachError{Operation: "detach", Cause: err}
	}

	step(ctx, 2, "unmounting read-only views")
	for _, v := range vols {
		if v.PresentPath == "" {
			continue
		}
		status, err := c.lc.Unmount(ctx, v.PresentPath)
		if err != nil || status == lifecycle.StillBusy {
			return &ResourceBusyError{Volume: v.Name, Target: v.PresentPath, Cause: err}
		}
	}

	step(ctx, 3, "mounting volumes read-write")
	for _, v := range vols {
		if err := c.mountEdit(ctx, v); err != nil {
			return err
		}
	}

	step(ctx, 4, "starting file sharing")
	if err := c.shares.Start(ctx); err != nil {
		return err
	}

	if err := c.record.write(Edit); err != nil {
		return err
	}
	log.G(ctx).Info("entered edit mode")
	return nil
}

// mountEdit mounts v read-write at its edit path. The binding stays with
// the mount until the next EnterPresent.
func (c *Controller) mountEdit(ctx context.Context, v *volume.Volume) error {
	h, err := c.lc.Bind(ctx, v.Image, v.Partition)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", v.Name, err)
	}
	if err := c.lc.Mount(ctx, h, v.EditPath, v.Kind, lifecycle.AccessRW, c.owner); err != nil {
		if !h.Reused {
			if rerr := h.Release(ctx); rerr != nil {
				log.G(ctx).WithError(rerr).WithField("volume", v.Name).Warn("failed to release binding")
			}
		}
		return fmt.Errorf("failed to mount %s: %w", v.Name, err)
	}
	return nil
}

// localPaths lists the local mount paths of v, read-write path first.
func localPaths(v *volume.Volume) []string {
	if v.PresentPath == "" {
		return []string{v.EditPath}
	}
	return []string{v.EditPath, v.PresentPath}
}

func exports(vols []*volume.Volume) []gadget.Export {
	out := make([]gadget.Export, len(vols))
	for i, v := range vols {
		out[i] = gadget.Export{Image: v.Image, ReadOnly: v.ReadOnly}
	}
	return out
}
