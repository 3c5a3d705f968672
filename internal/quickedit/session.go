package quickedit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/mphacker/TeslaUSB-sub000/internal/cleanup"
	"github.com/mphacker/TeslaUSB-sub000/internal/lifecycle"
	"github.com/mphacker/TeslaUSB-sub000/internal/mode"
	"github.com/mphacker/TeslaUSB-sub000/internal/volume"
)

// SessionOptions wires a Session.
type SessionOptions struct {
	Locks     *Manager
	Record    *mode.Record
	Volumes   *volume.Registry
	Lifecycle *lifecycle.Manager
	Owner     lifecycle.Owner
	// Wait bounds lock acquisition; zero means DefaultWait.
	Wait time.Duration
}

// Session runs a write against one volume under the quick-edit lock.
type Session struct {
	locks   *Manager
	record  *mode.Record
	volumes *volume.Registry
	lc      *lifecycle.Manager
	owner   lifecycle.Owner
	wait    time.Duration
}

// NewSession returns a Session.
func NewSession(o SessionOptions) *Session {
	s := &Session{
		locks:   o.Locks,
		record:  o.Record,
		volumes: o.Volumes,
		lc:      o.Lifecycle,
		owner:   o.Owner,
		wait:    o.Wait,
	}
	if s.wait == 0 {
		s.wait = DefaultWait
	}
	return s
}

// Run acquires the lock, makes the volume writable locally, calls fn with
// the writable path and puts everything back, releasing the lock on every
// exit path.
//
// In edit mode the volume is already mounted read-write and fn only runs
// under the lock. In present mode the read-only view is remounted
// read-write, or, for a volume without a view, the image is bound and
// mounted read-write at its edit path until fn returns. Volumes exposed
// writable to the USB host cannot be quick-edited.
func (s *Session) Run(ctx context.Context, name, holder string, fn func(ctx context.Context, path string) error) (retErr error) {
	v, err := s.volumes.ByName(name)
	if err != nil {
		return err
	}

	tok, err := s.locks.Acquire(ctx, v.Name, holder, s.wait)
	if err != nil {
		return err
	}
	defer cleanup.Do(ctx, func(ctx context.Context) {
		if err := s.locks.Release(ctx, tok); err != nil {
			retErr = errors.Join(retErr, err)
		}
	})

	current, err := s.record.Read()
	if err != nil {
		return err
	}

	ctx = log.WithLogger(ctx, log.G(ctx).WithFields(log.Fields{
		"volume": v.Name,
		"holder": holder,
		"mode":   current,
	}))

	switch current {
	case mode.Edit:
		return s.runEdit(ctx, v, fn)
	case mode.Present:
		if !v.ReadOnly {
			return fmt.Errorf("volume %s is exposed writable to the USB host: %w", v.Name, errdefs.ErrFailedPrecondition)
		}
		if v.PresentPath != "" {
			mp, err := s.lc.MountedAccess(v.PresentPath)
			if err != nil {
				return err
			}
			if mp != nil {
				return s.runRemount(ctx, v, fn)
			}
		}
		return s.runScratchMount(ctx, v, fn)
	default:
		return fmt.Errorf("mode is %s, run a transition first: %w", current, errdefs.ErrFailedPrecondition)
	}
}

func (s *Session) runEdit(ctx context.Context, v *volume.Volume, fn func(context.Context, string) error) error {
	mp, err := s.lc.MountedAccess(v.EditPath)
	if err != nil {
		return err
	}
	if mp == nil || mp.Access() != lifecycle.AccessRW {
		return fmt.Errorf("volume %s is not mounted read-write at %s: %w", v.Name, v.EditPath, errdefs.ErrFailedPrecondition)
	}
	return s.call(ctx, v.EditPath, fn)
}

// runRemount flips the present view to read-write for fn and back.
func (s *Session) runRemount(ctx context.Context, v *volume.Volume, fn func(context.Context, string) error) (retErr error) {
	if err := s.lc.Remount(ctx, v.PresentPath, lifecycle.AccessRW); err != nil {
		return err
	}
	defer cleanup.Do(ctx, func(ctx context.Context) {
		if err := s.lc.Remount(ctx, v.PresentPath, lifecycle.AccessRO); err != nil {
			retErr = errors.Join(retErr, fmt.Errorf("failed to restore read-only view of %s: %w", v.Name, err))
		}
	})
	return s.call(ctx, v.PresentPath, fn)
}

// runScratchMount mounts the image read-write at its edit path for fn and
// tears the mount and binding down afterwards.
func (s *Session) runScratchMount(ctx context.Context, v *volume.Volume, fn func(context.Context, string) error) (retErr error) {
	var stack cleanup.Stack
	defer func() {
		if err := stack.Run(ctx); err != nil {
			retErr = errors.Join(retErr, err)
		}
	}()

	h, err := s.lc.Bind(ctx, v.Image, v.Partition)
	if err != nil {
		return err
	}
	stack.Push("release "+v.Name, h.Release)

	if err := s.lc.Mount(ctx, h, v.EditPath, v.Kind, lifecycle.AccessRW, s.owner); err != nil {
		return err
	}
	stack.Push("unmount "+v.EditPath, func(ctx context.Context) error {
		status, err := s.lc.Unmount(ctx, v.EditPath)
		if err != nil {
			return err
		}
		if status == lifecycle.StillBusy {
			return &mode.ResourceBusyError{Volume: v.Name, Target: v.EditPath}
		}
		return nil
	})

	return s.call(ctx, v.EditPath, fn)
}

func (s *Session) call(ctx context.Context, path string, fn func(context.Context, string) error) error {
	log.G(ctx).WithField("path", path).Info("running quick edit")
	ferr := fn(ctx, path)
	if err := s.lc.Flush(path); err != nil {
		ferr = errors.Join(ferr, err)
	}
	return ferr
}
