package mode

import (
	"context"
	"fmt"

	"github.com/mphacker/TeslaUSB-sub000/internal/lifecycle"
)

// MountState is what is mounted at one local path.
type MountState struct {
	Path    string
	Mounted bool
	Access  lifecycle.Access
	Source  string
}

// VolumeState is the observed state of one volume.
type VolumeState struct {
	Name    string
	Edit    MountState
	Present *MountState
	// Device is the loop device the image is bound to, if any.
	Device string
}

// Report compares the recorded mode with what the host shows. A crash in
// the middle of a transition leaves the record at the previous mode; the
// report makes that visible.
type Report struct {
	Recorded Mode
	Attached bool
	Volumes  []VolumeState
	Drift    []string
}

// Consistent reports whether the host matches the recorded mode.
func (r *Report) Consistent() bool {
	return len(r.Drift) == 0
}

// Status observes the host and reports drift from the recorded mode. It
// never changes the host or the record.
func (c *Controller) Status(ctx context.Context) (*Report, error) {
	recorded, err := c.record.Read()
	if err != nil {
		return nil, err
	}
	attached, err := c.driver.Attached(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect gadget: %w", err)
	}

	r := &Report{Recorded: recorded, Attached: attached}
	for _, v := range c.volumes.All() {
		vs := VolumeState{Name: v.Name}
		dev, err := c.lc.Binding(v.Image)
		if err != nil {
			return nil, err
		}
		if dev != nil {
			vs.Device = dev.Path
		}
		if vs.Edit, err = c.observe(v.EditPath); err != nil {
			return nil, err
		}
		if v.PresentPath != "" {
			ms, err := c.observe(v.PresentPath)
			if err != nil {
				return nil, err
			}
			vs.Present = &ms
		}
		r.Volumes = append(r.Volumes, vs)
	}

	switch recorded {
	case Present:
		if !attached {
			r.Drift = append(r.Drift, "recorded present but gadget is detached")
		}
		for _, vs := range r.Volumes {
			for _, ms := range vs.mounts() {
				if ms.Mounted && ms.Access == lifecycle.AccessRW {
					r.Drift = append(r.Drift, fmt.Sprintf("recorded present but %s is mounted read-write at %s", vs.Name, ms.Path))
				}
			}
			if vs.Device != "" && !vs.mountedLocally() {
				r.Drift = append(r.Drift, fmt.Sprintf("recorded present but %s is still bound to %s", vs.Name, vs.Device))
			}
		}
	case Edit:
		if attached {
			r.Drift = append(r.Drift, "recorded edit but gadget is attached")
		}
		for _, vs := range r.Volumes {
			if !vs.Edit.Mounted || vs.Edit.Access != lifecycle.AccessRW {
				r.Drift = append(r.Drift, fmt.Sprintf("recorded edit but %s is not mounted read-write at %s", vs.Name, vs.Edit.Path))
			}
		}
	default:
		r.Drift = append(r.Drift, "no mode recorded")
	}
	return r, nil
}

func (c *Controller) observe(path string) (MountState, error) {
	ms := MountState{Path: path}
	mp, err := c.lc.MountedAccess(path)
	if err != nil {
		return ms, fmt.Errorf("failed to inspect %s: %w", path, err)
	}
	if mp != nil {
		ms.Mounted = true
		ms.Access = mp.Access()
		ms.Source = mp.Source
	}
	return ms, nil
}

func (vs VolumeState) mountedLocally() bool {
	for _, ms := range vs.mounts() {
		if ms.Mounted {
			return true
		}
	}
	return false
}

func (vs VolumeState) mounts() []MountState {
	if vs.Present == nil {
		return []MountState{vs.Edit}
	}
	return []MountState{vs.Edit, *vs.Present}
}
