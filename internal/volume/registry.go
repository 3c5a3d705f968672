package volume

import (
	"errors"
	"fmt"
	"sort"

	"github.com/containerd/errdefs"
)

// ErrUnknownVolume is returned for lookups of undeclared volumes. It is a
// configuration error, not a runtime condition.
var ErrUnknownVolume = fmt.Errorf("unknown volume: %w", errdefs.ErrNotFound)

// Registry is the immutable set of declared volumes.
type Registry struct {
	byName  map[string]*Volume
	ordered []*Volume
}

// NewRegistry validates the declared volumes and indexes them. Exposure
// indices must be unique and contiguous from zero.
func NewRegistry(volumes []Volume) (*Registry, error) {
	if len(volumes) == 0 {
		return nil, errors.New("no volumes declared")
	}

	r := &Registry{byName: make(map[string]*Volume, len(volumes))}
	seenIndex := make(map[int]string)
	seenImage := make(map[string]string)
	for i := range volumes {
		v := volumes[i]
		if v.Name == "" {
			return nil, fmt.Errorf("volume %d: name is required", i)
		}
		if v.Image == "" {
			return nil, fmt.Errorf("volume %s: image is required", v.Name)
		}
		if v.EditPath == "" {
			return nil, fmt.Errorf("volume %s: edit mount path is required", v.Name)
		}
		if v.Kind != KindFAT && v.Kind != KindExFAT {
			return nil, fmt.Errorf("volume %s: unsupported filesystem kind %q", v.Name, v.Kind)
		}
		if v.PresentPath != "" && v.PresentPath == v.EditPath {
			return nil, fmt.Errorf("volume %s: present and edit paths must differ", v.Name)
		}
		if _, ok := r.byName[v.Name]; ok {
			return nil, fmt.Errorf("volume %s declared twice", v.Name)
		}
		if other, ok := seenIndex[v.Index]; ok {
			return nil, fmt.Errorf("volumes %s and %s share exposure index %d", other, v.Name, v.Index)
		}
		if other, ok := seenImage[v.Image]; ok {
			return nil, fmt.Errorf("volumes %s and %s share image %s", other, v.Name, v.Image)
		}
		seenIndex[v.Index] = v.Name
		seenImage[v.Image] = v.Name
		r.byName[v.Name] = &v
		r.ordered = append(r.ordered, &v)
	}

	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].Index < r.ordered[j].Index })
	for i, v := range r.ordered {
		if v.Index != i {
			return nil, fmt.Errorf("exposure indices must be contiguous from 0, found %d at position %d", v.Index, i)
		}
	}
	return r, nil
}

// ByName returns the volume with the given role.
func (r *Registry) ByName(name string) (*Volume, error) {
	v, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownVolume)
	}
	return v, nil
}

// ByIndex returns the volume at the given exposure index.
func (r *Registry) ByIndex(index int) (*Volume, error) {
	if index < 0 || index >= len(r.ordered) {
		return nil, fmt.Errorf("index %d: %w", index, ErrUnknownVolume)
	}
	return r.ordered[index], nil
}

// All returns the volumes in exposure order.
func (r *Registry) All() []*Volume {
	out := make([]*Volume, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Shares returns every network share backed by a declared volume.
func (r *Registry) Shares() []string {
	var shares []string
	for _, v := range r.ordered {
		shares = append(shares, v.Shares...)
	}
	return shares
}

// Images returns the backing image of every volume in exposure order.
func (r *Registry) Images() []string {
	images := make([]string, len(r.ordered))
	for i, v := range r.ordered {
		images[i] = v.Image
	}
	return images
}
