package main

import (
	"fmt"

	"github.com/mphacker/TeslaUSB-sub000/internal/mode"
)

type mountJSON struct {
	Path    string `json:"path"`
	Mounted bool   `json:"mounted"`
	Access  string `json:"access,omitempty"`
	Source  string `json:"source,omitempty"`
}

type volumeJSON struct {
	Name    string     `json:"name"`
	Edit    mountJSON  `json:"edit"`
	Present *mountJSON `json:"present,omitempty"`
	Device  string     `json:"device,omitempty"`
}

type reportJSON struct {
	Mode       string       `json:"mode"`
	Attached   bool         `json:"attached"`
	Consistent bool         `json:"consistent"`
	Volumes    []volumeJSON `json:"volumes"`
	Drift      []string     `json:"drift,omitempty"`
}

func mountState(ms mode.MountState) mountJSON {
	out := mountJSON{Path: ms.Path, Mounted: ms.Mounted}
	if ms.Mounted {
		out.Access = ms.Access.String()
		out.Source = ms.Source
	}
	return out
}

func statusJSON(r *mode.Report) reportJSON {
	out := reportJSON{
		Mode:       r.Recorded.String(),
		Attached:   r.Attached,
		Consistent: r.Consistent(),
		Drift:      r.Drift,
	}
	for _, vs := range r.Volumes {
		v := volumeJSON{Name: vs.Name, Edit: mountState(vs.Edit), Device: vs.Device}
		if vs.Present != nil {
			p := mountState(*vs.Present)
			v.Present = &p
		}
		out.Volumes = append(out.Volumes, v)
	}
	return out
}

func describe(ms mode.MountState) string {
	if !ms.Mounted {
		return ms.Path + " (not mounted)"
	}
	return fmt.Sprintf("%s (%s from %s)", ms.Path, ms.Access, ms.Source)
}

func printStatus(r *mode.Report) {
	fmt.Printf("mode: %s\n", r.Recorded)
	fmt.Printf("gadget attached: %v\n", r.Attached)
	for _, vs := range r.Volumes {
		fmt.Printf("%s: edit %s", vs.Name, describe(vs.Edit))
		if vs.Present != nil {
			fmt.Printf(", view %s", describe(*vs.Present))
		}
		if vs.Device != "" {
			fmt.Printf(", bound to %s", vs.Device)
		}
		fmt.Println()
	}
	for _, d := range r.Drift {
		fmt.Printf("drift: %s\n", d)
	}
}
