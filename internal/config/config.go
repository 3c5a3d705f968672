// Package config loads the gadget storage configuration: an embedded
// default, then an optional YAML or JSON file on top.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/containerd/log"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/mphacker/TeslaUSB-sub000/internal/volume"
)

//go:embed config.default.yaml
var defaultConfig []byte

// Config is the full configuration of the gadget storage controller.
type Config struct {
	StateFile     string            `koanf:"state_file"`
	LockFile      string            `koanf:"lock_file"`
	LogDir        string            `koanf:"log_dir"`
	CheckMode     string            `koanf:"check_mode"`
	PresentViews  bool              `koanf:"present_views"`
	Owner         string            `koanf:"owner"`
	KindThreshold datasize.ByteSize `koanf:"kind_threshold"`

	Check     CheckConfig     `koanf:"check"`
	Swap      SwapConfig      `koanf:"swap"`
	Unmount   UnmountConfig   `koanf:"unmount"`
	Bind      BindConfig      `koanf:"bind"`
	QuickEdit QuickEditConfig `koanf:"quick_edit"`
	Gadget    GadgetConfig    `koanf:"gadget"`
	Share     ShareConfig     `koanf:"share"`

	Volumes []VolumeConfig `koanf:"volumes"`
}

// CheckConfig scales consistency check timeouts with capacity.
type CheckConfig struct {
	MinTimeout  time.Duration `koanf:"min_timeout"`
	BaseTimeout time.Duration `koanf:"base_timeout"`
	PerGiB      time.Duration `koanf:"per_gib"`
}

// SwapConfig describes the standby swap used while checking large volumes.
// An empty File disables swap assistance.
type SwapConfig struct {
	File            string            `koanf:"file"`
	MemoryThreshold datasize.ByteSize `koanf:"memory_threshold"`
}

// UnmountConfig tunes the unmount escalation.
type UnmountConfig struct {
	Attempts  int           `koanf:"attempts"`
	Interval  time.Duration `koanf:"interval"`
	TermGrace time.Duration `koanf:"term_grace"`
}

// BindConfig bounds the wait for loop partition nodes.
type BindConfig struct {
	NodeAttempts int           `koanf:"node_attempts"`
	NodeInterval time.Duration `koanf:"node_interval"`
}

// QuickEditConfig tunes the quick-edit lock.
type QuickEditConfig struct {
	Wait       time.Duration `koanf:"wait"`
	StaleAfter time.Duration `koanf:"stale_after"`
}

// GadgetConfig selects and tunes the USB exposure driver.
type GadgetConfig struct {
	Driver    string `koanf:"driver"`
	Name      string `koanf:"name"`
	UDC       string `koanf:"udc"`
	Removable bool   `koanf:"removable"`
	Stall     bool   `koanf:"stall"`
}

// ShareConfig controls the network file-sharing collaborator.
type ShareConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Services []string `koanf:"services"`
}

// VolumeConfig declares one disk image.
type VolumeConfig struct {
	Name        string            `koanf:"name"`
	Image       string            `koanf:"image"`
	Kind        string            `koanf:"kind"`
	Index       int               `koanf:"index"`
	Partition   int               `koanf:"partition"`
	EditPath    string            `koanf:"edit_path"`
	PresentPath string            `koanf:"present_path"`
	ReadOnly    bool              `koanf:"read_only"`
	Size        datasize.ByteSize `koanf:"size"`
	Shares      []string          `koanf:"shares"`
}

// Format is a configuration file format, named by file extension.
type Format string

const (
	JSONFormat Format = ".json"
	YAMLFormat Format = ".yaml"
	YMLFormat  Format = ".yml"
)

func parserFor(format Format) (koanf.Parser, error) {
	switch format {
	case JSONFormat:
		return json.Parser(), nil
	case YAMLFormat, YMLFormat:
		return yaml.Parser(), nil
	}
	return nil, fmt.Errorf("no parser for config format %q", format)
}

// Load reads the embedded defaults and then path, if non-empty. Values in
// path override the defaults; a volumes list in path replaces the default
// list entirely.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	parser, err := parserFor(YAMLFormat)
	if err != nil {
		return nil, err
	}
	if err := k.Load(rawbytes.Provider(defaultConfig), parser); err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}

	if path != "" {
		parser, err := parserFor(Format(filepath.Ext(path)))
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
		log.L.WithField("path", path).Debug("loaded config file")
	}

	var c Config
	if err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects configurations the controller cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.StateFile == "" {
		errs = append(errs, errors.New("state_file is required"))
	}
	if c.LockFile == "" {
		errs = append(errs, errors.New("lock_file is required"))
	}
	if c.CheckMode != "quick" && c.CheckMode != "repair" {
		errs = append(errs, fmt.Errorf("check_mode must be quick or repair, got %q", c.CheckMode))
	}
	if c.Gadget.Driver != "module" && c.Gadget.Driver != "configfs" {
		errs = append(errs, fmt.Errorf("gadget.driver must be module or configfs, got %q", c.Gadget.Driver))
	}
	if c.Unmount.Attempts < 1 {
		errs = append(errs, fmt.Errorf("unmount.attempts must be >= 1, got %d", c.Unmount.Attempts))
	}
	if c.QuickEdit.StaleAfter <= 0 {
		errs = append(errs, errors.New("quick_edit.stale_after must be positive"))
	}
	if len(c.Volumes) == 0 {
		errs = append(errs, errors.New("at least one volume is required"))
	}
	return errors.Join(errs...)
}

// Registry builds the volume registry from the declared volumes. A volume
// without an explicit kind gets the one its capacity selects.
func (c *Config) Registry() (*volume.Registry, error) {
	vols := make([]volume.Volume, 0, len(c.Volumes))
	for _, vc := range c.Volumes {
		v := volume.Volume{
			Name:        vc.Name,
			Image:       vc.Image,
			Index:       vc.Index,
			Partition:   vc.Partition,
			EditPath:    vc.EditPath,
			PresentPath: vc.PresentPath,
			ReadOnly:    vc.ReadOnly,
			Size:        vc.Size,
			Shares:      vc.Shares,
		}
		if vc.Kind != "" {
			kind, err := volume.ParseKind(vc.Kind)
			if err != nil {
				return nil, fmt.Errorf("volume %s: %w", vc.Name, err)
			}
			v.Kind = kind
		} else {
			v.Kind = volume.KindForCapacity(v.Capacity(), c.KindThreshold)
		}
		vols = append(vols, v)
	}
	return volume.NewRegistry(vols)
}

// ResolveOwner turns the owner setting, a user name or "uid:gid", into
// numeric ids.
func (c *Config) ResolveOwner() (uid, gid int, err error) {
	if c.Owner == "" {
		return 0, 0, nil
	}
	if u, g, ok := strings.Cut(c.Owner, ":"); ok {
		if uid, err = strconv.Atoi(u); err != nil {
			return 0, 0, fmt.Errorf("invalid owner uid %q: %w", u, err)
		}
		if gid, err = strconv.Atoi(g); err != nil {
			return 0, 0, fmt.Errorf("invalid owner gid %q: %w", g, err)
		}
		return uid, gid, nil
	}

	usr, err := user.Lookup(c.Owner)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to look up owner %q: %w", c.Owner, err)
	}
	if uid, err = strconv.Atoi(usr.Uid); err != nil {
		return 0, 0, err
	}
	if gid, err = strconv.Atoi(usr.Gid); err != nil {
		return 0, 0, err
	}
	return uid, gid, nil
}
