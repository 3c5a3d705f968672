package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/mphacker/TeslaUSB-sub000/internal/config"
	"github.com/mphacker/TeslaUSB-sub000/internal/fsck"
	"github.com/mphacker/TeslaUSB-sub000/internal/gadget"
	"github.com/mphacker/TeslaUSB-sub000/internal/lifecycle"
	"github.com/mphacker/TeslaUSB-sub000/internal/mode"
	"github.com/mphacker/TeslaUSB-sub000/internal/preflight"
	"github.com/mphacker/TeslaUSB-sub000/internal/quickedit"
	"github.com/mphacker/TeslaUSB-sub000/internal/share"
	"github.com/mphacker/TeslaUSB-sub000/internal/volume"
)

// runtime is everything a command needs, built from the configuration.
type runtime struct {
	cfg       *config.Config
	volumes   *volume.Registry
	owner     lifecycle.Owner
	lc        *lifecycle.Manager
	checker   *fsck.Checker
	checkMode fsck.Mode
	driver    gadget.Driver
	shares    share.Service
	locks     *quickedit.Manager
	record    *mode.Record
}

// newRuntime loads the configuration and wires the components. Host
// requirements are verified only for commands that change the host.
func newRuntime(cliCtx *cli.Context, changesHost bool) (*runtime, error) {
	cfg, err := config.Load(cliCtx.String("config"))
	if err != nil {
		return nil, err
	}
	volumes, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("invalid volume configuration: %w", err)
	}
	uid, gid, err := cfg.ResolveOwner()
	if err != nil {
		return nil, err
	}
	checkMode, err := fsck.ParseMode(cfg.CheckMode)
	if err != nil {
		return nil, err
	}

	if changesHost && !cliCtx.Bool("skip-preflight") {
		if err := preflight.Check(requirements(cfg, volumes)); err != nil {
			return nil, fmt.Errorf("preflight check failed: %w", err)
		}
	}

	driver, err := gadget.New(cfg.Gadget.Driver, gadget.Options{
		Name:      cfg.Gadget.Name,
		UDC:       cfg.Gadget.UDC,
		Removable: cfg.Gadget.Removable,
		Stall:     cfg.Gadget.Stall,
	})
	if err != nil {
		return nil, err
	}

	var shares share.Service = share.Noop{}
	if cfg.Share.Enabled {
		shares = share.NewSamba(cfg.Share.Services)
	}

	return &runtime{
		cfg:     cfg,
		volumes: volumes,
		owner:   lifecycle.Owner{UID: uid, GID: gid},
		lc: lifecycle.NewManager(
			lifecycle.WithRetryPolicy(lifecycle.NewRetryPolicy(cfg.Unmount.Attempts, cfg.Unmount.Interval, cfg.Unmount.TermGrace)),
			lifecycle.WithNodeWait(cfg.Bind.NodeAttempts, cfg.Bind.NodeInterval),
		),
		checker: fsck.NewChecker(
			fsck.WithTimeouts(fsck.Timeouts{
				Min:    cfg.Check.MinTimeout,
				Base:   cfg.Check.BaseTimeout,
				PerGiB: cfg.Check.PerGiB,
			}),
			fsck.WithLogDir(cfg.LogDir),
			fsck.WithSwap(cfg.Swap.File, cfg.Swap.MemoryThreshold),
		),
		checkMode: checkMode,
		driver:    driver,
		shares:    shares,
		locks:     quickedit.NewManager(cfg.LockFile, quickedit.WithStaleAfter(cfg.QuickEdit.StaleAfter)),
		record:    mode.NewRecord(cfg.StateFile),
	}, nil
}

// requirements derives the host requirements from the configuration.
func requirements(cfg *config.Config, volumes *volume.Registry) preflight.Requirements {
	req := preflight.Requirements{Root: true}
	seen := map[volume.Kind]bool{}
	for _, v := range volumes.All() {
		if seen[v.Kind] {
			continue
		}
		seen[v.Kind] = true
		req.Filesystems = append(req.Filesystems, string(v.Kind))
		req.Tools = append(req.Tools, "fsck."+string(v.Kind))
	}
	switch cfg.Gadget.Driver {
	case "configfs":
		req.Filesystems = append(req.Filesystems, "configfs")
	default:
		req.Tools = append(req.Tools, "modprobe")
	}
	if cfg.Share.Enabled {
		req.Tools = append(req.Tools, "smbcontrol", "systemctl")
	}
	return req
}

func (rt *runtime) controller() *mode.Controller {
	return mode.NewController(mode.Options{
		Record:       rt.record,
		Volumes:      rt.volumes,
		Lifecycle:    rt.lc,
		Checker:      rt.checker,
		CheckMode:    rt.checkMode,
		Driver:       rt.driver,
		Shares:       rt.shares,
		Owner:        rt.owner,
		PresentViews: rt.cfg.PresentViews,
		Guard:        rt.locks,
	})
}

func (rt *runtime) session() *quickedit.Session {
	return quickedit.NewSession(quickedit.SessionOptions{
		Locks:     rt.locks,
		Record:    rt.record,
		Volumes:   rt.volumes,
		Lifecycle: rt.lc,
		Owner:     rt.owner,
		Wait:      rt.cfg.QuickEdit.Wait,
	})
}
