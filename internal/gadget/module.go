package gadget

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/log"
)

const massStorageModule = "g_mass_storage"

// ModuleDriver drives the g_mass_storage kernel module.
type ModuleDriver struct {
	opts Options
	// sysModuleDir is /sys/module; the driver is attached while the module
	// directory exists there.
	sysModuleDir string
	run          Runner
}

// NewModuleDriver returns a driver loading g_mass_storage via modprobe.
func NewModuleDriver(opts Options) *ModuleDriver {
	return &ModuleDriver{
		opts:         opts,
		sysModuleDir: "/sys/module",
		run:          ExecRunner,
	}
}

// moduleArgs builds the modprobe parameters for exports.
func (d *ModuleDriver) moduleArgs(exports []Export) []string {
	files := make([]string, len(exports))
	ro := make([]string, len(exports))
	removable := make([]string, len(exports))
	for i, e := range exports {
		files[i] = e.Image
		ro[i] = boolFlag(e.ReadOnly)
		removable[i] = boolFlag(d.opts.Removable)
	}
	return []string{
		massStorageModule,
		"file=" + strings.Join(files, ","),
		"ro=" + strings.Join(ro, ","),
		"removable=" + strings.Join(removable, ","),
		"stall=" + boolFlag(d.opts.Stall),
	}
}

func (d *ModuleDriver) Attach(ctx context.Context, exports []Export) error {
	if len(exports) == 0 {
		return errors.New("no images to export")
	}
	args := d.moduleArgs(exports)
	if _, err := d.run(ctx, "modprobe", args...); err != nil {
		return fmt.Errorf("failed to load %s: %w", massStorageModule, err)
	}

	attached, err := d.Attached(ctx)
	if err != nil {
		return err
	}
	if !attached {
		return fmt.Errorf("%s loaded but not present in %s", massStorageModule, d.sysModuleDir)
	}

	log.G(ctx).WithFields(log.Fields{
		"driver": "module",
		"luns":   len(exports),
	}).Info("attached mass storage gadget")
	return nil
}

func (d *ModuleDriver) Detach(ctx context.Context) error {
	attached, err := d.Attached(ctx)
	if err != nil {
		return err
	}
	if !attached {
		log.G(ctx).Debug("mass storage gadget already detached")
		return nil
	}
	if _, err := d.run(ctx, "modprobe", "-r", massStorageModule); err != nil {
		return fmt.Errorf("failed to unload %s: %w", massStorageModule, err)
	}
	log.G(ctx).WithField("driver", "module").Info("detached mass storage gadget")
	return nil
}

func (d *ModuleDriver) Attached(ctx context.Context) (bool, error) {
	_, err := os.Stat(filepath.Join(d.sysModuleDir, massStorageModule))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to inspect %s module: %w", massStorageModule, err)
}
