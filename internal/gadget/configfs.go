package gadget

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/containerd/log"
)

const (
	functionName = "mass_storage.usb0"
	configName   = "c.1"
	langEnglish  = "0x409"

	// Linux Foundation multifunction composite gadget.
	defaultVendor  = "0x1d6b"
	defaultProduct = "0x0104"
)

// ConfigfsDriver assembles a libcomposite gadget with one LUN per export.
// Detach unbinds the controller and clears the LUN backing files but keeps
// the gadget directory tree for the next Attach.
type ConfigfsDriver struct {
	opts Options
	// gadgetRoot is /sys/kernel/config/usb_gadget.
	gadgetRoot string
	// udcDir lists available USB device controllers.
	udcDir string
}

// NewConfigfsDriver returns a driver for the gadget named opts.Name.
func NewConfigfsDriver(opts Options) *ConfigfsDriver {
	if opts.Name == "" {
		opts.Name = "gadget-storage"
	}
	return &ConfigfsDriver{
		opts:       opts,
		gadgetRoot: "/sys/kernel/config/usb_gadget",
		udcDir:     "/sys/class/udc",
	}
}

func (d *ConfigfsDriver) dir(elem ...string) string {
	return filepath.Join(append([]string{d.gadgetRoot, d.opts.Name}, elem...)...)
}

func (d *ConfigfsDriver) lunDir(n int) string {
	return d.dir("functions", functionName, "lun."+strconv.Itoa(n))
}

func writeAttr(path, value string) error {
	if err := os.WriteFile(path, []byte(value+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func readAttr(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (d *ConfigfsDriver) udc() (string, error) {
	if d.opts.UDC != "" {
		return d.opts.UDC, nil
	}
	entries, err := os.ReadDir(d.udcDir)
	if err != nil {
		return "", fmt.Errorf("failed to list USB device controllers: %w", err)
	}
	if len(entries) == 0 {
		return "", errors.New("no USB device controller available")
	}
	return entries[0].Name(), nil
}

// skeleton creates the gadget, its config and the mass storage function.
func (d *ConfigfsDriver) skeleton() error {
	dirs := []string{
		d.dir("strings", langEnglish),
		d.dir("configs", configName, "strings", langEnglish),
		d.dir("functions", functionName),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	attrs := [][2]string{
		{d.dir("idVendor"), defaultVendor},
		{d.dir("idProduct"), defaultProduct},
		{d.dir("strings", langEnglish, "manufacturer"), "gadget-storage"},
		{d.dir("strings", langEnglish, "product"), "Mass Storage"},
		{d.dir("configs", configName, "strings", langEnglish, "configuration"), "Mass Storage"},
		{d.dir("functions", functionName, "stall"), boolFlag(d.opts.Stall)},
	}
	for _, a := range attrs {
		if err := writeAttr(a[0], a[1]); err != nil {
			return err
		}
	}

	link := d.dir("configs", configName, functionName)
	if _, err := os.Lstat(link); os.IsNotExist(err) {
		if err := os.Symlink(d.dir("functions", functionName), link); err != nil {
			return fmt.Errorf("failed to link %s into %s: %w", functionName, configName, err)
		}
	}
	return nil
}

// luns returns the LUN numbers present under the function.
func (d *ConfigfsDriver) luns() ([]int, error) {
	entries, err := os.ReadDir(d.dir("functions", functionName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var luns []int
	for _, e := range entries {
		n, ok := strings.CutPrefix(e.Name(), "lun.")
		if !ok || !e.IsDir() {
			continue
		}
		if i, err := strconv.Atoi(n); err == nil {
			luns = append(luns, i)
		}
	}
	sort.Ints(luns)
	return luns, nil
}

func (d *ConfigfsDriver) Attach(ctx context.Context, exports []Export) error {
	if len(exports) == 0 {
		return errors.New("no images to export")
	}
	udc, err := d.udc()
	if err != nil {
		return err
	}
	if err := d.skeleton(); err != nil {
		return err
	}

	for i, e := range exports {
		lun := d.lunDir(i)
		if err := os.MkdirAll(lun, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", lun, err)
		}
		for _, a := range [][2]string{
			{"removable", boolFlag(d.opts.Removable)},
			{"ro", boolFlag(e.ReadOnly)},
			{"file", e.Image},
		} {
			if err := writeAttr(filepath.Join(lun, a[0]), a[1]); err != nil {
				return err
			}
		}
	}

	// Surplus LUNs from an earlier, larger export. lun.0 cannot be removed.
	luns, err := d.luns()
	if err != nil {
		return err
	}
	for _, n := range luns {
		if n < len(exports) {
			continue
		}
		if err := writeAttr(filepath.Join(d.lunDir(n), "file"), ""); err != nil {
			return err
		}
		if err := os.Remove(d.lunDir(n)); err != nil {
			log.G(ctx).WithError(err).WithField("lun", n).Debug("failed to remove surplus lun")
		}
	}

	if err := writeAttr(d.dir("UDC"), udc); err != nil {
		return err
	}

	log.G(ctx).WithFields(log.Fields{
		"driver": "configfs",
		"gadget": d.opts.Name,
		"udc":    udc,
		"luns":   len(exports),
	}).Info("attached mass storage gadget")
	return nil
}

func (d *ConfigfsDriver) Detach(ctx context.Context) error {
	attached, err := d.Attached(ctx)
	if err != nil {
		return err
	}
	if attached {
		if err := writeAttr(d.dir("UDC"), ""); err != nil {
			return err
		}
	}

	luns, err := d.luns()
	if err != nil {
		return err
	}
	for _, n := range luns {
		file := filepath.Join(d.lunDir(n), "file")
		if cur, err := readAttr(file); err == nil && cur != "" {
			if err := writeAttr(file, ""); err != nil {
				return err
			}
		}
	}

	if attached {
		log.G(ctx).WithFields(log.Fields{
			"driver": "configfs",
			"gadget": d.opts.Name,
		}).Info("detached mass storage gadget")
	} else {
		log.G(ctx).Debug("mass storage gadget already detached")
	}
	return nil
}

func (d *ConfigfsDriver) Attached(ctx context.Context) (bool, error) {
	udc, err := readAttr(d.dir("UDC"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read gadget UDC: %w", err)
	}
	return udc != "", nil
}
