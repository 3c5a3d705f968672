// Package gadget exposes disk images to the USB host through the kernel
// mass-storage gadget.
//
// Two drivers exist: the legacy g_mass_storage module configured through
// module parameters, and a libcomposite gadget assembled under configfs.
// Both accept Detach when nothing is attached.
package gadget

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mphacker/TeslaUSB-sub000/internal/stringutil"
)

// Export is one image presented as a LUN, in LUN order.
type Export struct {
	Image    string
	ReadOnly bool
}

// Driver attaches and detaches the mass-storage export.
type Driver interface {
	// Attach exposes exports to the USB host.
	Attach(ctx context.Context, exports []Export) error
	// Detach withdraws the export. Detaching a detached gadget is a no-op.
	Detach(ctx context.Context) error
	// Attached reports whether the export is active.
	Attached(ctx context.Context) (bool, error)
}

// Options tunes the drivers.
type Options struct {
	// Name is the configfs gadget directory name.
	Name string
	// UDC is the controller to bind; empty picks the first one present.
	UDC string
	// Removable marks every LUN as removable media.
	Removable bool
	// Stall lets the gadget halt bulk endpoints.
	Stall bool
}

// Runner runs a host command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands on the host.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s failed: %s: %w", name, strings.Join(args, " "), stringutil.TruncateOutput(out, 256), err)
	}
	return out, nil
}

// New returns the driver named by kind: "module" or "configfs".
func New(kind string, opts Options) (Driver, error) {
	switch kind {
	case "module", "":
		return NewModuleDriver(opts), nil
	case "configfs":
		return NewConfigfsDriver(opts), nil
	}
	return nil, fmt.Errorf("unknown gadget driver %q", kind)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
