// Package fsck runs filesystem consistency checks on volume partitions
// before they are handed to the USB host.
//
// A check is bounded by a timeout that grows with the capacity of the
// volume. Checking a large exFAT volume can exhaust the memory of a small
// host, so the checker can enable a standby swap file for the duration of
// such a check; the swap is always disabled again before Check returns.
package fsck

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/containerd/log"

	"github.com/mphacker/TeslaUSB-sub000/internal/stringutil"
	"github.com/mphacker/TeslaUSB-sub000/internal/volume"
)

// Mode selects between a read-only check and a repair pass.
type Mode int

const (
	// Quick reports problems without changing anything.
	Quick Mode = iota
	// Repair fixes what the checker can fix automatically.
	Repair
)

func (m Mode) String() string {
	if m == Repair {
		return "repair"
	}
	return "quick"
}

// ParseMode accepts "quick" and "repair".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "quick", "":
		return Quick, nil
	case "repair":
		return Repair, nil
	}
	return Quick, fmt.Errorf("unknown check mode %q", s)
}

// Result is the outcome of a check.
type Result int

const (
	Clean Result = iota
	Repaired
	Uncorrectable
	TimedOut
	OperationalError
)

func (r Result) String() string {
	switch r {
	case Clean:
		return "clean"
	case Repaired:
		return "repaired"
	case Uncorrectable:
		return "uncorrectable"
	case TimedOut:
		return "timed-out"
	case OperationalError:
		return "operational-error"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// OK reports whether the volume is safe to expose.
func (r Result) OK() bool {
	return r == Clean || r == Repaired
}

// fsck exit status bits.
const (
	exitCorrected   = 1
	exitReboot      = 2
	exitUncorrected = 4
)

// classify maps an fsck exit status to a Result. In quick mode nothing is
// fixed, so any error found leaves the volume uncorrectable.
func classify(mode Mode, code int) Result {
	switch {
	case code == 0:
		return Clean
	case code < 0 || code&^(exitCorrected|exitReboot|exitUncorrected) != 0:
		return OperationalError
	case code&exitUncorrected != 0:
		return Uncorrectable
	case mode == Repair:
		return Repaired
	default:
		return Uncorrectable
	}
}

// Timeouts scales the check deadline with capacity.
type Timeouts struct {
	Min    time.Duration
	Base   time.Duration
	PerGiB time.Duration
}

// DefaultTimeouts are 2m minimum, 1m base and 10s per GiB.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Min:    2 * time.Minute,
		Base:   time.Minute,
		PerGiB: 10 * time.Second,
	}
}

// For returns max(Min, Base + PerGiB × capacity in GiB).
func (t Timeouts) For(capacity datasize.ByteSize) time.Duration {
	d := t.Base + time.Duration(float64(t.PerGiB)*capacity.GBytes())
	if d < t.Min {
		return t.Min
	}
	return d
}

// command returns the checker binary and arguments for kind and mode.
func command(kind volume.Kind, mode Mode, device string) (string, []string) {
	switch kind {
	case volume.KindExFAT:
		if mode == Repair {
			return "fsck.exfat", []string{"-y", device}
		}
		return "fsck.exfat", []string{"-n", device}
	default:
		if mode == Repair {
			return "fsck.vfat", []string{"-a", device}
		}
		return "fsck.vfat", []string{"-n", device}
	}
}

// Checker runs consistency checks.
type Checker struct {
	timeouts Timeouts
	logDir   string
	run      Runner
	swap     *swapArea
	now      func() time.Time
}

// Opt configures a Checker.
type Opt func(*Checker)

// WithTimeouts sets the deadline scaling.
func WithTimeouts(t Timeouts) Opt {
	return func(c *Checker) {
		c.timeouts = t
	}
}

// WithLogDir sets where diagnostic logs are written. Empty disables them.
func WithLogDir(dir string) Opt {
	return func(c *Checker) {
		c.logDir = dir
	}
}

// WithRunner replaces the command runner.
func WithRunner(r Runner) Opt {
	return func(c *Checker) {
		c.run = r
	}
}

// WithSwap enables the standby swap file for kinds that need it when host
// memory is below threshold.
func WithSwap(file string, threshold datasize.ByteSize) Opt {
	return func(c *Checker) {
		c.swap.file = file
		c.swap.threshold = threshold
	}
}

// WithSwapBackend replaces the host swap and memory calls.
func WithSwapBackend(b SwapBackend) Opt {
	return func(c *Checker) {
		c.swap.backend = b
	}
}

// NewChecker returns a Checker with the default timeouts and no swap.
func NewChecker(opts ...Opt) *Checker {
	c := &Checker{
		timeouts: DefaultTimeouts(),
		run:      ExecRunner,
		swap:     &swapArea{backend: hostSwap{}},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LogPath returns the diagnostic log path for a volume.
func (c *Checker) LogPath(name string) string {
	if c.logDir == "" {
		return ""
	}
	return filepath.Join(c.logDir, "fsck-"+name+".log")
}

// Check runs the checker for vol against device. The returned error
// describes why a TimedOut or OperationalError result occurred; it is nil
// for every result derived from the checker's own exit status.
func (c *Checker) Check(ctx context.Context, vol *volume.Volume, device string, mode Mode) (Result, error) {
	capacity := vol.Capacity()
	timeout := c.timeouts.For(capacity)
	name, args := command(vol.Kind, mode, device)

	ctx = log.WithLogger(ctx, log.G(ctx).WithFields(log.Fields{
		"volume": vol.Name,
		"device": device,
		"mode":   mode,
	}))

	if vol.Kind.NeedsSwap() {
		release := c.swap.acquire(ctx)
		defer release()
	}
	if err := ctx.Err(); err != nil {
		return OperationalError, fmt.Errorf("check of %s cancelled: %w", vol.Name, err)
	}

	log.G(ctx).WithFields(log.Fields{
		"timeout":  timeout,
		"capacity": capacity.HumanReadable(),
	}).Info("checking filesystem")

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := c.now()
	out, code, err := c.run(checkCtx, name, args...)
	elapsed := c.now().Sub(start)

	// A cancelled caller says nothing about the filesystem; the previous
	// log stays in place.
	if cerr := ctx.Err(); cerr != nil {
		log.G(ctx).WithError(cerr).Warn("filesystem check cancelled")
		return OperationalError, fmt.Errorf("check of %s on %s cancelled: %w", vol.Name, device, cerr)
	}

	var res Result
	switch {
	case errors.Is(checkCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res = TimedOut
		err = fmt.Errorf("%s %s did not finish within %s: %w", name, device, timeout, context.DeadlineExceeded)
	case err != nil:
		res = OperationalError
		err = fmt.Errorf("failed to run %s on %s: %w", name, device, err)
	default:
		res = classify(mode, code)
		if res == OperationalError {
			err = fmt.Errorf("%s %s exited %d: %s", name, device, code, stringutil.LastLines(out, 3))
		}
	}

	entry := log.G(ctx).WithFields(log.Fields{
		"result":   res,
		"exit":     code,
		"duration": elapsed.Round(time.Millisecond),
	})
	if res.OK() {
		entry.Info("filesystem check finished")
	} else {
		entry.WithError(err).Error("filesystem check failed")
	}

	c.recordLog(ctx, vol.Name, res, code, name, args, out, err)
	return res, err
}

// recordLog writes the diagnostic log for a non-clean result and removes
// any previous one on a clean result.
func (c *Checker) recordLog(ctx context.Context, name string, res Result, code int, cmd string, args []string, out []byte, runErr error) {
	path := c.LogPath(name)
	if path == "" {
		return
	}

	if res == Clean {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.G(ctx).WithError(err).WithField("path", path).Warn("failed to remove check log")
		}
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.G(ctx).WithError(err).WithField("path", path).Warn("failed to create check log directory")
		return
	}
	body := fmt.Sprintf("time: %s\nvolume: %s\ncommand: %s %v\nresult: %s\nexit: %d\n",
		c.now().UTC().Format(time.RFC3339), name, cmd, args, res, code)
	if runErr != nil {
		body += fmt.Sprintf("error: %v\n", runErr)
	}
	body += "\n" + string(out)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		log.G(ctx).WithError(err).WithField("path", path).Warn("failed to write check log")
	}
}
