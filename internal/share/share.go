// Package share drives the network file-sharing service that serves the
// volumes' edit mounts.
package share

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/containerd/log"

	"github.com/mphacker/TeslaUSB-sub000/internal/stringutil"
)

// Service is the file-sharing collaborator. Every call is synchronous and
// idempotent.
type Service interface {
	// CloseShares drops open client handles on the named shares.
	CloseShares(ctx context.Context, shares []string) error
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// Runner runs a host command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s failed: %s: %w", name, strings.Join(args, " "), stringutil.TruncateOutput(out, 256), err)
	}
	return out, nil
}

// Samba controls smbd and friends through smbcontrol and systemctl.
type Samba struct {
	services []string
	run      Runner
}

// NewSamba returns a Samba collaborator managing the given systemd units.
func NewSamba(services []string) *Samba {
	if len(services) == 0 {
		services = []string{"smbd", "nmbd"}
	}
	return &Samba{services: services, run: execRunner}
}

func (s *Samba) CloseShares(ctx context.Context, shares []string) error {
	active, err := s.active(ctx, "smbd")
	if err != nil {
		return err
	}
	if !active {
		return nil
	}

	var errs []error
	for _, share := range shares {
		if _, err := s.run(ctx, "smbcontrol", "smbd", "close-share", share); err != nil {
			errs = append(errs, err)
			continue
		}
		log.G(ctx).WithField("share", share).Debug("closed share handles")
	}
	return errors.Join(errs...)
}

func (s *Samba) Stop(ctx context.Context) error {
	args := append([]string{"stop"}, s.services...)
	if _, err := s.run(ctx, "systemctl", args...); err != nil {
		return fmt.Errorf("failed to stop file sharing: %w", err)
	}
	log.G(ctx).WithField("services", s.services).Info("stopped file sharing")
	return nil
}

func (s *Samba) Start(ctx context.Context) error {
	args := append([]string{"start"}, s.services...)
	if _, err := s.run(ctx, "systemctl", args...); err != nil {
		return fmt.Errorf("failed to start file sharing: %w", err)
	}
	log.G(ctx).WithField("services", s.services).Info("started file sharing")
	return nil
}

// active reports whether a unit is running. systemctl is-active exits
// non-zero for inactive units.
func (s *Samba) active(ctx context.Context, unit string) (bool, error) {
	out, err := s.run(ctx, "systemctl", "is-active", unit)
	state := strings.TrimSpace(string(out))
	if err == nil {
		return state == "active", nil
	}
	switch state {
	case "inactive", "failed", "unknown":
		return false, nil
	}
	return false, err
}

// Noop is the collaborator used when file sharing is disabled.
type Noop struct{}

func (Noop) CloseShares(context.Context, []string) error { return nil }
func (Noop) Stop(context.Context) error                  { return nil }
func (Noop) Start(context.Context) error                 { return nil }
