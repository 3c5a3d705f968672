package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/log"
	"github.com/shirou/gopsutil/v4/process"
)

// procHolders finds holders by walking every process's open files and
// working directory.
type procHolders struct{}

func under(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

func (procHolders) find(ctx context.Context, root string) ([]*process.Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	self := int32(os.Getpid())
	var holders []*process.Process
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		if cwd, err := p.CwdWithContext(ctx); err == nil && under(cwd, root) {
			holders = append(holders, p)
			continue
		}
		files, err := p.OpenFilesWithContext(ctx)
		if err != nil {
			// Process exited or is not ours to inspect.
			continue
		}
		for _, f := range files {
			if under(f.Path, root) {
				holders = append(holders, p)
				break
			}
		}
	}
	return holders, nil
}

func (h procHolders) Terminate(ctx context.Context, path string, grace time.Duration) (int, error) {
	holders, err := h.find(ctx, path)
	if err != nil {
		return 0, err
	}
	if len(holders) == 0 {
		return 0, nil
	}

	for _, p := range holders {
		name, _ := p.NameWithContext(ctx)
		log.G(ctx).WithFields(log.Fields{
			"pid":  p.Pid,
			"name": name,
			"path": path,
		}).Warn("terminating process holding mount open")
		if err := p.TerminateWithContext(ctx); err != nil {
			log.G(ctx).WithError(err).WithField("pid", p.Pid).Debug("SIGTERM failed")
		}
	}

	select {
	case <-time.After(grace):
	case <-ctx.Done():
		return len(holders), ctx.Err()
	}

	for _, p := range holders {
		if running, err := p.IsRunningWithContext(ctx); err != nil || !running {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			log.G(ctx).WithError(err).WithField("pid", p.Pid).Debug("SIGKILL failed")
		}
	}
	return len(holders), nil
}
