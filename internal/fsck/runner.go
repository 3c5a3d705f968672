package fsck

import (
	"context"
	"errors"
	"os/exec"
)

// Runner runs name with args and returns its combined output and exit
// status. err is non-nil only when the command could not be run to
// completion, including when ctx ended it.
type Runner func(ctx context.Context, name string, args ...string) (out []byte, code int, err error)

// ExecRunner runs commands on the host.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return out, 0, nil
	}
	if ctx.Err() != nil {
		return out, -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, exitErr.ExitCode(), nil
	}
	return out, -1, err
}
