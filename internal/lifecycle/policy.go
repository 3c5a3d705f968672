package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Stage is one escalation step of an unmount.
type Stage int

const (
	// StagePlain is an ordinary umount(2).
	StagePlain Stage = iota
	// StageTerminate signals the processes holding the mount open and
	// retries the unmount.
	StageTerminate
	// StageLazy detaches the mount point from the namespace (MNT_DETACH);
	// I/O already in flight may still drain afterwards.
	StageLazy
)

func (s Stage) String() string {
	switch s {
	case StagePlain:
		return "plain"
	case StageTerminate:
		return "terminate-holders"
	case StageLazy:
		return "lazy"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// StagePolicy says how often a stage is attempted and how long to wait
// between attempts.
type StagePolicy struct {
	Stage    Stage
	Attempts int
	Interval time.Duration
}

// RetryPolicy is the ordered unmount escalation. Each stage runs only after
// every attempt of the previous one failed.
type RetryPolicy struct {
	Stages []StagePolicy
	// TermGrace is how long holders get between SIGTERM and SIGKILL.
	TermGrace time.Duration
}

// NewRetryPolicy returns the plain → terminate → lazy escalation with the
// given attempts per stage. The lazy stage is attempted once.
func NewRetryPolicy(attempts int, interval, termGrace time.Duration) RetryPolicy {
	if attempts < 1 {
		attempts = 1
	}
	return RetryPolicy{
		Stages: []StagePolicy{
			{Stage: StagePlain, Attempts: attempts, Interval: interval},
			{Stage: StageTerminate, Attempts: attempts, Interval: interval},
			{Stage: StageLazy, Attempts: 1},
		},
		TermGrace: termGrace,
	}
}

// DefaultRetryPolicy is NewRetryPolicy(3, time.Second, 2*time.Second).
func DefaultRetryPolicy() RetryPolicy {
	return NewRetryPolicy(3, time.Second, 2*time.Second)
}

// errNotYet makes backoff retry an attempt that ran without error but did
// not finish the job.
var errNotYet = errors.New("still mounted")

// Run walks the stages, calling attempt until it reports done. It returns
// the stage that succeeded, or ok=false when every stage was exhausted.
// A non-nil error from attempt ends the whole run.
func (p RetryPolicy) Run(ctx context.Context, attempt func(context.Context, Stage) (bool, error)) (Stage, bool, error) {
	for _, sp := range p.Stages {
		attempts := sp.Attempts
		if attempts < 1 {
			attempts = 1
		}

		var fatal error
		op := func() error {
			done, err := attempt(ctx, sp.Stage)
			if err != nil {
				fatal = err
				return backoff.Permanent(err)
			}
			if !done {
				return errNotYet
			}
			return nil
		}

		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(sp.Interval), uint64(attempts-1)), ctx)
		err := backoff.Retry(op, b)
		if err == nil {
			return sp.Stage, true, nil
		}
		if fatal != nil {
			return sp.Stage, false, fatal
		}
		if ctx.Err() != nil {
			return sp.Stage, false, ctx.Err()
		}
	}
	return StageLazy, false, nil
}
