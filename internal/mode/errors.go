package mode

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/mphacker/TeslaUSB-sub000/internal/fsck"
)

// ErrorCode classifies transition failures for exit codes and callers.
type ErrorCode int

const (
	// ErrCodeUnknown indicates an unclassified error.
	ErrCodeUnknown ErrorCode = iota
	// ErrCodeResourceBusy indicates a volume could not be unmounted.
	ErrCodeResourceBusy
	// ErrCodeConsistency indicates a volume failed its consistency check.
	ErrCodeConsistency
	// ErrCodeDriverAttach indicates the exposure driver rejected a request.
	ErrCodeDriverAttach
	// ErrCodeLockBusy indicates a quick-edit session holds the lock.
	ErrCodeLockBusy
)

// String returns the string representation of an error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeResourceBusy:
		return "RESOURCE_BUSY"
	case ErrCodeConsistency:
		return "CONSISTENCY_FAILURE"
	case ErrCodeDriverAttach:
		return "DRIVER_ATTACH_FAILURE"
	case ErrCodeLockBusy:
		return "LOCK_BUSY"
	default:
		return "UNKNOWN"
	}
}

// Coded is implemented by every classified error.
type Coded interface {
	error
	Code() ErrorCode
}

// IsErrorCode checks if an error has the specified error code.
func IsErrorCode(err error, code ErrorCode) bool {
	var c Coded
	if errors.As(err, &c) {
		return c.Code() == code
	}
	return false
}

// ExitCode maps err to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var c Coded
	if !errors.As(err, &c) {
		return 1
	}
	switch c.Code() {
	case ErrCodeResourceBusy:
		return 2
	case ErrCodeConsistency:
		return 3
	case ErrCodeDriverAttach:
		return 4
	case ErrCodeLockBusy:
		return 5
	default:
		return 1
	}
}

// ResourceBusyError indicates a local mount survived every unmount stage.
// Nothing may be exposed while it exists.
//
// Recovery: find the process holding Target open (fuser -vm), stop it and
// re-run the transition.
type ResourceBusyError struct {
	Volume string
	Target string
	Cause  error
}

func (e *ResourceBusyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("volume %s is busy at %s: %v", e.Volume, e.Target, e.Cause)
	}
	return fmt.Sprintf("volume %s is busy at %s", e.Volume, e.Target)
}

// Code returns the error code for programmatic handling.
func (e *ResourceBusyError) Code() ErrorCode {
	return ErrCodeResourceBusy
}

func (e *ResourceBusyError) Unwrap() error {
	return e.Cause
}

// Is classifies the error as errdefs.ErrUnavailable.
func (e *ResourceBusyError) Is(target error) bool {
	return target == errdefs.ErrUnavailable
}

// ConsistencyError indicates a volume is not safe to expose.
//
// Recovery: inspect the per-volume check log, then run the check command
// in repair mode.
type ConsistencyError struct {
	Volume string
	Result fsck.Result
	Cause  error
}

func (e *ConsistencyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("consistency check of volume %s: %s: %v", e.Volume, e.Result, e.Cause)
	}
	return fmt.Sprintf("consistency check of volume %s: %s", e.Volume, e.Result)
}

// Code returns the error code for programmatic handling.
func (e *ConsistencyError) Code() ErrorCode {
	return ErrCodeConsistency
}

func (e *ConsistencyError) Unwrap() error {
	return e.Cause
}

// Is classifies the error as errdefs.ErrFailedPrecondition.
func (e *ConsistencyError) Is(target error) bool {
	return target == errdefs.ErrFailedPrecondition
}

// DriverAttachError indicates the exposure driver rejected an attach or
// detach. The volumes stay released.
type DriverAttachError struct {
	Operation string
	Cause     error
}

func (e *DriverAttachError) Error() string {
	return fmt.Sprintf("gadget %s failed: %v", e.Operation, e.Cause)
}

// Code returns the error code for programmatic handling.
func (e *DriverAttachError) Code() ErrorCode {
	return ErrCodeDriverAttach
}

func (e *DriverAttachError) Unwrap() error {
	return e.Cause
}
