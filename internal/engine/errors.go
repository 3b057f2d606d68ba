package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRequestID rejects requests without an identifier.
var ErrInvalidRequestID = errors.New("request_id must be a non-empty string")

// ErrExecutorFailed wraps fatal execution errors and the EXECUTOR_FAILED signal.
var ErrExecutorFailed = errors.New("executor failed")

// ErrInputDied means the input goroutine exited before signalling readiness.
var ErrInputDied = errors.New("input socket goroutine died during startup")

// ErrLocalRankChange rejects reconfiguration that would move device visibility.
var ErrLocalRankChange = errors.New("data parallel local rank cannot change during reconfiguration")

// ErrNotDataParallel is returned by DP-only operations on a single replica.
var ErrNotDataParallel = errors.New("engine is not running data parallel")

func IsExecutorFailed(err error) bool { return errors.Is(err, ErrExecutorFailed) }

func IsInvalidRequestID(err error) bool { return errors.Is(err, ErrInvalidRequestID) }

// UnsupportedTaskError names a pooling task the executor cannot serve.
type UnsupportedTaskError struct {
	Task      string
	Supported []string
}

func (e UnsupportedTaskError) Error() string {
	return fmt.Sprintf("unsupported task: %q supported tasks: [%s]", e.Task, strings.Join(e.Supported, ", "))
}

func IsUnsupportedTask(err error) bool {
	var e UnsupportedTaskError
	return errors.As(err, &e)
}

// UnknownUtilityError is returned for utility calls to unregistered methods.
type UnknownUtilityError struct{ Method string }

func (e UnknownUtilityError) Error() string { return "unknown utility method: " + e.Method }

func IsUnknownUtility(err error) bool {
	var e UnknownUtilityError
	return errors.As(err, &e)
}

// capabilityError reports a utility the executor does not implement.
type capabilityError struct{ capability string }

func (e capabilityError) Error() string { return "executor does not support " + e.capability }

// IsUnsupportedCapability reports whether err comes from a missing executor capability.
func IsUnsupportedCapability(err error) bool {
	var e capabilityError
	return errors.As(err, &e)
}
