package executor

import "errors"

// ErrWorkerDied is returned for every batch after the async worker failed.
var ErrWorkerDied = errors.New("executor worker died")

// ErrClosed is returned by ExecuteModel after Shutdown.
var ErrClosed = errors.New("executor closed")

// ErrSleeping rejects batches while the executor is asleep.
var ErrSleeping = errors.New("executor is sleeping")

// ErrUnknownRPC is returned by CollectiveRPC for methods no worker serves.
var ErrUnknownRPC = errors.New("unknown collective rpc method")

func IsWorkerDied(err error) bool { return errors.Is(err, ErrWorkerDied) }

// backendUnavailableError signals a backend that is not compiled in or whose
// runtime dependency is missing.
type backendUnavailableError struct{ msg string }

func (e backendUnavailableError) Error() string { return e.msg }

// ErrBackendUnavailable constructs a backendUnavailableError.
func ErrBackendUnavailable(msg string) error { return backendUnavailableError{msg: msg} }

// IsBackendUnavailable reports whether err indicates a missing backend.
func IsBackendUnavailable(err error) bool {
	var e backendUnavailableError
	return errors.As(err, &e)
}

// unsupportedError reports a capability the wrapped executor lacks.
type unsupportedError struct{ capability string }

func (e unsupportedError) Error() string { return "executor does not support " + e.capability }

// IsUnsupported reports whether err comes from a missing capability.
func IsUnsupported(err error) bool {
	var e unsupportedError
	return errors.As(err, &e)
}
