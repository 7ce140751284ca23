package apppool

import (
	"errors"
	"fmt"
)

// GetAbortedError is delivered to a pending session request whose target
// group was torn down before the request could be satisfied.
type GetAbortedError struct {
	// Reason is a human readable description of why the request was aborted.
	Reason string
}

// Error implements the error interface.
func (e *GetAbortedError) Error() string {
	return e.Reason
}

// IsGetAborted reports whether err is, or wraps, a GetAbortedError.
func IsGetAborted(err error) bool {
	var aborted *GetAbortedError
	return errors.As(err, &aborted)
}

// groupDetachedError is the error assigned to every waiter of a group that
// is being detached.
func groupDetachedError() error {
	return &GetAbortedError{Reason: "The containing Group was detached."}
}

// DisableResult is the outcome of disabling a worker.
type DisableResult int

const (
	// DisableSuccess means the worker has been moved to the disabled list.
	DisableSuccess DisableResult = iota
	// DisableAlreadyDisabled means the worker was disabled before the call.
	DisableAlreadyDisabled
	// DisableError means the worker cannot be disabled, e.g. because it has
	// already been detached from the pool.
	DisableError
	// DisableNoop means no worker matched the request.
	DisableNoop
	// DisableDeferred means the worker is draining its active sessions and
	// the disable completes asynchronously.
	DisableDeferred
)

// String implements fmt.Stringer.
func (r DisableResult) String() string {
	switch r {
	case DisableSuccess:
		return "success"
	case DisableAlreadyDisabled:
		return "already-disabled"
	case DisableError:
		return "error"
	case DisableNoop:
		return "noop"
	case DisableDeferred:
		return "deferred"
	default:
		return fmt.Sprintf("DisableResult(%d)", int(r))
	}
}

// RestartMethod selects how a group restart is performed.
type RestartMethod int

const (
	// RestartDefault detaches the group's current workers and lets demand
	// and MinProcesses drive respawning.
	RestartDefault RestartMethod = iota
)

// LifeStatus describes where a Pool is in its lifecycle. It only ever
// advances, never regresses.
type LifeStatus int

const (
	// StatusAlive is the initial state; all operations are permitted.
	StatusAlive LifeStatus = iota
	// StatusPreparedForShutdown suppresses respawning; session requests are
	// still served.
	StatusPreparedForShutdown
	// StatusShuttingDown is the transient state while Destroy drains the
	// pool.
	StatusShuttingDown
	// StatusShutDown is terminal.
	StatusShutDown
)

// String implements fmt.Stringer.
func (s LifeStatus) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusPreparedForShutdown:
		return "prepared-for-shutdown"
	case StatusShuttingDown:
		return "shutting-down"
	case StatusShutDown:
		return "shut-down"
	default:
		return fmt.Sprintf("LifeStatus(%d)", int(s))
	}
}
