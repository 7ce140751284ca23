package apppool

import (
	"github.com/gravitational/trace"
)

// Options describes one session request. The zero value is not usable; at
// minimum AppGroupName or AppRoot must be set.
type Options struct {
	// AppGroupName identifies the application group the session is for.
	// Defaults to AppRoot when empty.
	AppGroupName string

	// AppRoot is the application's root directory. Several groups may share
	// an AppRoot; RestartGroupsByAppRoot restarts all of them.
	AppRoot string

	// MinProcesses is the number of workers the group keeps alive even when
	// idle. The garbage collector never shrinks a group below it.
	MinProcesses int

	// MaxProcesses caps the number of workers of this group, spawning
	// included. Zero means no per-group cap; the pool ceiling still applies.
	MaxProcesses int

	// Concurrency is the number of sessions a single worker handles at
	// once. Defaults to 1.
	Concurrency int

	// SpawnMethod is passed through to the spawner, e.g. "smart" or
	// "direct". The pool does not interpret it.
	SpawnMethod string

	// Noop requests a group handle only: the returned session is bound to
	// no worker and consumes no capacity.
	Noop bool

	// Txn is an optional analytics transaction the request is logged under.
	// It is detached when the options are persisted on a wait list.
	Txn *Txn
}

// CopyAndPersist returns a copy of o that is safe to keep on a wait list
// after the originating call has returned: the external analytics
// transaction handle is detached.
func (o Options) CopyAndPersist() Options {
	copied := o
	copied.Txn = nil
	return copied
}

// checkAndSetDefaults validates o and fills in derived fields.
func (o *Options) checkAndSetDefaults() error {
	if o.AppGroupName == "" && o.AppRoot == "" {
		return trace.BadParameter("missing parameter AppGroupName or AppRoot")
	}
	if o.AppGroupName == "" {
		o.AppGroupName = o.AppRoot
	}
	if o.MinProcesses < 0 {
		return trace.BadParameter("MinProcesses must not be negative: given %d", o.MinProcesses)
	}
	if o.MaxProcesses < 0 {
		return trace.BadParameter("MaxProcesses must not be negative: given %d", o.MaxProcesses)
	}
	if o.Concurrency < 0 {
		return trace.BadParameter("Concurrency must not be negative: given %d", o.Concurrency)
	}
	if o.Concurrency == 0 {
		o.Concurrency = 1
	}
	return nil
}
