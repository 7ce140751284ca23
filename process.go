package apppool

import (
	"time"

	"github.com/google/uuid"
)

// enablement is the rotation state of a worker within its group.
type enablement int

const (
	processEnabled enablement = iota
	processDisabling
	processDisabled
	processDetached
)

// Process is one operating-system worker owned by a Group. All mutable
// fields are protected by the pool lock; the identity fields (pid, gupid,
// group) are immutable after attach and may be read without it.
type Process struct {
	pid   int
	gupid string
	group *Group

	enablement  enablement
	concurrency int
	sessions    int

	spawnedAt time.Time
	lastUsed  time.Time
	alive     bool
}

func newProcess(pid int, group *Group, now time.Time) *Process {
	return &Process{
		pid:         pid,
		gupid:       uuid.NewString(),
		group:       group,
		enablement:  processEnabled,
		concurrency: group.options.Concurrency,
		spawnedAt:   now,
		lastUsed:    now,
		alive:       true,
	}
}

// Pid returns the worker's operating-system process id.
func (p *Process) Pid() int {
	return p.pid
}

// Gupid returns the worker's globally unique id, assigned at attach time and
// stable for the worker's lifetime.
func (p *Process) Gupid() string {
	return p.gupid
}

// GroupName returns the name of the group that owns the worker.
func (p *Process) GroupName() string {
	return p.group.name
}

// hasFreeSlot reports whether the worker can take one more session.
// Pool lock must be held.
func (p *Process) hasFreeSlot() bool {
	return p.enablement == processEnabled && p.sessions < p.concurrency
}

// isIdle reports whether the worker is serving no sessions.
// Pool lock must be held.
func (p *Process) isIdle() bool {
	return p.sessions == 0
}
