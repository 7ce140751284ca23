package apppool

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DisableCallback receives the final result of a disable that could not
// complete synchronously.
type DisableCallback func(process *Process, result DisableResult)

// disableWaiter is a pending completion callback for a worker that is
// draining its sessions before moving to the disabled list.
type disableWaiter struct {
	process  *Process
	callback DisableCallback
}

// Group is the per-application-group state machine: it owns the group's
// workers, its wait list and its spawn state. A group is created and owned
// by the Pool; all methods except the exported read-only accessors must be
// called with the pool lock held, and none of them ever acquires it.
type Group struct {
	pool    *Pool
	name    string
	secret  string
	options Options
	log     logrus.FieldLogger

	enabledProcesses   []*Process
	disablingProcesses []*Process
	disabledProcesses  []*Process

	getWaitlist     []getWaiter
	disableWaitlist []disableWaiter

	// spawner is created lazily, off the pool lock, by the first spawn.
	spawnerOnce sync.Once
	spawner     Spawner

	// spawnsInProgress counts workers being spawned; they hold pool
	// capacity before they are attached. At most one spawn runs per group.
	spawnsInProgress int

	restartingFlag bool
	shuttingDown   bool

	lastUsed time.Time
}

func newGroup(pool *Pool, options Options) *Group {
	return &Group{
		pool:     pool,
		name:     options.AppGroupName,
		secret:   uuid.NewString(),
		options:  options,
		log:      pool.log.WithField("group", options.AppGroupName),
		lastUsed: pool.clock.Now(),
	}
}

// Name returns the group's unique name.
func (g *Group) Name() string {
	return g.name
}

// Secret returns the group's unique secret.
func (g *Group) Secret() string {
	return g.secret
}

// Options returns a persisted copy of the options the group was created
// with.
func (g *Group) Options() Options {
	g.pool.mu.Lock()
	defer g.pool.mu.Unlock()
	return g.options.CopyAndPersist()
}

// Restarting reports whether a restart of the group is in progress.
func (g *Group) Restarting() bool {
	g.pool.mu.Lock()
	defer g.pool.mu.Unlock()
	return g.restartingFlag
}

// Spawning reports whether the group is spawning a worker.
func (g *Group) Spawning() bool {
	g.pool.mu.Lock()
	defer g.pool.mu.Unlock()
	return g.spawnsInProgress > 0
}

// ProcessCount returns the number of workers the group holds, spawning
// excluded.
func (g *Group) ProcessCount() int {
	g.pool.mu.Lock()
	defer g.pool.mu.Unlock()
	return g.processCount()
}

// get either returns a session synchronously or parks the callback on the
// group's wait list. A Noop request always returns a session bound to no
// worker.
func (g *Group) get(options Options, callback GetCallback, d *deferredActions) *Session {
	g.lastUsed = g.pool.clock.Now()
	if options.Noop {
		return &Session{group: g}
	}
	if !g.restartingFlag {
		if process := g.findProcessWithFreeSlot(); process != nil {
			return g.newSession(process)
		}
	}
	g.getWaitlist = append(g.getWaitlist, getWaiter{
		options:  options.CopyAndPersist(),
		callback: callback,
	})
	if g.shouldSpawn() && !g.pool.atFullCapacityLocked() {
		g.spawn()
	}
	return nil
}

// findProcessWithFreeSlot returns the least busy enabled worker that can
// take one more session, or nil.
func (g *Group) findProcessWithFreeSlot() *Process {
	var best *Process
	for _, process := range g.enabledProcesses {
		if !process.hasFreeSlot() {
			continue
		}
		if best == nil || process.sessions < best.sessions {
			best = process
		}
	}
	return best
}

func (g *Group) newSession(process *Process) *Session {
	process.sessions++
	return &Session{process: process, group: g}
}

// assignSessionsToWaiters hands free worker slots to the group's waiters in
// FIFO order, scheduling their callbacks on d.
func (g *Group) assignSessionsToWaiters(d *deferredActions) {
	if g.restartingFlag {
		return
	}
	for len(g.getWaitlist) > 0 {
		process := g.findProcessWithFreeSlot()
		if process == nil {
			return
		}
		waiter := g.getWaitlist[0]
		g.getWaitlist = g.getWaitlist[1:]
		session := g.newSession(process)
		callback := waiter.callback
		d.push(func() { callback(session, nil) })
	}
}

// capacityUsed is the group's share of the pool ceiling: all attached
// workers plus workers currently being spawned.
func (g *Group) capacityUsed() int {
	return g.processCount() + g.spawnsInProgress
}

func (g *Group) processCount() int {
	return len(g.enabledProcesses) + len(g.disablingProcesses) + len(g.disabledProcesses)
}

func (g *Group) enabledCount() int {
	return len(g.enabledProcesses)
}

// shouldSpawn reports whether the group wants another worker: it is below
// MinProcesses, or it has waiters that current workers and the in-flight
// spawn cannot serve. Pool capacity is the caller's concern.
func (g *Group) shouldSpawn() bool {
	if g.shuttingDown || g.restartingFlag {
		return false
	}
	if g.options.MaxProcesses > 0 && g.capacityUsed() >= g.options.MaxProcesses {
		return false
	}
	if g.enabledCount()+g.spawnsInProgress < g.options.MinProcesses {
		return true
	}
	pendingSlots := g.spawnsInProgress * g.options.Concurrency
	for _, process := range g.enabledProcesses {
		pendingSlots += process.concurrency - process.sessions
	}
	return len(g.getWaitlist) > pendingSlots
}

// isWaitingForCapacity reports whether the group has waiters but nothing
// running or spawning, i.e. it is starved and should be first in line when
// capacity frees up.
func (g *Group) isWaitingForCapacity() bool {
	return !g.shuttingDown && !g.restartingFlag &&
		len(g.getWaitlist) > 0 &&
		len(g.enabledProcesses) == 0 &&
		g.spawnsInProgress == 0
}

// spawn starts one background spawn for the group. A group runs at most
// one spawn at a time; the spawn loop continues from attachSpawned while
// demand remains.
func (g *Group) spawn() {
	if g.shuttingDown || g.spawnsInProgress > 0 {
		return
	}
	g.spawnsInProgress++
	options := g.options
	pool := g.pool
	// Spawning blocks on the application boot, so it runs on a background
	// goroutine. It must complete even during shutdown to keep the spawn
	// accounting correct, hence the non-interruptable registry; the spawner
	// still observes shutdown through the interruptable context.
	pool.nonInterruptable.Go(func(_ context.Context) {
		pool.spawnWorker(pool.interruptable.Context(), g, options)
	})
}

// attachSpawned integrates a freshly spawned worker. A worker spawned for a
// group that has been shut down in the meantime is discarded. Pool lock
// must be held.
func (g *Group) attachSpawned(result SpawnResult, d *deferredActions) {
	g.spawnsInProgress--
	if g.shuttingDown {
		g.log.WithField("pid", result.Pid).Debug("Discarding worker spawned for a detached group")
		return
	}
	process := newProcess(result.Pid, g, g.pool.clock.Now())
	g.enabledProcesses = append(g.enabledProcesses, process)
	g.lastUsed = process.spawnedAt
	g.log.WithFields(logrus.Fields{
		"pid":   process.pid,
		"gupid": process.gupid,
	}).Debug("Attached new worker")
	g.assignSessionsToWaiters(d)
	if g.shouldSpawn() && !g.pool.atFullCapacityLocked() {
		g.spawn()
	}
}

// spawnFailed releases the capacity held by a failed spawn and aborts
// waiters that can no longer be served. Pool lock must be held.
func (g *Group) spawnFailed(err error, d *deferredActions) {
	g.spawnsInProgress--
	g.log.WithError(err).Warn("Failed to spawn a worker")
	if g.shuttingDown {
		return
	}
	if len(g.enabledProcesses) == 0 && len(g.getWaitlist) > 0 {
		assignErrorToGetWaiters(&g.getWaitlist, err, d)
	}
}

// detach removes the worker from whichever list holds it. Existing sessions
// on the worker keep running; the worker takes no new ones and no longer
// counts toward capacity.
func (g *Group) detach(process *Process, d *deferredActions) {
	switch process.enablement {
	case processEnabled:
		g.enabledProcesses = removeProcess(g.enabledProcesses, process)
	case processDisabling:
		g.disablingProcesses = removeProcess(g.disablingProcesses, process)
	case processDisabled:
		g.disabledProcesses = removeProcess(g.disabledProcesses, process)
	case processDetached:
		return
	}
	process.enablement = processDetached
	process.alive = false
	g.log.WithFields(logrus.Fields{
		"pid":   process.pid,
		"gupid": process.gupid,
	}).Debug("Detached worker")
	g.completeDisableWaiters(process, DisableSuccess, d)
}

// disable takes the worker out of rotation. If the worker is idle the
// disable completes synchronously; otherwise the worker drains on the
// disabling list and callback fires when the last session closes.
func (g *Group) disable(process *Process, callback DisableCallback) DisableResult {
	switch process.enablement {
	case processDisabled:
		return DisableAlreadyDisabled
	case processDetached:
		return DisableError
	case processDisabling:
		g.disableWaitlist = append(g.disableWaitlist, disableWaiter{process: process, callback: callback})
		return DisableDeferred
	}
	if process.isIdle() {
		g.enabledProcesses = removeProcess(g.enabledProcesses, process)
		g.disabledProcesses = append(g.disabledProcesses, process)
		process.enablement = processDisabled
		return DisableSuccess
	}
	g.enabledProcesses = removeProcess(g.enabledProcesses, process)
	g.disablingProcesses = append(g.disablingProcesses, process)
	process.enablement = processDisabling
	g.disableWaitlist = append(g.disableWaitlist, disableWaiter{process: process, callback: callback})
	return DisableDeferred
}

// completeDisableWaiters fires the pending disable callbacks registered for
// the worker.
func (g *Group) completeDisableWaiters(process *Process, result DisableResult, d *deferredActions) {
	var retained []disableWaiter
	for _, waiter := range g.disableWaitlist {
		if waiter.process != process {
			retained = append(retained, waiter)
			continue
		}
		callback := waiter.callback
		d.push(func() { callback(process, result) })
	}
	g.disableWaitlist = retained
}

// onSessionClosed accounts for one closed session and advances whatever the
// worker was waiting on: a pending disable, or the group's wait list.
func (g *Group) onSessionClosed(process *Process, d *deferredActions) {
	process.sessions--
	process.lastUsed = g.pool.clock.Now()
	g.lastUsed = process.lastUsed
	if process.enablement == processDisabling && process.isIdle() {
		g.disablingProcesses = removeProcess(g.disablingProcesses, process)
		g.disabledProcesses = append(g.disabledProcesses, process)
		process.enablement = processDisabled
		g.completeDisableWaiters(process, DisableSuccess, d)
	}
	if process.hasFreeSlot() {
		g.assignSessionsToWaiters(d)
	}
}

// restart detaches the group's current workers and schedules the second
// half of the restart behind the lock release. The group stays in the pool
// and keeps accepting requests on its wait list while restarting.
func (g *Group) restart(options Options, method RestartMethod, d *deferredActions) {
	g.restartingFlag = true
	g.options = options
	g.log.WithField("method", method).Debug("Restarting group")
	for _, process := range g.allProcesses(nil) {
		g.detach(process, d)
	}
	pool := g.pool
	d.push(func() { pool.finishGroupRestart(g) })
}

// shutdown irreversibly tears the group down. The caller must have drained
// the group's wait list. An in-flight spawn is not waited for; the worker
// it produces is discarded when it tries to attach.
func (g *Group) shutdown(onDone func(), d *deferredActions) {
	g.shuttingDown = true
	for _, process := range g.allProcesses(nil) {
		g.detach(process, d)
	}
	d.push(onDone)
}

// allProcesses appends all of the group's workers to buf and returns it.
func (g *Group) allProcesses(buf []*Process) []*Process {
	buf = append(buf, g.enabledProcesses...)
	buf = append(buf, g.disablingProcesses...)
	buf = append(buf, g.disabledProcesses...)
	return buf
}

// garbageCollectable reports whether the group holds nothing worth keeping:
// no workers, no spawn, no waiters, no floor, and no recent activity. A
// non-positive threshold means collection is disabled.
func (g *Group) garbageCollectable(now time.Time, maxIdleTime time.Duration) bool {
	return maxIdleTime > 0 &&
		!g.shuttingDown && !g.restartingFlag &&
		g.processCount() == 0 &&
		g.spawnsInProgress == 0 &&
		len(g.getWaitlist) == 0 &&
		len(g.disableWaitlist) == 0 &&
		g.options.MinProcesses == 0 &&
		now.Sub(g.lastUsed) >= maxIdleTime
}

func removeProcess(list []*Process, process *Process) []*Process {
	return slices.DeleteFunc(list, func(p *Process) bool { return p == process })
}
