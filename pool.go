package apppool

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/yuku/apppool/internal/groupmap"
	"github.com/yuku/apppool/internal/threadreg"
)

const (
	// DefaultMax is the default pool-wide capacity ceiling.
	DefaultMax = 6

	// DefaultMaxIdleTime is the stock idle-worker eviction threshold: how
	// long a worker may sit idle before the garbage collector detaches it.
	DefaultMaxIdleTime = 60 * time.Second
)

// Config holds the configuration for creating a Pool.
type Config struct {
	// SpawnerFactory produces the spawners that start workers. Required.
	SpawnerFactory SpawnerFactory

	// AgentOptions is the agent-wide key-value configuration. Recognized
	// keys: "max", "max_idle_time" (a duration string such as "60s") and
	// "self_checking". Unknown keys are ignored.
	AgentOptions map[string]string

	// Max is the capacity ceiling shared across all groups. Defaults to
	// DefaultMax; must be at least 1.
	Max int

	// MaxIdleTime is the idle-worker eviction threshold. Zero disables
	// idle collection entirely; most agents want DefaultMaxIdleTime.
	MaxIdleTime time.Duration

	// DisableSelfChecking turns off the post-mutation invariant checks.
	DisableSelfChecking bool

	// Clock is the time source. Defaults to the real clock.
	Clock clockwork.Clock

	// Log is the logger. Defaults to the standard logrus logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks parameters and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.SpawnerFactory == nil {
		return trace.BadParameter("missing parameter SpawnerFactory")
	}
	if err := c.applyAgentOptions(); err != nil {
		return trace.Wrap(err)
	}
	if c.Max == 0 {
		c.Max = DefaultMax
	}
	if c.Max < 1 {
		return trace.BadParameter("Max must be at least 1: given %d", c.Max)
	}
	if c.MaxIdleTime < 0 {
		return trace.BadParameter("MaxIdleTime must not be negative: given %v", c.MaxIdleTime)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return nil
}

func (c *Config) applyAgentOptions() error {
	if raw, ok := c.AgentOptions["max"]; ok {
		max, err := strconv.Atoi(raw)
		if err != nil {
			return trace.BadParameter("agent option max is not a number: %q", raw)
		}
		c.Max = max
	}
	if raw, ok := c.AgentOptions["max_idle_time"]; ok {
		maxIdleTime, err := time.ParseDuration(raw)
		if err != nil {
			return trace.BadParameter("agent option max_idle_time is not a duration: %q", raw)
		}
		c.MaxIdleTime = maxIdleTime
	}
	if raw, ok := c.AgentOptions["self_checking"]; ok {
		selfChecking, err := strconv.ParseBool(raw)
		if err != nil {
			return trace.BadParameter("agent option self_checking is not a boolean: %q", raw)
		}
		c.DisableSelfChecking = !selfChecking
	}
	return nil
}

// Pool is the admission and placement engine. It owns the application
// groups, divides the shared capacity ceiling among them, parks requests no
// group can take, and coordinates worker lifecycle.
//
// All mutable state is protected by mu. The lock is never held while a
// caller-supplied callback runs, while a ticket is waited on, or while
// background goroutines are joined.
type Pool struct {
	spawnerFactory SpawnerFactory
	clock          clockwork.Clock
	log            logrus.FieldLogger

	interruptable    *threadreg.Registry
	nonInterruptable *threadreg.Registry
	gcWake           chan struct{}

	mu           sync.Mutex
	max          int
	maxIdleTime  time.Duration
	selfChecking bool
	lifeStatus   LifeStatus
	groups       *groupmap.Map[*Group]
	getWaitlist  []getWaiter

	abortLongRunningConnections func(*Process)

	initialized bool

	// drainHook, when set by a test, observes the deferred-action
	// boundary. It must be set before the pool is shared between
	// goroutines.
	drainHook func(queued int)
}

// New creates a Pool. Call Initialize right after, and Destroy before
// dropping the last reference.
func New(config Config) (*Pool, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pool{
		spawnerFactory:   config.SpawnerFactory,
		clock:            config.Clock,
		log:              config.Log.WithField("component", "apppool"),
		interruptable:    threadreg.New(),
		nonInterruptable: threadreg.New(),
		gcWake:           make(chan struct{}, 1),
		max:              config.Max,
		maxIdleTime:      config.MaxIdleTime,
		selfChecking:     !config.DisableSelfChecking,
		lifeStatus:       StatusAlive,
		groups:           groupmap.New[*Group](),
	}, nil
}

// Initialize starts the pool's background sweepers (garbage collection and
// analytics). Must be called exactly once, right after New.
func (p *Pool) Initialize() {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		p.log.Panicf("apppool: Initialize called twice")
	}
	p.initialized = true
	p.mu.Unlock()
	p.interruptable.Go(p.gcLoop)
	p.interruptable.Go(p.analyticsLoop)
}

// SetAbortLongRunningConnectionsCallback installs the hook
// PrepareForShutdown invokes for every tracked worker, so the embedding
// agent can abort long-running connections such as WebSockets.
func (p *Pool) SetAbortLongRunningConnectionsCallback(fn func(process *Process)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abortLongRunningConnections = fn
}

// requireAliveLocked panics unless the pool still accepts mutations.
// Calling a mutating operation on a pool that is shutting down is a
// programmer error. The lock is released before panicking so a recovered
// panic does not leave the pool mutex held.
func (p *Pool) requireAliveLocked(op string) {
	if p.lifeStatus == StatusAlive || p.lifeStatus == StatusPreparedForShutdown {
		return
	}
	status := p.lifeStatus
	p.mu.Unlock()
	p.log.Panicf("apppool: %s called while pool is %v", op, status)
}

// AsyncGet requests a session for the given options. Exactly one of a
// session or an error is eventually delivered to callback, which runs with
// the pool lock released, possibly on another goroutine and possibly before
// AsyncGet returns.
//
// Decision order: an existing group is always used; otherwise a group is
// created if capacity allows; otherwise the oldest idle worker anywhere in
// the pool is evicted to make room; otherwise the request is parked on the
// pool wait list until capacity frees up.
func (p *Pool) AsyncGet(options Options, callback GetCallback) {
	if callback == nil {
		p.log.Panicf("apppool: AsyncGet requires a callback")
	}
	if err := options.checkAndSetDefaults(); err != nil {
		d := &deferredActions{}
		d.push(func() { callback(nil, trace.Wrap(err)) })
		p.runDeferred(d)
		return
	}
	if options.Txn != nil {
		options.Txn.Message("session requested for " + options.AppGroupName)
	}
	d := &deferredActions{}
	p.mu.Lock()
	p.requireAliveLocked("AsyncGet")
	if group, ok := p.groups.Lookup(options.AppGroupName); ok {
		if session := group.get(options, callback, d); session != nil {
			d.push(func() { callback(session, nil) })
		}
	} else if !p.atFullCapacityLocked() {
		p.log.WithField("group", options.AppGroupName).Debug("Creating new group")
		p.createGroupAndGetLocked(options, callback, d)
	} else if freed := p.forceFreeCapacityLocked(nil, d); freed != nil {
		p.createGroupAndGetLocked(options, callback, d)
		// Waiters parked for this very group name move onto the new
		// group's wait list, preserving wait-list exclusivity.
		p.assignSessionsToGetWaitersLocked(d)
	} else {
		p.log.WithField("group", options.AppGroupName).Debug(
			"Could not free a worker; parking request on the pool wait list")
		p.getWaitlist = append(p.getWaitlist, getWaiter{
			options:  options.CopyAndPersist(),
			callback: callback,
		})
	}
	p.verifyInvariantsLocked()
	p.mu.Unlock()
	p.runDeferred(d)
}

// Get is the synchronous form of AsyncGet. It blocks until a session or an
// error is available, or until ctx is done.
func (p *Pool) Get(ctx context.Context, options Options) (*Session, error) {
	ticket := newGetTicket()
	p.AsyncGet(options, ticket.callback())
	session, err := ticket.wait(ctx)
	if err != nil {
		// The caller is gone; if the parked request is eventually served
		// anyway, hand the session straight back so the slot is not leaked.
		go func() {
			<-ticket.done
			if ticket.session != nil {
				ticket.session.Close()
			}
		}()
		return nil, trace.Wrap(err)
	}
	return session, nil
}

// EnsureGroup makes sure a group exists for the given options, creating it
// regardless of the capacity ceiling, and returns its handle.
func (p *Pool) EnsureGroup(options Options) (*Group, error) {
	if err := options.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p.mu.Lock()
	p.requireAliveLocked("EnsureGroup")
	d := &deferredActions{}
	group, ok := p.groups.Lookup(options.AppGroupName)
	if !ok {
		group = p.createGroupLocked(options)
		// Waiters parked for this group name belong on the new group's
		// wait list now.
		p.assignSessionsToGetWaitersLocked(d)
		p.possiblySpawnMoreLocked()
	}
	p.verifyInvariantsLocked()
	p.mu.Unlock()
	p.runDeferred(d)
	return group, nil
}

// SetMax updates the capacity ceiling. When the ceiling grows, parked
// requests on the pool wait list are served before per-group wait lists
// get discretionary spawns: pool waiters have no resources at all yet, so
// favoring them is fairer.
func (p *Pool) SetMax(max int) error {
	if max < 1 {
		return trace.BadParameter("max must be at least 1: given %d", max)
	}
	d := &deferredActions{}
	p.mu.Lock()
	p.requireAliveLocked("SetMax")
	bigger := max > p.max
	p.max = max
	if bigger {
		p.assignSessionsToGetWaitersLocked(d)
		p.possiblySpawnMoreLocked()
	}
	p.verifyInvariantsLocked()
	p.mu.Unlock()
	p.runDeferred(d)
	return nil
}

// SetMaxIdleTime updates the idle-worker eviction threshold and wakes the
// garbage collector so the new value takes effect immediately. Zero
// disables idle collection.
func (p *Pool) SetMaxIdleTime(maxIdleTime time.Duration) {
	p.mu.Lock()
	p.maxIdleTime = maxIdleTime
	p.mu.Unlock()
	p.wakeGC()
}

// EnableSelfChecking toggles the post-mutation invariant checks.
func (p *Pool) EnableSelfChecking(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selfChecking = enabled
}

// PrepareForShutdown tells the pool a graceful shutdown is imminent: the
// MinProcesses of every group that holds a worker is forced to zero so idle
// workers are not respawned, and the abort-long-running-connections hook
// fires for every tracked worker. A group without any worker keeps its
// MinProcesses.
func (p *Pool) PrepareForShutdown() {
	d := &deferredActions{}
	p.mu.Lock()
	if p.lifeStatus != StatusAlive {
		p.mu.Unlock()
		p.log.Panicf("apppool: PrepareForShutdown called while pool is %v", p.lifeStatus)
	}
	p.lifeStatus = StatusPreparedForShutdown
	hook := p.abortLongRunningConnections
	for _, process := range p.processesLocked(nil) {
		process.group.options.MinProcesses = 0
		if hook != nil {
			d.push(func() { hook(process) })
		}
	}
	p.verifyInvariantsLocked()
	p.mu.Unlock()
	p.runDeferred(d)
}

// Destroy tears the pool down: it aborts parked requests, detaches every
// group one at a time, then interrupts and joins the background
// goroutines. The pool must not be used afterwards.
//
// The teardown always runs to completion and the pool always reaches
// StatusShutDown; ctx only determines the returned error. Group shutdown
// tickets fire as soon as the group's workers are detached, so none of the
// internal waits can hang on a collaborator.
func (p *Pool) Destroy(ctx context.Context) error {
	d := &deferredActions{}
	p.mu.Lock()
	if p.lifeStatus != StatusAlive && p.lifeStatus != StatusPreparedForShutdown {
		p.mu.Unlock()
		p.log.Panicf("apppool: Destroy called while pool is %v", p.lifeStatus)
	}
	p.lifeStatus = StatusShuttingDown
	assignErrorToGetWaiters(&p.getWaitlist, &GetAbortedError{Reason: "The pool was shut down."}, d)
	p.mu.Unlock()
	p.runDeferred(d)

	for {
		p.mu.Lock()
		name, _, ok := p.groups.LookupRandom()
		p.mu.Unlock()
		if !ok {
			break
		}
		// Not the caller's ctx: cancellation must not leave the drain
		// half-done with the pool stuck in StatusShuttingDown.
		if _, err := p.detachGroupByName(context.Background(), name); err != nil {
			p.log.WithError(err).WithField("group", name).Warn("Failed to detach group during shutdown")
		}
	}

	p.interruptable.Interrupt()
	p.interruptable.Join()
	p.nonInterruptable.Join()

	p.mu.Lock()
	p.lifeStatus = StatusShutDown
	p.verifyInvariantsLocked()
	p.mu.Unlock()
	p.log.Debug("Pool shut down")
	return trace.Wrap(ctx.Err())
}

// DetachProcess detaches the given worker. It reports whether a detach
// happened.
func (p *Pool) DetachProcess(process *Process) bool {
	d := &deferredActions{}
	p.mu.Lock()
	p.requireAliveLocked("DetachProcess")
	detached := p.detachProcessLocked(process, d)
	p.verifyInvariantsLocked()
	p.mu.Unlock()
	p.runDeferred(d)
	return detached
}

// DetachProcessByPid detaches the worker with the given OS pid.
func (p *Pool) DetachProcessByPid(pid int) bool {
	d := &deferredActions{}
	p.mu.Lock()
	p.requireAliveLocked("DetachProcessByPid")
	detached := p.detachProcessLocked(p.processByPidLocked(pid), d)
	p.verifyInvariantsLocked()
	p.mu.Unlock()
	p.runDeferred(d)
	return detached
}

// DetachProcessByGupid detaches the worker with the given gupid.
func (p *Pool) DetachProcessByGupid(gupid string) bool {
	d := &deferredActions{}
	p.mu.Lock()
	p.requireAliveLocked("DetachProcessByGupid")
	detached := p.detachProcessLocked(p.processByGupidLocked(gupid), d)
	p.verifyInvariantsLocked()
	p.mu.Unlock()
	p.runDeferred(d)
	return detached
}

func (p *Pool) detachProcessLocked(process *Process, d *deferredActions) bool {
	if process == nil || !process.alive {
		return false
	}
	process.group.detach(process, d)
	p.assignSessionsToGetWaitersLocked(d)
	p.possiblySpawnMoreLocked()
	return true
}

// DetachGroupByName tears down the named group: its waiters are aborted
// with a GetAbortedError, its workers are detached and the call blocks
// until the group has fully shut down. It reports whether the group
// existed.
func (p *Pool) DetachGroupByName(ctx context.Context, name string) (bool, error) {
	return p.detachGroupByName(ctx, name)
}

// detachGroupByName is shared by DetachGroupByName and Destroy; the latter
// calls it while the pool is in StatusShuttingDown.
func (p *Pool) detachGroupByName(ctx context.Context, name string) (bool, error) {
	d := &deferredActions{}
	p.mu.Lock()
	if p.lifeStatus == StatusShutDown {
		p.mu.Unlock()
		p.log.Panicf("apppool: DetachGroupByName called while pool is %v", p.lifeStatus)
	}
	group, ok := p.groups.Lookup(name)
	if !ok {
		p.mu.Unlock()
		return false, nil
	}
	ticket := newDetachGroupTicket()
	assignErrorToGetWaiters(&group.getWaitlist, groupDetachedError(), d)
	p.forceDetachGroupLocked(group, ticket.signal, d)
	if p.lifeStatus < StatusShuttingDown {
		p.assignSessionsToGetWaitersLocked(d)
		p.possiblySpawnMoreLocked()
	}
	p.verifyInvariantsLocked()
	p.mu.Unlock()
	p.runDeferred(d)
	if err := ticket.wait(ctx); err != nil {
		return true, trace.Wrap(err)
	}
	return true, nil
}

// DetachGroupBySecret resolves the group secret to a name and detaches the
// group.
func (p *Pool) DetachGroupBySecret(ctx context.Context, secret string) (bool, error) {
	p.mu.Lock()
	group := p.groupBySecretLocked(secret)
	if group == nil {
		p.mu.Unlock()
		return false, nil
	}
	name := group.name
	p.mu.Unlock()
	return p.detachGroupByName(ctx, name)
}

// DisableProcess takes the worker with the given gupid out of rotation. If
// the worker is draining sessions the call blocks until the disable
// completes or ctx is done.
func (p *Pool) DisableProcess(ctx context.Context, gupid string) (DisableResult, error) {
	p.mu.Lock()
	p.requireAliveLocked("DisableProcess")
	process := p.processByGupidLocked(gupid)
	if process == nil {
		p.mu.Unlock()
		return DisableNoop, nil
	}
	ticket := newDisableTicket()
	result := process.group.disable(process, func(_ *Process, result DisableResult) {
		ticket.complete(result)
	})
	// Disabling may have taken the group's last enabled worker out of
	// rotation; give its waiters a replacement.
	p.possiblySpawnMoreLocked()
	p.verifyInvariantsLocked()
	p.mu.Unlock()
	if result != DisableDeferred {
		return result, nil
	}
	final, err := ticket.wait(ctx)
	if err != nil {
		return DisableError, trace.Wrap(err)
	}
	return final, nil
}

// RestartGroupByName restarts the named group unless a restart is already
// in progress. After PrepareForShutdown restarts are rejected. It reports
// whether the group existed and the pool was still alive.
func (p *Pool) RestartGroupByName(name string, method RestartMethod) bool {
	d := &deferredActions{}
	p.mu.Lock()
	if p.lifeStatus != StatusAlive {
		p.mu.Unlock()
		return false
	}
	group, ok := p.groups.Lookup(name)
	if !ok {
		p.mu.Unlock()
		return false
	}
	if !group.restartingFlag {
		group.restart(group.options, method, d)
		// The restart detached the group's workers; the freed capacity can
		// serve parked requests right away.
		p.assignSessionsToGetWaitersLocked(d)
		p.possiblySpawnMoreLocked()
	}
	p.verifyInvariantsLocked()
	p.mu.Unlock()
	p.runDeferred(d)
	return true
}

// RestartGroupsByAppRoot restarts every group rooted at appRoot and returns
// how many matched.
func (p *Pool) RestartGroupsByAppRoot(appRoot string, method RestartMethod) int {
	d := &deferredActions{}
	p.mu.Lock()
	if p.lifeStatus != StatusAlive {
		p.mu.Unlock()
		return 0
	}
	matched := 0
	for _, group := range p.groups.All() {
		if group.options.AppRoot != appRoot {
			continue
		}
		matched++
		if !group.restartingFlag {
			group.restart(group.options, method, d)
		}
	}
	if matched > 0 {
		p.assignSessionsToGetWaitersLocked(d)
		p.possiblySpawnMoreLocked()
	}
	p.verifyInvariantsLocked()
	p.mu.Unlock()
	p.runDeferred(d)
	return matched
}

// finishGroupRestart is the second half of a group restart; it runs as a
// deferred action once the initiating operation has released the lock.
func (p *Pool) finishGroupRestart(group *Group) {
	d := &deferredActions{}
	p.mu.Lock()
	group.restartingFlag = false
	if !group.shuttingDown && p.lifeStatus < StatusShuttingDown {
		p.assignSessionsToGetWaitersLocked(d)
		p.possiblySpawnMoreLocked()
	}
	p.verifyInvariantsLocked()
	p.mu.Unlock()
	p.runDeferred(d)
}

// releaseSession is the Session.Close entry point.
func (p *Pool) releaseSession(session *Session) {
	d := &deferredActions{}
	p.mu.Lock()
	process := session.process
	session.group.onSessionClosed(process, d)
	// A finished request is a chance to serve parked requests: the oldest
	// idle worker in the pool is evicted to make room for a group that has
	// no capacity at all.
	if len(p.getWaitlist) > 0 && p.lifeStatus < StatusShuttingDown {
		if freed := p.forceFreeCapacityLocked(nil, d); freed != nil {
			p.assignSessionsToGetWaitersLocked(d)
			p.possiblySpawnMoreLocked()
		}
	}
	p.verifyInvariantsLocked()
	p.mu.Unlock()
	p.runDeferred(d)
	p.wakeGC()
}

// spawnWorker runs on a background goroutine and performs one spawn for the
// group, then re-enters the pool to attach the worker or account for the
// failure.
func (p *Pool) spawnWorker(ctx context.Context, group *Group, options Options) {
	group.spawnerOnce.Do(func() {
		group.spawner = p.spawnerFactory.NewSpawner(options)
	})
	result, err := group.spawner.Spawn(ctx, options)

	d := &deferredActions{}
	p.mu.Lock()
	if err != nil {
		group.spawnFailed(err, d)
		// The failed spawn's capacity is free again; reschedule.
		p.assignSessionsToGetWaitersLocked(d)
		p.possiblySpawnMoreLocked()
	} else {
		group.attachSpawned(result, d)
		// A fresh worker with spare slots can be evicted right back if the
		// pool wait list is starving for capacity.
		if len(p.getWaitlist) > 0 && p.lifeStatus < StatusShuttingDown {
			if freed := p.forceFreeCapacityLocked(nil, d); freed != nil {
				p.assignSessionsToGetWaitersLocked(d)
				p.possiblySpawnMoreLocked()
			}
		}
	}
	p.verifyInvariantsLocked()
	p.mu.Unlock()
	p.runDeferred(d)
	p.wakeGC()
}

// assignSessionsToGetWaiters walks the pool wait list in FIFO order and
// serves every waiter it can: through a now-existing group, or by creating
// one while capacity lasts. Waiters that still cannot be served are
// retained. Pool lock must be held.
func (p *Pool) assignSessionsToGetWaitersLocked(d *deferredActions) {
	if p.lifeStatus >= StatusShuttingDown {
		return
	}
	var retained []getWaiter
	for _, waiter := range p.getWaitlist {
		if group, ok := p.groups.Lookup(waiter.options.AppGroupName); ok {
			if session := group.get(waiter.options, waiter.callback, d); session != nil {
				callback := waiter.callback
				d.push(func() { callback(session, nil) })
			}
		} else if !p.atFullCapacityLocked() {
			p.createGroupAndGetLocked(waiter.options, waiter.callback, d)
		} else {
			retained = append(retained, waiter)
		}
	}
	p.getWaitlist = retained
}

// possiblySpawnMoreLocked spawns workers for existing groups while capacity
// lasts. Groups that are starved (waiters but nothing running) come before
// discretionary scale-up. Pool lock must be held.
func (p *Pool) possiblySpawnMoreLocked() {
	if p.lifeStatus >= StatusShuttingDown || p.atFullCapacityLocked() {
		return
	}
	for _, group := range p.groups.All() {
		if group.isWaitingForCapacity() {
			group.log.Debug("Group is waiting for capacity")
			group.spawn()
			if p.atFullCapacityLocked() {
				return
			}
		}
	}
	for _, group := range p.groups.All() {
		if group.shouldSpawn() {
			group.spawn()
			if p.atFullCapacityLocked() {
				return
			}
		}
	}
}

// forceFreeCapacityLocked detaches the oldest idle worker of any group
// other than exclude and returns it, or nil when every group is busy,
// restarting or has waiters of its own. Pool lock must be held.
func (p *Pool) forceFreeCapacityLocked(exclude *Group, d *deferredActions) *Process {
	var oldest *Process
	for _, group := range p.groups.All() {
		if group == exclude || group.restartingFlag || len(group.getWaitlist) > 0 {
			continue
		}
		for _, process := range group.enabledProcesses {
			if !process.isIdle() {
				continue
			}
			if oldest == nil || process.lastUsed.Before(oldest.lastUsed) {
				oldest = process
			}
		}
	}
	if oldest == nil {
		return nil
	}
	p.log.WithFields(logrus.Fields{
		"pid":   oldest.pid,
		"group": oldest.group.name,
	}).Debug("Forcefully detaching idle worker to free capacity")
	oldest.group.detach(oldest, d)
	return oldest
}

// forceDetachGroupLocked removes the group from the map and shuts it down.
// The group's wait list must have been drained by the caller. Pool lock
// must be held.
func (p *Pool) forceDetachGroupLocked(group *Group, onDone func(), d *deferredActions) {
	if len(group.getWaitlist) > 0 {
		p.log.Panicf("apppool: detaching group %q with %d undrained waiters", group.name, len(group.getWaitlist))
	}
	p.groups.Erase(group.name)
	group.shutdown(onDone, d)
}

func (p *Pool) createGroupLocked(options Options) *Group {
	group := newGroup(p, options)
	p.groups.Insert(options.AppGroupName, group)
	p.wakeGC()
	return group
}

// createGroupAndGetLocked creates a group for options and immediately
// requests a session from it. Only a Noop request gets a session out of a
// fresh group; everything else lands on the group's wait list with a spawn
// under way.
func (p *Pool) createGroupAndGetLocked(options Options, callback GetCallback, d *deferredActions) *Group {
	group := p.createGroupLocked(options)
	if session := group.get(options, callback, d); session != nil {
		d.push(func() { callback(session, nil) })
	}
	return group
}

// capacityUsedLocked sums every group's share of the ceiling. Pool lock
// must be held.
func (p *Pool) capacityUsedLocked() int {
	total := 0
	for _, group := range p.groups.All() {
		total += group.capacityUsed()
	}
	return total
}

func (p *Pool) atFullCapacityLocked() bool {
	return p.capacityUsedLocked() >= p.max
}

// CapacityUsed returns the number of capacity slots currently in use,
// spawning workers included.
func (p *Pool) CapacityUsed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacityUsedLocked()
}

// AtFullCapacity reports whether the pool has no free capacity slots.
func (p *Pool) AtFullCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.atFullCapacityLocked()
}

// Processes returns every worker in the pool, disabling and disabled
// workers included.
func (p *Pool) Processes() []*Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processesLocked(nil)
}

func (p *Pool) processesLocked(buf []*Process) []*Process {
	for _, group := range p.groups.All() {
		buf = group.allProcesses(buf)
	}
	return buf
}

// ProcessCount returns the number of workers in the pool, spawning
// excluded.
func (p *Pool) ProcessCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, group := range p.groups.All() {
		count += group.processCount()
	}
	return count
}

// GroupCount returns the number of groups in the pool.
func (p *Pool) GroupCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.groups.Len()
}

// GroupBySecret returns the group with the given secret, or nil.
func (p *Pool) GroupBySecret(secret string) *Group {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.groupBySecretLocked(secret)
}

func (p *Pool) groupBySecretLocked(secret string) *Group {
	for _, group := range p.groups.All() {
		if group.secret == secret {
			return group
		}
	}
	return nil
}

// ProcessByGupid returns the worker with the given gupid, or nil.
func (p *Pool) ProcessByGupid(gupid string) *Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processByGupidLocked(gupid)
}

func (p *Pool) processByGupidLocked(gupid string) *Process {
	for _, process := range p.processesLocked(nil) {
		if process.gupid == gupid {
			return process
		}
	}
	return nil
}

// ProcessByPid returns the worker with the given OS pid, or nil.
func (p *Pool) ProcessByPid(pid int) *Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processByPidLocked(pid)
}

func (p *Pool) processByPidLocked(pid int) *Process {
	for _, process := range p.processesLocked(nil) {
		if process.pid == pid {
			return process
		}
	}
	return nil
}

// Spawning reports whether at least one worker is being spawned.
func (p *Pool) Spawning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, group := range p.groups.All() {
		if group.spawnsInProgress > 0 {
			return true
		}
	}
	return false
}

// LifeStatus returns where the pool is in its lifecycle.
func (p *Pool) LifeStatus() LifeStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lifeStatus
}

// GetWaitlistSize returns the number of requests parked on the pool wait
// list.
func (p *Pool) GetWaitlistSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.getWaitlist)
}

// wakeGC nudges the garbage collector without blocking.
func (p *Pool) wakeGC() {
	select {
	case p.gcWake <- struct{}{}:
	default:
	}
}
