package apppool

// Self-checking: after every mutation the pool re-verifies the structural
// invariants that span groups. A violation is a programmer error and is
// fatal.

// verifyInvariantsLocked checks the pool-wide invariants. Pool lock must be
// held.
func (p *Pool) verifyInvariantsLocked() {
	if !p.selfChecking {
		return
	}
	// A non-empty pool wait list is only justified at full capacity.
	if len(p.getWaitlist) > 0 && !p.atFullCapacityLocked() {
		p.log.Panicf("apppool: invariant violation: %d parked requests while only %d of %d capacity slots are used",
			len(p.getWaitlist), p.capacityUsedLocked(), p.max)
	}
	// A parked request must not name a group that exists: an existing group
	// would have taken it on its own wait list.
	for _, waiter := range p.getWaitlist {
		if _, ok := p.groups.Lookup(waiter.options.AppGroupName); ok {
			p.log.Panicf("apppool: invariant violation: parked request names existing group %q",
				waiter.options.AppGroupName)
		}
	}
	for name, group := range p.groups.All() {
		group.verifyInvariantsLocked(name)
	}
}

// verifyInvariantsLocked checks the group's structural consistency. Pool
// lock must be held.
func (g *Group) verifyInvariantsLocked(name string) {
	if g.name != name {
		g.log.Panicf("apppool: invariant violation: group %q registered under name %q", g.name, name)
	}
	if g.spawnsInProgress < 0 {
		g.log.Panicf("apppool: invariant violation: negative spawn count %d", g.spawnsInProgress)
	}
	checkList := func(list []*Process, want enablement) {
		for _, process := range list {
			if process.enablement != want {
				g.log.Panicf("apppool: invariant violation: worker %s is on the wrong list (state %d, want %d)",
					process.gupid, process.enablement, want)
			}
			if process.sessions < 0 || process.sessions > process.concurrency {
				g.log.Panicf("apppool: invariant violation: worker %s holds %d sessions with concurrency %d",
					process.gupid, process.sessions, process.concurrency)
			}
			if process.group != g {
				g.log.Panicf("apppool: invariant violation: worker %s does not point back at its group", process.gupid)
			}
		}
	}
	checkList(g.enabledProcesses, processEnabled)
	checkList(g.disablingProcesses, processDisabling)
	checkList(g.disabledProcesses, processDisabled)
	// Group waiters are only justified when no enabled worker has a free
	// slot, except while restarting, when workers are intentionally gone.
	if !g.restartingFlag && len(g.getWaitlist) > 0 {
		if process := g.findProcessWithFreeSlot(); process != nil {
			g.log.Panicf("apppool: invariant violation: %d waiters while worker %s has a free slot",
				len(g.getWaitlist), process.gupid)
		}
	}
}
