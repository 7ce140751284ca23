package apppool

// deferredActions collects work recorded while the pool lock is held and
// runs it after the lock is released. Anything that invokes caller-supplied
// callbacks, takes long, or might re-enter the pool must go through this
// queue instead of running inline.
//
// Every top-level mutating operation owns one queue and drains it exactly
// once, in insertion order.
type deferredActions struct {
	actions []func()
}

// push appends fn to the queue. Pool lock may be held.
func (d *deferredActions) push(fn func()) {
	d.actions = append(d.actions, fn)
}

// run executes all recorded actions in insertion order. Pool lock must NOT
// be held.
func (d *deferredActions) run() {
	actions := d.actions
	d.actions = nil
	for _, fn := range actions {
		fn()
	}
}

// runDeferred drains d outside the lock. The drain hook, when set by a
// test, observes the boundary between releasing the lock and running the
// queued actions.
func (p *Pool) runDeferred(d *deferredActions) {
	if hook := p.drainHook; hook != nil {
		hook(len(d.actions))
	}
	d.run()
}
