package apppool

// GetCallback receives the outcome of an asynchronous session request:
// either a session or an error, never both. Callbacks are always invoked
// with the pool lock released.
type GetCallback func(session *Session, err error)

// getWaiter is a parked session request. The options it carries have been
// copied and detached from any external transaction handle, so the waiter
// can outlive its originating call.
type getWaiter struct {
	options  Options
	callback GetCallback
}

// assignErrorToGetWaiters drains the given wait list, converting every
// waiter into a deferred error callback. Pool lock must be held.
func assignErrorToGetWaiters(waitlist *[]getWaiter, err error, d *deferredActions) {
	for _, waiter := range *waitlist {
		callback := waiter.callback
		d.push(func() { callback(nil, err) })
	}
	*waitlist = nil
}
