package apppool

// SetDrainHook installs a test observer that fires at the boundary between
// releasing the pool lock and running the deferred actions recorded under
// it. It must be installed before the pool is shared between goroutines.
func (p *Pool) SetDrainHook(hook func(queued int)) {
	p.drainHook = hook
}
