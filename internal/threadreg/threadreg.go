// Package threadreg tracks background goroutines so they can be interrupted
// and joined when the pool shuts down. A pool carries two registries: one
// whose goroutines are cancelled and joined, and one whose goroutines are
// joined only.
package threadreg

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Registry owns a set of background goroutines sharing one cancellation
// context.
type Registry struct {
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns an empty registry.
func New() *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &Registry{group: group, ctx: ctx, cancel: cancel}
}

// Go runs fn on a new registered goroutine. fn must return promptly once
// its context is done.
func (r *Registry) Go(fn func(ctx context.Context)) {
	r.group.Go(func() error {
		fn(r.ctx)
		return nil
	})
}

// Context returns the registry's cancellation context.
func (r *Registry) Context() context.Context {
	return r.ctx
}

// Interrupt cancels the context shared by all registered goroutines.
func (r *Registry) Interrupt() {
	r.cancel()
}

// Join blocks until every registered goroutine has returned.
func (r *Registry) Join() {
	_ = r.group.Wait()
}
