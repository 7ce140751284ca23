package apppool

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
)

// Tickets turn asynchronous completions into blocking calls for the
// synchronous wrappers (Get, DetachGroupByName, DisableProcess). A ticket is
// shared between the blocking caller and the completion callback; a caller
// that gives up waiting leaves a ticket the late callback can still
// complete safely.

// getTicket carries the result of one session request.
type getTicket struct {
	once    sync.Once
	done    chan struct{}
	session *Session
	err     error
}

func newGetTicket() *getTicket {
	return &getTicket{done: make(chan struct{})}
}

// callback returns the GetCallback that completes the ticket. Only the
// first completion wins.
func (t *getTicket) callback() GetCallback {
	return func(session *Session, err error) {
		t.once.Do(func() {
			t.session = session
			t.err = err
			close(t.done)
		})
	}
}

// wait blocks until the ticket is completed or ctx is done.
func (t *getTicket) wait(ctx context.Context) (*Session, error) {
	select {
	case <-t.done:
		if t.err != nil {
			return nil, trace.Wrap(t.err)
		}
		return t.session, nil
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

// detachGroupTicket signals that a group shutdown has finished.
type detachGroupTicket struct {
	once sync.Once
	done chan struct{}
}

func newDetachGroupTicket() *detachGroupTicket {
	return &detachGroupTicket{done: make(chan struct{})}
}

func (t *detachGroupTicket) signal() {
	t.once.Do(func() { close(t.done) })
}

func (t *detachGroupTicket) wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// disableTicket carries the final result of a deferred disable.
type disableTicket struct {
	once   sync.Once
	done   chan struct{}
	result DisableResult
}

func newDisableTicket() *disableTicket {
	return &disableTicket{done: make(chan struct{})}
}

func (t *disableTicket) complete(result DisableResult) {
	t.once.Do(func() {
		t.result = result
		close(t.done)
	})
}

func (t *disableTicket) wait(ctx context.Context) (DisableResult, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return DisableError, trace.Wrap(ctx.Err())
	}
}
