package apppool

import "sync"

// Session grants its holder exclusive use of one worker slot for one
// request. Sessions are handed out by the pool, either synchronously from
// Get or through the callback passed to AsyncGet.
type Session struct {
	process *Process // nil for a Noop session
	group   *Group

	closeOnce sync.Once
}

// Process returns the worker the session is bound to, or nil for a session
// obtained with Options.Noop.
func (s *Session) Process() *Process {
	return s.process
}

// GroupName returns the name of the group that produced the session.
func (s *Session) GroupName() string {
	return s.group.name
}

// Close returns the worker slot to the pool. It is safe to call Close
// multiple times; subsequent calls are no-ops.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.process != nil {
			s.group.pool.releaseSession(s)
		}
	})
}
