package session

import "sync/atomic"

// Slot holds a replaceable callback of type F.
// The last Set wins. The zero value holds nothing.
//
// Workers Load the slot immediately before each dispatch, so a callback
// cleared concurrently is simply skipped.
type Slot[F any] struct {
	p atomic.Pointer[F]
}

// Set replaces the callback.
func (s *Slot[F]) Set(fn F) {
	s.p.Store(&fn)
}

// Clear removes the callback.
func (s *Slot[F]) Clear() {
	s.p.Store(nil)
}

// Load returns the current callback and whether one was set.
// A Set with a nil func reports true; callers still check for nil.
func (s *Slot[F]) Load() (F, bool) {
	p := s.p.Load()
	if p == nil {
		var zero F
		return zero, false
	}
	return *p, true
}

// ReceiveFunc delivers bytes read from a server connection.
type ReceiveFunc func(connID string, data []byte)

// InfoFunc delivers informational lifecycle events.
type InfoFunc func(ev Event)

// DisconnectFunc reports an unexpected connection loss.
type DisconnectFunc func()
