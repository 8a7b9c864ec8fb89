// Package registry maps IMEI to the active session bound to it, and the
// inverse session-id lookup, per spec.md §4.5. All operations are
// non-blocking and never touch a peer socket.
package registry

import "sync"

// Session is the minimal view the registry needs; internal/session.Session
// satisfies it.
type Session interface {
	ID() string
}

// Registry is the (IMEI -> Session) map plus its inverse.
type Registry struct {
	mu       sync.RWMutex
	byIMEI   map[string]Session
	byID     map[string]Session
}

func New() *Registry {
	return &Registry{
		byIMEI: make(map[string]Session),
		byID:   make(map[string]Session),
	}
}

// Bind is an atomic test-and-set: it fails with ok=false if a different
// session is already registered under imei. On Conflict the caller must
// close the incoming session — the existing session is authoritative.
func (r *Registry) Bind(imei string, s Session) (ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, found := r.byIMEI[imei]; found && existing.ID() != s.ID() {
		return false
	}
	r.byIMEI[imei] = s
	r.byID[s.ID()] = s
	return true
}

// Unbind is a no-op when the current occupant of imei is not s, preventing
// a late teardown from evicting a newer binding.
func (r *Registry) Unbind(imei string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, found := r.byIMEI[imei]; found && existing.ID() == s.ID() {
		delete(r.byIMEI, imei)
	}
	if existing, found := r.byID[s.ID()]; found && existing.ID() == s.ID() {
		delete(r.byID, s.ID())
	}
}

// Lookup is the dispatcher's only read path from IMEI to Session.
func (r *Registry) Lookup(imei string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byIMEI[imei]
	return s, ok
}

// LookupByID resolves a session by its own id. Only sessions that have been
// bound to an IMEI with Bind (and not yet unbound) are found; a session
// that never completed the handshake is not in the index.
func (r *Registry) LookupByID(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Count returns the number of currently bound sessions, for metrics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIMEI)
}
