package session

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound means no session exists for the tenant.
	ErrNotFound = errors.New("session: tenant not found")
	// ErrConflict means the observed state did not match the expected state.
	// Callers re-read and reapply; it never leaks past the component boundary.
	ErrConflict = errors.New("session: state conflict")
	// ErrIllegalTransition means the requested transition is not in the state table.
	ErrIllegalTransition = errors.New("session: illegal transition")
)

// Store holds exactly one TenantSession per tenant. All mutations are atomic
// per tenant; tenants never contend on each other's locks.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	now func() time.Time
}

type entry struct {
	mu sync.Mutex
	s  TenantSession
}

func NewStore() *Store {
	return &Store{
		entries: map[string]*entry{},
		now:     time.Now,
	}
}

// SetClock overrides the store's time source. Test hook.
func (st *Store) SetClock(now func() time.Time) { st.now = now }

func (st *Store) lookup(tenantID string) *entry {
	st.mu.RLock()
	e := st.entries[tenantID]
	st.mu.RUnlock()
	return e
}

// Get returns a snapshot of the tenant's session.
func (st *Store) Get(tenantID string) (TenantSession, error) {
	e := st.lookup(tenantID)
	if e == nil {
		return TenantSession{}, ErrNotFound
	}
	e.mu.Lock()
	snap := snapshot(e.s)
	e.mu.Unlock()
	return snap, nil
}

// CreateIfAbsent returns the tenant's session, lazily creating an IDLE one.
func (st *Store) CreateIfAbsent(tenantID string) TenantSession {
	if e := st.lookup(tenantID); e != nil {
		e.mu.Lock()
		snap := snapshot(e.s)
		e.mu.Unlock()
		return snap
	}

	st.mu.Lock()
	e := st.entries[tenantID]
	if e == nil {
		now := st.now()
		e = &entry{s: TenantSession{
			TenantID:       tenantID,
			State:          StateIdle,
			CreatedAt:      now,
			LastActivityAt: now,
		}}
		st.entries[tenantID] = e
	}
	st.mu.Unlock()

	e.mu.Lock()
	snap := snapshot(e.s)
	e.mu.Unlock()
	return snap
}

// CompareAndTransition moves the session from expected to next, applying mut
// inside the same critical section so counter/cooldown/pairing updates ride
// the transition atomically. mut may be nil.
//
// Returns ErrConflict when the observed state differs from expected, and
// ErrIllegalTransition when the edge is not in the state table.
func (st *Store) CompareAndTransition(tenantID string, expected, next State, mut func(*TenantSession)) (TenantSession, error) {
	e := st.lookup(tenantID)
	if e == nil {
		return TenantSession{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State != expected {
		return snapshot(e.s), ErrConflict
	}
	if !allowed(expected, next) {
		return snapshot(e.s), ErrIllegalTransition
	}

	e.s.State = next
	e.s.LastActivityAt = st.now()
	if mut != nil {
		mut(&e.s)
		// mut must not override the transition itself.
		e.s.State = next
	}

	// Entering CONNECTED always clears the retry budget and the pairing.
	if next == StateConnected {
		e.s.ReconnectAttempts = 0
		e.s.Pairing = nil
		e.s.CooldownUntil = nil
		e.s.LastError = LastError{}
	}

	return snapshot(e.s), nil
}

// Update applies a non-state mutation (pairing refresh, activity bump).
// mut must not touch State; the store restores it if it does.
func (st *Store) Update(tenantID string, mut func(*TenantSession)) (TenantSession, error) {
	e := st.lookup(tenantID)
	if e == nil {
		return TenantSession{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.s.State
	if mut != nil {
		mut(&e.s)
	}
	e.s.State = prev
	e.s.LastActivityAt = st.now()
	return snapshot(e.s), nil
}

// Reset clears all session fields and forces IDLE regardless of current
// state, including cooldown. This is the only way out of FAILED.
func (st *Store) Reset(tenantID string) (TenantSession, error) {
	e := st.lookup(tenantID)
	if e == nil {
		return TenantSession{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := st.now()
	e.s = TenantSession{
		TenantID:       tenantID,
		State:          StateIdle,
		CreatedAt:      e.s.CreatedAt,
		LastActivityAt: now,
	}
	return snapshot(e.s), nil
}

// Delete removes the tenant's session entirely.
func (st *Store) Delete(tenantID string) {
	st.mu.Lock()
	delete(st.entries, tenantID)
	st.mu.Unlock()
}

// Tenants returns the ids of all known sessions.
func (st *Store) Tenants() []string {
	st.mu.RLock()
	out := make([]string, 0, len(st.entries))
	for id := range st.entries {
		out = append(out, id)
	}
	st.mu.RUnlock()
	return out
}

// snapshot deep-copies the pointer fields so callers can't reach back into
// store-owned memory.
func snapshot(s TenantSession) TenantSession {
	cp := s
	if s.CooldownUntil != nil {
		t := *s.CooldownUntil
		cp.CooldownUntil = &t
	}
	if s.Pairing != nil {
		p := *s.Pairing
		cp.Pairing = &p
	}
	return cp
}
