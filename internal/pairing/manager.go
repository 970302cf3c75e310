// Package pairing issues and expires the scannable codes used during
// initial session authentication.
package pairing

import (
	"errors"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"zapgw/internal/session"
)

var (
	// ErrNone means no pairing is in progress for the tenant.
	ErrNone = errors.New("pairing: none in progress")
	// ErrExpired means the pairing TTL elapsed before it was scanned.
	ErrExpired = errors.New("pairing: expired")
)

// Manager owns the pairing lifecycle. The pairing record itself lives on the
// TenantSession; the manager is the only writer of that field outside Reset.
type Manager struct {
	store *session.Store
	ttl   time.Duration
	now   func() time.Time
}

func NewManager(store *session.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	return &Manager{store: store, ttl: ttl, now: time.Now}
}

// SetClock overrides the manager's time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// TTL returns the fixed pairing lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue records a fresh pairing for the tenant, replacing any active one.
func (m *Manager) Issue(tenantID, code string) (session.QrPairing, error) {
	now := m.now()
	p := session.QrPairing{
		Code:      code,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	_, err := m.store.Update(tenantID, func(s *session.TenantSession) {
		s.Pairing = &p
	})
	if err != nil {
		return session.QrPairing{}, err
	}
	return p, nil
}

// Current returns the active pairing for the tenant.
// Returns ErrNone when no pairing is in progress and ErrExpired once the
// TTL elapsed (the connection supervisor applies the QR timeout policy).
func (m *Manager) Current(tenantID string) (session.QrPairing, error) {
	s, err := m.store.Get(tenantID)
	if err != nil {
		return session.QrPairing{}, ErrNone
	}
	if s.Pairing == nil {
		return session.QrPairing{}, ErrNone
	}
	if s.Pairing.Expired(m.now()) {
		return *s.Pairing, ErrExpired
	}
	return *s.Pairing, nil
}

// Clear drops the tenant's pairing, if any.
func (m *Manager) Clear(tenantID string) {
	_, _ = m.store.Update(tenantID, func(s *session.TenantSession) {
		s.Pairing = nil
	})
}

// RenderPNG renders a pairing code as a scannable PNG image.
// Pure formatting; only the HTTP layer calls it.
func RenderPNG(code string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(code, qrcode.Medium, size)
}
