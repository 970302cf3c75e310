// Package connection drives each tenant's session state machine against the
// chat transport: pairing, timeouts, keepalive, reconnect policy and the
// provider rate-limit cooldown.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"zapgw/internal/eventbus"
	"zapgw/internal/metrics"
	"zapgw/internal/pairing"
	"zapgw/internal/runtime/supervisor"
	"zapgw/internal/session"
	"zapgw/internal/transport"
	logx "zapgw/pkg/logx"
)

type Config struct {
	QRWait               time.Duration // pairing must be scanned within this window
	ConnectTimeout       time.Duration // AUTHENTICATING -> CONNECTED deadline
	Keepalive            time.Duration // ping interval while CONNECTED
	Cooldown             time.Duration // provider rate-limit wait
	MaxReconnectAttempts int
	SendTimeout          time.Duration
}

func (c Config) normalized() Config {
	if c.QRWait <= 0 {
		c.QRWait = 20 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 60 * time.Second
	}
	if c.Keepalive <= 0 {
		c.Keepalive = 30 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 15 * time.Minute
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// StateChange is published on the event bus for every session transition.
type StateChange struct {
	From session.State     `json:"from"`
	To   session.State     `json:"to"`
	Err  session.LastError `json:"err,omitempty"`
}

// Manager owns one runner goroutine per active session and is the only
// component that touches the transport clients.
type Manager struct {
	cfg      Config
	store    *session.Store
	pairings *pairing.Manager
	dialer   transport.Dialer
	bus      eventbus.Bus
	met      *metrics.Metrics
	log      logx.Logger
	sup      *supervisor.Supervisor

	mu      sync.Mutex
	runners map[string]*runner

	now func() time.Time
}

func NewManager(cfg Config, store *session.Store, pairings *pairing.Manager, dialer transport.Dialer, bus eventbus.Bus, met *metrics.Metrics, log logx.Logger, sup *supervisor.Supervisor) *Manager {
	if met == nil {
		met = metrics.Nop()
	}
	return &Manager{
		cfg:      cfg.normalized(),
		store:    store,
		pairings: pairings,
		dialer:   dialer,
		bus:      bus,
		met:      met,
		log:      log,
		sup:      sup,
		runners:  map[string]*runner{},
		now:      time.Now,
	}
}

// SetClock overrides the manager's time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Status returns the tenant's current session snapshot.
func (m *Manager) Status(tenantID string) (session.TenantSession, error) {
	return m.store.Get(tenantID)
}

// Start begins pairing for the tenant. Allowed from IDLE or DISCONNECTED.
// Rejected with a CooldownError while a rate-limit cooldown is active.
// Starting an already-active session is not an error; the current snapshot
// is returned so the caller can tell what happened.
func (m *Manager) Start(ctx context.Context, tenantID string) (session.TenantSession, error) {
	snap := m.store.CreateIfAbsent(tenantID)
	now := m.now()

	if snap.InCooldown(now) {
		return snap, &CooldownError{Remaining: snap.CooldownRemaining(now)}
	}
	// An elapsed cooldown that the runner did not get to clear yet (process
	// restart, racing timer) is resolved lazily here.
	if snap.State == session.StateCooldown {
		s, err := m.transition(tenantID, session.StateCooldown, session.StateIdle, func(s *session.TenantSession) {
			s.CooldownUntil = nil
		})
		if err == nil {
			snap = s
		} else {
			snap, _ = m.store.Get(tenantID)
		}
	}

	switch snap.State {
	case session.StateIdle, session.StateDisconnected:
	default:
		return snap, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runners[tenantID]; exists {
		s, _ := m.store.Get(tenantID)
		switch s.State {
		case session.StateIdle, session.StateDisconnected:
			// The registered runner is on its way out: a cooldown runner
			// whose timer has not fired after the lazy clear above, or a
			// pairing-timeout exit that has not deregistered yet. Replace
			// it instead of swallowing the start; the stale runner's own
			// store CAS will conflict and it exits without touching the
			// new registration (deregister is identity-checked).
			snap = s
		default:
			return s, nil
		}
	}

	s, err := m.transition(tenantID, snap.State, session.StateQRPending, func(s *session.TenantSession) {
		s.LastError = session.LastError{}
		s.Pairing = nil
	})
	if errors.Is(err, session.ErrConflict) {
		// A provider event raced us; surface whatever state won.
		cur, _ := m.store.Get(tenantID)
		return cur, nil
	}
	if err != nil {
		return s, err
	}

	r := newRunner(m, tenantID)
	m.runners[tenantID] = r
	m.sup.Go0("session."+tenantID, r.run)
	return s, nil
}

// Disconnect forces the session to DISCONNECTED without touching the
// reconnect counter and without triggering an automatic retry.
func (m *Manager) Disconnect(ctx context.Context, tenantID string) (session.TenantSession, error) {
	if r := m.runner(tenantID); r != nil {
		if snap, err, ok := r.command(ctx, cmd{kind: cmdDisconnect}); ok {
			return snap, err
		}
	}
	// No live runner: flip DISCONNECTED-able states directly.
	snap, err := m.store.Get(tenantID)
	if err != nil {
		return session.TenantSession{}, err
	}
	switch snap.State {
	case session.StateQRPending, session.StateAuthenticating, session.StateConnected:
		s, terr := m.transition(tenantID, snap.State, session.StateDisconnected, nil)
		if terr == nil {
			return s, nil
		}
	}
	return snap, nil
}

// Reset clears the session (counters, cooldown, pairing) and forces IDLE
// regardless of current state. The only way out of FAILED.
func (m *Manager) Reset(ctx context.Context, tenantID string) (session.TenantSession, error) {
	if r := m.runner(tenantID); r != nil {
		if snap, err, ok := r.command(ctx, cmd{kind: cmdReset}); ok {
			return snap, err
		}
	}
	snap, err := m.store.Reset(tenantID)
	if err != nil {
		return session.TenantSession{}, err
	}
	m.publish(tenantID, StateChange{From: snap.State, To: session.StateIdle})
	return snap, nil
}

// Send delivers one message through the tenant's transport client.
// Only valid while CONNECTED; the runner serializes sends per tenant.
func (m *Manager) Send(ctx context.Context, tenantID, recipient string, payload transport.Payload) error {
	snap, err := m.store.Get(tenantID)
	if err != nil {
		return ErrNotConnected
	}
	if snap.State != session.StateConnected {
		return ErrNotConnected
	}
	r := m.runner(tenantID)
	if r == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	_, err, ok := r.command(ctx, cmd{kind: cmdSend, recipient: recipient, payload: payload})
	if !ok {
		return ErrNotConnected
	}
	return err
}

func (m *Manager) runner(tenantID string) *runner {
	m.mu.Lock()
	r := m.runners[tenantID]
	m.mu.Unlock()
	return r
}

func (m *Manager) deregister(tenantID string, r *runner) {
	m.mu.Lock()
	if m.runners[tenantID] == r {
		delete(m.runners, tenantID)
	}
	m.mu.Unlock()
}

// transition performs a store CAS and fans the change out to metrics and the
// event bus. Conflict handling stays with the caller.
func (m *Manager) transition(tenantID string, from, to session.State, mut func(*session.TenantSession)) (session.TenantSession, error) {
	snap, err := m.store.CompareAndTransition(tenantID, from, to, mut)
	if err != nil {
		return snap, err
	}
	m.met.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	if to == session.StateConnected {
		m.met.SessionsActive.Inc()
	}
	if from == session.StateConnected {
		m.met.SessionsActive.Dec()
	}
	m.publish(tenantID, StateChange{From: from, To: to, Err: snap.LastError})
	return snap, nil
}

func (m *Manager) publish(tenantID string, ch StateChange) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Type:   eventbus.TypeSessionState,
		Tenant: tenantID,
		Data:   ch,
	})
}
