package session

import "time"

// State is a tenant session's connection lifecycle state.
type State string

const (
	StateIdle           State = "IDLE"
	StateQRPending      State = "QR_PENDING"
	StateAuthenticating State = "AUTHENTICATING"
	StateConnected      State = "CONNECTED"
	StateDisconnected   State = "DISCONNECTED"
	StateCooldown       State = "COOLDOWN"
	StateFailed         State = "FAILED"
)

// Terminal reports whether the state requires a manual reset to leave.
func (s State) Terminal() bool { return s == StateFailed }

// transitions is the only legal state graph. Reset bypasses it.
var transitions = map[State][]State{
	StateIdle:           {StateQRPending},
	StateQRPending:      {StateAuthenticating, StateIdle, StateDisconnected, StateCooldown},
	StateAuthenticating: {StateConnected, StateDisconnected, StateCooldown},
	StateConnected:      {StateDisconnected, StateCooldown},
	StateDisconnected:   {StateQRPending, StateFailed, StateCooldown},
	StateCooldown:       {StateIdle},
	StateFailed:         {},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrKind classifies the last failure recorded on a session.
type ErrKind string

const (
	ErrKindNone               ErrKind = ""
	ErrKindPairingTimeout     ErrKind = "PairingTimeout"
	ErrKindConnectTimeout     ErrKind = "ConnectTimeout"
	ErrKindProviderRateLimit  ErrKind = "ProviderRateLimited"
	ErrKindReconnectExceeded  ErrKind = "ReconnectLimitExceeded"
	ErrKindTransportSend      ErrKind = "TransportSendFailure"
	ErrKindAuthFailure        ErrKind = "AuthFailure"
	ErrKindTransportReconnect ErrKind = "TransportDisconnected"
)

// LastError is the most recent failure observed on a session.
// Zero value means no recorded failure.
type LastError struct {
	Kind ErrKind `json:"kind"`
	Msg  string  `json:"msg,omitempty"`
}

// QrPairing is the active pairing payload for a session, if any.
// At most one non-expired pairing exists per session.
type QrPairing struct {
	Code      string    `json:"code"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the pairing TTL elapsed at now.
func (p QrPairing) Expired(now time.Time) bool { return now.After(p.ExpiresAt) }

// TenantSession is one tenant's connection record. Values handed out by the
// Store are snapshots; mutation happens only inside Store critical sections.
type TenantSession struct {
	TenantID          string
	State             State
	ReconnectAttempts int
	CooldownUntil     *time.Time
	LastError         LastError
	Pairing           *QrPairing
	CreatedAt         time.Time
	LastActivityAt    time.Time
}

// InCooldown reports whether a cooldown is still active at now.
func (s TenantSession) InCooldown(now time.Time) bool {
	return s.CooldownUntil != nil && now.Before(*s.CooldownUntil)
}

// CooldownRemaining returns the remaining cooldown, or 0 if none is active.
func (s TenantSession) CooldownRemaining(now time.Time) time.Duration {
	if !s.InCooldown(now) {
		return 0
	}
	return s.CooldownUntil.Sub(now)
}
