package session

import (
	"errors"
	"testing"
	"time"
)

func TestCreateIfAbsent(t *testing.T) {
	t.Parallel()
	st := NewStore()

	s := st.CreateIfAbsent("t1")
	if s.State != StateIdle {
		t.Fatalf("State = %s, want IDLE", s.State)
	}
	if s.TenantID != "t1" {
		t.Fatalf("TenantID = %s, want t1", s.TenantID)
	}

	// Second call returns the existing session untouched.
	if _, err := st.CompareAndTransition("t1", StateIdle, StateQRPending, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	again := st.CreateIfAbsent("t1")
	if again.State != StateQRPending {
		t.Fatalf("State = %s, want QR_PENDING after re-create", again.State)
	}
}

func TestGetUnknownTenant(t *testing.T) {
	t.Parallel()
	st := NewStore()
	if _, err := st.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateQRPending, true},
		{StateIdle, StateConnected, false},
		{StateQRPending, StateAuthenticating, true},
		{StateQRPending, StateIdle, true},
		{StateQRPending, StateCooldown, true},
		{StateQRPending, StateConnected, false},
		{StateAuthenticating, StateConnected, true},
		{StateAuthenticating, StateDisconnected, true},
		{StateAuthenticating, StateIdle, false},
		{StateConnected, StateDisconnected, true},
		{StateConnected, StateQRPending, false},
		{StateDisconnected, StateQRPending, true},
		{StateDisconnected, StateFailed, true},
		{StateCooldown, StateIdle, true},
		{StateCooldown, StateQRPending, false},
		{StateFailed, StateIdle, false},
		{StateFailed, StateQRPending, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := allowed(tt.from, tt.to); got != tt.ok {
				t.Fatalf("allowed(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
			}
		})
	}
}

func TestCompareAndTransitionConflict(t *testing.T) {
	t.Parallel()
	st := NewStore()
	st.CreateIfAbsent("t1")

	snap, err := st.CompareAndTransition("t1", StateConnected, StateDisconnected, nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if snap.State != StateIdle {
		t.Fatalf("conflict snapshot State = %s, want IDLE", snap.State)
	}
}

func TestCompareAndTransitionIllegal(t *testing.T) {
	t.Parallel()
	st := NewStore()
	st.CreateIfAbsent("t1")

	if _, err := st.CompareAndTransition("t1", StateIdle, StateConnected, nil); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}
}

func TestMutCannotOverrideTransition(t *testing.T) {
	t.Parallel()
	st := NewStore()
	st.CreateIfAbsent("t1")

	snap, err := st.CompareAndTransition("t1", StateIdle, StateQRPending, func(s *TenantSession) {
		s.State = StateFailed
		s.ReconnectAttempts = 2
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if snap.State != StateQRPending {
		t.Fatalf("State = %s, want QR_PENDING", snap.State)
	}
	if snap.ReconnectAttempts != 2 {
		t.Fatalf("ReconnectAttempts = %d, want 2", snap.ReconnectAttempts)
	}
}

func TestEnteringConnectedClearsSession(t *testing.T) {
	t.Parallel()
	st := NewStore()
	st.CreateIfAbsent("t1")

	until := time.Now().Add(time.Minute)
	walk := []struct {
		from, to State
	}{
		{StateIdle, StateQRPending},
		{StateQRPending, StateAuthenticating},
	}
	for _, w := range walk {
		if _, err := st.CompareAndTransition("t1", w.from, w.to, func(s *TenantSession) {
			s.ReconnectAttempts = 2
			s.CooldownUntil = &until
			s.Pairing = &QrPairing{Code: "abc"}
			s.LastError = LastError{Kind: ErrKindPairingTimeout}
		}); err != nil {
			t.Fatalf("%s -> %s: %v", w.from, w.to, err)
		}
	}

	snap, err := st.CompareAndTransition("t1", StateAuthenticating, StateConnected, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if snap.ReconnectAttempts != 0 {
		t.Fatalf("ReconnectAttempts = %d, want 0", snap.ReconnectAttempts)
	}
	if snap.Pairing != nil {
		t.Fatal("Pairing not cleared")
	}
	if snap.CooldownUntil != nil {
		t.Fatal("CooldownUntil not cleared")
	}
	if snap.LastError.Kind != ErrKindNone {
		t.Fatalf("LastError = %v, want cleared", snap.LastError)
	}
}

func TestResetFromFailed(t *testing.T) {
	t.Parallel()
	st := NewStore()
	st.CreateIfAbsent("t1")

	walk := []struct{ from, to State }{
		{StateIdle, StateQRPending},
		{StateQRPending, StateDisconnected},
		{StateDisconnected, StateFailed},
	}
	for _, w := range walk {
		if _, err := st.CompareAndTransition("t1", w.from, w.to, func(s *TenantSession) {
			s.ReconnectAttempts = 3
		}); err != nil {
			t.Fatalf("%s -> %s: %v", w.from, w.to, err)
		}
	}

	snap, err := st.Reset("t1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if snap.State != StateIdle || snap.ReconnectAttempts != 0 {
		t.Fatalf("after reset: state=%s attempts=%d", snap.State, snap.ReconnectAttempts)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()
	st := NewStore()
	st.CreateIfAbsent("t1")

	if _, err := st.Update("t1", func(s *TenantSession) {
		s.Pairing = &QrPairing{Code: "original"}
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	snap, _ := st.Get("t1")
	snap.Pairing.Code = "tampered"

	fresh, _ := st.Get("t1")
	if fresh.Pairing.Code != "original" {
		t.Fatalf("snapshot mutation leaked into store: %s", fresh.Pairing.Code)
	}
}

func TestUpdateCannotChangeState(t *testing.T) {
	t.Parallel()
	st := NewStore()
	st.CreateIfAbsent("t1")

	snap, err := st.Update("t1", func(s *TenantSession) {
		s.State = StateConnected
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if snap.State != StateIdle {
		t.Fatalf("State = %s, want IDLE", snap.State)
	}
}

func TestCooldownHelpers(t *testing.T) {
	t.Parallel()
	now := time.Now()
	until := now.Add(10 * time.Minute)
	s := TenantSession{CooldownUntil: &until}

	if !s.InCooldown(now) {
		t.Fatal("expected active cooldown")
	}
	if got := s.CooldownRemaining(now); got != 10*time.Minute {
		t.Fatalf("remaining = %v, want 10m", got)
	}
	if s.InCooldown(until.Add(time.Second)) {
		t.Fatal("cooldown should have elapsed")
	}
	if got := s.CooldownRemaining(until.Add(time.Second)); got != 0 {
		t.Fatalf("remaining = %v, want 0", got)
	}
}

func TestDeleteAndTenants(t *testing.T) {
	t.Parallel()
	st := NewStore()
	st.CreateIfAbsent("a")
	st.CreateIfAbsent("b")

	if got := len(st.Tenants()); got != 2 {
		t.Fatalf("tenants = %d, want 2", got)
	}
	st.Delete("a")
	if got := len(st.Tenants()); got != 1 {
		t.Fatalf("tenants = %d, want 1", got)
	}
	if _, err := st.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
