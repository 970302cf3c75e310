package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"zapgw/internal/eventbus"
	"zapgw/internal/pairing"
	"zapgw/internal/runtime/supervisor"
	"zapgw/internal/session"
	"zapgw/internal/transport"
	logx "zapgw/pkg/logx"
)

type fakeClient struct {
	connectErr error
	sendErr    error

	mu    sync.Mutex
	sent  []string
	evs   chan transport.Event
	close sync.Once
}

func newFakeClient() *fakeClient {
	return &fakeClient{evs: make(chan transport.Event, 8)}
}

func (c *fakeClient) Connect(ctx context.Context) error    { return c.connectErr }
func (c *fakeClient) Disconnect(ctx context.Context) error { return nil }
func (c *fakeClient) Ping(ctx context.Context) error       { return nil }

func (c *fakeClient) SendMessage(ctx context.Context, recipient string, payload transport.Payload) error {
	c.mu.Lock()
	c.sent = append(c.sent, recipient)
	c.mu.Unlock()
	return c.sendErr
}

func (c *fakeClient) Events() <-chan transport.Event { return c.evs }

func (c *fakeClient) Close() error {
	c.close.Do(func() { close(c.evs) })
	return nil
}

func (c *fakeClient) emit(ev transport.Event) { c.evs <- ev }

// fakeDialer hands out scripted clients in dial order; the last one repeats.
type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeClient
	dials   int
}

func (d *fakeDialer) Dial(ctx context.Context, tenantID string) (transport.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.dials
	d.dials++
	if i >= len(d.clients) {
		i = len(d.clients) - 1
	}
	return d.clients[i], nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fixture struct {
	store    *session.Store
	pairings *pairing.Manager
	mgr      *Manager
	sup      *supervisor.Supervisor
}

func newFixture(t *testing.T, cfg Config, dialer transport.Dialer) *fixture {
	t.Helper()
	st := session.NewStore()
	pm := pairing.NewManager(st, time.Hour)
	sup := supervisor.New(context.Background())
	mgr := NewManager(cfg, st, pm, dialer, eventbus.New(), nil, logx.Nop(), sup)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})
	return &fixture{store: st, pairings: pm, mgr: mgr, sup: sup}
}

func waitState(t *testing.T, st *session.Store, tenant string, want session.State) session.TenantSession {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last session.TenantSession
	for time.Now().Before(deadline) {
		s, err := st.Get(tenant)
		if err == nil {
			last = s
			if s.State == want {
				return s
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("tenant %s never reached %s (last: %s)", tenant, want, last.State)
	return session.TenantSession{}
}

func TestPairAndConnect(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	f := newFixture(t, Config{QRWait: time.Hour, Keepalive: time.Hour}, &fakeDialer{clients: []*fakeClient{client}})
	ctx := context.Background()

	snap, err := f.mgr.Start(ctx, "t1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if snap.State != session.StateQRPending {
		t.Fatalf("State = %s, want QR_PENDING", snap.State)
	}

	client.emit(transport.Event{Kind: transport.EventQR, Code: "2@pair"})
	deadline := time.Now().Add(3 * time.Second)
	for {
		if p, err := f.pairings.Current("t1"); err == nil && p.Code == "2@pair" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pairing code never issued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	client.emit(transport.Event{Kind: transport.EventAuth})
	waitState(t, f.store, "t1", session.StateAuthenticating)

	client.emit(transport.Event{Kind: transport.EventReady})
	got := waitState(t, f.store, "t1", session.StateConnected)
	if got.Pairing != nil {
		t.Fatal("pairing not cleared on connect")
	}
	if got.ReconnectAttempts != 0 {
		t.Fatalf("ReconnectAttempts = %d, want 0", got.ReconnectAttempts)
	}

	if err := f.mgr.Send(ctx, "t1", "+100", transport.Payload{Text: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	client.mu.Lock()
	sent := len(client.sent)
	client.mu.Unlock()
	if sent != 1 {
		t.Fatalf("sends = %d, want 1", sent)
	}

	// Manual disconnect: no retry, counter untouched.
	snap, err = f.mgr.Disconnect(ctx, "t1")
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if snap.State != session.StateDisconnected {
		t.Fatalf("State = %s, want DISCONNECTED", snap.State)
	}
	if snap.ReconnectAttempts != 0 {
		t.Fatalf("ReconnectAttempts = %d, want 0 after manual disconnect", snap.ReconnectAttempts)
	}
}

func TestReadySkipsAuthenticatedEvent(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	f := newFixture(t, Config{QRWait: time.Hour, Keepalive: time.Hour}, &fakeDialer{clients: []*fakeClient{client}})

	if _, err := f.mgr.Start(context.Background(), "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Transport goes straight to ready without a separate authenticated event.
	client.emit(transport.Event{Kind: transport.EventReady})
	waitState(t, f.store, "t1", session.StateConnected)
}

func TestPairingTimeout(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	f := newFixture(t, Config{QRWait: 60 * time.Millisecond, Keepalive: time.Hour}, &fakeDialer{clients: []*fakeClient{client}})

	if _, err := f.mgr.Start(context.Background(), "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	client.emit(transport.Event{Kind: transport.EventQR, Code: "2@pair"})

	got := waitState(t, f.store, "t1", session.StateIdle)
	if got.ReconnectAttempts != 1 {
		t.Fatalf("ReconnectAttempts = %d, want 1 after pairing timeout", got.ReconnectAttempts)
	}
	if got.LastError.Kind != session.ErrKindPairingTimeout {
		t.Fatalf("LastError.Kind = %s, want PairingTimeout", got.LastError.Kind)
	}
	if got.Pairing != nil {
		t.Fatal("expired pairing not dropped")
	}
}

func TestReconnectLimitReachesFailed(t *testing.T) {
	t.Parallel()
	// Every cycle authenticates and then stalls until the connect timeout.
	mk := func() *fakeClient {
		c := newFakeClient()
		c.emit(transport.Event{Kind: transport.EventQR, Code: "2@pair"})
		c.emit(transport.Event{Kind: transport.EventAuth})
		return c
	}
	dialer := &fakeDialer{clients: []*fakeClient{mk(), mk(), mk(), mk()}}
	f := newFixture(t, Config{
		QRWait:               time.Hour,
		ConnectTimeout:       40 * time.Millisecond,
		Keepalive:            time.Hour,
		MaxReconnectAttempts: 3,
	}, dialer)

	if _, err := f.mgr.Start(context.Background(), "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	got := waitState(t, f.store, "t1", session.StateFailed)
	if got.LastError.Kind != session.ErrKindReconnectExceeded {
		t.Fatalf("LastError.Kind = %s, want ReconnectLimitExceeded", got.LastError.Kind)
	}
	if got.ReconnectAttempts != 3 {
		t.Fatalf("ReconnectAttempts = %d, want 3", got.ReconnectAttempts)
	}
	// Initial attempt plus three retries, never a fourth retry.
	if n := dialer.dialCount(); n != 4 {
		t.Fatalf("dials = %d, want 4", n)
	}

	// FAILED is terminal: only reset releases it.
	if _, err := f.mgr.Start(context.Background(), "t1"); err != nil {
		t.Fatalf("start on failed: %v", err)
	}
	if s, _ := f.store.Get("t1"); s.State != session.StateFailed {
		t.Fatalf("State = %s, start must not leave FAILED", s.State)
	}
	snap, err := f.mgr.Reset(context.Background(), "t1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if snap.State != session.StateIdle || snap.ReconnectAttempts != 0 {
		t.Fatalf("after reset: state=%s attempts=%d", snap.State, snap.ReconnectAttempts)
	}
}

func TestRateLimitedConnectEntersCooldown(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	client.connectErr = &transport.SendError{Kind: transport.KindRateLimited, Status: 429, Msg: "slow down"}
	f := newFixture(t, Config{Cooldown: time.Hour, Keepalive: time.Hour}, &fakeDialer{clients: []*fakeClient{client}})
	ctx := context.Background()

	if _, err := f.mgr.Start(ctx, "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	got := waitState(t, f.store, "t1", session.StateCooldown)
	if got.CooldownUntil == nil {
		t.Fatal("CooldownUntil not set")
	}
	if got.LastError.Kind != session.ErrKindProviderRateLimit {
		t.Fatalf("LastError.Kind = %s, want ProviderRateLimited", got.LastError.Kind)
	}
	// Cooldown protects the number without burning the retry budget.
	if got.ReconnectAttempts != 0 {
		t.Fatalf("ReconnectAttempts = %d, want 0", got.ReconnectAttempts)
	}

	_, err := f.mgr.Start(ctx, "t1")
	ce, ok := AsCooldown(err)
	if !ok {
		t.Fatalf("err = %v, want CooldownError", err)
	}
	if ce.Remaining <= 0 {
		t.Fatalf("Remaining = %v, want > 0", ce.Remaining)
	}

	// Reset cuts the cooldown short.
	snap, err := f.mgr.Reset(ctx, "t1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if snap.State != session.StateIdle || snap.CooldownUntil != nil {
		t.Fatalf("after reset: state=%s cooldown=%v", snap.State, snap.CooldownUntil)
	}
}

func TestCooldownElapsesToIdle(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	client.connectErr = &transport.SendError{Kind: transport.KindRateLimited, Msg: "throttled"}
	f := newFixture(t, Config{Cooldown: 80 * time.Millisecond, Keepalive: time.Hour}, &fakeDialer{clients: []*fakeClient{client}})

	if _, err := f.mgr.Start(context.Background(), "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	got := waitState(t, f.store, "t1", session.StateIdle)
	if got.CooldownUntil != nil {
		t.Fatal("CooldownUntil not cleared after cooldown elapsed")
	}
}

func TestStartAfterElapsedCooldownBeginsPairing(t *testing.T) {
	t.Parallel()
	limited := newFakeClient()
	limited.connectErr = &transport.SendError{Kind: transport.KindRateLimited, Msg: "throttled"}
	fresh := newFakeClient()
	dialer := &fakeDialer{clients: []*fakeClient{limited, fresh}}
	f := newFixture(t, Config{Cooldown: time.Hour, QRWait: time.Hour, Keepalive: time.Hour}, dialer)
	ctx := context.Background()

	var mu sync.Mutex
	now := time.Now()
	f.mgr.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	if _, err := f.mgr.Start(ctx, "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, f.store, "t1", session.StateCooldown)

	// The runner is still parked on its cooldown timer, but from the
	// manager's clock the cooldown has already elapsed. A start here must
	// begin pairing, not hand back an idle snapshot.
	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	snap, err := f.mgr.Start(ctx, "t1")
	if err != nil {
		t.Fatalf("start after cooldown: %v", err)
	}
	if snap.State != session.StateQRPending {
		t.Fatalf("State = %s, want QR_PENDING", snap.State)
	}

	fresh.emit(transport.Event{Kind: transport.EventReady})
	waitState(t, f.store, "t1", session.StateConnected)
	if dialer.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", dialer.dialCount())
	}
}

func TestRateLimitedSendEntersCooldown(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	client.sendErr = &transport.SendError{Status: 429, Msg: "too many messages"}
	f := newFixture(t, Config{QRWait: time.Hour, Keepalive: time.Hour, Cooldown: time.Hour}, &fakeDialer{clients: []*fakeClient{client}})
	ctx := context.Background()

	if _, err := f.mgr.Start(ctx, "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	client.emit(transport.Event{Kind: transport.EventReady})
	waitState(t, f.store, "t1", session.StateConnected)

	err := f.mgr.Send(ctx, "t1", "+100", transport.Payload{Text: "hi"})
	if !transport.IsRateLimited(err) {
		t.Fatalf("err = %v, want rate-limited", err)
	}
	got := waitState(t, f.store, "t1", session.StateCooldown)
	if got.ReconnectAttempts != 0 {
		t.Fatalf("ReconnectAttempts = %d, want 0", got.ReconnectAttempts)
	}
}

func TestSendWhileNotConnected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{QRWait: time.Hour}, &fakeDialer{clients: []*fakeClient{newFakeClient()}})
	ctx := context.Background()

	if err := f.mgr.Send(ctx, "ghost", "+1", transport.Payload{Text: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("unknown tenant: err = %v, want ErrNotConnected", err)
	}

	if _, err := f.mgr.Start(ctx, "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Still pairing.
	if err := f.mgr.Send(ctx, "t1", "+1", transport.Payload{Text: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("qr pending: err = %v, want ErrNotConnected", err)
	}
}

func TestStartIsIdempotentWhileActive(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	f := newFixture(t, Config{QRWait: time.Hour, Keepalive: time.Hour}, &fakeDialer{clients: []*fakeClient{client}})
	ctx := context.Background()

	if _, err := f.mgr.Start(ctx, "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap, err := f.mgr.Start(ctx, "t1")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if snap.State != session.StateQRPending {
		t.Fatalf("State = %s, want QR_PENDING", snap.State)
	}

	client.emit(transport.Event{Kind: transport.EventReady})
	waitState(t, f.store, "t1", session.StateConnected)

	snap, err = f.mgr.Start(ctx, "t1")
	if err != nil {
		t.Fatalf("start while connected: %v", err)
	}
	if snap.State != session.StateConnected {
		t.Fatalf("State = %s, want CONNECTED", snap.State)
	}
}

func TestAuthFailureRetriesThenRecovers(t *testing.T) {
	t.Parallel()
	bad := newFakeClient()
	bad.emit(transport.Event{Kind: transport.EventAuthFailure, Reason: "device mismatch"})
	good := newFakeClient()
	good.emit(transport.Event{Kind: transport.EventReady})
	f := newFixture(t, Config{QRWait: time.Hour, Keepalive: time.Hour, MaxReconnectAttempts: 3},
		&fakeDialer{clients: []*fakeClient{bad, good}})

	if _, err := f.mgr.Start(context.Background(), "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	got := waitState(t, f.store, "t1", session.StateConnected)
	// Connecting resets the budget consumed by the failed cycle.
	if got.ReconnectAttempts != 0 {
		t.Fatalf("ReconnectAttempts = %d, want 0 after recovery", got.ReconnectAttempts)
	}
}
