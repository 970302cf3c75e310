package connection

import (
	"context"
	"errors"
	"time"

	"zapgw/internal/session"
	"zapgw/internal/transport"
	logx "zapgw/pkg/logx"
)

type cmdKind int

const (
	cmdDisconnect cmdKind = iota + 1
	cmdReset
	cmdSend
)

type cmd struct {
	kind      cmdKind
	recipient string
	payload   transport.Payload
	reply     chan cmdResult
}

type cmdResult struct {
	snap session.TenantSession
	err  error
}

// runner is one tenant's session loop. It exclusively owns that tenant's
// transport client; all commands funnel through its channel so no two
// mutations of the same session run concurrently.
type runner struct {
	m        *Manager
	tenantID string
	log      logx.Logger

	cmds   chan cmd
	closed chan struct{}
}

type outcome int

const (
	outExit outcome = iota
	outRetry
	outCooldown
)

func newRunner(m *Manager, tenantID string) *runner {
	return &runner{
		m:        m,
		tenantID: tenantID,
		log:      m.log.With(logx.String("tenant", tenantID)),
		cmds:     make(chan cmd),
		closed:   make(chan struct{}),
	}
}

// command hands a command to the runner and waits for its reply.
// ok is false when the runner is gone; the caller falls back to direct
// store access.
func (r *runner) command(ctx context.Context, c cmd) (session.TenantSession, error, bool) {
	c.reply = make(chan cmdResult, 1)
	select {
	case r.cmds <- c:
	case <-r.closed:
		return session.TenantSession{}, nil, false
	case <-ctx.Done():
		return session.TenantSession{}, ctx.Err(), true
	}
	select {
	case res := <-c.reply:
		return res.snap, res.err, true
	case <-ctx.Done():
		return session.TenantSession{}, ctx.Err(), true
	}
}

func (r *runner) run(ctx context.Context) {
	defer close(r.closed)
	defer r.m.deregister(r.tenantID, r)

	for {
		switch r.session(ctx) {
		case outExit:
			return
		case outCooldown:
			r.waitCooldown(ctx)
			return
		case outRetry:
			snap, err := r.m.store.Get(r.tenantID)
			if err != nil || snap.State != session.StateDisconnected {
				return
			}
			if snap.ReconnectAttempts >= r.m.cfg.MaxReconnectAttempts {
				_, _ = r.m.transition(r.tenantID, session.StateDisconnected, session.StateFailed, func(s *session.TenantSession) {
					s.LastError = session.LastError{Kind: session.ErrKindReconnectExceeded, Msg: "reconnect attempts exhausted"}
				})
				r.log.Warn("session failed, reconnect limit reached", logx.Int("attempts", snap.ReconnectAttempts))
				return
			}
			_, err = r.m.transition(r.tenantID, session.StateDisconnected, session.StateQRPending, func(s *session.TenantSession) {
				s.ReconnectAttempts++
				s.Pairing = nil
			})
			if err != nil {
				return
			}
			r.m.met.Reconnects.WithLabelValues(r.tenantID).Inc()
			r.log.Info("re-attempting pairing", logx.Int("attempt", snap.ReconnectAttempts+1))
		}
	}
}

// session runs one dial/pair/serve cycle. It is entered with the session in
// QR_PENDING and returns once the session leaves the active states.
func (r *runner) session(ctx context.Context) outcome {
	client, err := r.m.dialer.Dial(ctx, r.tenantID)
	if err != nil {
		return r.connectFailure(session.StateQRPending, err)
	}
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return r.connectFailure(session.StateQRPending, err)
	}

	cur := session.StateQRPending
	events := client.Events()

	qrTimer := time.NewTimer(r.m.cfg.QRWait)
	defer qrTimer.Stop()
	qrC := qrTimer.C

	var connTimer *time.Timer
	var connC <-chan time.Time
	defer func() {
		if connTimer != nil {
			connTimer.Stop()
		}
	}()

	var keep *time.Ticker
	var keepC <-chan time.Time
	defer func() {
		if keep != nil {
			keep.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return outExit

		case c := <-r.cmds:
			switch c.kind {
			case cmdDisconnect:
				snap, terr := r.m.transition(r.tenantID, cur, session.StateDisconnected, nil)
				if terr != nil {
					snap, _ = r.m.store.Get(r.tenantID)
				}
				r.hangup(client)
				c.reply <- cmdResult{snap: snap}
				return outExit

			case cmdReset:
				snap, rerr := r.m.store.Reset(r.tenantID)
				r.m.publish(r.tenantID, StateChange{From: cur, To: session.StateIdle})
				if cur == session.StateConnected {
					r.m.met.SessionsActive.Dec()
				}
				r.hangup(client)
				c.reply <- cmdResult{snap: snap, err: rerr}
				return outExit

			case cmdSend:
				if cur != session.StateConnected {
					c.reply <- cmdResult{err: ErrNotConnected}
					continue
				}
				r.m.met.SendAttempts.WithLabelValues(r.tenantID).Inc()
				sctx, cancel := context.WithTimeout(ctx, r.m.cfg.SendTimeout)
				serr := client.SendMessage(sctx, c.recipient, c.payload)
				cancel()
				c.reply <- cmdResult{err: serr}
				if transport.IsRateLimited(serr) {
					r.enterCooldown(cur)
					return outCooldown
				}
			}

		case <-qrC:
			// Pairing window elapsed without a scan. Back to IDLE; the tenant
			// has to start again, and the miss counts toward the retry budget.
			_, _ = r.m.transition(r.tenantID, session.StateQRPending, session.StateIdle, func(s *session.TenantSession) {
				s.ReconnectAttempts++
				s.Pairing = nil
				s.LastError = session.LastError{Kind: session.ErrKindPairingTimeout, Msg: "pairing code not scanned in time"}
			})
			r.log.Info("pairing timed out")
			r.hangup(client)
			return outExit

		case <-connC:
			_, _ = r.m.transition(r.tenantID, session.StateAuthenticating, session.StateDisconnected, func(s *session.TenantSession) {
				s.LastError = session.LastError{Kind: session.ErrKindConnectTimeout, Msg: "authentication did not complete in time"}
			})
			r.log.Warn("connect timed out")
			r.hangup(client)
			return outRetry

		case <-keepC:
			pctx, cancel := context.WithTimeout(ctx, r.m.cfg.Keepalive/2)
			perr := client.Ping(pctx)
			cancel()
			if perr == nil {
				continue
			}
			// Silent drop; treat exactly like a transport disconnect event.
			_, _ = r.m.transition(r.tenantID, session.StateConnected, session.StateDisconnected, func(s *session.TenantSession) {
				s.LastError = session.LastError{Kind: session.ErrKindTransportReconnect, Msg: "keepalive failed: " + perr.Error()}
			})
			r.log.Warn("keepalive failed", logx.Err(perr))
			r.hangup(client)
			return outRetry

		case ev, ok := <-events:
			if !ok {
				_, _ = r.m.transition(r.tenantID, cur, session.StateDisconnected, func(s *session.TenantSession) {
					s.LastError = session.LastError{Kind: session.ErrKindTransportReconnect, Msg: "transport closed event stream"}
				})
				return outRetry
			}
			switch ev.Kind {
			case transport.EventQR:
				if cur == session.StateQRPending {
					_, _ = r.m.pairings.Issue(r.tenantID, ev.Code)
					r.log.Debug("pairing code issued")
				}

			case transport.EventAuth:
				if cur != session.StateQRPending {
					continue
				}
				if _, err := r.m.transition(r.tenantID, session.StateQRPending, session.StateAuthenticating, nil); err != nil {
					return outExit
				}
				cur = session.StateAuthenticating
				qrTimer.Stop()
				qrC = nil
				connTimer = time.NewTimer(r.m.cfg.ConnectTimeout)
				connC = connTimer.C

			case transport.EventReady:
				// Some transports skip the authenticated event; walk the
				// intermediate edge so the transition table holds.
				if cur == session.StateQRPending {
					if _, err := r.m.transition(r.tenantID, session.StateQRPending, session.StateAuthenticating, nil); err != nil {
						return outExit
					}
					cur = session.StateAuthenticating
				}
				if cur != session.StateAuthenticating {
					continue
				}
				if _, err := r.m.transition(r.tenantID, session.StateAuthenticating, session.StateConnected, nil); err != nil {
					return outExit
				}
				cur = session.StateConnected
				qrTimer.Stop()
				qrC = nil
				if connTimer != nil {
					connTimer.Stop()
					connC = nil
				}
				keep = time.NewTicker(r.m.cfg.Keepalive)
				keepC = keep.C
				r.log.Info("session connected")

			case transport.EventAuthFailure:
				_, _ = r.m.transition(r.tenantID, cur, session.StateDisconnected, func(s *session.TenantSession) {
					s.LastError = session.LastError{Kind: session.ErrKindAuthFailure, Msg: ev.Reason}
				})
				r.log.Warn("authentication failed", logx.String("reason", ev.Reason))
				r.hangup(client)
				return outRetry

			case transport.EventDisconnect:
				_, _ = r.m.transition(r.tenantID, cur, session.StateDisconnected, func(s *session.TenantSession) {
					s.LastError = session.LastError{Kind: session.ErrKindTransportReconnect, Msg: ev.Reason}
				})
				r.log.Info("transport disconnected", logx.String("reason", ev.Reason))
				r.hangup(client)
				return outRetry
			}
		}
	}
}

// connectFailure classifies a dial/connect error. A provider rate-limit
// short-circuits to COOLDOWN; everything else lands in DISCONNECTED and
// consumes a reconnect attempt through the normal retry path.
func (r *runner) connectFailure(cur session.State, err error) outcome {
	if transport.IsRateLimited(err) {
		r.enterCooldown(cur)
		return outCooldown
	}
	_, _ = r.m.transition(r.tenantID, cur, session.StateDisconnected, func(s *session.TenantSession) {
		s.LastError = session.LastError{Kind: session.ErrKindTransportReconnect, Msg: err.Error()}
	})
	r.log.Warn("transport connect failed", logx.Err(err))
	return outRetry
}

// enterCooldown moves the session to COOLDOWN with the full cooldown window.
// ReconnectAttempts is deliberately left untouched: the cooldown exists to
// protect the tenant's number, not to burn its retry budget.
func (r *runner) enterCooldown(cur session.State) {
	until := r.m.now().Add(r.m.cfg.Cooldown)
	_, err := r.m.transition(r.tenantID, cur, session.StateCooldown, func(s *session.TenantSession) {
		s.CooldownUntil = &until
		s.Pairing = nil
		s.LastError = session.LastError{Kind: session.ErrKindProviderRateLimit, Msg: "provider rate limit"}
	})
	if err != nil {
		return
	}
	r.m.met.Cooldowns.WithLabelValues(r.tenantID).Inc()
	r.log.Warn("provider rate limit, entering cooldown", logx.Time("until", until))
}

// waitCooldown parks the runner until the cooldown elapses, then releases the
// session back to IDLE. Reset cuts the wait short.
func (r *runner) waitCooldown(ctx context.Context) {
	snap, err := r.m.store.Get(r.tenantID)
	if err != nil || snap.State != session.StateCooldown || snap.CooldownUntil == nil {
		return
	}

	timer := time.NewTimer(snap.CooldownUntil.Sub(r.m.now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			_, _ = r.m.transition(r.tenantID, session.StateCooldown, session.StateIdle, func(s *session.TenantSession) {
				s.CooldownUntil = nil
			})
			r.log.Info("cooldown elapsed")
			return

		case c := <-r.cmds:
			switch c.kind {
			case cmdReset:
				snap, rerr := r.m.store.Reset(r.tenantID)
				r.m.publish(r.tenantID, StateChange{From: session.StateCooldown, To: session.StateIdle})
				c.reply <- cmdResult{snap: snap, err: rerr}
				return
			case cmdDisconnect:
				// Cooldown outlives a manual disconnect; report the state as-is.
				cur, _ := r.m.store.Get(r.tenantID)
				c.reply <- cmdResult{snap: cur}
			case cmdSend:
				c.reply <- cmdResult{err: ErrNotConnected}
			}
		}
	}
}

// hangup tears the client down without letting a slow provider block the
// state machine.
func (r *runner) hangup(client transport.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Debug("transport disconnect", logx.Err(err))
	}
}
