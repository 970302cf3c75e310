// Package delivery holds outbound messages that could not be delivered on
// the first try and re-attempts them on a bounded schedule.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"zapgw/internal/connection"
	"zapgw/internal/eventbus"
	"zapgw/internal/metrics"
	"zapgw/internal/transport"
	logx "zapgw/pkg/logx"
)

// Status is a message's delivery lifecycle state. DELIVERED and FAILED are
// terminal; once set they never change again.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
)

// Message is one outbound delivery attempt-set.
type Message struct {
	ID            string
	TenantID      string
	Recipient     string
	Payload       transport.Payload
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	CreatedAt     time.Time
	ExpireAfter   time.Duration
	Status        Status
	LastError     string
	FinishedAt    time.Time

	inFlight bool
}

// Outcome is published on the event bus when a message reaches a terminal
// status. The history store subscribes to it.
type Outcome struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Status    Status `json:"status"`
	Attempts  int    `json:"attempts"`
	Reason    string `json:"reason,omitempty"`
}

// Sender is the slice of the connection manager the queue needs.
type Sender interface {
	Send(ctx context.Context, tenantID, recipient string, payload transport.Payload) error
}

type Config struct {
	ScanInterval  time.Duration // cadence of the retry scan
	RetryInterval time.Duration // wait after a failed attempt
	MaxAttempts   int
	ExpireAfter   time.Duration // message age cutoff
	TerminalGrace time.Duration // how long terminal messages stay queryable
}

func (c Config) normalized() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ExpireAfter <= 0 {
		c.ExpireAfter = 5 * time.Minute
	}
	if c.TerminalGrace <= 0 {
		c.TerminalGrace = 10 * time.Minute
	}
	return c
}

// Queue is the retry queue. It exclusively owns its Message records; other
// components only see copies.
type Queue struct {
	cfg    Config
	sender Sender
	bus    eventbus.Bus
	met    *metrics.Metrics
	log    logx.Logger

	mu    sync.Mutex
	msgs  map[string]*Message
	order []string // enqueue order; scan walks oldest first

	now func() time.Time
}

func NewQueue(cfg Config, sender Sender, bus eventbus.Bus, met *metrics.Metrics, log logx.Logger) *Queue {
	if met == nil {
		met = metrics.Nop()
	}
	return &Queue{
		cfg:    cfg.normalized(),
		sender: sender,
		bus:    bus,
		met:    met,
		log:    log,
		msgs:   map[string]*Message{},
		now:    time.Now,
	}
}

// SetClock overrides the queue's time source. Test hook.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Config returns the normalized queue configuration.
func (q *Queue) Config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// ApplyDefaults swaps the queue's pacing configuration at runtime. New
// messages pick up the new MaxAttempts/ExpireAfter and failed attempts are
// rescheduled with the new RetryInterval; messages already enqueued keep the
// limits they were created with. ScanInterval changes only take effect on
// restart, the scan schedule is fixed when the cron starts.
func (q *Queue) ApplyDefaults(cfg Config) {
	cfg = cfg.normalized()
	q.mu.Lock()
	q.cfg = cfg
	q.mu.Unlock()
	q.log.Info("retry pacing updated",
		logx.Duration("retryInterval", cfg.RetryInterval),
		logx.Int("maxAttempts", cfg.MaxAttempts))
}

// Enqueue registers a message for delivery. The first attempt happens on the
// next scan pass.
func (q *Queue) Enqueue(tenantID, recipient string, payload transport.Payload) string {
	now := q.now()

	q.mu.Lock()
	m := &Message{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Recipient:   recipient,
		Payload:     payload,
		MaxAttempts: q.cfg.MaxAttempts,
		// Due immediately; NextAttemptAt only moves after a failed attempt.
		NextAttemptAt: now,
		CreatedAt:     now,
		ExpireAfter:   q.cfg.ExpireAfter,
		Status:        StatusPending,
	}
	q.msgs[m.ID] = m
	q.order = append(q.order, m.ID)
	q.mu.Unlock()

	q.log.Debug("message enqueued", logx.String("id", m.ID), logx.String("tenant", tenantID))
	return m.ID
}

// EnqueueAndAttempt registers a message and fires its first delivery attempt
// immediately instead of waiting for the next scan. The broadcast dispatcher
// uses the returned error for its initial-attempt bookkeeping; the queue
// still finalizes the real status asynchronously.
func (q *Queue) EnqueueAndAttempt(ctx context.Context, tenantID, recipient string, payload transport.Payload) (string, error) {
	id := q.Enqueue(tenantID, recipient, payload)

	q.mu.Lock()
	snap := *q.msgs[id]
	q.mu.Unlock()

	err := q.attempt(ctx, id, snap, q.now())
	return id, err
}

// Status returns a copy of the message, terminal or not.
func (q *Queue) Status(id string) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.msgs[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Depth counts PENDING messages.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, m := range q.msgs {
		if m.Status == StatusPending {
			n++
		}
	}
	return n
}

// MarkDelivered finalizes a message as DELIVERED. Idempotent; a message
// already terminal is left untouched.
func (q *Queue) MarkDelivered(id string) {
	q.finalize(id, StatusDelivered, "")
}

// MarkFailed finalizes a message as FAILED. Idempotent.
func (q *Queue) MarkFailed(id, reason string) {
	q.finalize(id, StatusFailed, reason)
}

func (q *Queue) finalize(id string, st Status, reason string) {
	q.mu.Lock()
	m, ok := q.msgs[id]
	if !ok || m.Status != StatusPending {
		q.mu.Unlock()
		return
	}
	m.Status = st
	m.LastError = reason
	m.FinishedAt = q.now()
	out := Outcome{ID: m.ID, Recipient: m.Recipient, Status: st, Attempts: m.Attempts, Reason: reason}
	tenant := m.TenantID
	q.mu.Unlock()

	switch st {
	case StatusDelivered:
		q.met.Delivered.WithLabelValues(tenant).Inc()
	case StatusFailed:
		label := "transport"
		if reason == reasonExpired {
			label = "expired"
		}
		q.met.DeliveryFailures.WithLabelValues(tenant, label).Inc()
	}
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryOutcome, Tenant: tenant, Data: out})
	}
}

const reasonExpired = "expired before delivery"

// Scan runs one retry pass. The scheduler guarantees passes never overlap
// (cron.SkipIfStillRunning), so per-message attempts are strictly sequential.
func (q *Queue) Scan(ctx context.Context) {
	now := q.now()

	q.mu.Lock()
	ids := make([]string, len(q.order))
	copy(ids, q.order)
	q.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		q.scanOne(ctx, id, now)
	}

	q.met.QueueDepth.Set(float64(q.Depth()))
}

func (q *Queue) scanOne(ctx context.Context, id string, now time.Time) {
	q.mu.Lock()
	m, ok := q.msgs[id]
	if !ok || m.Status != StatusPending {
		q.mu.Unlock()
		return
	}
	snap := *m
	q.mu.Unlock()

	switch {
	case now.Sub(snap.CreatedAt) > snap.ExpireAfter:
		// Too old to be worth delivering, regardless of remaining attempts.
		q.MarkFailed(id, reasonExpired)
		q.log.Info("message expired", logx.String("id", id), logx.Int("attempts", snap.Attempts))

	case snap.Attempts >= snap.MaxAttempts:
		q.MarkFailed(id, snap.LastError)

	case !now.Before(snap.NextAttemptAt):
		_ = q.attempt(ctx, id, snap, now)
	}
}

// attempt performs exactly one delivery try. The inFlight flag keeps a scan
// pass and an EnqueueAndAttempt call from racing on the same message.
func (q *Queue) attempt(ctx context.Context, id string, snap Message, now time.Time) error {
	q.mu.Lock()
	m, ok := q.msgs[id]
	if !ok || m.Status != StatusPending || m.inFlight {
		q.mu.Unlock()
		return nil
	}
	m.inFlight = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		if m, ok := q.msgs[id]; ok {
			m.inFlight = false
		}
		q.mu.Unlock()
	}()

	err := q.sender.Send(ctx, snap.TenantID, snap.Recipient, snap.Payload)

	switch {
	case err == nil:
		q.bumpAttempts(id, now, "")
		q.MarkDelivered(id)
		q.log.Debug("message delivered", logx.String("id", id), logx.Int("attempt", snap.Attempts+1))

	case errors.Is(err, connection.ErrNotConnected):
		// Session is down. Skip the cycle without consuming an attempt;
		// NextAttemptAt stays put so the next scan picks it up again.
		q.log.Debug("delivery skipped, session not connected", logx.String("id", id), logx.String("tenant", snap.TenantID))

	case transport.IsFatal(err):
		q.MarkFailed(id, err.Error())
		q.log.Warn("message failed permanently", logx.String("id", id), logx.Err(err))

	default:
		after := q.bumpAttempts(id, now, err.Error())
		if after >= snap.MaxAttempts {
			q.MarkFailed(id, err.Error())
			q.log.Warn("message failed, attempts exhausted", logx.String("id", id), logx.Int("attempts", after))
		} else {
			q.log.Debug("delivery attempt failed", logx.String("id", id), logx.Int("attempt", after), logx.Err(err))
		}
	}
	return err
}

func (q *Queue) bumpAttempts(id string, now time.Time, lastErr string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.msgs[id]
	if !ok || m.Status != StatusPending {
		return 0
	}
	m.Attempts++
	if lastErr != "" {
		m.NextAttemptAt = now.Add(q.cfg.RetryInterval)
		m.LastError = lastErr
	}
	return m.Attempts
}

// Prune drops terminal messages older than the grace window so status
// queries keep working for a while after completion without the map growing
// forever.
func (q *Queue) Prune(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.now().Add(-q.cfg.TerminalGrace)

	kept := q.order[:0]
	for _, id := range q.order {
		m, ok := q.msgs[id]
		if !ok {
			continue
		}
		if m.Status != StatusPending && m.FinishedAt.Before(cutoff) {
			delete(q.msgs, id)
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
}
