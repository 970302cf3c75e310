// Package broadcast fans one message out to many recipients under rate
// controls, routing every individual send through the delivery retry queue.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"zapgw/internal/eventbus"
	"zapgw/internal/metrics"
	"zapgw/internal/transport"
	logx "zapgw/pkg/logx"
)

// Status is a broadcast job's lifecycle state.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// ErrUnknownJob is returned by Cancel for an id the dispatcher never issued
// or already pruned.
var ErrUnknownJob = errors.New("broadcast: unknown job")

type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int // global ceiling across all jobs, on top of per-job pacing

	DefaultBatchSize  int
	DefaultInterval   time.Duration // between sends inside a batch
	DefaultBatchDelay time.Duration // between batches
	Retention         time.Duration // how long finished jobs stay queryable
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.DefaultBatchSize <= 0 {
		c.DefaultBatchSize = 10
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = time.Second
	}
	if c.DefaultBatchDelay <= 0 {
		c.DefaultBatchDelay = 5 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	return c
}

// Enqueuer is the slice of the delivery queue the dispatcher needs.
type Enqueuer interface {
	EnqueueAndAttempt(ctx context.Context, tenantID, recipient string, payload transport.Payload) (string, error)
}

// Job is one bulk-send request. Owned by the Service; callers see Progress
// snapshots only.
type Job struct {
	ID         string
	TenantID   string
	Recipients []string
	Message    transport.Payload
	BatchSize  int
	Interval   time.Duration
	BatchDelay time.Duration

	processed int
	succeeded int
	failed    int
	status    Status
	cancelled bool
	startedAt time.Time
	doneAt    time.Time
}

// Progress is a point-in-time view of a job.
type Progress struct {
	ID        string    `json:"jobId"`
	Total     int       `json:"total"`
	Processed int       `json:"processedCount"`
	Succeeded int       `json:"succeededCount"`
	Failed    int       `json:"failedCount"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	DoneAt    time.Time `json:"doneAt,omitempty"`
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	queue   Enqueuer
	bus     eventbus.Bus
	met     *metrics.Metrics
	log     logx.Logger
	limiter *rate.Limiter

	jobQueue chan string
	stopCh   chan struct{}

	jobsMu sync.RWMutex
	jobs   map[string]*Job

	now func() time.Time
}

func New(cfg Config, queue Enqueuer, bus eventbus.Bus, met *metrics.Metrics, log logx.Logger) *Service {
	if met == nil {
		met = metrics.Nop()
	}
	cfg = cfg.normalized()
	return &Service{
		cfg:     cfg,
		queue:   queue,
		bus:     bus,
		met:     met,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		jobs:    map[string]*Job{},
		now:     time.Now,
	}
}

// SetClock overrides the service's time source. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Config returns the normalized dispatcher configuration.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// ApplyDefaults swaps the pacing defaults and the global rate ceiling at
// runtime. Jobs started afterwards pick up the new batch/interval defaults;
// running jobs keep the pacing they were started with, but the limiter change
// applies to them immediately. Worker count and queue size stay as they were
// when the dispatcher started.
func (s *Service) ApplyDefaults(cfg Config) {
	cfg = cfg.normalized()
	s.mu.Lock()
	cfg.Workers = s.cfg.Workers
	cfg.QueueSize = s.cfg.QueueSize
	s.cfg = cfg
	s.mu.Unlock()
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.RatePerSec)
	s.log.Info("broadcast pacing updated",
		logx.Int("rps", cfg.RatePerSec),
		logx.Int("batch_size", cfg.DefaultBatchSize),
		logx.Duration("interval", cfg.DefaultInterval))
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.jobQueue = make(chan string, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	for i := 0; i < s.cfg.Workers; i++ {
		go s.worker(ctx, s.stopCh, s.jobQueue)
	}
	s.log.Info("broadcast dispatcher started", logx.Int("workers", s.cfg.Workers), logx.Int("rps", s.cfg.RatePerSec))
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.log.Info("broadcast dispatcher stopped")
}

// StartJob registers a bulk send and queues it for a worker. Zero batch/pace
// values fall back to the configured defaults.
func (s *Service) StartJob(tenantID string, recipients []string, msg transport.Payload, batchSize int, interval, batchDelay time.Duration) (string, error) {
	if len(recipients) == 0 {
		return "", errors.New("broadcast: no recipients")
	}
	cfg := s.Config()
	if batchSize <= 0 {
		batchSize = cfg.DefaultBatchSize
	}
	if interval <= 0 {
		interval = cfg.DefaultInterval
	}
	if batchDelay <= 0 {
		batchDelay = cfg.DefaultBatchDelay
	}

	j := &Job{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Recipients: append([]string(nil), recipients...),
		Message:    msg,
		BatchSize:  batchSize,
		Interval:   interval,
		BatchDelay: batchDelay,
		status:     StatusRunning,
	}

	s.jobsMu.Lock()
	s.jobs[j.ID] = j
	s.jobsMu.Unlock()

	s.mu.Lock()
	q := s.jobQueue
	s.mu.Unlock()
	if q == nil {
		s.jobsMu.Lock()
		delete(s.jobs, j.ID)
		s.jobsMu.Unlock()
		return "", errors.New("broadcast: dispatcher not running")
	}

	select {
	case q <- j.ID:
	default:
		s.jobsMu.Lock()
		delete(s.jobs, j.ID)
		s.jobsMu.Unlock()
		return "", errors.New("broadcast: queue full")
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeBroadcastStarted, Tenant: tenantID, Data: j.ID})
	}
	s.log.Info("broadcast job queued", logx.String("job", j.ID), logx.String("tenant", tenantID),
		logx.Int("recipients", len(recipients)), logx.Int("batch_size", batchSize))
	return j.ID, nil
}

// Cancel stops scheduling further batches for the job. Messages already
// enqueued are not recalled, and an in-flight send is never preempted.
func (s *Service) Cancel(jobID string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	if j.status == StatusRunning {
		j.cancelled = true
	}
	return nil
}

// Progress returns a snapshot of the job's counters.
func (s *Service) Progress(jobID string) (Progress, bool) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return Progress{}, false
	}
	return Progress{
		ID:        j.ID,
		Total:     len(j.Recipients),
		Processed: j.processed,
		Succeeded: j.succeeded,
		Failed:    j.failed,
		Status:    j.status,
		StartedAt: j.startedAt,
		DoneAt:    j.doneAt,
	}, true
}

// Prune drops finished jobs older than the retention window.
func (s *Service) Prune(ctx context.Context) {
	cutoff := s.now().Add(-s.Config().Retention)
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	for id, j := range s.jobs {
		if j.status != StatusRunning && !j.doneAt.IsZero() && j.doneAt.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
}
