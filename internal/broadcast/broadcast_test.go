package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"zapgw/internal/transport"
	logx "zapgw/pkg/logx"
)

// fakeEnqueuer records each recipient in call order.
type fakeEnqueuer struct {
	mu         sync.Mutex
	recipients []string
	failEvery  int // every Nth call fails (0 = never)
	gate       chan struct{}
}

func (f *fakeEnqueuer) EnqueueAndAttempt(ctx context.Context, tenantID, recipient string, payload transport.Payload) (string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recipients = append(f.recipients, recipient)
	if f.failEvery > 0 && len(f.recipients)%f.failEvery == 0 {
		return "", errors.New("enqueue failed")
	}
	return "msg", nil
}

func (f *fakeEnqueuer) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.recipients))
	copy(out, f.recipients)
	return out
}

func newTestService(t *testing.T, q Enqueuer) *Service {
	t.Helper()
	s := New(Config{Workers: 1, RatePerSec: 10000}, q, nil, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		s.Stop()
		cancel()
	})
	return s
}

func waitDone(t *testing.T, s *Service, jobID string) Progress {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		prog, ok := s.Progress(jobID)
		if !ok {
			t.Fatalf("job %s disappeared", jobID)
		}
		if prog.Status != StatusRunning {
			return prog
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", jobID)
	return Progress{}
}

func recipients(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "+1000" + string(rune('0'+i%10)) + string(rune('0'+i/10))
	}
	return out
}

func TestApplyDefaultsUsedByLaterJobs(t *testing.T) {
	t.Parallel()
	q := &fakeEnqueuer{}
	s := newTestService(t, q)

	s.ApplyDefaults(Config{
		Workers:           99, // ignored while running
		RatePerSec:        500,
		DefaultBatchSize:  3,
		DefaultInterval:   7 * time.Millisecond,
		DefaultBatchDelay: 9 * time.Millisecond,
	})

	cfg := s.Config()
	if cfg.Workers != 1 {
		t.Fatalf("Workers = %d, want 1 (fixed at start)", cfg.Workers)
	}
	if cfg.RatePerSec != 500 || cfg.DefaultBatchSize != 3 {
		t.Fatalf("cfg = %+v, want rps=500 batch=3", cfg)
	}
	if lim := s.limiter.Limit(); lim != 500 {
		t.Fatalf("limiter limit = %v, want 500", lim)
	}

	// A job started with zero pacing params picks up the reloaded defaults.
	jobID, err := s.StartJob("t1", recipients(4), transport.Payload{Text: "hello"}, 0, 0, 0)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	s.jobsMu.RLock()
	j := s.jobs[jobID]
	batch, iv, delay := j.BatchSize, j.Interval, j.BatchDelay
	s.jobsMu.RUnlock()
	if batch != 3 || iv != 7*time.Millisecond || delay != 9*time.Millisecond {
		t.Fatalf("job pacing = %d/%v/%v, want 3/7ms/9ms", batch, iv, delay)
	}
	waitDone(t, s, jobID)
}

func TestBroadcastProcessesAllInOrder(t *testing.T) {
	t.Parallel()
	q := &fakeEnqueuer{}
	s := newTestService(t, q)

	rcpts := recipients(12)
	jobID, err := s.StartJob("t1", rcpts, transport.Payload{Text: "hello"}, 5, time.Millisecond, time.Millisecond)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	prog := waitDone(t, s, jobID)
	if prog.Status != StatusCompleted {
		t.Fatalf("Status = %s, want COMPLETED", prog.Status)
	}
	if prog.Processed != 12 || prog.Succeeded != 12 || prog.Failed != 0 {
		t.Fatalf("progress = %+v", prog)
	}

	seen := q.seen()
	if len(seen) != 12 {
		t.Fatalf("sends = %d, want 12", len(seen))
	}
	// Batching must never reorder recipients.
	for i, r := range rcpts {
		if seen[i] != r {
			t.Fatalf("recipient %d = %s, want %s", i, seen[i], r)
		}
	}
}

func TestBroadcastCountsFailures(t *testing.T) {
	t.Parallel()
	q := &fakeEnqueuer{failEvery: 3}
	s := newTestService(t, q)

	jobID, err := s.StartJob("t1", recipients(9), transport.Payload{Text: "x"}, 4, time.Millisecond, time.Millisecond)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	prog := waitDone(t, s, jobID)
	if prog.Processed != 9 {
		t.Fatalf("Processed = %d, want 9", prog.Processed)
	}
	if prog.Failed != 3 || prog.Succeeded != 6 {
		t.Fatalf("progress = %+v, want 3 failed / 6 succeeded", prog)
	}
}

func TestBroadcastCancelStopsBeforeNextBatch(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	q := &fakeEnqueuer{gate: gate}
	s := newTestService(t, q)

	// A long batch delay keeps the worker parked between batches so the
	// cancel below always lands before batch 2 is considered.
	jobID, err := s.StartJob("t1", recipients(10), transport.Payload{Text: "x"}, 2, time.Millisecond, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Let the first batch through, then cancel.
	gate <- struct{}{}
	gate <- struct{}{}
	if err := s.Cancel(jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(gate)

	prog := waitDone(t, s, jobID)
	if prog.Status != StatusCancelled {
		t.Fatalf("Status = %s, want CANCELLED", prog.Status)
	}
	// The in-flight batch completes; nothing after it is scheduled.
	if prog.Processed != 2 {
		t.Fatalf("Processed = %d, want 2", prog.Processed)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeEnqueuer{}, nil, nil, logx.Nop())
	if err := s.Cancel("nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err = %v, want ErrUnknownJob", err)
	}
}

func TestStartJobValidation(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeEnqueuer{}, nil, nil, logx.Nop())

	if _, err := s.StartJob("t1", nil, transport.Payload{Text: "x"}, 0, 0, 0); err == nil {
		t.Fatal("expected error for empty recipients")
	}
	// Dispatcher not started: job must be rejected, not silently parked.
	if _, err := s.StartJob("t1", []string{"+1"}, transport.Payload{Text: "x"}, 0, 0, 0); err == nil {
		t.Fatal("expected error when dispatcher is not running")
	}
}

func TestPruneDropsFinishedJobs(t *testing.T) {
	t.Parallel()
	q := &fakeEnqueuer{}
	s := newTestService(t, q)

	jobID, err := s.StartJob("t1", recipients(2), transport.Payload{Text: "x"}, 5, time.Millisecond, time.Millisecond)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, s, jobID)

	// Inside retention: still queryable.
	s.Prune(context.Background())
	if _, ok := s.Progress(jobID); !ok {
		t.Fatal("job pruned inside retention window")
	}

	s.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	s.Prune(context.Background())
	if _, ok := s.Progress(jobID); ok {
		t.Fatal("job survived prune past retention")
	}
}
