package broadcast

import (
	"context"
	"time"

	"zapgw/internal/eventbus"
	logx "zapgw/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan string) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case id := <-queue:
			s.execJob(ctx, id)
		}
	}
}

func (s *Service) execJob(ctx context.Context, jobID string) {
	s.jobsMu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.jobsMu.Unlock()
		return
	}
	j.startedAt = s.now()
	recipients := j.Recipients
	batchSize := j.BatchSize
	interval := j.Interval
	batchDelay := j.BatchDelay
	tenant := j.TenantID
	msg := j.Message
	s.jobsMu.Unlock()

	log := s.log.With(logx.String("job", jobID), logx.String("tenant", tenant))
	log.Info("broadcast job started", logx.Int("total", len(recipients)))
	start := time.Now()

	// Consecutive fixed-size batches, recipients strictly in input order.
	cancelled := false
	for off := 0; off < len(recipients); off += batchSize {
		if off > 0 && !s.pause(ctx, batchDelay) {
			cancelled = true
			break
		}
		// Cancellation takes effect before the next batch is scheduled.
		if s.isCancelled(jobID) {
			cancelled = true
			break
		}

		end := off + batchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		for i, rcpt := range recipients[off:end] {
			if i > 0 && !s.pause(ctx, interval) {
				cancelled = true
				break
			}
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx); err != nil {
					cancelled = true
					break
				}
			}

			_, err := s.queue.EnqueueAndAttempt(ctx, tenant, rcpt, msg)
			s.record(jobID, err == nil)
		}
		if cancelled {
			break
		}
	}

	final := StatusCompleted
	if cancelled {
		final = StatusCancelled
	}
	prog := s.finish(jobID, final)
	s.met.BroadcastJobs.WithLabelValues(string(final)).Inc()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeBroadcastDone, Tenant: tenant, Data: prog})
	}

	fields := []logx.Field{
		logx.Int("processed", prog.Processed),
		logx.Int("failed", prog.Failed),
		logx.Duration("dur", time.Since(start)),
	}
	if final == StatusCancelled {
		log.Warn("broadcast job cancelled", fields...)
	} else if prog.Failed > 0 {
		log.Warn("broadcast job finished with failures", fields...)
	} else {
		log.Info("broadcast job finished", fields...)
	}
}

// pause sleeps for d, cancellation-aware. Returns false when the context
// died mid-wait.
func (s *Service) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Service) isCancelled(jobID string) bool {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	j, ok := s.jobs[jobID]
	return ok && j.cancelled
}

func (s *Service) record(jobID string, succeeded bool) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return
	}
	j.processed++
	if succeeded {
		j.succeeded++
		s.met.BroadcastRecipients.WithLabelValues("ok").Inc()
	} else {
		j.failed++
		s.met.BroadcastRecipients.WithLabelValues("failed").Inc()
	}
}

func (s *Service) finish(jobID string, st Status) Progress {
	s.jobsMu.Lock()
	j, ok := s.jobs[jobID]
	if ok {
		j.status = st
		j.doneAt = s.now()
	}
	s.jobsMu.Unlock()

	prog, _ := s.Progress(jobID)
	return prog
}
