package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"chanpost/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	if qt.gate != nil {
		defer qt.gate.release()
	}
	cfg := s.config()
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	name := qt.task.Name

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.droppedStale.Add(1)
		s.publish(EventDropped, TaskEvent{ID: qt.task.ID, Name: name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		s.appendHistory(cfg, HistoryItem{ID: qt.task.ID, Name: name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		if s.shouldWarn(start) {
			s.log.Warn("task dropped: stale", logx.String("task", name), logx.Duration("queue_delay", queueDelay))
		}
		return
	}

	s.publish(EventStarted, TaskEvent{ID: qt.task.ID, Name: name, Started: start, QueueDelay: queueDelay})
	attempts, err := s.runWithRetry(ctx, qt)
	dur := time.Since(start)

	item := HistoryItem{ID: qt.task.ID, Name: name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	ev := TaskEvent{ID: qt.task.ID, Name: name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task failed", logx.String("task", name), logx.Int("attempts", attempts), logx.Duration("dur", dur), logx.Err(err))
		s.publish(EventFailed, ev)
	} else {
		s.log.Debug("task completed", logx.String("task", name), logx.Int("attempts", attempts), logx.Duration("dur", dur))
		s.publish(EventFinished, ev)
	}

	s.circuits.record(name, time.Now(), policyFor(cfg, qt.opt), err)
	s.appendHistory(cfg, item)
}

func (s *Service) runWithRetry(ctx context.Context, qt queuedTask) (int, error) {
	maxAttempts := 1 + max(qt.opt.RetryMax, 0)
	var err error
	for attempt := 1; ; attempt++ {
		err = s.runOnce(ctx, qt)
		if err == nil {
			return attempt, nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return attempt, nr.err
		}
		if attempt >= maxAttempts || ctx.Err() != nil {
			return attempt, err
		}
		delay := backoffDelay(qt.opt, attempt, err)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return qt.task.Run(runCtx)
}

// backoffDelay doubles RetryBase per attempt up to RetryMaxDelay. An explicit
// retry-after hint replaces the exponential step. Jitter applies to both.
func backoffDelay(opt TaskOptions, attempt int, err error) time.Duration {
	d := opt.RetryBase
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = max(ra.RetryAfter(), 0)
	} else {
		for i := 1; i < attempt && d < opt.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	if opt.RetryJitter > 0 && d > 0 {
		d = time.Duration(float64(d) * (1 + (rand.Float64()*2-1)*opt.RetryJitter))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
