// Package engine executes named tasks on a bounded worker pool with retries,
// per-task overlap gating and a consecutive-failure circuit breaker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chanpost/internal/eventbus"
	rtsup "chanpost/internal/runtime/supervisor"
	"chanpost/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	gateMu sync.Mutex
	gates  map[string]*runGate

	circuits breaker

	hmu     sync.Mutex
	history []HistoryItem

	idSeq            atomic.Uint64
	inFlight         atomic.Int32
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	lastDropWarn     atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	gate       *runGate
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log.With(logx.String("comp", "taskengine")),
		bus:   bus,
		gates: make(map[string]*runGate),
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the configuration. Worker or queue size changes restart the
// pool; queued tasks are dropped in that case.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize):
		s.Stop(ctx)
		s.Start(ctx)
	case !running && cfg.Enabled && prev.Enabled != cfg.Enabled:
		s.Start(ctx)
	}
}

// Start launches the worker pool. It is a no-op when disabled or running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.stopCh != nil {
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))

	queue, stopCh := s.q, s.stopCh
	for i := 0; i < cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			if c.Err() != nil {
				return c.Err()
			}
			select {
			case <-stopCh:
				return nil
			default:
				return errors.New("worker exited unexpectedly")
			}
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop cancels running tasks and waits for workers until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	sup := s.sup
	s.q, s.stopCh, s.sup = nil, nil, nil
	s.mu.Unlock()

	if err := sup.Stop(ctx); err != nil && errors.Is(err, ctx.Err()) {
		s.log.Warn("task engine stop timed out", logx.Err(err))
		return
	}
	s.log.Info("task engine stopped")
}

// Supervisor exposes worker stats for health output; nil when stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Enqueue queues t without blocking.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit queues t, waiting for room until ctx is done.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, q, stopCh := s.cfg, s.q, s.stopCh
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if q == nil {
		return ErrStopped
	}

	opt := t.Opt.withDefaults(cfg)
	if open, until := s.circuits.isOpen(t.Name, now, policyFor(cfg, opt)); open {
		s.log.Debug("task skipped: circuit open", logx.String("task", t.Name), logx.Time("until", until))
		s.publish(EventSkipped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"})
		s.appendHistory(cfg, HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"})
		return ErrCircuitOpen
	}

	var gate *runGate
	if opt.Overlap == OverlapSkipIfRunning {
		gate = s.gateFor(t.Name)
		if !gate.tryAcquire() {
			s.log.Debug("task skipped: overlap", logx.String("task", t.Name))
			s.publish(EventSkipped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			return ErrOverlapSkip
		}
	}
	release := func() {
		if gate != nil {
			gate.release()
		}
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt, gate: gate}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			release()
			s.droppedQueueFull.Add(1)
			s.publish(EventDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})
			if s.shouldWarn(now) {
				s.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.Int("queue_cap", cap(q)))
			}
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		release()
		return ctx.Err()
	case <-stopCh:
		release()
		return ErrStopped
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Running:          q != nil,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	snap.CircuitTotal, snap.CircuitOpen = s.circuits.counts(time.Now())

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) gateFor(name string) *runGate {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	g := s.gates[name]
	if g == nil {
		g = &runGate{}
		s.gates[name] = g
	}
	return g
}

func (s *Service) appendHistory(cfg Config, item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if over := len(s.history) - cfg.HistorySize; over > 0 {
		s.history = s.history[over:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}

func (s *Service) shouldWarn(now time.Time) bool {
	prev := s.lastDropWarn.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return false
	}
	return s.lastDropWarn.CompareAndSwap(prev, now.UnixNano())
}
