package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls task execution. The scheduler only triggers; retries,
// timeouts and circuit breaking happen here.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Task.Timeout is 0.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops tasks queued longer than this. 0 disables it.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int

	// CircuitTripFailures < 0 disables the breaker; 0 selects the default.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

type OverlapPolicy int

const (
	// OverlapSkipIfRunning skips a trigger while the same task is queued or
	// running. It is the default.
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// CircuitTripFailures overrides the engine threshold; < 0 disables it.
	CircuitTripFailures int
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// Task is a unit of work executed by the engine.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
}

// runGate tracks whether a task name is already queued or running.
type runGate struct {
	mu       sync.Mutex
	inflight bool
}

func (g *runGate) tryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight {
		return false
	}
	g.inflight = true
	return true
}

func (g *runGate) release() {
	g.mu.Lock()
	g.inflight = false
	g.mu.Unlock()
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is the payload of task.* bus events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

const (
	EventStarted  = "task.started"
	EventFinished = "task.finished"
	EventFailed   = "task.failed"
	EventSkipped  = "task.skipped"
	EventDropped  = "task.dropped"
)

type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	CircuitTotal int `json:"circuit_total"`
	CircuitOpen  int `json:"circuit_open"`

	History []HistoryItem `json:"history"`
}
