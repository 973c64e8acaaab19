package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chanpost/internal/task/engine"
	"chanpost/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means Local
}

// Enqueuer is the engine side of a trigger.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string
	every   time.Duration
	timeout time.Duration
	opt     engine.TaskOptions
	job     Job
	entryID cron.EntryID
	spread  time.Duration
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	engine Enqueuer
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	defs   []*scheduleDef

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Spread  time.Duration `json:"startup_spread,omitempty"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
