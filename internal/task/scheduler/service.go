package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"chanpost/internal/task/engine"
	"chanpost/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func New(cfg Config, eng Enqueuer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		engine: eng,
		// SecondOptional accepts both 5- and 6-field specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastWarn: map[string]time.Time{},
	}
}

// Apply swaps the config; a timezone change re-registers every schedule.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && tzChanged {
		s.stopCronLocked()
		s.startCronLocked()
	}
}

func (s *Service) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return
	}
	s.startCronLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering. Definitions survive so a later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) startCronLocked() {
	s.loc = s.locationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) stopCronLocked() {
	<-s.c.Stop().Done()
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.c = nil
}

// AddSchedule registers job under name using any form ParseSchedule accepts.
// Registering an existing name replaces it.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, opt engine.TaskOptions, job Job) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecInterval {
		return s.AddInterval(name, ps.Every, timeout, opt, job)
	}
	return s.AddCron(name, ps.Cron, timeout, opt, job)
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, opt engine.TaskOptions, job Job) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("cron %q: %w", spec, err)
	}
	return s.add(&scheduleDef{name: name, spec: spec, timeout: timeout, opt: opt, job: job})
}

func (s *Service) AddInterval(name string, every, timeout time.Duration, opt engine.TaskOptions, job Job) error {
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	return s.add(&scheduleDef{name: name, spec: "@every " + every.String(), every: every, timeout: timeout, opt: opt, job: job})
}

func (s *Service) add(d *scheduleDef) error {
	d.name = strings.TrimSpace(d.name)
	if d.name == "" {
		return errors.New("name required")
	}
	if d.job == nil {
		return errors.New("job required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(d.name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	if err := s.registerLocked(d); err != nil {
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", d.name), logx.String("spec", d.spec), logx.Duration("spread", d.spread))
	return nil
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	kept := s.defs[:0]
	removed := false
	for _, d := range s.defs {
		if d.name != name {
			kept = append(kept, d)
			continue
		}
		removed = true
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
	}
	s.defs = kept
	return removed
}

func (s *Service) registerLocked(d *scheduleDef) error {
	job := cron.FuncJob(func() { s.trigger(d) })
	if d.every > 0 {
		sched, spread := intervalWithSpread(d.every, time.Now().In(s.loc), d.name)
		d.spread = spread
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

// Trigger enqueues name immediately, outside its schedule.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	var def *scheduleDef
	for _, d := range s.defs {
		if d.name == name {
			def = d
			break
		}
	}
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("schedule %q not found", name)
	}
	return s.enqueue(def)
}

func (s *Service) trigger(d *scheduleDef) {
	if err := s.enqueue(d); err != nil {
		s.reportEnqueueError(d.name, err)
	}
}

func (s *Service) enqueue(d *scheduleDef) error {
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Enqueue(engine.Task{Name: d.name, Timeout: d.timeout, Run: d.job, Opt: d.opt})
}

func (s *Service) reportEnqueueError(name string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) || errors.Is(err, engine.ErrCircuitOpen) {
		s.log.Debug("trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	throttled := !last.IsZero() && now.Sub(last) < enqueueWarnThrottle
	if !throttled {
		s.lastWarn[name] = now
	}
	s.warnMu.Unlock()
	if !throttled {
		s.log.Warn("trigger failed to enqueue", logx.String("schedule", name), logx.Err(err))
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: s.locationLocked().String()}
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout, Spread: d.spread}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	return snap
}

func (s *Service) locationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
