package app

import (
	"context"
	"fmt"

	"chanpost/internal/cache"
	"chanpost/internal/config"
	"chanpost/internal/task/engine"
	"chanpost/pkg/logx"
)

const (
	jobDispatch     = "dispatch"
	jobMetricsSync  = "metrics-sync"
	jobRequeueStuck = "requeue-stuck"
)

// registerJobs (re)installs the periodic jobs. Registering an existing name
// replaces its schedule.
func (a *App) registerJobs(cfg *config.Config) error {
	runs := map[string]func(context.Context) error{
		jobDispatch:     a.runDispatch,
		jobMetricsSync:  a.runMetricsSync,
		jobRequeueStuck: a.runRequeueStuck,
	}
	opt := engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}
	for _, js := range jobSpecs(cfg) {
		if err := a.sched.AddSchedule(js.name, js.schedule, js.timeout, opt, runs[js.name]); err != nil {
			return fmt.Errorf("schedule %s %q: %w", js.name, js.schedule, err)
		}
	}
	return nil
}

func (a *App) runDispatch(ctx context.Context) error {
	_, err := a.disp.RunCycle(ctx)
	return err
}

// runMetricsSync fails only when the trackable set could not be loaded, so
// the engine retries the whole cycle. Per-post errors are already counted.
func (a *App) runMetricsSync(ctx context.Context) error {
	return a.sync.RunCycle(ctx).LoadErr
}

func (a *App) runRequeueStuck(ctx context.Context) error {
	if _, err := a.disp.RequeueStuckItems(ctx, 0); err != nil {
		return err
	}
	caches := []cache.Cache{a.cache}
	if a.guardCache != a.cache {
		caches = append(caches, a.guardCache)
	}
	for _, c := range caches {
		p, ok := c.(cache.Pruner)
		if !ok {
			continue
		}
		n, err := p.Prune(ctx)
		if err != nil {
			a.log.Warn("cache prune failed", logx.Err(err))
		} else if n > 0 {
			a.log.Debug("cache pruned", logx.Int("entries", n))
		}
	}
	return nil
}
