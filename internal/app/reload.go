package app

import (
	"context"
	"slices"
	"strings"

	"chanpost/internal/config"
	"chanpost/internal/eventbus"
	"chanpost/pkg/logx"
)

// reloadLoop applies hot-reloaded configs. Bursts are coalesced to the
// newest value.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			if next == nil {
				continue
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if keys := config.RestartRequired(prev, next); len(keys) > 0 {
		a.log.Warn("config change needs a restart to take effect", logx.String("keys", strings.Join(keys, ",")))
	}

	a.logs.Apply(loggingConfig(next))
	a.disp.Reconfigure(dispatchConfig(next))
	a.sync.Reconfigure(syncConfig(next))

	a.engine.Apply(ctx, engineConfig(next))
	a.sched.Apply(schedulerConfig(next))
	if !slices.Equal(jobSpecs(prev), jobSpecs(next)) {
		if err := a.registerJobs(next); err != nil {
			a.log.Warn("invalid schedule; keeping previous", logx.Err(err))
		}
	}
	if next.Scheduler.IsEnabled() {
		a.sched.Start(ctx)
	} else {
		a.sched.Stop(ctx)
	}

	a.debug.Reconfigure(ctx, debugConfig(next))

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReload, Data: map[string]any{"changed": sections}})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
