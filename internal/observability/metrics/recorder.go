// Package metrics turns bus events into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chanpost/internal/dispatch"
	"chanpost/internal/domain"
	"chanpost/internal/eventbus"
	"chanpost/internal/metricsync"
	"chanpost/internal/task/engine"
)

const namespace = "chanpost"

type Recorder struct {
	reg *prometheus.Registry

	outcomes      *prometheus.CounterVec
	syncPosts     *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	taskRuns      *prometheus.CounterVec
	problems      prometheus.Counter
}

// New builds a recorder on its own registry. Bus drops are exported as a
// gauge when bus is non-nil.
func New(bus eventbus.Bus) *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	r := &Recorder{
		reg: reg,
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_outcomes_total",
			Help:      "Delivery attempts by outcome kind.",
		}, []string{"kind"}),
		syncPosts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_posts_total",
			Help:      "Tracked posts handled by view-count sync, by result.",
		}, []string{"result"}),
		cycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of dispatch and sync cycles.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"job"}),
		taskRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Task engine runs by task and result.",
		}, []string{"task", "result"}),
		problems: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_channel_problems_total",
			Help:      "Channels put into sync cooldown.",
		}),
	}
	if bus != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_events",
			Help:      "Events dropped by slow bus subscribers.",
		}, func() float64 { return float64(bus.Dropped()) })
	}
	return r
}

func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Run consumes bus events until ctx is done.
func (r *Recorder) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.SubscribeTypes(256,
		eventbus.TypeDeliveryOutcome,
		eventbus.TypeDispatchCycle,
		eventbus.TypeSyncCycle,
		eventbus.TypeSyncChannelProblem,
		eventbus.TypeTaskPrefix,
	)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.Observe(ev)
		}
	}
}

func (r *Recorder) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case domain.DeliveryOutcome:
		r.outcomes.WithLabelValues(string(d.Kind)).Inc()
	case dispatch.CycleStats:
		r.cycleDuration.WithLabelValues("dispatch").Observe(d.Duration.Seconds())
	case metricsync.Stats:
		r.cycleDuration.WithLabelValues("metrics-sync").Observe(d.Duration.Seconds())
		r.addSync("updated", d.Updated)
		r.addSync("cached", d.Cached)
		r.addSync("skipped", d.Skipped)
		r.addSync("error", d.Errors)
		if unchanged := d.Processed - d.Updated - d.Cached - d.Errors - d.Skipped; unchanged > 0 {
			r.addSync("unchanged", unchanged)
		}
	case engine.TaskEvent:
		switch ev.Type {
		case engine.EventFinished:
			r.taskRuns.WithLabelValues(d.Name, "ok").Inc()
		case engine.EventFailed:
			r.taskRuns.WithLabelValues(d.Name, "error").Inc()
		case engine.EventSkipped, engine.EventDropped:
			r.taskRuns.WithLabelValues(d.Name, d.Error).Inc()
		}
	default:
		if ev.Type == eventbus.TypeSyncChannelProblem {
			r.problems.Inc()
		}
	}
}

func (r *Recorder) addSync(result string, n int) {
	if n > 0 {
		r.syncPosts.WithLabelValues(result).Add(float64(n))
	}
}
