package app

import (
	"path/filepath"
	"strings"
	"time"

	"chanpost/internal/cache"
	"chanpost/internal/config"
	"chanpost/internal/dispatch"
	"chanpost/internal/events"
	"chanpost/internal/metricsync"
	"chanpost/internal/observability/debugserver"
	"chanpost/internal/storage"
	"chanpost/internal/task/engine"
	"chanpost/internal/task/scheduler"
	"chanpost/internal/transport/telegram"
	"chanpost/pkg/logx"
)

const (
	defaultDispatchEvery     = "60s"
	defaultMetricsSyncEvery  = "300s"
	defaultRequeueStuckEvery = "1h"
	defaultJobTimeout        = 5 * time.Minute
	defaultCachePath         = "./chanpost-cache.db"
)

func loggingConfig(c *config.Config) logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    c.Logging.Telegram.Enabled,
			Chat:       c.Logging.Telegram.Chat,
			MinLevel:   c.Logging.Telegram.MinLevel,
			RatePerSec: c.Logging.Telegram.RatePerSec,
		},
	}
}

func telegramConfig(c *config.Config) telegram.Config {
	t := c.Telegram
	return telegram.Config{
		Token:         t.Token,
		ParseMode:     t.ParseMode,
		RatePerSec:    t.RatePerSec,
		Burst:         t.Burst,
		WidgetBaseURL: t.WidgetBaseURL,
		HTTPTimeout:   config.Duration(t.HTTPTimeout, 0),
		UsernameTTL:   config.Duration(t.UsernameTTL, 0),
	}
}

func storageConfig(c *config.Config) storage.Config {
	s := c.Storage
	return storage.Config{
		Driver:      s.Driver,
		Path:        s.Path,
		DSN:         s.DSN,
		BusyTimeout: config.Duration(s.BusyTimeout, 0),
		MaxConns:    s.MaxConns,
		TrackWindow: trackWindow(s.TrackWindow),
	}
}

// cacheConfig defaults to a sqlite cache next to the sqlite store, so
// delivery idempotency records outlive the process.
func cacheConfig(c *config.Config) cache.Config {
	cc := cache.Config{
		Driver:     strings.ToLower(strings.TrimSpace(c.Cache.Driver)),
		Path:       strings.TrimSpace(c.Cache.Path),
		MaxEntries: c.Cache.MaxEntries,
	}
	if cc.Driver == "" {
		cc.Driver = "sqlite"
	}
	if cc.Driver != "memory" && cc.Path == "" {
		cc.Path = defaultCachePath
		if sp := strings.TrimSpace(c.Storage.Path); sp != "" && strings.EqualFold(c.Storage.Driver, "sqlite") {
			cc.Path = strings.TrimSuffix(sp, filepath.Ext(sp)) + ".cache.db"
		}
	}
	return cc
}

// engineConfig follows scheduler.enabled unless task_engine.enabled is set.
func engineConfig(c *config.Config) engine.Config {
	te := c.TaskEngine
	enabled := c.Scheduler.IsEnabled()
	if te.Enabled != nil {
		enabled = *te.Enabled
	}
	return engine.Config{
		Enabled:             enabled,
		Workers:             te.Workers,
		QueueSize:           te.QueueSize,
		DefaultTimeout:      config.Duration(te.DefaultTimeout, defaultJobTimeout),
		MaxQueueDelay:       config.Duration(te.MaxQueueDelay, 0),
		HistorySize:         te.HistorySize,
		RetryMax:            te.RetryMax,
		CircuitTripFailures: te.CircuitTripFailures,
		CircuitBaseDelay:    config.Duration(te.CircuitBaseDelay, 0),
		CircuitMaxDelay:     config.Duration(te.CircuitMaxDelay, 0),
		CircuitResetAfter:   config.Duration(te.CircuitResetAfter, 0),
	}
}

func schedulerConfig(c *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: c.Scheduler.IsEnabled(), Timezone: c.Scheduler.Timezone}
}

func dispatchConfig(c *config.Config) dispatch.Config {
	d := c.Dispatcher
	return dispatch.Config{
		BatchSize:      d.BatchSize,
		Concurrency:    d.Concurrency,
		MaxAttempts:    d.MaxAttempts,
		IdempotencyTTL: config.Duration(d.IdempotencyTTL, 0),
		MaxWait:        config.Duration(d.MaxWait, 0),
		StuckAfter:     config.Duration(d.StuckAfter, 0),
		ParseMode:      c.Telegram.ParseMode,
		DisablePreview: d.DisablePreview,
	}
}

func syncConfig(c *config.Config) metricsync.Config {
	s := c.Sync
	return metricsync.Config{
		Concurrency:     s.Concurrency,
		MaxBatch:        s.MaxBatch,
		BaseDelay:       config.Duration(s.BaseDelay, 0),
		KnownTTL:        config.Duration(s.KnownTTL, 0),
		ShortTTL:        config.Duration(s.ShortTTL, 0),
		NotFoundTTL:     config.Duration(s.NotFoundTTL, 0),
		ProblemCooldown: config.Duration(s.ProblemCooldown, 0),
		TrackableTTL:    config.Duration(s.TrackableTTL, 0),
	}
}

func debugConfig(c *config.Config) debugserver.Config {
	d := c.DebugServer
	return debugserver.Config{
		Enabled:       d.Enabled,
		Addr:          d.Addr,
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
		ReadTimeout:   config.Duration(d.ReadTimeout, 30*time.Second),
		WriteTimeout:  config.Duration(d.WriteTimeout, 0),
		IdleTimeout:   config.Duration(d.IdleTimeout, 2*time.Minute),
	}
}

func eventsConfig(c *config.Config) events.Config {
	e := c.Events
	return events.Config{
		Driver:     e.Driver,
		URL:        e.URL,
		Exchange:   e.Exchange,
		RoutingKey: e.RoutingKey,
		Subject:    e.Subject,
		Types:      e.Types,
		Buffer:     e.Buffer,
	}
}

// jobSpec is the effective schedule of one periodic job.
type jobSpec struct {
	name     string
	schedule string
	timeout  time.Duration
}

func jobSpecs(c *config.Config) []jobSpec {
	orDefault := func(raw, def string) string {
		if s := strings.TrimSpace(raw); s != "" {
			return s
		}
		return def
	}
	timeout := config.Duration(c.Scheduler.JobTimeout, defaultJobTimeout)
	return []jobSpec{
		{name: jobDispatch, schedule: orDefault(c.Scheduler.Dispatch, defaultDispatchEvery), timeout: timeout},
		{name: jobMetricsSync, schedule: orDefault(c.Scheduler.MetricsSync, defaultMetricsSyncEvery), timeout: timeout},
		{name: jobRequeueStuck, schedule: orDefault(c.Scheduler.RequeueStuck, defaultRequeueStuckEvery), timeout: timeout},
	}
}

const defaultTrackWindow = 30 * 24 * time.Hour

// trackWindow keeps an explicit "0s" meaning unlimited; only an empty value
// selects the default.
func trackWindow(raw string) time.Duration {
	if strings.TrimSpace(raw) == "" {
		return defaultTrackWindow
	}
	return config.Duration(raw, 0)
}
