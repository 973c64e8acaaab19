package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	"chanpost/pkg/logx"
)

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values. Secrets are never included,
// only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)
	section := func(name string, differ bool, f ...logx.Field) {
		if differ {
			changed = append(changed, name)
			fields = append(fields, f...)
		}
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	tokenChanged := ot.Token != nt.Token
	ot.Token, nt.Token = "", ""
	section("telegram", tokenChanged || ot != nt,
		logx.Bool("telegram.token_changed", tokenChanged),
		logx.String("telegram.parse_mode", nt.ParseMode),
		logx.Float64("telegram.rate_per_sec", nt.RatePerSec),
	)

	section("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
	)

	od, nd := oldCfg.DebugServer, newCfg.DebugServer
	section("debug_server", od != nd,
		logx.Bool("debug_server.enabled", nd.Enabled),
		logx.String("debug_server.addr", nd.Addr),
		logx.Bool("debug_server.token_set", strings.TrimSpace(nd.Token) != ""),
	)

	section("scheduler", !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler),
		logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
		logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		logx.String("scheduler.dispatch", newCfg.Scheduler.Dispatch),
		logx.String("scheduler.metrics_sync", newCfg.Scheduler.MetricsSync),
	)

	section("task_engine", !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine),
		logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
		logx.Int("task_engine.retry_max", newCfg.TaskEngine.RetryMax),
	)

	oStore, nStore := oldCfg.Storage, newCfg.Storage
	dsnChanged := oStore.DSN != nStore.DSN
	oStore.DSN, nStore.DSN = "", ""
	section("storage", dsnChanged || oStore != nStore,
		logx.String("storage.driver", nStore.Driver),
		logx.Bool("storage.dsn_changed", dsnChanged),
	)

	section("cache", oldCfg.Cache != newCfg.Cache, logx.String("cache.driver", newCfg.Cache.Driver))
	section("dispatcher", oldCfg.Dispatcher != newCfg.Dispatcher,
		logx.Int("dispatcher.batch_size", newCfg.Dispatcher.BatchSize),
		logx.Int("dispatcher.concurrency", newCfg.Dispatcher.Concurrency),
	)
	section("sync", oldCfg.Sync != newCfg.Sync,
		logx.Int("sync.concurrency", newCfg.Sync.Concurrency),
		logx.String("sync.base_delay", newCfg.Sync.BaseDelay),
	)
	section("events", !reflect.DeepEqual(oldCfg.Events, newCfg.Events),
		logx.String("events.driver", newCfg.Events.Driver),
	)

	sort.Strings(changed)
	return changed, fields
}

// RestartRequired lists changed sections that only take effect after a
// process restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	var out []string
	if oldCfg == nil || newCfg == nil {
		return out
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		out = append(out, "telegram.token")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.Cache != newCfg.Cache {
		out = append(out, "cache")
	}
	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		out = append(out, "events")
	}
	return out
}
