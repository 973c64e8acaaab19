package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

const (
	EnvTelegramToken = "CHANPOST_TELEGRAM_TOKEN"
	EnvPostgresDSN   = "CHANPOST_POSTGRES_DSN"
)

// ApplyEnv overlays secrets from the environment onto cfg.
func ApplyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPostgresDSN)); v != "" {
		cfg.Storage.DSN = v
	}
}

// Validate reports every problem found in cfg, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram.token: required (or set %s)", EnvTelegramToken))
	}
	if cfg.Telegram.RatePerSec < 0 {
		errs = append(errs, errors.New("telegram.rate_per_sec: must be >= 0"))
	}
	check("telegram.http_timeout", cfg.Telegram.HTTPTimeout)
	check("telegram.username_ttl", cfg.Telegram.UsernameTTL)

	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Logging.Telegram.Chat) == "" {
		errs = append(errs, errors.New("logging.telegram.chat: required when enabled"))
	}

	ds := cfg.DebugServer
	check("debug_server.read_timeout", ds.ReadTimeout)
	check("debug_server.write_timeout", ds.WriteTimeout)
	check("debug_server.idle_timeout", ds.IdleTimeout)
	if ds.Enabled && ds.Addr != "" {
		if _, _, err := net.SplitHostPort(ds.Addr); err != nil {
			errs = append(errs, fmt.Errorf("debug_server.addr: %w", err))
		}
	}

	check("scheduler.job_timeout", cfg.Scheduler.JobTimeout)

	te := cfg.TaskEngine
	check("task_engine.default_timeout", te.DefaultTimeout)
	check("task_engine.max_queue_delay", te.MaxQueueDelay)
	check("task_engine.circuit_base_delay", te.CircuitBaseDelay)
	check("task_engine.circuit_max_delay", te.CircuitMaxDelay)
	check("task_engine.circuit_reset_after", te.CircuitResetAfter)
	if te.Workers < 0 || te.QueueSize < 0 || te.RetryMax < 0 {
		errs = append(errs, errors.New("task_engine: workers, queue_size and retry_max must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for sqlite"))
		}
	case "postgres", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn: required for postgres (or set %s)", EnvPostgresDSN))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q (sqlite, postgres)", cfg.Storage.Driver))
	}
	check("storage.busy_timeout", cfg.Storage.BusyTimeout)
	check("storage.track_window", cfg.Storage.TrackWindow)

	switch strings.ToLower(strings.TrimSpace(cfg.Cache.Driver)) {
	case "", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("cache.driver: unsupported %q (memory, sqlite)", cfg.Cache.Driver))
	}

	d := cfg.Dispatcher
	check("dispatcher.idempotency_ttl", d.IdempotencyTTL)
	check("dispatcher.max_wait", d.MaxWait)
	check("dispatcher.stuck_after", d.StuckAfter)

	s := cfg.Sync
	check("sync.base_delay", s.BaseDelay)
	check("sync.known_ttl", s.KnownTTL)
	check("sync.short_ttl", s.ShortTTL)
	check("sync.not_found_ttl", s.NotFoundTTL)
	check("sync.problem_cooldown", s.ProblemCooldown)
	check("sync.trackable_ttl", s.TrackableTTL)

	switch strings.ToLower(strings.TrimSpace(cfg.Events.Driver)) {
	case "", "none":
	case "amqp", "nats":
		if strings.TrimSpace(cfg.Events.URL) == "" {
			errs = append(errs, errors.New("events.url: required for a broker driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("events.driver: unsupported %q (none, amqp, nats)", cfg.Events.Driver))
	}

	return errors.Join(errs...)
}
