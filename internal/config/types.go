package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("60s", "5m"); empty or "0s" selects the component default.
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	DebugServer DebugServerConfig `json:"debug_server,omitempty"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	TaskEngine  TaskEngineConfig  `json:"task_engine,omitempty"`
	Storage     StorageConfig     `json:"storage"`
	Cache       CacheConfig       `json:"cache,omitempty"`
	Dispatcher  DispatcherConfig  `json:"dispatcher,omitempty"`
	Sync        SyncConfig        `json:"sync,omitempty"`
	Events      EventsConfig      `json:"events,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied through CHANPOST_TELEGRAM_TOKEN.
	Token         string  `json:"token"`
	ParseMode     string  `json:"parse_mode,omitempty"` // HTML (default), Markdown, MarkdownV2
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	Burst         int     `json:"burst,omitempty"`
	WidgetBaseURL string  `json:"widget_base_url,omitempty"` // default https://t.me
	HTTPTimeout   string  `json:"http_timeout,omitempty"`
	UsernameTTL   string  `json:"username_ttl,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warn+ records to an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Chat       string `json:"chat"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DebugServerConfig controls the operator HTTP endpoint (/healthz, /metrics,
// /debug/pprof). Binding to a non-loopback address requires a token or
// allow_insecure.
type DebugServerConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// SchedulerConfig holds the periodic job triggers. Schedules accept a cron
// expression or an interval ("60s", "00:05").
type SchedulerConfig struct {
	// Enabled defaults to true when omitted.
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	Dispatch     string `json:"dispatch,omitempty"`      // default 60s
	MetricsSync  string `json:"metrics_sync,omitempty"`  // default 300s
	RequeueStuck string `json:"requeue_stuck,omitempty"` // default 1h
	JobTimeout   string `json:"job_timeout,omitempty"`
}

func (c SchedulerConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// TaskEngineConfig controls job execution. Enabled follows scheduler.enabled
// when omitted.
type TaskEngineConfig struct {
	Enabled             *bool  `json:"enabled,omitempty"`
	Workers             int    `json:"workers,omitempty"`
	QueueSize           int    `json:"queue_size,omitempty"`
	DefaultTimeout      string `json:"default_timeout,omitempty"`
	MaxQueueDelay       string `json:"max_queue_delay,omitempty"`
	HistorySize         int    `json:"history_size,omitempty"`
	RetryMax            int    `json:"retry_max,omitempty"`
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// StorageConfig selects the persistence backend.
//
//	"storage": { "driver": "sqlite", "path": "./chanpost.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // or CHANPOST_POSTGRES_DSN
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
	TrackWindow string `json:"track_window,omitempty"` // default 720h (30 days); "0s" tracks every post
}

type CacheConfig struct {
	Driver     string `json:"driver,omitempty"` // sqlite (default) or memory
	Path       string `json:"path,omitempty"`   // default: <storage.path stem>.cache.db
	MaxEntries int    `json:"max_entries,omitempty"`
}

type DispatcherConfig struct {
	BatchSize      int    `json:"batch_size,omitempty"`
	Concurrency    int    `json:"concurrency,omitempty"`
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	IdempotencyTTL string `json:"idempotency_ttl,omitempty"`
	MaxWait        string `json:"max_wait,omitempty"`
	StuckAfter     string `json:"stuck_after,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
}

type SyncConfig struct {
	Concurrency     int    `json:"concurrency,omitempty"`
	MaxBatch        int    `json:"max_batch,omitempty"`
	BaseDelay       string `json:"base_delay,omitempty"`
	KnownTTL        string `json:"known_ttl,omitempty"`
	ShortTTL        string `json:"short_ttl,omitempty"`
	NotFoundTTL     string `json:"not_found_ttl,omitempty"`
	ProblemCooldown string `json:"problem_cooldown,omitempty"`
	TrackableTTL    string `json:"trackable_ttl,omitempty"`
}

// EventsConfig forwards selected bus events to a broker.
type EventsConfig struct {
	Driver     string   `json:"driver,omitempty"` // none (default), amqp, nats
	URL        string   `json:"url,omitempty"`
	Exchange   string   `json:"exchange,omitempty"`    // amqp
	RoutingKey string   `json:"routing_key,omitempty"` // amqp; defaults to the event type
	Subject    string   `json:"subject,omitempty"`     // nats subject prefix
	Types      []string `json:"types,omitempty"`
	Buffer     int      `json:"buffer,omitempty"`
}
