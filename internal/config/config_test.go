package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanpost/pkg/logx"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  rate_per_sec: 20
logging:
  level: info
  console: true
scheduler:
  timezone: UTC
  dispatch: 60s
storage:
  driver: sqlite
  path: ./chanpost.db
dispatcher:
  batch_size: 25
sync:
  base_delay: 200ms
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, 20.0, cfg.Telegram.RatePerSec)
	assert.Equal(t, 25, cfg.Dispatcher.BatchSize)
	assert.True(t, cfg.Scheduler.IsEnabled())
	require.NoError(t, Validate(cfg))
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Decode("config.json", []byte(`{"telegram":{"token":"x"},"plugins":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugins")

	_, err = Decode("config.yaml", []byte("storage:\n  driver: sqlite\n  colour: red\n"))
	require.Error(t, err)

	_, err = Decode("config.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvTelegramToken, "env-token")
	t.Setenv(EnvPostgresDSN, "postgres://u:p@db/chanpost")

	cfg, err := Decode("c.json", []byte(`{"telegram":{"token":"file-token"},"storage":{"driver":"postgres"}}`))
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Telegram.Token)
	assert.Equal(t, "postgres://u:p@db/chanpost", cfg.Storage.DSN)
	assert.NoError(t, Validate(cfg))
}

func TestValidateCollectsProblems(t *testing.T) {
	t.Parallel()

	enabled := false
	cfg := &Config{
		Logging:     LoggingConfig{Telegram: LoggingTelegram{Enabled: true}},
		DebugServer: DebugServerConfig{Enabled: true, Addr: "nope"},
		Scheduler:   SchedulerConfig{Enabled: &enabled},
		Storage:     StorageConfig{Driver: "mongo"},
		Cache:       CacheConfig{Driver: "redis"},
		Dispatcher:  DispatcherConfig{MaxWait: "soon"},
		Sync:        SyncConfig{KnownTTL: "-1s"},
		Events:      EventsConfig{Driver: "kafka"},
	}
	err := Validate(cfg)
	require.Error(t, err)
	for _, want := range []string{
		"telegram.token", "logging.telegram.chat", "debug_server.addr", "storage.driver",
		"cache.driver", "dispatcher.max_wait", "sync.known_ttl", "events.driver",
	} {
		assert.Contains(t, err.Error(), want)
	}
	assert.False(t, cfg.Scheduler.IsEnabled())
}

func TestDuration(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("0s", time.Minute))
	assert.Equal(t, time.Minute, Duration("bogus", time.Minute))
	assert.Equal(t, 5*time.Second, Duration("5s", time.Minute))
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(p, logx.Nop())
	_, err := m.Load(ctx)
	require.NoError(t, err)
	sub := m.Subscribe(1)

	changed, err := m.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, os.WriteFile(p, []byte(strings.Replace(sampleYAML, "batch_size: 25", "batch_size: 40", 1)), 0o600))
	changed, err = m.Reload(ctx)
	require.NoError(t, err)
	require.True(t, changed)
	got := <-sub
	assert.Equal(t, 40, got.Dispatcher.BatchSize)
	assert.Equal(t, 40, m.Get().Dispatcher.BatchSize)

	require.NoError(t, os.WriteFile(p, []byte(strings.Replace(sampleYAML, "driver: sqlite", "driver: mongo", 1)), 0o600))
	_, err = m.Reload(ctx)
	require.Error(t, err)
	assert.Equal(t, 40, m.Get().Dispatcher.BatchSize, "rejected config is not committed")

	m.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(p, logx.Nop())
	_, err := m.Load(context.Background())
	require.NoError(t, err)
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	next := strings.Replace(sampleYAML, "level: info", "level: debug", 1)
	require.Eventually(t, func() bool {
		_ = os.WriteFile(p, []byte(next), 0o600)
		select {
		case cfg := <-sub:
			return cfg.Logging.Level == "debug"
		case <-time.After(400 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()

	a, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	b := *a
	b.Telegram.Token = "rotated"
	b.Dispatcher.Concurrency = 9

	changed, fields := SummarizeChange(a, &b)
	assert.Equal(t, []string{"dispatcher", "telegram"}, changed)
	assert.NotEmpty(t, fields)
	assert.Equal(t, []string{"telegram.token"}, RestartRequired(a, &b))

	none, _ := SummarizeChange(a, a)
	assert.Empty(t, none)
}
