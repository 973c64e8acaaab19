package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"chanpost/internal/transport"
)

const (
	telegramQueueSize = 256
	telegramMaxText   = 3500
	telegramMaxValue  = 600
	telegramMaxStack  = 900
)

// TelegramConfig routes warn+ records to an operator chat.
type TelegramConfig struct {
	Enabled    bool
	Chat       string
	MinLevel   string
	RatePerSec int
}

// telegramSink is a zerolog.LevelWriter that formats records as short text
// and hands them to a single background sender. Writes never block: a full
// queue or an exhausted limiter drops the record.
type telegramSink struct {
	queue chan string

	mu       sync.Mutex
	sender   transport.Client
	chat     string
	minLevel zerolog.Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}
}

func newTelegramSink(sender transport.Client) *telegramSink {
	return &telegramSink{queue: make(chan string, telegramQueueSize), sender: sender}
}

func (t *telegramSink) setSender(c transport.Client) {
	t.mu.Lock()
	t.sender = c
	t.mu.Unlock()
}

func (t *telegramSink) configure(cfg TelegramConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.chat = strings.TrimSpace(cfg.Chat)
	t.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.RatePerSec)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if !cfg.Enabled {
		return
	}
	if t.chat == "" {
		fmt.Fprintln(os.Stderr, "logx: telegram logging enabled but logging.telegram.chat is empty")
	}
	if t.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		t.done = make(chan struct{})
		go t.run(ctx, t.done)
	}
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *telegramSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-t.queue:
			t.mu.Lock()
			sender, chat := t.sender, t.chat
			t.mu.Unlock()
			if sender == nil || chat == "" {
				continue
			}
			_, _ = sender.Send(ctx, chat, transport.Payload{Text: text, DisablePreview: true})
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) { return t.WriteLevel(zerolog.InfoLevel, p) }

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	ready := t.sender != nil && t.chat != "" && t.limiter != nil
	pass := ready && level >= t.minLevel && t.limiter.Allow()
	t.mu.Unlock()
	if !pass {
		return len(p), nil
	}
	if text := formatTelegramJSON(p); text != "" {
		select {
		case t.queue <- text:
		default:
		}
	}
	return len(p), nil
}

// formatTelegramJSON renders a zerolog JSON line as "[LEVEL] message" plus
// one "- key=value" line per field, keys sorted. Input that is not JSON is
// passed through trimmed.
func formatTelegramJSON(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(string(p), telegramMaxText)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	for _, k := range slices.Sorted(maps.Keys(m)) {
		switch k {
		case "time", "level", zerolog.MessageFieldName:
		case "stack":
			b.WriteString("\n- stack=\n" + truncate(fmt.Sprint(m[k]), telegramMaxStack))
		default:
			b.WriteString("\n- " + k + "=" + truncate(fmt.Sprint(m[k]), telegramMaxValue))
		}
	}
	return truncate(b.String(), telegramMaxText)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
