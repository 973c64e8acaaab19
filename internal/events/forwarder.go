// Package events forwards selected bus events to an external broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chanpost/internal/eventbus"
	"chanpost/pkg/logx"
)

// Publisher delivers one encoded event. Implementations own their connection.
type Publisher interface {
	Publish(ctx context.Context, eventType string, body []byte) error
	Close() error
}

// Envelope is the wire form of a forwarded event.
type Envelope struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	Time   time.Time `json:"time"`
	Source string    `json:"source"`
	Data   any       `json:"data,omitempty"`
}

type Config struct {
	Driver     string
	URL        string
	Exchange   string
	RoutingKey string
	Subject    string
	Types      []string
	Buffer     int
}

// Open returns the publisher for cfg.Driver, or nil for "none".
func Open(cfg Config, log logx.Logger) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case "amqp":
		p, err := DialAMQP(cfg.URL, cfg.Exchange, cfg.RoutingKey)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "nats":
		p, err := ConnectNATS(cfg.URL, cfg.Subject, log)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("events: unknown driver %q", cfg.Driver)
	}
}

type Forwarder struct {
	pub    Publisher
	types  []string
	buffer int
	log    logx.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

func NewForwarder(pub Publisher, cfg Config, log logx.Logger) *Forwarder {
	if log.IsZero() {
		log = logx.Nop()
	}
	types := cfg.Types
	if len(types) == 0 {
		types = []string{eventbus.TypeDeliveryOutcome, eventbus.TypeSyncCycle, eventbus.TypeSyncChannelProblem}
	}
	buf := cfg.Buffer
	if buf <= 0 {
		buf = 256
	}
	return &Forwarder{pub: pub, types: types, buffer: buf, log: log.With(logx.String("comp", "events"))}
}

// Run forwards events until ctx is done. Publish failures are logged and
// counted; they never stop the loop.
func (f *Forwarder) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.SubscribeTypes(f.buffer, f.types...)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev eventbus.Event) {
	body, err := json.Marshal(Envelope{
		ID:     uuid.NewString(),
		Type:   ev.Type,
		Time:   ev.Time.UTC(),
		Source: "chanpost",
		Data:   ev.Data,
	})
	if err != nil {
		f.failed.Add(1)
		f.log.Warn("event encode failed", logx.String("type", ev.Type), logx.Err(err))
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.pub.Publish(pctx, ev.Type, body); err != nil {
		f.failed.Add(1)
		f.log.Warn("event publish failed", logx.String("type", ev.Type), logx.Err(err))
		return
	}
	f.sent.Add(1)
}

func (f *Forwarder) Stats() (sent, failed uint64) { return f.sent.Load(), f.failed.Load() }
