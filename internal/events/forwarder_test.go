package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanpost/internal/eventbus"
	"chanpost/pkg/logx"
)

type fakePublisher struct {
	mu     sync.Mutex
	types  []string
	bodies [][]byte
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, eventType string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.types = append(p.types, eventType)
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) snapshot() ([]string, [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.types...), append([][]byte(nil), p.bodies...)
}

func TestForwardEncodesEnvelope(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	f := NewForwarder(pub, Config{}, logx.Nop())
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.forward(context.Background(), eventbus.Event{Type: eventbus.TypeConfigReload, Time: at, Data: map[string]any{"changed": true}})

	_, bodies := pub.snapshot()
	require.Len(t, bodies, 1)
	var env Envelope
	require.NoError(t, json.Unmarshal(bodies[0], &env))
	assert.Equal(t, eventbus.TypeConfigReload, env.Type)
	assert.Equal(t, "chanpost", env.Source)
	assert.True(t, at.Equal(env.Time))
	assert.NotEmpty(t, env.ID)

	sent, failed := f.Stats()
	assert.Equal(t, uint64(1), sent)
	assert.Zero(t, failed)
}

func TestForwardCountsPublishFailure(t *testing.T) {
	t.Parallel()

	f := NewForwarder(&fakePublisher{err: errors.New("broker down")}, Config{}, logx.Nop())
	f.forward(context.Background(), eventbus.Event{Type: eventbus.TypeDeliveryOutcome})

	sent, failed := f.Stats()
	assert.Zero(t, sent)
	assert.Equal(t, uint64(1), failed)
}

func TestRunForwardsOnlySelectedTypes(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	pub := &fakePublisher{}
	f := NewForwarder(pub, Config{Types: []string{"sync."}}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, bus) }()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchCycle})
		bus.Publish(eventbus.Event{Type: eventbus.TypeSyncCycle})
		types, _ := pub.snapshot()
		return len(types) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	types, _ := pub.snapshot()
	for _, typ := range types {
		assert.Equal(t, eventbus.TypeSyncCycle, typ)
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()

	pub, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, pub)

	_, err = Open(Config{Driver: "kafka"}, logx.Nop())
	require.Error(t, err)

	_, err = Open(Config{Driver: "amqp"}, logx.Nop())
	require.Error(t, err)
}

func TestSubjectPrefix(t *testing.T) {
	t.Parallel()

	assert.Equal(t, defaultSubject, subjectPrefix(""))
	assert.Equal(t, "ops.chan", subjectPrefix(" ops.chan. "))
}
