package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanpost/internal/task/engine"
	"chanpost/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in    string
		kind  SpecKind
		cron  string
		every time.Duration
	}{
		{"60s", SpecInterval, "", time.Minute},
		{"2h30m", SpecInterval, "", 150 * time.Minute},
		{"00:05", SpecInterval, "", 5 * time.Minute},
		{"every:01:00", SpecInterval, "", time.Hour},
		{"@every 300s", SpecInterval, "", 5 * time.Minute},
		{"*/5 * * * *", SpecCron, "*/5 * * * *", 0},
		{"@hourly", SpecCron, "@hourly", 0},
		{"cron:0 0 * * *", SpecCron, "0 0 * * *", 0},
	}
	for _, tc := range cases {
		got, err := ParseSchedule(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.kind, got.Kind, tc.in)
		assert.Equal(t, tc.cron, got.Cron, tc.in)
		assert.Equal(t, tc.every, got.Every, tc.in)
	}

	for _, bad := range []string{"", "soon", "0s", "-5m", "00:00", "every:", "cron:", "12:75"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}

func TestIntervalSpreadDelaysOnlyFirstRun(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, spread := intervalWithSpread(time.Minute, now, "dispatch")
	require.GreaterOrEqual(t, spread, time.Duration(0))
	require.Less(t, spread, 30*time.Second)

	first := sched.Next(now)
	assert.Equal(t, now.Add(time.Minute+spread), first)
	assert.Equal(t, first.Add(time.Minute).Truncate(time.Second), sched.Next(first))

	_, spread = intervalWithSpread(10*time.Second, now, "tiny")
	assert.Less(t, spread, 10*time.Second)
}

type recordingEngine struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (r *recordingEngine) Enqueue(t engine.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
	return r.err
}

func (r *recordingEngine) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.tasks {
		out = append(out, t.Name)
	}
	return out
}

func noop(context.Context) error { return nil }

func TestRegisterReplaceAndRemove(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Timezone: "UTC"}, &recordingEngine{}, logx.Nop())
	require.NoError(t, s.AddInterval("dispatch", time.Minute, 0, engine.TaskOptions{}, noop))
	require.NoError(t, s.AddSchedule("metrics-sync", "300s", 0, engine.TaskOptions{}, noop))
	require.NoError(t, s.AddSchedule("nightly", "0 3 * * *", 0, engine.TaskOptions{}, noop))

	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.AddInterval("dispatch", 2*time.Minute, 0, engine.TaskOptions{}, noop))
	snap := s.Snapshot()
	require.True(t, snap.Running)
	assert.Equal(t, "UTC", snap.Timezone)
	require.Len(t, snap.Schedules, 3)
	byName := map[string]ScheduleInfo{}
	for _, si := range snap.Schedules {
		byName[si.Name] = si
		assert.False(t, si.Next.IsZero(), si.Name)
	}
	assert.Equal(t, "@every 2m0s", byName["dispatch"].Spec)

	assert.True(t, s.Remove("nightly"))
	assert.False(t, s.Remove("nightly"))
	assert.Len(t, s.Snapshot().Schedules, 2)
}

func TestAddRejectsBadInput(t *testing.T) {
	t.Parallel()

	s := New(Config{}, &recordingEngine{}, logx.Nop())
	assert.Error(t, s.AddCron("x", "not a cron", 0, engine.TaskOptions{}, noop))
	assert.Error(t, s.AddInterval("x", 0, 0, engine.TaskOptions{}, noop))
	assert.Error(t, s.AddInterval(" ", time.Second, 0, engine.TaskOptions{}, noop))
	assert.Error(t, s.AddInterval("x", time.Second, 0, engine.TaskOptions{}, nil))
}

func TestTriggerEnqueuesTask(t *testing.T) {
	t.Parallel()

	eng := &recordingEngine{}
	s := New(Config{}, eng, logx.Nop())
	require.NoError(t, s.AddInterval("requeue-stuck", time.Hour, 5*time.Second, engine.TaskOptions{RetryMax: 2}, noop))

	require.NoError(t, s.Trigger("requeue-stuck"))
	require.Len(t, eng.tasks, 1)
	assert.Equal(t, 5*time.Second, eng.tasks[0].Timeout)
	assert.Equal(t, 2, eng.tasks[0].Opt.RetryMax)

	assert.Error(t, s.Trigger("missing"))

	eng.err = errors.New("queue full")
	assert.Error(t, s.Trigger("requeue-stuck"))
}

func TestCronFiresIntoEngine(t *testing.T) {
	t.Parallel()

	eng := &recordingEngine{}
	s := New(Config{Enabled: true}, eng, logx.Nop())
	require.NoError(t, s.AddCron("tick", "* * * * * *", 0, engine.TaskOptions{}, noop))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return len(eng.names()) > 0 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "tick", eng.names()[0])
}

func TestDisabledSchedulerDoesNotStart(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: false}, &recordingEngine{}, logx.Nop())
	s.Start(context.Background())
	assert.False(t, s.Snapshot().Running)
}
