package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeTypesFilters(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	tasks, unsubTasks := b.SubscribeTypes(4, TypeTaskPrefix, TypeSyncCycle)
	defer unsubTasks()

	b.Publish(Event{Type: "task.completed"})
	b.Publish(Event{Type: TypeDeliveryOutcome})
	b.Publish(Event{Type: TypeSyncCycle})

	if got := len(all); got != 3 {
		t.Fatalf("all subscriber got %d events", got)
	}
	if got := len(tasks); got != 2 {
		t.Fatalf("filtered subscriber got %d events", got)
	}
	e := <-tasks
	if e.Type != "task.completed" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if b.Dropped() != 9 {
		t.Fatalf("dropped=%d", b.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}
