package eventbus

import (
	"testing"
	"time"
)

func TestPublishFiltersByPrefix(t *testing.T) {
	t.Parallel()

	b := New()
	ledger, unsubLedger := b.Subscribe(4, "ledger.")
	defer unsubLedger()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: LedgerState, Data: "x"})
	b.Publish(Event{Type: NotifySent})

	select {
	case e := <-ledger:
		if e.Type != LedgerState || e.Time.IsZero() {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("ledger subscriber got nothing")
	}
	select {
	case e := <-ledger:
		t.Fatalf("ledger subscriber should not see %q", e.Type)
	default:
	}
	if got := len(all); got != 2 {
		t.Fatalf("catch-all subscriber buffered %d events, want 2", got)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: LedgerResult})
	b.Publish(Event{Type: LedgerResult})
	b.Publish(Event{Type: LedgerResult})
	if got := b.Dropped(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: LedgerEntry})
}
