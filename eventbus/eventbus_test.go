package eventbus

import (
	"sync"
	"testing"
)

func TestTriggerInvokesSubscribers(t *testing.T) {
	b := NewBus()
	var got []any
	var mu sync.Mutex
	b.Subscribe(ResponseReceived, func(p1, p2 any) {
		mu.Lock()
		got = append(got, p1)
		mu.Unlock()
	})

	b.Trigger(ResponseReceived, 42)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != 42 {
		t.Fatalf("got %v, want [42]", got)
	}
}

func TestDoubleSubscribeSingleUnsubscribeLeavesOne(t *testing.T) {
	b := NewBus()
	calls := 0
	var mu sync.Mutex
	handler := func(p1, p2 any) {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	b.Subscribe(SendError, handler)
	second := b.Subscribe(SendError, handler)
	b.Unsubscribe(second)

	b.Trigger(SendError, nil)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 after subscribing twice and unsubscribing once", calls)
	}
}

func TestHandlerMaySubscribeDifferentKind(t *testing.T) {
	b := NewBus()
	fired := make(chan struct{}, 1)

	b.Subscribe(SendError, func(p1, p2 any) {
		b.Subscribe(TimedOutOnSend, func(p1, p2 any) {
			fired <- struct{}{}
		})
	})

	b.Trigger(SendError, nil)
	b.Trigger(TimedOutOnSend, nil)

	select {
	case <-fired:
	default:
		t.Fatal("expected the nested subscription to have fired")
	}
}

func TestUnknownKindString(t *testing.T) {
	if got := Kind(999).String(); got != "UNKNOWN" {
		t.Fatalf("Kind(999).String() = %q, want UNKNOWN", got)
	}
}
