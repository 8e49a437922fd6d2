package message

import (
	"testing"
	"time"

	"imshost/report"
)

func TestRegistryInsertLookupRemove(t *testing.T) {
	r := NewRegistry()
	m := New(report.HostReport{})
	r.Insert(m)

	if got := r.Lookup(m.Handle()); got != m {
		t.Fatal("Lookup did not return the inserted message")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}

	r.Remove(m.Handle())
	if got := r.Lookup(m.Handle()); got != nil {
		t.Fatal("message should be gone after Remove")
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry()
	r.Insert(New(report.HostReport{}))
	r.Insert(New(report.HostReport{}))
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("Len() = %d after Clear, want 0", r.Len())
	}
}

func TestRegistryRangeSnapshot(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 5; i++ {
		r.Insert(New(report.HostReport{}))
	}
	count := 0
	r.Range(func(m *Message) { count++ })
	if count != 5 {
		t.Fatalf("Range visited %d messages, want 5", count)
	}
}

func TestRegistryCountInFlight(t *testing.T) {
	r := NewRegistry()
	m1 := New(report.HostReport{})
	m2 := New(report.HostReport{})
	r.Insert(m1)
	r.Insert(m2)
	m1.MarkSent()
	m1.Fail(StatusTimeoutOnSend)
	m2.MarkSent()

	if n := r.CountInFlight([]Handle{m1.Handle(), m2.Handle()}); n != 1 {
		t.Fatalf("CountInFlight = %d, want 1", n)
	}
}

func TestRegistryWaitWokenByBroadcast(t *testing.T) {
	r := NewRegistry()
	woke := make(chan struct{})
	go func() {
		r.Wait(make(chan struct{}))
		close(woke)
	}()

	time.Sleep(10 * time.Millisecond)
	r.Broadcast()

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Broadcast")
	}
}

func TestRegistryWaitUnblockedByStop(t *testing.T) {
	r := NewRegistry()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		r.Wait(stop)
		close(done)
	}()

	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after stop was closed")
	}
}
