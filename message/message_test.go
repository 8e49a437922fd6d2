package message

import (
	"testing"
	"time"

	"imshost/report"
)

func TestHandlesAreUnique(t *testing.T) {
	m1 := New(report.HostReport{})
	m2 := New(report.HostReport{})
	if m1.Handle() == m2.Handle() {
		t.Fatal("expected distinct handles")
	}
	if m1.Handle() <= 0 || m2.Handle() <= 0 {
		t.Fatal("expected positive handles")
	}
}

func TestIsCompleteOnlyForTerminalStatuses(t *testing.T) {
	m := New(report.HostReport{})
	if m.IsComplete() {
		t.Fatal("a fresh Message must not be complete")
	}
	m.MarkSent()
	if m.IsComplete() {
		t.Fatal("SENT must not be complete")
	}
	m.Fail(StatusTimeoutOnSend)
	if !m.IsComplete() {
		t.Fatal("TIMEOUT_ON_SEND must be complete")
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	m := New(report.HostReport{})
	m.MarkSent()
	if !m.Fail(StatusSendError) {
		t.Fatal("expected first terminal transition to report true")
	}
	if m.Fail(StatusTimeoutOnSend) {
		t.Fatal("a second terminal transition must be rejected")
	}
	if m.Status() != StatusSendError {
		t.Fatalf("status regressed to %v", m.Status())
	}
}

func TestReceivedAtSetExactlyOnce(t *testing.T) {
	m := New(report.HostReport{})
	m.MarkSent()
	if !m.ReceivedAt().IsZero() {
		t.Fatal("ReceivedAt must be zero before any terminal transition")
	}
	m.Fail(StatusSendError)
	first := m.ReceivedAt()
	if first.IsZero() {
		t.Fatal("ReceivedAt must be set after a terminal transition")
	}
	time.Sleep(time.Millisecond)
	m.Fail(StatusTimeoutOnSend)
	if m.ReceivedAt() != first {
		t.Fatal("ReceivedAt must not change on a rejected transition")
	}
}

func TestFeedByteDrivesRxOK(t *testing.T) {
	m := New(report.HostReport{Action: report.ActionRegisterRead, Direction: report.DirectionRead, Address: 1})
	m.MarkSent()

	codec := report.Codec{}
	frame, err := codec.Encode(report.HostReport{Action: report.ActionRegisterRead, Direction: report.DirectionRead, Address: 1, Length: 2, Payload: []byte{9, 9}})
	if err != nil {
		t.Fatal(err)
	}

	var terminal bool
	for _, b := range frame {
		done, _, _ := m.FeedByte(b)
		if done {
			terminal = true
		}
	}
	if !terminal {
		t.Fatal("expected a terminal transition once the frame is fully fed")
	}
	if m.Status() != StatusRxOK {
		t.Fatalf("status = %v, want RX_OK", m.Status())
	}
	select {
	case <-m.CompletionChan():
	default:
		t.Fatal("CompletionChan should be closed")
	}
}

func TestWaitForCompletionUnblocksOnTerminal(t *testing.T) {
	m := New(report.HostReport{})
	m.MarkSent()

	resultCh := make(chan report.DeviceReport, 1)
	go func() {
		resultCh <- m.WaitForCompletion(make(chan struct{}))
	}()

	m.Fail(StatusTimeoutOnSend)

	select {
	case <-resultCh:
	case <-time.After(time.Second):
		t.Fatal("WaitForCompletion did not unblock on terminal status")
	}
}
