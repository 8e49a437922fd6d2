// Package message implements the Message state machine and the
// concurrent Registry that the Connection Core uses to correlate
// device responses with outstanding requests by handle.
package message

import (
	"sync"
	"sync/atomic"
	"time"

	"imshost/report"
)

// Handle identifies one outstanding Message. It is process-local,
// positive and unique only among currently-live messages: the counter
// is permitted to wrap (spec.md Design Notes, "global message-ID
// counter").
type Handle int64

// NullMessage is returned by SendMsg when no message could be created.
const NullMessage Handle = -1

var handleCounter int64

// nextHandle returns a fresh, positive handle.
func nextHandle() Handle {
	for {
		h := atomic.AddInt64(&handleCounter, 1)
		if h > 0 {
			return Handle(h)
		}
		// Wrapped past int64 positive range; reset and retry. In
		// practice this never happens inside a process lifetime.
		atomic.StoreInt64(&handleCounter, 0)
	}
}

// Status is the Message lifecycle state (spec.md §4.3). Status only
// ever advances in the directions enumerated there; it never regresses.
type Status int

const (
	StatusUnsent Status = iota
	StatusSent
	StatusSendError
	StatusTimeoutOnSend
	StatusRxPartial
	StatusRxOK
	StatusTimeoutOnRxcv
	StatusRxErrorValid
	StatusRxErrorInvalid
	StatusInterrupt
	StatusProcessedInterrupt
)

// String names a Status for logging and error messages.
func (s Status) String() string {
	switch s {
	case StatusUnsent:
		return "UNSENT"
	case StatusSent:
		return "SENT"
	case StatusSendError:
		return "SEND_ERROR"
	case StatusTimeoutOnSend:
		return "TIMEOUT_ON_SEND"
	case StatusRxPartial:
		return "RX_PARTIAL"
	case StatusRxOK:
		return "RX_OK"
	case StatusTimeoutOnRxcv:
		return "TIMEOUT_ON_RXCV"
	case StatusRxErrorValid:
		return "RX_ERROR_VALID"
	case StatusRxErrorInvalid:
		return "RX_ERROR_INVALID"
	case StatusInterrupt:
		return "INTERRUPT"
	case StatusProcessedInterrupt:
		return "PROCESSED_INTERRUPT"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s is one of the terminal statuses
// (spec.md: isComplete() ⇔ status ∉ {UNSENT, SENT, RX_PARTIAL, INTERRUPT}).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusUnsent, StatusSent, StatusRxPartial, StatusInterrupt:
		return false
	default:
		return true
	}
}

// Message owns a HostReport and its in-progress/completed DeviceReport,
// a handle, a status, timestamps and (for transports that segregate
// bytes per message) a private unparsed-byte buffer.
type Message struct {
	mu sync.Mutex

	handle   Handle
	request  report.HostReport
	response report.DeviceReport
	status   Status
	sentAt   time.Time
	recvAt   time.Time

	parser      *report.Parser
	unparsedBuf []byte

	done chan struct{}
}

// New creates a Message for req. It is not yet inserted into any
// Registry and has not been sent.
func New(req report.HostReport) *Message {
	return &Message{
		handle:  nextHandle(),
		request: req,
		status:  StatusUnsent,
		parser:  report.NewParser(),
		done:    make(chan struct{}),
	}
}

// Handle returns the message's immutable handle.
func (m *Message) Handle() Handle { return m.handle }

// Request returns the HostReport this Message was created for.
func (m *Message) Request() report.HostReport { return m.request }

// Status returns the current status.
func (m *Message) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsComplete reports whether the message has reached a terminal status.
func (m *Message) IsComplete() bool {
	return m.Status().IsTerminal()
}

// setStatus transitions to s, enforcing the never-regress and
// set-received-at-once invariants. It returns true if this call made
// the transition that first reached a terminal status (i.e. the caller
// should close m.done and fire exactly one event).
func (m *Message) setStatus(s Status) (firstTerminal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status.IsTerminal() {
		// Never regress out of a terminal status.
		return false
	}
	m.status = s
	if s.IsTerminal() {
		m.recvAt = time.Now()
		return true
	}
	return false
}

// MarkSent transitions UNSENT->SENT and records sentAt.
func (m *Message) MarkSent() {
	m.mu.Lock()
	m.sentAt = time.Now()
	if !m.status.IsTerminal() {
		m.status = StatusSent
	}
	m.mu.Unlock()
}

// Fail transitions to a terminal status as a result of a transport- or
// supervisor-level failure (SEND_ERROR, TIMEOUT_ON_SEND,
// TIMEOUT_ON_RXCV) and signals WaitForCompletion. It returns whether
// this call was the one that made the transition.
func (m *Message) Fail(s Status) bool {
	if first := m.setStatus(s); first {
		close(m.done)
		return true
	}
	return false
}

// SentAt returns the time MarkSent was called, the zero Time if unsent.
func (m *Message) SentAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentAt
}

// ReceivedAt returns the time the message first reached a terminal
// status, the zero Time if still in flight.
func (m *Message) ReceivedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recvAt
}

// AddBuffer commits a range of bytes that a transport has determined
// belong uniquely to this message, for transports that deliver
// per-message byte ranges rather than a shared stream.
func (m *Message) AddBuffer(buf []byte) {
	m.mu.Lock()
	m.unparsedBuf = append(m.unparsedBuf, buf...)
	m.mu.Unlock()
}

// HasData reports whether there is a private unparsed buffer to drain.
func (m *Message) HasData() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.unparsedBuf) > 0
}

// TakePrivateBuffer removes and returns the private unparsed buffer, for
// transports that deliver per-message byte ranges. The Parser/
// Supervisor drains this before consuming the shared rx stream.
func (m *Message) TakePrivateBuffer() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.unparsedBuf) == 0 {
		return nil
	}
	b := m.unparsedBuf
	m.unparsedBuf = nil
	return b
}

// FeedByte feeds one byte to the message's embedded Parser. It is the
// Connection Core Parser/Supervisor's entry point for advancing a
// Message from SENT/RX_PARTIAL towards a terminal RX_* status. The
// caller is responsible for firing events and removing the message
// from any registry after a terminal transition; FeedByte only updates
// Message-local state.
//
// unexpectedChar reports whether this byte was rejected by the parser
// while idle (spec.md §4.2): the parser stays in IDLE and the message
// stays in flight, so a subsequent valid frame still drives it to
// RX_OK, but the caller (the Supervisor) still needs to know about the
// stray byte to fire UNEXPECTED_RX_CHAR.
func (m *Message) FeedByte(b byte) (terminal bool, newStatus Status, unexpectedChar bool) {
	m.mu.Lock()
	if m.status == StatusSent {
		m.status = StatusRxPartial
	}
	parser := m.parser
	m.mu.Unlock()

	event := parser.Step(b)
	if !event {
		return false, StatusRxPartial, false
	}
	if !parser.Done() {
		// A notable event (unexpected byte) without a completed frame;
		// the parser remains ready for the frame that follows.
		return false, StatusRxPartial, true
	}

	resp := parser.Report
	var s Status
	switch {
	case resp.RxCRCError || resp.UnexpectedChar:
		s = StatusRxErrorInvalid
	case resp.TxCRCError || resp.TxTimeout || resp.GeneralError:
		s = StatusRxErrorValid
	case resp.Done:
		s = StatusRxOK
	default:
		s = StatusRxErrorInvalid
	}

	m.mu.Lock()
	m.response = resp
	m.mu.Unlock()

	first := m.setStatus(s)
	if first {
		close(m.done)
	}
	return first, s, false
}

// Response returns a snapshot of whatever the parser has accumulated so
// far (a zero-value DeviceReport if nothing has arrived yet).
func (m *Message) Response() report.DeviceReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.response
}

// WaitForCompletion blocks until the message reaches a terminal status
// or done is closed, whichever comes first.
func (m *Message) WaitForCompletion(done <-chan struct{}) report.DeviceReport {
	select {
	case <-m.done:
	case <-done:
	}
	return m.Response()
}

// CompletionChan exposes the channel closed on first terminal
// transition, for callers (e.g. the Fast-Transfer Planner) that need to
// select across many messages' completion at once.
func (m *Message) CompletionChan() <-chan struct{} {
	return m.done
}

// markInterrupt synthesises this message as an INTERRUPT report
// delivered by the Interrupt goroutine rather than a normal request.
func (m *Message) markInterrupt() {
	m.mu.Lock()
	m.status = StatusInterrupt
	m.mu.Unlock()
}

// NewInterrupt creates a Message in the INTERRUPT state carrying buf as
// its private unparsed buffer, ready for the Parser to drive to
// PROCESSED_INTERRUPT.
func NewInterrupt(buf []byte) *Message {
	m := &Message{
		handle: nextHandle(),
		parser: report.NewParser(),
		done:   make(chan struct{}),
	}
	m.markInterrupt()
	m.AddBuffer(buf)
	return m
}

// FeedInterruptByte advances an INTERRUPT message's parser; on
// completion it transitions to PROCESSED_INTERRUPT instead of the
// ordinary RX_* statuses.
func (m *Message) FeedInterruptByte(b byte) (terminal bool) {
	if !m.parser.Step(b) || !m.parser.Done() {
		// No event, or a stray byte rejected while idle.
		return false
	}
	m.mu.Lock()
	m.response = m.parser.Report
	m.mu.Unlock()
	first := m.setStatus(StatusProcessedInterrupt)
	if first {
		close(m.done)
	}
	return first
}
