// Package looptest provides an in-process transport.Driver fixture
// shared by connection package tests (spec.md §8 scenarios S1-S6): a
// control channel backed by a byte queue, with hooks to answer, corrupt
// or fail writes (and no answer at all when Echo is unset) so tests can
// drive the Supervisor through timeout, send-error and resync paths
// without a real device. It has no interrupt endpoint.
package looptest

import (
	"sync"

	"imshost/transport"
)

// Driver is a loopback transport.Driver. Written bytes are not queued
// themselves: ReadControl drains a FIFO filled by InjectResponse and by
// Echo's answers to writes. A test can install Corrupt to
// mutate bytes before they are queued (simulating line noise) or
// SendErr to make WriteControl itself fail.
type Driver struct {
	mu     sync.Mutex
	open   bool
	queue  []byte
	notify chan struct{}

	// Corrupt, if set, transforms bytes before InjectResponse queues
	// them for ReadControl, simulating wire-level corruption.
	Corrupt func(data []byte) []byte

	// Echo, if set, is called with every successfully written frame;
	// its return value is queued for ReadControl exactly like
	// InjectResponse, simulating a device that answers every request.
	Echo func(data []byte) []byte

	// SendErr, if set, is returned by WriteControl instead of queuing
	// anything, simulating a transport-level send failure.
	SendErr error

	// FailOnCall, if nonzero, makes the FailOnCall'th WriteControl call
	// (1-based) return SendErr instead of succeeding, leaving earlier
	// and later calls unaffected.
	FailOnCall int
	callCount  int

	closed chan struct{}
}

// New returns an unopened loopback Driver.
func New() *Driver {
	return &Driver{notify: make(chan struct{}, 1), closed: make(chan struct{})}
}

func (d *Driver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		d.open = false
		close(d.closed)
	}
	return nil
}

// WriteControl accepts data, failing it (via SendErr) if FailOnCall
// names this call's 1-based index. On success, if Echo is set its
// result is queued for ReadControl, simulating a device that answers
// every request; otherwise a test drives ReadControl via
// InjectResponse instead.
func (d *Driver) WriteControl(data []byte) (int, error) {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return 0, transport.ErrNotOpen
	}
	d.callCount++
	shouldFail := d.SendErr != nil && (d.FailOnCall == 0 || d.callCount == d.FailOnCall)
	if shouldFail {
		err := d.SendErr
		d.mu.Unlock()
		return 0, err
	}
	echo := d.Echo
	d.mu.Unlock()

	if echo != nil {
		d.InjectResponse(echo(data))
	}
	return len(data), nil
}

// InjectResponse queues bytes (optionally mutated by Corrupt) as if the
// device had sent them, for ReadControl to deliver.
func (d *Driver) InjectResponse(data []byte) {
	if d.Corrupt != nil {
		data = d.Corrupt(data)
	}
	d.mu.Lock()
	d.queue = append(d.queue, data...)
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *Driver) ReadControl(buf []byte) (int, error) {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return 0, transport.ErrNotOpen
	}
	if len(d.queue) == 0 {
		d.mu.Unlock()
		return 0, nil
	}
	n := copy(buf, d.queue)
	d.queue = d.queue[n:]
	d.mu.Unlock()
	return n, nil
}

func (d *Driver) WriteBulk([]byte) (int, error) { return 0, transport.ErrNotSupported }
func (d *Driver) ReadBulk([]byte) (int, error)  { return 0, transport.ErrNotSupported }
func (d *Driver) ReadInterrupt() ([]byte, error) { return nil, transport.ErrNotSupported }
func (d *Driver) Enumerate() ([]transport.Descriptor, error) { return nil, transport.ErrNotSupported }
