// Package usbbulk implements transport.Driver's bulk-capable shape for
// the legacy CYUSB-style path spec.md §4.1/§4.6 describes: a control
// pipe for framed reports plus separate bulk IN/OUT endpoints for raw
// block-memory traffic, driven directly by the Fast-Transfer Planner
// rather than through report framing.
//
// No pack example ships a pure-Go USB host-bulk binding with a
// fetchable, build-tag-free module, so this Driver is a loopback: it
// stands in for a real device over two in-process pipes, giving the
// Planner's legacy bulk path something concrete to exercise and test
// against. Swapping in a real libusb/WinUSB binding means replacing
// this file's Open/transfer internals; the transport.Driver contract
// stays the same.
package usbbulk

import (
	"fmt"
	"io"
	"sync"

	"imshost/transport"
)

// Driver is an in-process loopback standing in for a CYUSB-style bulk
// device: writes to the bulk OUT pipe are delivered to the bulk IN
// pipe, and writes to the control pipe are answered only through a
// caller-supplied Respond hook that simulates device-side processing.
type Driver struct {
	// Respond, if set, is invoked with bytes written to the control
	// pipe and returns what the device would send back. A nil Respond
	// echoes nothing on the control channel (only bulk loops back).
	Respond func(req []byte) []byte

	mu     sync.Mutex
	open   bool
	ctrlIn chan []byte
	bulkIn chan []byte
	interr chan []byte
}

// New returns an unopened loopback Driver.
func New() *Driver {
	return &Driver{
		ctrlIn: make(chan []byte, 64),
		bulkIn: make(chan []byte, 64),
		interr: make(chan []byte, 16),
	}
}

func (d *Driver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return fmt.Errorf("usbbulk: already open")
	}
	d.open = true
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil
	}
	d.open = false
	return nil
}

func (d *Driver) isOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *Driver) WriteControl(data []byte) (int, error) {
	if !d.isOpen() {
		return 0, transport.ErrNotOpen
	}
	if d.Respond != nil {
		resp := d.Respond(append([]byte(nil), data...))
		if resp != nil {
			d.ctrlIn <- resp
		}
	}
	return len(data), nil
}

func (d *Driver) ReadControl(buf []byte) (int, error) {
	if !d.isOpen() {
		return 0, transport.ErrNotOpen
	}
	select {
	case chunk := <-d.ctrlIn:
		return copy(buf, chunk), nil
	default:
		return 0, nil
	}
}

// WriteBulk loops the bytes written on the OUT pipe back onto the IN
// pipe, simulating the device echoing a block back (used by tests
// exercising the legacy raw bulk path). A real binding would issue a
// USB bulk OUT transfer instead.
func (d *Driver) WriteBulk(data []byte) (int, error) {
	if !d.isOpen() {
		return 0, transport.ErrNotOpen
	}
	cp := append([]byte(nil), data...)
	select {
	case d.bulkIn <- cp:
	default:
		return 0, fmt.Errorf("usbbulk: bulk IN queue full")
	}
	return len(data), nil
}

func (d *Driver) ReadBulk(buf []byte) (int, error) {
	if !d.isOpen() {
		return 0, transport.ErrNotOpen
	}
	chunk, ok := <-d.bulkIn
	if !ok {
		return 0, io.EOF
	}
	return copy(buf, chunk), nil
}

func (d *Driver) ReadInterrupt() ([]byte, error) {
	if !d.isOpen() {
		return nil, transport.ErrNotOpen
	}
	chunk, ok := <-d.interr
	if !ok {
		return nil, io.EOF
	}
	return chunk, nil
}

// PushInterrupt lets test code or a future real binding enqueue an
// out-of-band interrupt report for ReadInterrupt to deliver.
func (d *Driver) PushInterrupt(data []byte) {
	d.interr <- data
}

// SupportsBulk reports true: unlike transport/serial, this driver's
// WriteBulk/ReadBulk are real, so the Fast-Transfer Planner may use
// the legacy raw-bulk path against it.
func (d *Driver) SupportsBulk() bool { return true }

func (d *Driver) Enumerate() ([]transport.Descriptor, error) {
	return []transport.Descriptor{{VendorID: 0x04b4, ProductID: 0x8613}}, nil
}
