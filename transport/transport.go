// Package transport defines the Driver abstraction the Connection Core
// drives: an opaque, possibly-enumerable physical link that moves raw
// control bytes and, for transports that offer it, bulk block-memory
// traffic and an out-of-band interrupt stream. It makes no assumption
// about framing; that is report.Codec's job.
package transport

import (
	"errors"
	"io"
)

// ErrNotSupported is returned by a Driver's optional bulk/interrupt
// methods when the underlying transport has no such channel (for
// example, an RS-422 link has no interrupt endpoint).
var ErrNotSupported = errors.New("transport: operation not supported by this driver")

// ErrNotOpen is returned when an operation is attempted before Open or
// after Close.
var ErrNotOpen = errors.New("transport: driver is not open")

// Descriptor identifies one discoverable device instance. Enumerate
// returns a slice of these; the fields it populates depend on the
// transport (a serial Descriptor carries Device, a USB one would carry
// VendorID/ProductID/SerialNumber).
type Descriptor struct {
	Device       string
	VendorID     uint16
	ProductID    uint16
	SerialNumber string
}

// Driver is the minimum a physical link must offer: open/close and a
// control read/write pair carrying framed HostReport/DeviceReport
// bytes. WriteBulk/ReadBulk/ReadInterrupt/Enumerate are optional; a
// Driver that does not support them returns ErrNotSupported.
type Driver interface {
	// Open establishes the link. It is an error to call Open twice
	// without an intervening Close.
	Open() error

	// Close tears the link down. Close on an already-closed Driver is a
	// no-op.
	Close() error

	// WriteControl writes framed request bytes to the control channel.
	WriteControl(data []byte) (int, error)

	// ReadControl reads whatever framed response bytes are currently
	// available on the control channel into buf. It returns ErrNotOpen
	// before Open and once the Driver has been closed.
	ReadControl(buf []byte) (int, error)

	// WriteBulk writes data to the bulk (block-memory) channel, for
	// transports that segregate fast-transfer traffic from control
	// traffic (a USB-style bulk endpoint). Returns ErrNotSupported
	// otherwise.
	WriteBulk(data []byte) (int, error)

	// ReadBulk is WriteBulk's counterpart for bulk reads.
	ReadBulk(buf []byte) (int, error)

	// ReadInterrupt blocks until an out-of-band interrupt report is
	// available and returns its raw bytes. Returns ErrNotSupported on
	// transports with no interrupt endpoint.
	ReadInterrupt() ([]byte, error)

	// Enumerate lists discoverable device instances without opening
	// them. Returns ErrNotSupported on transports that cannot enumerate
	// (e.g. a fixed serial device path handed in by the caller).
	Enumerate() ([]Descriptor, error)
}

// Policy carries the transport-dependent timeout defaults
// ("send_timeout differs for USB vs RS-422"). Individual drivers may
// expose their own Policy() accessor to advertise what they recommend;
// connection.Core does not read it and takes its timeouts from
// connection.Config.
type Policy struct {
	// SendTimeoutMillis bounds how long WriteControl may take before the
	// caller gives up and marks the message TIMEOUT_ON_SEND.
	SendTimeoutMillis int

	// DiscoverTimeoutMillis bounds Enumerate.
	DiscoverTimeoutMillis int
}

// BulkCapable is implemented by drivers whose WriteBulk/ReadBulk are a
// real channel rather than an ErrNotSupported stub, so the
// Fast-Transfer Planner can pick the legacy raw-bulk path only on
// transports that actually offer one.
type BulkCapable interface {
	SupportsBulk() bool
}

// controlAdapter adapts a Driver's WriteControl/ReadControl/Close to
// io.ReadWriteCloser.
type controlAdapter struct {
	d Driver
}

// AsReadWriteCloser exposes d's control channel as an io.ReadWriteCloser,
// for the Sender/Receiver's byte-stream read and write loops.
func AsReadWriteCloser(d Driver) io.ReadWriteCloser {
	return &controlAdapter{d: d}
}

func (c *controlAdapter) Write(p []byte) (int, error) { return c.d.WriteControl(p) }
func (c *controlAdapter) Read(p []byte) (int, error)  { return c.d.ReadControl(p) }
func (c *controlAdapter) Close() error                { return c.d.Close() }
