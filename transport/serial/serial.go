// Package serial implements transport.Driver over an RS-422 link using
// github.com/tarm/serial, the control-only transport spec.md's §6
// timeout table names (send_timeout 1000ms, rx_timeout 5000-10000ms).
// RS-422 has no bulk endpoint or interrupt line, so WriteBulk/ReadBulk/
// ReadInterrupt return transport.ErrNotSupported and fast transfers run
// as chunked control-path requests (transfer.Planner's Download/Upload),
// not the legacy raw-bulk path.
package serial

import (
	"fmt"
	"sync"
	"time"

	"github.com/tarm/serial"

	"imshost/transport"
)

// Config holds the parameters needed to open an RS-422 port.
type Config struct {
	// Device path (e.g. "/dev/ttyUSB0", "COM3").
	Device string

	// Baud is the line rate. RS-422 boards in the field commonly run at
	// 115200 or 230400; there is no single correct default, so callers
	// are expected to supply it.
	Baud int

	// ReadTimeoutMillis bounds how long a single Read blocks with no
	// data (0 = block indefinitely, matching tarm/serial's default).
	ReadTimeoutMillis int
}

// DefaultConfig returns a Config for device with a conservative 230400
// baud and a 100ms read timeout, matching the poll granularity the
// Receiver's read loop expects.
func DefaultConfig(device string) *Config {
	return &Config{
		Device:            device,
		Baud:              230400,
		ReadTimeoutMillis: 100,
	}
}

// Driver implements transport.Driver over a single RS-422 port.
type Driver struct {
	cfg  *Config
	mu   sync.Mutex
	port *serial.Port
}

// New returns a Driver for cfg. Open must be called before use.
func New(cfg *Config) *Driver {
	return &Driver{cfg: cfg}
}

// Policy reports this driver's recommended timeout defaults.
func (d *Driver) Policy() transport.Policy {
	return transport.Policy{SendTimeoutMillis: 1000, DiscoverTimeoutMillis: 2500}
}

func (d *Driver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port != nil {
		return fmt.Errorf("serial: %s already open", d.cfg.Device)
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        d.cfg.Device,
		Baud:        d.cfg.Baud,
		ReadTimeout: time.Duration(d.cfg.ReadTimeoutMillis) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("serial: open %s: %w", d.cfg.Device, err)
	}
	d.port = port
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}

func (d *Driver) WriteControl(data []byte) (int, error) {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return 0, transport.ErrNotOpen
	}
	return port.Write(data)
}

func (d *Driver) ReadControl(buf []byte) (int, error) {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return 0, transport.ErrNotOpen
	}
	return port.Read(buf)
}

func (d *Driver) WriteBulk([]byte) (int, error)      { return 0, transport.ErrNotSupported }
func (d *Driver) ReadBulk([]byte) (int, error)        { return 0, transport.ErrNotSupported }
func (d *Driver) ReadInterrupt() ([]byte, error)      { return nil, transport.ErrNotSupported }

// Enumerate cannot discover RS-422 ports; the caller must know the
// device path (no OS-independent serial bus enumeration is wired into
// this driver).
func (d *Driver) Enumerate() ([]transport.Descriptor, error) {
	return nil, transport.ErrNotSupported
}
