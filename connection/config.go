package connection

import "time"

// Config holds the per-connection timeout knobs spec.md §6 names and
// the worker poll interval; the transfer policy is set separately with
// WithTransferPolicy. It is a flat, tag-free
// struct on purpose: no config file format is introduced, since
// nothing upstream names one.
type Config struct {
	// SendTimeout bounds how long the Sender may take to write a
	// request before the Message is marked TIMEOUT_ON_SEND.
	SendTimeout time.Duration

	// RxTimeout bounds how long a SENT/RX_PARTIAL Message may sit
	// without completing before the supervisor marks it
	// TIMEOUT_ON_RXCV.
	RxTimeout time.Duration

	// AutoFreeTimeout is how long a terminal Message stays in the
	// registry after completion before the supervisor evicts it, and
	// the bound Disconnect spin-waits for in-flight messages to drain.
	AutoFreeTimeout time.Duration

	// DiscoverTimeout is the discovery time budget. The Core never calls
	// Driver.Enumerate and does not apply this value itself.
	DiscoverTimeout time.Duration

	// PollInterval is how often the Receiver/supervisor wake to check
	// the shutdown flag and sweep for timeouts, independent of data
	// arrival. spec.md §5 targets 10-100ms.
	PollInterval time.Duration
}

// DefaultSerialConfig returns the defaults spec.md §6 gives for RS-422:
// send_timeout 1000ms, rx_timeout 10000ms.
func DefaultSerialConfig() Config {
	return Config{
		SendTimeout:     1000 * time.Millisecond,
		RxTimeout:       10000 * time.Millisecond,
		AutoFreeTimeout: 30000 * time.Millisecond,
		DiscoverTimeout: 2500 * time.Millisecond,
		PollInterval:    50 * time.Millisecond,
	}
}

// DefaultUSBConfig returns the defaults spec.md §6 gives for USB-bulk:
// send_timeout 500ms, rx_timeout 5000ms.
func DefaultUSBConfig() Config {
	cfg := DefaultSerialConfig()
	cfg.SendTimeout = 500 * time.Millisecond
	cfg.RxTimeout = 5000 * time.Millisecond
	return cfg
}
