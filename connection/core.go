// Package connection implements the Connection Core: the orchestrator
// that owns a transport.Driver, a report.Codec, a message.Registry and
// an eventbus.Bus, and drives five long-lived worker goroutines
// (Sender, Receiver, Parser/Supervisor, MemoryTransfer, Interrupt) that
// together turn SendMsg calls into framed wire traffic and device
// responses back into terminal Message statuses and events.
package connection

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"imshost/eventbus"
	"imshost/ims"
	"imshost/message"
	"imshost/report"
	"imshost/transfer"
	"imshost/transport"
)

// Core is the Connection Core orchestrator. The zero value is not
// usable; construct one with New.
type Core struct {
	driver transport.Driver
	rwc    io.ReadWriteCloser // driver's control channel, adapted for the Sender/Receiver's byte-stream use
	codec  report.Codec
	cfg    Config
	logger zerolog.Logger

	registry *message.Registry
	bus      *eventbus.Bus
	planner  *transfer.Planner

	isOpen int32 // atomic bool

	txQueue  chan *message.Message
	rxMu     sync.Mutex
	rxQueue  report.ByteQueue
	rxSignal chan struct{}

	transferJobs chan transferJob

	pendingMu sync.Mutex
	pending   []*message.Message // FIFO of SENT/RX_PARTIAL control-path messages, oldest first

	padSkip int // Pad32 trailing zero bytes still owed before the next frame; supervisor goroutine only

	stopCh chan struct{}
	group  *errgroup.Group
}

// Option configures a Core at construction time.
type Option func(*Core)

// WithLogger attaches a zerolog.Logger; the default is zerolog.Nop(),
// so the Core is silent unless a caller opts in.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Core) { c.logger = l }
}

// WithCodec overrides the default (unpadded) Codec, e.g. to turn on
// Pad32 for a 32-bit-aligned transport.
func WithCodec(codec report.Codec) Option {
	return func(c *Core) { c.codec = codec }
}

// WithTransferPolicy overrides transfer.DefaultPolicy.
func WithTransferPolicy(p transfer.Policy) Option {
	return func(c *Core) { c.planner = transfer.NewPlanner(p) }
}

// New returns an idle Core bound to driver. Open/Connect must be
// called before SendMsg becomes usable.
func New(driver transport.Driver, cfg Config, opts ...Option) *Core {
	c := &Core{
		driver:   driver,
		rwc:      transport.AsReadWriteCloser(driver),
		cfg:      cfg,
		logger:   zerolog.Nop(),
		registry: message.NewRegistry(),
		bus:      eventbus.NewBus(),
		planner:  transfer.NewPlanner(transfer.DefaultPolicy),
		txQueue:      make(chan *message.Message, 256),
		rxSignal:     make(chan struct{}, 1),
		transferJobs: make(chan transferJob, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open establishes the transport link without starting the worker
// goroutines. Connect does both; Open exists for callers that want to
// probe the link (e.g. Enumerate) before committing to a session.
func (c *Core) Open() bool {
	if err := c.driver.Open(); err != nil {
		c.logger.Error().Err(err).Msg("transport open failed")
		return false
	}
	return true
}

// Connect opens the transport if not already open and starts the five
// worker goroutines. Calling Connect on an already-connected Core is a
// no-op that returns true.
func (c *Core) Connect() bool {
	if atomic.LoadInt32(&c.isOpen) == 1 {
		return true
	}
	if err := c.driver.Open(); err != nil {
		c.logger.Error().Err(err).Msg("transport open failed")
		return false
	}

	c.stopCh = make(chan struct{})
	g := &errgroup.Group{}
	c.group = g
	atomic.StoreInt32(&c.isOpen, 1)

	g.Go(func() error { c.sender(); return nil })
	g.Go(func() error { c.receiver(); return nil })
	g.Go(func() error { c.supervisor(); return nil })
	g.Go(func() error { c.memoryTransfer(); return nil })
	g.Go(func() error { c.interruptReceiver(); return nil })

	c.logger.Debug().Msg("connected")
	return true
}

// isConnected reports whether the Core currently accepts SendMsg
// calls.
func (c *Core) isConnected() bool {
	return atomic.LoadInt32(&c.isOpen) == 1
}

// Disconnect stops accepting new SendMsg calls, writes an interrupts
// disable report, drains the send queue, spin-waits (bounded by
// AutoFreeTimeout) for outstanding messages to reach a terminal
// status, joins the worker goroutines and closes the transport.
func (c *Core) Disconnect() {
	if !atomic.CompareAndSwapInt32(&c.isOpen, 1, 0) {
		return
	}

	disableReq := report.HostReport{Action: report.ActionInterruptsDisable, Direction: report.DirectionWrite}
	h := c.SendMsg(disableReq)
	if h != message.NullMessage {
		if m := c.registry.Lookup(h); m != nil {
			m.WaitForCompletion(afterChan(c.cfg.SendTimeout))
		}
	}

	deadline := time.Now().Add(c.cfg.AutoFreeTimeout)
	for time.Now().Before(deadline) {
		remaining := 0
		c.registry.Range(func(m *message.Message) {
			if !m.IsComplete() {
				remaining++
			}
		})
		if remaining == 0 {
			break
		}
		time.Sleep(c.cfg.PollInterval)
	}

	close(c.stopCh)
	_ = c.group.Wait()

	if err := c.driver.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("transport close failed")
	}
	c.registry.Clear()
	c.logger.Debug().Msg("disconnected")
}

// SendMsg enqueues req and returns its handle immediately, or
// message.NullMessage if the connection is not open. The Message is
// inserted into the registry before this call returns, so it is always
// findable by the time the Sender could possibly write it to the wire.
func (c *Core) SendMsg(req report.HostReport) message.Handle {
	if !c.isConnected() {
		c.bus.Trigger(eventbus.DeviceNotAvailable, nil)
		return message.NullMessage
	}
	m := message.New(req)
	c.registry.Insert(m)

	select {
	case c.txQueue <- m:
	default:
		// Queue momentarily full; still enqueue, accepting a brief
		// block rather than dropping a request the caller was told
		// succeeded.
		c.txQueue <- m
	}
	return m.Handle()
}

// SendMsgBlocking posts req via SendMsg, then waits for the Message to
// reach a terminal status and returns its response. If the connection
// is not open the returned DeviceReport has Done=false.
func (c *Core) SendMsgBlocking(req report.HostReport) report.DeviceReport {
	h := c.SendMsg(req)
	if h == message.NullMessage {
		return report.DeviceReport{}
	}
	m := c.registry.Lookup(h)
	if m == nil {
		return report.DeviceReport{}
	}
	return m.WaitForCompletion(c.stopCh)
}

// Response returns a snapshot of whatever the parser has accumulated
// for handle so far, or an empty DeviceReport if the handle is
// unknown.
func (c *Core) Response(h message.Handle) report.DeviceReport {
	m := c.registry.Lookup(h)
	if m == nil {
		return report.DeviceReport{}
	}
	return m.Response()
}

// MessageEventSubscribe registers handler for kind.
func (c *Core) MessageEventSubscribe(kind eventbus.Kind, handler eventbus.Handler) *eventbus.Subscription {
	return c.bus.Subscribe(kind, handler)
}

// MessageEventUnsubscribe removes a registration returned by
// MessageEventSubscribe.
func (c *Core) MessageEventUnsubscribe(sub *eventbus.Subscription) {
	c.bus.Unsubscribe(sub)
}

// afterChan returns a channel closed after d elapses, for callers that
// need a <-chan struct{} deadline (WaitForCompletion's shape) rather
// than time.After's <-chan Time.
func afterChan(d time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	time.AfterFunc(d, func() { close(ch) })
	return ch
}

// writeRx appends data to the shared rx queue under its own mutex; the
// ByteQueue itself is not safe for concurrent use.
func (c *Core) writeRx(data []byte) {
	c.rxMu.Lock()
	c.rxQueue.Write(data)
	c.rxMu.Unlock()
}

// drainRx atomically swaps the shared rx queue out, minimising the
// time the lock is held while the Parser/Supervisor does its work.
func (c *Core) drainRx() []byte {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()
	return c.rxQueue.Drain()
}

// Sentinel causes for the terminal statuses that have no underlying Go
// error of their own (the parser/timeout-sweep paths detect a status
// directly, never an error), so fireTerminalEvent always has something
// to wrap into the ims.Error it hands to error-kind subscribers.
var (
	errTimeoutOnRxcv  = errors.New("response timed out")
	errRxErrorValid   = errors.New("device reported a valid error response")
	errRxErrorInvalid = errors.New("device reported an unparseable response")
	errRxCRC          = errors.New("response failed crc check")
	errTimeoutOnSend  = errors.New("send timed out")
	errSendFailed     = errors.New("send failed")
)

// fireTerminalEvent maps a just-reached terminal Status to its event
// kind, triggers it with the handle and wakes every goroutine blocked
// in registry.Wait (the Fast-Transfer Planner's in-flight-budget wait
// chief among them): a terminal transition is exactly the kind of
// registry state change Wait exists to observe, so every path that
// calls fireTerminalEvent must also Broadcast. cause may be nil; when
// set (e.g. the actual write error behind StatusSendError) it replaces
// the generic sentinel for that status in the ims.Error p2 carries.
func (c *Core) fireTerminalEvent(m *message.Message, status message.Status, cause error) {
	defer c.registry.Broadcast()

	if m.Response().HardwareAlarm {
		c.bus.Trigger(eventbus.InterlockAlarmSet, m.Handle())
	}
	switch status {
	case message.StatusRxOK:
		c.bus.Trigger(eventbus.ResponseReceived, m.Handle())
	case message.StatusTimeoutOnRxcv:
		c.bus.TriggerTwo(eventbus.ResponseTimedOut, m.Handle(), ims.Wrap("recv", m.Handle(), orDefault(cause, errTimeoutOnRxcv)))
	case message.StatusRxErrorValid:
		c.bus.TriggerTwo(eventbus.ResponseErrorValid, m.Handle(), ims.Wrap("recv", m.Handle(), orDefault(cause, errRxErrorValid)))
	case message.StatusRxErrorInvalid:
		if m.Response().RxCRCError {
			c.bus.TriggerTwo(eventbus.ResponseErrorCRC, m.Handle(), ims.Wrap("recv", m.Handle(), orDefault(cause, errRxCRC)))
		} else {
			c.bus.TriggerTwo(eventbus.ResponseErrorInvalid, m.Handle(), ims.Wrap("recv", m.Handle(), orDefault(cause, errRxErrorInvalid)))
		}
	case message.StatusSendError:
		c.bus.TriggerTwo(eventbus.SendError, m.Handle(), ims.Wrap("send", m.Handle(), orDefault(cause, errSendFailed)))
	case message.StatusTimeoutOnSend:
		c.bus.TriggerTwo(eventbus.TimedOutOnSend, m.Handle(), ims.Wrap("send", m.Handle(), orDefault(cause, errTimeoutOnSend)))
	}
}

func orDefault(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
