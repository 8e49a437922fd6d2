package connection

import (
	"time"

	"imshost/eventbus"
	"imshost/message"
)

// supervisor wakes on every Receiver notification and on a fixed
// ticker, drains the shared rx queue, feeds it byte-by-byte to the
// oldest outstanding control-path Message (matched by byte-stream
// position, for transports that share one stream), drains any private
// per-message buffers (interrupts, or transports that segregate bytes
// per request), and on the ticker also runs the two timeout sweeps.
func (c *Core) supervisor() {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.rxSignal:
			c.drainPrivateBuffers()
			c.parseSharedStream()
		case <-ticker.C:
			c.drainPrivateBuffers()
			c.parseSharedStream()
			c.timeoutSweep()
			c.autoFreeSweep()
		}
	}
}

// drainPrivateBuffers feeds every incomplete Message's private
// unparsed buffer, independent of the shared stream. INTERRUPT
// messages always carry their bytes this way.
func (c *Core) drainPrivateBuffers() {
	c.registry.Range(func(m *message.Message) {
		if m.IsComplete() || !m.HasData() {
			return
		}
		buf := m.TakePrivateBuffer()
		isInterrupt := m.Status() == message.StatusInterrupt
		for _, b := range buf {
			if isInterrupt {
				if m.FeedInterruptByte(b) {
					c.bus.TriggerTwo(eventbus.InterruptReceived, interruptParam(m), interruptSecondary(m))
				}
				continue
			}
			terminal, status, unexpected := m.FeedByte(b)
			if unexpected {
				c.bus.Trigger(eventbus.UnexpectedRxChar, b)
			}
			if terminal {
				c.removePending(m)
				c.fireTerminalEvent(m, status, nil)
			}
		}
	})
}

// parseSharedStream attributes bytes on the shared rx queue to the
// oldest pending control-path Message, in wire order, moving to the
// next pending Message once the current one reaches a terminal state.
// When the codec pads frames to a 4-byte boundary (Pad32), the bytes
// left over after a frame completes belong to that padding, not to the
// next Message, and are discarded before parsing resumes.
func (c *Core) parseSharedStream() {
	raw := c.drainRx()
	for _, b := range raw {
		if c.padSkip > 0 {
			c.padSkip--
			continue
		}
		m := c.headPending()
		if m == nil {
			c.bus.Trigger(eventbus.UnexpectedRxChar, b)
			continue
		}
		terminal, status, unexpected := m.FeedByte(b)
		if unexpected {
			c.bus.Trigger(eventbus.UnexpectedRxChar, b)
		}
		if terminal {
			c.popHeadPending(m)
			c.fireTerminalEvent(m, status, nil)
			c.padSkip = c.codec.PadLen(len(m.Response().Payload))
		}
	}
}

func (c *Core) headPending() *message.Message {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	return c.pending[0]
}

// popHeadPending removes m from the front of the pending FIFO if it is
// still there (it always should be; the guard just protects against a
// concurrent removePending from the auto-free/timeout sweeps).
func (c *Core) popHeadPending(m *message.Message) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.pending) > 0 && c.pending[0] == m {
		c.pending = c.pending[1:]
	} else {
		c.removePendingLocked(m)
	}
}

// removePending removes m from the pending FIFO wherever it is.
func (c *Core) removePending(m *message.Message) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.removePendingLocked(m)
}

func (c *Core) removePendingLocked(m *message.Message) {
	for i, p := range c.pending {
		if p == m {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// timeoutSweep marks SENT/RX_PARTIAL messages whose sent_at exceeds
// RxTimeout as TIMEOUT_ON_RXCV.
func (c *Core) timeoutSweep() {
	now := time.Now()
	c.registry.RangeMutable(func(m *message.Message) {
		if m.IsComplete() {
			return
		}
		sentAt := m.SentAt()
		if sentAt.IsZero() {
			return
		}
		if now.Sub(sentAt) <= c.cfg.RxTimeout {
			return
		}
		if m.Fail(message.StatusTimeoutOnRxcv) {
			c.removePending(m)
			c.fireTerminalEvent(m, message.StatusTimeoutOnRxcv, nil)
		}
	})
}

// autoFreeSweep evicts terminal messages whose received_at exceeds
// AutoFreeTimeout.
func (c *Core) autoFreeSweep() {
	now := time.Now()
	var toRemove []message.Handle
	c.registry.Range(func(m *message.Message) {
		if !m.IsComplete() {
			return
		}
		recvAt := m.ReceivedAt()
		if recvAt.IsZero() || now.Sub(recvAt) <= c.cfg.AutoFreeTimeout {
			return
		}
		toRemove = append(toRemove, m.Handle())
	})
	for _, h := range toRemove {
		c.registry.Remove(h)
	}
}

// interruptParam decodes the 32-bit event parameter: upper 16 bits the
// address field ("interrupt type"), lower 16 bits the first payload
// word ("data").
func interruptParam(m *message.Message) any {
	resp := m.Response()
	var dataWord uint16
	if len(resp.Payload) >= 2 {
		dataWord = uint16(resp.Payload[0]) | uint16(resp.Payload[1])<<8
	}
	return uint32(resp.Address)<<16 | uint32(dataWord)
}

// interruptSecondary returns the secondary event parameter: a second
// 16-bit word when the payload is exactly 4 bytes, or the raw payload
// byte vector when it is longer, or nil otherwise.
func interruptSecondary(m *message.Message) any {
	resp := m.Response()
	switch {
	case len(resp.Payload) == 4:
		return uint16(resp.Payload[2]) | uint16(resp.Payload[3])<<8
	case len(resp.Payload) > 4:
		return resp.Payload
	default:
		return nil
	}
}
