package connection

import (
	"time"

	"imshost/message"
)

// sender pops requests from the tx queue in FIFO order, serialises
// them and writes them to the transport. On success the Message is
// appended to the pending list the Supervisor correlates incoming
// bytes against, in the same order the wire will see the responses.
func (c *Core) sender() {
	for {
		select {
		case <-c.stopCh:
			return
		case m := <-c.txQueue:
			c.send(m)
		}
	}
}

// send writes one Message's frame to the transport. The driver is
// owned exclusively by the Sender, so even when the write overruns
// SendTimeout, send joins the write goroutine before returning: the
// next queued Message must never reach WriteControl while a previous
// write is still in flight, or two goroutines could write the wire
// concurrently and reorder it.
func (c *Core) send(m *message.Message) {
	frame, err := c.codec.Encode(m.Request())
	if err != nil {
		c.failSend(m, err)
		return
	}

	resCh := make(chan error, 1)
	go func() {
		_, err := c.rwc.Write(frame)
		resCh <- err
	}()

	select {
	case err := <-resCh:
		if err != nil {
			c.failSend(m, err)
			return
		}
		m.MarkSent()
		c.appendPending(m)
		c.logger.Debug().Int64("handle", int64(m.Handle())).Msg("sent")
	case <-time.After(c.cfg.SendTimeout):
		if m.Fail(message.StatusTimeoutOnSend) {
			c.fireTerminalEvent(m, message.StatusTimeoutOnSend, nil)
		}
		c.logger.Warn().Int64("handle", int64(m.Handle())).Msg("send timeout")
		if err := <-resCh; err != nil {
			c.logger.Debug().Err(err).Int64("handle", int64(m.Handle())).Msg("late write_control result after send timeout")
		}
	}
}

func (c *Core) failSend(m *message.Message, err error) {
	if m.Fail(message.StatusSendError) {
		c.fireTerminalEvent(m, message.StatusSendError, err)
	}
	c.logger.Warn().Err(err).Int64("handle", int64(m.Handle())).Msg("send error")
}

// appendPending adds m to the FIFO the Supervisor drains the shared
// byte stream against, in wire order.
func (c *Core) appendPending(m *message.Message) {
	c.pendingMu.Lock()
	c.pending = append(c.pending, m)
	c.pendingMu.Unlock()
}
