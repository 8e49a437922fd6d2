package connection

import (
	"time"

	"imshost/message"
	"imshost/transport"
)

// interruptReceiver loops read_interrupt with a small timeout for
// transports providing an asynchronous inbound interrupt pipe. On a
// non-empty packet it synthesises a Message with status=INTERRUPT,
// inserts it and wakes the Supervisor, which drains its private buffer
// to PROCESSED_INTERRUPT and fires INTERRUPT_RECEIVED. Transports with
// no interrupt endpoint return transport.ErrNotSupported, in which case
// this goroutine exits immediately rather than busy-polling forever.
func (c *Core) interruptReceiver() {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		buf, err := c.driver.ReadInterrupt()
		if err == transport.ErrNotSupported {
			return
		}
		if err != nil {
			select {
			case <-c.stopCh:
				return
			case <-time.After(c.cfg.PollInterval):
			}
			continue
		}
		if len(buf) == 0 {
			continue
		}

		m := message.NewInterrupt(buf)
		c.registry.Insert(m)
		select {
		case c.rxSignal <- struct{}{}:
		default:
		}
	}
}
