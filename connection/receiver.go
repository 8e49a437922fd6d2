package connection

import "time"

// receiver reads bytes from the transport in short slices and appends
// them to the shared rx queue, then notifies the Supervisor. It never
// parses; read_control is documented to return within ~100ms of idle
// so the shutdown flag is observed promptly even with no traffic. It
// reads through the driver's io.ReadWriteCloser adapter rather than
// calling ReadControl directly, so the byte-stream read path and the
// Sender's byte-stream write path go through the same narrow interface.
func (c *Core) receiver() {
	buf := make([]byte, 512)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		n, err := c.rwc.Read(buf)
		if err != nil {
			c.logger.Debug().Err(err).Msg("read_control error")
			select {
			case <-c.stopCh:
				return
			case <-time.After(c.cfg.PollInterval):
			}
			continue
		}
		if n == 0 {
			select {
			case <-c.stopCh:
				return
			case <-time.After(c.cfg.PollInterval):
			}
			continue
		}

		cp := make([]byte, n)
		copy(cp, buf[:n])
		c.writeRx(cp)
		select {
		case c.rxSignal <- struct{}{}:
		default:
		}
	}
}
