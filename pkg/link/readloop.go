package link

import (
	"errors"
	"io"
	"log"
	"time"

	"github.com/zwavelink/zwave/pkg/frame"
)

// readLoop reads bytes into a growing buffer and repeatedly hands them to
// the frame codec, ACKing well-formed data frames and NAKing malformed
// ones on the wire: a single dedicated goroutine, read-with-backoff-on-
// error, process-then-loop.
func (c *Coordinator) readLoop() {
	defer c.wg.Done()

	chunk := make([]byte, 256)
	var buf []byte

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		c.portMu.Lock()
		port := c.port
		c.portMu.Unlock()

		if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
			log.Printf("link: SetReadTimeout failed: %v", err)
		}

		n, err := port.Read(chunk)
		if err != nil {
			if errors.Is(err, io.EOF) {
				continue
			}
			select {
			case <-c.stopChan:
				return
			default:
			}
			log.Printf("link: read error: %v", err)
			if reopenErr := c.reopen(); reopenErr != nil {
				log.Printf("link: reopen failed: %v", reopenErr)
				time.Sleep(c.transport.ReopenDelay())
			}
			continue
		}
		if n == 0 {
			continue
		}

		buf = append(buf, chunk[:n]...)
		buf = c.drainFrames(buf)
	}
}

// drainFrames repeatedly parses buf, processing every complete frame it
// finds, and returns the unconsumed remainder.
func (c *Coordinator) drainFrames(buf []byte) []byte {
	for {
		res := frame.TryParse(buf)
		if res.Skipped > 0 {
			log.Printf("link: resynchronized, skipped %d unrecognized byte(s)", res.Skipped)
		}
		if !res.Found {
			// Drop bytes already identified as garbage even if the
			// remaining prefix doesn't yet form a recognized frame.
			return buf[res.Skipped:]
		}

		c.handleFrame(res.Frame)
		buf = buf[res.Consumed:]
	}
}

func (c *Coordinator) handleFrame(f frame.Frame) {
	switch f.Kind {
	case frame.KindAck, frame.KindNak, frame.KindCancel:
		c.notifyControl(f.Kind)
	case frame.KindData:
		if f.Data.ChecksumValid {
			if err := c.writePort([]byte{frame.ACK}); err != nil {
				log.Printf("link: failed to ACK inbound frame: %v", err)
			}
			select {
			case c.inbound <- f.Data:
			case <-c.stopChan:
			}
		} else {
			log.Printf("link: bad checksum on inbound frame, sending NAK")
			if err := c.writePort([]byte{frame.NAK}); err != nil {
				log.Printf("link: failed to NAK malformed frame: %v", err)
			}
		}
	}
}
