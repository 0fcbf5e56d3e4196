package link

import (
	"context"
	"log"
	"time"

	"github.com/zwavelink/zwave/pkg/frame"
)

// writeLoop dequeues one outbound data frame at a time and drives it
// through the Idle -> AwaitingAck -> (Idle | Retry) state machine. It
// never blocks the read loop: the two communicate only through the
// buffered control channel and the port-write mutex.
func (c *Coordinator) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		case req := <-c.writeReqs:
			result := c.deliver(req)
			select {
			case req.result <- result:
			default:
			}
		}
	}
}

// deliver runs the AwaitingAck/Retry state machine for a single frame.
func (c *Coordinator) deliver(req writeRequest) DeliveryResult {
	encoded := frame.Encode(req.df)

	attempts := 0
	for {
		attempts++

		// Drain any stale control signal left over from before this send.
		select {
		case <-c.control:
		default:
		}

		if err := c.writePort(encoded); err != nil {
			log.Printf("link: write error on attempt %d: %v", attempts, err)
			if reopenErr := c.reopen(); reopenErr != nil {
				log.Printf("link: reopen failed mid-delivery: %v", reopenErr)
			}
		}

		outcome := c.awaitControl(req.ctx)

		switch outcome {
		case frame.KindAck:
			return DeliveryResult{Status: Delivered, Retries: attempts - 1}
		case frame.KindNak, frame.KindCancel, kindTimeout:
			// CAN received while awaiting ACK is treated identically to
			// NAK for retry purposes.
			if attempts-1 >= c.opts.MaxRetries {
				return DeliveryResult{Status: Failed, Retries: attempts - 1}
			}
			if !c.sleepOrStop(retryBackoff(attempts)) {
				return DeliveryResult{Status: Failed, Retries: attempts - 1}
			}
			continue
		case kindCanceled, kindClosed:
			return DeliveryResult{Status: Failed, Retries: attempts - 1}
		}
	}
}

// kindTimeout/kindCanceled/kindClosed extend frame.Kind's value space for
// awaitControl's internal bookkeeping only; they never appear on the wire.
const (
	kindTimeout  frame.Kind = 100 + iota
	kindCanceled
	kindClosed
)

// awaitControl blocks for the ACK timer, the next control-frame
// observation, caller cancellation, or coordinator shutdown — whichever
// comes first.
func (c *Coordinator) awaitControl(ctx context.Context) frame.Kind {
	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	select {
	case kind := <-c.control:
		return kind
	case <-timer.C:
		return kindTimeout
	case <-c.stopChan:
		return kindClosed
	case <-ctx.Done():
		return kindCanceled
	}
}

// sleepOrStop sleeps for d, returning false early if the coordinator is
// closed during the wait.
func (c *Coordinator) sleepOrStop(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.stopChan:
		return false
	}
}
