// Package link implements the link coordinator: it owns the serial port,
// runs a read loop and a write loop, and exchanges the ACK/NAK/CAN
// handshake around each outbound data frame.
package link

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zwavelink/zwave/pkg/frame"
	"github.com/zwavelink/zwave/pkg/transport"
	"github.com/zwavelink/zwave/pkg/zwaveerr"
)

// DefaultAckTimeout is the fixed ACK-wait timer.
const DefaultAckTimeout = 1600 * time.Millisecond

// DefaultMaxRetries bounds retransmission attempts per frame.
const DefaultMaxRetries = 3

// retryBackoff is the delay between a failed delivery attempt and the
// next one: linear in the attempt index, in units of 100ms (see
// DESIGN.md).
func retryBackoff(attempt int) time.Duration {
	return time.Duration(attempt) * 100 * time.Millisecond
}

// DeliveryStatus is the outcome of a SendFrame call.
type DeliveryStatus int

const (
	Delivered DeliveryStatus = iota
	Failed
)

// DeliveryResult is resolved once a frame's ACK window closes.
type DeliveryResult struct {
	Status  DeliveryStatus
	Retries int
}

// Options configures timing parameters for the coordinator.
type Options struct {
	AckTimeout time.Duration
	MaxRetries int
}

func (o *Options) setDefaults() {
	if o.AckTimeout == 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
}

type writeRequest struct {
	df     frame.DataFrame
	result chan DeliveryResult
	ctx    context.Context
}

// Coordinator owns the serial port exclusively and runs the read and
// write loops for its lifetime.
type Coordinator struct {
	transport *transport.Transport
	opts      Options

	portMu sync.Mutex // guards port swap and serializes all writes to it
	port   transport.Port

	inbound   chan frame.DataFrame
	writeReqs chan writeRequest
	control   chan frame.Kind

	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens the transport and starts the read and write loops.
func New(t *transport.Transport, opts Options) (*Coordinator, error) {
	opts.setDefaults()

	port, err := t.Open()
	if err != nil {
		return nil, zwaveerr.New(zwaveerr.TransportIo, "link.New", err)
	}

	c := &Coordinator{
		transport: t,
		opts:      opts,
		port:      port,
		inbound:   make(chan frame.DataFrame, 64),
		writeReqs: make(chan writeRequest, 16),
		control:   make(chan frame.Kind, 1),
		stopChan:  make(chan struct{}),
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

// Inbound is the stream of well-formed data frames accepted from the
// wire.
func (c *Coordinator) Inbound() <-chan frame.DataFrame { return c.inbound }

// SendFrame enqueues df for transmission and blocks until its ACK window
// resolves, is canceled via ctx, or the coordinator is closed.
func (c *Coordinator) SendFrame(ctx context.Context, df frame.DataFrame) (DeliveryResult, error) {
	if err := ctx.Err(); err != nil {
		return DeliveryResult{}, zwaveerr.New(zwaveerr.Canceled, "link.SendFrame", err)
	}

	req := writeRequest{df: df, result: make(chan DeliveryResult, 1), ctx: ctx}

	select {
	case c.writeReqs <- req:
	case <-c.stopChan:
		return DeliveryResult{}, zwaveerr.New(zwaveerr.TransportIo, "link.SendFrame", fmt.Errorf("coordinator closed"))
	case <-ctx.Done():
		return DeliveryResult{}, zwaveerr.New(zwaveerr.Canceled, "link.SendFrame", ctx.Err())
	}

	select {
	case res := <-req.result:
		return res, nil
	case <-c.stopChan:
		return DeliveryResult{}, zwaveerr.New(zwaveerr.TransportIo, "link.SendFrame", fmt.Errorf("coordinator closed"))
	case <-ctx.Done():
		return DeliveryResult{}, zwaveerr.New(zwaveerr.Canceled, "link.SendFrame", ctx.Err())
	}
}

// WriteRawControl writes a single control-frame byte directly to the
// port, bypassing the write loop's ACK state machine. Used during
// bring-up to force a NAK onto the wire before any session traffic
// starts; control bytes have no delivery confirmation of their own.
func (c *Coordinator) WriteRawControl(kind frame.Kind) error {
	b, ok := frame.EncodeControl(kind)
	if !ok {
		return zwaveerr.New(zwaveerr.InvalidPayload, "link.WriteRawControl", fmt.Errorf("kind %v is not a control frame", kind))
	}
	return c.writePort([]byte{b})
}

// Close stops both loops and closes the underlying port.
func (c *Coordinator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopChan)
		c.wg.Wait()
		c.portMu.Lock()
		err = c.port.Close()
		c.portMu.Unlock()
	})
	return err
}

// writePort serializes raw byte writes across both loops.
func (c *Coordinator) writePort(b []byte) error {
	c.portMu.Lock()
	defer c.portMu.Unlock()
	_, err := c.port.Write(b)
	return err
}

// reopen closes the current port and opens a fresh one. It holds portMu
// for the whole swap so writePort callers block rather than race a
// half-closed port.
func (c *Coordinator) reopen() error {
	c.portMu.Lock()
	defer c.portMu.Unlock()

	log.Printf("link: I/O error on port, reopening")
	newPort, err := c.transport.Reopen(c.port)
	if err != nil {
		return zwaveerr.New(zwaveerr.TransportIo, "link.reopen", err)
	}
	c.port = newPort
	log.Printf("link: port reopened")
	return nil
}

// notifyControl delivers a control-frame observation to the write loop
// without blocking the read loop. The control channel holds one pending
// observation; if that slot is already full, the new observation is
// dropped. The write loop discards a leftover observation before each
// transmission, so control frames with no pending write are not acted on.
func (c *Coordinator) notifyControl(kind frame.Kind) {
	select {
	case c.control <- kind:
	default:
	}
}
