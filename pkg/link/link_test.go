package link

import (
	"context"
	"testing"
	"time"

	"github.com/zwavelink/zwave/pkg/frame"
	"github.com/zwavelink/zwave/pkg/zwaveerr"
)

func waitForWriteCount(port *fakePort, n int) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(port.writtenFrames()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestCoordinator(port *fakePort, opts Options) *Coordinator {
	opts.setDefaults()
	c := &Coordinator{
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
	return c
}

func (c *Coordinator) closeForTest() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
		c.wg.Wait()
	})
}

func TestSendFrameDeliveredOnImmediateAck(t *testing.T) {
	port := newFakePort()
	c := newTestCoordinator(port, Options{AckTimeout: 200 * time.Millisecond})
	defer c.closeForTest()

	go func() {
		time.Sleep(20 * time.Millisecond)
		port.inject([]byte{frame.ACK})
	}()

	res, err := c.SendFrame(context.Background(), frame.DataFrame{Type: frame.Request, FunctionID: 0x02})
	if err != nil {
		t.Fatalf("SendFrame error: %v", err)
	}
	if res.Status != Delivered || res.Retries != 0 {
		t.Fatalf("got %+v, want Delivered with 0 retries", res)
	}
}

// CAN twice then ACK resolves success with two recorded retries.
func TestSendFrameRetriesOnCanThenSucceeds(t *testing.T) {
	port := newFakePort()
	c := newTestCoordinator(port, Options{AckTimeout: 100 * time.Millisecond})
	defer c.closeForTest()

	go func() {
		waitForWriteCount(port, 1)
		port.inject([]byte{frame.Cancel})
		waitForWriteCount(port, 2)
		port.inject([]byte{frame.Cancel})
		waitForWriteCount(port, 3)
		port.inject([]byte{frame.ACK})
	}()

	res, err := c.SendFrame(context.Background(), frame.DataFrame{Type: frame.Request, FunctionID: 0x02})
	if err != nil {
		t.Fatalf("SendFrame error: %v", err)
	}
	if res.Status != Delivered || res.Retries != 2 {
		t.Fatalf("got %+v, want Delivered with 2 retries", res)
	}
	if len(port.writtenFrames()) != 3 {
		t.Fatalf("expected 3 frame writes (1 original + 2 retries), got %d", len(port.writtenFrames()))
	}
}

func TestSendFrameFailsAfterMaxRetries(t *testing.T) {
	port := newFakePort()
	c := newTestCoordinator(port, Options{AckTimeout: 30 * time.Millisecond, MaxRetries: 2})
	defer c.closeForTest()

	res, err := c.SendFrame(context.Background(), frame.DataFrame{Type: frame.Request, FunctionID: 0x02})
	if err != nil {
		t.Fatalf("SendFrame error: %v", err)
	}
	if res.Status != Failed || res.Retries != 2 {
		t.Fatalf("got %+v, want Failed with 2 retries", res)
	}
}

func TestInboundDataFrameIsAckedAndPublished(t *testing.T) {
	port := newFakePort()
	c := newTestCoordinator(port, Options{})
	defer c.closeForTest()

	df := frame.DataFrame{Type: frame.Request, FunctionID: 0x04, Payload: []byte{0x01}}
	port.inject(frame.Encode(df))

	select {
	case got := <-c.Inbound():
		if got.FunctionID != df.FunctionID {
			t.Fatalf("got %+v, want %+v", got, df)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound frame")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		frames := port.writtenFrames()
		if len(frames) == 1 && len(frames[0]) == 1 && frames[0][0] == frame.ACK {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected an ACK to be written for the inbound frame")
}

func TestInboundMalformedFrameIsNaked(t *testing.T) {
	port := newFakePort()
	c := newTestCoordinator(port, Options{})
	defer c.closeForTest()

	port.inject([]byte{0x01, 0x02, 0x01, 0x02, 0x00}) // bad checksum

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		frames := port.writtenFrames()
		if len(frames) == 1 && len(frames[0]) == 1 && frames[0][0] == frame.NAK {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected a NAK to be written for the malformed frame")
}

func TestSendFrameCanceled(t *testing.T) {
	port := newFakePort()
	c := newTestCoordinator(port, Options{AckTimeout: time.Second})
	defer c.closeForTest()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.SendFrame(ctx, frame.DataFrame{Type: frame.Request, FunctionID: 0x02})
	if err == nil {
		t.Fatal("expected an error for a pre-canceled context")
	}
	if kind, ok := zwaveerr.KindOf(err); !ok || kind != zwaveerr.Canceled {
		t.Fatalf("got kind=%v ok=%v, want Canceled", kind, ok)
	}
}
