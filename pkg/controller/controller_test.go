package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zwavelink/zwave/pkg/frame"
	"github.com/zwavelink/zwave/pkg/node"
	"github.com/zwavelink/zwave/pkg/session"
)

type fakeRawWriter struct {
	mu      sync.Mutex
	written []frame.Kind
}

func (w *fakeRawWriter) WriteRawControl(kind frame.Kind) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, kind)
	return nil
}

type fakeSession struct {
	mu          sync.Mutex
	responses   map[byte]frame.DataFrame
	fireAndForget []byte
	subscribers map[byte]chan frame.DataFrame
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		responses:   map[byte]frame.DataFrame{},
		subscribers: map[byte]chan frame.DataFrame{},
	}
}

func (f *fakeSession) SendRequestResponse(ctx context.Context, cmd session.Command) (frame.DataFrame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.responses[cmd.FunctionID], nil
}

func (f *fakeSession) SendFireAndForget(ctx context.Context, cmd session.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fireAndForget = append(f.fireAndForget, cmd.FunctionID)
	return nil
}

func (f *fakeSession) Subscribe(functionID byte, ch chan frame.DataFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers[functionID] = ch
}

func (f *fakeSession) Unsubscribe(functionID byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribers, functionID)
}

func TestBootstrapEnumeratesIdentityAndNodes(t *testing.T) {
	rw := &fakeRawWriter{}
	sess := newFakeSession()

	sess.responses[funcSerialAPIGetCapabilities] = frame.DataFrame{Payload: []byte{0x01}}
	sess.responses[funcZWGetVersion] = frame.DataFrame{Payload: append([]byte("Z-Wave 6.81\x00"), 0x01)}
	sess.responses[funcMemoryGetID] = frame.DataFrame{Payload: []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01}}
	sess.responses[funcGetControllerCapabilities] = frame.DataFrame{Payload: []byte{0x00}} // primary
	sess.responses[funcZWGetSucNodeID] = frame.DataFrame{Payload: []byte{0x00}}             // no SUC yet
	// init data: 1 byte bitmask covering nodes 1-8, nodes 1 and 3 present (bits 0 and 2)
	sess.responses[funcSerialAPIGetInitData] = frame.DataFrame{Payload: []byte{0x01, 0x00, 0x01, 0x05}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	identity, nodeIDs, err := Bootstrap(ctx, rw, sess, Timeouts{SerialAPIStarted: 20 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("Bootstrap error: %v", err)
	}

	if identity.HomeID != 0xDEADBEEF || identity.OwnNodeID != 1 {
		t.Fatalf("got identity %+v", identity)
	}
	if !identity.IsPrimaryController {
		t.Fatal("expected primary controller")
	}
	if identity.SucNodeID != 0 {
		t.Fatalf("got suc node %d, want 0", identity.SucNodeID)
	}

	if len(nodeIDs) != 2 || nodeIDs[0] != 1 || nodeIDs[1] != 3 {
		t.Fatalf("got node ids %v, want [1 3]", nodeIDs)
	}

	if len(rw.written) != 1 || rw.written[0] != frame.KindNak {
		t.Fatalf("got written control frames %v, want one NAK", rw.written)
	}

	// No SUC present and primary controller: bootstrap should have
	// attempted self-promotion.
	found := false
	for _, f := range sess.fireAndForget {
		if f == funcZWSetSucNodeID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a SUC/SIS self-promotion fire-and-forget call")
	}
}

func TestBootstrapSkipsSelfPromotionWhenSucAlreadyExists(t *testing.T) {
	rw := &fakeRawWriter{}
	sess := newFakeSession()

	sess.responses[funcSerialAPIGetCapabilities] = frame.DataFrame{Payload: []byte{0x01}}
	sess.responses[funcZWGetVersion] = frame.DataFrame{Payload: []byte{0x00, 0x01}}
	sess.responses[funcMemoryGetID] = frame.DataFrame{Payload: []byte{0x00, 0x00, 0x00, 0x01, 0x01}}
	sess.responses[funcGetControllerCapabilities] = frame.DataFrame{Payload: []byte{0x00}}
	sess.responses[funcZWGetSucNodeID] = frame.DataFrame{Payload: []byte{0x05}} // SUC already present
	sess.responses[funcSerialAPIGetInitData] = frame.DataFrame{Payload: []byte{0x01, 0x00, 0x00}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, _, err := Bootstrap(ctx, rw, sess, Timeouts{SerialAPIStarted: 20 * time.Millisecond}, nil); err != nil {
		t.Fatalf("Bootstrap error: %v", err)
	}

	for _, f := range sess.fireAndForget {
		if f == funcZWSetSucNodeID {
			t.Fatal("did not expect self-promotion when a SUC already exists")
		}
	}
}

func TestWatchNodeChangesDispatchesAddRemove(t *testing.T) {
	sess := newFakeSession()

	var added, removed node.NodeID
	var mu sync.Mutex
	done := make(chan struct{}, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	WatchNodeChanges(ctx, sess, NodeChangeHandlers{
		OnNodeAdded: func(id node.NodeID) {
			mu.Lock()
			added = id
			mu.Unlock()
			done <- struct{}{}
		},
		OnNodeRemoved: func(id node.NodeID) {
			mu.Lock()
			removed = id
			mu.Unlock()
			done <- struct{}{}
		},
	})

	time.Sleep(10 * time.Millisecond) // let the watcher subscribe

	sess.mu.Lock()
	addedCh := sess.subscribers[funcNodeAdded]
	removedCh := sess.subscribers[funcNodeRemoved]
	sess.mu.Unlock()

	addedCh <- frame.DataFrame{Payload: []byte{7}}
	removedCh <- frame.DataFrame{Payload: []byte{9}}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for node change callbacks")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if added != 7 || removed != 9 {
		t.Fatalf("got added=%d removed=%d, want 7 and 9", added, removed)
	}
}
