// Package session implements the session layer: it enforces the
// single-flight REQ/RES rule, correlates callbacks by session id, and
// routes unsolicited requests to subscribers.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zwavelink/zwave/pkg/frame"
	"github.com/zwavelink/zwave/pkg/link"
	"github.com/zwavelink/zwave/pkg/zwaveerr"
)

// Linker is the subset of *link.Coordinator the session layer depends on.
// Narrowing to an interface keeps this package testable without a real
// serial port (see session_test.go's fakeLinker).
type Linker interface {
	SendFrame(ctx context.Context, df frame.DataFrame) (link.DeliveryResult, error)
	Inbound() <-chan frame.DataFrame
}

// Command is an outbound Serial API function invocation. The catalog of
// concrete functions and their payload encodings is out of scope; callers
// supply FunctionID/Payload already encoded.
type Command struct {
	FunctionID byte
	Payload    []byte

	// ExpectsCallback marks a command whose Request also triggers an
	// asynchronous callback, correlated by session id.
	ExpectsCallback bool

	// ExpectsStatusResponse marks a callback-bearing command that ALSO
	// expects an immediate status Response before the callback. Only
	// SendRequestWithCallback reads it, and it does so whatever the value
	// of ExpectsCallback.
	ExpectsStatusResponse bool
}

type callbackKey struct {
	functionID byte
	sessionID  byte
}

type slotState struct {
	functionID byte
	ch         chan frame.DataFrame
}

// CallbackResult is returned by SendRequestWithCallback.
type CallbackResult struct {
	SessionID byte
	Status    *frame.DataFrame // nil unless the command expected one
	Callback  frame.DataFrame
}

// Layer is the session layer.
type Layer struct {
	link Linker

	slotTok chan struct{} // buffered(1): holds the single-flight token
	slotMu  sync.Mutex
	slot    *slotState

	cbMu      sync.Mutex
	callbacks map[callbackKey]chan frame.DataFrame

	// callbackOffsets maps a callback-bearing function id to the byte
	// offset of the session id within its inbound Request payload: the
	// offset is fixed per function but differs across functions. Offsets
	// are added through RegisterCallbackOffset; no package in this module
	// registers one, so every function uses the default offset 0. The
	// catalog of all ~120 function ids is out of scope.
	offsetMu sync.Mutex
	offsets  map[byte]int

	subMu       sync.Mutex
	subscribers map[byte]chan frame.DataFrame

	sidMu   sync.Mutex
	sidNext byte

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts the dispatch loop over l.Inbound().
func New(l Linker) *Layer {
	s := &Layer{
		link:        l,
		slotTok:     make(chan struct{}, 1),
		callbacks:   make(map[callbackKey]chan frame.DataFrame),
		offsets:     make(map[byte]int),
		subscribers: make(map[byte]chan frame.DataFrame),
		stopCh:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.dispatchLoop()
	return s
}

// Close stops the dispatch loop. It does not close the underlying Linker.
func (s *Layer) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
}

// RegisterCallbackOffset tells the session layer where to find the
// session id byte within the inbound Request payload of a callback-bearing
// function. Functions not registered default to offset 0, the convention
// most Serial API callback functions follow.
func (s *Layer) RegisterCallbackOffset(functionID byte, offset int) {
	s.offsetMu.Lock()
	defer s.offsetMu.Unlock()
	s.offsets[functionID] = offset
}

func (s *Layer) callbackOffset(functionID byte) int {
	s.offsetMu.Lock()
	defer s.offsetMu.Unlock()
	if off, ok := s.offsets[functionID]; ok {
		return off
	}
	return 0
}

// Subscribe registers ch to receive every unsolicited Request with the
// given function id (e.g. the application command handler function).
// Replaces any previous subscriber for that function id.
func (s *Layer) Subscribe(functionID byte, ch chan frame.DataFrame) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers[functionID] = ch
}

// Unsubscribe removes a previously registered subscriber.
func (s *Layer) Unsubscribe(functionID byte) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subscribers, functionID)
}

func (s *Layer) nextSessionID() byte {
	s.sidMu.Lock()
	defer s.sidMu.Unlock()
	s.sidNext++
	if s.sidNext == 0 {
		s.sidNext = 1
	}
	return s.sidNext
}

// acquireSlot blocks until the single response slot is free, then claims
// it for functionID. Acquisition is FIFO in the order callers block on the
// underlying channel send.
func (s *Layer) acquireSlot(ctx context.Context, functionID byte) (chan frame.DataFrame, error) {
	select {
	case s.slotTok <- struct{}{}:
	case <-ctx.Done():
		return nil, zwaveerr.New(zwaveerr.Canceled, "session.acquireSlot", ctx.Err())
	case <-s.stopCh:
		return nil, zwaveerr.New(zwaveerr.TransportIo, "session.acquireSlot", fmt.Errorf("session layer closed"))
	}

	ch := make(chan frame.DataFrame, 1)
	s.slotMu.Lock()
	s.slot = &slotState{functionID: functionID, ch: ch}
	s.slotMu.Unlock()
	return ch, nil
}

func (s *Layer) releaseSlot() {
	s.slotMu.Lock()
	s.slot = nil
	s.slotMu.Unlock()
	<-s.slotTok
}

// SendRequestResponse sends cmd and waits for the matching Response,
// holding the single response slot for the whole exchange.
func (s *Layer) SendRequestResponse(ctx context.Context, cmd Command) (frame.DataFrame, error) {
	ch, err := s.acquireSlot(ctx, cmd.FunctionID)
	if err != nil {
		return frame.DataFrame{}, err
	}
	defer s.releaseSlot()

	res, err := s.link.SendFrame(ctx, frame.DataFrame{Type: frame.Request, FunctionID: cmd.FunctionID, Payload: cmd.Payload})
	if err != nil {
		return frame.DataFrame{}, err
	}
	if res.Status == link.Failed {
		return frame.DataFrame{}, zwaveerr.New(zwaveerr.FrameDelivery, "session.SendRequestResponse", fmt.Errorf("frame not acknowledged after %d retries", res.Retries))
	}

	select {
	case df := <-ch:
		return df, nil
	case <-ctx.Done():
		return frame.DataFrame{}, zwaveerr.New(zwaveerr.ResponseTimeout, "session.SendRequestResponse", ctx.Err())
	case <-s.stopCh:
		return frame.DataFrame{}, zwaveerr.New(zwaveerr.TransportIo, "session.SendRequestResponse", fmt.Errorf("session layer closed"))
	}
}

// SendRequestWithCallback sends a callback-bearing command. If the command
// also expects a status Response, it is awaited first (holding the
// response slot only for that exchange) before the callback is awaited.
func (s *Layer) SendRequestWithCallback(ctx context.Context, cmd Command) (CallbackResult, error) {
	sessionID := s.nextSessionID()

	payload := make([]byte, len(cmd.Payload)+1)
	copy(payload, cmd.Payload)
	payload[len(payload)-1] = sessionID // convention: session id is the last outbound payload byte

	key := callbackKey{functionID: cmd.FunctionID, sessionID: sessionID}
	cbCh := make(chan frame.DataFrame, 1)
	s.cbMu.Lock()
	s.callbacks[key] = cbCh
	s.cbMu.Unlock()
	cleanupCallback := func() {
		s.cbMu.Lock()
		delete(s.callbacks, key)
		s.cbMu.Unlock()
	}

	var statusFrame *frame.DataFrame

	if cmd.ExpectsStatusResponse {
		statusCh, err := s.acquireSlot(ctx, cmd.FunctionID)
		if err != nil {
			cleanupCallback()
			return CallbackResult{}, err
		}

		res, err := s.link.SendFrame(ctx, frame.DataFrame{Type: frame.Request, FunctionID: cmd.FunctionID, Payload: payload})
		if err != nil {
			s.releaseSlot()
			cleanupCallback()
			return CallbackResult{}, err
		}
		if res.Status == link.Failed {
			s.releaseSlot()
			cleanupCallback()
			return CallbackResult{}, zwaveerr.New(zwaveerr.FrameDelivery, "session.SendRequestWithCallback", fmt.Errorf("frame not acknowledged after %d retries", res.Retries))
		}

		select {
		case df := <-statusCh:
			statusFrame = &df
		case <-ctx.Done():
			s.releaseSlot()
			cleanupCallback()
			return CallbackResult{}, zwaveerr.New(zwaveerr.ResponseTimeout, "session.SendRequestWithCallback", ctx.Err())
		case <-s.stopCh:
			s.releaseSlot()
			cleanupCallback()
			return CallbackResult{}, zwaveerr.New(zwaveerr.TransportIo, "session.SendRequestWithCallback", fmt.Errorf("session layer closed"))
		}
		s.releaseSlot()
	} else {
		res, err := s.link.SendFrame(ctx, frame.DataFrame{Type: frame.Request, FunctionID: cmd.FunctionID, Payload: payload})
		if err != nil {
			cleanupCallback()
			return CallbackResult{}, err
		}
		if res.Status == link.Failed {
			cleanupCallback()
			return CallbackResult{}, zwaveerr.New(zwaveerr.FrameDelivery, "session.SendRequestWithCallback", fmt.Errorf("frame not acknowledged after %d retries", res.Retries))
		}
	}

	select {
	case df := <-cbCh:
		return CallbackResult{SessionID: sessionID, Status: statusFrame, Callback: df}, nil
	case <-ctx.Done():
		cleanupCallback()
		return CallbackResult{}, zwaveerr.New(zwaveerr.CallbackTimeout, "session.SendRequestWithCallback", ctx.Err())
	case <-s.stopCh:
		cleanupCallback()
		return CallbackResult{}, zwaveerr.New(zwaveerr.TransportIo, "session.SendRequestWithCallback", fmt.Errorf("session layer closed"))
	}
}

// SendFireAndForget sends cmd and only waits for frame-delivery
// confirmation from the link layer.
func (s *Layer) SendFireAndForget(ctx context.Context, cmd Command) error {
	res, err := s.link.SendFrame(ctx, frame.DataFrame{Type: frame.Request, FunctionID: cmd.FunctionID, Payload: cmd.Payload})
	if err != nil {
		return err
	}
	if res.Status == link.Failed {
		return zwaveerr.New(zwaveerr.FrameDelivery, "session.SendFireAndForget", fmt.Errorf("frame not acknowledged after %d retries", res.Retries))
	}
	return nil
}

// dispatchLoop reads the link's inbound frames and routes them: Response
// frames to the held slot, callback Requests by session id, everything
// else to the matching unsolicited subscriber.
func (s *Layer) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case df := <-s.link.Inbound():
			s.route(df)
		}
	}
}

func (s *Layer) route(df frame.DataFrame) {
	switch df.Type {
	case frame.Response:
		s.slotMu.Lock()
		slot := s.slot
		s.slotMu.Unlock()
		if slot != nil && slot.functionID == df.FunctionID {
			select {
			case slot.ch <- df:
			default:
				log.Printf("session: response slot awaiter for function 0x%02x was not ready", df.FunctionID)
			}
			return
		}
		log.Printf("session: discarding unexpected Response for function 0x%02x (no matching awaiter)", df.FunctionID)

	case frame.Request:
		s.cbMu.Lock()
		var matched chan frame.DataFrame
		var matchedKey callbackKey
		offset := s.callbackOffset(df.FunctionID)
		if offset >= 0 && offset < len(df.Payload) {
			key := callbackKey{functionID: df.FunctionID, sessionID: df.Payload[offset]}
			if ch, ok := s.callbacks[key]; ok {
				matched = ch
				matchedKey = key
			}
		}
		if matched != nil {
			delete(s.callbacks, matchedKey)
		}
		s.cbMu.Unlock()

		if matched != nil {
			select {
			case matched <- df:
			default:
				log.Printf("session: callback awaiter for function 0x%02x session 0x%02x was not ready", df.FunctionID, matchedKey.sessionID)
			}
			return
		}

		s.subMu.Lock()
		sub, ok := s.subscribers[df.FunctionID]
		s.subMu.Unlock()
		if ok {
			select {
			case sub <- df:
			default:
				log.Printf("session: unsolicited subscriber for function 0x%02x is full, dropping frame", df.FunctionID)
			}
			return
		}

		log.Printf("session: dropping request for unknown/unsubscribed function 0x%02x", df.FunctionID)

	default:
		log.Printf("session: dropping frame with unrecognized type")
	}
}

// defaultDeadline is used by callers that don't supply their own context
// deadline for callback-bearing commands.
const defaultDeadline = 10 * time.Second

// WithDefaultTimeout returns a context bounded by d if ctx has no deadline
// of its own, mirroring the optional callback_default_timeout config knob.
func WithDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	if d <= 0 {
		d = defaultDeadline
	}
	return context.WithTimeout(ctx, d)
}
