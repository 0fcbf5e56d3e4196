// Package controller implements driver bring-up: forcing the controller
// into a known state, waiting for it to announce itself, enumerating its
// identity, optionally self-promoting to SUC/SIS, and handing back the
// initial node list.
package controller

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/zwavelink/zwave/pkg/frame"
	"github.com/zwavelink/zwave/pkg/node"
	"github.com/zwavelink/zwave/pkg/session"
	"github.com/zwavelink/zwave/pkg/zwaveerr"
	"github.com/zwavelink/zwave/pkg/zwaveevent"
)

// Well-known Serial API function ids needed for bring-up only. The full
// ~120-function catalog is out of scope; these are the fixed handful
// bring-up itself depends on.
const (
	funcSerialAPIGetInitData      byte = 0x02
	funcGetControllerCapabilities byte = 0x05
	funcSerialAPIGetCapabilities  byte = 0x07
	funcSerialAPISoftReset        byte = 0x08
	funcZWGetVersion              byte = 0x15
	funcMemoryGetID               byte = 0x20
	funcZWSetSucNodeID            byte = 0x54
	funcZWGetSucNodeID            byte = 0x56
	funcSerialAPIStarted          byte = 0x0A // unsolicited
	funcApplicationUpdate         byte = 0x49 // unsolicited: node info received
	funcNodeAdded                 byte = 0x4A // unsolicited: inclusion-controller callback
	funcNodeRemoved               byte = 0x4B // unsolicited: exclusion-controller callback
)

// controllerIsSecondaryBit marks payload[0] of GetControllerCapabilities
// when this controller is NOT primary.
const controllerIsSecondaryBit = 0x01

// RawWriter is the subset of *link.Coordinator bring-up needs for the
// single pre-handshake NAK.
type RawWriter interface {
	WriteRawControl(kind frame.Kind) error
}

// Session is the subset of *session.Layer bring-up and node-change
// passthrough need.
type Session interface {
	SendRequestResponse(ctx context.Context, cmd session.Command) (frame.DataFrame, error)
	SendFireAndForget(ctx context.Context, cmd session.Command) error
	Subscribe(functionID byte, ch chan frame.DataFrame)
	Unsubscribe(functionID byte)
}

// Identity is the controller's self-enumerated identity.
type Identity struct {
	HomeID                    uint32
	OwnNodeID                 node.NodeID
	LibraryType               byte
	LibraryVersion            string
	ApiCapabilities           []byte
	SucNodeID                 node.NodeID
	IsPrimaryController       bool
}

// Timeouts bounds the waits bring-up is willing to take.
type Timeouts struct {
	SerialAPIStarted time.Duration
}

// DefaultSerialAPIStartedTimeout bounds how long bring-up waits for the
// serial-api-started notification before proceeding anyway.
const DefaultSerialAPIStartedTimeout = 2 * time.Second

func (t Timeouts) withDefaults() Timeouts {
	if t.SerialAPIStarted == 0 {
		t.SerialAPIStarted = DefaultSerialAPIStartedTimeout
	}
	return t
}

// Bootstrap runs the fixed bring-up sequence and returns the controller's
// identity plus the node ids advertised in init data.
func Bootstrap(ctx context.Context, rw RawWriter, sess Session, timeouts Timeouts, sink zwaveevent.Sink) (*Identity, []node.NodeID, error) {
	timeouts = timeouts.withDefaults()

	if err := rw.WriteRawControl(frame.KindNak); err != nil {
		return nil, nil, zwaveerr.New(zwaveerr.InitializationFailed, "controller.Bootstrap", fmt.Errorf("forcing initial NAK: %w", err))
	}

	if err := sess.SendFireAndForget(ctx, session.Command{FunctionID: funcSerialAPISoftReset}); err != nil {
		log.Printf("controller: soft reset fire-and-forget failed, continuing: %v", err)
	}

	waitForSerialAPIStarted(ctx, sess, timeouts.SerialAPIStarted)

	identity, err := enumerateIdentity(ctx, sess)
	if err != nil {
		return nil, nil, zwaveerr.New(zwaveerr.InitializationFailed, "controller.Bootstrap", err)
	}

	// Promote self to SUC/SIS only when no SUC exists and this controller
	// is primary (see DESIGN.md for the rationale behind this rule).
	if identity.SucNodeID == 0 && identity.IsPrimaryController {
		if err := sess.SendFireAndForget(ctx, session.Command{FunctionID: funcZWSetSucNodeID}); err != nil {
			log.Printf("controller: suc/sis self-promotion failed, continuing: %v", err)
		} else {
			zwaveevent.Emit(sink, zwaveevent.Event{Kind: zwaveevent.KindControllerReady, Timestamp: nowFunc(), Message: "promoted self to SUC/SIS"})
		}
	}

	nodeIDs, err := requestInitData(ctx, sess)
	if err != nil {
		return identity, nil, zwaveerr.New(zwaveerr.InitializationFailed, "controller.Bootstrap", err)
	}

	zwaveevent.Emit(sink, zwaveevent.Event{
		Kind:      zwaveevent.KindControllerReady,
		Timestamp: nowFunc(),
		Message:   fmt.Sprintf("controller ready: home id 0x%08x, own node %d, %d nodes in init data", identity.HomeID, identity.OwnNodeID, len(nodeIDs)),
	})

	return identity, nodeIDs, nil
}

// nowFunc is a seam so tests don't depend on wall-clock time.
var nowFunc = time.Now

func waitForSerialAPIStarted(ctx context.Context, sess Session, timeout time.Duration) {
	ch := make(chan frame.DataFrame, 1)
	sess.Subscribe(funcSerialAPIStarted, ch)
	defer sess.Unsubscribe(funcSerialAPIStarted)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		log.Printf("controller: received serial api started notification")
	case <-timer.C:
		log.Printf("controller: timed out waiting for serial api started, proceeding anyway")
	case <-ctx.Done():
		log.Printf("controller: canceled while waiting for serial api started")
	}
}

func enumerateIdentity(ctx context.Context, sess Session) (*Identity, error) {
	capResp, err := sess.SendRequestResponse(ctx, session.Command{FunctionID: funcSerialAPIGetCapabilities})
	if err != nil {
		return nil, fmt.Errorf("serial api get capabilities: %w", err)
	}

	verResp, err := sess.SendRequestResponse(ctx, session.Command{FunctionID: funcZWGetVersion})
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}

	memResp, err := sess.SendRequestResponse(ctx, session.Command{FunctionID: funcMemoryGetID})
	if err != nil {
		return nil, fmt.Errorf("memory get id: %w", err)
	}

	ctrlCapResp, err := sess.SendRequestResponse(ctx, session.Command{FunctionID: funcGetControllerCapabilities})
	if err != nil {
		return nil, fmt.Errorf("get controller capabilities: %w", err)
	}

	sucResp, err := sess.SendRequestResponse(ctx, session.Command{FunctionID: funcZWGetSucNodeID})
	if err != nil {
		return nil, fmt.Errorf("get suc node id: %w", err)
	}

	id := &Identity{ApiCapabilities: capResp.Payload}

	if len(memResp.Payload) >= 5 {
		id.HomeID = binary.BigEndian.Uint32(memResp.Payload[0:4])
		id.OwnNodeID = node.NodeID(memResp.Payload[4])
	}

	if len(verResp.Payload) >= 1 {
		nullIdx := bytes.IndexByte(verResp.Payload, 0)
		if nullIdx < 0 {
			nullIdx = len(verResp.Payload)
		}
		id.LibraryVersion = string(verResp.Payload[:nullIdx])
		if len(verResp.Payload) > nullIdx+1 {
			id.LibraryType = verResp.Payload[len(verResp.Payload)-1]
		}
	}

	if len(ctrlCapResp.Payload) >= 1 {
		id.IsPrimaryController = ctrlCapResp.Payload[0]&controllerIsSecondaryBit == 0
	}

	if len(sucResp.Payload) >= 1 {
		id.SucNodeID = node.NodeID(sucResp.Payload[0])
	}

	return id, nil
}

func requestInitData(ctx context.Context, sess Session) ([]node.NodeID, error) {
	resp, err := sess.SendRequestResponse(ctx, session.Command{FunctionID: funcSerialAPIGetInitData})
	if err != nil {
		return nil, fmt.Errorf("serial api get init data: %w", err)
	}
	return parseInitDataNodeIDs(resp.Payload), nil
}

// parseInitDataNodeIDs decodes the node bitmask from a
// SerialAPIGetInitData response: [api_version, capabilities, num_bytes,
// bitmask..., chip_type, chip_version].
func parseInitDataNodeIDs(payload []byte) []node.NodeID {
	if len(payload) < 3 {
		return nil
	}
	numBytes := int(payload[2])
	if 3+numBytes > len(payload) {
		numBytes = len(payload) - 3
	}
	bitmask := payload[3 : 3+numBytes]

	var ids []node.NodeID
	for byteIdx, b := range bitmask {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) != 0 {
				ids = append(ids, node.NodeID(byteIdx*8+bit+1))
			}
		}
	}
	return ids
}

// NodeChangeHandlers wires the node-added/node-removed inclusion-adjacent
// callbacks just far enough to let the driver refresh its node map;
// orchestrating inclusion itself is out of scope, only carrying its
// callback frames.
type NodeChangeHandlers struct {
	OnNodeAdded   func(node.NodeID)
	OnNodeRemoved func(node.NodeID)
}

// WatchNodeChanges subscribes to the node-added/node-removed unsolicited
// functions and runs until ctx is canceled.
func WatchNodeChanges(ctx context.Context, sess Session, h NodeChangeHandlers) {
	added := make(chan frame.DataFrame, 8)
	removed := make(chan frame.DataFrame, 8)
	sess.Subscribe(funcNodeAdded, added)
	sess.Subscribe(funcNodeRemoved, removed)

	go func() {
		defer sess.Unsubscribe(funcNodeAdded)
		defer sess.Unsubscribe(funcNodeRemoved)
		for {
			select {
			case <-ctx.Done():
				return
			case df := <-added:
				if len(df.Payload) >= 1 && h.OnNodeAdded != nil {
					h.OnNodeAdded(node.NodeID(df.Payload[0]))
				}
			case df := <-removed:
				if len(df.Payload) >= 1 && h.OnNodeRemoved != nil {
					h.OnNodeRemoved(node.NodeID(df.Payload[0]))
				}
			}
		}
	}()
}
