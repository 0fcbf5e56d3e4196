package driver

import (
	"testing"

	"github.com/zwavelink/zwave/pkg/frame"
	"github.com/zwavelink/zwave/pkg/node"
)

func TestParseProtocolInfoDecodesFlags(t *testing.T) {
	info := parseProtocolInfo([]byte{0x80 | 0x40})
	if !info.Listening {
		t.Fatal("expected listening bit set")
	}
	if !info.Routing {
		t.Fatal("expected routing bit set")
	}
	if info.MaxSpeedKbps != 100 {
		t.Fatalf("got max speed %d, want 100 (no speed bits set)", info.MaxSpeedKbps)
	}
}

func TestParseProtocolInfoEmptyPayload(t *testing.T) {
	info := parseProtocolInfo(nil)
	if info != (node.ProtocolInfo{}) {
		t.Fatalf("got %+v, want zero value", info)
	}
}

func TestParseApplicationUpdateSplitsSupportedAndControlled(t *testing.T) {
	payload := []byte{
		applicationUpdateNodeInfoState,
		0x05, // node id
		0x07, // info length: basic+generic+specific (3) + cc list (4)
		0x00, 0x04, 0x01, // basic, generic, specific
		0x25, 0x27, ccListSentinel, 0x60,
	}

	accepted, ccs := parseApplicationUpdate(payload)
	if !accepted {
		t.Fatal("expected accepted=true")
	}
	if len(ccs) != 3 {
		t.Fatalf("got %d command classes, want 3", len(ccs))
	}
	if ccs[0].CCId != 0x25 || !ccs[0].Supported || ccs[0].Controlled {
		t.Fatalf("got %+v, want supported-only 0x25", ccs[0])
	}
	if ccs[1].CCId != 0x27 || !ccs[1].Supported || ccs[1].Controlled {
		t.Fatalf("got %+v, want supported-only 0x27", ccs[1])
	}
	if ccs[2].CCId != 0x60 || ccs[2].Supported || !ccs[2].Controlled {
		t.Fatalf("got %+v, want controlled-only 0x60", ccs[2])
	}
}

func TestParseApplicationUpdateRejectsOtherStatus(t *testing.T) {
	accepted, ccs := parseApplicationUpdate([]byte{0x81, 0x05})
	if accepted {
		t.Fatal("expected accepted=false for a non-node-info-received status")
	}
	if ccs != nil {
		t.Fatalf("got %v, want nil", ccs)
	}
}

func TestDispatchApplicationCommandRoutesToKnownNode(t *testing.T) {
	d := &Driver{nodes: map[node.NodeID]*node.Node{}}
	n := node.New(5)
	received := make(chan node.CommandClassFrame, 1)
	n.RegisterHandler(node.NewHandler(0x25, node.HandlerConfig{
		Unsolicited: func(f node.CommandClassFrame) { received <- f },
	}))
	d.nodes[5] = n

	d.dispatchApplicationCommand(frame.DataFrame{
		FunctionID: funcApplicationCommandHandler,
		Payload:    []byte{0x00, 5, 3, 0x25, 0x03, 0xFF},
	})

	select {
	case f := <-received:
		if f.CCId != 0x25 || f.CommandId != 0x03 || len(f.Params) != 1 || f.Params[0] != 0xFF {
			t.Fatalf("got %+v", f)
		}
	default:
		t.Fatal("expected the node's handler to receive the frame")
	}
}

func TestDispatchApplicationCommandIgnoresUnknownNode(t *testing.T) {
	d := &Driver{nodes: map[node.NodeID]*node.Node{}}
	d.dispatchApplicationCommand(frame.DataFrame{
		FunctionID: funcApplicationCommandHandler,
		Payload:    []byte{0x00, 42, 2, 0x25, 0x03},
	})
	// No panic and no node created: nothing further to assert beyond safety.
}
