package interview

import (
	"context"
	"testing"
	"time"

	"github.com/zwavelink/zwave/pkg/node"
)

type fakeSession struct {
	protocolInfo node.ProtocolInfo
	ccs          []node.CommandClassInfo
	rejections   int // how many times RequestNodeInfo should report "not accepted" before succeeding
}

func (f *fakeSession) QueryProtocolInfo(ctx context.Context, nodeID node.NodeID) (node.ProtocolInfo, error) {
	return f.protocolInfo, nil
}

func (f *fakeSession) RequestNodeInfo(ctx context.Context, nodeID node.NodeID) ([]node.CommandClassInfo, bool, error) {
	if f.rejections > 0 {
		f.rejections--
		return nil, false, nil
	}
	return f.ccs, true, nil
}

const (
	ccVersion CCId = 0x86
	ccBattery CCId = 0x80
	ccWakeUp  CCId = 0x84
	ccUnknown CCId = 0xFE
)

// CCId is a local alias so the test table below reads naturally; it is
// identical to node.CCId.
type CCId = node.CCId

func TestInterviewTopologicalOrder(t *testing.T) {
	n := node.New(9)

	var order []node.CCId
	record := func(id node.CCId) func(ctx context.Context, h *node.Handler) error {
		return func(ctx context.Context, h *node.Handler) error {
			order = append(order, id)
			return nil
		}
	}

	n.RegisterHandler(node.NewHandler(ccVersion, node.HandlerConfig{IsVersionHandler: true, Interview: record(ccVersion)}))
	n.RegisterHandler(node.NewHandler(ccBattery, node.HandlerConfig{Interview: record(ccBattery)}))
	n.RegisterHandler(node.NewHandler(ccWakeUp, node.HandlerConfig{Interview: record(ccWakeUp)}))
	n.RegisterHandler(node.NewHandler(ccUnknown, node.HandlerConfig{Interview: record(ccUnknown)}))

	fs := &fakeSession{
		ccs: []node.CommandClassInfo{
			{CCId: ccVersion, Supported: true},
			{CCId: ccBattery, Supported: true},
			{CCId: ccWakeUp, Supported: true},
			{CCId: ccUnknown, Supported: true},
		},
	}
	orch := New(fs, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := orch.Interview(ctx, n); err != nil {
		t.Fatalf("Interview error: %v", err)
	}

	versionPos := -1
	batteryPos, wakeUpPos := -1, -1
	for i, id := range order {
		switch id {
		case ccVersion:
			versionPos = i
		case ccBattery:
			batteryPos = i
		case ccWakeUp:
			wakeUpPos = i
		}
	}
	if versionPos == -1 || batteryPos == -1 || wakeUpPos == -1 {
		t.Fatalf("expected all three cc ids to be interviewed, got order %v", order)
	}
	if versionPos > batteryPos || versionPos > wakeUpPos {
		t.Fatalf("expected Version to be interviewed before Battery and WakeUp, got order %v", order)
	}
	if len(order) != 4 {
		t.Fatalf("expected all 4 registered ccs interviewed, got %v", order)
	}
}

func TestInterviewMarksControllerNodeCompleteWithoutNodeInfo(t *testing.T) {
	n := node.New(1)
	fs := &fakeSession{}
	orch := New(fs, 1)

	if err := orch.Interview(context.Background(), n); err != nil {
		t.Fatalf("Interview error: %v", err)
	}
	if n.GetInterviewStatus() != node.InterviewComplete {
		t.Fatalf("got %v, want InterviewComplete", n.GetInterviewStatus())
	}
}

func TestRequestNodeInfoRetriesOnRejection(t *testing.T) {
	n := node.New(9)
	fs := &fakeSession{rejections: 2, ccs: []node.CommandClassInfo{{CCId: ccVersion, Supported: true}}}
	orch := New(fs, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := orch.Interview(ctx, n); err != nil {
		t.Fatalf("Interview error: %v", err)
	}
	if n.GetInterviewStatus() != node.InterviewComplete {
		t.Fatalf("got %v, want InterviewComplete after retries", n.GetInterviewStatus())
	}
}

func TestRequestNodeInfoGivesUpAfterRetryBound(t *testing.T) {
	n := node.New(9)
	fs := &fakeSession{rejections: NodeInfoRetryBound + 5}
	orch := New(fs, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := orch.Interview(ctx, n); err == nil {
		t.Fatal("expected an error after exceeding the node-info retry bound")
	}
}
