// Package interview implements the per-node interview orchestrator:
// protocol-info query, node-info retrieval with retry, and a two-queue
// topological-order command-class interview.
package interview

import (
	"context"
	"log"
	"time"

	"github.com/zwavelink/zwave/pkg/node"
	"github.com/zwavelink/zwave/pkg/zwaveerr"
)

// NodeInfoRetryBound caps the node-info retry loop at a small finite bound
// rather than retrying forever (see DESIGN.md).
const NodeInfoRetryBound = 5

// NodeInfoRetryBase is the linear backoff unit: 100ms times the attempt
// number.
const NodeInfoRetryBase = 100 * time.Millisecond

// Session is the narrow set of driver/session operations the orchestrator
// needs, kept as an interface so tests can supply a fake.
type Session interface {
	// QueryProtocolInfo performs the protocol-info request/response for
	// the given node id.
	QueryProtocolInfo(ctx context.Context, nodeID node.NodeID) (node.ProtocolInfo, error)

	// RequestNodeInfo triggers the controller's "request node info" and
	// waits for the resulting unsolicited advertisement. A false second
	// return means the controller replied "not accepted" and the caller
	// should retry with backoff.
	RequestNodeInfo(ctx context.Context, nodeID node.NodeID) ([]node.CommandClassInfo, bool, error)
}

// Orchestrator drives interviews for nodes constructed elsewhere.
type Orchestrator struct {
	session      Session
	controllerID node.NodeID
}

// New builds an Orchestrator. controllerID is the controller's own node
// id: interviewing it short-circuits straight to complete, since a
// controller doesn't interview itself as an application node.
func New(session Session, controllerID node.NodeID) *Orchestrator {
	return &Orchestrator{session: session, controllerID: controllerID}
}

// Interview runs the full per-node sequence: protocol-info query, then
// (for non-controller nodes) node-info retrieval, capability merge, and
// per-command-class interview.
func (o *Orchestrator) Interview(ctx context.Context, n *node.Node) error {
	n.SetInterviewStatus(node.InterviewInProgress)

	info, err := o.session.QueryProtocolInfo(ctx, n.ID)
	if err != nil {
		n.SetInterviewStatus(node.InterviewPending)
		return zwaveerr.New(zwaveerr.ResponseTimeout, "interview.Interview", err)
	}
	n.SetProtocolInfo(info)

	if n.ID == o.controllerID {
		n.SetInterviewStatus(node.InterviewComplete)
		return nil
	}

	ccs, err := o.requestNodeInfoWithRetry(ctx, n.ID)
	if err != nil {
		n.SetInterviewStatus(node.InterviewPending)
		return err
	}

	for _, cc := range ccs {
		n.MergeCapability(cc)
	}

	o.interviewCommandClasses(ctx, n)

	n.SetInterviewStatus(node.InterviewComplete)
	return nil
}

func (o *Orchestrator) requestNodeInfoWithRetry(ctx context.Context, nodeID node.NodeID) ([]node.CommandClassInfo, error) {
	for attempt := 1; attempt <= NodeInfoRetryBound; attempt++ {
		ccs, accepted, err := o.session.RequestNodeInfo(ctx, nodeID)
		if err != nil {
			return nil, zwaveerr.New(zwaveerr.ResponseTimeout, "interview.requestNodeInfoWithRetry", err)
		}
		if accepted {
			return ccs, nil
		}

		if attempt == NodeInfoRetryBound {
			return nil, zwaveerr.New(zwaveerr.ResponseTimeout, "interview.requestNodeInfoWithRetry",
				errRetryBoundExceeded(nodeID, attempt))
		}

		delay := time.Duration(attempt) * NodeInfoRetryBase
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, zwaveerr.New(zwaveerr.Canceled, "interview.requestNodeInfoWithRetry", ctx.Err())
		}
	}
	return nil, errRetryBoundExceeded(nodeID, NodeInfoRetryBound)
}

type retryBoundExceededError struct {
	nodeID  node.NodeID
	attempt int
}

func (e retryBoundExceededError) Error() string {
	return "node info request not accepted after retries"
}

func errRetryBoundExceeded(nodeID node.NodeID, attempt int) error {
	return retryBoundExceededError{nodeID: nodeID, attempt: attempt}
}

// interviewCommandClasses runs every registered handler's interview in an
// order consistent with its declared dependencies: a two-queue rotation
// equivalent to Kahn's algorithm without needing in-degree bookkeeping,
// since dependency sets are small and static.
func (o *Orchestrator) interviewCommandClasses(ctx context.Context, n *node.Node) {
	pending := n.Handlers()
	interviewed := map[node.CCId]bool{}

	queueA := pending
	var queueB []*node.Handler

	for len(queueA) > 0 {
		progressed := false

		for _, h := range queueA {
			if ctx.Err() != nil {
				return
			}

			if allDepsInterviewed(h, interviewed, n) {
				runHandlerInterview(ctx, n, h)
				interviewed[h.Info().CCId] = true
				progressed = true
			} else {
				queueB = append(queueB, h)
			}
		}

		if !progressed && len(queueB) > 0 {
			// Dependency declarations must be acyclic; dependencies with
			// no registered handler count as satisfied, so a stalled
			// rotation means the remaining handlers depend on each other
			// in a cycle. Interview the rest anyway rather than spin.
			for _, h := range queueB {
				runHandlerInterview(ctx, n, h)
				interviewed[h.Info().CCId] = true
			}
			queueB = nil
		}

		queueA, queueB = queueB, nil
	}
}

func allDepsInterviewed(h *node.Handler, interviewed map[node.CCId]bool, n *node.Node) bool {
	for _, dep := range h.Dependencies() {
		if n.Handler(dep) == nil {
			continue // no handler registered for the dependency on this node: nothing to wait for
		}
		if !interviewed[dep] {
			return false
		}
	}
	return true
}

// runHandlerInterview runs one handler's interview step, recording and
// continuing past failure: a single command class's interview failing
// must not abort the rest of the node's interview.
func runHandlerInterview(ctx context.Context, n *node.Node, h *node.Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("interview: node %d cc 0x%02x panicked during interview: %v", n.ID, h.Info().CCId, r)
		}
	}()
	if err := h.Interview(ctx); err != nil {
		log.Printf("interview: node %d cc 0x%02x interview failed, continuing: %v", n.ID, h.Info().CCId, err)
	}
	h.MarkInterviewed()
}
