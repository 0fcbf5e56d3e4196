// Package driver wires the frame, transport, link, session, node,
// interview, and controller packages into the single facade a consumer
// constructs.
package driver

import (
	"context"
	"log"
	"sync"

	"github.com/zwavelink/zwave/pkg/config"
	"github.com/zwavelink/zwave/pkg/controller"
	"github.com/zwavelink/zwave/pkg/frame"
	"github.com/zwavelink/zwave/pkg/interview"
	"github.com/zwavelink/zwave/pkg/link"
	"github.com/zwavelink/zwave/pkg/node"
	"github.com/zwavelink/zwave/pkg/session"
	"github.com/zwavelink/zwave/pkg/transport"
	"github.com/zwavelink/zwave/pkg/zwaveerr"
	"github.com/zwavelink/zwave/pkg/zwaveevent"
)

// Function ids the driver itself depends on, beyond the handful
// pkg/controller uses for bring-up. The full catalog remains out of
// scope; these cover node interview triggers and application-layer
// command-class traffic.
const (
	funcGetNodeProtocolInfo        byte = 0x41
	funcZWRequestNodeInfo          byte = 0x60
	funcApplicationUpdate          byte = 0x49
	funcApplicationCommandHandler  byte = 0x04
	applicationUpdateNodeInfoState byte = 0x84
	ccListSentinel                 byte = 0xEF
)

// Driver is the top-level handle a consumer constructs once per serial
// port.
type Driver struct {
	cfg config.Config

	transport *transport.Transport
	link      *link.Coordinator
	session   *session.Layer

	orchestrator *interview.Orchestrator

	identityMu sync.RWMutex
	identity   *controller.Identity

	registry node.Registry

	nodesMu sync.RWMutex
	nodes   map[node.NodeID]*node.Node

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New opens the port, runs bring-up, constructs nodes from init data, and
// starts their interviews concurrently.
func New(cfg config.Config) (*Driver, error) {
	cfg = cfg.WithDefaults()

	t, err := transport.New(transport.Config{Port: cfg.Port, BaudRate: cfg.BaudRate, ReopenDelay: cfg.ReopenDelay})
	if err != nil {
		return nil, zwaveerr.New(zwaveerr.InitializationFailed, "driver.New", err)
	}

	linkCoord, err := link.New(t, link.Options{AckTimeout: cfg.AckTimeout, MaxRetries: cfg.MaxRetries})
	if err != nil {
		return nil, zwaveerr.New(zwaveerr.InitializationFailed, "driver.New", err)
	}

	sess := session.New(linkCoord)

	ctx, cancel := context.WithCancel(context.Background())

	d := &Driver{
		cfg:       cfg,
		transport: t,
		link:      linkCoord,
		session:   sess,
		registry:  node.DefaultRegistry(),
		nodes:     make(map[node.NodeID]*node.Node),
		ctx:       ctx,
		cancel:    cancel,
	}

	identity, nodeIDs, err := controller.Bootstrap(ctx, linkCoord, sess, controller.Timeouts{}, cfg.EventSink)
	if err != nil {
		cancel()
		sess.Close()
		linkCoord.Close()
		return nil, err
	}
	d.identity = identity

	d.orchestrator = interview.New(&interviewSessionAdapter{session: sess}, identity.OwnNodeID)

	for _, id := range nodeIDs {
		d.addNode(id)
	}

	d.watchApplicationCommands()
	controller.WatchNodeChanges(ctx, sess, controller.NodeChangeHandlers{
		OnNodeAdded:   d.onNodeAdded,
		OnNodeRemoved: d.onNodeRemoved,
	})

	d.interviewAllNodes()

	return d, nil
}

// Identity returns the controller's self-enumerated identity.
func (d *Driver) Identity() controller.Identity {
	d.identityMu.RLock()
	defer d.identityMu.RUnlock()
	return *d.identity
}

// Node returns the node with the given id, or nil if unknown.
func (d *Driver) Node(id node.NodeID) *node.Node {
	d.nodesMu.RLock()
	defer d.nodesMu.RUnlock()
	return d.nodes[id]
}

// Nodes returns a snapshot of every known node.
func (d *Driver) Nodes() []*node.Node {
	d.nodesMu.RLock()
	defer d.nodesMu.RUnlock()
	out := make([]*node.Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	return out
}

// Session exposes the session layer for sending application-level
// commands once a node's command classes are known. The payload catalog
// that would make this fully type-safe per command is out of scope;
// callers outside this module build session.Command values directly.
func (d *Driver) Session() *session.Layer { return d.session }

func (d *Driver) addNode(id node.NodeID) *node.Node {
	n := node.New(id)
	for _, h := range d.registry.NewHandlers() {
		n.RegisterHandler(h)
	}
	d.nodesMu.Lock()
	d.nodes[id] = n
	d.nodesMu.Unlock()
	return n
}

func (d *Driver) onNodeAdded(id node.NodeID) {
	if d.Node(id) != nil {
		return
	}
	n := d.addNode(id)
	zwaveevent.Emit(d.cfg.EventSink, zwaveevent.Event{Kind: zwaveevent.KindNodeAdded, NodeID: uint16(id), Message: "node added"})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.orchestrator.Interview(d.ctx, n); err != nil {
			zwaveevent.Emit(d.cfg.EventSink, zwaveevent.Event{Kind: zwaveevent.KindNodeInterviewFail, NodeID: uint16(id), Err: err})
		} else {
			zwaveevent.Emit(d.cfg.EventSink, zwaveevent.Event{Kind: zwaveevent.KindNodeInterviewDone, NodeID: uint16(id)})
		}
	}()
}

func (d *Driver) onNodeRemoved(id node.NodeID) {
	d.nodesMu.Lock()
	delete(d.nodes, id)
	d.nodesMu.Unlock()
	zwaveevent.Emit(d.cfg.EventSink, zwaveevent.Event{Kind: zwaveevent.KindNodeRemoved, NodeID: uint16(id), Message: "node removed"})
}

func (d *Driver) interviewAllNodes() {
	for _, n := range d.Nodes() {
		n := n
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.orchestrator.Interview(d.ctx, n); err != nil {
				zwaveevent.Emit(d.cfg.EventSink, zwaveevent.Event{Kind: zwaveevent.KindNodeInterviewFail, NodeID: uint16(n.ID), Err: err})
				return
			}
			zwaveevent.Emit(d.cfg.EventSink, zwaveevent.Event{Kind: zwaveevent.KindNodeInterviewDone, NodeID: uint16(n.ID)})
		}()
	}
}

// watchApplicationCommands routes inbound application-command-handler
// frames to the originating node's dispatcher: the command-class payload
// travels as the body of the application command handler function.
func (d *Driver) watchApplicationCommands() {
	ch := make(chan frame.DataFrame, 64)
	d.session.Subscribe(funcApplicationCommandHandler, ch)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.session.Unsubscribe(funcApplicationCommandHandler)
		for {
			select {
			case <-d.ctx.Done():
				return
			case df := <-ch:
				d.dispatchApplicationCommand(df)
			}
		}
	}()
}

// Layout: [rx_status, source_node_id, cmd_length, cc_id, command_id, params...]
func (d *Driver) dispatchApplicationCommand(df frame.DataFrame) {
	if len(df.Payload) < 5 {
		zwaveevent.Emit(d.cfg.EventSink, zwaveevent.Event{Kind: zwaveevent.KindUnsolicitedDrop, Message: "short application command handler frame"})
		return
	}

	sourceNodeID := node.NodeID(df.Payload[1])
	cmdLen := int(df.Payload[2])
	body := df.Payload[3:]
	if cmdLen < len(body) {
		body = body[:cmdLen]
	}
	if len(body) < 2 {
		return
	}

	n := d.Node(sourceNodeID)
	if n == nil {
		log.Printf("driver: application command handler frame for unknown node %d", sourceNodeID)
		zwaveevent.Emit(d.cfg.EventSink, zwaveevent.Event{Kind: zwaveevent.KindUnsolicitedDrop, NodeID: uint16(sourceNodeID), Message: "unknown node"})
		return
	}

	n.Dispatch(node.CommandClassFrame{
		CCId:      node.CCId(body[0]),
		CommandId: node.CommandId(body[1]),
		Params:    body[2:],
	})
}

// Close stops all background work and closes the underlying port.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
		d.session.Close()
		err = d.link.Close()
	})
	return err
}

// interviewSessionAdapter implements interview.Session over the generic
// session.Layer, using the fixed node-info-related function ids this
// package depends on.
type interviewSessionAdapter struct {
	session *session.Layer
}

func (a *interviewSessionAdapter) QueryProtocolInfo(ctx context.Context, nodeID node.NodeID) (node.ProtocolInfo, error) {
	resp, err := a.session.SendRequestResponse(ctx, session.Command{FunctionID: funcGetNodeProtocolInfo, Payload: []byte{byte(nodeID)}})
	if err != nil {
		return node.ProtocolInfo{}, err
	}
	return parseProtocolInfo(resp.Payload), nil
}

func (a *interviewSessionAdapter) RequestNodeInfo(ctx context.Context, nodeID node.NodeID) ([]node.CommandClassInfo, bool, error) {
	ch := make(chan frame.DataFrame, 1)
	a.session.Subscribe(funcApplicationUpdate, ch)
	defer a.session.Unsubscribe(funcApplicationUpdate)

	if err := a.session.SendFireAndForget(ctx, session.Command{FunctionID: funcZWRequestNodeInfo, Payload: []byte{byte(nodeID)}}); err != nil {
		return nil, false, err
	}

	select {
	case df := <-ch:
		accepted, ccs := parseApplicationUpdate(df.Payload)
		return ccs, accepted, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// parseProtocolInfo decodes the node protocol-info response's leading
// capability flags byte; the exact bit layout is part of the out-of-scope
// per-function catalog, approximated here so bring-up is exercisable (see
// DESIGN.md).
func parseProtocolInfo(payload []byte) node.ProtocolInfo {
	if len(payload) < 1 {
		return node.ProtocolInfo{}
	}
	flags := payload[0]
	info := node.ProtocolInfo{
		Listening:           flags&0x80 != 0,
		FrequentlyListening: flags&0x60 != 0,
		Routing:             flags&0x40 != 0,
		MaxSpeedKbps:        100,
	}
	switch flags & 0x18 {
	case 0x10:
		info.MaxSpeedKbps = 40
	case 0x08:
		info.MaxSpeedKbps = 9
	}
	return info
}

// parseApplicationUpdate decodes an "application update" unsolicited
// frame triggered by request-node-info. Layout: [status, node_id,
// info_len, basic, generic, specific, cc_list...], where cc_list is
// supported CCs, a 0xEF sentinel, then controlled CCs.
func parseApplicationUpdate(payload []byte) (accepted bool, ccs []node.CommandClassInfo) {
	if len(payload) < 1 {
		return false, nil
	}
	if payload[0] != applicationUpdateNodeInfoState {
		return false, nil
	}
	if len(payload) < 3 {
		return true, nil
	}

	infoLen := int(payload[2])
	info := payload[3:]
	if infoLen < len(info) {
		info = info[:infoLen]
	}
	if len(info) <= 3 {
		return true, nil
	}

	supported := true
	for _, b := range info[3:] {
		if b == ccListSentinel {
			supported = false
			continue
		}
		ccs = append(ccs, node.CommandClassInfo{CCId: node.CCId(b), Supported: supported, Controlled: !supported})
	}
	return true, ccs
}
