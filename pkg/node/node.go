// Package node implements the per-node command-class dispatch layer: a
// copy-on-write capability map, per-CC awaiter registries, and the
// solicited/unsolicited dispatch contract.
package node

import (
	"context"
	"log"
	"sync"

	"github.com/zwavelink/zwave/pkg/zwaveerr"
)

// NodeID is 16-bit to admit both classic (1..232) and Long Range (>=256)
// node identifiers.
type NodeID uint16

// CCId identifies a command class.
type CCId byte

// CommandId identifies a command within a command class.
type CommandId byte

// CommandClassFrame is the payload of an application-command-handler frame:
// `[cc_id, command_id, parameters...]`.
type CommandClassFrame struct {
	CCId      CCId
	CommandId CommandId
	Params    []byte
}

// CommandClassInfo is the advertised capability for one CC.
type CommandClassInfo struct {
	CCId       CCId
	Supported  bool
	Controlled bool
	Version    int // 0 means unknown; effective default is 1
}

// Merge applies the capability merging rule: supported/controlled OR
// together, the CC id is unchanged. Version is kept at the higher of the
// two known values.
func (a CommandClassInfo) Merge(b CommandClassInfo) CommandClassInfo {
	v := a.Version
	if b.Version > v {
		v = b.Version
	}
	return CommandClassInfo{
		CCId:       a.CCId,
		Supported:  a.Supported || b.Supported,
		Controlled: a.Controlled || b.Controlled,
		Version:    v,
	}
}

// EffectiveVersion returns the version to use for "is this command
// available" checks, defaulting to 1 when unknown.
func (c CommandClassInfo) EffectiveVersion() int {
	if c.Version <= 0 {
		return 1
	}
	return c.Version
}

type awaiter struct {
	commandID CommandId
	predicate func(CommandClassFrame) bool
	done      chan CommandClassFrame
}

// Handler is a single command class's behavior on one node. The zero value
// is not usable; construct with NewHandler.
type Handler struct {
	mu           sync.Mutex // serializes info updates and interview state
	info         CommandClassInfo
	dependencies []CCId
	interviewed  bool

	awaitersMu sync.Mutex
	awaiters   []*awaiter

	unsolicited func(CommandClassFrame)
	interview   func(ctx context.Context, h *Handler) error
}

// HandlerConfig describes a handler's static shape. Dependencies is the
// list of other CC ids that must be interviewed first; the Version CC is
// added implicitly unless IsVersionHandler is set. Interview solicits the
// device's current state and may be left nil for capabilities that are
// purely on-demand.
type HandlerConfig struct {
	Dependencies     []CCId
	IsVersionHandler bool
	Unsolicited      func(CommandClassFrame)
	Interview        func(ctx context.Context, h *Handler) error
}

const versionCCId CCId = 0x86

// NewHandler builds a Handler for ccID with the given static configuration.
func NewHandler(ccID CCId, cfg HandlerConfig) *Handler {
	deps := append([]CCId(nil), cfg.Dependencies...)
	if !cfg.IsVersionHandler && ccID != versionCCId {
		hasVersion := false
		for _, d := range deps {
			if d == versionCCId {
				hasVersion = true
				break
			}
		}
		if !hasVersion {
			deps = append(deps, versionCCId)
		}
	}
	unsolicited := cfg.Unsolicited
	if unsolicited == nil {
		unsolicited = func(f CommandClassFrame) {
			log.Printf("node: cc 0x%02x: unhandled unsolicited command 0x%02x", ccID, f.CommandId)
		}
	}
	return &Handler{
		info:         CommandClassInfo{CCId: ccID},
		dependencies: deps,
		unsolicited:  unsolicited,
		interview:    cfg.Interview,
	}
}

// Interview runs this handler's interview step, if it has one. Handlers
// with no Interview configured are a no-op.
func (h *Handler) Interview(ctx context.Context) error {
	if h.interview == nil {
		return nil
	}
	return h.interview(ctx, h)
}

// Info returns the handler's current merged capability.
func (h *Handler) Info() CommandClassInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

// MergeInfo applies the capability merging rule in place.
func (h *Handler) MergeInfo(update CommandClassInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.info = h.info.Merge(update)
}

// Dependencies returns the static list of CC ids that must be interviewed
// before this one.
func (h *Handler) Dependencies() []CCId {
	return append([]CCId(nil), h.dependencies...)
}

// MarkInterviewed records that this handler's interview step has run.
func (h *Handler) MarkInterviewed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interviewed = true
}

// Interviewed reports whether this handler has completed interview.
func (h *Handler) Interviewed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interviewed
}

// AwaitNextReport registers an awaiter for the next inbound frame with the
// given command id (and, if predicate is non-nil, for which predicate
// returns true). The predicate MUST be side-effect-free and must not parse
// the frame's payload — it may only inspect raw bytes.
func (h *Handler) AwaitNextReport(ctx context.Context, commandID CommandId, predicate func(CommandClassFrame) bool) (CommandClassFrame, error) {
	a := &awaiter{commandID: commandID, predicate: predicate, done: make(chan CommandClassFrame, 1)}

	h.awaitersMu.Lock()
	h.awaiters = append(h.awaiters, a)
	h.awaitersMu.Unlock()

	select {
	case f := <-a.done:
		return f, nil
	case <-ctx.Done():
		h.removeAwaiter(a)
		return CommandClassFrame{}, zwaveerr.New(zwaveerr.ResponseTimeout, "node.AwaitNextReport", ctx.Err())
	}
}

func (h *Handler) removeAwaiter(target *awaiter) {
	h.awaitersMu.Lock()
	defer h.awaitersMu.Unlock()
	for i, a := range h.awaiters {
		if a == target {
			h.awaiters = append(h.awaiters[:i], h.awaiters[i+1:]...)
			return
		}
	}
}

// Process dispatches an inbound command-class frame: exactly one of an
// awaiter match or the unsolicited sink fires. Parsing (by the matched
// awaiter's caller, or by the unsolicited sink) happens at most once per
// frame — Process itself never parses the payload.
func (h *Handler) Process(f CommandClassFrame) {
	h.awaitersMu.Lock()
	var matched *awaiter
	var idx int
	for i, a := range h.awaiters {
		if a.commandID != f.CommandId {
			continue
		}
		if a.predicate != nil && !a.predicate(f) {
			continue
		}
		matched = a
		idx = i
		break
	}
	if matched != nil {
		h.awaiters = append(h.awaiters[:idx], h.awaiters[idx+1:]...)
	}
	h.awaitersMu.Unlock()

	if matched != nil {
		matched.done <- f
		return
	}

	h.invokeUnsolicited(f)
}

// invokeUnsolicited calls the sink, logging and swallowing any panic
// instead of letting it take down the dispatch loop.
func (h *Handler) invokeUnsolicited(f CommandClassFrame) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("node: cc 0x%02x: unsolicited handler panicked: %v", f.CCId, r)
		}
	}()
	h.unsolicited(f)
}

// capMap is an immutable snapshot replaced on every write: a writer builds
// a new map and swaps it in under ccMu's write lock. Readers hold ccMu's
// read lock only while fetching (or, in Handlers, copying) the current
// map, so a reader can wait for a swap in progress; reads are not
// lock-free.
type capMap map[CCId]*Handler

// Node owns one controller-network node's identity and command-class
// dispatch table.
type Node struct {
	ID NodeID

	writeMu sync.Mutex // serializes writers; readers do not take it
	ccMu    sync.RWMutex
	ccs     capMap

	metaMu          sync.Mutex
	protocolInfo    ProtocolInfo
	interviewStatus InterviewStatus
}

// ProtocolInfo is the metadata populated by the protocol-info query. The
// exact bit layout of the underlying function's payload is out of scope;
// these are the fields higher layers need.
type ProtocolInfo struct {
	Listening     bool
	FrequentlyListening bool
	Routing       bool
	MaxSpeedKbps  int
	IsController  bool
}

// InterviewStatus tracks node-level interview progress.
type InterviewStatus int

const (
	InterviewPending InterviewStatus = iota
	InterviewInProgress
	InterviewComplete
)

func (s InterviewStatus) String() string {
	switch s {
	case InterviewPending:
		return "pending"
	case InterviewInProgress:
		return "in-progress"
	case InterviewComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// New constructs a Node with an empty capability map.
func New(id NodeID) *Node {
	return &Node{ID: id, ccs: capMap{}}
}

// Handler returns the handler for ccID, or nil if the CC is not present.
func (n *Node) Handler(ccID CCId) *Handler {
	n.ccMu.RLock()
	defer n.ccMu.RUnlock()
	return n.ccs[ccID]
}

// Handlers returns a snapshot of every registered handler.
func (n *Node) Handlers() []*Handler {
	n.ccMu.RLock()
	defer n.ccMu.RUnlock()
	out := make([]*Handler, 0, len(n.ccs))
	for _, h := range n.ccs {
		out = append(out, h)
	}
	return out
}

// RegisterHandler installs h under its own CC id, copy-on-write. If a
// handler for that CC id already exists, it is replaced — use
// MergeCapability to fold in advertised info for an existing handler.
func (n *Node) RegisterHandler(h *Handler) {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	n.ccMu.RLock()
	next := make(capMap, len(n.ccs)+1)
	for k, v := range n.ccs {
		next[k] = v
	}
	n.ccMu.RUnlock()

	next[h.Info().CCId] = h

	n.ccMu.Lock()
	n.ccs = next
	n.ccMu.Unlock()
}

// MergeCapability applies the capability merge rule for an existing
// handler. It is a no-op if the CC id isn't registered yet — callers must
// RegisterHandler first so dependency wiring is in place.
func (n *Node) MergeCapability(update CommandClassInfo) {
	h := n.Handler(update.CCId)
	if h == nil {
		return
	}
	h.MergeInfo(update)
}

// Dispatch routes an inbound command-class frame to its handler. Unknown
// CC ids are dropped with a diagnostic.
func (n *Node) Dispatch(f CommandClassFrame) {
	h := n.Handler(f.CCId)
	if h == nil {
		log.Printf("node %d: dropping frame for unregistered cc 0x%02x", n.ID, f.CCId)
		return
	}
	h.Process(f)
}

// SetProtocolInfo records the node's protocol metadata.
func (n *Node) SetProtocolInfo(p ProtocolInfo) {
	n.metaMu.Lock()
	defer n.metaMu.Unlock()
	n.protocolInfo = p
}

// GetProtocolInfo returns the node's recorded protocol metadata.
func (n *Node) GetProtocolInfo() ProtocolInfo {
	n.metaMu.Lock()
	defer n.metaMu.Unlock()
	return n.protocolInfo
}

// SetInterviewStatus updates the node's interview progress.
func (n *Node) SetInterviewStatus(s InterviewStatus) {
	n.metaMu.Lock()
	defer n.metaMu.Unlock()
	n.interviewStatus = s
}

// GetInterviewStatus returns the node's current interview progress.
func (n *Node) GetInterviewStatus() InterviewStatus {
	n.metaMu.Lock()
	defer n.metaMu.Unlock()
	return n.interviewStatus
}
