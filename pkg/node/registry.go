package node

// Well-known command class ids this driver knows how to construct a
// handler for. The full command-class payload catalog is mechanical and
// out of scope; these are the small seed set wired end to end.
const (
	CCBasic   CCId = 0x20
	CCBattery CCId = 0x80
	CCWakeUp  CCId = 0x84
	CCVersion CCId = versionCCId
)

// Constructor builds a fresh Handler for one command class.
type Constructor func() *Handler

// Registry is a plain table mapping CC id to constructor: a command-class
// factory built at startup rather than generated from marker attributes,
// since this target has no reflection-driven source generation step.
type Registry map[CCId]Constructor

// DefaultRegistry returns the seed set of command classes every node gets
// a handler for up front. Interview later marks which of these a given
// node actually supports or controls; an unadvertised CC's handler simply
// never leaves its zero capability state.
func DefaultRegistry() Registry {
	return Registry{
		CCVersion: func() *Handler {
			return NewHandler(CCVersion, HandlerConfig{IsVersionHandler: true})
		},
		CCBattery: func() *Handler {
			return NewHandler(CCBattery, HandlerConfig{})
		},
		CCWakeUp: func() *Handler {
			return NewHandler(CCWakeUp, HandlerConfig{})
		},
		CCBasic: func() *Handler {
			return NewHandler(CCBasic, HandlerConfig{})
		},
	}
}

// NewHandlers builds one handler per entry in the registry, ready to
// register on a freshly constructed node.
func (r Registry) NewHandlers() []*Handler {
	out := make([]*Handler, 0, len(r))
	for _, ctor := range r {
		out = append(out, ctor())
	}
	return out
}
