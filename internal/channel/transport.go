package channel

// Inbound is one raw frame delivered by a transport.
type Inbound struct {
	// Source is the handle the receiving side would use to answer the
	// sender. It is compared by identity against the configured target.
	Source Target
	Origin string
	Data   string
}

// MessageListener handles one inbound frame. A returned error rejects that
// frame only; transports report it and keep delivering.
type MessageListener func(Inbound) error

// Context is the local side of the boundary: where inbound frames and the
// teardown notification arrive.
type Context interface {
	Origin() string
	AddMessageListener(fn MessageListener) (remove func())
	AddUnloadListener(fn func()) (remove func())
}

// Target is the peer's message sink. Implementations must be comparable
// (pointer types) since inbound sources are matched by identity.
type Target interface {
	PostMessage(data string, targetOrigin string) error
}

// DeferredTarget is a target that may not be able to receive yet. Ready is
// closed once it can.
type DeferredTarget interface {
	Target
	Ready() <-chan struct{}
}
