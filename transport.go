package xframe

// AnyOrigin is the wildcard origin. As an expected origin it accepts every
// sender; as a target origin it delivers to any receiver.
const AnyOrigin = "*"

// MessageEvent is one inbound delivery: the data and the origin of the
// context that posted it. Transports that know the link the message came
// over set Source so a host can answer on it.
type MessageEvent struct {
	Origin string
	Data   Envelope
	Source Destination
}

// Destination is a handle on a remote context that can receive envelopes.
type Destination interface {
	// PostMessage delivers env if the receiving context's origin matches
	// targetOrigin (or targetOrigin is AnyOrigin).
	PostMessage(env Envelope, targetOrigin string) error
	// Reachable reports whether the referenced context still exists.
	Reachable() bool
}

// Inbound is the message stream of the local context.
type Inbound interface {
	Subscribe(fn func(MessageEvent)) (Subscription, error)
}

type Subscription interface {
	Close() error
}

// OriginMatches reports whether a message posted with targetOrigin may be
// delivered to a context whose origin is origin.
func OriginMatches(targetOrigin, origin string) bool {
	return targetOrigin == AnyOrigin || targetOrigin == origin
}

type noopSubscription struct{}

func (noopSubscription) Close() error { return nil }

// Frame is the wire form used by transports that serialize envelopes.
type Frame struct {
	Origin       string   `json:"origin"`
	TargetOrigin string   `json:"targetOrigin"`
	Data         Envelope `json:"data"`
}
