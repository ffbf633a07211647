package domain

import "context"

// ConnEventKind classifies a transport event.
type ConnEventKind int

const (
	ConnConnected ConnEventKind = iota
	ConnEnvelope
	ConnDisconnected
)

func (k ConnEventKind) String() string {
	switch k {
	case ConnConnected:
		return "connected"
	case ConnEnvelope:
		return "envelope"
	case ConnDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnEvent is one item of the transport's ordered receive stream. Events for
// a given connection always arrive as Connected, Envelope*, Disconnected.
type ConnEvent struct {
	Kind     ConnEventKind
	ConnID   uint64
	Envelope *Envelope // set when Kind == ConnEnvelope
}

// Transport is the runtime-facing send sink and receive stream.
type Transport interface {
	// Send writes one envelope to the active connection. Returns
	// ErrDisconnected when no connection is attached.
	Send(ctx context.Context, env Envelope) error
	// Events returns the receive stream. It is closed when the transport stops.
	Events() <-chan ConnEvent
}
