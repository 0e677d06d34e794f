package peer

import "github.com/pion/webrtc/v4"

// Purpose is the out-of-band semantic label of a media stream. The
// transport itself carries no such tag, so the sender announces it
// through the signaling relay keyed by stream identifier.
type Purpose string

const (
	PurposeScreen Purpose = "screen"
	PurposeCamera Purpose = "camera"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	return p == PurposeScreen || p == PurposeCamera
}

// MediaSource is the local capture collaborator: it yields a set of
// tracks under one transport-level stream identifier and notifies the
// controller when capture ends so dependent state can be cleared.
type MediaSource interface {
	StreamID() string
	Tracks() []webrtc.TrackLocal

	// SetOnEnded registers a callback invoked once when the captured
	// tracks stop.
	SetOnEnded(func())
}

// Role determines who drives the connection: the initiator opens the
// control channel and starts negotiation rounds after a reconnect.
type Role int

const (
	Responder Role = iota
	Initiator
)
