package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/tetherhq/tether/internal/identity"
	"github.com/tetherhq/tether/internal/registry"
)

// Message is the envelope for every websocket event in both
// directions: a named event plus a structured payload.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// client is the connection that sent the message. Used internally
	// by the hub, never serialized.
	client *Client `json:"-"`
}

// Client-to-server events.
const (
	EventIdentify         = "identify"
	EventCreateRoom       = "room:create"
	EventJoinRoom         = "room:join"
	EventRejoinRoom       = "room:rejoin"
	EventSignal           = "signal"
	EventControlStatus    = "control:status"
	EventCameraRequest    = "camera:request"
	EventCameraPermission = "camera:permission"
	EventCameraState      = "camera:state"
	EventMediaKind        = "media:kind"
)

// Server-to-client events.
const (
	EventRoomCreated      = "room:created"
	EventRoomState        = "room:state"
	EventPeerJoined       = "peer:joined"
	EventPeerReconnected  = "peer:reconnected"
	EventPeerDisconnected = "peer:disconnected"
	EventError            = "error"
)

// ReasonRoomNotFoundForRejoin is recognized by callers as the signal to
// discard a remembered session and fall back to a fresh join.
const ReasonRoomNotFoundForRejoin = "room not found for rejoin"

var roomCodePattern = regexp.MustCompile(`^[0-9]{6}$`)

// IdentifyPayload binds a self-issued identity to the connection.
type IdentifyPayload struct {
	UserID string `json:"userId"`
}

func (p *IdentifyPayload) Validate() error {
	return identity.Validate(p.UserID)
}

// JoinRoomPayload asks to join an existing room as the client.
type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
}

func (p *JoinRoomPayload) Validate() error {
	return validateRoomID(p.RoomID)
}

// RejoinRoomPayload re-enters a room with a caller-asserted role.
type RejoinRoomPayload struct {
	RoomID string        `json:"roomId"`
	Role   registry.Role `json:"role"`
}

func (p *RejoinRoomPayload) Validate() error {
	if err := validateRoomID(p.RoomID); err != nil {
		return err
	}
	if !p.Role.Valid() {
		return fmt.Errorf("unknown role %q", p.Role)
	}
	return nil
}

// SignalEnvelope carries an opaque negotiation payload (offer, answer
// or ICE candidate). The gateway relays Signal verbatim and never
// inspects it.
type SignalEnvelope struct {
	RoomID string          `json:"roomId"`
	Signal json.RawMessage `json:"signal"`
}

func (p *SignalEnvelope) Validate() error {
	if err := validateRoomID(p.RoomID); err != nil {
		return err
	}
	if len(p.Signal) == 0 {
		return errors.New("missing signal body")
	}
	return nil
}

// SignalForward is the server-to-peer shape of a relayed signal.
type SignalForward struct {
	From   registry.Role   `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

// ControlStatusPayload reports whether the control data channel is
// confirmed open. Host only.
type ControlStatusPayload struct {
	RoomID string `json:"roomId"`
	Active bool   `json:"active"`
}

func (p *ControlStatusPayload) Validate() error {
	return validateRoomID(p.RoomID)
}

// CameraRequestPayload asks the client to enable its camera. Host only.
type CameraRequestPayload struct {
	RoomID string `json:"roomId"`
}

func (p *CameraRequestPayload) Validate() error {
	return validateRoomID(p.RoomID)
}

// CameraPermissionPayload reports the client's camera permission
// decision. Client only.
type CameraPermissionPayload struct {
	RoomID  string `json:"roomId"`
	Granted bool   `json:"granted"`
}

func (p *CameraPermissionPayload) Validate() error {
	return validateRoomID(p.RoomID)
}

// CameraStatePayload reports whether the client's camera capture is
// live. Client only.
type CameraStatePayload struct {
	RoomID string `json:"roomId"`
	Active bool   `json:"active"`
}

func (p *CameraStatePayload) Validate() error {
	return validateRoomID(p.RoomID)
}

// MediaKindPayload announces the purpose of an outbound media stream,
// keyed by the transport-level stream identifier. The transport carries
// no purpose tags natively, so this travels out-of-band and may race
// with the stream itself.
type MediaKindPayload struct {
	RoomID   string `json:"roomId"`
	StreamID string `json:"streamId"`
	Kind     string `json:"kind"`
}

func (p *MediaKindPayload) Validate() error {
	if err := validateRoomID(p.RoomID); err != nil {
		return err
	}
	if p.StreamID == "" {
		return errors.New("missing stream id")
	}
	if p.Kind != "screen" && p.Kind != "camera" {
		return fmt.Errorf("unknown media kind %q", p.Kind)
	}
	return nil
}

// RoomCreatedPayload acknowledges room creation with the issued code.
type RoomCreatedPayload struct {
	RoomID string `json:"roomId"`
}

// PeerEventPayload identifies which role joined, reconnected or
// disconnected.
type PeerEventPayload struct {
	Role registry.Role `json:"role"`
}

// ErrorPayload carries a single human-readable rejection reason.
type ErrorPayload struct {
	Reason string `json:"error"`
}

func validateRoomID(id string) error {
	if !roomCodePattern.MatchString(id) {
		return errors.New("room code must be exactly 6 digits")
	}
	return nil
}

// decode unmarshals a payload into its typed representation and runs
// its shape validation. Everything past this boundary works on typed
// values only.
func decode[T interface{ Validate() error }](raw json.RawMessage, into T) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return into.Validate()
}
