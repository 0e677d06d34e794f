package session

import (
	"encoding/json"
	"log/slog"

	"github.com/tetherhq/tether/internal/registry"
	"github.com/tetherhq/tether/internal/signaling"
)

// Handler demultiplexes incoming gateway events onto typed channels.
type Handler struct {
	client *Client

	RoomCreated      chan string
	RoomState        chan *registry.Snapshot
	PeerJoined       chan registry.Role
	PeerReconnected  chan registry.Role
	PeerDisconnected chan registry.Role
	Signal           chan *signaling.SignalForward
	CameraRequest    chan struct{}
	CameraPermission chan bool
	MediaKind        chan *signaling.MediaKindPayload

	// SessionLost fires when the server reports the remembered room is
	// gone on rejoin; the caller should discard the session and fall
	// back to a fresh join.
	SessionLost chan struct{}

	Errors chan string
}

// NewHandler creates a handler over the client's incoming stream.
func NewHandler(client *Client) *Handler {
	return &Handler{
		client:           client,
		RoomCreated:      make(chan string, 1),
		RoomState:        make(chan *registry.Snapshot, 8),
		PeerJoined:       make(chan registry.Role, 1),
		PeerReconnected:  make(chan registry.Role, 1),
		PeerDisconnected: make(chan registry.Role, 1),
		Signal:           make(chan *signaling.SignalForward, 32),
		CameraRequest:    make(chan struct{}, 1),
		CameraPermission: make(chan bool, 1),
		MediaKind:        make(chan *signaling.MediaKindPayload, 8),
		SessionLost:      make(chan struct{}, 1),
		Errors:           make(chan string, 4),
	}
}

// Start consumes incoming messages until the client closes, then
// closes every typed channel. Closing happens on the routing goroutine
// only, so a send can never race a close.
func (h *Handler) Start() {
	defer h.closeChannels()
	for msg := range h.client.Incoming() {
		h.route(msg)
	}
}

// route delivers one message onto its typed channel. Every delivery is
// drop-on-full: a consumer that lags, or is absent entirely, must never
// stall the demux and starve the channels that are being read.
func (h *Handler) route(msg *signaling.Message) {
	switch msg.Event {

	case signaling.EventRoomCreated:
		var p signaling.RoomCreatedPayload
		if unmarshal(msg.Payload, &p) {
			deliver(h.RoomCreated, p.RoomID)
		}

	case signaling.EventRoomState:
		var p registry.Snapshot
		if unmarshal(msg.Payload, &p) {
			deliver(h.RoomState, &p)
		}

	case signaling.EventPeerJoined:
		var p signaling.PeerEventPayload
		if unmarshal(msg.Payload, &p) {
			deliver(h.PeerJoined, p.Role)
		}

	case signaling.EventPeerReconnected:
		var p signaling.PeerEventPayload
		if unmarshal(msg.Payload, &p) {
			deliver(h.PeerReconnected, p.Role)
		}

	case signaling.EventPeerDisconnected:
		var p signaling.PeerEventPayload
		if unmarshal(msg.Payload, &p) {
			deliver(h.PeerDisconnected, p.Role)
		}

	case signaling.EventSignal:
		var p signaling.SignalForward
		if unmarshal(msg.Payload, &p) {
			deliver(h.Signal, &p)
		}

	case signaling.EventCameraRequest:
		deliver(h.CameraRequest, struct{}{})

	case signaling.EventCameraPermission:
		var p signaling.CameraPermissionPayload
		if unmarshal(msg.Payload, &p) {
			deliver(h.CameraPermission, p.Granted)
		}

	case signaling.EventMediaKind:
		var p signaling.MediaKindPayload
		if unmarshal(msg.Payload, &p) {
			deliver(h.MediaKind, &p)
		}

	case signaling.EventError:
		var p signaling.ErrorPayload
		if !unmarshal(msg.Payload, &p) {
			p.Reason = "unknown error from server"
		}
		if p.Reason == signaling.ReasonRoomNotFoundForRejoin {
			deliver(h.SessionLost, struct{}{})
			return
		}
		deliver(h.Errors, p.Reason)

	default:
		slog.Debug("unhandled event", "event", msg.Event)
	}
}

func deliver[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func unmarshal(raw json.RawMessage, into any) bool {
	if len(raw) == 0 {
		return false
	}
	if err := json.Unmarshal(raw, into); err != nil {
		slog.Debug("bad payload", "err", err)
		return false
	}
	return true
}

func (h *Handler) closeChannels() {
	close(h.RoomCreated)
	close(h.RoomState)
	close(h.PeerJoined)
	close(h.PeerReconnected)
	close(h.PeerDisconnected)
	close(h.Signal)
	close(h.CameraRequest)
	close(h.CameraPermission)
	close(h.MediaKind)
	close(h.SessionLost)
	close(h.Errors)
}
