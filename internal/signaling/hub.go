package signaling

import (
	"log/slog"

	"github.com/tetherhq/tether/internal/registry"
)

// Hub is the session gateway: a single goroutine that owns every room
// mutation. Connections feed it through channels, so two events for the
// same room can never interleave.
type Hub struct {
	reg *registry.Registry

	Register   chan *Client
	Unregister chan *Client
	Inbound    chan *Message
}

// NewHub creates a hub around the given registry.
func NewHub(reg *registry.Registry) *Hub {
	return &Hub{
		reg:        reg,
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Inbound:    make(chan *Message),
	}
}

// Run starts the hub's event loop. It is the process-wide serialization
// point for registry mutations.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			// Nothing to do until the connection identifies.
			slog.Debug("connection registered", "addr", client.Conn.RemoteAddr())

		case client := <-h.Unregister:
			h.handleDisconnect(client)
			close(client.Send)

		case msg := <-h.Inbound:
			h.handle(msg.client, msg)
		}
	}
}

// handle dispatches one inbound event. Payloads are decoded and
// validated here, at the boundary; handlers only see typed values.
func (h *Hub) handle(c *Client, msg *Message) {
	if msg.Event != EventIdentify && c.userID == "" {
		h.reject(c, "identify first")
		return
	}

	switch msg.Event {
	case EventIdentify:
		var p IdentifyPayload
		if err := decode(msg.Payload, &p); err != nil {
			h.reject(c, err.Error())
			return
		}
		h.handleIdentify(c, &p)

	case EventCreateRoom:
		h.handleCreateRoom(c)

	case EventJoinRoom:
		var p JoinRoomPayload
		if err := decode(msg.Payload, &p); err != nil {
			h.reject(c, err.Error())
			return
		}
		h.handleJoinRoom(c, &p)

	case EventRejoinRoom:
		var p RejoinRoomPayload
		if err := decode(msg.Payload, &p); err != nil {
			h.reject(c, err.Error())
			return
		}
		h.handleRejoinRoom(c, &p)

	case EventSignal:
		var p SignalEnvelope
		if err := decode(msg.Payload, &p); err != nil {
			h.reject(c, err.Error())
			return
		}
		h.handleSignal(c, &p)

	case EventControlStatus:
		var p ControlStatusPayload
		if err := decode(msg.Payload, &p); err != nil {
			h.reject(c, err.Error())
			return
		}
		h.handleControlStatus(c, &p)

	case EventCameraRequest:
		var p CameraRequestPayload
		if err := decode(msg.Payload, &p); err != nil {
			h.reject(c, err.Error())
			return
		}
		h.handleCameraRequest(c, &p)

	case EventCameraPermission:
		var p CameraPermissionPayload
		if err := decode(msg.Payload, &p); err != nil {
			h.reject(c, err.Error())
			return
		}
		h.handleCameraPermission(c, &p)

	case EventCameraState:
		var p CameraStatePayload
		if err := decode(msg.Payload, &p); err != nil {
			h.reject(c, err.Error())
			return
		}
		h.handleCameraState(c, &p)

	case EventMediaKind:
		var p MediaKindPayload
		if err := decode(msg.Payload, &p); err != nil {
			h.reject(c, err.Error())
			return
		}
		h.handleMediaKind(c, &p)

	default:
		slog.Warn("unknown event", "event", msg.Event, "user", c.userID)
		h.reject(c, "unknown event")
	}
}

// handleIdentify binds the connection's identity. A user who already
// holds a room role is treated as a restore: the connection is
// reattached to that role and both sides are told about the
// reconnection.
func (h *Hub) handleIdentify(c *Client, p *IdentifyPayload) {
	if c.userID != "" {
		h.reject(c, "already identified")
		return
	}
	c.userID = p.UserID

	room, role, ok := h.reg.FindByUser(c.userID)
	if !ok {
		return
	}

	h.bind(c, room, role)
	h.reg.Normalize(room)
	slog.Info("connection restored", "room", room.ID, "role", role, "user", c.userID)

	reconnected := &PeerEventPayload{Role: role}
	c.Deliver(EventPeerReconnected, reconnected)
	h.deliverToPeer(room, role, EventPeerReconnected, reconnected)
	h.broadcastState(room)
}

// handleCreateRoom creates a room owned by the caller, or restores the
// one it already owns. A user bound elsewhere as client cannot create.
func (h *Hub) handleCreateRoom(c *Client) {
	if room, role, ok := h.reg.FindByUser(c.userID); ok {
		if role == registry.RoleClient {
			h.reject(c, "already joined a room as client")
			return
		}
		// Idempotent: re-creating restores the existing room.
		h.bind(c, room, registry.RoleHost)
		h.reg.Normalize(room)
		c.Deliver(EventRoomCreated, &RoomCreatedPayload{RoomID: room.ID})
		h.broadcastState(room)
		return
	}

	room, err := h.reg.CreateRoom(c.userID, c)
	if err != nil {
		slog.Error("create room", "err", err)
		h.reject(c, "could not allocate a room code")
		return
	}
	c.roomID = room.ID
	c.role = registry.RoleHost
	c.gen = room.Host.Gen

	c.Deliver(EventRoomCreated, &RoomCreatedPayload{RoomID: room.ID})
	h.broadcastState(room)
}

// handleJoinRoom binds the caller into the client slot. A new client
// always starts with both activity flags inactive.
func (h *Hub) handleJoinRoom(c *Client, p *JoinRoomPayload) {
	room, ok := h.reg.Get(p.RoomID)
	if !ok {
		h.reject(c, "room not found")
		return
	}
	if c.userID == room.HostUserID {
		h.reject(c, "host cannot join as client")
		return
	}
	if room.ClientUserID != "" && room.ClientUserID != c.userID {
		h.reject(c, "room already has a client")
		return
	}
	if other, _, ok := h.reg.FindByUser(c.userID); ok && other != room {
		h.reject(c, "already bound in another room")
		return
	}

	room.ClientUserID = c.userID
	h.bind(c, room, registry.RoleClient)
	room.ControlActive = false
	room.CameraActive = false
	h.reg.Normalize(room)

	slog.Info("client joined", "room", room.ID, "user", c.userID)
	h.deliverToPeer(room, registry.RoleClient, EventPeerJoined, &PeerEventPayload{Role: registry.RoleClient})
	h.broadcastState(room)
}

// handleRejoinRoom re-enters a room with a caller-asserted role. The
// host role demands an exact identity match; the client role permits
// first-time implicit binding into an empty slot.
func (h *Hub) handleRejoinRoom(c *Client, p *RejoinRoomPayload) {
	room, ok := h.reg.Get(p.RoomID)
	if !ok {
		h.reject(c, ReasonRoomNotFoundForRejoin)
		return
	}

	switch p.Role {
	case registry.RoleHost:
		if c.userID != room.HostUserID {
			h.reject(c, "not the host of this room")
			return
		}
	case registry.RoleClient:
		if c.userID == room.HostUserID {
			h.reject(c, "host cannot join as client")
			return
		}
		if room.ClientUserID == "" {
			if other, _, ok := h.reg.FindByUser(c.userID); ok && other != room {
				h.reject(c, "already bound in another room")
				return
			}
			room.ClientUserID = c.userID
			room.ControlActive = false
			room.CameraActive = false
		} else if room.ClientUserID != c.userID {
			h.reject(c, "room already has a client")
			return
		}
	}

	h.bind(c, room, p.Role)
	h.reg.Normalize(room)

	slog.Info("rejoined", "room", room.ID, "role", p.Role, "user", c.userID)
	h.deliverToPeer(room, p.Role, EventPeerReconnected, &PeerEventPayload{Role: p.Role})
	h.broadcastState(room)
}

// handleSignal relays an opaque negotiation payload to the peer. The
// caller must hold the role's current binding: identity alone is not
// enough, a superseded reconnect is rejected as stale.
func (h *Hub) handleSignal(c *Client, p *SignalEnvelope) {
	room, role, ok := h.authorize(c, p.RoomID)
	if !ok {
		return
	}

	other := otherBinding(room, role)
	if other == nil {
		// No peer attached: drop silently per relay semantics.
		slog.Debug("signal dropped, no peer", "room", room.ID, "from", role)
		return
	}
	other.Deliver(EventSignal, &SignalForward{From: role, Signal: p.Signal})
}

// handleControlStatus stores the host-reported control channel state.
// Control can never be active without a live client connection.
func (h *Hub) handleControlStatus(c *Client, p *ControlStatusPayload) {
	room, ok := h.authorizeRole(c, p.RoomID, registry.RoleHost)
	if !ok {
		return
	}

	room.ControlActive = p.Active && room.Client.Conn != nil
	h.broadcastState(room)
}

// handleCameraRequest forwards a camera request to the client, but only
// after re-validating that the registered client binding still maps to
// a connection whose identity is the bound client. Abrupt disconnects
// can leave a stale reference that would otherwise pass role checks.
func (h *Hub) handleCameraRequest(c *Client, p *CameraRequestPayload) {
	room, ok := h.authorizeRole(c, p.RoomID, registry.RoleHost)
	if !ok {
		return
	}

	clientConn := room.Client.Conn
	if clientConn == nil ||
		clientConn.UserID() != room.ClientUserID ||
		clientConn.UserID() == room.HostUserID {
		slog.Warn("camera request against stale client binding", "room", room.ID)
		h.reg.ClearClient(room)
		h.reject(c, "client connection is stale")
		h.broadcastState(room)
		return
	}

	clientConn.Deliver(EventCameraRequest, &CameraRequestPayload{RoomID: room.ID})
}

// handleCameraPermission records the client's permission decision and
// relays it to the host. A denial forces the camera flag off.
func (h *Hub) handleCameraPermission(c *Client, p *CameraPermissionPayload) {
	room, ok := h.authorizeRole(c, p.RoomID, registry.RoleClient)
	if !ok {
		return
	}

	if !p.Granted {
		room.CameraActive = false
	}
	h.deliverToPeer(room, registry.RoleClient, EventCameraPermission, p)
	h.broadcastState(room)
}

// handleCameraState records whether the client's capture is live.
func (h *Hub) handleCameraState(c *Client, p *CameraStatePayload) {
	room, ok := h.authorizeRole(c, p.RoomID, registry.RoleClient)
	if !ok {
		return
	}

	room.CameraActive = p.Active
	h.broadcastState(room)
}

// handleMediaKind relays a stream-purpose announcement to the peer.
func (h *Hub) handleMediaKind(c *Client, p *MediaKindPayload) {
	room, role, ok := h.authorize(c, p.RoomID)
	if !ok {
		return
	}

	other := otherBinding(room, role)
	if other == nil {
		return
	}
	other.Deliver(EventMediaKind, p)
}

// handleDisconnect clears whichever role this exact connection
// generation held, tells the peer, and re-broadcasts state.
func (h *Hub) handleDisconnect(c *Client) {
	slog.Debug("connection closed", "user", c.userID)
	if c.roomID == "" {
		return
	}
	room, ok := h.reg.Get(c.roomID)
	if !ok || !room.Holds(c.role, c, c.gen) {
		// A reconnect superseded this connection; nothing to clear.
		return
	}

	h.reg.ClearConn(room, c.role)
	slog.Info("participant disconnected", "room", room.ID, "role", c.role, "user", c.userID)
	h.deliverToPeer(room, c.role, EventPeerDisconnected, &PeerEventPayload{Role: c.role})
	h.broadcastState(room)
}

// authorize resolves the caller to a role in the room and verifies that
// its connection is the one currently registered for that role.
func (h *Hub) authorize(c *Client, roomID string) (*registry.Room, registry.Role, bool) {
	room, ok := h.reg.Get(roomID)
	if !ok {
		h.reject(c, "room not found")
		return nil, "", false
	}
	role, ok := room.RoleOf(c.userID)
	if !ok {
		h.reject(c, "not a participant of this room")
		return nil, "", false
	}
	if !room.Holds(role, c, c.gen) {
		h.reject(c, "stale connection")
		return nil, "", false
	}
	return room, role, true
}

// authorizeRole is authorize with an exact role requirement.
func (h *Hub) authorizeRole(c *Client, roomID string, want registry.Role) (*registry.Room, bool) {
	room, role, ok := h.authorize(c, roomID)
	if !ok {
		return nil, false
	}
	if role != want {
		h.reject(c, "operation restricted to the "+string(want))
		return nil, false
	}
	return room, true
}

// bind attaches c to a role and records the binding on the connection.
func (h *Hub) bind(c *Client, room *registry.Room, role registry.Role) {
	gen := h.reg.Attach(room, role, c)
	c.roomID = room.ID
	c.role = role
	c.gen = gen
}

// broadcastState sends an identical snapshot to whichever participants
// are live. Best-effort, never queued or retried.
func (h *Hub) broadcastState(room *registry.Room) {
	snap := room.Snapshot()
	if room.Host.Conn != nil {
		room.Host.Conn.Deliver(EventRoomState, snap)
	}
	if room.Client.Conn != nil {
		room.Client.Conn.Deliver(EventRoomState, snap)
	}
}

// deliverToPeer sends an event to the role opposite of from, if live.
func (h *Hub) deliverToPeer(room *registry.Room, from registry.Role, event string, payload any) {
	if other := otherBinding(room, from); other != nil {
		other.Deliver(event, payload)
	}
}

func otherBinding(room *registry.Room, role registry.Role) registry.Conn {
	if role == registry.RoleHost {
		return room.Client.Conn
	}
	return room.Host.Conn
}

// reject answers with a single human-readable reason. The gateway never
// retries on the caller's behalf.
func (h *Hub) reject(c *Client, reason string) {
	slog.Warn("rejected", "user", c.userID, "reason", reason)
	c.Deliver(EventError, &ErrorPayload{Reason: reason})
}
