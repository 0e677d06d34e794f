package signaling

import (
	"encoding/json"
	"testing"

	"github.com/tetherhq/tether/internal/registry"
)

func newTestHub() (*Hub, *registry.Registry) {
	reg := registry.New()
	return NewHub(reg), reg
}

func newTestClient(h *Hub) *Client {
	return &Client{Hub: h, Send: make(chan *Message, 32)}
}

// dispatch feeds one event through the hub's boundary decoding, exactly
// as the event loop would.
func dispatch(t *testing.T, h *Hub, c *Client, event string, payload any) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal %s payload: %v", event, err)
		}
		raw = b
	}
	h.handle(c, &Message{Event: event, Payload: raw, client: c})
}

func drain(c *Client) []*Message {
	var out []*Message
	for {
		select {
		case msg := <-c.Send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// lastEvent drains the client's queue and returns the last message with
// the given event name, or nil.
func lastEvent(c *Client, event string) *Message {
	var found *Message
	for _, msg := range drain(c) {
		if msg.Event == event {
			found = msg
		}
	}
	return found
}

func decodePayload[T any](t *testing.T, msg *Message) *T {
	t.Helper()
	if msg == nil {
		t.Fatal("expected a message, got none")
	}
	var p T
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal %s payload: %v", msg.Event, err)
	}
	return &p
}

func expectError(t *testing.T, c *Client, reason string) {
	t.Helper()
	msg := lastEvent(c, EventError)
	p := decodePayload[ErrorPayload](t, msg)
	if p.Reason != reason {
		t.Fatalf("got rejection %q, want %q", p.Reason, reason)
	}
}

func identify(t *testing.T, h *Hub, c *Client, userID string) {
	t.Helper()
	dispatch(t, h, c, EventIdentify, &IdentifyPayload{UserID: userID})
}

// createRoom identifies the host, creates a room and returns its code.
func createRoom(t *testing.T, h *Hub, host *Client, userID string) string {
	t.Helper()
	identify(t, h, host, userID)
	dispatch(t, h, host, EventCreateRoom, nil)
	created := lastEvent(host, EventRoomCreated)
	p := decodePayload[RoomCreatedPayload](t, created)
	if p.RoomID == "" {
		t.Fatal("room created without a code")
	}
	return p.RoomID
}

const (
	hostID   = "host-user-4a5b6c7d8e"
	clientID = "client-user-1f2e3d4c5b"
)

func TestIdentifyRequiredFirst(t *testing.T) {
	h, _ := newTestHub()
	c := newTestClient(h)

	dispatch(t, h, c, EventCreateRoom, nil)
	expectError(t, c, "identify first")
}

func TestIdentifyRejectsBadIdentity(t *testing.T) {
	h, _ := newTestHub()
	c := newTestClient(h)

	identify(t, h, c, "nope")
	if msg := lastEvent(c, EventError); msg == nil {
		t.Fatal("short identity must be rejected")
	}
	if c.userID != "" {
		t.Fatal("rejected identity must not bind")
	}
}

func TestIdentifyTwiceRejected(t *testing.T) {
	h, _ := newTestHub()
	c := newTestClient(h)

	identify(t, h, c, hostID)
	identify(t, h, c, clientID)
	expectError(t, c, "already identified")
	if c.userID != hostID {
		t.Fatalf("identity changed to %q", c.userID)
	}
}

func TestPairLifecycle(t *testing.T) {
	h, reg := newTestHub()
	host := newTestClient(h)
	client := newTestClient(h)

	roomID := createRoom(t, h, host, hostID)
	drain(host)

	// Client joins with the code.
	identify(t, h, client, clientID)
	dispatch(t, h, client, EventJoinRoom, &JoinRoomPayload{RoomID: roomID})

	joined := lastEvent(host, EventPeerJoined)
	p := decodePayload[PeerEventPayload](t, joined)
	if p.Role != registry.RoleClient {
		t.Fatalf("peer:joined role = %q", p.Role)
	}
	snap := decodePayload[registry.Snapshot](t, lastEvent(client, EventRoomState))
	if !snap.HostOnline || !snap.ClientOnline {
		t.Fatalf("both sides should be online: %+v", snap)
	}
	if snap.ControlActive || snap.CameraActive {
		t.Fatal("a fresh client must start with activity flags off")
	}

	// Host reports the control channel open.
	dispatch(t, h, host, EventControlStatus, &ControlStatusPayload{RoomID: roomID, Active: true})
	snap = decodePayload[registry.Snapshot](t, lastEvent(host, EventRoomState))
	if !snap.ControlActive {
		t.Fatal("control should be active with a live client")
	}

	// Client connection drops.
	h.handleDisconnect(client)
	gone := lastEvent(host, EventPeerDisconnected)
	p = decodePayload[PeerEventPayload](t, gone)
	if p.Role != registry.RoleClient {
		t.Fatalf("peer:disconnected role = %q", p.Role)
	}
	room, _ := reg.Get(roomID)
	if room.Client.Conn != nil || room.ControlActive {
		t.Fatal("disconnect must clear the client connection and flags")
	}
	if room.ClientUserID != clientID {
		t.Fatal("client identity must survive the disconnect")
	}

	// The same identity on a new connection is restored on identify.
	client2 := newTestClient(h)
	identify(t, h, client2, clientID)
	if msg := lastEvent(host, EventPeerReconnected); msg == nil {
		t.Fatal("host not told about the reconnection")
	}
	if msg := lastEvent(client2, EventPeerReconnected); msg == nil {
		t.Fatal("restored connection not told about its own restore")
	}
	if room.Client.Conn != client2 {
		t.Fatal("restore did not rebind the new connection")
	}

	// An explicit rejoin on top of the restore is also fine.
	dispatch(t, h, client2, EventRejoinRoom, &RejoinRoomPayload{RoomID: roomID, Role: registry.RoleClient})
	snap = decodePayload[registry.Snapshot](t, lastEvent(client2, EventRoomState))
	if !snap.ClientOnline {
		t.Fatal("rejoin should leave the client online")
	}
}

func TestCreateRoomIdempotentForHost(t *testing.T) {
	h, _ := newTestHub()
	host := newTestClient(h)

	first := createRoom(t, h, host, hostID)
	dispatch(t, h, host, EventCreateRoom, nil)
	p := decodePayload[RoomCreatedPayload](t, lastEvent(host, EventRoomCreated))
	if p.RoomID != first {
		t.Fatalf("re-create issued a different room: %q vs %q", p.RoomID, first)
	}
}

func TestClientCannotCreateRoom(t *testing.T) {
	h, _ := newTestHub()
	host := newTestClient(h)
	client := newTestClient(h)

	roomID := createRoom(t, h, host, hostID)
	identify(t, h, client, clientID)
	dispatch(t, h, client, EventJoinRoom, &JoinRoomPayload{RoomID: roomID})
	drain(client)

	dispatch(t, h, client, EventCreateRoom, nil)
	expectError(t, client, "already joined a room as client")
}

func TestJoinRejections(t *testing.T) {
	h, _ := newTestHub()
	host := newTestClient(h)
	roomID := createRoom(t, h, host, hostID)

	t.Run("unknown room", func(t *testing.T) {
		c := newTestClient(h)
		identify(t, h, c, clientID)
		dispatch(t, h, c, EventJoinRoom, &JoinRoomPayload{RoomID: "000000"})
		expectError(t, c, "room not found")
	})

	t.Run("malformed room code", func(t *testing.T) {
		c := newTestClient(h)
		identify(t, h, c, clientID)
		dispatch(t, h, c, EventJoinRoom, &JoinRoomPayload{RoomID: "12345"})
		expectError(t, c, "room code must be exactly 6 digits")
	})

	t.Run("host joining its own room", func(t *testing.T) {
		c := newTestClient(h)
		identify(t, h, c, hostID)
		drain(c)
		dispatch(t, h, c, EventJoinRoom, &JoinRoomPayload{RoomID: roomID})
		expectError(t, c, "host cannot join as client")
	})

	t.Run("second distinct client", func(t *testing.T) {
		first := newTestClient(h)
		identify(t, h, first, clientID)
		dispatch(t, h, first, EventJoinRoom, &JoinRoomPayload{RoomID: roomID})

		second := newTestClient(h)
		identify(t, h, second, "client-user-other-9z8y")
		dispatch(t, h, second, EventJoinRoom, &JoinRoomPayload{RoomID: roomID})
		expectError(t, second, "room already has a client")
	})
}

func TestJoinWhileBoundElsewhere(t *testing.T) {
	h, _ := newTestHub()

	hostA := newTestClient(h)
	roomA := createRoom(t, h, hostA, hostID)

	hostB := newTestClient(h)
	roomB := createRoom(t, h, hostB, "host-user-other-7x6w")

	// The client of room A cannot also become the client of room B.
	c := newTestClient(h)
	identify(t, h, c, clientID)
	dispatch(t, h, c, EventJoinRoom, &JoinRoomPayload{RoomID: roomA})
	drain(c)
	dispatch(t, h, c, EventJoinRoom, &JoinRoomPayload{RoomID: roomB})
	expectError(t, c, "already bound in another room")
}

func TestRejoinSemantics(t *testing.T) {
	h, _ := newTestHub()
	host := newTestClient(h)
	roomID := createRoom(t, h, host, hostID)

	t.Run("room not found uses the sentinel reason", func(t *testing.T) {
		c := newTestClient(h)
		identify(t, h, c, clientID)
		dispatch(t, h, c, EventRejoinRoom, &RejoinRoomPayload{RoomID: "000000", Role: registry.RoleClient})
		expectError(t, c, ReasonRoomNotFoundForRejoin)
	})

	t.Run("host role requires the host identity", func(t *testing.T) {
		c := newTestClient(h)
		identify(t, h, c, clientID)
		dispatch(t, h, c, EventRejoinRoom, &RejoinRoomPayload{RoomID: roomID, Role: registry.RoleHost})
		expectError(t, c, "not the host of this room")
	})

	t.Run("client role binds implicitly into the empty slot", func(t *testing.T) {
		c := newTestClient(h)
		identify(t, h, c, clientID)
		dispatch(t, h, c, EventRejoinRoom, &RejoinRoomPayload{RoomID: roomID, Role: registry.RoleClient})
		snap := decodePayload[registry.Snapshot](t, lastEvent(c, EventRoomState))
		if snap.ClientUserID != clientID || !snap.ClientOnline {
			t.Fatalf("implicit client bind failed: %+v", snap)
		}
	})

	t.Run("host identity through the client path is rejected", func(t *testing.T) {
		c := newTestClient(h)
		identify(t, h, c, hostID)
		drain(c)
		dispatch(t, h, c, EventRejoinRoom, &RejoinRoomPayload{RoomID: roomID, Role: registry.RoleClient})
		expectError(t, c, "host cannot join as client")
	})
}

func TestSignalRelay(t *testing.T) {
	h, _ := newTestHub()
	host := newTestClient(h)
	client := newTestClient(h)

	roomID := createRoom(t, h, host, hostID)
	identify(t, h, client, clientID)
	dispatch(t, h, client, EventJoinRoom, &JoinRoomPayload{RoomID: roomID})
	drain(host)
	drain(client)

	body := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	dispatch(t, h, host, EventSignal, &SignalEnvelope{RoomID: roomID, Signal: body})

	fwd := decodePayload[SignalForward](t, lastEvent(client, EventSignal))
	if fwd.From != registry.RoleHost {
		t.Fatalf("forwarded from %q, want host", fwd.From)
	}
	if string(fwd.Signal) != string(body) {
		t.Fatalf("signal body altered in transit: %s", fwd.Signal)
	}
}

func TestSignalDroppedWithoutPeer(t *testing.T) {
	h, _ := newTestHub()
	host := newTestClient(h)
	roomID := createRoom(t, h, host, hostID)
	drain(host)

	dispatch(t, h, host, EventSignal, &SignalEnvelope{
		RoomID: roomID,
		Signal: json.RawMessage(`{"type":"offer"}`),
	})

	// Silent drop: no error back, nothing queued anywhere.
	if msgs := drain(host); len(msgs) != 0 {
		t.Fatalf("expected silence, got %d messages", len(msgs))
	}
}

func TestStaleConnectionCannotRelay(t *testing.T) {
	h, _ := newTestHub()
	oldHost := newTestClient(h)
	client := newTestClient(h)

	roomID := createRoom(t, h, oldHost, hostID)
	identify(t, h, client, clientID)
	dispatch(t, h, client, EventJoinRoom, &JoinRoomPayload{RoomID: roomID})

	// The host reconnects; the old connection is superseded.
	newHost := newTestClient(h)
	identify(t, h, newHost, hostID)
	drain(oldHost)
	drain(client)

	dispatch(t, h, oldHost, EventSignal, &SignalEnvelope{
		RoomID: roomID,
		Signal: json.RawMessage(`{"type":"offer"}`),
	})
	expectError(t, oldHost, "stale connection")
	if msg := lastEvent(client, EventSignal); msg != nil {
		t.Fatal("stale connection's signal must not reach the peer")
	}

	// The current connection relays fine.
	dispatch(t, h, newHost, EventSignal, &SignalEnvelope{
		RoomID: roomID,
		Signal: json.RawMessage(`{"type":"offer"}`),
	})
	if msg := lastEvent(client, EventSignal); msg == nil {
		t.Fatal("current connection's signal should be relayed")
	}
}

func TestControlStatusGating(t *testing.T) {
	h, reg := newTestHub()
	host := newTestClient(h)
	roomID := createRoom(t, h, host, hostID)
	room, _ := reg.Get(roomID)

	// Active without any client connection stays false.
	dispatch(t, h, host, EventControlStatus, &ControlStatusPayload{RoomID: roomID, Active: true})
	if room.ControlActive {
		t.Fatal("control cannot be active without a client connection")
	}

	client := newTestClient(h)
	identify(t, h, client, clientID)
	dispatch(t, h, client, EventJoinRoom, &JoinRoomPayload{RoomID: roomID})

	dispatch(t, h, host, EventControlStatus, &ControlStatusPayload{RoomID: roomID, Active: true})
	if !room.ControlActive {
		t.Fatal("control should be active with a client attached")
	}

	// Host-only operation.
	drain(client)
	dispatch(t, h, client, EventControlStatus, &ControlStatusPayload{RoomID: roomID, Active: false})
	expectError(t, client, "operation restricted to the host")
}

func TestCameraFlow(t *testing.T) {
	h, reg := newTestHub()
	host := newTestClient(h)
	client := newTestClient(h)

	roomID := createRoom(t, h, host, hostID)
	identify(t, h, client, clientID)
	dispatch(t, h, client, EventJoinRoom, &JoinRoomPayload{RoomID: roomID})
	room, _ := reg.Get(roomID)
	drain(host)
	drain(client)

	dispatch(t, h, host, EventCameraRequest, &CameraRequestPayload{RoomID: roomID})
	if msg := lastEvent(client, EventCameraRequest); msg == nil {
		t.Fatal("camera request not forwarded to the client")
	}

	dispatch(t, h, client, EventCameraPermission, &CameraPermissionPayload{RoomID: roomID, Granted: true})
	perm := decodePayload[CameraPermissionPayload](t, lastEvent(host, EventCameraPermission))
	if !perm.Granted {
		t.Fatal("grant not relayed")
	}

	dispatch(t, h, client, EventCameraState, &CameraStatePayload{RoomID: roomID, Active: true})
	if !room.CameraActive {
		t.Fatal("camera state not recorded")
	}

	// A later denial forces the flag off.
	dispatch(t, h, client, EventCameraPermission, &CameraPermissionPayload{RoomID: roomID, Granted: false})
	if room.CameraActive {
		t.Fatal("denial must force the camera flag off")
	}
}

func TestCameraRequestAgainstStaleClientBinding(t *testing.T) {
	h, reg := newTestHub()
	host := newTestClient(h)
	client := newTestClient(h)

	roomID := createRoom(t, h, host, hostID)
	identify(t, h, client, clientID)
	dispatch(t, h, client, EventJoinRoom, &JoinRoomPayload{RoomID: roomID})
	room, _ := reg.Get(roomID)

	// Simulate the race: a connection with a different identity ends up
	// holding the client slot.
	impostor := newTestClient(h)
	impostor.userID = "client-user-wrong-0q1w"
	reg.Attach(room, registry.RoleClient, impostor)
	drain(host)

	dispatch(t, h, host, EventCameraRequest, &CameraRequestPayload{RoomID: roomID})
	expectError(t, host, "client connection is stale")

	if room.ClientUserID != "" || room.Client.Conn != nil {
		t.Fatal("stale client binding must be cleared entirely")
	}
	if msg := lastEvent(impostor, EventCameraRequest); msg != nil {
		t.Fatal("request must not reach the mismatched connection")
	}
}

func TestMediaKindRelay(t *testing.T) {
	h, _ := newTestHub()
	host := newTestClient(h)
	client := newTestClient(h)

	roomID := createRoom(t, h, host, hostID)
	identify(t, h, client, clientID)
	dispatch(t, h, client, EventJoinRoom, &JoinRoomPayload{RoomID: roomID})
	drain(host)
	drain(client)

	dispatch(t, h, client, EventMediaKind, &MediaKindPayload{
		RoomID:   roomID,
		StreamID: "tether-screen",
		Kind:     "screen",
	})
	got := decodePayload[MediaKindPayload](t, lastEvent(host, EventMediaKind))
	if got.StreamID != "tether-screen" || got.Kind != "screen" {
		t.Fatalf("announcement altered in transit: %+v", got)
	}

	// Unknown kinds are rejected at the boundary.
	dispatch(t, h, client, EventMediaKind, &MediaKindPayload{
		RoomID:   roomID,
		StreamID: "tether-screen",
		Kind:     "desktop",
	})
	if msg := lastEvent(client, EventError); msg == nil {
		t.Fatal("unknown media kind must be rejected")
	}
}

func TestDisconnectOfSupersededConnectionIsIgnored(t *testing.T) {
	h, reg := newTestHub()
	oldHost := newTestClient(h)
	roomID := createRoom(t, h, oldHost, hostID)
	room, _ := reg.Get(roomID)

	newHost := newTestClient(h)
	identify(t, h, newHost, hostID)
	if room.Host.Conn != newHost {
		t.Fatal("reconnect did not supersede the old connection")
	}

	// The old connection's teardown must not unbind the new one.
	h.handleDisconnect(oldHost)
	if room.Host.Conn != newHost {
		t.Fatal("stale disconnect cleared the live binding")
	}
}

func TestUnknownEventRejected(t *testing.T) {
	h, _ := newTestHub()
	c := newTestClient(h)
	identify(t, h, c, hostID)
	drain(c)

	h.handle(c, &Message{Event: "bogus", client: c})
	expectError(t, c, "unknown event")
}
