package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/tetherhq/tether/internal/registry"
	"github.com/tetherhq/tether/internal/signaling"
)

func event(t *testing.T, name string, payload any) *signaling.Message {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal %s payload: %v", name, err)
		}
		raw = b
	}
	return &signaling.Message{Event: name, Payload: raw}
}

func TestHandlerRoutesEvents(t *testing.T) {
	h := NewHandler(nil)

	h.route(event(t, signaling.EventRoomCreated, &signaling.RoomCreatedPayload{RoomID: "482913"}))
	if got := <-h.RoomCreated; got != "482913" {
		t.Fatalf("RoomCreated = %q", got)
	}

	h.route(event(t, signaling.EventRoomState, &registry.Snapshot{RoomID: "482913", HostOnline: true}))
	snap := <-h.RoomState
	if snap.RoomID != "482913" || !snap.HostOnline {
		t.Fatalf("RoomState = %+v", snap)
	}

	h.route(event(t, signaling.EventPeerJoined, &signaling.PeerEventPayload{Role: registry.RoleClient}))
	if got := <-h.PeerJoined; got != registry.RoleClient {
		t.Fatalf("PeerJoined = %q", got)
	}

	h.route(event(t, signaling.EventPeerDisconnected, &signaling.PeerEventPayload{Role: registry.RoleHost}))
	if got := <-h.PeerDisconnected; got != registry.RoleHost {
		t.Fatalf("PeerDisconnected = %q", got)
	}

	h.route(event(t, signaling.EventSignal, &signaling.SignalForward{
		From:   registry.RoleHost,
		Signal: json.RawMessage(`{"type":"offer"}`),
	}))
	fwd := <-h.Signal
	if fwd.From != registry.RoleHost {
		t.Fatalf("Signal.From = %q", fwd.From)
	}

	h.route(event(t, signaling.EventCameraRequest, nil))
	<-h.CameraRequest

	h.route(event(t, signaling.EventCameraPermission, &signaling.CameraPermissionPayload{Granted: true}))
	if granted := <-h.CameraPermission; !granted {
		t.Fatal("CameraPermission = false")
	}

	h.route(event(t, signaling.EventMediaKind, &signaling.MediaKindPayload{
		RoomID: "482913", StreamID: "tether-screen", Kind: "screen",
	}))
	mk := <-h.MediaKind
	if mk.StreamID != "tether-screen" || mk.Kind != "screen" {
		t.Fatalf("MediaKind = %+v", mk)
	}

	h.route(event(t, signaling.EventError, &signaling.ErrorPayload{Reason: "room not found"}))
	if got := <-h.Errors; got != "room not found" {
		t.Fatalf("Errors = %q", got)
	}
}

func TestHandlerRecognizesLostSession(t *testing.T) {
	h := NewHandler(nil)

	h.route(event(t, signaling.EventError, &signaling.ErrorPayload{
		Reason: signaling.ReasonRoomNotFoundForRejoin,
	}))

	select {
	case <-h.SessionLost:
	default:
		t.Fatal("sentinel reason must surface on SessionLost")
	}
	select {
	case reason := <-h.Errors:
		t.Fatalf("sentinel reason leaked onto Errors: %q", reason)
	default:
	}
}

func TestHandlerDropsRoomStateWhenConsumerIsSlow(t *testing.T) {
	h := NewHandler(nil)

	// More snapshots than the channel buffers; the overflow is dropped
	// rather than blocking the demux.
	for i := 0; i < cap(h.RoomState)+5; i++ {
		h.route(event(t, signaling.EventRoomState, &registry.Snapshot{RoomID: "482913"}))
	}
	if got := len(h.RoomState); got != cap(h.RoomState) {
		t.Fatalf("buffered %d snapshots, want %d", got, cap(h.RoomState))
	}
}

func TestHandlerStaysLiveWithoutConsumers(t *testing.T) {
	h := NewHandler(nil)

	// Fill every notification buffer past capacity with nobody
	// reading. A blocking send here would wedge this goroutine and
	// fail the test on timeout.
	for i := 0; i < 6; i++ {
		h.route(event(t, signaling.EventPeerJoined, &signaling.PeerEventPayload{Role: registry.RoleClient}))
		h.route(event(t, signaling.EventPeerReconnected, &signaling.PeerEventPayload{Role: registry.RoleClient}))
		h.route(event(t, signaling.EventPeerDisconnected, &signaling.PeerEventPayload{Role: registry.RoleClient}))
		h.route(event(t, signaling.EventCameraPermission, &signaling.CameraPermissionPayload{Granted: true}))
		h.route(event(t, signaling.EventCameraRequest, nil))
		h.route(event(t, signaling.EventRoomCreated, &signaling.RoomCreatedPayload{RoomID: "482913"}))
		h.route(event(t, signaling.EventError, &signaling.ErrorPayload{Reason: "room not found"}))
	}

	// Fresh traffic on a channel that is being read still flows.
	h.route(event(t, signaling.EventSignal, &signaling.SignalForward{
		From:   registry.RoleHost,
		Signal: json.RawMessage(`{"type":"offer"}`),
	}))
	select {
	case fwd := <-h.Signal:
		if fwd.From != registry.RoleHost {
			t.Fatalf("Signal.From = %q", fwd.From)
		}
	default:
		t.Fatal("signal not delivered after unconsumed notifications")
	}
}

func TestHandlerChannelsCloseAfterDrain(t *testing.T) {
	client := NewClient("ws://unused.invalid/ws")
	h := NewHandler(client)

	done := make(chan struct{})
	go func() {
		h.Start()
		close(done)
	}()

	// Keep routing busy right up to the close; teardown during a
	// burst of traffic must stay orderly.
	for i := 0; i < 64; i++ {
		client.incoming <- event(t, signaling.EventRoomState, &registry.Snapshot{RoomID: "482913"})
		client.incoming <- event(t, signaling.EventPeerJoined, &signaling.PeerEventPayload{Role: registry.RoleClient})
		client.incoming <- event(t, signaling.EventCameraPermission, &signaling.CameraPermissionPayload{Granted: true})
	}
	close(client.incoming)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("demux did not stop after the incoming stream drained")
	}

	if _, ok := <-h.Signal; ok {
		t.Fatal("Signal must be closed once the demux stops")
	}
	if _, ok := <-h.Errors; ok {
		t.Fatal("Errors must be closed once the demux stops")
	}
	if _, ok := <-h.SessionLost; ok {
		t.Fatal("SessionLost must be closed once the demux stops")
	}
}

func TestHandlerIgnoresMalformedPayloads(t *testing.T) {
	h := NewHandler(nil)

	h.route(&signaling.Message{Event: signaling.EventRoomCreated})
	h.route(&signaling.Message{Event: signaling.EventPeerJoined, Payload: json.RawMessage(`"not an object"`)})
	h.route(&signaling.Message{Event: "something:new"})

	if len(h.RoomCreated)+len(h.PeerJoined) != 0 {
		t.Fatal("malformed payloads must not produce events")
	}
}
