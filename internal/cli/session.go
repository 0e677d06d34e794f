package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/identity"
	"github.com/tetherhq/tether/internal/peer"
	"github.com/tetherhq/tether/internal/registry"
	"github.com/tetherhq/tether/internal/session"
	"github.com/tetherhq/tether/internal/signaling"
)

// ConnectionContext bundles the signaling connection with the session
// the endpoint remembers across reconnects.
type ConnectionContext struct {
	Client  *session.Client
	Handler *session.Handler
	Config  *config.Config

	UserID string
	RoomID string
	Role   registry.Role
}

// NewConnectionContext connects to the signaling server and identifies.
// After every transport reconnect it re-identifies and rejoins the
// remembered room, if any.
func NewConnectionContext(cfg *config.Config, userID string) (*ConnectionContext, error) {
	client := session.NewClient(cfg.WebSocketURL)

	ctx := &ConnectionContext{
		Client: client,
		Config: cfg,
		UserID: userID,
	}

	client.OnReconnect = func() {
		ctx.identify()
		if ctx.RoomID != "" {
			if err := client.Send(signaling.EventRejoinRoom, &signaling.RejoinRoomPayload{
				RoomID: ctx.RoomID,
				Role:   ctx.Role,
			}); err != nil {
				slog.Warn("rejoin after reconnect", "err", err)
			}
		}
	}

	if err := client.Connect(); err != nil {
		return nil, err
	}

	ctx.Handler = session.NewHandler(client)
	go ctx.Handler.Start()

	ctx.identify()
	return ctx, nil
}

func (c *ConnectionContext) identify() {
	if err := c.Client.Send(signaling.EventIdentify, &signaling.IdentifyPayload{UserID: c.UserID}); err != nil {
		slog.Warn("identify", "err", err)
	}
}

// CreateRoom asks the gateway for a room and remembers it as ours.
func (c *ConnectionContext) CreateRoom() (string, error) {
	if err := c.Client.Send(signaling.EventCreateRoom, nil); err != nil {
		return "", err
	}

	select {
	case roomID := <-c.Handler.RoomCreated:
		c.RoomID = roomID
		c.Role = registry.RoleHost
		return roomID, nil
	case reason := <-c.Handler.Errors:
		return "", fmt.Errorf("create room: %s", reason)
	}
}

// JoinRoom enters an existing room as the client and remembers it.
func (c *ConnectionContext) JoinRoom(roomID string) error {
	if err := c.Client.Send(signaling.EventJoinRoom, &signaling.JoinRoomPayload{RoomID: roomID}); err != nil {
		return err
	}

	select {
	case <-c.Handler.RoomState:
		c.RoomID = roomID
		c.Role = registry.RoleClient
		return nil
	case reason := <-c.Handler.Errors:
		return fmt.Errorf("join room: %s", reason)
	}
}

// Forget drops the remembered session, e.g. after the server reports
// the room is gone.
func (c *ConnectionContext) Forget() {
	c.RoomID = ""
	c.Role = ""
}

// Close tears down the signaling connection. The handler's channels
// close on their own once the incoming stream drains.
func (c *ConnectionContext) Close() {
	if c.Client != nil {
		c.Client.Close()
	}
}

// PumpSignals feeds relayed negotiation traffic and peer lifecycle
// events into the controller until done closes.
func (c *ConnectionContext) PumpSignals(ctrl *peer.Controller, done <-chan struct{}) {
	for {
		select {
		case fw, ok := <-c.Handler.Signal:
			if !ok {
				return
			}
			var sig peer.Signal
			if err := json.Unmarshal(fw.Signal, &sig); err != nil {
				slog.Debug("bad signal payload", "err", err)
				continue
			}
			if err := ctrl.HandleSignal(&sig); err != nil {
				slog.Warn("signal handling", "err", err)
			}

		case mk, ok := <-c.Handler.MediaKind:
			if !ok {
				return
			}
			ctrl.SetRemotePurpose(mk.StreamID, peer.Purpose(mk.Kind))

		case _, ok := <-c.Handler.PeerDisconnected:
			if !ok {
				return
			}
			slog.Info("peer connection lost")
			ctrl.PeerLost()

		case _, ok := <-c.Handler.PeerReconnected:
			if !ok {
				return
			}
			slog.Info("peer reconnected")
			if err := ctrl.PeerReconnected(); err != nil {
				slog.Warn("rebuild after peer reconnect", "err", err)
			}

		case _, ok := <-c.Handler.SessionLost:
			if !ok {
				return
			}
			slog.Warn("room is gone, discarding the remembered session")
			c.Forget()
			ctrl.PeerLost()

		case reason, ok := <-c.Handler.Errors:
			if !ok {
				return
			}
			if reason != "" {
				slog.Warn("gateway rejection", "reason", reason)
			}

		case <-done:
			return
		}
	}
}

// lastSnapshot drains the room-state channel and returns the newest
// snapshot seen, if any.
func lastSnapshot(ctx *ConnectionContext) *registry.Snapshot {
	var snap *registry.Snapshot
	for {
		select {
		case s := <-ctx.Handler.RoomState:
			if s == nil {
				return snap
			}
			snap = s
		default:
			return snap
		}
	}
}

// relay adapts the signaling connection to the controller's Signaler.
type relay struct {
	ctx *ConnectionContext
}

func (r *relay) SendSignal(sig *peer.Signal) error {
	raw, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return r.ctx.Client.Send(signaling.EventSignal, &signaling.SignalEnvelope{
		RoomID: r.ctx.RoomID,
		Signal: raw,
	})
}

func (r *relay) AnnounceStream(streamID string, purpose peer.Purpose) error {
	return r.ctx.Client.Send(signaling.EventMediaKind, &signaling.MediaKindPayload{
		RoomID:   r.ctx.RoomID,
		StreamID: streamID,
		Kind:     string(purpose),
	})
}

// iceServers builds the pion ICE server list from config.
func iceServers(cfg *config.Config) []webrtc.ICEServer {
	servers := []webrtc.ICEServer{{URLs: cfg.GetSTUNServers()}}
	if turn := cfg.GetTURNServers(); turn != nil {
		user, pass := cfg.GetTURNCredentials()
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   user,
			Credential: pass,
		})
	}
	return servers
}

// loadUserID returns the persisted self-issued identity, creating one
// on first run. The identifier is ours to issue; the server only ever
// compares it for equality.
func loadUserID(override string) (string, error) {
	if override != "" {
		if err := identity.Validate(override); err != nil {
			return "", err
		}
		return strings.ToLower(override), nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return identity.New(), nil
	}
	path := filepath.Join(dir, "tether", "identity")

	if b, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(b))
		if identity.Valid(id) {
			return id, nil
		}
	}

	id := identity.New()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err == nil {
		if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
			slog.Debug("persist identity", "err", err)
		}
	}
	return id, nil
}
