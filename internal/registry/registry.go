package registry

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
)

// maxCodeAttempts bounds room-code generation. At expected room counts
// (far below the one-million-code space) exhausting it is practically
// unreachable; hitting it is surfaced as an operational error.
const maxCodeAttempts = 1000

// ErrCodeSpaceExhausted is returned when no free room code could be
// found within the attempt budget.
var ErrCodeSpaceExhausted = errors.New("room code space exhausted")

// Registry is the in-memory authority over live rooms. It is an
// explicit store with its own guard; the gateway takes it as a
// dependency rather than reaching for ambient globals. Rooms are never
// deleted: an abandoned room can be rebound by a later join for the
// life of the process.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
	gen   uint64

	// newCode is swapped out by tests to force collisions.
	newCode func() string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		rooms:   make(map[string]*Room),
		newCode: randomCode,
	}
}

// randomCode samples uniformly over the 6-digit space, zero-padded.
func randomCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		// crypto/rand failing means the process is in no state to
		// keep issuing room codes.
		panic(fmt.Sprintf("registry: random source failed: %v", err))
	}
	return fmt.Sprintf("%06d", n.Int64())
}

// CreateRoom allocates a fresh room owned by hostUserID and attaches
// conn as its host connection.
func (g *Registry) CreateRoom(hostUserID string, conn Conn) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var id string
	for i := 0; ; i++ {
		if i == maxCodeAttempts {
			return nil, ErrCodeSpaceExhausted
		}
		id = g.newCode()
		if _, taken := g.rooms[id]; !taken {
			break
		}
	}

	g.gen++
	room := &Room{
		ID:         id,
		HostUserID: hostUserID,
		Host:       Binding{Conn: conn, Gen: g.gen},
	}
	g.rooms[id] = room
	slog.Info("room created", "room", id, "host", hostUserID)
	return room, nil
}

// Get returns the room with the given code, if it exists.
func (g *Registry) Get(id string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[id]
	return room, ok
}

// FindByUser scans live rooms for one where userID is bound as host or
// client. A user holds at most one room as at most one role at a time;
// the gateway enforces that on the way in, so the first hit wins.
func (g *Registry) FindByUser(userID string) (*Room, Role, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, room := range g.rooms {
		if role, ok := room.RoleOf(userID); ok {
			return room, role, true
		}
	}
	return nil, "", false
}

// Attach binds conn as the current connection for role, superseding any
// prior binding, and returns the new generation. The old connection is
// not closed; it is simply no longer the registered one.
func (g *Registry) Attach(room *Room, role Role, conn Conn) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gen++
	*room.binding(role) = Binding{Conn: conn, Gen: g.gen}
	g.normalize(room)
	return room.binding(role).Gen
}

// ClearConn drops the connection for role and forces both activity
// flags false.
func (g *Registry) ClearConn(room *Room, role Role) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b := room.binding(role)
	b.Conn = nil
	b.Gen = 0
	room.ControlActive = false
	room.CameraActive = false
	g.normalize(room)
}

// ClearClient forcibly drops the whole client binding: identity,
// connection and both activity flags.
func (g *Registry) ClearClient(room *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room.clearClient()
	g.normalize(room)
}

// Normalize re-applies the room invariants after any external
// mutation. Idempotent.
func (g *Registry) Normalize(room *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.normalize(room)
}

func (g *Registry) normalize(room *Room) {
	// Invariant 1: the client identity may never equal the host
	// identity (e.g. the host rejoined through the client path).
	if room.ClientUserID != "" && room.ClientUserID == room.HostUserID {
		slog.Warn("client identity collides with host, clearing", "room", room.ID)
		room.clearClient()
	}

	// Invariant 2: a client connection without a client identity is
	// meaningless.
	if room.ClientUserID == "" && room.Client.Conn != nil {
		room.Client = Binding{}
		room.ControlActive = false
		room.CameraActive = false
	}

	// Invariant 3: one physical connection cannot hold both roles.
	if room.Host.Conn != nil && room.Host.Conn == room.Client.Conn {
		slog.Warn("host and client share a connection, dropping client ref", "room", room.ID)
		room.Client = Binding{}
		room.ControlActive = false
		room.CameraActive = false
	}
}
