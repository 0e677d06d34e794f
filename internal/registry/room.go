package registry

// Role identifies one of the two participants of a room.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleHost || r == RoleClient
}

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleHost {
		return RoleClient
	}
	return RoleHost
}

// Conn is the live transport connection currently representing a
// participant. The registry never closes a Conn; a superseded binding
// simply becomes stale and is validated out by generation comparison.
type Conn interface {
	// Deliver sends a named event with a structured payload to the
	// participant. Delivery is best-effort and must not block.
	Deliver(event string, payload any)

	// UserID returns the identity bound to this connection, or "" if
	// the connection has not identified yet.
	UserID() string
}

// Binding ties a role to its current connection. Gen increases on every
// attach, so a caller holding an old generation can be told apart from
// the connection currently registered for the role even if the raw
// reference happens to alias.
type Binding struct {
	Conn Conn
	Gen  uint64
}

// Room is the unit of pairing: one host (controller) and at most one
// client (screen/camera sharer), keyed by a 6-digit code.
type Room struct {
	ID           string
	HostUserID   string
	ClientUserID string

	Host   Binding
	Client Binding

	// ControlActive is true only while the control data channel is
	// confirmed open and a client connection is attached.
	ControlActive bool

	// CameraActive is true only while the client's camera+microphone
	// capture is confirmed enabled.
	CameraActive bool
}

// Snapshot is the room state broadcast to both participants. It carries
// no connection references, only presence.
type Snapshot struct {
	RoomID        string `json:"roomId"`
	HostUserID    string `json:"hostUserId"`
	ClientUserID  string `json:"clientUserId,omitempty"`
	HostOnline    bool   `json:"hostOnline"`
	ClientOnline  bool   `json:"clientOnline"`
	ControlActive bool   `json:"controlActive"`
	CameraActive  bool   `json:"cameraActive"`
}

// Snapshot returns the room's broadcastable state.
func (r *Room) Snapshot() *Snapshot {
	return &Snapshot{
		RoomID:        r.ID,
		HostUserID:    r.HostUserID,
		ClientUserID:  r.ClientUserID,
		HostOnline:    r.Host.Conn != nil,
		ClientOnline:  r.Client.Conn != nil,
		ControlActive: r.ControlActive,
		CameraActive:  r.CameraActive,
	}
}

// binding returns a pointer to the Binding for the given role.
func (r *Room) binding(role Role) *Binding {
	if role == RoleHost {
		return &r.Host
	}
	return &r.Client
}

// Holds reports whether the given connection+generation pair is the
// binding currently registered for role. Stale connections (superseded
// by a reconnect) fail this check even when their identity still
// resolves to the role.
func (r *Room) Holds(role Role, conn Conn, gen uint64) bool {
	b := r.binding(role)
	return b.Conn != nil && b.Conn == conn && b.Gen == gen
}

// RoleOf resolves a user identity to its role in the room, if any.
func (r *Room) RoleOf(userID string) (Role, bool) {
	switch {
	case userID == "" || r == nil:
		return "", false
	case userID == r.HostUserID:
		return RoleHost, true
	case r.ClientUserID != "" && userID == r.ClientUserID:
		return RoleClient, true
	}
	return "", false
}

// clearClient drops the client binding entirely: identity, connection
// and both activity flags.
func (r *Room) clearClient() {
	r.ClientUserID = ""
	r.Client = Binding{}
	r.ControlActive = false
	r.CameraActive = false
}
