package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mossy-p/call-signaling/internal/errs"
	"github.com/mossy-p/call-signaling/internal/models"
)

// Sender delivers outbound messages to one live connection. Send must not
// block.
type Sender interface {
	Send(msg models.OutboundMessage) error
}

// Connection is a point-in-time view of a registered connection.
type Connection struct {
	ID            string
	UserID        string
	JoinedAt      time.Time
	RoomID        string
	PendingRoomID string
}

// LeaveHook runs the room-leave path for a connection that is going away
// while it still holds a membership or a pending request.
type LeaveHook func(conn Connection)

type conn struct {
	Connection
	sender  Sender
	closing bool
}

// Registry maps live connections to their verified identity and their room
// attachment.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*conn
	onLeave LeaveHook
	logger  zerolog.Logger
}

func New(logger zerolog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*conn),
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// OnLeave installs the hook Unregister runs for attached connections.
func (r *Registry) OnLeave(hook LeaveHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLeave = hook
}

// Register records a new verified connection for userID.
func (r *Registry) Register(sender Sender, userID string) Connection {
	c := &conn{
		Connection: Connection{
			ID:       uuid.New().String(),
			UserID:   userID,
			JoinedAt: time.Now(),
		},
		sender: sender,
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	n := len(r.conns)
	r.mu.Unlock()

	r.logger.Info().Str("conn_id", c.ID).Str("user_id", userID).Int("connections", n).Msg("Connection registered")
	return c.Connection
}

// Unregister removes a connection. If it held a room membership or a pending
// request the leave hook runs first, exactly once, and completes before the
// connection disappears from the registry.
func (r *Registry) Unregister(connID string) error {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return r.unknown("unregister", connID)
	}
	if c.closing {
		r.mu.Unlock()
		return nil
	}
	c.closing = true
	snapshot := c.Connection
	hook := r.onLeave
	r.mu.Unlock()

	if hook != nil && (snapshot.RoomID != "" || snapshot.PendingRoomID != "") {
		hook(snapshot)
	}

	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()

	r.logger.Info().Str("conn_id", connID).Str("user_id", snapshot.UserID).Msg("Connection unregistered")
	return nil
}

// AttachRoom records that the connection is now a member of roomID.
func (r *Registry) AttachRoom(connID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok || c.closing {
		return r.unknown("attach", connID)
	}
	if c.RoomID != "" && c.RoomID != roomID {
		return errs.Newf(errs.CodeAlreadyMember, "connection %s already in room %s", connID, c.RoomID)
	}
	c.RoomID = roomID
	if c.PendingRoomID == roomID {
		c.PendingRoomID = ""
	}
	return nil
}

// MarkPending records that the connection is waiting for admission to roomID.
func (r *Registry) MarkPending(connID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok || c.closing {
		return r.unknown("mark pending", connID)
	}
	c.PendingRoomID = roomID
	return nil
}

// DetachRoom clears the connection's membership or pending request, but only
// if it refers to roomID, so a stale detach never drops a newer attachment.
func (r *Registry) DetachRoom(connID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return r.unknown("detach", connID)
	}
	if c.RoomID == roomID {
		c.RoomID = ""
	}
	if c.PendingRoomID == roomID {
		c.PendingRoomID = ""
	}
	return nil
}

// CurrentRoom returns the room the connection is a member of, or "".
func (r *Registry) CurrentRoom(connID string) (string, error) {
	c, err := r.Get(connID)
	if err != nil {
		return "", err
	}
	return c.RoomID, nil
}

// Get returns a snapshot of the connection.
func (r *Registry) Get(connID string) (Connection, error) {
	r.mu.RLock()
	c, ok := r.conns[connID]
	var snapshot Connection
	if ok {
		snapshot = c.Connection
	}
	r.mu.RUnlock()

	if !ok {
		return Connection{}, r.unknown("get", connID)
	}
	return snapshot, nil
}

// Send delivers msg to the connection.
func (r *Registry) Send(connID string, msg models.OutboundMessage) error {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return errs.ErrUnknownConnection
	}
	return c.sender.Send(msg)
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) unknown(op, connID string) error {
	r.logger.Error().Str("conn_id", connID).Str("op", op).Msg("Unknown connection")
	return errs.ErrUnknownConnection
}
