package models

import (
	"fmt"
	"time"
)

// Role is a member's authority tier inside a room. BANNED is not a role; it
// is recorded separately in the room's ban list.
type Role uint8

const (
	RoleMember Role = iota + 1
	RoleAdmin
	RoleHost
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "HOST"
	case RoleAdmin:
		return "ADMIN"
	case RoleMember:
		return "MEMBER"
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool {
	switch r {
	case RoleHost, RoleAdmin, RoleMember:
		return true
	}
	return false
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	role, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// ParseRole accepts only the canonical upper-case names.
func ParseRole(s string) (Role, error) {
	switch s {
	case "HOST":
		return RoleHost, nil
	case "ADMIN":
		return RoleAdmin, nil
	case "MEMBER":
		return RoleMember, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// RoomStatus is the lifecycle state of a room. ENDED is terminal.
type RoomStatus string

const (
	RoomStatusActive RoomStatus = "ACTIVE"
	RoomStatusEnded  RoomStatus = "ENDED"
)

// Member is one admitted participant.
type Member struct {
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"-"`
	Role         Role      `json:"role"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// PendingEntry is a join request waiting for approval.
type PendingEntry struct {
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"-"`
	RequestedAt  time.Time `json:"requestedAt"`
}

// RoomSettings are the host-controlled room options.
type RoomSettings struct {
	IsPrivate          bool `json:"isPrivate"`
	HasPassword        bool `json:"hasPassword"`
	WaitingRoomEnabled bool `json:"waitingRoomEnabled"`
}

// RoomSummary is the public projection of a room used by the listing API.
type RoomSummary struct {
	ID                 string    `json:"id"`
	OwnerID            string    `json:"ownerId"`
	HostID             string    `json:"hostId"`
	MaxSize            int       `json:"maxSize"`
	MemberCount        int       `json:"memberCount"`
	HasPassword        bool      `json:"hasPassword"`
	WaitingRoomEnabled bool      `json:"waitingRoomEnabled"`
	CreatedAt          time.Time `json:"createdAt"`
}

// CreateCallRequest carries the CREATE_CALL parameters.
type CreateCallRequest struct {
	RoomID             string
	MaxSize            int
	IsPrivate          bool
	Password           *string
	WaitingRoomEnabled bool
}

// SettingsChange is a partial settings update; nil fields are left as-is.
// An empty Password clears the room password.
type SettingsChange struct {
	Password           *string
	IsPrivate          *bool
	WaitingRoomEnabled *bool
}
