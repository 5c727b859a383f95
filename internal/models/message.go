package models

import "encoding/json"

// MessageType is the wire type of a real-time message.
type MessageType string

// Inbound message types
const (
	TypeCreateCall     MessageType = "CREATE_CALL"
	TypeJoin           MessageType = "JOIN"
	TypeOffer          MessageType = "OFFER"
	TypeAnswer         MessageType = "ANSWER"
	TypeIceCandidate   MessageType = "ICE_CANDIDATE"
	TypeApprovePending MessageType = "APPROVE_PENDING"
	TypeDenyPending    MessageType = "DENY_PENDING"
	TypeKick           MessageType = "KICK"
	TypeBan            MessageType = "BAN"
	TypeUnban          MessageType = "UNBAN"
	TypePromote        MessageType = "PROMOTE"
	TypeUpdateSettings MessageType = "UPDATE_SETTINGS"
	TypeEndCall        MessageType = "END_CALL"
	TypeMediaState     MessageType = "MEDIA_STATE"
	TypeLeave          MessageType = "LEAVE"
)

// Outbound message types
const (
	TypeJoined             MessageType = "JOINED"
	TypePendingAdmission   MessageType = "PENDING_ADMISSION"
	TypeRejected           MessageType = "REJECTED"
	TypeMemberJoined       MessageType = "MEMBER_JOINED"
	TypeMemberLeft         MessageType = "MEMBER_LEFT"
	TypeRoleChanged        MessageType = "ROLE_CHANGED"
	TypeAdmissionRequested MessageType = "ADMISSION_REQUESTED"
	TypeKicked             MessageType = "KICKED"
	TypeSettingsChanged    MessageType = "SETTINGS_CHANGED"
	TypeRoomEnded          MessageType = "ROOM_ENDED"
	TypeLeft               MessageType = "LEFT"
	TypeError              MessageType = "ERROR"
)

// IsSignal reports whether t is relayed point to point.
func (t MessageType) IsSignal() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeIceCandidate
}

// Leave reasons carried on MEMBER_LEFT.
const (
	LeaveReasonLeft         = "LEFT"
	LeaveReasonDisconnected = "DISCONNECTED"
	LeaveReasonKicked       = "KICKED"
	LeaveReasonBanned       = "BANNED"
)

// InboundMessage is the envelope of every client message. Only the fields
// relevant to Type are read.
type InboundMessage struct {
	Type               MessageType     `json:"type"`
	RoomID             string          `json:"roomId,omitempty"`
	MaxSize            int             `json:"maxSize,omitempty"`
	IsPrivate          *bool           `json:"isPrivate,omitempty"`
	Password           *string         `json:"password,omitempty"`
	WaitingRoomEnabled *bool           `json:"waitingRoomEnabled,omitempty"`
	TargetID           string          `json:"targetId,omitempty"`
	UserID             string          `json:"userId,omitempty"`
	SDP                json.RawMessage `json:"sdp,omitempty"`
	Candidate          json.RawMessage `json:"candidate,omitempty"`
	AudioMuted         *bool           `json:"audioMuted,omitempty"`
	VideoOff           *bool           `json:"videoOff,omitempty"`
	ScreenSharing      *bool           `json:"screenSharing,omitempty"`
}

// MediaState is a participant's self-reported media toggles.
type MediaState struct {
	AudioMuted    *bool `json:"audioMuted,omitempty"`
	VideoOff      *bool `json:"videoOff,omitempty"`
	ScreenSharing *bool `json:"screenSharing,omitempty"`
}

// OutboundMessage is the envelope of every server message.
type OutboundMessage struct {
	Type      MessageType     `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	SenderID  string          `json:"senderId,omitempty"`
	Role      Role            `json:"role,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Members   []Member        `json:"members,omitempty"`
	Settings  *RoomSettings   `json:"settings,omitempty"`
	Media     *MediaState     `json:"media,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// SignalingMessage is a point-to-point WebRTC signaling payload. The sender's
// room is never part of it: the router resolves it from the connection.
type SignalingMessage struct {
	Kind     MessageType
	SenderID string
	TargetID string
	Payload  json.RawMessage
}
