package models

import "time"

const CallTypeVideo = "VIDEO"

// ParticipantEvent is one presence interval of a user in a call.
type ParticipantEvent struct {
	UserID   string     `json:"userId"`
	JoinedAt time.Time  `json:"joinedAt"`
	LeftAt   *time.Time `json:"leftAt,omitempty"`
}

// CallRecord is the durable history of one room generation.
type CallRecord struct {
	ID                string             `json:"id"`
	RoomID            string             `json:"roomId"`
	CallType          string             `json:"callType"`
	StartedByID       string             `json:"startedById"`
	StartedAt         time.Time          `json:"startedAt"`
	EndedAt           *time.Time         `json:"endedAt,omitempty"`
	ParticipantEvents []ParticipantEvent `json:"participantEvents"`
}

// Participants returns the distinct user ids in order of first appearance.
func (c *CallRecord) Participants() []string {
	seen := make(map[string]bool, len(c.ParticipantEvents))
	out := make([]string, 0, len(c.ParticipantEvents))
	for _, ev := range c.ParticipantEvents {
		if seen[ev.UserID] {
			continue
		}
		seen[ev.UserID] = true
		out = append(out, ev.UserID)
	}
	return out
}
