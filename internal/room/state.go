package room

import (
	"time"

	"github.com/mossy-p/call-signaling/internal/errs"
	"github.com/mossy-p/call-signaling/internal/models"
)

// State is an immutable snapshot of one room. Transitions build a new State
// with clone and replace modified slices and sets wholesale; a committed
// State is never written again.
type State struct {
	ID                 string
	CallID             string
	OwnerID            string
	MaxSize            int
	Members            []models.Member
	Pending            []models.PendingEntry
	Banned             Set
	IsPrivate          bool
	PasswordHash       []byte
	WaitingRoomEnabled bool
	CreatedAt          time.Time
	Status             models.RoomStatus
	Timeline           []models.ParticipantEvent
}

func (s *State) clone() *State {
	next := *s
	return &next
}

func (s *State) Member(userID string) (models.Member, bool) {
	for _, m := range s.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return models.Member{}, false
}

func (s *State) IsMember(userID string) bool {
	_, ok := s.Member(userID)
	return ok
}

func (s *State) PendingEntry(userID string) (models.PendingEntry, bool) {
	for _, p := range s.Pending {
		if p.UserID == userID {
			return p, true
		}
	}
	return models.PendingEntry{}, false
}

func (s *State) IsPending(userID string) bool {
	_, ok := s.PendingEntry(userID)
	return ok
}

// Host returns the member holding HOST.
func (s *State) Host() (models.Member, bool) {
	for _, m := range s.Members {
		if m.Role == models.RoleHost {
			return m, true
		}
	}
	return models.Member{}, false
}

func (s *State) Full() bool {
	return len(s.Members) >= s.MaxSize
}

// MemberConnections lists the connections of all members except excludeUser.
func (s *State) MemberConnections(excludeUser string) []string {
	out := make([]string, 0, len(s.Members))
	for _, m := range s.Members {
		if m.UserID != excludeUser {
			out = append(out, m.ConnectionID)
		}
	}
	return out
}

// ModeratorConnections lists the connections of HOST and ADMIN members.
func (s *State) ModeratorConnections() []string {
	var out []string
	for _, m := range s.Members {
		if m.Role == models.RoleHost || m.Role == models.RoleAdmin {
			out = append(out, m.ConnectionID)
		}
	}
	return out
}

func (s *State) PendingConnections() []string {
	out := make([]string, 0, len(s.Pending))
	for _, p := range s.Pending {
		out = append(out, p.ConnectionID)
	}
	return out
}

func (s *State) Settings() models.RoomSettings {
	return models.RoomSettings{
		IsPrivate:          s.IsPrivate,
		HasPassword:        len(s.PasswordHash) > 0,
		WaitingRoomEnabled: s.WaitingRoomEnabled,
	}
}

func (s *State) Summary() models.RoomSummary {
	sum := models.RoomSummary{
		ID:                 s.ID,
		OwnerID:            s.OwnerID,
		MaxSize:            s.MaxSize,
		MemberCount:        len(s.Members),
		HasPassword:        len(s.PasswordHash) > 0,
		WaitingRoomEnabled: s.WaitingRoomEnabled,
		CreatedAt:          s.CreatedAt,
	}
	if h, ok := s.Host(); ok {
		sum.HostID = h.UserID
	}
	return sum
}

// MembersView returns a copy of the member list safe to hand to callers.
func (s *State) MembersView() []models.Member {
	out := make([]models.Member, len(s.Members))
	copy(out, s.Members)
	return out
}

// Validate checks the structural invariants every committed ACTIVE state
// must satisfy.
func (s *State) Validate() error {
	if s.MaxSize < 1 {
		return errs.Newf(errs.CodeInvariantViolation, "room %s: maxSize %d", s.ID, s.MaxSize)
	}
	if len(s.Members) > s.MaxSize {
		return errs.Newf(errs.CodeInvariantViolation, "room %s: %d members exceed maxSize %d", s.ID, len(s.Members), s.MaxSize)
	}

	seen := make(map[string]bool, len(s.Members))
	hosts := 0
	for _, m := range s.Members {
		if seen[m.UserID] {
			return errs.Newf(errs.CodeInvariantViolation, "room %s: duplicate member %s", s.ID, m.UserID)
		}
		seen[m.UserID] = true
		if !m.Role.Valid() {
			return errs.Newf(errs.CodeInvariantViolation, "room %s: member %s has invalid role", s.ID, m.UserID)
		}
		if m.Role == models.RoleHost {
			hosts++
		}
		if s.Banned.Has(m.UserID) {
			return errs.Newf(errs.CodeInvariantViolation, "room %s: banned user %s is a member", s.ID, m.UserID)
		}
	}

	pending := make(map[string]bool, len(s.Pending))
	for _, p := range s.Pending {
		if seen[p.UserID] {
			return errs.Newf(errs.CodeInvariantViolation, "room %s: user %s is both member and pending", s.ID, p.UserID)
		}
		if pending[p.UserID] {
			return errs.Newf(errs.CodeInvariantViolation, "room %s: duplicate pending %s", s.ID, p.UserID)
		}
		pending[p.UserID] = true
	}

	if s.Status == models.RoomStatusActive && len(s.Members) > 0 && hosts != 1 {
		return errs.Newf(errs.CodeInvariantViolation, "room %s: %d hosts", s.ID, hosts)
	}
	return nil
}

// withMember appends m and opens a timeline interval for it.
func (s *State) withMember(m models.Member) *State {
	next := s.clone()
	next.Members = append(append(make([]models.Member, 0, len(s.Members)+1), s.Members...), m)
	next.Timeline = append(append(make([]models.ParticipantEvent, 0, len(s.Timeline)+1), s.Timeline...),
		models.ParticipantEvent{UserID: m.UserID, JoinedAt: m.JoinedAt})
	return next
}

// withoutMember removes userID and closes its open timeline interval.
func (s *State) withoutMember(userID string, now time.Time) *State {
	next := s.clone()
	next.Members = make([]models.Member, 0, len(s.Members))
	for _, m := range s.Members {
		if m.UserID != userID {
			next.Members = append(next.Members, m)
		}
	}
	next.Timeline = closeInterval(s.Timeline, userID, now)
	return next
}

func (s *State) withRole(userID string, role models.Role) *State {
	next := s.clone()
	next.Members = make([]models.Member, len(s.Members))
	for i, m := range s.Members {
		if m.UserID == userID {
			m.Role = role
		}
		next.Members[i] = m
	}
	return next
}

func (s *State) withPending(p models.PendingEntry) *State {
	next := s.clone()
	next.Pending = append(append(make([]models.PendingEntry, 0, len(s.Pending)+1), s.Pending...), p)
	return next
}

func (s *State) withoutPending(userID string) *State {
	next := s.clone()
	next.Pending = make([]models.PendingEntry, 0, len(s.Pending))
	for _, p := range s.Pending {
		if p.UserID != userID {
			next.Pending = append(next.Pending, p)
		}
	}
	return next
}

// ended returns the terminal state: no members, no pending, every timeline
// interval closed at now.
func (s *State) ended(now time.Time) *State {
	next := s.clone()
	next.Status = models.RoomStatusEnded
	next.Members = nil
	next.Pending = nil
	timeline := s.Timeline
	for _, m := range s.Members {
		timeline = closeInterval(timeline, m.UserID, now)
	}
	next.Timeline = timeline
	return next
}

func closeInterval(timeline []models.ParticipantEvent, userID string, now time.Time) []models.ParticipantEvent {
	out := make([]models.ParticipantEvent, len(timeline))
	copy(out, timeline)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].UserID == userID && out[i].LeftAt == nil {
			left := now
			out[i].LeftAt = &left
			break
		}
	}
	return out
}

// successor picks the member to inherit HOST: the earliest-joined ADMIN,
// else the earliest-joined MEMBER. Members are kept in join order.
func successor(members []models.Member) (models.Member, bool) {
	for _, m := range members {
		if m.Role == models.RoleAdmin {
			return m, true
		}
	}
	for _, m := range members {
		if m.Role == models.RoleMember {
			return m, true
		}
	}
	return models.Member{}, false
}
