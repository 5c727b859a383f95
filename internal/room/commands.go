package room

import (
	"bytes"
	"time"

	"github.com/mossy-p/call-signaling/internal/errs"
	"github.com/mossy-p/call-signaling/internal/models"
)

// Event is an outbound message addressed to specific connections.
type Event struct {
	ConnectionIDs []string
	Message       models.OutboundMessage
}

// Result describes everything a committed transition asks the outside world
// to do. The store hands it to the commit hook; nothing in this package
// touches connections directly.
type Result struct {
	Decision Decision
	Events   []Event
	// Attach lists connections that became members.
	Attach []string
	// Pending lists connections that entered the waiting room.
	Pending []string
	// Detach lists connections that no longer belong to the room, whether
	// they were members or waiting.
	Detach []string

	Created           bool
	Ended             bool
	MembershipChanged bool
}

func (r *Result) emit(msg models.OutboundMessage, conns ...string) {
	if len(conns) == 0 {
		return
	}
	r.Events = append(r.Events, Event{ConnectionIDs: conns, Message: msg})
}

// Env supplies the impure inputs a transition needs.
type Env struct {
	Now           time.Time
	CheckPassword PasswordChecker
	HashPassword  func(password string) ([]byte, error)
}

// preparer is implemented by commands with expensive inputs, such as bcrypt,
// that can be computed from the last snapshot before the room lock is taken.
// prepare may replace functions in env; it must not modify snap.
type preparer interface {
	prepare(snap *State, env *Env) error
}

// Command is one state-changing room operation. Apply receives the current
// snapshot and returns the next one, or nil when nothing changes. Apply must
// not modify cur.
type Command interface {
	Apply(cur *State, env Env) (*State, Result, error)
}

// Join asks to enter the room.
type Join struct {
	UserID       string
	ConnectionID string
	Password     *string
}

// prepare verifies the supplied password against the last snapshot so the
// bcrypt comparison runs outside the room lock. Apply reuses the verdict
// while the room's hash is unchanged and compares again otherwise.
func (c Join) prepare(snap *State, env *Env) error {
	if c.Password == nil || len(snap.PasswordHash) == 0 || env.CheckPassword == nil {
		return nil
	}
	verified := snap.PasswordHash
	ok := env.CheckPassword(verified, *c.Password)
	check := env.CheckPassword
	env.CheckPassword = func(hash []byte, password string) bool {
		if bytes.Equal(hash, verified) {
			return ok
		}
		return check(hash, password)
	}
	return nil
}

func (c Join) Apply(cur *State, env Env) (*State, Result, error) {
	d := Decide(cur, c.UserID, c.Password, env.CheckPassword)
	res := Result{Decision: d}

	switch d.Verdict {
	case VerdictReject:
		return nil, res, d.Reason

	case VerdictPending:
		if p, ok := cur.PendingEntry(c.UserID); ok {
			if p.ConnectionID != c.ConnectionID {
				res.Decision = reject(errs.ErrAlreadyMember)
				return nil, res, errs.ErrAlreadyMember
			}
			res.emit(models.OutboundMessage{Type: models.TypePendingAdmission, RoomID: cur.ID}, c.ConnectionID)
			return nil, res, nil
		}
		next := cur.withPending(models.PendingEntry{
			UserID:       c.UserID,
			ConnectionID: c.ConnectionID,
			RequestedAt:  env.Now,
		})
		res.Pending = []string{c.ConnectionID}
		res.emit(models.OutboundMessage{Type: models.TypePendingAdmission, RoomID: cur.ID}, c.ConnectionID)
		res.emit(models.OutboundMessage{Type: models.TypeAdmissionRequested, RoomID: cur.ID, UserID: c.UserID},
			cur.ModeratorConnections()...)
		return next, res, nil
	}

	next := cur.withMember(models.Member{
		UserID:       c.UserID,
		ConnectionID: c.ConnectionID,
		Role:         d.Role,
		JoinedAt:     env.Now,
	})
	admitted(next, &res, c.UserID, c.ConnectionID, d.Role)
	return next, res, nil
}

func admitted(next *State, res *Result, userID, connID string, role models.Role) {
	res.Attach = append(res.Attach, connID)
	res.MembershipChanged = true
	res.emit(models.OutboundMessage{
		Type:     models.TypeJoined,
		RoomID:   next.ID,
		Role:     role,
		Members:  next.MembersView(),
		Settings: settingsPtr(next),
	}, connID)
	res.emit(models.OutboundMessage{
		Type:   models.TypeMemberJoined,
		RoomID: next.ID,
		UserID: userID,
		Role:   role,
	}, next.MemberConnections(userID)...)
}

// Leave removes the user's membership or pending request held by
// ConnectionID. Reason is LeaveReasonLeft for an explicit LEAVE and
// LeaveReasonDisconnected when the socket went away.
type Leave struct {
	UserID       string
	ConnectionID string
	Reason       string
}

func (c Leave) Apply(cur *State, env Env) (*State, Result, error) {
	if m, ok := cur.Member(c.UserID); ok && m.ConnectionID == c.ConnectionID {
		var res Result
		if c.Reason == models.LeaveReasonLeft {
			res.emit(models.OutboundMessage{Type: models.TypeLeft, RoomID: cur.ID}, c.ConnectionID)
		}
		next := removeMember(cur, m, c.Reason, env.Now, &res)
		return next, res, nil
	}
	if p, ok := cur.PendingEntry(c.UserID); ok && p.ConnectionID == c.ConnectionID {
		res := Result{Detach: []string{p.ConnectionID}}
		if c.Reason == models.LeaveReasonLeft {
			res.emit(models.OutboundMessage{Type: models.TypeLeft, RoomID: cur.ID}, c.ConnectionID)
		}
		return cur.withoutPending(c.UserID), res, nil
	}
	return nil, Result{}, errs.ErrNoActiveRoomMembership
}

// removeMember takes m out of the room, hands HOST over when needed and ends
// the room when nobody is left.
func removeMember(cur *State, m models.Member, reason string, now time.Time, res *Result) *State {
	next := cur.withoutMember(m.UserID, now)
	res.Detach = append(res.Detach, m.ConnectionID)
	res.MembershipChanged = true

	if len(next.Members) == 0 {
		res.emit(models.OutboundMessage{Type: models.TypeRoomEnded, RoomID: cur.ID}, next.PendingConnections()...)
		res.Detach = append(res.Detach, next.PendingConnections()...)
		res.Ended = true
		return next.ended(now)
	}

	res.emit(models.OutboundMessage{
		Type:   models.TypeMemberLeft,
		RoomID: cur.ID,
		UserID: m.UserID,
		Reason: reason,
	}, next.MemberConnections("")...)

	if m.Role == models.RoleHost {
		if heir, ok := successor(next.Members); ok {
			next = next.withRole(heir.UserID, models.RoleHost)
			res.emit(models.OutboundMessage{
				Type:   models.TypeRoleChanged,
				RoomID: cur.ID,
				UserID: heir.UserID,
				Role:   models.RoleHost,
			}, next.MemberConnections("")...)
		}
	}
	return next
}

// ApprovePending admits a waiting user.
type ApprovePending struct {
	ActorID  string
	TargetID string
}

func (c ApprovePending) Apply(cur *State, env Env) (*State, Result, error) {
	role, err := actorRole(cur, c.ActorID)
	if err != nil {
		return nil, Result{}, err
	}
	if err := Authorize(role, ActionDecidePending, 0); err != nil {
		return nil, Result{}, err
	}
	p, ok := cur.PendingEntry(c.TargetID)
	if !ok {
		return nil, Result{}, errs.ErrTargetNotInRoom
	}
	if cur.Full() {
		return nil, Result{}, errs.ErrRoomFull
	}

	next := cur.withoutPending(c.TargetID).withMember(models.Member{
		UserID:       p.UserID,
		ConnectionID: p.ConnectionID,
		Role:         models.RoleMember,
		JoinedAt:     env.Now,
	})
	res := Result{Decision: Decision{Verdict: VerdictAdmit, Role: models.RoleMember}}
	admitted(next, &res, p.UserID, p.ConnectionID, models.RoleMember)
	return next, res, nil
}

// DenyPending rejects a waiting user.
type DenyPending struct {
	ActorID  string
	TargetID string
}

func (c DenyPending) Apply(cur *State, env Env) (*State, Result, error) {
	role, err := actorRole(cur, c.ActorID)
	if err != nil {
		return nil, Result{}, err
	}
	if err := Authorize(role, ActionDecidePending, 0); err != nil {
		return nil, Result{}, err
	}
	p, ok := cur.PendingEntry(c.TargetID)
	if !ok {
		return nil, Result{}, errs.ErrTargetNotInRoom
	}

	res := Result{Detach: []string{p.ConnectionID}}
	res.emit(models.OutboundMessage{
		Type:   models.TypeRejected,
		RoomID: cur.ID,
		Reason: string(errs.CodeDeniedByHost),
	}, p.ConnectionID)
	return cur.withoutPending(c.TargetID), res, nil
}

// ExpirePending purges waiting entries requested before Before. Expiry is
// indistinguishable from an explicit deny for the requester.
type ExpirePending struct {
	Before time.Time
}

func (c ExpirePending) Apply(cur *State, env Env) (*State, Result, error) {
	var res Result
	next := cur
	for _, p := range cur.Pending {
		if !p.RequestedAt.Before(c.Before) {
			continue
		}
		next = next.withoutPending(p.UserID)
		res.Detach = append(res.Detach, p.ConnectionID)
		res.emit(models.OutboundMessage{
			Type:   models.TypeRejected,
			RoomID: cur.ID,
			Reason: string(errs.CodeDeniedByHost),
		}, p.ConnectionID)
	}
	if next == cur {
		return nil, Result{}, nil
	}
	return next, res, nil
}

// Kick removes a member without banning them.
type Kick struct {
	ActorID  string
	TargetID string
}

func (c Kick) Apply(cur *State, env Env) (*State, Result, error) {
	role, err := actorRole(cur, c.ActorID)
	if err != nil {
		return nil, Result{}, err
	}
	target, ok := cur.Member(c.TargetID)
	if !ok {
		return nil, Result{}, errs.ErrTargetNotInRoom
	}
	if c.TargetID == c.ActorID {
		return nil, Result{}, errs.Newf(errs.CodeNotAuthorized, "cannot kick yourself")
	}
	if err := Authorize(role, ActionKick, target.Role); err != nil {
		return nil, Result{}, err
	}

	var res Result
	res.emit(models.OutboundMessage{Type: models.TypeKicked, RoomID: cur.ID, Reason: models.LeaveReasonKicked}, target.ConnectionID)
	next := removeMember(cur, target, models.LeaveReasonKicked, env.Now, &res)
	return next, res, nil
}

// Ban kicks or purges the target and records them in the ban list. The
// target need not be present.
type Ban struct {
	ActorID  string
	TargetID string
}

func (c Ban) Apply(cur *State, env Env) (*State, Result, error) {
	role, err := actorRole(cur, c.ActorID)
	if err != nil {
		return nil, Result{}, err
	}
	if err := Authorize(role, ActionBan, 0); err != nil {
		return nil, Result{}, err
	}
	if c.TargetID == "" {
		return nil, Result{}, errs.New(errs.CodeInvalidRequest, "ban needs a target")
	}
	if c.TargetID == c.ActorID {
		return nil, Result{}, errs.New(errs.CodeNotAuthorized, "cannot ban yourself")
	}

	var res Result
	next := cur
	if target, ok := cur.Member(c.TargetID); ok {
		res.emit(models.OutboundMessage{Type: models.TypeKicked, RoomID: cur.ID, Reason: models.LeaveReasonBanned}, target.ConnectionID)
		next = removeMember(cur, target, models.LeaveReasonBanned, env.Now, &res)
	} else if p, ok := cur.PendingEntry(c.TargetID); ok {
		res.Detach = append(res.Detach, p.ConnectionID)
		res.emit(models.OutboundMessage{Type: models.TypeRejected, RoomID: cur.ID, Reason: string(errs.CodeBanned)}, p.ConnectionID)
		next = cur.withoutPending(c.TargetID)
	}

	next = next.clone()
	next.Banned = next.Banned.With(c.TargetID)
	return next, res, nil
}

// Unban lifts a ban.
type Unban struct {
	ActorID  string
	TargetID string
}

func (c Unban) Apply(cur *State, env Env) (*State, Result, error) {
	role, err := actorRole(cur, c.ActorID)
	if err != nil {
		return nil, Result{}, err
	}
	if err := Authorize(role, ActionBan, 0); err != nil {
		return nil, Result{}, err
	}
	if !cur.Banned.Has(c.TargetID) {
		return nil, Result{}, errs.Newf(errs.CodeInvalidRequest, "user %s is not banned", c.TargetID)
	}
	next := cur.clone()
	next.Banned = cur.Banned.Without(c.TargetID)
	return next, Result{}, nil
}

// Promote makes a MEMBER an ADMIN.
type Promote struct {
	ActorID  string
	TargetID string
}

func (c Promote) Apply(cur *State, env Env) (*State, Result, error) {
	role, err := actorRole(cur, c.ActorID)
	if err != nil {
		return nil, Result{}, err
	}
	if err := Authorize(role, ActionPromote, 0); err != nil {
		return nil, Result{}, err
	}
	target, ok := cur.Member(c.TargetID)
	if !ok {
		return nil, Result{}, errs.ErrTargetNotInRoom
	}
	if target.Role != models.RoleMember {
		return nil, Result{}, errs.Newf(errs.CodeInvalidRequest, "user %s is already %s", c.TargetID, target.Role)
	}

	next := cur.withRole(c.TargetID, models.RoleAdmin)
	var res Result
	res.emit(models.OutboundMessage{
		Type:   models.TypeRoleChanged,
		RoomID: cur.ID,
		UserID: c.TargetID,
		Role:   models.RoleAdmin,
	}, next.MemberConnections("")...)
	return next, res, nil
}

// UpdateSettings changes password, privacy or waiting-room mode. Entries
// already waiting stay queued when the waiting room is switched off.
type UpdateSettings struct {
	ActorID string
	Change  models.SettingsChange
}

// prepare hashes a new password before the room lock is taken.
func (c UpdateSettings) prepare(_ *State, env *Env) error {
	if c.Change.Password == nil || *c.Change.Password == "" || env.HashPassword == nil {
		return nil
	}
	hash, err := env.HashPassword(*c.Change.Password)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "hash room password", err)
	}
	env.HashPassword = func(string) ([]byte, error) { return hash, nil }
	return nil
}

func (c UpdateSettings) Apply(cur *State, env Env) (*State, Result, error) {
	role, err := actorRole(cur, c.ActorID)
	if err != nil {
		return nil, Result{}, err
	}
	if err := Authorize(role, ActionChangeSettings, 0); err != nil {
		return nil, Result{}, err
	}

	next := cur.clone()
	if c.Change.Password != nil {
		if *c.Change.Password == "" {
			next.PasswordHash = nil
		} else {
			if env.HashPassword == nil {
				return nil, Result{}, errs.New(errs.CodeInternal, "password hashing unavailable")
			}
			hash, err := env.HashPassword(*c.Change.Password)
			if err != nil {
				return nil, Result{}, errs.Wrap(errs.CodeInternal, "hash room password", err)
			}
			next.PasswordHash = hash
		}
	}
	if c.Change.IsPrivate != nil {
		next.IsPrivate = *c.Change.IsPrivate
	}
	if c.Change.WaitingRoomEnabled != nil {
		next.WaitingRoomEnabled = *c.Change.WaitingRoomEnabled
	}

	var res Result
	res.emit(models.OutboundMessage{
		Type:     models.TypeSettingsChanged,
		RoomID:   cur.ID,
		Settings: settingsPtr(next),
	}, next.MemberConnections("")...)
	return next, res, nil
}

// EndRoom ends the call for everyone.
type EndRoom struct {
	ActorID string
}

func (c EndRoom) Apply(cur *State, env Env) (*State, Result, error) {
	role, err := actorRole(cur, c.ActorID)
	if err != nil {
		return nil, Result{}, err
	}
	if err := Authorize(role, ActionEndRoom, 0); err != nil {
		return nil, Result{}, err
	}
	return cur.ended(env.Now), endedResult(cur, ""), nil
}

// endedResult notifies and detaches every member and waiting connection of
// cur.
func endedResult(cur *State, reason string) Result {
	conns := append(cur.MemberConnections(""), cur.PendingConnections()...)
	res := Result{
		Detach:            conns,
		Ended:             true,
		MembershipChanged: len(cur.Members) > 0,
	}
	res.emit(models.OutboundMessage{Type: models.TypeRoomEnded, RoomID: cur.ID, Reason: reason}, conns...)
	return res
}

func settingsPtr(s *State) *models.RoomSettings {
	settings := s.Settings()
	return &settings
}
