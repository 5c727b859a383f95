package room

import (
	"fmt"

	"github.com/mossy-p/call-signaling/internal/errs"
	"github.com/mossy-p/call-signaling/internal/models"
)

// Action is a privileged room operation.
type Action int

const (
	ActionDecidePending Action = iota + 1
	ActionKick
	ActionBan
	ActionPromote
	ActionChangeSettings
	ActionEndRoom
)

func (a Action) String() string {
	switch a {
	case ActionDecidePending:
		return "decide-pending"
	case ActionKick:
		return "kick"
	case ActionBan:
		return "ban"
	case ActionPromote:
		return "promote"
	case ActionChangeSettings:
		return "change-settings"
	case ActionEndRoom:
		return "end-room"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Authorize checks actor against the authorization table. target is the
// current role of the affected member and is only consulted for kicks; pass
// zero when the action has no member target.
//
//	action               HOST   ADMIN        MEMBER
//	decide pending       yes    yes          no
//	kick                 yes    MEMBER only  no
//	ban/unban            yes    no           no
//	promote              yes    no           no
//	change settings      yes    no           no
//	end room             yes    no           no
func Authorize(actor models.Role, action Action, target models.Role) error {
	if !actor.Valid() {
		return errs.Newf(errs.CodeNotAuthorized, "unrecognized role %v", actor)
	}

	allowed := false
	switch action {
	case ActionDecidePending:
		allowed = actor == models.RoleHost || actor == models.RoleAdmin
	case ActionKick:
		switch actor {
		case models.RoleHost:
			allowed = target == models.RoleAdmin || target == models.RoleMember
		case models.RoleAdmin:
			allowed = target == models.RoleMember
		case models.RoleMember:
			allowed = false
		}
	case ActionBan, ActionPromote, ActionChangeSettings, ActionEndRoom:
		allowed = actor == models.RoleHost
	default:
		return errs.Newf(errs.CodeNotAuthorized, "unrecognized action %v", action)
	}

	if !allowed {
		return errs.Newf(errs.CodeNotAuthorized, "%s may not %s", actor, action)
	}
	return nil
}

// actorRole resolves the acting user's role, failing when the actor is not a
// member of the room.
func actorRole(room *State, actorID string) (models.Role, error) {
	m, ok := room.Member(actorID)
	if !ok {
		return 0, errs.ErrNoActiveRoomMembership
	}
	return m.Role, nil
}
