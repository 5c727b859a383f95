package room

import (
	"github.com/mossy-p/call-signaling/internal/errs"
	"github.com/mossy-p/call-signaling/internal/models"
)

// Verdict is the outcome class of an admission decision.
type Verdict int

const (
	VerdictReject Verdict = iota
	VerdictAdmit
	VerdictPending
)

func (v Verdict) String() string {
	switch v {
	case VerdictAdmit:
		return "ADMIT"
	case VerdictPending:
		return "PENDING"
	}
	return "REJECT"
}

// Decision is the result of Decide. Role is set for VerdictAdmit, Reason for
// VerdictReject.
type Decision struct {
	Verdict Verdict
	Role    models.Role
	Reason  error
}

// PasswordChecker reports whether password matches hash.
type PasswordChecker func(hash []byte, password string) bool

// Decide runs the join protocol for requesterID against room. It has no side
// effects; the caller commits the outcome.
func Decide(room *State, requesterID string, password *string, check PasswordChecker) Decision {
	if room.IsMember(requesterID) {
		return reject(errs.ErrAlreadyMember)
	}
	// A repeated request while waiting keeps the original place in the queue.
	if room.IsPending(requesterID) {
		return Decision{Verdict: VerdictPending}
	}
	if room.Banned.Has(requesterID) {
		return reject(errs.ErrBanned)
	}
	if len(room.PasswordHash) > 0 {
		if password == nil || check == nil || !check(room.PasswordHash, *password) {
			return reject(errs.ErrIncorrectPassword)
		}
	}
	if room.Full() {
		return reject(errs.ErrRoomFull)
	}

	// Only a joiner who would become HOST skips the waiting room: the owner
	// returning to a room nobody currently hosts.
	_, hasHost := room.Host()
	elevated := requesterID == room.OwnerID && !hasHost
	if room.WaitingRoomEnabled && !elevated {
		return Decision{Verdict: VerdictPending}
	}

	role := models.RoleMember
	if elevated {
		role = models.RoleHost
	}
	return Decision{Verdict: VerdictAdmit, Role: role}
}

func reject(reason error) Decision {
	return Decision{Verdict: VerdictReject, Reason: reason}
}
