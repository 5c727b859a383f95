package errs

import (
	"errors"
	"fmt"
)

// Code identifies an error class. Codes are sent to clients verbatim as the
// rejection reason, so they are part of the wire contract.
type Code string

const (
	CodeAuthenticationFailed   Code = "AuthenticationFailed"
	CodeRoomNotFound           Code = "RoomNotFound"
	CodeRoomAlreadyExists      Code = "RoomAlreadyExists"
	CodeRoomFull               Code = "RoomFull"
	CodeIncorrectPassword      Code = "IncorrectPassword"
	CodeBanned                 Code = "Banned"
	CodeNotAuthorized          Code = "NotAuthorized"
	CodeTargetNotInRoom        Code = "TargetNotInRoom"
	CodeNoActiveRoomMembership Code = "NoActiveRoomMembership"
	CodeAlreadyMember          Code = "AlreadyMember"
	CodeUnknownConnection      Code = "UnknownConnection"
	CodeDeniedByHost           Code = "DeniedByHost"
	CodeInvalidPayload         Code = "InvalidPayload"
	CodeInvalidRequest         Code = "InvalidRequest"
	CodeInvariantViolation     Code = "InvariantViolation"
	CodeInternal               Code = "Internal"
)

// Error is a coded error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so wrapped or re-created
// errors compare equal to the package sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrAuthenticationFailed   = New(CodeAuthenticationFailed, "authentication failed")
	ErrRoomNotFound           = New(CodeRoomNotFound, "room not found")
	ErrRoomAlreadyExists      = New(CodeRoomAlreadyExists, "room already exists")
	ErrRoomFull               = New(CodeRoomFull, "room is full")
	ErrIncorrectPassword      = New(CodeIncorrectPassword, "incorrect room password")
	ErrBanned                 = New(CodeBanned, "user is banned from this room")
	ErrNotAuthorized          = New(CodeNotAuthorized, "not authorized")
	ErrTargetNotInRoom        = New(CodeTargetNotInRoom, "target is not in the room")
	ErrNoActiveRoomMembership = New(CodeNoActiveRoomMembership, "connection has no active room membership")
	ErrAlreadyMember          = New(CodeAlreadyMember, "already a member")
	ErrUnknownConnection      = New(CodeUnknownConnection, "unknown connection")
	ErrDeniedByHost           = New(CodeDeniedByHost, "admission denied")
	ErrInvalidPayload         = New(CodeInvalidPayload, "invalid signaling payload")
	ErrInvalidRequest         = New(CodeInvalidRequest, "invalid request")
	ErrInvariantViolation     = New(CodeInvariantViolation, "room invariant violated")
)

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Newf builds an error of the given code with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
