package signaling

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mossy-p/call-signaling/internal/errs"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/registry"
	"github.com/mossy-p/call-signaling/internal/room"
)

// Rooms is the read side of the room store.
type Rooms interface {
	Snapshot(roomID string) (*room.State, bool)
}

// Connections is the part of the connection registry the router uses.
type Connections interface {
	Get(connID string) (registry.Connection, error)
	Send(connID string, msg models.OutboundMessage) error
	DetachRoom(connID, roomID string) error
}

// Router forwards point-to-point signaling between members of one room and
// delivers room events to their connections.
type Router struct {
	rooms  Rooms
	conns  Connections
	logger zerolog.Logger
}

func NewRouter(rooms Rooms, conns Connections, logger zerolog.Logger) *Router {
	return &Router{
		rooms:  rooms,
		conns:  conns,
		logger: logger.With().Str("component", "signaling").Logger(),
	}
}

// membership resolves the room and member entry behind a connection. Only
// the registry and the committed snapshot are consulted, never client data.
func (r *Router) membership(connID string) (*room.State, models.Member, error) {
	conn, err := r.conns.Get(connID)
	if err != nil {
		return nil, models.Member{}, err
	}
	if conn.RoomID == "" {
		return nil, models.Member{}, errs.ErrNoActiveRoomMembership
	}
	st, ok := r.rooms.Snapshot(conn.RoomID)
	if !ok {
		return nil, models.Member{}, errs.ErrNoActiveRoomMembership
	}
	m, ok := st.Member(conn.UserID)
	if !ok || m.ConnectionID != connID {
		return nil, models.Member{}, errs.ErrNoActiveRoomMembership
	}
	return st, m, nil
}

// Relay validates msg and forwards its payload verbatim to the target
// member, tagged with the sender's user id.
func (r *Router) Relay(senderConnID string, msg models.SignalingMessage) error {
	if !msg.Kind.IsSignal() {
		return errs.Newf(errs.CodeInvalidRequest, "%s is not a signaling message", msg.Kind)
	}
	st, sender, err := r.membership(senderConnID)
	if err != nil {
		return err
	}
	target, ok := st.Member(msg.TargetID)
	if !ok || target.UserID == sender.UserID {
		return errs.ErrTargetNotInRoom
	}
	if err := ValidatePayload(msg.Kind, msg.Payload); err != nil {
		return err
	}

	out := models.OutboundMessage{
		Type:     msg.Kind,
		RoomID:   st.ID,
		SenderID: sender.UserID,
	}
	if msg.Kind == models.TypeIceCandidate {
		out.Candidate = msg.Payload
	} else {
		out.SDP = msg.Payload
	}

	if err := r.conns.Send(target.ConnectionID, out); err != nil {
		r.logger.Debug().Err(err).
			Str("room_id", st.ID).
			Str("sender_id", sender.UserID).
			Str("target_id", target.UserID).
			Msg("Signal dropped")
	}
	return nil
}

// ValidatePayload checks that payload decodes as the WebRTC structure kind
// carries: a session description of the matching type for OFFER and ANSWER,
// an ICE candidate init for ICE_CANDIDATE.
func ValidatePayload(kind models.MessageType, payload json.RawMessage) error {
	if len(payload) == 0 {
		return errs.Newf(errs.CodeInvalidPayload, "%s payload is empty", kind)
	}

	switch kind {
	case models.TypeOffer, models.TypeAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(payload, &desc); err != nil {
			return errs.Wrap(errs.CodeInvalidPayload, "malformed session description", err)
		}
		want := webrtc.SDPTypeOffer
		if kind == models.TypeAnswer {
			want = webrtc.SDPTypeAnswer
		}
		if desc.Type != want {
			return errs.Newf(errs.CodeInvalidPayload, "%s carries a %s description", kind, desc.Type)
		}
		if !strings.HasPrefix(desc.SDP, "v=") {
			return errs.New(errs.CodeInvalidPayload, "session description has no SDP body")
		}
	case models.TypeIceCandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &cand); err != nil {
			return errs.Wrap(errs.CodeInvalidPayload, "malformed ICE candidate", err)
		}
		// An empty candidate string is the end-of-candidates marker.
		if cand.Candidate != "" && cand.SDPMid == nil && cand.SDPMLineIndex == nil {
			return errs.New(errs.CodeInvalidPayload, "ICE candidate needs sdpMid or sdpMLineIndex")
		}
	default:
		return errs.Newf(errs.CodeInvalidPayload, "unsupported signal %s", kind)
	}
	return nil
}

// RelayMedia tells the sender's co-members about a media toggle.
func (r *Router) RelayMedia(senderConnID string, media models.MediaState) error {
	st, sender, err := r.membership(senderConnID)
	if err != nil {
		return err
	}
	if media.AudioMuted == nil && media.VideoOff == nil && media.ScreenSharing == nil {
		return errs.New(errs.CodeInvalidRequest, "media state carries no toggles")
	}
	r.Broadcast(st, models.OutboundMessage{
		Type:   models.TypeMediaState,
		RoomID: st.ID,
		UserID: sender.UserID,
		Media:  &media,
	}, sender.UserID)
	return nil
}

// Broadcast sends msg to every member of st except excludeUserID.
func (r *Router) Broadcast(st *room.State, msg models.OutboundMessage, excludeUserID string) {
	for _, connID := range st.MemberConnections(excludeUserID) {
		r.send(connID, msg)
	}
}

// Deliver sends the events of a committed transition and drops the room
// attachment of every connection the transition removed.
func (r *Router) Deliver(roomID string, res room.Result) {
	for _, ev := range res.Events {
		for _, connID := range ev.ConnectionIDs {
			r.send(connID, ev.Message)
		}
	}
	for _, connID := range res.Detach {
		if err := r.conns.DetachRoom(connID, roomID); err != nil && !errors.Is(err, errs.ErrUnknownConnection) {
			r.logger.Warn().Err(err).Str("room_id", roomID).Str("conn_id", connID).Msg("Detach failed")
		}
	}
}

// SendTo delivers one message to one connection.
func (r *Router) SendTo(connID string, msg models.OutboundMessage) {
	r.send(connID, msg)
}

func (r *Router) send(connID string, msg models.OutboundMessage) {
	if err := r.conns.Send(connID, msg); err != nil {
		r.logger.Debug().Err(err).Str("conn_id", connID).Str("type", string(msg.Type)).Msg("Message dropped")
	}
}
