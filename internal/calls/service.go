package calls

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/call-signaling/internal/errs"
	"github.com/mossy-p/call-signaling/internal/history"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/registry"
	"github.com/mossy-p/call-signaling/internal/room"
	"github.com/mossy-p/call-signaling/internal/signaling"
)

// Recorder accepts history events without blocking.
type Recorder interface {
	Enqueue(ev history.Event) bool
}

type Options struct {
	Room           room.Options
	PendingTimeout time.Duration
	SweepInterval  time.Duration
}

// Service executes client commands against the room store and wires its
// commits to connections and call history.
type Service struct {
	store    *room.Store
	reg      *registry.Registry
	router   *signaling.Router
	recorder Recorder
	clock    func() time.Time

	pendingTimeout time.Duration
	sweepInterval  time.Duration
	logger         zerolog.Logger
}

func New(reg *registry.Registry, recorder Recorder, opts Options, logger zerolog.Logger) *Service {
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 15 * time.Second
	}
	if opts.Room.Clock == nil {
		opts.Room.Clock = time.Now
	}

	s := &Service{
		reg:            reg,
		recorder:       recorder,
		clock:          opts.Room.Clock,
		pendingTimeout: opts.PendingTimeout,
		sweepInterval:  opts.SweepInterval,
		logger:         logger.With().Str("component", "calls").Logger(),
	}
	opts.Room.OnCommit = s.onCommit
	opts.Room.Logger = logger
	s.store = room.NewStore(opts.Room)
	s.router = signaling.NewRouter(s.store, reg, logger)
	reg.OnLeave(s.onDisconnect)
	return s
}

// Connect registers a verified connection.
func (s *Service) Connect(sender registry.Sender, userID string) registry.Connection {
	return s.reg.Register(sender, userID)
}

// Disconnect runs the leave path for the connection and forgets it.
func (s *Service) Disconnect(connID string) {
	_ = s.reg.Unregister(connID)
}

// Handle executes one inbound message from connID. Failures are reported to
// that connection only.
func (s *Service) Handle(connID string, msg models.InboundMessage) {
	conn, err := s.reg.Get(connID)
	if err != nil {
		return
	}
	if err := s.dispatch(conn, msg); err != nil {
		s.reply(conn, msg, err)
	}
}

func (s *Service) dispatch(conn registry.Connection, msg models.InboundMessage) error {
	switch msg.Type {
	case models.TypeCreateCall:
		return s.create(conn, msg)
	case models.TypeJoin:
		return s.join(conn, msg)
	case models.TypeOffer, models.TypeAnswer:
		return s.router.Relay(conn.ID, models.SignalingMessage{
			Kind: msg.Type, SenderID: conn.UserID, TargetID: msg.TargetID, Payload: msg.SDP,
		})
	case models.TypeIceCandidate:
		return s.router.Relay(conn.ID, models.SignalingMessage{
			Kind: msg.Type, SenderID: conn.UserID, TargetID: msg.TargetID, Payload: msg.Candidate,
		})
	case models.TypeMediaState:
		return s.router.RelayMedia(conn.ID, models.MediaState{
			AudioMuted: msg.AudioMuted, VideoOff: msg.VideoOff, ScreenSharing: msg.ScreenSharing,
		})
	case models.TypeLeave:
		return s.leave(conn, models.LeaveReasonLeft)
	case models.TypeApprovePending:
		return s.moderate(conn, room.ApprovePending{ActorID: conn.UserID, TargetID: subject(msg)})
	case models.TypeDenyPending:
		return s.moderate(conn, room.DenyPending{ActorID: conn.UserID, TargetID: subject(msg)})
	case models.TypeKick:
		return s.moderate(conn, room.Kick{ActorID: conn.UserID, TargetID: subject(msg)})
	case models.TypeBan:
		return s.moderate(conn, room.Ban{ActorID: conn.UserID, TargetID: subject(msg)})
	case models.TypeUnban:
		return s.moderate(conn, room.Unban{ActorID: conn.UserID, TargetID: subject(msg)})
	case models.TypePromote:
		return s.moderate(conn, room.Promote{ActorID: conn.UserID, TargetID: subject(msg)})
	case models.TypeUpdateSettings:
		return s.moderate(conn, room.UpdateSettings{ActorID: conn.UserID, Change: models.SettingsChange{
			Password:           msg.Password,
			IsPrivate:          msg.IsPrivate,
			WaitingRoomEnabled: msg.WaitingRoomEnabled,
		}})
	case models.TypeEndCall:
		return s.moderate(conn, room.EndRoom{ActorID: conn.UserID})
	default:
		return errs.Newf(errs.CodeInvalidRequest, "unknown message type %q", msg.Type)
	}
}

// subject is the user a moderation command acts on. Pending decisions name
// it userId, everything else targetId; either is accepted.
func subject(msg models.InboundMessage) string {
	if msg.TargetID != "" {
		return msg.TargetID
	}
	return msg.UserID
}

// requireFree rejects a connection that already holds a membership, or a
// pending request for another room.
func requireFree(conn registry.Connection, roomID string) error {
	if conn.RoomID != "" {
		return errs.Newf(errs.CodeAlreadyMember, "already in room %s", conn.RoomID)
	}
	if conn.PendingRoomID != "" && conn.PendingRoomID != roomID {
		return errs.Newf(errs.CodeAlreadyMember, "already waiting for room %s", conn.PendingRoomID)
	}
	return nil
}

func (s *Service) create(conn registry.Connection, msg models.InboundMessage) error {
	if err := requireFree(conn, ""); err != nil {
		return err
	}
	req := models.CreateCallRequest{
		RoomID:   msg.RoomID,
		MaxSize:  msg.MaxSize,
		Password: msg.Password,
	}
	if msg.IsPrivate != nil {
		req.IsPrivate = *msg.IsPrivate
	}
	if msg.WaitingRoomEnabled != nil {
		req.WaitingRoomEnabled = *msg.WaitingRoomEnabled
	}
	_, _, err := s.store.Create(req, conn.UserID, conn.ID)
	return err
}

func (s *Service) join(conn registry.Connection, msg models.InboundMessage) error {
	if msg.RoomID == "" {
		return errs.New(errs.CodeInvalidRequest, "roomId is required")
	}
	if err := requireFree(conn, msg.RoomID); err != nil {
		return err
	}
	res, err := s.store.Apply(msg.RoomID, room.Join{
		UserID:       conn.UserID,
		ConnectionID: conn.ID,
		Password:     msg.Password,
	})
	if err != nil {
		return err
	}
	s.logger.Debug().
		Str("room_id", msg.RoomID).
		Str("user_id", conn.UserID).
		Str("verdict", res.Decision.Verdict.String()).
		Msg("Join decided")
	return nil
}

func (s *Service) leave(conn registry.Connection, reason string) error {
	roomID := conn.RoomID
	if roomID == "" {
		roomID = conn.PendingRoomID
	}
	if roomID == "" {
		return errs.ErrNoActiveRoomMembership
	}
	_, err := s.store.Apply(roomID, room.Leave{UserID: conn.UserID, ConnectionID: conn.ID, Reason: reason})
	return err
}

func (s *Service) moderate(conn registry.Connection, cmd room.Command) error {
	if conn.RoomID == "" {
		return errs.ErrNoActiveRoomMembership
	}
	_, err := s.store.Apply(conn.RoomID, cmd)
	return err
}

func (s *Service) reply(conn registry.Connection, msg models.InboundMessage, err error) {
	code := errs.CodeOf(err)
	if code == errs.CodeInternal {
		s.logger.Error().Err(err).Str("conn_id", conn.ID).Str("type", string(msg.Type)).Msg("Command failed")
	} else {
		s.logger.Debug().Err(err).Str("conn_id", conn.ID).Str("type", string(msg.Type)).Msg("Command rejected")
	}

	out := models.OutboundMessage{Type: models.TypeError, RoomID: msg.RoomID, Reason: string(code)}
	if msg.Type == models.TypeCreateCall || msg.Type == models.TypeJoin {
		out.Type = models.TypeRejected
	}
	if out.RoomID == "" {
		out.RoomID = conn.RoomID
	}
	s.router.SendTo(conn.ID, out)
}

// onCommit runs under the room lock for every committed transition.
func (s *Service) onCommit(prev, next *room.State, res room.Result) {
	for _, connID := range res.Attach {
		if err := s.reg.AttachRoom(connID, next.ID); err != nil {
			s.evictLater(next, connID)
		}
	}
	for _, connID := range res.Pending {
		if err := s.reg.MarkPending(connID, next.ID); err != nil {
			s.evictLater(next, connID)
		}
	}
	s.router.Deliver(next.ID, res)
	s.record(next, res)
}

// evictLater removes a member or waiting entry whose connection went away
// before the registry could record it. It cannot run inline: the room lock
// is held.
func (s *Service) evictLater(st *room.State, connID string) {
	userID := ""
	for _, m := range st.Members {
		if m.ConnectionID == connID {
			userID = m.UserID
		}
	}
	for _, p := range st.Pending {
		if p.ConnectionID == connID {
			userID = p.UserID
		}
	}
	if userID == "" {
		return
	}

	s.logger.Warn().Str("room_id", st.ID).Str("conn_id", connID).Msg("Connection closed during admission, evicting")
	go func() {
		_, err := s.store.Apply(st.ID, room.Leave{UserID: userID, ConnectionID: connID, Reason: models.LeaveReasonDisconnected})
		if err != nil && !ignorableLeave(err) {
			s.logger.Error().Err(err).Str("room_id", st.ID).Str("conn_id", connID).Msg("Eviction failed")
		}
	}()
}

func (s *Service) record(next *room.State, res room.Result) {
	if s.recorder == nil {
		return
	}
	ev := history.Event{
		RoomID: next.ID,
		CallID: next.CallID,
		Record: models.CallRecord{
			ID:                next.CallID,
			RoomID:            next.ID,
			CallType:          models.CallTypeVideo,
			StartedByID:       next.OwnerID,
			StartedAt:         next.CreatedAt,
			ParticipantEvents: next.Timeline,
		},
		Participants: next.Timeline,
	}
	switch {
	case res.Created:
		ev.Kind = history.EventStarted
	case res.Ended:
		ev.Kind = history.EventEnded
		ev.At = s.clock()
	case res.MembershipChanged:
		ev.Kind = history.EventParticipants
	default:
		return
	}
	s.recorder.Enqueue(ev)
}

func (s *Service) onDisconnect(conn registry.Connection) {
	for _, roomID := range []string{conn.RoomID, conn.PendingRoomID} {
		if roomID == "" {
			continue
		}
		_, err := s.store.Apply(roomID, room.Leave{
			UserID:       conn.UserID,
			ConnectionID: conn.ID,
			Reason:       models.LeaveReasonDisconnected,
		})
		if err != nil && !ignorableLeave(err) {
			s.logger.Error().Err(err).Str("room_id", roomID).Str("conn_id", conn.ID).Msg("Disconnect cleanup failed")
		}
	}
}

func ignorableLeave(err error) bool {
	return errors.Is(err, errs.ErrNoActiveRoomMembership) || errors.Is(err, errs.ErrRoomNotFound)
}

// SweepPending expires waiting entries older than the pending timeout.
func (s *Service) SweepPending() int {
	cutoff := s.clock().Add(-s.pendingTimeout)
	expired := 0
	for _, st := range s.store.List() {
		stale := false
		for _, p := range st.Pending {
			if p.RequestedAt.Before(cutoff) {
				stale = true
				break
			}
		}
		if !stale {
			continue
		}
		res, err := s.store.Apply(st.ID, room.ExpirePending{Before: cutoff})
		if err != nil {
			if !errors.Is(err, errs.ErrRoomNotFound) {
				s.logger.Error().Err(err).Str("room_id", st.ID).Msg("Pending sweep failed")
			}
			continue
		}
		expired += len(res.Detach)
	}
	if expired > 0 {
		s.logger.Info().Int("expired", expired).Msg("Expired pending admissions")
	}
	return expired
}

// RunSweeper calls SweepPending every sweep interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepPending()
		}
	}
}

// PublicRooms lists live rooms that are not private, oldest first.
func (s *Service) PublicRooms() []models.RoomSummary {
	states := s.store.List()
	out := make([]models.RoomSummary, 0, len(states))
	for _, st := range states {
		if st.IsPrivate {
			continue
		}
		out = append(out, st.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Room returns the live snapshot of roomID.
func (s *Service) Room(roomID string) (*room.State, bool) {
	return s.store.Snapshot(roomID)
}

// Stats reports live counts.
func (s *Service) Stats() (rooms, connections int) {
	return s.store.Len(), s.reg.Count()
}
