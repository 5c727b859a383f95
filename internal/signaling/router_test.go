package signaling

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mossy-p/call-signaling/internal/errs"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/registry"
	"github.com/mossy-p/call-signaling/internal/room"
)

const (
	offerSDP  = `{"type":"offer","sdp":"v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"}`
	answerSDP = `{"type":"answer","sdp":"v=0\r\no=- 2 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"}`
	candidate = `{"candidate":"candidate:1 1 udp 2122260223 10.0.0.1 54400 typ host","sdpMid":"0","sdpMLineIndex":0}`
)

type inbox struct {
	mu   sync.Mutex
	msgs []models.OutboundMessage
}

func (b *inbox) Send(msg models.OutboundMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *inbox) ofType(t models.MessageType) []models.OutboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.OutboundMessage
	for _, m := range b.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	store  *room.Store
	reg    *registry.Registry
	router *Router
	conns  map[string]registry.Connection
	boxes  map[string]*inbox
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		reg:   registry.New(zerolog.Nop()),
		conns: make(map[string]registry.Connection),
		boxes: make(map[string]*inbox),
	}
	h.store = room.NewStore(room.Options{
		PasswordCost: bcrypt.MinCost,
		Logger:       zerolog.Nop(),
		OnCommit: func(prev, next *room.State, res room.Result) {
			for _, c := range res.Attach {
				_ = h.reg.AttachRoom(c, next.ID)
			}
			h.router.Deliver(next.ID, res)
		},
	})
	h.router = NewRouter(h.store, h.reg, zerolog.Nop())
	return h
}

func (h *harness) connect(user string) registry.Connection {
	box := &inbox{}
	c := h.reg.Register(box, user)
	h.conns[user] = c
	h.boxes[user] = box
	return c
}

func (h *harness) room(t *testing.T, roomID, host string, members ...string) {
	t.Helper()
	c := h.connect(host)
	_, _, err := h.store.Create(models.CreateCallRequest{RoomID: roomID}, host, c.ID)
	require.NoError(t, err)
	for _, m := range members {
		mc := h.connect(m)
		_, err := h.store.Apply(roomID, room.Join{UserID: m, ConnectionID: mc.ID})
		require.NoError(t, err)
	}
}

func TestRelayForwardsToTarget(t *testing.T) {
	h := newHarness(t)
	h.room(t, "r1", "alice", "bob")

	err := h.router.Relay(h.conns["alice"].ID, models.SignalingMessage{
		Kind:     models.TypeOffer,
		TargetID: "bob",
		Payload:  json.RawMessage(offerSDP),
	})
	require.NoError(t, err)

	got := h.boxes["bob"].ofType(models.TypeOffer)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].SenderID)
	assert.Equal(t, "r1", got[0].RoomID)
	assert.JSONEq(t, offerSDP, string(got[0].SDP))
	assert.Empty(t, h.boxes["alice"].ofType(models.TypeOffer))

	require.NoError(t, h.router.Relay(h.conns["bob"].ID, models.SignalingMessage{
		Kind: models.TypeAnswer, TargetID: "alice", Payload: json.RawMessage(answerSDP),
	}))
	require.NoError(t, h.router.Relay(h.conns["bob"].ID, models.SignalingMessage{
		Kind: models.TypeIceCandidate, TargetID: "alice", Payload: json.RawMessage(candidate),
	}))
	assert.Len(t, h.boxes["alice"].ofType(models.TypeAnswer), 1)
	cands := h.boxes["alice"].ofType(models.TypeIceCandidate)
	require.Len(t, cands, 1)
	assert.JSONEq(t, candidate, string(cands[0].Candidate))
}

func TestRelayPreservesPairOrder(t *testing.T) {
	h := newHarness(t)
	h.room(t, "r1", "alice", "bob")

	for i := 0; i < 20; i++ {
		c := json.RawMessage(`{"candidate":"candidate:` + string(rune('a'+i)) + `","sdpMid":"0"}`)
		require.NoError(t, h.router.Relay(h.conns["alice"].ID, models.SignalingMessage{
			Kind: models.TypeIceCandidate, TargetID: "bob", Payload: c,
		}))
	}
	got := h.boxes["bob"].ofType(models.TypeIceCandidate)
	require.Len(t, got, 20)
	for i, m := range got {
		var init struct{ Candidate string }
		require.NoError(t, json.Unmarshal(m.Candidate, &init))
		assert.Equal(t, "candidate:"+string(rune('a'+i)), init.Candidate)
	}
}

func TestRelayNeverCrossesRooms(t *testing.T) {
	h := newHarness(t)
	h.room(t, "r1", "alice")
	h.room(t, "r2", "bob")

	err := h.router.Relay(h.conns["alice"].ID, models.SignalingMessage{
		Kind: models.TypeOffer, TargetID: "bob", Payload: json.RawMessage(offerSDP),
	})
	assert.ErrorIs(t, err, errs.ErrTargetNotInRoom)
	assert.Empty(t, h.boxes["bob"].ofType(models.TypeOffer))
}

func TestRelayRequiresMembership(t *testing.T) {
	h := newHarness(t)
	h.room(t, "r1", "alice")
	outsider := h.connect("mallory")

	err := h.router.Relay(outsider.ID, models.SignalingMessage{
		Kind: models.TypeOffer, TargetID: "alice", Payload: json.RawMessage(offerSDP),
	})
	assert.ErrorIs(t, err, errs.ErrNoActiveRoomMembership)

	err = h.router.Relay("missing", models.SignalingMessage{Kind: models.TypeOffer, TargetID: "alice"})
	assert.ErrorIs(t, err, errs.ErrUnknownConnection)
}

func TestRelayAfterKickFails(t *testing.T) {
	h := newHarness(t)
	h.room(t, "r1", "alice", "bob")

	_, err := h.store.Apply("r1", room.Kick{ActorID: "alice", TargetID: "bob"})
	require.NoError(t, err)

	err = h.router.Relay(h.conns["bob"].ID, models.SignalingMessage{
		Kind: models.TypeOffer, TargetID: "alice", Payload: json.RawMessage(offerSDP),
	})
	assert.ErrorIs(t, err, errs.ErrNoActiveRoomMembership)

	err = h.router.Relay(h.conns["alice"].ID, models.SignalingMessage{
		Kind: models.TypeOffer, TargetID: "bob", Payload: json.RawMessage(offerSDP),
	})
	assert.ErrorIs(t, err, errs.ErrTargetNotInRoom)
}

func TestRelayRejectsBadPayload(t *testing.T) {
	h := newHarness(t)
	h.room(t, "r1", "alice", "bob")

	cases := []struct {
		kind    models.MessageType
		payload string
	}{
		{models.TypeOffer, ``},
		{models.TypeOffer, `"just a string"`},
		{models.TypeOffer, answerSDP},
		{models.TypeAnswer, offerSDP},
		{models.TypeOffer, `{"type":"offer","sdp":""}`},
		{models.TypeIceCandidate, `[1,2]`},
		{models.TypeIceCandidate, `{"candidate":"candidate:1 1 udp 1 10.0.0.1 1 typ host"}`},
	}
	for _, tc := range cases {
		err := h.router.Relay(h.conns["alice"].ID, models.SignalingMessage{
			Kind: tc.kind, TargetID: "bob", Payload: json.RawMessage(tc.payload),
		})
		assert.ErrorIs(t, err, errs.ErrInvalidPayload, "%s %s", tc.kind, tc.payload)
	}
	assert.Empty(t, h.boxes["bob"].ofType(models.TypeOffer))
	assert.Empty(t, h.boxes["bob"].ofType(models.TypeAnswer))
	assert.Empty(t, h.boxes["bob"].ofType(models.TypeIceCandidate))
}

func TestEndOfCandidatesIsAccepted(t *testing.T) {
	assert.NoError(t, ValidatePayload(models.TypeIceCandidate, json.RawMessage(`{"candidate":""}`)))
}

func TestRelayMediaBroadcastsToOthers(t *testing.T) {
	h := newHarness(t)
	h.room(t, "r1", "alice", "bob", "carol")

	muted := true
	require.NoError(t, h.router.RelayMedia(h.conns["bob"].ID, models.MediaState{AudioMuted: &muted}))

	for _, u := range []string{"alice", "carol"} {
		got := h.boxes[u].ofType(models.TypeMediaState)
		require.Len(t, got, 1, u)
		assert.Equal(t, "bob", got[0].UserID)
		require.NotNil(t, got[0].Media)
		assert.True(t, *got[0].Media.AudioMuted)
	}
	assert.Empty(t, h.boxes["bob"].ofType(models.TypeMediaState))

	err := h.router.RelayMedia(h.conns["bob"].ID, models.MediaState{})
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)
}

func TestDeliverDetachesRemovedConnections(t *testing.T) {
	h := newHarness(t)
	h.room(t, "r1", "alice", "bob")

	_, err := h.store.Apply("r1", room.Leave{UserID: "bob", ConnectionID: h.conns["bob"].ID, Reason: models.LeaveReasonLeft})
	require.NoError(t, err)

	roomID, err := h.reg.CurrentRoom(h.conns["bob"].ID)
	require.NoError(t, err)
	assert.Empty(t, roomID)

	left := h.boxes["alice"].ofType(models.TypeMemberLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "bob", left[0].UserID)
	assert.Equal(t, models.LeaveReasonLeft, left[0].Reason)
}
