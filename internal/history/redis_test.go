package history

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/call-signaling/internal/models"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, time.Hour), mr
}

func record(id, roomID, host string, startedAt time.Time) models.CallRecord {
	return models.CallRecord{
		ID:                id,
		RoomID:            roomID,
		CallType:          models.CallTypeVideo,
		StartedByID:       host,
		StartedAt:         startedAt,
		ParticipantEvents: []models.ParticipantEvent{{UserID: host, JoinedAt: startedAt}},
	}
}

func TestRedisStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordStarted(ctx, record("c1", "r1", "alice", start)))
	active, err := store.ActiveCall(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "c1", active)
	assert.True(t, mr.Exists("call:c1"))
	assert.Greater(t, mr.TTL("call:c1"), time.Duration(0))

	events := []models.ParticipantEvent{
		{UserID: "alice", JoinedAt: start},
		{UserID: "bob", JoinedAt: start.Add(time.Minute)},
	}
	require.NoError(t, store.RecordParticipants(ctx, "c1", events))

	end := start.Add(10 * time.Minute)
	closed := []models.ParticipantEvent{
		{UserID: "alice", JoinedAt: start, LeftAt: &end},
		{UserID: "bob", JoinedAt: start.Add(time.Minute), LeftAt: &end},
	}
	require.NoError(t, store.RecordEnded(ctx, "c1", end, closed))

	rec, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, rec.EndedAt)
	assert.True(t, rec.EndedAt.Equal(end))
	assert.Equal(t, []string{"alice", "bob"}, rec.Participants())

	_, err = store.ActiveCall(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)

	// bob was indexed once he showed up in the timeline
	byBob, err := store.ByUser(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, byBob, 1)
	assert.Equal(t, "c1", byBob[0].ID)
}

func TestRedisStoreOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, store.RecordStarted(ctx, record(id, "r1", "alice", base.Add(time.Duration(i)*time.Hour))))
	}
	require.NoError(t, store.RecordStarted(ctx, record("other", "r2", "carol", base)))

	recs, err := store.ByRoom(ctx, "r1", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c3", recs[0].ID)
	assert.Equal(t, "c2", recs[1].ID)

	recs, err = store.ByUser(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	recs, err = store.ByRoom(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRedisStoreSkipsExpiredRecords(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordStarted(ctx, record("c1", "r1", "alice", start)))
	require.NoError(t, store.RecordStarted(ctx, record("c2", "r1", "alice", start.Add(time.Hour))))
	mr.Del("call:c1")

	recs, err := store.ByRoom(ctx, "r1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "c2", recs[0].ID)
}

func TestRedisStoreUnknownCall(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.RecordParticipants(ctx, "missing", nil), ErrNotFound)
	assert.ErrorIs(t, store.RecordEnded(ctx, "missing", time.Now(), nil), ErrNotFound)
}

func TestEndedCallDoesNotClearNewerActiveCall(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordStarted(ctx, record("old", "r1", "alice", start)))
	require.NoError(t, store.RecordStarted(ctx, record("new", "r1", "alice", start.Add(time.Hour))))
	require.NoError(t, store.RecordEnded(ctx, "old", start.Add(time.Minute), nil))

	active, err := store.ActiveCall(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "new", active)
}
