package history

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/call-signaling/internal/models"
)

type fakePutter struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.keys = append(f.keys, aws.ToString(in.Key))
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestArchiverKey(t *testing.T) {
	a := NewArchiver(&fakePutter{}, "bucket", "/calls/")
	rec := record("c1", "r1", "alice", time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC))
	assert.Equal(t, "calls/r1/2026-03-01/c1.json", a.Key(rec))
}

func TestArchivingStoreUploadsEndedCalls(t *testing.T) {
	ctx := context.Background()
	putter := &fakePutter{}
	store := NewArchivingStore(NewMemoryStore(), NewArchiver(putter, "bucket", "calls"), zerolog.Nop())

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordStarted(ctx, record("c1", "r1", "alice", start)))
	require.NoError(t, store.RecordParticipants(ctx, "c1", nil))
	assert.Empty(t, putter.keys)

	require.NoError(t, store.RecordEnded(ctx, "c1", start.Add(time.Minute), nil))
	require.Len(t, putter.keys, 1)
	assert.Equal(t, "calls/r1/2026-03-01/c1.json", putter.keys[0])

	var rec models.CallRecord
	require.NoError(t, json.Unmarshal(putter.bodies[0], &rec))
	assert.Equal(t, "c1", rec.ID)
	require.NotNil(t, rec.EndedAt)
}

func TestArchiveFailureDoesNotFailWrite(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	store := NewArchivingStore(mem, NewArchiver(&fakePutter{err: errors.New("denied")}, "bucket", ""), zerolog.Nop())

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordStarted(ctx, record("c1", "r1", "alice", start)))
	require.NoError(t, store.RecordEnded(ctx, "c1", start.Add(time.Minute), nil))

	rec, err := mem.Get(ctx, "c1")
	require.NoError(t, err)
	assert.NotNil(t, rec.EndedAt)
}
