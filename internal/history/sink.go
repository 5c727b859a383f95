package history

import (
	"context"
	"errors"
	"time"

	"github.com/mossy-p/call-signaling/internal/models"
)

// ErrNotFound is returned when a call record does not exist or has expired.
var ErrNotFound = errors.New("history: call record not found")

// Sink persists call history. Participant events are always the full
// timeline of the call so far, so every write is idempotent.
type Sink interface {
	RecordStarted(ctx context.Context, rec models.CallRecord) error
	RecordParticipants(ctx context.Context, callID string, events []models.ParticipantEvent) error
	RecordEnded(ctx context.Context, callID string, endedAt time.Time, events []models.ParticipantEvent) error
}

// Querier reads call history back, newest first.
type Querier interface {
	Get(ctx context.Context, callID string) (models.CallRecord, error)
	ByRoom(ctx context.Context, roomID string, limit int) ([]models.CallRecord, error)
	ByUser(ctx context.Context, userID string, limit int) ([]models.CallRecord, error)
}

// Store is a sink that can also answer queries.
type Store interface {
	Sink
	Querier
}

const defaultLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return defaultLimit
	}
	return limit
}
