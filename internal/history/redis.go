package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/call-signaling/internal/models"
)

// RedisStore keeps call records in Redis:
//
//	call:<callId>            JSON CallRecord
//	room:<roomId>:calls      ZSET of call ids scored by start time
//	user:<userId>:calls      ZSET of call ids the user took part in
//	room:<roomId>:active     id of the call currently running in the room
//
// Writes for one call are serialized by the Recorder, so the read-modify-write
// in the update paths does not race.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func callKey(id string) string          { return "call:" + id }
func roomCallsKey(roomID string) string { return "room:" + roomID + ":calls" }
func userCallsKey(userID string) string { return "user:" + userID + ":calls" }
func activeKey(roomID string) string    { return "room:" + roomID + ":active" }

func (s *RedisStore) RecordStarted(ctx context.Context, rec models.CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode call %s: %w", rec.ID, err)
	}
	score := float64(rec.StartedAt.UnixMilli())

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, callKey(rec.ID), data, s.ttl)
		pipe.ZAdd(ctx, roomCallsKey(rec.RoomID), redis.Z{Score: score, Member: rec.ID})
		pipe.Expire(ctx, roomCallsKey(rec.RoomID), s.ttl)
		pipe.Set(ctx, activeKey(rec.RoomID), rec.ID, s.ttl)
		s.indexUsers(ctx, pipe, rec, score)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record call start %s: %w", rec.ID, err)
	}
	return nil
}

func (s *RedisStore) RecordParticipants(ctx context.Context, callID string, events []models.ParticipantEvent) error {
	rec, err := s.Get(ctx, callID)
	if err != nil {
		return err
	}
	rec.ParticipantEvents = events
	return s.update(ctx, rec, false)
}

func (s *RedisStore) RecordEnded(ctx context.Context, callID string, endedAt time.Time, events []models.ParticipantEvent) error {
	rec, err := s.Get(ctx, callID)
	if err != nil {
		return err
	}
	ended := endedAt
	rec.EndedAt = &ended
	rec.ParticipantEvents = events
	return s.update(ctx, rec, true)
}

func (s *RedisStore) update(ctx context.Context, rec models.CallRecord, ended bool) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode call %s: %w", rec.ID, err)
	}
	active := ""
	if ended {
		active, err = s.client.Get(ctx, activeKey(rec.RoomID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read active call of %s: %w", rec.RoomID, err)
		}
	}

	score := float64(rec.StartedAt.UnixMilli())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, callKey(rec.ID), data, s.ttl)
		s.indexUsers(ctx, pipe, rec, score)
		if ended && active == rec.ID {
			pipe.Del(ctx, activeKey(rec.RoomID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update call %s: %w", rec.ID, err)
	}
	return nil
}

func (s *RedisStore) indexUsers(ctx context.Context, pipe redis.Pipeliner, rec models.CallRecord, score float64) {
	users := append([]string{rec.StartedByID}, rec.Participants()...)
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		if _, dup := seen[u]; dup || u == "" {
			continue
		}
		seen[u] = struct{}{}
		pipe.ZAdd(ctx, userCallsKey(u), redis.Z{Score: score, Member: rec.ID})
		pipe.Expire(ctx, userCallsKey(u), s.ttl)
	}
}

func (s *RedisStore) Get(ctx context.Context, callID string) (models.CallRecord, error) {
	data, err := s.client.Get(ctx, callKey(callID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.CallRecord{}, ErrNotFound
		}
		return models.CallRecord{}, fmt.Errorf("read call %s: %w", callID, err)
	}
	var rec models.CallRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.CallRecord{}, fmt.Errorf("decode call %s: %w", callID, err)
	}
	return rec, nil
}

// ActiveCall returns the id of the call running in roomID, if any.
func (s *RedisStore) ActiveCall(ctx context.Context, roomID string) (string, error) {
	id, err := s.client.Get(ctx, activeKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return id, err
}

func (s *RedisStore) ByRoom(ctx context.Context, roomID string, limit int) ([]models.CallRecord, error) {
	return s.list(ctx, roomCallsKey(roomID), limit)
}

func (s *RedisStore) ByUser(ctx context.Context, userID string, limit int) ([]models.CallRecord, error) {
	return s.list(ctx, userCallsKey(userID), limit)
}

func (s *RedisStore) list(ctx context.Context, index string, limit int) ([]models.CallRecord, error) {
	ids, err := s.client.ZRevRange(ctx, index, 0, int64(clampLimit(limit)-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", index, err)
	}
	if len(ids) == 0 {
		return []models.CallRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = callKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read calls: %w", err)
	}

	out := make([]models.CallRecord, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// expired behind the index
			continue
		}
		var rec models.CallRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
