package history

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/mossy-p/call-signaling/internal/models"
)

type EventKind uint8

const (
	EventStarted EventKind = iota + 1
	EventParticipants
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventParticipants:
		return "participants"
	case EventEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Event is one history write. Record always holds the call as of the event;
// EventParticipants and EventEnded also carry the full timeline, and use
// Record to recreate the call when its EventStarted never reached the sink.
type Event struct {
	Kind         EventKind
	RoomID       string
	CallID       string
	Record       models.CallRecord
	At           time.Time
	Participants []models.ParticipantEvent
}

type RecorderOptions struct {
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
}

// Recorder applies history events to a Sink off the caller's goroutine.
// Events are sharded by room id so one room's events are written in the
// order they were enqueued. A full queue drops the event rather than block.
type Recorder struct {
	sink    Sink
	queues  []chan Event
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Uint64
	written atomic.Uint64
}

func NewRecorder(sink Sink, opts RecorderOptions, logger zerolog.Logger) *Recorder {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	r := &Recorder{
		sink:    sink,
		queues:  make([]chan Event, opts.Workers),
		timeout: opts.WriteTimeout,
		logger:  logger.With().Str("component", "history_recorder").Logger(),
	}
	for i := range r.queues {
		r.queues[i] = make(chan Event, opts.QueueSize)
		r.wg.Add(1)
		go r.work(r.queues[i])
	}
	return r
}

// Enqueue hands ev to its room's worker. It never blocks and reports
// whether the event was accepted.
func (r *Recorder) Enqueue(ev Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return false
	}

	q := r.queues[xxhash.Sum64String(ev.RoomID)%uint64(len(r.queues))]
	select {
	case q <- ev:
		return true
	default:
		r.dropped.Add(1)
		r.logger.Warn().Str("room_id", ev.RoomID).Str("kind", ev.Kind.String()).Msg("History queue full, event dropped")
		return false
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, q := range r.queues {
		close(q)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Dropped returns how many events were discarded.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written returns how many events reached the sink successfully.
func (r *Recorder) Written() uint64 { return r.written.Load() }

func (r *Recorder) work(q <-chan Event) {
	defer r.wg.Done()
	for ev := range q {
		r.apply(ev)
	}
}

func (r *Recorder) apply(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var write func() error
	switch ev.Kind {
	case EventStarted:
		write = func() error { return r.sink.RecordStarted(ctx, ev.Record) }
	case EventParticipants:
		write = func() error { return r.sink.RecordParticipants(ctx, ev.CallID, ev.Participants) }
	case EventEnded:
		write = func() error { return r.sink.RecordEnded(ctx, ev.CallID, ev.At, ev.Participants) }
	default:
		r.logger.Error().Uint8("kind", uint8(ev.Kind)).Msg("Unknown history event")
		return
	}

	err := write()
	if errors.Is(err, ErrNotFound) && ev.Kind != EventStarted && ev.Record.ID != "" {
		r.logger.Warn().Str("room_id", ev.RoomID).Str("call_id", ev.CallID).Msg("Call record missing, recreating")
		if err = r.sink.RecordStarted(ctx, ev.Record); err == nil {
			err = write()
		}
	}

	if err != nil {
		level := zerolog.ErrorLevel
		if errors.Is(err, ErrNotFound) {
			level = zerolog.WarnLevel
		}
		r.logger.WithLevel(level).Err(err).
			Str("room_id", ev.RoomID).
			Str("call_id", ev.CallID).
			Str("kind", ev.Kind.String()).
			Msg("History write failed")
		return
	}
	r.written.Add(1)
}
