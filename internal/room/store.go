package room

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/mossy-p/call-signaling/internal/errs"
	"github.com/mossy-p/call-signaling/internal/models"
)

// CommitHook observes every committed transition. It runs while the room's
// lock is still held, so deliveries for one room are seen in commit order.
// It must not block and must not call back into the store for the same room.
type CommitHook func(prev, next *State, res Result)

type Options struct {
	DefaultMaxSize int
	MaxRoomSize    int
	PasswordCost   int
	Clock          func() time.Time
	OnCommit       CommitHook
	Logger         zerolog.Logger
}

type entry struct {
	mu    sync.Mutex
	state atomic.Pointer[State]
	dead  bool
}

// Store is the authoritative registry of active rooms. All mutations of a
// room go through WithRoom, which serializes them on that room's lock; the
// map lock is only held for lookup, insert and delete.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*entry

	opts          Options
	checkPassword PasswordChecker
	hashPassword  func(password string) ([]byte, error)
	logger        zerolog.Logger
}

func NewStore(opts Options) *Store {
	if opts.DefaultMaxSize <= 0 {
		opts.DefaultMaxSize = 8
	}
	if opts.MaxRoomSize <= 0 {
		opts.MaxRoomSize = 55
	}
	if opts.PasswordCost == 0 {
		opts.PasswordCost = bcrypt.DefaultCost
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{
		rooms:         make(map[string]*entry),
		opts:          opts,
		checkPassword: CheckPassword,
		hashPassword:  bcryptHasher(opts.PasswordCost),
		logger:        opts.Logger.With().Str("component", "room_store").Logger(),
	}
}

func bcryptHasher(cost int) func(password string) ([]byte, error) {
	return func(password string) ([]byte, error) {
		return bcrypt.GenerateFromPassword([]byte(password), cost)
	}
}

// Env returns the transition environment for the current instant.
func (s *Store) Env() Env {
	return Env{
		Now:           s.opts.Clock(),
		CheckPassword: s.checkPassword,
		HashPassword:  s.hashPassword,
	}
}

// CheckPassword compares a bcrypt hash with a plaintext password.
func CheckPassword(hash []byte, password string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// Create opens a room with ownerID as its HOST and first member.
func (s *Store) Create(req models.CreateCallRequest, ownerID, ownerConnID string) (*State, Result, error) {
	if req.RoomID == "" {
		return nil, Result{}, errs.Newf(errs.CodeInvalidRequest, "roomId is required")
	}
	maxSize := req.MaxSize
	if maxSize == 0 {
		maxSize = s.opts.DefaultMaxSize
	}
	if maxSize < 1 || maxSize > s.opts.MaxRoomSize {
		return nil, Result{}, errs.Newf(errs.CodeInvalidRequest, "maxSize must be between 1 and %d", s.opts.MaxRoomSize)
	}

	var hash []byte
	if req.Password != nil && *req.Password != "" {
		h, err := s.hashPassword(*req.Password)
		if err != nil {
			return nil, Result{}, errs.Wrap(errs.CodeInternal, "hash room password", err)
		}
		hash = h
	}

	now := s.opts.Clock()
	base := &State{
		ID:                 req.RoomID,
		CallID:             uuid.New().String(),
		OwnerID:            ownerID,
		MaxSize:            maxSize,
		Banned:             NewSet(),
		IsPrivate:          req.IsPrivate,
		PasswordHash:       hash,
		WaitingRoomEnabled: req.WaitingRoomEnabled,
		CreatedAt:          now,
		Status:             models.RoomStatusActive,
	}
	state := base.withMember(models.Member{
		UserID:       ownerID,
		ConnectionID: ownerConnID,
		Role:         models.RoleHost,
		JoinedAt:     now,
	})
	if err := state.Validate(); err != nil {
		return nil, Result{}, err
	}

	e := &entry{}
	e.state.Store(state)
	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.Lock()
	if _, exists := s.rooms[req.RoomID]; exists {
		s.mu.Unlock()
		return nil, Result{}, errs.ErrRoomAlreadyExists
	}
	s.rooms[req.RoomID] = e
	s.mu.Unlock()

	res := Result{Created: true, Decision: Decision{Verdict: VerdictAdmit, Role: models.RoleHost}}
	admitted(state, &res, ownerID, ownerConnID, models.RoleHost)

	s.logger.Info().
		Str("room_id", state.ID).
		Str("owner_id", ownerID).
		Int("max_size", maxSize).
		Bool("private", req.IsPrivate).
		Bool("waiting_room", req.WaitingRoomEnabled).
		Msg("Room created")

	s.commit(nil, state, res)
	return state, res, nil
}

// MutateFunc computes the next state of a room. Returning a nil state
// commits nothing; any events in the result are still delivered.
type MutateFunc func(cur *State) (*State, Result, error)

// WithRoom runs fn under the room's lock and commits its result atomically.
func (s *Store) WithRoom(roomID string, fn MutateFunc) (Result, error) {
	e := s.lookup(roomID)
	if e == nil {
		return Result{}, errs.ErrRoomNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// The room may have been torn down while we waited for the lock.
	if e.dead {
		return Result{}, errs.ErrRoomNotFound
	}

	cur := e.state.Load()
	next, res, err := fn(cur)
	if err != nil {
		return res, err
	}
	if next == nil || next == cur {
		if len(res.Events) > 0 {
			s.commit(cur, cur, res)
		}
		return res, nil
	}

	now := s.opts.Clock()
	if next.Status == models.RoomStatusActive && len(next.Members) == 0 {
		next = next.ended(now)
		res.Ended = true
	}
	if next.Status == models.RoomStatusActive {
		if verr := next.Validate(); verr != nil {
			return s.forceEnd(roomID, e, cur, verr), errs.Wrap(errs.CodeInvariantViolation, "transition rejected", verr)
		}
	}

	e.state.Store(next)
	if next.Status == models.RoomStatusEnded {
		s.destroy(roomID, e)
	}
	s.commit(cur, next, res)
	return res, nil
}

// Apply runs cmd against the room. Password hashing and comparison happen
// before the room lock is taken.
func (s *Store) Apply(roomID string, cmd Command) (Result, error) {
	env := s.Env()
	if p, ok := cmd.(preparer); ok {
		snap, live := s.Snapshot(roomID)
		if !live {
			return Result{}, errs.ErrRoomNotFound
		}
		if err := p.prepare(snap, &env); err != nil {
			return Result{}, err
		}
	}
	return s.WithRoom(roomID, func(cur *State) (*State, Result, error) {
		return cmd.Apply(cur, env)
	})
}

// forceEnd tears the room down after a transition that would have corrupted
// it. Must be called with e.mu held.
func (s *Store) forceEnd(roomID string, e *entry, cur *State, cause error) Result {
	s.logger.Error().Err(cause).Str("room_id", roomID).Msg("Invariant violation, ending room")

	ended := cur.ended(s.opts.Clock())
	res := endedResult(cur, string(errs.CodeInvariantViolation))
	e.state.Store(ended)
	s.destroy(roomID, e)
	s.commit(cur, ended, res)
	return res
}

// destroy removes a room whose last member is gone. Must be called with
// e.mu held.
func (s *Store) destroy(roomID string, e *entry) {
	e.dead = true
	s.mu.Lock()
	if s.rooms[roomID] == e {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()

	s.logger.Info().Str("room_id", roomID).Msg("Removed empty room")
}

func (s *Store) commit(prev, next *State, res Result) {
	if s.opts.OnCommit != nil {
		s.opts.OnCommit(prev, next, res)
	}
}

func (s *Store) lookup(roomID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[roomID]
}

// Snapshot returns the last committed state of a live room without taking
// the room lock.
func (s *Store) Snapshot(roomID string) (*State, bool) {
	e := s.lookup(roomID)
	if e == nil {
		return nil, false
	}
	st := e.state.Load()
	if st == nil || st.Status != models.RoomStatusActive {
		return nil, false
	}
	return st, true
}

// List returns snapshots of every live room.
func (s *Store) List() []*State {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.rooms))
	for _, e := range s.rooms {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*State, 0, len(entries))
	for _, e := range entries {
		if st := e.state.Load(); st != nil && st.Status == models.RoomStatusActive {
			out = append(out, st)
		}
	}
	return out
}

// Len returns the number of live rooms.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}
