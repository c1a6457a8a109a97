package session

import (
	"encoding/json"
	"hash/fnv"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const shardCount = 64

// Session pairs an id with its current state value. The store exclusively
// owns Session values; callers only ever see State copies.
type Session struct {
	ID          string
	State       State
	CreatedUnix int64
	TouchedUnix int64
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Store is an in-memory session store with striped locking. Read-modify-write
// is serialized per session: Update holds the shard lock for the duration of
// the mutation function, so a request fully applies its command mutations
// before the next request for the same session observes the state.
type Store struct {
	shards   [shardCount]*shard
	ttl      time.Duration
	defaults func() State
	logger   *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewStore creates a session store. ttl of zero disables eviction.
func NewStore(ttl time.Duration, defaults func() State, logger *zap.Logger) *Store {
	if defaults == nil {
		defaults = NewState
	}
	s := &Store{
		ttl:      ttl,
		defaults: defaults,
		logger:   logger.With(zap.String("component", "session-store")),
		stopCh:   make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return s
}

// NewID generates a fresh opaque session id.
func NewID() string { return "sess_" + uuid.NewString() }

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

// Get returns the state for id, creating the session on first use.
func (s *Store) Get(id string) State {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return s.getLocked(sh, id).State
}

// Update applies fn to the session's state under the per-session lock and
// stores the returned value atomically.
func (s *Store) Update(id string, fn func(State) State) State {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess := s.getLocked(sh, id)
	sess.State = fn(sess.State)
	sess.TouchedUnix = time.Now().Unix()
	return sess.State
}

// Remove deletes a session.
func (s *Store) Remove(id string) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.sessions, id)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

func (s *Store) getLocked(sh *shard, id string) *Session {
	sess, ok := sh.sessions[id]
	if !ok {
		now := time.Now().Unix()
		sess = &Session{
			ID:          id,
			State:       s.defaults(),
			CreatedUnix: now,
			TouchedUnix: now,
		}
		sh.sessions[id] = sess
	} else {
		sess.TouchedUnix = time.Now().Unix()
	}
	return sess
}

// StartEviction runs the TTL eviction loop until Stop is called. No-op when
// the store was created without a TTL.
func (s *Store) StartEviction() {
	if s.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

// Stop terminates the eviction loop.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) evictExpired() {
	cutoff := time.Now().Add(-s.ttl).Unix()
	evicted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, sess := range sh.sessions {
			if sess.TouchedUnix < cutoff {
				delete(sh.sessions, id)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	if evicted > 0 {
		s.logger.Debug("Evicted expired sessions", zap.Int("count", evicted))
	}
}

// SaveSnapshot writes the {session_id → state} map as JSON for recovery.
// History is deliberately not persisted.
func (s *Store) SaveSnapshot(path string) error {
	snapshot := make(map[string]State)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, sess := range sh.sessions {
			snapshot[id] = sess.State
		}
		sh.mu.Unlock()
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadSnapshot restores session states from a snapshot file. A missing file
// is not an error.
func (s *Store) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snapshot map[string]State
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}

	now := time.Now().Unix()
	for id, state := range snapshot {
		sh := s.shardFor(id)
		sh.mu.Lock()
		sh.sessions[id] = &Session{ID: id, State: state, CreatedUnix: now, TouchedUnix: now}
		sh.mu.Unlock()
	}

	s.logger.Info("Session snapshot restored",
		zap.String("path", path),
		zap.Int("sessions", len(snapshot)),
	)
	return nil
}
