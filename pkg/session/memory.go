package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything in process memory. Used for dev mode
// and tests.
type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	feedback map[string]*Feedback
	cache    map[string]cacheEntry
}

// cacheEntry holds the value as JSON so readers get their own copy,
// matching the SQL store's round-trip behavior.
type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() Store {
	return &memoryStore{
		sessions: make(map[string]*Session),
		feedback: make(map[string]*Feedback),
		cache:    make(map[string]cacheEntry),
	}
}

func (s *memoryStore) LoadSession(ctx context.Context, sessionID, userID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return nil, nil
	}

	copied := *sess
	copied.Turns = append([]Turn(nil), sess.Turns...)
	return &copied, nil
}

func (s *memoryStore) AppendTurn(ctx context.Context, sessionID, userID string, turn *Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &Session{SessionID: sessionID, UserID: userID, CreatedAt: now}
		s.sessions[sessionID] = sess
	} else if sess.UserID != userID {
		return ErrSessionNotFound
	}

	turn.SessionID = sessionID
	turn.TurnNumber = len(sess.Turns) + 1
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}

	sess.Turns = append(sess.Turns, *turn)
	sess.UpdatedAt = now
	return nil
}

func (s *memoryStore) ListSessions(ctx context.Context, userID string) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]Summary, 0)
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		summaries = append(summaries, Summary{
			SessionID:  sess.SessionID,
			CreatedAt:  sess.CreatedAt,
			UpdatedAt:  sess.UpdatedAt,
			TotalTurns: len(sess.Turns),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

func (s *memoryStore) findTurn(turnID, userID string) (*Session, *Turn) {
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		for i := range sess.Turns {
			if sess.Turns[i].TurnID == turnID {
				return sess, &sess.Turns[i]
			}
		}
	}
	return nil, nil
}

func (s *memoryStore) PutFeedback(ctx context.Context, fb *Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, turn := s.findTurn(fb.TurnID, fb.UserID)
	if turn == nil {
		return ErrTurnNotFound
	}

	now := time.Now().UTC()
	stored := *fb
	stored.SessionID = sess.SessionID
	stored.UpdatedAt = now
	if existing, ok := s.feedback[fb.TurnID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}

	s.feedback[fb.TurnID] = &stored
	return nil
}

func (s *memoryStore) GetFeedback(ctx context.Context, turnID, userID string) (*Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, turn := s.findTurn(turnID, userID); turn == nil {
		return nil, nil
	}

	fb, ok := s.feedback[turnID]
	if !ok {
		return nil, nil
	}
	copied := *fb
	return &copied, nil
}

func (s *memoryStore) CacheGet(ctx context.Context, key string) (any, bool, error) {
	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.cache, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	var value any
	if err := json.Unmarshal(entry.data, &value); err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *memoryStore) CachePut(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = cacheEntry{data: data, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}

var _ Store = (*memoryStore)(nil)
