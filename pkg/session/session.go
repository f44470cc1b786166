// Package session persists sessions, turns, feedback and the tool
// result cache. Concurrency is handled by database-level locking, not
// Go mutexes, except in the in-memory store.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/meridianhq/meridian/pkg/protocol"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTurnNotFound    = errors.New("turn not found")
)

// Turn is one question/response exchange within a session.
type Turn struct {
	TurnID     string                     `json:"turn_id"`
	SessionID  string                     `json:"session_id"`
	TurnNumber int                        `json:"turn_number"`
	Question   string                     `json:"question"`
	Response   string                     `json:"response"`
	Success    bool                       `json:"success"`
	Metadata   protocol.ExecutionMetadata `json:"metadata"`
	CreatedAt  time.Time                  `json:"created_at"`
}

// Session is a user-owned conversation with its turns in order.
type Session struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Turns     []Turn    `json:"turns"`
}

// Summary is the listing view of a session.
type Summary struct {
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	TotalTurns int       `json:"total_turns"`
}

// Feedback is a user rating for one turn. One feedback per turn; a
// second submission replaces the first.
type Feedback struct {
	TurnID    string    `json:"turn_id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persistence surface for sessions and the tool cache.
// All lookups are ownership-checked: a session belonging to another
// user behaves exactly like a session that does not exist.
type Store interface {
	// LoadSession returns the session with its turns, or nil when the
	// session is absent or owned by a different user.
	LoadSession(ctx context.Context, sessionID, userID string) (*Session, error)

	// AppendTurn atomically creates the session if needed, assigns the
	// next turn number, and persists the turn. Either everything is
	// written or nothing is.
	AppendTurn(ctx context.Context, sessionID, userID string, turn *Turn) error

	// ListSessions returns the user's sessions, most recent first.
	ListSessions(ctx context.Context, userID string) ([]Summary, error)

	// PutFeedback upserts feedback for a turn the user owns. Returns
	// ErrTurnNotFound for unknown or foreign turns.
	PutFeedback(ctx context.Context, fb *Feedback) error

	// GetFeedback returns feedback for a turn the user owns, or nil.
	GetFeedback(ctx context.Context, turnID, userID string) (*Feedback, error)

	// CacheGet returns an unexpired cached tool result.
	CacheGet(ctx context.Context, key string) (any, bool, error)

	// CachePut stores a tool result with the given TTL.
	CachePut(ctx context.Context, key string, value any, ttl time.Duration) error

	Close() error
}
