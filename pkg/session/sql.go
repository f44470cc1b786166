package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	// SQL drivers
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/meridianhq/meridian/pkg/protocol"
)

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createSessionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createSessionsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at)`

const createTurnsSchemaSQL = `
CREATE TABLE IF NOT EXISTS session_turns (
    turn_id VARCHAR(255) PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    turn_number INTEGER NOT NULL,
    question TEXT NOT NULL,
    response TEXT,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    metadata_json TEXT,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (session_id, turn_number)
)`

const createTurnsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_turns_session ON session_turns(session_id, turn_number)`

const createFeedbackSchemaSQL = `
CREATE TABLE IF NOT EXISTS feedback (
    turn_id VARCHAR(255) PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    rating INTEGER NOT NULL,
    comment TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createCacheSchemaSQL = `
CREATE TABLE IF NOT EXISTS tool_cache (
    cache_key VARCHAR(255) PRIMARY KEY,
    value_json TEXT NOT NULL,
    expires_at TIMESTAMP NOT NULL
)`

// NewSQLStore opens the database and initializes the schema.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	var driverName, dialect string
	switch driver {
	case "sqlite", "sqlite3":
		driverName, dialect = "sqlite3", "sqlite"
	case "postgres":
		driverName, dialect = "postgres", "postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres)", driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLStore{db: db, dialect: dialect}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Execute each statement separately for SQLite compatibility.
	statements := []string{
		createSessionsSchemaSQL,
		createSessionsIndexSQL,
		createTurnsSchemaSQL,
		createTurnsIndexSQL,
		createFeedbackSchemaSQL,
		createCacheSchemaSQL,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) LoadSession(ctx context.Context, sessionID, userID string) (*Session, error) {
	query := `SELECT id, user_id, created_at, updated_at FROM sessions WHERE id = ? AND user_id = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	sess := &Session{}
	err := s.db.QueryRowContext(ctx, query, sessionID, userID).Scan(
		&sess.SessionID, &sess.UserID, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	turns, err := s.getTurns(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Turns = turns
	return sess, nil
}

func (s *SQLStore) getTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	query := `SELECT turn_id, session_id, turn_number, question, response, success, metadata_json, created_at
              FROM session_turns WHERE session_id = ? ORDER BY turn_number ASC`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var turn Turn
		var metadataJSON sql.NullString
		var response sql.NullString
		if err := rows.Scan(&turn.TurnID, &turn.SessionID, &turn.TurnNumber,
			&turn.Question, &response, &turn.Success, &metadataJSON, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turn.Response = response.String
		if metadataJSON.Valid && metadataJSON.String != "" {
			var metadata protocol.ExecutionMetadata
			if err := json.Unmarshal([]byte(metadataJSON.String), &metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal turn metadata: %w", err)
			}
			turn.Metadata = metadata
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

func (s *SQLStore) AppendTurn(ctx context.Context, sessionID, userID string, turn *Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	ownerQuery := `SELECT user_id FROM sessions WHERE id = ?`
	if s.dialect == "postgres" {
		ownerQuery = convertToPostgresPlaceholders(ownerQuery)
	}

	var owner string
	err = tx.QueryRowContext(ctx, ownerQuery, sessionID).Scan(&owner)
	switch {
	case err == sql.ErrNoRows:
		insertQuery := `INSERT INTO sessions (id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?)`
		if s.dialect == "postgres" {
			insertQuery = convertToPostgresPlaceholders(insertQuery)
		}
		if _, err := tx.ExecContext(ctx, insertQuery, sessionID, userID, now, now); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to check session owner: %w", err)
	case owner != userID:
		return ErrSessionNotFound
	}

	seqQuery := `SELECT COALESCE(MAX(turn_number), 0) + 1 FROM session_turns WHERE session_id = ?`
	if s.dialect == "postgres" {
		seqQuery = convertToPostgresPlaceholders(seqQuery)
	}
	var turnNumber int
	if err := tx.QueryRowContext(ctx, seqQuery, sessionID).Scan(&turnNumber); err != nil {
		return fmt.Errorf("failed to get turn number: %w", err)
	}

	metadataJSON, err := json.Marshal(turn.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal turn metadata: %w", err)
	}

	turn.SessionID = sessionID
	turn.TurnNumber = turnNumber
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}

	insertTurn := `INSERT INTO session_turns (turn_id, session_id, turn_number, question, response, success, metadata_json, created_at)
                   VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		insertTurn = convertToPostgresPlaceholders(insertTurn)
	}
	if _, err := tx.ExecContext(ctx, insertTurn,
		turn.TurnID, sessionID, turnNumber, turn.Question, turn.Response,
		turn.Success, string(metadataJSON), turn.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}

	touchQuery := `UPDATE sessions SET updated_at = ? WHERE id = ?`
	if s.dialect == "postgres" {
		touchQuery = convertToPostgresPlaceholders(touchQuery)
	}
	if _, err := tx.ExecContext(ctx, touchQuery, now, sessionID); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) ListSessions(ctx context.Context, userID string) ([]Summary, error) {
	query := `SELECT s.id, s.created_at, s.updated_at, COUNT(t.turn_id)
              FROM sessions s
              LEFT JOIN session_turns t ON t.session_id = s.id
              WHERE s.user_id = ?
              GROUP BY s.id, s.created_at, s.updated_at
              ORDER BY s.updated_at DESC`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	summaries := make([]Summary, 0)
	for rows.Next() {
		var summary Summary
		if err := rows.Scan(&summary.SessionID, &summary.CreatedAt, &summary.UpdatedAt, &summary.TotalTurns); err != nil {
			return nil, fmt.Errorf("failed to scan session summary: %w", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// findTurnSession resolves the session id of a turn the user owns.
func (s *SQLStore) findTurnSession(ctx context.Context, turnID, userID string) (string, error) {
	query := `SELECT t.session_id FROM session_turns t
              JOIN sessions s ON s.id = t.session_id
              WHERE t.turn_id = ? AND s.user_id = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var sessionID string
	err := s.db.QueryRowContext(ctx, query, turnID, userID).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", ErrTurnNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up turn: %w", err)
	}
	return sessionID, nil
}

func (s *SQLStore) PutFeedback(ctx context.Context, fb *Feedback) error {
	sessionID, err := s.findTurnSession(ctx, fb.TurnID, fb.UserID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	query := s.upsertFeedbackQuery()
	if _, err := s.db.ExecContext(ctx, query,
		fb.TurnID, sessionID, fb.UserID, fb.Rating, fb.Comment, now, now); err != nil {
		return fmt.Errorf("failed to save feedback: %w", err)
	}
	return nil
}

func (s *SQLStore) GetFeedback(ctx context.Context, turnID, userID string) (*Feedback, error) {
	if _, err := s.findTurnSession(ctx, turnID, userID); err != nil {
		if err == ErrTurnNotFound {
			return nil, nil
		}
		return nil, err
	}

	query := `SELECT turn_id, session_id, user_id, rating, comment, created_at, updated_at
              FROM feedback WHERE turn_id = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	fb := &Feedback{}
	var comment sql.NullString
	err := s.db.QueryRowContext(ctx, query, turnID).Scan(
		&fb.TurnID, &fb.SessionID, &fb.UserID, &fb.Rating, &comment, &fb.CreatedAt, &fb.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feedback: %w", err)
	}
	fb.Comment = comment.String
	return fb, nil
}

func (s *SQLStore) CacheGet(ctx context.Context, key string) (any, bool, error) {
	query := `SELECT value_json, expires_at FROM tool_cache WHERE cache_key = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var valueJSON string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, query, key).Scan(&valueJSON, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache entry: %w", err)
	}

	if time.Now().After(expiresAt) {
		deleteQuery := `DELETE FROM tool_cache WHERE cache_key = ?`
		if s.dialect == "postgres" {
			deleteQuery = convertToPostgresPlaceholders(deleteQuery)
		}
		_, _ = s.db.ExecContext(ctx, deleteQuery, key)
		return nil, false, nil
	}

	var value any
	if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return value, true, nil
}

func (s *SQLStore) CachePut(ctx context.Context, key string, value any, ttl time.Duration) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	query := s.upsertCacheQuery()
	if _, err := s.db.ExecContext(ctx, query,
		key, string(valueJSON), time.Now().Add(ttl).UTC()); err != nil {
		return fmt.Errorf("failed to save cache entry: %w", err)
	}
	return nil
}

func (s *SQLStore) upsertFeedbackQuery() string {
	switch s.dialect {
	case "postgres":
		return `INSERT INTO feedback (turn_id, session_id, user_id, rating, comment, created_at, updated_at)
                VALUES ($1, $2, $3, $4, $5, $6, $7)
                ON CONFLICT (turn_id) DO UPDATE SET rating = $4, comment = $5, updated_at = $7`
	default: // sqlite
		return `INSERT INTO feedback (turn_id, session_id, user_id, rating, comment, created_at, updated_at)
                VALUES (?, ?, ?, ?, ?, ?, ?)
                ON CONFLICT (turn_id) DO UPDATE SET rating = excluded.rating, comment = excluded.comment, updated_at = excluded.updated_at`
	}
}

func (s *SQLStore) upsertCacheQuery() string {
	switch s.dialect {
	case "postgres":
		return `INSERT INTO tool_cache (cache_key, value_json, expires_at)
                VALUES ($1, $2, $3)
                ON CONFLICT (cache_key) DO UPDATE SET value_json = $2, expires_at = $3`
	default: // sqlite
		return `INSERT INTO tool_cache (cache_key, value_json, expires_at)
                VALUES (?, ?, ?)
                ON CONFLICT (cache_key) DO UPDATE SET value_json = excluded.value_json, expires_at = excluded.expires_at`
	}
}

// convertToPostgresPlaceholders converts ? to $1, $2, etc. in a single pass.
func convertToPostgresPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 20)
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			b.WriteString(fmt.Sprintf("$%d", paramNum))
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

var _ Store = (*SQLStore)(nil)
