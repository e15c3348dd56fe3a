package store

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pbaille/chccat/internal/domain"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a session does not exist
var ErrNotFound = errors.New("not found")

// Store handles database operations
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows a single writer; serialize everything through one connection
	db.SetMaxOpenConns(1)

	// Initialize schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession stores a new, not yet completed session
func (s *Store) CreateSession(meta domain.SessionMeta) (*domain.Session, error) {
	id := uuid.New().String()
	now := s.now().UTC()

	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode session meta: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT INTO sessions (id, meta, completed, created_at) VALUES (?, ?, 0, ?)",
		id, string(raw), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return &domain.Session{
		ID:        id,
		CreatedAt: now,
		Meta:      meta,
	}, nil
}

// AppendEvent adds the next event of a session's log. Sequence numbers start
// at 1 and are assigned here.
func (s *Store) AppendEvent(sessionID string, typ domain.EventType, payload any) (domain.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return domain.Event{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow("SELECT COUNT(*) FROM sessions WHERE id = ?", sessionID).Scan(&exists)
	if err != nil {
		return domain.Event{}, fmt.Errorf("find session: %w", err)
	}
	if exists == 0 {
		return domain.Event{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	var seq int
	err = tx.QueryRow("SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id = ?", sessionID).Scan(&seq)
	if err != nil {
		return domain.Event{}, fmt.Errorf("next seq: %w", err)
	}

	ev := domain.Event{
		Seq:     seq,
		Type:    typ,
		Payload: raw,
		At:      s.now().UTC(),
	}
	_, err = tx.Exec(
		"INSERT INTO events (session_id, seq, type, payload, created_at) VALUES (?, ?, ?, ?, ?)",
		sessionID, ev.Seq, string(ev.Type), string(raw), ev.At,
	)
	if err != nil {
		return domain.Event{}, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Event{}, fmt.Errorf("commit append: %w", err)
	}
	return ev, nil
}

// MarkCompleted flags a session as finished
func (s *Store) MarkCompleted(sessionID string) error {
	res, err := s.db.Exec("UPDATE sessions SET completed = 1 WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// DiscardSession deletes a session that never logged an event, such as one
// whose administration failed to start. Sessions with events are kept.
func (s *Store) DiscardSession(id string) (bool, error) {
	res, err := s.db.Exec(`
		DELETE FROM sessions
		WHERE id = ? AND NOT EXISTS (SELECT 1 FROM events WHERE session_id = ?)
	`, id, id)
	if err != nil {
		return false, fmt.Errorf("discard session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("discard session: %w", err)
	}
	return n > 0, nil
}

// GetSession retrieves a session by ID with its event log
func (s *Store) GetSession(id string) (*domain.Session, error) {
	var (
		sess domain.Session
		meta string
	)
	err := s.db.QueryRow(
		"SELECT id, meta, completed, created_at FROM sessions WHERE id = ?",
		id,
	).Scan(&sess.ID, &meta, &sess.Completed, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &sess.Meta); err != nil {
		return nil, fmt.Errorf("decode session meta: %w", err)
	}

	events, err := s.Events(id)
	if err != nil {
		return nil, err
	}
	sess.Events = events

	return &sess, nil
}

// Events returns the log of one session in sequence order
func (s *Store) Events(sessionID string) ([]domain.Event, error) {
	rows, err := s.db.Query(
		"SELECT seq, type, payload, created_at FROM events WHERE session_id = ? ORDER BY seq",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			e       domain.Event
			typ     string
			payload string
		)
		if err := rows.Scan(&e.Seq, &typ, &payload, &e.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = domain.EventType(typ)
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}

	return events, rows.Err()
}

// ListSessions returns sessions newest first, without their events.
// With completedOnly set, unfinished and aborted sessions are skipped.
func (s *Store) ListSessions(completedOnly bool, limit, offset int) ([]domain.Session, error) {
	query := "SELECT id, meta, completed, created_at FROM sessions"
	if completedOnly {
		query += " WHERE completed = 1"
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"

	rows, err := s.db.Query(query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var (
			sess domain.Session
			meta string
		)
		if err := rows.Scan(&sess.ID, &meta, &sess.Completed, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &sess.Meta); err != nil {
			return nil, fmt.Errorf("decode session meta: %w", err)
		}
		sessions = append(sessions, sess)
	}

	return sessions, rows.Err()
}
