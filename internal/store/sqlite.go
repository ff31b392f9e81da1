package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/vanish/internal/domain"
	"github.com/oklog/ulid/v2"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	txMaxRetries = 5
	txBaseDelay  = 50 * time.Millisecond
)

// SQLiteStore implements Store using SQLite. Multiple client processes
// may open the same database file; WAL mode, immediate transactions, and
// the busy-retry loop in UpdateSession make the join transaction atomic
// across them.
type SQLiteStore struct {
	db  *sql.DB
	hub *hub

	// ULID entropy must be serialized for monotonic ids within the same
	// millisecond.
	ulidMu      sync.Mutex
	ulidEntropy *ulid.MonotonicEntropy
}

// NewSQLite creates a new SQLite-backed store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency. The pragmas
	// use the modernc _pragma=name(value) form; _txlock=immediate makes
	// transactions take the write lock at BEGIN so the join capacity
	// check and the participant write happen against the same committed
	// state.
	dsn := dbPath + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	st := &SQLiteStore{
		db:          db,
		hub:         newHub(),
		ulidEntropy: ulid.Monotonic(rand.Reader, 0),
	}
	if err := st.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return st, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		self_destruct_seconds INTEGER NOT NULL,
		self_destruct_unseen_seconds INTEGER NOT NULL DEFAULT 0,
		kick_on_wrong_answer INTEGER NOT NULL DEFAULT 0,
		questions_json TEXT NOT NULL,
		participants_json TEXT NOT NULL,
		participant_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS presence (
		session_id TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		status TEXT NOT NULL,
		last_active INTEGER NOT NULL,
		PRIMARY KEY (session_id, participant_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		view_once INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		seen_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at, message_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// newMessageID returns a fresh store-assigned message id. ULIDs embed a
// millisecond timestamp, so ids are monotonically orderable by creation.
func (s *SQLiteStore) newMessageID(now time.Time) string {
	s.ulidMu.Lock()
	defer s.ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), s.ulidEntropy).String()
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession persists a new session document.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	questions, err := json.Marshal(sess.Questions)
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}
	participants, err := json.Marshal(sess.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}

	query := `
	INSERT INTO sessions (
		session_id, self_destruct_seconds, self_destruct_unseen_seconds,
		kick_on_wrong_answer, questions_json, participants_json,
		participant_count, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now()
	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.SelfDestructSeconds, sess.SelfDestructUnseenSeconds,
		sess.KickOnWrongAnswer, string(questions), string(participants),
		len(sess.Participants), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrSessionExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getSession(ctx context.Context, q rowQuerier, id string) (*domain.Session, error) {
	query := `
		SELECT session_id, self_destruct_seconds, self_destruct_unseen_seconds,
		       kick_on_wrong_answer, questions_json, participants_json,
		       participant_count, created_at, updated_at
		FROM sessions WHERE session_id = ?`

	row := q.QueryRowContext(ctx, query, id)

	var sess domain.Session
	var questionsJSON, participantsJSON string
	var createdAt, updatedAt int64

	err := row.Scan(
		&sess.ID, &sess.SelfDestructSeconds, &sess.SelfDestructUnseenSeconds,
		&sess.KickOnWrongAnswer, &questionsJSON, &participantsJSON,
		&sess.ParticipantCount, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	if err := json.Unmarshal([]byte(questionsJSON), &sess.Questions); err != nil {
		return nil, fmt.Errorf("unmarshal questions: %w", err)
	}
	if err := json.Unmarshal([]byte(participantsJSON), &sess.Participants); err != nil {
		return nil, fmt.Errorf("unmarshal participants: %w", err)
	}
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)

	sess.Presence = make(map[string]domain.PresenceRecord)
	rows, err := q.QueryContext(ctx,
		`SELECT participant_id, status, last_active FROM presence WHERE session_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query presence: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close presence rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		var pid, status string
		var lastActive int64
		if err := rows.Scan(&pid, &status, &lastActive); err != nil {
			return nil, fmt.Errorf("scan presence row: %w", err)
		}
		sess.Presence[pid] = domain.PresenceRecord{
			Status:     domain.PresenceStatus(status),
			LastActive: time.UnixMilli(lastActive),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence rows: %w", err)
	}

	return &sess, nil
}

// GetSession retrieves a session by id, including its presence map.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	return getSession(ctx, s.db, id)
}

// UpdateSession runs mutate inside one transaction, retrying on SQLite
// concurrency errors with exponential backoff. Errors returned by mutate
// (capacity rejections and the like) pass through unchanged.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, mutate func(*domain.Session) (*domain.Message, error)) error {
	var lastErr error
	for i := 0; i < txMaxRetries; i++ {
		appended, err := s.updateSessionOnce(ctx, id, mutate)
		if err == nil {
			if appended {
				s.notify(ctx, id)
			}
			return nil
		}
		if !isSQLiteConflict(err) {
			return err
		}
		lastErr = err
		if i < txMaxRetries-1 {
			delay := txBaseDelay * time.Duration(1<<i)
			slog.Debug("session transaction hit SQLITE_BUSY, retrying",
				"session_id", id,
				"attempt", i+1,
				"delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("session transaction for %s failed after %d attempts: %w", id, txMaxRetries, lastErr)
}

func (s *SQLiteStore) updateSessionOnce(ctx context.Context, id string, mutate func(*domain.Session) (*domain.Message, error)) (appended bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin session transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				slog.Warn("failed to roll back session transaction", "session_id", id, "error", rbErr)
			}
		}
	}()

	sess, err := getSession(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, domain.ErrSessionNotFound
	}

	oldPresence := make(map[string]domain.PresenceRecord, len(sess.Presence))
	for k, v := range sess.Presence {
		oldPresence[k] = v
	}

	msg, err := mutate(sess)
	if err != nil {
		return false, err
	}

	participants, err := json.Marshal(sess.Participants)
	if err != nil {
		return false, fmt.Errorf("marshal participants: %w", err)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET participants_json = ?, participant_count = ?, updated_at = ? WHERE session_id = ?`,
		string(participants), len(sess.Participants), now.UnixMilli(), id,
	)
	if err != nil {
		return false, fmt.Errorf("update session: %w", err)
	}

	// Sync presence slots touched by mutate: removed slots are deleted,
	// changed slots upserted.
	for pid := range oldPresence {
		if _, ok := sess.Presence[pid]; !ok {
			if _, err = tx.ExecContext(ctx,
				`DELETE FROM presence WHERE session_id = ? AND participant_id = ?`, id, pid); err != nil {
				return false, fmt.Errorf("delete presence slot: %w", err)
			}
		}
	}
	for pid, rec := range sess.Presence {
		if old, ok := oldPresence[pid]; ok && old == rec {
			continue
		}
		if err = upsertPresence(ctx, tx, id, pid, rec); err != nil {
			return false, err
		}
	}

	if msg != nil {
		msg.ID = s.newMessageID(now)
		msg.CreatedAt = now
		if err = insertMessage(ctx, tx, id, msg); err != nil {
			return false, err
		}
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit session transaction: %w", err)
	}
	return msg != nil, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertPresence(ctx context.Context, e execer, sessionID, participantID string, rec domain.PresenceRecord) error {
	query := `
	INSERT INTO presence (session_id, participant_id, status, last_active)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id, participant_id) DO UPDATE SET
		status = excluded.status,
		last_active = excluded.last_active`

	_, err := e.ExecContext(ctx, query,
		sessionID, participantID, string(rec.Status), rec.LastActive.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

// SetPresence writes one participant's presence slot.
func (s *SQLiteStore) SetPresence(ctx context.Context, sessionID, participantID string, rec domain.PresenceRecord) error {
	return upsertPresence(ctx, s.db, sessionID, participantID, rec)
}

func insertMessage(ctx context.Context, e execer, sessionID string, m *domain.Message) error {
	var seenAt any
	if m.SeenAt != nil {
		seenAt = m.SeenAt.UnixMilli()
	}

	query := `
	INSERT INTO messages (message_id, session_id, sender_id, kind, body, image_url, view_once, created_at, seen_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := e.ExecContext(ctx, query,
		m.ID, sessionID, m.SenderID, string(m.Kind),
		m.Text, m.ImageURL, m.ViewOnce, m.CreatedAt.UnixMilli(), seenAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// AppendMessage appends a message to the session log, assigning its id
// and creation timestamp.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, m *domain.Message) (*domain.Message, error) {
	now := time.Now()
	stored := *m
	stored.ID = s.newMessageID(now)
	stored.CreatedAt = now

	if err := insertMessage(ctx, s.db, sessionID, &stored); err != nil {
		return nil, err
	}
	s.notify(ctx, sessionID)
	return &stored, nil
}

// ListMessages returns the full message log ordered by (createdAt, id).
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	query := `
		SELECT message_id, sender_id, kind, body, image_url, view_once, created_at, seen_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC, message_id ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []domain.Message
	for rows.Next() {
		var m domain.Message
		var kind string
		var createdAt int64
		var seenAt sql.NullInt64

		if err := rows.Scan(&m.ID, &m.SenderID, &kind, &m.Text, &m.ImageURL, &m.ViewOnce, &createdAt, &seenAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Kind = domain.MessageKind(kind)
		m.CreatedAt = time.UnixMilli(createdAt)
		if seenAt.Valid {
			ts := time.UnixMilli(seenAt.Int64)
			m.SeenAt = &ts
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// MarkSeen sets seenAt on the given messages as one batched write. The
// seen_at IS NULL guard makes the transition one-shot: an already-seen
// message keeps its original timestamp.
func (s *SQLiteStore) MarkSeen(ctx context.Context, sessionID string, messageIDs []string, seenAt time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(messageIDs))
	placeholders = placeholders[:len(placeholders)-1]
	query := `UPDATE messages SET seen_at = ? WHERE session_id = ? AND seen_at IS NULL AND message_id IN (` + placeholders + `)`

	args := make([]any, 0, len(messageIDs)+2)
	args = append(args, seenAt.UnixMilli(), sessionID)
	for _, id := range messageIDs {
		args = append(args, id)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark messages seen: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows > 0 {
		s.notify(ctx, sessionID)
	}
	return nil
}

// DeleteMessage removes a message. Deleting an absent id is a no-op.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ? AND message_id = ?`, sessionID, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows > 0 {
		s.notify(ctx, sessionID)
	}
	return nil
}

// Subscribe registers for full-snapshot change notifications on a
// session's message log.
func (s *SQLiteStore) Subscribe(sessionID string) (<-chan []domain.Message, func()) {
	return s.hub.subscribe(sessionID)
}

// notify re-reads the full message log and broadcasts it to subscribers.
func (s *SQLiteStore) notify(ctx context.Context, sessionID string) {
	messages, err := s.ListMessages(ctx, sessionID)
	if err != nil {
		slog.Warn("failed to load messages for change notification", "session_id", sessionID, "error", err)
		return
	}
	s.hub.broadcast(sessionID, messages)
}

// isSQLiteConflict reports whether err is a SQLITE_BUSY or SQLITE_LOCKED
// condition that warrants retrying the transaction. The primary check is
// the driver's error code; the substring fallback catches conflicts that
// surface through already-stringified errors.
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
