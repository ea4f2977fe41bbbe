package sessionstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a local SQLite-backed persistence layer for agent sessions, their
// raw protocol events, and agent run records.
//
// Notes:
// - raw_messages rowids are the monotonic message ids the transcript builder
//   keys on; they are never reused within a session.
// - agent_runs records which stored user-role messages came from genuine
//   dashboard input; the transcript layer derives its real-user id set from it.
// - WAL is enabled to support concurrent reads while writing (multiple
//   dashboard tabs polling the same session).
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type Session struct {
	SessionID          string `json:"session_id"`
	Title              string `json:"title"`
	AgentStatus        string `json:"agent_status"`
	CreatedAtUnixMs    int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs    int64  `json:"updated_at_unix_ms"`
	LastEventAtUnixMs  int64  `json:"last_event_at_unix_ms"`
	LastUserTextPrefix string `json:"last_user_text_prefix"`
}

// RawRecord is one stored protocol event, exactly as persisted.
type RawRecord struct {
	ID              int64  `json:"id"`
	SessionID       string `json:"session_id"`
	Role            string `json:"role"`
	ContentJSON     string `json:"content_json"`
	AttachmentsJSON string `json:"attachments_json,omitempty"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// Run is one agent run record. UserMessageID points at the raw_messages row
// holding the genuine user input that started the run.
type Run struct {
	RunID           string `json:"run_id"`
	SessionID       string `json:"session_id"`
	UserMessageID   int64  `json:"user_message_id"`
	Status          string `json:"status"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

type SessionsCursor struct {
	UpdatedAtUnixMs int64
	SessionID       string
}

// EncodeCursor encodes a pagination cursor as a URL-safe base64 string.
func EncodeCursor(c SessionsCursor) string {
	if c.UpdatedAtUnixMs <= 0 || strings.TrimSpace(c.SessionID) == "" {
		return ""
	}
	raw := fmt.Sprintf("%d:%s", c.UpdatedAtUnixMs, strings.TrimSpace(c.SessionID))
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(raw string) (SessionsCursor, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SessionsCursor{}, true
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return SessionsCursor{}, false
	}
	parts := strings.SplitN(string(b), ":", 2)
	if len(parts) != 2 {
		return SessionsCursor{}, false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || ms <= 0 {
		return SessionsCursor{}, false
	}
	id := strings.TrimSpace(parts[1])
	if id == "" {
		return SessionsCursor{}, false
	}
	return SessionsCursor{UpdatedAtUnixMs: ms, SessionID: id}, true
}

func normalizeAgentStatus(status string) string {
	status = strings.TrimSpace(status)
	switch status {
	case "idle", "running", "success", "failed", "canceled":
		return status
	default:
		return "idle"
	}
}

func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sess.SessionID = strings.TrimSpace(sess.SessionID)
	sess.Title = strings.TrimSpace(sess.Title)
	sess.AgentStatus = normalizeAgentStatus(sess.AgentStatus)
	if sess.SessionID == "" {
		return errors.New("invalid session")
	}

	now := time.Now().UnixMilli()
	if sess.CreatedAtUnixMs <= 0 {
		sess.CreatedAtUnixMs = now
	}
	if sess.UpdatedAtUnixMs <= 0 {
		sess.UpdatedAtUnixMs = sess.CreatedAtUnixMs
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(
  session_id, title, agent_status,
  created_at_unix_ms, updated_at_unix_ms,
  last_event_at_unix_ms, last_user_text_prefix
) VALUES(?, ?, ?, ?, ?, ?, ?)
`,
		sess.SessionID,
		sess.Title,
		sess.AgentStatus,
		sess.CreatedAtUnixMs,
		sess.UpdatedAtUnixMs,
		sess.LastEventAtUnixMs,
		sess.LastUserTextPrefix,
	)
	return err
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("invalid request")
	}

	var out Session
	err := s.db.QueryRowContext(ctx, `
SELECT session_id, title, agent_status,
       created_at_unix_ms, updated_at_unix_ms,
       last_event_at_unix_ms, last_user_text_prefix
FROM sessions
WHERE session_id = ?
`, sessionID).Scan(
		&out.SessionID,
		&out.Title,
		&out.AgentStatus,
		&out.CreatedAtUnixMs,
		&out.UpdatedAtUnixMs,
		&out.LastEventAtUnixMs,
		&out.LastUserTextPrefix,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (s *Store) ListSessions(ctx context.Context, limit int, cursor SessionsCursor) ([]Session, string, error) {
	if s == nil || s.db == nil {
		return nil, "", errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	args := []any{}
	where := ""
	if cursor.UpdatedAtUnixMs > 0 && strings.TrimSpace(cursor.SessionID) != "" {
		where = "WHERE (updated_at_unix_ms < ? OR (updated_at_unix_ms = ? AND session_id < ?))"
		args = append(args, cursor.UpdatedAtUnixMs, cursor.UpdatedAtUnixMs, strings.TrimSpace(cursor.SessionID))
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
SELECT session_id, title, agent_status,
       created_at_unix_ms, updated_at_unix_ms,
       last_event_at_unix_ms, last_user_text_prefix
FROM sessions
%s
ORDER BY updated_at_unix_ms DESC, session_id DESC
LIMIT ?
`, where)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]Session, 0, limit)
	for rows.Next() {
		var sess Session
		if err := rows.Scan(
			&sess.SessionID,
			&sess.Title,
			&sess.AgentStatus,
			&sess.CreatedAtUnixMs,
			&sess.UpdatedAtUnixMs,
			&sess.LastEventAtUnixMs,
			&sess.LastUserTextPrefix,
		); err != nil {
			return nil, "", err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	if len(out) == 0 {
		return out, "", nil
	}
	last := out[len(out)-1]
	next := EncodeCursor(SessionsCursor{UpdatedAtUnixMs: last.UpdatedAtUnixMs, SessionID: last.SessionID})
	return out, next, nil
}

func (s *Store) UpdateSessionAgentStatus(ctx context.Context, sessionID string, status string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("invalid request")
	}

	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions
SET agent_status = ?, updated_at_unix_ms = ?
WHERE session_id = ?
`, normalizeAgentStatus(status), now, sessionID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("invalid request")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_runs WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM raw_messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

// AppendRawMessage inserts a protocol event and updates session metadata in
// the same transaction. It returns the assigned monotonic message id.
//
// userText, when non-empty, refreshes the session preview and seeds the title
// if the session has none yet.
func (s *Store) AppendRawMessage(ctx context.Context, sessionID string, rec RawRecord, userText string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, errors.New("invalid request")
	}

	rec.SessionID = sessionID
	rec.Role = strings.TrimSpace(rec.Role)
	rec.ContentJSON = strings.TrimSpace(rec.ContentJSON)
	rec.AttachmentsJSON = strings.TrimSpace(rec.AttachmentsJSON)
	if rec.Role == "" || rec.ContentJSON == "" {
		return 0, errors.New("invalid message")
	}

	now := time.Now().UnixMilli()
	if rec.CreatedAtUnixMs <= 0 {
		rec.CreatedAtUnixMs = now
	}

	preview := buildPreview(userText)
	titleCandidate := ""
	if rec.Role == "user" {
		titleCandidate = buildTitleCandidate(userText)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// Ensure the session exists before inserting.
	var existingTitle string
	if err := tx.QueryRowContext(ctx, `
SELECT title FROM sessions WHERE session_id = ?
`, sessionID).Scan(&existingTitle); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO raw_messages(session_id, role, content_json, attachments_json, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?)
`,
		sessionID,
		rec.Role,
		rec.ContentJSON,
		rec.AttachmentsJSON,
		rec.CreatedAtUnixMs,
	)
	if err != nil {
		return 0, err
	}
	rowID, _ := res.LastInsertId()

	nextTitle := strings.TrimSpace(existingTitle)
	if nextTitle == "" && titleCandidate != "" {
		nextTitle = titleCandidate
	}
	if preview == "" {
		// Keep the previous preview when this event carried no user text.
		if _, err := tx.ExecContext(ctx, `
UPDATE sessions
SET title = ?, updated_at_unix_ms = ?, last_event_at_unix_ms = ?
WHERE session_id = ?
`, nextTitle, now, rec.CreatedAtUnixMs, sessionID); err != nil {
			return 0, err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
UPDATE sessions
SET title = ?, updated_at_unix_ms = ?, last_event_at_unix_ms = ?, last_user_text_prefix = ?
WHERE session_id = ?
`, nextTitle, now, rec.CreatedAtUnixMs, preview, sessionID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rowID, nil
}

// ListRawMessages returns every stored protocol event of the session in
// ascending id order. The transcript builder requires the full list; there is
// no incremental mode.
func (s *Store) ListRawMessages(ctx context.Context, sessionID string) ([]RawRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("invalid request")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, role, content_json, attachments_json, created_at_unix_ms
FROM raw_messages
WHERE session_id = ?
ORDER BY id ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]RawRecord, 0, 64)
	for rows.Next() {
		var rec RawRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&rec.Role,
			&rec.ContentJSON,
			&rec.AttachmentsJSON,
			&rec.CreatedAtUnixMs,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordRun inserts an agent run record tying a run to the stored user
// message that started it.
func (s *Store) RecordRun(ctx context.Context, run Run) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	run.RunID = strings.TrimSpace(run.RunID)
	run.SessionID = strings.TrimSpace(run.SessionID)
	run.Status = normalizeAgentStatus(run.Status)
	if run.RunID == "" || run.SessionID == "" || run.UserMessageID <= 0 {
		return errors.New("invalid run")
	}
	if run.CreatedAtUnixMs <= 0 {
		run.CreatedAtUnixMs = time.Now().UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO agent_runs(run_id, session_id, user_message_id, status, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?)
`,
		run.RunID,
		run.SessionID,
		run.UserMessageID,
		run.Status,
		run.CreatedAtUnixMs,
	)
	return err
}

// RealUserMessageIDs returns the set of raw message ids recorded as genuine
// dashboard input for the session. An empty set means no runs were recorded
// yet; the transcript layer then falls back to showing all user text.
func (s *Store) RealUserMessageIDs(ctx context.Context, sessionID string) (map[int64]struct{}, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("invalid request")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT user_message_id FROM agent_runs WHERE session_id = ?
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64]struct{}{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if id > 0 {
			out[id] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  agent_status TEXT NOT NULL DEFAULT 'idle',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  last_event_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  last_user_text_prefix TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at_unix_ms DESC, session_id DESC);

CREATE TABLE IF NOT EXISTS raw_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content_json TEXT NOT NULL,
  attachments_json TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_messages_session ON raw_messages(session_id, id ASC);

CREATE TABLE IF NOT EXISTS agent_runs (
  run_id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  user_message_id INTEGER NOT NULL,
  status TEXT NOT NULL DEFAULT 'idle',
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_runs_session ON agent_runs(session_id);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func buildPreview(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	return truncateRunes(strings.TrimSpace(text), 160)
}

func buildTitleCandidate(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	return truncateRunes(strings.TrimSpace(text), 48)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}
