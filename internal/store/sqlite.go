package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/corvid-labs/corvid/pkg/models"
)

// SQLiteStore is a durable session store backed by SQLite in WAL mode.
// Each session's log is independent: corruption or contention on one
// session's rows never affects another's.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// WAL permits concurrent readers alongside the single writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	channel         TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	plan_mode       INTEGER NOT NULL DEFAULT 0,
	settings_json   TEXT,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_channel_user
	ON sessions(channel, user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS turns (
	session_id       TEXT NOT NULL,
	seq              INTEGER NOT NULL,
	role             TEXT NOT NULL,
	content          TEXT,
	tool_calls_json  TEXT,
	tool_result_json TEXT,
	channel          TEXT,
	inserted_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_turns_channel_time
	ON turns(channel, inserted_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	settings, err := json.Marshal(session.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, channel, user_id, conversation_id, plan_mode, settings_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Channel, session.UserID, session.ConversationID,
		boolToInt(session.PlanMode), string(settings), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession fetches a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel, user_id, conversation_id, plan_mode, settings_json, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// UpdateSession persists mutable session fields.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *models.Session) error {
	session.UpdatedAt = time.Now().UTC()
	settings, err := json.Marshal(session.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET plan_mode = ?, settings_json = ?, updated_at = ? WHERE id = ?`,
		boolToInt(session.PlanMode), string(settings), session.UpdatedAt, session.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session and its turns.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

// Append adds a turn to the session log with the next sequence number.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, turn *models.Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	turn.SessionID = sessionID
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	var toolCalls, toolResult sql.NullString
	if len(turn.ToolCalls) > 0 {
		data, err := json.Marshal(turn.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(data), Valid: true}
	}
	if turn.ToolResult != nil {
		data, err := json.Marshal(turn.ToolResult)
		if err != nil {
			return fmt.Errorf("encode tool result: %w", err)
		}
		toolResult = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?`, sessionID).Scan(&seq); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	turn.Seq = seq

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (session_id, seq, role, content, tool_calls_json, tool_result_json, channel, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, seq, turn.Role, turn.Content, toolCalls, toolResult, turn.Channel, turn.CreatedAt); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return tx.Commit()
}

// LoadSession returns the session's turns in append order.
func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string, limit int) ([]*models.Turn, error) {
	query := `
		SELECT session_id, seq, role, content, tool_calls_json, tool_result_json, channel, inserted_at
		FROM turns WHERE session_id = ? ORDER BY seq ASC`
	args := []any{sessionID}
	if limit > 0 {
		// Last N turns, still in ascending order.
		query = `
			SELECT session_id, seq, role, content, tool_calls_json, tool_result_json, channel, inserted_at
			FROM (
				SELECT * FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?
			) ORDER BY seq ASC`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// ListSessions returns sessions matching the filter, most recent first.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter ListFilter) ([]*models.Session, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, channel, user_id, conversation_id, plan_mode, settings_json, created_at, updated_at
		FROM sessions WHERE 1=1`)
	var args []any
	if filter.Channel != "" {
		sb.WriteString(" AND channel = ?")
		args = append(args, filter.Channel)
	}
	if filter.UserID != "" {
		sb.WriteString(" AND user_id = ?")
		args = append(args, filter.UserID)
	}
	sb.WriteString(" ORDER BY updated_at DESC")
	if filter.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			sb.WriteString(" OFFSET ?")
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SearchMessages finds turns whose content matches the query substring.
func (s *SQLiteStore) SearchMessages(ctx context.Context, query string, opts SearchOptions) ([]*models.Turn, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT session_id, seq, role, content, tool_calls_json, tool_result_json, channel, inserted_at
		FROM turns WHERE content LIKE ?`)
	args := []any{"%" + query + "%"}
	if opts.SessionID != "" {
		sb.WriteString(" AND session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.Channel != "" {
		sb.WriteString(" AND channel = ?")
		args = append(args, opts.Channel)
	}
	sb.WriteString(" ORDER BY inserted_at DESC")
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	sb.WriteString(" LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var planMode int
	var settings sql.NullString
	err := row.Scan(&sess.ID, &sess.Channel, &sess.UserID, &sess.ConversationID,
		&planMode, &settings, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.PlanMode = planMode != 0
	if settings.Valid && settings.String != "" {
		if err := json.Unmarshal([]byte(settings.String), &sess.Settings); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
	}
	return &sess, nil
}

func scanTurns(rows *sql.Rows) ([]*models.Turn, error) {
	var turns []*models.Turn
	for rows.Next() {
		var t models.Turn
		var toolCalls, toolResult sql.NullString
		if err := rows.Scan(&t.SessionID, &t.Seq, &t.Role, &t.Content,
			&toolCalls, &toolResult, &t.Channel, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &t.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		if toolResult.Valid && toolResult.String != "" {
			t.ToolResult = &models.ToolResult{}
			if err := json.Unmarshal([]byte(toolResult.String), t.ToolResult); err != nil {
				return nil, fmt.Errorf("decode tool result: %w", err)
			}
		}
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
