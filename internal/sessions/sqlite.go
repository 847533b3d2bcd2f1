package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cocode/cocode/pkg/models"
)

// SQLiteStore implements Store as a durable index on top of modernc.org/sqlite
// (pure Go, no cgo), for deployments that want queryable session listing
// beyond the JSON snapshot files JSONStore writes under
// $COCODE_HOME/sessions. It is the DB-backend option, not the primary
// persistence path.
type SQLiteStore struct {
	db *sql.DB

	stmtCreateSession *sql.Stmt
	stmtGetSession    *sql.Stmt
	stmtUpdateSession *sql.Stmt
	stmtDeleteSession *sql.Stmt
	stmtAppendMessage *sql.Stmt
	stmtGetHistory    *sql.Stmt
}

// DB exposes the underlying connection for schema migration or related stores.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	cwd TEXT UNIQUE,
	version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content_json BLOB NOT NULL,
	turn INTEGER NOT NULL DEFAULT 0,
	usage_json BLOB,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	incomplete INTEGER NOT NULL DEFAULT 0,
	compacted INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
CREATE TABLE IF NOT EXISTS session_locks (
	session_id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	acquired_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS tool_calls (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	message_id TEXT,
	tool_name TEXT NOT NULL,
	args_json BLOB,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tool_calls_message ON tool_calls(message_id);
CREATE TABLE IF NOT EXISTS tool_results (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	message_id TEXT,
	tool_call_id TEXT NOT NULL,
	is_error INTEGER NOT NULL DEFAULT 0,
	content TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_results_session ON tool_results(session_id, created_at);
`

// NewSQLiteStore opens (creating if absent) a sqlite-backed session index at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite allows one writer; serialize through the pool

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.stmtCreateSession, err = s.db.Prepare(`
		INSERT INTO sessions (id, cwd, version, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare create session: %w", err)
	}

	s.stmtGetSession, err = s.db.Prepare(`
		SELECT id, cwd, version, created_at, updated_at FROM sessions WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare get session: %w", err)
	}

	s.stmtUpdateSession, err = s.db.Prepare(`
		UPDATE sessions SET version = ?, updated_at = ? WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare update session: %w", err)
	}

	s.stmtDeleteSession, err = s.db.Prepare(`DELETE FROM sessions WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare delete session: %w", err)
	}

	s.stmtAppendMessage, err = s.db.Prepare(`
		INSERT INTO messages (id, session_id, role, content_json, turn, usage_json, latency_ms, incomplete, compacted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare append message: %w", err)
	}

	s.stmtGetHistory, err = s.db.Prepare(`
		SELECT id, role, content_json, turn, usage_json, latency_ms, incomplete, compacted, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`)
	if err != nil {
		return fmt.Errorf("prepare get history: %w", err)
	}
	return nil
}

// Close closes prepared statements and the underlying connection.
func (s *SQLiteStore) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.stmtCreateSession, s.stmtGetSession, s.stmtUpdateSession,
		s.stmtDeleteSession, s.stmtAppendMessage, s.stmtGetHistory,
	} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt
	if session.Version == 0 {
		session.Version = 1
	}

	var cwd any
	if session.CWD != "" {
		cwd = session.CWD
	}
	_, err := s.stmtCreateSession.ExecContext(ctx, session.ID, cwd, session.Version, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	session := &models.Session{}
	var cwd sql.NullString
	err := s.stmtGetSession.QueryRowContext(ctx, id).Scan(&session.ID, &cwd, &session.Version, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	session.CWD = cwd.String
	return session, nil
}

func (s *SQLiteStore) Update(ctx context.Context, session *models.Session) error {
	session.UpdatedAt = time.Now()
	result, err := s.stmtUpdateSession.ExecContext(ctx, session.Version, session.UpdatedAt, session.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("session not found: %s", session.ID)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.stmtDeleteSession.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

// GetOrCreate returns the session bound to cwd, creating one via upsert if
// none exists. The unique index on cwd makes the insert-or-return atomic
// under concurrent callers.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, cwd string) (*models.Session, error) {
	now := time.Now()
	id := uuid.NewString()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, cwd, version, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (cwd) DO NOTHING
	`, id, cwd, now, now)
	if err != nil {
		return nil, fmt.Errorf("get or create session: %w", err)
	}

	session := &models.Session{}
	var gotCWD sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT id, cwd, version, created_at, updated_at FROM sessions WHERE cwd = ?
	`, cwd).Scan(&session.ID, &gotCWD, &session.Version, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get or create session: %w", err)
	}
	session.CWD = gotCWD.String
	return session, nil
}

func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	query := `SELECT id, cwd, version, created_at, updated_at FROM sessions ORDER BY updated_at DESC`
	args := []any{}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session := &models.Session{}
		var cwd sql.NullString
		if err := rows.Scan(&session.ID, &cwd, &session.Version, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		session.CWD = cwd.String
		out = append(out, session)
	}
	return out, rows.Err()
}

// AppendMessage inserts the message and bumps the session's updated_at in a
// single transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	contentJSON, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	var usageJSON []byte
	if msg.Usage != nil {
		if usageJSON, err = json.Marshal(msg.Usage); err != nil {
			return fmt.Errorf("marshal usage: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.StmtContext(ctx, s.stmtAppendMessage).ExecContext(ctx,
		msg.ID, sessionID, string(msg.Role), contentJSON, msg.Turn, usageJSON,
		msg.LatencyMS, msg.Incomplete, msg.Compacted, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now(), sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return tx.Commit()
}

// GetHistory returns up to limit most-recent messages in chronological order.
func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.stmtGetHistory.QueryContext(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var role string
		var contentJSON, usageJSON []byte
		if err := rows.Scan(&msg.ID, &role, &contentJSON, &msg.Turn, &usageJSON, &msg.LatencyMS, &msg.Incomplete, &msg.Compacted, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		if len(contentJSON) > 0 {
			if err := json.Unmarshal(contentJSON, &msg.Content); err != nil {
				return nil, fmt.Errorf("unmarshal content: %w", err)
			}
		}
		if len(usageJSON) > 0 {
			msg.Usage = &models.Usage{}
			if err := json.Unmarshal(usageJSON, msg.Usage); err != nil {
				return nil, fmt.Errorf("unmarshal usage: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
