package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/cocode/cocode/pkg/models"
)

// ToolCallRecord is the persisted shape of one model-requested tool call.
type ToolCallRecord struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	MessageID string          `json:"message_id,omitempty"`
	ToolName  string          `json:"tool_name"`
	ArgsJSON  json.RawMessage `json:"args_json"`
	CreatedAt time.Time       `json:"created_at"`
}

// ToolResultRecord is the persisted shape of one tool execution outcome.
type ToolResultRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	MessageID  string    `json:"message_id,omitempty"`
	ToolCallID string    `json:"tool_call_id"`
	IsError    bool      `json:"is_error"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// ToolEventStore persists tool calls and results for audit, replay, and
// analytics. Its AddToolCall/AddToolResult methods satisfy
// agent.ToolEventStore so a Loop can be wired directly to one.
type ToolEventStore interface {
	AddToolCall(ctx context.Context, sessionID, messageID string, call *models.ToolCall) error
	AddToolResult(ctx context.Context, sessionID, messageID string, call *models.ToolCall, result *models.ToolResultContent) error

	GetToolCalls(ctx context.Context, sessionID string, limit int) ([]ToolCallRecord, error)
	GetToolResults(ctx context.Context, sessionID string, limit int) ([]ToolResultRecord, error)
	GetToolCallsByMessage(ctx context.Context, messageID string) ([]ToolCallRecord, error)
}

// SQLToolEventStore implements ToolEventStore against a database/sql
// connection. Statements use `?` placeholders, matching the pure-Go sqlite
// driver this store targets.
type SQLToolEventStore struct {
	db *sql.DB
}

// NewSQLToolEventStore creates a new SQL-backed tool event store.
func NewSQLToolEventStore(db *sql.DB) *SQLToolEventStore {
	return &SQLToolEventStore{db: db}
}

func (s *SQLToolEventStore) AddToolCall(ctx context.Context, sessionID, messageID string, call *models.ToolCall) error {
	if call == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, session_id, message_id, tool_name, args_json, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, call.ID, sessionID, messageID, call.Name, []byte(call.Args), time.Now())
	return err
}

func (s *SQLToolEventStore) AddToolResult(ctx context.Context, sessionID, messageID string, call *models.ToolCall, result *models.ToolResultContent) error {
	if call == nil {
		return nil
	}
	content := ""
	if result != nil {
		content = result.FlattenToText()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_results (id, session_id, message_id, tool_call_id, is_error, content, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, call.ID+":result", sessionID, messageID, call.ID, call.IsError, content, time.Now())
	return err
}

func (s *SQLToolEventStore) GetToolCalls(ctx context.Context, sessionID string, limit int) ([]ToolCallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, COALESCE(message_id, ''), tool_name, args_json, created_at
		FROM tool_calls
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []ToolCallRecord
	for rows.Next() {
		var call ToolCallRecord
		var argsJSON []byte
		if err := rows.Scan(&call.ID, &call.SessionID, &call.MessageID, &call.ToolName, &argsJSON, &call.CreatedAt); err != nil {
			return nil, err
		}
		call.ArgsJSON = argsJSON
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

func (s *SQLToolEventStore) GetToolResults(ctx context.Context, sessionID string, limit int) ([]ToolResultRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, COALESCE(message_id, ''), tool_call_id, is_error, content, created_at
		FROM tool_results
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ToolResultRecord
	for rows.Next() {
		var result ToolResultRecord
		if err := rows.Scan(&result.ID, &result.SessionID, &result.MessageID, &result.ToolCallID, &result.IsError, &result.Content, &result.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

func (s *SQLToolEventStore) GetToolCallsByMessage(ctx context.Context, messageID string) ([]ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, message_id, tool_name, args_json, created_at
		FROM tool_calls
		WHERE message_id = ?
		ORDER BY created_at ASC
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []ToolCallRecord
	for rows.Next() {
		var call ToolCallRecord
		var msgID sql.NullString
		var argsJSON []byte
		if err := rows.Scan(&call.ID, &call.SessionID, &msgID, &call.ToolName, &argsJSON, &call.CreatedAt); err != nil {
			return nil, err
		}
		if msgID.Valid {
			call.MessageID = msgID.String
		}
		call.ArgsJSON = argsJSON
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

// MemoryToolEventStore implements ToolEventStore in memory, for tests and
// for runs with no durable-index backend configured.
type MemoryToolEventStore struct {
	mu      sync.RWMutex
	calls   []ToolCallRecord
	results []ToolResultRecord
}

// NewMemoryToolEventStore creates a new in-memory tool event store.
func NewMemoryToolEventStore() *MemoryToolEventStore {
	return &MemoryToolEventStore{}
}

func (s *MemoryToolEventStore) AddToolCall(ctx context.Context, sessionID, messageID string, call *models.ToolCall) error {
	if call == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, ToolCallRecord{
		ID:        call.ID,
		SessionID: sessionID,
		MessageID: messageID,
		ToolName:  call.Name,
		ArgsJSON:  append(json.RawMessage{}, call.Args...),
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *MemoryToolEventStore) AddToolResult(ctx context.Context, sessionID, messageID string, call *models.ToolCall, result *models.ToolResultContent) error {
	if call == nil {
		return nil
	}
	content := ""
	if result != nil {
		content = result.FlattenToText()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, ToolResultRecord{
		ID:         call.ID + ":result",
		SessionID:  sessionID,
		MessageID:  messageID,
		ToolCallID: call.ID,
		IsError:    call.IsError,
		Content:    content,
		CreatedAt:  time.Now(),
	})
	return nil
}

func (s *MemoryToolEventStore) GetToolCalls(ctx context.Context, sessionID string, limit int) ([]ToolCallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var calls []ToolCallRecord
	for _, c := range s.calls {
		if c.SessionID == sessionID {
			calls = append(calls, c)
		}
	}
	if limit > 0 && len(calls) > limit {
		calls = calls[len(calls)-limit:]
	}
	for i, j := 0, len(calls)-1; i < j; i, j = i+1, j-1 {
		calls[i], calls[j] = calls[j], calls[i]
	}
	return calls, nil
}

func (s *MemoryToolEventStore) GetToolResults(ctx context.Context, sessionID string, limit int) ([]ToolResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []ToolResultRecord
	for _, r := range s.results {
		if r.SessionID == sessionID {
			results = append(results, r)
		}
	}
	if limit > 0 && len(results) > limit {
		results = results[len(results)-limit:]
	}
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

func (s *MemoryToolEventStore) GetToolCallsByMessage(ctx context.Context, messageID string) ([]ToolCallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var calls []ToolCallRecord
	for _, c := range s.calls {
		if c.MessageID == messageID {
			calls = append(calls, c)
		}
	}
	return calls, nil
}
