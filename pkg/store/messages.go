package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Segment is one contiguous run of assistant text within a message.
type Segment struct {
	Index   int    `json:"index"`
	Content string `json:"content"`
}

// MessageToolCall is a tool invocation recorded on a message. Index is
// the segment index after which the call appeared.
type MessageToolCall struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Input   map[string]any `json:"input"`
	Output  string         `json:"output"`
	Success bool           `json:"success"`
	Index   int            `json:"index"`
}

// MessageQuestion is a question surfaced by ask_user_questions.
type MessageQuestion struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Message is the durable projection of a completed turn. Written once,
// immutable; its id equals the turn id.
type Message struct {
	ID        string
	SessionID string
	Role      string
	Segments  []Segment
	ToolCalls []MessageToolCall
	Thought   string
	Questions []MessageQuestion
	Comment   string
	CreatedAt time.Time
}

// PutMessage writes a message projection.
func (s *Store) PutMessage(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}
	segments, err := json.Marshal(m.Segments)
	if err != nil {
		return fmt.Errorf("store: marshal segments: %w", err)
	}
	toolCalls, err := json.Marshal(m.ToolCalls)
	if err != nil {
		return fmt.Errorf("store: marshal tool calls: %w", err)
	}
	questions := ""
	if len(m.Questions) > 0 {
		raw, err := json.Marshal(m.Questions)
		if err != nil {
			return fmt.Errorf("store: marshal questions: %w", err)
		}
		questions = string(raw)
	}
	_, err = s.exec(ctx, `INSERT INTO messages
		(id, session_id, role, segments, tool_calls, thought, questions, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, string(segments), string(toolCalls),
		m.Thought, questions, m.Comment, encodeTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: put message: %w", err)
	}
	return nil
}

// GetMessage loads a message by id (the turn id).
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.queryRow(ctx, `SELECT id, session_id, role, segments, tool_calls,
		thought, questions, comment, created_at
		FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// ListMessagesBySession returns a session's messages in creation order.
func (s *Store) ListMessagesBySession(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := s.query(ctx, `SELECT id, session_id, role, segments, tool_calls,
		thought, questions, comment, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(r rowScanner) (*Message, error) {
	var (
		m                              Message
		segments, toolCalls, questions string
		created                        string
	)
	err := r.Scan(&m.ID, &m.SessionID, &m.Role, &segments, &toolCalls,
		&m.Thought, &questions, &m.Comment, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan message: %w", err)
	}
	if err := json.Unmarshal([]byte(segments), &m.Segments); err != nil {
		return nil, fmt.Errorf("store: decode segments: %w", err)
	}
	if err := json.Unmarshal([]byte(toolCalls), &m.ToolCalls); err != nil {
		return nil, fmt.Errorf("store: decode tool calls: %w", err)
	}
	if questions != "" {
		if err := json.Unmarshal([]byte(questions), &m.Questions); err != nil {
			return nil, fmt.Errorf("store: decode questions: %w", err)
		}
	}
	m.CreatedAt = decodeTime(created)
	return &m, nil
}
