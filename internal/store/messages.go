package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

const messageColumns = `id, project_id, role, type, content, created_at`

type NewMessage struct {
	ProjectID string
	Role      Role
	Type      MessageType
	Content   string
}

func (s *Store) AddMessage(ctx context.Context, nm NewMessage) (*Message, error) {
	return addMessage(ctx, s.db, s.stamp(), nm)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func addMessage(ctx context.Context, db execer, now string, nm NewMessage) (*Message, error) {
	if nm.Role != RoleUser && nm.Role != RoleAssistant {
		return nil, fmt.Errorf("invalid message role %q", nm.Role)
	}
	if nm.Type == "" {
		nm.Type = TypeResult
	}
	id := uuid.NewString()
	_, err := db.ExecContext(ctx, `
INSERT INTO message(id, project_id, role, type, content, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, nm.ProjectID, nm.Role, nm.Type, nm.Content, now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &Message{
		ID:        id,
		ProjectID: nm.ProjectID,
		Role:      nm.Role,
		Type:      nm.Type,
		Content:   nm.Content,
		CreatedAt: parseTime(now),
	}, nil
}

// RecentMessages returns the newest n messages of a project, oldest first.
func (s *Store) RecentMessages(ctx context.Context, projectID string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+messageColumns+` FROM message
WHERE project_id = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, projectID, n)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// FirstUserMessage returns the prompt that started the project.
func (s *Store) FirstUserMessage(ctx context.Context, projectID string) (*Message, error) {
	return s.oneMessage(ctx, `
SELECT `+messageColumns+` FROM message
WHERE project_id = ? AND role = ?
ORDER BY created_at ASC, rowid ASC LIMIT 1;
`, projectID, RoleUser)
}

func (s *Store) LastAssistantMessage(ctx context.Context, projectID string) (*Message, error) {
	return s.oneMessage(ctx, `
SELECT `+messageColumns+` FROM message
WHERE project_id = ? AND role = ?
ORDER BY created_at DESC, rowid DESC LIMIT 1;
`, projectID, RoleAssistant)
}

func (s *Store) oneMessage(ctx context.Context, query string, args ...any) (*Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m          Message
		role, typ  string
		createdAtS string
	)
	if err := row.Scan(&m.ID, &m.ProjectID, &role, &typ, &m.Content, &createdAtS); err != nil {
		return nil, err
	}
	m.Role = Role(role)
	m.Type = MessageType(typ)
	m.CreatedAt = parseTime(createdAtS)
	return &m, nil
}

// SaveResult stores an assistant RESULT message and its fragment atomically.
func (s *Store) SaveResult(ctx context.Context, projectID, content string, f Fragment) (*Message, *Fragment, error) {
	files, err := json.Marshal(nonNil(f.Files))
	if err != nil {
		return nil, nil, fmt.Errorf("encode fragment files: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.stamp()
	msg, err := addMessage(ctx, tx, now, NewMessage{
		ProjectID: projectID,
		Role:      RoleAssistant,
		Type:      TypeResult,
		Content:   content,
	})
	if err != nil {
		return nil, nil, err
	}

	f.ID = uuid.NewString()
	f.MessageID = msg.ID
	_, err = tx.ExecContext(ctx, `
INSERT INTO fragment(id, message_id, sandbox_url, title, title_hash, files, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, f.ID, f.MessageID, f.SandboxURL, f.Title, TitleHash(f.Title), string(files), now, now)
	if err != nil {
		return nil, nil, fmt.Errorf("insert fragment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit tx: %w", err)
	}
	f.CreatedAt = parseTime(now)
	f.UpdatedAt = f.CreatedAt
	return msg, &f, nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
