// Package repository AgentSession 相关的存储操作
package repository

import (
	"context"
	"database/sql"

	"agent-fleet/internal/shared/model"
)

const sessionColumns = `id, workspace_id, status, label, created_at, updated_at`

// CreateAgentSession 创建 Agent 会话
func (s *Store) CreateAgentSession(ctx context.Context, session *model.AgentSession) error {
	query := s.rebind(`
		INSERT INTO agent_sessions (id, workspace_id, status, label, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.WorkspaceID, session.Status, session.Label,
		session.CreatedAt, session.UpdatedAt)
	return err
}

func scanSession(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.AgentSession, error) {
	session := &model.AgentSession{}
	var label sql.NullString
	err := scanner.Scan(
		&session.ID, &session.WorkspaceID, &session.Status, &label,
		&session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, err
	}
	session.Label = label.String
	return session, nil
}

// GetAgentSession 获取会话（不存在时返回 nil, nil）
func (s *Store) GetAgentSession(ctx context.Context, id string) (*model.AgentSession, error) {
	query := s.rebind(`SELECT ` + sessionColumns + ` FROM agent_sessions WHERE id = $1`)
	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// UpdateAgentSessionStatus 更新会话状态
func (s *Store) UpdateAgentSessionStatus(ctx context.Context, id string, status model.AgentSessionStatus) error {
	query := s.rebind(`UPDATE agent_sessions SET status = $1, updated_at = ` + s.now() + ` WHERE id = $2`)
	_, err := s.db.ExecContext(ctx, query, status, id)
	return err
}

// ListSessionsByWorkspace 列出工作空间下的会话
func (s *Store) ListSessionsByWorkspace(ctx context.Context, workspaceID string) ([]*model.AgentSession, error) {
	query := s.rebind(`SELECT ` + sessionColumns + ` FROM agent_sessions WHERE workspace_id = $1 ORDER BY created_at ASC`)
	rows, err := s.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.AgentSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// CountActiveSessionsByWorkspace 统计工作空间内 running 状态的会话数
func (s *Store) CountActiveSessionsByWorkspace(ctx context.Context, workspaceID string) (int, error) {
	query := s.rebind(`SELECT COUNT(*) FROM agent_sessions WHERE workspace_id = $1 AND status = $2`)
	var count int
	err := s.db.QueryRowContext(ctx, query, workspaceID, model.AgentSessionStatusRunning).Scan(&count)
	return count, err
}
