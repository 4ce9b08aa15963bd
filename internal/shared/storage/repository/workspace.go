// Package repository Workspace / AgentSession 相关的存储操作
package repository

import (
	"context"
	"database/sql"

	"agent-fleet/internal/shared/model"
)

// workspaceColumns 工作空间表的查询列（与 scanWorkspace 顺序一致）
const workspaceColumns = `id, node_id, user_id, name, repository, branch, status,
	idle_timeout_seconds, chat_session_id, error_message, created_at, updated_at`

// activeWorkspaceStatuses 活跃状态的 SQL IN 参数（creating / running / recovery）
var activeWorkspaceStatuses = []interface{}{
	model.WorkspaceStatusCreating, model.WorkspaceStatusRunning, model.WorkspaceStatusRecovery,
}

// CreateWorkspace 创建工作空间
func (s *Store) CreateWorkspace(ctx context.Context, ws *model.Workspace) error {
	query := s.rebind(`
		INSERT INTO workspaces (id, node_id, user_id, name, repository, branch, status,
			idle_timeout_seconds, chat_session_id, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`)
	_, err := s.db.ExecContext(ctx, query,
		ws.ID, ws.NodeID, ws.UserID, ws.Name, ws.Repository, ws.Branch, ws.Status,
		ws.IdleTimeoutSeconds, ws.ChatSessionID, ws.ErrorMessage, ws.CreatedAt, ws.UpdatedAt)
	return err
}

// scanWorkspace 辅助函数：从数据库行扫描 Workspace
func scanWorkspace(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Workspace, error) {
	ws := &model.Workspace{}
	var repository, branch sql.NullString
	var idleTimeout sql.NullInt64
	err := scanner.Scan(
		&ws.ID, &ws.NodeID, &ws.UserID, &ws.Name, &repository, &branch, &ws.Status,
		&idleTimeout, &ws.ChatSessionID, &ws.ErrorMessage, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ws.Repository = repository.String
	ws.Branch = branch.String
	ws.IdleTimeoutSeconds = int(idleTimeout.Int64)
	return ws, nil
}

// GetWorkspace 获取工作空间（不存在时返回 nil, nil）
func (s *Store) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	query := s.rebind(`SELECT ` + workspaceColumns + ` FROM workspaces WHERE id = $1`)
	ws, err := scanWorkspace(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// UpdateWorkspaceStatus 更新工作空间状态，errorMessage 非 nil 时一并写入
func (s *Store) UpdateWorkspaceStatus(ctx context.Context, id string, status model.WorkspaceStatus, errorMessage *string) error {
	if errorMessage != nil {
		query := s.rebind(`UPDATE workspaces SET status = $1, error_message = $2, updated_at = ` + s.now() + ` WHERE id = $3`)
		_, err := s.db.ExecContext(ctx, query, status, *errorMessage, id)
		return err
	}
	query := s.rebind(`UPDATE workspaces SET status = $1, updated_at = ` + s.now() + ` WHERE id = $2`)
	_, err := s.db.ExecContext(ctx, query, status, id)
	return err
}

// ListWorkspacesByNode 列出节点上的全部工作空间
func (s *Store) ListWorkspacesByNode(ctx context.Context, nodeID string) ([]*model.Workspace, error) {
	query := s.rebind(`SELECT ` + workspaceColumns + ` FROM workspaces WHERE node_id = $1 ORDER BY created_at ASC`)
	return s.queryWorkspaces(ctx, query, nodeID)
}

// ListActiveWorkspacesByNode 列出节点上的活跃工作空间（容量计算用）
func (s *Store) ListActiveWorkspacesByNode(ctx context.Context, nodeID string) ([]*model.Workspace, error) {
	query := s.rebind(`SELECT ` + workspaceColumns + ` FROM workspaces
		WHERE node_id = $1 AND status IN ($2, $3, $4) ORDER BY created_at ASC`)
	args := append([]interface{}{nodeID}, activeWorkspaceStatuses...)
	return s.queryWorkspaces(ctx, query, args...)
}

// CountActiveWorkspacesByUser 统计用户的活跃工作空间数（配额校验用）
func (s *Store) CountActiveWorkspacesByUser(ctx context.Context, userID string) (int, error) {
	query := s.rebind(`SELECT COUNT(*) FROM workspaces WHERE user_id = $1 AND status IN ($2, $3, $4)`)
	args := append([]interface{}{userID}, activeWorkspaceStatuses...)
	var count int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// TouchWorkspace 心跳触达（仅刷新 updated_at）
func (s *Store) TouchWorkspace(ctx context.Context, id string) error {
	query := s.rebind(`UPDATE workspaces SET updated_at = ` + s.now() + ` WHERE id = $1`)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

func (s *Store) queryWorkspaces(ctx context.Context, query string, args ...interface{}) ([]*model.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workspaces []*model.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}
