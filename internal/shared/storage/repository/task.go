// Package repository Task 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"agent-fleet/internal/shared/model"
)

// taskColumns 任务表的查询列（与 scanTask 顺序一致）
const taskColumns = `id, project_id, user_id, title, description, status, execution_step,
	workspace_id, auto_provisioned_node_id, output_branch, output_pr_url, error_message,
	started_at, completed_at, created_at, updated_at`

// CreateTask 创建任务
func (s *Store) CreateTask(ctx context.Context, task *model.Task) error {
	query := s.rebind(`
		INSERT INTO tasks (id, project_id, user_id, title, description, status, execution_step,
			workspace_id, auto_provisioned_node_id, output_branch, output_pr_url, error_message,
			started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`)
	_, err := s.db.ExecContext(ctx, query,
		task.ID, task.ProjectID, task.UserID, task.Title, task.Description, task.Status,
		task.ExecutionStep, task.WorkspaceID, task.AutoProvisionedNodeID,
		task.OutputBranch, task.OutputPrURL, task.ErrorMessage,
		task.StartedAt, task.CompletedAt, task.CreatedAt, task.UpdatedAt)
	return err
}

// scanTask 辅助函数：从数据库行扫描 Task
func scanTask(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Task, error) {
	task := &model.Task{}
	err := scanner.Scan(
		&task.ID, &task.ProjectID, &task.UserID, &task.Title, &task.Description,
		&task.Status, &task.ExecutionStep,
		&task.WorkspaceID, &task.AutoProvisionedNodeID,
		&task.OutputBranch, &task.OutputPrURL, &task.ErrorMessage,
		&task.StartedAt, &task.CompletedAt, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask 获取任务（不存在时返回 nil, nil）
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`)
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasksByProject 列出项目下的任务
func (s *Store) ListTasksByProject(ctx context.Context, projectID string) ([]*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE project_id = $1 ORDER BY created_at ASC`)
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// TransitionTask 条件状态迁移（乐观锁）
//
// 仅当当前状态等于 from 时写入 to，返回是否命中。
// 未命中表示任务不存在或状态已被其他执行方迁移，调用方应静默让步。
func (s *Store) TransitionTask(ctx context.Context, id string, from, to model.TaskStatus, errorMessage *string) (bool, error) {
	set := []string{"status = $1", "updated_at = " + s.now()}
	args := []interface{}{to}
	idx := 2

	if errorMessage != nil {
		set = append(set, fmt.Sprintf("error_message = $%d", idx))
		args = append(args, *errorMessage)
		idx++
	}
	if to == model.TaskStatusInProgress {
		set = append(set, "started_at = COALESCE(started_at, "+s.now()+")")
	}
	if model.IsTerminalStatus(to) {
		set = append(set, "execution_step = NULL")
		if to == model.TaskStatusCompleted {
			set = append(set, "completed_at = COALESCE(completed_at, "+s.now()+")")
		}
	}

	query := s.rebind(fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $%d AND status = $%d`,
		strings.Join(set, ", "), idx, idx+1))
	args = append(args, id, from)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateTaskExecutionStep 写入执行步骤面包屑
func (s *Store) UpdateTaskExecutionStep(ctx context.Context, id string, step model.ExecutionStep) error {
	query := s.rebind(`UPDATE tasks SET execution_step = $1, updated_at = ` + s.now() + ` WHERE id = $2`)
	_, err := s.db.ExecContext(ctx, query, step, id)
	return err
}

// AttachTaskWorkspace 绑定委派的工作空间
func (s *Store) AttachTaskWorkspace(ctx context.Context, id, workspaceID string) error {
	query := s.rebind(`UPDATE tasks SET workspace_id = $1, updated_at = ` + s.now() + ` WHERE id = $2`)
	_, err := s.db.ExecContext(ctx, query, workspaceID, id)
	return err
}

// SetTaskAutoProvisionedNode 记录专为本任务创建的节点
func (s *Store) SetTaskAutoProvisionedNode(ctx context.Context, id, nodeID string) error {
	query := s.rebind(`UPDATE tasks SET auto_provisioned_node_id = $1, updated_at = ` + s.now() + ` WHERE id = $2`)
	_, err := s.db.ExecContext(ctx, query, nodeID, id)
	return err
}

// SetTaskOutput 写入执行产物（分支名 / PR 链接），nil 字段保持原值
func (s *Store) SetTaskOutput(ctx context.Context, id string, branch, prURL *string) error {
	set := []string{"updated_at = " + s.now()}
	args := []interface{}{}
	idx := 1

	if branch != nil {
		set = append(set, fmt.Sprintf("output_branch = $%d", idx))
		args = append(args, *branch)
		idx++
	}
	if prURL != nil {
		set = append(set, fmt.Sprintf("output_pr_url = $%d", idx))
		args = append(args, *prURL)
		idx++
	}

	query := s.rebind(fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $%d`, strings.Join(set, ", "), idx))
	args = append(args, id)
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// ListStaleExecutingTasks 列出在执行态停留超过阈值的任务（恢复扫描用）
func (s *Store) ListStaleExecutingTasks(ctx context.Context, threshold time.Duration) ([]*model.Task, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks
		WHERE status IN ($1, $2, $3) AND updated_at < $4
		ORDER BY updated_at ASC`)
	rows, err := s.db.QueryContext(ctx, query,
		model.TaskStatusQueued, model.TaskStatusDelegated, model.TaskStatusInProgress, s.timeArg(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
