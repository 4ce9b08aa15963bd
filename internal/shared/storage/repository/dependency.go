// Package repository TaskDependency 相关的存储操作
package repository

import (
	"context"

	"agent-fleet/internal/shared/model"
	"agent-fleet/internal/shared/storage"
)

// CreateTaskDependency 插入依赖边（环检测由 depgraph 在插入前完成）
func (s *Store) CreateTaskDependency(ctx context.Context, dep *model.TaskDependency) error {
	query := s.rebind(`
		INSERT INTO task_dependencies (task_id, depends_on_task_id, project_id, created_at)
		VALUES ($1, $2, $3, $4)
	`)
	_, err := s.db.ExecContext(ctx, query,
		dep.TaskID, dep.DependsOnTaskID, dep.ProjectID, dep.CreatedAt)
	return err
}

// DeleteTaskDependency 删除依赖边
func (s *Store) DeleteTaskDependency(ctx context.Context, taskID, dependsOnTaskID string) error {
	query := s.rebind(`DELETE FROM task_dependencies WHERE task_id = $1 AND depends_on_task_id = $2`)
	res, err := s.db.ExecContext(ctx, query, taskID, dependsOnTaskID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListProjectDependencies 列出项目内的全部依赖边
func (s *Store) ListProjectDependencies(ctx context.Context, projectID string) ([]*model.TaskDependency, error) {
	query := s.rebind(`SELECT task_id, depends_on_task_id, project_id, created_at
		FROM task_dependencies WHERE project_id = $1 ORDER BY created_at ASC`)
	return s.queryDependencies(ctx, query, projectID)
}

// ListTaskDependencies 列出任务的出边（它依赖谁）
func (s *Store) ListTaskDependencies(ctx context.Context, taskID string) ([]*model.TaskDependency, error) {
	query := s.rebind(`SELECT task_id, depends_on_task_id, project_id, created_at
		FROM task_dependencies WHERE task_id = $1 ORDER BY created_at ASC`)
	return s.queryDependencies(ctx, query, taskID)
}

func (s *Store) queryDependencies(ctx context.Context, query string, args ...interface{}) ([]*model.TaskDependency, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deps []*model.TaskDependency
	for rows.Next() {
		dep := &model.TaskDependency{}
		if err := rows.Scan(&dep.TaskID, &dep.DependsOnTaskID, &dep.ProjectID, &dep.CreatedAt); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}
