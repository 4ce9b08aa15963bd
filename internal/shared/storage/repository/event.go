// Package repository TaskStatusEvent 相关的存储操作（只追加）
package repository

import (
	"context"
	"database/sql"

	"agent-fleet/internal/shared/model"
)

// AppendTaskStatusEvent 追加状态迁移审计记录
func (s *Store) AppendTaskStatusEvent(ctx context.Context, event *model.TaskStatusEvent) error {
	query := s.rebind(`
		INSERT INTO task_status_events (id, task_id, from_status, to_status, actor_type, actor_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.TaskID, event.FromStatus, event.ToStatus,
		event.ActorType, event.ActorID, event.Reason, event.CreatedAt)
	return err
}

// ListTaskStatusEvents 按创建时间列出任务的迁移史
func (s *Store) ListTaskStatusEvents(ctx context.Context, taskID string) ([]*model.TaskStatusEvent, error) {
	query := s.rebind(`SELECT id, task_id, from_status, to_status, actor_type, actor_id, reason, created_at
		FROM task_status_events WHERE task_id = $1 ORDER BY created_at ASC`)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.TaskStatusEvent
	for rows.Next() {
		event := &model.TaskStatusEvent{}
		var fromStatus, actorID, reason sql.NullString
		if err := rows.Scan(&event.ID, &event.TaskID, &fromStatus, &event.ToStatus,
			&event.ActorType, &actorID, &reason, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.FromStatus = model.TaskStatus(fromStatus.String)
		event.ActorID = actorID.String
		event.Reason = reason.String
		events = append(events, event)
	}
	return events, rows.Err()
}
