// Package model 定义核心数据模型
//
// event.go 包含任务状态审计日志的数据模型定义：
//   - TaskStatusEvent：每次状态迁移一条，只追加不修改
//   - ActorType：触发迁移的主体类型
package model

import "time"

// ============================================================================
// ActorType - 迁移主体
// ============================================================================

// ActorType 表示触发状态迁移的主体类型
type ActorType string

const (
	// ActorTypeUser 用户操作
	ActorTypeUser ActorType = "user"

	// ActorTypeSystem 系统（编排驱动、恢复扫描）
	ActorTypeSystem ActorType = "system"

	// ActorTypeWorkspaceCallback 工作空间回调（远程机器经令牌认证）
	ActorTypeWorkspaceCallback ActorType = "workspace_callback"
)

// ============================================================================
// TaskStatusEvent - 状态迁移审计
// ============================================================================

// TaskStatusEvent 任务状态迁移审计记录
//
// 只追加（append-only）：写入后不修改、不删除，按创建时间排序构成完整迁移史。
type TaskStatusEvent struct {
	ID         string     `json:"id" db:"id"`
	TaskID     string     `json:"task_id" db:"task_id"`
	FromStatus TaskStatus `json:"from_status" db:"from_status"`
	ToStatus   TaskStatus `json:"to_status" db:"to_status"`
	ActorType  ActorType  `json:"actor_type" db:"actor_type"`
	ActorID    string     `json:"actor_id,omitempty" db:"actor_id"`
	Reason     string     `json:"reason,omitempty" db:"reason"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}
