// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在子包中：repository/（SQL，经 dbutil 方言抽象）
//   - 初始化时通过依赖注入传入实现
//
// 并发约定：所有"条件更新"方法（名称含 If/Transition/Claim/MarkIdle）以
// 乐观锁方式实现（UPDATE ... WHERE 现值 = 期望值），并返回是否命中。
// 未命中表示另一执行方已抢先迁移，调用方应静默让步而非报错。
package storage

import (
	"context"
	"encoding/json"
	"time"

	"agent-fleet/internal/shared/model"
)

// ============================================================================
// Task
// ============================================================================

// TaskStore 任务存储接口
type TaskStore interface {
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasksByProject(ctx context.Context, projectID string) ([]*model.Task, error)

	// TransitionTask 条件状态迁移：仅当当前状态等于 from 时写入 to，返回是否命中。
	// 终态迁移清空 execution_step 并落 completed_at；in_progress 落 started_at；
	// errorMessage 非 nil 时一并写入。
	TransitionTask(ctx context.Context, id string, from, to model.TaskStatus, errorMessage *string) (bool, error)

	// UpdateTaskExecutionStep 写入执行步骤面包屑（调用方负责只前进不后退）
	UpdateTaskExecutionStep(ctx context.Context, id string, step model.ExecutionStep) error

	// AttachTaskWorkspace 绑定委派的工作空间
	AttachTaskWorkspace(ctx context.Context, id, workspaceID string) error

	// SetTaskAutoProvisionedNode 记录专为本任务创建的节点
	SetTaskAutoProvisionedNode(ctx context.Context, id, nodeID string) error

	// SetTaskOutput 写入执行产物（分支名 / PR 链接）
	SetTaskOutput(ctx context.Context, id string, branch, prURL *string) error

	// ListStaleExecutingTasks 列出在执行态停留超过阈值的任务（恢复扫描用）
	ListStaleExecutingTasks(ctx context.Context, threshold time.Duration) ([]*model.Task, error)
}

// ============================================================================
// TaskStatusEvent
// ============================================================================

// EventStore 状态迁移审计存储接口（只追加）
type EventStore interface {
	AppendTaskStatusEvent(ctx context.Context, event *model.TaskStatusEvent) error
	ListTaskStatusEvents(ctx context.Context, taskID string) ([]*model.TaskStatusEvent, error)
}

// ============================================================================
// TaskDependency
// ============================================================================

// DependencyStore 任务依赖边存储接口
type DependencyStore interface {
	CreateTaskDependency(ctx context.Context, dep *model.TaskDependency) error
	DeleteTaskDependency(ctx context.Context, taskID, dependsOnTaskID string) error
	ListProjectDependencies(ctx context.Context, projectID string) ([]*model.TaskDependency, error)
	ListTaskDependencies(ctx context.Context, taskID string) ([]*model.TaskDependency, error)
}

// ============================================================================
// Node
// ============================================================================

// NodeStore 节点存储接口
type NodeStore interface {
	CreateNode(ctx context.Context, node *model.Node) error
	GetNode(ctx context.Context, id string) (*model.Node, error)
	ListNodesByUser(ctx context.Context, userID string, status model.NodeStatus) ([]*model.Node, error)
	CountNodesByUser(ctx context.Context, userID string) (int, error)
	UpdateNodeStatus(ctx context.Context, id string, status model.NodeStatus) error
	UpdateNodeIPAddress(ctx context.Context, id, ip string) error

	// RecordNodeHeartbeat 更新心跳时间与资源快照
	RecordNodeHeartbeat(ctx context.Context, id string, metrics json.RawMessage, at time.Time) error

	// MarkNodeActive 清除温池标记与认领（节点上有新工作空间启动时调用）
	MarkNodeActive(ctx context.Context, id string) error

	// MarkNodeIdle 设置温池标记（仅当尚未标记时生效，返回是否命中；
	// 重复标记不刷新 warm_since，避免重置回收计时）
	MarkNodeIdle(ctx context.Context, id string, at time.Time) (bool, error)

	// ClaimWarmNode 原子认领温节点：仅当 warm_since 非空且未被认领时生效
	ClaimWarmNode(ctx context.Context, id, taskID string) (bool, error)

	// ListWarmNodes 列出全部温池节点（进程重启后恢复回收计时用）
	ListWarmNodes(ctx context.Context) ([]*model.Node, error)
}

// ============================================================================
// Workspace / AgentSession
// ============================================================================

// WorkspaceStore 工作空间存储接口
type WorkspaceStore interface {
	CreateWorkspace(ctx context.Context, ws *model.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*model.Workspace, error)
	UpdateWorkspaceStatus(ctx context.Context, id string, status model.WorkspaceStatus, errorMessage *string) error
	ListWorkspacesByNode(ctx context.Context, nodeID string) ([]*model.Workspace, error)
	ListActiveWorkspacesByNode(ctx context.Context, nodeID string) ([]*model.Workspace, error)
	CountActiveWorkspacesByUser(ctx context.Context, userID string) (int, error)

	// TouchWorkspace 心跳触达（仅刷新 updated_at）
	TouchWorkspace(ctx context.Context, id string) error
}

// SessionStore Agent 会话存储接口
type SessionStore interface {
	CreateAgentSession(ctx context.Context, session *model.AgentSession) error
	GetAgentSession(ctx context.Context, id string) (*model.AgentSession, error)
	UpdateAgentSessionStatus(ctx context.Context, id string, status model.AgentSessionStatus) error
	ListSessionsByWorkspace(ctx context.Context, workspaceID string) ([]*model.AgentSession, error)
	CountActiveSessionsByWorkspace(ctx context.Context, workspaceID string) (int, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// PersistentStore 持久化存储组合接口
type PersistentStore interface {
	TaskStore
	EventStore
	DependencyStore
	NodeStore
	WorkspaceStore
	SessionStore
	Close() error
}
