// Package model 定义核心数据模型
//
// workspace.go 包含工作空间与 Agent 会话的数据模型定义：
//   - Workspace：节点上的隔离代码检出 + Agent 运行时
//   - AgentSession：工作空间内的一个 Agent 实例
package model

import "time"

// ============================================================================
// WorkspaceStatus - 工作空间状态
// ============================================================================

// WorkspaceStatus 表示工作空间的状态
//
// 生命周期：
//
//	creating → running ⇄ recovery
//	    ↓         ↓
//	  error    stopping → stopped
//
// 状态说明：
//   - creating：控制面已登记，等待节点回调确认
//   - running：工作空间可用，Agent 可在其中执行
//   - recovery：节点重启后恢复中，仍视为活跃
//   - stopping：停止请求已发出
//   - stopped：已停止
//   - error：创建或运行失败
type WorkspaceStatus string

const (
	// WorkspaceStatusCreating 创建中：等待节点回调
	WorkspaceStatusCreating WorkspaceStatus = "creating"

	// WorkspaceStatusRunning 运行中
	WorkspaceStatusRunning WorkspaceStatus = "running"

	// WorkspaceStatusRecovery 恢复中：节点重启后自愈，仍计为活跃
	WorkspaceStatusRecovery WorkspaceStatus = "recovery"

	// WorkspaceStatusStopping 停止中
	WorkspaceStatusStopping WorkspaceStatus = "stopping"

	// WorkspaceStatusStopped 已停止
	WorkspaceStatusStopped WorkspaceStatus = "stopped"

	// WorkspaceStatusError 错误
	WorkspaceStatusError WorkspaceStatus = "error"
)

// IsActiveWorkspaceStatus 判断工作空间是否计为活跃（占用节点容量）
func IsActiveWorkspaceStatus(s WorkspaceStatus) bool {
	switch s {
	case WorkspaceStatusCreating, WorkspaceStatusRunning, WorkspaceStatusRecovery:
		return true
	default:
		return false
	}
}

// ============================================================================
// Workspace - 工作空间
// ============================================================================

// Workspace 表示一个隔离的代码检出 + Agent 运行时
//
// Workspace 归属于唯一的 Node（计算生命周期），但可独立删除。
type Workspace struct {
	ID         string          `json:"id" db:"id"`
	NodeID     string          `json:"node_id" db:"node_id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Name       string          `json:"name" db:"name"`
	Repository string          `json:"repository" db:"repository"`
	Branch     string          `json:"branch,omitempty" db:"branch"`
	Status     WorkspaceStatus `json:"status" db:"status"`

	// IdleTimeoutSeconds 空闲超时（由节点侧执行）
	IdleTimeoutSeconds int `json:"idle_timeout_seconds" db:"idle_timeout_seconds"`

	// ChatSessionID 关联的会话（聊天持久化属外部协作方）
	ChatSessionID *string `json:"chat_session_id,omitempty" db:"chat_session_id"`

	// ErrorMessage 失败原因（status=error 时填充）
	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsActive 判断工作空间是否计为活跃
func (w *Workspace) IsActive() bool {
	return IsActiveWorkspaceStatus(w.Status)
}

// ============================================================================
// AgentSession - Agent 会话
// ============================================================================

// AgentSessionStatus 表示 Agent 会话的状态
type AgentSessionStatus string

const (
	// AgentSessionStatusRunning 运行中
	AgentSessionStatusRunning AgentSessionStatus = "running"

	// AgentSessionStatusStopped 已停止
	AgentSessionStatusStopped AgentSessionStatus = "stopped"

	// AgentSessionStatusError 错误
	AgentSessionStatusError AgentSessionStatus = "error"
)

// AgentSession 表示工作空间内的一个运行中的编码 Agent 实例
//
// 一个工作空间允许多个会话，数量上限由配置约束。
type AgentSession struct {
	ID          string             `json:"id" db:"id"`
	WorkspaceID string             `json:"workspace_id" db:"workspace_id"`
	Status      AgentSessionStatus `json:"status" db:"status"`
	Label       string             `json:"label,omitempty" db:"label"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at" db:"updated_at"`
}
