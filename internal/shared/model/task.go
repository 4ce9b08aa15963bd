// Package model 定义核心数据模型
//
// task.go 包含任务相关的数据模型定义：
//   - Task：一次编码任务（用户自然语言描述 → 远程 Agent 执行）
//   - TaskStatus：任务状态枚举与合法状态迁移表
//   - ExecutionStep：编排执行步骤面包屑（崩溃恢复用）
package model

import (
	"fmt"
	"time"
)

// ============================================================================
// TaskStatus - 任务状态
// ============================================================================

// TaskStatus 表示任务的整体状态
//
// 任务生命周期：
//
//	draft → ready → queued → delegated → in_progress → completed
//	                  ↓          ↓            ↓
//	                failed ←────────────────────
//	                  ↓
//	                ready（重试）
//
// 状态说明：
//   - draft：草稿，用户尚未确认执行
//   - ready：已就绪，等待用户触发或依赖解除
//   - queued：已入队，编排驱动已接手但尚未委派到节点
//   - delegated：已委派，远程节点上的工作空间创建请求已受理
//   - in_progress：执行中，Agent 会话已启动
//   - completed：已完成（终态，不可再迁移）
//   - failed：已失败，可回到 ready 重试
//   - cancelled：已取消，可回到 ready 重新开始
type TaskStatus string

const (
	// TaskStatusDraft 草稿：任务已创建，尚未确认
	TaskStatusDraft TaskStatus = "draft"

	// TaskStatusReady 就绪：可以被触发执行
	TaskStatusReady TaskStatus = "ready"

	// TaskStatusQueued 已入队：编排驱动已接手
	TaskStatusQueued TaskStatus = "queued"

	// TaskStatusDelegated 已委派：远程工作空间创建已受理
	TaskStatusDelegated TaskStatus = "delegated"

	// TaskStatusInProgress 执行中：Agent 会话已启动
	TaskStatusInProgress TaskStatus = "in_progress"

	// TaskStatusCompleted 已完成：任务目标已达成（终态）
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed 已失败：执行失败，可重试
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled 已取消：用户主动取消
	TaskStatusCancelled TaskStatus = "cancelled"
)

// taskTransitions 合法状态迁移表
//
// 同状态迁移（from == to）始终允许，用于幂等重放；表中未列出的迁移一律拒绝。
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusDraft:      {TaskStatusReady, TaskStatusCancelled},
	TaskStatusReady:      {TaskStatusQueued, TaskStatusDelegated, TaskStatusCancelled},
	TaskStatusQueued:     {TaskStatusDelegated, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusDelegated:  {TaskStatusInProgress, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusInProgress: {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusCompleted:  {},
	TaskStatusFailed:     {TaskStatusReady, TaskStatusCancelled},
	TaskStatusCancelled:  {TaskStatusReady},
}

// CanTransition 判断状态迁移是否合法
//
// 同状态迁移始终允许（幂等重放）；其余以迁移表为准。
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions 返回某状态的全部合法目标状态（用于 INVALID_TRANSITION 诊断）
func AllowedTransitions(from TaskStatus) []TaskStatus {
	allowed := taskTransitions[from]
	out := make([]TaskStatus, len(allowed))
	copy(out, allowed)
	return out
}

// IsTerminalStatus 判断是否为终止状态
func IsTerminalStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsExecutableStatus 判断是否为执行态（编排驱动持有中）
func IsExecutableStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusQueued, TaskStatusDelegated, TaskStatusInProgress:
		return true
	default:
		return false
	}
}

// ============================================================================
// ExecutionStep - 执行步骤面包屑
// ============================================================================

// ExecutionStep 编排驱动的执行步骤面包屑
//
// ExecutionStep 不是状态，而是驱动推进到哪一步的记录：
// 每次产生外部可见副作用之前先持久化步骤，崩溃后可据此恢复或诊断。
// 步骤只能前进或原地重试，不能后退。
type ExecutionStep string

const (
	// StepNodeSelection 节点选择：挑选现有节点或决定新建
	StepNodeSelection ExecutionStep = "node_selection"

	// StepNodeProvisioning 节点创建：调用云服务商创建 VM
	StepNodeProvisioning ExecutionStep = "node_provisioning"

	// StepNodeAgentReady 节点 Agent 就绪：轮询远程 Agent 健康检查
	StepNodeAgentReady ExecutionStep = "node_agent_ready"

	// StepWorkspaceCreation 工作空间创建：远程创建请求已发出
	StepWorkspaceCreation ExecutionStep = "workspace_creation"

	// StepWorkspaceReady 工作空间就绪：等待节点回调确认
	StepWorkspaceReady ExecutionStep = "workspace_ready"

	// StepAgentSession Agent 会话：在工作空间内启动会话
	StepAgentSession ExecutionStep = "agent_session"

	// StepRunning 运行中：任务已交由 Agent 执行
	StepRunning ExecutionStep = "running"
)

// stepOrdinals 执行步骤顺序表
var stepOrdinals = map[ExecutionStep]int{
	StepNodeSelection:     0,
	StepNodeProvisioning:  1,
	StepNodeAgentReady:    2,
	StepWorkspaceCreation: 3,
	StepWorkspaceReady:    4,
	StepAgentSession:      5,
	StepRunning:           6,
}

// StepOrdinal 返回执行步骤的序号，未知步骤返回 -1
func StepOrdinal(s ExecutionStep) int {
	if ord, ok := stepOrdinals[s]; ok {
		return ord
	}
	return -1
}

// CanProgressExecutionStep 判断步骤推进是否合法
//
// from 为 nil 表示尚未记录步骤，任何步骤均可写入；
// 同步骤写入允许（幂等重试）；后退（ordinal 减小）拒绝。
func CanProgressExecutionStep(from *ExecutionStep, to ExecutionStep) bool {
	if _, ok := stepOrdinals[to]; !ok {
		return false
	}
	if from == nil {
		return true
	}
	fromOrd, ok := stepOrdinals[*from]
	if !ok {
		return true
	}
	return stepOrdinals[to] >= fromOrd
}

// ============================================================================
// Task - 任务
// ============================================================================

// Task 表示一次编码任务
//
// 字段说明：
//   - ExecutionStep：仅在 queued/delegated/in_progress 期间非空，终态时清空
//   - WorkspaceID：委派后绑定的工作空间
//   - AutoProvisionedNodeID：若为本任务专门创建了节点则记录其 ID（清理时判断归还）
//   - OutputBranch/OutputPrURL：执行产物（分支名、PR 链接）
type Task struct {
	ID          string     `json:"id" db:"id"`
	ProjectID   string     `json:"project_id" db:"project_id"`
	UserID      string     `json:"user_id" db:"user_id"`
	Title       string     `json:"title" db:"title"`
	Description string     `json:"description,omitempty" db:"description"`
	Status      TaskStatus `json:"status" db:"status"`

	// ExecutionStep 编排面包屑（可空）
	ExecutionStep *ExecutionStep `json:"execution_step,omitempty" db:"execution_step"`

	// WorkspaceID 委派后绑定的工作空间（可空）
	WorkspaceID *string `json:"workspace_id,omitempty" db:"workspace_id"`

	// AutoProvisionedNodeID 专为本任务创建的节点（可空）
	AutoProvisionedNodeID *string `json:"auto_provisioned_node_id,omitempty" db:"auto_provisioned_node_id"`

	// 执行产物
	OutputBranch *string `json:"output_branch,omitempty" db:"output_branch"`
	OutputPrURL  *string `json:"output_pr_url,omitempty" db:"output_pr_url"`

	// ErrorMessage 最近一次失败原因
	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`

	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal 判断任务是否处于终止状态
func (t *Task) IsTerminal() bool {
	return IsTerminalStatus(t.Status)
}

// IsExecutable 判断任务是否处于执行态
func (t *Task) IsExecutable() bool {
	return IsExecutableStatus(t.Status)
}

// InvalidTransitionError 非法状态迁移错误
//
// 携带允许的目标状态集合，便于调用方诊断。
type InvalidTransitionError struct {
	From    TaskStatus
	To      TaskStatus
	Allowed []TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s (allowed: %v)", e.From, e.To, e.Allowed)
}

// ValidateTransition 校验状态迁移，非法时返回 InvalidTransitionError
func ValidateTransition(from, to TaskStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return &InvalidTransitionError{From: from, To: to, Allowed: AllowedTransitions(from)}
}
