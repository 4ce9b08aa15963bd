// Package orchestrator 失败处理、清理与恢复
//
// 清理例程可能被回调处理、失败路径、恢复扫描各调用一次，
// 所有操作都按"已是目标状态则跳过"的方式写，保证幂等。
package orchestrator

import (
	"context"
	"log"
	"time"

	"agent-fleet/internal/shared/model"
)

// FailTask 将任务标记为失败并触发清理
//
// 可从任何地方调用（驱动失败路径、恢复扫描、回调）：
// 任务已处于终态时状态不变，仍执行一轮清理以收敛资源。
func (d *Driver) FailTask(ctx context.Context, taskID string, cause error) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		log.Printf("[orchestrator.fail_error] task=%s err=%v", taskID, err)
		return
	}

	if !task.IsTerminal() {
		msg := cause.Error()
		if model.CanTransition(task.Status, model.TaskStatusFailed) {
			hit, err := d.store.TransitionTask(ctx, taskID, task.Status, model.TaskStatusFailed, &msg)
			if err != nil {
				log.Printf("[orchestrator.fail_error] task=%s err=%v", taskID, err)
			} else if hit {
				d.appendEvent(ctx, taskID, task.Status, model.TaskStatusFailed, model.ActorTypeSystem, "", msg)
				d.metrics.TaskFinished(string(model.TaskStatusFailed), taskRunDuration(task))
				log.Printf("[orchestrator.failed] task=%s code=%s", taskID, CodeOf(cause))
			}
		} else {
			log.Printf("[orchestrator.fail_skip] task=%s status=%s", taskID, task.Status)
		}
	}

	if err := d.CleanupTaskRun(ctx, taskID); err != nil {
		log.Printf("[orchestrator.cleanup_error] task=%s err=%v", taskID, err)
	}
}

// CleanupTaskRun 清理任务占用的执行资源
//
// 任务到达终态后由状态回调或恢复扫描触发。幂等：工作空间已停止、
// 节点已释放时各步骤都是空操作，重复调用不产生额外远程请求。
// FinalizeUserTransition 用户侧状态迁移后的编排记账
//
// 迁移本身已由调用方落库。到达终态时补记指标并执行幂等清理；
// 指标只对已进入执行的任务计数，draft/ready 直接取消不计。
func (d *Driver) FinalizeUserTransition(ctx context.Context, taskID string, from, to model.TaskStatus) error {
	if !model.IsTerminalStatus(to) {
		return nil
	}
	if model.IsExecutableStatus(from) {
		task, err := d.store.GetTask(ctx, taskID)
		if err == nil && task != nil {
			d.metrics.TaskFinished(string(to), taskRunDuration(task))
		}
	}
	return d.CleanupTaskRun(ctx, taskID)
}

func (d *Driver) CleanupTaskRun(ctx context.Context, taskID string) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return Errorf(CodeNotFound, "task %s not found", taskID)
	}

	outcome := "clean"

	if task.WorkspaceID != nil {
		if ok := d.stopWorkspace(ctx, *task.WorkspaceID); !ok {
			outcome = "partial"
		}
	}

	// 专为本任务创建的节点交还温池，空闲超时后回收
	if task.AutoProvisionedNodeID != nil {
		if err := d.pool.Release(ctx, *task.AutoProvisionedNodeID); err != nil {
			log.Printf("[orchestrator.cleanup_error] task=%s node=%s err=%v", taskID, *task.AutoProvisionedNodeID, err)
			outcome = "partial"
		}
	}

	d.metrics.CleanupRun(outcome)
	log.Printf("[orchestrator.cleanup] task=%s outcome=%s", taskID, outcome)
	return nil
}

// stopWorkspace 尽力停止工作空间，返回是否干净完成
func (d *Driver) stopWorkspace(ctx context.Context, workspaceID string) bool {
	ws, err := d.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		log.Printf("[orchestrator.cleanup_error] workspace=%s err=%v", workspaceID, err)
		return false
	}
	if ws == nil || !ws.IsActive() {
		return true
	}

	clean := true
	node, err := d.store.GetNode(ctx, ws.NodeID)
	if err != nil {
		log.Printf("[orchestrator.cleanup_error] workspace=%s err=%v", workspaceID, err)
		clean = false
	}
	if node != nil && node.IsRunning() {
		if err := d.agents(node).StopWorkspace(ctx, workspaceID); err != nil {
			// 远程停止失败不阻塞本地收敛，节点侧有空闲超时兜底
			log.Printf("[orchestrator.cleanup_remote_error] workspace=%s node=%s err=%v", workspaceID, node.ID, err)
			clean = false
		}
	}

	if err := d.store.UpdateWorkspaceStatus(ctx, workspaceID, model.WorkspaceStatusStopped, nil); err != nil {
		log.Printf("[orchestrator.cleanup_error] workspace=%s err=%v", workspaceID, err)
		return false
	}
	return clean
}

// ============================================================================
// 回调入口
// ============================================================================

// StatusCallback 工作空间回调携带的状态更新
type StatusCallback struct {
	// ToStatus 目标任务状态（为空表示仅更新产物或步骤）
	ToStatus model.TaskStatus

	// Step 远程侧报告的执行步骤（可选）
	Step *model.ExecutionStep

	// 执行产物（可选，nil 保留现值）
	OutputBranch *string
	OutputPrURL  *string

	// ActorID 回调主体（工作空间 ID），Reason 迁移原因
	ActorID string
	Reason  string
}

// ApplyStatusCallback 应用远程工作空间上报的任务状态更新
//
// 迁移合法性以状态机为准，非法迁移拒绝并返回 INVALID_STATUS；
// 条件更新未命中视为并发竞争，静默接受（重放回调的幂等路径）。
func (d *Driver) ApplyStatusCallback(ctx context.Context, taskID string, cb StatusCallback) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return Errorf(CodeNotFound, "task %s not found", taskID)
	}

	if cb.Step != nil {
		d.writeStep(ctx, taskID, *cb.Step)
	}

	if cb.OutputBranch != nil || cb.OutputPrURL != nil {
		if err := d.store.SetTaskOutput(ctx, taskID, cb.OutputBranch, cb.OutputPrURL); err != nil {
			return err
		}
	}

	if cb.ToStatus == "" || cb.ToStatus == task.Status {
		return nil
	}

	if err := model.ValidateTransition(task.Status, cb.ToStatus); err != nil {
		return WrapError(CodeInvalidStatus, err, "callback rejected for task %s", taskID)
	}

	var errMsg *string
	if cb.ToStatus == model.TaskStatusFailed && cb.Reason != "" {
		errMsg = &cb.Reason
	}
	hit, err := d.store.TransitionTask(ctx, taskID, task.Status, cb.ToStatus, errMsg)
	if err != nil {
		return err
	}
	if !hit {
		log.Printf("[orchestrator.callback_race] task=%s to=%s", taskID, cb.ToStatus)
		return nil
	}
	d.appendEvent(ctx, taskID, task.Status, cb.ToStatus, model.ActorTypeWorkspaceCallback, cb.ActorID, cb.Reason)
	log.Printf("[orchestrator.callback] task=%s from=%s to=%s actor=%s", taskID, task.Status, cb.ToStatus, cb.ActorID)

	if model.IsTerminalStatus(cb.ToStatus) {
		d.metrics.TaskFinished(string(cb.ToStatus), taskRunDuration(task))
		if err := d.CleanupTaskRun(ctx, taskID); err != nil {
			log.Printf("[orchestrator.cleanup_error] task=%s err=%v", taskID, err)
		}
	}
	return nil
}

// AdvanceWorkspaceReady 应用节点回调上报的工作空间状态
//
// 驱动的 workspace_ready 轮询只读数据库行，这里把远程上报落库即可解除等待。
func (d *Driver) AdvanceWorkspaceReady(ctx context.Context, workspaceID string, status model.WorkspaceStatus, errorMessage *string) error {
	ws, err := d.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if ws == nil {
		return Errorf(CodeNotFound, "workspace %s not found", workspaceID)
	}
	if err := d.store.UpdateWorkspaceStatus(ctx, workspaceID, status, errorMessage); err != nil {
		return err
	}
	log.Printf("[orchestrator.workspace_status] workspace=%s from=%s to=%s", workspaceID, ws.Status, status)
	return nil
}

// ============================================================================
// 恢复扫描
// ============================================================================

// RecoverStuckTasks 恢复扫描：将执行态停留超过阈值的任务标记失败并清理
//
// 由外部调度器周期调用。返回处理的任务数。
func (d *Driver) RecoverStuckTasks(ctx context.Context, threshold time.Duration) (int, error) {
	stale, err := d.store.ListStaleExecutingTasks(ctx, threshold)
	if err != nil {
		return 0, err
	}
	for _, task := range stale {
		log.Printf("[orchestrator.recover] task=%s status=%s updated_at=%s", task.ID, task.Status, task.UpdatedAt.Format(time.RFC3339))
		d.FailTask(ctx, task.ID, Errorf(CodeExecutionFailed, "task stuck in %s beyond recovery threshold %s", task.Status, threshold))
	}
	return len(stale), nil
}

// taskRunDuration 任务执行时长（未记录开始时间时从创建时间算起）
func taskRunDuration(task *model.Task) time.Duration {
	start := task.CreatedAt
	if task.StartedAt != nil {
		start = *task.StartedAt
	}
	return time.Since(start)
}
