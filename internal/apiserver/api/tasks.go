// Package api 任务相关接口
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"agent-fleet/internal/apiserver/depgraph"
	"agent-fleet/internal/apiserver/orchestrator"
	"agent-fleet/internal/shared/model"
	"agent-fleet/internal/shared/storage"
)

// ============================================================================
// 创建与查询
// ============================================================================

// createTaskRequest 创建任务的请求体
type createTaskRequest struct {
	ProjectID   string `json:"project_id"`
	UserID      string `json:"user_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// CreateTask 创建任务
//
// 路由: POST /api/v1/tasks
//
// 新任务始终处于 draft 状态，需经 confirm 进入 ready。
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProjectID == "" || req.UserID == "" || strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "project_id, user_id and title are required")
		return
	}

	now := time.Now()
	task := &model.Task{
		ID:          generateID("task"),
		ProjectID:   req.ProjectID,
		UserID:      req.UserID,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Status:      model.TaskStatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.CreateTask(r.Context(), task); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[api.task_create] task=%s project=%s user=%s", task.ID, task.ProjectID, task.UserID)
	writeJSON(w, http.StatusCreated, task)
}

// GetTask 获取任务详情
//
// 路由: GET /api/v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// taskWithBlocked 任务列表条目，附带阻塞标记
type taskWithBlocked struct {
	*model.Task
	Blocked bool `json:"blocked"`
}

// ListProjectTasks 列出项目内全部任务
//
// 路由: GET /api/v1/projects/{id}/tasks
//
// 响应附带 blocked 标记：任务存在未完成的依赖时为 true。
func (h *Handler) ListProjectTasks(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	ctx := r.Context()

	tasks, err := h.store.ListTasksByProject(ctx, projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	deps, err := h.store.ListProjectDependencies(ctx, projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	blocked := depgraph.Build(deps).BlockedSet(tasks)
	out := make([]taskWithBlocked, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskWithBlocked{Task: t, Blocked: blocked[t.ID]})
	}
	writeJSON(w, http.StatusOK, out)
}

// ListTaskEvents 获取任务的状态迁移审计日志
//
// 路由: GET /api/v1/tasks/{id}/events
func (h *Handler) ListTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	task, err := h.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	events, err := h.store.ListTaskStatusEvents(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// ============================================================================
// 用户触发的状态迁移
// ============================================================================

// transitionRequest 用户状态迁移的请求体
type transitionRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

// ConfirmTask 确认任务（draft → ready）
//
// 路由: POST /api/v1/tasks/{id}/confirm
func (h *Handler) ConfirmTask(w http.ResponseWriter, r *http.Request) {
	h.userTransition(w, r, model.TaskStatusReady, func(from model.TaskStatus) bool {
		return from == model.TaskStatusDraft
	})
}

// CancelTask 取消任务
//
// 路由: POST /api/v1/tasks/{id}/cancel
//
// 执行中的任务取消后，后台驱动续体在下一次条件更新处让步；
// 本接口同步触发资源清理。
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	h.userTransition(w, r, model.TaskStatusCancelled, nil)
}

// RetryTask 重试任务（failed / cancelled → ready）
//
// 路由: POST /api/v1/tasks/{id}/retry
func (h *Handler) RetryTask(w http.ResponseWriter, r *http.Request) {
	h.userTransition(w, r, model.TaskStatusReady, func(from model.TaskStatus) bool {
		return from == model.TaskStatusFailed || from == model.TaskStatusCancelled
	})
}

// userTransition 用户触发状态迁移的公共路径
//
// allowFrom 为 nil 时只按状态机校验；迁移到终态时同步清理执行资源。
func (h *Handler) userTransition(w http.ResponseWriter, r *http.Request, to model.TaskStatus, allowFrom func(model.TaskStatus) bool) {
	taskID := r.PathValue("id")
	ctx := r.Context()

	var req transitionRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	task, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if task.Status == to {
		// 幂等重放：已处于目标状态
		writeJSON(w, http.StatusOK, task)
		return
	}
	if allowFrom != nil && !allowFrom(task.Status) {
		writeError(w, http.StatusConflict, (&model.InvalidTransitionError{
			From: task.Status, To: to, Allowed: model.AllowedTransitions(task.Status),
		}).Error())
		return
	}
	if err := model.ValidateTransition(task.Status, to); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	hit, err := h.store.TransitionTask(ctx, taskID, task.Status, to, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !hit {
		writeError(w, http.StatusConflict, "task status changed concurrently")
		return
	}

	event := &model.TaskStatusEvent{
		ID:         generateID("evt"),
		TaskID:     taskID,
		FromStatus: task.Status,
		ToStatus:   to,
		ActorType:  model.ActorTypeUser,
		ActorID:    req.ActorID,
		Reason:     req.Reason,
		CreatedAt:  time.Now(),
	}
	if err := h.store.AppendTaskStatusEvent(ctx, event); err != nil {
		log.Printf("[api.audit_error] task=%s err=%v", taskID, err)
	}
	log.Printf("[api.task_transition] task=%s from=%s to=%s actor=%s", taskID, task.Status, to, req.ActorID)

	if err := h.driver.FinalizeUserTransition(ctx, taskID, task.Status, to); err != nil {
		log.Printf("[api.cleanup_error] task=%s err=%v", taskID, err)
	}

	updated, err := h.store.GetTask(ctx, taskID)
	if err != nil || updated == nil {
		writeError(w, http.StatusInternalServerError, "task reload failed")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ============================================================================
// 启动
// ============================================================================

// startTaskRequest 启动任务的请求体
type startTaskRequest struct {
	NodeID     string `json:"node_id"`
	VMSize     string `json:"vm_size"`
	VMLocation string `json:"vm_location"`
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
	ActorID    string `json:"actor_id"`
}

// StartTask 启动任务
//
// 路由: POST /api/v1/tasks/{id}/start
//
// 受理即返回 202：任务落 queued 后由后台驱动推进，
// 进度经 GET /api/v1/tasks/{id} 查询。
func (h *Handler) StartTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	var req startTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.driver.StartTask(r.Context(), taskID, orchestrator.StartOptions{
		NodeID:     req.NodeID,
		VMSize:     req.VMSize,
		VMLocation: req.VMLocation,
		Repository: req.Repository,
		Branch:     req.Branch,
		ActorID:    req.ActorID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"status":  string(model.TaskStatusQueued),
	})
}

// ============================================================================
// 依赖管理
// ============================================================================

// addDependencyRequest 添加依赖的请求体
type addDependencyRequest struct {
	DependsOnTaskID string `json:"depends_on_task_id"`
}

// AddTaskDependency 添加任务依赖
//
// 路由: POST /api/v1/tasks/{id}/dependencies
//
// 两个任务必须属于同一项目；会使依赖图成环的边拒绝插入。
func (h *Handler) AddTaskDependency(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	ctx := r.Context()

	var req addDependencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DependsOnTaskID == "" {
		writeError(w, http.StatusBadRequest, "depends_on_task_id is required")
		return
	}

	task, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	upstream, err := h.store.GetTask(ctx, req.DependsOnTaskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil || upstream == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if task.ProjectID != upstream.ProjectID {
		writeError(w, http.StatusBadRequest, "tasks belong to different projects")
		return
	}

	deps, err := h.store.ListProjectDependencies(ctx, task.ProjectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	graph := depgraph.Build(deps)
	if graph.HasEdge(taskID, req.DependsOnTaskID) {
		writeError(w, http.StatusConflict, "dependency already exists")
		return
	}
	if graph.WouldCreateCycle(taskID, req.DependsOnTaskID) {
		writeError(w, http.StatusConflict, "dependency would create a cycle")
		return
	}

	dep := &model.TaskDependency{
		TaskID:          taskID,
		DependsOnTaskID: req.DependsOnTaskID,
		ProjectID:       task.ProjectID,
		CreatedAt:       time.Now(),
	}
	if err := h.store.CreateTaskDependency(ctx, dep); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, http.StatusConflict, "dependency already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[api.dependency_add] task=%s depends_on=%s", taskID, req.DependsOnTaskID)
	writeJSON(w, http.StatusCreated, dep)
}

// RemoveTaskDependency 删除任务依赖
//
// 路由: DELETE /api/v1/tasks/{id}/dependencies/{dep}
func (h *Handler) RemoveTaskDependency(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	dependsOn := r.PathValue("dep")

	if err := h.store.DeleteTaskDependency(r.Context(), taskID, dependsOn); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "dependency not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[api.dependency_remove] task=%s depends_on=%s", taskID, dependsOn)
	w.WriteHeader(http.StatusNoContent)
}
