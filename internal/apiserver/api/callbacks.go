// Package api 远程机器回调接口
//
// 回调来自不受控的远程 VM，一律经令牌认证：
//   - 节点回调携带节点管理令牌（sub 为节点 ID）
//   - 工作空间 / 任务状态回调携带回调令牌（sub 为工作空间 ID，
//     兼容旧部署时允许归属节点 ID 兜底）
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"agent-fleet/internal/apiserver/orchestrator"
	"agent-fleet/internal/apiserver/token"
	"agent-fleet/internal/shared/cache"
	"agent-fleet/internal/shared/model"
)

// ============================================================================
// 节点回调
// ============================================================================

// authNode 校验节点管理令牌且 sub 与路径中的节点一致
func (h *Handler) authNode(w http.ResponseWriter, r *http.Request, nodeID string) bool {
	claims, err := h.tokens.Verify(bearerToken(r), token.AudienceNodeManagement)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return false
	}
	if claims.Subject != nodeID {
		writeError(w, http.StatusForbidden, "token not valid for this node")
		return false
	}
	return true
}

// nodeReadyRequest 节点上线确认的请求体
type nodeReadyRequest struct {
	IPAddress string `json:"ip_address"`
}

// NodeReady 节点上线确认
//
// 路由: POST /api/v1/nodes/{id}/ready
//
// 新建 VM 上的 Agent 完成初始化后调用，节点 creating → running，
// 编排驱动的就绪轮询由此解除。
func (h *Handler) NodeReady(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	if !h.authNode(w, r, nodeID) {
		return
	}
	ctx := r.Context()

	node, err := h.store.GetNode(ctx, nodeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if node == nil {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}

	var req nodeReadyRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	if req.IPAddress != "" && req.IPAddress != node.IPAddress {
		if err := h.store.UpdateNodeIPAddress(ctx, nodeID, req.IPAddress); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if err := h.store.UpdateNodeStatus(ctx, nodeID, model.NodeStatusRunning); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.store.RecordNodeHeartbeat(ctx, nodeID, nil, time.Now()); err != nil {
		log.Printf("[api.heartbeat_error] node=%s err=%v", nodeID, err)
	}

	log.Printf("[api.node_ready] node=%s ip=%s", nodeID, req.IPAddress)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// NodeHeartbeat 节点心跳
//
// 路由: POST /api/v1/nodes/{id}/heartbeat
//
// 请求体为不透明的资源快照 JSON（cpu_load_avg_1 / memory_percent /
// disk_percent，均可选）。落库后同步更新心跳缓存，缓存失败不影响响应。
func (h *Handler) NodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	if !h.authNode(w, r, nodeID) {
		return
	}
	ctx := r.Context()

	var metrics json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&metrics); err != nil {
		metrics = nil
	}

	now := time.Now()
	if err := h.store.RecordNodeHeartbeat(ctx, nodeID, metrics, now); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h.heartbeats != nil {
		err := h.heartbeats.UpdateNodeHeartbeat(ctx, &cache.NodeHeartbeat{
			NodeID:     nodeID,
			Metrics:    metrics,
			ReceivedAt: now,
		})
		if err != nil {
			log.Printf("[api.cache_error] node=%s err=%v", nodeID, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// 工作空间回调
// ============================================================================

// authWorkspace 校验回调令牌有权操作指定工作空间，返回归属信息
func (h *Handler) authWorkspace(w http.ResponseWriter, r *http.Request, workspaceID string) (*model.Workspace, *token.Claims, bool) {
	ws, err := h.store.GetWorkspace(r.Context(), workspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, nil, false
	}
	if ws == nil {
		writeError(w, http.StatusNotFound, "workspace not found")
		return nil, nil, false
	}

	claims, err := h.tokens.VerifyForWorkspace(bearerToken(r), token.AudienceWorkspaceCallback, workspaceID, ws.NodeID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return nil, nil, false
	}
	return ws, claims, true
}

// workspaceStatusRequest 工作空间状态上报的请求体
type workspaceStatusRequest struct {
	Status       model.WorkspaceStatus `json:"status"`
	ErrorMessage *string               `json:"error_message,omitempty"`
}

// WorkspaceStatus 工作空间状态上报
//
// 路由: POST /api/v1/workspaces/{id}/status
//
// 节点侧在工作空间就绪、失败或停止时上报；编排驱动的
// workspace_ready 轮询读取该状态解除等待。
func (h *Handler) WorkspaceStatus(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("id")
	if _, _, ok := h.authWorkspace(w, r, workspaceID); !ok {
		return
	}

	var req workspaceStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	switch req.Status {
	case model.WorkspaceStatusRunning, model.WorkspaceStatusRecovery,
		model.WorkspaceStatusStopping, model.WorkspaceStatusStopped, model.WorkspaceStatusError:
	default:
		writeError(w, http.StatusBadRequest, "unknown workspace status")
		return
	}

	if err := h.driver.AdvanceWorkspaceReady(r.Context(), workspaceID, req.Status, req.ErrorMessage); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// WorkspaceReady 工作空间就绪确认
//
// 路由: POST /api/v1/workspaces/{id}/ready
//
// 节点侧初始化完成后的快捷上报，等价于 status=running。
func (h *Handler) WorkspaceReady(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("id")
	if _, _, ok := h.authWorkspace(w, r, workspaceID); !ok {
		return
	}
	if err := h.driver.AdvanceWorkspaceReady(r.Context(), workspaceID, model.WorkspaceStatusRunning, nil); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// WorkspaceHeartbeat 工作空间活跃触达
//
// 路由: POST /api/v1/workspaces/{id}/heartbeat
//
// 仅刷新 updated_at，节点侧的空闲超时据此计算。
func (h *Handler) WorkspaceHeartbeat(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("id")
	if _, _, ok := h.authWorkspace(w, r, workspaceID); !ok {
		return
	}
	if err := h.store.TouchWorkspace(r.Context(), workspaceID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// 任务状态回调
// ============================================================================

// taskCallbackRequest 任务状态回调的请求体
type taskCallbackRequest struct {
	Status        model.TaskStatus     `json:"status"`
	ExecutionStep *model.ExecutionStep `json:"execution_step,omitempty"`
	OutputBranch  *string              `json:"output_branch,omitempty"`
	OutputPrURL   *string              `json:"output_pr_url,omitempty"`
	Reason        string               `json:"reason,omitempty"`
}

// TaskStatusCallback 任务状态回调
//
// 路由: POST /api/v1/tasks/{id}/status/callback
//
// 工作空间内的 Agent 上报任务进展和产物。令牌必须有权操作该任务
// 绑定的工作空间；迁移合法性由状态机裁决，审计主体固定为
// workspace_callback。
func (h *Handler) TaskStatusCallback(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	ctx := r.Context()

	task, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if task.WorkspaceID == nil {
		writeError(w, http.StatusConflict, "task has no workspace")
		return
	}
	_, claims, ok := h.authWorkspace(w, r, *task.WorkspaceID)
	if !ok {
		return
	}

	var req taskCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err = h.driver.ApplyStatusCallback(ctx, taskID, orchestrator.StatusCallback{
		ToStatus:     req.Status,
		Step:         req.ExecutionStep,
		OutputBranch: req.OutputBranch,
		OutputPrURL:  req.OutputPrURL,
		ActorID:      claims.Subject,
		Reason:       req.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
