// Package api 路由配置
//
// 本文件定义 HTTP API 路由，将请求分发到对应的处理函数。
// 具体的处理逻辑分布在以下文件中：
//   - common.go: Handler 定义和通用工具函数
//   - tasks.go: 任务相关接口
//   - callbacks.go: 远程机器回调接口
package api

import (
	"net/http"
)

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查:
//   - GET /health - 服务健康检查
//   - GET /metrics - Prometheus 指标
//
// 任务管理 (Task):
//   - POST   /api/v1/tasks                          - 创建任务（draft）
//   - GET    /api/v1/tasks/{id}                     - 获取任务详情
//   - GET    /api/v1/projects/{id}/tasks            - 列出项目任务（含阻塞标记）
//   - POST   /api/v1/tasks/{id}/confirm             - 确认任务（draft → ready）
//   - POST   /api/v1/tasks/{id}/cancel              - 取消任务
//   - POST   /api/v1/tasks/{id}/retry               - 重试任务（failed/cancelled → ready）
//   - POST   /api/v1/tasks/{id}/start               - 启动任务（受理即返回）
//   - GET    /api/v1/tasks/{id}/events              - 状态迁移审计日志
//
// 任务依赖 (Dependency):
//   - POST   /api/v1/tasks/{id}/dependencies        - 添加依赖（环检测）
//   - DELETE /api/v1/tasks/{id}/dependencies/{dep}  - 删除依赖
//
// 远程机器回调（令牌认证）:
//   - POST /api/v1/nodes/{id}/ready          - 节点上线确认（节点管理令牌）
//   - POST /api/v1/nodes/{id}/heartbeat      - 节点心跳（节点管理令牌）
//   - POST /api/v1/workspaces/{id}/ready     - 工作空间就绪确认（回调令牌）
//   - POST /api/v1/workspaces/{id}/status    - 工作空间状态上报（回调令牌）
//   - POST /api/v1/workspaces/{id}/heartbeat - 工作空间活跃触达（回调令牌）
//   - POST /api/v1/tasks/{id}/status/callback - 任务状态回调（回调令牌）
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", h.Health)

	// Prometheus 指标端点
	mux.Handle("GET /metrics", MetricsHandler())

	// Task 接口
	mux.HandleFunc("POST /api/v1/tasks", h.CreateTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.GetTask)
	mux.HandleFunc("GET /api/v1/projects/{id}/tasks", h.ListProjectTasks)
	mux.HandleFunc("POST /api/v1/tasks/{id}/confirm", h.ConfirmTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", h.CancelTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/retry", h.RetryTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/start", h.StartTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/events", h.ListTaskEvents)

	// Dependency 接口
	mux.HandleFunc("POST /api/v1/tasks/{id}/dependencies", h.AddTaskDependency)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}/dependencies/{dep}", h.RemoveTaskDependency)

	// 回调接口
	mux.HandleFunc("POST /api/v1/nodes/{id}/ready", h.NodeReady)
	mux.HandleFunc("POST /api/v1/nodes/{id}/heartbeat", h.NodeHeartbeat)
	mux.HandleFunc("POST /api/v1/workspaces/{id}/ready", h.WorkspaceReady)
	mux.HandleFunc("POST /api/v1/workspaces/{id}/status", h.WorkspaceStatus)
	mux.HandleFunc("POST /api/v1/workspaces/{id}/heartbeat", h.WorkspaceHeartbeat)
	mux.HandleFunc("POST /api/v1/tasks/{id}/status/callback", h.TaskStatusCallback)

	return mux
}
