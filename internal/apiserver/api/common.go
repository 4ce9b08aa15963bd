// Package api 提供控制面 HTTP API 处理器
//
// 本包实现 agent-fleet 控制面的 RESTful API，包括：
//   - 任务管理（创建、确认、取消、重试、依赖）接口
//   - 任务执行（启动、状态查询、审计日志）接口
//   - 远程机器回调（节点上线、心跳、工作空间状态、任务状态）接口
//
// 文件组织：
//   - common.go: Handler 定义和通用工具函数
//   - handler.go: 路由配置
//   - tasks.go: 任务相关接口
//   - callbacks.go: 远程机器回调接口
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agent-fleet/internal/apiserver/orchestrator"
	"agent-fleet/internal/apiserver/token"
	"agent-fleet/internal/shared/cache"
	"agent-fleet/internal/shared/storage"
)

// Handler API 处理器
//
// Handler 是所有 HTTP API 的入口，持有存储层、心跳缓存、
// 编排驱动和令牌服务，不含业务规则本身。
type Handler struct {
	store      storage.PersistentStore
	heartbeats cache.HeartbeatCache
	driver     *orchestrator.Driver
	tokens     *token.Service
}

// NewHandler 创建 Handler 实例（heartbeats 可为 nil）
func NewHandler(store storage.PersistentStore, heartbeats cache.HeartbeatCache, driver *orchestrator.Driver, tokens *token.Service) *Handler {
	return &Handler{
		store:      store,
		heartbeats: heartbeats,
		driver:     driver,
		tokens:     tokens,
	}
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError 将编排错误映射为 HTTP 状态码
//
// 错误码到状态码的映射：
//   - NOT_FOUND → 404
//   - INVALID_STATUS → 409
//   - LIMIT_EXCEEDED → 429
//   - NODE_UNAVAILABLE → 503
//   - 其余 → 500
func writeDomainError(w http.ResponseWriter, err error) {
	var oe *orchestrator.Error
	if !errors.As(err, &oe) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch oe.Code {
	case orchestrator.CodeNotFound:
		status = http.StatusNotFound
	case orchestrator.CodeInvalidStatus:
		status = http.StatusConflict
	case orchestrator.CodeLimitExceeded:
		status = http.StatusTooManyRequests
	case orchestrator.CodeNodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"error": oe.Message,
		"code":  string(oe.Code),
	})
}

// generateID 生成带前缀的唯一标识符（格式：prefix-uuid）
func generateID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// bearerToken 从 Authorization 头提取 Bearer 令牌
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// Health 健康检查接口
//
// 路由: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// MetricsHandler 返回 Prometheus 指标端点
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
