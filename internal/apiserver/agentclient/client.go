// Package agentclient 远程 VM Agent 的 HTTP 客户端
//
// VM 上的 Agent 是黑盒 HTTP 服务，本包只做薄封装：
// Bearer 认证（节点管理令牌）、有界超时、非 2xx 统一转为 AgentError
// 并保留状态码和响应体用于日志排查。
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/containerd/errdefs"
)

// DefaultTimeout 单次请求超时
const DefaultTimeout = 30 * time.Second

// maxErrorBody 错误响应体保留上限
const maxErrorBody = 4 << 10

// AgentError 远程 Agent 返回的非 2xx 响应
type AgentError struct {
	StatusCode int
	Body       string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent request failed: status=%d body=%s", e.StatusCode, e.Body)
}

// Unwrap 将常见状态码映射为 errdefs 哨兵错误，调用方可用 errors.Is 分类
func (e *AgentError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return errdefs.ErrNotFound
	case http.StatusConflict:
		return errdefs.ErrConflict
	case http.StatusServiceUnavailable:
		return errdefs.ErrUnavailable
	case http.StatusUnauthorized, http.StatusForbidden:
		return errdefs.ErrPermissionDenied
	default:
		return nil
	}
}

// Client VM Agent 客户端（一个节点一个实例）
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New 创建客户端
//
// baseURL 形如 "http://10.0.0.8:8088"；token 为节点管理令牌。
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// ============================================================================
// Workspace
// ============================================================================

// CreateWorkspaceRequest 工作空间创建请求
type CreateWorkspaceRequest struct {
	WorkspaceID        string `json:"workspace_id"`
	Name               string `json:"name"`
	Repository         string `json:"repository"`
	Branch             string `json:"branch,omitempty"`
	IdleTimeoutSeconds int    `json:"idle_timeout_seconds,omitempty"`

	// CallbackURL 控制面回调地址，CallbackToken 为作用域限定的回调令牌
	CallbackURL   string `json:"callback_url"`
	CallbackToken string `json:"callback_token"`
}

// CreateWorkspace 在节点上创建工作空间（就绪以回调确认，此调用不等待）
func (c *Client) CreateWorkspace(ctx context.Context, req *CreateWorkspaceRequest) error {
	return c.do(ctx, http.MethodPost, "/workspaces", req, nil)
}

// StopWorkspace 停止工作空间
func (c *Client) StopWorkspace(ctx context.Context, workspaceID string) error {
	return c.do(ctx, http.MethodPost, "/workspaces/"+workspaceID+"/stop", nil, nil)
}

// RestartWorkspace 重启工作空间
func (c *Client) RestartWorkspace(ctx context.Context, workspaceID string) error {
	return c.do(ctx, http.MethodPost, "/workspaces/"+workspaceID+"/restart", nil, nil)
}

// DeleteWorkspace 删除工作空间
func (c *Client) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	return c.do(ctx, http.MethodDelete, "/workspaces/"+workspaceID, nil, nil)
}

// ============================================================================
// AgentSession
// ============================================================================

// CreateSessionRequest Agent 会话创建请求
type CreateSessionRequest struct {
	SessionID string `json:"session_id"`
	Label     string `json:"label,omitempty"`

	// Prompt 任务的自然语言描述，Agent 以此为初始指令
	Prompt string `json:"prompt"`
}

// CreateAgentSession 在工作空间内启动 Agent 会话
func (c *Client) CreateAgentSession(ctx context.Context, workspaceID string, req *CreateSessionRequest) error {
	return c.do(ctx, http.MethodPost, "/workspaces/"+workspaceID+"/agent-sessions", req, nil)
}

// StopAgentSession 停止 Agent 会话
func (c *Client) StopAgentSession(ctx context.Context, workspaceID, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/workspaces/"+workspaceID+"/agent-sessions/"+sessionID+"/stop", nil, nil)
}

// ============================================================================
// Health / Events
// ============================================================================

// Health 探活（编排驱动在新节点上轮询此接口）
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Event Agent 上报的执行事件
type Event struct {
	Type        string    `json:"type"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ListEvents 列出节点上的执行事件
func (c *Client) ListEvents(ctx context.Context) ([]*Event, error) {
	var events []*Event
	if err := c.do(ctx, http.MethodGet, "/events", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// ============================================================================
// 内部
// ============================================================================

// do 发起请求；out 非 nil 时解码响应体
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &AgentError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
