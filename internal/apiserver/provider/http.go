package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultRequestTimeout VM 创建请求的默认超时
//
// 创建是异步受理（节点就绪以回调确认），这里只需覆盖 API 往返。
const DefaultRequestTimeout = 60 * time.Second

// HTTPProvider 经 HTTP 对接外部 VM 供给服务
//
// 供给服务是独立部署的组件，封装具体云厂商 API；
// 本客户端只关心创建和销毁两个动作。
type HTTPProvider struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ CloudProvider = (*HTTPProvider)(nil)

// NewHTTPProvider 创建 HTTP 供给客户端
func NewHTTPProvider(baseURL, token string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: DefaultRequestTimeout},
	}
}

func (p *HTTPProvider) CreateVM(ctx context.Context, req CreateVMRequest) (*VM, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/vms", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provisioner request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("provisioner returned status %d: %s", resp.StatusCode, body)
	}

	var vm VM
	if err := json.NewDecoder(resp.Body).Decode(&vm); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &vm, nil
}

// DestroyVM 销毁 VM（节点不存在视为已销毁）
func (p *HTTPProvider) DestroyVM(ctx context.Context, nodeID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/vms/"+nodeID, nil)
	if err != nil {
		return err
	}
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("provisioner request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("provisioner returned status %d: %s", resp.StatusCode, body)
	}
	return nil
}
