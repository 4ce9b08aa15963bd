// Package provider 云服务商抽象
//
// 编排驱动和温池只依赖该接口创建/销毁 VM，具体云实现
// （以及测试桩）通过依赖注入传入。
package provider

import "context"

// CreateVMRequest VM 创建请求
type CreateVMRequest struct {
	// NodeID 控制面预先分配的节点 ID，VM 启动后以此 ID 回调上线
	NodeID   string `json:"node_id"`
	UserID   string `json:"user_id"`
	Size     string `json:"size"`
	Location string `json:"location"`
}

// VM 云服务商返回的实例信息
type VM struct {
	ProviderID string `json:"provider_id"`
	IPAddress  string `json:"ip_address"`
}

// CloudProvider 云服务商接口
type CloudProvider interface {
	// CreateVM 发起创建，立即返回；节点就绪以回调确认，不在此阻塞等待
	CreateVM(ctx context.Context, req CreateVMRequest) (*VM, error)

	// DestroyVM 销毁节点对应的 VM（幂等：VM 已不存在不报错）
	DestroyVM(ctx context.Context, nodeID string) error
}
