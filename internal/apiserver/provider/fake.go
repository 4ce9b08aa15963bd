package provider

import (
	"context"
	"sync"
)

// Fake 测试用云服务商桩
//
// 函数字段非 nil 时优先调用，否则记录调用并返回固定值。
type Fake struct {
	mu sync.Mutex

	CreateVMFunc  func(ctx context.Context, req CreateVMRequest) (*VM, error)
	DestroyVMFunc func(ctx context.Context, nodeID string) error

	Created   []CreateVMRequest
	Destroyed []string
}

var _ CloudProvider = (*Fake)(nil)

func (f *Fake) CreateVM(ctx context.Context, req CreateVMRequest) (*VM, error) {
	f.mu.Lock()
	f.Created = append(f.Created, req)
	f.mu.Unlock()
	if f.CreateVMFunc != nil {
		return f.CreateVMFunc(ctx, req)
	}
	return &VM{ProviderID: "vm-" + req.NodeID, IPAddress: "10.0.0.1"}, nil
}

func (f *Fake) DestroyVM(ctx context.Context, nodeID string) error {
	f.mu.Lock()
	f.Destroyed = append(f.Destroyed, nodeID)
	f.mu.Unlock()
	if f.DestroyVMFunc != nil {
		return f.DestroyVMFunc(ctx, nodeID)
	}
	return nil
}

// DestroyedNodes 返回已销毁节点列表的副本
func (f *Fake) DestroyedNodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Destroyed))
	copy(out, f.Destroyed)
	return out
}
