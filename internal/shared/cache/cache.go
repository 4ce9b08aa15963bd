// Package cache 定义心跳缓存抽象接口
//
// 心跳缓存保存节点最近一次上报的资源快照，带 TTL：
// 数据库中的 last_heartbeat_at 是权威记录，缓存只为调度路径提供
// 低延迟的"新鲜指标"视图，缓存不可用时调度自动退化为只看数据库。
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// TTLNodeHeartbeat 心跳缓存过期时间
//
// 取 3 倍默认心跳窗口：缓存过期即意味着节点健康度至少已降为 stale。
const TTLNodeHeartbeat = 270 * time.Second

// NodeHeartbeat 节点心跳快照
type NodeHeartbeat struct {
	NodeID     string          `json:"node_id"`
	Metrics    json.RawMessage `json:"metrics,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// HeartbeatCache 心跳缓存接口
//
// Get 未命中时返回 nil, nil。
type HeartbeatCache interface {
	UpdateNodeHeartbeat(ctx context.Context, hb *NodeHeartbeat) error
	GetNodeHeartbeat(ctx context.Context, nodeID string) (*NodeHeartbeat, error)
	DeleteNodeHeartbeat(ctx context.Context, nodeID string) error

	// ListLiveNodeIDs 列出缓存中仍有心跳的节点 ID
	ListLiveNodeIDs(ctx context.Context) ([]string, error)

	Close() error
}

// ============================================================================
// 内存实现（测试 / 单机部署用）
// ============================================================================

// MemoryCache 进程内存心跳缓存
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
}

type memoryEntry struct {
	hb        NodeHeartbeat
	expiresAt time.Time
}

var _ HeartbeatCache = (*MemoryCache)(nil)

// NewMemoryCache 创建内存心跳缓存
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     TTLNodeHeartbeat,
	}
}

func (c *MemoryCache) UpdateNodeHeartbeat(_ context.Context, hb *NodeHeartbeat) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[hb.NodeID] = memoryEntry{hb: *hb, expiresAt: time.Now().Add(c.ttl)}
	return nil
}

func (c *MemoryCache) GetNodeHeartbeat(_ context.Context, nodeID string) (*NodeHeartbeat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[nodeID]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	hb := entry.hb
	return &hb, nil
}

func (c *MemoryCache) DeleteNodeHeartbeat(_ context.Context, nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, nodeID)
	return nil
}

func (c *MemoryCache) ListLiveNodeIDs(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	var ids []string
	for id, entry := range c.entries {
		if now.Before(entry.expiresAt) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (c *MemoryCache) Close() error { return nil }
