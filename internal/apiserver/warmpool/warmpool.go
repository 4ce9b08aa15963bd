// Package warmpool 自动创建节点的温池生命周期管理
//
// 任务执行完毕后，自动创建的节点不立即销毁，而是进入温池等待复用；
// 空闲超时后才触发回收。数据库是权威状态（warm_since / claimed_by，
// 经条件更新保证原子性），本包只负责维护进程内的回收定时器。
package warmpool

import (
	"context"
	"log"
	"sync"
	"time"

	"agent-fleet/internal/apiserver/provider"
	"agent-fleet/internal/shared/cache"
	"agent-fleet/internal/shared/model"
	"agent-fleet/internal/shared/storage"
)

// DefaultIdleTTL 温节点的默认空闲回收时间
const DefaultIdleTTL = 10 * time.Minute

// Manager 温池管理器
type Manager struct {
	nodes      storage.NodeStore
	workspaces storage.WorkspaceStore
	heartbeats cache.HeartbeatCache
	cloud      provider.CloudProvider
	idleTTL    time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New 创建温池管理器（heartbeats 可为 nil）
func New(nodes storage.NodeStore, workspaces storage.WorkspaceStore, heartbeats cache.HeartbeatCache, cloud provider.CloudProvider, idleTTL time.Duration) *Manager {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Manager{
		nodes:      nodes,
		workspaces: workspaces,
		heartbeats: heartbeats,
		cloud:      cloud,
		idleTTL:    idleTTL,
		timers:     make(map[string]*time.Timer),
	}
}

// MarkActive 节点恢复活跃：取消回收计时并清除温池标记
func (m *Manager) MarkActive(ctx context.Context, nodeID string) error {
	m.cancelTimer(nodeID)
	return m.nodes.MarkNodeActive(ctx, nodeID)
}

// MarkIdle 将节点放入温池并启动回收计时
//
// 幂等：节点已在温池时不命中条件更新，也不重置已有计时器。
func (m *Manager) MarkIdle(ctx context.Context, nodeID string) error {
	hit, err := m.nodes.MarkNodeIdle(ctx, nodeID, time.Now())
	if err != nil {
		return err
	}
	if !hit {
		return nil
	}
	log.Printf("[warmpool.idle] node=%s ttl=%s", nodeID, m.idleTTL)
	m.scheduleTeardown(nodeID, m.idleTTL)
	return nil
}

// TryClaim 原子认领温节点，成功时取消回收计时
//
// 返回是否认领成功；两个任务并发认领同一节点时只有一个成功。
func (m *Manager) TryClaim(ctx context.Context, nodeID, taskID string) (bool, error) {
	hit, err := m.nodes.ClaimWarmNode(ctx, nodeID, taskID)
	if err != nil {
		return false, err
	}
	if !hit {
		return false, nil
	}
	m.cancelTimer(nodeID)
	log.Printf("[warmpool.claim] node=%s task=%s", nodeID, taskID)
	return true, nil
}

// Release 任务结束后释放节点：无活跃工作空间时放入温池
func (m *Manager) Release(ctx context.Context, nodeID string) error {
	active, err := m.workspaces.ListActiveWorkspacesByNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		log.Printf("[warmpool.busy] node=%s active_workspaces=%d", nodeID, len(active))
		return nil
	}
	return m.MarkIdle(ctx, nodeID)
}

// Resync 进程重启后恢复温池节点的回收计时
//
// 剩余时间按 warm_since 折算，已超时的节点立即回收。
func (m *Manager) Resync(ctx context.Context) error {
	warm, err := m.nodes.ListWarmNodes(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, node := range warm {
		remaining := m.idleTTL
		if node.WarmSince != nil {
			remaining = m.idleTTL - now.Sub(*node.WarmSince)
		}
		if remaining < time.Second {
			remaining = time.Second
		}
		log.Printf("[warmpool.resync] node=%s remaining=%s", node.ID, remaining)
		m.scheduleTeardown(node.ID, remaining)
	}
	return nil
}

// Stop 停止全部回收计时器（不回收节点）
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
}

// scheduleTeardown 注册延迟回收；同一节点已有计时器时不重复注册
func (m *Manager) scheduleTeardown(nodeID string, after time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, exists := m.timers[nodeID]; exists {
		return
	}
	m.timers[nodeID] = time.AfterFunc(after, func() {
		m.teardown(nodeID)
	})
}

func (m *Manager) cancelTimer(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.timers[nodeID]; ok {
		timer.Stop()
		delete(m.timers, nodeID)
	}
}

// teardown 空闲超时回收
//
// 计时器触发和认领之间存在窗口，回收前重读数据库确认节点仍在温池
// 且未被认领、无活跃工作空间；任一条件不满足则放弃回收。
func (m *Manager) teardown(nodeID string) {
	m.cancelTimer(nodeID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	node, err := m.nodes.GetNode(ctx, nodeID)
	if err != nil || node == nil {
		log.Printf("[warmpool.teardown_skip] node=%s err=%v", nodeID, err)
		return
	}
	if !node.IsWarm() || node.ClaimedBy != nil {
		log.Printf("[warmpool.teardown_skip] node=%s reason=not_warm", nodeID)
		return
	}
	active, err := m.workspaces.ListActiveWorkspacesByNode(ctx, nodeID)
	if err != nil {
		log.Printf("[warmpool.teardown_skip] node=%s err=%v", nodeID, err)
		return
	}
	if len(active) > 0 {
		log.Printf("[warmpool.teardown_skip] node=%s reason=active_workspaces", nodeID)
		return
	}

	log.Printf("[warmpool.teardown] node=%s idle_ttl=%s", nodeID, m.idleTTL)
	if err := m.cloud.DestroyVM(ctx, nodeID); err != nil {
		// 销毁失败保留温池标记，等下一轮 Resync 或人工处理
		log.Printf("[warmpool.teardown_error] node=%s err=%v", nodeID, err)
		return
	}
	if err := m.nodes.UpdateNodeStatus(ctx, nodeID, model.NodeStatusStopped); err != nil {
		log.Printf("[warmpool.teardown_error] node=%s err=%v", nodeID, err)
	}
	if m.heartbeats != nil {
		if err := m.heartbeats.DeleteNodeHeartbeat(ctx, nodeID); err != nil {
			log.Printf("[warmpool.cache_error] node=%s err=%v", nodeID, err)
		}
	}
}
