// Package selector 节点选择器
//
// 为任务在用户现有节点中挑选落点：先过滤（在线、健康、有容量），
// 再按偏好匹配度和负载评分排序。全部过滤掉时返回 nil，
// 由编排驱动决定是否自动创建新节点。
package selector

import (
	"context"
	"log"
	"sort"
	"time"

	"agent-fleet/internal/shared/cache"
	"agent-fleet/internal/shared/model"
	"agent-fleet/internal/shared/storage"
)

// 默认容量阈值
const (
	DefaultMaxWorkspacesPerNode = 4
	DefaultCPULoadThreshold     = 80.0
	DefaultMemoryThreshold      = 85.0
)

// 负载评分权重：内存压力比 CPU 瞬时负载更能预示工作空间创建失败
const (
	cpuWeight    = 0.4
	memoryWeight = 0.6
)

// Preferences 任务对节点的偏好（软约束，只影响排序不影响过滤）
type Preferences struct {
	VMSize     string
	VMLocation string
}

// Config 选择器容量阈值配置
type Config struct {
	MaxWorkspacesPerNode int
	CPULoadThreshold     float64
	MemoryThreshold      float64
}

// withDefaults 填充未配置的阈值
func (c Config) withDefaults() Config {
	if c.MaxWorkspacesPerNode <= 0 {
		c.MaxWorkspacesPerNode = DefaultMaxWorkspacesPerNode
	}
	if c.CPULoadThreshold <= 0 {
		c.CPULoadThreshold = DefaultCPULoadThreshold
	}
	if c.MemoryThreshold <= 0 {
		c.MemoryThreshold = DefaultMemoryThreshold
	}
	return c
}

// Selector 节点选择器
type Selector struct {
	nodes      storage.NodeStore
	workspaces storage.WorkspaceStore
	heartbeats cache.HeartbeatCache
	cfg        Config
}

// New 创建节点选择器（heartbeats 可为 nil，此时只看数据库心跳）
func New(nodes storage.NodeStore, workspaces storage.WorkspaceStore, heartbeats cache.HeartbeatCache, cfg Config) *Selector {
	return &Selector{
		nodes:      nodes,
		workspaces: workspaces,
		heartbeats: heartbeats,
		cfg:        cfg.withDefaults(),
	}
}

// candidate 参与排序的候选节点
type candidate struct {
	node          *model.Node
	metrics       *model.NodeMetrics
	locationMatch bool
	sizeMatch     bool
	score         float64
}

// SelectNode 为任务选择节点
//
// 没有可用节点时返回 nil, nil（不是错误，调用方走自动创建路径）。
func (s *Selector) SelectNode(ctx context.Context, userID string, prefs Preferences) (*model.Node, error) {
	nodes, err := s.nodes.ListNodesByUser(ctx, userID, model.NodeStatusRunning)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	now := time.Now()
	var candidates []*candidate
	for _, node := range nodes {
		s.mergeCachedHeartbeat(ctx, node)

		if node.Health(now) == model.NodeHealthUnhealthy {
			log.Printf("[selector.skip] node=%s reason=unhealthy", node.ID)
			continue
		}

		ok, metrics, err := s.hasCapacity(ctx, node)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		c := &candidate{
			node:          node,
			metrics:       metrics,
			locationMatch: prefs.VMLocation != "" && node.VMLocation == prefs.VMLocation,
			sizeMatch:     prefs.VMSize != "" && node.VMSize == prefs.VMSize,
		}
		if metrics.HasLoad() {
			c.score = *metrics.CPULoadAvg1*cpuWeight + *metrics.MemoryPercent*memoryWeight
		}
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	rank(candidates)
	best := candidates[0]
	log.Printf("[selector.pick] node=%s location_match=%v size_match=%v score=%.1f candidates=%d",
		best.node.ID, best.locationMatch, best.sizeMatch, best.score, len(candidates))
	return best.node, nil
}

// mergeCachedHeartbeat 用缓存中更新鲜的心跳覆盖数据库快照
//
// 缓存读取失败只记日志：缓存是可选加速层，不能让它阻断调度。
func (s *Selector) mergeCachedHeartbeat(ctx context.Context, node *model.Node) {
	if s.heartbeats == nil {
		return
	}
	hb, err := s.heartbeats.GetNodeHeartbeat(ctx, node.ID)
	if err != nil {
		log.Printf("[selector.cache_error] node=%s err=%v", node.ID, err)
		return
	}
	if hb == nil {
		return
	}
	if node.LastHeartbeatAt == nil || hb.ReceivedAt.After(*node.LastHeartbeatAt) {
		at := hb.ReceivedAt
		node.LastHeartbeatAt = &at
		if len(hb.Metrics) > 0 {
			node.LastMetrics = hb.Metrics
		}
	}
}

// hasCapacity 判断节点是否还有容量
//
// 活跃工作空间数达到上限即满；有负载指标时超过任一阈值即满；
// 无指标不挡路（指标缺失或损坏按可用处理）。
func (s *Selector) hasCapacity(ctx context.Context, node *model.Node) (bool, *model.NodeMetrics, error) {
	active, err := s.workspaces.ListActiveWorkspacesByNode(ctx, node.ID)
	if err != nil {
		return false, nil, err
	}
	if len(active) >= s.cfg.MaxWorkspacesPerNode {
		log.Printf("[selector.skip] node=%s reason=workspace_limit active=%d max=%d",
			node.ID, len(active), s.cfg.MaxWorkspacesPerNode)
		return false, nil, nil
	}

	metrics := model.ParseNodeMetrics(node.LastMetrics)
	if metrics.HasLoad() {
		if *metrics.CPULoadAvg1 >= s.cfg.CPULoadThreshold || *metrics.MemoryPercent >= s.cfg.MemoryThreshold {
			log.Printf("[selector.skip] node=%s reason=overloaded cpu=%.1f mem=%.1f",
				node.ID, *metrics.CPULoadAvg1, *metrics.MemoryPercent)
			return false, nil, nil
		}
	}
	return true, metrics, nil
}

// rank 候选节点排序
//
// 位置匹配优先于规格匹配，其次负载评分升序；无指标节点排在有指标节点之后
// （无指标可用但不可信，宁可选负载已知的节点）。
func rank(candidates []*candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.locationMatch != b.locationMatch {
			return a.locationMatch
		}
		if a.sizeMatch != b.sizeMatch {
			return a.sizeMatch
		}
		aHas, bHas := a.metrics.HasLoad(), b.metrics.HasLoad()
		if aHas != bHas {
			return aHas
		}
		return a.score < b.score
	})
}
