// Package model 定义核心数据模型
//
// node.go 包含计算节点相关的数据模型定义：
//   - Node：运行远程 Agent 的计算主机（VM）
//   - NodeStatus：节点状态枚举
//   - NodeHealth：由心跳时间派生的健康度
//   - NodeMetrics：节点最近一次资源快照
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// NodeStatus - 节点状态
// ============================================================================

// NodeStatus 表示计算节点的状态
//
// 节点生命周期：
//
//	creating → running → stopped
//	    ↓         ↓
//	  error     error
//
// 状态说明：
//   - creating：云服务商创建中，远程 Agent 尚未确认就绪
//   - running：节点在线，可承载工作空间
//   - stopped：节点已停止/回收
//   - error：创建或运行出错
type NodeStatus string

const (
	// NodeStatusCreating 创建中：VM 正在由云服务商创建
	NodeStatusCreating NodeStatus = "creating"

	// NodeStatusRunning 运行中：远程 Agent 已通过回调确认就绪
	NodeStatusRunning NodeStatus = "running"

	// NodeStatusStopped 已停止：节点已停止或回收
	NodeStatusStopped NodeStatus = "stopped"

	// NodeStatusError 错误：创建失败或运行异常
	NodeStatusError NodeStatus = "error"
)

// ============================================================================
// NodeHealth - 派生健康度
// ============================================================================

// NodeHealth 节点健康度（由最后心跳时间派生，不落库）
type NodeHealth string

const (
	// NodeHealthHealthy 健康：心跳在 stale 窗口内
	NodeHealthHealthy NodeHealth = "healthy"

	// NodeHealthStale 陈旧：心跳超出 stale 窗口但未超出 3 倍窗口
	NodeHealthStale NodeHealth = "stale"

	// NodeHealthUnhealthy 不健康：心跳超出 3 倍窗口，或 running 节点从未上报心跳
	NodeHealthUnhealthy NodeHealth = "unhealthy"
)

// DefaultHeartbeatStaleAfter 心跳陈旧判定的默认窗口（秒）
const DefaultHeartbeatStaleAfter = 90

// ============================================================================
// Node - 计算节点
// ============================================================================

// Node 表示执行任务的计算主机
//
// 字段说明：
//   - LastMetrics：节点心跳携带的资源快照（不透明 JSON，字段缺失/损坏视为无指标）
//   - WarmSince：空闲且可复用时设置；被认领或恢复活跃时清空
//   - ClaimedBy：预留节点的任务 ID（原子认领，防止两个任务复用同一温节点）
type Node struct {
	ID         string     `json:"id" db:"id"`
	UserID     string     `json:"user_id" db:"user_id"`
	Status     NodeStatus `json:"status" db:"status"`
	VMSize     string     `json:"vm_size,omitempty" db:"vm_size"`
	VMLocation string     `json:"vm_location,omitempty" db:"vm_location"`
	IPAddress  string     `json:"ip_address,omitempty" db:"ip_address"`

	LastHeartbeatAt            *time.Time `json:"last_heartbeat_at,omitempty" db:"last_heartbeat_at"`
	HeartbeatStaleAfterSeconds int        `json:"heartbeat_stale_after_seconds" db:"heartbeat_stale_after_seconds"`

	// LastMetrics 最近一次资源快照（不透明 JSON）
	LastMetrics json.RawMessage `json:"last_metrics,omitempty" db:"last_metrics"`

	// WarmSince 温池标记：空闲起始时间（可空）
	WarmSince *time.Time `json:"warm_since,omitempty" db:"warm_since"`

	// ClaimedBy 认领本节点的任务 ID（可空）
	ClaimedBy *string `json:"claimed_by,omitempty" db:"claimed_by"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsRunning 判断节点是否运行中
func (n *Node) IsRunning() bool {
	return n.Status == NodeStatusRunning
}

// IsWarm 判断节点是否处于温池（空闲可复用）
func (n *Node) IsWarm() bool {
	return n.WarmSince != nil
}

// Health 计算节点健康度
//
// 判定规则：
//  1. 心跳在窗口内 → healthy
//  2. 心跳超窗但未超 3 倍窗口 → stale
//  3. 超 3 倍窗口 → unhealthy
//  4. running 节点从未上报心跳 → unhealthy；creating 节点无心跳视为 healthy（尚未启动）
func (n *Node) Health(now time.Time) NodeHealth {
	staleAfter := n.HeartbeatStaleAfterSeconds
	if staleAfter <= 0 {
		staleAfter = DefaultHeartbeatStaleAfter
	}
	window := time.Duration(staleAfter) * time.Second

	if n.LastHeartbeatAt == nil {
		if n.Status == NodeStatusCreating {
			return NodeHealthHealthy
		}
		return NodeHealthUnhealthy
	}

	age := now.Sub(*n.LastHeartbeatAt)
	switch {
	case age <= window:
		return NodeHealthHealthy
	case age <= 3*window:
		return NodeHealthStale
	default:
		return NodeHealthUnhealthy
	}
}

// ============================================================================
// NodeMetrics - 资源快照
// ============================================================================

// NodeMetrics 节点资源快照
//
// 所有字段可选：心跳来自不受控的远程机器，字段缺失不是错误。
type NodeMetrics struct {
	// CPULoadAvg1 1 分钟平均负载（百分比口径）
	CPULoadAvg1 *float64 `json:"cpu_load_avg_1,omitempty"`

	// MemoryPercent 内存使用率
	MemoryPercent *float64 `json:"memory_percent,omitempty"`

	// DiskPercent 磁盘使用率
	DiskPercent *float64 `json:"disk_percent,omitempty"`
}

// HasLoad 判断是否同时具备 CPU 和内存指标（可参与负载评分）
func (m *NodeMetrics) HasLoad() bool {
	return m != nil && m.CPULoadAvg1 != nil && m.MemoryPercent != nil
}

// ParseNodeMetrics 宽容解析资源快照
//
// 快照损坏或为空时返回 nil（视为无指标），不报错。
func ParseNodeMetrics(raw json.RawMessage) *NodeMetrics {
	if len(raw) == 0 {
		return nil
	}
	var m NodeMetrics
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	if m.CPULoadAvg1 == nil && m.MemoryPercent == nil && m.DiskPercent == nil {
		return nil
	}
	return &m
}
