// Package repository Node 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"agent-fleet/internal/shared/model"
)

// nodeColumns 节点表的查询列（与 scanNode 顺序一致）
const nodeColumns = `id, user_id, status, vm_size, vm_location, ip_address,
	last_heartbeat_at, heartbeat_stale_after_seconds, last_metrics,
	warm_since, claimed_by, created_at, updated_at`

// CreateNode 创建节点
func (s *Store) CreateNode(ctx context.Context, node *model.Node) error {
	query := s.rebind(`
		INSERT INTO nodes (id, user_id, status, vm_size, vm_location, ip_address,
			last_heartbeat_at, heartbeat_stale_after_seconds, last_metrics,
			warm_since, claimed_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`)
	var metrics interface{}
	if len(node.LastMetrics) > 0 {
		metrics = []byte(node.LastMetrics)
	}
	_, err := s.db.ExecContext(ctx, query,
		node.ID, node.UserID, node.Status, node.VMSize, node.VMLocation, node.IPAddress,
		node.LastHeartbeatAt, node.HeartbeatStaleAfterSeconds, metrics,
		node.WarmSince, node.ClaimedBy, node.CreatedAt, node.UpdatedAt)
	return err
}

// scanNode 辅助函数：从数据库行扫描 Node
func scanNode(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Node, error) {
	node := &model.Node{}
	var vmSize, vmLocation, ipAddress sql.NullString
	var staleAfter sql.NullInt64
	var metrics []byte
	err := scanner.Scan(
		&node.ID, &node.UserID, &node.Status, &vmSize, &vmLocation, &ipAddress,
		&node.LastHeartbeatAt, &staleAfter, &metrics,
		&node.WarmSince, &node.ClaimedBy, &node.CreatedAt, &node.UpdatedAt)
	if err != nil {
		return nil, err
	}
	node.VMSize = vmSize.String
	node.VMLocation = vmLocation.String
	node.IPAddress = ipAddress.String
	node.HeartbeatStaleAfterSeconds = int(staleAfter.Int64)
	if len(metrics) > 0 {
		node.LastMetrics = json.RawMessage(metrics)
	}
	return node, nil
}

// GetNode 获取节点（不存在时返回 nil, nil）
func (s *Store) GetNode(ctx context.Context, id string) (*model.Node, error) {
	query := s.rebind(`SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`)
	node, err := scanNode(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

// ListNodesByUser 列出用户的节点，status 为空时列出全部
func (s *Store) ListNodesByUser(ctx context.Context, userID string, status model.NodeStatus) ([]*model.Node, error) {
	var query string
	var args []interface{}

	if status != "" {
		query = s.rebind(`SELECT ` + nodeColumns + ` FROM nodes WHERE user_id = $1 AND status = $2 ORDER BY created_at ASC`)
		args = []interface{}{userID, status}
	} else {
		query = s.rebind(`SELECT ` + nodeColumns + ` FROM nodes WHERE user_id = $1 ORDER BY created_at ASC`)
		args = []interface{}{userID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*model.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// CountNodesByUser 统计用户未停止的节点数（配额校验用）
func (s *Store) CountNodesByUser(ctx context.Context, userID string) (int, error) {
	query := s.rebind(`SELECT COUNT(*) FROM nodes WHERE user_id = $1 AND status != $2`)
	var count int
	err := s.db.QueryRowContext(ctx, query, userID, model.NodeStatusStopped).Scan(&count)
	return count, err
}

// UpdateNodeStatus 更新节点状态
func (s *Store) UpdateNodeStatus(ctx context.Context, id string, status model.NodeStatus) error {
	query := s.rebind(`UPDATE nodes SET status = $1, updated_at = ` + s.now() + ` WHERE id = $2`)
	_, err := s.db.ExecContext(ctx, query, status, id)
	return err
}

// UpdateNodeIPAddress 更新节点 IP
func (s *Store) UpdateNodeIPAddress(ctx context.Context, id, ip string) error {
	query := s.rebind(`UPDATE nodes SET ip_address = $1, updated_at = ` + s.now() + ` WHERE id = $2`)
	_, err := s.db.ExecContext(ctx, query, ip, id)
	return err
}

// RecordNodeHeartbeat 更新心跳时间与资源快照（快照为空时保留旧值）
func (s *Store) RecordNodeHeartbeat(ctx context.Context, id string, metrics json.RawMessage, at time.Time) error {
	if len(metrics) > 0 {
		query := s.rebind(`UPDATE nodes SET last_heartbeat_at = $1, last_metrics = $2, updated_at = ` + s.now() + ` WHERE id = $3`)
		_, err := s.db.ExecContext(ctx, query, s.timeArg(at), []byte(metrics), id)
		return err
	}
	query := s.rebind(`UPDATE nodes SET last_heartbeat_at = $1, updated_at = ` + s.now() + ` WHERE id = $2`)
	_, err := s.db.ExecContext(ctx, query, s.timeArg(at), id)
	return err
}

// MarkNodeActive 清除温池标记与认领
func (s *Store) MarkNodeActive(ctx context.Context, id string) error {
	query := s.rebind(`UPDATE nodes SET warm_since = NULL, claimed_by = NULL, updated_at = ` + s.now() + ` WHERE id = $1`)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// MarkNodeIdle 设置温池标记（仅当尚未标记且未被认领时生效，返回是否命中）
//
// 重复标记不刷新 warm_since，避免重置回收计时；
// 已认领节点不得回到温池，认领由 MarkNodeActive 或认领方解除。
func (s *Store) MarkNodeIdle(ctx context.Context, id string, at time.Time) (bool, error) {
	query := s.rebind(`UPDATE nodes SET warm_since = $1, updated_at = ` + s.now() + `
		WHERE id = $2 AND warm_since IS NULL AND claimed_by IS NULL`)
	res, err := s.db.ExecContext(ctx, query, s.timeArg(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListWarmNodes 列出全部温池节点（进程重启后恢复回收计时用）
func (s *Store) ListWarmNodes(ctx context.Context) ([]*model.Node, error) {
	query := s.rebind(`SELECT ` + nodeColumns + ` FROM nodes
		WHERE warm_since IS NOT NULL AND claimed_by IS NULL ORDER BY warm_since ASC`)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*model.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// ClaimWarmNode 原子认领温节点：仅当 warm_since 非空且未被认领时生效
func (s *Store) ClaimWarmNode(ctx context.Context, id, taskID string) (bool, error) {
	query := s.rebind(`UPDATE nodes SET warm_since = NULL, claimed_by = $1, updated_at = ` + s.now() + `
		WHERE id = $2 AND warm_since IS NOT NULL AND claimed_by IS NULL`)
	res, err := s.db.ExecContext(ctx, query, taskID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
