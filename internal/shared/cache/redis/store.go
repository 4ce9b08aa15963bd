// Package redis Redis 心跳缓存实现
//
// 实现了 cache 包中定义的 HeartbeatCache 接口
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-fleet/internal/shared/cache"
)

// keyNodeHeartbeat 心跳缓存键前缀
const keyNodeHeartbeat = "fleet:node:heartbeat:"

// Store Redis 心跳缓存
type Store struct {
	client *redis.Client
}

var _ cache.HeartbeatCache = (*Store)(nil)

// NewStore 创建 Redis 缓存实例
func NewStore(addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis] Connected to %s", addr)
	return &Store{client: client}, nil
}

// NewStoreFromURL 从 URL 创建 Redis 缓存实例
func NewStoreFromURL(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis] Connected to %s", opts.Addr)
	return &Store{client: client}, nil
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

// Client 返回底层 Redis 客户端
func (s *Store) Client() *redis.Client {
	return s.client
}

// UpdateNodeHeartbeat 写入节点心跳快照（带 TTL）
func (s *Store) UpdateNodeHeartbeat(ctx context.Context, hb *cache.NodeHeartbeat) error {
	key := keyNodeHeartbeat + hb.NodeID

	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, key, data, cache.TTLNodeHeartbeat).Err()
}

// GetNodeHeartbeat 读取节点心跳快照（未命中或已过期返回 nil, nil）
func (s *Store) GetNodeHeartbeat(ctx context.Context, nodeID string) (*cache.NodeHeartbeat, error) {
	key := keyNodeHeartbeat + nodeID

	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var hb cache.NodeHeartbeat
	if err := json.Unmarshal([]byte(data), &hb); err != nil {
		return nil, err
	}

	return &hb, nil
}

// DeleteNodeHeartbeat 删除节点心跳缓存（节点停止/回收时调用）
func (s *Store) DeleteNodeHeartbeat(ctx context.Context, nodeID string) error {
	key := keyNodeHeartbeat + nodeID
	return s.client.Del(ctx, key).Err()
}

// ListLiveNodeIDs 列出缓存中仍有心跳的节点
//
// 使用 SCAN 替代 KEYS，避免在节点数量大时阻塞 Redis
func (s *Store) ListLiveNodeIDs(ctx context.Context) ([]string, error) {
	var nodeIDs []string
	iter := s.client.Scan(ctx, 0, keyNodeHeartbeat+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		nodeIDs = append(nodeIDs, key[len(keyNodeHeartbeat):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return nodeIDs, nil
}
