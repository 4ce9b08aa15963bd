package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"agent-fleet/internal/shared/cache"
	"agent-fleet/internal/shared/model"
	"agent-fleet/internal/shared/storage"
)

// createTestNode 创建测试节点（默认 running、心跳新鲜）
func createTestNode(t *testing.T, store *storage.MemoryStore, id, size, location string, metrics string) *model.Node {
	t.Helper()
	now := time.Now()
	hb := now.Add(-10 * time.Second)
	node := &model.Node{
		ID: id, UserID: "user-1",
		Status: model.NodeStatusRunning,
		VMSize: size, VMLocation: location,
		LastHeartbeatAt:            &hb,
		HeartbeatStaleAfterSeconds: 90,
		CreatedAt:                  now, UpdatedAt: now,
	}
	if metrics != "" {
		node.LastMetrics = json.RawMessage(metrics)
	}
	if err := store.CreateNode(context.Background(), node); err != nil {
		t.Fatalf("create node: %v", err)
	}
	return node
}

func addActiveWorkspaces(t *testing.T, store *storage.MemoryStore, nodeID string, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		ws := &model.Workspace{
			ID:     fmt.Sprintf("ws-%s-%d", nodeID, i),
			NodeID: nodeID, UserID: "user-1",
			Name:   "repo",
			Status: model.WorkspaceStatusRunning,
		}
		if err := store.CreateWorkspace(context.Background(), ws); err != nil {
			t.Fatalf("create workspace: %v", err)
		}
	}
}

func TestSelectNode_NoNodes(t *testing.T) {
	store := storage.NewMemoryStore()
	s := New(store, store, nil, Config{})

	node, err := s.SelectNode(context.Background(), "user-1", Preferences{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if node != nil {
		t.Errorf("expected nil node, got %s", node.ID)
	}
}

func TestSelectNode_SkipsUnhealthy(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	// 心跳超 3 倍窗口的节点不可用
	dead := createTestNode(t, store, "node-dead", "", "", "")
	old := time.Now().Add(-10 * time.Minute)
	if err := store.RecordNodeHeartbeat(ctx, dead.ID, nil, old); err != nil {
		t.Fatal(err)
	}

	createTestNode(t, store, "node-ok", "", "", "")

	s := New(store, store, nil, Config{})
	node, err := s.SelectNode(ctx, "user-1", Preferences{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if node == nil || node.ID != "node-ok" {
		t.Errorf("expected node-ok, got %v", node)
	}
}

func TestSelectNode_SkipsFullNodes(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	createTestNode(t, store, "node-full", "", "", "")
	addActiveWorkspaces(t, store, "node-full", 2)
	createTestNode(t, store, "node-free", "", "", "")

	s := New(store, store, nil, Config{MaxWorkspacesPerNode: 2})
	node, err := s.SelectNode(ctx, "user-1", Preferences{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if node == nil || node.ID != "node-free" {
		t.Errorf("expected node-free, got %v", node)
	}
}

func TestSelectNode_SkipsOverloaded(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	createTestNode(t, store, "node-hot", "", "", `{"cpu_load_avg_1": 95, "memory_percent": 20}`)
	createTestNode(t, store, "node-cool", "", "", `{"cpu_load_avg_1": 10, "memory_percent": 20}`)

	s := New(store, store, nil, Config{})
	node, err := s.SelectNode(ctx, "user-1", Preferences{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if node == nil || node.ID != "node-cool" {
		t.Errorf("expected node-cool, got %v", node)
	}
}

// 无指标的节点可用（不挡路），但排序时让位于有指标的节点
func TestSelectNode_NoMetricsSortsLast(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	createTestNode(t, store, "node-blind", "", "", "")
	createTestNode(t, store, "node-known", "", "", `{"cpu_load_avg_1": 50, "memory_percent": 50}`)

	s := New(store, store, nil, Config{})
	node, err := s.SelectNode(ctx, "user-1", Preferences{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if node == nil || node.ID != "node-known" {
		t.Errorf("expected node-known, got %v", node)
	}

	// 只剩无指标节点时仍可被选中
	if err := store.UpdateNodeStatus(ctx, "node-known", model.NodeStatusStopped); err != nil {
		t.Fatal(err)
	}
	node, err = s.SelectNode(ctx, "user-1", Preferences{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if node == nil || node.ID != "node-blind" {
		t.Errorf("expected node-blind, got %v", node)
	}
}

// 负载评分：cpu*0.4 + mem*0.6，低分优先
// A: 10*0.4 + 20*0.6 = 16；B: 5*0.4 + 50*0.6 = 32 → 选 A
func TestSelectNode_LoadScore(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	createTestNode(t, store, "node-a", "", "", `{"cpu_load_avg_1": 10, "memory_percent": 20}`)
	createTestNode(t, store, "node-b", "", "", `{"cpu_load_avg_1": 5, "memory_percent": 50}`)

	s := New(store, store, nil, Config{})
	node, err := s.SelectNode(ctx, "user-1", Preferences{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if node == nil || node.ID != "node-a" {
		t.Errorf("expected node-a, got %v", node)
	}
}

func TestSelectNode_PreferenceOrdering(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	// 位置匹配 > 规格匹配 > 低负载
	createTestNode(t, store, "node-loc", "small", "eu-west", `{"cpu_load_avg_1": 70, "memory_percent": 70}`)
	createTestNode(t, store, "node-size", "large", "us-east", `{"cpu_load_avg_1": 10, "memory_percent": 10}`)
	createTestNode(t, store, "node-idle", "small", "us-east", `{"cpu_load_avg_1": 1, "memory_percent": 1}`)

	s := New(store, store, nil, Config{})
	node, err := s.SelectNode(ctx, "user-1", Preferences{VMSize: "large", VMLocation: "eu-west"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if node == nil || node.ID != "node-loc" {
		t.Errorf("expected node-loc, got %v", node)
	}

	// 无位置偏好时规格匹配优先
	node, err = s.SelectNode(ctx, "user-1", Preferences{VMSize: "large"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if node == nil || node.ID != "node-size" {
		t.Errorf("expected node-size, got %v", node)
	}
}

// 缓存中的新鲜心跳应覆盖数据库里的陈旧快照
func TestSelectNode_CacheMerge(t *testing.T) {
	store := storage.NewMemoryStore()
	hbCache := cache.NewMemoryCache()
	ctx := context.Background()

	// 数据库视角：心跳已超 3 倍窗口，会被判为 unhealthy
	node := createTestNode(t, store, "node-lag", "", "", "")
	old := time.Now().Add(-10 * time.Minute)
	if err := store.RecordNodeHeartbeat(ctx, node.ID, nil, old); err != nil {
		t.Fatal(err)
	}

	// 缓存视角：刚刚上报过
	if err := hbCache.UpdateNodeHeartbeat(ctx, &cache.NodeHeartbeat{
		NodeID:     node.ID,
		Metrics:    json.RawMessage(`{"cpu_load_avg_1": 5, "memory_percent": 10}`),
		ReceivedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	s := New(store, store, hbCache, Config{})
	got, err := s.SelectNode(ctx, "user-1", Preferences{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.ID != "node-lag" {
		t.Errorf("expected node-lag via cache merge, got %v", got)
	}
}
