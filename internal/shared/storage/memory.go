// Package storage 提供存储层抽象
//
// memory.go 提供进程内存实现，用于单元测试和本地开发。
// 条件更新语义与 SQL 实现严格一致（含命中/未命中返回值）。
package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"agent-fleet/internal/shared/model"
)

// MemoryStore 进程内存存储
//
// 所有方法在单一互斥锁下执行，条件更新天然原子。
type MemoryStore struct {
	mu sync.Mutex

	tasks      map[string]*model.Task
	events     []*model.TaskStatusEvent
	deps       []*model.TaskDependency
	nodes      map[string]*model.Node
	workspaces map[string]*model.Workspace
	sessions   map[string]*model.AgentSession
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]*model.Task),
		nodes:      make(map[string]*model.Node),
		workspaces: make(map[string]*model.Workspace),
		sessions:   make(map[string]*model.AgentSession),
	}
}

// 确保 MemoryStore 实现了 PersistentStore 接口
var _ PersistentStore = (*MemoryStore)(nil)

// Close 关闭存储
func (s *MemoryStore) Close() error { return nil }

// ============================================================================
// Task
// ============================================================================

func (s *MemoryStore) CreateTask(_ context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return ErrDuplicate
	}
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasksByProject(_ context.Context, projectID string) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Task
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) TransitionTask(_ context.Context, id string, from, to model.TaskStatus, errorMessage *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != from {
		return false, nil
	}
	now := time.Now()
	t.Status = to
	t.UpdatedAt = now
	if errorMessage != nil {
		t.ErrorMessage = errorMessage
	}
	if to == model.TaskStatusInProgress && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if model.IsTerminalStatus(to) {
		t.ExecutionStep = nil
		if to == model.TaskStatusCompleted && t.CompletedAt == nil {
			t.CompletedAt = &now
		}
	}
	return true, nil
}

func (s *MemoryStore) UpdateTaskExecutionStep(_ context.Context, id string, step model.ExecutionStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.ExecutionStep = &step
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AttachTaskWorkspace(_ context.Context, id, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.WorkspaceID = &workspaceID
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetTaskAutoProvisionedNode(_ context.Context, id, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.AutoProvisionedNodeID = &nodeID
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetTaskOutput(_ context.Context, id string, branch, prURL *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if branch != nil {
		t.OutputBranch = branch
	}
	if prURL != nil {
		t.OutputPrURL = prURL
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListStaleExecutingTasks(_ context.Context, threshold time.Duration) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-threshold)
	var out []*model.Task
	for _, t := range s.tasks {
		if t.IsExecutable() && t.UpdatedAt.Before(cutoff) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// ============================================================================
// TaskStatusEvent
// ============================================================================

func (s *MemoryStore) AppendTaskStatusEvent(_ context.Context, event *model.TaskStatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) ListTaskStatusEvents(_ context.Context, taskID string) ([]*model.TaskStatusEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TaskStatusEvent
	for _, e := range s.events {
		if e.TaskID == taskID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ============================================================================
// TaskDependency
// ============================================================================

func (s *MemoryStore) CreateTaskDependency(_ context.Context, dep *model.TaskDependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deps {
		if d.TaskID == dep.TaskID && d.DependsOnTaskID == dep.DependsOnTaskID {
			return ErrDuplicate
		}
	}
	cp := *dep
	s.deps = append(s.deps, &cp)
	return nil
}

func (s *MemoryStore) DeleteTaskDependency(_ context.Context, taskID, dependsOnTaskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.deps {
		if d.TaskID == taskID && d.DependsOnTaskID == dependsOnTaskID {
			s.deps = append(s.deps[:i], s.deps[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) ListProjectDependencies(_ context.Context, projectID string) ([]*model.TaskDependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TaskDependency
	for _, d := range s.deps {
		if d.ProjectID == projectID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTaskDependencies(_ context.Context, taskID string) ([]*model.TaskDependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TaskDependency
	for _, d := range s.deps {
		if d.TaskID == taskID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ============================================================================
// Node
// ============================================================================

func (s *MemoryStore) CreateNode(_ context.Context, node *model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[node.ID]; ok {
		return ErrDuplicate
	}
	cp := *node
	s.nodes[node.ID] = &cp
	return nil
}

func (s *MemoryStore) GetNode(_ context.Context, id string) (*model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

func (s *MemoryStore) ListNodesByUser(_ context.Context, userID string, status model.NodeStatus) ([]*model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Node
	for _, n := range s.nodes {
		if n.UserID != userID {
			continue
		}
		if status != "" && n.Status != status {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CountNodesByUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.nodes {
		if n.UserID == userID && n.Status != model.NodeStatusStopped {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) UpdateNodeStatus(_ context.Context, id string, status model.NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = status
	n.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpdateNodeIPAddress(_ context.Context, id, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.IPAddress = ip
	n.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) RecordNodeHeartbeat(_ context.Context, id string, metrics json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	hb := at
	n.LastHeartbeatAt = &hb
	if len(metrics) > 0 {
		n.LastMetrics = append(json.RawMessage(nil), metrics...)
	}
	n.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) MarkNodeActive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.WarmSince = nil
	n.ClaimedBy = nil
	n.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) MarkNodeIdle(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return false, ErrNotFound
	}
	if n.WarmSince != nil || n.ClaimedBy != nil {
		return false, nil
	}
	warm := at
	n.WarmSince = &warm
	n.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) ClaimWarmNode(_ context.Context, id, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return false, ErrNotFound
	}
	if n.WarmSince == nil || n.ClaimedBy != nil {
		return false, nil
	}
	claim := taskID
	n.WarmSince = nil
	n.ClaimedBy = &claim
	n.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) ListWarmNodes(_ context.Context) ([]*model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Node
	for _, n := range s.nodes {
		if n.WarmSince != nil && n.ClaimedBy == nil {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ============================================================================
// Workspace
// ============================================================================

func (s *MemoryStore) CreateWorkspace(_ context.Context, ws *model.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[ws.ID]; ok {
		return ErrDuplicate
	}
	cp := *ws
	s.workspaces[ws.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkspace(_ context.Context, id string) (*model.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) UpdateWorkspaceStatus(_ context.Context, id string, status model.WorkspaceStatus, errorMessage *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	if errorMessage != nil {
		w.ErrorMessage = errorMessage
	}
	w.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListWorkspacesByNode(_ context.Context, nodeID string) ([]*model.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Workspace
	for _, w := range s.workspaces {
		if w.NodeID == nodeID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListActiveWorkspacesByNode(_ context.Context, nodeID string) ([]*model.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Workspace
	for _, w := range s.workspaces {
		if w.NodeID == nodeID && w.IsActive() {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CountActiveWorkspacesByUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, w := range s.workspaces {
		if w.UserID == userID && w.IsActive() {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) TouchWorkspace(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return ErrNotFound
	}
	w.UpdatedAt = time.Now()
	return nil
}

// ============================================================================
// AgentSession
// ============================================================================

func (s *MemoryStore) CreateAgentSession(_ context.Context, session *model.AgentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return ErrDuplicate
	}
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAgentSession(_ context.Context, id string) (*model.AgentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) UpdateAgentSessionStatus(_ context.Context, id string, status model.AgentSessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Status = status
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListSessionsByWorkspace(_ context.Context, workspaceID string) ([]*model.AgentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.AgentSession
	for _, sess := range s.sessions {
		if sess.WorkspaceID == workspaceID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CountActiveSessionsByWorkspace(_ context.Context, workspaceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, sess := range s.sessions {
		if sess.WorkspaceID == workspaceID && sess.Status == model.AgentSessionStatusRunning {
			count++
		}
	}
	return count, nil
}
