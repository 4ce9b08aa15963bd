package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-fleet/internal/apiserver/agentclient"
	"agent-fleet/internal/apiserver/provider"
	"agent-fleet/internal/apiserver/selector"
	"agent-fleet/internal/apiserver/token"
	"agent-fleet/internal/apiserver/warmpool"
	"agent-fleet/internal/shared/model"
	"agent-fleet/internal/shared/storage"
)

// ============================================================================
// 测试桩
// ============================================================================

// fakeAgent 远程 Agent 桩
//
// workspaceStatus 非空时，CreateWorkspace 同步把工作空间行置为该状态，
// 模拟节点回调；为空则保持 creating（用于超时路径）。
type fakeAgent struct {
	mu    sync.Mutex
	store storage.PersistentStore

	workspaceStatus model.WorkspaceStatus
	createErr       error
	sessionErr      error
	healthErr       error

	created      []agentclient.CreateWorkspaceRequest
	stopped      []string
	sessions     []agentclient.CreateSessionRequest
	sessionStops []string
}

func (a *fakeAgent) Health(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthErr
}

func (a *fakeAgent) CreateWorkspace(ctx context.Context, req *agentclient.CreateWorkspaceRequest) error {
	a.mu.Lock()
	a.created = append(a.created, *req)
	err := a.createErr
	status := a.workspaceStatus
	a.mu.Unlock()
	if err != nil {
		return err
	}
	if status != "" {
		return a.store.UpdateWorkspaceStatus(ctx, req.WorkspaceID, status, nil)
	}
	return nil
}

func (a *fakeAgent) StopWorkspace(ctx context.Context, workspaceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = append(a.stopped, workspaceID)
	return nil
}

func (a *fakeAgent) CreateAgentSession(ctx context.Context, workspaceID string, req *agentclient.CreateSessionRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionErr != nil {
		return a.sessionErr
	}
	a.sessions = append(a.sessions, *req)
	return nil
}

func (a *fakeAgent) StopAgentSession(ctx context.Context, workspaceID, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionStops = append(a.sessionStops, sessionID)
	return nil
}

func (a *fakeAgent) stoppedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.stopped)
}

func (a *fakeAgent) createdWorkspaces() []agentclient.CreateWorkspaceRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]agentclient.CreateWorkspaceRequest, len(a.created))
	copy(out, a.created)
	return out
}

func (a *fakeAgent) createdSessions() []agentclient.CreateSessionRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]agentclient.CreateSessionRequest, len(a.sessions))
	copy(out, a.sessions)
	return out
}

// ============================================================================
// 测试环境
// ============================================================================

type env struct {
	store  *storage.MemoryStore
	cloud  *provider.Fake
	agent  *fakeAgent
	pool   *warmpool.Manager
	driver *Driver
}

func newEnv(t *testing.T) *env {
	t.Helper()

	store := storage.NewMemoryStore()
	agent := &fakeAgent{store: store, workspaceStatus: model.WorkspaceStatusRunning}

	// 创建即就绪：模拟节点上线回调，并补上首个心跳
	cloud := &provider.Fake{
		CreateVMFunc: func(ctx context.Context, req provider.CreateVMRequest) (*provider.VM, error) {
			if err := store.UpdateNodeStatus(ctx, req.NodeID, model.NodeStatusRunning); err != nil {
				return nil, err
			}
			if err := store.RecordNodeHeartbeat(ctx, req.NodeID, nil, time.Now()); err != nil {
				return nil, err
			}
			return &provider.VM{ProviderID: "vm-" + req.NodeID, IPAddress: "10.0.0.1"}, nil
		},
	}

	pool := warmpool.New(store, store, nil, cloud, time.Hour)
	t.Cleanup(pool.Stop)

	sel := selector.New(store, store, nil, selector.Config{})
	tokens := token.NewService("agent-fleet-test")

	driver := NewDriver(store, sel, pool, cloud, tokens,
		func(*model.Node) AgentAPI { return agent },
		nil, Config{
			CallbackBaseURL:       "http://control-plane.test",
			DefaultVMSize:         "standard-4",
			DefaultVMLocation:     "eu-west",
			MaxNodesPerUser:       5,
			NodeReadyTimeout:      2 * time.Second,
			WorkspaceReadyTimeout: 2 * time.Second,
			PollBaseInterval:      2 * time.Millisecond,
			PollMaxInterval:       10 * time.Millisecond,
		})

	return &env{store: store, cloud: cloud, agent: agent, pool: pool, driver: driver}
}

func (e *env) createTask(t *testing.T, id string, status model.TaskStatus) *model.Task {
	t.Helper()
	now := time.Now()
	task := &model.Task{
		ID:          id,
		ProjectID:   "proj-1",
		UserID:      "user-1",
		Title:       "Fix flaky login test",
		Description: "The login e2e test fails intermittently, find and fix the race.",
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, e.store.CreateTask(context.Background(), task))
	return task
}

func (e *env) waitForStatus(t *testing.T, taskID string, want model.TaskStatus) *model.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := e.store.GetTask(context.Background(), taskID)
		require.NoError(t, err)
		require.NotNil(t, task)
		if task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := e.store.GetTask(context.Background(), taskID)
	t.Fatalf("task %s never reached %s (current: %+v)", taskID, want, task)
	return nil
}

// ============================================================================
// 主流程
// ============================================================================

func TestStartTask_AutoProvisionsNode(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.createTask(t, "task-1", model.TaskStatusReady)

	opts := StartOptions{Repository: "git@example.com:org/webapp.git", Branch: "main", ActorID: "user-1"}
	require.NoError(t, e.driver.StartTask(ctx, "task-1", opts))

	task := e.waitForStatus(t, "task-1", model.TaskStatusInProgress)

	// 节点自动创建并记录在任务上
	require.NotNil(t, task.AutoProvisionedNodeID)
	node, err := e.store.GetNode(ctx, *task.AutoProvisionedNodeID)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, model.NodeStatusRunning, node.Status)
	assert.Equal(t, "standard-4", node.VMSize)
	assert.Len(t, e.cloud.Created, 1)

	// 工作空间绑定且运行中
	require.NotNil(t, task.WorkspaceID)
	ws, err := e.store.GetWorkspace(ctx, *task.WorkspaceID)
	require.NoError(t, err)
	require.NotNil(t, ws)
	assert.Equal(t, model.WorkspaceStatusRunning, ws.Status)
	assert.Equal(t, "webapp", ws.Name)

	// 远程调用携带回调令牌
	created := e.agent.createdWorkspaces()
	require.Len(t, created, 1)
	assert.Equal(t, ws.ID, created[0].WorkspaceID)
	assert.NotEmpty(t, created[0].CallbackToken)
	assert.Equal(t, "http://control-plane.test", created[0].CallbackURL)

	// Agent 会话以任务描述为初始指令
	sessions := e.agent.createdSessions()
	require.Len(t, sessions, 1)
	assert.Contains(t, sessions[0].Prompt, "login e2e test")

	// 步骤面包屑到达 running，started_at 已落
	require.NotNil(t, task.ExecutionStep)
	assert.Equal(t, model.StepRunning, *task.ExecutionStep)
	assert.NotNil(t, task.StartedAt)

	// 审计链完整
	events, err := e.store.ListTaskStatusEvents(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.TaskStatusQueued, events[0].ToStatus)
	assert.Equal(t, model.ActorTypeUser, events[0].ActorType)
	assert.Equal(t, model.TaskStatusDelegated, events[1].ToStatus)
	assert.Equal(t, model.ActorTypeSystem, events[1].ActorType)
	assert.Equal(t, model.TaskStatusInProgress, events[2].ToStatus)
}

func TestStartTask_ReusesExistingNode(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.createTask(t, "task-1", model.TaskStatusReady)

	hb := time.Now()
	require.NoError(t, e.store.CreateNode(ctx, &model.Node{
		ID:              "node-existing",
		UserID:          "user-1",
		Status:          model.NodeStatusRunning,
		IPAddress:       "10.0.0.5",
		LastHeartbeatAt: &hb,
		CreatedAt:       hb,
		UpdatedAt:       hb,
	}))

	require.NoError(t, e.driver.StartTask(ctx, "task-1", StartOptions{Repository: "org/webapp"}))
	task := e.waitForStatus(t, "task-1", model.TaskStatusInProgress)

	assert.Nil(t, task.AutoProvisionedNodeID)
	assert.Empty(t, e.cloud.Created)

	ws, err := e.store.GetWorkspace(ctx, *task.WorkspaceID)
	require.NoError(t, err)
	assert.Equal(t, "node-existing", ws.NodeID)
}

func TestStartTask_RequestedNodeMustBeRunning(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.createTask(t, "task-1", model.TaskStatusReady)

	now := time.Now()
	require.NoError(t, e.store.CreateNode(ctx, &model.Node{
		ID: "node-stopped", UserID: "user-1", Status: model.NodeStatusStopped,
		CreatedAt: now, UpdatedAt: now,
	}))

	err := e.driver.StartTask(ctx, "task-1", StartOptions{NodeID: "node-stopped"})
	require.NoError(t, err)

	task := e.waitForStatus(t, "task-1", model.TaskStatusFailed)
	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, string(CodeNodeUnavailable))
}

func TestStartTask_RejectsBlockedTask(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.createTask(t, "task-up", model.TaskStatusInProgress)
	e.createTask(t, "task-down", model.TaskStatusReady)
	require.NoError(t, e.store.CreateTaskDependency(ctx, &model.TaskDependency{
		ProjectID: "proj-1", TaskID: "task-down", DependsOnTaskID: "task-up",
	}))

	err := e.driver.StartTask(ctx, "task-down", StartOptions{})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidStatus, CodeOf(err))

	task, _ := e.store.GetTask(ctx, "task-down")
	assert.Equal(t, model.TaskStatusReady, task.Status)
}

func TestStartTask_RejectsNonReadyStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.createTask(t, "task-draft", model.TaskStatusDraft)
	e.createTask(t, "task-running", model.TaskStatusInProgress)

	for _, id := range []string{"task-draft", "task-running", "task-missing"} {
		err := e.driver.StartTask(ctx, id, StartOptions{})
		require.Error(t, err, id)
	}
	assert.Equal(t, CodeNotFound, CodeOf(e.driver.StartTask(ctx, "task-missing", StartOptions{})))
}

func TestStartTask_ConflictingDelegation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.createTask(t, "task-1", model.TaskStatusReady)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- e.driver.StartTask(ctx, "task-1", StartOptions{Repository: "org/webapp"})
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.Equal(t, CodeInvalidStatus, CodeOf(err))
		}
	}
	assert.Equal(t, 1, succeeded)

	e.waitForStatus(t, "task-1", model.TaskStatusInProgress)
	assert.Len(t, e.agent.createdWorkspaces(), 1)
	assert.Len(t, e.cloud.Created, 1)
}

// ============================================================================
// 失败路径
// ============================================================================

func TestProvisionFailure_MarksTaskFailed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.createTask(t, "task-1", model.TaskStatusReady)
	e.cloud.CreateVMFunc = func(context.Context, provider.CreateVMRequest) (*provider.VM, error) {
		return nil, errors.New("quota exhausted in region")
	}

	require.NoError(t, e.driver.StartTask(ctx, "task-1", StartOptions{}))
	task := e.waitForStatus(t, "task-1", model.TaskStatusFailed)

	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, string(CodeProvisionFailed))
	assert.Contains(t, *task.ErrorMessage, "quota exhausted")
	assert.Nil(t, task.ExecutionStep)

	// 失败的节点不留在 creating
	nodes, err := e.store.ListNodesByUser(ctx, "user-1", model.NodeStatusError)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestWorkspaceTimeout_FailsAndCleansUp(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.driver.cfg.WorkspaceReadyTimeout = 50 * time.Millisecond
	e.agent.workspaceStatus = "" // 节点永不回调
	e.createTask(t, "task-1", model.TaskStatusReady)

	require.NoError(t, e.driver.StartTask(ctx, "task-1", StartOptions{Repository: "org/webapp"}))
	task := e.waitForStatus(t, "task-1", model.TaskStatusFailed)

	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, string(CodeWorkspaceTimeout))

	// 清理：工作空间停止，自动创建的节点归还温池
	ws, err := e.store.GetWorkspace(ctx, *task.WorkspaceID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkspaceStatusStopped, ws.Status)
	assert.Equal(t, 1, e.agent.stoppedCount())

	node, err := e.store.GetNode(ctx, *task.AutoProvisionedNodeID)
	require.NoError(t, err)
	assert.True(t, node.IsWarm())
}

func TestWorkspaceStopped_DuringWait(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.agent.workspaceStatus = model.WorkspaceStatusStopped
	e.createTask(t, "task-1", model.TaskStatusReady)

	require.NoError(t, e.driver.StartTask(ctx, "task-1", StartOptions{}))
	task := e.waitForStatus(t, "task-1", model.TaskStatusFailed)
	assert.Contains(t, *task.ErrorMessage, string(CodeWorkspaceStopped))
}

func TestWorkspaceError_PropagatesRemoteMessage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.agent.workspaceStatus = "" // 下面手动置 error
	e.createTask(t, "task-1", model.TaskStatusReady)

	require.NoError(t, e.driver.StartTask(ctx, "task-1", StartOptions{}))

	// 等工作空间行出现后模拟节点上报失败
	var wsID string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := e.store.GetTask(ctx, "task-1")
		require.NoError(t, err)
		if task.WorkspaceID != nil {
			wsID = *task.WorkspaceID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEmpty(t, wsID)
	msg := "git clone failed: repository not found"
	require.NoError(t, e.driver.AdvanceWorkspaceReady(ctx, wsID, model.WorkspaceStatusError, &msg))

	task := e.waitForStatus(t, "task-1", model.TaskStatusFailed)
	assert.Contains(t, *task.ErrorMessage, string(CodeWorkspaceCreationFailed))
	assert.Contains(t, *task.ErrorMessage, "repository not found")
}

// ============================================================================
// 回调、清理与复用
// ============================================================================

func runToInProgress(t *testing.T, e *env, taskID string) *model.Task {
	t.Helper()
	e.createTask(t, taskID, model.TaskStatusReady)
	require.NoError(t, e.driver.StartTask(context.Background(), taskID, StartOptions{Repository: "org/webapp"}))
	return e.waitForStatus(t, taskID, model.TaskStatusInProgress)
}

func TestApplyStatusCallback_CompletesAndCleansUp(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task := runToInProgress(t, e, "task-1")

	branch := "fix/login-race"
	prURL := "https://example.com/org/webapp/pull/42"
	require.NoError(t, e.driver.ApplyStatusCallback(ctx, "task-1", StatusCallback{
		ToStatus:     model.TaskStatusCompleted,
		OutputBranch: &branch,
		OutputPrURL:  &prURL,
		ActorID:      *task.WorkspaceID,
		Reason:       "pull request opened",
	}))

	done, err := e.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, done.Status)
	assert.Equal(t, branch, *done.OutputBranch)
	assert.Equal(t, prURL, *done.OutputPrURL)
	assert.Nil(t, done.ExecutionStep)
	assert.NotNil(t, done.CompletedAt)

	// 终态触发清理：远程停止 + 节点入温池
	ws, err := e.store.GetWorkspace(ctx, *done.WorkspaceID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkspaceStatusStopped, ws.Status)
	node, err := e.store.GetNode(ctx, *done.AutoProvisionedNodeID)
	require.NoError(t, err)
	assert.True(t, node.IsWarm())

	events, err := e.store.ListTaskStatusEvents(ctx, "task-1")
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.ActorTypeWorkspaceCallback, last.ActorType)
	assert.Equal(t, model.TaskStatusCompleted, last.ToStatus)
}

func TestApplyStatusCallback_RejectsIllegalTransition(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.createTask(t, "task-1", model.TaskStatusReady)

	err := e.driver.ApplyStatusCallback(ctx, "task-1", StatusCallback{ToStatus: model.TaskStatusCompleted})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidStatus, CodeOf(err))
}

// recordingMetrics 记录指标调用的测试桩
type recordingMetrics struct {
	mu       sync.Mutex
	started  int
	finished []string
}

func (r *recordingMetrics) TaskStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recordingMetrics) TaskFinished(status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, status)
}

func (r *recordingMetrics) StepAdvanced(string)    {}
func (r *recordingMetrics) NodeProvisioned(string) {}
func (r *recordingMetrics) WarmNodeReused()        {}
func (r *recordingMetrics) CleanupRun(string)      {}

func (r *recordingMetrics) finishedStatuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.finished...)
}

// 用户取消执行中的任务也要补记终态指标，否则 running 计数只增不减
func TestFinalizeUserTransition_CancelEmitsFinished(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := &recordingMetrics{}
	e.driver.metrics = rec

	runToInProgress(t, e, "task-1")

	hit, err := e.store.TransitionTask(ctx, "task-1", model.TaskStatusInProgress, model.TaskStatusCancelled, nil)
	require.NoError(t, err)
	require.True(t, hit)
	require.NoError(t, e.driver.FinalizeUserTransition(ctx, "task-1", model.TaskStatusInProgress, model.TaskStatusCancelled))

	assert.Equal(t, []string{"cancelled"}, rec.finishedStatuses())
	assert.Equal(t, 1, e.agent.stoppedCount())
}

// draft 直接取消：从未进入执行，不得递减 running 计数
func TestFinalizeUserTransition_DraftCancelSkipsMetric(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := &recordingMetrics{}
	e.driver.metrics = rec

	e.createTask(t, "task-1", model.TaskStatusDraft)
	hit, err := e.store.TransitionTask(ctx, "task-1", model.TaskStatusDraft, model.TaskStatusCancelled, nil)
	require.NoError(t, err)
	require.True(t, hit)
	require.NoError(t, e.driver.FinalizeUserTransition(ctx, "task-1", model.TaskStatusDraft, model.TaskStatusCancelled))

	assert.Empty(t, rec.finishedStatuses())
}

// 非终态迁移（重试回 ready）不触发清理
func TestFinalizeUserTransition_NonTerminalIsNoop(t *testing.T) {
	e := newEnv(t)
	rec := &recordingMetrics{}
	e.driver.metrics = rec

	e.createTask(t, "task-1", model.TaskStatusFailed)
	require.NoError(t, e.driver.FinalizeUserTransition(context.Background(), "task-1", model.TaskStatusFailed, model.TaskStatusReady))
	assert.Empty(t, rec.finishedStatuses())
}

func TestStartAgentSession_SessionLimit(t *testing.T) {
	e := newEnv(t)
	e.driver.cfg.MaxSessionsPerWorkspace = 1
	ctx := context.Background()

	task := e.createTask(t, "task-1", model.TaskStatusInProgress)
	now := time.Now()
	ws := &model.Workspace{
		ID: "ws-1", NodeID: "node-1", UserID: "user-1",
		Name:       "webapp",
		Repository: "org/webapp", Branch: "main",
		Status:    model.WorkspaceStatusRunning,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, e.store.CreateWorkspace(ctx, ws))
	require.NoError(t, e.store.CreateAgentSession(ctx, &model.AgentSession{
		ID: "sess-existing", WorkspaceID: "ws-1",
		Status:    model.AgentSessionStatusRunning,
		CreatedAt: now, UpdatedAt: now,
	}))

	err := e.driver.startAgentSession(ctx, task, ws, e.agent)
	require.Error(t, err)
	assert.Equal(t, CodeLimitExceeded, CodeOf(err))

	// 超限时不新建会话行
	n, err := e.store.CountActiveSessionsByWorkspace(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCleanupTaskRun_Idempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	runToInProgress(t, e, "task-1")

	require.NoError(t, e.driver.ApplyStatusCallback(ctx, "task-1", StatusCallback{ToStatus: model.TaskStatusCompleted}))
	require.Equal(t, 1, e.agent.stoppedCount())

	// 重复清理不再发远程请求
	require.NoError(t, e.driver.CleanupTaskRun(ctx, "task-1"))
	require.NoError(t, e.driver.CleanupTaskRun(ctx, "task-1"))
	assert.Equal(t, 1, e.agent.stoppedCount())
}

func TestWarmNodeReuse_SecondTaskClaimsNode(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	task1 := runToInProgress(t, e, "task-1")
	require.NoError(t, e.driver.ApplyStatusCallback(ctx, "task-1", StatusCallback{ToStatus: model.TaskStatusCompleted}))

	nodeID := *task1.AutoProvisionedNodeID
	node, err := e.store.GetNode(ctx, nodeID)
	require.NoError(t, err)
	require.True(t, node.IsWarm())

	// 第二个任务复用温节点，不再创建 VM
	task2 := runToInProgress(t, e, "task-2")
	assert.Nil(t, task2.AutoProvisionedNodeID)
	assert.Len(t, e.cloud.Created, 1)

	ws, err := e.store.GetWorkspace(ctx, *task2.WorkspaceID)
	require.NoError(t, err)
	assert.Equal(t, nodeID, ws.NodeID)
	assert.Equal(t, "webapp-2", ws.Name)

	reused, err := e.store.GetNode(ctx, nodeID)
	require.NoError(t, err)
	assert.False(t, reused.IsWarm())
}

func TestNodeLimit_Exceeded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.driver.cfg.MaxNodesPerUser = 1

	now := time.Now()
	// 已有节点但不健康（无心跳），选择器跳过，触发自动创建路径
	require.NoError(t, e.store.CreateNode(ctx, &model.Node{
		ID: "node-dead", UserID: "user-1", Status: model.NodeStatusRunning,
		CreatedAt: now, UpdatedAt: now,
	}))
	e.createTask(t, "task-1", model.TaskStatusReady)

	require.NoError(t, e.driver.StartTask(ctx, "task-1", StartOptions{}))
	task := e.waitForStatus(t, "task-1", model.TaskStatusFailed)
	assert.Contains(t, *task.ErrorMessage, string(CodeLimitExceeded))
	assert.Empty(t, e.cloud.Created)
}

// ============================================================================
// 恢复扫描
// ============================================================================

func TestRecoverStuckTasks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	stale := time.Now().Add(-time.Hour)
	require.NoError(t, e.store.CreateTask(ctx, &model.Task{
		ID: "task-stuck", ProjectID: "proj-1", UserID: "user-1",
		Title: "stuck", Status: model.TaskStatusDelegated,
		CreatedAt: stale, UpdatedAt: stale,
	}))
	e.createTask(t, "task-fresh", model.TaskStatusReady)

	n, err := e.driver.RecoverStuckTasks(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task, err := e.store.GetTask(ctx, "task-stuck")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.True(t, strings.Contains(*task.ErrorMessage, "recovery threshold"))

	fresh, err := e.store.GetTask(ctx, "task-fresh")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusReady, fresh.Status)
}

// ============================================================================
// 工具函数
// ============================================================================

func TestRepoShortName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"git@example.com:org/WebApp.git", "webapp"},
		{"https://example.com/org/webapp", "webapp"},
		{"webapp", "webapp"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, repoShortName(tt.in), tt.in)
	}
}
