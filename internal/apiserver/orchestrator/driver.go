// Package orchestrator 任务编排驱动
//
// 驱动一个任务从 queued 走到终态：选节点（或自动创建）、建工作空间、
// 起 Agent 会话，全程在每个外部可见副作用之前先持久化执行步骤面包屑。
// 驱动进程可能在任意一步被杀死，恢复扫描会重入同一任务，
// 因此状态迁移一律走条件更新，未命中即静默让步。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"agent-fleet/internal/apiserver/agentclient"
	"agent-fleet/internal/apiserver/provider"
	"agent-fleet/internal/apiserver/selector"
	"agent-fleet/internal/apiserver/token"
	"agent-fleet/internal/apiserver/warmpool"
	"agent-fleet/internal/shared/model"
	"agent-fleet/internal/shared/storage"
)

// AgentAPI 驱动所需的远程 Agent 能力子集
type AgentAPI interface {
	Health(ctx context.Context) error
	CreateWorkspace(ctx context.Context, req *agentclient.CreateWorkspaceRequest) error
	StopWorkspace(ctx context.Context, workspaceID string) error
	CreateAgentSession(ctx context.Context, workspaceID string, req *agentclient.CreateSessionRequest) error
	StopAgentSession(ctx context.Context, workspaceID, sessionID string) error
}

// AgentFactory 按节点构造 Agent 客户端
type AgentFactory func(node *model.Node) AgentAPI

// NewAgentFactory 默认工厂：HTTP 客户端 + 节点管理令牌
func NewAgentFactory(tokens *token.Service, agentPort int, timeout time.Duration) AgentFactory {
	return func(node *model.Node) AgentAPI {
		tok, err := tokens.IssueNodeManagementToken(node.ID)
		if err != nil {
			log.Printf("[orchestrator.token_error] node=%s err=%v", node.ID, err)
		}
		baseURL := fmt.Sprintf("http://%s:%d", node.IPAddress, agentPort)
		return agentclient.New(baseURL, tok, timeout)
	}
}

// Config 驱动配置
type Config struct {
	// CallbackBaseURL 控制面对外地址，下发给远程机器用于回调
	CallbackBaseURL string

	// AgentPort 节点上远程 Agent 的监听端口
	AgentPort int

	// 配额（<= 0 表示不限制）
	MaxNodesPerUser            int
	MaxActiveWorkspacesPerUser int
	MaxSessionsPerWorkspace    int

	// 自动创建节点的默认规格
	DefaultVMSize     string
	DefaultVMLocation string

	// WorkspaceIdleTimeoutSeconds 下发给工作空间的空闲超时
	WorkspaceIdleTimeoutSeconds int

	// 轮询参数：指数退避，间隔封顶，总时长有绝对上限
	NodeReadyTimeout      time.Duration
	WorkspaceReadyTimeout time.Duration
	PollBaseInterval      time.Duration
	PollMaxInterval       time.Duration
}

func (c Config) withDefaults() Config {
	if c.AgentPort <= 0 {
		c.AgentPort = 8088
	}
	if c.WorkspaceIdleTimeoutSeconds <= 0 {
		c.WorkspaceIdleTimeoutSeconds = 1800
	}
	if c.NodeReadyTimeout <= 0 {
		c.NodeReadyTimeout = 5 * time.Minute
	}
	if c.WorkspaceReadyTimeout <= 0 {
		c.WorkspaceReadyTimeout = 5 * time.Minute
	}
	if c.PollBaseInterval <= 0 {
		c.PollBaseInterval = time.Second
	}
	if c.PollMaxInterval <= 0 {
		c.PollMaxInterval = 15 * time.Second
	}
	return c
}

// Driver 任务编排驱动
type Driver struct {
	store    storage.PersistentStore
	selector *selector.Selector
	pool     *warmpool.Manager
	cloud    provider.CloudProvider
	tokens   *token.Service
	agents   AgentFactory
	metrics  MetricsSink
	cfg      Config
}

// NewDriver 创建编排驱动（metrics 为 nil 时使用空实现）
func NewDriver(store storage.PersistentStore, sel *selector.Selector, pool *warmpool.Manager,
	cloud provider.CloudProvider, tokens *token.Service, agents AgentFactory,
	metrics MetricsSink, cfg Config) *Driver {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Driver{
		store:    store,
		selector: sel,
		pool:     pool,
		cloud:    cloud,
		tokens:   tokens,
		agents:   agents,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
	}
}

// StartOptions 任务启动参数
type StartOptions struct {
	// NodeID 指定节点（为空时由选择器决定）
	NodeID string

	// VMSize / VMLocation 节点偏好，自动创建时作为规格
	VMSize     string
	VMLocation string

	// Repository / Branch 工作空间的目标仓库
	Repository string
	Branch     string

	// ActorID 发起人（审计用）
	ActorID string
}

// ============================================================================
// 入口
// ============================================================================

// StartTask 受理任务：校验依赖与状态，落 queued，异步启动驱动续体
//
// 同步返回即表示受理（queued 确认）；真正的执行在后台进行。
func (d *Driver) StartTask(ctx context.Context, taskID string, opts StartOptions) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return Errorf(CodeNotFound, "task %s not found", taskID)
	}

	blocked, err := d.isBlocked(ctx, taskID)
	if err != nil {
		return err
	}
	if blocked {
		return Errorf(CodeInvalidStatus, "task %s has incomplete dependencies", taskID)
	}

	// 只接受 ready 起步：同状态迁移虽合法（幂等重放），
	// 但 queued 任务已有驱动续体在跑，重复受理会双重执行
	if task.Status != model.TaskStatusReady {
		if err := model.ValidateTransition(task.Status, model.TaskStatusQueued); err != nil {
			return WrapError(CodeInvalidStatus, err, "cannot start task %s", taskID)
		}
		return Errorf(CodeInvalidStatus, "task %s already started (status %s)", taskID, task.Status)
	}

	hit, err := d.store.TransitionTask(ctx, taskID, model.TaskStatusReady, model.TaskStatusQueued, nil)
	if err != nil {
		return err
	}
	if !hit {
		return Errorf(CodeInvalidStatus, "task %s status changed concurrently", taskID)
	}
	d.appendEvent(ctx, taskID, task.Status, model.TaskStatusQueued, model.ActorTypeUser, opts.ActorID, "start requested")
	d.metrics.TaskStarted()
	log.Printf("[orchestrator.start] task=%s user=%s node=%q", taskID, task.UserID, opts.NodeID)

	go d.Run(context.Background(), taskID, opts)
	return nil
}

// Run 驱动续体（至少一次语义，可由恢复流程重入）
func (d *Driver) Run(ctx context.Context, taskID string, opts StartOptions) {
	err := d.execute(ctx, taskID, opts)
	switch {
	case err == nil:
		log.Printf("[orchestrator.running] task=%s", taskID)
	case errors.Is(err, errYield):
		log.Printf("[orchestrator.yield] task=%s", taskID)
	default:
		log.Printf("[orchestrator.error] task=%s code=%s err=%v", taskID, CodeOf(err), err)
		d.FailTask(ctx, taskID, err)
	}
}

// GetStatus 查询任务当前状态
func (d *Driver) GetStatus(ctx context.Context, taskID string) (*model.Task, error) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, Errorf(CodeNotFound, "task %s not found", taskID)
	}
	return task, nil
}

// ============================================================================
// 主流程
// ============================================================================

func (d *Driver) execute(ctx context.Context, taskID string, opts StartOptions) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return Errorf(CodeNotFound, "task %s not found", taskID)
	}
	if task.IsTerminal() {
		return errYield
	}

	// 1. 选节点 / 自动创建
	d.writeStep(ctx, taskID, model.StepNodeSelection)
	node, fresh, err := d.acquireNode(ctx, task, opts)
	if err != nil {
		return err
	}
	if fresh {
		if err := d.store.SetTaskAutoProvisionedNode(ctx, taskID, node.ID); err != nil {
			return err
		}
	}

	agent := d.agents(node)

	// 2. 新节点等待 Agent 可达
	if fresh {
		d.writeStep(ctx, taskID, model.StepNodeAgentReady)
		if err := d.waitAgentHealthy(ctx, agent); err != nil {
			return WrapError(CodeNodeUnavailable, err, "agent on node %s not responding", node.ID)
		}
	}

	// 3. 创建工作空间
	d.writeStep(ctx, taskID, model.StepWorkspaceCreation)
	ws, err := d.createWorkspace(ctx, task, node, agent, opts)
	if err != nil {
		return err
	}

	// 远程创建成功后才进入 delegated，条件更新检测并发恢复流程
	hit, err := d.store.TransitionTask(ctx, taskID, model.TaskStatusQueued, model.TaskStatusDelegated, nil)
	if err != nil {
		return err
	}
	if !hit {
		return errYield
	}
	d.appendEvent(ctx, taskID, model.TaskStatusQueued, model.TaskStatusDelegated, model.ActorTypeSystem, "", "workspace delegated")

	// 4. 等待工作空间就绪（由节点回调异步填充）
	d.writeStep(ctx, taskID, model.StepWorkspaceReady)
	if err := d.waitWorkspaceReady(ctx, ws.ID); err != nil {
		return err
	}

	// 5. 启动 Agent 会话
	d.writeStep(ctx, taskID, model.StepAgentSession)
	if err := d.startAgentSession(ctx, task, ws, agent); err != nil {
		return err
	}

	// 6. 进入执行
	d.writeStep(ctx, taskID, model.StepRunning)
	hit, err = d.store.TransitionTask(ctx, taskID, model.TaskStatusDelegated, model.TaskStatusInProgress, nil)
	if err != nil {
		return err
	}
	if !hit {
		return errYield
	}
	d.appendEvent(ctx, taskID, model.TaskStatusDelegated, model.TaskStatusInProgress, model.ActorTypeSystem, "", "agent session started")
	return nil
}

// ============================================================================
// 节点获取
// ============================================================================

func (d *Driver) acquireNode(ctx context.Context, task *model.Task, opts StartOptions) (*model.Node, bool, error) {
	// 指定节点：只校验，不回退
	if opts.NodeID != "" {
		node, err := d.store.GetNode(ctx, opts.NodeID)
		if err != nil {
			return nil, false, err
		}
		if node == nil || !node.IsRunning() {
			return nil, false, Errorf(CodeNodeUnavailable, "requested node %s is not running", opts.NodeID)
		}
		if node.IsWarm() {
			if ok, err := d.pool.TryClaim(ctx, node.ID, task.ID); err != nil {
				return nil, false, err
			} else if ok {
				d.metrics.WarmNodeReused()
			}
		}
		return node, false, nil
	}

	prefs := selector.Preferences{VMSize: opts.VMSize, VMLocation: opts.VMLocation}
	node, err := d.selector.SelectNode(ctx, task.UserID, prefs)
	if err != nil {
		return nil, false, err
	}
	if node != nil {
		if !node.IsWarm() {
			return node, false, nil
		}
		ok, err := d.pool.TryClaim(ctx, node.ID, task.ID)
		if err != nil {
			return nil, false, err
		}
		if ok {
			d.metrics.WarmNodeReused()
			return node, false, nil
		}
		// 温节点被并发任务抢走，退回自动创建
		log.Printf("[orchestrator.claim_lost] task=%s node=%s", task.ID, node.ID)
	}

	return d.provisionNode(ctx, task, opts)
}

// provisionNode 为任务自动创建节点并等待其就绪
func (d *Driver) provisionNode(ctx context.Context, task *model.Task, opts StartOptions) (*model.Node, bool, error) {
	if d.cfg.MaxNodesPerUser > 0 {
		count, err := d.store.CountNodesByUser(ctx, task.UserID)
		if err != nil {
			return nil, false, err
		}
		if count >= d.cfg.MaxNodesPerUser {
			return nil, false, Errorf(CodeLimitExceeded, "user %s reached node limit (%d)", task.UserID, d.cfg.MaxNodesPerUser)
		}
	}

	d.writeStep(ctx, task.ID, model.StepNodeProvisioning)

	size := opts.VMSize
	if size == "" {
		size = d.cfg.DefaultVMSize
	}
	location := opts.VMLocation
	if location == "" {
		location = d.cfg.DefaultVMLocation
	}

	now := time.Now()
	node := &model.Node{
		ID:                         "node-" + uuid.NewString(),
		UserID:                     task.UserID,
		Status:                     model.NodeStatusCreating,
		VMSize:                     size,
		VMLocation:                 location,
		HeartbeatStaleAfterSeconds: model.DefaultHeartbeatStaleAfter,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
	if err := d.store.CreateNode(ctx, node); err != nil {
		return nil, false, err
	}
	log.Printf("[orchestrator.provision] task=%s node=%s size=%s location=%s", task.ID, node.ID, size, location)

	vm, err := d.cloud.CreateVM(ctx, provider.CreateVMRequest{
		NodeID:   node.ID,
		UserID:   task.UserID,
		Size:     size,
		Location: location,
	})
	if err != nil {
		d.markNodeError(ctx, node.ID)
		d.metrics.NodeProvisioned("failed")
		return nil, false, WrapError(CodeProvisionFailed, err, "vm creation for node %s failed", node.ID)
	}
	if vm.IPAddress != "" {
		if err := d.store.UpdateNodeIPAddress(ctx, node.ID, vm.IPAddress); err != nil {
			return nil, false, err
		}
	}

	// 节点以回调确认上线（status -> running），这里只轮询数据库
	err = d.pollUntil(ctx, d.cfg.NodeReadyTimeout, func(ctx context.Context) (bool, error) {
		current, err := d.store.GetNode(ctx, node.ID)
		if err != nil {
			return false, err
		}
		if current == nil {
			return false, Errorf(CodeProvisionFailed, "node %s disappeared during provisioning", node.ID)
		}
		switch current.Status {
		case model.NodeStatusRunning:
			return true, nil
		case model.NodeStatusError, model.NodeStatusStopped:
			return false, Errorf(CodeProvisionFailed, "node %s entered %s during provisioning", node.ID, current.Status)
		default:
			return false, nil
		}
	})
	if err != nil {
		d.markNodeError(ctx, node.ID)
		d.metrics.NodeProvisioned("failed")
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, false, Errorf(CodeProvisionFailed, "node %s not ready within %s", node.ID, d.cfg.NodeReadyTimeout)
		}
		return nil, false, err
	}

	d.metrics.NodeProvisioned("success")
	fresh, err := d.store.GetNode(ctx, node.ID)
	if err != nil {
		return nil, false, err
	}
	return fresh, true, nil
}

func (d *Driver) markNodeError(ctx context.Context, nodeID string) {
	if err := d.store.UpdateNodeStatus(ctx, nodeID, model.NodeStatusError); err != nil {
		log.Printf("[orchestrator.store_error] node=%s err=%v", nodeID, err)
	}
}

// ============================================================================
// 工作空间与会话
// ============================================================================

func (d *Driver) createWorkspace(ctx context.Context, task *model.Task, node *model.Node, agent AgentAPI, opts StartOptions) (*model.Workspace, error) {
	if d.cfg.MaxActiveWorkspacesPerUser > 0 {
		count, err := d.store.CountActiveWorkspacesByUser(ctx, task.UserID)
		if err != nil {
			return nil, err
		}
		if count >= d.cfg.MaxActiveWorkspacesPerUser {
			return nil, Errorf(CodeLimitExceeded, "user %s reached workspace limit (%d)", task.UserID, d.cfg.MaxActiveWorkspacesPerUser)
		}
	}

	name, err := d.allocateWorkspaceName(ctx, node.ID, opts.Repository, task.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ws := &model.Workspace{
		ID:                 "ws-" + uuid.NewString(),
		NodeID:             node.ID,
		UserID:             task.UserID,
		Name:               name,
		Repository:         opts.Repository,
		Branch:             opts.Branch,
		Status:             model.WorkspaceStatusCreating,
		IdleTimeoutSeconds: d.cfg.WorkspaceIdleTimeoutSeconds,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := d.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	if err := d.store.AttachTaskWorkspace(ctx, task.ID, ws.ID); err != nil {
		return nil, err
	}

	// 节点上有新工作空间，退出温池
	if err := d.pool.MarkActive(ctx, node.ID); err != nil {
		log.Printf("[orchestrator.pool_error] node=%s err=%v", node.ID, err)
	}

	cbToken, err := d.tokens.IssueWorkspaceCallbackToken(ws.ID, node.ID)
	if err != nil {
		return nil, WrapError(CodeWorkspaceCreationFailed, err, "mint callback token for workspace %s", ws.ID)
	}

	if err := agent.CreateWorkspace(ctx, &agentclient.CreateWorkspaceRequest{
		WorkspaceID:        ws.ID,
		Name:               name,
		Repository:         opts.Repository,
		Branch:             opts.Branch,
		IdleTimeoutSeconds: ws.IdleTimeoutSeconds,
		CallbackURL:        d.cfg.CallbackBaseURL,
		CallbackToken:      cbToken,
	}); err != nil {
		msg := err.Error()
		if uerr := d.store.UpdateWorkspaceStatus(ctx, ws.ID, model.WorkspaceStatusError, &msg); uerr != nil {
			log.Printf("[orchestrator.store_error] workspace=%s err=%v", ws.ID, uerr)
		}
		return nil, WrapError(CodeWorkspaceCreationFailed, err, "remote workspace creation on node %s failed", node.ID)
	}

	log.Printf("[orchestrator.workspace] task=%s workspace=%s node=%s name=%s", task.ID, ws.ID, node.ID, name)
	return ws, nil
}

// allocateWorkspaceName 在节点内分配唯一显示名（repo、repo-2、repo-3 ...）
func (d *Driver) allocateWorkspaceName(ctx context.Context, nodeID, repository, taskID string) (string, error) {
	base := repoShortName(repository)
	if base == "" {
		base = "task-" + shortID(taskID)
	}

	existing, err := d.store.ListWorkspacesByNode(ctx, nodeID)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(existing))
	for _, ws := range existing {
		taken[ws.Name] = true
	}

	if !taken[base] {
		return base, nil
	}
	for i := 2; ; i++ {
		name := fmt.Sprintf("%s-%d", base, i)
		if !taken[name] {
			return name, nil
		}
	}
}

// repoShortName 从仓库地址提取短名："git@host:org/repo.git" -> "repo"
func repoShortName(repository string) string {
	if repository == "" {
		return ""
	}
	name := repository
	if idx := strings.LastIndexAny(name, "/:"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.TrimSuffix(name, ".git")
	return strings.ToLower(name)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (d *Driver) startAgentSession(ctx context.Context, task *model.Task, ws *model.Workspace, agent AgentAPI) error {
	if d.cfg.MaxSessionsPerWorkspace > 0 {
		n, err := d.store.CountActiveSessionsByWorkspace(ctx, ws.ID)
		if err != nil {
			return err
		}
		if n >= d.cfg.MaxSessionsPerWorkspace {
			return Errorf(CodeLimitExceeded, "workspace %s already has %d active agent sessions (max %d)",
				ws.ID, n, d.cfg.MaxSessionsPerWorkspace)
		}
	}

	now := time.Now()
	session := &model.AgentSession{
		ID:          "sess-" + uuid.NewString(),
		WorkspaceID: ws.ID,
		Status:      model.AgentSessionStatusRunning,
		Label:       task.Title,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.store.CreateAgentSession(ctx, session); err != nil {
		return err
	}

	if err := agent.CreateAgentSession(ctx, ws.ID, &agentclient.CreateSessionRequest{
		SessionID: session.ID,
		Label:     task.Title,
		Prompt:    task.Description,
	}); err != nil {
		if uerr := d.store.UpdateAgentSessionStatus(ctx, session.ID, model.AgentSessionStatusError); uerr != nil {
			log.Printf("[orchestrator.store_error] session=%s err=%v", session.ID, uerr)
		}
		return WrapError(CodeExecutionFailed, err, "agent session start in workspace %s failed", ws.ID)
	}
	return nil
}

// ============================================================================
// 等待与轮询
// ============================================================================

// waitAgentHealthy 轮询新节点的探活接口
func (d *Driver) waitAgentHealthy(ctx context.Context, agent AgentAPI) error {
	var lastErr error
	err := d.pollUntil(ctx, d.cfg.NodeReadyTimeout, func(ctx context.Context) (bool, error) {
		if err := agent.Health(ctx); err != nil {
			lastErr = err
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		if lastErr != nil {
			return fmt.Errorf("health check: %w (last: %v)", err, lastErr)
		}
		return err
	}
	return nil
}

// waitWorkspaceReady 轮询工作空间行，等待节点回调将其置为就绪
func (d *Driver) waitWorkspaceReady(ctx context.Context, workspaceID string) error {
	err := d.pollUntil(ctx, d.cfg.WorkspaceReadyTimeout, func(ctx context.Context) (bool, error) {
		ws, err := d.store.GetWorkspace(ctx, workspaceID)
		if err != nil {
			return false, err
		}
		if ws == nil {
			return false, Errorf(CodeWorkspaceLost, "workspace %s disappeared while waiting", workspaceID)
		}
		switch ws.Status {
		case model.WorkspaceStatusRunning, model.WorkspaceStatusRecovery:
			return true, nil
		case model.WorkspaceStatusError:
			msg := "remote reported error"
			if ws.ErrorMessage != nil {
				msg = *ws.ErrorMessage
			}
			return false, Errorf(CodeWorkspaceCreationFailed, "workspace %s failed: %s", workspaceID, msg)
		case model.WorkspaceStatusStopped, model.WorkspaceStatusStopping:
			return false, Errorf(CodeWorkspaceStopped, "workspace %s stopped before becoming ready", workspaceID)
		default:
			return false, nil
		}
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return Errorf(CodeWorkspaceTimeout, "workspace %s not ready within %s", workspaceID, d.cfg.WorkspaceReadyTimeout)
	}
	return err
}

// pollUntil 指数退避轮询：间隔翻倍封顶，总时长受绝对截止时间约束
func (d *Driver) pollUntil(ctx context.Context, deadline time.Duration, fn func(context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	interval := d.cfg.PollBaseInterval
	for {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > d.cfg.PollMaxInterval {
			interval = d.cfg.PollMaxInterval
		}
	}
}

// ============================================================================
// 面包屑与审计
// ============================================================================

// writeStep 前进执行步骤；倒退写入直接丢弃
func (d *Driver) writeStep(ctx context.Context, taskID string, step model.ExecutionStep) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		log.Printf("[orchestrator.step_error] task=%s step=%s err=%v", taskID, step, err)
		return
	}
	if !model.CanProgressExecutionStep(task.ExecutionStep, step) {
		log.Printf("[orchestrator.step_skip] task=%s from=%v to=%s", taskID, task.ExecutionStep, step)
		return
	}
	if task.ExecutionStep != nil && *task.ExecutionStep == step {
		return
	}
	if err := d.store.UpdateTaskExecutionStep(ctx, taskID, step); err != nil {
		log.Printf("[orchestrator.step_error] task=%s step=%s err=%v", taskID, step, err)
		return
	}
	d.metrics.StepAdvanced(string(step))
}

func (d *Driver) appendEvent(ctx context.Context, taskID string, from, to model.TaskStatus, actorType model.ActorType, actorID, reason string) {
	event := &model.TaskStatusEvent{
		ID:         "evt-" + uuid.NewString(),
		TaskID:     taskID,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actorType,
		ActorID:    actorID,
		Reason:     reason,
		CreatedAt:  time.Now(),
	}
	if err := d.store.AppendTaskStatusEvent(ctx, event); err != nil {
		log.Printf("[orchestrator.audit_error] task=%s err=%v", taskID, err)
	}
}

// isBlocked 判断任务是否有未完成依赖
func (d *Driver) isBlocked(ctx context.Context, taskID string) (bool, error) {
	deps, err := d.store.ListTaskDependencies(ctx, taskID)
	if err != nil {
		return false, err
	}
	for _, dep := range deps {
		upstream, err := d.store.GetTask(ctx, dep.DependsOnTaskID)
		if err != nil {
			return false, err
		}
		if upstream == nil || upstream.Status != model.TaskStatusCompleted {
			return true, nil
		}
	}
	return false, nil
}
