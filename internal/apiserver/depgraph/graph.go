// Package depgraph 任务依赖图算法
//
// 依赖边存储在 task_dependencies 表中（见 storage.DependencyStore），
// 本包在内存中对项目级边集合做环检测和阻塞计算：
//   - 插入边之前调用 WouldCreateCycle，保证边集合始终是 DAG
//   - 任务被阻塞 ⇔ 存在出边指向未 completed 的任务
package depgraph

import (
	"agent-fleet/internal/shared/model"
)

// Graph 项目内依赖图的邻接表（taskID -> 它依赖的任务）
type Graph struct {
	out map[string][]string
}

// Build 从依赖边集合构建图
func Build(deps []*model.TaskDependency) *Graph {
	g := &Graph{out: make(map[string][]string)}
	for _, d := range deps {
		g.out[d.TaskID] = append(g.out[d.TaskID], d.DependsOnTaskID)
	}
	return g
}

// WouldCreateCycle 判断新增边 taskID -> dependsOnTaskID 是否会成环
//
// 自环直接成环；否则从 dependsOnTaskID 沿现有出边 DFS，
// 能回到 taskID 即说明加边后存在环。
func (g *Graph) WouldCreateCycle(taskID, dependsOnTaskID string) bool {
	if taskID == dependsOnTaskID {
		return true
	}

	visited := make(map[string]bool)
	stack := []string{dependsOnTaskID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == taskID {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		stack = append(stack, g.out[cur]...)
	}
	return false
}

// HasEdge 判断边是否已存在（重复插入校验用）
func (g *Graph) HasEdge(taskID, dependsOnTaskID string) bool {
	for _, dep := range g.out[taskID] {
		if dep == dependsOnTaskID {
			return true
		}
	}
	return false
}

// DependsOn 返回任务的直接依赖列表
func (g *Graph) DependsOn(taskID string) []string {
	return g.out[taskID]
}

// IsBlocked 判断任务是否被阻塞
//
// statusOf 给出项目内各任务的当前状态；依赖的任务缺失时视为未完成（保守阻塞）。
func (g *Graph) IsBlocked(taskID string, statusOf map[string]model.TaskStatus) bool {
	for _, dep := range g.out[taskID] {
		if statusOf[dep] != model.TaskStatusCompleted {
			return true
		}
	}
	return false
}

// BlockedSet 计算项目内全部被阻塞的任务集合
func (g *Graph) BlockedSet(tasks []*model.Task) map[string]bool {
	statusOf := make(map[string]model.TaskStatus, len(tasks))
	for _, t := range tasks {
		statusOf[t.ID] = t.Status
	}

	blocked := make(map[string]bool)
	for taskID := range g.out {
		if g.IsBlocked(taskID, statusOf) {
			blocked[taskID] = true
		}
	}
	return blocked
}
