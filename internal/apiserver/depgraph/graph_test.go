package depgraph

import (
	"testing"

	"agent-fleet/internal/shared/model"
)

func edges(pairs ...[2]string) []*model.TaskDependency {
	var deps []*model.TaskDependency
	for _, p := range pairs {
		deps = append(deps, &model.TaskDependency{TaskID: p[0], DependsOnTaskID: p[1], ProjectID: "proj-1"})
	}
	return deps
}

func TestWouldCreateCycle(t *testing.T) {
	// a -> b -> c
	g := Build(edges([2]string{"a", "b"}, [2]string{"b", "c"}))

	tests := []struct {
		name            string
		taskID, depends string
		want            bool
	}{
		{"自环", "a", "a", true},
		{"直接回边成环", "c", "a", true},
		{"中段回边成环", "b", "a", true},
		{"顺向加边不成环", "a", "c", false},
		{"无关节点不成环", "d", "a", false},
		{"平行边不成环", "c", "d", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.WouldCreateCycle(tt.taskID, tt.depends); got != tt.want {
				t.Errorf("WouldCreateCycle(%s, %s) = %v, want %v", tt.taskID, tt.depends, got, tt.want)
			}
		})
	}
}

func TestWouldCreateCycle_Diamond(t *testing.T) {
	// 菱形：d 依赖 b、c，b、c 都依赖 a
	g := Build(edges([2]string{"d", "b"}, [2]string{"d", "c"}, [2]string{"b", "a"}, [2]string{"c", "a"}))

	if !g.WouldCreateCycle("a", "d") {
		t.Error("a -> d should close the diamond into a cycle")
	}
	if g.WouldCreateCycle("d", "a") {
		t.Error("d -> a is a shortcut edge, not a cycle")
	}
}

func TestHasEdge(t *testing.T) {
	g := Build(edges([2]string{"a", "b"}))
	if !g.HasEdge("a", "b") {
		t.Error("edge a -> b should exist")
	}
	if g.HasEdge("b", "a") {
		t.Error("edge b -> a should not exist")
	}
}

func TestIsBlocked(t *testing.T) {
	g := Build(edges([2]string{"b", "a"}, [2]string{"c", "b"}))

	statusOf := map[string]model.TaskStatus{
		"a": model.TaskStatusCompleted,
		"b": model.TaskStatusInProgress,
		"c": model.TaskStatusDraft,
	}

	if g.IsBlocked("b", statusOf) {
		t.Error("b depends only on completed a, should not be blocked")
	}
	if !g.IsBlocked("c", statusOf) {
		t.Error("c depends on in_progress b, should be blocked")
	}
	if g.IsBlocked("a", statusOf) {
		t.Error("a has no dependencies, should not be blocked")
	}
}

// 依赖的任务不在状态表中时保守视为未完成
func TestIsBlocked_MissingDependency(t *testing.T) {
	g := Build(edges([2]string{"b", "ghost"}))
	if !g.IsBlocked("b", map[string]model.TaskStatus{}) {
		t.Error("missing dependency should block")
	}
}

func TestBlockedSet(t *testing.T) {
	g := Build(edges([2]string{"b", "a"}, [2]string{"c", "b"}, [2]string{"d", "a"}))

	tasks := []*model.Task{
		{ID: "a", Status: model.TaskStatusCompleted},
		{ID: "b", Status: model.TaskStatusReady},
		{ID: "c", Status: model.TaskStatusDraft},
		{ID: "d", Status: model.TaskStatusDraft},
	}

	blocked := g.BlockedSet(tasks)
	if blocked["b"] {
		t.Error("b should be unblocked")
	}
	if !blocked["c"] {
		t.Error("c should be blocked by b")
	}
	if blocked["d"] {
		t.Error("d should be unblocked")
	}
}
