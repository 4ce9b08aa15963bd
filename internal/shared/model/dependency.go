// Package model 定义核心数据模型
//
// dependency.go 包含任务依赖边的数据模型定义。
// 依赖图算法（环检测、阻塞计算）在 apiserver/depgraph 包中，本文件只定义数据。
package model

import "time"

// TaskDependency 任务依赖边：TaskID 依赖 DependsOnTaskID
//
// 不变量：同一项目内的边集合构成 DAG（插入时经环检测保证）。
// 任务被阻塞 ⇔ 存在出边指向未 completed 的任务。
type TaskDependency struct {
	TaskID          string    `json:"task_id" db:"task_id"`
	DependsOnTaskID string    `json:"depends_on_task_id" db:"depends_on_task_id"`
	ProjectID       string    `json:"project_id" db:"project_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
