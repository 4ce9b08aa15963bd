// Package orchestrator 任务编排错误分类
package orchestrator

import (
	"errors"
	"fmt"
)

// Code 编排错误码
type Code string

const (
	CodeNotFound                Code = "NOT_FOUND"
	CodeInvalidStatus           Code = "INVALID_STATUS"
	CodeNodeUnavailable         Code = "NODE_UNAVAILABLE"
	CodeLimitExceeded           Code = "LIMIT_EXCEEDED"
	CodeProvisionFailed         Code = "PROVISION_FAILED"
	CodeWorkspaceCreationFailed Code = "WORKSPACE_CREATION_FAILED"
	CodeWorkspaceLost           Code = "WORKSPACE_LOST"
	CodeWorkspaceStopped        Code = "WORKSPACE_STOPPED"
	CodeWorkspaceTimeout        Code = "WORKSPACE_TIMEOUT"
	CodeExecutionFailed         Code = "EXECUTION_FAILED"
)

// Error 带错误码的编排错误
//
// Message 最终落入任务的 error_message 字段，尽量具体。
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf 构造带错误码的错误
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError 包装底层错误
func WrapError(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf 提取错误码，非编排错误归入 EXECUTION_FAILED
func CodeOf(err error) Code {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return CodeExecutionFailed
}

// errYield 条件更新未命中：另一执行方已抢先迁移任务，当前流程静默让步
var errYield = errors.New("task concurrently modified, yielding")
