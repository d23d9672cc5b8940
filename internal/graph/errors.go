package graph

import (
	"errors"
	"fmt"
)

// 以下错误都属于引擎自身完整性问题，调用方应直接终止本次执行。
var (
	ErrNodeNotFound   = errors.New("graph: node not found")
	ErrInvalidRoute   = errors.New("graph: invalid route")
	ErrMaxRunSteps    = errors.New("graph: exceeded max run steps")
	ErrNotSuspended   = errors.New("graph: thread is not suspended")
	ErrNotRunning     = errors.New("graph: thread has no unfinished run")
	ErrThreadNotFound = errors.New("graph: thread not found")
	ErrEmptyThreadID  = errors.New("graph: thread id is required")
	ErrCorruptState   = errors.New("graph: corrupt checkpoint state")
)

// NodeError 表示节点函数直接返回了错误（未被节点自身兜底），本次执行中止。
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("graph: node %q: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}
