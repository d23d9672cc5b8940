package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/wwwzy/QueryFit/internal/database"
	"github.com/wwwzy/QueryFit/internal/graph"
	logx "github.com/wwwzy/QueryFit/pkg/logger"
)

// Reply 是一轮执行的结果。Status 为 suspended 时 Interrupt 非空，Message 为空。
type Reply struct {
	ThreadID  string
	State     State
	Status    graph.Status
	Interrupt *ApprovalRequest
	// Message 为本轮给用户的最终回复。
	Message string
	// Path 为本次实际执行过的节点。
	Path []string
}

// Agent 是对外的入口：提问、确认/拒绝、查询会话状态。
type Agent struct {
	runnable *graph.Runnable[State]
}

type Options struct {
	Config   Config
	Models   *Models
	Executor database.Executor
	// Store 为空时使用内存快照。
	Store graph.CheckpointStore
}

func New(opts Options) (*Agent, error) {
	r, err := BuildGraph(opts.Config, opts.Models, opts.Executor, opts.Store)
	if err != nil {
		return nil, fmt.Errorf("build agent graph: %w", err)
	}
	return &Agent{runnable: r}, nil
}

// NewThreadID 生成新的会话 ID。
func NewThreadID() string {
	return uuid.NewString()
}

// Ask 在 threadID 上开始新一轮。ref.ID 为空时沿用会话已有的数据库。
// 线程正在等待确认时不执行任何步骤，直接返回待确认的请求。
func (a *Agent) Ask(ctx context.Context, threadID string, ref database.Ref, message string) (*Reply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, errors.New("message is empty")
	}
	ctx = a.traced(ctx, threadID)
	logx.Ctx(ctx, logx.Info()).Str("database", ref.ID).Msg("new turn")

	input := State{
		Messages: []*schema.Message{schema.UserMessage(message)},
		Database: ref,
	}
	res, err := a.runnable.Invoke(ctx, threadID, input)
	if err != nil {
		return nil, err
	}
	return toReply(res)
}

// Resume 把用户的确认结果交给挂起的线程并继续执行。
func (a *Agent) Resume(ctx context.Context, threadID string, resp ApprovalResponse) (*Reply, error) {
	ctx = a.traced(ctx, threadID)
	logx.Ctx(ctx, logx.Info()).Bool("approved", resp.ShouldContinue).Msg("resume turn")
	res, err := a.runnable.Resume(ctx, threadID, resp)
	if err != nil {
		return nil, err
	}
	return toReply(res)
}

// Continue 继续一个在两个节点之间中断的线程（例如进程退出）。
func (a *Agent) Continue(ctx context.Context, threadID string) (*Reply, error) {
	ctx = a.traced(ctx, threadID)
	res, err := a.runnable.Continue(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return toReply(res)
}

// State 返回线程最新的状态和执行状态；线程不存在时返回 nil。
func (a *Agent) State(ctx context.Context, threadID string) (*State, graph.Status, error) {
	cp, s, err := a.runnable.Snapshot(ctx, threadID)
	if err != nil || cp == nil {
		return nil, "", err
	}
	return &s, cp.Status, nil
}

// Pending 返回线程等待确认的请求，没有挂起时返回 nil。
func (a *Agent) Pending(ctx context.Context, threadID string) (*ApprovalRequest, error) {
	cp, _, err := a.runnable.Snapshot(ctx, threadID)
	if err != nil || cp == nil || cp.Status != graph.StatusSuspended {
		return nil, err
	}
	return decodeInterrupt(cp.Interrupt)
}

func (a *Agent) traced(ctx context.Context, threadID string) context.Context {
	ctx = logx.WithThreadID(ctx, threadID)
	if logx.TraceID(ctx) == "" {
		ctx = logx.WithTraceID(ctx, uuid.NewString())
	}
	return ctx
}

func toReply(res *graph.Result[State]) (*Reply, error) {
	reply := &Reply{
		ThreadID: res.ThreadID,
		State:    res.State,
		Status:   res.Status,
		Path:     res.Path,
	}
	switch res.Status {
	case graph.StatusSuspended:
		req, err := decodeInterrupt(res.Interrupt)
		if err != nil {
			return nil, err
		}
		reply.Interrupt = req
	case graph.StatusCompleted:
		if msg, ok := res.State.FinalResponse(); ok {
			reply.Message = msg.Content
		}
	}
	return reply, nil
}

func decodeInterrupt(info *graph.InterruptInfo) (*ApprovalRequest, error) {
	var req ApprovalRequest
	if err := info.Decode(&req); err != nil {
		return nil, fmt.Errorf("decode approval request: %w", err)
	}
	return &req, nil
}
