package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/eino/compose"

	logx "github.com/wwwzy/QueryFit/pkg/logger"
)

const (
	defaultMaxRunSteps = 50
	defaultGraphName   = "graph"
)

type CompileConfig[S any] struct {
	// Name 为 compose 图名，出现在回调和错误信息中。
	Name string
	// Store 为空时使用 MemoryStore。
	Store CheckpointStore
	// MaxRunSteps 限制单次 Invoke/Resume 内执行的节点数，<=0 使用默认值。
	MaxRunSteps int
	// Merge 把节点输出合并进当前状态，返回错误视为状态契约被破坏（致命）。
	// 为空时节点输出整体替换当前状态。
	Merge func(prev, next S) (S, error)
	// StartTurn 在已有快照的线程上开始新一轮时，把历史状态与本轮输入合并。
	// 为空时直接使用输入。
	StartTurn func(prev S, input S) S
}

// Result 是一次 Invoke/Resume/Continue 的结果。
type Result[S any] struct {
	ThreadID  string
	State     S
	Status    Status
	Interrupt *InterruptInfo
	// Path 为本次实际执行过的节点（按顺序）。
	Path []string
}

// Runnable 是编译后的图。同一 threadID 上的调用串行执行，不同线程之间互不影响。
type Runnable[S any] struct {
	compiled  compose.Runnable[S, S]
	edges     map[string]string
	store     CheckpointStore
	maxSteps  int
	merge     func(prev, next S) (S, error)
	startTurn func(prev S, input S) S

	locks sync.Map
}

// run 收集一次 compose 执行中的线程信息，通过 ctx 传给节点和条件边的包装函数。
type run[S any] struct {
	threadID string
	// entry 非空时 START 直接进入该节点（Continue）。
	entry string
	step  int
	path  []string
	state S

	suspended *suspension[S]
	engine    []byte
}

type suspension[S any] struct {
	node    string
	state   S
	payload any
}

type runKey struct{}

func runFrom[S any](ctx context.Context) (*run[S], error) {
	rn, ok := ctx.Value(runKey{}).(*run[S])
	if !ok || rn == nil {
		return nil, errors.New("graph: invoked outside of a thread run")
	}
	return rn, nil
}

// Invoke 在 threadID 上开始新一轮执行。
// 如果线程正挂起等待外部输入，直接返回挂起时保存的载荷，不执行任何节点。
func (r *Runnable[S]) Invoke(ctx context.Context, threadID string, input S) (*Result[S], error) {
	if threadID == "" {
		return nil, ErrEmptyThreadID
	}
	unlock := r.lock(threadID)
	defer unlock()

	cp, err := r.store.Load(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("graph: load checkpoint %q: %w", threadID, err)
	}

	rn := &run[S]{threadID: threadID}
	state := input
	if cp != nil {
		prev, err := r.decode(cp)
		if err != nil {
			return nil, err
		}
		if cp.Status == StatusSuspended {
			logx.Debug().Str("thread_id", threadID).Str("node", cp.Node).Msg("thread still suspended")
			return &Result[S]{ThreadID: threadID, State: prev, Status: StatusSuspended, Interrupt: cp.Interrupt}, nil
		}
		if r.startTurn != nil {
			state = r.startTurn(prev, input)
		}
		rn.step = cp.Step
	}

	// WithForceNewRun 必须放在最后，否则会被后面的选项覆盖
	return r.execute(ctx, rn, state, compose.WithCheckPointID(threadID), compose.WithForceNewRun())
}

// Resume 恢复挂起的线程：compose 从挂起快照重新执行挂起的节点，value 通过 ResumeValue 交给该节点。
func (r *Runnable[S]) Resume(ctx context.Context, threadID string, value any) (*Result[S], error) {
	if threadID == "" {
		return nil, ErrEmptyThreadID
	}
	unlock := r.lock(threadID)
	defer unlock()

	cp, err := r.store.Load(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("graph: load checkpoint %q: %w", threadID, err)
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if cp.Status != StatusSuspended {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotSuspended, threadID, cp.Status)
	}
	if cp.Interrupt == nil || cp.Interrupt.ID == "" || len(cp.Engine) == 0 {
		return nil, fmt.Errorf("%w: thread %s has no resumable interrupt", ErrCorruptState, threadID)
	}
	state, err := r.decode(cp)
	if err != nil {
		return nil, err
	}

	rn := &run[S]{threadID: threadID, step: cp.Step}
	ctx = compose.ResumeWithData(ctx, cp.Interrupt.ID, value)
	return r.execute(ctx, rn, state, compose.WithCheckPointID(threadID))
}

// Continue 从 running 状态的快照继续执行（进程在两个节点之间退出的情况）。
func (r *Runnable[S]) Continue(ctx context.Context, threadID string) (*Result[S], error) {
	if threadID == "" {
		return nil, ErrEmptyThreadID
	}
	unlock := r.lock(threadID)
	defer unlock()

	cp, err := r.store.Load(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("graph: load checkpoint %q: %w", threadID, err)
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if cp.Status != StatusRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, threadID, cp.Status)
	}
	state, err := r.decode(cp)
	if err != nil {
		return nil, err
	}

	rn := &run[S]{threadID: threadID, entry: cp.Node, step: cp.Step}
	return r.execute(ctx, rn, state, compose.WithCheckPointID(threadID), compose.WithForceNewRun())
}

// Snapshot 返回线程最新的快照与解码后的状态；线程不存在时返回 (nil, zero, nil)。
func (r *Runnable[S]) Snapshot(ctx context.Context, threadID string) (*Checkpoint, S, error) {
	var zero S
	cp, err := r.store.Load(ctx, threadID)
	if err != nil {
		return nil, zero, fmt.Errorf("graph: load checkpoint %q: %w", threadID, err)
	}
	if cp == nil {
		return nil, zero, nil
	}
	state, err := r.decode(cp)
	if err != nil {
		return nil, zero, err
	}
	return cp, state, nil
}

func (r *Runnable[S]) execute(ctx context.Context, rn *run[S], input S, opts ...compose.Option) (*Result[S], error) {
	rn.state = input
	out, err := r.compiled.Invoke(context.WithValue(ctx, runKey{}, rn), input, opts...)
	if err == nil {
		return &Result[S]{ThreadID: rn.threadID, State: out, Status: StatusCompleted, Path: rn.path}, nil
	}
	if info, ok := compose.ExtractInterruptInfo(err); ok && rn.suspended != nil {
		return r.suspend(ctx, rn, info)
	}

	var ne *NodeError
	if errors.As(err, &ne) {
		return nil, ne
	}
	if errors.Is(err, compose.ErrExceedMaxSteps) {
		return nil, fmt.Errorf("%w (%d) on thread %s: %w", ErrMaxRunSteps, r.maxSteps, rn.threadID, err)
	}
	return nil, fmt.Errorf("graph: run thread %s: %w", rn.threadID, err)
}

// wrapNode 把节点包装为 compose Lambda：合并状态、计数并在固定边上写快照。
func (r *Runnable[S]) wrapNode(name string, fn NodeFunc[S]) func(ctx context.Context, in S) (S, error) {
	to, static := r.edges[name]
	return func(ctx context.Context, in S) (S, error) {
		rn, err := runFrom[S](ctx)
		if err != nil {
			return in, err
		}

		started := time.Now()
		logx.Debug().Str("thread_id", rn.threadID).Str("node", name).Msg("node start")
		out, err := fn(ctx, in)
		if err != nil {
			if payload, ok := compose.IsInterruptRerunError(err); ok {
				rn.suspended = &suspension[S]{node: name, state: in, payload: payload}
				return in, err
			}
			logx.Error().Err(err).Str("thread_id", rn.threadID).Str("node", name).Msg("node aborted run")
			return in, &NodeError{Node: name, Err: err}
		}

		if r.merge != nil {
			out, err = r.merge(in, out)
			if err != nil {
				return in, &NodeError{Node: name, Err: err}
			}
		}
		rn.state = out
		rn.step++
		rn.path = append(rn.path, name)
		logx.Debug().Str("thread_id", rn.threadID).Str("node", name).
			Dur("duration", time.Since(started)).Msg("node done")

		if static {
			if err := r.advance(ctx, rn, to); err != nil {
				return in, err
			}
		}
		return out, nil
	}
}

// wrapBranch 校验条件边的结果并写快照，快照的 Node 为下一个要执行的节点。
func (r *Runnable[S]) wrapBranch(from string, b *Branch[S]) func(ctx context.Context, s S) (string, error) {
	return func(ctx context.Context, s S) (string, error) {
		rn, err := runFrom[S](ctx)
		if err != nil {
			return "", err
		}
		to, err := b.cond(ctx, s)
		if err != nil {
			return "", fmt.Errorf("graph: branch from %q: %w", from, err)
		}
		if !b.endNodes[to] {
			return "", fmt.Errorf("%w: %q -> %q", ErrInvalidRoute, from, to)
		}
		if err := r.advance(ctx, rn, to); err != nil {
			return "", err
		}
		logx.Debug().Str("thread_id", rn.threadID).Str("node", from).Str("route", to).Msg("branch routed")
		return to, nil
	}
}

// entry 是 START 上的条件边：Continue 时进入快照记录的节点，否则按图上声明的起点走。
func (r *Runnable[S]) entry(to string, b *Branch[S]) func(ctx context.Context, s S) (string, error) {
	return func(ctx context.Context, s S) (string, error) {
		rn, err := runFrom[S](ctx)
		if err != nil {
			return "", err
		}
		if rn.entry != "" {
			return rn.entry, nil
		}
		if to != "" {
			return to, nil
		}
		next, err := b.cond(ctx, s)
		if err != nil {
			return "", fmt.Errorf("graph: branch from %q: %w", START, err)
		}
		if !b.endNodes[next] {
			return "", fmt.Errorf("%w: %q -> %q", ErrInvalidRoute, START, next)
		}
		return next, nil
	}
}

func (r *Runnable[S]) advance(ctx context.Context, rn *run[S], to string) error {
	status := StatusRunning
	if to == END {
		status = StatusCompleted
	}
	return r.save(ctx, &Checkpoint{
		ThreadID: rn.threadID,
		Status:   status,
		Node:     to,
		Step:     rn.step,
	}, rn.state)
}

func (r *Runnable[S]) suspend(ctx context.Context, rn *run[S], info *compose.InterruptInfo) (*Result[S], error) {
	susp := rn.suspended
	id := rootCauseID(info)
	if id == "" {
		return nil, fmt.Errorf("%w: interrupt on %q carries no id", ErrCorruptState, susp.node)
	}
	if len(rn.engine) == 0 {
		return nil, fmt.Errorf("%w: interrupt on %q left no engine snapshot", ErrCorruptState, susp.node)
	}
	payload, err := json.Marshal(susp.payload)
	if err != nil {
		return nil, fmt.Errorf("graph: encode interrupt payload: %w", err)
	}
	intr := &InterruptInfo{ID: id, Node: susp.node, Payload: payload}
	cp := &Checkpoint{
		ThreadID:  rn.threadID,
		Status:    StatusSuspended,
		Node:      susp.node,
		Step:      rn.step,
		Interrupt: intr,
		Engine:    rn.engine,
	}
	if err := r.save(ctx, cp, susp.state); err != nil {
		return nil, err
	}
	logx.Info().Str("thread_id", rn.threadID).Str("node", susp.node).Msg("run suspended")

	return &Result[S]{
		ThreadID:  rn.threadID,
		State:     susp.state,
		Status:    StatusSuspended,
		Interrupt: intr,
		Path:      append(rn.path, susp.node),
	}, nil
}

func rootCauseID(info *compose.InterruptInfo) string {
	if info == nil {
		return ""
	}
	for _, ic := range info.InterruptContexts {
		if ic != nil && ic.IsRootCause {
			return ic.ID
		}
	}
	return ""
}

func (r *Runnable[S]) save(ctx context.Context, cp *Checkpoint, state S) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("graph: encode state: %w", err)
	}
	cp.State = data
	cp.UpdatedAt = time.Now().UTC()
	if err := r.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("graph: save checkpoint %q: %w", cp.ThreadID, err)
	}
	return nil
}

func (r *Runnable[S]) decode(cp *Checkpoint) (S, error) {
	var state S
	if len(cp.State) == 0 {
		return state, fmt.Errorf("%w: thread %s has empty state", ErrCorruptState, cp.ThreadID)
	}
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return state, fmt.Errorf("%w: thread %s: %v", ErrCorruptState, cp.ThreadID, err)
	}
	return state, nil
}

func (r *Runnable[S]) lock(threadID string) func() {
	v, _ := r.locks.LoadOrStore(threadID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
