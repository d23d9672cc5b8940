package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/compose"
)

const (
	// START 是虚拟起点，只能作为边的起点。
	START = compose.START
	// END 是虚拟终点，路由到 END 即结束本轮执行。
	END = compose.END
)

// NodeFunc 是节点：输入当前状态，返回新状态，出边由图上的 Edge/Branch 决定。
type NodeFunc[S any] func(ctx context.Context, state S) (S, error)

// Branch 是条件边：cond 返回下一跳名称，结果必须落在 endNodes 中。
type Branch[S any] struct {
	cond     func(ctx context.Context, state S) (string, error)
	endNodes map[string]bool
}

func NewBranch[S any](cond func(ctx context.Context, state S) (string, error), endNodes map[string]bool) *Branch[S] {
	copied := make(map[string]bool, len(endNodes))
	for k, v := range endNodes {
		if v {
			copied[k] = true
		}
	}
	return &Branch[S]{cond: cond, endNodes: copied}
}

// Graph 是状态机的构建器，Compile 之后得到可执行的 Runnable。
type Graph[S any] struct {
	nodes    map[string]NodeFunc[S]
	order    []string
	edges    map[string]string
	branches map[string]*Branch[S]
}

func NewGraph[S any]() *Graph[S] {
	return &Graph[S]{
		nodes:    map[string]NodeFunc[S]{},
		edges:    map[string]string{},
		branches: map[string]*Branch[S]{},
	}
}

func (g *Graph[S]) AddNode(name string, fn NodeFunc[S]) error {
	if name == "" || name == START || name == END {
		return fmt.Errorf("graph: invalid node name %q", name)
	}
	if fn == nil {
		return fmt.Errorf("graph: node %q: nil func", name)
	}
	if _, exists := g.nodes[name]; exists {
		return fmt.Errorf("graph: node %q already registered", name)
	}
	g.nodes[name] = fn
	g.order = append(g.order, name)
	return nil
}

func (g *Graph[S]) AddEdge(from, to string) error {
	if err := g.checkSource(from); err != nil {
		return err
	}
	if to == START {
		return errors.New("graph: edge cannot point to START")
	}
	g.edges[from] = to
	return nil
}

func (g *Graph[S]) AddBranch(from string, b *Branch[S]) error {
	if err := g.checkSource(from); err != nil {
		return err
	}
	if b == nil || b.cond == nil || len(b.endNodes) == 0 {
		return fmt.Errorf("graph: branch from %q is empty", from)
	}
	g.branches[from] = b
	return nil
}

func (g *Graph[S]) checkSource(from string) error {
	if from == END {
		return errors.New("graph: END has no outgoing edges")
	}
	if _, ok := g.edges[from]; ok {
		return fmt.Errorf("graph: node %q already has an outgoing edge", from)
	}
	if _, ok := g.branches[from]; ok {
		return fmt.Errorf("graph: node %q already has an outgoing branch", from)
	}
	return nil
}

func (g *Graph[S]) known(name string) bool {
	if name == END {
		return true
	}
	_, ok := g.nodes[name]
	return ok
}

// validate 检查图的完整性：起点存在、所有目标已注册、每个节点都有出边、至少一条边通向 END。
func (g *Graph[S]) validate() error {
	_, hasEdge := g.edges[START]
	_, hasBranch := g.branches[START]
	if !hasEdge && !hasBranch {
		return errors.New("graph: START has no outgoing edge")
	}

	for from, to := range g.edges {
		if from != START && !g.known(from) {
			return fmt.Errorf("%w: edge source %q", ErrNodeNotFound, from)
		}
		if !g.known(to) {
			return fmt.Errorf("%w: edge %q -> %q", ErrNodeNotFound, from, to)
		}
	}
	for from, b := range g.branches {
		if from != START && !g.known(from) {
			return fmt.Errorf("%w: branch source %q", ErrNodeNotFound, from)
		}
		for to := range b.endNodes {
			if !g.known(to) {
				return fmt.Errorf("%w: branch %q -> %q", ErrNodeNotFound, from, to)
			}
		}
	}
	for name := range g.nodes {
		_, hasEdge := g.edges[name]
		_, hasBranch := g.branches[name]
		if !hasEdge && !hasBranch {
			return fmt.Errorf("graph: node %q has no outgoing edge", name)
		}
	}
	if !g.reachesEnd() {
		return errors.New("graph: no edge leads to END")
	}
	return nil
}

func (g *Graph[S]) reachesEnd() bool {
	for _, to := range g.edges {
		if to == END {
			return true
		}
	}
	for _, b := range g.branches {
		if b.endNodes[END] {
			return true
		}
	}
	return false
}

// Compile 校验图结构并编译为 eino compose 图。
// 每个节点是一个 Lambda 节点，条件边是 GraphBranch；START 统一改为条件边，
// 以便 Continue 从快照记录的节点重新进入。
func (g *Graph[S]) Compile(cfg CompileConfig[S]) (*Runnable[S], error) {
	if err := g.validate(); err != nil {
		return nil, err
	}

	r := &Runnable[S]{
		edges:     make(map[string]string, len(g.edges)),
		store:     cfg.Store,
		maxSteps:  cfg.MaxRunSteps,
		merge:     cfg.Merge,
		startTurn: cfg.StartTurn,
	}
	for k, v := range g.edges {
		r.edges[k] = v
	}
	if r.store == nil {
		r.store = NewMemoryStore()
	}
	if r.maxSteps <= 0 {
		r.maxSteps = defaultMaxRunSteps
	}

	cg := compose.NewGraph[S, S]()
	for _, name := range g.order {
		if err := cg.AddLambdaNode(name, compose.InvokableLambda[S, S](r.wrapNode(name, g.nodes[name]))); err != nil {
			return nil, fmt.Errorf("graph: add node %q: %w", name, err)
		}
	}

	entries := map[string]bool{}
	for _, name := range g.order {
		entries[name] = true
	}
	if to, ok := g.edges[START]; ok {
		entries[to] = true
	}
	if b, ok := g.branches[START]; ok {
		for to := range b.endNodes {
			entries[to] = true
		}
	}
	startCond := r.entry(g.edges[START], g.branches[START])
	if err := cg.AddBranch(START, compose.NewGraphBranch[S](startCond, entries)); err != nil {
		return nil, fmt.Errorf("graph: add start branch: %w", err)
	}

	for from, to := range g.edges {
		if from == START {
			continue
		}
		if err := cg.AddEdge(from, to); err != nil {
			return nil, fmt.Errorf("graph: add edge %q -> %q: %w", from, to, err)
		}
	}
	for from, b := range g.branches {
		if from == START {
			continue
		}
		if err := cg.AddBranch(from, compose.NewGraphBranch[S](r.wrapBranch(from, b), b.endNodes)); err != nil {
			return nil, fmt.Errorf("graph: add branch from %q: %w", from, err)
		}
	}

	name := cfg.Name
	if name == "" {
		name = defaultGraphName
	}
	compiled, err := cg.Compile(context.Background(),
		compose.WithGraphName(name),
		compose.WithMaxRunSteps(r.maxSteps),
		compose.WithCheckPointStore(&engineStore[S]{store: r.store}),
	)
	if err != nil {
		return nil, fmt.Errorf("graph: compile: %w", err)
	}
	r.compiled = compiled
	return r, nil
}
