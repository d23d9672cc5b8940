package agent

import (
	"context"
	"fmt"

	"github.com/wwwzy/QueryFit/internal/database"
	"github.com/wwwzy/QueryFit/internal/graph"
)

// routeFromState 读取 routeDecision 作为条件边的结果，未知取值按引擎完整性错误处理。
func routeFromState(_ context.Context, s State) (string, error) {
	r, err := ParseRoute(string(s.RouteDecision))
	if err != nil {
		return "", err
	}
	return string(r), nil
}

// BuildGraph 构建问数流程图：
//
//	START -> queryPlanner -> orchestrator -> {各步骤} -> orchestrator ... -> END
//
// generateQuery 可以直接转到 validator 或 queryClarifier；终止步骤正常结束时走向 END，
// 失败时回到 orchestrator；complexQueryApproval 是唯一会挂起的节点。
func BuildGraph(cfg Config, models *Models, db database.Executor, store graph.CheckpointStore) (*graph.Runnable[State], error) {
	cfg = cfg.withDefaults()
	if err := models.validate(); err != nil {
		return nil, err
	}
	if db == nil {
		return nil, fmt.Errorf("database executor is nil")
	}
	x := newSteps(cfg, models, db)
	orch := NewOrchestrator(cfg.MaxRetries, cfg.PassScore)

	g := graph.NewGraph[State]()

	// 1. 节点
	nodes := []struct {
		route Route
		fn    graph.NodeFunc[State]
	}{
		{RoutePlanner, recoverable(RoutePlanner, x.plan)},
		{RouteOrchestrator, orch.node},
		{RouteGenerateSchema, recoverable(RouteGenerateSchema, x.generateSchema)},
		{RouteGenerateQuery, recoverable(RouteGenerateQuery, x.generate)},
		{RouteValidator, recoverable(RouteValidator, x.validate)},
		{RouteExecuteQuery, recoverable(RouteExecuteQuery, x.execute)},
		{RouteGenerateChart, recoverable(RouteGenerateChart, x.chart)},
		{RouteSummarize, recoverable(RouteSummarize, x.summarize)},
		{RouteGeneralChat, recoverable(RouteGeneralChat, x.chat)},
		{RouteClarifier, recoverable(RouteClarifier, x.clarify)},
		{RouteApproval, x.approve},
	}
	for _, n := range nodes {
		if err := g.AddNode(string(n.route), n.fn); err != nil {
			return nil, err
		}
	}

	// 2. 固定边
	edges := [][2]Route{
		{graph.START, RoutePlanner},
		{RoutePlanner, RouteOrchestrator},
		{RouteGenerateSchema, RouteOrchestrator},
		{RouteValidator, RouteOrchestrator},
		{RouteExecuteQuery, RouteOrchestrator},
		{RouteGenerateChart, RouteOrchestrator},
		{RouteApproval, RouteOrchestrator},
	}
	for _, e := range edges {
		if err := g.AddEdge(string(e[0]), string(e[1])); err != nil {
			return nil, err
		}
	}

	// 3. 条件边
	branches := map[Route][]Route{
		RouteOrchestrator:  append(append([]Route(nil), nodeRoutes...), RouteEnd),
		RouteGenerateQuery: {RouteValidator, RouteClarifier, RouteOrchestrator},
		RouteSummarize:     {RouteEnd, RouteOrchestrator},
		RouteGeneralChat:   {RouteEnd, RouteOrchestrator},
		RouteClarifier:     {RouteEnd, RouteOrchestrator},
	}
	for from, targets := range branches {
		if from == RouteOrchestrator {
			// orchestrator 不会路由到自己
			targets = without(targets, RouteOrchestrator)
		}
		if err := g.AddBranch(string(from), graph.NewBranch(routeFromState, routeSet(targets...))); err != nil {
			return nil, err
		}
	}

	return g.Compile(graph.CompileConfig[State]{
		Name:        "queryfit",
		Store:       store,
		MaxRunSteps: cfg.MaxRunSteps,
		Merge:       mergeState,
		StartTurn:   startTurn,
	})
}

func without(routes []Route, drop Route) []Route {
	out := make([]Route, 0, len(routes))
	for _, r := range routes {
		if r != drop {
			out = append(out, r)
		}
	}
	return out
}
