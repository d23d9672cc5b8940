package agent

import (
	"fmt"

	"github.com/wwwzy/QueryFit/internal/graph"
)

// Route 是图中节点的名字，也是 routeDecision 的取值。取值集合是封闭的，见 ParseRoute。
type Route string

const (
	RoutePlanner        Route = "queryPlanner"
	RouteOrchestrator   Route = "orchestrator"
	RouteValidator      Route = "validator"
	RouteGeneralChat    Route = "generalChat"
	RouteClarifier      Route = "queryClarifier"
	RouteGenerateSchema Route = "generateSchema"
	RouteGenerateQuery  Route = "generateQuery"
	RouteExecuteQuery   Route = "executeQuery"
	RouteGenerateChart  Route = "generateChart"
	RouteSummarize      Route = "summarizeOutput"
	RouteApproval       Route = "complexQueryApproval"
	RouteEnd            Route = graph.END
)

// ParseRoute 把字符串解析为已知路由，未知值返回错误。
func ParseRoute(s string) (Route, error) {
	r := Route(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown route %q", graph.ErrInvalidRoute, s)
	}
	return r, nil
}

func (r Route) Valid() bool {
	switch r {
	case RoutePlanner, RouteOrchestrator, RouteValidator, RouteGeneralChat, RouteClarifier,
		RouteGenerateSchema, RouteGenerateQuery, RouteExecuteQuery, RouteGenerateChart,
		RouteSummarize, RouteApproval, RouteEnd:
		return true
	}
	return false
}

// Terminal 表示该步骤结束本轮对话。
func (r Route) Terminal() bool {
	switch r {
	case RouteSummarize, RouteGeneralChat, RouteClarifier, RouteEnd:
		return true
	}
	return false
}

// Plannable 表示该步骤可以出现在计划中。
func (r Route) Plannable() bool {
	switch r {
	case RouteGenerateSchema, RouteGenerateQuery, RoutePlanner, RouteExecuteQuery,
		RouteGenerateChart, RouteSummarize, RouteGeneralChat, RouteApproval:
		return true
	}
	return false
}

func (r Route) String() string {
	return string(r)
}

// nodeRoutes 是图上注册的全部节点。
var nodeRoutes = []Route{
	RoutePlanner, RouteOrchestrator, RouteValidator, RouteGeneralChat, RouteClarifier,
	RouteGenerateSchema, RouteGenerateQuery, RouteExecuteQuery, RouteGenerateChart,
	RouteSummarize, RouteApproval,
}

func routeSet(routes ...Route) map[string]bool {
	m := make(map[string]bool, len(routes))
	for _, r := range routes {
		m[string(r)] = true
	}
	return m
}
