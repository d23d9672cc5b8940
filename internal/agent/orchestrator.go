package agent

import (
	"context"
	"fmt"
	"regexp"

	"github.com/wwwzy/QueryFit/internal/sqlguard"
	logx "github.com/wwwzy/QueryFit/pkg/logger"
)

const (
	feedbackNoPlan        = "No executable plan was produced for this request. Explain to the user that the request could not be planned and ask them to rephrase it."
	feedbackReplanRefused = "The plan had to be rebuilt more than once, so this request cannot be completed. Apologize and ask the user to split the request into smaller questions."
)

// schemaMissing 匹配“表不存在 / schema 缺失”一类的反馈。
var schemaMissing = regexp.MustCompile(`(?i)(no such table|unknown table|table \S+ doesn't exist|relation \S+ does not exist|schema (is )?(missing|unknown|not (available|generated|found)))`)

func retryExhausted(max int) string {
	return fmt.Sprintf("I attempted to generate the correct query %d times but failed. Please be more specific.", max)
}

// Decision 是编排器的输出。
type Decision struct {
	Route           Route
	StepIndex       int
	RetryCount      int
	NeedsReplanning bool
	ReplanUsed      bool
	Feedback        string
	// InvalidateSchema 表示需要丢弃缓存的 schema 重新提取。
	InvalidateSchema bool
	SchemaDetour     bool
}

// Orchestrator 是确定性的规则引擎：根据计划、游标、重试计数和上一步的结果选择下一步。
type Orchestrator struct {
	MaxRetries int
	PassScore  int
}

func NewOrchestrator(maxRetries, passScore int) *Orchestrator {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if passScore <= 0 {
		passScore = 6
	}
	return &Orchestrator{MaxRetries: maxRetries, PassScore: passScore}
}

// Decide 是纯函数，不修改 s。规则按优先级依次判断：
// 重试上限、缺少计划、重新规划、schema 缺失、上一步失败、校验结果、用户确认、正常推进。
func (o *Orchestrator) Decide(s State) Decision {
	d := Decision{
		StepIndex:       s.StepIndex,
		RetryCount:      s.RetryCount,
		NeedsReplanning: s.NeedsReplanning,
		ReplanUsed:      s.ReplanUsed,
		Feedback:        s.Feedback,
		SchemaDetour:    s.SchemaDetour,
	}

	// 校验通过会清零 RetryCount，执行反复失败时靠失败连击触发上限
	if s.RetryCount >= o.MaxRetries || s.FailureStreak >= o.MaxRetries {
		d.RetryCount = o.MaxRetries
		d.Route = RouteGeneralChat
		d.Feedback = retryExhausted(o.MaxRetries)
		return d
	}

	if len(s.Plan) == 0 {
		if s.LastFailed && s.LastStep == RoutePlanner {
			d.Route = RoutePlanner
			return d
		}
		d.Route = RouteGeneralChat
		if d.Feedback == "" || s.LastStep == RoutePlanner {
			d.Feedback = feedbackNoPlan
		}
		return d
	}

	if s.NeedsReplanning {
		o.replan(&d)
		return d
	}

	if s.LastStep != RouteGenerateSchema && schemaMissing.MatchString(s.Feedback) {
		d.InvalidateSchema = true
		d.SchemaDetour = true
		d.Route = RouteGenerateSchema
		return d
	}

	if s.LastFailed {
		d.Route = recoveryRoute(s.LastStep)
		return d
	}

	switch s.LastStep {
	case RouteValidator:
		score := 0
		if s.ValidatorScore != nil {
			score = *s.ValidatorScore
		}
		if score >= o.PassScore {
			d.RetryCount = 0
			if st, ok := s.CurrentStep(); ok && st.Tool == RouteGenerateQuery {
				d.StepIndex++
			}
			o.dispatch(s, &d)
			return d
		}
		d.RetryCount = s.RetryCount + 1
		if d.RetryCount >= o.MaxRetries {
			d.RetryCount = o.MaxRetries
			d.Route = RouteGeneralChat
			d.Feedback = retryExhausted(o.MaxRetries)
			return d
		}
		d.Route = RouteGenerateQuery
		return d

	case RouteApproval:
		if !s.Approved() {
			d.Route = RouteGeneralChat
			return d
		}
		d.RetryCount = 0
		if st, ok := s.CurrentStep(); ok && st.Tool == RouteApproval {
			d.StepIndex++
		}
		o.dispatch(s, &d)
		return d

	case RoutePlanner:
		o.dispatch(s, &d)
		return d
	}

	st, ok := s.CurrentStep()
	if s.SchemaDetour && s.LastStep == RouteGenerateSchema && !(ok && st.Tool == RouteGenerateSchema) {
		d.SchemaDetour = false
		d.Route = RouteGenerateQuery
		return d
	}
	if ok && st.Tool == s.LastStep {
		d.StepIndex++
		d.RetryCount = 0
		d.SchemaDetour = false
	}
	o.dispatch(s, &d)
	return d
}

func (o *Orchestrator) replan(d *Decision) {
	d.NeedsReplanning = false
	if d.ReplanUsed {
		d.Route = RouteGeneralChat
		d.Feedback = feedbackReplanRefused
		return
	}
	d.ReplanUsed = true
	d.Route = RoutePlanner
}

// recoveryRoute 返回失败步骤的重试目标：查询相关的失败回到生成步骤重新写 SQL。
func recoveryRoute(last Route) Route {
	switch last {
	case RouteExecuteQuery, RouteValidator, RouteGenerateQuery, "":
		return RouteGenerateQuery
	}
	return last
}

// dispatch 从 d.StepIndex 开始选择下一个要执行的计划步骤，必要时跳过不适用的步骤。
func (o *Orchestrator) dispatch(s State, d *Decision) {
	idx := d.StepIndex
	for {
		if idx >= len(s.Plan) {
			d.StepIndex = len(s.Plan)
			if s.QueryResult != nil && (s.Executed || s.Chart != nil) {
				d.Route = RouteSummarize
			} else {
				d.Route = RouteEnd
			}
			return
		}
		d.StepIndex = idx
		switch tool := s.Plan[idx].Tool; tool {
		case RoutePlanner:
			o.replan(d)
			return
		case RouteApproval:
			if s.SQLQuery == "" {
				d.Route = RouteGenerateQuery
				return
			}
			if s.Approved() || !sqlguard.IsMutation(s.SQLQuery, s.dialect()) {
				idx++
				continue
			}
			d.Route = RouteApproval
			return
		case RouteExecuteQuery:
			switch {
			case s.SQLQuery == "":
				d.Route = RouteGenerateQuery
			case sqlguard.IsMutation(s.SQLQuery, s.dialect()) && !s.Approved():
				d.Route = RouteApproval
			default:
				d.Route = RouteExecuteQuery
			}
			return
		case RouteGenerateChart:
			if s.QueryResult == nil || s.QueryResult.IsMutation() {
				idx++
				continue
			}
			d.Route = RouteGenerateChart
			return
		default:
			d.Route = tool
			return
		}
	}
}

// apply 把决策写回状态。
func (d Decision) apply(s State) State {
	next := s.Clone()
	next.RouteDecision = d.Route
	next.StepIndex = d.StepIndex
	next.RetryCount = d.RetryCount
	next.NeedsReplanning = d.NeedsReplanning
	next.ReplanUsed = d.ReplanUsed
	next.Feedback = d.Feedback
	next.SchemaDetour = d.SchemaDetour
	if d.InvalidateSchema {
		next.Schema = ""
	}
	// 失败已经被处理，后续步骤按正常结果判断
	next.LastFailed = false
	return next
}

func (o *Orchestrator) node(ctx context.Context, s State) (State, error) {
	d := o.Decide(s)
	logx.Ctx(ctx, logx.Debug()).
		Str("route", string(d.Route)).
		Int("step_index", d.StepIndex).
		Int("plan_len", len(s.Plan)).
		Int("retry", d.RetryCount).
		Str("last_step", string(s.LastStep)).
		Msg("orchestrator decision")
	return d.apply(s), nil
}
