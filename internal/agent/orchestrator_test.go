package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wwwzy/QueryFit/internal/database"
)

func planOf(tools ...Route) []Step {
	plan := make([]Step, len(tools))
	for i, tool := range tools {
		plan[i] = Step{Number: i + 1, Tool: tool}
	}
	return plan
}

func score(n int) *int { return &n }

func TestDecideRetryCeiling(t *testing.T) {
	o := NewOrchestrator(3, 6)
	s := State{
		Plan:       planOf(RouteGenerateQuery, RouteExecuteQuery),
		SQLQuery:   "SELECT 1",
		LastStep:   RouteValidator,
		RetryCount: 0,
	}

	// 校验连续不通过：1、2 次回到生成，第 3 次转给 generalChat
	for want := 1; want <= 3; want++ {
		s.ValidatorScore = score(2)
		d := o.Decide(s)
		assert.Equal(t, want, d.RetryCount)
		if want < 3 {
			assert.Equal(t, RouteGenerateQuery, d.Route)
		} else {
			assert.Equal(t, RouteGeneralChat, d.Route)
			assert.Equal(t, retryExhausted(3), d.Feedback)
		}
		s = d.apply(s)
		s.LastStep = RouteValidator
	}

	// 达到上限后无论上一步是什么都只会走 generalChat
	for _, last := range []Route{RoutePlanner, RouteExecuteQuery, RouteGenerateSchema, RouteApproval} {
		s := State{Plan: planOf(RouteGenerateQuery), RetryCount: 5, LastStep: last}
		d := o.Decide(s)
		assert.Equal(t, RouteGeneralChat, d.Route, last)
		assert.Equal(t, 3, d.RetryCount)
	}
}

func TestDecideFailureStreakSurvivesValidatorPass(t *testing.T) {
	o := NewOrchestrator(3, 6)
	s := State{
		Plan:      planOf(RouteGenerateQuery, RouteExecuteQuery),
		StepIndex: 1,
		SQLQuery:  "SELECT id FROM users",
	}
	for streak := 1; streak <= 3; streak++ {
		// 执行失败：recoverable 同时增加重试计数和失败连击
		s.RetryCount++
		s.FailureStreak = streak
		s.LastStep = RouteExecuteQuery
		s.LastFailed = true
		d := o.Decide(s)
		if streak == 3 {
			assert.Equal(t, RouteGeneralChat, d.Route)
			assert.Equal(t, retryExhausted(3), d.Feedback)
			assert.Equal(t, 3, d.RetryCount)
			break
		}
		assert.Equal(t, RouteGenerateQuery, d.Route)
		s = d.apply(s)

		// 重新生成的 SQL 通过校验，重试计数清零但连击保留
		s.LastStep = RouteValidator
		s.ValidatorScore = score(9)
		d = o.Decide(s)
		assert.Equal(t, RouteExecuteQuery, d.Route)
		assert.Zero(t, d.RetryCount)
		s = d.apply(s)
		assert.Equal(t, streak, s.FailureStreak)
	}
}

func TestDecideFailedStep(t *testing.T) {
	o := NewOrchestrator(3, 6)
	plan := planOf(RouteGenerateSchema, RouteGenerateQuery, RouteExecuteQuery, RouteGenerateChart)

	cases := []struct {
		last Route
		idx  int
		want Route
	}{
		{RouteExecuteQuery, 2, RouteGenerateQuery},
		{RouteGenerateQuery, 1, RouteGenerateQuery},
		{RouteValidator, 1, RouteGenerateQuery},
		{RouteGenerateChart, 3, RouteGenerateChart},
		{RouteGenerateSchema, 0, RouteGenerateSchema},
	}
	for _, tc := range cases {
		s := State{Plan: plan, StepIndex: tc.idx, RetryCount: 1, LastStep: tc.last, LastFailed: true, Feedback: "System Error: boom."}
		d := o.Decide(s)
		assert.Equal(t, tc.want, d.Route, tc.last)
		assert.Equal(t, tc.idx, d.StepIndex, "failed steps never advance the cursor")
		assert.False(t, d.apply(s).LastFailed)
	}

	// 规划失败且没有计划时重新规划
	d := o.Decide(State{LastStep: RoutePlanner, LastFailed: true, RetryCount: 1})
	assert.Equal(t, RoutePlanner, d.Route)

	d = o.Decide(State{LastStep: RoutePlanner})
	assert.Equal(t, RouteGeneralChat, d.Route)
	assert.Equal(t, feedbackNoPlan, d.Feedback)
}

func TestDecideWalksPlanMonotonically(t *testing.T) {
	o := NewOrchestrator(3, 6)
	s := State{
		Plan:     planOf(RouteGenerateSchema, RouteGenerateQuery, RouteExecuteQuery),
		LastStep: RoutePlanner,
	}
	// 依次模拟各步骤成功完成
	results := []func(*State){
		func(s *State) { s.Schema = "CREATE TABLE users (id INTEGER)"; s.LastStep = RouteGenerateSchema },
		func(s *State) {
			s.SQLQuery = "SELECT id FROM users"
			s.LastStep = RouteValidator
			s.ValidatorScore = score(9)
		},
		func(s *State) {
			s.QueryResult = &database.Result{Columns: []string{"id"}}
			s.Executed = true
			s.LastStep = RouteExecuteQuery
		},
	}
	wantRoutes := []Route{RouteGenerateSchema, RouteGenerateQuery, RouteExecuteQuery, RouteSummarize}

	prev := 0
	for i, want := range wantRoutes {
		d := o.Decide(s)
		assert.Equal(t, want, d.Route, "decision %d", i)
		assert.GreaterOrEqual(t, d.StepIndex, prev)
		assert.LessOrEqual(t, d.StepIndex, len(s.Plan))
		prev = d.StepIndex
		s = d.apply(s)
		if i < len(results) {
			results[i](&s)
		}
	}
	assert.Equal(t, 3, s.StepIndex)
}

func TestDecidePlanEnd(t *testing.T) {
	o := NewOrchestrator(3, 6)
	plan := planOf(RouteExecuteQuery)
	res := &database.Result{Columns: []string{"n"}, Rows: []map[string]any{{"n": 1}}}

	d := o.Decide(State{Plan: plan, SQLQuery: "SELECT 1", QueryResult: res, Executed: true, LastStep: RouteExecuteQuery})
	assert.Equal(t, RouteSummarize, d.Route)

	// 上一轮留下的结果不会触发总结
	d = o.Decide(State{Plan: plan, SQLQuery: "SELECT 1", QueryResult: res, LastStep: RouteExecuteQuery})
	assert.Equal(t, RouteEnd, d.Route)

	d = o.Decide(State{Plan: plan, QueryResult: res, Chart: &ChartSpec{}, LastStep: RouteExecuteQuery})
	assert.Equal(t, RouteSummarize, d.Route)

	d = o.Decide(State{Plan: plan, LastStep: RouteExecuteQuery})
	assert.Equal(t, RouteEnd, d.Route)
}

func TestDecideReplanOnce(t *testing.T) {
	o := NewOrchestrator(3, 6)
	s := State{Plan: planOf(RouteGenerateQuery, RouteExecuteQuery), StepIndex: 1, NeedsReplanning: true, LastStep: RouteExecuteQuery}

	d := o.Decide(s)
	assert.Equal(t, RoutePlanner, d.Route)
	assert.True(t, d.ReplanUsed)
	assert.False(t, d.NeedsReplanning)
	assert.Equal(t, 1, d.StepIndex)

	s = d.apply(s)
	s.NeedsReplanning = true
	d = o.Decide(s)
	assert.Equal(t, RouteGeneralChat, d.Route)
	assert.Equal(t, feedbackReplanRefused, d.Feedback)
	assert.True(t, d.ReplanUsed)

	// 计划里的 queryPlanner 步骤同样只允许一次
	s = State{Plan: planOf(RouteGenerateSchema, RoutePlanner), Schema: "x", LastStep: RouteGenerateSchema}
	d = o.Decide(s)
	assert.Equal(t, RoutePlanner, d.Route)
	assert.Equal(t, 1, d.StepIndex)
	s.ReplanUsed = true
	d = o.Decide(s)
	assert.Equal(t, RouteGeneralChat, d.Route)
}

func TestDecideSchemaDetour(t *testing.T) {
	o := NewOrchestrator(3, 6)
	s := State{
		Plan:       planOf(RouteGenerateSchema, RouteGenerateQuery, RouteExecuteQuery),
		StepIndex:  2,
		Schema:     "CREATE TABLE old (id INTEGER)",
		SQLQuery:   "SELECT * FROM users",
		RetryCount: 1,
		LastStep:   RouteExecuteQuery,
		LastFailed: true,
		Feedback:   "System Error: no such table: users. Analyze this error and try a different approach.",
	}
	d := o.Decide(s)
	assert.Equal(t, RouteGenerateSchema, d.Route)
	assert.True(t, d.InvalidateSchema)
	assert.Equal(t, 2, d.StepIndex)

	s = d.apply(s)
	assert.Empty(t, s.Schema)
	assert.True(t, s.SchemaDetour)

	// schema 重新提取后回到生成步骤，游标不动
	s.Schema = "CREATE TABLE users (id INTEGER)"
	s.LastStep = RouteGenerateSchema
	s.Feedback = "Local SQLite schema generated successfully. Go to the next step."
	d = o.Decide(s)
	assert.Equal(t, RouteGenerateQuery, d.Route)
	assert.Equal(t, 2, d.StepIndex)
	assert.False(t, d.SchemaDetour)

	for _, fb := range []string{"relation \"users\" does not exist", "Table 'shop.users' doesn't exist", "The schema is missing"} {
		assert.True(t, schemaMissing.MatchString(fb), fb)
	}
	assert.False(t, schemaMissing.MatchString("Local SQLite schema generated successfully."))
}

func TestDecideApproval(t *testing.T) {
	o := NewOrchestrator(3, 6)
	plan := planOf(RouteGenerateSchema, RouteGenerateQuery, RouteApproval, RouteExecuteQuery)
	del := "DELETE FROM users WHERE id = 5"

	// 校验通过后先进入确认
	s := State{Plan: plan, StepIndex: 1, SQLQuery: del, LastStep: RouteValidator, ValidatorScore: score(10), RetryCount: 2}
	d := o.Decide(s)
	assert.Equal(t, RouteApproval, d.Route)
	assert.Equal(t, 2, d.StepIndex)
	assert.Zero(t, d.RetryCount)

	// 拒绝
	s = d.apply(s)
	s.Approval = &Approval{Approved: false, SQL: del}
	s.LastStep = RouteApproval
	d = o.Decide(s)
	assert.Equal(t, RouteGeneralChat, d.Route)

	// 同意
	s.Approval = &Approval{Approved: true, SQL: del}
	d = o.Decide(s)
	assert.Equal(t, RouteExecuteQuery, d.Route)
	assert.Equal(t, 3, d.StepIndex)

	// 对另一条 SQL 的确认无效
	s.Approval = &Approval{Approved: true, SQL: "DELETE FROM users WHERE id = 6"}
	d = o.Decide(s)
	assert.Equal(t, RouteGeneralChat, d.Route)
}

func TestDispatchSafetyOverride(t *testing.T) {
	o := NewOrchestrator(3, 6)

	// 计划里没有确认步骤，修改数据的 SQL 仍然先确认
	s := State{Plan: planOf(RouteGenerateQuery, RouteExecuteQuery), SQLQuery: "UPDATE users SET name = 'x' WHERE id = 1", LastStep: RouteValidator, ValidatorScore: score(8)}
	d := o.Decide(s)
	assert.Equal(t, RouteApproval, d.Route)
	assert.Equal(t, 1, d.StepIndex)

	// 只读 SQL 跳过确认步骤
	s = State{Plan: planOf(RouteGenerateQuery, RouteApproval, RouteExecuteQuery), SQLQuery: "SELECT 1", LastStep: RouteValidator, ValidatorScore: score(8)}
	d = o.Decide(s)
	assert.Equal(t, RouteExecuteQuery, d.Route)
	assert.Equal(t, 2, d.StepIndex)

	// 没有 SQL 时不会执行
	s = State{Plan: planOf(RouteExecuteQuery), LastStep: RoutePlanner}
	d = o.Decide(s)
	assert.Equal(t, RouteGenerateQuery, d.Route)
}

func TestDispatchSkipsChart(t *testing.T) {
	o := NewOrchestrator(3, 6)
	plan := planOf(RouteExecuteQuery, RouteGenerateChart, RouteSummarize)

	mutation := &database.Result{Mutation: &database.MutationSummary{Message: "Success", RowsAffected: 1}}
	d := o.Decide(State{Plan: plan, SQLQuery: "DELETE FROM t WHERE id = 1", QueryResult: mutation, Executed: true, LastStep: RouteExecuteQuery})
	assert.Equal(t, RouteSummarize, d.Route)
	assert.Equal(t, 2, d.StepIndex)

	rows := &database.Result{Columns: []string{"n"}, Rows: []map[string]any{{"n": 1}}}
	d = o.Decide(State{Plan: plan, SQLQuery: "SELECT 1", QueryResult: rows, Executed: true, LastStep: RouteExecuteQuery})
	assert.Equal(t, RouteGenerateChart, d.Route)
	assert.Equal(t, 1, d.StepIndex)
}

func TestRouteValues(t *testing.T) {
	for _, r := range nodeRoutes {
		parsed, err := ParseRoute(string(r))
		assert.NoError(t, err)
		assert.Equal(t, r, parsed)
	}
	_, err := ParseRoute("sqlGenerator")
	assert.Error(t, err)
	assert.True(t, RouteEnd.Terminal())
	assert.False(t, RouteOrchestrator.Plannable())
	assert.True(t, RouteApproval.Plannable())
}
