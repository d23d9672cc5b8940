package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/QueryFit/internal/database"
	"github.com/wwwzy/QueryFit/internal/graph"
	"github.com/wwwzy/QueryFit/internal/llm"
)

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func planReply(t *testing.T, intent string, tools ...Route) string {
	t.Helper()
	steps := make([]map[string]any, 0, len(tools))
	for i, tool := range tools {
		steps = append(steps, map[string]any{
			"step_number": i + 1,
			"tool_name":   string(tool),
			"description": "step " + string(tool),
			"ui_message":  "working",
		})
	}
	return mustJSON(t, map[string]any{"reasoning": "test plan", "intent": intent, "steps": steps})
}

func queryReply(t *testing.T, sql string) string {
	t.Helper()
	return mustJSON(t, map[string]any{"query": sql, "isIncomplete": false, "reason": ""})
}

func routesOf(path []string) []Route {
	out := make([]Route, len(path))
	for i, p := range path {
		out[i] = Route(p)
	}
	return out
}

func TestAskRetrievalEndToEnd(t *testing.T) {
	dir, ref := seedShop(t)
	m := testModels()
	m.Planner = replies(planReply(t, "retrieval", RouteGenerateSchema, RouteGenerateQuery, RouteExecuteQuery))
	m.Generator = replies(queryReply(t, "SELECT id, name FROM users"))
	m.Summarizer = replies("There are 3 users: Ada, Linus and Grace.")
	a := newTestAgent(t, dir, m)

	ctx := context.Background()
	reply, err := a.Ask(ctx, "t-retrieval", ref, "List all users")
	require.NoError(t, err)

	assert.Equal(t, graph.StatusCompleted, reply.Status)
	assert.Equal(t, []Route{
		RoutePlanner, RouteOrchestrator, RouteGenerateSchema, RouteOrchestrator,
		RouteGenerateQuery, RouteValidator, RouteOrchestrator,
		RouteExecuteQuery, RouteOrchestrator, RouteSummarize,
	}, routesOf(reply.Path))
	assert.Equal(t, "There are 3 users: Ada, Linus and Grace.", reply.Message)

	s := reply.State
	assert.Equal(t, "SELECT id, name FROM users LIMIT 50", s.SQLQuery)
	require.NotNil(t, s.QueryResult)
	assert.EqualValues(t, 3, s.QueryResult.Len())
	assert.Equal(t, []string{"id", "name"}, s.QueryResult.Columns)
	assert.Contains(t, s.Schema, "CREATE TABLE users")
	assert.Equal(t, database.SQLite, s.Database.Dialect)
	assert.Equal(t, RouteEnd, s.RouteDecision)
	assert.Empty(t, s.Plan)

	msg, ok := s.FinalResponse()
	require.True(t, ok)
	assert.True(t, IsFinalResponse(msg))
	assert.Equal(t, RouteSummarize, ResponseNode(msg))

	// 快照与返回的状态一致，且反序列化后仍能识别最终回复
	got, status, err := a.State(ctx, "t-retrieval")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, graph.StatusCompleted, status)
	restored, ok := got.FinalResponse()
	require.True(t, ok)
	assert.Equal(t, reply.Message, restored.Content)

	// 下一轮沿用缓存的 schema，计划中不再出现 generateSchema
	m.Planner.(*fakeModel).replies = append(m.Planner.(*fakeModel).replies,
		planReply(t, "retrieval", RouteGenerateSchema, RouteGenerateQuery, RouteExecuteQuery))
	m.Generator.(*fakeModel).replies = append(m.Generator.(*fakeModel).replies, queryReply(t, "SELECT COUNT(*) AS n FROM users"))
	m.Summarizer.(*fakeModel).replies = append(m.Summarizer.(*fakeModel).replies, "3 users.")
	second, err := a.Ask(ctx, "t-retrieval", database.Ref{}, "How many users?")
	require.NoError(t, err)
	assert.NotContains(t, routesOf(second.Path), RouteGenerateSchema)
	assert.Equal(t, "3 users.", second.Message)
	assert.Len(t, second.State.Messages, 4)
}

func TestAskManipulationNeedsApproval(t *testing.T) {
	newManipulation := func(t *testing.T) (*Agent, string, database.Ref, *Models) {
		dir, ref := seedShop(t)
		m := testModels()
		m.Planner = replies(planReply(t, "manipulation", RouteGenerateQuery, RouteExecuteQuery))
		m.Generator = replies(queryReply(t, "DELETE FROM users WHERE id = 5"))
		return newTestAgent(t, dir, m), dir, ref, m
	}
	ctx := context.Background()

	t.Run("rejected", func(t *testing.T) {
		a, dir, ref, m := newManipulation(t)
		m.Chat = replies("Okay, nothing was deleted.")

		reply, err := a.Ask(ctx, "t-reject", ref, "Delete user 5")
		require.NoError(t, err)
		require.Equal(t, graph.StatusSuspended, reply.Status)
		require.NotNil(t, reply.Interrupt)
		assert.Equal(t, ApprovalID, reply.Interrupt.ID)
		assert.Equal(t, "The generated query may manipulate data. Do you want to proceed?", reply.Interrupt.Value)
		assert.Equal(t, "DELETE FROM users WHERE id = 5", reply.Interrupt.SQL)
		assert.Equal(t, RouteApproval, routesOf(reply.Path)[len(reply.Path)-1])
		assert.NotContains(t, routesOf(reply.Path), RouteExecuteQuery)

		tools := make([]Route, 0, len(reply.State.Plan))
		for _, st := range reply.State.Plan {
			tools = append(tools, st.Tool)
		}
		assert.Equal(t, []Route{RouteGenerateSchema, RouteGenerateQuery, RouteApproval, RouteExecuteQuery}, tools)

		pending, err := a.Pending(ctx, "t-reject")
		require.NoError(t, err)
		require.NotNil(t, pending)
		assert.Equal(t, ApprovalID, pending.ID)

		// 挂起期间再次提问不会执行任何步骤
		again, err := a.Ask(ctx, "t-reject", ref, "hello?")
		require.NoError(t, err)
		assert.Equal(t, graph.StatusSuspended, again.Status)
		assert.Empty(t, again.Path)

		done, err := a.Resume(ctx, "t-reject", ApprovalResponse{ShouldContinue: false})
		require.NoError(t, err)
		assert.Equal(t, graph.StatusCompleted, done.Status)
		assert.Equal(t, []Route{RouteApproval, RouteOrchestrator, RouteGeneralChat}, routesOf(done.Path))
		assert.Nil(t, done.State.QueryResult)
		assert.Equal(t, "Okay, nothing was deleted.", done.Message)
		assert.EqualValues(t, 3, countUsers(t, dir))

		chat := m.Chat.(*fakeModel)
		require.Len(t, chat.inputs, 1)
		assert.Contains(t, chat.inputs[0][0].Content, "disapproved")
	})

	t.Run("approved", func(t *testing.T) {
		a, dir, ref, m := newManipulation(t)
		m.Summarizer = replies("User 5 was deleted.")

		reply, err := a.Ask(ctx, "t-approve", ref, "Delete user 5")
		require.NoError(t, err)
		require.Equal(t, graph.StatusSuspended, reply.Status)
		assert.EqualValues(t, 3, countUsers(t, dir))

		done, err := a.Resume(ctx, "t-approve", ApprovalResponse{ShouldContinue: true})
		require.NoError(t, err)
		assert.Equal(t, graph.StatusCompleted, done.Status)
		assert.Equal(t, []Route{RouteApproval, RouteOrchestrator, RouteExecuteQuery, RouteOrchestrator, RouteSummarize}, routesOf(done.Path))
		require.NotNil(t, done.State.QueryResult)
		assert.True(t, done.State.QueryResult.IsMutation())
		assert.EqualValues(t, 1, done.State.QueryResult.Len())
		assert.Equal(t, "User 5 was deleted.", done.Message)
		assert.EqualValues(t, 2, countUsers(t, dir))

		_, err = a.Resume(ctx, "t-approve", ApprovalResponse{ShouldContinue: true})
		assert.ErrorIs(t, err, graph.ErrNotSuspended)
	})

	t.Run("invalid resume value", func(t *testing.T) {
		a, dir, ref, _ := newManipulation(t)
		_, err := a.Ask(ctx, "t-invalid", ref, "Delete user 5")
		require.NoError(t, err)

		_, err = a.runnable.Resume(ctx, "t-invalid", "yes")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid approval response")

		_, status, err := a.State(ctx, "t-invalid")
		require.NoError(t, err)
		assert.Equal(t, graph.StatusSuspended, status)
		assert.EqualValues(t, 3, countUsers(t, dir))
	})
}

func TestAskAmbiguousGoesToClarifier(t *testing.T) {
	dir, ref := seedShop(t)
	m := testModels()
	m.Planner = replies(planReply(t, "retrieval", RouteGenerateQuery, RouteExecuteQuery))
	m.Generator = replies(queryReply(t, "SELECT u.nickname FROM users u"))
	m.Clarifier = replies(mustJSON(t, map[string]any{"message": "Did you mean the name column?"}))
	a := newTestAgent(t, dir, m)

	reply, err := a.Ask(context.Background(), "t-clarify", ref, "Show the nicknames")
	require.NoError(t, err)
	assert.Equal(t, graph.StatusCompleted, reply.Status)
	assert.Equal(t, []Route{
		RoutePlanner, RouteOrchestrator, RouteGenerateSchema, RouteOrchestrator,
		RouteGenerateQuery, RouteClarifier,
	}, routesOf(reply.Path))
	assert.NotContains(t, routesOf(reply.Path), RouteExecuteQuery)
	assert.Equal(t, "Did you mean the name column?", reply.Message)

	require.NotNil(t, reply.State.Generation)
	assert.True(t, reply.State.Generation.IsIncomplete)
	assert.Contains(t, reply.State.Generation.Reason, "nickname")
	assert.Empty(t, reply.State.SQLQuery)
	assert.Nil(t, reply.State.QueryResult)
}

func TestAskStopsAfterRetryCeiling(t *testing.T) {
	dir, ref := seedShop(t)
	m := testModels()
	m.Planner = replies(planReply(t, "retrieval", RouteGenerateQuery, RouteExecuteQuery))
	m.Generator = replies(
		queryReply(t, "SELECT name FROM users"),
		queryReply(t, "SELECT name FROM users"),
		queryReply(t, "SELECT name FROM users"),
	)
	low := mustJSON(t, map[string]any{"feedback": "Wrong columns.", "routeDecision": "generateQuery", "validatorScore": 2})
	m.Validator = replies(low, low, low)
	m.Chat = failing(assert.AnError)
	a := newTestAgent(t, dir, m)

	reply, err := a.Ask(context.Background(), "t-retry", ref, "List users by signup date")
	require.NoError(t, err)
	assert.Equal(t, graph.StatusCompleted, reply.Status)
	assert.Equal(t, 3, m.Generator.(*fakeModel).Calls())
	assert.NotContains(t, routesOf(reply.Path), RouteExecuteQuery)
	assert.Equal(t, RouteGeneralChat, routesOf(reply.Path)[len(reply.Path)-1])
	assert.Equal(t, 3, reply.State.RetryCount)
	assert.Equal(t, "I attempted to generate the correct query 3 times but failed. Please be more specific.", reply.Message)
}

func countRoute(path []string, r Route) int {
	n := 0
	for _, p := range path {
		if Route(p) == r {
			n++
		}
	}
	return n
}

func TestAskStopsAfterRepeatedExecuteFailures(t *testing.T) {
	dir, ref := seedShop(t)
	// 能通过静态校验，但 sqlite 执行时报参数个数错误
	bad := "SELECT name FROM users WHERE id = abs(1, 2)"
	m := testModels()
	m.Planner = replies(planReply(t, "retrieval", RouteGenerateSchema, RouteGenerateQuery, RouteExecuteQuery))
	m.Generator = replies(queryReply(t, bad), queryReply(t, bad), queryReply(t, bad), queryReply(t, bad))
	m.Chat = failing(assert.AnError)
	a := newTestAgent(t, dir, m)

	reply, err := a.Ask(context.Background(), "t-exec-fail", ref, "Find user one")
	require.NoError(t, err)
	assert.Equal(t, graph.StatusCompleted, reply.Status)
	assert.Equal(t, 3, countRoute(reply.Path, RouteExecuteQuery))
	assert.Equal(t, 3, countRoute(reply.Path, RouteValidator))
	assert.Equal(t, 3, m.Generator.(*fakeModel).Calls())
	assert.Equal(t, RouteGeneralChat, routesOf(reply.Path)[len(reply.Path)-1])
	assert.Equal(t, 3, reply.State.RetryCount)
	assert.Equal(t, retryExhausted(3), reply.Message)
	assert.Nil(t, reply.State.QueryResult)
}

func TestAskSchemaDetourStopsAtCeiling(t *testing.T) {
	exec := &fakeExecutor{
		schema:  database.Schema{Text: "TABLE users (id integer, name text);", Dialect: database.Postgres, Label: "PostgreSQL"},
		execErr: errors.New(`pq: relation "users" does not exist`),
	}
	m := testModels()
	m.Planner = replies(planReply(t, "retrieval", RouteGenerateSchema, RouteGenerateQuery, RouteExecuteQuery))
	q := queryReply(t, "SELECT id, name FROM users")
	m.Generator = replies(q, q, q, q)
	m.Chat = replies("Sorry, I could not find the users table after several attempts.")
	a := newAgentWithExecutor(t, exec, m)

	reply, err := a.Ask(context.Background(), "t-detour", database.Ref{ID: "pg-main", Dialect: database.Postgres}, "List users")
	require.NoError(t, err)
	assert.Equal(t, graph.StatusCompleted, reply.Status)
	assert.Len(t, exec.executes, 3)
	// 首次提取 + 每次 relation 缺失后的两次重新提取
	assert.Equal(t, 3, exec.introspects)
	assert.Equal(t, 3, countRoute(reply.Path, RouteGenerateSchema))
	assert.Equal(t, RouteGeneralChat, routesOf(reply.Path)[len(reply.Path)-1])
	assert.Equal(t, "Sorry, I could not find the users table after several attempts.", reply.Message)
	assert.Equal(t, 3, reply.State.RetryCount)

	chat := m.Chat.(*fakeModel)
	require.Len(t, chat.inputs, 1)
	assert.Contains(t, chat.inputs[0][0].Content, "3 times")
}

func TestAskUnqualifiedUnknownColumnGoesToClarifier(t *testing.T) {
	dir, ref := seedShop(t)
	m := testModels()
	m.Planner = replies(planReply(t, "retrieval", RouteGenerateQuery, RouteExecuteQuery))
	m.Generator = replies(queryReply(t, "SELECT salary FROM users"))
	m.Clarifier = replies(mustJSON(t, map[string]any{"message": "The users table has no salary column. Which column did you mean?"}))
	a := newTestAgent(t, dir, m)

	reply, err := a.Ask(context.Background(), "t-salary", ref, "What are the salaries?")
	require.NoError(t, err)
	assert.Equal(t, RouteClarifier, routesOf(reply.Path)[len(reply.Path)-1])
	assert.NotContains(t, routesOf(reply.Path), RouteExecuteQuery)
	require.NotNil(t, reply.State.Generation)
	assert.Contains(t, reply.State.Generation.Reason, "users.salary")
	assert.Nil(t, reply.State.QueryResult)
}

func TestAskJoinAgainstIntrospectedSchema(t *testing.T) {
	dir, ref := seedShop(t)
	db := openShop(t, dir)
	require.NoError(t, db.Exec(`CREATE TABLE orders (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL REFERENCES users(id),
		amount REAL NOT NULL
	)`).Error)
	require.NoError(t, db.Exec(`INSERT INTO orders (id, user_id, amount) VALUES (1, 1, 9.5), (2, 1, 20), (3, 5, 7.25)`).Error)
	closeShop(t, db)

	m := testModels()
	m.Planner = replies(
		planReply(t, "retrieval", RouteGenerateSchema, RouteGenerateQuery, RouteExecuteQuery),
		planReply(t, "retrieval", RouteGenerateQuery, RouteExecuteQuery),
	)
	m.Generator = replies(
		queryReply(t, "SELECT u.name, o.amount FROM users u JOIN orders o ON o.user_id = u.id WHERE o.amount > 8 ORDER BY o.amount"),
		queryReply(t, "SELECT u.name, o.total FROM users u JOIN orders o ON o.user_id = u.id"),
	)
	m.Summarizer = replies("Ada placed both orders above 8.")
	m.Clarifier = replies(mustJSON(t, map[string]any{"message": "Orders have an amount, not a total. Use amount?"}))
	a := newTestAgent(t, dir, m)
	ctx := context.Background()

	reply, err := a.Ask(ctx, "t-join", ref, "Which users placed orders above 8?")
	require.NoError(t, err)
	assert.Contains(t, routesOf(reply.Path), RouteExecuteQuery)
	assert.Contains(t, reply.State.Schema, "CREATE TABLE orders")
	require.NotNil(t, reply.State.QueryResult)
	assert.Equal(t, []string{"name", "amount"}, reply.State.QueryResult.Columns)
	assert.EqualValues(t, 2, reply.State.QueryResult.Len())
	assert.Equal(t, "Ada", reply.State.QueryResult.Rows[0]["name"])
	assert.Equal(t, 9.5, reply.State.QueryResult.Rows[0]["amount"])

	// 第二轮引用 JOIN 表中不存在的列，转给澄清步骤
	second, err := a.Ask(ctx, "t-join", database.Ref{}, "And their totals?")
	require.NoError(t, err)
	assert.Equal(t, RouteClarifier, routesOf(second.Path)[len(second.Path)-1])
	assert.NotContains(t, routesOf(second.Path), RouteExecuteQuery)
	assert.Contains(t, second.State.Generation.Reason, "orders.total")
}

func TestAskValidation(t *testing.T) {
	dir, ref := seedShop(t)
	a := newTestAgent(t, dir, testModels())
	_, err := a.Ask(context.Background(), "t-empty", ref, "   ")
	require.Error(t, err)

	_, err = a.Ask(context.Background(), "", ref, "hi")
	assert.ErrorIs(t, err, graph.ErrEmptyThreadID)

	_, err = New(Options{Config: DefaultConfig(), Models: &Models{}, Executor: database.NewAdapter(database.Config{LocalDir: dir}, nil)})
	require.Error(t, err)
}

// TestRealAgentFlow 使用真实的模型跑一轮检索，需要 ARK_API_KEY 和 ARK_MODEL_ID，未设置时跳过。
func TestRealAgentFlow(t *testing.T) {
	apiKey := os.Getenv("ARK_API_KEY")
	modelID := os.Getenv("ARK_MODEL_ID")
	if apiKey == "" || modelID == "" {
		t.Skip("Skipping real agent test: ARK_API_KEY or ARK_MODEL_ID not set")
	}

	ctx := context.Background()
	models, err := NewModels(ctx, llm.Config{
		Provider: llm.ProviderArk,
		Ark:      llm.ArkConfig{APIKey: apiKey, ModelID: modelID, BaseURL: os.Getenv("ARK_BASE_URL")},
	})
	require.NoError(t, err)

	dir, ref := seedShop(t)
	a := newTestAgent(t, dir, models)
	reply, err := a.Ask(ctx, NewThreadID(), ref, "How many users are there?")
	require.NoError(t, err)
	t.Logf("path: %v", reply.Path)
	t.Logf("answer: %s", reply.Message)
	assert.Equal(t, graph.StatusCompleted, reply.Status)
	assert.NotEmpty(t, reply.Message)
}
