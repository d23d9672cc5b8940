package agent

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/wwwzy/QueryFit/internal/database"
)

// Step 是计划中的一步。
type Step struct {
	Number      int    `json:"step_number"`
	Tool        Route  `json:"tool_name"`
	Description string `json:"description"`
	UIMessage   string `json:"ui_message"`
}

// Generation 是生成步骤的原始输出。
type Generation struct {
	Query        string `json:"query"`
	IsIncomplete bool   `json:"isIncomplete"`
	Reason       string `json:"reason"`
}

// Approval 记录用户对某一条 SQL 的确认结果，SQL 变化后确认失效。
type Approval struct {
	Approved bool   `json:"approved"`
	SQL      string `json:"sql"`
}

type ChartSeries struct {
	DataKey   string `json:"dataKey"`
	Label     string `json:"label"`
	Color     string `json:"color,omitempty"`
	StackedID string `json:"stackedId,omitempty"`
}

// ChartSpec 是图表配置以及它要渲染的数据。
type ChartSpec struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Type        string           `json:"type"`
	XAxisKey    string           `json:"xAxisKey"`
	Series      []ChartSeries    `json:"series"`
	Data        []map[string]any `json:"data,omitempty"`
}

func (c *ChartSpec) UnmarshalJSON(b []byte) error {
	type plain ChartSpec
	var p plain
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	database.RestoreNumbers(p.Data)
	*c = ChartSpec(p)
	return nil
}

func init() {
	// 挂起时 compose 会把节点输入写入执行快照
	schema.RegisterName[State]("queryfit_agent_state")
}

// State 是在图中流转的会话状态，每个节点执行完都会整体写入快照。
type State struct {
	// Messages 只追加，不整体替换。
	Messages []*schema.Message `json:"messages"`
	Database database.Ref      `json:"databaseRef"`
	// Schema 非空即视为有效，直到被显式清空。
	Schema string `json:"schema,omitempty"`

	Intent    string `json:"intent,omitempty"`
	Plan      []Step `json:"plan,omitempty"`
	StepIndex int    `json:"currentStepIndex"`

	RetryCount int `json:"retryCount"`
	// FailureStreak 统计本轮连续的步骤失败，只有查询成功执行或新一轮开始才会清零。
	FailureStreak   int  `json:"failureStreak"`
	NeedsReplanning bool `json:"needsReplanning"`
	// ReplanUsed 在整个会话内只会由 false 变为 true。
	ReplanUsed bool `json:"replanUsed"`

	Feedback       string      `json:"feedback"`
	SQLQuery       string      `json:"sqlQuery,omitempty"`
	Generation     *Generation `json:"generation,omitempty"`
	ValidatorScore *int        `json:"validatorScore,omitempty"`
	Approval       *Approval   `json:"approval,omitempty"`

	QueryResult *database.Result `json:"queryResult,omitempty"`
	// Executed 表示本轮执行过查询。
	Executed bool       `json:"executed,omitempty"`
	Chart    *ChartSpec `json:"chartSpec,omitempty"`

	RouteDecision Route `json:"routeDecision"`
	// LastStep/LastFailed 记录上一个内容步骤及其是否失败，供编排器判断。
	LastStep     Route `json:"lastStep,omitempty"`
	LastFailed   bool  `json:"lastFailed,omitempty"`
	SchemaDetour bool  `json:"schemaDetour,omitempty"`
}

// Clone 返回可以安全修改的副本。消息对象本身不会被修改，只复制切片。
func (s State) Clone() State {
	out := s
	out.Messages = append([]*schema.Message(nil), s.Messages...)
	out.Plan = append([]Step(nil), s.Plan...)
	if s.Generation != nil {
		g := *s.Generation
		out.Generation = &g
	}
	if s.ValidatorScore != nil {
		v := *s.ValidatorScore
		out.ValidatorScore = &v
	}
	if s.Approval != nil {
		a := *s.Approval
		out.Approval = &a
	}
	out.QueryResult = s.QueryResult.Clone()
	if s.Chart != nil {
		c := *s.Chart
		c.Series = append([]ChartSeries(nil), s.Chart.Series...)
		c.Data = append([]map[string]any(nil), s.Chart.Data...)
		out.Chart = &c
	}
	return out
}

// Approved 表示当前 SQL 已被用户确认执行。
func (s State) Approved() bool {
	return s.Approval != nil && s.Approval.Approved && s.Approval.SQL == s.SQLQuery
}

// CurrentStep 返回游标指向的步骤。
func (s State) CurrentStep() (Step, bool) {
	if s.StepIndex < 0 || s.StepIndex >= len(s.Plan) {
		return Step{}, false
	}
	return s.Plan[s.StepIndex], true
}

func (s State) hasStep(tool Route) bool {
	for _, st := range s.Plan {
		if st.Tool == tool {
			return true
		}
	}
	return false
}

func (s State) dialect() database.Dialect {
	if s.Database.Dialect.Valid() {
		return s.Database.Dialect
	}
	return database.SQLite
}

// LastUserMessage 返回最近一条用户消息的内容。
func (s State) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == schema.User {
			return s.Messages[i].Content
		}
	}
	return ""
}

// FinalResponse 返回最后一条消息，如果它是终止步骤给用户的回复。
func (s State) FinalResponse() (*schema.Message, bool) {
	if len(s.Messages) == 0 {
		return nil, false
	}
	last := s.Messages[len(s.Messages)-1]
	if last.Role != schema.Assistant || !IsFinalResponse(last) {
		return nil, false
	}
	return last, true
}

// resetTurn 清空只在一轮内有效的字段。
func (s *State) resetTurn() {
	s.Intent = ""
	s.Plan = nil
	s.StepIndex = 0
	s.RetryCount = 0
	s.FailureStreak = 0
	s.NeedsReplanning = false
	s.Feedback = ""
	s.SQLQuery = ""
	s.Generation = nil
	s.ValidatorScore = nil
	s.Approval = nil
	s.Executed = false
	s.Chart = nil
	s.RouteDecision = ""
	s.LastStep = ""
	s.LastFailed = false
	s.SchemaDetour = false
}

// startTurn 在已有会话上开始新一轮：保留消息、schema、上次结果和重新规划标记，其余字段重置。
// 换了目标数据库时 schema 与结果一并作废。
func startTurn(prev, input State) State {
	s := prev.Clone()
	s.Messages = append(s.Messages, input.Messages...)
	if input.Database.ID != "" && input.Database.ID != prev.Database.ID {
		s.Database = input.Database
		s.Schema = ""
		s.QueryResult = nil
	} else if input.Database.Dialect != "" {
		s.Database.Dialect = input.Database.Dialect
	}
	s.resetTurn()
	return s
}

// mergeState 校验节点输出是否破坏了状态约定：消息只能追加，游标不能越过计划长度。
func mergeState(prev, next State) (State, error) {
	if len(next.Messages) < len(prev.Messages) {
		return prev, fmt.Errorf("messages shrank from %d to %d", len(prev.Messages), len(next.Messages))
	}
	for i, m := range prev.Messages {
		n := next.Messages[i]
		if m != n && (n == nil || m.Role != n.Role || m.Content != n.Content) {
			return prev, fmt.Errorf("message %d was rewritten", i)
		}
	}
	if next.StepIndex < 0 || next.StepIndex > len(next.Plan) {
		return prev, fmt.Errorf("step index %d out of range for plan of %d steps", next.StepIndex, len(next.Plan))
	}
	if prev.ReplanUsed && !next.ReplanUsed {
		return prev, fmt.Errorf("replanning flag was reset")
	}
	return next, nil
}

const (
	finalResponseTag = "final_response"
	extraTags        = "tags"
	extraNode        = "node"
)

func finalMessage(content string, node Route) *schema.Message {
	msg := schema.AssistantMessage(content, nil)
	msg.Extra = map[string]any{
		extraTags: []string{finalResponseTag},
		extraNode: string(node),
	}
	return msg
}

// IsFinalResponse 判断消息是否带有 final_response 标签（兼容从快照反序列化后的形式）。
func IsFinalResponse(msg *schema.Message) bool {
	if msg == nil || msg.Extra == nil {
		return false
	}
	switch tags := msg.Extra[extraTags].(type) {
	case []string:
		for _, t := range tags {
			if t == finalResponseTag {
				return true
			}
		}
	case []any:
		for _, t := range tags {
			if s, ok := t.(string); ok && s == finalResponseTag {
				return true
			}
		}
	}
	return false
}

// ResponseNode 返回产生该回复的步骤。
func ResponseNode(msg *schema.Message) Route {
	if msg == nil || msg.Extra == nil {
		return ""
	}
	if s, ok := msg.Extra[extraNode].(string); ok {
		return Route(s)
	}
	return ""
}
