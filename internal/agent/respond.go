package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wwwzy/QueryFit/internal/llm"
	logx "github.com/wwwzy/QueryFit/pkg/logger"
)

const (
	feedbackChartReady  = "Chart generated successfully. Now summarize the data."
	generalChatFallback = "Sorry, I could not produce an answer right now. Please try rephrasing your question."
)

func (x *steps) summarize(ctx context.Context, s State) (State, error) {
	rows, truncated := s.QueryResult.Head(x.cfg.SummaryRows)
	data, err := json.Marshal(rows)
	if err != nil {
		return s, fmt.Errorf("encode result: %w", err)
	}
	rowInfo := fmt.Sprintf("%d row(s)", s.QueryResult.Len())
	switch {
	case s.QueryResult == nil:
		rowInfo = "no result"
	case s.QueryResult.IsMutation():
		rowInfo = fmt.Sprintf("data change, %d row(s) affected", s.QueryResult.Len())
	case truncated:
		rowInfo = fmt.Sprintf("showing the first %d of %d rows", len(rows), s.QueryResult.Len())
	}
	chart := ""
	if s.Chart != nil {
		chart = fmt.Sprintf("A %s chart titled %q is shown next to your answer.\n", s.Chart.Type, s.Chart.Title)
	}

	msgs, err := x.tpl.summarizer.Format(ctx, map[string]any{
		"sql":      s.SQLQuery,
		"row_info": rowInfo,
		"data":     string(data),
		"chart":    chart,
		"history":  history(s.Messages, historyWindow),
	})
	if err != nil {
		return s, fmt.Errorf("format summarizer prompt: %w", err)
	}
	text, err := llm.Text(ctx, x.models.Summarizer, msgs)
	if err != nil {
		return s, err
	}
	finish(&s, RouteSummarize, text)
	return s, nil
}

// chat 回答一般问题，也负责把失败、取消等情况告诉用户。模型不可用时返回固定文案，不会失败。
func (x *steps) chat(ctx context.Context, s State) (State, error) {
	msgs, err := x.tpl.chat.Format(ctx, map[string]any{
		"dialect":  s.dialect().DisplayName(),
		"schema":   schemaText(s),
		"feedback": s.Feedback,
		"history":  history(s.Messages, historyWindow),
	})
	var text string
	if err == nil {
		text, err = llm.Text(ctx, x.models.Chat, msgs)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return s, err
		}
		logx.Ctx(ctx, logx.Warn()).Err(err).Msg("general chat failed, using fallback reply")
		text = generalChatFallback
		if strings.HasPrefix(s.Feedback, "I attempted") {
			text = s.Feedback
		}
	}
	finish(&s, RouteGeneralChat, text)
	return s, nil
}

func (x *steps) clarify(ctx context.Context, s State) (State, error) {
	reason := s.Feedback
	if s.Generation != nil && s.Generation.Reason != "" {
		reason = s.Generation.Reason
	}
	msgs, err := x.tpl.clarifier.Format(ctx, map[string]any{
		"reason":  reason,
		"schema":  schemaText(s),
		"format":  clarifierShape.Describe(),
		"history": history(s.Messages, historyWindow),
	})
	if err != nil {
		return s, fmt.Errorf("format clarifier prompt: %w", err)
	}
	out, err := llm.Structured[clarifierOutput](ctx, x.models.Clarifier, msgs, clarifierShape)
	if err != nil {
		return s, err
	}
	finish(&s, RouteClarifier, strings.TrimSpace(out.Message))
	return s, nil
}

func (x *steps) chart(ctx context.Context, s State) (State, error) {
	if s.QueryResult == nil || s.QueryResult.IsMutation() || len(s.QueryResult.Rows) == 0 {
		return s, errors.New("there is no query result to chart")
	}
	sample, _ := s.QueryResult.Head(x.cfg.ChartRows)
	data, err := json.Marshal(sample)
	if err != nil {
		return s, fmt.Errorf("encode sample rows: %w", err)
	}
	columns := s.QueryResult.Columns
	if len(columns) == 0 {
		for k := range s.QueryResult.Rows[0] {
			columns = append(columns, k)
		}
	}

	msgs, err := x.tpl.chart.Format(ctx, map[string]any{
		"columns": strings.Join(columns, ", "),
		"sample":  string(data),
		"format":  chartShape.Describe(),
		"history": history(s.Messages, x.cfg.ChartHistory),
	})
	if err != nil {
		return s, fmt.Errorf("format chart prompt: %w", err)
	}
	spec, err := llm.Structured[ChartSpec](ctx, x.models.Chart, msgs, chartShape)
	if err != nil {
		return s, err
	}
	if !s.QueryResult.HasColumn(spec.XAxisKey) {
		return s, &llm.MalformedOutputError{Shape: chartShape.Name, Reason: fmt.Sprintf("xAxisKey %q is not a result column", spec.XAxisKey)}
	}
	for _, se := range spec.Series {
		if !s.QueryResult.HasColumn(se.DataKey) {
			return s, &llm.MalformedOutputError{Shape: chartShape.Name, Reason: fmt.Sprintf("series dataKey %q is not a result column", se.DataKey)}
		}
	}
	spec.Data = s.QueryResult.Clone().Rows
	s.Chart = &spec
	succeed(&s, RouteGenerateChart, feedbackChartReady)
	return s, nil
}
