package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/wwwzy/QueryFit/internal/llm"
	"github.com/wwwzy/QueryFit/internal/sqlguard"
)

const maxScore = 10

// validate 先做静态安全检查（可能改写 LIMIT），再给出 0-10 的分数。
// 分数取确定性规则与模型评分中较低的一个，结果总是交回编排器。
func (x *steps) validate(ctx context.Context, s State) (State, error) {
	d := s.dialect()
	s.LastStep = RouteValidator
	s.LastFailed = false
	s.RouteDecision = RouteOrchestrator

	if denied := sqlguard.DeniedKeywords(s.SQLQuery, d); len(denied) > 0 {
		score := 0
		s.ValidatorScore = &score
		s.Feedback = fmt.Sprintf("Security Alert: the query uses %s, which is never allowed. Rewrite it without destructive DDL.", strings.Join(denied, ", "))
		return s, nil
	}

	var (
		sql string
		err error
	)
	if isMutationIntent(s) {
		sql, err = x.guard.EnforceMutation(s.SQLQuery, d)
	} else {
		sql, err = x.guard.EnforceReadOnly(s.SQLQuery, d)
	}
	if err != nil {
		return s, err
	}
	s.SQLQuery = sql

	score, feedback := heuristicScore(sql, s)
	if x.models.Validator != nil {
		review, err := x.review(ctx, s)
		if err != nil {
			return s, err
		}
		llmScore := min(max(review.ValidatorScore, 0), maxScore)
		if review.RouteDecision == string(RouteGenerateQuery) {
			llmScore = min(llmScore, x.cfg.PassScore-1)
		}
		if llmScore < score {
			score = llmScore
			feedback = review.Feedback
		}
	}
	s.ValidatorScore = &score
	if feedback == "" {
		feedback = fmt.Sprintf("Query validated with score %d/%d.", score, maxScore)
	}
	s.Feedback = feedback
	return s, nil
}

// heuristicScore 是确定性的评分：同一条 SQL 与 schema 总是得到同一个分数。
func heuristicScore(sql string, s State) (int, string) {
	script, err := sqlguard.Parse(sql, s.dialect())
	if err != nil {
		return 0, err.Error()
	}
	refs := sqlguard.UnknownReferences(script, sqlguard.ParseCatalog(s.Schema))
	switch {
	case len(refs.Tables) > 0:
		return 2, "The query uses tables that are not in the schema (" + refs.String() + "). Use only existing tables."
	case len(refs.Columns) > 0:
		return 3, "The query uses columns that are not in the schema (" + refs.String() + "). Use only existing columns."
	}
	for _, st := range script.Statements {
		if (st.Kind == sqlguard.KindUpdate || st.Kind == sqlguard.KindDelete) && !st.HasWhere {
			return 3, fmt.Sprintf("The %s statement has no WHERE clause. Restrict it to the rows the user asked for.", st.Kind)
		}
	}
	return maxScore, ""
}

func (x *steps) review(ctx context.Context, s State) (validatorOutput, error) {
	msgs, err := x.tpl.validator.Format(ctx, map[string]any{
		"dialect": s.dialect().DisplayName(),
		"schema":  schemaText(s),
		"sql":     s.SQLQuery,
		"format":  validatorShape.Describe(),
		"history": history(s.Messages, historyWindow),
	})
	if err != nil {
		return validatorOutput{}, fmt.Errorf("format validator prompt: %w", err)
	}
	return llm.Structured[validatorOutput](ctx, x.models.Validator, msgs, validatorShape)
}
