package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/wwwzy/QueryFit/internal/llm"
	"github.com/wwwzy/QueryFit/internal/sqlguard"
)

// generate 把用户请求翻译成 SQL。引用了 schema 中不存在的表/列，或修改数据却没有过滤条件时，
// 不执行而是转给澄清步骤。
func (x *steps) generate(ctx context.Context, s State) (State, error) {
	msgs, err := x.tpl.generator.Format(ctx, map[string]any{
		"dialect":  s.dialect().DisplayName(),
		"schema":   schemaText(s),
		"feedback": s.Feedback,
		"format":   generatorShape.Describe(),
		"history":  history(s.Messages, historyWindow),
	})
	if err != nil {
		return s, fmt.Errorf("format generator prompt: %w", err)
	}
	out, err := llm.Structured[Generation](ctx, x.models.Generator, msgs, generatorShape)
	if err != nil {
		return s, err
	}
	out.Query = strings.TrimSpace(out.Query)

	if !out.IsIncomplete {
		if out.Query == "" {
			return s, &llm.MalformedOutputError{Shape: generatorShape.Name, Reason: "query is empty but isIncomplete is false"}
		}
		reason, err := x.incompleteReason(out.Query, s)
		if err != nil {
			return s, err
		}
		if reason != "" {
			out.IsIncomplete = true
			out.Reason = reason
		}
	}

	s.Generation = &out
	s.LastStep = RouteGenerateQuery
	s.LastFailed = false
	if out.IsIncomplete {
		if strings.TrimSpace(out.Reason) == "" {
			out.Reason = "The request is ambiguous."
			s.Generation.Reason = out.Reason
		}
		s.Feedback = out.Reason
		s.RouteDecision = RouteClarifier
		return s, nil
	}
	s.SQLQuery = out.Query
	s.Feedback = ""
	s.RouteDecision = RouteValidator
	return s, nil
}

// incompleteReason 对生成的 SQL 做确定性检查，返回不能执行的原因；无法解析时返回错误。
func (x *steps) incompleteReason(query string, s State) (string, error) {
	script, err := sqlguard.Parse(query, s.dialect())
	if err != nil {
		return "", err
	}
	if refs := sqlguard.UnknownReferences(script, sqlguard.ParseCatalog(s.Schema)); !refs.Empty() {
		return fmt.Sprintf("The request refers to %s, which do not exist in the database schema.", refs.String()), nil
	}
	for _, st := range script.Statements {
		if (st.Kind == sqlguard.KindUpdate || st.Kind == sqlguard.KindDelete) && !st.HasWhere {
			return fmt.Sprintf("The %s statement has no filter, so it is unclear which rows should change.", st.Kind), nil
		}
	}
	return "", nil
}
