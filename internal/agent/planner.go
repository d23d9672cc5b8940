package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/wwwzy/QueryFit/internal/llm"
)

const feedbackPlanReady = "Start executing steps now"

var errEmptyPlan = errors.New("planner returned an empty plan")

func (x *steps) plan(ctx context.Context, s State) (State, error) {
	schemaStatus := "not generated yet"
	if s.Schema != "" {
		schemaStatus = "cached\n" + s.Schema
	}
	msgs, err := x.tpl.planner.Format(ctx, map[string]any{
		"dialect":       s.dialect().DisplayName(),
		"tools":         renderTools(),
		"schema_status": schemaStatus,
		"has_result":    strconv.FormatBool(s.QueryResult != nil && !s.QueryResult.IsMutation()),
		"format":        plannerShape.Describe(),
		"history":       history(s.Messages, historyWindow),
	})
	if err != nil {
		return s, fmt.Errorf("format planner prompt: %w", err)
	}

	out, err := llm.Structured[planOutput](ctx, x.models.Planner, msgs, plannerShape)
	if err != nil {
		return s, err
	}
	planned, err := normalizePlan(out.Intent, out.Steps, s.Schema != "")
	if err != nil {
		return s, err
	}

	// 重新规划时保留已完成的步骤，只替换剩余部分，游标不回退
	if len(s.Plan) > 0 {
		done := s.Plan[:min(s.StepIndex, len(s.Plan))]
		s.Plan = renumber(append(append([]Step(nil), done...), planned...))
	} else {
		s.Plan = planned
		s.StepIndex = 0
	}
	s.Intent = out.Intent
	succeed(&s, RoutePlanner, feedbackPlanReady)
	return s, nil
}

// normalizePlan 让计划满足固定策略：
// 纯聊天只保留 generalChat；schema 已缓存时去掉 generateSchema，未缓存且需要查询时补上；
// 修改数据时确保 executeQuery 前有 complexQueryApproval。
func normalizePlan(intent string, raw []Step, schemaCached bool) ([]Step, error) {
	if intent == "general" {
		desc := "Answer the user directly."
		for _, st := range raw {
			if st.Tool == RouteGeneralChat && st.Description != "" {
				desc = st.Description
			}
		}
		return []Step{{Number: 1, Tool: RouteGeneralChat, Description: desc, UIMessage: "Thinking..."}}, nil
	}

	gated := intent == "manipulation"
	for _, st := range raw {
		if st.Tool == RouteApproval {
			gated = true
		}
	}

	var out []Step
	needsQuery := false
	for _, st := range raw {
		st.Tool = Route(strings.TrimSpace(string(st.Tool)))
		if !st.Tool.Plannable() {
			return nil, fmt.Errorf("plan step %d uses unknown tool %q", st.Number, st.Tool)
		}
		switch st.Tool {
		case RouteGenerateSchema:
			if schemaCached {
				continue
			}
		case RouteApproval:
			// 统一放到 executeQuery 之前
			continue
		case RouteGenerateQuery:
			needsQuery = true
		case RouteExecuteQuery:
			needsQuery = true
			if gated {
				out = append(out, Step{
					Tool:        RouteApproval,
					Description: "Ask the user to confirm the data change.",
					UIMessage:   "Waiting for your approval...",
				})
			}
		}
		out = append(out, st)
	}
	if len(out) == 0 {
		return nil, errEmptyPlan
	}
	if needsQuery && !schemaCached && out[0].Tool != RouteGenerateSchema {
		hasSchema := false
		for _, st := range out {
			if st.Tool == RouteGenerateSchema {
				hasSchema = true
				break
			}
		}
		if !hasSchema {
			out = append([]Step{{
				Tool:        RouteGenerateSchema,
				Description: "Read the database structure.",
				UIMessage:   "Reading the database schema...",
			}}, out...)
		}
	}
	return renumber(out), nil
}

func renumber(plan []Step) []Step {
	for i := range plan {
		plan[i].Number = i + 1
	}
	return plan
}
