package agent

import (
	"context"
	"fmt"

	"github.com/wwwzy/QueryFit/internal/graph"
	logx "github.com/wwwzy/QueryFit/pkg/logger"
)

const (
	ApprovalID     = "ComplexQueryApproval"
	approvalPrompt = "The generated query may manipulate data. Do you want to proceed?"

	feedbackApproved    = "User approved the query. Continue with the next step, i.e. executeQuery."
	feedbackDisapproved = "User disapproved the data manipulation query. End the turn and tell the user the change was cancelled and that they can ask a new question."
)

// ApprovalRequest 是挂起时交给界面的载荷。
type ApprovalRequest struct {
	Value string `json:"value"`
	ID    string `json:"id"`
	// SQL 为等待确认的语句，供界面展示。
	SQL string `json:"sql,omitempty"`
}

// ApprovalResponse 是恢复执行时界面传回的结果。
type ApprovalResponse struct {
	ShouldContinue bool `json:"shouldContinue"`
}

// approve 是唯一会挂起的节点，不经过容错包装：非法的恢复输入直接中止本次执行。
func (x *steps) approve(ctx context.Context, s State) (State, error) {
	v, resumed := graph.ResumeValue(ctx)
	if !resumed {
		logx.Ctx(ctx, logx.Info()).Str("sql", s.SQLQuery).Msg("waiting for approval")
		return s, graph.Interrupt(ctx, ApprovalRequest{
			Value: approvalPrompt,
			ID:    ApprovalID,
			SQL:   s.SQLQuery,
		})
	}

	resp, err := asApprovalResponse(v)
	if err != nil {
		return s, err
	}

	next := s.Clone()
	next.Approval = &Approval{Approved: resp.ShouldContinue, SQL: s.SQLQuery}
	if resp.ShouldContinue {
		next.Feedback = feedbackApproved
	} else {
		next.Feedback = feedbackDisapproved
	}
	next.LastStep = RouteApproval
	next.LastFailed = false
	next.RouteDecision = RouteOrchestrator
	logx.Ctx(ctx, logx.Info()).Bool("approved", resp.ShouldContinue).Msg("approval received")
	return next, nil
}

func asApprovalResponse(v any) (ApprovalResponse, error) {
	switch r := v.(type) {
	case ApprovalResponse:
		return r, nil
	case *ApprovalResponse:
		if r != nil {
			return *r, nil
		}
	}
	return ApprovalResponse{}, fmt.Errorf("invalid approval response of type %T", v)
}
