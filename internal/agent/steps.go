package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/wwwzy/QueryFit/internal/database"
	"github.com/wwwzy/QueryFit/internal/graph"
	"github.com/wwwzy/QueryFit/internal/sqlguard"
	logx "github.com/wwwzy/QueryFit/pkg/logger"
)

const historyWindow = 10

// steps 持有所有步骤共用的依赖。
type steps struct {
	cfg    Config
	models *Models
	db     database.Executor
	guard  *sqlguard.Guard
	tpl    *templates
}

func newSteps(cfg Config, models *Models, db database.Executor) *steps {
	return &steps{
		cfg:    cfg,
		models: models,
		db:     db,
		guard:  sqlguard.NewGuard(cfg.DefaultLimit, cfg.MaxLimit),
		tpl:    newTemplates(),
	}
}

// recoverable 是步骤的容错边界：步骤返回的错误被转换为反馈 + 重试计数，交给编排器处理。
// context 取消不转换，直接中止本次执行，快照保持在上一个节点。
func recoverable(route Route, fn graph.NodeFunc[State]) graph.NodeFunc[State] {
	return func(ctx context.Context, s State) (State, error) {
		out, err := fn(ctx, s.Clone())
		if err == nil {
			return out, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return s, err
		}

		next := s.Clone()
		next.Feedback = systemErrorFeedback(err)
		next.RetryCount = s.RetryCount + 1
		next.FailureStreak = s.FailureStreak + 1
		next.LastStep = route
		next.LastFailed = true
		next.RouteDecision = RouteOrchestrator
		logx.Ctx(ctx, logx.Warn()).Err(err).
			Str("node", string(route)).
			Int("retry", next.RetryCount).
			Int("streak", next.FailureStreak).
			Msg("step failed, handing over to orchestrator")
		return next, nil
	}
}

func systemErrorFeedback(err error) string {
	msg := strings.TrimRight(strings.TrimSpace(err.Error()), ".")
	return fmt.Sprintf("System Error: %s. Analyze this error and try a different approach.", msg)
}

// succeed 标记内容步骤正常完成并交回编排器。
func succeed(s *State, route Route, feedback string) {
	s.Feedback = feedback
	s.LastStep = route
	s.LastFailed = false
	s.RouteDecision = RouteOrchestrator
}

// finish 追加给用户的最终回复并结束本轮。
func finish(s *State, route Route, content string) {
	s.Messages = append(s.Messages, finalMessage(content, route))
	s.Feedback = ""
	s.Plan = nil
	s.StepIndex = 0
	s.LastStep = route
	s.LastFailed = false
	s.RouteDecision = RouteEnd
}

func history(msgs []*schema.Message, n int) []*schema.Message {
	var out []*schema.Message
	for _, m := range msgs {
		if m.Role == schema.User || m.Role == schema.Assistant {
			out = append(out, m)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func schemaText(s State) string {
	if s.Schema == "" {
		return "(not generated yet)"
	}
	return s.Schema
}

func isMutationIntent(s State) bool {
	return s.Intent == "manipulation" || s.hasStep(RouteApproval)
}
