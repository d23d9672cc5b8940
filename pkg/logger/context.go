package logx

import (
	"context"

	"github.com/rs/zerolog"
)

type traceIDKey struct{}

type threadIDKey struct{}

// WithTraceID 将 TraceID 注入 context，一轮用户输入对应一个 TraceID。
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceID 从 context 获取 TraceID，不存在时返回空字符串。
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithThreadID 将会话线程 ID 注入 context。
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadIDKey{}, threadID)
}

func ThreadID(ctx context.Context) string {
	if v, ok := ctx.Value(threadIDKey{}).(string); ok {
		return v
	}
	return ""
}

// Ctx 给事件附加 context 中的 thread_id / trace_id。
func Ctx(ctx context.Context, e *zerolog.Event) *zerolog.Event {
	if id := ThreadID(ctx); id != "" {
		e = e.Str("thread_id", id)
	}
	if id := TraceID(ctx); id != "" {
		e = e.Str("trace_id", id)
	}
	return e
}
