package database

import (
	"context"
	"time"

	"github.com/wwwzy/QueryFit/internal/storage"
	logx "github.com/wwwzy/QueryFit/pkg/logger"
)

const (
	auditStatusRunning = "running"
	auditStatusSuccess = "success"
	auditStatusFailed  = "failed"
)

// AuditSink 持久化 SQL 执行审计，*storage.Storage 实现了该接口。
type AuditSink interface {
	InsertQueryAudit(ctx context.Context, rec *storage.QueryAudit) error
	UpdateQueryAudit(ctx context.Context, id uint64, up storage.AuditUpdate) error
}

// AuditedExecutor 在 Execute 前后写入审计记录。审计失败只记日志，不影响执行。
type AuditedExecutor struct {
	Next Executor
	Sink AuditSink
}

func NewAuditedExecutor(next Executor, sink AuditSink) *AuditedExecutor {
	return &AuditedExecutor{Next: next, Sink: sink}
}

func (a *AuditedExecutor) IntrospectSchema(ctx context.Context, ref Ref) (*Schema, error) {
	return a.Next.IntrospectSchema(ctx, ref)
}

func (a *AuditedExecutor) Execute(ctx context.Context, ref Ref, sql string) (*ExecResult, error) {
	if a.Sink == nil {
		return a.Next.Execute(ctx, ref, sql)
	}

	rec := &storage.QueryAudit{
		TraceID:   logx.TraceID(ctx),
		ThreadID:  logx.ThreadID(ctx),
		Database:  ref.ID,
		Dialect:   string(ref.Dialect),
		SQL:       sql,
		Status:    auditStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if rec.Dialect == "" {
		rec.Dialect = string(SQLite)
	}
	if err := a.Sink.InsertQueryAudit(ctx, rec); err != nil {
		logx.Ctx(ctx, logx.Warn()).Err(err).Msg("insert query audit failed")
		rec = nil
	}

	res, execErr := a.Next.Execute(ctx, ref, sql)

	if rec != nil {
		finished := time.Now().UTC()
		status := auditStatusSuccess
		up := storage.AuditUpdate{Status: &status, FinishedAt: &finished}
		if execErr != nil {
			status = auditStatusFailed
			msg := execErr.Error()
			up.ErrorMessage = &msg
		} else if res != nil {
			n := res.Result.Len()
			up.Rows = &n
		}
		// 执行可能因 ctx 取消而失败，审计更新仍需落库。
		if err := a.Sink.UpdateQueryAudit(context.WithoutCancel(ctx), rec.ID, up); err != nil {
			logx.Ctx(ctx, logx.Warn()).Err(err).Uint64("audit_id", rec.ID).Msg("update query audit failed")
		}
	}
	return res, execErr
}

// StoreResolver 从应用存储中查找在线库凭据。
type StoreResolver struct {
	Store *storage.Storage
	// Now 便于测试注入时间，为空时使用 time.Now。
	Now func() time.Time
}

func (r *StoreResolver) ResolveCredentials(ctx context.Context, sessionID string) (*Credentials, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	cred, err := r.Store.GetLiveCredential(ctx, sessionID, now())
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, nil
	}
	d, err := ParseDialect(cred.Dialect)
	if err != nil {
		return nil, err
	}
	return &Credentials{ConnectionString: cred.ConnectionString, Dialect: d, ExpiresAt: cred.ExpiresAt}, nil
}
