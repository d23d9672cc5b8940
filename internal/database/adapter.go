package database

import (
	"context"
	"fmt"
	"time"

	logx "github.com/wwwzy/QueryFit/pkg/logger"
)

// Schema 是一次结构提取的结果，Dialect 为实际连接的方言。
type Schema struct {
	Text    string
	Dialect Dialect
	Label   string
}

// Executor 是目标数据库的统一接口，每个方言实现一次（sqlite 文件、postgres、mysql）。
type Executor interface {
	IntrospectSchema(ctx context.Context, ref Ref) (*Schema, error)
	Execute(ctx context.Context, ref Ref, sql string) (*ExecResult, error)
}

// ExecResult 是 Execute 的返回：结果集 + 用于反馈文案的目标标签。
type ExecResult struct {
	Result  *Result
	Dialect Dialect
	Label   string
}

type Config struct {
	LocalDir       string        `mapstructure:"local_dir"`
	FilePrefix     string        `mapstructure:"file_prefix"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Adapter 在每次调用内完成“解析引用 → 建立连接 → 执行 → 关闭”，不持有长连接。
type Adapter struct {
	locator  Locator
	resolver CredentialResolver
	timeout  time.Duration
}

func NewAdapter(cfg Config, resolver CredentialResolver) *Adapter {
	return &Adapter{
		locator:  Locator{LocalDir: cfg.LocalDir, FilePrefix: cfg.FilePrefix},
		resolver: resolver,
		timeout:  cfg.ConnectTimeout,
	}
}

func (a *Adapter) Locator() Locator {
	return a.locator
}

// Resolve 把引用解析成连接目标。在线库凭据在每次调用时重新查找，不做缓存。
func (a *Adapter) Resolve(ctx context.Context, ref Ref) (Target, error) {
	if ref.ID == "" {
		return Target{}, ErrEmptyDatabaseID
	}
	if ref.IsLive() {
		if a.resolver == nil {
			return Target{}, fmt.Errorf("%w: no credential resolver configured", ErrCredentialsNotFound)
		}
		creds, err := a.resolver.ResolveCredentials(ctx, ref.CredentialID())
		if err != nil {
			return Target{}, fmt.Errorf("resolve credentials: %w", err)
		}
		if creds == nil || creds.ConnectionString == "" {
			return Target{}, ErrCredentialsNotFound
		}
		d := creds.Dialect
		if d == "" {
			d = ref.Dialect
		}
		if d == "" {
			d = Postgres
		}
		if d == SQLite {
			return Target{}, fmt.Errorf("%w: live connections must be postgres or mysql", ErrUnknownDialect)
		}
		return Target{Dialect: d, DSN: creds.ConnectionString, Live: true}, nil
	}

	path, err := a.locator.Existing(ref.ID)
	if err != nil {
		return Target{}, err
	}
	return Target{Dialect: SQLite, Path: path}, nil
}

func (a *Adapter) IntrospectSchema(ctx context.Context, ref Ref) (*Schema, error) {
	t, err := a.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	db, closeFn, err := open(ctx, t, true, a.timeout)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	text, err := introspect(ctx, db, t.Dialect)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.Label(), err)
	}
	logx.Ctx(ctx, logx.Debug()).Str("dialect", string(t.Dialect)).Int("schema_bytes", len(text)).Msg("schema introspected")
	return &Schema{Text: text, Dialect: t.Dialect, Label: t.Label()}, nil
}

// Execute 执行一条已经过校验的 SQL。读语句返回行集，写语句返回 {message, rowsAffected}。
// 失败时错误信息保留数据库原始报错，便于生成步骤据此修正。
func (a *Adapter) Execute(ctx context.Context, ref Ref, sql string) (*ExecResult, error) {
	t, err := a.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	read := IsReadStatement(sql)
	db, closeFn, err := open(ctx, t, read, a.timeout)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var res *Result
	if read {
		res, err = queryRows(ctx, db, sql)
	} else {
		res, err = execWrite(ctx, db, sql)
	}
	if err != nil {
		return nil, fmt.Errorf("%s Error: %w", t.Label(), err)
	}
	return &ExecResult{Result: res, Dialect: t.Dialect, Label: t.Label()}, nil
}
