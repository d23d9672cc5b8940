package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wwwzy/QueryFit/internal/database"
)

// fakeModel 按顺序返回预设的回复，用完后返回错误。
type fakeModel struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
	inputs  [][]*schema.Message
}

func replies(r ...string) *fakeModel {
	return &fakeModel{replies: r}
}

func failing(err error) *fakeModel {
	return &fakeModel{err: err}
}

func (f *fakeModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return nil, f.err
	}
	if f.calls >= len(f.replies) {
		return nil, errors.New("fake model: no scripted reply left")
	}
	r := f.replies[f.calls]
	f.calls++
	return schema.AssistantMessage(r, nil), nil
}

func (f *fakeModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("fake model: stream not supported")
}

func (f *fakeModel) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// testModels 返回一组没有预设回复的模型，测试按需替换。
func testModels() *Models {
	return &Models{
		Planner:    replies(),
		Generator:  replies(),
		Clarifier:  replies(),
		Chart:      replies(),
		Summarizer: replies(),
		Chat:       replies(),
	}
}

const usersDDL = `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, email TEXT)`

// seedShop 在临时目录创建 queryfit_shop.db，返回目录与引用。
func seedShop(t *testing.T) (string, database.Ref) {
	t.Helper()
	dir := t.TempDir()
	db := openShop(t, dir)
	require.NoError(t, db.Exec(usersDDL).Error)
	require.NoError(t, db.Exec(`INSERT INTO users (id, name, email) VALUES
		(1, 'Ada', 'ada@example.com'), (5, 'Linus', 'linus@example.com'), (7, 'Grace', NULL)`).Error)
	closeShop(t, db)
	return dir, database.Ref{ID: "shop"}
}

func openShop(t *testing.T, dir string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "queryfit_shop.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func closeShop(t *testing.T, db *gorm.DB) {
	t.Helper()
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
}

func countUsers(t *testing.T, dir string) int64 {
	t.Helper()
	db := openShop(t, dir)
	defer closeShop(t, db)
	var n int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM users`).Scan(&n).Error)
	return n
}

func newTestAgent(t *testing.T, dir string, models *Models) *Agent {
	t.Helper()
	a, err := New(Options{
		Config:   DefaultConfig(),
		Models:   models,
		Executor: database.NewAdapter(database.Config{LocalDir: dir}, nil),
	})
	require.NoError(t, err)
	return a
}

// fakeExecutor 返回固定的 schema，每次执行都失败。
type fakeExecutor struct {
	mu          sync.Mutex
	schema      database.Schema
	execErr     error
	introspects int
	executes    []string
}

func (f *fakeExecutor) IntrospectSchema(ctx context.Context, _ database.Ref) (*database.Schema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.introspects++
	sch := f.schema
	return &sch, nil
}

func (f *fakeExecutor) Execute(ctx context.Context, _ database.Ref, sql string) (*database.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executes = append(f.executes, sql)
	return nil, f.execErr
}

func newAgentWithExecutor(t *testing.T, exec database.Executor, models *Models) *Agent {
	t.Helper()
	a, err := New(Options{Config: DefaultConfig(), Models: models, Executor: exec})
	require.NoError(t, err)
	return a
}
