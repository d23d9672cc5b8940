package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wwwzy/QueryFit/internal/agent"
	"github.com/wwwzy/QueryFit/internal/checkpoint"
	"github.com/wwwzy/QueryFit/internal/database"
	"github.com/wwwzy/QueryFit/internal/storage"
)

// app 持有一次命令执行期间的全部依赖。
type app struct {
	store       *storage.Storage
	adapter     *database.Adapter
	agent       *agent.Agent
	closeStores func() error
}

func openStorage(ctx context.Context) (*storage.Storage, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}
	return store, nil
}

// newAdapter 构建目标库适配器，在线库凭据从应用存储中查找。
func newAdapter(store *storage.Storage) *database.Adapter {
	return database.NewAdapter(cfg.Databases, &database.StoreResolver{Store: store})
}

// newApp 打开存储与快照后端，构建模型和 Agent。
func newApp(ctx context.Context) (*app, error) {
	store, err := openStorage(ctx)
	if err != nil {
		return nil, err
	}
	cps, closeCheckpoints, err := checkpoint.Open(ctx, cfg.Checkpoint, store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("打开快照存储失败: %w", err)
	}
	a := &app{
		store:   store,
		adapter: newAdapter(store),
		closeStores: func() error {
			return errors.Join(closeCheckpoints(), store.Close())
		},
	}

	models, err := agent.NewModels(ctx, cfg.LLM)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("初始化模型失败: %w", err)
	}
	a.agent, err = agent.New(agent.Options{
		Config:   cfg.Agent,
		Models:   models,
		Executor: database.NewAuditedExecutor(a.adapter, store),
		Store:    cps,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	if a == nil || a.closeStores == nil {
		return nil
	}
	return a.closeStores()
}

// signalContext 返回在 Ctrl+C / SIGTERM 时取消的 ctx。
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
