// Package checkpoint 根据配置选择会话快照的存储后端。
package checkpoint

import (
	"context"
	"fmt"
	"strings"

	"github.com/wwwzy/QueryFit/internal/graph"
	"github.com/wwwzy/QueryFit/internal/storage"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	// Backend 为 sqlite（默认，复用应用存储）、redis 或 memory。
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// Open 返回配置的 CheckpointStore 以及释放其资源的 close 函数。
// sqlite 后端需要传入已打开的应用存储，close 不会关闭它。
func Open(ctx context.Context, cfg Config, store *storage.Storage) (graph.CheckpointStore, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendSQLite:
		s, err := NewSQLiteStore(store)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case BackendRedis:
		client, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return NewRedisStore(client, cfg.Redis.TTL, cfg.Redis.KeyPrefix), client.Close, nil
	case BackendMemory:
		return graph.NewMemoryStore(), noop, nil
	}
	return nil, nil, fmt.Errorf("checkpoint: unknown backend %q", cfg.Backend)
}
