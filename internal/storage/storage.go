package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DefaultPath        = "queryfit.db"
	DefaultBusyTimeout = 5 * time.Second
)

// Config 描述 queryfit 自身的 SQLite 文件：会话快照、SQL 审计和在线数据库凭据都存放在这里，
// 与用户查询的目标数据库无关。
type Config struct {
	// Path 为数据库文件路径，父目录不存在时自动创建。
	Path string `mapstructure:"path"`
	// InMemory 为 true 时使用进程内共享缓存库，快照随进程退出丢失，适合测试。
	InMemory bool `mapstructure:"in_memory"`
	// EnableWAL 让快照写入与 CLI 的只读查询（threads list、storage audits）互不阻塞。
	EnableWAL   bool          `mapstructure:"enable_wal"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
	// MaxOpenConns 为 0 时文件库不限制，内存库固定为 1。
	MaxOpenConns    int              `mapstructure:"max_open_conns"`
	MaxIdleConns    int              `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration    `mapstructure:"conn_max_lifetime"`
	Logger          logger.Interface `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = DefaultBusyTimeout
	}
	if c.InMemory {
		// 共享缓存的内存库在多连接并发写时会报 table is locked
		c.MaxOpenConns = 1
		c.EnableWAL = false
	} else if c.Path == "" {
		c.Path = DefaultPath
	}
	return c
}

// Storage 是快照、审计、凭据三张表的 gorm 句柄。
type Storage struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

// Open 打开（必要时创建）存储文件并迁移表结构。
func Open(ctx context.Context, cfg Config) (*Storage, error) {
	cfg = cfg.withDefaults()

	if !cfg.InMemory {
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
	}

	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if cfg.Logger != nil {
		gormCfg.Logger = cfg.Logger
	}

	db, err := gorm.Open(sqlite.Open(dsnFromConfig(cfg)), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open storage %s: %w", cfg.Path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Storage{db: db, sqlDB: sqlDB}

	if cfg.EnableWAL {
		if err := s.db.WithContext(ctx).Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}

	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Storage) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return errors.New("storage not initialized")
	}
	return s.sqlDB.PingContext(ctx)
}

// Migrate 建立或补齐 checkpoint_records、query_audits、live_credentials 三张表。
func (s *Storage) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&CheckpointRecord{},
		&QueryAudit{},
		&LiveCredential{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (s *Storage) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func dsnFromConfig(cfg Config) string {
	timeoutMS := int(cfg.BusyTimeout / time.Millisecond)
	if cfg.InMemory {
		return fmt.Sprintf("file:queryfit?mode=memory&cache=shared&_pragma=busy_timeout(%d)", timeoutMS)
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", cfg.Path, timeoutMS)
}
