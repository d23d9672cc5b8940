package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/wwwzy/QueryFit/internal/agent"
	"github.com/wwwzy/QueryFit/internal/checkpoint"
	"github.com/wwwzy/QueryFit/internal/database"
	"github.com/wwwzy/QueryFit/internal/llm"
	"github.com/wwwzy/QueryFit/internal/storage"
)

type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	Environment string            `mapstructure:"environment"`
	Storage     storage.Config    `mapstructure:"storage"`
	Checkpoint  checkpoint.Config `mapstructure:"checkpoint"`
	LLM         llm.Config        `mapstructure:"llm"`
	Databases   database.Config   `mapstructure:"databases"`
	Agent       agent.Config      `mapstructure:"agent"`
}

// Load 按 默认值 < 配置文件 < 环境变量 的优先级加载配置。
// 当前目录下的 .env 会先被载入环境变量（已存在的变量不会被覆盖）。
func Load(cfgFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("读取 .env 失败: %w", err)
	}

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.queryfit")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("QUERYFIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal 只认识默认值、配置文件和显式绑定过的 key，所以每个字段都要有默认值
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Checkpoint.Backend)) {
	case "", checkpoint.BackendSQLite, checkpoint.BackendMemory:
	case checkpoint.BackendRedis:
		if c.Checkpoint.Redis.URL == "" {
			return fmt.Errorf("checkpoint.redis.url is required for the redis backend (or set REDIS_URL env var)")
		}
	default:
		return fmt.Errorf("checkpoint.backend %q is not supported (sqlite, redis, memory)", c.Checkpoint.Backend)
	}
	if c.Agent.MaxLimit > 0 && c.Agent.DefaultLimit > c.Agent.MaxLimit {
		return fmt.Errorf("agent.default_limit (%d) must not exceed agent.max_limit (%d)", c.Agent.DefaultLimit, c.Agent.MaxLimit)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("environment", d.Environment)

	// -------------------------------------------------------------------------
	// Storage
	// -------------------------------------------------------------------------
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.busy_timeout", d.Storage.BusyTimeout)
	v.SetDefault("storage.enable_wal", d.Storage.EnableWAL)
	v.SetDefault("storage.in_memory", false)
	v.SetDefault("storage.max_open_conns", 0)
	v.SetDefault("storage.max_idle_conns", 0)
	v.SetDefault("storage.conn_max_lifetime", time.Duration(0))

	// -------------------------------------------------------------------------
	// Checkpoint
	// -------------------------------------------------------------------------
	v.SetDefault("checkpoint.backend", d.Checkpoint.Backend)
	v.SetDefault("checkpoint.redis.url", "")
	v.SetDefault("checkpoint.redis.ttl", time.Duration(0))
	v.SetDefault("checkpoint.redis.key_prefix", d.Checkpoint.Redis.KeyPrefix)
	_ = v.BindEnv("checkpoint.redis.url", "QUERYFIT_CHECKPOINT_REDIS_URL", "REDIS_URL")

	// -------------------------------------------------------------------------
	// LLM
	// -------------------------------------------------------------------------
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.max_retries", d.LLM.MaxRetries)
	v.SetDefault("llm.ark.api_key", "")
	v.SetDefault("llm.ark.model_id", "")
	v.SetDefault("llm.ark.base_url", d.LLM.Ark.BaseURL)
	v.SetDefault("llm.gemini.api_key", "")
	v.SetDefault("llm.gemini.model", d.LLM.Gemini.Model)
	v.SetDefault("llm.gemini.base_url", "")

	_ = v.BindEnv("llm.ark.api_key", "QUERYFIT_LLM_ARK_API_KEY", "ARK_API_KEY")
	_ = v.BindEnv("llm.ark.model_id", "QUERYFIT_LLM_ARK_MODEL_ID", "ARK_MODEL_ID")
	_ = v.BindEnv("llm.ark.base_url", "QUERYFIT_LLM_ARK_BASE_URL", "ARK_BASE_URL")
	_ = v.BindEnv("llm.gemini.api_key", "QUERYFIT_LLM_GEMINI_API_KEY", "GEMINI_API_KEY")

	// -------------------------------------------------------------------------
	// Target databases
	// -------------------------------------------------------------------------
	v.SetDefault("databases.local_dir", d.Databases.LocalDir)
	v.SetDefault("databases.file_prefix", d.Databases.FilePrefix)
	v.SetDefault("databases.connect_timeout", d.Databases.ConnectTimeout)

	// -------------------------------------------------------------------------
	// Agent
	// -------------------------------------------------------------------------
	v.SetDefault("agent.max_retries", d.Agent.MaxRetries)
	v.SetDefault("agent.pass_score", d.Agent.PassScore)
	v.SetDefault("agent.default_limit", d.Agent.DefaultLimit)
	v.SetDefault("agent.max_limit", d.Agent.MaxLimit)
	v.SetDefault("agent.summary_rows", d.Agent.SummaryRows)
	v.SetDefault("agent.chart_rows", d.Agent.ChartRows)
	v.SetDefault("agent.chart_history", d.Agent.ChartHistory)
	v.SetDefault("agent.max_run_steps", d.Agent.MaxRunSteps)
}

func DefaultConfig() Config {
	return Config{
		LogLevel:    "info",
		Environment: "development",
		Storage: storage.Config{
			Path:        "queryfit.db",
			BusyTimeout: 5 * time.Second,
			EnableWAL:   true,
		},
		Checkpoint: checkpoint.Config{
			Backend: checkpoint.BackendSQLite,
			Redis:   checkpoint.RedisConfig{KeyPrefix: "queryfit:checkpoint:"},
		},
		LLM: llm.Config{
			Provider:   llm.ProviderArk,
			MaxRetries: 2,
			Ark:        llm.ArkConfig{BaseURL: "https://ark.cn-beijing.volces.com/api/v3"},
			Gemini:     llm.GeminiConfig{Model: "gemini-2.0-flash"},
		},
		Databases: database.Config{
			LocalDir:       os.TempDir(),
			FilePrefix:     "queryfit_",
			ConnectTimeout: 10 * time.Second,
		},
		Agent: agent.DefaultConfig(),
	}
}
