package agent

import "github.com/wwwzy/QueryFit/internal/sqlguard"

// Config 是编排相关的阈值。
type Config struct {
	MaxRetries   int `mapstructure:"max_retries"`
	PassScore    int `mapstructure:"pass_score"`
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
	SummaryRows  int `mapstructure:"summary_rows"`
	ChartRows    int `mapstructure:"chart_rows"`
	ChartHistory int `mapstructure:"chart_history"`
	// MaxRunSteps 限制一轮内执行的节点数，防止路由死循环。
	MaxRunSteps int `mapstructure:"max_run_steps"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		PassScore:    6,
		DefaultLimit: sqlguard.DefaultLimit,
		MaxLimit:     sqlguard.MaxLimit,
		SummaryRows:  8,
		ChartRows:    5,
		ChartHistory: 3,
		MaxRunSteps:  60,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.PassScore <= 0 {
		c.PassScore = def.PassScore
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = def.DefaultLimit
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = def.MaxLimit
	}
	if c.SummaryRows <= 0 {
		c.SummaryRows = def.SummaryRows
	}
	if c.ChartRows <= 0 {
		c.ChartRows = def.ChartRows
	}
	if c.ChartHistory <= 0 {
		c.ChartHistory = def.ChartHistory
	}
	if c.MaxRunSteps <= 0 {
		c.MaxRunSteps = def.MaxRunSteps
	}
	return c
}
