package llm

import (
	"errors"
	"fmt"
	"strings"
)

const (
	ProviderArk    = "ark"
	ProviderGemini = "gemini"
)

// Config 选择模型供应商。各步骤共用同一份配置，只在采样温度上区分。
type Config struct {
	Provider string `mapstructure:"provider"`
	// MaxRetries 为单次调用失败后的重试次数（不含首次）。
	MaxRetries int          `mapstructure:"max_retries"`
	Ark        ArkConfig    `mapstructure:"ark"`
	Gemini     GeminiConfig `mapstructure:"gemini"`
}

type ArkConfig struct {
	APIKey  string `mapstructure:"api_key"`
	ModelID string `mapstructure:"model_id"`
	BaseURL string `mapstructure:"base_url"`
}

type GeminiConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

func (c Config) provider() string {
	p := strings.ToLower(strings.TrimSpace(c.Provider))
	if p == "" {
		return ProviderArk
	}
	return p
}

// Validate 检查所选供应商的必填项。
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("llm.max_retries must be >= 0")
	}
	switch c.provider() {
	case ProviderArk:
		if c.Ark.APIKey == "" || c.Ark.ModelID == "" {
			return errors.New("ARK_API_KEY, ARK_MODEL_ID must be set")
		}
	case ProviderGemini:
		if c.Gemini.APIKey == "" || c.Gemini.Model == "" {
			return errors.New("GEMINI_API_KEY and llm.gemini.model must be set")
		}
	default:
		return fmt.Errorf("unknown llm provider %q", c.Provider)
	}
	return nil
}
