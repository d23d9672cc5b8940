package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	logx "github.com/wwwzy/QueryFit/pkg/logger"
)

// NewChatModel 按配置初始化一个带重试的 ChatModel，temperature 为该步骤的采样温度。
func NewChatModel(ctx context.Context, cfg Config, temperature float32) (model.BaseChatModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		cm  model.BaseChatModel
		err error
	)
	switch cfg.provider() {
	case ProviderArk:
		cm, err = newArkModel(ctx, cfg.Ark, temperature)
	case ProviderGemini:
		cm, err = newGeminiModel(ctx, cfg.Gemini, temperature)
	}
	if err != nil {
		return nil, err
	}
	return WithRetry(cm, cfg.MaxRetries), nil
}

func newArkModel(ctx context.Context, cfg ArkConfig, temperature float32) (model.BaseChatModel, error) {
	cm, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		APIKey:      cfg.APIKey,
		Model:       cfg.ModelID,
		BaseURL:     cfg.BaseURL,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("init ark chat model: %w", err)
	}
	return cm, nil
}

func newGeminiModel(ctx context.Context, cfg GeminiConfig, temperature float32) (model.BaseChatModel, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	cm, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       cfg.Model,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("init gemini chat model: %w", err)
	}
	return cm, nil
}

// retryModel 在 Generate 失败时按固定退避重试，context 取消不重试。
type retryModel struct {
	next    model.BaseChatModel
	retries int
	backoff time.Duration
}

// WithRetry 给模型加上有界重试；retries<=0 时原样返回。
func WithRetry(m model.BaseChatModel, retries int) model.BaseChatModel {
	if retries <= 0 {
		return m
	}
	return &retryModel{next: m, retries: retries, backoff: 500 * time.Millisecond}
}

func (r *retryModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.backoff * time.Duration(attempt)):
			}
		}
		msg, err := r.next.Generate(ctx, input, opts...)
		if err == nil {
			return msg, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
		logx.Ctx(ctx, logx.Warn()).Err(err).Int("attempt", attempt+1).Msg("chat model generate failed")
	}
	return nil, fmt.Errorf("chat model failed after %d attempts: %w", r.retries+1, lastErr)
}

func (r *retryModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return r.next.Stream(ctx, input, opts...)
}
