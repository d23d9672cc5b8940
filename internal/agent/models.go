package agent

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"

	"github.com/wwwzy/QueryFit/internal/llm"
)

// Models 为每个步骤准备的模型，进程启动时创建一次，通过构造参数传入各步骤。
// Validator 为空时只做确定性检查。
type Models struct {
	Planner    model.BaseChatModel
	Generator  model.BaseChatModel
	Validator  model.BaseChatModel
	Clarifier  model.BaseChatModel
	Chart      model.BaseChatModel
	Summarizer model.BaseChatModel
	Chat       model.BaseChatModel
}

// 各步骤的采样温度
const (
	tempPlanner    float32 = 0
	tempGenerator  float32 = 0.1
	tempValidator  float32 = 0
	tempClarifier  float32 = 0
	tempChart      float32 = 0
	tempSummarizer float32 = 0.3
	tempChat       float32 = 0.3
)

// NewModels 按步骤温度创建模型。
func NewModels(ctx context.Context, cfg llm.Config) (*Models, error) {
	build := func(name string, temp float32) (model.BaseChatModel, error) {
		cm, err := llm.NewChatModel(ctx, cfg, temp)
		if err != nil {
			return nil, fmt.Errorf("init %s model: %w", name, err)
		}
		return cm, nil
	}

	var (
		m   Models
		err error
	)
	if m.Planner, err = build("planner", tempPlanner); err != nil {
		return nil, err
	}
	if m.Generator, err = build("generator", tempGenerator); err != nil {
		return nil, err
	}
	if m.Validator, err = build("validator", tempValidator); err != nil {
		return nil, err
	}
	if m.Clarifier, err = build("clarifier", tempClarifier); err != nil {
		return nil, err
	}
	if m.Chart, err = build("chart", tempChart); err != nil {
		return nil, err
	}
	if m.Summarizer, err = build("summarizer", tempSummarizer); err != nil {
		return nil, err
	}
	if m.Chat, err = build("chat", tempChat); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Models) validate() error {
	if m == nil {
		return fmt.Errorf("models are nil")
	}
	for name, cm := range map[string]model.BaseChatModel{
		"planner": m.Planner, "generator": m.Generator, "clarifier": m.Clarifier,
		"chart": m.Chart, "summarizer": m.Summarizer, "chat": m.Chat,
	} {
		if cm == nil {
			return fmt.Errorf("%s model is nil", name)
		}
	}
	return nil
}
