package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/compose"
)

// Interrupt 挂起当前节点，payload 会被持久化并交给外部。
// 节点在 Resume 时会被重新调用，此时可通过 ResumeValue 取到外部输入。
func Interrupt(ctx context.Context, payload any) error {
	return compose.Interrupt(ctx, payload)
}

// InterruptInfo 描述一次挂起：compose 分配的中断 ID、挂起的节点以及序列化后的载荷。
type InterruptInfo struct {
	ID      string          `json:"id"`
	Node    string          `json:"node"`
	Payload json.RawMessage `json:"payload"`
}

// Decode 把载荷反序列化到 v。
func (i *InterruptInfo) Decode(v any) error {
	if i == nil || len(i.Payload) == 0 {
		return fmt.Errorf("graph: empty interrupt payload")
	}
	return json.Unmarshal(i.Payload, v)
}

// ResumeValue 返回 Resume 注入的外部输入；只有被恢复的那个节点能拿到，且只能拿到一次。
func ResumeValue(ctx context.Context) (any, bool) {
	resumed, _, data := compose.GetResumeContext[any](ctx)
	if !resumed {
		return nil, false
	}
	return data, true
}
