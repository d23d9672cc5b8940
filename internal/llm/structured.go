package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	logx "github.com/wwwzy/QueryFit/pkg/logger"
)

// Shape 声明一个步骤要求模型输出的 JSON 对象结构，字段用 eino 的 ParameterInfo 描述。
type Shape struct {
	Name   string
	Params map[string]*schema.ParameterInfo
}

// MalformedOutputError 表示模型输出不符合声明的结构。
type MalformedOutputError struct {
	Shape  string
	Reason string
	Raw    string
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed %s output: %s", e.Shape, e.Reason)
}

// Describe 把结构渲染成放进提示词的字段说明，字段按名字排序。
func (s Shape) Describe() string {
	var b strings.Builder
	b.WriteString("Reply with exactly one JSON object and nothing else. Fields:\n")
	describeParams(&b, s.Params, 0)
	return b.String()
}

func describeParams(b *strings.Builder, params map[string]*schema.ParameterInfo, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, name := range sortedKeys(params) {
		p := params[name]
		req := "optional"
		if p.Required {
			req = "required"
		}
		fmt.Fprintf(b, "%s- %q: %s (%s)", indent, name, typeName(p), req)
		if len(p.Enum) > 0 {
			fmt.Fprintf(b, ", one of [%s]", strings.Join(p.Enum, ", "))
		}
		if p.Desc != "" {
			fmt.Fprintf(b, ". %s", p.Desc)
		}
		b.WriteString("\n")
		switch {
		case p.Type == schema.Object && len(p.SubParams) > 0:
			describeParams(b, p.SubParams, depth+1)
		case p.Type == schema.Array && p.ElemInfo != nil && p.ElemInfo.Type == schema.Object:
			describeParams(b, p.ElemInfo.SubParams, depth+1)
		}
	}
}

func typeName(p *schema.ParameterInfo) string {
	if p.Type == schema.Array && p.ElemInfo != nil {
		return "array of " + string(p.ElemInfo.Type)
	}
	return string(p.Type)
}

func sortedKeys(m map[string]*schema.ParameterInfo) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Decode 从模型回复中取出 JSON 对象（允许 markdown 代码块包裹），按结构校验后解码到 out。
func Decode(raw string, shape Shape, out any) error {
	text, ok := extractObject(raw)
	if !ok {
		return &MalformedOutputError{Shape: shape.Name, Reason: "no JSON object found", Raw: raw}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return &MalformedOutputError{Shape: shape.Name, Reason: err.Error(), Raw: raw}
	}
	if err := validateObject("", obj, shape.Params); err != nil {
		return &MalformedOutputError{Shape: shape.Name, Reason: err.Error(), Raw: raw}
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return &MalformedOutputError{Shape: shape.Name, Reason: err.Error(), Raw: raw}
	}
	return nil
}

func extractObject(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func validateObject(path string, obj map[string]any, params map[string]*schema.ParameterInfo) error {
	for _, name := range sortedKeys(params) {
		p := params[name]
		field := joinPath(path, name)
		v, ok := obj[name]
		if !ok || v == nil {
			if p.Required {
				return fmt.Errorf("missing required field %q", field)
			}
			continue
		}
		if err := validateValue(field, v, p); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(field string, v any, p *schema.ParameterInfo) error {
	switch p.Type {
	case schema.String:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("field %q must be a string", field)
		}
		if len(p.Enum) > 0 && !contains(p.Enum, s) {
			return fmt.Errorf("field %q has value %q, expected one of [%s]", field, s, strings.Join(p.Enum, ", "))
		}
	case schema.Boolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("field %q must be a boolean", field)
		}
	case schema.Integer:
		n, ok := v.(float64)
		if !ok || n != math.Trunc(n) {
			return fmt.Errorf("field %q must be an integer", field)
		}
	case schema.Number:
		if _, ok := v.(float64); !ok {
			return fmt.Errorf("field %q must be a number", field)
		}
	case schema.Array:
		items, ok := v.([]any)
		if !ok {
			return fmt.Errorf("field %q must be an array", field)
		}
		if p.ElemInfo == nil {
			return nil
		}
		for i, item := range items {
			if err := validateValue(fmt.Sprintf("%s[%d]", field, i), item, p.ElemInfo); err != nil {
				return err
			}
		}
	case schema.Object:
		m, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("field %q must be an object", field)
		}
		return validateObject(field, m, p.SubParams)
	}
	return nil
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Structured 调用模型并把回复解码为 T。输出不合规时带着错误原因再要求一次，仍不合规返回 MalformedOutputError。
func Structured[T any](ctx context.Context, m model.BaseChatModel, msgs []*schema.Message, shape Shape) (T, error) {
	var zero T
	convo := append([]*schema.Message(nil), msgs...)
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := m.Generate(ctx, convo)
		if err != nil {
			return zero, err
		}
		var out T
		err = Decode(resp.Content, shape, &out)
		if err == nil {
			return out, nil
		}
		var me *MalformedOutputError
		if !errors.As(err, &me) {
			return zero, err
		}
		lastErr = err
		logx.Ctx(ctx, logx.Warn()).Str("shape", shape.Name).Str("reason", me.Reason).Msg("malformed model output")
		convo = append(convo, resp, schema.UserMessage(
			"Your previous reply did not match the required JSON format ("+me.Reason+"). Reply again with only the JSON object."))
	}
	return zero, lastErr
}

// Text 调用模型并返回非空的文本回复。
func Text(ctx context.Context, m model.BaseChatModel, msgs []*schema.Message) (string, error) {
	resp, err := m.Generate(ctx, msgs)
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", &MalformedOutputError{Shape: "text", Reason: "empty reply"}
	}
	return content, nil
}
