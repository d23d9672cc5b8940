package agent

import (
	"github.com/cloudwego/eino/schema"

	"github.com/wwwzy/QueryFit/internal/llm"
)

var intents = []string{"general", "retrieval", "manipulation", "visualization", "multi-step"}

var plannerShape = llm.Shape{
	Name: "plan",
	Params: map[string]*schema.ParameterInfo{
		"reasoning": {Type: schema.String, Required: true, Desc: "One or two sentences on how the request is handled."},
		"intent":    {Type: schema.String, Required: true, Enum: intents},
		"steps": {
			Type:     schema.Array,
			Required: true,
			ElemInfo: &schema.ParameterInfo{
				Type: schema.Object,
				SubParams: map[string]*schema.ParameterInfo{
					"step_number": {Type: schema.Integer, Required: true},
					"tool_name":   {Type: schema.String, Required: true, Enum: toolNames()},
					"description": {Type: schema.String, Required: true},
					"ui_message":  {Type: schema.String, Required: true, Desc: "Short progress text shown to the user."},
				},
			},
		},
	},
}

type planOutput struct {
	Reasoning string `json:"reasoning"`
	Intent    string `json:"intent"`
	Steps     []Step `json:"steps"`
}

var generatorShape = llm.Shape{
	Name: "query",
	Params: map[string]*schema.ParameterInfo{
		"query":        {Type: schema.String, Required: true, Desc: "The SQL statement, empty when isIncomplete is true."},
		"isIncomplete": {Type: schema.Boolean, Required: true},
		"reason":       {Type: schema.String, Required: true, Desc: "Why the request cannot be answered yet, empty otherwise."},
	},
}

var validatorShape = llm.Shape{
	Name: "validation",
	Params: map[string]*schema.ParameterInfo{
		"feedback":       {Type: schema.String, Required: true},
		"routeDecision":  {Type: schema.String, Required: true, Enum: []string{string(RouteOrchestrator), string(RouteGenerateQuery)}},
		"validatorScore": {Type: schema.Integer, Required: true, Desc: "0 to 10."},
	},
}

type validatorOutput struct {
	Feedback       string `json:"feedback"`
	RouteDecision  string `json:"routeDecision"`
	ValidatorScore int    `json:"validatorScore"`
}

var clarifierShape = llm.Shape{
	Name: "clarification",
	Params: map[string]*schema.ParameterInfo{
		"message": {Type: schema.String, Required: true, Desc: "Exactly one clarifying question."},
	},
}

type clarifierOutput struct {
	Message string `json:"message"`
}

var chartShape = llm.Shape{
	Name: "chart",
	Params: map[string]*schema.ParameterInfo{
		"title":       {Type: schema.String, Required: true},
		"description": {Type: schema.String, Required: true},
		"type":        {Type: schema.String, Required: true, Enum: []string{"bar", "line", "pie"}},
		"xAxisKey":    {Type: schema.String, Required: true},
		"series": {
			Type:     schema.Array,
			Required: true,
			ElemInfo: &schema.ParameterInfo{
				Type: schema.Object,
				SubParams: map[string]*schema.ParameterInfo{
					"dataKey":   {Type: schema.String, Required: true},
					"label":     {Type: schema.String, Required: true},
					"color":     {Type: schema.String, Desc: "CSS color."},
					"stackedId": {Type: schema.String},
				},
			},
		},
	},
}
