package agent

import (
	"fmt"
	"strings"
)

// Tool 是计划中可以使用的一个步骤，描述会写进规划提示词。
type Tool struct {
	Name      Route
	Desc      string
	WhenToUse string
}

var toolRegistry = []Tool{
	{
		Name:      RouteGenerateSchema,
		Desc:      "Reads the connected database and produces the table and column definitions.",
		WhenToUse: "Before the first query on a database, or when the schema is not cached yet. Skip it when the schema is already cached.",
	},
	{
		Name:      RouteGenerateQuery,
		Desc:      "Writes one SQL statement for the user's request using only tables and columns from the schema.",
		WhenToUse: "Whenever data has to be read or changed. Always placed before executeQuery.",
	},
	{
		Name:      RoutePlanner,
		Desc:      "Re-plans the remaining work from the current point.",
		WhenToUse: "Only when the remaining steps cannot be known until an earlier step has finished. Can be used at most once.",
	},
	{
		Name:      RouteExecuteQuery,
		Desc:      "Runs the validated SQL statement against the database and stores the result.",
		WhenToUse: "After generateQuery, and after complexQueryApproval when the statement changes data.",
	},
	{
		Name:      RouteGenerateChart,
		Desc:      "Builds a bar, line or pie chart configuration from the latest query result.",
		WhenToUse: "When the user asks for a chart, graph or visualization. If a previous result already holds the data, plan generateChart then summarizeOutput without querying again.",
	},
	{
		Name:      RouteSummarize,
		Desc:      "Explains the query result to the user in plain language.",
		WhenToUse: "As the last step of every plan that produced data.",
	},
	{
		Name:      RouteGeneralChat,
		Desc:      "Answers greetings, questions about the assistant, or questions about the schema itself.",
		WhenToUse: "When no query is needed. A general plan contains only this step.",
	},
	{
		Name:      RouteApproval,
		Desc:      "Asks the user to confirm before a statement that inserts, updates or deletes data is executed.",
		WhenToUse: "Directly before executeQuery for every data manipulation request.",
	},
}

// toolNames 返回计划可用的工具名，作为规划输出的枚举。
func toolNames() []string {
	names := make([]string, len(toolRegistry))
	for i, t := range toolRegistry {
		names[i] = string(t.Name)
	}
	return names
}

func renderTools() string {
	var b strings.Builder
	for _, t := range toolRegistry {
		fmt.Fprintf(&b, "- %s: %s When to use: %s\n", t.Name, t.Desc, t.WhenToUse)
	}
	return b.String()
}
