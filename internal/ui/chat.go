package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/wwwzy/QueryFit/internal/agent"
	"github.com/wwwzy/QueryFit/internal/database"
)

// ChatBackend 是界面需要的会话能力，*agent.Agent 实现了该接口。
type ChatBackend interface {
	Ask(ctx context.Context, threadID string, ref database.Ref, message string) (*agent.Reply, error)
	Resume(ctx context.Context, threadID string, resp agent.ApprovalResponse) (*agent.Reply, error)
	Pending(ctx context.Context, threadID string) (*agent.ApprovalRequest, error)
}

type ChatUI interface {
	Run(ctx context.Context, backend ChatBackend, opts ChatOptions) error
}

type ChatOptions struct {
	// ThreadID 为空时生成新的会话。
	ThreadID string
	Database database.Ref
	// PreviewRows 为展示查询结果的行数，<=0 时不展示。
	PreviewRows int
}

func (o ChatOptions) withDefaults() ChatOptions {
	if o.ThreadID == "" {
		o.ThreadID = agent.NewThreadID()
	}
	return o
}

// ParseCommand 解析以 / 开头的界面命令，返回命令名与参数。
func ParseCommand(line string) (string, string, bool) {
	if !strings.HasPrefix(line, "/") {
		return "", "", false
	}
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	return strings.ToLower(name), strings.TrimSpace(arg), true
}

// WriteResult 以对齐的表格输出结果的前 n 行。
func WriteResult(w io.Writer, res *database.Result, n int) {
	if res == nil || n <= 0 {
		return
	}
	if res.IsMutation() {
		fmt.Fprintf(w, "%s, %d row(s) affected\n", res.Mutation.Message, res.Mutation.RowsAffected)
		return
	}
	if len(res.Rows) == 0 {
		fmt.Fprintln(w, "(no rows)")
		return
	}
	rows, truncated := res.Head(n)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(res.Columns, "\t"))
	for _, row := range rows {
		cells := make([]string, len(res.Columns))
		for i, c := range res.Columns {
			cells[i] = formatCell(row[c])
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()
	if truncated {
		fmt.Fprintf(w, "... %d of %d rows shown\n", len(rows), res.Len())
	}
}

func formatCell(v any) string {
	if v == nil {
		return "NULL"
	}
	s := strings.ReplaceAll(fmt.Sprint(v), "\n", " ")
	if len(s) > 40 {
		s = s[:37] + "..."
	}
	return s
}
