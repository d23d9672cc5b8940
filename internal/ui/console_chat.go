package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/wwwzy/QueryFit/internal/agent"
	"github.com/wwwzy/QueryFit/internal/database"
	"github.com/wwwzy/QueryFit/internal/graph"
)

type ConsoleChatUI struct {
	In  io.Reader
	Out io.Writer
}

func (u *ConsoleChatUI) Run(ctx context.Context, backend ChatBackend, opts ChatOptions) error {
	if u.In == nil {
		return fmt.Errorf("console ui: In is nil")
	}
	if u.Out == nil {
		return fmt.Errorf("console ui: Out is nil")
	}
	out := u.Out
	reader := bufio.NewReader(u.In)
	opts = opts.withDefaults()

	fmt.Fprintf(out, "QueryFit 对话模式（会话 %s）。输入 /db <id> 切换数据库，exit/quit 退出。\n", opts.ThreadID)
	if opts.Database.ID != "" {
		fmt.Fprintf(out, "当前数据库: %s\n", opts.Database)
	}

	pending, err := backend.Pending(ctx, opts.ThreadID)
	if err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			fmt.Fprintln(out, "已退出。")
			return nil
		}

		var reply *agent.Reply
		if pending != nil {
			fmt.Fprintf(out, "%s\n  %s\n确认执行？(y/N): ", pending.Value, pending.SQL)
			line, err := readLine(reader)
			if err != nil {
				return err
			}
			if isExit(line) {
				fmt.Fprintln(out, "已退出，确认请求保留在会话中。")
				return nil
			}
			approved := strings.EqualFold(line, "y") || strings.EqualFold(line, "yes")
			reply, err = backend.Resume(ctx, opts.ThreadID, agent.ApprovalResponse{ShouldContinue: approved})
			if err != nil {
				return err
			}
		} else {
			fmt.Fprint(out, "你: ")
			line, err := readLine(reader)
			if err != nil {
				return err
			}
			if line == "" {
				continue
			}
			if isExit(line) {
				fmt.Fprintln(out, "已退出。")
				return nil
			}
			if name, arg, ok := ParseCommand(line); ok {
				if name == "db" && arg != "" {
					opts.Database = database.Ref{ID: arg}
					fmt.Fprintf(out, "已切换到数据库: %s\n", arg)
				} else {
					fmt.Fprintln(out, "未知命令，可用: /db <id>")
				}
				continue
			}
			reply, err = backend.Ask(ctx, opts.ThreadID, opts.Database, line)
			if err != nil {
				return err
			}
			// 数据库引用只需要在切换后的第一轮传入
			opts.Database = database.Ref{}
		}

		pending = nil
		if reply.Status == graph.StatusSuspended {
			pending = reply.Interrupt
			continue
		}
		u.printReply(reply, opts.PreviewRows)
	}
}

func (u *ConsoleChatUI) printReply(reply *agent.Reply, previewRows int) {
	out := u.Out
	s := reply.State
	if s.Executed && s.SQLQuery != "" {
		fmt.Fprintf(out, "SQL: %s\n", s.SQLQuery)
		WriteResult(out, s.QueryResult, previewRows)
	}
	if s.Chart != nil {
		fmt.Fprintf(out, "[图表] %s (%s)\n", s.Chart.Title, s.Chart.Type)
	}
	msg := strings.TrimSpace(reply.Message)
	if msg == "" {
		msg = "(无最终回复)"
	}
	fmt.Fprintf(out, "助手: %s\n\n", msg)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		if err == io.EOF {
			return "exit", nil
		}
		return "", fmt.Errorf("读取输入失败: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func isExit(line string) bool {
	switch strings.ToLower(line) {
	case "exit", "quit":
		return true
	}
	return false
}
