package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wwwzy/QueryFit/internal/agent"
	"github.com/wwwzy/QueryFit/internal/database"
	"github.com/wwwzy/QueryFit/internal/graph"
	"github.com/wwwzy/QueryFit/internal/ui"
)

var (
	askDB      string
	askThread  string
	askPreview int

	resumeThread  string
	resumeApprove bool
	resumeReject  bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "提一个问题并输出回答",
	Long: `执行一轮问答后退出。修改数据的请求会停在确认步骤，
用 queryfit resume --thread <id> --approve/--reject 继续。`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		thread := askThread
		if thread == "" {
			thread = agent.NewThreadID()
		}
		reply, err := a.agent.Ask(ctx, thread, database.Ref{ID: askDB}, strings.Join(args, " "))
		if err != nil {
			return err
		}
		printReply(cmd.OutOrStdout(), reply, askPreview)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "确认或拒绝挂起中的数据修改",
	RunE: func(cmd *cobra.Command, args []string) error {
		if resumeApprove == resumeReject {
			return errors.New("must specify exactly one of --approve or --reject")
		}
		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		reply, err := a.agent.Resume(ctx, resumeThread, agent.ApprovalResponse{ShouldContinue: resumeApprove})
		if err != nil {
			return err
		}
		printReply(cmd.OutOrStdout(), reply, askPreview)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVar(&askDB, "db", "", "目标数据库（本地 ID、.db 文件路径或 live_ 引用）")
	askCmd.Flags().StringVar(&askThread, "thread", "", "会话 ID，为空时新建")
	askCmd.Flags().IntVar(&askPreview, "preview", 10, "展示查询结果的行数，0 表示不展示")

	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().StringVar(&resumeThread, "thread", "", "挂起中的会话 ID")
	resumeCmd.Flags().BoolVar(&resumeApprove, "approve", false, "确认执行")
	resumeCmd.Flags().BoolVar(&resumeReject, "reject", false, "拒绝执行")
	resumeCmd.Flags().IntVar(&askPreview, "preview", 10, "展示查询结果的行数，0 表示不展示")
	_ = resumeCmd.MarkFlagRequired("thread")
}

// printReply 输出一轮的结果：挂起时输出待确认的 SQL 和继续方式。
func printReply(w io.Writer, reply *agent.Reply, preview int) {
	fmt.Fprintf(w, "Thread: %s\n", reply.ThreadID)
	if reply.Status == graph.StatusSuspended && reply.Interrupt != nil {
		fmt.Fprintf(w, "%s\n  %s\n", reply.Interrupt.Value, reply.Interrupt.SQL)
		fmt.Fprintf(w, "Run `queryfit resume --thread %s --approve` or `--reject`.\n", reply.ThreadID)
		return
	}
	s := reply.State
	if s.Executed && s.SQLQuery != "" {
		fmt.Fprintf(w, "SQL: %s\n", s.SQLQuery)
		ui.WriteResult(w, s.QueryResult, preview)
	}
	if s.Chart != nil {
		fmt.Fprintf(w, "Chart: %s (%s, x=%s)\n", s.Chart.Title, s.Chart.Type, s.Chart.XAxisKey)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, reply.Message)
}
