package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/wwwzy/QueryFit/internal/agent"
	"github.com/wwwzy/QueryFit/internal/graph"
	"github.com/wwwzy/QueryFit/internal/storage"
)

var (
	threadsStatus string
	threadsLimit  int
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "查看和继续会话",
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出最近的会话",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStorage(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		recs, err := store.ListCheckpoints(ctx, storage.CheckpointQuery{Status: threadsStatus, Limit: threadsLimit})
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "THREAD\tSTATUS\tNODE\tSTEPS\tUPDATED")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.ThreadID, r.Status, r.Node, r.Step, r.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var threadsShowCmd = &cobra.Command{
	Use:   "show [thread]",
	Short: "显示会话的当前状态",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		s, status, err := a.agent.State(ctx, args[0])
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("thread %s not found", args[0])
		}
		pending, err := a.agent.Pending(ctx, args[0])
		if err != nil {
			return err
		}
		writeThread(cmd.OutOrStdout(), args[0], s, status, pending)
		return nil
	},
}

var threadsContinueCmd = &cobra.Command{
	Use:   "continue [thread]",
	Short: "继续一个中途退出的会话",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		reply, err := a.agent.Continue(ctx, args[0])
		if errors.Is(err, graph.ErrNotRunning) {
			return fmt.Errorf("%w (suspended threads are resumed with `queryfit resume`)", err)
		}
		if err != nil {
			return err
		}
		printReply(cmd.OutOrStdout(), reply, askPreview)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(threadsCmd)
	threadsCmd.AddCommand(threadsListCmd)
	threadsCmd.AddCommand(threadsShowCmd)
	threadsCmd.AddCommand(threadsContinueCmd)

	threadsListCmd.Flags().StringVar(&threadsStatus, "status", "", "只列出该状态的会话（running/suspended/completed）")
	threadsListCmd.Flags().IntVar(&threadsLimit, "limit", 20, "最多列出的会话数")
}

func writeThread(w io.Writer, id string, s *agent.State, status graph.Status, pending *agent.ApprovalRequest) {
	fmt.Fprintf(w, "Thread:   %s\n", id)
	fmt.Fprintf(w, "Status:   %s\n", status)
	fmt.Fprintf(w, "Database: %s\n", s.Database)
	if s.Intent != "" {
		fmt.Fprintf(w, "Intent:   %s\n", s.Intent)
	}
	if len(s.Plan) > 0 {
		fmt.Fprintln(w, "Plan:")
		for i, step := range s.Plan {
			marker := "  "
			if i == s.StepIndex {
				marker = "> "
			}
			fmt.Fprintf(w, "  %s%d. %s  %s\n", marker, step.Number, step.Tool, step.Description)
		}
	}
	if s.SQLQuery != "" {
		fmt.Fprintf(w, "SQL:      %s\n", s.SQLQuery)
	}
	if msg, ok := s.FinalResponse(); ok {
		fmt.Fprintf(w, "Reply:    %s\n", oneLine(msg.Content, 120))
	}
	if pending != nil {
		fmt.Fprintf(w, "Pending:  %s\n  %s\n", pending.Value, pending.SQL)
	}
}

// oneLine 把多行文本压成一行，超过 n 个字符时截断。
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
