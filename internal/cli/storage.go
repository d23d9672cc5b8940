package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wwwzy/QueryFit/internal/storage"
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "管理应用存储",
	Long:  `查看存储概况，清理会话快照、SQL 审计记录和过期的在线连接。`,
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "显示存储统计概况",
	RunE:  runInfo,
}

var pruneAuditCmd = &cobra.Command{
	Use:   "prune-audit",
	Short: "清理 SQL 审计记录",
	Long:  `根据保留条数或天数清理旧的审计记录。`,
	RunE:  runPruneAudit,
}

var pruneCheckpointsCmd = &cobra.Command{
	Use:   "prune-checkpoints",
	Short: "清理旧的会话快照和过期的在线连接",
	RunE:  runPruneCheckpoints,
}

var auditsCmd = &cobra.Command{
	Use:   "audits",
	Short: "列出最近的 SQL 执行记录",
	RunE:  runAudits,
}

var (
	keepAuditCount int
	keepAuditDays  int

	keepCheckpointDays int
	keepSuspended      bool

	auditLimit  int
	auditThread string
	auditStatus string
)

func init() {
	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(infoCmd)
	storageCmd.AddCommand(pruneAuditCmd)
	storageCmd.AddCommand(pruneCheckpointsCmd)
	storageCmd.AddCommand(auditsCmd)

	pruneAuditCmd.Flags().IntVar(&keepAuditCount, "keep", 0, "保留最近的 N 条记录")
	pruneAuditCmd.Flags().IntVar(&keepAuditDays, "days", 0, "保留最近 N 天的记录")

	pruneCheckpointsCmd.Flags().IntVar(&keepCheckpointDays, "days", 30, "保留最近 N 天更新过的会话")
	pruneCheckpointsCmd.Flags().BoolVar(&keepSuspended, "keep-suspended", true, "保留等待确认的会话")

	auditsCmd.Flags().IntVar(&auditLimit, "limit", 20, "最多显示的记录数")
	auditsCmd.Flags().StringVar(&auditThread, "thread", "", "只显示该会话的记录")
	auditsCmd.Flags().StringVar(&auditStatus, "status", "", "只显示该状态的记录（running/success/failed）")
}

func runPruneAudit(cmd *cobra.Command, args []string) error {
	if keepAuditCount <= 0 && keepAuditDays <= 0 {
		return errors.New("must specify either --keep or --days")
	}
	ctx := cmd.Context()
	store, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	var deleted int64
	if keepAuditCount > 0 {
		fmt.Fprintf(out, "Pruning audit records, keeping latest %d records...\n", keepAuditCount)
		n, err := store.DeleteQueryAuditsKeepLatest(ctx, keepAuditCount)
		if err != nil {
			return fmt.Errorf("prune by count: %w", err)
		}
		deleted += n
	}
	if keepAuditDays > 0 {
		before := time.Now().UTC().AddDate(0, 0, -keepAuditDays)
		fmt.Fprintf(out, "Pruning audit records older than %d days (before %s)...\n", keepAuditDays, before.Format(time.RFC3339))
		n, err := store.DeleteQueryAuditsBefore(ctx, before)
		if err != nil {
			return fmt.Errorf("prune by days: %w", err)
		}
		deleted += n
	}

	fmt.Fprintf(out, "Prune completed. Deleted %d records.\n", deleted)
	if n, err := store.CountQueryAudits(ctx); err == nil {
		fmt.Fprintf(out, "Remaining Audit Records: %d\n", n)
	}
	return nil
}

func runPruneCheckpoints(cmd *cobra.Command, args []string) error {
	if keepCheckpointDays <= 0 {
		return errors.New("--days must be positive")
	}
	ctx := cmd.Context()
	store, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	now := time.Now().UTC()
	before := now.AddDate(0, 0, -keepCheckpointDays)
	n, err := store.DeleteCheckpointsBefore(ctx, before, keepSuspended)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Deleted %d checkpoints older than %s.\n", n, before.Format(time.RFC3339))

	creds, err := store.DeleteExpiredCredentials(ctx, now)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Deleted %d expired live connections.\n", creds)
	return nil
}

func runAudits(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.QueryAudits(ctx, storage.AuditQuery{
		ThreadID: auditThread,
		Status:   auditStatus,
		Limit:    auditLimit,
		Desc:     true,
	})
	if err != nil {
		return err
	}
	writeAudits(cmd.OutOrStdout(), recs)
	return nil
}

func writeAudits(w io.Writer, recs []storage.QueryAudit) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTHREAD\tDATABASE\tSTATUS\tROWS\tSQL")
	for _, r := range recs {
		sql := r.SQL
		if r.Status == "failed" && r.ErrorMessage != "" {
			sql += "  -- " + r.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.ThreadID, r.Database, r.Status, r.Rows, oneLine(sql, 80))
	}
	_ = tw.Flush()
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	dbPath := cfg.Storage.Path
	if !filepath.IsAbs(dbPath) {
		if abs, err := filepath.Abs(dbPath); err == nil {
			dbPath = abs
		}
	}
	var sizeStr string
	if info, err := os.Stat(dbPath); err != nil {
		if os.IsNotExist(err) {
			sizeStr = "Not Found (Will be created on first run)"
		} else {
			sizeStr = fmt.Sprintf("Error: %v", err)
		}
	} else {
		sizeStr = fmt.Sprintf("%.2f MB (%s)", float64(info.Size())/1024/1024, dbPath)
	}

	store, err := openStorage(ctx)
	if err != nil {
		fmt.Fprintf(out, "Database File: %s\n", sizeStr)
		return err
	}
	defer store.Close()

	checkpoints, err := store.CountCheckpoints(ctx)
	if err != nil {
		return err
	}
	audits, err := store.CountQueryAudits(ctx)
	if err != nil {
		return err
	}
	suspended, err := store.ListCheckpoints(ctx, storage.CheckpointQuery{Status: "suspended", Limit: 1000})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Database File: %s\n", sizeStr)
	fmt.Fprintf(out, "Checkpoint Backend: %s\n\n", cfg.Checkpoint.Backend)
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Table\tCount")
	fmt.Fprintln(w, "-----\t-----")
	fmt.Fprintf(w, "Checkpoints\t%d\n", checkpoints)
	fmt.Fprintf(w, "  suspended\t%d\n", len(suspended))
	fmt.Fprintf(w, "QueryAudits\t%d\n", audits)
	return w.Flush()
}
