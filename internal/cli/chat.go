package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wwwzy/QueryFit/internal/database"
	"github.com/wwwzy/QueryFit/internal/tui"
	"github.com/wwwzy/QueryFit/internal/ui"
	logx "github.com/wwwzy/QueryFit/pkg/logger"
)

var (
	chatUI      string
	chatDB      string
	chatThread  string
	chatPreview int
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "进入交互式对话模式",
	Long: `进入对话模式，用自然语言查询数据库。
修改数据的语句在执行前会请求确认；--thread 可以继续之前的会话（包括挂起中的确认）。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		var uiImpl ui.ChatUI
		switch chatUI {
		case "console", "":
			uiImpl = &ui.ConsoleChatUI{In: os.Stdin, Out: os.Stdout}
		case "tui":
			// 日志会破坏全屏界面
			logx.Discard()
			uiImpl = &tui.ChatUI{}
		default:
			return fmt.Errorf("未知 ui 类型: %s (支持: console, tui)", chatUI)
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		return uiImpl.Run(ctx, a.agent, ui.ChatOptions{
			ThreadID:    chatThread,
			Database:    database.Ref{ID: chatDB},
			PreviewRows: chatPreview,
		})
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatUI, "ui", "console", "交互界面类型: console/tui")
	chatCmd.Flags().StringVar(&chatDB, "db", "", "目标数据库（本地 ID、.db 文件路径或 live_ 引用）")
	chatCmd.Flags().StringVar(&chatThread, "thread", "", "继续已有会话的 ID")
	chatCmd.Flags().IntVar(&chatPreview, "preview", 10, "展示查询结果的行数，0 表示不展示")
}
