package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wwwzy/QueryFit/internal/config"
	logx "github.com/wwwzy/QueryFit/pkg/logger"
)

var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd 是没有子命令时调用的基础命令
var rootCmd = &cobra.Command{
	Use:   "queryfit",
	Short: "QueryFit 用自然语言查询和修改数据库",
	Long: `QueryFit 把自然语言问题转换为 SQL：规划步骤、生成并校验查询、
在修改数据前请求确认，最后用自然语言总结结果。
支持本地 SQLite 文件以及通过 db connect 登记的 Postgres/MySQL。`,
	SilenceUsage: true,
}

// Execute 由 main.main() 调用，只需要对 rootCmd 调用一次。
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件（默认按 ./config.yaml、$HOME/.queryfit/config.yaml 搜索）")
}

// initConfig 读取配置文件、.env 和环境变量，并初始化日志。
func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	logx.Init(logx.LoggerOpts{
		Environment: logx.ParseEnvironment(cfg.Environment),
		Level:       cfg.LogLevel,
	})
}
