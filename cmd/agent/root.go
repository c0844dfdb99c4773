package agent

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/insight-collector/pkg/config"
)

// NewRootCommand 根命令，配置优先级：flag > 环境变量 > 配置文件 > 默认值
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "insight-collector",
		Short:         "Periodic metrics query scheduler with cluster-wide locking",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfigWithCli(cmd)
			if err != nil {
				return fmt.Errorf("%w (请检查配置文件路径或使用 -c 参数指定)", err)
			}
			return runAgent(cmd.Context(), cfg)
		},
	}
	cmd.PersistentFlags().StringP("config", "c", "configs/config.yaml", "配置文件路径")
	// 注册分组 flag
	initServerFlags(cmd)
	initCollectorFlags(cmd)
	initLogFlags(cmd)
	return cmd
}

func Execute() {
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		// 统一输出错误到 stderr
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
