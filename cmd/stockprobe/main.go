package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stockprobe/internal/config"
	"stockprobe/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:           "stockprobe",
	Short:         "访客会话隔离的报价库存查询服务",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "configs/stockprobe.yaml", "配置文件路径")
}

// loadConfig 读取配置并按配置创建日志器
func loadConfig(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	l := logger.New(logger.Options{Level: cfg.Log.Level, Writers: cfg.Log.Writer, File: cfg.Log.File})
	return cfg, l, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
