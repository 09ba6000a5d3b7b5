package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haolipeng/network_mapping/pkg/config"
)

var (
	configFile string
	cfg        *config.Config

	rootCmd = &cobra.Command{
		Use:               "network_mapping",
		Short:             "report packet classification and identified services of network flows",
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/config.yaml", "配置文件路径")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
