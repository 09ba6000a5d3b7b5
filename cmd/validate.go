package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haolipeng/network_mapping/pkg/processor"
)

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().String("rules", "", "规则目录，默认使用配置中的 rule_directory")
}

var validateCmd = &cobra.Command{
	Use:   "validate-rules",
	Short: "compile every service rule and print them in match order",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("rules")
		if dir == "" {
			dir = cfg.RuleEngine.RuleDirectory
		}

		identifier, err := processor.NewServiceIdentifierFromDirectory(dir)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, r := range identifier.Rules() {
			fmt.Fprintf(out, "%-4d %-12s %-16s %s\n", r.Priority, r.Service, r.RuleID, r.Expression)
		}
		fmt.Fprintf(out, "%d rules ok\n", len(identifier.Rules()))
		return nil
	},
}
