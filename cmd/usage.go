package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/NickPittas/littlellm-sub005/internal/usage"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage aggregated by day",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, err := cfg.UsageLogPath()
		if err != nil {
			return err
		}
		logger, err := usage.NewLogger(path)
		if err != nil {
			return err
		}

		entries, err := logger.Load()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no usage recorded yet")
			return nil
		}

		days := usage.AggregateDaily(entries)
		var totalIn, totalOut int
		for _, day := range days {
			fmt.Printf("%s  in %8d  out %8d  %s\n",
				day.Date, day.InputTokens, day.OutputTokens,
				strings.Join(day.ModelsUsed, ", "))
			totalIn += day.InputTokens
			totalOut += day.OutputTokens
		}
		fmt.Printf("total       in %8d  out %8d\n", totalIn, totalOut)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(usageCmd)
}
