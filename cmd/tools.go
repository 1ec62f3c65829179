package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/NickPittas/littlellm-sub005/internal/mcp"
)

var toolsRefresh bool

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List tools exposed by configured MCP servers",
	Long: `Lists the tools each configured MCP server exposes. By default the
cached tool lists from previous runs are shown; --refresh starts the
servers and queries them live.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(cfg.MCP.Servers) == 0 {
			fmt.Println("no MCP servers configured")
			return nil
		}

		manager := mcp.NewManager(cfg.MCP)
		if toolsRefresh {
			if err := manager.StartAll(cmd.Context()); err != nil {
				fmt.Printf("warning: %v\n", err)
			}
			defer manager.StopAll()
		}

		for _, server := range manager.ServerNames() {
			tools := mcp.LoadCachedTools(server)
			fmt.Printf("%s:\n", server)
			if len(tools) == 0 {
				fmt.Println("  (no tools cached; run with --refresh)")
				continue
			}
			for _, t := range tools {
				fmt.Printf("  %-24s %s\n", t.Name, t.Description)
			}
		}
		return nil
	},
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsRefresh, "refresh", false, "Start servers and refresh the cached tool lists")
	rootCmd.AddCommand(toolsCmd)
}
