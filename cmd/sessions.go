package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/NickPittas/littlellm-sub005/internal/session"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List saved conversation sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Session.Enabled {
			fmt.Println("sessions are disabled in config")
			return nil
		}

		dbPath, err := cfg.SessionDBPath()
		if err != nil {
			return err
		}
		store, err := session.NewSQLiteStore(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		summaries, err := store.List(cmd.Context(), session.ListOptions{Limit: sessionsLimit})
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("no sessions yet")
			return nil
		}

		for _, s := range summaries {
			title := s.Summary
			if title == "" {
				title = "(empty)"
			}
			fmt.Printf("%s  %-12s %-24s %3d msgs  %s\n",
				s.UpdatedAt.Local().Format("2006-01-02 15:04"),
				s.Provider,
				truncate(s.Model, 24),
				s.MessageCount,
				title)
			fmt.Printf("    id: %s  status: %s\n", s.ID, s.Status)
		}
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a saved session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dbPath, err := cfg.SessionDBPath()
		if err != nil {
			return err
		}
		store, err := session.NewSQLiteStore(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		id := strings.TrimSpace(args[0])
		if err := store.Delete(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("deleted session %s\n", id)
		return nil
	},
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Maximum sessions to list")
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}
