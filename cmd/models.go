package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/NickPittas/littlellm-sub005/internal/llm"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models available from the active provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		provider, err := llm.NewProviderByName(cfg, cfg.Provider)
		if err != nil {
			return err
		}

		lister, ok := provider.(llm.ModelLister)
		if !ok {
			return fmt.Errorf("provider %q does not support model listing", cfg.Provider)
		}

		models, err := lister.ListModels(cmd.Context())
		if err != nil {
			return err
		}
		if len(models) == 0 {
			fmt.Println("no models reported")
			return nil
		}

		active := cfg.Providers[cfg.Provider].Model
		for _, m := range models {
			marker := "  "
			if m == active {
				marker = "* "
			}
			fmt.Printf("%s%s\n", marker, m)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
