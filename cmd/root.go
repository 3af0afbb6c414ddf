package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "salesintel",
	Short: "Sales intelligence pipelines for the Onsite sales team",
	Long:  "Scores and ranks open leads, writes morning briefs, researches individual leads, raises smart alerts and syncs the CRM.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
