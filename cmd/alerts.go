package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Evaluate smart alert rules and deliver the batched summary",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "alerts")
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := env.Alerts.Run(ctx)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, summary)
	},
}

func init() {
	rootCmd.AddCommand(alertsCmd)
}
