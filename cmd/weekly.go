package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var weeklyCmd = &cobra.Command{
	Use:   "weekly",
	Short: "Write the weekly sales report and send it to managers and founders",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "weekly")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Weekly.Run(ctx)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, rec)
	},
}

func init() {
	rootCmd.AddCommand(weeklyCmd)
}
