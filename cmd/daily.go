package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var dailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Run the daily pipeline once",
	Long:  "Scores open leads, ranks each rep's priorities, detects stale leads and anomalies, writes morning briefs and sends them.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "daily")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Daily.Run(ctx)
		if err != nil {
			return err
		}
		if rec.Degraded() {
			zap.L().Warn("daily run completed with errors", zap.Strings("errors", rec.Errors))
		}
		return printJSON(os.Stdout, rec)
	},
}

func init() {
	rootCmd.AddCommand(dailyCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
