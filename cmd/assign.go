package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/onsite-teams/salesintel/internal/model"
	"github.com/onsite-teams/salesintel/internal/pipeline"
)

var assignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Assign unassigned open leads to reps",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "assign")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, assigned, err := env.Assign.Run(ctx)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, assignOutput{Run: rec, Assignments: assigned})
	},
}

type assignOutput struct {
	Run         *model.RunRecord      `json:"run"`
	Assignments []pipeline.Assignment `json:"assignments"`
}

func init() {
	rootCmd.AddCommand(assignCmd)
}
