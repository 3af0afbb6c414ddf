package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var researchCmd = &cobra.Command{
	Use:   "research <lead-id>",
	Short: "Research one lead and build a close strategy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "research")
		if err != nil {
			return err
		}
		defer env.Close()

		by, _ := cmd.Flags().GetString("triggered-by")
		rec, err := env.Research.Run(ctx, args[0], by)
		if err != nil {
			return err
		}
		if show, _ := cmd.Flags().GetBool("show"); show {
			res, err := env.Store.GetLeadResearch(ctx, args[0])
			if err == nil {
				return printJSON(os.Stdout, res)
			}
		}
		return printJSON(os.Stdout, rec)
	},
}

func init() {
	researchCmd.Flags().String("triggered-by", "cli", "user id recorded as the requester")
	researchCmd.Flags().Bool("show", false, "print the saved research instead of the run record")
	rootCmd.AddCommand(researchCmd)
}
