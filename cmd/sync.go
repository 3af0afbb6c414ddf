package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/onsite-teams/salesintel/internal/crmsync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync leads, notes and tasks from Salesforce",
	Long:  "Pulls records changed since the last sync (or everything with --full) into the store. With --push-scores the current AI scores are written back onto the CRM leads.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("sync"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sf, err := initSalesforce()
		if err != nil {
			return err
		}
		syncer := crmsync.New(sf, st)

		full, _ := cmd.Flags().GetBool("full")
		report := syncer.Sync(ctx, full)
		if err := printJSON(os.Stdout, report); err != nil {
			return err
		}

		if push, _ := cmd.Flags().GetBool("push-scores"); push {
			res, err := syncer.PushScores(ctx)
			if perr := printJSON(os.Stdout, res); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}
		}

		if report.Failed() {
			return eris.New("sync: one or more modules failed")
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("full", false, "ignore stored watermarks and re-import everything")
	syncCmd.Flags().Bool("push-scores", false, "write AI scores back to Salesforce after syncing")
	rootCmd.AddCommand(syncCmd)
}
