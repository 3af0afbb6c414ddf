package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/onsite-teams/salesintel/internal/ledger"
	"github.com/onsite-teams/salesintel/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the pipeline run ledger",
	Long:  "Commands for listing, viewing, and summarizing pipeline runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter, err := runFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		runs, err := ledger.New(st).List(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := ledger.New(st).Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		return printJSON(os.Stdout, run)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter, err := runFilterFromFlags(cmd)
		if err != nil {
			return err
		}
		filter.Limit = 10000 // high limit for stats

		runs, err := ledger.New(st).List(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{runsListCmd, runsStatsCmd} {
		c.Flags().String("pipeline", "", "filter by pipeline type (daily, research)")
		c.Flags().String("lead", "", "filter by lead id")
	}
	runsListCmd.Flags().Duration("since", 0, "only runs started within this window (e.g. 24h)")
	runsListCmd.Flags().Int("limit", ledger.DefaultListLimit, "max number of runs to display")
	runsStatsCmd.Flags().Duration("since", 7*24*time.Hour, "time window for stats (e.g. 24h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

func runFilterFromFlags(cmd *cobra.Command) (ledger.Filter, error) {
	pipelineType, _ := cmd.Flags().GetString("pipeline")
	leadID, _ := cmd.Flags().GetString("lead")
	since, _ := cmd.Flags().GetDuration("since")

	f := ledger.Filter{PipelineType: model.PipelineType(pipelineType), LeadID: leadID}
	if f.PipelineType != "" && !slices.Contains(model.PipelineTypes, f.PipelineType) {
		return f, eris.Errorf("unknown pipeline type %q", pipelineType)
	}
	if since > 0 {
		f.Since = time.Now().Add(-since)
	}
	if cmd.Flags().Lookup("limit") != nil {
		f.Limit, _ = cmd.Flags().GetInt("limit")
	}
	return f, nil
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Succeeded  int
	Degraded   int
	ByPipeline map[model.PipelineType]int
	AvgDurSecs float64
	Errors     int
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.RunRecord) runStats {
	s := runStats{Total: len(runs), ByPipeline: map[model.PipelineType]int{}}

	var totalDur float64
	for _, r := range runs {
		s.ByPipeline[r.PipelineType]++
		if r.Degraded() {
			s.Degraded++
		} else {
			s.Succeeded++
		}
		s.Errors += len(r.Errors)
		totalDur += r.DurationSeconds
	}

	if s.Total > 0 {
		s.AvgDurSecs = totalDur / float64(s.Total)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.RunRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPIPELINE\tLEAD\tRESULT\tERRORS\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t--------\t----\t------\t------\t-------\t--------")

	for _, r := range runs {
		result := "ok"
		if r.Degraded() {
			result = "degraded"
		}
		lead := "-"
		if r.LeadID != "" {
			lead = truncateID(r.LeadID)
		}
		dur := time.Duration(r.DurationSeconds * float64(time.Second)).Round(time.Second).String()

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(r.ID),
			r.PipelineType,
			lead,
			result,
			len(r.Errors),
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	for _, p := range model.PipelineTypes {
		if n := s.ByPipeline[p]; n > 0 {
			_, _ = fmt.Fprintf(w, "  %s:\t%d\n", p, n)
		}
	}
	_, _ = fmt.Fprintf(w, "Succeeded:\t%d\n", s.Succeeded)
	_, _ = fmt.Fprintf(w, "Degraded:\t%d\n", s.Degraded)
	_, _ = fmt.Fprintf(w, "Stage errors:\t%d\n", s.Errors)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
