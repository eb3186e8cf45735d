package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/hailtrace/internal/app"
	"github.com/sells-group/hailtrace/internal/runlog"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect ingestion run history",
	Long:  "Commands for listing and summarizing source and parcel import runs.",
}

// loadRuns opens the store and returns recent run log entries whose job
// starts with prefix.
func loadRuns(cmd *cobra.Command, limit int, prefix string) ([]runlog.Entry, error) {
	ctx := cmd.Context()
	if err := cfg.Validate("migrate"); err != nil {
		return nil, err
	}
	st, err := app.OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	defer st.Close() //nolint:errcheck
	if err := st.Migrate(ctx); err != nil {
		return nil, err
	}

	entries, err := st.RunLog().Recent(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "runs: recent")
	}
	return filterRuns(entries, prefix), nil
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		job, _ := cmd.Flags().GetString("job")
		asJSON, _ := cmd.Flags().GetBool("json")

		entries, err := loadRuns(cmd, limit, job)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(os.Stdout, entries)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		since, _ := cmd.Flags().GetDuration("since")

		entries, err := loadRuns(cmd, 10000, "")
		if err != nil {
			return err
		}
		if since > 0 {
			entries = runsSince(entries, time.Now().Add(-since))
		}

		formatRunStats(os.Stdout, computeRunStats(entries))
		return nil
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsListCmd.Flags().String("job", "", "filter by job prefix (source:, parcels:, source:nws, ...)")
	runsListCmd.Flags().Bool("json", false, "print entries as JSON")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

func filterRuns(entries []runlog.Entry, prefix string) []runlog.Entry {
	if prefix == "" {
		return entries
	}
	out := entries[:0:0]
	for _, e := range entries {
		if strings.HasPrefix(e.Job, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func runsSince(entries []runlog.Entry, cutoff time.Time) []runlog.Entry {
	out := entries[:0:0]
	for _, e := range entries {
		if !e.StartedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Complete   int
	Failed     int
	Running    int
	Rows       int64
	AvgDurSecs float64
	FailedJobs map[string]int
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(entries []runlog.Entry) runStats {
	s := runStats{Total: len(entries), FailedJobs: map[string]int{}}

	var totalDur time.Duration
	var durCount int

	for _, e := range entries {
		switch e.Status {
		case runlog.StatusComplete:
			s.Complete++
			s.Rows += e.Rows
			if e.CompletedAt != nil {
				totalDur += e.CompletedAt.Sub(e.StartedAt)
				durCount++
			}
		case runlog.StatusFailed:
			s.Failed++
			s.FailedJobs[e.Job]++
		default:
			s.Running++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, entries []runlog.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tJOB\tSTATUS\tROWS\tSTARTED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "--\t---\t------\t----\t-------\t--------\t-----")

	for _, e := range entries {
		dur := "-"
		if e.CompletedAt != nil {
			dur = e.CompletedAt.Sub(e.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			e.ID,
			e.Job,
			e.Status,
			e.Rows,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
			truncate(e.Error, 40),
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.Complete)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.Running)
	_, _ = fmt.Fprintf(w, "Rows written:\t%d\n", s.Rows)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	jobs := make([]string, 0, len(s.FailedJobs))
	for job := range s.FailedJobs {
		jobs = append(jobs, job)
	}
	sort.Strings(jobs)
	for _, job := range jobs {
		_, _ = fmt.Fprintf(w, "  %s failed:\t%d\n", job, s.FailedJobs[job])
	}
	_ = w.Flush()
}

// truncate shortens s to n runes with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
