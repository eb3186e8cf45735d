package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/hailtrace/internal/ingest"
	"github.com/sells-group/hailtrace/internal/model"
)

var (
	ingestSources []string
	ingestChain   bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run source adapters once",
	Long:  "Fetches the selected sources and inserts new events. With --chain each source also runs drift correction, alerting and cluster parcel import.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		kinds, err := parseSources(ingestSources)
		if err != nil {
			return err
		}

		svc, err := initServices(ctx, "ingest")
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		if !ingestChain {
			results, err := svc.Engine.RunAll(ctx, kinds)
			formatIngestResults(os.Stdout, results)
			return err
		}

		if len(kinds) == 0 {
			kinds = svc.Engine.Kinds()
		}
		var results []*ingest.Result
		var firstErr error
		for _, kind := range kinds {
			res, err := svc.Scheduler.Trigger(ctx, kind)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			results = append(results, res)
		}
		formatIngestResults(os.Stdout, results)
		return firstErr
	},
}

// parseSources maps flag values to sources. An empty list selects every
// registered source.
func parseSources(names []string) ([]model.Source, error) {
	kinds := make([]model.Source, 0, len(names))
	for _, n := range names {
		src, err := model.ParseSource(n)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: --sources")
		}
		kinds = append(kinds, src)
	}
	return kinds, nil
}

// formatIngestResults writes one row per completed source. Failed sources
// have no result and are left out.
func formatIngestResults(out io.Writer, results []*ingest.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tFETCHED\tINSERTED\tSKIPPED\tELAPSED")
	_, _ = fmt.Fprintln(w, "------\t-------\t--------\t-------\t-------")
	for _, r := range results {
		if r == nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n",
			r.Source.ShortName(),
			r.Fetched,
			r.Inserted,
			r.Skipped,
			r.Elapsed.Round(time.Millisecond),
		)
	}
	_ = w.Flush()
}

func init() {
	ingestCmd.Flags().StringSliceVar(&ingestSources, "sources", nil, "sources to run: mesh, nws, spc (default all)")
	ingestCmd.Flags().BoolVar(&ingestChain, "chain", false, "run drift, alerting and parcel import after each source")
	rootCmd.AddCommand(ingestCmd)
}
