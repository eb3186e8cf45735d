package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/hailtrace/internal/model"
)

var driftCmd = &cobra.Command{
	Use:   "drift",
	Short: "Correct radar detections for wind drift",
}

var driftCorrectCmd = &cobra.Command{
	Use:   "correct",
	Short: "Compute and store the drift vector for one event",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, _ := cmd.Flags().GetString("id")
		if _, err := uuid.Parse(id); err != nil {
			return eris.Errorf("drift correct: invalid --id %q", id)
		}

		svc, err := initServices(ctx, "drift")
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		v, err := svc.Drift.Correct(ctx, id)
		if err != nil {
			return eris.Wrap(err, "drift correct")
		}
		formatDriftVector(os.Stdout, id, v)
		return nil
	},
}

var driftPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Correct every radar event still missing a drift vector",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		svc, err := initServices(ctx, "drift")
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		n, err := svc.Drift.CorrectAllPending(ctx)
		fmt.Fprintf(os.Stdout, "Corrected %d events.\n", n)
		return eris.Wrap(err, "drift pending")
	},
}

// formatDriftVector writes a drift vector, or a note when the event carries
// no hail to correct.
func formatDriftVector(out io.Writer, id string, v *model.DriftVector) {
	if v == nil {
		_, _ = fmt.Fprintf(out, "Event %s has no hail size, nothing to correct.\n", id)
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Event:\t%s\n", id)
	_, _ = fmt.Fprintf(w, "East drift:\t%.0f m\n", v.DxM)
	_, _ = fmt.Fprintf(w, "North drift:\t%.0f m\n", v.DyM)
	_, _ = fmt.Fprintf(w, "Fall time:\t%.1f s\n", v.FallTimeSec)
	_, _ = fmt.Fprintf(w, "Detection altitude:\t%.0f m\n", v.DetectionAltM)
	if v.ProfileSource != "" {
		_, _ = fmt.Fprintf(w, "Wind profile:\t%s\n", v.ProfileSource)
	}
	_ = w.Flush()
}

func init() {
	driftCorrectCmd.Flags().String("id", "", "hazard event id (uuid)")
	_ = driftCorrectCmd.MarkFlagRequired("id")

	driftCmd.AddCommand(driftCorrectCmd)
	driftCmd.AddCommand(driftPendingCmd)
	rootCmd.AddCommand(driftCmd)
}
