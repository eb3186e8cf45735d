package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/hailtrace/internal/contour"
	"github.com/sells-group/hailtrace/internal/fetcher"
	"github.com/sells-group/hailtrace/internal/grib2"
)

const mmPerInch = 25.4

var gribCmd = &cobra.Command{
	Use:   "grib",
	Short: "Inspect GRIB2 grids",
}

var gribInspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Decode a MESH grid and print its contours",
	Long:  "Decodes a GRIB2 file (gzipped when it ends in .gz), prints the grid header and the hail contours at each threshold. With --geojson the contours are written as a FeatureCollection instead.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		thresholds, _ := cmd.Flags().GetFloat64Slice("thresholds")
		tolerance, _ := cmd.Flags().GetFloat64("tolerance")
		asGeoJSON, _ := cmd.Flags().GetBool("geojson")
		if len(thresholds) == 0 {
			thresholds = cfg.Sources.MESH.ThresholdsIn
		}

		grid, err := readGrid(args[0])
		if err != nil {
			return err
		}

		mm := make([]float64, len(thresholds))
		for i, in := range thresholds {
			mm[i] = in * mmPerInch
		}
		features := contour.Extract(grid, mm, contour.Options{Tolerance: tolerance})

		if asGeoJSON {
			fc := geojson.NewFeatureCollection()
			fc.Features = features
			data, err := fc.MarshalJSON()
			if err != nil {
				return eris.Wrap(err, "grib inspect: encode geojson")
			}
			_, err = os.Stdout.Write(append(data, '\n'))
			return err
		}

		formatGrid(os.Stdout, grid)
		formatContours(os.Stdout, features)
		return nil
	},
}

func readGrid(path string) (*grib2.GridMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "grib inspect: read file")
	}
	if strings.HasSuffix(path, ".gz") {
		if raw, err = fetcher.Gunzip(bytes.NewReader(raw)); err != nil {
			return nil, err
		}
	}
	return grib2.Decode(raw)
}

// formatGrid writes the decoded grid header to w.
func formatGrid(out io.Writer, g *grib2.GridMessage) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Edition:\t%d\n", g.Edition)
	_, _ = fmt.Fprintf(w, "Reference time:\t%s\n", g.ReferenceTime.UTC().Format("2006-01-02 15:04Z"))
	_, _ = fmt.Fprintf(w, "Size:\t%d x %d\n", g.Width, g.Height)
	_, _ = fmt.Fprintf(w, "Extent:\t%.3f,%.3f,%.3f,%.3f\n", g.BBox.West, g.BBox.South, g.BBox.East, g.BBox.North)
	_, _ = fmt.Fprintf(w, "Bits per value:\t%d\n", g.Packing.BitsPerValue)
	_, _ = fmt.Fprintf(w, "Quality:\t%s\n", g.Quality)
	_, _ = fmt.Fprintf(w, "Max:\t%.1f mm\n", g.Max())
	_ = w.Flush()
}

// formatContours writes one row per contour feature to w.
func formatContours(out io.Writer, features []*geojson.Feature) {
	if len(features) == 0 {
		_, _ = fmt.Fprintln(out, "No contours.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "THRESHOLD_IN\tPOLYGONS\tAREA_DEG2")
	_, _ = fmt.Fprintln(w, "------------\t--------\t---------")
	for _, f := range features {
		thr, _ := f.Properties[contour.PropThreshold].(float64)
		polys := 1
		if mp, ok := f.Geometry.(orb.MultiPolygon); ok {
			polys = len(mp)
		}
		_, _ = fmt.Fprintf(w, "%.2f\t%d\t%.4f\n", thr/mmPerInch, polys, planar.Area(f.Geometry))
	}
	_ = w.Flush()
}

func init() {
	gribInspectCmd.Flags().Float64Slice("thresholds", nil, "hail thresholds in inches (default from config)")
	gribInspectCmd.Flags().Float64("tolerance", contour.DefaultTolerance, "simplification tolerance in degrees")
	gribInspectCmd.Flags().Bool("geojson", false, "write contours as GeoJSON")

	gribCmd.AddCommand(gribInspectCmd)
	rootCmd.AddCommand(gribCmd)
}
