package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/hailtrace/internal/parcel"
)

var parcelsCmd = &cobra.Command{
	Use:   "parcels",
	Short: "Import county parcels",
	Long:  "Commands for importing parcel polygons from county ArcGIS services or shapefiles.",
}

// -- parcels import --

var parcelsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import one configured region",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		region, _ := cmd.Flags().GetString("region")
		bboxFlag, _ := cmd.Flags().GetString("bbox")

		var bbox *orb.Bound
		if bboxFlag != "" {
			b, err := parcel.ParseBBox(bboxFlag)
			if err != nil {
				return err
			}
			bbox = &b
		}

		svc, err := initServices(ctx, "parcels")
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		res, err := svc.Parcels.ImportRegion(ctx, region, bbox)
		if err != nil {
			return eris.Wrap(err, "parcels import")
		}
		formatImportResults(os.Stdout, []parcel.ImportResult{*res})
		return nil
	},
}

// -- parcels bbox --

var parcelsBBoxCmd = &cobra.Command{
	Use:   "bbox",
	Short: "Import every region intersecting a bounding box",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		bboxFlag, _ := cmd.Flags().GetString("bbox")
		bufferKm, _ := cmd.Flags().GetFloat64("buffer-km")

		bbox, err := parcel.ParseBBox(bboxFlag)
		if err != nil {
			return err
		}

		svc, err := initServices(ctx, "parcels")
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		results, err := svc.Parcels.ImportBBox(ctx, bbox, bufferKm)
		if len(results) == 0 && err == nil {
			fmt.Fprintln(os.Stderr, "No regions need importing.")
			return nil
		}
		formatImportResults(os.Stdout, results)
		return eris.Wrap(err, "parcels bbox")
	},
}

// -- parcels shapefile --

var parcelsShapefileCmd = &cobra.Command{
	Use:   "shapefile",
	Short: "Import a region from a local shapefile",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		region, _ := cmd.Flags().GetString("region")
		file, _ := cmd.Flags().GetString("file")

		svc, err := initServices(ctx, "parcels")
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		res, err := svc.Parcels.ImportShapefile(ctx, region, file)
		if err != nil {
			return eris.Wrap(err, "parcels shapefile")
		}
		formatImportResults(os.Stdout, []parcel.ImportResult{*res})
		return nil
	},
}

// -- parcels regions --

var parcelsRegionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "List configured regions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("parcels"); err != nil {
			return err
		}
		regions, err := parcel.LoadRegions(cfg.Parcels.RegionsFile)
		if err != nil {
			return err
		}
		formatRegions(os.Stdout, regions)
		return nil
	},
}

// formatImportResults writes a tabular summary of region imports to w.
func formatImportResults(out io.Writer, results []parcel.ImportResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "REGION\tTOTAL\tIMPORTED\tPAGES\tSKIPPED")
	_, _ = fmt.Fprintln(w, "------\t-----\t--------\t-----\t-------")
	for _, r := range results {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", r.Region, r.Total, r.Count, r.Pages, r.Skipped)
	}
	_ = w.Flush()
}

func formatRegions(out io.Writer, regions []parcel.RegionConfig) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tCOUNTY\tSTATE\tEXTENT")
	for _, r := range regions {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Name, r.County, r.State, formatExtent(r.Extent))
	}
	_ = w.Flush()
}

func formatExtent(e parcel.Extent) string {
	if e == (parcel.Extent{}) {
		return "-"
	}
	return fmt.Sprintf("%.2f,%.2f,%.2f,%.2f", e[0], e[1], e[2], e[3])
}

func init() {
	parcelsImportCmd.Flags().String("region", "", "region name from the regions file")
	parcelsImportCmd.Flags().String("bbox", "", "limit the import to west,south,east,north")
	_ = parcelsImportCmd.MarkFlagRequired("region")

	parcelsBBoxCmd.Flags().String("bbox", "", "area of interest as west,south,east,north")
	parcelsBBoxCmd.Flags().Float64("buffer-km", 5, "buffer added around the bbox")
	_ = parcelsBBoxCmd.MarkFlagRequired("bbox")

	parcelsShapefileCmd.Flags().String("region", "", "region name from the regions file")
	parcelsShapefileCmd.Flags().String("file", "", "path to a .shp file or a .zip holding one")
	_ = parcelsShapefileCmd.MarkFlagRequired("region")
	_ = parcelsShapefileCmd.MarkFlagRequired("file")

	parcelsCmd.AddCommand(parcelsImportCmd)
	parcelsCmd.AddCommand(parcelsBBoxCmd)
	parcelsCmd.AddCommand(parcelsShapefileCmd)
	parcelsCmd.AddCommand(parcelsRegionsCmd)
	rootCmd.AddCommand(parcelsCmd)
}
