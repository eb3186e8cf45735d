package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/hailtrace/internal/app"
	"github.com/sells-group/hailtrace/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "hailtrace",
	Short: "Hail hazard ingestion and parcel import",
	Long:  "Ingests hail hazard data from radar grids, weather alerts and storm reports, corrects radar detections for wind drift, and imports county parcels for affected areas.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// initServices validates the config for mode, builds the services and
// applies migrations. The caller owns Close.
func initServices(ctx context.Context, mode string) (*app.Services, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	svc, err := app.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := svc.Store.Migrate(ctx); err != nil {
		_ = svc.Close()
		return nil, err
	}
	return svc, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
