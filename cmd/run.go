package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/hailtrace/internal/config"
	"github.com/sells-group/hailtrace/internal/server"
)

var runPort int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion scheduler and ops server",
	Long:  "Polls every enabled source on its interval, chains drift correction, alerting and parcel import after each run, and serves health, metrics and manual triggers over HTTP.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if runPort > 0 {
			cfg.Server.Port = runPort
		}
		svc, err := initServices(ctx, "run")
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		srv := server.New(server.Options{
			Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RequestTimeout: config.Seconds(cfg.Server.RequestTimeoutSecs),
		}, server.Deps{
			Store:     svc.Store,
			Scheduler: svc.Scheduler,
			Drift:     svc.Drift,
			Parcels:   svc.Parcels,
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return svc.Scheduler.Run(gctx)
		})
		g.Go(func() error {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(cfg.Scheduler.ShutdownGraceSecs))
			defer cancel()
			return eris.Wrap(srv.Shutdown(shutdownCtx), "server shutdown")
		})

		return g.Wait()
	},
}

func init() {
	runCmd.Flags().IntVar(&runPort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(runCmd)
}
