package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/systmms/rotord/internal/config"
	"github.com/systmms/rotord/internal/rotation/health"
)

// NewServeCommand creates the serve command
func NewServeCommand(cfg *config.Config) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the rotation engine and its HTTP API",
		Long: `Run the scheduler, the worker pool and the approval sweeper until
interrupted.

The HTTP API is served under /v1/ next to /metrics and /health on the
metrics port. Several replicas may share a postgres or mysql state store;
one of them holds the scheduler lease at a time.`,
		Example: `  rotord serve --config /etc/rotord/rotord.yaml
  rotord serve --port 8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			serverConfig := health.DefaultMetricsServerConfig()
			serverConfig.Enabled = true
			serverConfig.Port = a.def.Metrics.Port
			serverConfig.Path = a.def.Metrics.Path
			if cmd.Flags().Changed("port") {
				serverConfig.Port = port
			}
			server := health.NewMetricsServer(serverConfig, a.logger)
			server.Mount("/v1/", a.engine.Handler())
			if err := server.Start(); err != nil {
				return err
			}

			a.notifier.Start(ctx)
			defer a.notifier.Stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return a.engine.Run(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Stop(shutdownCtx)
			})

			a.logger.Info("rotord serving on %s", server.Addr())
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Listen port, overrides metrics.port")

	return cmd
}
