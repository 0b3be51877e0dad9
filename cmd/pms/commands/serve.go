package commands

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pms/pkg/config"
)

func newServeCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its event listeners",
		Long: `Run the engine until interrupted: both event listener pools, the wait
reconciliation loop, expired output cleanup and the metrics endpoint.

With --watch the config file is reloaded on change. The new log level
applies at once; store, queue and engine settings need a restart.`,
		Example: `  # Serve with a SQLite store and the SQL queue
  pms serve --config pms.yaml

  # Reload the config file on change
  pms serve --config pms.yaml --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, cfg, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer closeEngine(cmd, e)
			logger := e.Telemetry().Logger.NewComponentLogger("serve")

			stopMetrics, err := e.Telemetry().StartMetricsServer()
			if err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}
			defer func() {
				if err := stopMetrics(context.WithoutCancel(ctx)); err != nil {
					logger.WithError(err).Warn("metrics server shutdown failed")
				}
			}()

			if watch && configPath != "" {
				var mu sync.Mutex
				current := cfg
				w, err := config.NewWatcher(configPath, logger, func(next *config.Config) {
					mu.Lock()
					defer mu.Unlock()
					if next.Store != current.Store || next.Queue != current.Queue || next.Engine != current.Engine {
						logger.Warn("store, queue or engine settings changed; restart to apply them")
					}
					current = next
				})
				if err != nil {
					return err
				}
				defer w.Close()
				go w.Run(ctx)
			}

			return e.Serve(ctx)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "reload the config file on change")

	return cmd
}
