package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pms/pkg/config"
	"github.com/openfroyo/pms/pkg/pms"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pms",
		Short: "pms - pipeline node execution engine",
		Long: `pms runs execution plans: graphs of nodes whose steps run synchronously,
wait on callbacks, spawn child nodes or dispatch tasks, with advisers
deciding what happens after each node ends.

Plans are read from YAML or JSON files. State lives in memory, SQLite or
PostgreSQL; events travel over an in-process or database backed queue.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newRetryCommand())
	rootCmd.AddCommand(newAbortCommand())
	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newInspectCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// openEngine loads the config, applies adjust and builds an engine. The
// caller closes it.
func openEngine(ctx context.Context, adjust ...func(*config.Config)) (*pms.Engine, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	for _, fn := range adjust {
		fn(cfg)
	}
	e, err := pms.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return e, cfg, nil
}

func closeEngine(cmd *cobra.Command, e *pms.Engine) {
	if err := e.Close(context.WithoutCancel(cmd.Context())); err != nil {
		e.Telemetry().Logger.WithError(err).Warn("engine close failed")
	}
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if jsonOutput {
				return printJSON(cmd, map[string]string{
					"version":    version,
					"commit":     commit,
					"build_date": buildDate,
				})
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "pms %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return err
		},
	}
}
