package commands

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pms/pkg/config"
	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/identity"
	"github.com/openfroyo/pms/pkg/pms"
	"github.com/openfroyo/pms/pkg/telemetry"
)

type waitFlags struct {
	noWait bool
	follow bool
}

func (f *waitFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.noWait, "no-wait", false, "start the execution and return")
	cmd.Flags().BoolVarP(&f.follow, "follow", "f", false, "print status events to stderr while the execution runs")
}

func newRunCommand() *cobra.Command {
	var (
		setup map[string]string
		wait  waitFlags
	)

	cmd := &cobra.Command{
		Use:   "run <plan-file>",
		Short: "Run an execution plan",
		Long: `Load a plan from a YAML or JSON file and start an execution of it.

Unless --no-wait is given the command processes events until the plan
execution is idle and prints its report. --no-wait only makes sense with a
shared store and queue that a running "pms serve" consumes.`,
		Example: `  # Run a plan to completion
  pms run deploy.yaml

  # Scope the execution to an account and project
  pms run deploy.yaml --setup accountId=acc-1 --setup projectIdentifier=web

  # Watch node status changes as they happen
  pms run deploy.yaml --follow

  # Hand the execution to a running server
  pms run deploy.yaml --config pms.yaml --no-wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := config.LoadPlan(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd, func(e *pms.Engine) (*engine.PlanExecution, error) {
				return e.StartPlan(cmd.Context(), plan, setup)
			}, wait)
		},
	}

	cmd.Flags().StringToStringVarP(&setup, "setup", "s", nil, "setup abstractions (key=value)")
	wait.register(cmd)

	return cmd
}

func newRetryCommand() *cobra.Command {
	var (
		opts identity.RetryOptions
		wait waitFlags
	)

	cmd := &cobra.Command{
		Use:   "retry <plan-execution-id>",
		Short: "Retry a finished plan execution",
		Long: `Start a new execution of a finished plan execution's plan. Nodes of the
retry group that ended positive are replayed from the original execution;
everything else runs again.`,
		Example: `  # Retry, replaying succeeded stages
  pms retry 01J9Z3...

  # Replay at step granularity and force the build step to run again
  pms retry 01J9Z3... --group STEP --rerun build`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *pms.Engine) (*engine.PlanExecution, error) {
				return e.Retry(cmd.Context(), args[0], opts)
			}, wait)
		},
	}

	cmd.Flags().StringVarP(&opts.Group, "group", "g", engine.GroupStage, "tier at which succeeded nodes are replayed")
	cmd.Flags().StringSliceVarP(&opts.Rerun, "rerun", "r", nil, "identifiers that run again even if they succeeded")
	cmd.Flags().StringVar(&opts.PlanID, "plan-id", "", "id of the retry plan")
	wait.register(cmd)

	return cmd
}

// withEngine starts an execution with start and, unless --no-wait, drains
// the engine and prints the report.
func withEngine(cmd *cobra.Command, start func(e *pms.Engine) (*engine.PlanExecution, error), wait waitFlags) error {
	ctx := cmd.Context()
	e, _, err := openEngine(ctx, func(cfg *config.Config) {
		if wait.follow {
			cfg.Telemetry.Events.Enabled = true
			cfg.Telemetry.Events.EnableAsync = false
		}
	})
	if err != nil {
		return err
	}
	defer closeEngine(cmd, e)

	if wait.follow {
		var mu sync.Mutex
		e.Telemetry().Events.Subscribe(func(ev telemetry.Event) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %-7s %s\n", ev.Timestamp.Format(time.TimeOnly), ev.Level, ev.Message)
		}, nil)
	}

	pe, err := start(e)
	if err != nil {
		return err
	}
	if wait.noWait {
		return printPlanExecutions(cmd, []*engine.PlanExecution{pe})
	}
	if err := e.Drain(ctx); err != nil {
		return err
	}
	report, err := e.Inspect(ctx, pe.UUID)
	if err != nil {
		return err
	}
	return printReport(cmd, report)
}
