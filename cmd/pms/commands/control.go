package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/orchestrator"
)

func newAbortCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <plan-execution-id>",
		Short: "Abort a running plan execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEngine(cmd, e)

			if err := e.Abort(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "aborted %s\n", args[0])
			return err
		},
	}
}

func newResolveCommand() *cobra.Command {
	var (
		decision string
		next     string
	)

	cmd := &cobra.Command{
		Use:   "resolve <node-execution-id>",
		Short: "Resolve a node waiting on manual intervention",
		Long: `Answer a node that an adviser put into intervention wait. The decision is
applied as if an adviser had returned it: RETRY, MARK_SUCCESS,
IGNORE_FAILURE, MARK_FAILURE, NEXT_STEP or END_PLAN.`,
		Example: `  # Accept the failure and continue
  pms resolve 01J9Z4... --decision IGNORE_FAILURE

  # Jump to another node
  pms resolve 01J9Z4... --decision NEXT_STEP --next rollback`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := orchestrator.InterventionDecision{
				Type:       engine.AdviseType(strings.ToUpper(decision)),
				NextNodeID: next,
			}
			e, _, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEngine(cmd, e)

			if err := e.ResolveIntervention(cmd.Context(), args[0], d); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "resolved %s with %s\n", args[0], d.Type)
			return err
		},
	}

	cmd.Flags().StringVarP(&decision, "decision", "d", string(engine.AdviseMarkSuccess), "advise type to apply")
	cmd.Flags().StringVar(&next, "next", "", "next node id for NEXT_STEP")

	return cmd
}

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <plan-execution-id>",
		Short: "Show a plan execution with its node executions and outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEngine(cmd, e)

			report, err := e.Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printReport(cmd, report)
		},
	}
}

func newListCommand() *cobra.Command {
	var (
		limit    int
		statuses []string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent plan executions",
		Example: `  # The last 20 failed executions
  pms list --status FAILED --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := make([]engine.Status, 0, len(statuses))
			for _, s := range statuses {
				st := engine.Status(strings.ToUpper(s))
				if err := st.Validate(); err != nil {
					return err
				}
				filter = append(filter, st)
			}

			e, _, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEngine(cmd, e)

			pes, err := e.ListPlanExecutions(cmd.Context(), limit, filter...)
			if err != nil {
				return err
			}
			return printPlanExecutions(cmd, pes)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of executions")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only executions with these statuses")

	return cmd
}
