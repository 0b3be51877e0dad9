package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pms/pkg/config"
	"github.com/openfroyo/pms/pkg/policy"
	"github.com/openfroyo/pms/pkg/telemetry"
)

func newValidateCommand() *cobra.Command {
	var (
		setup    map[string]string
		policies []string
	)

	cmd := &cobra.Command{
		Use:   "validate <plan-file>",
		Short: "Validate a plan file and check it against the policies",
		Long: `Validate a plan file against the plan schema and evaluate the built-in
and configured Rego policies against it, as "pms run" would before
starting it. Blocking violations make the command fail.`,
		Example: `  # Check a plan with the configured policies
  pms validate deploy.yaml --config pms.yaml

  # Add a policy directory
  pms validate deploy.yaml --policy ./policies --setup accountId=acc-1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			plan, err := config.LoadPlan(args[0])
			if err != nil {
				return err
			}

			logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			eng, err := policy.NewEngine(ctx, logger)
			if err != nil {
				return err
			}
			if err := eng.LoadPolicies(ctx, append(cfg.Policy.Paths, policies...)); err != nil {
				return err
			}
			for _, name := range cfg.Policy.Disabled {
				if err := eng.Disable(name); err != nil {
					return err
				}
			}

			res, err := eng.EvaluatePlan(ctx, policy.Input{Plan: plan, Setup: setup, Operation: policy.OperationStart})
			if err != nil {
				return err
			}
			if err := printPolicyResult(cmd, res); err != nil {
				return err
			}
			if !res.Allowed {
				return fmt.Errorf("plan %s violates %d blocking policies", plan.UUID, len(res.Violations))
			}
			return nil
		},
	}

	cmd.Flags().StringToStringVarP(&setup, "setup", "s", nil, "setup abstractions (key=value)")
	cmd.Flags().StringSliceVarP(&policies, "policy", "p", nil, "extra policy files or directories")

	return cmd
}

func printPolicyResult(cmd *cobra.Command, res *policy.Result) error {
	if jsonOutput {
		return printJSON(cmd, res)
	}
	out := cmd.OutOrStdout()
	verdict := "allowed"
	if !res.Allowed {
		verdict = "denied"
	}
	fmt.Fprintf(out, "Plan %s by %d policies\n", verdict, len(res.EvaluatedPolicies))
	if len(res.Violations)+len(res.Warnings)+len(res.Errors) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	t := newTable("SEVERITY", "POLICY", "NODE", "MESSAGE")
	for _, v := range append(res.Violations, res.Warnings...) {
		t.Row(string(v.Severity), v.Policy, v.Node, v.Message)
	}
	for _, e := range res.Errors {
		t.Row("error", "", "", e)
	}
	renderTable(cmd, t)
	return nil
}
