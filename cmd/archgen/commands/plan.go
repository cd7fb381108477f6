package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/archgen/pkg/observability"
	"github.com/Sumatoshi-tech/archgen/pkg/report"
	"github.com/Sumatoshi-tech/archgen/pkg/runner"
)

func newPlanCommand(g *Globals, d deps) *cobra.Command {
	var (
		format   string
		chart    string
		locators []string
	)

	cmd := &cobra.Command{
		Use:   "plan [path]",
		Short: "Show how a directory would be split into buckets",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outFormat, err := report.ParseFormat(format)
			if err != nil {
				return err
			}

			plan, sess, err := buildPlan(cmd, g, d, args, locators)
			if err != nil {
				return err
			}
			defer sess.close(cmd.Context())

			err = report.RenderPlan(cmd.OutOrStdout(), plan, outFormat)
			if err != nil {
				return err
			}

			if chart == "" {
				return nil
			}

			return writeChart(chart, plan)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", string(report.FormatText), "Output format: text, json, yaml")
	cmd.Flags().StringVar(&chart, "chart", "", "Also write an HTML utilization chart to this file")
	cmd.Flags().StringSliceVarP(&locators, "locator", "l", nil, "Files or directories under path to include (default: all)")

	return cmd
}

// buildPlan opens a session and plans the directory named by args.
func buildPlan(cmd *cobra.Command, g *Globals, d deps, args, locators []string) (*runner.Plan, *session, error) {
	sess, err := openSession(cmd, g, d, observability.ModeCLI)
	if err != nil {
		return nil, nil, err
	}

	planOpts, err := sess.planOptions(rootArg(args))
	if err != nil {
		sess.close(cmd.Context())

		return nil, nil, err
	}

	planOpts.Locators = locators

	plan, err := runner.BuildPlan(cmd.Context(), planOpts, sess.logger)
	if err != nil {
		sess.close(cmd.Context())

		return nil, nil, err
	}

	return plan, sess, nil
}

func writeChart(path string, plan *runner.Plan) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create chart: %w", err)
	}

	renderErr := report.RenderUtilizationChart(f, plan.Buckets, plan.Limits)

	closeErr := f.Close()
	if renderErr != nil {
		return renderErr
	}

	if closeErr != nil {
		return fmt.Errorf("close chart: %w", closeErr)
	}

	return nil
}
