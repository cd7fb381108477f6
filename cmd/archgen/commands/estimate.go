package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/archgen/pkg/config"
	"github.com/Sumatoshi-tech/archgen/pkg/generator"
	"github.com/Sumatoshi-tech/archgen/pkg/report"
	"github.com/Sumatoshi-tech/archgen/pkg/runner"
)

func newEstimateCommand(g *Globals, d deps) *cobra.Command {
	var (
		format   string
		locators []string
	)

	cmd := &cobra.Command{
		Use:   "estimate [path]",
		Short: "Project token usage and cost of generating a directory",
		Long: `Plan the directory and price the run with the configured per-million-token
rates. Input tokens count item content only; output tokens assume every bucket
call uses the full output allowance.`,
		Args: cobra.MaximumNArgs(1),
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

			pricer, err := sess.pricer(g, d)
			if err != nil {
				return err
			}

			return report.RenderEstimate(cmd.OutOrStdout(), estimate(plan, sess.cfg, pricer), outFormat)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", string(report.FormatText), "Output format: text, json, yaml")
	cmd.Flags().StringSliceVarP(&locators, "locator", "l", nil, "Files or directories under path to include (default: all)")

	return cmd
}

// costEstimator prices token counts.
type costEstimator interface {
	EstimateCost(inputTokens, outputTokens int) float64
}

// ratesPricer prices with configured rates when no provider can be built.
type ratesPricer struct {
	input, output float64
}

func (r ratesPricer) EstimateCost(inputTokens, outputTokens int) float64 {
	return generator.EstimateCost(inputTokens, outputTokens, r.input, r.output)
}

// pricer returns the configured provider. Estimating needs no credentials, so
// a missing API key falls back to pricing with the configured rates.
func (s *session) pricer(g *Globals, d deps) (costEstimator, error) {
	provider, err := s.generator(g, d)

	switch {
	case errors.Is(err, generator.ErrMissingAPIKey):
		s.logger.Debug("no api key, pricing with configured rates", "error", err)

		genCfg := s.cfg.ProviderConfig()

		return ratesPricer{input: genCfg.InputPricePerMTok, output: genCfg.OutputPricePerMTok}, nil
	case err != nil:
		return nil, err
	default:
		return provider, nil
	}
}

func estimate(plan *runner.Plan, cfg *config.Config, pricer costEstimator) report.Estimate {
	genCfg := cfg.ProviderConfig()

	maxOut := genCfg.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = generator.DefaultMaxOutputTokens
	}

	input := plan.Stats.TotalWeight
	output := plan.Stats.Count * maxOut

	return report.Estimate{
		Provider:        genCfg.Provider,
		Model:           genCfg.Model,
		Buckets:         plan.Stats.Count,
		InputTokens:     input,
		MaxOutputTokens: output,
		MaxCost:         pricer.EstimateCost(input, output),
	}
}
