package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/archgen/pkg/config"
	"github.com/Sumatoshi-tech/archgen/pkg/observability"
)

func newCheckCommand(g *Globals, d deps) *cobra.Command {
	var provider, model string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the configuration and provider connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			sess, err := openSession(cmd, g, d, observability.ModeCLI, func(cfg *config.Config) error {
				if provider != "" {
					cfg.Generator.Provider = provider
				}

				if model != "" {
					cfg.Generator.Model = model
				}

				return cfg.Validate()
			})
			if err != nil {
				return err
			}
			defer sess.close(ctx)

			gen, err := sess.generator(g, d)
			if err != nil {
				return err
			}

			err = gen.ValidateConnection(ctx)
			if err != nil {
				return fmt.Errorf("%s: %w", gen.Name(), err)
			}

			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "ok: %s %s\n", gen.Name(), sess.cfg.Generator.Model)

			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "Generator provider to check (default from config)")
	cmd.Flags().StringVar(&model, "model", "", "Model name")

	return cmd
}
