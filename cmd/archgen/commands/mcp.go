package commands

import (
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/archgen/pkg/mcp"
	"github.com/Sumatoshi-tech/archgen/pkg/observability"
)

func newMCPCommand(g *Globals, d deps) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start MCP server for AI agent integration",
		Long: `Start a Model Context Protocol (MCP) server on stdio transport.

The MCP server exposes archgen utilities as tools that AI agents can discover
and invoke:
  - archgen_plan: Plan how a directory splits into buckets
  - archgen_sanitize: Repair Mermaid diagram text
  - archgen_merge: Merge Mermaid fragments without a model call

Logs are JSON lines on stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := openSession(cmd, g, d, observability.ModeMCP)
			if err != nil {
				return err
			}
			defer sess.close(cmd.Context())

			red, err := observability.NewREDMetrics(sess.meter)
			if err != nil {
				return err
			}

			srv := mcp.NewServer(mcp.ServerDeps{Logger: sess.logger, Metrics: red, Tracer: sess.tracer})

			return srv.Run(cmd.Context())
		},
	}
}
