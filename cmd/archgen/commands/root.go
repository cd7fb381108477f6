// Package commands implements CLI command handlers for archgen.
package commands

import (
	"net/http"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/archgen/pkg/generator"
	"github.com/Sumatoshi-tech/archgen/pkg/observability"
)

type observabilityInit func(observability.Config) (observability.Providers, error)

type generatorFactory func(generator.Config, generator.Credentials, *http.Client) (generator.Provider, error)

type credentialsLoader func(envFiles ...string) (generator.Credentials, error)

// deps are the collaborators commands reach outside the process through.
type deps struct {
	initObservability observabilityInit
	newGenerator      generatorFactory
	loadCredentials   credentialsLoader
}

func defaultDeps() deps {
	return deps{
		initObservability: observability.Init,
		newGenerator:      generator.New,
		loadCredentials:   generator.LoadCredentials,
	}
}

// Globals are the persistent flags shared by every command.
type Globals struct {
	ConfigPath string
	EnvFiles   []string
	Verbose    bool
	Quiet      bool
	LogJSON    bool
	NoColor    bool
}

// NewRootCommand creates the archgen command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommandWithDeps(defaultDeps())
}

func newRootCommandWithDeps(d deps) *cobra.Command {
	g := &Globals{}

	rootCmd := &cobra.Command{
		Use:   "archgen",
		Short: "Generate Mermaid architecture diagrams from source trees",
		Long: `archgen packs source files into capacity-bounded buckets and drives a
generative model bucket by bucket to build one Mermaid architecture diagram.
Progress is checkpointed so interrupted runs can resume.

Commands:
  generate  Build the diagram for a directory
  plan      Show how a directory would be bucketed
  estimate  Project token usage and cost
  sanitize  Repair a Mermaid file
  check     Verify provider credentials and reachability
  mcp       Start the MCP server`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if g.NoColor {
				color.NoColor = true
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&g.ConfigPath, "config", "c", "", "Config file (default: .archgen.yaml in the working or home directory)")
	flags.StringSliceVar(&g.EnvFiles, "env-file", nil, "Dotenv files with provider API keys (default: .env)")
	flags.BoolVarP(&g.Verbose, "verbose", "v", false, "Verbose (debug) logging")
	flags.BoolVarP(&g.Quiet, "quiet", "q", false, "Only log errors and suppress summaries")
	flags.BoolVar(&g.LogJSON, "log-json", false, "Log JSON lines instead of text")
	flags.BoolVar(&g.NoColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(
		newGenerateCommand(g, d),
		newPlanCommand(g, d),
		newEstimateCommand(g, d),
		newSanitizeCommand(),
		newCheckCommand(g, d),
		newMCPCommand(g, d),
		newVersionCommand(),
	)

	return rootCmd
}
