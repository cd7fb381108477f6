package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/archgen/pkg/accumulate"
	"github.com/Sumatoshi-tech/archgen/pkg/config"
	"github.com/Sumatoshi-tech/archgen/pkg/observability"
	"github.com/Sumatoshi-tech/archgen/pkg/report"
	"github.com/Sumatoshi-tech/archgen/pkg/runner"
)

// stdoutPath selects standard output as the artifact destination.
const stdoutPath = "-"

const metricsReadHeaderTimeout = 5 * time.Second

// GenerateCommand holds the flags of the generate command.
type GenerateCommand struct {
	globals *Globals
	deps    deps

	locators   []string
	output     string
	provider   string
	model      string
	strategy   string
	prior      string
	runID      string
	metrics    string
	resume     bool
	noState    bool
	clearState bool
	keepState  bool
	dryRun     bool
}

func newGenerateCommand(g *Globals, d deps) *cobra.Command {
	gc := &GenerateCommand{globals: g, deps: d}

	cmd := &cobra.Command{
		Use:   "generate [path]",
		Short: "Generate the architecture diagram for a directory",
		Long: `Discover source files under path (default: the working directory), pack
them into buckets and process the buckets in order, folding each result into
one Mermaid diagram. The diagram is written to --output.

With state enabled a checkpoint is stored after every bucket; --resume
continues a previous run of the same directory with the same planner settings.`,
		Args: cobra.MaximumNArgs(1),
		RunE: gc.run,
	}

	cmd.Flags().StringSliceVarP(&gc.locators, "locator", "l", nil, "Files or directories under path to include (default: all)")
	cmd.Flags().StringVarP(&gc.output, "output", "o", "", "Output file, - for stdout (default from config: architecture.mmd)")
	cmd.Flags().StringVar(&gc.provider, "provider", "", "Generator provider: openai, openrouter, ollama, anthropic, scripted")
	cmd.Flags().StringVar(&gc.model, "model", "", "Model name")
	cmd.Flags().StringVar(&gc.strategy, "strategy", "", "Merge strategy: deferred or structural")
	cmd.Flags().StringVar(&gc.prior, "prior", "", "Existing Mermaid file to extend")
	cmd.Flags().StringVar(&gc.runID, "run-id", "", "Run identifier (default: random UUID)")
	cmd.Flags().StringVar(&gc.metrics, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	cmd.Flags().BoolVar(&gc.resume, "resume", false, "Resume from a stored checkpoint")
	cmd.Flags().BoolVar(&gc.noState, "no-state", false, "Keep state in memory only")
	cmd.Flags().BoolVar(&gc.clearState, "clear-state", false, "Remove stored state before the run")
	cmd.Flags().BoolVar(&gc.keepState, "keep-state", false, "Keep stored state after a successful run")
	cmd.Flags().BoolVar(&gc.dryRun, "dry-run", false, "Print the plan without calling the model")

	return cmd
}

func (gc *GenerateCommand) run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	sess, err := openSession(cmd, gc.globals, gc.deps, observability.ModeCLI, gc.applyFlags)
	if err != nil {
		return err
	}
	defer sess.close(ctx)

	planOpts, err := sess.planOptions(rootArg(args))
	if err != nil {
		return err
	}

	planOpts.Locators = gc.locators

	if gc.dryRun {
		plan, planErr := runner.BuildPlan(ctx, planOpts, sess.logger)
		if planErr != nil {
			return planErr
		}

		return report.RenderPlan(cmd.OutOrStdout(), plan, report.FormatText)
	}

	opts, err := gc.runOptions(sess, planOpts)
	if err != nil {
		return err
	}

	stopMetrics, err := gc.serveMetrics(ctx, sess)
	if err != nil {
		return err
	}
	defer stopMetrics()

	rep, err := runner.Run(ctx, opts)
	if err != nil {
		return err
	}

	if opts.OutputPath == "" {
		_, err = io.WriteString(cmd.OutOrStdout(), rep.Artifact.Text)
		if err != nil {
			return fmt.Errorf("write diagram: %w", err)
		}
	}

	if !gc.globals.Quiet {
		report.RenderRun(cmd.ErrOrStderr(), rep)
	}

	return nil
}

// applyFlags overlays command flags on the loaded configuration.
func (gc *GenerateCommand) applyFlags(cfg *config.Config) error {
	if gc.output != "" {
		cfg.Output.Path = gc.output
	}

	if gc.provider != "" {
		cfg.Generator.Provider = gc.provider
	}

	if gc.model != "" {
		cfg.Generator.Model = gc.model
	}

	if gc.strategy != "" {
		cfg.Merge.Strategy = gc.strategy
	}

	if gc.metrics != "" {
		cfg.Telemetry.MetricsAddr = gc.metrics
	}

	if gc.resume {
		cfg.State.Resume = true
	}

	if gc.noState {
		cfg.State.Enabled = false
	}

	if gc.keepState {
		cfg.State.Keep = true
	}

	return cfg.Validate()
}

func (gc *GenerateCommand) runOptions(sess *session, planOpts runner.PlanOptions) (runner.Options, error) {
	cfg := sess.cfg

	gen, err := sess.generator(gc.globals, gc.deps)
	if err != nil {
		return runner.Options{}, err
	}

	prior, err := readPrior(gc.prior)
	if err != nil {
		return runner.Options{}, err
	}

	runMetrics, err := observability.NewRunMetrics(sess.meter)
	if err != nil {
		return runner.Options{}, fmt.Errorf("run metrics: %w", err)
	}

	output := cfg.Output.Path
	if output == stdoutPath {
		output = ""
	}

	return runner.Options{
		PlanOptions: planOpts,
		Generator:   gen,
		Strategy:    cfg.Strategy(),
		DiagramKind: cfg.Generator.DiagramKind,
		Prior:       prior,
		State: runner.StateOptions{
			Enabled:    cfg.State.Enabled,
			Dir:        cfg.StateDir(),
			Checkpoint: cfg.State.Checkpoint,
			Resume:     cfg.State.Resume,
			Compress:   cfg.State.Compress,
			Keep:       cfg.State.Keep,
			Clear:      gc.clearState,
		},
		OutputPath: output,
		RunID:      gc.runID,
		Logger:     sess.logger,
		Metrics:    runMetrics,
		Tracer:     sess.tracer,
	}, nil
}

// serveMetrics exposes the Prometheus handler while the run is in progress.
func (gc *GenerateCommand) serveMetrics(ctx context.Context, sess *session) (func(), error) {
	addr := sess.cfg.Telemetry.MetricsAddr
	if addr == "" || sess.providers.MetricsHandler == nil {
		return func() {}, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.HTTPMiddleware(sess.tracer, sess.providers.MetricsHandler))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: metricsReadHeaderTimeout}

	go func() {
		serveErr := srv.Serve(ln)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			sess.logger.WarnContext(ctx, "metrics server stopped", "error", serveErr)
		}
	}()

	sess.logger.InfoContext(ctx, "serving metrics", "addr", ln.Addr().String())

	return func() {
		shutdownErr := srv.Shutdown(context.WithoutCancel(ctx))
		if shutdownErr != nil {
			sess.logger.WarnContext(ctx, "metrics server shutdown failed", "error", shutdownErr)
		}
	}, nil
}

func readPrior(path string) (accumulate.Prior, error) {
	if path == "" {
		return accumulate.Prior{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return accumulate.Prior{}, fmt.Errorf("read prior diagram: %w", err)
	}

	return accumulate.Prior{Diagram: string(data)}, nil
}
