package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/Sumatoshi-tech/archgen/pkg/config"
	"github.com/Sumatoshi-tech/archgen/pkg/generator"
	"github.com/Sumatoshi-tech/archgen/pkg/observability"
	"github.com/Sumatoshi-tech/archgen/pkg/runner"
	"github.com/Sumatoshi-tech/archgen/pkg/version"
)

// session is the loaded configuration plus telemetry for one command.
type session struct {
	cfg       *config.Config
	providers observability.Providers
	logger    *slog.Logger
	tracer    trace.Tracer
	meter     metric.Meter
}

// openSession loads configuration, applies overlays and starts telemetry.
// The caller must call close.
func openSession(
	cmd *cobra.Command, g *Globals, d deps, mode observability.AppMode, overlays ...func(*config.Config) error,
) (*session, error) {
	cfg, err := config.LoadConfig(g.ConfigPath)
	if err != nil {
		return nil, err
	}

	for _, overlay := range overlays {
		err = overlay(cfg)
		if err != nil {
			return nil, err
		}
	}

	obsCfg, err := observabilityConfig(cmd, g, cfg, mode)
	if err != nil {
		return nil, err
	}

	providers, err := d.initObservability(obsCfg)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	s := &session{cfg: cfg, providers: providers}

	s.logger = providers.Logger
	if s.logger == nil {
		s.logger = observability.NewLogger(obsCfg)
	}

	s.tracer = providers.Tracer
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer("")
	}

	s.meter = providers.Meter
	if s.meter == nil {
		s.meter = noopmetric.NewMeterProvider().Meter("")
	}

	return s, nil
}

func observabilityConfig(cmd *cobra.Command, g *Globals, cfg *config.Config, mode observability.AppMode) (observability.Config, error) {
	level, err := config.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		return observability.Config{}, err
	}

	switch {
	case g.Verbose:
		level = slog.LevelDebug
	case g.Quiet:
		level = slog.LevelError
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version.Version
	obsCfg.Mode = mode
	obsCfg.LogLevel = level
	obsCfg.LogJSON = g.LogJSON || cfg.Logging.JSON || mode == observability.ModeMCP
	obsCfg.LogOutput = cmd.ErrOrStderr()
	obsCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	obsCfg.OTLPHeaders = observability.ParseOTLPHeaders(cfg.Telemetry.OTLPHeaders)
	obsCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	obsCfg.SampleRatio = cfg.Telemetry.SampleRatio
	obsCfg.Prometheus = cfg.Telemetry.MetricsAddr != ""

	return obsCfg, nil
}

func (s *session) close(ctx context.Context) {
	if s.providers.Shutdown == nil {
		return
	}

	err := s.providers.Shutdown(context.WithoutCancel(ctx))
	if err != nil {
		s.logger.WarnContext(ctx, "observability shutdown failed", "error", err)
	}
}

// generator builds the configured provider. Requests go through a tracing
// transport.
func (s *session) generator(g *Globals, d deps) (generator.Provider, error) {
	creds, err := d.loadCredentials(g.EnvFiles...)
	if err != nil {
		return nil, err
	}

	genCfg := s.cfg.ProviderConfig()
	genCfg.Logger = s.logger

	client := &http.Client{
		Timeout:   genCfg.Timeout,
		Transport: observability.HTTPTransport(s.tracer, http.DefaultTransport),
	}

	provider, err := d.newGenerator(genCfg, creds, client)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	return provider, nil
}

// planOptions builds planner options for root from the configuration.
func (s *session) planOptions(root string) (runner.PlanOptions, error) {
	srcOpts, err := s.cfg.SourceOptions()
	if err != nil {
		return runner.PlanOptions{}, err
	}

	return runner.PlanOptions{
		Root:          root,
		Recursive:     s.cfg.Source.Recursive,
		Source:        srcOpts,
		Limits:        s.cfg.Limits(),
		CharsPerToken: s.cfg.Planner.CharsPerToken,
		Optimize:      s.cfg.Planner.Optimize,
	}, nil
}

// rootArg returns the directory argument, defaulting to the working directory.
func rootArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}

	return "."
}
