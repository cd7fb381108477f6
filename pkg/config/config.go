// Package config provides configuration loading and validation for archgen.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Sumatoshi-tech/archgen/pkg/accumulate"
	"github.com/Sumatoshi-tech/archgen/pkg/bucket"
	"github.com/Sumatoshi-tech/archgen/pkg/generator"
	"github.com/Sumatoshi-tech/archgen/pkg/source"
	"github.com/Sumatoshi-tech/archgen/pkg/state"
)

// Sentinel validation errors.
var (
	ErrInvalidCapacity    = errors.New("target capacity must be positive")
	ErrInvalidThreshold   = errors.New("soft threshold must be in (0, 1]")
	ErrInvalidCeiling     = errors.New("hard ceiling must not be below target capacity")
	ErrInvalidRatio       = errors.New("chars per token must be positive")
	ErrInvalidProvider    = errors.New("unknown generator provider")
	ErrInvalidTimeout     = errors.New("generator timeout must be positive")
	ErrInvalidRetries     = errors.New("max retries must not be negative")
	ErrInvalidStrategy    = errors.New("invalid merge strategy")
	ErrInvalidFileSize    = errors.New("invalid max file size")
	ErrInvalidLogLevel    = errors.New("invalid log level")
	ErrInvalidSampleRatio = errors.New("sample ratio must be in [0, 1]")
)

// configName is the base name of the config file searched for.
const configName = ".archgen"

// envPrefix prefixes environment overrides, e.g. ARCHGEN_PLANNER_TARGET_CAPACITY.
const envPrefix = "ARCHGEN"

// providers lists the accepted generator.provider values.
var providers = []string{
	generator.ProviderOpenAI,
	generator.ProviderOpenRouter,
	generator.ProviderOllama,
	generator.ProviderAnthropic,
	generator.ProviderScripted,
}

// Config holds all archgen configuration.
type Config struct {
	Planner   PlannerConfig   `mapstructure:"planner" yaml:"planner"`
	Source    SourceConfig    `mapstructure:"source" yaml:"source"`
	Generator GeneratorConfig `mapstructure:"generator" yaml:"generator"`
	Merge     MergeConfig     `mapstructure:"merge" yaml:"merge"`
	State     StateConfig     `mapstructure:"state" yaml:"state"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// PlannerConfig holds bucket planning settings.
type PlannerConfig struct {
	TargetCapacity int     `mapstructure:"target_capacity" yaml:"target_capacity"`
	SoftThreshold  float64 `mapstructure:"soft_threshold" yaml:"soft_threshold"`
	HardCeiling    int     `mapstructure:"hard_ceiling" yaml:"hard_ceiling"`
	CharsPerToken  int     `mapstructure:"chars_per_token" yaml:"chars_per_token"`
	Optimize       bool    `mapstructure:"optimize" yaml:"optimize"`
}

// SourceConfig holds discovery settings.
type SourceConfig struct {
	IncludeTypes    []string `mapstructure:"include_types" yaml:"include_types"`
	ExcludePatterns []string `mapstructure:"exclude_patterns" yaml:"exclude_patterns"`
	Recursive       bool     `mapstructure:"recursive" yaml:"recursive"`
	MaxFileSize     string   `mapstructure:"max_file_size" yaml:"max_file_size"`
}

// GeneratorConfig holds model provider settings.
type GeneratorConfig struct {
	Provider           string        `mapstructure:"provider" yaml:"provider"`
	Model              string        `mapstructure:"model" yaml:"model"`
	BaseURL            string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries         int           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxOutputTokens    int           `mapstructure:"max_output_tokens" yaml:"max_output_tokens"`
	Temperature        float64       `mapstructure:"temperature" yaml:"temperature"`
	DiagramKind        string        `mapstructure:"diagram_kind" yaml:"diagram_kind"`
	Style              string        `mapstructure:"style" yaml:"style"`
	InputPricePerMTok  float64       `mapstructure:"input_price_per_mtok" yaml:"input_price_per_mtok"`
	OutputPricePerMTok float64       `mapstructure:"output_price_per_mtok" yaml:"output_price_per_mtok"`
}

// MergeConfig selects how fragments are folded.
type MergeConfig struct {
	Strategy string `mapstructure:"strategy" yaml:"strategy"`
}

// StateConfig holds persistence settings.
type StateConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir        string `mapstructure:"dir" yaml:"dir"`
	Checkpoint bool   `mapstructure:"checkpoint" yaml:"checkpoint"`
	Resume     bool   `mapstructure:"resume" yaml:"resume"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
	Keep       bool   `mapstructure:"keep" yaml:"keep"`
}

// OutputConfig holds artifact settings.
type OutputConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPHeaders  string  `mapstructure:"otlp_headers" yaml:"otlp_headers"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure" yaml:"otlp_insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
	MetricsAddr  string  `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// LoadConfig loads configuration from a file and ARCHGEN_* environment
// variables. An empty path searches for .archgen.yaml in the working
// directory and then the home directory; a missing file is not an error.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")

		if home, err := os.UserHomeDir(); err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperCfg.AutomaticEnv()

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	viperCfg := viper.New()
	setDefaults(viperCfg)

	var cfg Config

	// Defaults always decode.
	_ = viperCfg.Unmarshal(&cfg)

	return &cfg
}

// setDefaults sets default configuration values.
func setDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("planner.target_capacity", bucket.DefaultTargetCapacity)
	viperCfg.SetDefault("planner.soft_threshold", bucket.DefaultSoftThreshold)
	viperCfg.SetDefault("planner.hard_ceiling", bucket.DefaultHardCeiling)
	viperCfg.SetDefault("planner.chars_per_token", DefaultCharsPerToken)
	viperCfg.SetDefault("planner.optimize", DefaultOptimize)

	viperCfg.SetDefault("source.include_types", []string{})
	viperCfg.SetDefault("source.exclude_patterns", []string{})
	viperCfg.SetDefault("source.recursive", DefaultRecursive)
	viperCfg.SetDefault("source.max_file_size", DefaultMaxFileSize)

	viperCfg.SetDefault("generator.provider", generator.ProviderOpenAI)
	viperCfg.SetDefault("generator.model", "")
	viperCfg.SetDefault("generator.base_url", "")
	viperCfg.SetDefault("generator.timeout", generator.DefaultTimeout.String())
	viperCfg.SetDefault("generator.max_retries", generator.DefaultMaxRetries)
	viperCfg.SetDefault("generator.max_output_tokens", generator.DefaultMaxOutputTokens)
	viperCfg.SetDefault("generator.temperature", DefaultTemperature)
	viperCfg.SetDefault("generator.diagram_kind", generator.DefaultDiagramKind)
	viperCfg.SetDefault("generator.style", "")
	viperCfg.SetDefault("generator.input_price_per_mtok", 0.0)
	viperCfg.SetDefault("generator.output_price_per_mtok", 0.0)

	viperCfg.SetDefault("merge.strategy", string(accumulate.StrategyDeferred))

	viperCfg.SetDefault("state.enabled", DefaultStateEnabled)
	viperCfg.SetDefault("state.dir", "")
	viperCfg.SetDefault("state.checkpoint", DefaultStateCheckpoint)
	viperCfg.SetDefault("state.resume", DefaultStateResume)
	viperCfg.SetDefault("state.compress", DefaultStateCompress)
	viperCfg.SetDefault("state.keep", DefaultStateKeep)

	viperCfg.SetDefault("output.path", DefaultOutputPath)

	viperCfg.SetDefault("logging.level", DefaultLogLevel)
	viperCfg.SetDefault("logging.json", false)

	viperCfg.SetDefault("telemetry.otlp_endpoint", "")
	viperCfg.SetDefault("telemetry.otlp_headers", "")
	viperCfg.SetDefault("telemetry.otlp_insecure", false)
	viperCfg.SetDefault("telemetry.sample_ratio", DefaultSampleRatio)
	viperCfg.SetDefault("telemetry.metrics_addr", "")
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	p := c.Planner

	if p.TargetCapacity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCapacity, p.TargetCapacity)
	}

	if p.SoftThreshold <= 0 || p.SoftThreshold > 1 {
		return fmt.Errorf("%w: %g", ErrInvalidThreshold, p.SoftThreshold)
	}

	if p.HardCeiling < p.TargetCapacity {
		return fmt.Errorf("%w: %d < %d", ErrInvalidCeiling, p.HardCeiling, p.TargetCapacity)
	}

	if p.CharsPerToken <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRatio, p.CharsPerToken)
	}

	if !slices.Contains(providers, strings.ToLower(c.Generator.Provider)) {
		return fmt.Errorf("%w: %q (want one of %s)", ErrInvalidProvider, c.Generator.Provider, strings.Join(providers, ", "))
	}

	if c.Generator.Timeout <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTimeout, c.Generator.Timeout)
	}

	if c.Generator.MaxRetries < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRetries, c.Generator.MaxRetries)
	}

	if _, err := accumulate.ParseStrategy(c.Merge.Strategy); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidStrategy, c.Merge.Strategy)
	}

	if _, err := source.ParseSize(c.Source.MaxFileSize); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidFileSize, c.Source.MaxFileSize)
	}

	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		return err
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("%w: %g", ErrInvalidSampleRatio, c.Telemetry.SampleRatio)
	}

	return nil
}

// ParseLogLevel maps debug, info, warn or error to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level

	err := level.UnmarshalText([]byte(strings.TrimSpace(s)))
	if err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrInvalidLogLevel, s)
	}

	return level, nil
}

// Limits returns the planner limits.
func (c *Config) Limits() bucket.Limits {
	return bucket.Limits{
		TargetCapacity: c.Planner.TargetCapacity,
		SoftThreshold:  c.Planner.SoftThreshold,
		HardCeiling:    c.Planner.HardCeiling,
	}
}

// SourceOptions returns the discovery options.
func (c *Config) SourceOptions() (source.Options, error) {
	size, err := source.ParseSize(c.Source.MaxFileSize)
	if err != nil {
		return source.Options{}, fmt.Errorf("%w: %w", ErrInvalidFileSize, err)
	}

	return source.Options{
		IncludeTypes:    c.Source.IncludeTypes,
		ExcludePatterns: c.Source.ExcludePatterns,
		MaxFileSize:     size,
	}, nil
}

// ProviderConfig returns the generator settings.
func (c *Config) ProviderConfig() generator.Config {
	g := c.Generator

	return generator.Config{
		Provider:           strings.ToLower(g.Provider),
		Model:              g.Model,
		BaseURL:            g.BaseURL,
		Timeout:            g.Timeout,
		MaxRetries:         g.MaxRetries,
		MaxOutputTokens:    g.MaxOutputTokens,
		Temperature:        g.Temperature,
		DiagramKind:        g.DiagramKind,
		Style:              g.Style,
		InputPricePerMTok:  g.InputPricePerMTok,
		OutputPricePerMTok: g.OutputPricePerMTok,
	}
}

// Strategy returns the merge strategy.
func (c *Config) Strategy() accumulate.Strategy {
	s, err := accumulate.ParseStrategy(c.Merge.Strategy)
	if err != nil {
		return accumulate.StrategyDeferred
	}

	return s
}

// StateDir returns the state directory, defaulting to ~/.archgen/state.
func (c *Config) StateDir() string {
	if c.State.Dir != "" {
		return c.State.Dir
	}

	return state.DefaultDir()
}
