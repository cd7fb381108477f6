package config

// Planner defaults not owned by the bucket package.
const (
	DefaultCharsPerToken = 4
	DefaultOptimize      = false
)

// Source defaults.
const (
	DefaultRecursive   = true
	DefaultMaxFileSize = "1MiB"
)

// Generator defaults not owned by the generator package.
const (
	DefaultTemperature = 0.2
)

// State defaults.
const (
	DefaultStateEnabled    = true
	DefaultStateCheckpoint = true
	DefaultStateResume     = false
	DefaultStateCompress   = false
	DefaultStateKeep       = false
)

// Output and logging defaults.
const (
	DefaultOutputPath  = "architecture.mmd"
	DefaultLogLevel    = "info"
	DefaultSampleRatio = 1.0
)
