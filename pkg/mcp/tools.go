package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sumatoshi-tech/archgen/pkg/bucket"
	"github.com/Sumatoshi-tech/archgen/pkg/diagram"
	"github.com/Sumatoshi-tech/archgen/pkg/report"
	"github.com/Sumatoshi-tech/archgen/pkg/runner"
	"github.com/Sumatoshi-tech/archgen/pkg/source"
)

// Tool name constants.
const (
	ToolNamePlan     = "archgen_plan"
	ToolNameSanitize = "archgen_sanitize"
	ToolNameMerge    = "archgen_merge"
)

// Input size limits.
const (
	// MaxDiagramInputBytes is the maximum allowed size for inline diagram input (1 MB).
	MaxDiagramInputBytes = 1 << 20
	// MaxFragments caps the fragments accepted by archgen_merge.
	MaxFragments = 256
)

// Sentinel errors for tool input validation.
var (
	// ErrEmptyRootPath indicates the root_path parameter is empty.
	ErrEmptyRootPath = errors.New("root_path parameter is required and must not be empty")
	// ErrRootPathNotAbsolute indicates the root_path is not an absolute path.
	ErrRootPathNotAbsolute = errors.New("root_path must be an absolute path")
	// ErrRootNotFound indicates the root path does not exist.
	ErrRootNotFound = errors.New("root path does not exist")
	// ErrEmptyDiagram indicates the diagram parameter is empty.
	ErrEmptyDiagram = errors.New("diagram parameter is required and must not be empty")
	// ErrDiagramTooLarge indicates the diagram input exceeds the size limit.
	ErrDiagramTooLarge = errors.New("diagram input exceeds maximum size")
	// ErrNoFragments indicates archgen_merge received nothing to merge.
	ErrNoFragments = errors.New("fragments parameter must contain at least one diagram")
	// ErrTooManyFragments indicates archgen_merge received too many fragments.
	ErrTooManyFragments = errors.New("too many fragments")
)

// Input types (auto-generate JSON schemas via struct tags).

// PlanInput is the input schema for the archgen_plan tool.
type PlanInput struct {
	RootPath        string   `json:"root_path"                  jsonschema:"absolute path to the directory to plan"`
	Locators        []string `json:"locators,omitempty"         jsonschema:"optional files or directories relative to root_path"`
	IncludeTypes    []string `json:"include_types,omitempty"    jsonschema:"optional type tags to keep (e.g. go yaml)"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty" jsonschema:"optional glob patterns to exclude (dir/** excludes a subtree)"`
	TargetCapacity  int      `json:"target_capacity,omitempty"  jsonschema:"nominal bucket capacity in estimated tokens (default: 100000)"`
	SoftThreshold   float64  `json:"soft_threshold,omitempty"   jsonschema:"fraction of target capacity at which a bucket closes (default: 0.9)"`
	HardCeiling     int      `json:"hard_ceiling,omitempty"     jsonschema:"absolute bucket and item limit (default: 180000)"`
	Optimize        bool     `json:"optimize,omitempty"         jsonschema:"split oversized and merge undersized buckets"`
	NonRecursive    bool     `json:"non_recursive,omitempty"    jsonschema:"only consider the direct children of each directory"`
}

// SanitizeInput is the input schema for the archgen_sanitize tool.
type SanitizeInput struct {
	Diagram string `json:"diagram" jsonschema:"Mermaid diagram text"`
}

// MergeInput is the input schema for the archgen_merge tool.
type MergeInput struct {
	Base      string   `json:"base,omitempty" jsonschema:"optional diagram the fragments are merged into"`
	Fragments []string `json:"fragments"      jsonschema:"Mermaid diagram fragments in merge order"`
}

// Output types.

// ToolOutput is a generic wrapper for tool results.
type ToolOutput struct {
	Data any `json:"data"`
}

// PlanOutput is returned by archgen_plan.
type PlanOutput = report.PlanDocument

// DiagramOutput is returned by archgen_sanitize and archgen_merge.
type DiagramOutput struct {
	Diagram  string   `json:"diagram"`
	Kind     string   `json:"kind"`
	Changed  bool     `json:"changed"`
	Warnings []string `json:"warnings"`
}

// Result helpers.

// errorResult builds a CallToolResult with isError set.
func errorResult(err error) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: err.Error()},
		},
		IsError: true,
	}, ToolOutput{}, nil
}

// jsonResult builds a CallToolResult with JSON-encoded content.
func jsonResult(value any) (*mcpsdk.CallToolResult, ToolOutput, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("encode result: %w", err))
	}

	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: string(data)},
		},
	}, ToolOutput{Data: value}, nil
}

func (s *Server) handlePlan(ctx context.Context, _ *mcpsdk.CallToolRequest, input PlanInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	err := validateRootPath(input.RootPath)
	if err != nil {
		return errorResult(err)
	}

	limits := bucket.Limits{
		TargetCapacity: input.TargetCapacity,
		SoftThreshold:  input.SoftThreshold,
		HardCeiling:    input.HardCeiling,
	}

	plan, err := runner.BuildPlan(ctx, runner.PlanOptions{
		Root:      input.RootPath,
		Locators:  input.Locators,
		Recursive: !input.NonRecursive,
		Source: source.Options{
			IncludeTypes:    input.IncludeTypes,
			ExcludePatterns: input.ExcludePatterns,
		},
		Limits:   limits,
		Optimize: input.Optimize,
	}, s.logger)
	if err != nil {
		return errorResult(err)
	}

	return jsonResult(report.NewPlanDocument(plan))
}

func handleSanitize(_ context.Context, _ *mcpsdk.CallToolRequest, input SanitizeInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	err := validateDiagramInput(input.Diagram)
	if err != nil {
		return errorResult(err)
	}

	return jsonResult(diagramOutput(input.Diagram, diagram.Sanitize(input.Diagram)))
}

func handleMerge(_ context.Context, _ *mcpsdk.CallToolRequest, input MergeInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if len(input.Fragments) == 0 {
		return errorResult(ErrNoFragments)
	}

	if len(input.Fragments) > MaxFragments {
		return errorResult(fmt.Errorf("%w: %d (max %d)", ErrTooManyFragments, len(input.Fragments), MaxFragments))
	}

	total := len(input.Base)
	for _, f := range input.Fragments {
		total += len(f)
	}

	if total > MaxDiagramInputBytes {
		return errorResult(fmt.Errorf("%w: %d bytes (max %d)", ErrDiagramTooLarge, total, MaxDiagramInputBytes))
	}

	merged := diagram.Sanitize(diagram.MergeAll(input.Base, input.Fragments))

	return jsonResult(diagramOutput(input.Base, merged))
}

func diagramOutput(before, after string) DiagramOutput {
	warnings := diagram.Validate(after)
	if warnings == nil {
		warnings = []string{}
	}

	return DiagramOutput{
		Diagram:  after,
		Kind:     diagram.Kind(after),
		Changed:  before != after,
		Warnings: warnings,
	}
}

// validateRootPath checks that path names an existing absolute directory.
func validateRootPath(path string) error {
	if path == "" {
		return ErrEmptyRootPath
	}

	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: %s", ErrRootPathNotAbsolute, path)
	}

	_, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRootNotFound, path)
	}

	return nil
}

// validateDiagramInput checks common diagram input constraints.
func validateDiagramInput(text string) error {
	if text == "" {
		return ErrEmptyDiagram
	}

	if len(text) > MaxDiagramInputBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrDiagramTooLarge, len(text), MaxDiagramInputBytes)
	}

	return nil
}
