// Package mcp implements a Model Context Protocol server exposing archgen
// planning and diagram utilities as MCP tools over stdio transport.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/archgen/pkg/observability"
	"github.com/Sumatoshi-tech/archgen/pkg/version"
)

const (
	// serverName is the MCP server implementation name.
	serverName = "archgen"

	// toolCount is the expected number of registered tools.
	toolCount = 3
)

// ServerDeps holds injectable dependencies for the MCP server.
// Zero-value fields use production defaults.
type ServerDeps struct {
	// Logger is an optional structured logger. Nil uses slog default.
	Logger *slog.Logger

	// Metrics is an optional RED metrics recorder. Nil disables per-tool metrics.
	Metrics *observability.REDMetrics

	// Tracer is an optional OTel tracer for per-tool-call spans. Nil disables tracing.
	Tracer trace.Tracer
}

// Server wraps the MCP SDK server with archgen tool registrations.
type Server struct {
	inner   *mcpsdk.Server
	mu      sync.RWMutex
	tools   []string
	logger  *slog.Logger
	metrics *observability.REDMetrics
	tracer  trace.Tracer
}

// NewServer creates a new MCP server with all archgen tools registered.
func NewServer(deps ServerDeps) *Server {
	opts := &mcpsdk.ServerOptions{}
	if deps.Logger != nil {
		opts.Logger = deps.Logger
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	inner := mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    serverName,
			Version: version.Version,
		},
		opts,
	)

	srv := &Server{
		inner:   inner,
		tools:   make([]string, 0, toolCount),
		logger:  logger,
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
	}

	srv.registerTools()

	return srv
}

// ListToolNames returns the sorted names of all registered tools.
func (s *Server) ListToolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.tools))
	copy(names, s.tools)
	sort.Strings(names)

	return names
}

// Run starts the MCP server on stdio transport. It blocks until the context
// is canceled or the connection closes.
func (s *Server) Run(ctx context.Context) error {
	return s.RunWithTransport(ctx, &mcpsdk.StdioTransport{})
}

// RunWithTransport starts the MCP server on the given transport. It blocks
// until the context is canceled or the connection closes.
func (s *Server) RunWithTransport(ctx context.Context, transport mcpsdk.Transport) error {
	err := s.inner.Run(ctx, transport)
	if err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	return nil
}

// registerTools adds all archgen MCP tools to the server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        ToolNamePlan,
		Description: planToolDescription,
	}, withMetrics(s.metrics, ToolNamePlan, withTracing(s.tracer, ToolNamePlan, s.handlePlan)))
	s.trackTool(ToolNamePlan)

	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        ToolNameSanitize,
		Description: sanitizeToolDescription,
	}, withMetrics(s.metrics, ToolNameSanitize, withTracing(s.tracer, ToolNameSanitize, handleSanitize)))
	s.trackTool(ToolNameSanitize)

	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        ToolNameMerge,
		Description: mergeToolDescription,
	}, withMetrics(s.metrics, ToolNameMerge, withTracing(s.tracer, ToolNameMerge, handleMerge)))
	s.trackTool(ToolNameMerge)
}

// mcpSpanPrefix is the prefix for MCP tool span names.
const mcpSpanPrefix = "mcp."

// traceIDMetaKey is the metadata key for trace_id in MCP tool responses.
const traceIDMetaKey = "trace_id"

// toolHandler is the typed handler signature shared by all tools.
type toolHandler[Input any] = mcpsdk.ToolHandlerFor[Input, ToolOutput]

// withTracing wraps an MCP tool handler to create an OTel span per invocation
// and include trace_id in the response content when sampled.
func withTracing[Input any](tracer trace.Tracer, toolName string, handler toolHandler[Input]) toolHandler[Input] {
	if tracer == nil {
		return handler
	}

	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
		ctx, span := tracer.Start(ctx, mcpSpanPrefix+toolName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("mcp.tool", toolName)),
		)
		defer span.End()

		result, output, err := handler(ctx, req, input)

		sc := span.SpanContext()
		if sc.IsSampled() && result != nil {
			traceContent := &mcpsdk.TextContent{Text: fmt.Sprintf("%s=%s", traceIDMetaKey, sc.TraceID().String())}
			result.Content = append(result.Content, traceContent)
		}

		return result, output, err
	}
}

// errToolResult marks a tool result flagged IsError for metrics.
var errToolResult = errors.New("tool returned an error result")

// withMetrics wraps an MCP tool handler to record RED metrics per invocation.
func withMetrics[Input any](metrics *observability.REDMetrics, toolName string, handler toolHandler[Input]) toolHandler[Input] {
	if metrics == nil {
		return handler
	}

	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
		var (
			result  *mcpsdk.CallToolResult
			output  ToolOutput
			callErr error
		)

		_ = metrics.Observe(ctx, mcpSpanPrefix+toolName, func() error {
			result, output, callErr = handler(ctx, req, input)
			if callErr == nil && result != nil && result.IsError {
				return errToolResult
			}

			return callErr
		})

		return result, output, callErr
	}
}

func (s *Server) trackTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tools = append(s.tools, name)
}

// Tool description constants.
const (
	planToolDescription = "Plan how a directory would be split into capacity-bounded buckets " +
		"for diagram generation. Returns bucket statistics and the items skipped for exceeding the hard limit."

	sanitizeToolDescription = "Repair common syntax defects in Mermaid diagram text " +
		"and report structural validation warnings."

	mergeToolDescription = "Merge Mermaid diagram fragments into one diagram without a model call, " +
		"deduplicating nodes and edges."
)
