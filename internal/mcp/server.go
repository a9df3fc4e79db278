// Package mcp exposes the query service as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"tracelog/internal/query"
	"tracelog/internal/report"
)

// Server binds the query service to MCP tool handlers.
type Server struct {
	query   *query.Service
	reports *report.Generator
}

// New creates a new MCP server wrapper
func New(q *query.Service, reports *report.Generator) *Server {
	return &Server{query: q, reports: reports}
}

// NewMCPServer builds an MCP server with every tool registered.
func (s *Server) NewMCPServer(version string) *server.MCPServer {
	srv := server.NewMCPServer("tracelog-mcp", version)
	s.RegisterTools(srv)
	return srv
}

// RegisterTools registers the tracelog tools with the MCP server
func (s *Server) RegisterTools(mcpServer *server.MCPServer) {
	logsTool := mcp.NewTool("list_logs",
		mcp.WithDescription("Lists recent application logs, newest first."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of logs (default 100, max 1000)")),
		mcp.WithString("level", mcp.Description("Only logs at this level: debug, info, warn, error or fatal")),
		mcp.WithString("component", mcp.Description("Only logs from this component")),
	)
	mcpServer.AddTool(logsTool, s.HandleListLogs)

	tracesTool := mcp.NewTool("list_traces",
		mcp.WithDescription("Lists recent traces, newest first."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of traces (default 50, max 1000)")),
		mcp.WithString("component", mcp.Description("Only traces from this component")),
		mcp.WithString("status", mcp.Description("Only traces in this status: started, success or error")),
	)
	mcpServer.AddTool(tracesTool, s.HandleListTraces)

	eventsTool := mcp.NewTool("get_trace_events",
		mcp.WithDescription("Returns every event of one trace in chronological order."),
		mcp.WithString("trace_id", mcp.Required(), mcp.Description("Logical trace id")),
	)
	mcpServer.AddTool(eventsTool, s.HandleGetTraceEvents)

	statsTool := mcp.NewTool("get_stats",
		mcp.WithDescription("Returns total and error counts for logs, traces and events."),
	)
	mcpServer.AddTool(statsTool, s.HandleGetStats)

	reportTool := mcp.NewTool("trace_report",
		mcp.WithDescription("Renders one trace as a Markdown timeline, optionally with a model written summary."),
		mcp.WithString("trace_id", mcp.Required(), mcp.Description("Logical trace id")),
		mcp.WithBoolean("summarize", mcp.Description("Ask the configured LLM for a short summary")),
	)
	mcpServer.AddTool(reportTool, s.HandleTraceReport)
}

func stringArg(request mcp.CallToolRequest, name string) string {
	v, _ := request.Params.Arguments[name].(string)
	return v
}

// intArg reads a JSON number argument. JSON numbers arrive as float64.
func intArg(request mcp.CallToolRequest, name string) int {
	switch v := request.Params.Arguments[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func boolArg(request mcp.CallToolRequest, name string) bool {
	v, _ := request.Params.Arguments[name].(bool)
	return v
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

// HandleListLogs serves the list_logs tool.
func (s *Server) HandleListLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	logs, err := s.query.ListLogs(ctx, query.LogQuery{
		Limit:     intArg(request, "limit"),
		Level:     stringArg(request, "level"),
		Component: stringArg(request, "component"),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{"logs": logs, "count": len(logs)})
}

// HandleListTraces serves the list_traces tool.
func (s *Server) HandleListTraces(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	traces, err := s.query.ListTraces(ctx, query.TraceQuery{
		Limit:     intArg(request, "limit"),
		Component: stringArg(request, "component"),
		Status:    stringArg(request, "status"),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{"traces": traces, "count": len(traces)})
}

// HandleGetTraceEvents serves the get_trace_events tool.
func (s *Server) HandleGetTraceEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	traceID := stringArg(request, "trace_id")
	events, err := s.query.ListEventsByTraceID(ctx, traceID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{"events": events, "count": len(events), "traceId": traceID})
}

// HandleGetStats serves the get_stats tool.
func (s *Server) HandleGetStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.query.GetStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{"stats": stats})
}

// HandleTraceReport serves the trace_report tool.
func (s *Server) HandleTraceReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r, err := s.reports.Generate(ctx, stringArg(request, "trace_id"), boolArg(request, "summarize"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(r.Markdown), nil
}
