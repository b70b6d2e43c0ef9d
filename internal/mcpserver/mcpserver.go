// Package mcpserver exposes the research tools over the Model Context
// Protocol so other agents can call them directly.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/zulandar/myelo/internal/tools"
)

// Opts holds parameters for creating the MCP server.
type Opts struct {
	Registry *tools.Registry
	Name     string // defaults to "myelo"
	Version  string
	Logger   *zap.Logger
}

// Server serves the registry's tools over MCP.
type Server struct {
	mcp *server.MCPServer
	log *zap.Logger
}

// New builds a Server with every registry tool registered.
func New(opts Opts) (*Server, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("mcpserver: registry is required")
	}
	if opts.Name == "" {
		opts.Name = "myelo"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("mcp")

	st, err := serverTools(opts.Registry, log)
	if err != nil {
		return nil, err
	}
	s := server.NewMCPServer(opts.Name, opts.Version, server.WithToolCapabilities(false))
	s.AddTools(st...)
	return &Server{mcp: s, log: log}, nil
}

// MCP returns the underlying mcp-go server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// ServeStdio serves JSON-RPC over in/out until ctx ends or in is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(zap.NewStdLog(s.log))
	s.log.Info("serving tools over stdio")
	if err := stdio.Listen(ctx, in, out); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcpserver: %w", err)
	}
	return nil
}

// serverTools converts each registry spec into an MCP tool whose handler
// dispatches through Registry.Invoke.
func serverTools(r *tools.Registry, log *zap.Logger) ([]server.ServerTool, error) {
	specs := r.Specs()
	out := make([]server.ServerTool, 0, len(specs))
	for _, spec := range specs {
		schema, err := json.Marshal(spec.Parameters)
		if err != nil {
			return nil, fmt.Errorf("mcpserver: schema for %s: %w", spec.Name, err)
		}
		out = append(out, server.ServerTool{
			Tool:    mcp.NewToolWithRawSchema(spec.Name, spec.Description, schema),
			Handler: handler(r, spec.Name, log),
		})
	}
	return out, nil
}

func handler(r *tools.Registry, name string, log *zap.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args json.RawMessage
		if req.Params.Arguments != nil {
			b, err := json.Marshal(req.Params.Arguments)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
			args = b
		}
		log.Debug("tool call", zap.String("tool", name), zap.ByteString("args", args))
		out, err := r.Invoke(ctx, name, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}
