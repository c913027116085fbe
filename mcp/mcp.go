package mcp

import (
	"context"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
)

type Server interface {
	Run(ctx context.Context) error
}

type MCPServer struct {
	Server *server.MCPServer

	in  io.Reader
	out io.Writer
}

// NewMCPServer serves MCP over the given streams, normally stdin and stdout.
// Logs must go elsewhere while it runs.
func NewMCPServer(name, version string, in io.Reader, out io.Writer) *MCPServer {
	return &MCPServer{
		Server: server.NewMCPServer(name, version, server.WithToolCapabilities(false)),
		in:     in,
		out:    out,
	}
}

func (s *MCPServer) Run(ctx context.Context) error {
	slog.Info("Started stdio MCP server")
	defer func() {
		slog.Info("Shut down stdio MCP server")
	}()
	stdio := server.NewStdioServer(s.Server)
	stdio.SetErrorLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelError))
	err := stdio.Listen(ctx, s.in, s.out)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
