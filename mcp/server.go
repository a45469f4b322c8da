// Package mcp exposes droidpilot over the Model Context Protocol so an
// assistant can perform device actions through tool calls.
package mcp

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"droidpilot/pkg/logger"
	"droidpilot/pkg/pilot"
	"droidpilot/pkg/types"
)

// PilotApp is what the MCP server needs from the service.
// It keeps the server testable without a device.
type PilotApp interface {
	PerformAction(ctx context.Context, req types.ActionRequest) (types.ExecutionResult, error)
	PerformCommand(ctx context.Context, deviceID, text string) (types.ExecutionResult, error)
	DeviceHealth(deviceID string) types.HealthReport
	Devices() []types.DeviceStatus
	Actions() []pilot.ActionInfo
	History(deviceID string, limit int) ([]types.ExecutionResult, error)
}

// MCPServer wraps the MCP server and its tool handlers
type MCPServer struct {
	app    PilotApp
	server *server.MCPServer
	stdio  *server.StdioServer

	mu        sync.Mutex
	isRunning bool
}

// NewMCPServer creates a server with every tool and resource registered
func NewMCPServer(app PilotApp, version string) *MCPServer {
	mcpServer := server.NewMCPServer(
		"droidpilot",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithLogging(),
	)

	s := &MCPServer{
		app:    app,
		server: mcpServer,
	}

	s.registerTools()
	s.registerResources()

	return s
}

func (s *MCPServer) registerTools() {
	s.registerActionTools()
	s.registerDeviceTools()
}

func (s *MCPServer) registerResources() {
	s.server.AddResource(
		mcp.NewResource(
			"pilot://devices",
			"Tracked Android devices and their connection state",
			mcp.WithMIMEType("application/json"),
		),
		s.handleDevicesResource,
	)

	s.server.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"pilot://devices/{deviceId}/health",
			"Connection state, profile and compatibility scores of a device",
		),
		s.handleDeviceHealthResource,
	)

	s.server.AddResource(
		mcp.NewResource(
			"pilot://actions",
			"Actions the capability registry knows",
			mcp.WithMIMEType("application/json"),
		),
		s.handleActionsResource,
	)
}

// Serve runs the server over the given streams until ctx is cancelled or
// the input closes
func (s *MCPServer) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("MCP server is already running")
	}
	s.isRunning = true
	s.stdio = server.NewStdioServer(s.server)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
	}()

	logger.Info("mcp").Msg("MCP server started")
	err := s.stdio.Listen(ctx, in, out)
	if err != nil && ctx.Err() == nil {
		logger.Error("mcp").Err(err).Msg("MCP server error")
		return err
	}
	logger.Info("mcp").Msg("MCP server stopped")
	return nil
}

// IsRunning returns whether the MCP server is running
func (s *MCPServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
