package main

import (
	"context"
	"os"

	"droidpilot/mcp"
	"droidpilot/pkg/pilot"
	"droidpilot/pkg/types"
)

// MCPBridge bridges the App to the MCP server
type MCPBridge struct {
	app *App
}

// NewMCPBridge creates a new MCP bridge
func NewMCPBridge(app *App) *MCPBridge {
	return &MCPBridge{app: app}
}

// Implement mcp.PilotApp interface

// PerformAction polls a device the monitor has not confirmed yet before
// acting, so a request right after plugging in does not race discovery
func (b *MCPBridge) PerformAction(ctx context.Context, req types.ActionRequest) (types.ExecutionResult, error) {
	b.ensureObserved(ctx, req.DeviceID)
	return b.app.service.PerformAction(ctx, req)
}

func (b *MCPBridge) PerformCommand(ctx context.Context, deviceID, text string) (types.ExecutionResult, error) {
	b.ensureObserved(ctx, deviceID)
	return b.app.service.PerformCommand(ctx, deviceID, text)
}

func (b *MCPBridge) DeviceHealth(deviceID string) types.HealthReport {
	return b.app.service.DeviceHealth(deviceID)
}

func (b *MCPBridge) Devices() []types.DeviceStatus {
	return b.app.service.Devices()
}

func (b *MCPBridge) Actions() []pilot.ActionInfo {
	return b.app.service.Actions()
}

func (b *MCPBridge) History(deviceID string, limit int) ([]types.ExecutionResult, error) {
	return b.app.service.History(deviceID, limit)
}

func (b *MCPBridge) ensureObserved(ctx context.Context, deviceID string) {
	if b.app.service.DeviceHealth(deviceID).State == types.StateAbsent {
		b.app.prepareDevice(ctx, deviceID)
	}
}

// StartMCPServer serves MCP over stdin/stdout until ctx is done or stdin closes
func StartMCPServer(ctx context.Context, app *App) error {
	bridge := NewMCPBridge(app)
	mcpServer := mcp.NewMCPServer(bridge, app.GetAppVersion())
	return mcpServer.Serve(ctx, os.Stdin, os.Stdout)
}
