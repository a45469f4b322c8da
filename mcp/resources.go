package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// handleDevicesResource handles the pilot://devices resource
func (s *MCPServer) handleDevicesResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(request.Params.URI, s.app.Devices())
}

// handleDeviceHealthResource handles the pilot://devices/{deviceId}/health template
func (s *MCPServer) handleDeviceHealthResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	// pilot://devices/{deviceId}/health
	uri := request.Params.URI
	parts := strings.Split(uri, "/")
	if len(parts) != 5 || parts[2] != "devices" || parts[3] == "" || parts[4] != "health" {
		return nil, fmt.Errorf("invalid URI format: %s", uri)
	}
	return jsonResource(uri, s.app.DeviceHealth(parts[3]))
}

// handleActionsResource handles the pilot://actions resource
func (s *MCPServer) handleActionsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(request.Params.URI, s.app.Actions())
}

func jsonResource(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize resource: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(jsonData),
		},
	}, nil
}
