package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"droidpilot/pkg/errs"
	"droidpilot/pkg/types"
)

// registerActionTools registers the tools that drive a device
func (s *MCPServer) registerActionTools() {
	// perform_action - Run a semantic action through its fallback chain
	s.server.AddTool(
		mcp.NewTool("perform_action",
			mcp.WithDescription("Perform a semantic action (e.g. toggle_flashlight, set_volume, open_chat) on a device. The best command for the device is picked automatically, with fallbacks."),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID to act on"),
			),
			mcp.WithString("action",
				mcp.Required(),
				mcp.Description("Action name as listed by action_list"),
			),
			mcp.WithObject("params",
				mcp.Description("Action parameters, e.g. {\"direction\": \"up\"} or {\"contact\": \"Mom\", \"app\": \"whatsapp\"}"),
			),
		),
		s.handlePerformAction,
	)

	// perform_command - Detect the action from a phrase and perform it
	s.server.AddTool(
		mcp.NewTool("perform_command",
			mcp.WithDescription("Perform an action described in plain words, e.g. 'turn on the flashlight' or 'send message to Mom'"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID to act on"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The command phrase"),
			),
		),
		s.handlePerformCommand,
	)

	// action_list - List known actions
	s.server.AddTool(
		mcp.NewTool("action_list",
			mcp.WithDescription("List every action the capability registry knows, with its parameters"),
		),
		s.handleActionList,
	)
}

// registerDeviceTools registers read-only device tools
func (s *MCPServer) registerDeviceTools() {
	// device_list - List tracked devices
	s.server.AddTool(
		mcp.NewTool("device_list",
			mcp.WithDescription("List tracked Android devices and their connection state"),
		),
		s.handleDeviceList,
	)

	// device_health - Connection state, profile and scores
	s.server.AddTool(
		mcp.NewTool("device_health",
			mcp.WithDescription("Get the connection state, device profile and per-category compatibility scores of a device"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID to report on"),
			),
		),
		s.handleDeviceHealth,
	)

	// execution_history - Recent results
	s.server.AddTool(
		mcp.NewTool("execution_history",
			mcp.WithDescription("List recent action executions, newest first"),
			mcp.WithString("device_id",
				mcp.Description("Limit to one device (default: all devices)"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum entries to return (default: 20)"),
			),
		),
		s.handleExecutionHistory,
	)
}

// Tool handlers

func (s *MCPServer) handlePerformAction(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	deviceID, ok := args["device_id"].(string)
	if !ok || deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}
	action, ok := args["action"].(string)
	if !ok || action == "" {
		return nil, fmt.Errorf("action is required")
	}

	params := make(map[string]string)
	if raw, ok := args["params"].(map[string]interface{}); ok {
		for k, v := range raw {
			if v != nil {
				params[k] = fmt.Sprint(v)
			}
		}
	}

	result, err := s.app.PerformAction(ctx, types.ActionRequest{Action: action, Params: params, DeviceID: deviceID})
	return formatExecution(result, err), nil
}

func (s *MCPServer) handlePerformCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	deviceID, ok := args["device_id"].(string)
	if !ok || deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}
	text, ok := args["text"].(string)
	if !ok || strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text is required")
	}

	result, err := s.app.PerformCommand(ctx, deviceID, text)
	return formatExecution(result, err), nil
}

func (s *MCPServer) handleActionList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actions := s.app.Actions()

	result := fmt.Sprintf("%d action(s):\n\n", len(actions))
	for _, a := range actions {
		result += fmt.Sprintf("- %s [%s]", a.Name, a.Category)
		if a.Description != "" {
			result += ": " + a.Description
		}
		result += "\n"
		if len(a.Required) > 0 {
			result += fmt.Sprintf("    required: %s\n", strings.Join(a.Required, ", "))
		}
		if len(a.Optional) > 0 {
			result += fmt.Sprintf("    optional: %s\n", strings.Join(a.Optional, ", "))
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(result),
		},
	}, nil
}

func (s *MCPServer) handleDeviceList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices := s.app.Devices()
	if len(devices) == 0 {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent("No devices tracked"),
			},
		}, nil
	}

	result := fmt.Sprintf("Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		model := d.Model
		if model == "" {
			model = "unknown model"
		}
		result += fmt.Sprintf("%d. %s (%s): %s\n", i+1, d.ID, model, d.State)
	}

	jsonData, _ := json.MarshalIndent(devices, "", "  ")
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(result),
			mcp.NewTextContent(fmt.Sprintf("\nJSON data:\n```json\n%s\n```", string(jsonData))),
		},
	}, nil
}

func (s *MCPServer) handleDeviceHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	deviceID, ok := args["device_id"].(string)
	if !ok || deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	report := s.app.DeviceHealth(deviceID)

	result := fmt.Sprintf("Device: %s\n\n", deviceID)
	result += fmt.Sprintf("State: %s\n", report.State)
	if !report.LastPoll.IsZero() {
		result += fmt.Sprintf("Last poll: %s\n", report.LastPoll.Format("2006-01-02 15:04:05"))
	}
	if tr := report.LastTransition; tr != nil {
		result += fmt.Sprintf("Last transition: %s -> %s (%s)\n", tr.From, tr.To, tr.Source)
	}
	if p := report.Profile; p != nil {
		result += fmt.Sprintf("Profile: %s %s, API %d, %dx%d@%d, %s\n",
			p.Manufacturer, p.Model, p.APILevel, p.ScreenWidth, p.ScreenHeight, p.Density, p.Class)
	}
	if len(report.Scores) > 0 {
		categories := make([]string, 0, len(report.Scores))
		for c := range report.Scores {
			categories = append(categories, c)
		}
		sort.Strings(categories)
		result += "Scores:\n"
		for _, c := range categories {
			result += fmt.Sprintf("  %s: %.1f\n", c, report.Scores[c])
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(result),
		},
	}, nil
}

func (s *MCPServer) handleExecutionHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	deviceID, _ := args["device_id"].(string)
	limit := 20
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	history, err := s.app.History(deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if len(history) == 0 {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent("No executions recorded"),
			},
		}, nil
	}

	result := fmt.Sprintf("%d execution(s):\n\n", len(history))
	for _, r := range history {
		result += fmt.Sprintf("- %s %s on %s: %s", r.StartedAt.Format("2006-01-02 15:04:05"), r.Action, r.DeviceID, r.Status)
		if r.CandidateID != "" {
			result += fmt.Sprintf(" via %s", r.CandidateID)
		}
		result += fmt.Sprintf(" (%d attempt(s))\n", len(r.Attempts))
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(result),
		},
	}, nil
}

// formatExecution renders a result for the assistant. Pipeline failures are
// tool errors, not protocol errors, so the assistant can read the reason.
func formatExecution(r types.ExecutionResult, err error) *mcp.CallToolResult {
	var b strings.Builder
	if err != nil {
		fmt.Fprintf(&b, "Action failed (%s): %v\n", errs.KindOf(err), err)
	} else {
		fmt.Fprintf(&b, "Action %s on %s: %s via %s\n", r.Action, r.DeviceID, r.Status, r.CandidateID)
	}
	if r.Category != "" {
		fmt.Fprintf(&b, "Compatibility score (%s): %.1f\n", r.Category, r.Score)
	}

	attempts := r.Attempts
	if len(attempts) == 0 {
		attempts = errs.AttemptsOf(err)
	}
	if len(attempts) > 0 {
		b.WriteString("\nAttempts:\n")
		for _, a := range attempts {
			fmt.Fprintf(&b, "%d. %s: %s", a.Index+1, a.CandidateID, a.Status)
			if a.Reason != "" {
				fmt.Fprintf(&b, " (%s)", a.Reason)
			}
			b.WriteString("\n")
		}
	}
	if r.Status == types.StatusAmbiguous {
		b.WriteString("\nThe command ran cleanly but its effect could not be confirmed.\n")
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(b.String()),
		},
		IsError: err != nil,
	}
}
