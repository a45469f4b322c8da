package mcp

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"droidpilot/pkg/errs"
	"droidpilot/pkg/pilot"
	"droidpilot/pkg/types"
)

// Helper to create a CallToolRequest with arguments
func makeToolRequest(args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

// Helper to get text content from result
func getTextContent(result *mcp.CallToolResult) string {
	if result == nil || len(result.Content) == 0 {
		return ""
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

// ==================== perform_action ====================

func TestHandlePerformAction_Success(t *testing.T) {
	mock := NewMockPilotApp()
	mock.PerformActionResult = SampleResult("R52N", "set_volume")
	server := NewMCPServer(mock, "test")

	result, err := server.handlePerformAction(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id": "R52N",
		"action":    "set_volume",
		"params":    map[string]interface{}{"direction": "up", "level": float64(40), "empty": nil},
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.IsError {
		t.Errorf("Result should not be an error: %s", getTextContent(result))
	}

	text := getTextContent(result)
	if !strings.Contains(text, "succeeded via volume_media_session") {
		t.Errorf("Result should name the candidate, got: %s", text)
	}

	call := mock.GetLastCall()
	req, ok := call.Args[0].(types.ActionRequest)
	if !ok {
		t.Fatalf("Expected ActionRequest argument, got %T", call.Args[0])
	}
	if req.DeviceID != "R52N" || req.Action != "set_volume" {
		t.Errorf("Unexpected request %+v", req)
	}
	if req.Params["direction"] != "up" || req.Params["level"] != "40" {
		t.Errorf("Params should be normalized to strings, got %v", req.Params)
	}
	if _, ok := req.Params["empty"]; ok {
		t.Error("Null params should be dropped")
	}
}

func TestHandlePerformAction_Exhausted(t *testing.T) {
	mock := NewMockPilotApp()
	mock.PerformActionResult, mock.PerformActionError = SampleExhausted("emulator-5554")
	server := NewMCPServer(mock, "test")

	result, err := server.handlePerformAction(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id": "emulator-5554",
		"action":    "open_chat",
		"params":    map[string]interface{}{"contact": "Alice"},
	}))
	if err != nil {
		t.Fatalf("Pipeline failures should be tool errors, got protocol error: %v", err)
	}
	if !result.IsError {
		t.Error("Result should be marked as error")
	}

	text := getTextContent(result)
	for _, want := range []string{"exhausted", "chat_ui_search@com.whatsapp", "chat_ui_search_alt@com.whatsapp", "65.0"} {
		if !strings.Contains(text, want) {
			t.Errorf("Result should contain %q, got: %s", want, text)
		}
	}
}

func TestHandlePerformAction_Unauthorized(t *testing.T) {
	mock := NewMockPilotApp()
	mock.PerformActionResult = types.ExecutionResult{DeviceID: "R52N", Status: types.StatusUnauthorized, CandidateIndex: -1}
	mock.PerformActionError = errs.New(errs.DeviceUnauthorized, "R52N", "device has not authorized this host")
	server := NewMCPServer(mock, "test")

	result, err := server.handlePerformAction(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id": "R52N",
		"action":    "go_home",
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(getTextContent(result), "device_unauthorized") {
		t.Errorf("Unexpected result: %s", getTextContent(result))
	}
}

func TestHandlePerformAction_MissingArguments(t *testing.T) {
	server := NewMCPServer(NewMockPilotApp(), "test")

	tests := []map[string]interface{}{
		{"action": "go_home"},
		{"device_id": "R52N"},
		{"device_id": "", "action": "go_home"},
	}
	for _, args := range tests {
		if _, err := server.handlePerformAction(context.Background(), makeToolRequest(args)); err == nil {
			t.Errorf("Expected error for %v", args)
		}
	}
}

// ==================== perform_command ====================

func TestHandlePerformCommand(t *testing.T) {
	mock := NewMockPilotApp()
	mock.PerformCommandResult = SampleResult("R52N", "set_volume")
	server := NewMCPServer(mock, "test")

	result, err := server.handlePerformCommand(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id": "R52N",
		"text":      "turn up the volume",
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.IsError {
		t.Errorf("Unexpected error result: %s", getTextContent(result))
	}
	call := mock.GetLastCall()
	if call.Method != "PerformCommand" || call.Args[1] != "turn up the volume" {
		t.Errorf("Unexpected call %+v", call)
	}

	if _, err := server.handlePerformCommand(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id": "R52N",
		"text":      "   ",
	})); err == nil {
		t.Error("Blank text should be rejected")
	}
}

// ==================== action_list ====================

func TestHandleActionList(t *testing.T) {
	mock := NewMockPilotApp()
	mock.ActionsResult = []pilot.ActionInfo{
		{Name: "open_chat", Category: "messaging", Description: "Open a conversation", Required: []string{"contact"}, Optional: []string{"app", "phone"}},
		{Name: "go_home", Category: "navigation"},
	}
	server := NewMCPServer(mock, "test")

	result, err := server.handleActionList(context.Background(), makeToolRequest(nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	text := getTextContent(result)
	for _, want := range []string{"2 action", "open_chat [messaging]", "required: contact", "optional: app, phone", "go_home"} {
		if !strings.Contains(text, want) {
			t.Errorf("Result should contain %q, got: %s", want, text)
		}
	}
}

// ==================== device_list ====================

func TestHandleDeviceList(t *testing.T) {
	mock := NewMockPilotApp()
	mock.SetupWithDevices(SampleDevice("device1"), types.DeviceStatus{ID: "device2", State: types.StateUnauthorized})
	server := NewMCPServer(mock, "test")

	result, err := server.handleDeviceList(context.Background(), makeToolRequest(nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	text := getTextContent(result)
	if !strings.Contains(text, "2 device") {
		t.Error("Result should mention 2 devices")
	}
	if !strings.Contains(text, "device2 (unknown model): unauthorized") {
		t.Errorf("Unexpected listing: %s", text)
	}
}

func TestHandleDeviceList_NoDevices(t *testing.T) {
	server := NewMCPServer(NewMockPilotApp(), "test")

	result, err := server.handleDeviceList(context.Background(), makeToolRequest(nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(strings.ToLower(getTextContent(result)), "no devices") {
		t.Errorf("Result should indicate no devices, got: %s", getTextContent(result))
	}
}

// ==================== device_health ====================

func TestHandleDeviceHealth(t *testing.T) {
	mock := NewMockPilotApp()
	mock.DeviceHealthResult = SampleHealth("R52N")
	server := NewMCPServer(mock, "test")

	result, err := server.handleDeviceHealth(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id": "R52N",
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	text := getTextContent(result)
	for _, want := range []string{"State: connected", "absent -> connected (discovery)", "samsung SM-X200, API 30, 1200x1920@240, tablet", "audio: 100.0", "messaging: 65.0"} {
		if !strings.Contains(text, want) {
			t.Errorf("Result should contain %q, got: %s", want, text)
		}
	}

	if _, err := server.handleDeviceHealth(context.Background(), makeToolRequest(nil)); err == nil {
		t.Error("Expected error for missing device_id")
	}
}

// ==================== execution_history ====================

func TestHandleExecutionHistory(t *testing.T) {
	mock := NewMockPilotApp()
	mock.HistoryResult = []types.ExecutionResult{SampleResult("R52N", "set_volume")}
	server := NewMCPServer(mock, "test")

	result, err := server.handleExecutionHistory(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id": "R52N",
		"limit":     float64(5),
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(getTextContent(result), "set_volume on R52N: succeeded via volume_media_session") {
		t.Errorf("Unexpected history: %s", getTextContent(result))
	}
	call := mock.GetLastCall()
	if call.Args[0] != "R52N" || call.Args[1] != 5 {
		t.Errorf("Unexpected call %+v", call)
	}
}

func TestHandleExecutionHistory_DefaultsAndErrors(t *testing.T) {
	mock := NewMockPilotApp()
	server := NewMCPServer(mock, "test")

	result, err := server.handleExecutionHistory(context.Background(), makeToolRequest(nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(getTextContent(result), "No executions") {
		t.Errorf("Unexpected result: %s", getTextContent(result))
	}
	if call := mock.GetLastCall(); call.Args[0] != "" || call.Args[1] != 20 {
		t.Errorf("Expected all devices with limit 20, got %+v", call.Args)
	}

	mock.HistoryError = ErrStoreClosed
	if _, err := server.handleExecutionHistory(context.Background(), makeToolRequest(nil)); err == nil {
		t.Error("Expected error when history fails")
	}
}
