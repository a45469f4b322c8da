package mcp

import (
	"context"
	"errors"
	"sync"
	"time"

	"droidpilot/pkg/errs"
	"droidpilot/pkg/pilot"
	"droidpilot/pkg/types"
)

// MockCall records a method call for verification
type MockCall struct {
	Method string
	Args   []interface{}
}

// MockPilotApp is a mock implementation of PilotApp for testing
type MockPilotApp struct {
	mu    sync.Mutex
	Calls []MockCall

	PerformActionResult  types.ExecutionResult
	PerformActionError   error
	PerformCommandResult types.ExecutionResult
	PerformCommandError  error
	DeviceHealthResult   types.HealthReport
	DevicesResult        []types.DeviceStatus
	ActionsResult        []pilot.ActionInfo
	HistoryResult        []types.ExecutionResult
	HistoryError         error
}

// NewMockPilotApp creates a mock with empty results
func NewMockPilotApp() *MockPilotApp {
	return &MockPilotApp{
		Calls:         make([]MockCall, 0),
		DevicesResult: []types.DeviceStatus{},
		ActionsResult: []pilot.ActionInfo{},
		HistoryResult: []types.ExecutionResult{},
	}
}

func (m *MockPilotApp) recordCall(method string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
}

// GetCalls returns all recorded calls
func (m *MockPilotApp) GetCalls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall{}, m.Calls...)
}

// ResetCalls clears all recorded calls
func (m *MockPilotApp) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = make([]MockCall, 0)
}

// GetLastCall returns the last recorded call
func (m *MockPilotApp) GetLastCall() *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return nil
	}
	return &m.Calls[len(m.Calls)-1]
}

// WasMethodCalled checks if a method was called
func (m *MockPilotApp) WasMethodCalled(method string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Calls {
		if c.Method == method {
			return true
		}
	}
	return false
}

func (m *MockPilotApp) PerformAction(ctx context.Context, req types.ActionRequest) (types.ExecutionResult, error) {
	m.recordCall("PerformAction", req)
	return m.PerformActionResult, m.PerformActionError
}

func (m *MockPilotApp) PerformCommand(ctx context.Context, deviceID, text string) (types.ExecutionResult, error) {
	m.recordCall("PerformCommand", deviceID, text)
	return m.PerformCommandResult, m.PerformCommandError
}

func (m *MockPilotApp) DeviceHealth(deviceID string) types.HealthReport {
	m.recordCall("DeviceHealth", deviceID)
	report := m.DeviceHealthResult
	if report.DeviceID == "" {
		report.DeviceID = deviceID
	}
	return report
}

func (m *MockPilotApp) Devices() []types.DeviceStatus {
	m.recordCall("Devices")
	return m.DevicesResult
}

func (m *MockPilotApp) Actions() []pilot.ActionInfo {
	m.recordCall("Actions")
	return m.ActionsResult
}

func (m *MockPilotApp) History(deviceID string, limit int) ([]types.ExecutionResult, error) {
	m.recordCall("History", deviceID, limit)
	return m.HistoryResult, m.HistoryError
}

// SetupWithDevices configures mock with sample devices
func (m *MockPilotApp) SetupWithDevices(devices ...types.DeviceStatus) *MockPilotApp {
	m.DevicesResult = devices
	return m
}

// Common test errors
var (
	ErrStoreClosed = errors.New("database is closed")
)

// SampleDevice returns a connected device row
func SampleDevice(id string) types.DeviceStatus {
	return types.DeviceStatus{ID: id, State: types.StateConnected, Model: "Pixel 7"}
}

// SampleResult returns a successful execution on the first candidate
func SampleResult(deviceID, action string) types.ExecutionResult {
	return types.ExecutionResult{
		ID:             "exec-1",
		DeviceID:       deviceID,
		Action:         action,
		Category:       "audio",
		Status:         types.StatusSucceeded,
		CandidateIndex: 0,
		CandidateID:    "volume_media_session",
		Attempts: []types.Attempt{
			{Index: 0, CandidateID: "volume_media_session", Status: types.AttemptSucceeded, Elapsed: 700 * time.Millisecond},
		},
		Score:     100,
		StartedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

// SampleExhausted returns an exhausted result with its error
func SampleExhausted(deviceID string) (types.ExecutionResult, error) {
	attempts := []types.Attempt{
		{Index: 0, CandidateID: "chat_ui_search@com.whatsapp", Status: types.AttemptFailed, Reason: "verification failed"},
		{Index: 1, CandidateID: "chat_ui_search_alt@com.whatsapp", Status: types.AttemptFailed, Reason: "verification failed"},
	}
	result := types.ExecutionResult{
		ID:             "exec-2",
		DeviceID:       deviceID,
		Action:         "open_chat",
		Category:       "messaging",
		Status:         types.StatusExhausted,
		CandidateIndex: -1,
		Attempts:       attempts,
		Score:          65,
	}
	return result, &errs.Error{Kind: errs.Exhausted, DeviceID: deviceID, Action: "open_chat", Detail: "no candidate succeeded", Attempts: attempts}
}

// SampleHealth returns a connected device report with a profile and scores
func SampleHealth(deviceID string) types.HealthReport {
	return types.HealthReport{
		DeviceID: deviceID,
		State:    types.StateConnected,
		Scores:   map[string]float64{"audio": 100, "messaging": 65},
		Profile: &types.DeviceProfile{
			ID: deviceID, Manufacturer: "samsung", Model: "SM-X200", APILevel: 30,
			ScreenWidth: 1200, ScreenHeight: 1920, Density: 240, Class: types.ClassTablet,
		},
		LastPoll: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		LastTransition: &types.Transition{
			DeviceID: deviceID, From: types.StateAbsent, To: types.StateConnected, Source: "discovery",
		},
	}
}
