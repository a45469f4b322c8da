package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FakeCall records one call made against a Fake
type FakeCall struct {
	Method   string
	DeviceID string
	Arg      string
}

// FakeDevice scripts how a device answers a Fake transport
type FakeDevice struct {
	Signal Signal
	Model  string
	Props  map[string]string
	// Responses match a shell command exactly, then by longest prefix
	Responses map[string]ShellResult
	// Shell, when set, answers every shell command before Responses are consulted
	Shell func(command string) (ShellResult, error)
}

// Fake is an in-memory Transport that records every call
type Fake struct {
	mu      sync.Mutex
	devices map[string]*FakeDevice
	calls   []FakeCall

	ListErr       error
	ReconnectFunc func(deviceID string) error
}

// NewFake returns an empty fake transport
func NewFake() *Fake {
	return &Fake{devices: make(map[string]*FakeDevice)}
}

// AddDevice registers a scripted device and returns it
func (f *Fake) AddDevice(id string, d *FakeDevice) *FakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.Signal == "" {
		d.Signal = SignalOK
	}
	if d.Props == nil {
		d.Props = make(map[string]string)
	}
	if d.Responses == nil {
		d.Responses = make(map[string]ShellResult)
	}
	f.devices[id] = d
	return d
}

// RemoveDevice makes the device disappear from the bus
func (f *Fake) RemoveDevice(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, id)
}

// SetSignal changes the signal a device reports
func (f *Fake) SetSignal(id string, s Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.devices[id]; ok {
		d.Signal = s
	}
}

// SetResponse scripts the answer to a shell command
func (f *Fake) SetResponse(id, command string, res ShellResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.devices[id]; ok {
		d.Responses[command] = res
	}
}

func (f *Fake) record(method, deviceID, arg string) {
	f.calls = append(f.calls, FakeCall{Method: method, DeviceID: deviceID, Arg: arg})
}

// Calls returns a copy of every recorded call
func (f *Fake) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall{}, f.calls...)
}

// CallCount counts calls to method across all devices
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ShellCommands returns the shell commands sent to a device in order
func (f *Fake) ShellCommands(deviceID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Method == "RunShell" && c.DeviceID == deviceID {
			out = append(out, c.Arg)
		}
	}
	return out
}

// DeviceCallCount counts every call scoped to one device, listings excluded
func (f *Fake) DeviceCallCount(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.DeviceID == deviceID {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *Fake) ListDevices(ctx context.Context) ([]DeviceEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListDevices", "", "")
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	var out []DeviceEntry
	for id, d := range f.devices {
		if d.Signal == SignalUnreachable {
			continue
		}
		out = append(out, DeviceEntry{ID: id, Signal: d.Signal, Model: d.Model})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// reachable returns the device if it can answer commands
func (f *Fake) reachable(deviceID string) (*FakeDevice, error) {
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", deviceID, ErrUnreachable)
	}
	switch d.Signal {
	case SignalUnauthorized:
		return nil, fmt.Errorf("%s: %w", deviceID, ErrUnauthorized)
	case SignalUnreachable, SignalOffline:
		return nil, fmt.Errorf("%s: %w", deviceID, ErrUnreachable)
	}
	return d, nil
}

func (f *Fake) RunShell(ctx context.Context, deviceID, command string) (ShellResult, error) {
	f.mu.Lock()
	f.record("RunShell", deviceID, command)
	d, err := f.reachable(deviceID)
	if err != nil {
		f.mu.Unlock()
		return ShellResult{}, err
	}
	handler := d.Shell
	res, matched := lookupResponse(d.Responses, command)
	f.mu.Unlock()

	if handler != nil {
		return handler(command)
	}
	if matched {
		return res, nil
	}
	return ShellResult{}, nil
}

func lookupResponse(responses map[string]ShellResult, command string) (ShellResult, bool) {
	if res, ok := responses[command]; ok {
		return res, true
	}
	best := ""
	for prefix := range responses {
		if strings.HasPrefix(command, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return ShellResult{}, false
	}
	return responses[best], true
}

func (f *Fake) GetProperty(ctx context.Context, deviceID, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetProperty", deviceID, key)
	d, err := f.reachable(deviceID)
	if err != nil {
		return "", false, err
	}
	v, ok := d.Props[key]
	return v, ok && v != "", nil
}

func (f *Fake) Status(ctx context.Context, deviceID string) (Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Status", deviceID, "")
	d, ok := f.devices[deviceID]
	if !ok {
		return SignalUnreachable, nil
	}
	return d.Signal, nil
}

func (f *Fake) Reconnect(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	f.record("Reconnect", deviceID, "")
	fn := f.ReconnectFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(deviceID)
	}
	return nil
}
