// Package health tracks the connection state of every known device. It is the
// only writer of ConnectionState.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"droidpilot/pkg/devlock"
	"droidpilot/pkg/logger"
	"droidpilot/pkg/transport"
	"droidpilot/pkg/types"
)

// Transition sources
const (
	SourcePoll      = "poll"
	SourceReconnect = "reconnect"
	SourceDiscovery = "discovery"
)

const transitionLogSize = 256

// Config tunes polling and reconnection. StablePolls is how many consecutive
// ok polls bring a device back from unstable.
type Config struct {
	PollInterval        time.Duration `yaml:"poll_interval" json:"pollInterval"`
	DiscoveryInterval   time.Duration `yaml:"discovery_interval" json:"discoveryInterval"`
	ReconnectAttempts   int           `yaml:"reconnect_attempts" json:"reconnectAttempts"`
	ReconnectBackoff    time.Duration `yaml:"reconnect_backoff" json:"reconnectBackoff"`
	ReconnectMaxBackoff time.Duration `yaml:"reconnect_max_backoff" json:"reconnectMaxBackoff"`
	StablePolls         int           `yaml:"stable_polls" json:"stablePolls"`
	CallTimeout         time.Duration `yaml:"-" json:"-"`
}

// DefaultConfig returns the standard polling cadence
func DefaultConfig() Config {
	return Config{
		PollInterval:        5 * time.Second,
		DiscoveryInterval:   10 * time.Second,
		ReconnectAttempts:   3,
		ReconnectBackoff:    500 * time.Millisecond,
		ReconnectMaxBackoff: 5 * time.Second,
		StablePolls:         2,
		CallTimeout:         10 * time.Second,
	}
}

// Status is the monitor's record for one device
type Status struct {
	State          types.ConnectionState `json:"state"`
	Model          string                `json:"model,omitempty"`
	LastPoll       time.Time             `json:"lastPoll"`
	LastTransition *types.Transition     `json:"lastTransition,omitempty"`
}

type device struct {
	Status
	okStreak int
	// degraded is set by any failed observation and cleared once stable again
	degraded bool
	cancel   context.CancelFunc
}

// Monitor polls devices and owns their ConnectionState
type Monitor struct {
	transport transport.Transport
	locks     *devlock.Locker
	config    Config

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	mu          sync.RWMutex
	devices     map[string]*device
	transitions []types.Transition

	subMu       sync.RWMutex
	subscribers map[int]func(types.Transition)
	nextSub     int
}

// NewMonitor creates a monitor; call Start to begin background polling
func NewMonitor(t transport.Transport, locks *devlock.Locker, config Config) *Monitor {
	def := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.DiscoveryInterval <= 0 {
		config.DiscoveryInterval = def.DiscoveryInterval
	}
	if config.ReconnectAttempts < 0 {
		config.ReconnectAttempts = 0
	}
	if config.ReconnectBackoff <= 0 {
		config.ReconnectBackoff = def.ReconnectBackoff
	}
	if config.ReconnectMaxBackoff < config.ReconnectBackoff {
		config.ReconnectMaxBackoff = config.ReconnectBackoff
	}
	if config.StablePolls <= 0 {
		config.StablePolls = 1
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = def.CallTimeout
	}
	return &Monitor{
		transport:   t,
		locks:       locks,
		config:      config,
		devices:     make(map[string]*device),
		subscribers: make(map[int]func(types.Transition)),
	}
}

// ========================================
// Lifecycle
// ========================================

// Start launches discovery and a poll loop per tracked device
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	for id, d := range m.devices {
		m.startLoopLocked(id, d)
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.discoveryLoop()
	logger.Info("health").
		Dur("pollInterval", m.config.PollInterval).
		Dur("discoveryInterval", m.config.DiscoveryInterval).
		Msg("Health monitor started")
}

// Stop cancels every loop and waits for them to exit
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
	logger.Info("health").Msg("Health monitor stopped")
}

// Track registers a device. A running monitor starts polling it right away.
func (m *Monitor) Track(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackLocked(deviceID)
}

func (m *Monitor) trackLocked(deviceID string) *device {
	d, ok := m.devices[deviceID]
	if !ok {
		d = &device{Status: Status{State: types.StateAbsent}}
		m.devices[deviceID] = d
		logger.Debug("health").Str("deviceId", deviceID).Msg("Tracking device")
	}
	if m.running && d.cancel == nil {
		m.startLoopLocked(deviceID, d)
	}
	return d
}

func (m *Monitor) startLoopLocked(deviceID string, d *device) {
	ctx, cancel := context.WithCancel(m.ctx)
	d.cancel = cancel
	m.wg.Add(1)
	go m.pollLoop(ctx, deviceID)
}

// ========================================
// Loops
// ========================================

func (m *Monitor) pollLoop(ctx context.Context, deviceID string) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	m.poll(ctx, deviceID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx, deviceID)
		}
	}
}

func (m *Monitor) discoveryLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.DiscoveryInterval)
	defer ticker.Stop()

	m.Discover(m.ctx)
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Discover(m.ctx)
		}
	}
}

// Discover lists attached devices and starts tracking new ones
func (m *Monitor) Discover(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	entries, err := m.transport.ListDevices(callCtx)
	cancel()
	if err != nil {
		logger.Warn("health").Err(err).Msg("Device discovery failed")
		return
	}

	for _, e := range entries {
		m.mu.Lock()
		_, known := m.devices[e.ID]
		d := m.trackLocked(e.ID)
		if e.Model != "" {
			d.Model = e.Model
		}
		m.mu.Unlock()
		if !known {
			m.observe(e.ID, e.Signal, SourceDiscovery, "listed by transport")
		}
	}
}

// PollNow polls one device synchronously and returns its state.
// A device busy with an action keeps its current state.
func (m *Monitor) PollNow(ctx context.Context, deviceID string) types.ConnectionState {
	m.Track(deviceID)
	m.poll(ctx, deviceID)
	return m.State(deviceID)
}

// poll reads the transport signal under the device lock, skipping the tick
// when the lock is taken
func (m *Monitor) poll(ctx context.Context, deviceID string) {
	release, ok := m.locks.TryLock(deviceID)
	if !ok {
		logger.Debug("health").Str("deviceId", deviceID).Msg("Device busy, poll skipped")
		return
	}
	defer release()

	signal, reason := m.status(ctx, deviceID)
	if ctx.Err() != nil {
		return
	}
	m.observe(deviceID, signal, SourcePoll, reason)
	if signal != transport.SignalOK {
		m.reconnect(ctx, deviceID)
	}
}

func (m *Monitor) status(ctx context.Context, deviceID string) (transport.Signal, string) {
	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()
	signal, err := m.transport.Status(callCtx, deviceID)
	if err != nil {
		signal = transport.SignalFromError(err)
		if signal == transport.SignalOK {
			signal = transport.SignalUnreachable
		}
		return signal, err.Error()
	}
	return signal, ""
}

// reconnect retries a failed device with exponential backoff. A retry that
// finds the device healthy counts as one ok observation.
func (m *Monitor) reconnect(ctx context.Context, deviceID string) {
	backoff := m.config.ReconnectBackoff
	var last transport.Signal
	var reason string

	for attempt := 1; attempt <= m.config.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
		err := m.transport.Reconnect(callCtx, deviceID)
		cancel()
		if err != nil {
			logger.Debug("health").Err(err).Str("deviceId", deviceID).Int("attempt", attempt).Msg("Reconnect failed")
		}

		last, reason = m.status(ctx, deviceID)
		if last == transport.SignalOK {
			m.observe(deviceID, last, SourceReconnect, fmt.Sprintf("reconnected on attempt %d", attempt))
			return
		}
		backoff = min(backoff*2, m.config.ReconnectMaxBackoff)
	}
	if last != "" && ctx.Err() == nil {
		m.observe(deviceID, last, SourceReconnect, reason)
	}
}

// ========================================
// State
// ========================================

// observe folds one signal into the device's state
func (m *Monitor) observe(deviceID string, signal transport.Signal, source, reason string) {
	now := time.Now()

	m.mu.Lock()
	d, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	d.LastPoll = now

	var next types.ConnectionState
	switch signal {
	case transport.SignalOK:
		d.okStreak++
		if d.State == types.StateConnected || !d.degraded || d.okStreak >= m.config.StablePolls {
			next = types.StateConnected
			d.degraded = false
		} else {
			next = types.StateUnstable
		}
	case transport.SignalOffline:
		d.okStreak, d.degraded = 0, true
		next = types.StateUnstable
	case transport.SignalUnauthorized:
		d.okStreak, d.degraded = 0, true
		next = types.StateUnauthorized
	default:
		d.okStreak, d.degraded = 0, true
		next = types.StateAbsent
	}

	if next == d.State {
		m.mu.Unlock()
		return
	}
	tr := types.Transition{
		DeviceID: deviceID,
		From:     d.State,
		To:       next,
		Source:   source,
		Reason:   reason,
		At:       now,
	}
	d.State = next
	d.LastTransition = &tr
	m.transitions = append(m.transitions, tr)
	if len(m.transitions) > transitionLogSize {
		m.transitions = m.transitions[len(m.transitions)-transitionLogSize:]
	}
	m.mu.Unlock()

	logger.Info("health").
		Str("deviceId", deviceID).
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Str("source", source).
		Str("reason", reason).
		Msg("Connection state changed")
	m.notify(tr)
}

// State returns the current state without blocking on the device.
// Unknown devices are absent.
func (m *Monitor) State(deviceID string) types.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.devices[deviceID]; ok {
		return d.State
	}
	return types.StateAbsent
}

// Status returns the full record for a device
func (m *Monitor) Status(deviceID string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return Status{State: types.StateAbsent}, false
	}
	s := d.Status
	if s.LastTransition != nil {
		tr := *s.LastTransition
		s.LastTransition = &tr
	}
	return s, true
}

// Devices lists every tracked device ordered by id
func (m *Monitor) Devices() []types.DeviceStatus {
	m.mu.RLock()
	out := make([]types.DeviceStatus, 0, len(m.devices))
	for id, d := range m.devices {
		out = append(out, types.DeviceStatus{ID: id, State: d.State, Model: d.Model})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Transitions returns the recent transition log, oldest first
func (m *Monitor) Transitions() []types.Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Transition(nil), m.transitions...)
}

// ========================================
// Subscribers
// ========================================

// Subscribe registers fn for every future transition and returns a func that
// removes it. fn runs on the polling goroutine and must not block.
func (m *Monitor) Subscribe(fn func(types.Transition)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subscribers, id)
		m.subMu.Unlock()
	}
}

func (m *Monitor) notify(tr types.Transition) {
	m.subMu.RLock()
	fns := make([]func(types.Transition), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		fns = append(fns, fn)
	}
	m.subMu.RUnlock()
	for _, fn := range fns {
		fn(tr)
	}
}
