// Package pilot wires the profile resolver, capability registry, action
// resolver, execution engine and health monitor into one service.
package pilot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"droidpilot/pkg/cache"
	"droidpilot/pkg/devlock"
	"droidpilot/pkg/engine"
	"droidpilot/pkg/errs"
	"droidpilot/pkg/health"
	"droidpilot/pkg/intent"
	"droidpilot/pkg/logger"
	"droidpilot/pkg/profile"
	"droidpilot/pkg/registry"
	"droidpilot/pkg/resolver"
	"droidpilot/pkg/transport"
	"droidpilot/pkg/types"
	"droidpilot/pkg/verify"
)

// Config collects the tunables of every component
type Config struct {
	// RegistryPath is an optional YAML overlay merged over the built-in tables
	RegistryPath string
	// DataDir holds the snapshot database. Empty disables persistence.
	DataDir          string
	SnapshotInterval time.Duration
	HistoryRetention time.Duration

	Profile profile.Config
	Health  health.Config
	Engine  engine.Config
}

// DefaultConfig returns the defaults of every component
func DefaultConfig() Config {
	return Config{
		SnapshotInterval: time.Minute,
		HistoryRetention: 7 * 24 * time.Hour,
		Profile:          profile.DefaultConfig(),
		Health:           health.DefaultConfig(),
		Engine:           engine.DefaultConfig(),
	}
}

// ActionInfo summarizes one registry action for listings
type ActionInfo struct {
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Description string   `json:"description,omitempty"`
	DefaultApp  string   `json:"defaultApp,omitempty"`
	Required    []string `json:"required,omitempty"`
	Optional    []string `json:"optional,omitempty"`
	Candidates  int      `json:"candidates"`
}

// Service is the entry point used by the CLI, the HTTP API and the MCP server
type Service struct {
	config    Config
	transport transport.Transport
	locks     *devlock.Locker
	evaluator *verify.Evaluator

	profiles *profile.Resolver
	registry *registry.Holder
	resolver *resolver.Resolver
	engine   *engine.Engine
	monitor  *health.Monitor
	store    *cache.Store

	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.Mutex
	started     bool
	closed      bool
}

// New builds a service over t. The monitor does not poll until Start.
func New(t transport.Transport, config Config) (*Service, error) {
	evaluator, err := verify.NewEvaluator()
	if err != nil {
		return nil, err
	}
	reg, err := registry.Load(config.RegistryPath, evaluator)
	if err != nil {
		return nil, fmt.Errorf("failed to load capability registry: %w", err)
	}

	s := &Service{
		config:    config,
		transport: t,
		locks:     devlock.New(),
		evaluator: evaluator,
		registry:  registry.NewHolder(reg),
	}
	s.profiles = profile.NewResolver(t, config.Profile)
	s.resolver = resolver.New(s.registry, evaluator)
	s.monitor = health.NewMonitor(t, s.locks, config.Health)
	s.engine = engine.New(t, s.locks, s.monitor, evaluator, config.Engine)

	if config.DataDir != "" {
		store, err := cache.Open(config.DataDir)
		if err != nil {
			return nil, err
		}
		s.store = store
		s.restore()
	}

	s.unsubscribe = s.monitor.Subscribe(s.onTransition)
	return s, nil
}

// restore seeds profiles and scores from the last snapshot
func (s *Service) restore() {
	profiles, err := s.store.LoadProfiles()
	if err != nil {
		logger.Warn("pilot").Err(err).Msg("Failed to load profile snapshot")
	}
	for _, p := range profiles {
		s.profiles.Seed(p)
	}
	scores, err := s.store.LoadScores()
	if err != nil {
		logger.Warn("pilot").Err(err).Msg("Failed to load score snapshot")
	}
	s.engine.RestoreScores(scores)
	logger.Info("pilot").
		Int("profiles", len(profiles)).
		Int("scores", len(scores)).
		Str("path", s.store.Path()).
		Msg("Snapshot restored")
}

// onTransition drops the profile of a device that left the connected state,
// so a reconnect resolves it again. A profile restored from the snapshot is
// dropped on the device's first connection.
func (s *Service) onTransition(tr types.Transition) {
	switch {
	case tr.From == types.StateConnected && tr.To != types.StateConnected:
		s.profiles.Invalidate(tr.DeviceID)
	case tr.To == types.StateConnected:
		s.profiles.DropSeed(tr.DeviceID)
	}
}

// ========================================
// Lifecycle
// ========================================

// Start begins health monitoring and periodic snapshots
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.monitor.Start(ctx)

	if s.store != nil && s.config.SnapshotInterval > 0 {
		s.wg.Add(1)
		go s.snapshotLoop(ctx)
	}
}

func (s *Service) snapshotLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Snapshot(); err != nil {
				logger.Warn("pilot").Err(err).Msg("Periodic snapshot failed")
			}
		}
	}
}

// Close stops monitoring, writes a final snapshot and closes the store
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.started {
		s.started = false
		s.cancel()
	}
	s.mu.Unlock()

	s.monitor.Stop()
	s.wg.Wait()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	if s.store == nil {
		return nil
	}
	err := s.Snapshot()
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// Snapshot persists cached profiles and scores and prunes old journal entries
func (s *Service) Snapshot() error {
	if s.store == nil {
		return nil
	}
	if err := s.store.SaveProfiles(s.profiles.Snapshot()); err != nil {
		return err
	}
	if err := s.store.SaveScores(s.engine.Scores().Snapshot()); err != nil {
		return err
	}
	if s.config.HistoryRetention > 0 {
		n, err := s.store.PruneExecutions(time.Now().Add(-s.config.HistoryRetention))
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Debug("pilot").Int64("pruned", n).Msg("Execution journal pruned")
		}
	}
	return nil
}

// ReloadRegistry rebuilds the registry from the built-in tables and the
// overlay and swaps it in. A broken overlay leaves the current one in place.
func (s *Service) ReloadRegistry() error {
	reg, err := registry.Load(s.config.RegistryPath, s.evaluator)
	if err != nil {
		return err
	}
	s.registry.Swap(reg)
	logger.Info("pilot").Str("path", s.config.RegistryPath).Int("actions", len(reg.Actions())).Msg("Capability registry reloaded")
	return nil
}

// ========================================
// Actions
// ========================================

// PerformAction resolves and executes one action request. It never talks to
// a device the health monitor does not consider connected.
func (s *Service) PerformAction(ctx context.Context, req types.ActionRequest) (types.ExecutionResult, error) {
	rejected := types.ExecutionResult{
		DeviceID:       req.DeviceID,
		Action:         req.Action,
		CandidateIndex: -1,
		Attempts:       []types.Attempt{},
		StartedAt:      time.Now(),
	}

	if err := transport.ValidateDeviceID(req.DeviceID); err != nil {
		return rejected, &errs.Error{Kind: errs.InvalidParams, Action: req.Action, Err: err}
	}

	switch state := s.monitor.State(req.DeviceID); state {
	case types.StateConnected:
	case types.StateUnauthorized:
		rejected.Status = types.StatusUnauthorized
		return rejected, &errs.Error{
			Kind: errs.DeviceUnauthorized, DeviceID: req.DeviceID, Action: req.Action,
			Detail: "device has not authorized this host",
		}
	default:
		rejected.Status = types.StatusUnreachable
		return rejected, &errs.Error{
			Kind: errs.DeviceUnreachable, DeviceID: req.DeviceID, Action: req.Action,
			Detail: fmt.Sprintf("device is %s", state),
		}
	}

	p, err := s.profiles.Resolve(ctx, req.DeviceID)
	if err != nil {
		return rejected, err
	}
	chain, err := s.resolver.Resolve(req, p)
	if err != nil {
		return rejected, err
	}

	result, err := s.engine.Execute(ctx, p, chain)
	if errs.Is(err, errs.DeviceUnreachable) || errs.Is(err, errs.DeviceUnauthorized) {
		// the connection dropped mid-chain; let the monitor catch up now
		go s.monitor.PollNow(context.Background(), req.DeviceID)
	}
	s.journal(result)
	return result, err
}

// PerformCommand detects the action named by a free-text phrase and performs it
func (s *Service) PerformCommand(ctx context.Context, deviceID, text string) (types.ExecutionResult, error) {
	m, ok := intent.Detect(text)
	if !ok {
		return types.ExecutionResult{DeviceID: deviceID, CandidateIndex: -1, Attempts: []types.Attempt{}},
			&errs.Error{
				Kind: errs.UnsupportedAction, DeviceID: deviceID,
				Detail: fmt.Sprintf("no action matches %q", text),
			}
	}
	logger.Debug("pilot").Str("deviceId", deviceID).Str("text", text).Str("action", m.Action).Msg("Phrase detected")
	return s.PerformAction(ctx, types.ActionRequest{Action: m.Action, Params: m.Params, DeviceID: deviceID})
}

func (s *Service) journal(result types.ExecutionResult) {
	if s.store == nil || result.ID == "" {
		return
	}
	if err := s.store.RecordExecution(result); err != nil {
		logger.Warn("pilot").Err(err).Str("id", result.ID).Msg("Failed to journal execution")
	}
}

// ========================================
// Diagnostics
// ========================================

// DeviceHealth reports the monitor's view of a device with its scores
func (s *Service) DeviceHealth(deviceID string) types.HealthReport {
	report := types.HealthReport{
		DeviceID: deviceID,
		State:    s.monitor.State(deviceID),
		Scores:   s.engine.Scores().Device(deviceID),
	}
	if status, ok := s.monitor.Status(deviceID); ok {
		report.State = status.State
		report.LastPoll = status.LastPoll
		report.LastTransition = status.LastTransition
	}
	if p, ok := s.profiles.Cached(deviceID); ok {
		report.Profile = &p
	}
	return report
}

// Profile returns the device's profile, resolving it when none is cached
func (s *Service) Profile(ctx context.Context, deviceID string) (types.DeviceProfile, error) {
	return s.profiles.Resolve(ctx, deviceID)
}

// RefreshHealth polls a device synchronously before reporting on it
func (s *Service) RefreshHealth(ctx context.Context, deviceID string) types.HealthReport {
	s.monitor.PollNow(ctx, deviceID)
	return s.DeviceHealth(deviceID)
}

// Discover lists attached devices once and tracks the new ones
func (s *Service) Discover(ctx context.Context) []types.DeviceStatus {
	s.monitor.Discover(ctx)
	return s.monitor.Devices()
}

// Devices lists every tracked device
func (s *Service) Devices() []types.DeviceStatus {
	return s.monitor.Devices()
}

// Transitions returns the recent connection state changes
func (s *Service) Transitions() []types.Transition {
	return s.monitor.Transitions()
}

// Subscribe registers fn for future connection state changes
func (s *Service) Subscribe(fn func(types.Transition)) func() {
	return s.monitor.Subscribe(fn)
}

// Actions lists the actions the current registry knows
func (s *Service) Actions() []ActionInfo {
	return DescribeActions(s.registry.Current())
}

// DescribeActions summarizes every action of reg
func DescribeActions(reg *registry.Registry) []ActionInfo {
	specs := reg.Actions()
	out := make([]ActionInfo, 0, len(specs))
	for _, a := range specs {
		required, optional := a.ParamNames()
		out = append(out, ActionInfo{
			Name:        a.Name,
			Category:    a.Category,
			Description: a.Description,
			DefaultApp:  a.DefaultApp,
			Required:    required,
			Optional:    optional,
			Candidates:  len(a.Candidates),
		})
	}
	return out
}

// Registry returns the registry in effect
func (s *Service) Registry() *registry.Registry {
	return s.registry.Current()
}

// History returns recent journal entries for a device, newest first. An
// empty deviceID covers every device.
func (s *Service) History(deviceID string, limit int) ([]types.ExecutionResult, error) {
	if s.store == nil {
		return []types.ExecutionResult{}, nil
	}
	return s.store.RecentExecutions(deviceID, limit)
}
