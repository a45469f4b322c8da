package main

import (
	"context"
	"sync"

	"droidpilot/pkg/logger"
	"droidpilot/pkg/pilot"
	"droidpilot/pkg/transport"
	"droidpilot/pkg/types"
)

// App owns the pilot service and everything running beside it
type App struct {
	ctx     context.Context
	cancel  context.CancelFunc
	config  *Config
	version string

	service *pilot.Service
	watcher *RegistryWatcher

	mu      sync.Mutex
	started bool
}

// NewApp builds an App over any transport
func NewApp(cfg *Config, t transport.Transport, version string) (*App, error) {
	service, err := pilot.New(t, cfg.ServiceConfig())
	if err != nil {
		return nil, err
	}
	return &App{
		config:  cfg,
		version: version,
		service: service,
	}, nil
}

// newADBApp builds an App that talks to devices through the adb binary
func newADBApp(cfg *Config, version string) (*App, error) {
	adb, err := transport.NewADB(cfg.Transport)
	if err != nil {
		return nil, err
	}
	logger.Debug("app").Str("adb", adb.Path()).Msg("Using adb")
	return NewApp(cfg, adb, version)
}

// startup begins health monitoring and, when configured, registry watching
func (a *App) startup(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.started = true
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.service.Start(a.ctx)

	if a.config.WatchRegistry && a.config.RegistryPath != "" {
		a.watcher = NewRegistryWatcher(a.config.RegistryPath, a.service.ReloadRegistry)
		if err := a.watcher.Start(); err != nil {
			logger.Warn("app").Err(err).Str("path", a.config.RegistryPath).Msg("Registry watcher not started")
			a.watcher = nil
		}
	}
	logger.Info("app").Str("version", a.version).Str("dataDir", a.config.DataDir).Msg("droidpilot started")
}

// Shutdown stops background work and writes the final snapshot
func (a *App) Shutdown() error {
	a.mu.Lock()
	if a.watcher != nil {
		a.watcher.Stop()
		a.watcher = nil
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.started = false
	a.mu.Unlock()

	return a.service.Close()
}

// GetAppVersion returns the application version
func (a *App) GetAppVersion() string {
	return a.version
}

// prepareDevice polls a device once so one-shot commands see its real state
// without running the monitor loops. Invalid ids are left for the service to
// reject.
func (a *App) prepareDevice(ctx context.Context, deviceID string) types.ConnectionState {
	if err := transport.ValidateDeviceID(deviceID); err != nil {
		return types.StateAbsent
	}
	return a.service.RefreshHealth(ctx, deviceID).State
}
