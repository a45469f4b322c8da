// Package profile resolves and caches what an attached device is.
package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"droidpilot/pkg/errs"
	"droidpilot/pkg/logger"
	"droidpilot/pkg/transport"
	"droidpilot/pkg/types"
)

const (
	propManufacturer    = "ro.product.manufacturer"
	propModel           = "ro.product.model"
	propSDK             = "ro.build.version.sdk"
	propCharacteristics = "ro.build.characteristics"
	propLCDDensity      = "ro.sf.lcd_density"

	featureLeanback   = "android.software.leanback"
	featureHingeAngle = "android.hardware.sensor.hinge_angle"

	// tabletDiagonalInches is the smallest diagonal treated as a tablet
	tabletDiagonalInches = 7.0
)

// Config bounds the queries made while resolving a profile
type Config struct {
	Retries    int           `yaml:"retries" json:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay" json:"retryDelay"`
}

// DefaultConfig retries mandatory fields twice, 300ms apart
func DefaultConfig() Config {
	return Config{Retries: 2, RetryDelay: 300 * time.Millisecond}
}

// Resolver builds DeviceProfiles and caches one per device
type Resolver struct {
	transport transport.Transport
	config    Config

	mu    sync.RWMutex
	cache map[string]types.DeviceProfile
	// seeded marks cached profiles that came from Seed and were not queried since
	seeded map[string]bool

	inflightMu sync.Mutex
	inflight   map[string]*sync.Mutex
}

// NewResolver returns a resolver querying through t
func NewResolver(t transport.Transport, config Config) *Resolver {
	if config.Retries < 0 {
		config.Retries = 0
	}
	return &Resolver{
		transport: t,
		config:    config,
		cache:     make(map[string]types.DeviceProfile),
		seeded:    make(map[string]bool),
		inflight:  make(map[string]*sync.Mutex),
	}
}

// Resolve returns the cached profile or queries the device for a new one
func (r *Resolver) Resolve(ctx context.Context, deviceID string) (types.DeviceProfile, error) {
	if p, ok := r.Cached(deviceID); ok {
		return p, nil
	}

	// one resolution per device at a time; latecomers reuse the result
	m := r.deviceMutex(deviceID)
	m.Lock()
	defer m.Unlock()
	if p, ok := r.Cached(deviceID); ok {
		return p, nil
	}

	timer := logger.StartOperation("profile", "resolve").AddDetail("deviceId", deviceID)
	p, err := r.query(ctx, deviceID)
	if err != nil {
		timer.EndWithError(err)
		return types.DeviceProfile{}, err
	}
	timer.AddDetail("class", string(p.Class)).AddDetail("api", p.APILevel).End()

	r.mu.Lock()
	r.cache[deviceID] = p
	delete(r.seeded, deviceID)
	r.mu.Unlock()

	logger.Info("profile").
		Str("deviceId", deviceID).
		Str("manufacturer", p.Manufacturer).
		Str("model", p.Model).
		Int("api", p.APILevel).
		Str("screen", fmt.Sprintf("%dx%d@%d", p.ScreenWidth, p.ScreenHeight, p.Density)).
		Str("class", string(p.Class)).
		Msg("Device profile resolved")
	return p, nil
}

// Refresh drops the cached profile and resolves again
func (r *Resolver) Refresh(ctx context.Context, deviceID string) (types.DeviceProfile, error) {
	r.Invalidate(deviceID)
	return r.Resolve(ctx, deviceID)
}

// Invalidate drops the cached profile for a device
func (r *Resolver) Invalidate(deviceID string) {
	r.mu.Lock()
	_, had := r.cache[deviceID]
	delete(r.cache, deviceID)
	delete(r.seeded, deviceID)
	r.mu.Unlock()
	if had {
		logger.Debug("profile").Str("deviceId", deviceID).Msg("Profile invalidated")
	}
}

// Cached returns the cached profile without touching the device
func (r *Resolver) Cached(deviceID string) (types.DeviceProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.cache[deviceID]
	return p, ok
}

// Seed installs a previously resolved profile, e.g. from a snapshot
func (r *Resolver) Seed(p types.DeviceProfile) {
	if p.ID == "" {
		return
	}
	r.mu.Lock()
	r.cache[p.ID] = p
	r.seeded[p.ID] = true
	r.mu.Unlock()
}

// DropSeed invalidates the profile of deviceID if it came from Seed and no
// query has confirmed it since. It reports whether a profile was dropped.
func (r *Resolver) DropSeed(deviceID string) bool {
	r.mu.Lock()
	seeded := r.seeded[deviceID]
	if seeded {
		delete(r.cache, deviceID)
		delete(r.seeded, deviceID)
	}
	r.mu.Unlock()
	if seeded {
		logger.Debug("profile").Str("deviceId", deviceID).Msg("Snapshot profile dropped")
	}
	return seeded
}

// Snapshot returns every cached profile ordered by device id
func (r *Resolver) Snapshot() []types.DeviceProfile {
	r.mu.RLock()
	out := make([]types.DeviceProfile, 0, len(r.cache))
	for _, p := range r.cache {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Resolver) deviceMutex(deviceID string) *sync.Mutex {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	m, ok := r.inflight[deviceID]
	if !ok {
		m = &sync.Mutex{}
		r.inflight[deviceID] = m
	}
	return m
}

func (r *Resolver) query(ctx context.Context, deviceID string) (types.DeviceProfile, error) {
	p := types.DeviceProfile{ID: deviceID}

	manufacturer, _, err := r.transport.GetProperty(ctx, deviceID, propManufacturer)
	if err := connectionError(deviceID, err); err != nil {
		return p, err
	}
	p.Manufacturer = manufacturer

	if model, _, err := r.transport.GetProperty(ctx, deviceID, propModel); err == nil {
		p.Model = model
	} else if err := connectionError(deviceID, err); err != nil {
		return p, err
	}

	var (
		missing []string
		sizeOut string
	)
	for attempt := 0; attempt <= r.config.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return p, ctx.Err()
			case <-time.After(r.config.RetryDelay):
			}
			logger.Debug("profile").Str("deviceId", deviceID).Int("attempt", attempt).Strs("missing", missing).Msg("Retrying profile query")
		}
		missing = missing[:0]

		if p.APILevel == 0 {
			sdk, _, err := r.transport.GetProperty(ctx, deviceID, propSDK)
			if err := connectionError(deviceID, err); err != nil {
				return p, err
			}
			if n, convErr := strconv.Atoi(strings.TrimSpace(sdk)); convErr == nil && n > 0 {
				p.APILevel = n
			} else {
				missing = append(missing, "api level")
			}
		}

		if p.ScreenWidth == 0 || p.ScreenHeight == 0 {
			res, err := r.transport.RunShell(ctx, deviceID, "wm size")
			if err := connectionError(deviceID, err); err != nil {
				return p, err
			}
			if w, h, ok := parseSize(res.Stdout); ok {
				p.ScreenWidth, p.ScreenHeight = w, h
				sizeOut = res.Stdout
			} else {
				missing = append(missing, "screen geometry")
			}
		}

		if len(missing) == 0 {
			break
		}
	}
	if len(missing) > 0 {
		return p, &errs.Error{
			Kind:     errs.IncompleteProfile,
			DeviceID: deviceID,
			Detail:   "missing " + strings.Join(missing, ", "),
		}
	}

	var panelDensity int
	p.Density, panelDensity = r.density(ctx, deviceID)

	// overrides change logical pixels, the panel keeps its physical geometry
	panel := p
	panel.Density = panelDensity
	if w, h, ok := physicalSize(sizeOut); ok {
		panel.ScreenWidth, panel.ScreenHeight = w, h
	}

	characteristics, _, _ := r.transport.GetProperty(ctx, deviceID, propCharacteristics)
	features := r.features(ctx, deviceID)
	p.Class = Classify(panel, characteristics, features)
	p.ResolvedAt = time.Now()
	return p, nil
}

// density returns the effective density, override first, and the physical one
func (r *Resolver) density(ctx context.Context, deviceID string) (int, int) {
	if res, err := r.transport.RunShell(ctx, deviceID, "wm density"); err == nil {
		if d, ok := parseDensity(res.Stdout); ok {
			return d, physicalDensity(res.Stdout, d)
		}
	}
	if v, ok, err := r.transport.GetProperty(ctx, deviceID, propLCDDensity); err == nil && ok {
		if d, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && d > 0 {
			return d, d
		}
	}
	return 0, 0
}

// features lists declared system features; failures just mean no hints
func (r *Resolver) features(ctx context.Context, deviceID string) map[string]bool {
	out := make(map[string]bool)
	res, err := r.transport.RunShell(ctx, deviceID, "pm list features")
	if err != nil || res.ExitCode != 0 {
		return out
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if name, ok := strings.CutPrefix(line, "feature:"); ok {
			if i := strings.Index(name, "="); i >= 0 {
				name = name[:i]
			}
			out[name] = true
		}
	}
	return out
}

// Classify picks the device class: TV, then foldable, then tablet, else phone
func Classify(p types.DeviceProfile, characteristics string, features map[string]bool) types.DeviceClass {
	traits := make(map[string]bool)
	for _, c := range strings.Split(strings.ToLower(characteristics), ",") {
		traits[strings.TrimSpace(c)] = true
	}

	switch {
	case traits["tv"] || features[featureLeanback]:
		return types.ClassTV
	case features[featureHingeAngle]:
		return types.ClassFoldable
	case traits["tablet"] || p.DiagonalInches() >= tabletDiagonalInches:
		return types.ClassTablet
	}
	return types.ClassPhone
}

// connectionError maps transport failures that mean the device is gone.
// Anything else is treated as a missing value by the caller.
func connectionError(deviceID string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrUnauthorized):
		return errs.Wrap(errs.DeviceUnauthorized, deviceID, err)
	case errors.Is(err, transport.ErrUnreachable):
		return errs.Wrap(errs.DeviceUnreachable, deviceID, err)
	}
	return nil
}

// wmValues splits `wm size` or `wm density` output into its physical and
// override values
func wmValues(out string) (physical, override string) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		_, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(line, "Physical "):
			physical = strings.TrimSpace(value)
		case strings.HasPrefix(line, "Override "):
			override = strings.TrimSpace(value)
		}
	}
	return physical, override
}

// parseSize reads `wm size`, preferring an override over the physical size
func parseSize(out string) (int, int, bool) {
	physical, override := wmValues(out)
	for _, s := range []string{override, physical} {
		if w, h, ok := parseResolution(s); ok {
			return w, h, true
		}
	}
	return 0, 0, false
}

// physicalSize reads the panel size from `wm size`
func physicalSize(out string) (int, int, bool) {
	physical, _ := wmValues(out)
	return parseResolution(physical)
}

func parseResolution(res string) (int, int, bool) {
	parts := strings.Split(res, "x")
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

// parseDensity reads `wm density`, preferring an override
func parseDensity(out string) (int, bool) {
	physical, override := wmValues(out)
	for _, v := range []string{override, physical} {
		if d, err := strconv.Atoi(v); err == nil && d > 0 {
			return d, true
		}
	}
	return 0, false
}

// physicalDensity reads the panel density from `wm density`, or fallback
// when only an override is reported
func physicalDensity(out string, fallback int) int {
	physical, _ := wmValues(out)
	if d, err := strconv.Atoi(physical); err == nil && d > 0 {
		return d
	}
	return fallback
}
