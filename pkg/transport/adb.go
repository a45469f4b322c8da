package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"droidpilot/pkg/logger"
)

// Config tunes the adb-backed transport
type Config struct {
	ADBPath     string        `yaml:"adb_path" json:"adbPath"`
	CallTimeout time.Duration `yaml:"call_timeout" json:"callTimeout"`
	// RateLimit is the sustained calls per second allowed per device; 0 disables limiting
	RateLimit float64 `yaml:"rate_limit" json:"rateLimit"`
	Burst     int     `yaml:"burst" json:"burst"`
}

// DefaultConfig returns the transport defaults
func DefaultConfig() Config {
	return Config{
		CallTimeout: 10 * time.Second,
		RateLimit:   8,
		Burst:       4,
	}
}

// ADB implements Transport by shelling out to the adb binary
type ADB struct {
	path    string
	timeout time.Duration
	limit   rate.Limit
	burst   int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewADB locates adb and returns a transport bound to it
func NewADB(config Config) (*ADB, error) {
	path, err := FindADB(config.ADBPath)
	if err != nil {
		return nil, err
	}
	timeout := config.CallTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().CallTimeout
	}
	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	logger.Info("transport").Str("adb", path).Dur("timeout", timeout).Msg("ADB transport ready")
	return &ADB{
		path:     path,
		timeout:  timeout,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// FindADB resolves the adb binary: explicit path, then PATH, then the Android SDK
func FindADB(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("adb not found at %s: %w", explicit, err)
		}
		return explicit, nil
	}
	if p, err := exec.LookPath("adb"); err == nil {
		return p, nil
	}

	name := "adb"
	if runtime.GOOS == "windows" {
		name = "adb.exe"
	}
	for _, env := range []string{"ANDROID_HOME", "ANDROID_SDK_ROOT"} {
		root := os.Getenv(env)
		if root == "" {
			continue
		}
		candidate := filepath.Join(root, "platform-tools", name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("adb not found in PATH, ANDROID_HOME or ANDROID_SDK_ROOT")
}

// Path returns the adb binary in use
func (a *ADB) Path() string { return a.path }

// newCommand creates an adb command with proxy variables stripped from the environment
func (a *ADB) newCommand(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, a.path, args...)

	proxyVars := []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "all_proxy", "no_proxy"}
	env := os.Environ()
	clean := make([]string, 0, len(env))
	for _, e := range env {
		proxy := false
		for _, v := range proxyVars {
			if strings.HasPrefix(e, v+"=") {
				proxy = true
				break
			}
		}
		if !proxy {
			clean = append(clean, e)
		}
	}
	cmd.Env = clean
	return cmd
}

func (a *ADB) limiter(deviceID string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[deviceID]
	if !ok {
		l = rate.NewLimiter(a.limit, a.burst)
		a.limiters[deviceID] = l
	}
	return l
}

// run executes adb with the per-call timeout and returns stdout, stderr and exit code
func (a *ADB) run(ctx context.Context, deviceID string, args ...string) (string, string, int, error) {
	if deviceID != "" {
		if err := a.limiter(deviceID).Wait(ctx); err != nil {
			return "", "", -1, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := a.newCommand(callCtx, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return stdout.String(), stderr.String(), -1, ctx.Err()
	}
	if callCtx.Err() == context.DeadlineExceeded {
		return stdout.String(), stderr.String(), -1, fmt.Errorf("adb %s: %w", strings.Join(args, " "), ErrTimeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		return stdout.String(), stderr.String(), -1, fmt.Errorf("failed to run adb: %w", err)
	}
	return stdout.String(), stderr.String(), 0, nil
}

// ListDevices parses `adb devices -l`
func (a *ADB) ListDevices(ctx context.Context) ([]DeviceEntry, error) {
	stdout, stderr, code, err := a.run(ctx, "", "devices", "-l")
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("adb devices exited %d: %s", code, strings.TrimSpace(stderr))
	}
	return parseDevices(stdout), nil
}

// RunShell runs command through `adb -s <id> shell`. A non-zero remote exit
// code is reported in the result, not as an error.
func (a *ADB) RunShell(ctx context.Context, deviceID, command string) (ShellResult, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return ShellResult{}, err
	}
	stdout, stderr, code, err := a.run(ctx, deviceID, "-s", deviceID, "shell", command)
	if err != nil {
		return ShellResult{}, err
	}
	if adbErr := classifyStderr(stderr); adbErr != nil {
		return ShellResult{}, fmt.Errorf("%s: %w", deviceID, adbErr)
	}

	out := stdout
	if s := strings.TrimSpace(stderr); s != "" {
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += s
	}
	return ShellResult{Stdout: out, ExitCode: code}, nil
}

// GetProperty reads a system property with getprop
func (a *ADB) GetProperty(ctx context.Context, deviceID, key string) (string, bool, error) {
	if !propertyKeyPattern.MatchString(key) {
		return "", false, fmt.Errorf("invalid property key %q", key)
	}
	res, err := a.RunShell(ctx, deviceID, "getprop "+key)
	if err != nil {
		return "", false, err
	}
	value := strings.TrimSpace(res.Stdout)
	return value, value != "", nil
}

// Status asks adb for the device state
func (a *ADB) Status(ctx context.Context, deviceID string) (Signal, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return SignalUnreachable, err
	}
	stdout, stderr, _, err := a.run(ctx, deviceID, "-s", deviceID, "get-state")
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return SignalUnreachable, nil
		}
		return SignalUnreachable, err
	}
	if adbErr := classifyStderr(stderr); adbErr != nil {
		return SignalFromError(adbErr), nil
	}
	return signalFromState(strings.TrimSpace(stdout)), nil
}

// Reconnect re-establishes a wireless connection or asks adb to reconnect a USB device
func (a *ADB) Reconnect(ctx context.Context, deviceID string) error {
	if err := ValidateDeviceID(deviceID); err != nil {
		return err
	}

	if IsWireless(deviceID) {
		stdout, stderr, _, err := a.run(ctx, deviceID, "connect", deviceID)
		if err != nil {
			return err
		}
		out := strings.ToLower(stdout + stderr)
		if strings.Contains(out, "connected to") {
			return nil
		}
		return fmt.Errorf("adb connect %s: %s: %w", deviceID, strings.TrimSpace(stdout+stderr), ErrUnreachable)
	}

	_, stderr, _, err := a.run(ctx, deviceID, "-s", deviceID, "reconnect")
	if err != nil {
		return err
	}
	if adbErr := classifyStderr(stderr); adbErr != nil {
		return fmt.Errorf("adb reconnect %s: %w", deviceID, adbErr)
	}
	return nil
}

// parseDevices turns `adb devices -l` output into entries
func parseDevices(output string) []DeviceEntry {
	var entries []DeviceEntry
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices attached") || strings.HasPrefix(line, "*") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		entry := DeviceEntry{ID: parts[0], Signal: signalFromState(parts[1])}
		for _, p := range parts[2:] {
			if kv := strings.SplitN(p, ":", 2); len(kv) == 2 && kv[0] == "model" {
				entry.Model = kv[1]
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

func signalFromState(state string) Signal {
	switch state {
	case "device":
		return SignalOK
	case "unauthorized", "no":
		// "no permissions" is split by Fields into "no" + "permissions"
		return SignalUnauthorized
	case "offline", "authorizing", "connecting", "bootloader", "recovery", "sideload", "rescue":
		return SignalOffline
	case "":
		return SignalUnreachable
	}
	return SignalOffline
}

// adbErrors are the prefixes of adb's own client errors. Matching is case
// sensitive: remote tools print "Error: ..." and must reach the caller as
// command output.
var adbErrors = []struct {
	prefix string
	err    error
}{
	{"error: device unauthorized", ErrUnauthorized},
	{"error: insufficient permissions", ErrUnauthorized},
	{"adb: device unauthorized", ErrUnauthorized},
	{"adb: insufficient permissions", ErrUnauthorized},
	{"error: device '", ErrUnreachable},
	{"error: device offline", ErrUnreachable},
	{"error: device not found", ErrUnreachable},
	{"error: device still authorizing", ErrUnreachable},
	{"error: no devices", ErrUnreachable},
	{"error: closed", ErrUnreachable},
	{"error: protocol fault", ErrUnreachable},
	{"adb: device offline", ErrUnreachable},
}

// classifyStderr recognizes adb's own error lines as opposed to remote stderr
func classifyStderr(stderr string) error {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		for _, e := range adbErrors {
			if strings.HasPrefix(line, e.prefix) {
				return e.err
			}
		}
		if rest, ok := strings.CutPrefix(line, "adb: error: "); ok {
			switch {
			case strings.Contains(rest, "unauthorized"):
				return ErrUnauthorized
			case strings.Contains(rest, "device offline"),
				strings.Contains(rest, "not found"),
				strings.Contains(rest, "closed"):
				return ErrUnreachable
			}
		}
	}
	return nil
}
