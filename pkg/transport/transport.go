// Package transport talks to devices. It knows nothing about actions or profiles.
package transport

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Signal is the raw connection signal a transport reports for a device
type Signal string

const (
	SignalOK           Signal = "ok"
	SignalOffline      Signal = "offline"
	SignalUnauthorized Signal = "unauthorized"
	SignalUnreachable  Signal = "unreachable"
)

// Transport errors. Callers match them with errors.Is.
var (
	ErrUnauthorized = errors.New("device unauthorized")
	ErrUnreachable  = errors.New("device unreachable")
	ErrTimeout      = errors.New("transport call timed out")
)

// DeviceEntry is one row of a device listing
type DeviceEntry struct {
	ID     string `json:"id"`
	Signal Signal `json:"signal"`
	Model  string `json:"model,omitempty"`
}

// ShellResult is what a device-scoped shell command produced
type ShellResult struct {
	Stdout   string `json:"stdout"`
	ExitCode int    `json:"exitCode"`
}

// Transport is the thin capability layer over the device connection
type Transport interface {
	ListDevices(ctx context.Context) ([]DeviceEntry, error)
	RunShell(ctx context.Context, deviceID, command string) (ShellResult, error)
	// GetProperty returns the property value and whether it is set
	GetProperty(ctx context.Context, deviceID, key string) (string, bool, error)
	Status(ctx context.Context, deviceID string) (Signal, error)
	Reconnect(ctx context.Context, deviceID string) error
}

// SignalFromError maps a transport error onto the signal it implies.
// A nil or unrelated error maps to SignalOK.
func SignalFromError(err error) Signal {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return SignalUnauthorized
	case errors.Is(err, ErrUnreachable):
		return SignalUnreachable
	}
	return SignalOK
}

// deviceIDPattern accepts USB serials, ip:port and mDNS service names
var deviceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._:\-]+$`)

var propertyKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9._\-]+$`)

// ValidateDeviceID rejects ids that could smuggle arguments into adb
func ValidateDeviceID(deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("device ID cannot be empty")
	}
	if len(deviceID) > 256 {
		return fmt.Errorf("device ID too long (max 256 characters)")
	}
	if strings.HasPrefix(deviceID, "-") {
		return fmt.Errorf("invalid device ID format: leading dash")
	}
	if !deviceIDPattern.MatchString(deviceID) {
		return fmt.Errorf("invalid device ID format: contains illegal characters")
	}
	return nil
}

// IsWireless reports whether the id names a TCP or mDNS connection
func IsWireless(deviceID string) bool {
	return strings.Contains(deviceID, ":") || strings.Contains(deviceID, "._tcp")
}
