package types

import (
	"math"
	"time"
)

// DeviceClass is the coarse form factor used to pick command variants
type DeviceClass string

const (
	ClassPhone    DeviceClass = "phone"
	ClassTablet   DeviceClass = "tablet"
	ClassTV       DeviceClass = "tv"
	ClassFoldable DeviceClass = "foldable"
)

// ParseDeviceClass returns the class named by s and whether it is known
func ParseDeviceClass(s string) (DeviceClass, bool) {
	switch DeviceClass(s) {
	case ClassPhone, ClassTablet, ClassTV, ClassFoldable:
		return DeviceClass(s), true
	}
	return "", false
}

// DeviceProfile is an immutable snapshot of what an attached device is.
// A profile is replaced, never edited, when the device reconnects.
type DeviceProfile struct {
	ID           string      `json:"id"`
	Manufacturer string      `json:"manufacturer"`
	Model        string      `json:"model"`
	APILevel     int         `json:"apiLevel"`
	ScreenWidth  int         `json:"screenWidth"`
	ScreenHeight int         `json:"screenHeight"`
	Density      int         `json:"density"`
	Class        DeviceClass `json:"class"`
	ResolvedAt   time.Time   `json:"resolvedAt"`
}

// DiagonalInches estimates the physical screen diagonal from pixels and density.
// Returns 0 when the density is unknown.
func (p DeviceProfile) DiagonalInches() float64 {
	if p.Density <= 0 {
		return 0
	}
	px := math.Hypot(float64(p.ScreenWidth), float64(p.ScreenHeight))
	return px / float64(p.Density)
}

// ConnectionState is the Health Monitor's view of a device
type ConnectionState string

const (
	StateAbsent       ConnectionState = "absent"
	StateUnauthorized ConnectionState = "unauthorized"
	StateConnected    ConnectionState = "connected"
	StateUnstable     ConnectionState = "unstable"
)

// Transition records one ConnectionState change and who caused it
type Transition struct {
	DeviceID string          `json:"deviceId"`
	From     ConnectionState `json:"from"`
	To       ConnectionState `json:"to"`
	Source   string          `json:"source"` // "poll", "reconnect" or "discovery"
	Reason   string          `json:"reason,omitempty"`
	At       time.Time       `json:"at"`
}

// DeviceStatus is a listing row: a device id with its current state
type DeviceStatus struct {
	ID    string          `json:"id"`
	State ConnectionState `json:"state"`
	Model string          `json:"model,omitempty"`
}

// HealthReport is the diagnostics view returned for a single device
type HealthReport struct {
	DeviceID       string             `json:"deviceId"`
	State          ConnectionState    `json:"state"`
	Scores         map[string]float64 `json:"scores"`
	Profile        *DeviceProfile     `json:"profile,omitempty"`
	LastPoll       time.Time          `json:"lastPoll,omitempty"`
	LastTransition *Transition        `json:"lastTransition,omitempty"`
}
