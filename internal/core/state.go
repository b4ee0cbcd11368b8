package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrUnknownState is returned when a persisted state string is not recognized.
var ErrUnknownState = errors.New("unknown state")

// ServiceState is the state of the IP protection service state machine.
// Values are the strings persisted in the state cache.
type ServiceState string

const (
	// StateUninitialized: the service has not been initialized yet.
	StateUninitialized ServiceState = "uninitialized"
	// StateUnavailable: the user is not eligible or not signed in. No UI.
	StateUnavailable ServiceState = "unavailable"
	// StateUnauthenticated: eligible but signed out. The panel shows login.
	StateUnauthenticated ServiceState = "unauthenticated"
	// StateOptedOut: the user opted out of the VPN.
	StateOptedOut ServiceState = "optedout"
	// StateReady: the proxy can be activated.
	StateReady ServiceState = "ready"
)

// ServiceStates lists every known ServiceState.
var ServiceStates = []ServiceState{
	StateUninitialized,
	StateUnavailable,
	StateUnauthenticated,
	StateOptedOut,
	StateReady,
}

func (s ServiceState) String() string { return string(s) }

// Valid reports whether s is one of ServiceStates.
func (s ServiceState) Valid() bool {
	for _, known := range ServiceStates {
		if s == known {
			return true
		}
	}
	return false
}

// ParseServiceState validates a persisted state string.
func ParseServiceState(s string) (ServiceState, error) {
	st := ServiceState(s)
	if !st.Valid() {
		return StateUninitialized, fmt.Errorf("%w: %q", ErrUnknownState, s)
	}
	return st, nil
}

// ProxyState is the state of the proxy manager.
type ProxyState int

const (
	ProxyNotReady ProxyState = iota
	ProxyReady
	ProxyActivating
	ProxyActive
	ProxyError
	ProxyPaused
)

func (p ProxyState) String() string {
	switch p {
	case ProxyNotReady:
		return "not_ready"
	case ProxyReady:
		return "ready"
	case ProxyActivating:
		return "activating"
	case ProxyActive:
		return "active"
	case ProxyError:
		return "error"
	case ProxyPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Entitlement describes what the signed-in user may use.
type Entitlement struct {
	Autostart        bool      `json:"autostart"`
	CreatedAt        time.Time `json:"created_at"`
	LimitedBandwidth bool      `json:"limited_bandwidth"`
	LocationControls bool      `json:"location_controls"`
	Subscribed       bool      `json:"subscribed"`
	UID              int64     `json:"uid"`
	WebsiteInclusion bool      `json:"website_inclusion"`
}

// BytesInGB is the divisor used to present byte counts as GB.
const BytesInGB = 1 << 30

// Usage is the bandwidth usage reported by the proxy. Byte counts are
// serialized as decimal strings so large values survive JSON tooling.
type Usage struct {
	Max       int64
	Remaining int64
	Reset     time.Time
}

type usageJSON struct {
	Max       string `json:"max"`
	Remaining string `json:"remaining"`
	Reset     string `json:"reset"`
}

// MarshalJSON implements json.Marshaler.
func (u Usage) MarshalJSON() ([]byte, error) {
	return json.Marshal(usageJSON{
		Max:       strconv.FormatInt(u.Max, 10),
		Remaining: strconv.FormatInt(u.Remaining, 10),
		Reset:     u.Reset.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *Usage) UnmarshalJSON(data []byte) error {
	var raw usageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	maxBytes, err := strconv.ParseInt(raw.Max, 10, 64)
	if err != nil {
		return fmt.Errorf("parse max: %w", err)
	}
	remaining, err := strconv.ParseInt(raw.Remaining, 10, 64)
	if err != nil {
		return fmt.Errorf("parse remaining: %w", err)
	}
	reset, err := time.Parse(time.RFC3339, raw.Reset)
	if err != nil {
		return fmt.Errorf("parse reset: %w", err)
	}
	*u = Usage{Max: maxBytes, Remaining: remaining, Reset: reset}
	return nil
}

// Complete reports whether every field needed for threshold math is set.
func (u *Usage) Complete() bool {
	return u != nil && u.Max > 0 && u.Remaining >= 0 && !u.Reset.IsZero()
}

// RemainingFraction returns Remaining/Max, or 0 for incomplete usage.
func (u *Usage) RemainingFraction() float64 {
	if !u.Complete() {
		return 0
	}
	return float64(u.Remaining) / float64(u.Max)
}
