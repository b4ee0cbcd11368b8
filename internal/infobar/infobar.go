// Package infobar warns in the most recent window when the bandwidth quota
// is running out, and alerts every window when the connection pauses or
// fails.
package infobar

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"

	"ipp-daemon/internal/core"
	"ipp-daemon/internal/metrics"
)

const tag = "Infobar"

// Warning thresholds, in percent of the quota used.
const (
	Threshold75 = 75
	Threshold90 = 90
)

// NotificationID returns the notification id of a threshold.
func NotificationID(threshold int) string {
	return fmt.Sprintf("ip-protection-bandwidth-warning-%d", threshold)
}

// ThresholdFor returns the warning threshold reached by u, or 0.
func ThresholdFor(u *core.Usage) int {
	if u == nil || !u.Complete() {
		return 0
	}
	remaining := u.RemainingFraction()
	switch {
	case remaining <= 0.10:
		return Threshold90
	case remaining <= 0.25:
		return Threshold75
	default:
		return 0
	}
}

// RemainingGB formats the remaining bytes as whole gigabytes.
func RemainingGB(u *core.Usage) string {
	gb := float64(u.Remaining) / float64(core.BytesInGB)
	return strconv.FormatInt(int64(math.Round(gb)), 10)
}

// Manager shows bandwidth warnings on usage changes.
type Manager struct {
	bus     *core.EventBus
	windows *WindowTracker
	metrics *metrics.Metrics

	mu    sync.Mutex
	unsub func()
}

// NewManager creates the manager.
func NewManager(bus *core.EventBus, windows *WindowTracker, m *metrics.Metrics) *Manager {
	return &Manager{bus: bus, windows: windows, metrics: m}
}

// Init starts listening for usage changes.
func (m *Manager) Init() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsub != nil {
		return
	}
	m.unsub = m.bus.Subscribe(core.EventUsageChanged, m.handleUsageChanged)
}

func (m *Manager) InitOnStartupCompleted(context.Context) {}

// Uninit stops listening.
func (m *Manager) Uninit() {
	m.mu.Lock()
	unsub := m.unsub
	m.unsub = nil
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Initialized reports whether the manager listens.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unsub != nil
}

func (m *Manager) handleUsageChanged(e core.Event) {
	p, ok := e.Payload.(core.UsagePayload)
	if !ok {
		return
	}
	if threshold := ThresholdFor(p.Usage); threshold != 0 {
		m.show(threshold, p.Usage)
	}
}

func (m *Manager) show(threshold int, u *core.Usage) {
	win := m.windows.MostRecent()
	if win == nil {
		return
	}

	n := Notification{
		ID:       NotificationID(threshold),
		L10nID:   fmt.Sprintf("ip-protection-bandwidth-warning-infobar-message-%d", threshold),
		Args:     map[string]string{"usageLeft": RemainingGB(u)},
		Priority: PriorityWarningHigh,
	}
	if !win.Box.Append(n) {
		return
	}
	m.metrics.InfobarDisplayed(threshold)
	core.Log.Warnf(tag, "Bandwidth %d%% used, %s GB left (window %s)", threshold, n.Args["usageLeft"], win.ID)
}
