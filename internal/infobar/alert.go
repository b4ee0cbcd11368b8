package infobar

import (
	"context"
	"strconv"
	"sync"

	"ipp-daemon/internal/core"
)

// Alert notification ids.
const (
	AlertPaused = "vpn-paused-alert"
	AlertError  = "vpn-error-alert"
)

// pausedMaxUsageGB is shown in the paused alert body.
const pausedMaxUsageGB = 150

// Connection is the part of the proxy manager the alerts need.
type Connection interface {
	Active() bool
	Stop(userInitiated bool)
}

// AlertManager opens a blocking alert in every window while an established
// connection is paused or failing, and closes it once the proxy recovers or
// is stopped.
type AlertManager struct {
	bus     *core.EventBus
	windows *WindowTracker
	conn    Connection

	mu    sync.Mutex
	unsub func()
	open  string // id of the alert shown, "" when none
}

// NewAlertManager creates the manager.
func NewAlertManager(bus *core.EventBus, windows *WindowTracker, conn Connection) *AlertManager {
	return &AlertManager{bus: bus, windows: windows, conn: conn}
}

// Init starts listening for proxy state changes.
func (a *AlertManager) Init() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unsub != nil {
		return
	}
	a.unsub = a.bus.Subscribe(core.EventProxyStateChanged, a.handleProxyState)
}

func (a *AlertManager) InitOnStartupCompleted(context.Context) {}

// Uninit stops listening and closes any open alert.
func (a *AlertManager) Uninit() {
	a.mu.Lock()
	unsub := a.unsub
	a.unsub = nil
	a.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	a.closeAll()
}

// Open returns the id of the alert shown, or "".
func (a *AlertManager) Open() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

// IsAlert reports whether id names an alert notification.
func IsAlert(id string) bool {
	return id == AlertPaused || id == AlertError
}

// ContinueWithoutVPN answers the open alert: every alert closes and the
// proxy is stopped on behalf of the user. It returns false when no alert
// is open.
func (a *AlertManager) ContinueWithoutVPN() bool {
	if a.Open() == "" {
		return false
	}
	a.closeAll()
	a.conn.Stop(true)
	return true
}

func (a *AlertManager) handleProxyState(e core.Event) {
	p, ok := e.Payload.(core.ProxyStatePayload)
	if !ok {
		return
	}
	switch p.State {
	case core.ProxyActive, core.ProxyReady, core.ProxyNotReady:
		a.closeAll()
	case core.ProxyPaused:
		a.show(Notification{
			ID:       AlertPaused,
			L10nID:   "vpn-paused-alert-title",
			Args:     map[string]string{"maxUsage": strconv.Itoa(pausedMaxUsageGB)},
			Priority: PriorityCritical,
		})
	case core.ProxyError:
		a.show(Notification{
			ID:       AlertError,
			L10nID:   "vpn-error-alert-title",
			Priority: PriorityCritical,
		})
	}
}

// show opens n in every window. A connection that never got established
// has nothing to alert about.
func (a *AlertManager) show(n Notification) {
	if !a.conn.Active() {
		return
	}
	a.mu.Lock()
	if a.open != "" {
		a.mu.Unlock()
		return
	}
	a.open = n.ID
	a.mu.Unlock()

	windows := a.windows.All()
	for _, w := range windows {
		w.Box.Append(n)
	}
	core.Log.Warnf(tag, "Alert %s opened in %d windows", n.ID, len(windows))
}

func (a *AlertManager) closeAll() {
	a.mu.Lock()
	id := a.open
	a.open = ""
	a.mu.Unlock()
	if id == "" {
		return
	}
	for _, w := range a.windows.All() {
		w.Box.Remove(id)
	}
	core.Log.Infof(tag, "Alert %s closed", id)
}
