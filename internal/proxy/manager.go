// Package proxy tracks the proxy connection of the session: the channel
// filter that holds traffic back while a connection is pending, the selected
// server and the bandwidth usage reported for it.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ipp-daemon/internal/core"
	"ipp-daemon/internal/serverlist"
)

const tag = "Proxy"

var (
	// ErrNotReady is returned by Start while the service is not ready.
	ErrNotReady = errors.New("proxy: service not ready")
	// ErrNoServer is returned by Start when no server can be selected.
	ErrNoServer = errors.New("proxy: no server available")
	// ErrAborted is returned by Start when the proxy was stopped meanwhile.
	ErrAborted = errors.New("proxy: activation aborted")
)

// ChannelFilter holds new network channels until the proxy is active.
type ChannelFilter struct {
	IsolationKey string
	CreatedAt    time.Time
}

// Status is a snapshot of the manager.
type Status struct {
	State       core.ProxyState
	Filter      *ChannelFilter
	Country     string
	City        string
	Server      string
	ActivatedAt time.Time
	Usage       *core.Usage
	LastError   string
	UserEnabled bool
}

// Manager owns the proxy lifecycle. Events are published after the lock
// is released, so listeners may call back into the manager.
type Manager struct {
	prefs core.PrefStore
	bus   *core.EventBus
	list  serverlist.List

	mu          sync.Mutex
	state       core.ProxyState
	filter      *ChannelFilter
	location    *serverlist.Location
	server      *serverlist.Server
	activatedAt time.Time
	usage       *core.Usage
	lastErr     error
	unsub       func()
	onFilter    func(active bool)
}

// NewManager creates a manager in the not-ready state.
func NewManager(prefs core.PrefStore, bus *core.EventBus, list serverlist.List) *Manager {
	return &Manager{
		prefs: prefs,
		bus:   bus,
		list:  list,
		state: core.ProxyNotReady,
	}
}

// OnFilterChange registers fn to be told when the filter is installed or
// removed. Used for metrics.
func (m *Manager) OnFilterChange(fn func(active bool)) {
	m.mu.Lock()
	m.onFilter = fn
	m.mu.Unlock()
}

// Init starts following the service state.
func (m *Manager) Init() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsub != nil {
		return
	}
	m.unsub = m.bus.Subscribe(core.EventStateChanged, m.handleStateChanged)
}

func (m *Manager) InitOnStartupCompleted(context.Context) {}

// Uninit stops following the service state and tears down the connection.
func (m *Manager) Uninit() {
	m.mu.Lock()
	unsub := m.unsub
	m.unsub = nil
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	m.reset(core.ProxyNotReady)
}

// State returns the current proxy state.
func (m *Manager) State() core.ProxyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active reports whether a connection to a server is established. A paused
// or failed connection stays established until it is stopped.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.server != nil
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		State:       m.state,
		ActivatedAt: m.activatedAt,
		UserEnabled: m.prefs.GetBool(core.PrefUserEnabled, false),
	}
	if m.filter != nil {
		f := *m.filter
		st.Filter = &f
	}
	if m.location != nil {
		st.Country = m.location.Country.Code
		st.City = m.location.City.Code
	}
	if m.server != nil {
		st.Server = m.server.Hostname
	}
	if m.usage != nil {
		u := *m.usage
		st.Usage = &u
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// CreateChannelFilter installs the channel filter. Installing twice keeps
// the first filter and reports false.
func (m *Manager) CreateChannelFilter() bool {
	m.mu.Lock()
	created := m.createFilterLocked()
	notify := m.onFilter
	m.mu.Unlock()

	if created {
		core.Log.Debugf(tag, "Channel filter installed")
		if notify != nil {
			notify(true)
		}
	}
	return created
}

// CancelChannelFilter removes the channel filter if one is installed.
func (m *Manager) CancelChannelFilter() {
	m.mu.Lock()
	had := m.filter != nil
	m.filter = nil
	notify := m.onFilter
	m.mu.Unlock()

	if had {
		core.Log.Debugf(tag, "Channel filter cancelled")
		if notify != nil {
			notify(false)
		}
	}
}

// HasChannelFilter reports whether the filter is installed.
func (m *Manager) HasChannelFilter() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter != nil
}

func (m *Manager) createFilterLocked() bool {
	if m.filter != nil {
		return false
	}
	m.filter = &ChannelFilter{
		IsolationKey: uuid.NewString(),
		CreatedAt:    time.Now(),
	}
	return true
}

// Start connects the proxy to a server of the default location. A user
// initiated start is remembered in the userEnabled preference. Starting an
// active or activating proxy is a no-op.
func (m *Manager) Start(ctx context.Context, userInitiated bool) error {
	m.mu.Lock()
	prev := m.state
	switch prev {
	case core.ProxyActive, core.ProxyActivating:
		m.mu.Unlock()
		return nil
	case core.ProxyNotReady:
		m.mu.Unlock()
		return ErrNotReady
	}
	created := m.createFilterLocked()
	m.state = core.ProxyActivating
	m.lastErr = nil
	notify := m.onFilter
	m.mu.Unlock()

	if created && notify != nil {
		notify(true)
	}
	m.publishState(core.ProxyActivating, prev)

	if userInitiated {
		if err := m.prefs.SetBool(core.PrefUserEnabled, true); err != nil {
			core.Log.Warnf(tag, "Failed to persist %s: %v", core.PrefUserEnabled, err)
		}
	}

	if err := m.list.MaybeFetchList(ctx, false); err != nil {
		return m.fail(fmt.Errorf("load server list: %w", err))
	}
	loc := m.list.DefaultLocation()
	if loc == nil {
		return m.fail(ErrNoServer)
	}
	server := m.list.SelectServer(loc.City)
	if server == nil {
		return m.fail(ErrNoServer)
	}

	m.mu.Lock()
	if m.state != core.ProxyActivating {
		m.mu.Unlock()
		return ErrAborted
	}
	m.state = core.ProxyActive
	m.location = loc
	m.server = server
	m.activatedAt = time.Now()
	m.mu.Unlock()

	core.Log.Infof(tag, "Active via %s (%s/%s, userInitiated=%v)",
		server.Hostname, loc.Country.Code, loc.City.Code, userInitiated)
	m.publishState(core.ProxyActive, core.ProxyActivating)
	return nil
}

func (m *Manager) fail(err error) error {
	m.mu.Lock()
	if m.state != core.ProxyActivating {
		m.mu.Unlock()
		return ErrAborted
	}
	had := m.filter != nil
	m.filter = nil
	m.state = core.ProxyError
	m.lastErr = err
	notify := m.onFilter
	m.mu.Unlock()

	if had && notify != nil {
		notify(false)
	}
	core.Log.Errorf(tag, "Start failed: %v", err)
	m.publishState(core.ProxyError, core.ProxyActivating)
	return err
}

// ReportError moves an established connection to the error state. It
// returns false when no connection is established.
func (m *Manager) ReportError(err error) bool {
	m.mu.Lock()
	prev := m.state
	if m.server == nil || prev == core.ProxyError {
		established := m.server != nil
		m.mu.Unlock()
		return established
	}
	m.state = core.ProxyError
	m.lastErr = err
	m.mu.Unlock()

	core.Log.Errorf(tag, "Connection failed: %v", err)
	m.publishState(core.ProxyError, prev)
	return true
}

// Stop disconnects the proxy. A user initiated stop clears the
// userEnabled preference.
func (m *Manager) Stop(userInitiated bool) {
	m.mu.Lock()
	running := m.state == core.ProxyActive || m.state == core.ProxyActivating ||
		m.state == core.ProxyError || m.state == core.ProxyPaused
	m.mu.Unlock()

	if userInitiated {
		if err := m.prefs.SetBool(core.PrefUserEnabled, false); err != nil {
			core.Log.Warnf(tag, "Failed to persist %s: %v", core.PrefUserEnabled, err)
		}
	}
	if running {
		m.reset(core.ProxyReady)
		core.Log.Infof(tag, "Stopped (userInitiated=%v)", userInitiated)
	}
}

// SetUsage records the bandwidth usage reported for the connection and
// publishes EventUsageChanged. An exhausted quota pauses an active proxy.
func (m *Manager) SetUsage(u core.Usage) {
	m.mu.Lock()
	m.usage = &u
	prev := m.state
	paused := prev == core.ProxyActive && u.Complete() && u.Remaining == 0
	if paused {
		m.state = core.ProxyPaused
	}
	m.mu.Unlock()

	m.bus.Publish(core.Event{Type: core.EventUsageChanged, Payload: core.UsagePayload{Usage: &u}})
	if paused {
		core.Log.Warnf(tag, "Bandwidth exhausted until %s", u.Reset.Format(time.RFC3339))
		m.publishState(core.ProxyPaused, prev)
	}
}

// Usage returns the last reported usage, or nil.
func (m *Manager) Usage() *core.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usage == nil {
		return nil
	}
	u := *m.usage
	return &u
}

// reset drops the connection and filter and moves to state.
func (m *Manager) reset(state core.ProxyState) {
	m.mu.Lock()
	prev := m.state
	had := m.filter != nil
	m.filter = nil
	m.location = nil
	m.server = nil
	m.activatedAt = time.Time{}
	m.state = state
	notify := m.onFilter
	m.mu.Unlock()

	if had && notify != nil {
		notify(false)
	}
	if prev != state {
		m.publishState(state, prev)
	}
}

func (m *Manager) handleStateChanged(e core.Event) {
	p, ok := e.Payload.(core.StatePayload)
	if !ok {
		return
	}

	if p.State == core.StateReady {
		m.mu.Lock()
		prev := m.state
		if prev != core.ProxyNotReady {
			m.mu.Unlock()
			return
		}
		m.state = core.ProxyReady
		m.mu.Unlock()
		m.publishState(core.ProxyReady, prev)
		return
	}

	if m.State() != core.ProxyNotReady {
		core.Log.Infof(tag, "Service is %s, dropping connection", p.State)
		m.reset(core.ProxyNotReady)
	}
}

func (m *Manager) publishState(state, prev core.ProxyState) {
	core.Log.Debugf(tag, "State %s -> %s", prev, state)
	m.bus.Publish(core.Event{
		Type:    core.EventProxyStateChanged,
		Payload: core.ProxyStatePayload{State: state, PrevState: prev},
	})
}
