// Package autostart starts the proxy on its own when the service becomes
// ready, if the user asked for it, and holds traffic back until then.
package autostart

import (
	"context"
	"sync"

	"ipp-daemon/internal/core"
	"ipp-daemon/internal/metrics"
)

const tag = "AutoStart"

// Proxy is the part of the proxy manager used by the helpers.
type Proxy interface {
	Start(ctx context.Context, userInitiated bool) error
	CreateChannelFilter() bool
	CancelChannelFilter()
	State() core.ProxyState
}

// ListStatus reports whether the server list is known.
type ListStatus interface {
	HasList() bool
}

// AutoStart arms a latch whenever the service drops into a not-ready state
// and starts the proxy, once, on the next READY.
type AutoStart struct {
	prefs   core.PrefStore
	bus     *core.EventBus
	list    ListStatus
	proxy   Proxy
	metrics *metrics.Metrics

	mu                   sync.Mutex
	unsub                func()
	shouldStartWhenReady bool
	cancelWatch          func()
}

// New creates the helper and starts following the autostart preference.
func New(prefs core.PrefStore, bus *core.EventBus, list ListStatus, proxy Proxy, m *metrics.Metrics) *AutoStart {
	a := &AutoStart{
		prefs:   prefs,
		bus:     bus,
		list:    list,
		proxy:   proxy,
		metrics: m,
	}
	a.cancelWatch = prefs.Watch(core.PrefAutoStartEnabled, func(string) {
		if prefs.GetBool(core.PrefAutoStartEnabled, false) {
			a.Init()
		} else {
			a.Uninit()
		}
	})
	return a
}

// Enabled reports whether auto-start applies right now: the feature and the
// user preference are on and the server list is known.
func (a *AutoStart) Enabled() bool {
	return a.prefs.GetBool(core.PrefAutoStartFeature, false) &&
		a.prefs.GetBool(core.PrefAutoStartEnabled, false) &&
		a.list.HasList()
}

// Init starts listening and arms the latch. Does nothing when auto-start
// does not apply or when already listening.
func (a *AutoStart) Init() {
	if !a.Enabled() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unsub != nil {
		return
	}
	a.shouldStartWhenReady = true
	a.unsub = a.bus.Subscribe(core.EventStateChanged, a.handleStateChanged)
	core.Log.Debugf(tag, "Listening for state changes")
}

func (a *AutoStart) InitOnStartupCompleted(context.Context) {}

// Uninit stops listening and clears the latch.
func (a *AutoStart) Uninit() {
	a.mu.Lock()
	unsub := a.unsub
	a.unsub = nil
	a.shouldStartWhenReady = false
	a.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// Close also stops following the autostart preference.
func (a *AutoStart) Close() {
	a.cancelWatch()
	a.Uninit()
}

// Armed reports the latch.
func (a *AutoStart) Armed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shouldStartWhenReady
}

func (a *AutoStart) handleStateChanged(e core.Event) {
	p, ok := e.Payload.(core.StatePayload)
	if !ok {
		return
	}

	a.mu.Lock()
	if a.unsub == nil {
		a.mu.Unlock()
		return
	}
	start := false
	switch p.State {
	case core.StateUninitialized, core.StateUnavailable, core.StateUnauthenticated:
		a.shouldStartWhenReady = true
	case core.StateReady:
		start = a.shouldStartWhenReady
		a.shouldStartWhenReady = false
	}
	a.mu.Unlock()

	if !start {
		return
	}
	core.Log.Infof(tag, "Service ready, starting proxy")
	if err := a.proxy.Start(context.Background(), false); err != nil {
		core.Log.Errorf(tag, "Auto-start failed: %v", err)
		return
	}
	a.metrics.ProxyStarted("autostart")
}
