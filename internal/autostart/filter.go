package autostart

import (
	"context"
	"sync"

	"ipp-daemon/internal/core"
)

// EarlyStartupFilter holds traffic back from startup until the auto-started
// proxy is active. Whether auto-start applies is decided once, at
// construction.
type EarlyStartupFilter struct {
	bus   *core.EventBus
	proxy Proxy

	mu      sync.Mutex
	enabled bool
	unsubs  []func()
}

// NewEarlyStartupFilter captures whether auto start applies now.
func NewEarlyStartupFilter(bus *core.EventBus, proxy Proxy, autoStart *AutoStart) *EarlyStartupFilter {
	return &EarlyStartupFilter{
		bus:     bus,
		proxy:   proxy,
		enabled: autoStart.Enabled(),
	}
}

// Init installs the channel filter and waits for the outcome.
func (f *EarlyStartupFilter) Init() {
	f.mu.Lock()
	if !f.enabled || f.unsubs != nil {
		f.mu.Unlock()
		return
	}
	f.unsubs = []func(){
		f.bus.Subscribe(core.EventStateChanged, f.handleEvent),
		f.bus.Subscribe(core.EventProxyStateChanged, f.handleEvent),
	}
	f.mu.Unlock()

	f.proxy.CreateChannelFilter()
	core.Log.Infof(tag, "Early startup filter installed")
}

func (f *EarlyStartupFilter) InitOnStartupCompleted(context.Context) {}

// Uninit stops listening. The filter itself is left to the proxy.
func (f *EarlyStartupFilter) Uninit() {
	f.mu.Lock()
	unsubs := f.unsubs
	f.enabled = false
	f.unsubs = nil
	f.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// Active reports whether the filter is still waiting.
func (f *EarlyStartupFilter) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubs != nil
}

func (f *EarlyStartupFilter) handleEvent(e core.Event) {
	if !f.Active() {
		return
	}
	if p, ok := e.Payload.(core.StatePayload); ok {
		switch p.State {
		case core.StateUnavailable, core.StateUnauthenticated:
			core.Log.Infof(tag, "Service is %s, releasing early startup filter", p.State)
			f.proxy.CancelChannelFilter()
			f.Uninit()
			return
		}
	}

	if f.proxy.State() == core.ProxyActive {
		f.Uninit()
	}
}
