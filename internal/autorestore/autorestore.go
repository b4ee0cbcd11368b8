// Package autorestore resumes the proxy after a restart when it was on
// before shutdown and the session is being restored.
package autorestore

import (
	"context"
	"sync"

	"ipp-daemon/internal/core"
	"ipp-daemon/internal/metrics"
)

const tag = "AutoRestore"

// Proxy is the part of the proxy manager used here.
type Proxy interface {
	Start(ctx context.Context, userInitiated bool) error
	CreateChannelFilter() bool
	CancelChannelFilter()
}

// StateReader returns the current service state.
type StateReader interface {
	State() core.ServiceState
}

// ListStatus reports whether the server list is known.
type ListStatus interface {
	HasList() bool
}

// Options wires AutoRestore.
type Options struct {
	Prefs   core.PrefStore
	Bus     *core.EventBus
	Service StateReader
	List    ListStatus
	Proxy   Proxy
	// Restoring fires when the previous session is being restored.
	Restoring *core.Signal
	Metrics   *metrics.Metrics
}

// AutoRestore holds traffic back while a session is restored and starts
// the proxy once startup completes.
type AutoRestore struct {
	opts Options

	userEnabled     bool
	autoStartPref   bool
	autoRestorePref bool

	mu           sync.Mutex
	willRestore  bool
	observed     bool
	unsub        func()
	stopObserver func()
}

// New captures the preferences; it has no other side effects.
func New(opts Options) *AutoRestore {
	return &AutoRestore{
		opts:            opts,
		userEnabled:     opts.Prefs.GetBool(core.PrefUserEnabled, false),
		autoStartPref:   opts.Prefs.GetBool(core.PrefAutoStartEnabled, false),
		autoRestorePref: opts.Prefs.GetBool(core.PrefAutoRestoreEnabled, false),
	}
}

// Eligible reports whether restoring applies: auto-restore is on, auto-start
// is off and the user had the proxy on.
func (r *AutoRestore) Eligible() bool {
	return r.autoRestorePref && !r.autoStartPref && r.userEnabled
}

// Init listens for state changes and the restoring signal when eligible.
func (r *AutoRestore) Init() {
	if !r.Eligible() {
		return
	}

	r.mu.Lock()
	if r.unsub != nil {
		r.mu.Unlock()
		return
	}
	r.unsub = r.opts.Bus.Subscribe(core.EventStateChanged, r.handleStateChanged)
	r.mu.Unlock()

	if r.opts.Restoring != nil {
		stop := r.opts.Restoring.Observe(r.Observe)
		r.mu.Lock()
		r.stopObserver = stop
		r.mu.Unlock()
	}
}

// Observe handles the restoring signal. Only the first call has any effect.
func (r *AutoRestore) Observe() {
	ready := r.opts.Service.State() == core.StateReady

	r.mu.Lock()
	if r.observed {
		r.mu.Unlock()
		return
	}
	r.observed = true
	stop := r.stopObserver
	r.stopObserver = nil
	arm := ready && r.opts.List.HasList() && r.userEnabled
	if arm {
		r.willRestore = true
	}
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	if arm {
		r.opts.Proxy.CreateChannelFilter()
		core.Log.Infof(tag, "Session restore pending, holding traffic")
	}
}

// WillRestore reports whether the proxy will be started on startup completion.
func (r *AutoRestore) WillRestore() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.willRestore
}

// InitOnStartupCompleted starts the proxy if a restore is pending, then
// detaches.
func (r *AutoRestore) InitOnStartupCompleted(ctx context.Context) {
	r.mu.Lock()
	start := r.willRestore
	r.willRestore = false
	r.mu.Unlock()

	if start {
		core.Log.Infof(tag, "Restoring proxy")
		if err := r.opts.Proxy.Start(ctx, false); err != nil {
			core.Log.Errorf(tag, "Restore failed: %v", err)
		} else {
			r.opts.Metrics.ProxyStarted("autorestore")
		}
	}
	r.Uninit()
}

// Uninit cancels a pending restore and removes all listeners.
func (r *AutoRestore) Uninit() {
	r.mu.Lock()
	cancelFilter := r.willRestore
	r.willRestore = false
	unsub := r.unsub
	r.unsub = nil
	stop := r.stopObserver
	r.stopObserver = nil
	r.mu.Unlock()

	if cancelFilter {
		r.opts.Proxy.CancelChannelFilter()
		core.Log.Infof(tag, "Pending restore cancelled")
	}
	if unsub != nil {
		unsub()
	}
	if stop != nil {
		stop()
	}
}

func (r *AutoRestore) handleStateChanged(e core.Event) {
	p, ok := e.Payload.(core.StatePayload)
	if !ok {
		return
	}
	switch p.State {
	case core.StateUnavailable, core.StateUnauthenticated:
		r.Uninit()
	}
}
