// Package service owns the IP Protection state machine and the gRPC control
// surface of the daemon. The state machine drives a list of helpers through
// a shared lifecycle and announces every transition on the event bus.
package service

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"ipp-daemon/internal/core"
	"ipp-daemon/internal/metrics"
)

const tag = "Service"

// Helper follows the service lifecycle.
type Helper interface {
	Init()
	InitOnStartupCompleted(ctx context.Context)
	Uninit()
}

// StartupCache is what the state machine reads from the startup cache.
type StartupCache interface {
	IsStartupCompleted() bool
	State() (core.ServiceState, error)
	Entitlement() *core.Entitlement
	HasUpgraded() bool
}

// Account holds the account inputs of the state machine.
type Account struct {
	SignedIn         bool
	Eligible         bool
	VPNAddonDetected bool
}

// Service is the IP Protection state machine.
type Service struct {
	prefs   core.PrefStore
	bus     *core.EventBus
	cache   StartupCache
	metrics *metrics.Metrics

	// updateMu serializes recomputations so transitions publish in order.
	updateMu sync.Mutex

	mu      sync.Mutex
	helpers []Helper
	state   core.ServiceState
	inited  bool
	account Account
	unwatch []func()
}

// New creates the state machine in the uninitialized state.
func New(prefs core.PrefStore, bus *core.EventBus, cache StartupCache, m *metrics.Metrics) *Service {
	s := &Service{
		prefs:   prefs,
		bus:     bus,
		cache:   cache,
		metrics: m,
		state:   core.StateUninitialized,
	}
	m.SetServiceState(string(core.StateUninitialized))
	return s
}

// SetHelpers sets the helpers, in init order. Call before Init.
func (s *Service) SetHelpers(helpers ...Helper) {
	s.mu.Lock()
	s.helpers = slices.Clone(helpers)
	s.mu.Unlock()
}

// WatchPrefs follows the feature and opt-out preferences: enabling the
// feature inits the service, disabling it uninits, opting out recomputes.
func (s *Service) WatchPrefs(ctx context.Context) {
	cancelEnabled := s.prefs.Watch(core.PrefEnabled, func(string) {
		if s.FeatureEnabled() {
			s.Init(ctx)
		} else {
			s.Uninit()
		}
	})
	cancelOptOut := s.prefs.Watch(core.PrefOptedOut, func(string) {
		if s.Initialized() {
			s.UpdateState()
		}
	})

	s.mu.Lock()
	s.unwatch = append(s.unwatch, cancelEnabled, cancelOptOut)
	s.mu.Unlock()
}

// Close drops the preference watches and uninits.
func (s *Service) Close() {
	s.mu.Lock()
	unwatch := s.unwatch
	s.unwatch = nil
	s.mu.Unlock()
	for _, cancel := range unwatch {
		cancel()
	}
	s.Uninit()
}

// FeatureEnabled reports the feature preference.
func (s *Service) FeatureEnabled() bool {
	return s.prefs.GetBool(core.PrefEnabled, false)
}

// State returns the current state.
func (s *Service) State() core.ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialized reports whether Init ran since the last Uninit.
func (s *Service) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inited
}

// MaybeEarlyInit inits right away when the feature and auto-start are on,
// so that a pending auto-start can hold traffic back from the beginning.
func (s *Service) MaybeEarlyInit(ctx context.Context) {
	if s.FeatureEnabled() && s.prefs.GetBool(core.PrefAutoStartEnabled, false) {
		core.Log.Infof(tag, "Early init for auto-start")
		s.Init(ctx)
	}
}

// Init inits every helper and computes the first state. When startup has
// already completed, the helpers' startup-completed work runs too.
func (s *Service) Init(ctx context.Context) {
	if !s.FeatureEnabled() {
		return
	}
	s.mu.Lock()
	if s.inited {
		s.mu.Unlock()
		return
	}
	s.inited = true
	helpers := s.helpers
	s.mu.Unlock()

	core.Log.Infof(tag, "Initializing %d helpers", len(helpers))
	for _, h := range helpers {
		h.Init()
	}
	s.UpdateState()

	if s.cache.IsStartupCompleted() {
		s.InitOnStartupCompleted(ctx)
	}
}

// Uninit uninits the helpers in reverse order and returns to uninitialized.
func (s *Service) Uninit() {
	s.mu.Lock()
	if !s.inited {
		s.mu.Unlock()
		return
	}
	s.inited = false
	helpers := s.helpers
	s.mu.Unlock()

	for _, h := range slices.Backward(helpers) {
		h.Uninit()
	}
	s.setState(core.StateUninitialized)
	core.Log.Infof(tag, "Uninitialized")
}

// InitOnStartupCompleted runs the startup-completed work of every helper
// concurrently and waits for all of them.
func (s *Service) InitOnStartupCompleted(ctx context.Context) {
	if err := s.runStartupCompleted(ctx); err != nil {
		core.Log.Errorf(tag, "Startup-completed work: %v", err)
		return
	}
	core.Log.Debugf(tag, "Startup-completed work done")
}

// runStartupCompleted returns the first helper panic as an error. The other
// helpers still run to completion.
func (s *Service) runStartupCompleted(ctx context.Context) error {
	s.mu.Lock()
	inited := s.inited
	helpers := s.helpers
	s.mu.Unlock()
	if !inited {
		return nil
	}

	var g errgroup.Group
	for _, h := range helpers {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%T panicked: %v", h, r)
				}
			}()
			h.InitOnStartupCompleted(ctx)
			return nil
		})
	}
	return g.Wait()
}

// SetAccount replaces the account inputs and recomputes the state.
func (s *Service) SetAccount(a Account) {
	s.mu.Lock()
	s.account = a
	inited := s.inited
	s.mu.Unlock()

	if inited {
		s.UpdateState()
	}
}

// Account returns the account inputs.
func (s *Service) Account() Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// UpdateState recomputes the state and publishes EventStateChanged if it
// changed.
func (s *Service) UpdateState() {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	s.mu.Lock()
	account := s.account
	s.mu.Unlock()

	s.setState(s.computeState(account))
}

func (s *Service) computeState(a Account) core.ServiceState {
	if !s.FeatureEnabled() {
		return core.StateUninitialized
	}
	if s.prefs.GetBool(core.PrefOptedOut, false) {
		return core.StateOptedOut
	}
	if !s.cache.IsStartupCompleted() {
		if st, err := s.cache.State(); err == nil {
			return st
		}
	}
	if a.VPNAddonDetected && s.cache.HasUpgraded() {
		return core.StateUnavailable
	}
	if !a.SignedIn {
		if !a.Eligible {
			return core.StateUnavailable
		}
		return core.StateUnauthenticated
	}
	if s.cache.Entitlement() == nil && !a.Eligible {
		return core.StateUnavailable
	}
	return core.StateReady
}

func (s *Service) setState(state core.ServiceState) {
	s.mu.Lock()
	prev := s.state
	if prev == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	s.metrics.SetServiceState(string(state))
	core.Log.Infof(tag, "State %s -> %s", prev, state)
	s.bus.Publish(core.Event{
		Type:    core.EventStateChanged,
		Payload: core.StatePayload{State: state, PrevState: prev},
	})
}
