// Package onboarding records milestones in a bit mask preference that
// onboarding messages are targeted on.
package onboarding

import (
	"context"
	"sync"

	"ipp-daemon/internal/core"
)

const tag = "Onboarding"

// Flag is one milestone bit.
type Flag int

const (
	EverTurnedOnAutostart  Flag = 1 << 0
	EverUsedSiteExceptions Flag = 1 << 1
	EverTurnedOnVPN        Flag = 1 << 2
)

// ExceptionCounter reports how many site exceptions are saved.
type ExceptionCounter interface {
	Count() int
}

// Helper sets the milestone flags. Flags are only ever added.
type Helper struct {
	prefs core.PrefStore
	bus   *core.EventBus

	mu          sync.Mutex
	unsubProxy  func()
	unsubPerm   func()
	cancelWatch func()
}

// New sets the flags already earned and starts watching the autostart
// preference and, when no exception is saved yet, new site exceptions.
func New(prefs core.PrefStore, bus *core.EventBus, exceptions ExceptionCounter) *Helper {
	h := &Helper{prefs: prefs, bus: bus}

	if exceptions != nil && exceptions.Count() > 0 {
		h.SetFlag(EverUsedSiteExceptions)
	} else {
		h.unsubPerm = bus.Subscribe(core.EventPermissionAdded, h.handlePermission)
	}

	h.cancelWatch = prefs.Watch(core.PrefAutoStartEnabled, func(string) {
		h.SetFlag(EverTurnedOnAutostart)
	})
	if prefs.GetBool(core.PrefAutoStartEnabled, false) {
		h.SetFlag(EverTurnedOnAutostart)
	}
	return h
}

// Init starts following the proxy state.
func (h *Helper) Init() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unsubProxy != nil {
		return
	}
	h.unsubProxy = h.bus.Subscribe(core.EventProxyStateChanged, h.handleProxyState)
}

func (h *Helper) InitOnStartupCompleted(context.Context) {}

// Uninit stops following the proxy state and site exceptions.
func (h *Helper) Uninit() {
	h.mu.Lock()
	unsubs := []func(){h.unsubProxy, h.unsubPerm}
	h.unsubProxy = nil
	h.unsubPerm = nil
	h.mu.Unlock()

	for _, unsub := range unsubs {
		if unsub != nil {
			unsub()
		}
	}
}

// Close also drops the preference watch.
func (h *Helper) Close() {
	h.Uninit()
	h.mu.Lock()
	cancel := h.cancelWatch
	h.cancelWatch = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Mask returns the current mask.
func (h *Helper) Mask() Flag {
	return Flag(h.prefs.GetInt(core.PrefOnboardingMask, 0))
}

// Has reports whether flag is set.
func (h *Helper) Has(flag Flag) bool {
	return h.Mask()&flag != 0
}

// SetFlag ORs flag into the mask.
func (h *Helper) SetFlag(flag Flag) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mask := Flag(h.prefs.GetInt(core.PrefOnboardingMask, 0))
	if mask&flag == flag {
		return
	}
	if err := h.prefs.SetInt(core.PrefOnboardingMask, int(mask|flag)); err != nil {
		core.Log.Warnf(tag, "Failed to store onboarding mask: %v", err)
		return
	}
	core.Log.Debugf(tag, "Mask %#x -> %#x", int(mask), int(mask|flag))
}

func (h *Helper) handlePermission(e core.Event) {
	p, ok := e.Payload.(core.PermissionPayload)
	if !ok || p.Type != core.PermissionSiteException {
		return
	}
	h.SetFlag(EverUsedSiteExceptions)
}

func (h *Helper) handleProxyState(e core.Event) {
	p, ok := e.Payload.(core.ProxyStatePayload)
	if !ok || p.State != core.ProxyActive {
		return
	}
	h.SetFlag(EverTurnedOnVPN)
}
