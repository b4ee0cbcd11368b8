// Package startupcache keeps the last known service state, entitlement,
// location list and usage across restarts so the first paint after startup
// reflects the previous session. The cached state is only authoritative
// until the host reports that windows were restored.
package startupcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"ipp-daemon/internal/core"
)

const tag = "Cache"

// ErrStartupCompleted is returned by State once startup has completed.
// Reading the cached state after that point is a programming error.
var ErrStartupCompleted = errors.New("startup cache used after startup completed")

// Recomputer is the state machine the cache hands control back to once
// startup completes.
type Recomputer interface {
	InitOnStartupCompleted(ctx context.Context)
	UpdateState()
}

// Cache is the startup cache.
type Cache struct {
	prefs core.PrefStore
	bus   *core.EventBus

	mu             sync.Mutex
	stateFromCache core.ServiceState // "" when unset
	completed      bool
	recomputer     Recomputer
	stopObserving  func()
	unsubs         []func()
}

// New creates the cache. Unless the cache is disabled by preference, it
// reads the last known state and starts observing restored.
func New(prefs core.PrefStore, bus *core.EventBus, restored *core.Signal) *Cache {
	c := &Cache{prefs: prefs, bus: bus}

	if prefs.GetBool(core.PrefCacheDisabled, false) {
		c.completed = true
		return c
	}

	if s := prefs.GetString(core.PrefStateCache, ""); s != "" {
		st, err := core.ParseServiceState(s)
		if err != nil {
			core.Log.Warnf(tag, "Ignoring cached state: %v", err)
		} else {
			c.stateFromCache = st
		}
	}

	if restored != nil {
		c.stopObserving = restored.Observe(func() {
			if c.Prepare() {
				c.Commit(context.Background())
			}
		})
	}
	return c
}

// Bind sets the state machine notified on startup completion.
func (c *Cache) Bind(r Recomputer) {
	c.mu.Lock()
	c.recomputer = r
	c.mu.Unlock()
}

// Init subscribes to state and usage changes.
func (c *Cache) Init() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.unsubs) > 0 {
		return
	}
	c.unsubs = append(c.unsubs,
		c.bus.Subscribe(core.EventStateChanged, c.handleStateChanged),
		c.bus.Subscribe(core.EventUsageChanged, c.handleUsageChanged),
	)
}

// InitOnStartupCompleted is a no-op; the cache has nothing left to do.
func (c *Cache) InitOnStartupCompleted(context.Context) {}

// Uninit removes the event subscriptions.
func (c *Cache) Uninit() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

// IsStartupCompleted reports whether the windows-restored signal was handled.
func (c *Cache) IsStartupCompleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// State returns the cached service state. Unknown stored values map to
// uninitialized.
func (c *Cache) State() (core.ServiceState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.completed {
		return core.StateUninitialized, ErrStartupCompleted
	}
	if c.stateFromCache.Valid() {
		return c.stateFromCache, nil
	}
	return core.StateUninitialized, nil
}

// MustState is State for callers that already checked IsStartupCompleted.
func (c *Cache) MustState() core.ServiceState {
	st, err := c.State()
	if err != nil {
		panic(err)
	}
	return st
}

// Prepare is the first phase of startup completion: stop observing the
// restored signal, mark the cache completed and drop the cached state.
// It returns false if startup already completed.
func (c *Cache) Prepare() bool {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return false
	}
	if c.stopObserving != nil {
		c.stopObserving()
		c.stopObserving = nil
	}
	c.completed = true
	c.stateFromCache = ""
	c.mu.Unlock()

	core.Log.Infof(tag, "Startup completed, cached state invalidated")
	return true
}

// Commit is the second phase: let the state machine finish its own startup
// work and recompute the authoritative state. Must follow Prepare.
func (c *Cache) Commit(ctx context.Context) {
	c.mu.Lock()
	r := c.recomputer
	c.mu.Unlock()

	if r == nil {
		core.Log.Warnf(tag, "Startup completed with no state machine bound")
		return
	}
	r.InitOnStartupCompleted(ctx)
	r.UpdateState()
}

// StoreEntitlement persists e. A nil entitlement clears the cache.
func (c *Cache) StoreEntitlement(e *core.Entitlement) error {
	if e == nil {
		if err := c.prefs.SetString(core.PrefEntitlementCache, ""); err != nil {
			return err
		}
		return c.prefs.SetBool(core.PrefHasUpgraded, false)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entitlement: %w", err)
	}
	if err := c.prefs.SetString(core.PrefEntitlementCache, string(data)); err != nil {
		return err
	}
	return c.prefs.SetBool(core.PrefHasUpgraded, e.Subscribed)
}

// Entitlement returns the cached entitlement, or nil if absent or invalid.
func (c *Cache) Entitlement() *core.Entitlement {
	raw := c.prefs.GetString(core.PrefEntitlementCache, "")
	if raw == "" {
		return nil
	}
	var e core.Entitlement
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		core.Log.Debugf(tag, "Ignoring invalid entitlement cache: %v", err)
		return nil
	}
	return &e
}

// HasUpgraded reports the subscription flag stored with the entitlement.
func (c *Cache) HasUpgraded() bool {
	return c.prefs.GetBool(core.PrefHasUpgraded, false)
}

// StoreLocationList persists any JSON-serializable location list.
func (c *Cache) StoreLocationList(list any) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal location list: %w", err)
	}
	return c.prefs.SetString(core.PrefLocationListCache, string(data))
}

// LocationList returns the cached list as raw JSON, or nil if absent or invalid.
func (c *Cache) LocationList() json.RawMessage {
	raw := c.prefs.GetString(core.PrefLocationListCache, "")
	if raw == "" || !json.Valid([]byte(raw)) {
		return nil
	}
	return json.RawMessage(raw)
}

// StoreUsage persists the usage. Nil clears it.
func (c *Cache) StoreUsage(u *core.Usage) error {
	if u == nil {
		return c.prefs.SetString(core.PrefUsageCache, "")
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	return c.prefs.SetString(core.PrefUsageCache, string(data))
}

// Usage returns the cached usage, or nil if absent or invalid.
func (c *Cache) Usage() *core.Usage {
	raw := c.prefs.GetString(core.PrefUsageCache, "")
	if raw == "" {
		return nil
	}
	var u core.Usage
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil
	}
	return &u
}

func (c *Cache) handleStateChanged(e core.Event) {
	p, ok := e.Payload.(core.StatePayload)
	if !ok {
		return
	}

	c.mu.Lock()
	if !c.completed {
		c.stateFromCache = p.State
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.prefs.SetString(core.PrefStateCache, p.State.String()); err != nil {
		core.Log.Warnf(tag, "Failed to persist state %s: %v", p.State, err)
	}
}

func (c *Cache) handleUsageChanged(e core.Event) {
	p, ok := e.Payload.(core.UsagePayload)
	if !ok {
		return
	}
	if err := c.StoreUsage(p.Usage); err != nil {
		core.Log.Warnf(tag, "Failed to persist usage: %v", err)
	}
}
