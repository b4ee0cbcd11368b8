package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Preference keys.
const (
	PrefEnabled            = "browser.ipProtection.enabled"
	PrefOptedOut           = "browser.ipProtection.optedOut"
	PrefCacheDisabled      = "browser.ipProtection.cacheDisabled"
	PrefStateCache         = "browser.ipProtection.stateCache"
	PrefEntitlementCache   = "browser.ipProtection.entitlementCache"
	PrefLocationListCache  = "browser.ipProtection.locationListCache"
	PrefUsageCache         = "browser.ipProtection.usageCache"
	PrefHasUpgraded        = "browser.ipProtection.hasUpgraded"
	PrefAutoStartFeature   = "browser.ipProtection.features.autoStart"
	PrefAutoStartEnabled   = "browser.ipProtection.autoStartEnabled"
	PrefUserEnabled        = "browser.ipProtection.userEnabled"
	PrefAutoRestoreEnabled = "browser.ipProtection.autoRestoreEnabled"
	PrefOnboardingMask     = "browser.ipProtection.onboardingMessageMask"
	PrefServerlistOverride = "browser.ipProtection.override.serverlist"
	PrefSiteExceptions     = "browser.ipProtection.siteExceptions"
)

// PermissionSiteException is the permission type of site exceptions.
const PermissionSiteException = "ipp-vpn"

// PrefStore is the preference storage used by every component.
type PrefStore interface {
	GetBool(key string, def bool) bool
	SetBool(key string, v bool) error
	GetInt(key string, def int) int
	SetInt(key string, v int) error
	GetString(key, def string) string
	SetString(key, v string) error
	Has(key string) bool
	Clear(key string) error
	// Watch calls fn after every change of key. The returned function
	// removes the watch.
	Watch(key string, fn func(key string)) (cancel func())
}

type prefWatcher struct {
	id uint64
	fn func(string)
}

// Prefs is an in-memory PrefStore, optionally persisted to a YAML file.
type Prefs struct {
	mu       sync.RWMutex
	saveMu   sync.Mutex // serializes writes of filePath
	values   map[string]any
	filePath string
	nextID   uint64
	watchers map[string][]prefWatcher
}

var _ PrefStore = (*Prefs)(nil)

// NewPrefs creates a store. An empty filePath keeps it memory-only.
func NewPrefs(filePath string) *Prefs {
	return &Prefs{
		values:   make(map[string]any),
		filePath: filePath,
		watchers: make(map[string][]prefWatcher),
	}
}

// Load reads preferences from disk. A missing file is not an error.
func (p *Prefs) Load() error {
	if p.filePath == "" {
		return nil
	}
	data, err := os.ReadFile(p.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Core", "Prefs %s not found, starting empty", p.filePath)
			return nil
		}
		return fmt.Errorf("read prefs %s: %w", p.filePath, err)
	}

	values := make(map[string]any)
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse prefs: %w", err)
	}

	p.mu.Lock()
	p.values = values
	p.mu.Unlock()
	return nil
}

// save writes the current values. Caller must not hold p.mu.
func (p *Prefs) save() error {
	if p.filePath == "" {
		return nil
	}
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	// Marshal under saveMu so the last writer persists the newest values.
	p.mu.RLock()
	data, err := yaml.Marshal(p.values)
	p.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal prefs: %w", err)
	}

	if dir := filepath.Dir(p.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create prefs dir: %w", err)
		}
	}
	tmp := p.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write prefs %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p.filePath); err != nil {
		return fmt.Errorf("replace prefs %s: %w", p.filePath, err)
	}
	return nil
}

func (p *Prefs) get(key string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

func (p *Prefs) set(key string, v any) error {
	p.mu.Lock()
	old, existed := p.values[key]
	if existed && old == v {
		p.mu.Unlock()
		return nil
	}
	p.values[key] = v
	p.mu.Unlock()

	err := p.save()
	p.notify(key)
	return err
}

func (p *Prefs) notify(key string) {
	p.mu.RLock()
	watchers := p.watchers[key]
	p.mu.RUnlock()

	for _, w := range watchers {
		w.fn(key)
	}
}

// GetBool returns the boolean stored at key or def.
func (p *Prefs) GetBool(key string, def bool) bool {
	v, ok := p.get(key)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// SetBool stores a boolean.
func (p *Prefs) SetBool(key string, v bool) error { return p.set(key, v) }

// GetInt returns the integer stored at key or def.
func (p *Prefs) GetInt(key string, def int) int {
	v, ok := p.get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

// SetInt stores an integer.
func (p *Prefs) SetInt(key string, v int) error { return p.set(key, v) }

// GetString returns the string stored at key or def.
func (p *Prefs) GetString(key, def string) string {
	v, ok := p.get(key)
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// SetString stores a string.
func (p *Prefs) SetString(key, v string) error { return p.set(key, v) }

// Has reports whether key holds a value.
func (p *Prefs) Has(key string) bool {
	_, ok := p.get(key)
	return ok
}

// Clear removes key.
func (p *Prefs) Clear(key string) error {
	p.mu.Lock()
	if _, ok := p.values[key]; !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.values, key)
	p.mu.Unlock()

	err := p.save()
	p.notify(key)
	return err
}

// Keys returns all stored keys, sorted.
func (p *Prefs) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Watch registers fn for changes of key.
func (p *Prefs) Watch(key string, fn func(key string)) (cancel func()) {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.watchers[key] = append(p.watchers[key], prefWatcher{id: id, fn: fn})
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			ws := p.watchers[key]
			for i, w := range ws {
				if w.id == id {
					next := make([]prefWatcher, 0, len(ws)-1)
					next = append(next, ws[:i]...)
					p.watchers[key] = append(next, ws[i+1:]...)
					return
				}
			}
		})
	}
}
