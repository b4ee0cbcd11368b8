// Package exceptions keeps the sites excluded from the proxy.
package exceptions

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"

	"ipp-daemon/internal/core"
)

const tag = "Exceptions"

// Manager stores exclusions as a JSON list of origins in a preference.
type Manager struct {
	prefs core.PrefStore
	bus   *core.EventBus

	mu sync.Mutex
}

// New creates the manager.
func New(prefs core.PrefStore, bus *core.EventBus) *Manager {
	return &Manager{prefs: prefs, bus: bus}
}

// NormalizeOrigin reduces s to scheme://host[:port]. A bare host is
// treated as https.
func NormalizeOrigin(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty origin")
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse origin %q: %w", s, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("origin %q has no host", s)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}

// List returns the excluded origins, sorted.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

// Count returns the number of exclusions.
func (m *Manager) Count() int {
	return len(m.List())
}

// HasExclusion reports whether origin is excluded. Only the exact origin
// matches, not its subdomains.
func (m *Manager) HasExclusion(origin string) bool {
	o, err := NormalizeOrigin(origin)
	if err != nil {
		return false
	}
	_, found := slices.BinarySearch(m.List(), o)
	return found
}

// SetExclusion adds or removes origin. Adding publishes EventPermissionAdded.
func (m *Manager) SetExclusion(origin string, exclude bool) error {
	o, err := NormalizeOrigin(origin)
	if err != nil {
		return err
	}

	m.mu.Lock()
	list := m.load()
	i, found := slices.BinarySearch(list, o)
	if found == exclude {
		m.mu.Unlock()
		return nil
	}
	if exclude {
		list = slices.Insert(list, i, o)
	} else {
		list = slices.Delete(list, i, i+1)
	}
	err = m.store(list)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	core.Log.Infof(tag, "Exclusion %s set to %v", o, exclude)
	if exclude {
		m.bus.Publish(core.Event{
			Type:    core.EventPermissionAdded,
			Payload: core.PermissionPayload{Type: core.PermissionSiteException, Origin: o},
		})
	}
	return nil
}

func (m *Manager) load() []string {
	raw := m.prefs.GetString(core.PrefSiteExceptions, "")
	if raw == "" {
		return []string{}
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		core.Log.Warnf(tag, "Ignoring invalid %s: %v", core.PrefSiteExceptions, err)
		return []string{}
	}
	slices.Sort(list)
	return slices.Compact(list)
}

func (m *Manager) store(list []string) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode exceptions: %w", err)
	}
	return m.prefs.SetString(core.PrefSiteExceptions, string(data))
}
