package serverlist

import (
	"context"
	"sync"

	"ipp-daemon/internal/core"
)

// HasPrefOverride reports whether the override preference holds a list.
func HasPrefOverride(prefs core.PrefStore) bool {
	return prefs != nil && prefs.GetString(core.PrefServerlistOverride, "") != ""
}

// PrefList reads the list from the override preference.
type PrefList struct {
	base
	prefs core.PrefStore

	mu     sync.Mutex
	cancel func()
}

// NewPrefList creates the list and reads the preference once.
func NewPrefList(prefs core.PrefStore) *PrefList {
	p := &PrefList{base: newBase(), prefs: prefs}
	_ = p.MaybeFetchList(context.Background(), false)
	return p
}

func (p *PrefList) Init() {}

// InitOnStartupCompleted starts re-reading the list when the preference changes.
func (p *PrefList) InitOnStartupCompleted(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	p.cancel = p.prefs.Watch(core.PrefServerlistOverride, func(string) {
		_ = p.MaybeFetchList(context.Background(), false)
	})
}

func (p *PrefList) Uninit() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// MaybeFetchList always re-reads the preference. An unparsable value
// yields an empty list.
func (p *PrefList) MaybeFetchList(context.Context, bool) error {
	countries, err := DecodeList([]byte(p.prefs.GetString(core.PrefServerlistOverride, "")))
	if err != nil {
		core.Log.Errorf(tag, "Error parsing %s: %v", core.PrefServerlistOverride, err)
		countries = []Country{}
	}
	p.setCountries(countries)
	return nil
}
