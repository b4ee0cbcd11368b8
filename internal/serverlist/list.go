// Package serverlist maintains the country/city/server list used to pick a
// proxy endpoint. The list comes from a remote source, or from a preference
// override when one is set.
package serverlist

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"ipp-daemon/internal/core"
	"ipp-daemon/internal/metrics"
)

const tag = "Serverlist"

// DefaultCountryCode is the only location used until location controls ship.
const DefaultCountryCode = "US"

// ErrThrottled is returned by Sync when a forced refresh ran too recently.
var ErrThrottled = errors.New("server list sync throttled")

// List is the server list as seen by the rest of the daemon.
type List interface {
	Init()
	InitOnStartupCompleted(ctx context.Context)
	Uninit()
	MaybeFetchList(ctx context.Context, force bool) error
	DefaultLocation() *Location
	SelectServer(city *City) *Server
	HasList() bool
	Countries() []Country
}

// LocationCache persists the location list across restarts.
type LocationCache interface {
	StoreLocationList(list any) error
	LocationList() json.RawMessage
}

// base holds the list and the selection logic shared by every List.
type base struct {
	mu        sync.RWMutex
	countries []Country
	intn      func(n int) int
}

func newBase() base {
	return base{countries: []Country{}, intn: rand.IntN}
}

func (b *base) setCountries(c []Country) {
	b.mu.Lock()
	b.countries = c
	b.mu.Unlock()
}

// Countries returns the current list. Callers must not modify it.
func (b *base) Countries() []Country {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.countries
}

// HasList reports whether the list has at least one country.
func (b *base) HasList() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.countries) != 0
}

// DefaultLocation returns the US and its first city with at least one
// server, or nil.
func (b *base) DefaultLocation() *Location {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for i := range b.countries {
		country := &b.countries[i]
		if country.Code != DefaultCountryCode {
			continue
		}
		for j := range country.Cities {
			if len(country.Cities[j].Servers) > 0 {
				return &Location{Country: country, City: &country.Cities[j]}
			}
		}
		return nil
	}
	return nil
}

// SelectServer picks a non-quarantined server of city uniformly at random.
func (b *base) SelectServer(city *City) *Server {
	if city == nil {
		return nil
	}

	available := make([]*Server, 0, len(city.Servers))
	for i := range city.Servers {
		if !city.Servers[i].Quarantined {
			available = append(available, &city.Servers[i])
		}
	}

	switch len(available) {
	case 0:
		return nil
	case 1:
		return available[0]
	default:
		return available[b.intn(len(available))]
	}
}

// Options configures NewList.
type Options struct {
	Prefs   core.PrefStore
	Bus     *core.EventBus
	Cache   LocationCache
	Source  Source
	Metrics *metrics.Metrics
	// SyncInterval for the remote list; zero disables periodic sync.
	SyncInterval time.Duration
}

// NewList returns a PrefList when the override preference holds a value,
// and a RemoteList otherwise. The choice is made once.
func NewList(opts Options) List {
	if HasPrefOverride(opts.Prefs) {
		core.Log.Infof(tag, "Using server list from %s", core.PrefServerlistOverride)
		return NewPrefList(opts.Prefs)
	}
	return NewRemoteList(opts)
}
