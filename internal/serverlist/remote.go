package serverlist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"ipp-daemon/internal/core"
	"ipp-daemon/internal/metrics"
)

// minSyncGap bounds how often forced refreshes may hit the source.
const minSyncGap = time.Minute

// Source returns the raw location list.
type Source interface {
	Get(ctx context.Context) ([]byte, error)
}

// RemoteList is fetched from a Source when the service becomes ready and
// kept for the session. At most one fetch is in flight at any time.
type RemoteList struct {
	base

	source       Source
	cache        LocationCache
	bus          *core.EventBus
	metrics      *metrics.Metrics
	syncInterval time.Duration

	group   singleflight.Group
	limiter *rate.Limiter
	joined  func() // test hook, runs once a caller waits on the fetch

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()
	wg     sync.WaitGroup
}

// NewRemoteList creates the list, seeded from the startup cache.
func NewRemoteList(opts Options) *RemoteList {
	ctx, cancel := context.WithCancel(context.Background())
	r := &RemoteList{
		base:         newBase(),
		source:       opts.Source,
		cache:        opts.Cache,
		bus:          opts.Bus,
		metrics:      opts.Metrics,
		syncInterval: opts.SyncInterval,
		limiter:      rate.NewLimiter(rate.Every(minSyncGap), 1),
		ctx:          ctx,
		cancel:       cancel,
	}

	if r.cache != nil {
		if raw := r.cache.LocationList(); raw != nil {
			countries, err := DecodeList(raw)
			if err != nil {
				core.Log.Warnf(tag, "Ignoring cached location list: %v", err)
			} else {
				r.setCountries(countries)
			}
		}
	}
	return r
}

// Init starts listening for state changes.
func (r *RemoteList) Init() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil || r.bus == nil {
		return
	}
	if r.ctx.Err() != nil {
		r.ctx, r.cancel = context.WithCancel(context.Background())
	}
	r.unsub = r.bus.Subscribe(core.EventStateChanged, r.handleStateChanged)
}

func (r *RemoteList) lifetime() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx
}

// spawn runs fn in a goroutine tracked by Uninit. The WaitGroup is only
// added to under r.mu while the lifetime is live, so Uninit, which cancels
// under the same lock, never waits concurrently with an Add.
func (r *RemoteList) spawn(fn func(ctx context.Context)) bool {
	r.mu.Lock()
	ctx := r.ctx
	if ctx.Err() != nil {
		r.mu.Unlock()
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		fn(ctx)
	}()
	return true
}

// InitOnStartupCompleted starts the periodic forced refresh.
func (r *RemoteList) InitOnStartupCompleted(context.Context) {
	if r.syncInterval <= 0 {
		return
	}

	started := r.spawn(func(ctx context.Context) {
		ticker := time.NewTicker(r.syncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Sync(ctx); err != nil {
					core.Log.Warnf(tag, "Sync failed: %v", err)
				}
			}
		}
	})
	if started {
		core.Log.Infof(tag, "Periodic sync every %s", r.syncInterval)
	}
}

// Uninit stops listening and cancels background work.
func (r *RemoteList) Uninit() {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.cancel()
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	r.wg.Wait()
}

// Sync forces a refresh, at most once per minSyncGap.
func (r *RemoteList) Sync(ctx context.Context) error {
	if !r.limiter.Allow() {
		return ErrThrottled
	}
	return r.MaybeFetchList(ctx, true)
}

// MaybeFetchList fetches the list unless it is already populated (and
// force is false). Concurrent callers share the single in-flight fetch and
// its result. A failed fetch leaves nothing behind, so calling again retries.
func (r *RemoteList) MaybeFetchList(ctx context.Context, force bool) error {
	if !force && r.HasList() {
		return nil
	}

	ch := r.group.DoChan("list", func() (any, error) {
		return nil, r.fetch()
	})
	if r.joined != nil {
		r.joined()
	}

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RemoteList) fetch() error {
	if r.source == nil {
		return fmt.Errorf("fetch server list: no source configured")
	}

	data, err := r.source.Get(r.lifetime())
	if err != nil {
		r.metrics.ServerlistFetched("error")
		return fmt.Errorf("fetch server list: %w", err)
	}
	countries, err := DecodeList(data)
	if err != nil {
		r.metrics.ServerlistFetched("error")
		return err
	}

	r.setCountries(countries)
	r.metrics.ServerlistFetched("ok")
	core.Log.Infof(tag, "Fetched %d countries", len(countries))

	if r.cache != nil {
		if err := r.cache.StoreLocationList(countries); err != nil {
			core.Log.Warnf(tag, "Failed to cache location list: %v", err)
		}
	}
	return nil
}

func (r *RemoteList) handleStateChanged(e core.Event) {
	p, ok := e.Payload.(core.StatePayload)
	if !ok || p.State != core.StateReady {
		return
	}
	r.spawn(func(ctx context.Context) {
		if err := r.MaybeFetchList(ctx, false); err != nil {
			core.Log.Warnf(tag, "Fetch on ready failed: %v", err)
		}
	})
}
