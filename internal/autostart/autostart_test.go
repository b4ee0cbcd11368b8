package autostart

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipp-daemon/internal/core"
	"ipp-daemon/internal/metrics"
)

func TestMain(m *testing.M) {
	core.Log = core.NewNopLogger()
	os.Exit(m.Run())
}

type fakeProxy struct {
	mu       sync.Mutex
	starts   []bool
	filters  int
	cancels  int
	state    core.ProxyState
	startErr error
}

func (p *fakeProxy) Start(_ context.Context, userInitiated bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts = append(p.starts, userInitiated)
	return p.startErr
}

func (p *fakeProxy) CreateChannelFilter() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters++
	return p.filters == 1
}

func (p *fakeProxy) CancelChannelFilter() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels++
}

func (p *fakeProxy) State() core.ProxyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

type fakeList bool

func (l fakeList) HasList() bool { return bool(l) }

func enabledPrefs(t *testing.T) *core.Prefs {
	t.Helper()
	prefs := core.NewPrefs("")
	require.NoError(t, prefs.SetBool(core.PrefAutoStartFeature, true))
	require.NoError(t, prefs.SetBool(core.PrefAutoStartEnabled, true))
	return prefs
}

func publishState(bus *core.EventBus, s core.ServiceState) {
	bus.Publish(core.Event{Type: core.EventStateChanged, Payload: core.StatePayload{State: s}})
}

func TestEnabled(t *testing.T) {
	tests := []struct {
		name    string
		feature bool
		pref    bool
		list    bool
		want    bool
	}{
		{"all on", true, true, true, true},
		{"feature off", false, true, true, false},
		{"pref off", true, false, true, false},
		{"no list", true, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefs := core.NewPrefs("")
			require.NoError(t, prefs.SetBool(core.PrefAutoStartFeature, tt.feature))
			require.NoError(t, prefs.SetBool(core.PrefAutoStartEnabled, tt.pref))
			a := New(prefs, core.NewEventBus(), fakeList(tt.list), &fakeProxy{}, nil)
			defer a.Close()
			assert.Equal(t, tt.want, a.Enabled())
		})
	}
}

func TestLatchStartsOncePerReady(t *testing.T) {
	bus := core.NewEventBus()
	proxy := &fakeProxy{}
	a := New(enabledPrefs(t), bus, fakeList(true), proxy, nil)
	defer a.Close()

	a.Init()
	a.Uninit()
	a.Init()
	a.Init()
	assert.Equal(t, 1, bus.Len(core.EventStateChanged))

	publishState(bus, core.StateUnavailable)
	publishState(bus, core.StateReady)
	assert.Equal(t, []bool{false}, proxy.starts)

	publishState(bus, core.StateReady)
	assert.Len(t, proxy.starts, 1)

	publishState(bus, core.StateUnauthenticated)
	publishState(bus, core.StateOptedOut)
	publishState(bus, core.StateReady)
	assert.Equal(t, []bool{false, false}, proxy.starts)
}

func TestInitArmsLatch(t *testing.T) {
	bus := core.NewEventBus()
	proxy := &fakeProxy{}
	a := New(enabledPrefs(t), bus, fakeList(true), proxy, nil)
	defer a.Close()

	a.Init()
	assert.True(t, a.Armed())
	publishState(bus, core.StateReady)
	assert.Len(t, proxy.starts, 1)
	assert.False(t, a.Armed())
}

func TestInitWhenDisabled(t *testing.T) {
	bus := core.NewEventBus()
	a := New(enabledPrefs(t), bus, fakeList(false), &fakeProxy{}, nil)
	defer a.Close()

	a.Init()
	assert.Zero(t, bus.Len(core.EventStateChanged))
	assert.False(t, a.Armed())
}

func TestUninitClearsLatch(t *testing.T) {
	bus := core.NewEventBus()
	proxy := &fakeProxy{}
	a := New(enabledPrefs(t), bus, fakeList(true), proxy, nil)
	defer a.Close()

	a.Init()
	a.Uninit()
	a.Uninit()
	assert.False(t, a.Armed())

	publishState(bus, core.StateReady)
	assert.Empty(t, proxy.starts)
}

func TestStartErrorIsSwallowed(t *testing.T) {
	bus := core.NewEventBus()
	proxy := &fakeProxy{startErr: assert.AnError}
	m := metrics.New()
	a := New(enabledPrefs(t), bus, fakeList(true), proxy, m)
	defer a.Close()
	a.Init()

	assert.NotPanics(t, func() { publishState(bus, core.StateReady) })
	assert.Len(t, proxy.starts, 1)
	assert.Zero(t, testutil.ToFloat64(m.ProxyStarts.WithLabelValues("autostart")), "failed start not counted")

	proxy.startErr = nil
	publishState(bus, core.StateUnavailable)
	publishState(bus, core.StateReady)
	assert.Len(t, proxy.starts, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProxyStarts.WithLabelValues("autostart")))
}

func TestPrefTogglesListening(t *testing.T) {
	bus := core.NewEventBus()
	prefs := enabledPrefs(t)
	require.NoError(t, prefs.SetBool(core.PrefAutoStartEnabled, false))
	a := New(prefs, bus, fakeList(true), &fakeProxy{}, nil)
	defer a.Close()

	require.NoError(t, prefs.SetBool(core.PrefAutoStartEnabled, true))
	assert.Equal(t, 1, bus.Len(core.EventStateChanged))
	assert.True(t, a.Armed())

	require.NoError(t, prefs.SetBool(core.PrefAutoStartEnabled, false))
	assert.Zero(t, bus.Len(core.EventStateChanged))
	assert.False(t, a.Armed())
}

func TestEarlyStartupFilter(t *testing.T) {
	t.Run("disabled at construction", func(t *testing.T) {
		bus := core.NewEventBus()
		proxy := &fakeProxy{}
		a := New(enabledPrefs(t), bus, fakeList(false), proxy, nil)
		defer a.Close()

		f := NewEarlyStartupFilter(bus, proxy, a)
		f.Init()
		assert.Zero(t, proxy.filters)
		assert.False(t, f.Active())
	})

	t.Run("blocking state cancels", func(t *testing.T) {
		bus := core.NewEventBus()
		proxy := &fakeProxy{}
		a := New(enabledPrefs(t), bus, fakeList(true), proxy, nil)
		defer a.Close()

		f := NewEarlyStartupFilter(bus, proxy, a)
		f.Init()
		f.Init()
		assert.Equal(t, 1, proxy.filters)
		assert.True(t, f.Active())

		publishState(bus, core.StateUninitialized)
		assert.True(t, f.Active())

		publishState(bus, core.StateUnauthenticated)
		assert.Equal(t, 1, proxy.cancels)
		assert.False(t, f.Active())
		assert.Zero(t, bus.Len(core.EventProxyStateChanged))

		publishState(bus, core.StateUnavailable)
		assert.Equal(t, 1, proxy.cancels)
	})

	t.Run("active proxy releases", func(t *testing.T) {
		bus := core.NewEventBus()
		proxy := &fakeProxy{}
		a := New(enabledPrefs(t), bus, fakeList(true), proxy, nil)
		defer a.Close()

		f := NewEarlyStartupFilter(bus, proxy, a)
		f.Init()

		proxy.state = core.ProxyActive
		bus.Publish(core.Event{
			Type:    core.EventProxyStateChanged,
			Payload: core.ProxyStatePayload{State: core.ProxyActive, PrevState: core.ProxyActivating},
		})
		assert.False(t, f.Active())
		assert.Zero(t, proxy.cancels)
	})

	t.Run("pref change after construction is ignored", func(t *testing.T) {
		bus := core.NewEventBus()
		proxy := &fakeProxy{}
		prefs := enabledPrefs(t)
		a := New(prefs, bus, fakeList(true), proxy, nil)
		defer a.Close()

		f := NewEarlyStartupFilter(bus, proxy, a)
		require.NoError(t, prefs.SetBool(core.PrefAutoStartFeature, false))
		f.Init()
		assert.True(t, f.Active())
	})
}
