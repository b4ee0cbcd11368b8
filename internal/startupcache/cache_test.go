package startupcache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipp-daemon/internal/core"
)

func TestMain(m *testing.M) {
	core.Log = core.NewNopLogger()
	os.Exit(m.Run())
}

// recorder records the calls the cache makes on startup completion and
// checks that the cache is already completed when they happen.
type recorder struct {
	cache *Cache
	calls []string
}

func (r *recorder) InitOnStartupCompleted(context.Context) {
	if r.cache.IsStartupCompleted() {
		r.calls = append(r.calls, "init")
	}
}

func (r *recorder) UpdateState() {
	if r.cache.IsStartupCompleted() {
		r.calls = append(r.calls, "update")
	}
}

func TestStateFromPrefs(t *testing.T) {
	tests := []struct {
		name   string
		stored string
		want   core.ServiceState
	}{
		{"unset", "", core.StateUninitialized},
		{"ready", "ready", core.StateReady},
		{"unauthenticated", "unauthenticated", core.StateUnauthenticated},
		{"garbage", "active", core.StateUninitialized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefs := core.NewPrefs("")
			if tt.stored != "" {
				require.NoError(t, prefs.SetString(core.PrefStateCache, tt.stored))
			}
			c := New(prefs, core.NewEventBus(), core.NewSignal(core.SignalWindowsRestored))

			st, err := c.State()
			require.NoError(t, err)
			assert.Equal(t, tt.want, st)
		})
	}
}

func TestStateAfterCompletionFails(t *testing.T) {
	for _, stored := range []string{"", "ready", "unavailable"} {
		prefs := core.NewPrefs("")
		if stored != "" {
			require.NoError(t, prefs.SetString(core.PrefStateCache, stored))
		}
		restored := core.NewSignal(core.SignalWindowsRestored)
		c := New(prefs, core.NewEventBus(), restored)
		r := &recorder{cache: c}
		c.Bind(r)

		restored.Fire()

		_, err := c.State()
		assert.ErrorIs(t, err, ErrStartupCompleted)
		assert.Panics(t, func() { c.MustState() })
		assert.Equal(t, []string{"init", "update"}, r.calls)
	}
}

func TestCacheDisabled(t *testing.T) {
	prefs := core.NewPrefs("")
	require.NoError(t, prefs.SetBool(core.PrefCacheDisabled, true))
	require.NoError(t, prefs.SetString(core.PrefStateCache, "ready"))

	c := New(prefs, core.NewEventBus(), core.NewSignal(core.SignalWindowsRestored))
	assert.True(t, c.IsStartupCompleted())
	_, err := c.State()
	assert.ErrorIs(t, err, ErrStartupCompleted)
}

func TestPrepareRunsOnce(t *testing.T) {
	restored := core.NewSignal(core.SignalWindowsRestored)
	c := New(core.NewPrefs(""), core.NewEventBus(), restored)
	r := &recorder{cache: c}
	c.Bind(r)

	assert.True(t, c.Prepare())
	assert.False(t, c.Prepare())

	// The observer was removed by Prepare, so firing does not commit.
	restored.Fire()
	assert.Empty(t, r.calls)
}

func TestStateWritePath(t *testing.T) {
	prefs := core.NewPrefs("")
	bus := core.NewEventBus()
	restored := core.NewSignal(core.SignalWindowsRestored)
	c := New(prefs, bus, restored)
	c.Init()
	defer c.Uninit()

	bus.Publish(core.Event{Type: core.EventStateChanged, Payload: core.StatePayload{State: core.StateReady}})
	st, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, core.StateReady, st)
	assert.False(t, prefs.Has(core.PrefStateCache), "pre-completion writes stay in memory")

	restored.Fire()
	bus.Publish(core.Event{Type: core.EventStateChanged, Payload: core.StatePayload{State: core.StateUnauthenticated}})
	assert.Equal(t, "unauthenticated", prefs.GetString(core.PrefStateCache, ""))

	_, err = c.State()
	assert.ErrorIs(t, err, ErrStartupCompleted, "late events do not resurrect the cache")
}

func TestEntitlementRoundTrip(t *testing.T) {
	prefs := core.NewPrefs("")
	c := New(prefs, core.NewEventBus(), nil)

	assert.Nil(t, c.Entitlement())

	e := &core.Entitlement{
		Autostart:  true,
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Subscribed: true,
		UID:        42,
	}
	require.NoError(t, c.StoreEntitlement(e))
	assert.Equal(t, e, c.Entitlement())
	assert.True(t, c.HasUpgraded())

	require.NoError(t, c.StoreEntitlement(nil))
	assert.Nil(t, c.Entitlement())
	assert.False(t, c.HasUpgraded())

	require.NoError(t, prefs.SetString(core.PrefEntitlementCache, "{not json"))
	assert.Nil(t, c.Entitlement())
}

func TestLocationListAndUsage(t *testing.T) {
	prefs := core.NewPrefs("")
	bus := core.NewEventBus()
	c := New(prefs, bus, nil)
	c.Init()
	defer c.Uninit()

	require.NoError(t, c.StoreLocationList([]map[string]string{{"code": "US"}}))
	assert.JSONEq(t, `[{"code":"US"}]`, string(c.LocationList()))

	require.NoError(t, prefs.SetString(core.PrefLocationListCache, "[oops"))
	assert.Nil(t, c.LocationList())

	usage := &core.Usage{Max: 100, Remaining: 40, Reset: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	bus.Publish(core.Event{Type: core.EventUsageChanged, Payload: core.UsagePayload{Usage: usage}})
	assert.Equal(t, usage, c.Usage())

	require.NoError(t, c.StoreUsage(nil))
	assert.Nil(t, c.Usage())
}
