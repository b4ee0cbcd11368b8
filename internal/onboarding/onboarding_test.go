package onboarding

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipp-daemon/internal/core"
)

func TestMain(m *testing.M) {
	core.Log = core.NewNopLogger()
	os.Exit(m.Run())
}

type count int

func (c count) Count() int { return int(c) }

func TestFlagsAccumulate(t *testing.T) {
	prefs := core.NewPrefs("")
	bus := core.NewEventBus()
	h := New(prefs, bus, count(0))
	defer h.Close()
	h.Init()

	assert.Zero(t, h.Mask())

	bus.Publish(core.Event{Type: core.EventProxyStateChanged, Payload: core.ProxyStatePayload{State: core.ProxyActivating}})
	assert.Zero(t, h.Mask())
	bus.Publish(core.Event{Type: core.EventProxyStateChanged, Payload: core.ProxyStatePayload{State: core.ProxyActive}})
	assert.Equal(t, EverTurnedOnVPN, h.Mask())

	require.NoError(t, prefs.SetBool(core.PrefAutoStartEnabled, true))
	assert.Equal(t, EverTurnedOnVPN|EverTurnedOnAutostart, h.Mask())

	// Turning autostart off does not clear the flag.
	require.NoError(t, prefs.SetBool(core.PrefAutoStartEnabled, false))
	assert.True(t, h.Has(EverTurnedOnAutostart))

	bus.Publish(core.Event{Type: core.EventPermissionAdded, Payload: core.PermissionPayload{Type: "geo"}})
	assert.False(t, h.Has(EverUsedSiteExceptions))
	bus.Publish(core.Event{Type: core.EventPermissionAdded, Payload: core.PermissionPayload{Type: core.PermissionSiteException}})
	assert.Equal(t, EverTurnedOnVPN|EverTurnedOnAutostart|EverUsedSiteExceptions, h.Mask())
	assert.Equal(t, 7, prefs.GetInt(core.PrefOnboardingMask, 0))
}

func TestFlagsAtConstruction(t *testing.T) {
	prefs := core.NewPrefs("")
	require.NoError(t, prefs.SetBool(core.PrefAutoStartEnabled, true))
	require.NoError(t, prefs.SetInt(core.PrefOnboardingMask, int(EverTurnedOnVPN)))
	bus := core.NewEventBus()

	h := New(prefs, bus, count(2))
	defer h.Close()

	assert.Equal(t, EverTurnedOnVPN|EverTurnedOnAutostart|EverUsedSiteExceptions, h.Mask())
	assert.Zero(t, bus.Len(core.EventPermissionAdded))
}

func TestUninit(t *testing.T) {
	bus := core.NewEventBus()
	h := New(core.NewPrefs(""), bus, nil)
	h.Init()
	h.Init()
	assert.Equal(t, 1, bus.Len(core.EventProxyStateChanged))
	assert.Equal(t, 1, bus.Len(core.EventPermissionAdded))

	h.Uninit()
	h.Uninit()
	assert.Zero(t, bus.Len(core.EventProxyStateChanged))
	assert.Zero(t, bus.Len(core.EventPermissionAdded))

	bus.Publish(core.Event{Type: core.EventProxyStateChanged, Payload: core.ProxyStatePayload{State: core.ProxyActive}})
	assert.Zero(t, h.Mask())
	h.Close()
}
