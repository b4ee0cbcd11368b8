package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipp-daemon/internal/core"
	"ipp-daemon/internal/metrics"
)

func TestMain(m *testing.M) {
	core.Log = core.NewNopLogger()
	os.Exit(m.Run())
}

type fakeCache struct {
	completed   bool
	state       core.ServiceState
	stateErr    error
	entitlement *core.Entitlement
	upgraded    bool
}

func (c *fakeCache) IsStartupCompleted() bool { return c.completed }

func (c *fakeCache) State() (core.ServiceState, error) { return c.state, c.stateErr }

func (c *fakeCache) Entitlement() *core.Entitlement { return c.entitlement }

func (c *fakeCache) HasUpgraded() bool { return c.upgraded }

type recordingHelper struct {
	name string
	log  *callLog
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (h *recordingHelper) Init()   { h.log.add("init " + h.name) }
func (h *recordingHelper) Uninit() { h.log.add("uninit " + h.name) }
func (h *recordingHelper) InitOnStartupCompleted(context.Context) {
	h.log.add("completed " + h.name)
}

func enabledPrefs(t *testing.T) *core.Prefs {
	t.Helper()
	prefs := core.NewPrefs("")
	require.NoError(t, prefs.SetBool(core.PrefEnabled, true))
	return prefs
}

func recordStates(bus *core.EventBus) *[]core.ServiceState {
	var states []core.ServiceState
	bus.Subscribe(core.EventStateChanged, func(e core.Event) {
		states = append(states, e.Payload.(core.StatePayload).State)
	})
	return &states
}

func TestComputeState(t *testing.T) {
	ent := &core.Entitlement{UID: 1}
	tests := []struct {
		name     string
		disabled bool
		optedOut bool
		cache    fakeCache
		account  Account
		want     core.ServiceState
	}{
		{"feature disabled", true, false, fakeCache{completed: true}, Account{SignedIn: true}, core.StateUninitialized},
		{"opted out", false, true, fakeCache{completed: true}, Account{SignedIn: true, Eligible: true}, core.StateOptedOut},
		{"cached during startup", false, false, fakeCache{state: core.StateReady}, Account{}, core.StateReady},
		{"cache error falls through", false, false, fakeCache{stateErr: errors.New("boom")}, Account{Eligible: true}, core.StateUnauthenticated},
		{"vpn addon after upgrade", false, false, fakeCache{completed: true, upgraded: true, entitlement: ent}, Account{SignedIn: true, VPNAddonDetected: true}, core.StateUnavailable},
		{"vpn addon without upgrade", false, false, fakeCache{completed: true, entitlement: ent}, Account{SignedIn: true, VPNAddonDetected: true}, core.StateReady},
		{"signed out not eligible", false, false, fakeCache{completed: true}, Account{}, core.StateUnavailable},
		{"signed out eligible", false, false, fakeCache{completed: true}, Account{Eligible: true}, core.StateUnauthenticated},
		{"no entitlement not eligible", false, false, fakeCache{completed: true}, Account{SignedIn: true}, core.StateUnavailable},
		{"no entitlement eligible", false, false, fakeCache{completed: true}, Account{SignedIn: true, Eligible: true}, core.StateReady},
		{"entitled", false, false, fakeCache{completed: true, entitlement: ent}, Account{SignedIn: true}, core.StateReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefs := core.NewPrefs("")
			require.NoError(t, prefs.SetBool(core.PrefEnabled, !tt.disabled))
			require.NoError(t, prefs.SetBool(core.PrefOptedOut, tt.optedOut))
			cache := tt.cache
			s := New(prefs, core.NewEventBus(), &cache, nil)
			assert.Equal(t, tt.want, s.computeState(tt.account))
		})
	}
}

func TestInitDrivesHelpersInOrder(t *testing.T) {
	log := &callLog{}
	s := New(enabledPrefs(t), core.NewEventBus(), &fakeCache{completed: true}, nil)
	s.SetHelpers(&recordingHelper{"a", log}, &recordingHelper{"b", log})

	s.Init(context.Background())
	calls := log.get()
	require.Len(t, calls, 4)
	assert.Equal(t, []string{"init a", "init b"}, calls[:2])
	assert.ElementsMatch(t, []string{"completed a", "completed b"}, calls[2:])

	s.Init(context.Background())
	assert.Len(t, log.get(), 4, "second Init is a no-op")

	s.Uninit()
	assert.Equal(t, []string{"uninit b", "uninit a"}, log.get()[4:])
	assert.Equal(t, core.StateUninitialized, s.State())
	assert.False(t, s.Initialized())
}

func TestInitBeforeStartupCompleted(t *testing.T) {
	log := &callLog{}
	s := New(enabledPrefs(t), core.NewEventBus(), &fakeCache{state: core.StateReady}, nil)
	s.SetHelpers(&recordingHelper{"a", log})

	s.Init(context.Background())
	assert.Equal(t, []string{"init a"}, log.get())
	assert.Equal(t, core.StateReady, s.State())

	s.InitOnStartupCompleted(context.Background())
	assert.Equal(t, []string{"init a", "completed a"}, log.get())
}

type panickingHelper struct{}

func (panickingHelper) Init()                                  {}
func (panickingHelper) Uninit()                                {}
func (panickingHelper) InitOnStartupCompleted(context.Context) { panic("boom") }

func TestStartupCompletedHelperPanic(t *testing.T) {
	log := &callLog{}
	s := New(enabledPrefs(t), core.NewEventBus(), &fakeCache{state: core.StateReady}, nil)
	s.SetHelpers(panickingHelper{}, &recordingHelper{"a", log})
	s.Init(context.Background())

	err := s.runStartupCompleted(context.Background())
	assert.ErrorContains(t, err, "panicked: boom")
	assert.Equal(t, []string{"init a", "completed a"}, log.get())

	assert.NotPanics(t, func() { s.InitOnStartupCompleted(context.Background()) })
}

func TestInitOnStartupCompletedRequiresInit(t *testing.T) {
	log := &callLog{}
	s := New(enabledPrefs(t), core.NewEventBus(), &fakeCache{completed: true}, nil)
	s.SetHelpers(&recordingHelper{"a", log})

	s.InitOnStartupCompleted(context.Background())
	assert.Empty(t, log.get())
}

func TestInitWhenFeatureDisabled(t *testing.T) {
	log := &callLog{}
	s := New(core.NewPrefs(""), core.NewEventBus(), &fakeCache{completed: true}, nil)
	s.SetHelpers(&recordingHelper{"a", log})

	s.Init(context.Background())
	assert.Empty(t, log.get())
	assert.False(t, s.Initialized())
}

func TestStateChangesArePublished(t *testing.T) {
	bus := core.NewEventBus()
	states := recordStates(bus)
	m := metrics.New()
	s := New(enabledPrefs(t), bus, &fakeCache{completed: true}, m)

	s.Init(context.Background())
	s.SetAccount(Account{Eligible: true})
	s.SetAccount(Account{SignedIn: true, Eligible: true})
	s.SetAccount(Account{SignedIn: true, Eligible: true})

	assert.Equal(t, []core.ServiceState{
		core.StateUnavailable,
		core.StateUnauthenticated,
		core.StateReady,
	}, *states)
	assert.Equal(t, Account{SignedIn: true, Eligible: true}, s.Account())
}

func TestSetAccountBeforeInit(t *testing.T) {
	bus := core.NewEventBus()
	states := recordStates(bus)
	s := New(enabledPrefs(t), bus, &fakeCache{completed: true}, nil)

	s.SetAccount(Account{SignedIn: true, Eligible: true})
	assert.Empty(t, *states)

	s.Init(context.Background())
	assert.Equal(t, []core.ServiceState{core.StateReady}, *states)
}

func TestListenerMayReadState(t *testing.T) {
	bus := core.NewEventBus()
	s := New(enabledPrefs(t), bus, &fakeCache{completed: true}, nil)
	var seen core.ServiceState
	bus.Subscribe(core.EventStateChanged, func(core.Event) {
		seen = s.State()
	})

	s.SetAccount(Account{SignedIn: true, Eligible: true})
	s.Init(context.Background())
	assert.Equal(t, core.StateReady, seen)
}

func TestWatchPrefs(t *testing.T) {
	prefs := core.NewPrefs("")
	bus := core.NewEventBus()
	states := recordStates(bus)
	log := &callLog{}
	s := New(prefs, bus, &fakeCache{completed: true}, nil)
	s.SetHelpers(&recordingHelper{"a", log})
	s.SetAccount(Account{SignedIn: true, Eligible: true})
	s.WatchPrefs(context.Background())
	t.Cleanup(s.Close)

	require.NoError(t, prefs.SetBool(core.PrefEnabled, true))
	assert.True(t, s.Initialized())
	assert.Equal(t, core.StateReady, s.State())

	require.NoError(t, prefs.SetBool(core.PrefOptedOut, true))
	assert.Equal(t, core.StateOptedOut, s.State())

	require.NoError(t, prefs.SetBool(core.PrefEnabled, false))
	assert.False(t, s.Initialized())
	assert.Equal(t, []core.ServiceState{
		core.StateReady,
		core.StateOptedOut,
		core.StateUninitialized,
	}, *states)
	assert.Contains(t, log.get(), "uninit a")
}

func TestMaybeEarlyInit(t *testing.T) {
	prefs := enabledPrefs(t)
	s := New(prefs, core.NewEventBus(), &fakeCache{state: core.StateReady}, nil)

	s.MaybeEarlyInit(context.Background())
	assert.False(t, s.Initialized(), "auto-start off")

	require.NoError(t, prefs.SetBool(core.PrefAutoStartEnabled, true))
	s.MaybeEarlyInit(context.Background())
	assert.True(t, s.Initialized())
	assert.Equal(t, core.StateReady, s.State())
}
