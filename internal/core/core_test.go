package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	Log = NewNopLogger()
	os.Exit(m.Run())
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	var got []ServiceState

	unsub := bus.Subscribe(EventStateChanged, func(e Event) {
		got = append(got, e.Payload.(StatePayload).State)
	})
	bus.Publish(Event{Type: EventStateChanged, Payload: StatePayload{State: StateReady}})
	unsub()
	unsub()
	bus.Publish(Event{Type: EventStateChanged, Payload: StatePayload{State: StateUnavailable}})

	assert.Equal(t, []ServiceState{StateReady}, got)
	assert.Zero(t, bus.Len(EventStateChanged))
}

func TestEventBusPanicIsolation(t *testing.T) {
	bus := NewEventBus()
	calls := 0

	bus.Subscribe(EventUsageChanged, func(Event) { panic("boom") })
	bus.Subscribe(EventUsageChanged, func(Event) { calls++ })

	require.NotPanics(t, func() {
		bus.Publish(Event{Type: EventUsageChanged})
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, bus.Len(EventUsageChanged))
}

func TestEventBusUnsubscribeDuringPublish(t *testing.T) {
	bus := NewEventBus()
	calls := 0

	var unsub func()
	unsub = bus.Subscribe(EventStateChanged, func(Event) {
		calls++
		unsub()
	})
	bus.Subscribe(EventStateChanged, func(Event) { calls++ })

	bus.Publish(Event{Type: EventStateChanged})
	bus.Publish(Event{Type: EventStateChanged})
	assert.Equal(t, 3, calls)
}

func TestPrefsTypedAccessAndWatch(t *testing.T) {
	p := NewPrefs("")

	assert.False(t, p.GetBool(PrefEnabled, false))
	assert.Equal(t, 7, p.GetInt(PrefOnboardingMask, 7))

	var changed []string
	cancel := p.Watch(PrefEnabled, func(key string) { changed = append(changed, key) })

	require.NoError(t, p.SetBool(PrefEnabled, true))
	require.NoError(t, p.SetBool(PrefEnabled, true)) // unchanged, no notification
	assert.True(t, p.GetBool(PrefEnabled, false))
	assert.Equal(t, "fallback", p.GetString(PrefEnabled, "fallback"), "type mismatch returns default")

	cancel()
	require.NoError(t, p.SetBool(PrefEnabled, false))
	assert.Equal(t, []string{PrefEnabled}, changed)

	require.NoError(t, p.Clear(PrefEnabled))
	assert.False(t, p.Has(PrefEnabled))
}

func TestPrefsPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs", "prefs.yaml")

	p := NewPrefs(path)
	require.NoError(t, p.Load())
	require.NoError(t, p.SetString(PrefStateCache, "ready"))
	require.NoError(t, p.SetInt(PrefOnboardingMask, 5))
	require.NoError(t, p.SetBool(PrefAutoStartEnabled, true))

	reloaded := NewPrefs(path)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, "ready", reloaded.GetString(PrefStateCache, ""))
	assert.Equal(t, 5, reloaded.GetInt(PrefOnboardingMask, 0))
	assert.True(t, reloaded.GetBool(PrefAutoStartEnabled, false))
	assert.Equal(t, []string{PrefAutoStartEnabled, PrefOnboardingMask, PrefStateCache}, reloaded.Keys())
}

func TestPrefsConcurrentSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.yaml")
	p := NewPrefs(path)

	const writers = 8
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- p.SetString(fmt.Sprintf("test.key%d", i), fmt.Sprintf("v%d", i))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	reloaded := NewPrefs(path)
	require.NoError(t, reloaded.Load())
	for i := 0; i < writers; i++ {
		assert.Equal(t, fmt.Sprintf("v%d", i), reloaded.GetString(fmt.Sprintf("test.key%d", i), ""))
	}
}

func TestSignalFiresOnce(t *testing.T) {
	s := NewSignal(SignalWindowsRestored)
	calls := 0
	s.Observe(func() { calls++ })
	cancelled := s.Observe(func() { calls += 100 })
	cancelled()

	assert.True(t, s.Fire())
	assert.False(t, s.Fire())
	assert.Equal(t, 1, calls)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Fire")
	}

	// Late observers run immediately.
	s.Observe(func() { calls++ })
	assert.Equal(t, 2, calls)
}

func TestParseServiceState(t *testing.T) {
	st, err := ParseServiceState("ready")
	require.NoError(t, err)
	assert.Equal(t, StateReady, st)

	st, err = ParseServiceState("active")
	assert.ErrorIs(t, err, ErrUnknownState)
	assert.Equal(t, StateUninitialized, st)
}

func TestUsageJSON(t *testing.T) {
	reset := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	u := Usage{Max: 100 * BytesInGB, Remaining: 25 * BytesInGB, Reset: reset}

	data, err := json.Marshal(u)
	require.NoError(t, err)
	assert.JSONEq(t, `{"max":"107374182400","remaining":"26843545600","reset":"2026-11-01T00:00:00Z"}`, string(data))

	var back Usage
	require.NoError(t, json.Unmarshal(data, &back))
	assert.InDelta(t, 0.25, back.RemainingFraction(), 1e-9)

	assert.False(t, (&Usage{Max: 0, Remaining: 1, Reset: reset}).Complete())
	assert.False(t, (&Usage{Max: 1, Remaining: 1}).Complete())
}

func TestConfigManagerDefaultsAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ippd.yaml")
	t.Setenv("IPPD_SOCKET", "/tmp/test-ippd.sock")

	cm := NewConfigManager(path, nil)
	require.NoError(t, cm.Load())

	cfg := cm.Get()
	assert.Equal(t, "/tmp/test-ippd.sock", cfg.IPC.Socket)
	assert.Equal(t, "6h", cfg.Serverlist.SyncInterval)
	assert.FileExists(t, path)
}

func TestConfigReloadReconfiguresLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ippd.yaml")
	bus := NewEventBus()
	cm := NewConfigManager(path, bus)
	logger := NewNopLogger()
	cancel := cm.FollowLogging(logger)
	defer cancel()

	require.NoError(t, cm.Load())
	lvl, _ := logger.levelFor("Core")
	assert.Equal(t, LevelInfo, lvl)

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: error\n  components:\n    ipc: debug\n"), 0o644))
	require.NoError(t, cm.Load())
	lvl, _ = logger.levelFor("Core")
	assert.Equal(t, LevelError, lvl)
	lvl, _ = logger.levelFor("IPC")
	assert.Equal(t, LevelDebug, lvl)
}
