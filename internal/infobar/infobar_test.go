package infobar

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipp-daemon/internal/core"
	"ipp-daemon/internal/metrics"
)

func TestMain(m *testing.M) {
	core.Log = core.NewNopLogger()
	os.Exit(m.Run())
}

var reset = time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)

func usage(remainingGB int64) *core.Usage {
	return &core.Usage{Max: 100 * core.BytesInGB, Remaining: remainingGB * core.BytesInGB, Reset: reset}
}

func publishUsage(bus *core.EventBus, u *core.Usage) {
	bus.Publish(core.Event{Type: core.EventUsageChanged, Payload: core.UsagePayload{Usage: u}})
}

func TestThresholdFor(t *testing.T) {
	tests := []struct {
		name  string
		usage *core.Usage
		want  int
	}{
		{"25GB left", usage(25), Threshold75},
		{"10GB left", usage(10), Threshold90},
		{"50GB left", usage(50), 0},
		{"nothing left", usage(0), Threshold90},
		{"20GB left", usage(20), Threshold75},
		{"nil", nil, 0},
		{"no max", &core.Usage{Remaining: 1, Reset: reset}, 0},
		{"no reset", &core.Usage{Max: 100, Remaining: 1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ThresholdFor(tt.usage))
		})
	}
}

func TestRemainingGB(t *testing.T) {
	assert.Equal(t, "25", RemainingGB(usage(25)))
	assert.Equal(t, "3", RemainingGB(&core.Usage{Remaining: 5 * core.BytesInGB / 2}))
	assert.Equal(t, "0", RemainingGB(&core.Usage{Remaining: core.BytesInGB / 4}))
}

func TestManagerShowsOncePerWindow(t *testing.T) {
	bus := core.NewEventBus()
	windows := NewWindowTracker()
	m := metrics.New()
	mgr := NewManager(bus, windows, m)
	mgr.Init()
	defer mgr.Uninit()

	// No window: nothing to show.
	publishUsage(bus, usage(25))

	win := windows.Open()
	publishUsage(bus, usage(50))
	assert.Empty(t, win.Box.List())

	publishUsage(bus, usage(25))
	publishUsage(bus, usage(24))
	require.Len(t, win.Box.List(), 1)
	n, ok := win.Box.Get(NotificationID(Threshold75))
	require.True(t, ok)
	assert.Equal(t, "25", n.Args["usageLeft"])
	assert.Equal(t, "ip-protection-bandwidth-warning-infobar-message-75", n.L10nID)

	publishUsage(bus, usage(10))
	assert.Len(t, win.Box.List(), 2)
	_, ok = win.Box.Get("ip-protection-bandwidth-warning-90")
	assert.True(t, ok)

	// Dismissed notifications may be shown again.
	assert.True(t, win.Box.Remove(NotificationID(Threshold90)))
	publishUsage(bus, usage(10))
	assert.Len(t, win.Box.List(), 2)
}

func TestManagerUsesMostRecentWindow(t *testing.T) {
	bus := core.NewEventBus()
	windows := NewWindowTracker()
	mgr := NewManager(bus, windows, nil)
	mgr.Init()
	defer mgr.Uninit()

	first := windows.Open()
	second := windows.Open()
	require.True(t, windows.Focus(first.ID))

	publishUsage(bus, usage(10))
	assert.Len(t, first.Box.List(), 1)
	assert.Empty(t, second.Box.List())

	// Each window gets its own copy.
	require.True(t, windows.Close(first.ID))
	publishUsage(bus, usage(10))
	assert.Len(t, second.Box.List(), 1)
	assert.Equal(t, 1, windows.Len())
}

func TestManagerInitIdempotent(t *testing.T) {
	bus := core.NewEventBus()
	mgr := NewManager(bus, NewWindowTracker(), nil)
	mgr.Init()
	mgr.Init()
	assert.Equal(t, 1, bus.Len(core.EventUsageChanged))
	assert.True(t, mgr.Initialized())

	mgr.Uninit()
	mgr.Uninit()
	assert.Zero(t, bus.Len(core.EventUsageChanged))
	assert.False(t, mgr.Initialized())
}

func TestNotificationBoxOrder(t *testing.T) {
	box := &NotificationBox{}
	assert.True(t, box.Append(Notification{ID: "a", Priority: PriorityInfo}))
	assert.True(t, box.Append(Notification{ID: "b", Priority: PriorityWarningHigh}))
	assert.False(t, box.Append(Notification{ID: "a", Priority: PriorityWarning}))

	list := box.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.False(t, list[1].Shown.IsZero())
	assert.False(t, box.Remove("missing"))
}
