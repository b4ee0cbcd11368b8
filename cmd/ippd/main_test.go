package main

import (
	"context"
	"os"
	"path/filepath"
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

func TestRootCommandHasSubcommands(t *testing.T) {
	root := rootCommand()
	for _, name := range []string{"serve", "status", "start", "stop", "signal", "usage", "account", "exclude", "dismiss", "sync", "report-error"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestFireStartupSignals(t *testing.T) {
	signals := core.NewSignals()
	fireStartupSignals(context.Background(), signals, time.Millisecond)
	assert.True(t, signals.RestoringOnStartup.Fired())
	assert.True(t, signals.WindowsRestored.Fired())
}

func TestFireStartupSignalsCanceled(t *testing.T) {
	signals := core.NewSignals()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fireStartupSignals(ctx, signals, time.Hour)
	assert.True(t, signals.RestoringOnStartup.Fired())
	assert.False(t, signals.WindowsRestored.Fired())
}

func TestResolveRelativeToExe(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "ippd.yaml")
	assert.Equal(t, abs, resolveRelativeToExe(abs))
	assert.Empty(t, resolveRelativeToExe(""))

	exe, err := os.Executable()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(exe), "ippd.yaml"), resolveRelativeToExe("ippd.yaml"))
}
