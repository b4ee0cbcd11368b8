package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"ipp-daemon/internal/autorestore"
	"ipp-daemon/internal/autostart"
	"ipp-daemon/internal/core"
	"ipp-daemon/internal/exceptions"
	"ipp-daemon/internal/infobar"
	"ipp-daemon/internal/ipc"
	"ipp-daemon/internal/metrics"
	"ipp-daemon/internal/onboarding"
	"ipp-daemon/internal/proxy"
	"ipp-daemon/internal/serverlist"
	"ipp-daemon/internal/service"
	"ipp-daemon/internal/startupcache"
)

const shutdownTimeout = 10 * time.Second

func serveCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "ippd.yaml", "Path to configuration file")
	return cmd
}

func runDaemon(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === 1. Config, logging and preferences ===
	bus := core.NewEventBus()
	cfgManager := core.NewConfigManager(resolveRelativeToExe(configPath), bus)
	defer cfgManager.FollowLogging(core.Log)()
	if err := cfgManager.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgManager.Get()
	defer core.Log.Sync()
	go reloadOnHangup(ctx, cfgManager)
	core.Log.Infof("Core", "ippd %s starting", version)

	prefs := core.NewPrefs(resolveRelativeToExe(cfg.Prefs))
	if err := prefs.Load(); err != nil {
		return fmt.Errorf("load prefs: %w", err)
	}

	signals := core.NewSignals()
	m := metrics.New()

	// === 2. Startup cache and server list ===
	cache := startupcache.New(prefs, bus, signals.WindowsRestored)

	var source serverlist.Source
	if cfg.Serverlist.URL != "" {
		source = serverlist.NewHTTPSource(cfg.Serverlist.URL, cfg.Serverlist.UserAgent)
	}
	list := serverlist.NewList(serverlist.Options{
		Prefs:        prefs,
		Bus:          bus,
		Cache:        cache,
		Source:       source,
		Metrics:      m,
		SyncInterval: core.ParseDurationOr(cfg.Serverlist.SyncInterval, 0),
	})

	// === 3. Proxy and helpers ===
	mgr := proxy.NewManager(prefs, bus, list)
	mgr.OnFilterChange(m.SetChannelFilter)

	svc := service.New(prefs, bus, cache, m)
	cache.Bind(svc)

	auto := autostart.New(prefs, bus, list, mgr, m)
	defer auto.Close()
	filter := autostart.NewEarlyStartupFilter(bus, mgr, auto)
	restore := autorestore.New(autorestore.Options{
		Prefs:     prefs,
		Bus:       bus,
		Service:   svc,
		List:      list,
		Proxy:     mgr,
		Restoring: signals.RestoringOnStartup,
		Metrics:   m,
	})

	exc := exceptions.New(prefs, bus)
	onb := onboarding.New(prefs, bus, exc)
	defer onb.Close()

	windows := infobar.NewWindowTracker()
	windows.Open()
	bar := infobar.NewManager(bus, windows, m)
	alerts := infobar.NewAlertManager(bus, windows, mgr)

	// Proxy subscribes before the helpers that start it.
	svc.SetHelpers(cache, list, mgr, auto, filter, restore, onb, bar, alerts)
	svc.WatchPrefs(ctx)
	svc.MaybeEarlyInit(ctx)
	svc.Init(ctx)
	defer svc.Close()

	// === 4. Metrics endpoint ===
	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			core.Log.Infof("Core", "Metrics on http://%s/metrics", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				core.Log.Errorf("Core", "Metrics server: %v", err)
			}
		}()
	}

	// === 5. Control socket ===
	tracker := ipc.NewConnTracker()
	handler := service.NewControlHandler(service.Config{
		Service:     svc,
		Cache:       cache,
		Proxy:       mgr,
		List:        list,
		Signals:     signals,
		Exceptions:  exc,
		Onboarding:  onb,
		AutoStart:   auto,
		AutoRestore: restore,
		Windows:     windows,
		Alerts:      alerts,
		Metrics:     m,
		Version:     version,
	})
	ipcSrv := ipc.NewServer(handler, cfg.IPC.Socket, grpc.UnaryInterceptor(tracker.UnaryInterceptor()))
	if err := ipcSrv.Listen(); err != nil {
		return err
	}
	go func() {
		if err := ipcSrv.Serve(); err != nil {
			core.Log.Errorf("Core", "Control server: %v", err)
		}
	}()

	// === 6. Lifecycle signals ===
	if cfg.Startup.RestoreDelay != "" {
		go fireStartupSignals(ctx, signals, core.ParseDurationOr(cfg.Startup.RestoreDelay, 0))
	}

	core.Log.Infof("Core", "Running, state %s", svc.State())
	<-ctx.Done()

	// === Graceful shutdown (reverse order) ===
	core.Log.Infof("Core", "Shutting down...")

	done := make(chan struct{})
	go func() {
		ipcSrv.Stop()
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			_ = metricsSrv.Shutdown(shutdownCtx)
			cancel()
		}
		close(done)
	}()

	select {
	case <-done:
		core.Log.Infof("Core", "Shutdown complete, served %d control calls", tracker.TotalCount())
	case <-time.After(shutdownTimeout):
		core.Log.Warnf("Core", "Shutdown timed out, forcing stop")
		ipcSrv.ForceStop()
	}
	return nil
}

// reloadOnHangup re-reads the config file on SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, cm *core.ConfigManager) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			if err := cm.Load(); err != nil {
				core.Log.Warnf("Core", "Config reload failed: %v", err)
				continue
			}
			core.Log.Infof("Core", "Config reloaded, log level %q", cm.Get().Logging.Level)
		case <-ctx.Done():
			return
		}
	}
}

// fireStartupSignals stands in for the host when no controller drives the
// lifecycle: session restore begins now and the windows are restored after
// delay.
func fireStartupSignals(ctx context.Context, signals *core.Signals, delay time.Duration) {
	signals.RestoringOnStartup.Fire()

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		signals.WindowsRestored.Fire()
	case <-ctx.Done():
	}
}

// resolveRelativeToExe resolves a relative path against the directory containing
// the running executable. Absolute paths are returned unchanged.
func resolveRelativeToExe(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		core.Log.Warnf("Core", "Cannot determine executable path, using %q as-is: %v", path, err)
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}
