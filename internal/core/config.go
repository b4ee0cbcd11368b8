package core

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ServerlistConfig configures where the location list comes from.
type ServerlistConfig struct {
	// URL of the remote location list (JSON array of countries).
	URL string `yaml:"url,omitempty"`
	// SyncInterval is how often the list is force-refreshed once startup
	// completed, e.g. "6h". Empty disables periodic sync.
	SyncInterval string `yaml:"sync_interval,omitempty"`
	// UserAgent sent with list requests.
	UserAgent string `yaml:"user_agent,omitempty"`
}

// IPCConfig configures the local control socket.
type IPCConfig struct {
	Socket string `yaml:"socket,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables it.
	Addr string `yaml:"addr,omitempty"`
}

// StartupConfig controls how the daemon emulates host lifecycle signals.
type StartupConfig struct {
	// RestoreDelay is the delay between "restoring on startup" and
	// "windows restored" when the daemon fires them itself, e.g. "2s".
	// Empty means both are fired by a controller over IPC.
	RestoreDelay string `yaml:"restore_delay,omitempty"`
}

// Config is the top-level daemon configuration.
type Config struct {
	Prefs      string           `yaml:"prefs,omitempty"`
	Logging    LogConfig        `yaml:"logging,omitempty"`
	Serverlist ServerlistConfig `yaml:"serverlist,omitempty"`
	IPC        IPCConfig        `yaml:"ipc,omitempty"`
	Metrics    MetricsConfig    `yaml:"metrics,omitempty"`
	Startup    StartupConfig    `yaml:"startup,omitempty"`
}

// envOverrides are the IPPD_* environment variables applied on top of YAML.
type envOverrides struct {
	LogLevel      string `envconfig:"LOG_LEVEL"`
	Prefs         string `envconfig:"PREFS"`
	Socket        string `envconfig:"SOCKET"`
	ServerlistURL string `envconfig:"SERVERLIST_URL"`
	MetricsAddr   string `envconfig:"METRICS_ADDR"`
}

// DefaultSocket is the control socket used when none is configured.
const DefaultSocket = "/tmp/ippd.sock"

func defaultConfig() Config {
	return Config{
		Prefs:   "prefs.yaml",
		Logging: LogConfig{Level: "info"},
		Serverlist: ServerlistConfig{
			SyncInterval: "6h",
			UserAgent:    "ippd/1.0",
		},
		IPC: IPCConfig{Socket: DefaultSocket},
	}
}

// ConfigManager handles loading and saving the daemon configuration.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		filePath: filePath,
		bus:      bus,
		config:   defaultConfig(),
	}
}

// Load reads and parses the configuration from disk, then applies IPPD_*
// environment overrides. If the file does not exist, a default one is written.
func (cm *ConfigManager) Load() error {
	cfg := defaultConfig()

	data, err := os.ReadFile(cm.filePath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
		Log.Infof("Core", "Config %s not found, creating default config", cm.filePath)
		cm.mu.Lock()
		cm.config = cfg
		cm.mu.Unlock()
		if saveErr := cm.Save(); saveErr != nil {
			return fmt.Errorf("create default config: %w", saveErr)
		}
	default:
		return fmt.Errorf("read config %s: %w", cm.filePath, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return err
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("ippd", &env); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}
	if env.Prefs != "" {
		cfg.Prefs = env.Prefs
	}
	if env.Socket != "" {
		cfg.IPC.Socket = env.Socket
	}
	if env.ServerlistURL != "" {
		cfg.Serverlist.URL = env.ServerlistURL
	}
	if env.MetricsAddr != "" {
		cfg.Metrics.Addr = env.MetricsAddr
	}
	return nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(cm.filePath, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", cm.filePath, err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// FollowLogging applies the logging section to l after every Load. Other
// sections only take effect on restart.
func (cm *ConfigManager) FollowLogging(l *Logger) (cancel func()) {
	if cm.bus == nil {
		return func() {}
	}
	return cm.bus.Subscribe(EventConfigReloaded, func(Event) {
		l.Configure(cm.Get().Logging)
	})
}

// ParseDurationOr parses s, falling back to def for empty or invalid values.
func ParseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		Log.Warnf("Core", "Invalid duration %q, using %s", s, def)
		return def
	}
	return d
}
