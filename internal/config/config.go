package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "GLASSD"

type Config struct {
	ListenAddr    string `mapstructure:"listen_addr"`
	DBPath        string `mapstructure:"db_path"`
	UserStatePath string `mapstructure:"user_state_path"`
	CloudID       string `mapstructure:"cloud_id"`
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`

	SystemDashboardPackage string `mapstructure:"system_dashboard_package"`

	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout       time.Duration `mapstructure:"heartbeat_timeout"`
	ReconnectBaseDelay     time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay      time.Duration `mapstructure:"reconnect_max_delay"`
	ReconnectMaxJitter     time.Duration `mapstructure:"reconnect_max_jitter"`
	ReconnectMaxAttempts   int           `mapstructure:"reconnect_max_attempts"`
	ConnectGracePeriod     time.Duration `mapstructure:"connect_grace_period"`
	WebhookTimeout         time.Duration `mapstructure:"webhook_timeout"`
	HandshakeTimeout       time.Duration `mapstructure:"handshake_timeout"`
	GlassesGracePeriod     time.Duration `mapstructure:"glasses_grace_period"`
	ProtocolErrorThreshold int           `mapstructure:"protocol_error_threshold"`

	ThrottleDelay         time.Duration `mapstructure:"throttle_delay"`
	DisplayQueueTTL       time.Duration `mapstructure:"display_queue_ttl"`
	LockTimeout           time.Duration `mapstructure:"lock_timeout"`
	LockInactiveTimeout   time.Duration `mapstructure:"lock_inactive_timeout"`
	DashboardQueueSize    int           `mapstructure:"dashboard_queue_size"`
	DashboardComposeLimit int           `mapstructure:"dashboard_compose_limit"`

	LivenessWindow        time.Duration `mapstructure:"liveness_window"`
	RegistrationRetention time.Duration `mapstructure:"registration_retention"`
	RegistryPruneInterval time.Duration `mapstructure:"registry_prune_interval"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:             ":8002",
		DBPath:                 defaultStatePath("glasscloud.db"),
		UserStatePath:          defaultStatePath("userstate.bolt"),
		CloudID:                "local",
		LogLevel:               "info",
		LogFormat:              "console",
		SystemDashboardPackage: "system.dashboard",
		HeartbeatInterval:      10 * time.Second,
		HeartbeatTimeout:       30 * time.Second,
		ReconnectBaseDelay:     1 * time.Second,
		ReconnectMaxDelay:      30 * time.Second,
		ReconnectMaxJitter:     250 * time.Millisecond,
		ReconnectMaxAttempts:   5,
		ConnectGracePeriod:     10 * time.Second,
		WebhookTimeout:         5 * time.Second,
		HandshakeTimeout:       5 * time.Second,
		GlassesGracePeriod:     60 * time.Second,
		ProtocolErrorThreshold: 5,
		ThrottleDelay:          200 * time.Millisecond,
		DisplayQueueTTL:        5 * time.Second,
		LockTimeout:            10 * time.Second,
		LockInactiveTimeout:    2 * time.Second,
		DashboardQueueSize:     5,
		DashboardComposeLimit:  3,
		LivenessWindow:         45 * time.Second,
		RegistrationRetention:  10 * time.Minute,
		RegistryPruneInterval:  30 * time.Second,
	}
}

// Load reads defaults, then the optional config file, then GLASSD_* env vars.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.ThrottleDelay <= 0 {
		errs = append(errs, errors.New("throttle_delay must be positive"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat_interval must be positive"))
	}
	if c.HeartbeatTimeout < c.HeartbeatInterval {
		errs = append(errs, errors.New("heartbeat_timeout must not be shorter than heartbeat_interval"))
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		errs = append(errs, errors.New("reconnect_max_delay must not be below reconnect_base_delay"))
	}
	if c.LivenessWindow <= 0 {
		errs = append(errs, errors.New("liveness_window must be positive"))
	}
	if strings.TrimSpace(c.SystemDashboardPackage) == "" {
		errs = append(errs, errors.New("system_dashboard_package is required"))
	}
	return errors.Join(errs...)
}

// setDefaults registers every field so AutomaticEnv can see it during Unmarshal.
func setDefaults(v *viper.Viper, cfg Config) {
	rv := reflect.ValueOf(cfg)
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		key := rt.Field(i).Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		v.SetDefault(key, rv.Field(i).Interface())
	}
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "state", "glasscloud", name)
}
