// Package config provides configuration management for cinesync using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultHTTPPort                = 8080
	defaultSyncPort                = 8081
	defaultPortFallbackRange       = 5
	defaultLeadTime                = 500 * time.Millisecond
	defaultSampleInterval          = 250 * time.Millisecond
	defaultDriftInterval           = 5 * time.Second
	defaultSpeedCooldown           = 2 * time.Second
	defaultSeekCooldown            = 10 * time.Second
	defaultInitialPlaybackCooldown = 15 * time.Second
	defaultSyncCheckInterval       = 5 * time.Second
	defaultReadyTimeout            = 15 * time.Second
	defaultJoinTimeout             = 10 * time.Second
	defaultClientSilenceTimeout    = 30 * time.Second
	defaultSessionExpiry           = 24 * time.Hour
	defaultCleanupInterval         = 6 * time.Hour
	defaultUploadPinDigits         = 4
	defaultSyncPinDigits           = 6
	defaultShutdownGrace           = 5 * time.Second
	defaultStorageHeadroom         = 500 * 1024 * 1024 // 500 MiB kept free during uploads
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the range-streaming HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	// Port is the primary port for the stream server. If binding fails with
	// address-in-use, ports up to Port+PortFallbackRange are tried in order.
	Port              int           `mapstructure:"port"`
	PortFallbackRange int           `mapstructure:"port_fallback_range"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
}

// SyncConfig holds synchronized playback configuration.
type SyncConfig struct {
	// Port is the primary port for the WebSocket command channel,
	// with the same fallback policy as the stream server.
	Port              int `mapstructure:"port"`
	PortFallbackRange int `mapstructure:"port_fallback_range"`

	// LeadTime is added to wall-clock-now to produce the predictive
	// target start time for first play. It should exceed the expected
	// one-way network latency plus engine start-up.
	LeadTime time.Duration `mapstructure:"lead_time"`

	// SampleInterval is how often the master samples its playback engine.
	SampleInterval time.Duration `mapstructure:"sample_interval"`

	// DriftInterval is how often a follower measures drift while playing.
	DriftInterval time.Duration `mapstructure:"drift_interval"`

	// SpeedCooldown is the minimum interval between playback rate adjustments.
	SpeedCooldown time.Duration `mapstructure:"speed_cooldown"`

	// SeekCooldown is the minimum interval between corrective seeks.
	SeekCooldown time.Duration `mapstructure:"seek_cooldown"`

	// InitialPlaybackCooldown suppresses corrective seeks after playback
	// starts; engine startup transients report large but transient drift.
	InitialPlaybackCooldown time.Duration `mapstructure:"initial_playback_cooldown"`

	// SyncCheckInterval is the master's sync_check cadence while playing.
	SyncCheckInterval time.Duration `mapstructure:"sync_check_interval"`

	// ReadyTimeout is how long the master waits for a client to report
	// ready after load before marking it degraded.
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`

	// JoinTimeout bounds the client-side join handshake.
	JoinTimeout time.Duration `mapstructure:"join_timeout"`

	// ClientSilenceTimeout is how long a connected but silent client is
	// kept before being presumed dead and dropped from the roster.
	ClientSilenceTimeout time.Duration `mapstructure:"client_silence_timeout"`

	// PinDigits is the length of the session join PIN (6 recommended).
	PinDigits int `mapstructure:"pin_digits"`
}

// UploadConfig holds resumable upload configuration.
type UploadConfig struct {
	// MaxUploadBytes caps a single upload. Zero means "device free space
	// minus the storage headroom", computed at request time.
	// Supports human-readable values like "2GB" or raw byte counts.
	MaxUploadBytes ByteSize `mapstructure:"max_upload_bytes"`

	// SessionExpiry is how long an in-progress upload survives without
	// activity before the cleanup worker removes it.
	SessionExpiry time.Duration `mapstructure:"session_expiry"`

	// CleanupInterval is the cadence of the background cleanup worker.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	// PinDigits is the length of the upload PIN (4 or 6).
	PinDigits int `mapstructure:"pin_digits"`

	// StorageHeadroom is the free space that must remain after accepting
	// an upload of the declared length.
	StorageHeadroom ByteSize `mapstructure:"storage_headroom"`
}

// DatabaseConfig holds the upload-session database configuration.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `mapstructure:"path"`
}

// StorageConfig holds media storage configuration.
type StorageConfig struct {
	// MediaDir is the directory the filesystem media store manages.
	MediaDir string `mapstructure:"media_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// SetDefaults registers default values on the provided Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultHTTPPort)
	v.SetDefault("server.port_fallback_range", defaultPortFallbackRange)
	v.SetDefault("server.shutdown_grace", defaultShutdownGrace)

	v.SetDefault("sync.port", defaultSyncPort)
	v.SetDefault("sync.port_fallback_range", defaultPortFallbackRange)
	v.SetDefault("sync.lead_time", defaultLeadTime)
	v.SetDefault("sync.sample_interval", defaultSampleInterval)
	v.SetDefault("sync.drift_interval", defaultDriftInterval)
	v.SetDefault("sync.speed_cooldown", defaultSpeedCooldown)
	v.SetDefault("sync.seek_cooldown", defaultSeekCooldown)
	v.SetDefault("sync.initial_playback_cooldown", defaultInitialPlaybackCooldown)
	v.SetDefault("sync.sync_check_interval", defaultSyncCheckInterval)
	v.SetDefault("sync.ready_timeout", defaultReadyTimeout)
	v.SetDefault("sync.join_timeout", defaultJoinTimeout)
	v.SetDefault("sync.client_silence_timeout", defaultClientSilenceTimeout)
	v.SetDefault("sync.pin_digits", defaultSyncPinDigits)

	v.SetDefault("upload.max_upload_bytes", 0)
	v.SetDefault("upload.session_expiry", defaultSessionExpiry)
	v.SetDefault("upload.cleanup_interval", defaultCleanupInterval)
	v.SetDefault("upload.pin_digits", defaultUploadPinDigits)
	v.SetDefault("upload.storage_headroom", defaultStorageHeadroom)

	v.SetDefault("database.path", "cinesync.db")
	v.SetDefault("storage.media_dir", "media")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// BindEnvAliases binds the flat environment variable names documented for
// operators to their viper keys. Durations expressed in milliseconds or
// hours by those variables are converted in Load.
func BindEnvAliases(v *viper.Viper) {
	aliases := map[string]string{
		"server.port":       "SYNC_HTTP_PORT",
		"sync.port":         "SYNC_WS_PORT",
		"upload.pin_digits": "UPLOAD_PIN_DIGITS",
		"database.path":     "CINESYNC_DB_PATH",
		"storage.media_dir": "CINESYNC_MEDIA_DIR",
	}
	for key, env := range aliases {
		// BindEnv only errors on empty input.
		_ = v.BindEnv(key, env)
	}

	for key, env := range map[string]string{
		"sync.lead_time_ms":                 "SYNC_LEAD_MS",
		"sync.drift_interval_ms":            "SYNC_DRIFT_INTERVAL_MS",
		"sync.speed_cooldown_ms":            "SYNC_SPEED_COOLDOWN_MS",
		"sync.seek_cooldown_ms":             "SYNC_SEEK_COOLDOWN_MS",
		"sync.initial_playback_cooldown_ms": "SYNC_INITIAL_PLAYBACK_COOLDOWN_MS",
		"upload.max_upload_bytes":           "TUS_MAX_UPLOAD_BYTES",
		"upload.session_expiry_hours":       "TUS_SESSION_EXPIRY_HOURS",
		"upload.cleanup_interval_hours":     "TUS_CLEANUP_INTERVAL_HOURS",
	} {
		_ = v.BindEnv(key, env)
	}
}

// Load builds a Config from the provided Viper instance, applying the
// millisecond/hour environment overrides on top of the structured keys.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Flat env overrides use ms/hour units; structured keys use durations.
	if ms := v.GetInt64("sync.lead_time_ms"); ms > 0 {
		cfg.Sync.LeadTime = time.Duration(ms) * time.Millisecond
	}
	if ms := v.GetInt64("sync.drift_interval_ms"); ms > 0 {
		cfg.Sync.DriftInterval = time.Duration(ms) * time.Millisecond
	}
	if ms := v.GetInt64("sync.speed_cooldown_ms"); ms > 0 {
		cfg.Sync.SpeedCooldown = time.Duration(ms) * time.Millisecond
	}
	if ms := v.GetInt64("sync.seek_cooldown_ms"); ms > 0 {
		cfg.Sync.SeekCooldown = time.Duration(ms) * time.Millisecond
	}
	if ms := v.GetInt64("sync.initial_playback_cooldown_ms"); ms > 0 {
		cfg.Sync.InitialPlaybackCooldown = time.Duration(ms) * time.Millisecond
	}
	if h := v.GetInt64("upload.session_expiry_hours"); h > 0 {
		cfg.Upload.SessionExpiry = time.Duration(h) * time.Hour
	}
	if h := v.GetInt64("upload.cleanup_interval_hours"); h > 0 {
		cfg.Upload.CleanupInterval = time.Duration(h) * time.Hour
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Sync.Port < 1 || c.Sync.Port > 65535 {
		errs = append(errs, fmt.Errorf("sync.port out of range: %d", c.Sync.Port))
	}
	if c.Sync.LeadTime <= 0 {
		errs = append(errs, errors.New("sync.lead_time must be positive"))
	}
	if c.Sync.DriftInterval <= 0 {
		errs = append(errs, errors.New("sync.drift_interval must be positive"))
	}
	if c.Sync.PinDigits != 4 && c.Sync.PinDigits != 6 {
		errs = append(errs, fmt.Errorf("sync.pin_digits must be 4 or 6, got %d", c.Sync.PinDigits))
	}
	if c.Upload.PinDigits != 4 && c.Upload.PinDigits != 6 {
		errs = append(errs, fmt.Errorf("upload.pin_digits must be 4 or 6, got %d", c.Upload.PinDigits))
	}
	if c.Upload.SessionExpiry <= 0 {
		errs = append(errs, errors.New("upload.session_expiry must be positive"))
	}
	if c.Upload.CleanupInterval <= 0 {
		errs = append(errs, errors.New("upload.cleanup_interval must be positive"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path must not be empty"))
	}

	return errors.Join(errs...)
}
