// Package config provides configuration management for macrelay using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort       = 13681
	defaultServerTimeout    = 30 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultHandshakeTimeout = 20 * time.Second
	defaultProfileTimeout   = 10 * time.Second
	defaultAccountTimeout   = 15 * time.Second
	defaultChannelsTimeout  = 30 * time.Second
	defaultGenresTimeout    = 10 * time.Second
	defaultLinkTimeout      = 10 * time.Second
	defaultEPGTimeout       = 30 * time.Second
	defaultProbeTimeout     = 5
	defaultSegmentDuration  = 4
	defaultPlaylistSize     = 6
	defaultMaxStreams       = 10
	defaultInactivity       = 60 * time.Second
	defaultSweepInterval    = 10 * time.Second
	defaultGuideCacheTTL    = 15 * time.Minute
	defaultEPGPeriodHours   = 24
	defaultHDHRTuners       = 10
)

// DefaultPipeCommand is the default ffmpeg invocation template for raw pipe
// delivery. The <proxy>, <timeout> and <url> placeholders are substituted at
// stream time.
const DefaultPipeCommand = "-re -http_proxy <proxy> -timeout <timeout> -i <url> " +
	"-map 0 -codec copy -f mpegts -flush_packets 0 -fflags +nobuffer -flags low_delay " +
	"-strict experimental -analyzeduration 0 -probesize 32 -copyts pipe:"

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Stalker  StalkerConfig  `mapstructure:"stalker"`
	Stream   StreamConfig   `mapstructure:"stream"`
	HLS      HLSConfig      `mapstructure:"hls"`
	Guide    GuideConfig    `mapstructure:"guide"`
	HDHR     HDHRConfig     `mapstructure:"hdhr"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AdvertisedHost is the host:port written into generated playlists and
	// lineup URLs. Empty means derive from the incoming request.
	AdvertisedHost string     `mapstructure:"advertised_host"`
	Auth           AuthConfig `mapstructure:"auth"`
}

// AuthConfig holds HTTP basic-auth settings for the admin and catalog endpoints.
type AuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Path     string `mapstructure:"path"`
	LogLevel string `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds file storage configuration.
type StorageConfig struct {
	// DataDir is the base directory for transient stream output.
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// StalkerConfig holds portal client behaviour. The tiered timeouts match the
// portal API's observed latency profile: handshakes are slow, channel listings
// slower still.
type StalkerConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ProfileTimeout   time.Duration `mapstructure:"profile_timeout"`
	AccountTimeout   time.Duration `mapstructure:"account_timeout"`
	ChannelsTimeout  time.Duration `mapstructure:"channels_timeout"`
	GenresTimeout    time.Duration `mapstructure:"genres_timeout"`
	LinkTimeout      time.Duration `mapstructure:"link_timeout"`
	EPGTimeout       time.Duration `mapstructure:"epg_timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
	Timezone         string        `mapstructure:"timezone"`
}

// StreamConfig holds play-request delivery behaviour.
type StreamConfig struct {
	// Method selects delivery: "ffmpeg" proxies through a transcoder pipe,
	// "redirect" sends the client straight to the upstream link.
	Method string `mapstructure:"method"`
	// TestStreams enables the ffprobe liveness check before delivery.
	TestStreams bool `mapstructure:"test_streams"`
	// TryAllMACs keeps trying every MAC in the pool instead of stopping
	// after the first failure.
	TryAllMACs bool `mapstructure:"try_all_macs"`
	// PipeCommand is the ffmpeg argument template for raw pipe delivery.
	PipeCommand string `mapstructure:"pipe_command"`
	// ProbeTimeout is the ffprobe/ffmpeg input timeout in seconds. It is
	// passed to the binaries in microseconds.
	ProbeTimeout int `mapstructure:"probe_timeout"`
	// FFmpegPath and FFprobePath override binary discovery (empty = $PATH).
	FFmpegPath  string `mapstructure:"ffmpeg_path"`
	FFprobePath string `mapstructure:"ffprobe_path"`
}

// HLSConfig holds segmented delivery configuration.
type HLSConfig struct {
	// SegmentType is "mpegts" (default, maximum compatibility) or "fmp4".
	SegmentType string `mapstructure:"segment_type"`
	// SegmentDuration is the target segment length in seconds.
	SegmentDuration int `mapstructure:"segment_duration"`
	// PlaylistSize is the rolling playlist length in segments.
	PlaylistSize int `mapstructure:"playlist_size"`
	// MaxStreams bounds the number of concurrent transcoder processes.
	MaxStreams int `mapstructure:"max_streams"`
	// InactivityTimeout reclaims a stream nobody has polled for this long.
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	// SweepInterval is how often the reclamation sweep runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// GuideConfig holds XMLTV guide generation configuration.
type GuideConfig struct {
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	EPGPeriodHours int           `mapstructure:"epg_period_hours"`
	// RefreshCron triggers background guide + channel cache refreshes.
	// Empty disables scheduled refresh.
	RefreshCron string `mapstructure:"refresh_cron"`
}

// HDHRConfig holds HDHomeRun tuner emulation configuration.
type HDHRConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Name     string `mapstructure:"name"`
	DeviceID string `mapstructure:"device_id"`
	Tuners   int    `mapstructure:"tuners"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with MACRELAY_, using underscores for nesting.
// Example: MACRELAY_SERVER_PORT=13681.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/macrelay")
		v.AddConfigPath("$HOME/.macrelay")
	}

	v.SetEnvPrefix("MACRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", time.Duration(0)) // streaming responses must not time out
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.advertised_host", "")
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.username", "admin")
	v.SetDefault("server.auth.password", "")

	// Database defaults
	v.SetDefault("database.path", "macrelay.db")
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.data_dir", "./data")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Stalker portal client defaults
	v.SetDefault("stalker.handshake_timeout", defaultHandshakeTimeout)
	v.SetDefault("stalker.profile_timeout", defaultProfileTimeout)
	v.SetDefault("stalker.account_timeout", defaultAccountTimeout)
	v.SetDefault("stalker.channels_timeout", defaultChannelsTimeout)
	v.SetDefault("stalker.genres_timeout", defaultGenresTimeout)
	v.SetDefault("stalker.link_timeout", defaultLinkTimeout)
	v.SetDefault("stalker.epg_timeout", defaultEPGTimeout)
	v.SetDefault("stalker.user_agent", "Mozilla/5.0 (QtEmbedded; U; Linux; C)")
	v.SetDefault("stalker.timezone", "Europe/London")

	// Stream delivery defaults
	v.SetDefault("stream.method", "ffmpeg")
	v.SetDefault("stream.test_streams", true)
	v.SetDefault("stream.try_all_macs", true)
	v.SetDefault("stream.pipe_command", DefaultPipeCommand)
	v.SetDefault("stream.probe_timeout", defaultProbeTimeout)
	v.SetDefault("stream.ffmpeg_path", "")
	v.SetDefault("stream.ffprobe_path", "")

	// HLS defaults
	v.SetDefault("hls.segment_type", "mpegts")
	v.SetDefault("hls.segment_duration", defaultSegmentDuration)
	v.SetDefault("hls.playlist_size", defaultPlaylistSize)
	v.SetDefault("hls.max_streams", defaultMaxStreams)
	v.SetDefault("hls.inactivity_timeout", defaultInactivity)
	v.SetDefault("hls.sweep_interval", defaultSweepInterval)

	// Guide defaults
	v.SetDefault("guide.cache_ttl", defaultGuideCacheTTL)
	v.SetDefault("guide.epg_period_hours", defaultEPGPeriodHours)
	v.SetDefault("guide.refresh_cron", "0 */6 * * *") // every 6 hours

	// HDHomeRun defaults
	v.SetDefault("hdhr.enabled", true)
	v.SetDefault("hdhr.name", "macrelay")
	v.SetDefault("hdhr.device_id", uuid.NewString())
	v.SetDefault("hdhr.tuners", defaultHDHRTuners)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Server.Auth.Enabled && c.Server.Auth.Password == "" {
		return fmt.Errorf("server.auth.password is required when auth is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	validMethods := map[string]bool{"ffmpeg": true, "redirect": true}
	if !validMethods[c.Stream.Method] {
		return fmt.Errorf("stream.method must be one of: ffmpeg, redirect")
	}
	if c.Stream.ProbeTimeout < 1 {
		return fmt.Errorf("stream.probe_timeout must be at least 1 second")
	}

	validSegments := map[string]bool{"mpegts": true, "fmp4": true}
	if !validSegments[c.HLS.SegmentType] {
		return fmt.Errorf("hls.segment_type must be one of: mpegts, fmp4")
	}
	if c.HLS.SegmentDuration < 1 {
		return fmt.Errorf("hls.segment_duration must be at least 1 second")
	}
	if c.HLS.PlaylistSize < 1 {
		return fmt.Errorf("hls.playlist_size must be at least 1")
	}
	if c.HLS.MaxStreams < 1 {
		return fmt.Errorf("hls.max_streams must be at least 1")
	}

	if c.HDHR.Enabled && c.HDHR.Tuners < 1 {
		return fmt.Errorf("hdhr.tuners must be at least 1")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StreamPath returns the directory used for transcoder scratch directories.
func (c *StorageConfig) StreamPath() string {
	return filepath.Join(c.DataDir, "streams")
}
