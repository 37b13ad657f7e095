package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"livenote/internal/domain"
)

const (
	DefaultChunkInterval = time.Second
	MinChunkInterval     = 250 * time.Millisecond
	MaxChunkInterval     = 30 * time.Second
)

// Config stores runtime configuration for the live session engine.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Audio   AudioConfig   `yaml:"audio"`
	Session SessionConfig `yaml:"session"`
	Rules   RulesConfig   `yaml:"rules"`
	Quality QualityConfig `yaml:"quality"`
	Archive ArchiveConfig `yaml:"archive"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// BackendConfig addresses the session backend and bounds its delivery policy.
type BackendConfig struct {
	URL               string        `yaml:"url"`
	APIKey            string        `yaml:"api_key"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	SendAttempts      int           `yaml:"send_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	BacklogLimit      int           `yaml:"backlog_limit"`
	ReconnectInitial  time.Duration `yaml:"reconnect_initial"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
}

type AudioConfig struct {
	RecorderCommand string `yaml:"ffmpeg_command"`
	InputFormat     string `yaml:"input_format"`
	InputDevice     string `yaml:"input_device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
}

type SessionConfig struct {
	ChunkInterval time.Duration `yaml:"chunk_interval"`
	Template      string        `yaml:"template"`
}

type RulesConfig struct {
	Path string `yaml:"path"`
}

// QualityConfig addresses the note-quality service. An empty BaseURL disables it.
type QualityConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			HandshakeTimeout:  10 * time.Second,
			WriteTimeout:      5 * time.Second,
			SendAttempts:      3,
			RetryDelay:        200 * time.Millisecond,
			BacklogLimit:      300,
			ReconnectInitial:  500 * time.Millisecond,
			ReconnectMax:      10 * time.Second,
			ReconnectAttempts: 8,
			DrainTimeout:      3 * time.Second,
		},
		Audio: AudioConfig{
			RecorderCommand: "ffmpeg",
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
		},
		Session: SessionConfig{
			ChunkInterval: DefaultChunkInterval,
			Template:      string(domain.TemplateSOAP),
		},
		Rules: RulesConfig{
			Path: defaultRulesPath(),
		},
		Quality: QualityConfig{
			Timeout:    20 * time.Second,
			MaxRetries: 2,
		},
		Archive: ArchiveConfig{
			Enabled: true,
			Path:    defaultArchivePath(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load resolves configuration: defaults, then the YAML file at path (or LIVENOTE_CONFIG),
// then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	path = firstNonEmpty(path, os.Getenv("LIVENOTE_CONFIG"))
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse unmarshals YAML bytes over the defaults into a validated Config.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// TemplateKind returns the validated default note template.
func (c Config) TemplateKind() domain.TemplateKind {
	kind, err := domain.ParseTemplateKind(c.Session.Template)
	if err != nil {
		return domain.TemplateSOAP
	}
	return kind
}

func (c *Config) applyEnv() {
	c.Backend.URL = envOrDefault("LIVENOTE_BACKEND_URL", c.Backend.URL)
	c.Backend.APIKey = envOrDefault("LIVENOTE_API_KEY", c.Backend.APIKey)
	c.Backend.SendAttempts = envOrDefaultInt("LIVENOTE_SEND_ATTEMPTS", c.Backend.SendAttempts)
	c.Backend.BacklogLimit = envOrDefaultInt("LIVENOTE_BACKLOG_LIMIT", c.Backend.BacklogLimit)
	c.Backend.ReconnectAttempts = envOrDefaultInt("LIVENOTE_RECONNECT_ATTEMPTS", c.Backend.ReconnectAttempts)

	c.Audio.RecorderCommand = envOrDefault("LIVENOTE_FFMPEG_COMMAND", c.Audio.RecorderCommand)
	c.Audio.InputFormat = envOrDefault("LIVENOTE_AUDIO_INPUT_FORMAT", c.Audio.InputFormat)
	c.Audio.InputDevice = envOrDefault("LIVENOTE_AUDIO_INPUT_DEVICE", c.Audio.InputDevice)
	c.Audio.SampleRate = envOrDefaultInt("LIVENOTE_SAMPLE_RATE", c.Audio.SampleRate)
	c.Audio.Channels = envOrDefaultInt("LIVENOTE_CHANNELS", c.Audio.Channels)

	c.Session.ChunkInterval = envOrDefaultMillis("LIVENOTE_CHUNK_INTERVAL_MS", c.Session.ChunkInterval)
	c.Session.Template = envOrDefault("LIVENOTE_TEMPLATE", c.Session.Template)

	c.Rules.Path = envOrDefault("LIVENOTE_RULES_FILE", c.Rules.Path)

	c.Quality.BaseURL = envOrDefault("LIVENOTE_QUALITY_URL", c.Quality.BaseURL)
	c.Quality.APIKey = envOrDefault("LIVENOTE_QUALITY_API_KEY", firstNonEmpty(c.Quality.APIKey, c.Backend.APIKey))
	c.Quality.Timeout = envOrDefaultMillis("LIVENOTE_QUALITY_TIMEOUT_MS", c.Quality.Timeout)

	c.Archive.Enabled = envOrDefaultBool("LIVENOTE_ARCHIVE_ENABLED", c.Archive.Enabled)
	c.Archive.Path = envOrDefault("LIVENOTE_ARCHIVE_PATH", c.Archive.Path)

	c.Metrics.Listen = envOrDefault("LIVENOTE_METRICS_LISTEN", c.Metrics.Listen)

	c.Logging.Level = envOrDefault("LIVENOTE_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envOrDefault("LIVENOTE_LOG_FORMAT", c.Logging.Format)
}

// applyDefaults clamps out-of-range values back to working defaults.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = defaults.Audio.SampleRate
	}
	if c.Audio.Channels <= 0 {
		c.Audio.Channels = defaults.Audio.Channels
	}
	if c.Session.ChunkInterval < MinChunkInterval || c.Session.ChunkInterval > MaxChunkInterval {
		c.Session.ChunkInterval = DefaultChunkInterval
	}
	if c.Backend.SendAttempts < 1 {
		c.Backend.SendAttempts = defaults.Backend.SendAttempts
	}
	if c.Backend.BacklogLimit < 1 {
		c.Backend.BacklogLimit = defaults.Backend.BacklogLimit
	}
	if c.Backend.ReconnectAttempts < 0 {
		c.Backend.ReconnectAttempts = defaults.Backend.ReconnectAttempts
	}
	if c.Backend.RetryDelay <= 0 {
		c.Backend.RetryDelay = defaults.Backend.RetryDelay
	}
	if c.Backend.ReconnectInitial <= 0 {
		c.Backend.ReconnectInitial = defaults.Backend.ReconnectInitial
	}
	if c.Backend.ReconnectMax < c.Backend.ReconnectInitial {
		c.Backend.ReconnectMax = max(defaults.Backend.ReconnectMax, c.Backend.ReconnectInitial)
	}
	if c.Quality.MaxRetries < 0 {
		c.Quality.MaxRetries = 0
	}
	if strings.TrimSpace(c.Archive.Path) == "" {
		c.Archive.Path = defaults.Archive.Path
	}
	c.Session.Template = strings.ToUpper(strings.TrimSpace(c.Session.Template))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
}

func (c *Config) validate() error {
	var errs []string
	if !domain.TemplateKind(c.Session.Template).Valid() {
		errs = append(errs, fmt.Sprintf("session.template %q must be one of SOAP, DAP, BIRP, GIRP", c.Session.Template))
	}
	if c.Backend.URL != "" {
		if err := validateURL(c.Backend.URL, "ws", "wss", "http", "https"); err != nil {
			errs = append(errs, "backend.url "+err.Error())
		}
	}
	if c.Quality.BaseURL != "" {
		if err := validateURL(c.Quality.BaseURL, "http", "https"); err != nil {
			errs = append(errs, "quality.base_url "+err.Error())
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be text or json", c.Logging.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, scheme := range schemes {
		if strings.EqualFold(parsed.Scheme, scheme) && parsed.Host != "" {
			return nil
		}
	}
	return errors.New("must be an absolute " + strings.Join(schemes, "/") + " URL")
}

func defaultRulesPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return firstExisting(
		filepath.Join(home, ".config", "livenote", "clinical.rules"),
		"/etc/livenote/clinical.rules",
	)
}

func defaultArchivePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "livenote-sessions.sqlite")
	}
	return filepath.Join(dir, "livenote", "sessions.sqlite")
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultMillis(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
