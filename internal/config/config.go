// Package config loads meetsync settings from defaults, an optional YAML
// file and MEETSYNC_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete client configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Meeting  MeetingConfig  `yaml:"meeting"`
	Socket   SocketConfig   `yaml:"socket"`
	Audio    AudioConfig    `yaml:"audio"`
	Captions CaptionsConfig `yaml:"captions"`
	Storage  StorageConfig  `yaml:"storage"`
	Control  ControlConfig  `yaml:"control"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig locates the backend.
type ServerConfig struct {
	APIURL string `yaml:"api_url"`
	// WSURL defaults to APIURL with its scheme switched to ws/wss.
	WSURL string `yaml:"ws_url"`
}

// MeetingConfig identifies who joins which meeting.
type MeetingConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Role string `yaml:"role"` // participant or host
}

// SocketConfig tunes every reconnecting channel.
type SocketConfig struct {
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	AutoReconnect        bool          `yaml:"auto_reconnect"`
	MaxRetries           int           `yaml:"max_retries"` // 0 retries forever
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
}

// AudioConfig controls capture and chunk upload.
type AudioConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ChunkDuration time.Duration `yaml:"chunk_duration"`
	MinChunkBytes int           `yaml:"min_chunk_bytes"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	FFmpegPath    string        `yaml:"ffmpeg_path"`
	InputFormat   string        `yaml:"input_format"`
	Device        string        `yaml:"device"`
	SampleRate    int           `yaml:"sample_rate"`
}

// CaptionsConfig controls local speech recognition.
type CaptionsConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RecognizerURL     string        `yaml:"recognizer_url"`
	RestartDelay      time.Duration `yaml:"restart_delay"`
	ErrorRestartDelay time.Duration `yaml:"error_restart_delay"`
	History           int           `yaml:"history"`
}

// StorageConfig selects where the local transcript copy lives.
type StorageConfig struct {
	Backend     string `yaml:"backend"` // memory, valkey, postgres
	ValkeyAddr  string `yaml:"valkey_addr"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ControlConfig configures the local control API.
type ControlConfig struct {
	Addr       string `yaml:"addr"` // empty disables the API
	CORSOrigin string `yaml:"cors_origin"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{APIURL: "http://localhost:8000"},
		Meeting: MeetingConfig{Role: "participant"},
		Socket: SocketConfig{
			ReconnectInterval:    time.Second,
			MaxReconnectInterval: 30 * time.Second,
			AutoReconnect:        true,
			HandshakeTimeout:     10 * time.Second,
		},
		Audio: AudioConfig{
			Enabled:       true,
			ChunkDuration: 20 * time.Second,
			MinChunkBytes: 1000,
			RetryDelay:    2 * time.Second,
			FFmpegPath:    "ffmpeg",
			InputFormat:   "pulse",
			Device:        "default",
			SampleRate:    16000,
		},
		Captions: CaptionsConfig{
			RestartDelay:      200 * time.Millisecond,
			ErrorRestartDelay: time.Second,
			History:           50,
		},
		Storage: StorageConfig{Backend: "memory"},
		Control: ControlConfig{Addr: "127.0.0.1:7070", CORSOrigin: "*"},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load reads .env (if present), then the YAML file at path (if non-empty),
// then MEETSYNC_* variables, and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envReader collects parse errors so every bad variable is reported.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	e := &envReader{lookup: lookup}

	e.str("MEETSYNC_API_URL", &c.Server.APIURL)
	e.str("MEETSYNC_WS_URL", &c.Server.WSURL)

	e.str("MEETSYNC_MEETING_ID", &c.Meeting.ID)
	e.str("MEETSYNC_NAME", &c.Meeting.Name)
	e.str("MEETSYNC_ROLE", &c.Meeting.Role)

	e.duration("MEETSYNC_RECONNECT_INTERVAL", &c.Socket.ReconnectInterval)
	e.duration("MEETSYNC_MAX_RECONNECT_INTERVAL", &c.Socket.MaxReconnectInterval)
	e.boolean("MEETSYNC_AUTO_RECONNECT", &c.Socket.AutoReconnect)
	e.integer("MEETSYNC_MAX_RETRIES", &c.Socket.MaxRetries)
	e.duration("MEETSYNC_HANDSHAKE_TIMEOUT", &c.Socket.HandshakeTimeout)

	e.boolean("MEETSYNC_AUDIO_ENABLED", &c.Audio.Enabled)
	e.duration("MEETSYNC_CHUNK_DURATION", &c.Audio.ChunkDuration)
	e.integer("MEETSYNC_MIN_CHUNK_BYTES", &c.Audio.MinChunkBytes)
	e.duration("MEETSYNC_RETRY_DELAY", &c.Audio.RetryDelay)
	e.str("MEETSYNC_FFMPEG_PATH", &c.Audio.FFmpegPath)
	e.str("MEETSYNC_AUDIO_INPUT_FORMAT", &c.Audio.InputFormat)
	e.str("MEETSYNC_AUDIO_DEVICE", &c.Audio.Device)
	e.integer("MEETSYNC_SAMPLE_RATE", &c.Audio.SampleRate)

	e.boolean("MEETSYNC_CAPTIONS_ENABLED", &c.Captions.Enabled)
	e.str("MEETSYNC_RECOGNIZER_URL", &c.Captions.RecognizerURL)
	e.duration("MEETSYNC_CAPTION_RESTART_DELAY", &c.Captions.RestartDelay)
	e.duration("MEETSYNC_CAPTION_ERROR_RESTART_DELAY", &c.Captions.ErrorRestartDelay)
	e.integer("MEETSYNC_CAPTION_HISTORY", &c.Captions.History)

	e.str("MEETSYNC_STORAGE_BACKEND", &c.Storage.Backend)
	e.str("MEETSYNC_VALKEY_ADDR", &c.Storage.ValkeyAddr)
	e.str("MEETSYNC_POSTGRES_DSN", &c.Storage.PostgresDSN)

	if v, ok := lookup("MEETSYNC_CONTROL_ADDR"); ok {
		c.Control.Addr = v // empty disables
	}
	e.str("MEETSYNC_CORS_ORIGIN", &c.Control.CORSOrigin)

	e.str("MEETSYNC_LOG_LEVEL", &c.Logging.Level)
	e.str("MEETSYNC_LOG_FORMAT", &c.Logging.Format)

	if len(e.errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(e.errs...))
	}
	return nil
}

func (c *Config) fillDerived() {
	if c.Server.WSURL == "" {
		c.Server.WSURL = c.Server.APIURL
	}
	c.Server.APIURL = strings.TrimRight(c.Server.APIURL, "/")
	c.Server.WSURL = strings.TrimRight(c.Server.WSURL, "/")
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Meeting.Validate(); err != nil {
		return fmt.Errorf("meeting config: %w", err)
	}
	if err := c.Socket.Validate(); err != nil {
		return fmt.Errorf("socket config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Captions.Validate(); err != nil {
		return fmt.Errorf("captions config: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s URL, got %q", field, strings.Join(schemes, "/"), raw)
}

// Validate validates the backend URLs.
func (s *ServerConfig) Validate() error {
	if err := checkURL("api_url", s.APIURL, "http", "https"); err != nil {
		return err
	}
	return checkURL("ws_url", s.WSURL, "ws", "wss", "http", "https")
}

// Validate validates the meeting role. The id and name are checked by the
// commands that need them.
func (m *MeetingConfig) Validate() error {
	switch m.Role {
	case "participant", "host":
		return nil
	}
	return fmt.Errorf("role must be participant or host, got %q", m.Role)
}

// Validate validates socket timing.
func (s *SocketConfig) Validate() error {
	if s.ReconnectInterval <= 0 {
		return fmt.Errorf("reconnect_interval must be positive, got %s", s.ReconnectInterval)
	}
	if s.MaxReconnectInterval < s.ReconnectInterval {
		return fmt.Errorf("max_reconnect_interval (%s) must not be below reconnect_interval (%s)",
			s.MaxReconnectInterval, s.ReconnectInterval)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", s.MaxRetries)
	}
	if s.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be positive, got %s", s.HandshakeTimeout)
	}
	return nil
}

// Validate validates capture parameters.
func (a *AudioConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if a.ChunkDuration < time.Second {
		return fmt.Errorf("chunk_duration must be at least 1s, got %s", a.ChunkDuration)
	}
	if a.MinChunkBytes < 0 {
		return fmt.Errorf("min_chunk_bytes must not be negative, got %d", a.MinChunkBytes)
	}
	if a.RetryDelay <= 0 {
		return fmt.Errorf("retry_delay must be positive, got %s", a.RetryDelay)
	}
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}
	return nil
}

// Validate validates the recognizer settings.
func (c *CaptionsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if err := checkURL("recognizer_url", c.RecognizerURL, "ws", "wss"); err != nil {
		return err
	}
	if c.RestartDelay <= 0 || c.ErrorRestartDelay <= 0 {
		return errors.New("restart delays must be positive")
	}
	if c.History < 1 {
		return fmt.Errorf("history must be at least 1, got %d", c.History)
	}
	return nil
}

// Validate validates the storage backend.
func (s *StorageConfig) Validate() error {
	switch s.Backend {
	case "memory":
	case "valkey":
		if s.ValkeyAddr == "" {
			return errors.New("valkey_addr is required for the valkey backend")
		}
	case "postgres":
		if s.PostgresDSN == "" {
			return errors.New("postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("backend must be memory, valkey or postgres, got %q", s.Backend)
	}
	return nil
}

// Validate validates logging settings.
func (l *LoggingConfig) Validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be debug, info, warn or error, got %q", l.Level)
	}
	switch l.Format {
	case "json", "console":
	default:
		return fmt.Errorf("format must be json or console, got %q", l.Format)
	}
	return nil
}
