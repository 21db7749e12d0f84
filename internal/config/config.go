package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config represents the complete madserve configuration
type Config struct {
	Worker  WorkerConfig  `mapstructure:"worker" yaml:"worker"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Upload  UploadConfig  `mapstructure:"upload" yaml:"upload"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// WorkerConfig controls the analysis worker process and the bridge to it
type WorkerConfig struct {
	// BaseDir anchors relative script/model paths and the virtualenv search.
	// Empty means the current working directory.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// ScriptPath is the worker script, relative to BaseDir unless absolute
	ScriptPath string `mapstructure:"script_path" yaml:"script_path"`
	// Interpreter overrides interpreter discovery when set
	Interpreter string `mapstructure:"interpreter" yaml:"interpreter"`
	// ModelDir is exported to the worker as MAD_MODEL_DIR (default: <base_dir>/ml/models)
	ModelDir string `mapstructure:"model_dir" yaml:"model_dir"`
	// Env holds extra KEY=VALUE pairs for the worker environment
	Env []string `mapstructure:"env" yaml:"env"`
	// HandshakeTimeoutSeconds bounds the wait for the ready line (default: 60)
	HandshakeTimeoutSeconds int `mapstructure:"handshake_timeout_seconds" yaml:"handshake_timeout_seconds"`
	// RequestTimeoutSeconds bounds each analysis request (default: 90)
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	// StopGraceSeconds is how long the worker gets to exit after stdin closes (default: 5)
	StopGraceSeconds int `mapstructure:"stop_grace_seconds" yaml:"stop_grace_seconds"`
	// MaxLineBytes caps a single stdout line from the worker (default: 16 MiB)
	MaxLineBytes int `mapstructure:"max_line_bytes" yaml:"max_line_bytes"`
}

// ServerConfig controls the HTTP listener
type ServerConfig struct {
	// Addr is the listen address. A bare port such as "8000" is accepted.
	// PORT in the environment overrides the default.
	Addr string `mapstructure:"addr" yaml:"addr"`
	// MaxConcurrent bounds in-flight analyses (0 = unlimited). Reloaded live.
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	// AllowedOrigins is the CORS allow-list
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	// FrontendURL is appended to AllowedOrigins; FRONTEND_URL sets it
	FrontendURL string `mapstructure:"frontend_url" yaml:"frontend_url"`
	// ShutdownTimeoutSeconds bounds graceful shutdown (default: 10)
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// UploadConfig controls image uploads
type UploadConfig struct {
	// Dir holds uploads while they are analysed (default: "uploads")
	Dir string `mapstructure:"dir" yaml:"dir"`
	// MaxBytes is the largest accepted upload (default: 10 MiB)
	MaxBytes int64 `mapstructure:"max_bytes" yaml:"max_bytes"`
	// AllowedTypes are the image/<subtype> content types accepted
	AllowedTypes []string `mapstructure:"allowed_types" yaml:"allowed_types"`
	// StaleAfterSeconds is the age at which a leftover upload is swept at
	// startup (default: 3600, 0 disables the sweep)
	StaleAfterSeconds int `mapstructure:"stale_after_seconds" yaml:"stale_after_seconds"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled turns logging on (default: true)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Level is the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// Dir is where madserve.log is written. Empty logs to stderr.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// MaxSizeMB is the maximum size of a log file before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of rotated log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips rotated log files (default: true)
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			BaseDir:                 "",
			ScriptPath:              filepath.Join("python-workers", "analyze_image.py"),
			Interpreter:             "",
			ModelDir:                "",
			Env:                     []string{},
			HandshakeTimeoutSeconds: 60,
			RequestTimeoutSeconds:   90,
			StopGraceSeconds:        5,
			MaxLineBytes:            16 * 1024 * 1024,
		},
		Server: ServerConfig{
			Addr:          ":8000",
			MaxConcurrent: 0,
			AllowedOrigins: []string{
				"http://localhost:5173",
				"http://127.0.0.1:5173",
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			},
			FrontendURL:            "",
			ShutdownTimeoutSeconds: 10,
		},
		Upload: UploadConfig{
			Dir:               "uploads",
			MaxBytes:          10 * 1024 * 1024,
			AllowedTypes:      []string{"jpeg", "jpg", "png", "webp", "bmp"},
			StaleAfterSeconds: 3600,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			Dir:        "",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   true,
		},
	}
}

// HandshakeTimeout returns the handshake timeout as a time.Duration
func (c *WorkerConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

// RequestTimeout returns the per-request timeout as a time.Duration
func (c *WorkerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// StopGrace returns the stop grace period as a time.Duration
func (c *WorkerConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// ListenAddr returns Addr in host:port form.
func (c *ServerConfig) ListenAddr() string {
	if c.Addr != "" && !strings.Contains(c.Addr, ":") {
		return ":" + c.Addr
	}
	return c.Addr
}

// Origins returns the CORS allow-list including FrontendURL.
func (c *ServerConfig) Origins() []string {
	out := make([]string, 0, len(c.AllowedOrigins)+1)
	for _, o := range c.AllowedOrigins {
		if o != "" {
			out = append(out, o)
		}
	}
	if c.FrontendURL != "" {
		out = append(out, c.FrontendURL)
	}
	return out
}

// StaleAfter returns the upload sweep age as a time.Duration
func (c *UploadConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

// ShutdownTimeout returns the graceful shutdown bound as a time.Duration
func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Worker defaults
	viper.SetDefault("worker.base_dir", defaults.Worker.BaseDir)
	viper.SetDefault("worker.script_path", defaults.Worker.ScriptPath)
	viper.SetDefault("worker.interpreter", defaults.Worker.Interpreter)
	viper.SetDefault("worker.model_dir", defaults.Worker.ModelDir)
	viper.SetDefault("worker.env", defaults.Worker.Env)
	viper.SetDefault("worker.handshake_timeout_seconds", defaults.Worker.HandshakeTimeoutSeconds)
	viper.SetDefault("worker.request_timeout_seconds", defaults.Worker.RequestTimeoutSeconds)
	viper.SetDefault("worker.stop_grace_seconds", defaults.Worker.StopGraceSeconds)
	viper.SetDefault("worker.max_line_bytes", defaults.Worker.MaxLineBytes)

	// Server defaults
	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("server.max_concurrent", defaults.Server.MaxConcurrent)
	viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	viper.SetDefault("server.frontend_url", defaults.Server.FrontendURL)
	viper.SetDefault("server.shutdown_timeout_seconds", defaults.Server.ShutdownTimeoutSeconds)

	// Upload defaults
	viper.SetDefault("upload.dir", defaults.Upload.Dir)
	viper.SetDefault("upload.max_bytes", defaults.Upload.MaxBytes)
	viper.SetDefault("upload.allowed_types", defaults.Upload.AllowedTypes)
	viper.SetDefault("upload.stale_after_seconds", defaults.Upload.StaleAfterSeconds)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// BindEnvAliases binds the unprefixed environment variables the service has
// always honoured. Prefixed MADSERVE_* variables take precedence.
func BindEnvAliases() error {
	if err := viper.BindEnv("server.addr", "MADSERVE_SERVER_ADDR", "PORT"); err != nil {
		return err
	}
	return viper.BindEnv("server.frontend_url", "MADSERVE_SERVER_FRONTEND_URL", "FRONTEND_URL")
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// Watch calls fn with the reloaded configuration whenever the config file
// changes. Reloads that fail validation are reported to onError and
// otherwise ignored. Watch is a no-op when no config file is in use.
func Watch(fn func(*Config), onError func(error)) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		fn(cfg)
	})
	viper.WatchConfig()
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "madserve")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".madserve"
	}
	return filepath.Join(home, ".config", "madserve")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
