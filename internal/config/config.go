package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

const envPrefix = "PRINTLAPSE_"

type Config struct {
	Port    int    `json:"port"`
	DataDir string `json:"data_dir"`
	Debug   bool   `json:"debug"`

	// Timelapse directories and rendering
	TimelapseDir     string        `json:"timelapse_dir"`
	TimelapseTmpDir  string        `json:"timelapse_tmp_dir"`
	FFmpegPath       string        `json:"ffmpeg_path"`
	Bitrate          string        `json:"bitrate"`
	RenderThreads    int           `json:"render_threads"`
	RenderWorkers    int           `json:"render_workers"`
	RenderTimeout    time.Duration `json:"render_timeout"`
	KeepRenderFrames bool          `json:"keep_render_frames"`

	// Access control
	AuthEnabled bool   `json:"auth_enabled"`
	AuthUser    string `json:"auth_user"`
	AuthPass    string `json:"auth_pass"`
	APIKey      string `json:"api_key"`
	UserAPIKey  string `json:"user_api_key"`

	// Printer state polling, disabled when empty
	PrinterStatusURL      string        `json:"printer_status_url"`
	PrinterStatusInterval time.Duration `json:"printer_status_interval"`

	CacheTTL        time.Duration `json:"cache_ttl"`
	CacheMaxEntries int           `json:"cache_max_entries"`

	RateLimitEnabled bool `json:"rate_limit_enabled"`
	RateLimitRPM     int  `json:"rate_limit_rpm"`
	RateLimitBurst   int  `json:"rate_limit_burst"`

	LogDir   string `json:"log_dir"`
	LogLevel string `json:"log_level"`

	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

func Default() *Config {
	return &Config{
		Port:    5000,
		DataDir: "./printlapseData",

		TimelapseDir:    "./timelapse",
		TimelapseTmpDir: "./timelapse/tmp",
		FFmpegPath:      "ffmpeg",
		Bitrate:         "5000k",
		RenderThreads:   1,
		RenderWorkers:   1,
		RenderTimeout:   30 * time.Minute,

		PrinterStatusInterval: 5 * time.Second,

		CacheTTL:        5 * time.Minute,
		CacheMaxEntries: 64,

		RateLimitEnabled: true,
		RateLimitRPM:     600,
		RateLimitBurst:   50,

		LogLevel: "info",

		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// BindFlags registers a flag for every setting, using the current values as defaults
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.Port, "port", c.Port, "Port to listen on")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "Directory for persistent data storage")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug logging")

	fs.StringVar(&c.TimelapseDir, "timelapse-dir", c.TimelapseDir, "Directory holding rendered timelapses")
	fs.StringVar(&c.TimelapseTmpDir, "timelapse-tmp-dir", c.TimelapseTmpDir, "Directory holding captured frames")
	fs.StringVar(&c.FFmpegPath, "ffmpeg", c.FFmpegPath, "Path to the ffmpeg binary")
	fs.StringVar(&c.Bitrate, "bitrate", c.Bitrate, "Video bitrate passed to ffmpeg")
	fs.IntVar(&c.RenderThreads, "render-threads", c.RenderThreads, "Threads per ffmpeg process")
	fs.IntVar(&c.RenderWorkers, "render-workers", c.RenderWorkers, "Number of concurrent render jobs")
	fs.DurationVar(&c.RenderTimeout, "render-timeout", c.RenderTimeout, "Maximum duration of a single render")
	fs.BoolVar(&c.KeepRenderFrames, "keep-frames", c.KeepRenderFrames, "Keep captured frames after a successful render")

	fs.BoolVar(&c.AuthEnabled, "auth", c.AuthEnabled, "Enable access control")
	fs.StringVar(&c.AuthUser, "user", c.AuthUser, "Admin username for HTTP Basic authentication")
	fs.StringVar(&c.AuthPass, "pass", c.AuthPass, "Admin password for HTTP Basic authentication")
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "Admin API key")
	fs.StringVar(&c.UserAPIKey, "user-api-key", c.UserAPIKey, "API key for non-admin users")

	fs.StringVar(&c.PrinterStatusURL, "printer-status-url", c.PrinterStatusURL, "URL polled for the printer state")
	fs.DurationVar(&c.PrinterStatusInterval, "printer-status-interval", c.PrinterStatusInterval, "Printer state poll interval")

	fs.DurationVar(&c.CacheTTL, "cache-ttl", c.CacheTTL, "Lifetime of cached listing responses")
	fs.IntVar(&c.CacheMaxEntries, "cache-max-entries", c.CacheMaxEntries, "Maximum number of cached responses")

	fs.BoolVar(&c.RateLimitEnabled, "rate-limit", c.RateLimitEnabled, "Enable request rate limiting")
	fs.IntVar(&c.RateLimitRPM, "rate-limit-rpm", c.RateLimitRPM, "Requests per minute")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", c.RateLimitBurst, "Request burst size")

	fs.StringVar(&c.LogDir, "log-dir", c.LogDir, "Directory for rotated log files, stdout only when empty")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level")
}

// ApplyEnv overrides settings from PRINTLAPSE_* environment variables.
// Flags explicitly set on the command line win over the environment.
func (c *Config) ApplyEnv(fs *pflag.FlagSet) error {
	var firstErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || firstErr != nil {
			return
		}
		value, ok := os.LookupEnv(envName(f.Name))
		if !ok || value == "" {
			return
		}
		if err := f.Value.Set(value); err != nil {
			firstErr = errors.Wrapf(err, "invalid %s", envName(f.Name))
		}
	})
	return firstErr
}

func envName(flagName string) string {
	name := make([]byte, 0, len(envPrefix)+len(flagName))
	name = append(name, envPrefix...)
	for i := 0; i < len(flagName); i++ {
		ch := flagName[i]
		switch {
		case ch == '-':
			ch = '_'
		case ch >= 'a' && ch <= 'z':
			ch -= 'a' - 'A'
		}
		name = append(name, ch)
	}
	return string(name)
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}
	if c.TimelapseDir == "" || c.TimelapseTmpDir == "" {
		return fmt.Errorf("timelapse directories cannot be empty")
	}
	if c.RenderWorkers < 1 {
		return fmt.Errorf("render workers must be at least 1")
	}
	if c.RenderThreads < 1 {
		return fmt.Errorf("render threads must be at least 1")
	}
	if c.RenderTimeout <= 0 {
		return fmt.Errorf("render timeout must be positive")
	}
	if c.AuthEnabled && c.APIKey == "" && (c.AuthUser == "" || c.AuthPass == "") {
		return fmt.Errorf("access control requires an api key or both username and password")
	}
	if c.PrinterStatusURL != "" && c.PrinterStatusInterval <= 0 {
		return fmt.Errorf("printer status interval must be positive")
	}
	if c.CacheTTL <= 0 || c.CacheMaxEntries < 1 {
		return fmt.Errorf("cache ttl and size must be positive")
	}
	if c.RateLimitEnabled && (c.RateLimitRPM < 1 || c.RateLimitBurst < 1) {
		return fmt.Errorf("rate limit requires positive rpm and burst")
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("read and write timeouts must be positive")
	}
	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}
