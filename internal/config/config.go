package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

const (
	defaultListenAddr       = ":8080"
	defaultDBPath           = "meetbot.db"
	defaultMaxConcurrent    = 3
	defaultMaxAttempts      = 3
	defaultBackoffUnit      = 30 * time.Second
	defaultDrainInterval    = time.Second
	defaultDrainTimeout     = time.Hour
	defaultAdmitRPS         = 5
	defaultAdmissionTimeout = 10 * time.Minute
	defaultStopGrace        = 10 * time.Second

	envConfigFile       = "MEETBOT_CONFIG"
	envListenAddr       = "MEETBOT_LISTEN_ADDR"
	envDBPath           = "MEETBOT_DB_PATH"
	envLogLevel         = "MEETBOT_LOG_LEVEL"
	envMaxConcurrent    = "MEETBOT_MAX_CONCURRENT"
	envMaxAttempts      = "MEETBOT_MAX_ATTEMPTS"
	envBackoffUnit      = "MEETBOT_BACKOFF_UNIT"
	envDrainInterval    = "MEETBOT_DRAIN_INTERVAL"
	envDrainTimeout     = "MEETBOT_DRAIN_TIMEOUT"
	envAdmitRPS         = "MEETBOT_ADMIT_RPS"
	envBotCommand       = "MEETBOT_BOT_COMMAND"
	envBotArgs          = "MEETBOT_BOT_ARGS"
	envAdmissionTimeout = "MEETBOT_ADMISSION_TIMEOUT"
	envStopGrace        = "MEETBOT_STOP_GRACE"
)

// Config holds application configuration. Values come from defaults, then an
// optional YAML file named by MEETBOT_CONFIG, then environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// MaxConcurrent is the number of bots allowed in meetings at once.
	MaxConcurrent int
	// MaxAttempts is the global cap on join attempts per bot.
	MaxAttempts int
	// BackoffUnit is multiplied by the attempt number between attempts.
	BackoffUnit time.Duration
	// DrainInterval is how often a drain re-checks for running bots.
	DrainInterval time.Duration
	// DrainTimeout bounds a drain; bots still running afterwards are aborted.
	DrainTimeout time.Duration
	// AdmitRPS limits bot requests per second. Zero disables the limit.
	AdmitRPS float64

	BotCommand       string
	BotArgs          []string
	AdmissionTimeout time.Duration
	StopGrace        time.Duration
}

// fileConfig mirrors Config in the YAML file. Durations are strings such as
// "30s" or "10m".
type fileConfig struct {
	ListenAddr    string   `yaml:"listen_addr"`
	DBPath        string   `yaml:"db_path"`
	LogLevel      string   `yaml:"log_level"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	MaxAttempts   int      `yaml:"max_attempts"`
	BackoffUnit   string   `yaml:"backoff_unit"`
	DrainInterval string   `yaml:"drain_interval"`
	DrainTimeout  string   `yaml:"drain_timeout"`
	AdmitRPS      *float64 `yaml:"admit_rps"`
	Bot           struct {
		Command          string   `yaml:"command"`
		Args             []string `yaml:"args"`
		AdmissionTimeout string   `yaml:"admission_timeout"`
		StopGrace        string   `yaml:"stop_grace"`
	} `yaml:"bot"`
}

// Load reads configuration with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       defaultListenAddr,
		DBPath:           defaultDBPath,
		LogLevel:         slog.LevelInfo,
		MaxConcurrent:    defaultMaxConcurrent,
		MaxAttempts:      defaultMaxAttempts,
		BackoffUnit:      defaultBackoffUnit,
		DrainInterval:    defaultDrainInterval,
		DrainTimeout:     defaultDrainTimeout,
		AdmitRPS:         defaultAdmitRPS,
		AdmissionTimeout: defaultAdmissionTimeout,
		StopGrace:        defaultStopGrace,
	}

	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var fc fileConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode: %w", err)
	}

	if fc.ListenAddr != "" {
		c.ListenAddr = fc.ListenAddr
	}
	if fc.DBPath != "" {
		c.DBPath = fc.DBPath
	}
	if fc.LogLevel != "" {
		c.LogLevel = parseLogLevel(fc.LogLevel)
	}
	if fc.MaxConcurrent != 0 {
		c.MaxConcurrent = fc.MaxConcurrent
	}
	if fc.MaxAttempts != 0 {
		c.MaxAttempts = fc.MaxAttempts
	}
	if fc.AdmitRPS != nil {
		c.AdmitRPS = *fc.AdmitRPS
	}
	if fc.Bot.Command != "" {
		c.BotCommand = fc.Bot.Command
	}
	if len(fc.Bot.Args) > 0 {
		c.BotArgs = fc.Bot.Args
	}

	for _, d := range []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"backoff_unit", fc.BackoffUnit, &c.BackoffUnit},
		{"drain_interval", fc.DrainInterval, &c.DrainInterval},
		{"drain_timeout", fc.DrainTimeout, &c.DrainTimeout},
		{"bot.admission_timeout", fc.Bot.AdmissionTimeout, &c.AdmissionTimeout},
		{"bot.stop_grace", fc.Bot.StopGrace, &c.StopGrace},
	} {
		if err := setDuration(d.field, d.raw, d.dst); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(envListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envBotCommand); v != "" {
		c.BotCommand = v
	}
	if v := os.Getenv(envBotArgs); v != "" {
		c.BotArgs = strings.Fields(v)
	}

	for _, n := range []struct {
		env string
		dst *int
	}{
		{envMaxConcurrent, &c.MaxConcurrent},
		{envMaxAttempts, &c.MaxAttempts},
	} {
		if v := os.Getenv(n.env); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: invalid integer %q: %w", n.env, v, err)
			}
			*n.dst = i
		}
	}

	if v := os.Getenv(envAdmitRPS); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid number %q: %w", envAdmitRPS, v, err)
		}
		c.AdmitRPS = f
	}

	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{envBackoffUnit, &c.BackoffUnit},
		{envDrainInterval, &c.DrainInterval},
		{envDrainTimeout, &c.DrainTimeout},
		{envAdmissionTimeout, &c.AdmissionTimeout},
		{envStopGrace, &c.StopGrace},
	} {
		if err := setDuration(d.env, os.Getenv(d.env), d.dst); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validate() error {
	var errs []error
	if c.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("max concurrent must be positive, got %d", c.MaxConcurrent))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts))
	}
	if c.DrainInterval <= 0 {
		errs = append(errs, errors.New("drain interval must be positive"))
	}
	if c.DrainTimeout <= 0 {
		errs = append(errs, errors.New("drain timeout must be positive"))
	}
	if c.AdmitRPS < 0 {
		errs = append(errs, fmt.Errorf("admit rps must be >= 0, got %v", c.AdmitRPS))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// setDuration parses raw into dst when raw is set. Negative durations are
// rejected.
func setDuration(field, raw string, dst *time.Duration) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return fmt.Errorf("%s: duration must be >= 0", field)
	}
	*dst = d
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
