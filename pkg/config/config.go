// Package config loads sheetpress project configuration.
//
// Configuration comes from three layers, later layers winning:
//
//  1. sheetpress.toml (or the file named by --config)
//  2. SHEETPRESS_* environment variables, optionally seeded from a .env file
//  3. command-line flags, applied by the CLI
//
// Relative paths in a configuration file are resolved against the directory
// that contains it.
package config

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/matzehuels/sheetpress/pkg/batch"
	"github.com/matzehuels/sheetpress/pkg/errors"
	"github.com/matzehuels/sheetpress/pkg/render"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// FileName is the configuration file looked up in the working directory.
	FileName = "sheetpress.toml"

	// Lock backends.
	LockNone  = "none"
	LockFile  = "file"
	LockRedis = "redis"

	// DefaultReapTimeout bounds the wait for renderer processes after a batch.
	DefaultReapTimeout = 10 * time.Second
)

// =============================================================================
// Config
// =============================================================================

// Config is the decoded sheetpress.toml.
type Config struct {
	Document     string   `toml:"document"`
	OutputDir    string   `toml:"output_dir"`
	CombinedName string   `toml:"combined_name"`
	Sheets       []string `toml:"sheets"`

	ExcludedCategory string   `toml:"excluded_category"`
	MustInclude      []string `toml:"must_include"`

	PortableNames bool `toml:"portable_names"`

	Render  Render `toml:"render"`
	Lock    Lock   `toml:"lock"`
	Journal string `toml:"journal"`

	// MetricsFile receives a Prometheus textfile after every batch.
	MetricsFile string `toml:"metrics_file"`

	// Report receives a JSON summary after every batch.
	Report string `toml:"report"`

	// path is the file the config was read from, empty for defaults.
	path string
}

// Render configures the renderer and the completion poll.
type Render struct {
	// Command is the external renderer; empty uses the proof renderer.
	Command         []string        `toml:"command"`
	MaxPollAttempts int             `toml:"max_poll_attempts"`
	PollInterval    time.Duration   `toml:"poll_interval"`
	TimeoutPolicy   string          `toml:"timeout_policy"`
	Watch           bool            `toml:"watch"`
	Settings        render.Settings `toml:"settings"`

	// ReapTimeout is how long renderer processes may outlive the batch
	// before they are killed.
	ReapTimeout time.Duration `toml:"reap_timeout"`
}

// Lock selects how concurrent batches are kept off the renderer.
type Lock struct {
	Backend   string        `toml:"backend"`
	Dir       string        `toml:"dir"`
	RedisAddr string        `toml:"redis_addr"`
	TTL       time.Duration `toml:"ttl"`
	Wait      time.Duration `toml:"wait"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		OutputDir: "prints",
		Render: Render{
			MaxPollAttempts: render.DefaultMaxPollAttempts,
			PollInterval:    render.DefaultPollInterval,
			TimeoutPolicy:   string(render.TimeoutSkip),
			Watch:           true,
			Settings:        render.DefaultSettings(),
			ReapTimeout:     DefaultReapTimeout,
		},
		Lock: Lock{
			Backend: LockFile,
			TTL:     batch.DefaultLockTTL,
			Wait:    batch.DefaultLockWait,
		},
	}
}

// Path returns the file the configuration was read from.
func (c *Config) Path() string { return c.path }

// =============================================================================
// Loading
// =============================================================================

// Load reads path on top of Default. An empty path reads FileName from the
// working directory if it exists and falls back to defaults otherwise.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = FileName
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && stderrors.Is(err, fs.ErrNotExist) {
			return &cfg, nil
		}
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "read config")
	}
	if err := cfg.decode(data); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.path = abs
	cfg.resolvePaths(filepath.Dir(abs))
	return &cfg, nil
}

// Parse decodes TOML data on top of Default without touching the filesystem.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) decode(data []byte) error {
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, err, "parse config")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return errors.New(errors.ErrCodeInvalidConfig, "unknown config keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{&c.Document, &c.OutputDir, &c.Journal, &c.MetricsFile, &c.Report, &c.Lock.Dir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// LoadEnv loads .env files into the process environment without overriding
// variables that are already set. With no arguments it reads ./.env if present.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	return nil
}

// =============================================================================
// Environment Overrides
// =============================================================================

// ApplyEnv overrides fields from SHEETPRESS_* variables found through lookup
// (normally os.LookupEnv).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SHEETPRESS_DOCUMENT", &c.Document)
	str("SHEETPRESS_OUTPUT_DIR", &c.OutputDir)
	str("SHEETPRESS_TIMEOUT_POLICY", &c.Render.TimeoutPolicy)
	str("SHEETPRESS_LOCK", &c.Lock.Backend)
	str("SHEETPRESS_LOCK_DIR", &c.Lock.Dir)
	str("SHEETPRESS_REDIS_ADDR", &c.Lock.RedisAddr)
	str("SHEETPRESS_JOURNAL", &c.Journal)
	str("SHEETPRESS_METRICS_FILE", &c.MetricsFile)
	str("SHEETPRESS_REPORT", &c.Report)

	if v, ok := lookup("SHEETPRESS_SHEETS"); ok && v != "" {
		c.Sheets = splitList(v)
	}
	if v, ok := lookup("SHEETPRESS_RENDERER"); ok && v != "" {
		c.Render.Command = strings.Fields(v)
	}
	if v, ok := lookup("SHEETPRESS_POLL_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfig, err, "SHEETPRESS_POLL_ATTEMPTS")
		}
		c.Render.MaxPollAttempts = n
	}
	if v, ok := lookup("SHEETPRESS_POLL_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfig, err, "SHEETPRESS_POLL_INTERVAL")
		}
		c.Render.PollInterval = d
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks the fields the batch options do not cover.
func (c *Config) Validate() error {
	switch c.Lock.Backend {
	case "", LockNone, LockFile:
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			return errors.New(errors.ErrCodeInvalidConfig, "lock backend redis needs lock.redis_addr")
		}
	default:
		return errors.New(errors.ErrCodeInvalidConfig, "unknown lock backend %q", c.Lock.Backend)
	}
	if _, err := render.ParseTimeoutPolicy(c.Render.TimeoutPolicy); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, err, "render.timeout_policy")
	}
	if c.Lock.TTL < 0 || c.Lock.Wait < 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "lock durations cannot be negative")
	}
	if c.Render.ReapTimeout <= 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "render.reap_timeout must be positive")
	}
	opts := c.BatchOptions()
	return opts.ValidateAndSetDefaults()
}

// BatchOptions converts the configuration into pipeline options.
func (c *Config) BatchOptions() batch.Options {
	return batch.Options{
		Pages:            append([]string(nil), c.Sheets...),
		OutputDir:        c.OutputDir,
		CombinedName:     c.CombinedName,
		ExcludedCategory: c.ExcludedCategory,
		MustInclude:      c.MustInclude,
		MaxPollAttempts:  c.Render.MaxPollAttempts,
		PollInterval:     c.Render.PollInterval,
		TimeoutPolicy:    render.TimeoutPolicy(c.Render.TimeoutPolicy),
		Settings:         c.Render.Settings,
		PortableNames:    c.PortableNames,
		LockTTL:          c.Lock.TTL,
		LockWait:         c.Lock.Wait,
	}
}
