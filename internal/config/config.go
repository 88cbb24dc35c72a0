package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/vango-dev/approuter/internal/errors"
	"github.com/vango-dev/approuter/pkg/fetch"
	"github.com/vango-dev/approuter/pkg/prefetch"
	"github.com/vango-dev/approuter/pkg/router"
)

const (
	// JSONFileName is the name of the JSON configuration file.
	JSONFileName = "approuter.json"

	// TOMLFileName is the name of the TOML configuration file. It wins when
	// both files exist.
	TOMLFileName = "approuter.toml"

	// DefaultAddress is the default patch server address.
	DefaultAddress = "localhost:3000"

	// DefaultOrigin is the default origin clients navigate against.
	DefaultOrigin = "http://localhost:3000"

	// DefaultMetricsPath is where the server exposes Prometheus metrics.
	DefaultMetricsPath = "/metrics"
)

// Config represents the complete configuration file.
type Config struct {
	// Origin is the base URL of the patch server clients talk to.
	Origin string `json:"origin,omitempty" toml:"origin,omitempty"`

	// Router contains navigation loop settings.
	Router RouterSettings `json:"router,omitempty" toml:"router,omitempty"`

	// Prefetch contains prefetch cache settings.
	Prefetch PrefetchSettings `json:"prefetch,omitempty" toml:"prefetch,omitempty"`

	// Fetch contains patch transport settings.
	Fetch FetchSettings `json:"fetch,omitempty" toml:"fetch,omitempty"`

	// Server contains patch server settings.
	Server ServerSettings `json:"server,omitempty" toml:"server,omitempty"`

	// S3 configures reading patches from a static export in a bucket.
	S3 S3Settings `json:"s3,omitempty" toml:"s3,omitempty"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// RouterSettings contains navigation loop settings.
type RouterSettings struct {
	// QueueSize is the action queue capacity.
	QueueSize int `json:"queueSize,omitempty" toml:"queue_size,omitempty"`

	// FetchTimeout bounds a navigation fetch (e.g., "10s").
	FetchTimeout string `json:"fetchTimeout,omitempty" toml:"fetch_timeout,omitempty"`

	// Dev enables development-only operations.
	Dev bool `json:"dev,omitempty" toml:"dev,omitempty"`
}

// PrefetchSettings contains prefetch cache settings.
type PrefetchSettings struct {
	AutoTTL       string  `json:"autoTTL,omitempty" toml:"auto_ttl,omitempty"`
	FullTTL       string  `json:"fullTTL,omitempty" toml:"full_ttl,omitempty"`
	MaxEntries    int     `json:"maxEntries,omitempty" toml:"max_entries,omitempty"`
	FetchTimeout  string  `json:"fetchTimeout,omitempty" toml:"fetch_timeout,omitempty"`
	SweepInterval string  `json:"sweepInterval,omitempty" toml:"sweep_interval,omitempty"`
	RateLimit     float64 `json:"rateLimit,omitempty" toml:"rate_limit,omitempty"`
	Burst         int     `json:"burst,omitempty" toml:"burst,omitempty"`
}

// FetchSettings contains patch transport settings.
type FetchSettings struct {
	AttemptTimeout  string `json:"attemptTimeout,omitempty" toml:"attempt_timeout,omitempty"`
	MaxRetries      int    `json:"maxRetries,omitempty" toml:"max_retries,omitempty"`
	RetryInterval   string `json:"retryInterval,omitempty" toml:"retry_interval,omitempty"`
	MaxRetryTime    string `json:"maxRetryTime,omitempty" toml:"max_retry_time,omitempty"`
	BreakerFailures int    `json:"breakerFailures,omitempty" toml:"breaker_failures,omitempty"`
	BreakerTimeout  string `json:"breakerTimeout,omitempty" toml:"breaker_timeout,omitempty"`
	MaxBodyBytes    int64  `json:"maxBodyBytes,omitempty" toml:"max_body_bytes,omitempty"`
	UserAgent       string `json:"userAgent,omitempty" toml:"user_agent,omitempty"`
}

// ServerSettings contains patch server settings.
type ServerSettings struct {
	// Address is the listen address.
	Address string `json:"address,omitempty" toml:"address,omitempty"`

	// Pages are the path patterns the demo site serves, e.g. "/blog/:slug".
	// Empty serves every path.
	Pages []string `json:"pages,omitempty" toml:"pages,omitempty"`

	// Redirects maps paths to redirect targets.
	Redirects map[string]string `json:"redirects,omitempty" toml:"redirects,omitempty"`

	// Metrics exposes Prometheus metrics at MetricsPath.
	Metrics bool `json:"metrics,omitempty" toml:"metrics,omitempty"`

	// MetricsPath is the metrics endpoint (default: "/metrics").
	MetricsPath string `json:"metricsPath,omitempty" toml:"metrics_path,omitempty"`
}

// S3Settings configures the S3 patch source.
type S3Settings struct {
	Bucket    string `json:"bucket,omitempty" toml:"bucket,omitempty"`
	Prefix    string `json:"prefix,omitempty" toml:"prefix,omitempty"`
	Region    string `json:"region,omitempty" toml:"region,omitempty"`
	Endpoint  string `json:"endpoint,omitempty" toml:"endpoint,omitempty"`
	PathStyle bool   `json:"pathStyle,omitempty" toml:"path_style,omitempty"`
}

// Default creates a Config with default values.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads configuration from dir. approuter.toml is preferred over
// approuter.json.
func Load(dir string) (*Config, error) {
	for _, name := range []string{TOMLFileName, JSONFileName} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, errors.New("E201").
		WithDetail("No " + TOMLFileName + " or " + JSONFileName + " found in " + dir).
		WithSuggestion("Create " + JSONFileName + " or run without a config file to use defaults")
}

// LoadFile reads configuration from path. The format follows the file
// extension.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("E201").
				WithDetail("Config file " + path + " does not exist")
		}
		return nil, errors.New("E201").Wrap(err)
	}

	cfg := &Config{}
	if isTOML(path) {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, errors.New("E201").
			WithDetail("Failed to parse " + filepath.Base(path) + ": " + err.Error()).
			WithField("path", path)
	}

	cfg.configPath = path
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the configuration to the file it was loaded from.
func (c *Config) Save() error {
	if c.configPath == "" {
		return errors.Newf(errors.CategoryConfig, "no config path set")
	}
	return c.SaveTo(c.configPath)
}

// SaveTo writes the configuration to path in the format of its extension.
func (c *Config) SaveTo(path string) error {
	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return errors.New("E201").Wrap(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.New("E201").Wrap(err)
	}
	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return ""
	}
	return filepath.Dir(c.configPath)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	if c.Origin == "" {
		c.Origin = DefaultOrigin
	}

	// Router
	rd := router.DefaultConfig()
	if c.Router.QueueSize == 0 {
		c.Router.QueueSize = rd.QueueSize
	}
	if c.Router.FetchTimeout == "" {
		c.Router.FetchTimeout = rd.FetchTimeout.String()
	}

	// Prefetch
	pd := prefetch.DefaultConfig()
	if c.Prefetch.AutoTTL == "" {
		c.Prefetch.AutoTTL = pd.AutoTTL.String()
	}
	if c.Prefetch.FullTTL == "" {
		c.Prefetch.FullTTL = pd.FullTTL.String()
	}
	if c.Prefetch.MaxEntries == 0 {
		c.Prefetch.MaxEntries = pd.MaxEntries
	}
	if c.Prefetch.FetchTimeout == "" {
		c.Prefetch.FetchTimeout = pd.FetchTimeout.String()
	}
	if c.Prefetch.SweepInterval == "" {
		c.Prefetch.SweepInterval = pd.SweepInterval.String()
	}
	if c.Prefetch.RateLimit == 0 {
		c.Prefetch.RateLimit = pd.RateLimit
	}
	if c.Prefetch.Burst == 0 {
		c.Prefetch.Burst = pd.Burst
	}

	// Fetch
	fd := fetch.DefaultConfig()
	if c.Fetch.AttemptTimeout == "" {
		c.Fetch.AttemptTimeout = fd.AttemptTimeout.String()
	}
	if c.Fetch.MaxRetries == 0 {
		c.Fetch.MaxRetries = int(fd.MaxRetries)
	}
	if c.Fetch.RetryInterval == "" {
		c.Fetch.RetryInterval = fd.RetryInterval.String()
	}
	if c.Fetch.MaxRetryTime == "" {
		c.Fetch.MaxRetryTime = fd.MaxRetryTime.String()
	}
	if c.Fetch.BreakerFailures == 0 {
		c.Fetch.BreakerFailures = fd.BreakerFailures
	}
	if c.Fetch.BreakerTimeout == "" {
		c.Fetch.BreakerTimeout = fd.BreakerTimeout.String()
	}
	if c.Fetch.MaxBodyBytes == 0 {
		c.Fetch.MaxBodyBytes = fd.MaxBodyBytes
	}

	// Server
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Server.MetricsPath == "" {
		c.Server.MetricsPath = DefaultMetricsPath
	}
}

// Validate checks the configuration. It returns warnings for settings that
// work but are likely mistakes, and a coded error for invalid settings.
func (c *Config) Validate() ([]string, error) {
	var warnings []string

	durations := []struct {
		field string
		value string
	}{
		{"router.fetchTimeout", c.Router.FetchTimeout},
		{"prefetch.autoTTL", c.Prefetch.AutoTTL},
		{"prefetch.fullTTL", c.Prefetch.FullTTL},
		{"prefetch.fetchTimeout", c.Prefetch.FetchTimeout},
		{"prefetch.sweepInterval", c.Prefetch.SweepInterval},
		{"fetch.attemptTimeout", c.Fetch.AttemptTimeout},
		{"fetch.retryInterval", c.Fetch.RetryInterval},
		{"fetch.maxRetryTime", c.Fetch.MaxRetryTime},
		{"fetch.breakerTimeout", c.Fetch.BreakerTimeout},
	}
	for _, d := range durations {
		v, err := parseDuration(d.field, d.value)
		if err != nil {
			return warnings, err
		}
		if v <= 0 {
			return warnings, errors.New("E203").
				WithDetail(d.field + " must be positive").
				WithField("field", d.field)
		}
	}

	ints := []struct {
		field string
		value int64
	}{
		{"router.queueSize", int64(c.Router.QueueSize)},
		{"prefetch.maxEntries", int64(c.Prefetch.MaxEntries)},
		{"prefetch.burst", int64(c.Prefetch.Burst)},
		{"fetch.maxRetries", int64(c.Fetch.MaxRetries)},
		{"fetch.breakerFailures", int64(c.Fetch.BreakerFailures)},
		{"fetch.maxBodyBytes", int64(c.Fetch.MaxBodyBytes)},
	}
	for _, i := range ints {
		if i.value < 0 {
			return warnings, errors.New("E203").
				WithDetail(i.field + " must not be negative").
				WithField("field", i.field)
		}
	}
	if c.Prefetch.RateLimit < 0 {
		return warnings, errors.New("E203").
			WithDetail("prefetch.rateLimit must not be negative").
			WithField("field", "prefetch.rateLimit")
	}

	if !strings.HasPrefix(c.Origin, "http://") && !strings.HasPrefix(c.Origin, "https://") {
		return warnings, errors.New("E203").
			WithDetail("origin must be an http or https URL").
			WithField("field", "origin")
	}
	if !strings.HasPrefix(c.Server.MetricsPath, "/") {
		return warnings, errors.New("E203").
			WithDetail("server.metricsPath must start with /").
			WithField("field", "server.metricsPath")
	}

	auto, _ := time.ParseDuration(c.Prefetch.AutoTTL)
	full, _ := time.ParseDuration(c.Prefetch.FullTTL)
	if auto > full {
		warnings = append(warnings, "prefetch.autoTTL is longer than prefetch.fullTTL; tree-only entries will outlive full ones")
	}
	attempt, _ := time.ParseDuration(c.Fetch.AttemptTimeout)
	nav, _ := time.ParseDuration(c.Router.FetchTimeout)
	if attempt > nav {
		warnings = append(warnings, "fetch.attemptTimeout exceeds router.fetchTimeout; retries will never run")
	}
	if c.S3.Bucket == "" && (c.S3.Prefix != "" || c.S3.Endpoint != "") {
		warnings = append(warnings, "s3 settings are ignored without s3.bucket")
	}
	if c.Router.Dev {
		warnings = append(warnings, "router.dev is enabled; do not use in production")
	}
	return warnings, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.New("E202").
			WithDetail(fmt.Sprintf("%s: %q is not a duration", field, value)).
			WithField("field", field).
			WithSuggestion("Use values such as \"500ms\", \"30s\" or \"5m\"")
	}
	return d, nil
}

// =============================================================================
// Runtime configs
// =============================================================================

// RouterConfig returns the router configuration.
func (c *Config) RouterConfig() (*router.Config, error) {
	timeout, err := parseDuration("router.fetchTimeout", c.Router.FetchTimeout)
	if err != nil {
		return nil, err
	}
	return &router.Config{
		QueueSize:    c.Router.QueueSize,
		FetchTimeout: timeout,
		Dev:          c.Router.Dev,
	}, nil
}

// PrefetchConfig returns the prefetch cache configuration.
func (c *Config) PrefetchConfig() (*prefetch.Config, error) {
	p := &prefetch.Config{
		MaxEntries: c.Prefetch.MaxEntries,
		RateLimit:  c.Prefetch.RateLimit,
		Burst:      c.Prefetch.Burst,
	}
	for _, d := range []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"prefetch.autoTTL", c.Prefetch.AutoTTL, &p.AutoTTL},
		{"prefetch.fullTTL", c.Prefetch.FullTTL, &p.FullTTL},
		{"prefetch.fetchTimeout", c.Prefetch.FetchTimeout, &p.FetchTimeout},
		{"prefetch.sweepInterval", c.Prefetch.SweepInterval, &p.SweepInterval},
	} {
		v, err := parseDuration(d.field, d.value)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}
	return p, nil
}

// FetchConfig returns the patch client configuration.
func (c *Config) FetchConfig() (*fetch.Config, error) {
	f := fetch.DefaultConfig()
	f.MaxRetries = uint(c.Fetch.MaxRetries)
	f.BreakerFailures = c.Fetch.BreakerFailures
	f.MaxBodyBytes = c.Fetch.MaxBodyBytes
	f.UserAgent = c.Fetch.UserAgent
	for _, d := range []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"fetch.attemptTimeout", c.Fetch.AttemptTimeout, &f.AttemptTimeout},
		{"fetch.retryInterval", c.Fetch.RetryInterval, &f.RetryInterval},
		{"fetch.maxRetryTime", c.Fetch.MaxRetryTime, &f.MaxRetryTime},
		{"fetch.breakerTimeout", c.Fetch.BreakerTimeout, &f.BreakerTimeout},
	} {
		v, err := parseDuration(d.field, d.value)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}
	return f, nil
}

// =============================================================================
// Discovery
// =============================================================================

// Exists checks if a config file exists in the given directory.
func Exists(dir string) bool {
	for _, name := range []string{TOMLFileName, JSONFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// FindProjectRoot walks up directories to find the directory holding a
// config file.
func FindProjectRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if Exists(dir) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("E201").
				WithDetail("No " + JSONFileName + " found in " + startDir + " or any parent directory")
		}
		dir = parent
	}
}

// LoadOrDefault loads the config at path, or the nearest config above the
// working directory when path is empty. Without any config file it returns
// the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return LoadFile(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := FindProjectRoot(wd)
	if err != nil {
		return Default(), nil
	}
	return Load(root)
}
