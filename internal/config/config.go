package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"siteaudit/internal/logger"
)

// DefaultPath is used when CONFIG_PATH is unset.
const DefaultPath = "config.yml"

type Config struct {
	Env          string `yaml:"env" env:"APP_ENV"`
	ListenAddr   string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	DatabaseURL  string `yaml:"database_url" env:"DATABASE_URL"`
	RedisURL     string `yaml:"redis_url" env:"REDIS_URL"`
	AuditWorkers int    `yaml:"audit_workers" env:"AUDIT_WORKERS"`

	Logging   logger.Config   `yaml:"logging"`
	Model     ModelConfig     `yaml:"model"`
	Audit     AuditConfig     `yaml:"audit"`
	Collector CollectorConfig `yaml:"collector"`
	PageSpeed PageSpeedConfig `yaml:"pagespeed"`
	Usage     UsageConfig     `yaml:"usage"`
}

type ModelConfig struct {
	APIKey            string        `yaml:"api_key" env:"ANTHROPIC_API_KEY"`
	Model             string        `yaml:"model" env:"MODEL_NAME"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"MODEL_RPS"`
	Timeout           time.Duration `yaml:"timeout" env:"MODEL_TIMEOUT"`
}

type AuditConfig struct {
	ScrapeTimeout  time.Duration `yaml:"scrape_timeout" env:"AUDIT_SCRAPE_TIMEOUT"`
	BatchSize      int           `yaml:"batch_size" env:"AUDIT_BATCH_SIZE"`
	BatchDelay     time.Duration `yaml:"batch_delay" env:"AUDIT_BATCH_DELAY"`
	MaxRetries     int           `yaml:"max_retries" env:"AUDIT_MAX_RETRIES"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" env:"AUDIT_RETRY_BASE_DELAY"`
	MaxPages       int           `yaml:"max_pages" env:"AUDIT_MAX_PAGES"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"AUDIT_CONNECT_TIMEOUT"`
	RunTimeout     time.Duration `yaml:"run_timeout" env:"AUDIT_RUN_TIMEOUT"`
}

type CollectorConfig struct {
	UserAgent      string        `yaml:"user_agent" env:"COLLECTOR_USER_AGENT"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" env:"COLLECTOR_PROBE_TIMEOUT"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout" env:"COLLECTOR_FETCH_TIMEOUT"`
	CrawlWorkers   int           `yaml:"crawl_workers" env:"COLLECTOR_CRAWL_WORKERS"`
	Screenshots    bool          `yaml:"screenshots" env:"COLLECTOR_SCREENSHOTS"`
	BrowserTimeout time.Duration `yaml:"browser_timeout" env:"COLLECTOR_BROWSER_TIMEOUT"`
}

type PageSpeedConfig struct {
	APIKey   string        `yaml:"api_key" env:"PAGESPEED_API_KEY"`
	Endpoint string        `yaml:"endpoint" env:"PAGESPEED_ENDPOINT"`
	Timeout  time.Duration `yaml:"timeout" env:"PAGESPEED_TIMEOUT"`
}

type UsageConfig struct {
	// FailOpen lets audits proceed without enforcement when the usage
	// backend errors. Off by default.
	FailOpen       bool   `yaml:"fail_open" env:"USAGE_FAIL_OPEN"`
	AnonymousPages int    `yaml:"anonymous_pages" env:"USAGE_ANONYMOUS_PAGES"`
	FreeAudits     int    `yaml:"free_audits" env:"USAGE_FREE_AUDITS"`
	UpgradeURL     string `yaml:"upgrade_url" env:"USAGE_UPGRADE_URL"`
	// AdminToken, when set, must accompany admin=true requests.
	AdminToken string `yaml:"admin_token" env:"ADMIN_TOKEN"`
}

// Load reads .env files, the optional YAML file at path, applies defaults and
// then environment overrides. A missing DATABASE_URL is reported as an error
// alongside a usable config so callers can decide.
func Load(path string) (Config, error) {
	var cfg Config
	if err := loadEnvFiles(); err != nil {
		return cfg, err
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if cfg.DatabaseURL == "" {
		return cfg, ErrNoDatabase
	}
	return cfg, nil
}

// ErrNoDatabase is returned by Load when DATABASE_URL is empty.
var ErrNoDatabase = errors.New("DATABASE_URL not set")

// Path returns CONFIG_PATH or DefaultPath.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) SetDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Model.Model == "" {
		c.Model.Model = "claude-sonnet-4-5"
	}
	if c.Model.RequestsPerSecond == 0 {
		c.Model.RequestsPerSecond = 2
	}
	if c.Model.Timeout == 0 {
		c.Model.Timeout = 90 * time.Second
	}

	a := &c.Audit
	if a.ScrapeTimeout == 0 {
		a.ScrapeTimeout = 60 * time.Second
	}
	if a.BatchSize == 0 {
		a.BatchSize = 3
	}
	if a.BatchDelay == 0 {
		a.BatchDelay = 300 * time.Millisecond
	}
	if a.MaxRetries == 0 {
		a.MaxRetries = 3
	}
	if a.RetryBaseDelay == 0 {
		a.RetryBaseDelay = 2 * time.Second
	}
	if a.MaxPages == 0 {
		a.MaxPages = 10
	}
	if a.ConnectTimeout == 0 {
		a.ConnectTimeout = 15 * time.Second
	}
	if a.RunTimeout == 0 {
		a.RunTimeout = 5 * time.Minute
	}

	col := &c.Collector
	if col.UserAgent == "" {
		col.UserAgent = "Mozilla/5.0 (compatible; SiteAudit/1.0)"
	}
	if col.ProbeTimeout == 0 {
		col.ProbeTimeout = 5 * time.Second
	}
	if col.FetchTimeout == 0 {
		col.FetchTimeout = 20 * time.Second
	}
	if col.CrawlWorkers == 0 {
		col.CrawlWorkers = 4
	}
	if col.BrowserTimeout == 0 {
		col.BrowserTimeout = 30 * time.Second
	}

	if c.PageSpeed.Endpoint == "" {
		c.PageSpeed.Endpoint = "https://www.googleapis.com/pagespeedonline/v5/runPagespeed"
	}
	if c.PageSpeed.Timeout == 0 {
		c.PageSpeed.Timeout = 45 * time.Second
	}

	if c.Usage.AnonymousPages == 0 {
		c.Usage.AnonymousPages = 1
	}
	if c.Usage.FreeAudits == 0 {
		c.Usage.FreeAudits = 3
	}
	if c.Usage.UpgradeURL == "" {
		c.Usage.UpgradeURL = "/pricing"
	}
}

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return &ValidationError{Field: "logging.level", Message: "must be one of: debug, info, warn, error"}
	}
	if c.Audit.BatchSize < 1 {
		return &ValidationError{Field: "audit.batch_size", Message: "must be at least 1"}
	}
	if c.Audit.MaxRetries < 0 {
		return &ValidationError{Field: "audit.max_retries", Message: "must not be negative"}
	}
	if c.Audit.MaxPages < 1 {
		return &ValidationError{Field: "audit.max_pages", Message: "must be at least 1"}
	}
	if c.AuditWorkers < 0 {
		return &ValidationError{Field: "audit_workers", Message: "must not be negative"}
	}
	return nil
}
