// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CRAWLER_QUEUE_DRIVER.
const EnvPrefix = "CRAWLER"

// DefaultUserAgent is sent when crawler.user_agent is unset.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Fetch modes.
const (
	FetchModeHTTP     = "http"
	FetchModeHeadless = "headless"
	// FetchModeAuto fetches over HTTP and re-renders pages that look
	// script-driven.
	FetchModeAuto = "auto"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Extract  ExtractConfig  `mapstructure:"extract"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Output   OutputConfig   `mapstructure:"output"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// CrawlerConfig governs the dispatcher and the index crawl.
type CrawlerConfig struct {
	Concurrency   int    `mapstructure:"concurrency" validate:"gte=1"`
	BatchSize     int    `mapstructure:"batch_size" validate:"gte=1"`
	Category      string `mapstructure:"category" validate:"required"`
	UserAgent     string `mapstructure:"user_agent" validate:"required"`
	BaseURL       string `mapstructure:"base_url" validate:"required,url"`
	IndexPath     string `mapstructure:"index_path" validate:"required,startswith=/"`
	IndexMaxPages int    `mapstructure:"index_max_pages" validate:"gte=1"`
	RespectRobots bool   `mapstructure:"respect_robots"`
}

// HTTPConfig configures fetch timeouts and the retry policy.
type HTTPConfig struct {
	TimeoutSeconds    int `mapstructure:"timeout_seconds" validate:"gte=1"`
	MaxAttempts       int `mapstructure:"max_attempts" validate:"gte=1"`
	RetryDelaySeconds int `mapstructure:"retry_delay_seconds" validate:"gte=0"`
	JitterMinMs       int `mapstructure:"jitter_min_ms" validate:"gte=0"`
	JitterMaxMs       int `mapstructure:"jitter_max_ms" validate:"gtefield=JitterMinMs"`
	// RatePerSecond caps requests per host. Zero disables the limit.
	RatePerSecond float64 `mapstructure:"rate_per_second" validate:"gte=0"`
	Burst         int     `mapstructure:"burst" validate:"gte=0"`
}

// FetchConfig selects the fetcher.
type FetchConfig struct {
	Mode string `mapstructure:"mode" validate:"oneof=http headless auto"`
}

// HeadlessConfig configures the browser fetcher.
type HeadlessConfig struct {
	MaxParallel       int      `mapstructure:"max_parallel" validate:"gte=1"`
	NavTimeoutSeconds int      `mapstructure:"nav_timeout_seconds" validate:"gte=1"`
	WaitSelector      string   `mapstructure:"wait_selector"`
	PromotionMinBytes int      `mapstructure:"promotion_min_bytes" validate:"gte=0"`
	ContentMarkers    []string `mapstructure:"content_markers"`
}

// ExtractConfig toggles extraction fallbacks.
type ExtractConfig struct {
	ReadabilityFallback bool `mapstructure:"readability_fallback"`
}

// QueueConfig selects and configures the queue store.
type QueueConfig struct {
	Driver     string        `mapstructure:"driver" validate:"oneof=sqlite postgres memory"`
	SQLitePath string        `mapstructure:"sqlite_path"`
	DSN        string        `mapstructure:"dsn"`
	Table      string        `mapstructure:"table"`
	MaxConns   int32         `mapstructure:"max_conns" validate:"gte=0"`
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=1"`
	StaleAfter time.Duration `mapstructure:"stale_after" validate:"gte=0"`
	// RecoverOnStart resets stale PROCESSING items before a crawl.
	RecoverOnStart bool `mapstructure:"recover_on_start"`
}

// OutputConfig locates the segment files.
type OutputConfig struct {
	Dir             string `mapstructure:"dir" validate:"required"`
	Prefix          string `mapstructure:"prefix"`
	MaxLinesPerFile int    `mapstructure:"max_lines_per_file" validate:"gte=1"`
}

// ArchiveConfig copies verified segments to a blob store after each run.
type ArchiveConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=none local gcs"`
	Dir    string `mapstructure:"dir"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	// Endpoint overrides the GCS API endpoint, e.g. for an emulator.
	Endpoint string `mapstructure:"endpoint"`
}

// NotifyConfig announces archived segments on a Pub/Sub topic.
type NotifyConfig struct {
	Driver    string `mapstructure:"driver" validate:"oneof=none pubsub"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Dir         string `mapstructure:"dir"`
}

// MetricsConfig controls the status server. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// aliases binds the bare environment names used by earlier deployments.
var aliases = map[string][]string{
	"crawler.concurrency":       {"MAX_CONCURRENT"},
	"crawler.category":          {"CATEGORY"},
	"crawler.user_agent":        {"USER_AGENT"},
	"crawler.index_max_pages":   {"INDEX_MAX_PAGES"},
	"http.timeout_seconds":      {"TIMEOUT"},
	"http.max_attempts":         {"RETRIES"},
	"http.retry_delay_seconds":  {"RETRY_DELAY"},
	"queue.max_retries":         {"RETRIES"},
	"output.max_lines_per_file": {"MAX_LINES_PER_FILE"},
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindAliases(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Output.Prefix == "" {
		cfg.Output.Prefix = cfg.Crawler.Category
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.concurrency", 5)
	v.SetDefault("crawler.batch_size", 25)
	v.SetDefault("crawler.category", "politik")
	v.SetDefault("crawler.user_agent", DefaultUserAgent)
	v.SetDefault("crawler.base_url", "https://news.detik.com")
	v.SetDefault("crawler.index_path", "/indeks")
	v.SetDefault("crawler.index_max_pages", 5)
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.retry_delay_seconds", 5)
	v.SetDefault("http.jitter_min_ms", 1000)
	v.SetDefault("http.jitter_max_ms", 3000)
	v.SetDefault("http.rate_per_second", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("fetch.mode", FetchModeHTTP)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.wait_selector", "body")
	v.SetDefault("headless.promotion_min_bytes", 2048)
	v.SetDefault("headless.content_markers", []string{"detail__body-text"})
	v.SetDefault("extract.readability_fallback", true)
	v.SetDefault("queue.driver", "sqlite")
	v.SetDefault("queue.sqlite_path", "db/crawler_state.db")
	v.SetDefault("queue.dsn", "")
	v.SetDefault("queue.table", "queue")
	v.SetDefault("queue.max_conns", 0)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.stale_after", "30m")
	v.SetDefault("queue.recover_on_start", true)
	v.SetDefault("output.dir", "data")
	v.SetDefault("output.prefix", "")
	v.SetDefault("output.max_lines_per_file", 10000)
	v.SetDefault("archive.driver", "none")
	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("notify.driver", "none")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.dir", "logs")
	v.SetDefault("metrics.addr", "")
}

func bindAliases(v *viper.Viper) error {
	replacer := strings.NewReplacer(".", "_")
	for key, names := range aliases {
		prefixed := EnvPrefix + "_" + strings.ToUpper(replacer.Replace(key))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Validate enforces struct constraints and cross-field requirements.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Queue.Driver {
	case "sqlite":
		if c.Queue.SQLitePath == "" {
			return fmt.Errorf("queue.sqlite_path must be set for the sqlite driver")
		}
	case "postgres":
		if c.Queue.DSN == "" {
			return fmt.Errorf("queue.dsn must be set for the postgres driver")
		}
	}
	switch c.Archive.Driver {
	case "local":
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir must be set for the local archive")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs archive")
		}
	}
	if c.Notify.Driver == "pubsub" {
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic must be set for pubsub")
		}
		if c.Archive.Driver == "none" {
			return fmt.Errorf("notify requires an archive driver")
		}
	}
	if strings.ContainsAny(c.Output.Prefix, `/\`) {
		return fmt.Errorf("output.prefix must not contain path separators")
	}
	return nil
}

// FetchTimeout is the per-attempt fetch bound.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NavTimeout is the per-page browser navigation bound.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSeconds) * time.Second
}
