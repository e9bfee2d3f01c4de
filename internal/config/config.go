// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/oreusol/pangolin/internal/crawler"
)

const (
	// EnvConfigPath names the YAML file when no --config flag is given.
	EnvConfigPath = "CUSTOM_CONFIG_PATH"
	// EnvDBPassword overrides database.password.
	EnvDBPassword = "DB_PASSWORD"

	keyDelimiter = "::"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Database            DatabaseConfig   `mapstructure:"database"`
	Pipeline            PipelineConfig   `mapstructure:"pipeline"`
	Spider              SpiderConfig     `mapstructure:"spider"`
	IndiaTodayParser    IndiaTodayConfig `mapstructure:"india_today_parser"`
	IndianExpressParser LogConfig        `mapstructure:"indian_express_parser"`
	Fetch               FetchConfig      `mapstructure:"fetch"`
	Render              RenderConfig     `mapstructure:"render"`
	Archive             ArchiveConfig    `mapstructure:"archive"`
	Notify              NotifyConfig     `mapstructure:"notify"`
	Server              ServerConfig     `mapstructure:"server"`
	Logging             LoggingConfig    `mapstructure:"logging"`
}

// LogConfig is the per-component log_level/file_name pair.
type LogConfig struct {
	LogLevel string `mapstructure:"log_level"`
	FileName string `mapstructure:"file_name"`
}

// DatabaseConfig holds Postgres connection parameters.
type DatabaseConfig struct {
	LogConfig `mapstructure:",squash"`
	DBName    string `mapstructure:"db_name"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	TableName string `mapstructure:"table_name"`
	SSLMode   string `mapstructure:"sslmode"`
	MaxConns  int32  `mapstructure:"max_conns"`
}

// DSN renders the connection parameters as a postgres URL.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.DBName,
	}
	if d.Password != "" {
		u.User = url.UserPassword(d.Username, d.Password)
	} else if d.Username != "" {
		u.User = url.User(d.Username)
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String()
}

// PipelineConfig controls the storage stage.
type PipelineConfig struct {
	LogConfig  `mapstructure:",squash"`
	BufferSize int `mapstructure:"buffer_size"`
}

// SpiderConfig lists the sites to crawl and the per-domain crawl rules.
type SpiderConfig struct {
	LogConfig    `mapstructure:",squash"`
	SitesToCrawl []string `mapstructure:"sites_to_crawl"`
	MaxDepth     int      `mapstructure:"max_depth"`

	// Sections holds every other key under spider: one section per domain.
	Sections map[string]any `mapstructure:",remain"`
	// Domains is decoded from Sections by Load.
	Domains map[string]DomainConfig `mapstructure:"-"`
}

// DomainConfig is one spider.<domain> section.
type DomainConfig struct {
	LogConfig `mapstructure:",squash"`
	Site      string `mapstructure:"site"`
	StartURL  string `mapstructure:"start_url"`
	Allow     string `mapstructure:"allow"`
	Unique    bool   `mapstructure:"unique"`
	Follow    bool   `mapstructure:"follow"`
}

// IndiaTodayConfig configures the India Today parser.
type IndiaTodayConfig struct {
	LogConfig `mapstructure:",squash"`
	AjaxURL   string `mapstructure:"ajax_url"`
	PagePath  string `mapstructure:"page_path"`
	PageType  string `mapstructure:"page_type"`
}

// FetchConfig configures the HTTP fetch engine.
type FetchConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	Parallelism    int    `mapstructure:"parallelism"`
	DelayMS        int    `mapstructure:"delay_ms"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	MaxRetries     int    `mapstructure:"max_retries"`
	RetryBaseMS    int    `mapstructure:"retry_base_ms"`
}

// Timeout returns the per-request timeout.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// Delay returns the per-domain delay between requests.
func (f FetchConfig) Delay() time.Duration {
	return time.Duration(f.DelayMS) * time.Millisecond
}

// RetryBase returns the first retry backoff.
func (f FetchConfig) RetryBase() time.Duration {
	return time.Duration(f.RetryBaseMS) * time.Millisecond
}

// RenderConfig configures the headless load-more renderer.
type RenderConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	MaxParallel      int     `mapstructure:"max_parallel"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	UserAgent        string  `mapstructure:"user_agent"`
	LoadMoreSelector string  `mapstructure:"load_more_selector"`
	InitialWaitMS    int     `mapstructure:"initial_wait_ms"`
	ClickWaitMS      int     `mapstructure:"click_wait_ms"`
	MaxClicks        int     `mapstructure:"max_clicks"`
	RPS              float64 `mapstructure:"rps"`
	Burst            int     `mapstructure:"burst"`
}

// ArchiveConfig selects where page snapshots with selector misses are kept.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// NotifyConfig selects where stored-record notifications are published.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features for the process logger.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk and environment. An empty path falls back to
// $CUSTOM_CONFIG_PATH.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return Config{}, &crawler.ConfigError{Key: EnvConfigPath, Reason: "no config file given"}
	}

	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetEnvPrefix("PANGOLIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("database"+keyDelimiter+"password", EnvDBPassword); err != nil {
		return Config{}, fmt.Errorf("bind %s: %w", EnvDBPassword, err)
	}

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, &crawler.ConfigError{Key: path, Reason: "read config", Err: err}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &crawler.ConfigError{Key: path, Reason: "unmarshal config", Err: err}
	}
	domains, err := decodeDomains(cfg.Spider.Sections)
	if err != nil {
		return Config{}, err
	}
	cfg.Spider.Domains = domains

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := func(key string, value any) {
		v.SetDefault(strings.ReplaceAll(key, ".", keyDelimiter), value)
	}
	d("database.host", "localhost")
	d("database.port", 5432)
	d("database.table_name", "crime_news")
	d("database.log_level", "INFO")
	d("database.file_name", "database.log")
	d("database.max_conns", 4)
	d("pipeline.log_level", "INFO")
	d("pipeline.file_name", "pipeline.log")
	d("pipeline.buffer_size", 256)
	d("spider.log_level", "INFO")
	d("spider.file_name", "crime_news_crawler.log")
	d("spider.max_depth", 1)
	d("india_today_parser.log_level", "INFO")
	d("india_today_parser.file_name", "india_today.log")
	d("indian_express_parser.log_level", "INFO")
	d("indian_express_parser.file_name", "indian_express.log")
	d("fetch.user_agent", "pangolin/0.1 (+crime-news crawler)")
	d("fetch.parallelism", 8)
	d("fetch.delay_ms", 250)
	d("fetch.timeout_seconds", 30)
	d("fetch.respect_robots", false)
	d("fetch.max_retries", 2)
	d("fetch.retry_base_ms", 500)
	d("render.enabled", true)
	d("render.max_parallel", 1)
	d("render.timeout_seconds", 300)
	d("render.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko)Chrome/91.0.4472.124 Safari/537.36")
	d("render.load_more_selector", "button#load_tag_article")
	d("render.initial_wait_ms", 3000)
	d("render.click_wait_ms", 3000)
	d("render.max_clicks", 0)
	d("render.rps", 0.5)
	d("render.burst", 1)
	d("archive.backend", "none")
	d("archive.prefix", "snapshots")
	d("notify.backend", "none")
	d("notify.topic", "crime-news-records")
	d("server.enabled", false)
	d("server.port", 8080)
	d("logging.development", false)
}

func decodeDomains(sections map[string]any) (map[string]DomainConfig, error) {
	domains := make(map[string]DomainConfig, len(sections))
	for key, raw := range sections {
		if _, ok := raw.(map[string]any); !ok {
			return nil, &crawler.ConfigError{Key: "spider." + key, Reason: "expected a domain section"}
		}
		dc := DomainConfig{Unique: true, Follow: true}
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &dc,
		})
		if err != nil {
			return nil, fmt.Errorf("domain decoder: %w", err)
		}
		if err := dec.Decode(raw); err != nil {
			return nil, &crawler.ConfigError{Key: "spider." + key, Reason: "decode domain section", Err: err}
		}
		domains[key] = dc
	}
	return domains, nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if len(c.Spider.SitesToCrawl) == 0 {
		return &crawler.ConfigError{Key: "spider.sites_to_crawl", Reason: "at least one site is required"}
	}
	wanted := make(map[crawler.SiteID]bool, len(c.Spider.SitesToCrawl))
	for _, raw := range c.Spider.SitesToCrawl {
		id, err := crawler.ParseSiteID(raw)
		if err != nil {
			return &crawler.ConfigError{Key: "spider.sites_to_crawl", Reason: "unknown site id", Err: err}
		}
		wanted[id] = false
	}
	for domain, dc := range c.Spider.Domains {
		id, err := dc.site(domain)
		if err != nil {
			return err
		}
		if _, ok := wanted[id]; !ok {
			continue
		}
		wanted[id] = true
		if strings.TrimSpace(dc.StartURL) == "" {
			return &crawler.ConfigError{Key: "spider." + domain + ".start_url", Reason: "required"}
		}
		if _, err := url.ParseRequestURI(dc.StartURL); err != nil {
			return &crawler.ConfigError{Key: "spider." + domain + ".start_url", Reason: "invalid url", Err: err}
		}
		if _, err := regexp.Compile(dc.Allow); err != nil {
			return &crawler.ConfigError{Key: "spider." + domain + ".allow", Reason: "invalid pattern", Err: err}
		}
	}
	for id, found := range wanted {
		if !found {
			return &crawler.ConfigError{Key: "spider.sites_to_crawl", Reason: fmt.Sprintf("site %s has no domain section", id)}
		}
	}
	if c.Spider.MaxDepth < 0 {
		return &crawler.ConfigError{Key: "spider.max_depth", Reason: "must be >= 0"}
	}
	if !validTableName.MatchString(c.Database.TableName) {
		return &crawler.ConfigError{Key: "database.table_name", Reason: fmt.Sprintf("invalid table name %q", c.Database.TableName)}
	}
	if c.Fetch.Parallelism <= 0 {
		return &crawler.ConfigError{Key: "fetch.parallelism", Reason: "must be > 0"}
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return &crawler.ConfigError{Key: "fetch.timeout_seconds", Reason: "must be > 0"}
	}
	if c.Render.Enabled && c.Render.MaxParallel <= 0 {
		return &crawler.ConfigError{Key: "render.max_parallel", Reason: "must be > 0 when rendering is enabled"}
	}
	switch c.Archive.Backend {
	case "", "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return &crawler.ConfigError{Key: "archive.base_dir", Reason: "required for the local backend"}
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return &crawler.ConfigError{Key: "archive.bucket", Reason: "required for the gcs backend"}
		}
	default:
		return &crawler.ConfigError{Key: "archive.backend", Reason: fmt.Sprintf("unknown backend %q", c.Archive.Backend)}
	}
	switch c.Notify.Backend {
	case "", "none", "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return &crawler.ConfigError{Key: "notify", Reason: "project_id and topic are required for pubsub"}
		}
	default:
		return &crawler.ConfigError{Key: "notify.backend", Reason: fmt.Sprintf("unknown backend %q", c.Notify.Backend)}
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return &crawler.ConfigError{Key: "server.port", Reason: "must be > 0"}
	}
	return nil
}

func (d DomainConfig) site(domain string) (crawler.SiteID, error) {
	if d.Site != "" {
		id, err := crawler.ParseSiteID(d.Site)
		if err != nil {
			return "", &crawler.ConfigError{Key: "spider." + domain + ".site", Reason: "unknown site id", Err: err}
		}
		return id, nil
	}
	id, ok := crawler.SiteForDomain(domain)
	if !ok {
		return "", &crawler.ConfigError{Key: "spider." + domain + ".site", Reason: "cannot infer site from domain"}
	}
	return id, nil
}

// Sites returns the crawl configuration of every domain whose site is listed
// in sites_to_crawl, ordered by domain.
func (c Config) Sites() ([]crawler.SiteConfig, error) {
	wanted := make(map[crawler.SiteID]bool, len(c.Spider.SitesToCrawl))
	for _, raw := range c.Spider.SitesToCrawl {
		id, err := crawler.ParseSiteID(raw)
		if err != nil {
			return nil, &crawler.ConfigError{Key: "spider.sites_to_crawl", Reason: "unknown site id", Err: err}
		}
		wanted[id] = true
	}
	domains := make([]string, 0, len(c.Spider.Domains))
	for domain := range c.Spider.Domains {
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	var out []crawler.SiteConfig
	for _, domain := range domains {
		dc := c.Spider.Domains[domain]
		id, err := dc.site(domain)
		if err != nil {
			return nil, err
		}
		if !wanted[id] {
			continue
		}
		var allow *regexp.Regexp
		if dc.Allow != "" {
			allow, err = regexp.Compile(dc.Allow)
			if err != nil {
				return nil, &crawler.ConfigError{Key: "spider." + domain + ".allow", Reason: "invalid pattern", Err: err}
			}
		}
		out = append(out, crawler.SiteConfig{
			Domain:   domain,
			Site:     id,
			StartURL: dc.StartURL,
			Allow:    allow,
			Follow:   dc.Follow,
			Unique:   dc.Unique,
		})
	}
	return out, nil
}

// ParserLog returns the log settings of a site's parser section.
func (c Config) ParserLog(site crawler.SiteID) LogConfig {
	switch site {
	case crawler.SiteIndiaToday:
		return c.IndiaTodayParser.LogConfig
	case crawler.SiteIndianExpress:
		return c.IndianExpressParser
	default:
		return c.Spider.LogConfig
	}
}
