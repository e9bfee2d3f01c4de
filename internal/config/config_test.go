package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oreusol/pangolin/internal/crawler"
)

const sampleYAML = `
database:
  db_name: crime
  username: crawler
  password: from-file
  host: db.internal
  port: 6543
  table_name: crime_news
  log_level: DEBUG
  file_name: database.log
pipeline:
  buffer_size: 32
spider:
  sites_to_crawl: [india_today, indian_express]
  max_depth: 2
  log_level: INFO
  file_name: crime_news_crawler.log
  www.indiatoday.in:
    start_url: https://www.indiatoday.in/crime
    allow: /crime/
    follow: false
  indianexpress.com:
    site: indian_express
    start_url: https://indianexpress.com/section/cities/
    allow: "/article/"
    unique: false
india_today_parser:
  ajax_url: https://www.indiatoday.in/api/ajax/loadmorecontent
  page_type: story
fetch:
  parallelism: 3
  delay_ms: 100
  timeout_seconds: 10
  max_retries: 4
render:
  max_parallel: 2
  max_clicks: 5
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crawler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "DEBUG", cfg.Database.LogLevel)
	assert.Equal(t, 32, cfg.Pipeline.BufferSize)
	assert.Equal(t, 4, cfg.Fetch.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Fetch.RetryBase())
	assert.Equal(t, 2, cfg.Spider.MaxDepth)
	assert.Equal(t, "story", cfg.IndiaTodayParser.PageType)
	assert.Equal(t, 3, cfg.Fetch.Parallelism)
	assert.Equal(t, 100*time.Millisecond, cfg.Fetch.Delay())
	assert.Equal(t, 10*time.Second, cfg.Fetch.Timeout())
	assert.Equal(t, 5, cfg.Render.MaxClicks)

	require.Len(t, cfg.Spider.Domains, 2)
	it := cfg.Spider.Domains["www.indiatoday.in"]
	assert.Equal(t, "https://www.indiatoday.in/crime", it.StartURL)
	assert.False(t, it.Follow)
	assert.True(t, it.Unique, "unique defaults to true")
	ie := cfg.Spider.Domains["indianexpress.com"]
	assert.True(t, ie.Follow, "follow defaults to true")
	assert.False(t, ie.Unique)
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `
spider:
  sites_to_crawl: [india_today]
  www.indiatoday.in:
    start_url: https://www.indiatoday.in/crime
`))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "crime_news", cfg.Database.TableName)
	assert.Equal(t, 1, cfg.Spider.MaxDepth)
	assert.Equal(t, 256, cfg.Pipeline.BufferSize)
	assert.Equal(t, "button#load_tag_article", cfg.Render.LoadMoreSelector)
	assert.Equal(t, "india_today.log", cfg.IndiaTodayParser.FileName)
	assert.Equal(t, "none", cfg.Archive.Backend)
}

func TestLoadUsesEnvironmentFallbacks(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	t.Setenv(EnvConfigPath, path)
	t.Setenv(EnvDBPassword, "from-env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Database.Password)
}

func TestLoadWithoutPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")

	_, err := Load("")
	var cfgErr *crawler.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, EnvConfigPath, cfgErr.Key)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	var cfgErr *crawler.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "read config", cfgErr.Reason)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Database: DatabaseConfig{TableName: "crime_news"},
			Spider: SpiderConfig{
				SitesToCrawl: []string{"india_today"},
				MaxDepth:     1,
				Domains: map[string]DomainConfig{
					"www.indiatoday.in": {StartURL: "https://www.indiatoday.in/crime", Allow: "/crime/"},
				},
			},
			Fetch:  FetchConfig{Parallelism: 1, TimeoutSeconds: 5},
			Render: RenderConfig{Enabled: true, MaxParallel: 1},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no sites", mutate: func(c *Config) { c.Spider.SitesToCrawl = nil }, key: "spider.sites_to_crawl"},
		{name: "unknown site", mutate: func(c *Config) { c.Spider.SitesToCrawl = []string{"times_of_india"} }, key: "spider.sites_to_crawl"},
		{name: "site without section", mutate: func(c *Config) {
			c.Spider.SitesToCrawl = append(c.Spider.SitesToCrawl, "indian_express")
		}, key: "spider.sites_to_crawl"},
		{name: "missing start url", mutate: func(c *Config) {
			c.Spider.Domains["www.indiatoday.in"] = DomainConfig{}
		}, key: "spider.www.indiatoday.in.start_url"},
		{name: "bad allow pattern", mutate: func(c *Config) {
			c.Spider.Domains["www.indiatoday.in"] = DomainConfig{StartURL: "https://www.indiatoday.in/", Allow: "("}
		}, key: "spider.www.indiatoday.in.allow"},
		{name: "uninferable domain", mutate: func(c *Config) {
			c.Spider.Domains["example.com"] = DomainConfig{StartURL: "https://example.com/"}
		}, key: "spider.example.com.site"},
		{name: "bad table", mutate: func(c *Config) { c.Database.TableName = "crime-news; drop" }, key: "database.table_name"},
		{name: "negative depth", mutate: func(c *Config) { c.Spider.MaxDepth = -1 }, key: "spider.max_depth"},
		{name: "zero parallelism", mutate: func(c *Config) { c.Fetch.Parallelism = 0 }, key: "fetch.parallelism"},
		{name: "render without workers", mutate: func(c *Config) { c.Render.MaxParallel = 0 }, key: "render.max_parallel"},
		{name: "local archive without dir", mutate: func(c *Config) { c.Archive.Backend = "local" }, key: "archive.base_dir"},
		{name: "unknown archive", mutate: func(c *Config) { c.Archive.Backend = "s3" }, key: "archive.backend"},
		{name: "pubsub without topic", mutate: func(c *Config) { c.Notify.Backend = "pubsub" }, key: "notify"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.key == "" {
				require.NoError(t, err)
				return
			}
			var cfgErr *crawler.ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
			assert.Equal(t, tt.key, cfgErr.Key)
		})
	}
}

func TestSitesFiltersAndCompiles(t *testing.T) {
	t.Parallel()

	cfg := Config{Spider: SpiderConfig{
		SitesToCrawl: []string{"indian_express"},
		Domains: map[string]DomainConfig{
			"www.indiatoday.in": {StartURL: "https://www.indiatoday.in/crime", Follow: true, Unique: true},
			"indianexpress.com": {StartURL: "https://indianexpress.com/section/cities/", Allow: "/article/", Follow: true},
		},
	}}

	sites, err := cfg.Sites()
	require.NoError(t, err)
	require.Len(t, sites, 1)
	site := sites[0]
	assert.Equal(t, crawler.SiteIndianExpress, site.Site)
	assert.Equal(t, "indianexpress.com", site.Domain)
	assert.True(t, site.Follow)
	assert.False(t, site.Unique)
	require.NotNil(t, site.Allow)
	assert.True(t, site.Allows("https://indianexpress.com/article/cities/delhi/x/"))
}

func TestDSN(t *testing.T) {
	t.Parallel()

	d := DatabaseConfig{DBName: "crime", Username: "crawler", Password: "p@ss", Host: "db", Port: 5432, SSLMode: "disable"}
	assert.Equal(t, "postgres://crawler:p%40ss@db:5432/crime?sslmode=disable", d.DSN())

	d.Password = ""
	d.SSLMode = ""
	assert.Equal(t, "postgres://crawler@db:5432/crime", d.DSN())
}

func TestParserLog(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Spider:              SpiderConfig{LogConfig: LogConfig{FileName: "spider.log"}},
		IndiaTodayParser:    IndiaTodayConfig{LogConfig: LogConfig{FileName: "it.log"}},
		IndianExpressParser: LogConfig{FileName: "ie.log"},
	}
	assert.Equal(t, "it.log", cfg.ParserLog(crawler.SiteIndiaToday).FileName)
	assert.Equal(t, "ie.log", cfg.ParserLog(crawler.SiteIndianExpress).FileName)
	assert.Equal(t, "spider.log", cfg.ParserLog("").FileName)
}
