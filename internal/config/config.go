// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers accepted by db.driver.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawler CrawlerConfig `mapstructure:"crawler"`
	DB      DBConfig      `mapstructure:"db"`
	Index   IndexConfig   `mapstructure:"index"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Seed    SeedConfig    `mapstructure:"seed"`
}

// CrawlerConfig governs fetching, extraction and the batch loop.
type CrawlerConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	MinInterval      time.Duration `mapstructure:"min_interval"`
	UserAgent        string        `mapstructure:"user_agent"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	MaxBodyBytes     int           `mapstructure:"max_body_bytes"`
	MainContent      bool          `mapstructure:"main_content"`
	Stem             bool          `mapstructure:"stem"`
	Selector         string        `mapstructure:"selector"`
}

// DBConfig controls access to the scan state store.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// IndexConfig points at the Redis inverted index.
type IndexConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ArchiveConfig selects where raw pages are archived, if anywhere.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig exposes the ops listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// SeedConfig preloads the memory store, which otherwise starts empty.
type SeedConfig struct {
	Sites   []SeedSite   `mapstructure:"sites"`
	Persons []SeedPerson `mapstructure:"persons"`
}

// SeedSite is a site and its entry page.
type SeedSite struct {
	ID   int64  `mapstructure:"id"`
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// SeedPerson is a watched person.
type SeedPerson struct {
	ID       int64    `mapstructure:"id"`
	Name     string   `mapstructure:"name"`
	Keywords []string `mapstructure:"keywords"`
}

// Load builds a Config from disk/environment. It does not validate: callers
// apply their overrides first and then call Validate once.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RATINGS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.batch_size", 10)
	v.SetDefault("crawler.min_interval", time.Second)
	v.SetDefault("crawler.user_agent", "ratings-crawler/0.1")
	v.SetDefault("crawler.request_timeout", 30*time.Second)
	v.SetDefault("crawler.failure_threshold", 7)
	v.SetDefault("crawler.max_body_bytes", 0)
	v.SetDefault("crawler.main_content", true)
	v.SetDefault("crawler.stem", false)
	v.SetDefault("crawler.selector", "body")
	v.SetDefault("db.driver", DriverPostgres)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("index.addr", "localhost:6379")
	v.SetDefault("index.password", "")
	v.SetDefault("index.db", 0)
	v.SetDefault("index.prefix", "crawler:")
	v.SetDefault("index.timeout", 60*time.Second)
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("logging.development", false)
	v.SetDefault("metrics.addr", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.BatchSize <= 0 {
		return fmt.Errorf("crawler.batch_size must be > 0")
	}
	if c.Crawler.MinInterval <= 0 {
		return fmt.Errorf("crawler.min_interval must be > 0")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Crawler.FailureThreshold <= 0 {
		return fmt.Errorf("crawler.failure_threshold must be > 0")
	}
	if c.Crawler.MaxBodyBytes < 0 {
		return fmt.Errorf("crawler.max_body_bytes must be >= 0")
	}
	switch c.DB.Driver {
	case DriverPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.driver is postgres")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("db.driver must be one of postgres, memory; got %q", c.DB.Driver)
	}
	if c.DB.MinConns > c.DB.MaxConns && c.DB.MaxConns > 0 {
		return fmt.Errorf("db.min_conns must be <= db.max_conns")
	}
	if c.Index.Addr == "" {
		return fmt.Errorf("index.addr must be set")
	}
	if c.Index.Timeout <= 0 {
		return fmt.Errorf("index.timeout must be > 0")
	}
	for i, site := range c.Seed.Sites {
		if site.ID <= 0 || site.URL == "" {
			return fmt.Errorf("seed.sites[%d] must have an id > 0 and a url", i)
		}
	}
	for i, person := range c.Seed.Persons {
		if person.ID <= 0 || strings.TrimSpace(person.Name) == "" {
			return fmt.Errorf("seed.persons[%d] must have an id > 0 and a name", i)
		}
	}
	switch c.Archive.Provider {
	case "", "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set when archive.provider is local")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set when archive.provider is gcs")
		}
	default:
		return fmt.Errorf("archive.provider must be one of none, local, gcs, memory; got %q", c.Archive.Provider)
	}
	return nil
}
