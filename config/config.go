package config

import (
	"fmt"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"homewatch/db"
	"homewatch/helpers"
	"homewatch/notifier"
)

const (
	DefaultLoggingLevel                   = "info"
	DefaultHealthServerPort               = 8081
	DefaultPollInterval                   = 60 * time.Second
	DefaultProbeTimeout                   = 5 * time.Second
	DefaultCacheTTL                       = 10 * time.Minute
	DefaultCacheCapacity                  = 1024
	DefaultStoreFile                      = "homewatch-rules.json"
	DefaultBackOffInitialInterval         = 30 * time.Second
	DefaultBackOffMaxInterval             = 10 * time.Minute
	DefaultBreakerConsecutiveFailureCount = 3
	DefaultMaxPerScopePerMinute           = 20
)

type HealthConfig struct {
	Port int `yaml:"port"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// TorrentConfig points at the qBittorrent Web API; torrent metrics are
// collected only when the url is set.
type TorrentConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type CollectorConfig struct {
	WatchPaths   []string      `yaml:"watch_paths"`
	LanTargets   []string      `yaml:"lan_targets"`
	WanTargets   []string      `yaml:"wan_targets"`
	Torrent      TorrentConfig `yaml:"torrent"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

type CacheConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	Capacity int           `yaml:"capacity"`
}

// StorageConfig selects the persistence adapter: the SQL adapter when
// db.url is set, the JSON file otherwise.
type StorageConfig struct {
	File string            `yaml:"file"`
	DB   db.DatabaseConfig `yaml:"db"`
}

type Config struct {
	Logging   helpers.LoggingConfig `yaml:"logging"`
	Health    HealthConfig          `yaml:"health"`
	Scheduler SchedulerConfig       `yaml:"scheduler"`
	Collector CollectorConfig       `yaml:"collector"`
	Cache     CacheConfig           `yaml:"cache"`
	Storage   StorageConfig         `yaml:"storage"`
	Notifier  notifier.Config       `yaml:"notifier"`
}

func LoadConfig(bytes []byte) (*Config, error) {
	conf := &Config{
		Logging: helpers.LoggingConfig{
			Level: DefaultLoggingLevel,
		},
		Health: HealthConfig{
			Port: DefaultHealthServerPort,
		},
		Scheduler: SchedulerConfig{
			PollInterval: DefaultPollInterval,
		},
		Collector: CollectorConfig{
			WatchPaths:   []string{"/"},
			ProbeTimeout: DefaultProbeTimeout,
		},
		Cache: CacheConfig{
			TTL:      DefaultCacheTTL,
			Capacity: DefaultCacheCapacity,
		},
		Storage: StorageConfig{
			File: DefaultStoreFile,
		},
	}
	err := yaml.Unmarshal(bytes, conf)
	if err != nil {
		return nil, err
	}

	conf.Logging.Level = strings.ToLower(conf.Logging.Level)
	if conf.Notifier.ConsecutiveFailureCount == 0 {
		conf.Notifier.ConsecutiveFailureCount = DefaultBreakerConsecutiveFailureCount
	}
	if conf.Notifier.BackOffInitialInterval == 0 {
		conf.Notifier.BackOffInitialInterval = DefaultBackOffInitialInterval
	}
	if conf.Notifier.BackOffMaxInterval == 0 {
		conf.Notifier.BackOffMaxInterval = DefaultBackOffMaxInterval
	}
	if conf.Notifier.MaxPerScopePerMinute == 0 {
		conf.Notifier.MaxPerScopePerMinute = DefaultMaxPerScopePerMinute
	}
	return conf, nil
}

func (c *Config) Validate() error {
	if c.Scheduler.PollInterval <= time.Duration(0) {
		return fmt.Errorf("Configuration error: scheduler.poll_interval is less-equal than 0")
	}
	if c.Collector.ProbeTimeout <= time.Duration(0) {
		return fmt.Errorf("Configuration error: collector.probe_timeout is less-equal than 0")
	}
	if len(c.Collector.WatchPaths) == 0 {
		return fmt.Errorf("Configuration error: collector.watch_paths is empty")
	}
	if c.Cache.TTL <= time.Duration(0) {
		return fmt.Errorf("Configuration error: cache.ttl is less-equal than 0")
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("Configuration error: cache.capacity is less-equal than 0")
	}
	if c.Storage.File == "" && c.Storage.DB.URL == "" {
		return fmt.Errorf("Configuration error: storage.file and storage.db.url are both empty")
	}
	if c.Health.Port <= 0 || c.Health.Port > 65535 {
		return fmt.Errorf("Configuration error: health.port is out of range")
	}
	return nil
}
