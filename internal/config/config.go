// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Session   SessionConfig   `mapstructure:"session"`
	Schedules []ScheduleEntry `mapstructure:"schedules"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifeMins int    `mapstructure:"max_conn_life_minutes"`
}

// RedisConfig controls the distributed lock and agent state cache backend.
type RedisConfig struct {
	Addr        string `mapstructure:"addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	LockTTLSecs int    `mapstructure:"lock_ttl_seconds"`
}

// PubSubConfig names the downstream queue resources.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
}

// OutboxConfig governs the publisher and retry sweeper.
type OutboxConfig struct {
	MaxRetries        int     `mapstructure:"max_retries"`
	SendTimeoutSecs   int     `mapstructure:"send_timeout_seconds"`
	BackoffBaseMs     int     `mapstructure:"backoff_base_ms"`
	BackoffMaxMs      int     `mapstructure:"backoff_max_ms"`
	BackoffJitter     float64 `mapstructure:"backoff_jitter"`
	SweepIntervalSecs int     `mapstructure:"sweep_interval_seconds"`
	SweepBatchSize    int     `mapstructure:"sweep_batch_size"`
	StaleLeaseSecs    int     `mapstructure:"stale_lease_seconds"`
}

// CrawlConfig governs the execution engine.
type CrawlConfig struct {
	MaxAttempts       int    `mapstructure:"max_attempts"`
	FetchTimeoutSecs  int    `mapstructure:"fetch_timeout_seconds"`
	MiniShopURL       string `mapstructure:"mini_shop_url"`
	ProductURL        string `mapstructure:"product_url"`
	PageSize          int    `mapstructure:"page_size"`
	CycleWindowSecs   int    `mapstructure:"cycle_window_seconds"`
	WorkerConcurrency int    `mapstructure:"worker_concurrency"`
	StaleRunningSecs  int    `mapstructure:"stale_running_seconds"`
}

// AgentsConfig governs the user-agent pool.
type AgentsConfig struct {
	Values             []string `mapstructure:"values"`
	CooldownMins       int      `mapstructure:"cooldown_minutes"`
	BlacklistThreshold int      `mapstructure:"blacklist_threshold"`
}

// SessionConfig governs session token issuance.
type SessionConfig struct {
	ProbeURL          string `mapstructure:"probe_url"`
	RenewalBufferMins int    `mapstructure:"renewal_buffer_minutes"`
	ProbeTimeoutSecs  int    `mapstructure:"probe_timeout_seconds"`
	RenewCron         string `mapstructure:"renew_cron"`
}

// ScheduleEntry is one periodic trigger definition.
type ScheduleEntry struct {
	SchedulerID int64  `mapstructure:"scheduler_id"`
	SellerID    int64  `mapstructure:"seller_id"`
	TaskType    string `mapstructure:"task_type"`
	ItemNo      string `mapstructure:"item_no"`
	Cron        string `mapstructure:"cron"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLHUB")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_life_minutes", 30)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.lock_ttl_seconds", 30)
	v.SetDefault("outbox.max_retries", 3)
	v.SetDefault("outbox.send_timeout_seconds", 10)
	v.SetDefault("outbox.backoff_base_ms", 1000)
	v.SetDefault("outbox.backoff_max_ms", 300000)
	v.SetDefault("outbox.backoff_jitter", 0.2)
	v.SetDefault("outbox.sweep_interval_seconds", 30)
	v.SetDefault("outbox.sweep_batch_size", 50)
	v.SetDefault("outbox.stale_lease_seconds", 300)
	v.SetDefault("crawl.max_attempts", 3)
	v.SetDefault("crawl.fetch_timeout_seconds", 15)
	v.SetDefault("crawl.page_size", 50)
	v.SetDefault("crawl.cycle_window_seconds", 3600)
	v.SetDefault("crawl.worker_concurrency", 4)
	v.SetDefault("crawl.stale_running_seconds", 600)
	v.SetDefault("agents.cooldown_minutes", 10)
	v.SetDefault("agents.blacklist_threshold", 5)
	v.SetDefault("session.renewal_buffer_minutes", 5)
	v.SetDefault("session.probe_timeout_seconds", 10)
	v.SetDefault("session.renew_cron", "@every 1m")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Outbox.MaxRetries < 0 {
		return fmt.Errorf("outbox.max_retries must be >= 0")
	}
	if c.Outbox.BackoffBaseMs <= 0 {
		return fmt.Errorf("outbox.backoff_base_ms must be > 0")
	}
	if c.Crawl.MaxAttempts <= 0 {
		return fmt.Errorf("crawl.max_attempts must be > 0")
	}
	if c.Crawl.CycleWindowSecs <= 0 {
		return fmt.Errorf("crawl.cycle_window_seconds must be > 0")
	}
	if c.Agents.BlacklistThreshold <= 0 {
		return fmt.Errorf("agents.blacklist_threshold must be > 0")
	}
	for _, s := range c.Schedules {
		if s.SchedulerID <= 0 || s.SellerID <= 0 {
			return fmt.Errorf("schedules entries need positive scheduler_id and seller_id")
		}
		if s.Cron == "" {
			return fmt.Errorf("schedules entries need a cron expression")
		}
	}
	return nil
}

// SendTimeout converts the outbox send timeout into a duration.
func (c Config) SendTimeout() time.Duration {
	return time.Duration(c.Outbox.SendTimeoutSecs) * time.Second
}

// FetchTimeout converts the crawl fetch timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawl.FetchTimeoutSecs) * time.Second
}

// CycleWindow converts the idempotency cycle window into a duration.
func (c Config) CycleWindow() time.Duration {
	return time.Duration(c.Crawl.CycleWindowSecs) * time.Second
}
