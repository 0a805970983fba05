package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Callback  CallbackConfig  `yaml:"callback"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Log       LogConfig       `yaml:"log"`
	Courier   CourierConfig   `yaml:"courier"`
	Snowflake SnowflakeConfig `yaml:"snowflake"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig enables the kafka transport when brokers are listed.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// RabbitMQConfig enables the rabbitmq transport when url is set.
type RabbitMQConfig struct {
	URL      string        `yaml:"url"`
	Exchange string        `yaml:"exchange"`
	Timeout  time.Duration `yaml:"timeout"`
}

type CallbackSubscriber struct {
	Topic string `yaml:"topic"`
	URL   string `yaml:"url"`
}

// CallbackConfig enables the HTTP callback transport when subscribers are listed.
type CallbackConfig struct {
	Timeout     time.Duration        `yaml:"timeout"`
	MaxFailures uint32               `yaml:"max_failures"`
	OpenFor     time.Duration        `yaml:"open_for"`
	Subscribers []CallbackSubscriber `yaml:"subscribers"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// CourierConfig holds the record defaults. Types with their own retry
// policy override them.
type CourierConfig struct {
	Service         string        `yaml:"service"`
	Workers         int           `yaml:"workers"`
	EventExpire     time.Duration `yaml:"event_expire"`
	EventMaxTries   int           `yaml:"event_max_tries"`
	RequestExpire   time.Duration `yaml:"request_expire"`
	RequestMaxTries int           `yaml:"request_max_tries"`
}

// SnowflakeConfig configures the worker-id lease. Owner defaults to the host
// name; each process adds its own suffix when leasing.
type SnowflakeConfig struct {
	Owner        string        `yaml:"owner"`
	LeaseFor     time.Duration `yaml:"lease_for"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
	WorkerID     *int64        `yaml:"worker_id"`
	DatacenterID *int64        `yaml:"datacenter_id"`
}

type ScheduleConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	Interval       time.Duration `yaml:"interval"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
	Retention      time.Duration `yaml:"retention"`
	CompensateSpec string        `yaml:"compensate_spec"`
	ArchiveSpec    string        `yaml:"archive_spec"`
}

// Load reads yaml file, applies env overrides and defaults, then validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "courier.events"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Courier.Service == "" {
		c.Courier.Service = "wallet"
	}
	if c.Courier.Workers <= 0 {
		c.Courier.Workers = 16
	}
	if c.Snowflake.Owner == "" {
		c.Snowflake.Owner, _ = os.Hostname()
	}
	if c.Snowflake.LeaseFor <= 0 {
		c.Snowflake.LeaseFor = 60 * time.Minute
	}
	if c.Snowflake.Heartbeat <= 0 {
		c.Snowflake.Heartbeat = c.Snowflake.LeaseFor / 3
	}
	s := &c.Schedule
	if s.BatchSize <= 0 {
		s.BatchSize = 100
	}
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	if s.LockTTL <= 0 {
		s.LockTTL = 5 * time.Minute
	}
	if s.Retention <= 0 {
		s.Retention = 7 * 24 * time.Hour
	}
	if s.CompensateSpec == "" {
		s.CompensateSpec = "@every 1m"
	}
	if s.ArchiveSpec == "" {
		s.ArchiveSpec = "0 2 * * *"
	}
}

var specParser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor)

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Snowflake.Owner == "" {
		errs = append(errs, errors.New("snowflake.owner is required"))
	}
	if c.Snowflake.Heartbeat >= c.Snowflake.LeaseFor {
		errs = append(errs, errors.New("snowflake.heartbeat must be shorter than snowflake.lease_for"))
	}
	if id := c.Snowflake.WorkerID; id != nil && (*id < 0 || *id > 31) {
		errs = append(errs, fmt.Errorf("snowflake.worker_id %d out of range 0..31", *id))
	}
	if id := c.Snowflake.DatacenterID; id != nil && (*id < 0 || *id > 31) {
		errs = append(errs, fmt.Errorf("snowflake.datacenter_id %d out of range 0..31", *id))
	}
	for _, spec := range []struct{ name, v string }{
		{"schedule.compensate_spec", c.Schedule.CompensateSpec},
		{"schedule.archive_spec", c.Schedule.ArchiveSpec},
	} {
		if _, err := specParser.Parse(spec.v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", spec.name, err))
		}
	}
	for i, s := range c.Callback.Subscribers {
		if s.Topic == "" || s.URL == "" {
			errs = append(errs, fmt.Errorf("callback.subscribers[%d] needs topic and url", i))
		}
	}
	return errors.Join(errs...)
}
