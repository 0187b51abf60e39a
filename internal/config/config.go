package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	HTTP     HTTP     `yaml:"http" envPrefix:"HTTP_"`
	Log      Log      `yaml:"log" envPrefix:"LOG_"`
	Storage  Storage  `yaml:"storage" envPrefix:"STORAGE_"`
	Reminder Reminder `yaml:"reminder" envPrefix:"REMINDER_"`
	Dispatch Dispatch `yaml:"dispatch" envPrefix:"DISPATCH_"`
	Kafka    Kafka    `yaml:"kafka" envPrefix:"KAFKA_"`
}

type HTTP struct {
	Addr  string `yaml:"addr" env:"ADDR"`
	Debug bool   `yaml:"debug" env:"DEBUG"` // mounts /debug/pprof
}

type Log struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // console or json
}

type Storage struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	Path   string `yaml:"path" env:"PATH"`
	URL    string `yaml:"url" env:"URL"`
	Prefix string `yaml:"prefix" env:"PREFIX"`
}

type Reminder struct {
	PastTolerance    time.Duration `yaml:"past_tolerance" env:"PAST_TOLERANCE"`
	SnapshotEvery    int           `yaml:"snapshot_every" env:"SNAPSHOT_EVERY"`
	DeleteOnSnapshot bool          `yaml:"delete_on_snapshot" env:"DELETE_ON_SNAPSHOT"`
	MailboxSize      int           `yaml:"mailbox_size" env:"MAILBOX_SIZE"`
}

type Dispatch struct {
	Interval      time.Duration `yaml:"interval" env:"INTERVAL"`
	Concurrency   int           `yaml:"concurrency" env:"CONCURRENCY"`
	DeliveryRate  float64       `yaml:"delivery_rate" env:"DELIVERY_RATE"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" env:"MAX_RETRY_DELAY"`
	SendTimeout   time.Duration `yaml:"send_timeout" env:"SEND_TIMEOUT"`
}

type Kafka struct {
	Brokers  []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	ClientID string   `yaml:"client_id" env:"CLIENT_ID"`
}

func Default() Config {
	return Config{
		HTTP:    HTTP{Addr: ":8080"},
		Log:     Log{Level: "info", Format: "console"},
		Storage: Storage{Driver: "sqlite", Path: "./data/reminders.db"},
		Reminder: Reminder{
			PastTolerance: time.Minute,
			SnapshotEvery: 100,
			MailboxSize:   64,
		},
		Dispatch: Dispatch{
			Interval:    time.Second,
			Concurrency: 4,
			SendTimeout: 30 * time.Second,
		},
		Kafka: Kafka{ClientID: "reminders"},
	}
}

// Load builds the configuration from defaults, .env, the optional YAML
// file at path and the environment, later sources winning.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("yaml unmarshal: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if f := strings.ToLower(c.Log.Format); f != "console" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format: must be console or json, got %q", c.Log.Format))
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "memory":
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for sqlite"))
		}
	case "redis", "postgres", "postgresql":
		if c.Storage.URL == "" {
			errs = append(errs, fmt.Errorf("storage.url: required for %s", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	if c.Reminder.SnapshotEvery < 0 {
		errs = append(errs, errors.New("reminder.snapshot_every: must be >= 0"))
	}
	if c.Reminder.MailboxSize <= 0 {
		errs = append(errs, errors.New("reminder.mailbox_size: must be > 0"))
	}
	if c.Dispatch.Interval <= 0 {
		errs = append(errs, errors.New("dispatch.interval: must be > 0"))
	}
	if c.Dispatch.Concurrency <= 0 {
		errs = append(errs, errors.New("dispatch.concurrency: must be > 0"))
	}
	if c.Dispatch.DeliveryRate < 0 {
		errs = append(errs, errors.New("dispatch.delivery_rate: must be >= 0"))
	}
	if c.Dispatch.MaxRetryDelay < 0 {
		errs = append(errs, errors.New("dispatch.max_retry_delay: must be >= 0"))
	}
	if c.Dispatch.SendTimeout <= 0 {
		errs = append(errs, errors.New("dispatch.send_timeout: must be > 0"))
	}
	return errors.Join(errs...)
}
