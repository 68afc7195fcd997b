package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var k = koanf.New(".")

type Config struct {
	App      App            `mapstructure:"app"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   Server         `mapstructure:"server"`
	Pipeline Pipeline       `mapstructure:"pipeline"`
	Storage  Storage        `mapstructure:"storage"`
	Webhook  Webhook        `mapstructure:"webhook"`
	Udp      Udp            `mapstructure:"udp"`
	Archive  Archive        `mapstructure:"archive"`
	S3       S3Config       `mapstructure:"s3"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Otel     Otel           `mapstructure:"otel"`
}

type App struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Env     string `mapstructure:"env"`
}

// LoggingConfig stores global logging configurations
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

type Server struct {
	Port int  `mapstructure:"port"`
	Dev  bool `mapstructure:"dev"`
}

// Pipeline holds the delivery settings for the event pipeline.
type Pipeline struct {
	Endpoint               string            `mapstructure:"endpoint"`
	Method                 string            `mapstructure:"method"`
	Headers                map[string]string `mapstructure:"headers"`
	SyncingIntervalSeconds int               `mapstructure:"syncing_interval_seconds"`
	MaxBatchSizeKB         float64           `mapstructure:"max_batch_size_kb"`
	RetryAttempts          int               `mapstructure:"retry_attempts"`
	RetryDelaySeconds      int               `mapstructure:"retry_delay_seconds"`
	RequestTimeoutSeconds  int               `mapstructure:"request_timeout_seconds"`
	ProbeIntervalSeconds   int               `mapstructure:"probe_interval_seconds"`
}

type Storage struct {
	Path string `mapstructure:"path"`
}

type Webhook struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Token   string `mapstructure:"token"`
}

type Udp struct {
	Enabled             bool   `mapstructure:"enabled"`
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	ReadBufferSizeBytes int    `mapstructure:"read_buffer_size_bytes"`
}

type Archive struct {
	Enabled             bool `mapstructure:"enabled"`
	EnableJsonOutput    bool `mapstructure:"json"`
	EnableParquetOutput bool `mapstructure:"parquet"`
}

type S3Config struct {
	BucketName  string `mapstructure:"bucket_name"`
	Region      string `mapstructure:"region"`
	AccessKey   string `mapstructure:"access_key"`
	SecretKey   string `mapstructure:"secret_key"`
	Endpoint    string `mapstructure:"endpoint"`
	Ssl         bool   `mapstructure:"ssl"`
	Compression bool   `mapstructure:"compression"`
}

type AlertingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Url               string `mapstructure:"url"`
	Token             string `mapstructure:"token"`
	TimeoutSeconds    int    `mapstructure:"timeoutseconds"`
	ExpectedHttpCode  int    `mapstructure:"expectedhttpcode"`
	MutePeriodSeconds int    `mapstructure:"muteperiodseconds"`
}

type Otel struct {
	Enabled               bool   `mapstructure:"enabled"`
	Endpoint              string `mapstructure:"endpoint"`
	ScrapeIntervalSeconds int    `mapstructure:"scrapeIntervalseconds"`
}

func (p Pipeline) SyncingInterval() time.Duration {
	return time.Duration(p.SyncingIntervalSeconds) * time.Second
}

func (p Pipeline) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelaySeconds) * time.Second
}

func (p Pipeline) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutSeconds) * time.Second
}

func LoadConfig(cfgFile, envPrefix string, cfg *Config) error {
	if cfgFile == "" {
		cfgFile = "config.yaml"
	}

	err := k.Load(file.Provider(cfgFile), yaml.Parser())
	if err != nil {
		return errors.Wrapf(err, "failed to parse %s", cfgFile)
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", -1)
	}), nil); err != nil {
		return errors.Wrapf(err, "error loading config from env")
	}

	err = k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"})
	if err != nil {
		return errors.Wrapf(err, "failed to unmarshal %s", cfgFile)
	}

	cfg.setDefaults()

	return nil
}

func (c *Config) setDefaults() {
	if c.Pipeline.Method == "" {
		c.Pipeline.Method = "POST"
	}
	if c.Pipeline.SyncingIntervalSeconds <= 0 {
		c.Pipeline.SyncingIntervalSeconds = 10
	}
	if c.Pipeline.RetryAttempts <= 0 {
		c.Pipeline.RetryAttempts = 3
	}
	if c.Pipeline.RetryDelaySeconds <= 0 {
		c.Pipeline.RetryDelaySeconds = 1
	}
	if c.Pipeline.RequestTimeoutSeconds <= 0 {
		c.Pipeline.RequestTimeoutSeconds = 30
	}
	if c.Pipeline.ProbeIntervalSeconds <= 0 {
		c.Pipeline.ProbeIntervalSeconds = 10
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "eventpipe.db"
	}
	if c.Webhook.Port == 0 {
		c.Webhook.Port = 8087
	}
	if c.Udp.Port == 0 {
		c.Udp.Port = 8086
	}
	if c.Udp.ReadBufferSizeBytes <= 0 {
		c.Udp.ReadBufferSizeBytes = 64 * 1024
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8088
	}
}

func LoadFlags(cmd *cobra.Command) error {
	return k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
}
