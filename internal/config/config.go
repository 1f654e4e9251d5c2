package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/image-resize-api/internal/pipeline"
	"github.com/dunamismax/image-resize-api/internal/storage"
	"github.com/dunamismax/image-resize-api/internal/telemetry"
	"github.com/spf13/viper"
)

const (
	EnvPrefix        = "IMAGE_RESIZE_API"
	SettingsFileName = "settings"

	BackendLocal = "local"
	BackendS3    = "s3"
)

// Config is the resolved process configuration. It is built once by Load and
// handed to the components by value.
type Config struct {
	ImageDirectory string          `mapstructure:"image_directory"`
	HTTP           HTTPConfig      `mapstructure:"http"`
	Log            LogConfig       `mapstructure:"log"`
	Worker         WorkerConfig    `mapstructure:"worker"`
	Transform      TransformConfig `mapstructure:"transform"`
	Source         SourceConfig    `mapstructure:"source"`
	Metrics        MetricsConfig   `mapstructure:"metrics"`
	Tracing        TracingConfig   `mapstructure:"tracing"`
}

type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	Directory string `mapstructure:"directory"`
}

type WorkerConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func (w WorkerConfig) RuntimeConfig() pipeline.RuntimeConfig {
	return pipeline.RuntimeConfig{Concurrency: w.Concurrency}
}

type TransformConfig struct {
	MaxSourcePixels int64 `mapstructure:"max_source_pixels"`
	MaxOutputPixels int64 `mapstructure:"max_output_pixels"`
}

func (t TransformConfig) Limits() pipeline.Limits {
	return pipeline.Limits{
		MaxSourcePixels: t.MaxSourcePixels,
		MaxOutputPixels: t.MaxOutputPixels,
	}
}

type SourceConfig struct {
	Backend string   `mapstructure:"backend"`
	S3      S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

func (s S3Config) StorageConfig() storage.Config {
	return storage.Config{
		Endpoint: s.Endpoint,
		Access:   s.AccessKey,
		Secret:   s.SecretKey,
		Bucket:   s.Bucket,
		UseSSL:   s.UseSSL,
	}
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type TracingConfig struct {
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	Environment    string  `mapstructure:"environment"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	Exporter       string  `mapstructure:"exporter"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure   bool    `mapstructure:"otlp_insecure"`
}

func (t TracingConfig) TraceConfig() telemetry.TraceConfig {
	return telemetry.TraceConfig{
		ServiceName:    t.ServiceName,
		ServiceVersion: t.ServiceVersion,
		Environment:    t.Environment,
		SampleRatio:    t.SampleRatio,
		Exporter:       t.Exporter,
		OTLPEndpoint:   t.OTLPEndpoint,
		OTLPInsecure:   t.OTLPInsecure,
	}
}

// Load merges, from lowest to highest precedence: built-in defaults,
// <dir>/settings.yaml, <dir>/settings.<env>.yaml where env comes from
// IMAGE_RESIZE_API_ENVIRONMENT, and IMAGE_RESIZE_API_* environment variables.
func Load(dir string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := mergeFile(v, filepath.Join(dir, SettingsFileName+".yaml")); err != nil {
		return Config{}, fmt.Errorf("read base settings: %w", err)
	}
	if env := strings.TrimSpace(os.Getenv(EnvPrefix + "_ENVIRONMENT")); env != "" {
		if err := mergeFile(v, filepath.Join(dir, SettingsFileName+"."+env+".yaml")); err != nil {
			return Config{}, fmt.Errorf("read %s settings: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode settings: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("image_directory", "./images")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.directory", "")

	v.SetDefault("worker.concurrency", max(2, runtime.NumCPU()))
	v.SetDefault("worker.timeout", 25*time.Second)

	v.SetDefault("transform.max_source_pixels", 50_000_000)
	v.SetDefault("transform.max_output_pixels", 25_000_000)

	v.SetDefault("source.backend", BackendLocal)
	v.SetDefault("source.s3.endpoint", "localhost:9000")
	v.SetDefault("source.s3.access_key", "minioadmin")
	v.SetDefault("source.s3.secret_key", "minioadmin")
	v.SetDefault("source.s3.bucket", "images")
	v.SetDefault("source.s3.prefix", "")
	v.SetDefault("source.s3.use_ssl", false)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("tracing.service_name", "image-resize-api")
	v.SetDefault("tracing.service_version", "")
	v.SetDefault("tracing.environment", os.Getenv(EnvPrefix+"_ENVIRONMENT"))
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.otlp_insecure", false)
}

// mergeFile merges an optional settings file. A missing file is not an error.
func mergeFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() error {
	c.Source.Backend = strings.ToLower(strings.TrimSpace(c.Source.Backend))

	switch c.Source.Backend {
	case BackendLocal:
		if strings.TrimSpace(c.ImageDirectory) == "" {
			return errors.New("image_directory is required")
		}
		abs, err := filepath.Abs(c.ImageDirectory)
		if err != nil {
			return fmt.Errorf("resolve image_directory: %w", err)
		}
		c.ImageDirectory = abs
	case BackendS3:
		if strings.TrimSpace(c.Source.S3.Bucket) == "" {
			return errors.New("source.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unsupported source.backend: %q", c.Source.Backend)
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.Timeout < 0 {
		return fmt.Errorf("worker.timeout must not be negative")
	}
	// Transforms must give up before the write deadline so a timeout is still answered with a 500.
	if c.Worker.Timeout > 0 && c.HTTP.WriteTimeout > 0 && c.Worker.Timeout >= c.HTTP.WriteTimeout {
		return fmt.Errorf("worker.timeout (%s) must be shorter than http.write_timeout (%s)", c.Worker.Timeout, c.HTTP.WriteTimeout)
	}
	if c.Transform.MaxSourcePixels < 0 || c.Transform.MaxOutputPixels < 0 {
		return errors.New("transform pixel limits must not be negative")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1], got %g", c.Tracing.SampleRatio)
	}
	return nil
}
