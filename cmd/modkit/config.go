package main

import (
	"errors"
	"fmt"
	nethttp "net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meigma/modkit"
	"github.com/meigma/modkit/download"
	"github.com/meigma/modkit/http"
	"github.com/meigma/modkit/oci"
)

// Config is the modkit configuration file.
type Config struct {
	OutputDir   string `yaml:"output_dir"`
	WorkDir     string `yaml:"work_dir"`
	DownloadDir string `yaml:"download_dir"`
	LogLevel    string `yaml:"log_level"`

	// SyncWrites flushes outputs to stable storage before they are
	// renamed into place. Defaults to true.
	SyncWrites *bool `yaml:"sync_writes"`

	Workers     int               `yaml:"workers"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Cache       CacheConfig       `yaml:"cache"`
	Download    DownloadConfig    `yaml:"download"`
	HTTP        HTTPConfig        `yaml:"http"`
	Registry    RegistryConfig    `yaml:"registry"`
}

// ConcurrencyConfig bounds work per resource. Zero keeps the default.
type ConcurrencyConfig struct {
	CPU     int `yaml:"cpu"`
	Disk    int `yaml:"disk"`
	Network int `yaml:"network"`
}

// CacheConfig sizes the content cache.
type CacheConfig struct {
	MaxMemoryBytes  int64 `yaml:"max_memory_bytes"`
	InlineThreshold int64 `yaml:"inline_threshold"`
	SpillMaxBytes   int64 `yaml:"spill_max_bytes"`
	VerifyHits      bool  `yaml:"verify_hits"`
}

// DownloadConfig tunes download retries.
type DownloadConfig struct {
	MaxAttempts    uint          `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// HTTPConfig configures the HTTP downloader.
type HTTPConfig struct {
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// RegistryConfig configures the OCI registry downloader.
type RegistryConfig struct {
	PlainHTTP    bool   `yaml:"plain_http"`
	Anonymous    bool   `yaml:"anonymous"`
	DockerConfig bool   `yaml:"docker_config"`
	Host         string `yaml:"host"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Token        string `yaml:"token"`
}

// DefaultConfig returns the configuration used without a config file.
func DefaultConfig() *Config {
	return &Config{
		OutputDir: ".",
		LogLevel:  "info",
		Registry:  RegistryConfig{DockerConfig: true},
	}
}

// LoadConfig reads path over the defaults. An empty path returns the
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // user-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the engine would refuse.
func (c *Config) Validate() error {
	var errs []error
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir must not be empty"))
	}
	if c.Workers < 0 || c.Concurrency.CPU < 0 || c.Concurrency.Disk < 0 || c.Concurrency.Network < 0 {
		errs = append(errs, errors.New("worker and concurrency limits must not be negative"))
	}
	if c.Cache.MaxMemoryBytes < 0 || c.Cache.InlineThreshold < 0 || c.Cache.SpillMaxBytes < 0 {
		errs = append(errs, errors.New("cache sizes must not be negative"))
	}
	if c.Registry.Token != "" && c.Registry.Username != "" {
		errs = append(errs, errors.New("registry token and username are mutually exclusive"))
	}
	if (c.Registry.Token != "" || c.Registry.Username != "") && c.Registry.Host == "" {
		errs = append(errs, errors.New("registry credentials need a host"))
	}
	return errors.Join(errs...)
}

// EngineOptions translates the config into engine options.
func (c *Config) EngineOptions() []modkit.Option {
	var opts []modkit.Option
	if c.WorkDir != "" {
		opts = append(opts, modkit.WithWorkDir(c.WorkDir))
	}
	if c.DownloadDir != "" {
		opts = append(opts, modkit.WithDownloadDir(c.DownloadDir))
	}
	if c.SyncWrites != nil {
		opts = append(opts, modkit.WithSyncWrites(*c.SyncWrites))
	}
	if c.Workers > 0 {
		opts = append(opts, modkit.WithWorkers(c.Workers))
	}
	if c.Concurrency.CPU > 0 {
		opts = append(opts, modkit.WithCPUConcurrency(c.Concurrency.CPU))
	}
	if c.Concurrency.Disk > 0 {
		opts = append(opts, modkit.WithDiskConcurrency(c.Concurrency.Disk))
	}
	if c.Concurrency.Network > 0 {
		opts = append(opts, modkit.WithNetworkConcurrency(c.Concurrency.Network))
	}
	if c.Cache.MaxMemoryBytes > 0 {
		opts = append(opts, modkit.WithMaxMemoryBytes(c.Cache.MaxMemoryBytes))
	}
	if c.Cache.InlineThreshold > 0 {
		opts = append(opts, modkit.WithInlineThreshold(c.Cache.InlineThreshold))
	}
	if c.Cache.SpillMaxBytes > 0 {
		opts = append(opts, modkit.WithSpillMaxBytes(c.Cache.SpillMaxBytes))
	}
	if c.Cache.VerifyHits {
		opts = append(opts, modkit.WithVerifyCacheHits(true))
	}

	var dl []download.Option
	if c.Download.MaxAttempts > 0 {
		dl = append(dl, download.WithMaxAttempts(c.Download.MaxAttempts))
	}
	if c.Download.InitialBackoff > 0 || c.Download.MaxBackoff > 0 {
		dl = append(dl, download.WithBackoff(c.Download.InitialBackoff, c.Download.MaxBackoff))
	}
	if len(dl) > 0 {
		opts = append(opts, modkit.WithDownloadOptions(dl...))
	}
	return opts
}

// Downloader builds the downloader multiplexer for every supported source
// type.
func (c *Config) Downloader() *download.Mux {
	headers := make(nethttp.Header, len(c.HTTP.Headers))
	for k, v := range c.HTTP.Headers {
		headers.Set(k, v)
	}
	client := &nethttp.Client{Timeout: c.HTTP.Timeout}

	var ociOpts []oci.Option
	switch {
	case c.Registry.Anonymous:
		ociOpts = append(ociOpts, oci.WithAnonymous())
	case c.Registry.Token != "":
		ociOpts = append(ociOpts, oci.WithStaticToken(c.Registry.Host, c.Registry.Token))
	case c.Registry.Username != "":
		ociOpts = append(ociOpts, oci.WithStaticCredentials(c.Registry.Host, c.Registry.Username, c.Registry.Password))
	case c.Registry.DockerConfig:
		ociOpts = append(ociOpts, oci.WithDockerConfig())
	}
	if c.Registry.PlainHTTP {
		ociOpts = append(ociOpts, oci.WithPlainHTTP(true))
	}

	mux := download.NewMux()
	mux.Handle(http.DescriptorType, http.New(http.WithClient(client), http.WithHeaders(headers)))
	mux.Handle(oci.DescriptorType, oci.New(ociOpts...))
	return mux
}
