// Package config loads framefarm settings. Defaults are overlaid by an
// optional YAML file (FRAMEFARM_CONFIG) and then by environment variables,
// so a deployment can keep a shared file and override per container.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"framefarm/internal/util"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	HTTPPort string         `yaml:"http_port"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Market   MarketConfig   `yaml:"market"`
	Status   StatusConfig   `yaml:"status"`
	Render   RenderConfig   `yaml:"render"`
}

type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	QueueName string `yaml:"queue_name"`
}

type StorageConfig struct {
	// Provider is one of localfs, gdrive, s3.
	Provider     string       `yaml:"provider"`
	LocalRoot    string       `yaml:"local_root"`
	CleanupLocal bool         `yaml:"cleanup_local"`
	GDrive       GDriveConfig `yaml:"gdrive"`
	S3           S3Config     `yaml:"s3"`
}

type GDriveConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	FolderID     string `yaml:"folder_id"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type MarketConfig struct {
	// Kind selects the marketplace adapter: http or local.
	Kind         string        `yaml:"kind"`
	BaseURL      string        `yaml:"base_url"`
	SubnetTag    string        `yaml:"subnet_tag"`
	MaxWorkers   int           `yaml:"max_workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// LocalProviders is the size of the emulated pool for Kind=local.
	LocalProviders int    `yaml:"local_providers"`
	LocalRoot      string `yaml:"local_root"`
}

type StatusConfig struct {
	// BaseURL of the status backend; empty disables HTTP reporting.
	BaseURL string `yaml:"base_url"`
	// ManagerURL of the container manager pinged around one-shot runs.
	ManagerURL string        `yaml:"manager_url"`
	Timeout    time.Duration `yaml:"timeout"`
	QueueSize  int           `yaml:"queue_size"`
}

type RenderConfig struct {
	PerFrame          time.Duration `yaml:"per_frame"`
	InitOverhead      time.Duration `yaml:"init_overhead"`
	MinTimeout        time.Duration `yaml:"min_timeout"`
	MaxTimeout        time.Duration `yaml:"max_timeout"`
	FirstBatchTimeout time.Duration `yaml:"first_batch_timeout"`
	BatchTimeout      time.Duration `yaml:"batch_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	ShowUsage         bool          `yaml:"show_usage"`
	OutputDir         string        `yaml:"output_dir"`
	MaxFrames         int           `yaml:"max_frames"`
}

// Default returns the built-in settings. The render bounds follow the
// marketplace acceptance window: providers refuse timeouts outside
// [5m, 30m], and the lower bound is raised to 6m to absorb demand
// propagation.
func Default() Config {
	return Config{
		Log:      LogConfig{Level: "info", Format: "json"},
		HTTPPort: "8080",
		Redis:    RedisConfig{QueueName: "framefarm:jobs"},
		Storage:  StorageConfig{Provider: "localfs", LocalRoot: "/data", S3: S3Config{Bucket: "framefarm-renders", Region: "us-east-1"}},
		Market: MarketConfig{
			Kind:           "http",
			SubnetTag:      "public",
			PollInterval:   2 * time.Second,
			LocalProviders: 2,
			LocalRoot:      os.TempDir(),
		},
		Status: StatusConfig{Timeout: 10 * time.Second, QueueSize: 256},
		Render: RenderConfig{
			PerFrame:          2 * time.Minute,
			InitOverhead:      3 * time.Minute,
			MinTimeout:        6 * time.Minute,
			MaxTimeout:        30 * time.Minute,
			FirstBatchTimeout: 10 * time.Minute,
			BatchTimeout:      time.Minute,
			ShutdownGrace:     30 * time.Second,
			OutputDir:         "/requestor/output",
			MaxFrames:         10_000,
		},
	}
}

// Load builds the configuration from defaults, the file named by
// FRAMEFARM_CONFIG (if any) and the environment.
func Load() (Config, error) {
	cfg := Default()
	if path := util.Env("FRAMEFARM_CONFIG", ""); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Log.Level = util.Env("LOG_LEVEL", c.Log.Level)
	c.Log.Format = util.Env("LOG_FORMAT", c.Log.Format)
	c.Log.AddSource = util.BoolEnv("LOG_SOURCE", c.Log.AddSource)
	c.HTTPPort = util.Env("HTTP_PORT", c.HTTPPort)

	c.Database.URL = util.Env("DATABASE_URL", c.Database.URL)
	c.Redis.Addr = util.Env("REDIS_ADDR", c.Redis.Addr)
	c.Redis.QueueName = util.Env("JOB_QUEUE_NAME", c.Redis.QueueName)

	s := &c.Storage
	s.Provider = util.Env("STORAGE_PROVIDER", s.Provider)
	s.LocalRoot = util.Env("STORAGE_LOCAL_ROOT", s.LocalRoot)
	s.CleanupLocal = util.BoolEnv("STORAGE_CLEANUP_LOCAL", s.CleanupLocal)
	s.GDrive.ClientID = util.Env("GDRIVE_CLIENT_ID", s.GDrive.ClientID)
	s.GDrive.ClientSecret = util.Env("GDRIVE_CLIENT_SECRET", s.GDrive.ClientSecret)
	s.GDrive.RefreshToken = util.Env("GDRIVE_REFRESH_TOKEN", s.GDrive.RefreshToken)
	s.GDrive.FolderID = util.Env("GDRIVE_FOLDER_ID", s.GDrive.FolderID)
	s.S3.Endpoint = util.Env("S3_ENDPOINT", s.S3.Endpoint)
	s.S3.AccessKey = util.Env("S3_ACCESS_KEY", s.S3.AccessKey)
	s.S3.SecretKey = util.Env("S3_SECRET_KEY", s.S3.SecretKey)
	s.S3.Bucket = util.Env("S3_BUCKET", s.S3.Bucket)
	s.S3.Region = util.Env("S3_REGION", s.S3.Region)
	s.S3.UseSSL = util.BoolEnv("S3_USE_SSL", s.S3.UseSSL)

	m := &c.Market
	m.Kind = util.Env("MARKET_KIND", m.Kind)
	m.BaseURL = util.Env("MARKET_BASEURL", m.BaseURL)
	m.SubnetTag = util.Env("MARKET_SUBNET_TAG", m.SubnetTag)
	m.MaxWorkers = util.IntEnv("MARKET_MAX_WORKERS", m.MaxWorkers)
	m.PollInterval = util.DurationEnv("MARKET_POLL_INTERVAL", m.PollInterval)
	m.LocalProviders = util.IntEnv("MARKET_LOCAL_PROVIDERS", m.LocalProviders)
	m.LocalRoot = util.Env("MARKET_LOCAL_ROOT", m.LocalRoot)

	st := &c.Status
	st.BaseURL = util.Env("STATUS_BASEURL", st.BaseURL)
	st.ManagerURL = util.Env("CONTAINER_MANAGER_BASEURL", st.ManagerURL)
	st.Timeout = util.DurationEnv("STATUS_TIMEOUT", st.Timeout)
	st.QueueSize = util.IntEnv("STATUS_QUEUE_SIZE", st.QueueSize)

	r := &c.Render
	r.PerFrame = util.DurationEnv("RENDER_PER_FRAME", r.PerFrame)
	r.InitOverhead = util.DurationEnv("RENDER_INIT_OVERHEAD", r.InitOverhead)
	r.MinTimeout = util.DurationEnv("RENDER_MIN_TIMEOUT", r.MinTimeout)
	r.MaxTimeout = util.DurationEnv("RENDER_MAX_TIMEOUT", r.MaxTimeout)
	r.FirstBatchTimeout = util.DurationEnv("RENDER_FIRST_BATCH_TIMEOUT", r.FirstBatchTimeout)
	r.BatchTimeout = util.DurationEnv("RENDER_BATCH_TIMEOUT", r.BatchTimeout)
	r.ShutdownGrace = util.DurationEnv("RENDER_SHUTDOWN_GRACE", r.ShutdownGrace)
	r.ShowUsage = util.BoolEnv("RENDER_SHOW_USAGE", r.ShowUsage)
	r.OutputDir = util.Env("RENDER_OUTPUT_DIR", r.OutputDir)
	r.MaxFrames = util.IntEnv("RENDER_MAX_FRAMES", r.MaxFrames)
}

// Validate rejects settings the orchestrator cannot run with.
func (c Config) Validate() error {
	r := c.Render
	if r.MinTimeout <= 0 || r.MaxTimeout < r.MinTimeout {
		return fmt.Errorf("render timeout bounds invalid: min=%s max=%s", r.MinTimeout, r.MaxTimeout)
	}
	if r.FirstBatchTimeout <= 0 || r.BatchTimeout <= 0 {
		return fmt.Errorf("batch timeouts must be positive")
	}
	if r.MaxFrames <= 0 {
		return fmt.Errorf("render max frames must be positive: %d", r.MaxFrames)
	}
	switch strings.ToLower(c.Market.Kind) {
	case "http", "local":
	default:
		return fmt.Errorf("unknown market kind: %s", c.Market.Kind)
	}
	switch strings.ToLower(c.Storage.Provider) {
	case "localfs", "gdrive", "s3":
	default:
		return fmt.Errorf("unknown storage provider: %s", c.Storage.Provider)
	}
	return nil
}
