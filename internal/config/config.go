package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Validation   ValidationConfig   `yaml:"validation"`
	Analysis     AnalysisConfig     `yaml:"analysis"`
	Feeder       FeederConfig       `yaml:"feeder"`
	Identity     IdentityConfig     `yaml:"identity"`
}

type ServerConfig struct {
	GRPCPort string `yaml:"grpc_port"`
	HTTPPort string `yaml:"http_port"`
	Env      string `yaml:"env"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type IngestConfig struct {
	// QueueCapacity is Q; backpressure is signalled above 0.8*Q.
	QueueCapacity int `yaml:"queue_capacity"`
	// SubscriberRatePerSecond is the per-session token bucket rate for
	// batch fan-out.
	SubscriberRatePerSecond float64 `yaml:"subscriber_rate_per_second"`
	// FlushEvery bounds the pipeline working set inside one transaction.
	FlushEvery int `yaml:"flush_every"`
}

type ValidationConfig struct {
	Suite22URL    string `yaml:"suite22_url"`
	Assessor90URL string `yaml:"assessor90_url"`

	MinBits22  int64 `yaml:"min_bits_22"`
	MaxBytes22 int64 `yaml:"max_bytes_22"`
	MaxBytes90 int64 `yaml:"max_bytes_90b"`

	// MaxParallelJobs caps RPC concurrency against the external validators.
	MaxParallelJobs int `yaml:"max_parallel_jobs"`
	// MaxActiveJobsPerActor rejects submissions beyond this many
	// non-terminal jobs per actor.
	MaxActiveJobsPerActor int `yaml:"max_active_jobs_per_actor"`

	RPCTimeout time.Duration `yaml:"rpc_timeout"`

	HourlyCron string `yaml:"hourly_cron"`
	WeeklyCron string `yaml:"weekly_cron"`
}

type AnalysisConfig struct {
	// ExpectedRateHz is the nominal decay event rate of the source.
	ExpectedRateHz float64 `yaml:"expected_rate_hz"`
	// RateToleranceLow/High bound the plausibility band as multiples of
	// the expected mean interval.
	RateToleranceLow  float64 `yaml:"rate_tolerance_low"`
	RateToleranceHigh float64 `yaml:"rate_tolerance_high"`
}

type FeederConfig struct {
	Enabled bool          `yaml:"enabled"`
	Period  time.Duration `yaml:"period"`
	Device  string        `yaml:"device"`
}

type IdentityConfig struct {
	TokenURL         string        `yaml:"token_url"`
	IntrospectURL    string        `yaml:"introspect_url"`
	TokenTimeout     time.Duration `yaml:"token_timeout"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// LoadConfig reads the YAML config at path, applies environment overrides
// for secrets, fills defaults, and validates. The result is immutable for
// the lifetime of the process.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with all defaults applied and no secrets set.
// Used by tests and by main when no config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("SUITE22_URL"); v != "" {
		c.Validation.Suite22URL = v
	}
	if v := os.Getenv("ASSESSOR90_URL"); v != "" {
		c.Validation.Assessor90URL = v
	}
	if v := os.Getenv("TOKEN_URL"); v != "" {
		c.Identity.TokenURL = v
	}
	if v := os.Getenv("TOKEN_INTROSPECT_URL"); v != "" {
		c.Identity.IntrospectURL = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.GRPCPort == "" {
		c.Server.GRPCPort = "50051"
	}
	if c.Server.HTTPPort == "" {
		c.Server.HTTPPort = "8080"
	}
	if c.Ingest.QueueCapacity == 0 {
		c.Ingest.QueueCapacity = 1000
	}
	if c.Ingest.SubscriberRatePerSecond == 0 {
		c.Ingest.SubscriberRatePerSecond = 20
	}
	if c.Ingest.FlushEvery == 0 {
		c.Ingest.FlushEvery = 100
	}
	if c.Validation.MinBits22 == 0 {
		c.Validation.MinBits22 = 1_000_000
	}
	if c.Validation.MaxBytes22 == 0 {
		c.Validation.MaxBytes22 = 1_250_000
	}
	if c.Validation.MaxBytes90 == 0 {
		c.Validation.MaxBytes90 = 1_000_000
	}
	if c.Validation.MaxParallelJobs == 0 {
		c.Validation.MaxParallelJobs = 2
	}
	if c.Validation.MaxActiveJobsPerActor == 0 {
		c.Validation.MaxActiveJobsPerActor = 3
	}
	if c.Validation.RPCTimeout == 0 {
		c.Validation.RPCTimeout = 10 * time.Minute
	}
	if c.Validation.HourlyCron == "" {
		c.Validation.HourlyCron = "0 * * * *"
	}
	if c.Validation.WeeklyCron == "" {
		c.Validation.WeeklyCron = "0 3 * * 0"
	}
	if c.Analysis.ExpectedRateHz == 0 {
		c.Analysis.ExpectedRateHz = 25
	}
	if c.Analysis.RateToleranceLow == 0 {
		c.Analysis.RateToleranceLow = 0.2
	}
	if c.Analysis.RateToleranceHigh == 0 {
		c.Analysis.RateToleranceHigh = 5.0
	}
	if c.Feeder.Period == 0 {
		c.Feeder.Period = 5 * time.Second
	}
	if c.Feeder.Device == "" {
		c.Feeder.Device = "/dev/urandom"
	}
	if c.Identity.TokenTimeout == 0 {
		c.Identity.TokenTimeout = 10 * time.Second
	}
	if c.Identity.BreakerThreshold == 0 {
		c.Identity.BreakerThreshold = 5
	}
	if c.Identity.BreakerReset == 0 {
		c.Identity.BreakerReset = 60 * time.Second
	}
}

// Validate rejects configurations that cannot produce a legal chunking or
// plausibility band.
func (c *Config) Validate() error {
	if c.Validation.MaxBytes22*8 < c.Validation.MinBits22 {
		return fmt.Errorf("validation: max_bytes_22*8 (%d bits) below min_bits_22 (%d)",
			c.Validation.MaxBytes22*8, c.Validation.MinBits22)
	}
	if c.Validation.MinBits22 <= 0 || c.Validation.MaxBytes90 <= 0 {
		return fmt.Errorf("validation: bit/byte budgets must be positive")
	}
	if c.Analysis.ExpectedRateHz <= 0 {
		return fmt.Errorf("analysis: expected_rate_hz must be positive")
	}
	if c.Analysis.RateToleranceLow <= 0 || c.Analysis.RateToleranceHigh <= c.Analysis.RateToleranceLow {
		return fmt.Errorf("analysis: tolerance band inverted")
	}
	if c.Ingest.QueueCapacity <= 0 {
		return fmt.Errorf("ingest: queue_capacity must be positive")
	}
	return nil
}
