package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/anomaly"
	"github.com/cuemby/ledgerwatch/pkg/batch"
	"github.com/cuemby/ledgerwatch/pkg/reconciler"
	"github.com/cuemby/ledgerwatch/pkg/report"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the config file when --config is not given
const EnvConfigPath = "LEDGERWATCH_CONFIG"

// Config is the complete ledgerwatch configuration
type Config struct {
	Logging        LoggingConfig        `yaml:"logging"`
	Storage        StorageConfig        `yaml:"storage"`
	Server         ServerConfig         `yaml:"server"`
	Authority      AuthorityConfig      `yaml:"authority"`
	Lock           LockConfig           `yaml:"lock"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Batch          BatchConfig          `yaml:"batch"`
	Anomaly        AnomalyConfig        `yaml:"anomaly"`
	Report         ReportConfig         `yaml:"report"`
}

// LoggingConfig controls structured logging
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig locates the BoltDB file
type StorageConfig struct {
	DataDir string `yaml:"dataDir"`
}

// ServerConfig controls the health and gRPC listeners
type ServerConfig struct {
	HealthAddress   string        `yaml:"healthAddress"`
	GRPCAddress     string        `yaml:"grpcAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// AuthorityConfig configures the system-of-record client
type AuthorityConfig struct {
	BaseURL           string        `yaml:"baseURL"`
	APIKey            string        `yaml:"apiKey"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	HealthPath        string        `yaml:"healthPath"`
	RetryAttempts     int           `yaml:"retryAttempts"`
	RetryBackoff      time.Duration `yaml:"retryBackoff"`
}

// LockConfig enables the Redis run lock when RedisAddr is set
type LockConfig struct {
	RedisAddr string        `yaml:"redisAddr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	TTL       time.Duration `yaml:"ttl"`
}

// ReconciliationConfig declares the scheduled configurations
type ReconciliationConfig struct {
	Configurations []reconciler.Configuration `yaml:"configurations"`
}

// BatchConfig holds batch defaults and the real-time sweep
type BatchConfig struct {
	Defaults         batch.Config  `yaml:"defaults"`
	RealtimeInterval time.Duration `yaml:"realtimeInterval"`
	RealtimeWindow   time.Duration `yaml:"realtimeWindow"`
}

// AnomalyConfig holds rules and the stale sweep
type AnomalyConfig struct {
	Rules         []anomaly.Rule `yaml:"rules"`
	RulesPath     string         `yaml:"rulesPath"`
	StaleAfter    time.Duration  `yaml:"staleAfter"`
	SweepInterval time.Duration  `yaml:"sweepInterval"`
}

// ReportConfig holds recommendation thresholds
type ReportConfig struct {
	Thresholds report.Thresholds `yaml:"thresholds"`
}

// Load initialises Config from a YAML file and environment overrides. With
// no path and no LEDGERWATCH_CONFIG the defaults are used. Rule packs named
// by anomaly.rulesPath are loaded, and the result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Anomaly.RulesPath != "" {
		rules, err := anomaly.LoadRules(cfg.Anomaly.RulesPath)
		if err != nil {
			return nil, err
		}
		cfg.Anomaly.Rules = append(cfg.Anomaly.Rules, rules...)
	}
	if len(cfg.Reconciliation.Configurations) == 0 {
		cfg.Reconciliation.Configurations = reconciler.DefaultConfigurations()
	}
	if len(cfg.Anomaly.Rules) == 0 {
		cfg.Anomaly.Rules = anomaly.DefaultRules()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration. Configurations and rules are
// left empty; Load fills them with the built-in sets when none are declared.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info"},
		Storage: StorageConfig{DataDir: "./ledgerwatch-data"},
		Server: ServerConfig{
			HealthAddress:   ":9090",
			GRPCAddress:     ":9091",
			GracefulTimeout: 10 * time.Second,
		},
		Authority: AuthorityConfig{
			Timeout:           10 * time.Second,
			RequestsPerSecond: 20,
			Burst:             5,
			HealthPath:        "/health",
			RetryAttempts:     3,
			RetryBackoff:      200 * time.Millisecond,
		},
		Lock: LockConfig{TTL: 30 * time.Minute},
		Batch: BatchConfig{
			Defaults:         batch.DefaultConfig(),
			RealtimeInterval: 5 * time.Minute,
			RealtimeWindow:   10 * time.Minute,
		},
		Anomaly: AnomalyConfig{
			StaleAfter:    anomaly.DefaultStaleAfter,
			SweepInterval: 15 * time.Minute,
		},
		Report: ReportConfig{Thresholds: report.DefaultThresholds()},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LEDGERWATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LEDGERWATCH_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("LEDGERWATCH_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("LEDGERWATCH_HEALTH_ADDRESS"); v != "" {
		cfg.Server.HealthAddress = v
	}
	if v := os.Getenv("LEDGERWATCH_GRPC_ADDRESS"); v != "" {
		cfg.Server.GRPCAddress = v
	}
	if v := os.Getenv("LEDGERWATCH_AUTHORITY_URL"); v != "" {
		cfg.Authority.BaseURL = v
	}
	if v := os.Getenv("LEDGERWATCH_AUTHORITY_API_KEY"); v != "" {
		cfg.Authority.APIKey = v
	}
	if v := os.Getenv("LEDGERWATCH_AUTHORITY_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Authority.RequestsPerSecond = rps
		}
	}
	if v := os.Getenv("LEDGERWATCH_AUTHORITY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Authority.Timeout = d
		}
	}
	if v := os.Getenv("LEDGERWATCH_REDIS_ADDR"); v != "" {
		cfg.Lock.RedisAddr = v
	}
	if v := os.Getenv("LEDGERWATCH_REDIS_PASSWORD"); v != "" {
		cfg.Lock.Password = v
	}
	if v := os.Getenv("LEDGERWATCH_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Lock.DB = db
		}
	}
	if v := os.Getenv("LEDGERWATCH_RULES_PATH"); v != "" {
		cfg.Anomaly.RulesPath = v
	}
	if v := os.Getenv("LEDGERWATCH_REALTIME_ENABLED"); strings.EqualFold(v, "false") || v == "0" {
		cfg.Batch.RealtimeInterval = 0
	}
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.dataDir is required")
	}
	if c.Authority.RequestsPerSecond < 0 || c.Authority.Burst < 0 || c.Authority.RetryAttempts < 0 {
		return fmt.Errorf("authority rate and retry settings cannot be negative")
	}
	if c.Lock.RedisAddr != "" && c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be positive when lock.redisAddr is set")
	}

	names := make(map[string]bool)
	for _, rc := range c.Reconciliation.Configurations {
		if err := rc.Validate(); err != nil {
			return err
		}
		if names[rc.Name] {
			return fmt.Errorf("duplicate reconciliation configuration %q", rc.Name)
		}
		names[rc.Name] = true
	}

	if err := c.Batch.Defaults.Validate(); err != nil {
		return fmt.Errorf("batch.defaults: %w", err)
	}
	if c.Batch.RealtimeInterval > 0 && c.Batch.RealtimeWindow <= 0 {
		return fmt.Errorf("batch.realtimeWindow must be positive when the real-time sweep is enabled")
	}

	if err := anomaly.ValidateRules(c.Anomaly.Rules); err != nil {
		return fmt.Errorf("anomaly: %w", err)
	}
	if c.Anomaly.StaleAfter <= 0 || c.Anomaly.SweepInterval <= 0 {
		return fmt.Errorf("anomaly.staleAfter and anomaly.sweepInterval must be positive")
	}
	return nil
}
