// Package config loads foxiles server configuration from an optional YAML
// file and the environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/foxiles/pkg/artifacts"
	"github.com/Mindburn-Labs/foxiles/pkg/observability"
)

// Config holds server configuration.
type Config struct {
	Port         string `yaml:"port"`
	LogLevel     string `yaml:"log_level"`
	DataDir      string `yaml:"data_dir"`
	DatabaseURL  string `yaml:"database_url"` // empty selects SQLite under DataDir
	RedisAddr    string `yaml:"redis_addr"`   // empty keeps purchase claims in process
	KeystorePath string `yaml:"keystore_path"`
	// Dev swaps the Solana client for an in-process ledger.
	Dev bool `yaml:"dev"`

	Artifacts artifacts.Config     `yaml:"artifacts"`
	Ledger    LedgerConfig         `yaml:"ledger"`
	Purchase  PurchaseConfig       `yaml:"purchase"`
	Release   ReleaseConfig        `yaml:"release"`
	API       APIConfig            `yaml:"api"`
	Telemetry observability.Config `yaml:"telemetry"`
}

type LedgerConfig struct {
	RPCEndpoint    string        `yaml:"rpc_endpoint"`
	Commitment     string        `yaml:"commitment"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
	Burst          int           `yaml:"burst"`
	Timeout        time.Duration `yaml:"timeout"`
}

type PurchaseConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Deadline     time.Duration `yaml:"deadline"`
	Retention    time.Duration `yaml:"retention"`
	TicketTTL    time.Duration `yaml:"ticket_ttl"`
	ScanLimit    int           `yaml:"scan_limit"`
}

// ExpressionRule is an extra CEL destruction condition.
type ExpressionRule struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
}

type ReleaseConfig struct {
	TransferServices []string         `yaml:"transfer_services"`
	Expressions      []ExpressionRule `yaml:"expressions"`
	WatermarkModule  string           `yaml:"watermark_module"`
	WatermarkTimeout time.Duration    `yaml:"watermark_timeout"`
	WatermarkMemory  uint64           `yaml:"watermark_memory_bytes"`
}

type APIConfig struct {
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	MaxUploadBytes  int64   `yaml:"max_upload_bytes"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:     "8080",
		LogLevel: "INFO",
		DataDir:  "data",
		Artifacts: artifacts.Config{
			Type: artifacts.StoreTypeFS,
		},
		Ledger: LedgerConfig{
			RPCEndpoint:    "https://api.devnet.solana.com",
			Commitment:     "confirmed",
			RequestsPerSec: 5,
			Burst:          10,
			Timeout:        10 * time.Second,
		},
		Purchase: PurchaseConfig{
			PollInterval: 2 * time.Second,
			Deadline:     5 * time.Minute,
			Retention:    time.Hour,
			TicketTTL:    5 * time.Minute,
			ScanLimit:    20,
		},
		Release: ReleaseConfig{
			WatermarkTimeout: 10 * time.Second,
			WatermarkMemory:  64 << 20,
		},
		API: APIConfig{
			RateLimitPerSec: 10,
			RateLimitBurst:  20,
			MaxUploadBytes:  64 << 20,
		},
		Telemetry: observability.DefaultConfig(),
	}
}

// Load builds a Config from defaults, the YAML file at path (if any) and the
// environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.KeystorePath == "" {
		cfg.KeystorePath = filepath.Join(cfg.DataDir, "custody.key")
	}
	if cfg.Artifacts.DataDir == "" {
		cfg.Artifacts.DataDir = cfg.DataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.DataDir, "DATA_DIR")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.KeystorePath, "FOXILES_KEYSTORE")
	setString(&c.Ledger.RPCEndpoint, "FOXILES_RPC_URL")
	setString(&c.Release.WatermarkModule, "FOXILES_WATERMARK_MODULE")

	if v := os.Getenv("FOXILES_DEV"); v != "" {
		c.Dev = v == "true" || v == "1"
	}
	if v := os.Getenv("FOXILES_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.Enabled = true
	}

	for name, dst := range map[string]*time.Duration{
		"FOXILES_POLL_INTERVAL":     &c.Purchase.PollInterval,
		"FOXILES_PURCHASE_DEADLINE": &c.Purchase.Deadline,
		"FOXILES_TICKET_TTL":        &c.Purchase.TicketTTL,
	} {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", name, err)
			}
			*dst = d
		}
	}
	if v := os.Getenv("FOXILES_RPC_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: FOXILES_RPC_RPS: %w", err)
		}
		c.Ledger.RequestsPerSec = rps
	}

	env := artifacts.ConfigFromEnv()
	if env.Type != "" {
		c.Artifacts.Type = env.Type
	}
	if env.DataDir != "" {
		c.Artifacts.DataDir = env.DataDir
	}
	mergeString(&c.Artifacts.S3.Bucket, env.S3.Bucket)
	mergeString(&c.Artifacts.S3.Region, env.S3.Region)
	mergeString(&c.Artifacts.S3.Endpoint, env.S3.Endpoint)
	mergeString(&c.Artifacts.S3.Prefix, env.S3.Prefix)
	mergeString(&c.Artifacts.GCS.Bucket, env.GCS.Bucket)
	mergeString(&c.Artifacts.GCS.Prefix, env.GCS.Prefix)
	return nil
}

func setString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Purchase.PollInterval <= 0 {
		errs = append(errs, errors.New("purchase.poll_interval must be positive"))
	}
	if c.Purchase.Deadline < c.Purchase.PollInterval {
		errs = append(errs, errors.New("purchase.deadline must be at least one poll interval"))
	}
	if c.Purchase.TicketTTL <= 0 {
		errs = append(errs, errors.New("purchase.ticket_ttl must be positive"))
	}
	if c.Purchase.ScanLimit <= 0 || c.Purchase.ScanLimit > 1000 {
		errs = append(errs, errors.New("purchase.scan_limit must be in 1..1000"))
	}
	if !c.Dev && c.Ledger.RPCEndpoint == "" {
		errs = append(errs, errors.New("ledger.rpc_endpoint is required outside dev mode"))
	}
	if c.Ledger.RequestsPerSec <= 0 {
		errs = append(errs, errors.New("ledger.requests_per_sec must be positive"))
	}
	switch c.Ledger.Commitment {
	case "confirmed", "finalized":
	default:
		errs = append(errs, fmt.Errorf("ledger.commitment %q must be confirmed or finalized", c.Ledger.Commitment))
	}
	if c.API.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("api.max_upload_bytes must be positive"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: %w", s, err)
	}
	return l, nil
}
