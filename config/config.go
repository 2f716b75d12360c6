package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures runtime configuration for the gateway daemon.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`

	// Storage DSN. sqlite file path by default; postgres:// or key=value
	// form selects the postgres driver.
	DatabaseDSN string `toml:"DatabaseDSN"`

	// Ledger connectivity.
	RPCURL          string `toml:"RPCURL"`
	ChainID         uint64 `toml:"ChainID"`
	ContractAddress string `toml:"ContractAddress"`
	RunnerKeyEnv    string `toml:"RunnerKeyEnv"`

	// Profile service used by /auth/verify.
	ProfileServiceURL string `toml:"ProfileServiceURL"`

	// JWT signing.
	JWTSecretEnv string        `toml:"JWTSecretEnv"`
	JWTTTL       duration      `toml:"JWTTTL"`

	// Admission rate limit: ceiling per caller over the trailing window.
	RateLimitMax    int      `toml:"RateLimitMax"`
	RateLimitWindow duration `toml:"RateLimitWindow"`

	// Worker cadence.
	WorkerInterval duration `toml:"WorkerInterval"`
	WorkerBatch    int      `toml:"WorkerBatch"`

	// Receipt reconciliation.
	ReceiptPolls        int      `toml:"ReceiptPolls"`
	ReceiptPollInterval duration `toml:"ReceiptPollInterval"`

	// Reconciliation report output directory.
	ReportDir string `toml:"ReportDir"`

	// Logging.
	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`
	LogMaxAgeDays int    `toml:"LogMaxAgeDays"`

	// Telemetry.
	OTLPEndpoint string `toml:"OTLPEndpoint"`
	OTLPHeaders  string `toml:"OTLPHeaders"`
	OTLPInsecure bool   `toml:"OTLPInsecure"`
	TracesOn     bool   `toml:"TracesOn"`
}

// duration wraps time.Duration for TOML decoding of "5s" style strings.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load reads configuration from path, creating a default file when none
// exists, then applies DGW_ environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := persist(path, cfg); err != nil {
			return nil, err
		}
	} else {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a configuration without a file, for containerised deploys.
func FromEnv() (*Config, error) {
	cfg := defaults()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddress:       ":8084",
		Environment:         "dev",
		DatabaseDSN:         "./gated.db",
		ChainID:             10143,
		RunnerKeyEnv:        "DGW_RUNNER_KEY",
		JWTSecretEnv:        "DGW_JWT_SECRET",
		JWTTTL:              duration{24 * time.Hour},
		RateLimitMax:        10,
		RateLimitWindow:     duration{time.Hour},
		WorkerInterval:      duration{5 * time.Second},
		WorkerBatch:         5,
		ReceiptPolls:        15,
		ReceiptPollInterval: duration{2 * time.Second},
		ReportDir:           "./reports",
		LogMaxSizeMB:        100,
		LogMaxBackups:       5,
		LogMaxAgeDays:       30,
	}
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create dir %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"DGW_LISTEN":        &cfg.ListenAddress,
		"DGW_ENV":           &cfg.Environment,
		"DGW_DB_DSN":        &cfg.DatabaseDSN,
		"DGW_RPC_URL":       &cfg.RPCURL,
		"DGW_CONTRACT":      &cfg.ContractAddress,
		"DGW_PROFILE_URL":   &cfg.ProfileServiceURL,
		"DGW_REPORT_DIR":    &cfg.ReportDir,
		"DGW_LOG_FILE":      &cfg.LogFile,
		"DGW_OTLP_ENDPOINT": &cfg.OTLPEndpoint,
		"DGW_OTLP_HEADERS":  &cfg.OTLPHeaders,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"DGW_RATE_LIMIT_MAX": &cfg.RateLimitMax,
		"DGW_WORKER_BATCH":   &cfg.WorkerBatch,
		"DGW_RECEIPT_POLLS":  &cfg.ReceiptPolls,
	}
	for key, dst := range ints {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		val, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("config: parse %s: %w", key, err)
		}
		*dst = val
	}

	durs := map[string]*duration{
		"DGW_RATE_LIMIT_WINDOW": &cfg.RateLimitWindow,
		"DGW_WORKER_INTERVAL":   &cfg.WorkerInterval,
		"DGW_RECEIPT_INTERVAL":  &cfg.ReceiptPollInterval,
		"DGW_JWT_TTL":           &cfg.JWTTTL,
	}
	for key, dst := range durs {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: parse %s: %w", key, err)
		}
		dst.Duration = parsed
	}

	if raw := strings.TrimSpace(os.Getenv("DGW_CHAIN_ID")); raw != "" {
		val, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("config: parse DGW_CHAIN_ID: %w", err)
		}
		cfg.ChainID = val
	}
	return nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.RPCURL) == "" {
		return errors.New("config: RPCURL is required")
	}
	if strings.TrimSpace(c.ContractAddress) == "" {
		return errors.New("config: ContractAddress is required")
	}
	if strings.TrimSpace(c.ProfileServiceURL) == "" {
		return errors.New("config: ProfileServiceURL is required")
	}
	if c.RateLimitMax <= 0 {
		return errors.New("config: RateLimitMax must be positive")
	}
	if c.RateLimitWindow.Duration <= 0 {
		return errors.New("config: RateLimitWindow must be positive")
	}
	if c.WorkerBatch <= 0 {
		return errors.New("config: WorkerBatch must be positive")
	}
	if c.WorkerInterval.Duration <= 0 {
		return errors.New("config: WorkerInterval must be positive")
	}
	if c.ReceiptPolls <= 0 {
		return errors.New("config: ReceiptPolls must be positive")
	}
	return nil
}

// RunnerKey resolves the hot wallet key from the configured env var. Empty
// means read-only mode.
func (c *Config) RunnerKey() string {
	return strings.TrimSpace(os.Getenv(c.RunnerKeyEnv))
}

// JWTSecret resolves the token signing secret from the configured env var.
func (c *Config) JWTSecret() string {
	return strings.TrimSpace(os.Getenv(c.JWTSecretEnv))
}
