// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config is shared by every binary. Each binary checks the groups it needs
// with the Require* methods.
type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	EthRPCURL            string        `mapstructure:"ETH_RPC_URL"`
	ChainID              int64         `mapstructure:"CHAIN_ID"`
	RegistrationContract string        `mapstructure:"REGISTRATION_CONTRACT"`
	PrescriptionContract string        `mapstructure:"PRESCRIPTION_CONTRACT"`
	LedgerSignerKeys     []string      `mapstructure:"LEDGER_SIGNER_KEYS"`
	LedgerOperator       string        `mapstructure:"LEDGER_OPERATOR"`
	LedgerMineTimeout    time.Duration `mapstructure:"LEDGER_MINE_TIMEOUT"`

	IPFSAPIURL           string        `mapstructure:"IPFS_API_URL"`
	ContentTimeout       time.Duration `mapstructure:"CONTENT_TIMEOUT"`
	ContentEncryptionKey string        `mapstructure:"CONTENT_ENCRYPTION_KEY"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	KafkaBrokers       []string `mapstructure:"KAFKA_BROKERS"`
	KafkaConsumerGroup string   `mapstructure:"KAFKA_CONSUMER_GROUP"`

	JournalPath       string        `mapstructure:"JOURNAL_PATH"`
	ReconcileInterval time.Duration `mapstructure:"RECONCILE_INTERVAL"`
	IndexWriteTimeout time.Duration `mapstructure:"INDEX_WRITE_TIMEOUT"`
	RepairOnList      bool          `mapstructure:"REPAIR_ON_LIST"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "CORS_ORIGINS",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"ETH_RPC_URL", "CHAIN_ID", "REGISTRATION_CONTRACT", "PRESCRIPTION_CONTRACT",
	"LEDGER_SIGNER_KEYS", "LEDGER_OPERATOR", "LEDGER_MINE_TIMEOUT",
	"IPFS_API_URL", "CONTENT_TIMEOUT", "CONTENT_ENCRYPTION_KEY",
	"JWT_SECRET",
	"KAFKA_BROKERS", "KAFKA_CONSUMER_GROUP",
	"JOURNAL_PATH", "RECONCILE_INTERVAL", "INDEX_WRITE_TIMEOUT", "REPAIR_ON_LIST",
	"OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
}

// Load reads .env (if present) and the environment. Environment wins.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CHAIN_ID", 1337)
	v.SetDefault("LEDGER_MINE_TIMEOUT", "2m")
	v.SetDefault("IPFS_API_URL", "localhost:5001")
	v.SetDefault("CONTENT_TIMEOUT", "10s")
	v.SetDefault("KAFKA_BROKERS", "localhost:19092")
	v.SetDefault("KAFKA_CONSUMER_GROUP", "index-reconciler")
	v.SetDefault("JOURNAL_PATH", "data/journal")
	v.SetDefault("RECONCILE_INTERVAL", "30s")
	v.SetDefault("INDEX_WRITE_TIMEOUT", "5s")
	v.SetDefault("REPAIR_ON_LIST", true)
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// a missing .env is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.LedgerSignerKeys = splitList(cfg.LedgerSignerKeys)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// splitList flattens comma-separated entries and drops blanks
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// IsDev reports development mode
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction reports production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks values that are malformed regardless of which binary runs
func (c *Config) Validate() error {
	var errs []error
	switch c.Env {
	case "development", "staging", "production", "test":
	default:
		errs = append(errs, fmt.Errorf("ENV must be development, staging, production or test, got %q", c.Env))
	}
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) are inconsistent", c.DBMinConns, c.DBMaxConns))
	}
	for name, addr := range map[string]string{
		"REGISTRATION_CONTRACT": c.RegistrationContract,
		"PRESCRIPTION_CONTRACT": c.PrescriptionContract,
		"LEDGER_OPERATOR":       c.LedgerOperator,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Errorf("%s is not a hex address: %q", name, addr))
		}
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate))
	}
	if c.ContentTimeout <= 0 || c.IndexWriteTimeout <= 0 || c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("CONTENT_TIMEOUT, INDEX_WRITE_TIMEOUT and RECONCILE_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

// RequireLedger checks the settings needed to talk to the contracts
func (c *Config) RequireLedger() error {
	var errs []error
	if c.EthRPCURL == "" {
		errs = append(errs, errors.New("ETH_RPC_URL is required"))
	}
	if c.ChainID <= 0 {
		errs = append(errs, errors.New("CHAIN_ID must be positive"))
	}
	if c.RegistrationContract == "" || c.PrescriptionContract == "" {
		errs = append(errs, errors.New("REGISTRATION_CONTRACT and PRESCRIPTION_CONTRACT are required"))
	}
	return errors.Join(errs...)
}

// RequireAPI checks the settings the HTTP API needs on top of the ledger
func (c *Config) RequireAPI() error {
	var errs []error
	if err := c.RequireLedger(); err != nil {
		errs = append(errs, err)
	}
	if len(c.ContentEncryptionKey) < 16 {
		errs = append(errs, errors.New("CONTENT_ENCRYPTION_KEY must be at least 16 bytes"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	} else if c.IsProduction() && len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes in production"))
	}
	return errors.Join(errs...)
}

// RequireKafka checks the broker settings
func (c *Config) RequireKafka() error {
	if len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	return nil
}

// RegistrationAddress returns the registration contract address
func (c *Config) RegistrationAddress() common.Address {
	return common.HexToAddress(c.RegistrationContract)
}

// PrescriptionAddress returns the prescription contract address
func (c *Config) PrescriptionAddress() common.Address {
	return common.HexToAddress(c.PrescriptionContract)
}

// OperatorAddress returns the configured operator, or the zero address when
// the registry administrator should be used
func (c *Config) OperatorAddress() common.Address {
	if c.LedgerOperator == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.LedgerOperator)
}
