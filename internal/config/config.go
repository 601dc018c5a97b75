// Package config loads the server configuration from flags, environment
// variables (prefix HUBSWAP_) and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/atmx/hubswap-engine/internal/fixed"
	"github.com/atmx/hubswap-engine/internal/model"
)

// Config is the validated server configuration.
type Config struct {
	Port        string
	DatabaseURL string // empty selects the in-memory store
	RedisURL    string // only used together with DatabaseURL
	CacheTTL    time.Duration
	LogLevel    string

	HubAssetID  model.AssetID
	AssetFee    fixed.Permill
	ProtocolFee fixed.Permill

	// Amplification ramps are expressed in blocks derived from wall-clock
	// time since GenesisTime. Ramps are persisted with absolute block
	// numbers, so a persistent store needs a fixed GenesisTime.
	BlockTime   time.Duration
	GenesisTime time.Time
}

// RegisterFlags adds every configuration key to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("port", "8080", "HTTP listen port")
	fs.String("database-url", "", "PostgreSQL connection string (in-memory store when empty)")
	fs.String("redis-url", "", "Redis URL for the state read cache")
	fs.Duration("cache-ttl", 30*time.Second, "Redis cache TTL")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Uint32("hub-asset-id", 1, "asset id of the hub asset")
	fs.String("asset-fee", "0.0025", "hub pool asset fee as a fraction")
	fs.String("protocol-fee", "0.0005", "hub pool protocol fee as a fraction")
	fs.Duration("block-time", 6*time.Second, "duration of one block for amplification ramps")
	fs.String("genesis-time", "", "RFC3339 time of block 0 (required with database-url, process start otherwise)")
}

// Load merges the config file, environment variables and flags.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HUBSWAP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("cache-ttl", 30*time.Second)
	v.SetDefault("log-level", "info")
	v.SetDefault("hub-asset-id", 1)
	v.SetDefault("asset-fee", "0.0025")
	v.SetDefault("protocol-fee", "0.0005")
	v.SetDefault("block-time", 6*time.Second)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	assetFee, err := parseFee(v.GetString("asset-fee"))
	if err != nil {
		return Config{}, fmt.Errorf("asset-fee: %w", err)
	}
	protocolFee, err := parseFee(v.GetString("protocol-fee"))
	if err != nil {
		return Config{}, fmt.Errorf("protocol-fee: %w", err)
	}

	var genesis time.Time
	if s := v.GetString("genesis-time"); s != "" {
		if genesis, err = time.Parse(time.RFC3339, s); err != nil {
			return Config{}, fmt.Errorf("genesis-time: %w", err)
		}
	} else if v.GetString("database-url") == "" {
		genesis = time.Now().UTC()
	}

	cfg := Config{
		Port:        v.GetString("port"),
		DatabaseURL: v.GetString("database-url"),
		RedisURL:    v.GetString("redis-url"),
		CacheTTL:    v.GetDuration("cache-ttl"),
		LogLevel:    v.GetString("log-level"),
		HubAssetID:  model.AssetID(v.GetUint32("hub-asset-id")),
		AssetFee:    assetFee,
		ProtocolFee: protocolFee,
		BlockTime:   v.GetDuration("block-time"),
		GenesisTime: genesis,
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if c.HubAssetID == 0 {
		return errors.New("hub-asset-id must be non-zero")
	}
	if c.BlockTime <= 0 {
		return errors.New("block-time must be positive")
	}
	if c.RedisURL != "" && c.DatabaseURL == "" {
		return errors.New("redis-url requires database-url")
	}
	if c.DatabaseURL != "" && c.GenesisTime.IsZero() {
		return errors.New("genesis-time is required with database-url")
	}
	return nil
}

// parseFee converts a fraction such as "0.0025" to parts per million.
func parseFee(s string) (fixed.Permill, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return 0, fmt.Errorf("fee %s outside [0, 1]", s)
	}
	ppm := d.Shift(6)
	if !ppm.Equal(ppm.Truncate(0)) {
		return 0, fmt.Errorf("fee %s is finer than one part per million", s)
	}
	return fixed.Permill(ppm.IntPart()), nil
}
