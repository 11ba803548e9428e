// Package config loads the node configuration from YAML files and
// MESHDEX_-prefixed environment variables, applies defaults, and validates
// the result before anything else starts.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/meshdex/meshdex/internal/models"
)

// Transport selects the gossip backend.
const (
	TransportMemory = "memory"
	TransportKafka  = "kafka"
)

// Storage selects the blob backend.
const (
	StorageFile   = "file"
	StorageBadger = "badger"
)

// Config is the full node configuration.
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Transport TransportConfig `mapstructure:"transport"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Markets   []MarketEntry   `mapstructure:"markets"`
	Funds     []FundEntry     `mapstructure:"maker_funds"`
}

// NodeConfig identifies the local participant.
type NodeConfig struct {
	PeerID      string `mapstructure:"peer_id" validate:"required"`
	PolicyGroup string `mapstructure:"policy_group" validate:"required"`
	// SignerSeedHex, when set, restores a fixed Ed25519 identity. Empty
	// generates a fresh key on boot.
	SignerSeedHex string `mapstructure:"signer_seed_hex"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// StorageConfig selects and locates the blob store.
type StorageConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=file badger"`
	DataDir string `mapstructure:"data_dir" validate:"required"`
}

// TransportConfig selects the gossip backend.
type TransportConfig struct {
	Backend string   `mapstructure:"backend" validate:"oneof=memory kafka"`
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

// LedgerConfig points at the settlement ledger gateway.
type LedgerConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Fake swaps in the in-memory gateway for local runs.
	Fake bool `mapstructure:"fake"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// MarketEntry overrides one market definition. Decimal fields are strings so
// YAML and env values round-trip exactly.
type MarketEntry struct {
	MarketID            string `mapstructure:"market_id" validate:"required"`
	BaseAsset           string `mapstructure:"base_asset" validate:"required"`
	QuoteAsset          string `mapstructure:"quote_asset" validate:"required"`
	AssetID             string `mapstructure:"asset_id" validate:"required"`
	TickSize            string `mapstructure:"tick_size" validate:"required"`
	LotSize             string `mapstructure:"lot_size" validate:"required"`
	FallbackSlippageBps int64  `mapstructure:"fallback_slippage_bps"`
}

// FundEntry overrides one maker fund.
type FundEntry struct {
	AssetCode     string   `mapstructure:"asset_code" validate:"required"`
	AssetID       string   `mapstructure:"asset_id"`
	DailyLimit    string   `mapstructure:"daily_limit" validate:"required"`
	BaseSpreadBps int64    `mapstructure:"base_spread_bps"`
	MaxSpreadBps  int64    `mapstructure:"max_spread_bps"`
	MarketPairs   []string `mapstructure:"market_pairs"`
}

// Load reads configuration from the given paths, merging later files over
// earlier ones, then environment variables over both.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("MESHDEX")

	setDefaults(v)

	if len(paths) == 0 {
		paths = []string{"./meshdex.yaml", "./configs/meshdex.yaml", "/etc/meshdex/meshdex.yaml"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.peer_id", defaultPeerID())
	v.SetDefault("node.policy_group", "default")
	v.SetDefault("logging.level", "info")
	v.SetDefault("storage.backend", StorageFile)
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("transport.backend", TransportMemory)
	v.SetDefault("transport.group_id", "meshdex")
	v.SetDefault("ledger.base_url", "http://localhost:7545")
	v.SetDefault("ledger.timeout", 10*time.Second)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":9464")
}

func defaultPeerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "meshdex-node"
	}
	return "meshdex-" + host
}

// Validate checks structural soundness plus the cross-field rules viper tags
// cannot express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if cfg.Transport.Backend == TransportKafka && len(cfg.Transport.Brokers) == 0 {
		return fmt.Errorf("kafka transport requires at least one broker")
	}
	if !cfg.Ledger.Fake && cfg.Ledger.BaseURL == "" {
		return fmt.Errorf("ledger base_url required unless the fake gateway is enabled")
	}
	if _, err := cfg.MarketConfigs(); err != nil {
		return err
	}
	if _, err := cfg.MakerFunds(); err != nil {
		return err
	}
	return nil
}

// MarketConfigs converts the configured market entries. An empty list means
// the built-in market set.
func (c *Config) MarketConfigs() ([]models.MarketConfig, error) {
	if len(c.Markets) == 0 {
		return nil, nil
	}
	out := make([]models.MarketConfig, 0, len(c.Markets))
	for _, entry := range c.Markets {
		tick, err := decimal.NewFromString(entry.TickSize)
		if err != nil {
			return nil, fmt.Errorf("market %s tick_size: %w", entry.MarketID, err)
		}
		lot, err := decimal.NewFromString(entry.LotSize)
		if err != nil {
			return nil, fmt.Errorf("market %s lot_size: %w", entry.MarketID, err)
		}
		out = append(out, models.MarketConfig{
			MarketID:            entry.MarketID,
			BaseAsset:           entry.BaseAsset,
			QuoteAsset:          entry.QuoteAsset,
			Symbol:              strings.ReplaceAll(entry.MarketID, "-", "/"),
			AssetID:             entry.AssetID,
			TickSize:            tick,
			LotSize:             lot,
			FallbackSlippageBps: entry.FallbackSlippageBps,
		})
	}
	return out, nil
}

// MakerFunds converts the configured fund entries. An empty list means the
// built-in funds.
func (c *Config) MakerFunds() ([]models.MakerFundConfig, error) {
	if len(c.Funds) == 0 {
		return nil, nil
	}
	out := make([]models.MakerFundConfig, 0, len(c.Funds))
	for _, entry := range c.Funds {
		limit, err := decimal.NewFromString(entry.DailyLimit)
		if err != nil {
			return nil, fmt.Errorf("fund %s daily_limit: %w", entry.AssetCode, err)
		}
		out = append(out, models.MakerFundConfig{
			AssetCode:     entry.AssetCode,
			AssetID:       entry.AssetID,
			DailyLimit:    limit,
			BaseSpreadBps: entry.BaseSpreadBps,
			MaxSpreadBps:  entry.MaxSpreadBps,
			MarketPairs:   entry.MarketPairs,
		})
	}
	return out, nil
}
