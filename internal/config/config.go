// Package config defines the top-level configuration for the ledger market
// engine and provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
	"github.com/alanyoungcy/ledgermarket/internal/units"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LEDGERMARKET_* environment variables.
type Config struct {
	Wallet    WalletConfig    `toml:"wallet"`
	Clearnode ClearnodeConfig `toml:"clearnode"`
	Chain     ChainConfig     `toml:"chain"`
	Market    MarketConfig    `toml:"market"`
	Supabase  SupabaseConfig  `toml:"supabase"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Notify    NotifyConfig    `toml:"notify"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// WalletConfig holds the participant's Ethereum wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ClearnodeConfig holds the clearing node endpoint and session parameters.
type ClearnodeConfig struct {
	WSURL          string            `toml:"ws_url"`
	Application    string            `toml:"application"`
	Scope          string            `toml:"scope"`
	SessionTTL     duration          `toml:"session_ttl"`
	Allowances     []AllowanceConfig `toml:"allowances"`
	QueryTimeout   duration          `toml:"query_timeout"`
	RequestTimeout duration          `toml:"request_timeout"`
	ChainTimeout   duration          `toml:"chain_timeout"`
}

// AllowanceConfig caps spending of one asset by the session key. Amount is a
// display amount in the chain's token decimals, e.g. "100.5".
type AllowanceConfig struct {
	Asset  string `toml:"asset"`
	Amount string `toml:"amount"`
}

// ChainConfig holds the settlement chain and custody contract parameters.
type ChainConfig struct {
	RPCURL        string `toml:"rpc_url"`
	ChainID       int64  `toml:"chain_id"`
	Custody       string `toml:"custody"`
	Adjudicator   string `toml:"adjudicator"`
	Token         string `toml:"token"`
	Asset         string `toml:"asset"`
	Decimals      int32  `toml:"decimals"`
	DepositAmount string `toml:"deposit_amount"` // display units; "0" skips deposits
}

// MarketConfig holds settlement engine parameters.
type MarketConfig struct {
	DefaultB int64 `toml:"default_b"` // raw units
	// TreasuryKey is the private key of the session that holds market
	// collateral, pays sell refunds and resolution payouts.
	TreasuryKey string   `toml:"treasury_key"`
	RateLimit   int      `toml:"rate_limit"` // trade requests per participant per window; 0 disables
	RateWindow  duration `toml:"rate_window"`
	ReplayFrom  string   `toml:"replay_from"` // stream id to start from; "$" for new requests only
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters. When
// disabled the engine keeps its books in memory.
type SupabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Namespace  string `toml:"namespace"`
}

// S3Config holds S3-compatible object storage parameters for the
// resolution archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Clearnode: ClearnodeConfig{
			WSURL:          "wss://clearnet-sandbox.yellow.com/ws",
			Application:    "ledgermarket",
			Scope:          "app.ledgermarket",
			SessionTTL:     duration{time.Hour},
			QueryTimeout:   duration{10 * time.Second},
			RequestTimeout: duration{30 * time.Second},
			ChainTimeout:   duration{2 * time.Minute},
		},
		Chain: ChainConfig{
			ChainID:       11155111,
			Asset:         "usdc",
			Decimals:      6,
			DepositAmount: "0",
		},
		Market: MarketConfig{
			DefaultB:   100_000_000,
			RateLimit:  30,
			RateWindow: duration{time.Minute},
			ReplayFrom: "$",
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Namespace:  "ledgermarket",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "ledgermarket",
			Prefix:         "",
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			Events: []string{"channel_opened", "settlement_failed", "settlement_unknown", "market_resolved", "payout_overdrawn"},
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
		Mode:     "balance",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"balance": true,
	"channel": true,
	"market":  true,
	"close":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: balance, channel, market, close)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet
	if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
		errs = append(errs, "wallet: either private_key or encrypted_key_path must be set")
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Clearnode
	if u, err := url.Parse(c.Clearnode.WSURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("clearnode: ws_url must be a ws:// or wss:// URL, got %q", c.Clearnode.WSURL))
	}
	if c.Clearnode.Application == "" {
		errs = append(errs, "clearnode: application must not be empty")
	}
	if c.Clearnode.SessionTTL.Duration <= 0 {
		errs = append(errs, "clearnode: session_ttl must be > 0")
	}
	for _, d := range []struct {
		name string
		d    duration
	}{
		{"query_timeout", c.Clearnode.QueryTimeout},
		{"request_timeout", c.Clearnode.RequestTimeout},
		{"chain_timeout", c.Clearnode.ChainTimeout},
	} {
		if d.d.Duration <= 0 {
			errs = append(errs, "clearnode: "+d.name+" must be > 0")
		}
	}
	for i, a := range c.Clearnode.Allowances {
		if a.Asset == "" {
			errs = append(errs, fmt.Sprintf("clearnode: allowances[%d].asset must not be empty", i))
		}
		if _, err := nonNegative(a.Amount, c.Chain.Decimals); err != nil {
			errs = append(errs, fmt.Sprintf("clearnode: allowances[%d].amount: %v", i, err))
		}
	}

	// Chain
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if c.Chain.Decimals < 0 || c.Chain.Decimals > 36 {
		errs = append(errs, fmt.Sprintf("chain: decimals must be 0-36, got %d", c.Chain.Decimals))
	}
	if c.Chain.Asset == "" {
		errs = append(errs, "chain: asset must not be empty")
	}
	for _, a := range [][2]string{
		{"custody", c.Chain.Custody},
		{"adjudicator", c.Chain.Adjudicator},
		{"token", c.Chain.Token},
	} {
		if a[1] != "" && !common.IsHexAddress(a[1]) {
			errs = append(errs, fmt.Sprintf("chain: %s is not an address: %q", a[0], a[1]))
		}
	}
	if _, err := c.Chain.DepositRaw(); err != nil {
		errs = append(errs, fmt.Sprintf("chain: deposit_amount: %v", err))
	}
	if mode == "channel" || mode == "close" {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url is required for mode "+mode)
		}
		if c.Chain.Custody == "" || c.Chain.Token == "" {
			errs = append(errs, "chain: custody and token are required for mode "+mode)
		}
	}

	// Market
	if c.Market.DefaultB <= 0 {
		errs = append(errs, "market: default_b must be > 0")
	}
	if c.Market.RateLimit < 0 {
		errs = append(errs, "market: rate_limit must be >= 0")
	}
	if c.Market.RateLimit > 0 && c.Market.RateWindow.Duration <= 0 {
		errs = append(errs, "market: rate_window must be > 0 when rate_limit is set")
	}
	if mode == "market" && !c.Redis.Enabled {
		errs = append(errs, "redis: must be enabled for mode market (trade requests arrive on a stream)")
	}

	// Supabase
	if c.Supabase.Enabled {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 {
			errs = append(errs, "supabase: pool_min_conns must be >= 0")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Metrics
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics: addr must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// DepositRaw returns DepositAmount in raw token units.
func (c ChainConfig) DepositRaw() (*big.Int, error) {
	return nonNegative(c.DepositAmount, c.Decimals)
}

// AllowancesRaw converts the configured session allowances to raw units
// using the chain token's decimals.
func (c *Config) AllowancesRaw() ([]domain.Allowance, error) {
	out := make([]domain.Allowance, 0, len(c.Clearnode.Allowances))
	for _, a := range c.Clearnode.Allowances {
		amount, err := nonNegative(a.Amount, c.Chain.Decimals)
		if err != nil {
			return nil, fmt.Errorf("config: allowance %s: %w", a.Asset, err)
		}
		out = append(out, domain.Allowance{Asset: a.Asset, Amount: amount})
	}
	return out, nil
}

func nonNegative(display string, decimals int32) (*big.Int, error) {
	v, err := units.FromDisplay(display, decimals)
	if err != nil {
		return nil, err
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%q must not be negative", display)
	}
	return v, nil
}
