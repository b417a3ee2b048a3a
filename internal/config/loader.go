package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "LEDGERMARKET_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LEDGERMARKET_* environment variable overrides,
// and returns the final Config. An empty path skips the file. The returned
// Config has NOT been validated; the caller should invoke Config.Validate()
// after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LEDGERMARKET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, envPrefix+"WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, envPrefix+"WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, envPrefix+"WALLET_KEY_PASSWORD")

	// ── Clearnode ──
	setStr(&cfg.Clearnode.WSURL, envPrefix+"CLEARNODE_WS_URL")
	setStr(&cfg.Clearnode.Application, envPrefix+"CLEARNODE_APPLICATION")
	setStr(&cfg.Clearnode.Scope, envPrefix+"CLEARNODE_SCOPE")
	setDuration(&cfg.Clearnode.SessionTTL, envPrefix+"CLEARNODE_SESSION_TTL")
	setDuration(&cfg.Clearnode.QueryTimeout, envPrefix+"CLEARNODE_QUERY_TIMEOUT")
	setDuration(&cfg.Clearnode.RequestTimeout, envPrefix+"CLEARNODE_REQUEST_TIMEOUT")
	setDuration(&cfg.Clearnode.ChainTimeout, envPrefix+"CLEARNODE_CHAIN_TIMEOUT")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, envPrefix+"CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, envPrefix+"CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.Custody, envPrefix+"CHAIN_CUSTODY")
	setStr(&cfg.Chain.Adjudicator, envPrefix+"CHAIN_ADJUDICATOR")
	setStr(&cfg.Chain.Token, envPrefix+"CHAIN_TOKEN")
	setStr(&cfg.Chain.Asset, envPrefix+"CHAIN_ASSET")
	setInt32(&cfg.Chain.Decimals, envPrefix+"CHAIN_DECIMALS")
	setStr(&cfg.Chain.DepositAmount, envPrefix+"CHAIN_DEPOSIT_AMOUNT")

	// ── Market ──
	setInt64(&cfg.Market.DefaultB, envPrefix+"MARKET_DEFAULT_B")
	setStr(&cfg.Market.TreasuryKey, envPrefix+"MARKET_TREASURY_KEY")
	setInt(&cfg.Market.RateLimit, envPrefix+"MARKET_RATE_LIMIT")
	setDuration(&cfg.Market.RateWindow, envPrefix+"MARKET_RATE_WINDOW")
	setStr(&cfg.Market.ReplayFrom, envPrefix+"MARKET_REPLAY_FROM")

	// ── Supabase ──
	setBool(&cfg.Supabase.Enabled, envPrefix+"SUPABASE_ENABLED")
	setStr(&cfg.Supabase.DSN, envPrefix+"SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, envPrefix+"SUPABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, envPrefix+"SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, envPrefix+"SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, envPrefix+"SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, envPrefix+"SUPABASE_USER")
	setStr(&cfg.Supabase.Password, envPrefix+"SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, envPrefix+"SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, envPrefix+"SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, envPrefix+"SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, envPrefix+"SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, envPrefix+"REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, envPrefix+"REDIS_ADDR")
	setStr(&cfg.Redis.Password, envPrefix+"REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, envPrefix+"REDIS_DB")
	setInt(&cfg.Redis.PoolSize, envPrefix+"REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, envPrefix+"REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, envPrefix+"REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, envPrefix+"REDIS_NAMESPACE")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, envPrefix+"S3_ENABLED")
	setStr(&cfg.S3.Endpoint, envPrefix+"S3_ENDPOINT")
	setStr(&cfg.S3.Region, envPrefix+"S3_REGION")
	setStr(&cfg.S3.Bucket, envPrefix+"S3_BUCKET")
	setStr(&cfg.S3.Prefix, envPrefix+"S3_PREFIX")
	setStr(&cfg.S3.AccessKey, envPrefix+"S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, envPrefix+"S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, envPrefix+"S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, envPrefix+"S3_FORCE_PATH_STYLE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, envPrefix+"NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, envPrefix+"NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, envPrefix+"NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, envPrefix+"NOTIFY_EVENTS")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, envPrefix+"METRICS_ENABLED")
	setStr(&cfg.Metrics.Addr, envPrefix+"METRICS_ADDR")
	setStr(&cfg.Metrics.Path, envPrefix+"METRICS_PATH")

	// ── Top-level ──
	setStr(&cfg.Mode, envPrefix+"MODE")
	setStr(&cfg.LogLevel, envPrefix+"LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
