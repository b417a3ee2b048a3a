package config

import (
	"net/url"
	"slices"
)

const redacted = "***"

// RedactedConfig returns a copy of cfg that is safe to log: key material,
// passwords, tokens and webhook URLs are replaced with "***" and a URL form
// DSN keeps its host but loses its password.
func RedactedConfig(cfg *Config) Config {
	out := *cfg
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Clearnode.Allowances = slices.Clone(cfg.Clearnode.Allowances)

	for _, s := range []*string{
		&out.Wallet.PrivateKey,
		&out.Wallet.KeyPassword,
		&out.Market.TreasuryKey,
		&out.Supabase.Password,
		&out.Redis.Password,
		&out.S3.AccessKey,
		&out.S3.SecretKey,
		&out.Notify.TelegramToken,
		&out.Notify.DiscordWebhookURL,
	} {
		if *s != "" {
			*s = redacted
		}
	}
	out.Supabase.DSN = redactDSN(out.Supabase.DSN)
	return out
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return redacted
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), redacted)
	}
	return u.String()
}
