package config

import "slices"

const redacted = "***"

// RedactedConfig returns a copy of cfg with credentials masked, for logging.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Database.DSN)
	redact(&out.Database.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Resolver.OpenFIGI.APIKey)
	redact(&out.Server.APIKey)
	redact(&out.Server.APIKeyHash)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	out.Resolver.Sources = slices.Clone(cfg.Resolver.Sources)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Notify.Statuses = slices.Clone(cfg.Notify.Statuses)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
