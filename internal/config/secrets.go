package config

import "slices"

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Redis
	redact(&out.Redis.Password)

	// Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Slices are cloned so the redacted copy shares no backing arrays.
	out.Stream.Markets = slices.Clone(cfg.Stream.Markets)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
