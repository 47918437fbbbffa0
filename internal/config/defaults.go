package config

// Defaults returns a config pre-filled with workable defaults. Secrets
// come from the environment through ${VAR} references in the config file.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        3000,
			WebhookPath: "/webhook",
			Metrics:     true,
		},
		WhatsApp: WhatsAppConfig{
			SendRate:  10,
			SendBurst: 20,
		},
		Dialogflow: DialogflowConfig{
			LanguageCode: "en-US",
		},
		Google: GoogleConfig{
			Scopes: []string{
				"https://www.googleapis.com/auth/cloud-platform",
				"https://www.googleapis.com/auth/spreadsheets",
			},
		},
		Audit: AuditConfig{
			Enabled: true,
			Range:   "Logs!A:D",
		},
		Dedupe: DedupeConfig{
			Enabled: true,
			DBPath:  "~/.relaybot/dedupe.db",
			TTLDays: 7,
		},
		Timeouts: TimeoutsConfig{
			Credential: 10,
			Intent:     15,
			Delivery:   15,
			Audit:      10,
		},
		LogLevel: "info",
	}
}
