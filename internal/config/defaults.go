package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:        "info",
			DefaultProvider: "openai",
			DefaultModule:   "support",
			HistoryLimit:    50,
			MaxConcurrent:   5,
		},
		Clinic: ClinicConfig{
			ID:       "default",
			Name:     "Clinic",
			Timezone: "America/Sao_Paulo",
			Locale:   "en",
		},
		Providers: map[string]ProviderConfig{
			"openai": {
				Enabled:      true,
				APIKey:       "${OPENAI_API_KEY}",
				DefaultModel: "gpt-4o-mini",
			},
			"anthropic": {
				Enabled:      false,
				APIKey:       "${ANTHROPIC_API_KEY}",
				DefaultModel: "claude-3-5-sonnet-20241022",
			},
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				Enabled:     false,
				WebhookPath: "/webhook/whatsapp",
				ListenAddr:  ":8080",
			},
			Telegram: TelegramConfig{
				Enabled: false,
			},
		},
		Delivery: DeliveryConfig{
			BusinessHoursStart: "08:00",
			BusinessHoursEnd:   "19:00",
			ClosedWeekdays:     []string{"sunday"},
			DailyMessageCap:    3,
			SweepSchedule:      "@every 1m",
			SweepMaxAttempts:   3,
		},
		Store: StoreConfig{
			DBPath: "~/.carelink/carelink.db",
		},
	}
}
