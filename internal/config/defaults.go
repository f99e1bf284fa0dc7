package config

import "time"

// TelegramMaxMessageLength is the platform's hard limit for one text message.
const TelegramMaxMessageLength = 4096

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		OpenAI: OpenAIConfig{
			Model:       "gpt-3.5-turbo",
			Temperature: 1.0,
			Choices:     1,
		},
		Telegram: TelegramConfig{
			PollTimeout: 30,
		},
		Relay: RelayConfig{
			EnableQuoting:        true,
			TypingInterval:       4500 * time.Millisecond,
			MaxMessageLength:     TelegramMaxMessageLength,
			MaxConcurrentUpdates: 64,
			DrainTimeout:         30 * time.Second,
		},
	}
}
