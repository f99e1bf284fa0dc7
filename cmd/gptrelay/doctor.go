package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gptrelay/internal/channel"
	"gptrelay/internal/config"
	"gptrelay/internal/provider"

	"github.com/spf13/cobra"
)

const doctorTimeout = 15 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your gptrelay setup",
		Long: `Verifies that the configuration is valid and that both the OpenAI API
and the Telegram Bot API accept the configured credentials.
Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("gptrelay doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file (optional: environment alone is enough)
			if _, err := os.Stat(config.ExpandPath(cfgPath)); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s, using environment only", cfgPath))
				warned++
			} else {
				printPass("Config file", cfgPath)
				passed++
			}

			// 2. Config loads and validates
			cfg, err := config.Load(configPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d warnings, %d failed\n", passed, warned, failed)
				return fmt.Errorf("%d check(s) failed", failed)
			}
			printPass("Config validation", "valid")
			passed++

			ctx, cancel := context.WithTimeout(cmd.Context(), doctorTimeout)
			defer cancel()

			// 3. Proxy
			httpClient, err := provider.NewHTTPClient(provider.HTTPClientConfig{Proxy: cfg.General.Proxy, Timeout: doctorTimeout})
			if err != nil {
				printFail("Proxy", err.Error())
				failed++
			} else {
				if cfg.General.Proxy != "" {
					printPass("Proxy", config.Sanitize(cfg).General.Proxy)
				} else {
					printPass("Proxy", "direct connection")
				}
				passed++
			}

			if httpClient != nil {
				// 4. OpenAI reachable and key accepted
				gpt := provider.NewOpenAI(provider.OpenAIConfig{
					APIKey:     cfg.OpenAI.APIKey,
					BaseURL:    cfg.OpenAI.BaseURL,
					Model:      cfg.OpenAI.Model,
					HTTPClient: httpClient,
					Logger:     logger,
				})
				if err := gpt.Healthy(ctx); err != nil {
					printFail("OpenAI", err.Error())
					failed++
				} else {
					printPass("OpenAI", fmt.Sprintf("reachable, model %s", gpt.Model()))
					passed++
				}

				// 5. Telegram token accepted
				tg := channel.NewTelegram(channel.TelegramConfig{
					Token:      cfg.Telegram.Token,
					HTTPClient: httpClient,
					Logger:     logger,
				})
				if err := tg.Connect(ctx); err != nil {
					printFail("Telegram", err.Error())
					failed++
				} else {
					printPass("Telegram", "@"+tg.Username())
					passed++
				}
			}

			// 6. Metrics port
			if cfg.General.MetricsAddr != "" {
				if err := checkAddr(cfg.General.MetricsAddr); err != nil {
					printWarn("Metrics address", fmt.Sprintf("%s may be in use: %v", cfg.General.MetricsAddr, err))
					warned++
				} else {
					printPass("Metrics address", cfg.General.MetricsAddr+" available")
					passed++
				}
			}

			// 7. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running gptrelay.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\ngptrelay should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! gptrelay is ready to run.\n")
			}
			return nil
		},
	}
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
