package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gptrelay/internal/bus"
	"gptrelay/internal/channel"
	"gptrelay/internal/config"
	"gptrelay/internal/domain"
	"gptrelay/internal/metrics"
	"gptrelay/internal/provider"
	"gptrelay/internal/relay"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Extra time on top of the long-poll timeout before a Telegram request is abandoned.
const telegramRequestSlack = 15 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the Telegram relay",
		Long:  "Polls Telegram for messages and answers them with OpenAI completions. Press Ctrl+C to stop.",
		RunE:  runRelay,
	}
}

type route int

const (
	routeIgnore route = iota
	routeHelp
	routeRelay
)

// routeFor decides what to do with an update. Plain text goes to the relay
// in any chat; /chat only in groups, where the bot may not see plain text.
// Commands mentioning another bot are never handled.
func routeFor(msg domain.InboundMessage) route {
	if msg.AddressedElsewhere {
		return routeIgnore
	}
	switch msg.Command {
	case "":
		return routeRelay
	case "help", "start":
		if msg.IsEdited {
			return routeIgnore
		}
		return routeHelp
	case "chat":
		if msg.ChatType == "group" || msg.ChatType == "supergroup" {
			return routeRelay
		}
	}
	return routeIgnore
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openaiHTTP, err := provider.NewHTTPClient(provider.HTTPClientConfig{Proxy: cfg.General.Proxy})
	if err != nil {
		return fmt.Errorf("openai http client: %w", err)
	}
	telegramHTTP, err := provider.NewHTTPClient(provider.HTTPClientConfig{
		Proxy:   cfg.General.Proxy,
		Timeout: time.Duration(cfg.Telegram.PollTimeout)*time.Second + telegramRequestSlack,
	})
	if err != nil {
		return fmt.Errorf("telegram http client: %w", err)
	}

	gpt := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		Temperature: cfg.OpenAI.Temperature,
		Choices:     cfg.OpenAI.Choices,
		Timeout:     cfg.OpenAI.Timeout,
		HTTPClient:  openaiHTTP,
		Logger:      logger,
	})

	telegramCh := channel.NewTelegram(channel.TelegramConfig{
		Token:       cfg.Telegram.Token,
		HTTPClient:  telegramHTTP,
		PollTimeout: cfg.Telegram.PollTimeout,
		Logger:      logger,
	})
	if err := telegramCh.Connect(ctx); err != nil {
		return err
	}
	if err := telegramCh.RegisterCommands(ctx); err != nil {
		logger.Warn("command registration failed", "err", err)
	}

	relayer := relay.New(relay.Config{
		Completer:        gpt,
		Messenger:        telegramCh,
		Logger:           logger,
		TypingInterval:   cfg.Relay.TypingInterval,
		MaxMessageLength: cfg.Relay.MaxMessageLength,
		EnableQuoting:    cfg.Relay.EnableQuoting,
	})

	dispatcher := bus.New(bus.Config{
		Handler:       newHandler(telegramCh, relayer),
		MaxConcurrent: cfg.Relay.MaxConcurrentUpdates,
		DrainTimeout:  cfg.Relay.DrainTimeout,
		Logger:        logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer dispatcher.Close()
		return telegramCh.Start(gctx, dispatcher)
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return telegramCh.Stop()
	})
	if cfg.General.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.General.MetricsAddr, metrics.Collector)
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", cfg.General.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("gptrelay started. Press Ctrl+C to stop.",
		"version", version,
		"bot", telegramCh.Username(),
		"model", gpt.Model(),
		"quoting", cfg.Relay.EnableQuoting,
	)

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// helpSender answers /help and /start; satisfied by *channel.Telegram.
type helpSender interface {
	SendHelp(ctx context.Context, msg domain.InboundMessage) error
}

type handler interface {
	Handle(ctx context.Context, msg domain.InboundMessage)
}

func newHandler(help helpSender, rl handler) bus.Handler {
	return func(ctx context.Context, msg domain.InboundMessage) error {
		switch routeFor(msg) {
		case routeHelp:
			if err := help.SendHelp(ctx, msg); err != nil {
				return fmt.Errorf("send help: %w", err)
			}
		case routeRelay:
			rl.Handle(ctx, msg)
		}
		return nil
	}
}
