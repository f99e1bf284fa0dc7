package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"gptrelay/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	defaultPollTimeout = 30 // seconds
	pollRetryDelay     = 3 * time.Second
	helpGreeting       = "I'm a ChatGPT bot, talk to me!"
)

var _ domain.Channel = (*Telegram)(nil)

// Telegram implements domain.Channel for the Telegram Bot API.
//
// Updates are fetched with a local getUpdates loop instead of
// GetUpdatesChan so forum-topic fields are decoded and Stop can abort the
// long poll.
type Telegram struct {
	token       string
	endpoint    string
	pollTimeout int
	commands    []tgbotapi.BotCommand

	client *pollClient
	bot    *tgbotapi.BotAPI
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

type TelegramConfig struct {
	Token       string
	APIEndpoint string       // default tgbotapi.APIEndpoint
	HTTPClient  *http.Client // its Timeout must exceed PollTimeout
	PollTimeout int          // long-poll timeout in seconds
	Logger      *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.PollTimeout < 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:       cfg.Token,
		endpoint:    cfg.APIEndpoint,
		pollTimeout: cfg.PollTimeout,
		commands: []tgbotapi.BotCommand{
			{Command: "help", Description: "Show the help message"},
		},
		client: &pollClient{client: cfg.HTTPClient},
		logger: cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Connect authenticates with getMe. Start calls it when needed.
func (t *Telegram) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)
	return nil
}

// Username returns the bot's @username once connected.
func (t *Telegram) Username() string {
	if t.bot == nil {
		return ""
	}
	return t.bot.Self.UserName
}

// Start polls for updates and publishes them to bus until ctx is done or
// Stop is called.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	if t.bot == nil {
		if err := t.Connect(ctx); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	t.client.setPollContext(ctx)

	t.logger.Info("telegram polling started", "timeout", t.pollTimeout)

	offset := 0
	for {
		if ctx.Err() != nil {
			t.logger.Info("telegram channel stopping")
			return nil
		}

		updates, err := t.getUpdates(offset)
		if err != nil {
			if ctx.Err() != nil {
				t.logger.Info("telegram channel stopping")
				return nil
			}
			t.logger.Warn("telegram getUpdates failed, retrying", "err", err, "retry_in", pollRetryDelay)
			select {
			case <-ctx.Done():
			case <-time.After(pollRetryDelay):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			t.handleUpdate(bus, u)
		}
	}
}

// Stop aborts a running poll. Safe to call more than once.
func (t *Telegram) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

// update mirrors tgbotapi.Update for the fields used here, adding the
// forum-topic fields the library does not decode.
type update struct {
	UpdateID      int      `json:"update_id"`
	Message       *message `json:"message"`
	EditedMessage *message `json:"edited_message"`
}

type message struct {
	tgbotapi.Message
	MessageThreadID int  `json:"message_thread_id"`
	IsTopicMessage  bool `json:"is_topic_message"`
}

func (t *Telegram) getUpdates(offset int) ([]update, error) {
	params := tgbotapi.Params{}
	params.AddNonZero("offset", offset)
	params.AddNonZero("timeout", t.pollTimeout)
	if err := params.AddInterface("allowed_updates", []string{"message", "edited_message"}); err != nil {
		return nil, err
	}

	resp, err := t.bot.MakeRequest("getUpdates", params)
	if err != nil {
		return nil, err
	}
	var updates []update
	if err := json.Unmarshal(resp.Result, &updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

func (t *Telegram) handleUpdate(bus domain.MessageBus, u update) {
	defer func() {
		if p := recover(); p != nil {
			t.logger.Error("exception while handling an update",
				"update_id", u.UpdateID,
				"panic", p,
				"stack", string(debug.Stack()),
			)
		}
	}()

	m, edited := u.Message, false
	if m == nil {
		m, edited = u.EditedMessage, true
	}
	if m == nil || m.Chat == nil {
		return
	}

	in := toInbound(m, edited, t.Username())
	t.logger.Info("telegram message received",
		"chat_id", in.ChatID,
		"message_id", in.MessageID,
		"sender", in.SenderName,
		"command", in.Command,
		"addressed_elsewhere", in.AddressedElsewhere,
		"edited", in.IsEdited,
		"sent_at", in.Timestamp,
		"text_len", len(in.Text),
	)
	bus.Publish(in)
}

// toInbound converts m. botName is this bot's username; a leading command
// mentioning any other bot is flagged AddressedElsewhere.
func toInbound(m *message, edited bool, botName string) domain.InboundMessage {
	in := domain.InboundMessage{
		ChatID:    m.Chat.ID,
		ChatType:  m.Chat.Type,
		MessageID: m.MessageID,
		Text:      StripCommands(m.Text, m.Entities),
		Command:   m.Command(),
		Timestamp: m.Time(),
		IsEdited:  edited,
		IsText:    m.Text != "",
	}
	if _, mention, ok := strings.Cut(m.CommandWithAt(), "@"); ok && mention != "" && !strings.EqualFold(mention, botName) {
		in.AddressedElsewhere = true
	}
	if m.IsTopicMessage {
		in.ThreadID = m.MessageThreadID
	}
	if m.From != nil {
		in.SenderID = m.From.ID
		in.SenderName = m.From.String()
		in.IsFromAutomatedSender = m.From.IsBot
	}
	if m.ViaBot != nil {
		in.IsFromAutomatedSender = true
	}
	return in
}

// SendMessage sends plain text. Zero ReplyTo and ThreadID are omitted.
func (t *Telegram) SendMessage(ctx context.Context, msg domain.OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.bot == nil {
		return errors.New("telegram: not connected")
	}

	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", msg.ChatID)
	params["text"] = msg.Text
	params.AddNonZero("reply_to_message_id", msg.ReplyTo)
	params.AddNonZero("message_thread_id", msg.ThreadID)
	params.AddBool("disable_web_page_preview", msg.DisableWebPagePreview)

	if _, err := t.bot.MakeRequest("sendMessage", params); err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	return nil
}

// SendTyping shows the typing indicator for about five seconds.
func (t *Telegram) SendTyping(ctx context.Context, chatID int64, threadID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.bot == nil {
		return errors.New("telegram: not connected")
	}

	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params["action"] = tgbotapi.ChatTyping
	params.AddNonZero("message_thread_id", threadID)

	if _, err := t.bot.MakeRequest("sendChatAction", params); err != nil {
		return fmt.Errorf("telegram sendChatAction: %w", err)
	}
	return nil
}

// RegisterCommands publishes the command list shown in Telegram's menu.
func (t *Telegram) RegisterCommands(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.bot.Request(tgbotapi.NewSetMyCommands(t.commands...)); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	return nil
}

// HelpText lists the registered commands under a short greeting.
func (t *Telegram) HelpText() string {
	lines := make([]string, 0, len(t.commands))
	for _, c := range t.commands {
		lines = append(lines, fmt.Sprintf("/%s - %s", c.Command, c.Description))
	}
	return helpGreeting + "\n\n" + strings.Join(lines, "\n")
}

// SendHelp answers /help and /start.
func (t *Telegram) SendHelp(ctx context.Context, msg domain.InboundMessage) error {
	out := domain.OutboundMessage{
		ChatID:                msg.ChatID,
		ThreadID:              msg.ThreadID,
		Text:                  t.HelpText(),
		DisableWebPagePreview: true,
	}
	if msg.ChatType != "private" {
		out.ReplyTo = msg.MessageID
	}
	return t.SendMessage(ctx, out)
}

// pollClient lets Stop interrupt an in-flight getUpdates request, which
// tgbotapi issues without a context.
type pollClient struct {
	client *http.Client

	mu  sync.Mutex
	ctx context.Context
}

func (c *pollClient) setPollContext(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx
}

func (c *pollClient) Do(req *http.Request) (*http.Response, error) {
	if strings.HasSuffix(req.URL.Path, "/getUpdates") {
		c.mu.Lock()
		ctx := c.ctx
		c.mu.Unlock()
		if ctx != nil {
			req = req.WithContext(ctx)
		}
	}
	return c.client.Do(req)
}
