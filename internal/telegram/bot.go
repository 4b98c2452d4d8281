package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// handleTimeout bounds how long a single inbound message may be
// processed (budget fit + LLM call + reply send).
const handleTimeout = 5 * time.Minute

// defaultPollTimeout is the getUpdates server-side hold in seconds.
const defaultPollTimeout = 30

// Responder abstracts the agent service for testability. The real
// implementation is *agent.Service.
type Responder interface {
	ProcessMessage(ctx context.Context, chatID int64, userInput string, receivedAt time.Time) (string, error)
	StartNewChat(chatID int64)
}

// API is the Bot API surface the bot loop needs from the client.
type API interface {
	GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text, parseMode string) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

// BotConfig holds the dependencies for a Bot.
type BotConfig struct {
	Client         API
	Responder      Responder
	Logger         *slog.Logger
	AllowedChatIDs []int64 // empty allows every chat
	PollTimeoutSec int
}

// Bot long polls the Bot API for messages, routes them through the
// agent service, and sends replies back to the chat.
type Bot struct {
	client      API
	responder   Responder
	logger      *slog.Logger
	allowed     map[int64]bool
	pollTimeout int
	offset      int64
}

// NewBot creates a Telegram bot loop.
func NewBot(cfg BotConfig) *Bot {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pollTimeout := cfg.PollTimeoutSec
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	allowed := make(map[int64]bool, len(cfg.AllowedChatIDs))
	for _, id := range cfg.AllowedChatIDs {
		allowed[id] = true
	}
	return &Bot{
		client:      cfg.Client,
		responder:   cfg.Responder,
		logger:      logger,
		allowed:     allowed,
		pollTimeout: pollTimeout,
	}
}

// Run polls for updates and dispatches them until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("telegram bot started", "allowed_chats", len(b.allowed))

	for {
		if ctx.Err() != nil {
			b.logger.Info("telegram bot shutting down")
			return nil
		}

		updates, err := b.client.GetUpdates(ctx, b.offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				b.logger.Info("telegram bot shutting down")
				return nil
			}
			b.logger.Warn("telegram poll failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= b.offset {
				b.offset = u.UpdateID + 1
			}
			b.dispatch(ctx, u)
		}
	}
}

// dispatch handles one update: drops non-text and unauthorized
// messages, runs commands inline, and hands everything else to the
// responder.
func (b *Bot) dispatch(ctx context.Context, u Update) {
	msg := u.Message
	if msg == nil || msg.Text == "" {
		return
	}

	chatID := msg.Chat.ID
	if len(b.allowed) > 0 && !b.allowed[chatID] {
		b.logger.Warn("telegram message from unauthorized chat",
			"chat_id", chatID,
			"update_id", u.UpdateID,
		)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		b.handleCommand(ctx, chatID, text)
		return
	}

	b.handleMessage(ctx, msg)
}

// handleCommand runs the small built-in command set.
func (b *Bot) handleCommand(ctx context.Context, chatID int64, text string) {
	cmd := text
	if i := strings.IndexAny(cmd, " \t"); i >= 0 {
		cmd = cmd[:i]
	}
	// Commands in groups arrive as /cmd@botname.
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/start":
		b.reply(ctx, chatID, "Hello! I'm Squire. Send me a message and I'll do my best to help. Use /new to start a fresh conversation.")
	case "/new":
		b.responder.StartNewChat(chatID)
		b.logger.Info("conversation reset", "chat_id", chatID)
		b.reply(ctx, chatID, "Started a new conversation. Previous messages are archived but no longer in my working memory.")
	default:
		b.reply(ctx, chatID, fmt.Sprintf("Unknown command %s. I know /start and /new.", cmd))
	}
}

// handleMessage runs one chat message through the agent and sends the
// reply back, rendered as Telegram HTML with a plain-text fallback.
func (b *Bot) handleMessage(ctx context.Context, msg *IncomingMessage) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	chatID := msg.Chat.ID
	b.logger.Info("telegram message received",
		"chat_id", chatID,
		"message_len", len(msg.Text),
	)

	if err := b.client.SendChatAction(ctx, chatID, "typing"); err != nil {
		b.logger.Debug("typing indicator failed", "chat_id", chatID, "error", err)
	}

	receivedAt := time.Unix(msg.Date, 0)
	reply, err := b.responder.ProcessMessage(ctx, chatID, msg.Text, receivedAt)
	if err != nil {
		b.logger.Error("message processing failed", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, "Sorry, something went wrong handling that message. Please try again.")
		return
	}
	if reply == "" {
		return
	}

	html, ok := RenderHTML(reply)
	if ok {
		err := b.client.SendMessage(ctx, chatID, html, "HTML")
		if err == nil {
			return
		}
		b.logger.Warn("html reply rejected, falling back to plain text",
			"chat_id", chatID, "error", err)
	}
	b.reply(ctx, chatID, PlainText(html))
}

// reply sends plain text, logging failures.
func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.client.SendMessage(ctx, chatID, text, ""); err != nil {
		b.logger.Error("telegram reply send failed", "chat_id", chatID, "error", err)
	}
}
