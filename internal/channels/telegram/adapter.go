// Package telegram is the bot channel adapter. It delivers approval
// prompts and task results to a Telegram chat and routes inbound replies
// either to the approval broker (when an approval is pending) or to the
// registered message handler.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/wardenhq/warden/internal/approvals"
)

// Config holds the adapter configuration.
type Config struct {
	// Token is the bot token from @BotFather (required).
	Token string

	// ChatID is the chat all outbound messages go to (required).
	ChatID int64

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("telegram: token is required")
	}
	if c.ChatID == 0 {
		return fmt.Errorf("telegram: chat_id is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Handler receives inbound user messages that are not approval replies.
type Handler func(ctx context.Context, text string)

// Adapter connects the runtime to one Telegram chat via long polling.
type Adapter struct {
	config Config
	broker *approvals.Broker
	logger *slog.Logger

	mu      sync.RWMutex
	bot     *bot.Bot
	handler Handler
}

// NewAdapter creates a Telegram adapter. Inbound replies are checked
// against broker before reaching the message handler.
func NewAdapter(config Config, broker *approvals.Broker) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config: config,
		broker: broker,
		logger: config.Logger.With("adapter", "telegram"),
	}, nil
}

// OnMessage registers the handler for non-approval inbound text. Must be
// called before Start.
func (a *Adapter) OnMessage(h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// Start connects the bot and begins long polling until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	b, err := bot.New(a.config.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	a.mu.Lock()
	a.bot = b
	a.mu.Unlock()

	a.logger.Info("telegram adapter started", "chat_id", a.config.ChatID)
	go b.Start(ctx)
	return nil
}

// Send delivers text to the configured chat. Used both as the
// interceptor's bot notifier and the scheduler's result delivery.
func (a *Adapter) Send(ctx context.Context, text string) error {
	a.mu.RLock()
	b := a.bot
	a.mu.RUnlock()
	if b == nil {
		return fmt.Errorf("telegram: adapter not started")
	}
	_, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: a.config.ChatID,
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	if update.Message.Chat.ID != a.config.ChatID {
		a.logger.Warn("ignoring message from unknown chat", "chat_id", update.Message.Chat.ID)
		return
	}
	if ack, handled := a.routeInbound(ctx, update.Message.Text); handled {
		if err := a.Send(ctx, ack); err != nil {
			a.logger.Error("approval ack failed", "error", err)
		}
	}
}

// routeInbound resolves the oldest pending approval with the reply when
// one exists; otherwise the text goes to the message handler. Returns
// the acknowledgement to send back and whether an approval was settled.
func (a *Adapter) routeInbound(ctx context.Context, text string) (ack string, handled bool) {
	if a.broker != nil && len(a.broker.Pending()) > 0 {
		callID, approved, ok := a.broker.ResolveLatestWithReply(text)
		if ok {
			a.logger.Info("approval resolved from chat reply", "call_id", callID, "approved", approved)
			if approved {
				return "Approved.", true
			}
			return "Denied.", true
		}
	}

	a.mu.RLock()
	handler := a.handler
	a.mu.RUnlock()
	if handler != nil {
		handler(ctx, text)
	}
	return "", false
}
