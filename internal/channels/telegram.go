package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel implements Channel over a single Telegram group chat
// acting as the flock's feed.
type TelegramChannel struct {
	token  string
	chatID int64
	logger *slog.Logger
	bot    *tgbotapi.BotAPI

	// Status renders a metrics summary for the /status command.
	Status func() string
	// Criticism produces the reply to a non-command message. A nil handler
	// ignores inbound chatter.
	Criticism func(ctx context.Context, author, text string) (string, error)
}

// NewTelegramChannel creates a Telegram channel for the given bot token and
// target chat.
func NewTelegramChannel(token string, chatID int64, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{token: token, chatID: chatID, logger: logger}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Publish sends a message to the feed chat, attributed to the agent.
func (t *TelegramChannel) Publish(_ context.Context, agentID, text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram publish: channel not started")
	}
	msg := tgbotapi.NewMessage(t.chatID, fmt.Sprintf("[%s] %s", agentID, text))
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram publish: %w", err)
	}
	return nil
}

// Reply sends a threaded response to the message identified by parentID.
func (t *TelegramChannel) Reply(_ context.Context, parentID, agentID, text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram reply: channel not started")
	}
	msg := tgbotapi.NewMessage(t.chatID, fmt.Sprintf("[%s] %s", agentID, text))
	if id, err := strconv.Atoi(parentID); err == nil {
		msg.ReplyToMessageID = id
	}
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram reply: %w", err)
	}
	return nil
}

// Start connects the bot and polls for inbound updates until the context is
// canceled. Disconnects retry with exponential backoff.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram channel started", "user", t.bot.Self.UserName, "chat_id", t.chatID)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("updates channel closed")
			}
			if update.Message == nil || update.Message.Chat == nil {
				continue
			}
			if update.Message.Chat.ID != t.chatID {
				continue
			}
			t.handleMessage(ctx, update.Message)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/status") {
		if t.Status == nil {
			return
		}
		reply := tgbotapi.NewMessage(t.chatID, t.Status())
		reply.ReplyToMessageID = msg.MessageID
		if _, err := t.bot.Send(reply); err != nil {
			t.logger.Error("telegram status reply", "error", err)
		}
		return
	}
	if strings.HasPrefix(text, "/") {
		return
	}

	// Anything else is treated as criticism aimed at the flock.
	if t.Criticism == nil {
		return
	}
	author := ""
	if msg.From != nil {
		author = msg.From.UserName
	}
	answer, err := t.Criticism(ctx, author, text)
	if err != nil {
		t.logger.Error("criticism handler", "author", author, "error", err)
		return
	}
	if answer == "" {
		return
	}
	reply := tgbotapi.NewMessage(t.chatID, answer)
	reply.ReplyToMessageID = msg.MessageID
	if _, err := t.bot.Send(reply); err != nil {
		t.logger.Error("telegram criticism reply", "error", err)
	}
}
