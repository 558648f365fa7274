package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"carelink/internal/domain"
)

const telegramMaxMsgLen = 4000

// Telegram implements domain.Channel and domain.Transport over Bot API long
// polling. Patient addresses on this channel are chat ids, not phone numbers.
type Telegram struct {
	token    string
	clinicID string

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

func NewTelegram(token, clinicID string, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		token:    token,
		clinicID: clinicID,
		logger:   logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) MaxMessageLength() int { return telegramMaxMsgLen }

// Start connects to Telegram and begins polling for updates. Blocks until
// the context is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: the bot stops when Start's context is cancelled, and
// calling StopReceivingUpdates twice panics.
func (t *Telegram) Stop() error {
	return nil
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	msg := update.Message

	name := msg.From.FirstName
	if msg.From.LastName != "" {
		name += " " + msg.From.LastName
	}

	t.logger.Info("telegram message received",
		"chat", msg.Chat.ID, "text_len", len(msg.Text))

	t.bus.Publish(domain.InboundMessage{
		Channel:    "telegram",
		ClinicID:   t.clinicID,
		Address:    strconv.FormatInt(msg.Chat.ID, 10),
		SenderName: name,
		ExternalID: fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID),
		Content:    msg.Text,
		Timestamp:  time.Unix(int64(msg.Date), 0),
	})
}

// SendText delivers one message to a chat id and returns the message id
// Telegram assigned.
func (t *Telegram) SendText(ctx context.Context, address, body string) (string, error) {
	if t.bot == nil {
		return "", fmt.Errorf("telegram bot not started")
	}
	chatID, err := strconv.ParseInt(address, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", address, err)
	}

	sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, body))
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}
