package gateway

import (
	"context"
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const defaultPollTimeout = 30

// Telegram sends reminders and long-polls for updates through the Bot API.
type Telegram struct {
	api         *tgbotapi.BotAPI
	pollTimeout int
}

func NewTelegram(token string, pollTimeoutSeconds int) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	if pollTimeoutSeconds <= 0 {
		pollTimeoutSeconds = defaultPollTimeout
	}
	return &Telegram{api: api, pollTimeout: pollTimeoutSeconds}, nil
}

// Send delivers a plain text message.
func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.api.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// SendReminder delivers a reminder with its action buttons attached.
func (t *Telegram) SendReminder(ctx context.Context, chatID int64, text, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = reminderKeyboard(taskID)
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send reminder: %w", err)
	}
	return nil
}

func reminderKeyboard(taskID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Done", EncodeAction(ActionAck, taskID, 0)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("😴 10 min", EncodeAction(ActionSnooze, taskID, 10)),
			tgbotapi.NewInlineKeyboardButtonData("😴 30 min", EncodeAction(ActionSnooze, taskID, 30)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("❌ Cancel task", EncodeAction(ActionCancel, taskID, 0)),
		),
	)
}

// Poll long-polls for updates and dispatches them to h until ctx is done.
func (t *Telegram) Poll(ctx context.Context, h Handler) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = t.pollTimeout
	updates := t.api.GetUpdatesChan(cfg)
	defer t.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.dispatch(ctx, h, update)
		}
	}
}

func (t *Telegram) dispatch(ctx context.Context, h Handler, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		cb := Callback{ID: cq.ID, Data: cq.Data}
		if cq.Message != nil {
			cb.ChatID = cq.Message.Chat.ID
		}
		reply := h.HandleCallback(ctx, cb)
		// Always answer so the button stops spinning, even on empty reply.
		if _, err := t.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
			log.Printf("careline: answer callback: %v", err)
		}
		if reply != "" && cb.ChatID != 0 {
			if err := t.Send(ctx, cb.ChatID, reply); err != nil {
				log.Printf("careline: callback reply: %v", err)
			}
		}
	case update.Message != nil && update.Message.Text != "":
		m := Message{
			ChatID: update.Message.Chat.ID,
			Text:   update.Message.Text,
		}
		if update.Message.From != nil {
			m.UserID = update.Message.From.ID
			m.FirstName = update.Message.From.FirstName
		}
		reply := h.HandleMessage(ctx, m)
		if reply != "" {
			if err := t.Send(ctx, m.ChatID, reply); err != nil {
				log.Printf("careline: message reply: %v", err)
			}
		}
	}
}
