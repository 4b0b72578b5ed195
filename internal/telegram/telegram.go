// Package telegram delivers finished feed batches to their chat
// targets.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"feedpush/internal/model"
)

// sendInterval is the minimum spacing between sends to one chat, per
// Telegram's flood limits.
const sendInterval = time.Second

const messageSeparator = "\n--------------------------------\n"

// telegramAPI is the interface for the Telegram Bot API client.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Dispatcher fans a batch out to every target chat of a feed.
type Dispatcher struct {
	api telegramAPI
	log *slog.Logger
}

// New creates a Dispatcher backed by the real Bot API.
func New(token string, log *slog.Logger) (*Dispatcher, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram api: %w", err)
	}
	log.Info("telegram authorized", "account", api.Self.UserName)
	return &Dispatcher{api: api, log: log}, nil
}

// NewWithAPI creates a Dispatcher with an explicit API client (useful
// for testing).
func NewWithAPI(api telegramAPI, log *slog.Logger) *Dispatcher {
	return &Dispatcher{api: api, log: log}
}

// Deliver sends the batch to every target concurrently and returns how
// many targets accepted it. A batch counts as accepted by a target when
// its text message goes through; image failures are logged but do not
// revoke the acceptance.
func (d *Dispatcher) Deliver(ctx context.Context, botID string, targets []string, title string, messages []model.Message) int {
	text := batchText(title, messages)

	var ok atomic.Int64
	var wg sync.WaitGroup
	for _, target := range targets {
		chatID, err := strconv.ParseInt(target, 10, 64)
		if err != nil {
			d.log.Error("invalid target chat id", "bot", botID, "target", target)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.sendToChat(ctx, chatID, text, messages); err != nil {
				d.log.Error("deliver to chat", "bot", botID, "chat", chatID, "error", err)
				return
			}
			ok.Add(1)
		}()
	}
	wg.Wait()
	return int(ok.Load())
}

// NotifyChat sends a bare text message to one chat id.
func (d *Dispatcher) NotifyChat(chatID int64, text string) error {
	_, err := d.api.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

func (d *Dispatcher) sendToChat(ctx context.Context, chatID int64, text string, messages []model.Message) error {
	// Every send is paced, the leading text included, so back-to-back
	// batches to the same chat stay under the flood limit.
	if err := pace(ctx); err != nil {
		return err
	}
	if _, err := d.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	for _, m := range messages {
		for i, img := range m.Images {
			if err := pace(ctx); err != nil {
				return err
			}
			photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{
				Name:  fmt.Sprintf("image-%d", i),
				Bytes: img,
			})
			if _, err := d.api.Send(photo); err != nil {
				d.log.Error("send photo", "chat", chatID, "error", err)
			}
		}
	}
	return nil
}

// batchText assembles the single text message for a batch: the batch
// title followed by each entry, separated by a rule.
func batchText(title string, messages []model.Message) string {
	parts := make([]string, 0, len(messages)+1)
	if title != "" {
		parts = append(parts, title)
	}
	for _, m := range messages {
		if t := strings.TrimSpace(m.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, messageSeparator)
}

func pace(ctx context.Context) error {
	timer := time.NewTimer(sendInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Notifier reports operational events to the operator chat.
type Notifier struct {
	dispatcher *Dispatcher
	chatID     int64
}

func NewNotifier(d *Dispatcher, adminChatID int64) *Notifier {
	return &Notifier{dispatcher: d, chatID: adminChatID}
}

func (n *Notifier) NotifyOperator(_ context.Context, text string) error {
	if n.chatID == 0 {
		return errors.New("no operator chat configured")
	}
	return n.dispatcher.NotifyChat(n.chatID, text)
}
