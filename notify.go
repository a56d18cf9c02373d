// FILE: notify.go
// Package main – Operator notifications (Slack webhook, Telegram) fed by the EventBus.
//
// Both notifiers are plain EventBus subscribers and best-effort: a failed
// post is logged and never reaches the trading path. Order placements are
// too chatty for a phone and are filtered out; everything else is sent.
//
// Env:
//   SLACK_WEBHOOK=<incoming webhook url>
//   TG_TOKEN=<bot token>  TG_CHAT_ID=<chat id>
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	gobot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// notifiable filters events worth a human's attention.
func notifiable(ev Event) bool {
	return ev.Kind != EventOrderPlaced
}

// formatEvent renders ev as one short line of text.
func formatEvent(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", ev.Symbol, ev.Kind, ev.Message)
	if ev.State != "" {
		fmt.Fprintf(&b, " (state %s)", ev.State)
	}
	if ev.Err != "" {
		fmt.Fprintf(&b, " err=%s", ev.Err)
	}
	return b.String()
}

// ---- Slack ----

// postSlack sends a best-effort Slack webhook message.
func postSlack(hc *http.Client, hook, msg string) error {
	if hook == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	bs, _ := json.Marshal(map[string]string{"text": msg})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook, bytes.NewReader(bs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("slack: status %d", resp.StatusCode)
	}
	return nil
}

// SubscribeSlack forwards notifiable events to the webhook. Returns cancel.
func SubscribeSlack(bus *EventBus, hook string) func() {
	if hook == "" {
		return func() {}
	}
	hc := &http.Client{Timeout: 5 * time.Second}
	return bus.Subscribe(func(ev Event) {
		if !notifiable(ev) {
			return
		}
		if err := postSlack(hc, hook, formatEvent(ev)); err != nil {
			log.Warn().Err(err).Msg("[NOTIFY] slack post failed")
		}
	})
}

// ---- Telegram ----

// telegramSender is the part of *gobot.BotAPI the notifier uses.
type telegramSender interface {
	Send(c gobot.Chattable) (gobot.Message, error)
}

// TelegramNotifier pushes events to one chat and answers /status there.
type TelegramNotifier struct {
	bot    telegramSender
	api    *gobot.BotAPI // nil in tests
	chatID int64
	status func() []Position
}

// NewTelegramNotifier connects the bot. status may be nil.
func NewTelegramNotifier(token string, chatID int64, status func() []Position) (*TelegramNotifier, error) {
	api, err := gobot.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	api.Debug = false
	log.Info().Str("@", api.Self.UserName).Msg("[NOTIFY] telegram connected")
	return &TelegramNotifier{bot: api, api: api, chatID: chatID, status: status}, nil
}

func (n *TelegramNotifier) send(text string) {
	if _, err := n.bot.Send(gobot.NewMessage(n.chatID, text)); err != nil {
		log.Warn().Err(err).Msg("[NOTIFY] telegram send failed")
	}
}

// Subscribe forwards notifiable events to the chat. Returns cancel.
func (n *TelegramNotifier) Subscribe(bus *EventBus) func() {
	return bus.Subscribe(func(ev Event) {
		if notifiable(ev) {
			n.send(formatEvent(ev))
		}
	})
}

// statusText summarizes every live position.
func (n *TelegramNotifier) statusText() string {
	if n.status == nil {
		return "no workers"
	}
	ps := n.status()
	if len(ps) == 0 {
		return "no workers"
	}
	var b strings.Builder
	for _, p := range ps {
		fmt.Fprintf(&b, "%s %s %s L%d size=%.8g avg=%.8g tp=%.8g realized=%.4f\n",
			p.Symbol, p.Side, p.State, p.Level, p.TotalSize, p.AvgPrice, p.TP, p.RealizedPnL)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Run answers /status in the configured chat until ctx is done.
func (n *TelegramNotifier) Run(ctx context.Context) error {
	if n.api == nil {
		return nil
	}
	u := gobot.NewUpdate(0)
	u.Timeout = 30
	updates := n.api.GetUpdatesChan(u)
	defer n.api.StopReceivingUpdates()
	for {
		select {
		case <-ctx.Done():
			return nil
		case up := <-updates:
			if up.Message == nil || up.Message.Chat == nil || up.Message.Chat.ID != n.chatID {
				continue
			}
			if strings.HasPrefix(strings.TrimSpace(up.Message.Text), "/status") {
				n.send(n.statusText())
			}
		}
	}
}
