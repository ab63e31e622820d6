package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Komaxor/btcupdown/internal/market"
)

// Notifier sends one-way operational messages to the ops chat. The same
// bot token that anchors login claims drives it, so no extra secret is
// needed; a zero chat ID disables sending entirely.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// New connects the bot API. Send failures are logged, never fatal.
func New(token string, chatID int64) (*Notifier, error) {
	if chatID == 0 {
		log.Info().Msg("Telegram notifications disabled (no chat ID)")
		return &Notifier{}, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	log.Info().Str("bot", api.Self.UserName).Msg("📱 Telegram notifier connected")
	return &Notifier{api: api, chatID: chatID}, nil
}

func (n *Notifier) send(text string) {
	if n.api == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := n.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("telegram notify failed")
	}
}

// RoundSettled announces a settlement
func (n *Notifier) RoundSettled(slug string, outcome market.Outcome, finalPrice decimal.Decimal, winners int) {
	arrow := "🔴"
	if outcome == market.OutcomeUp {
		arrow = "🟢"
	}
	n.send(fmt.Sprintf("%s *%s* settled *%s* at $%s (%d winners)",
		arrow, slug, outcome, finalPrice.StringFixed(2), winners))
}

// MarketActive announces a round opening for trading
func (n *Notifier) MarketActive(slug string, priceToBeat decimal.Decimal) {
	n.send(fmt.Sprintf("🟢 *%s* active, price to beat $%s", slug, priceToBeat.StringFixed(2)))
}

// Alert reports an operational problem
func (n *Notifier) Alert(text string) {
	n.send("⚠️ " + text)
}
