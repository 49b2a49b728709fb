// Package notify sends trading events to a chat.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"position_bot/internal/models"
	"position_bot/pkg/logger"
)

type Notifier interface {
	Send(msg string)
	Sendf(format string, args ...any)
}

// Status is what the chat commands report on.
type Status interface {
	OpenPositions() []*models.Position
	PortfolioStatus(ctx context.Context) (models.PortfolioSnapshot, error)
	RecentTrades(ctx context.Context, limit int) ([]models.Trade, error)
}

const (
	commandTimeout = 10 * time.Second
	tradesShown    = 5
)

type botAPI interface {
	Send(c tgbot.Chattable) (tgbot.Message, error)
	GetUpdatesChan(config tgbot.UpdateConfig) tgbot.UpdatesChannel
	StopReceivingUpdates()
}

// Telegram sends to one chat and answers /positions, /balance and /trades
// from it.
type Telegram struct {
	bot    botAPI
	chatID int64
	status Status
}

var _ Notifier = (*Telegram)(nil)

func NewTelegram(token string, chatID int64, status Status) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: b, chatID: chatID, status: status}, nil
}

func (t *Telegram) Send(msg string) {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return
	}
	if _, err := t.bot.Send(tgbot.NewMessage(t.chatID, msg)); err != nil {
		logger.Warn("notify: telegram send: %v", err)
	}
}

func (t *Telegram) Sendf(format string, args ...any) { t.Send(fmt.Sprintf(format, args...)) }

func (t *Telegram) handlePositions() {
	if t.status == nil {
		return
	}
	open := t.status.OpenPositions()
	if len(open) == 0 {
		t.Send("📭 No open positions")
		return
	}

	var b strings.Builder
	b.WriteString("📊 Open positions:\n")
	for _, p := range open {
		fmt.Fprintf(&b, "- %s %s %.8f @ %.2f sl=%.2f tp=%.2f\n",
			p.Symbol, strings.ToUpper(string(p.Side)), p.Amount, p.EntryPrice, p.StopLoss, p.TakeProfit)
	}
	t.Send(b.String())
}

func (t *Telegram) handleBalance(ctx context.Context) {
	if t.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	s, err := t.status.PortfolioStatus(ctx)
	if err != nil {
		logger.Warn("notify: balance command: %v", err)
		t.Sendf("⚠️ Balance unavailable: %v", err)
		return
	}
	t.Sendf("💰 %s %.8f | %s %.2f | open %d (test_mode=%v)",
		s.BaseCurrency, s.BaseBalance, s.QuoteCurrency, s.QuoteBalance, len(s.Positions), s.TestMode)
}

func (t *Telegram) handleTrades(ctx context.Context) {
	if t.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	trades, err := t.status.RecentTrades(ctx, tradesShown)
	if err != nil {
		logger.Warn("notify: trades command: %v", err)
		t.Sendf("⚠️ Trades unavailable: %v", err)
		return
	}
	if len(trades) == 0 {
		t.Send("📭 No trades yet")
		return
	}

	var b strings.Builder
	b.WriteString("🧾 Recent trades:\n")
	for _, tr := range trades {
		fmt.Fprintf(&b, "- %s %s %.8f @ %.2f fee=%.4f\n",
			tr.Timestamp.Format("01-02 15:04"), strings.ToUpper(string(tr.Side)), tr.Amount, tr.Price, tr.Fee)
	}
	t.Send(b.String())
}

// Start long-polls for commands from the configured chat.
func (t *Telegram) Start(ctx context.Context) error {
	if t == nil || t.bot == nil {
		return nil
	}

	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}

	updates := t.bot.GetUpdatesChan(u)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				if upd.Message == nil || upd.Message.Chat == nil ||
					upd.Message.Chat.ID != t.chatID || !upd.Message.IsCommand() {
					continue
				}
				switch upd.Message.Command() {
				case "positions":
					t.handlePositions()
				case "balance":
					t.handleBalance(ctx)
				case "trades":
					t.handleTrades(ctx)
				}
			}
		}
	}()
	return nil
}

func (t *Telegram) Stop() {
	if t == nil || t.bot == nil {
		return
	}
	t.bot.StopReceivingUpdates()
}

// Stdout writes messages to the log when no chat is configured.
type Stdout struct{}

func NewStdout() *Stdout                           { return &Stdout{} }
func (s *Stdout) Send(msg string)                  { logger.Info("notify: %s", msg) }
func (s *Stdout) Sendf(format string, args ...any) { s.Send(fmt.Sprintf(format, args...)) }
