package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/Freeeeeet/expert_scheduler/internal/noshow"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"
)

// sender часть *bot.Bot, нужная для отправки сообщений
type sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Telegram отправляет алерты монитора неявок в чат операторов
type Telegram struct {
	bot    sender
	chatID int64
	logger *zap.Logger
}

// NewTelegram создаёт клиента бота без запуска long polling
func NewTelegram(token string, chatID int64, logger *zap.Logger) (*Telegram, error) {
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return newTelegram(b, chatID, logger), nil
}

func newTelegram(s sender, chatID int64, logger *zap.Logger) *Telegram {
	return &Telegram{bot: s, chatID: chatID, logger: logger}
}

func (t *Telegram) Notify(ctx context.Context, alert noshow.Alert) error {
	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    t.chatID,
		Text:      FormatAlert(alert),
		ParseMode: models.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}

	t.logger.Debug("Alert sent",
		zap.String("kind", string(alert.Kind)),
		zap.String("appointment_id", alert.AppointmentID.String()))
	return nil
}

// FormatAlert текст алерта в HTML-разметке Telegram
func FormatAlert(alert noshow.Alert) string {
	var sb strings.Builder

	switch alert.Kind {
	case noshow.AlertWarning:
		sb.WriteString("⚠️ <b>Эксперт не подключился</b>\n\n")
	case noshow.AlertNoShow:
		sb.WriteString("❌ <b>Встреча отменена: эксперт не пришёл</b>\n\n")
	case noshow.AlertEscalation:
		sb.WriteString("🚨 <b>Монитор неявок не может завершить действие</b>\n\n")
	default:
		sb.WriteString(fmt.Sprintf("ℹ️ <b>%s</b>\n\n", html.EscapeString(string(alert.Kind))))
	}

	fmt.Fprintf(&sb, "Встреча: <code>%s</code>\n", alert.AppointmentID)
	fmt.Fprintf(&sb, "Эксперт: <code>%s</code>\n", alert.ExpertID)
	fmt.Fprintf(&sb, "Клиент: <code>%s</code>\n", alert.UserID)
	fmt.Fprintf(&sb, "Начало: %s UTC\n", alert.StartsAt.UTC().Format("02.01.2006 15:04"))
	fmt.Fprintf(&sb, "Прошло: %d мин", int(alert.Elapsed.Minutes()))

	if alert.Err != nil {
		fmt.Fprintf(&sb, "\n\nОшибка: <code>%s</code>", html.EscapeString(alert.Err.Error()))
	}

	return sb.String()
}
