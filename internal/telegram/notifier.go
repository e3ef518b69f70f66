package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"guildlicense-bot/internal/license"
)

// Sender is the subset of *tgbotapi.BotAPI used for outgoing messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Notifier posts license events to the owner's log chat.
type Notifier struct {
	out    Sender
	chatID int64
	log    *zap.Logger
}

func NewNotifier(out Sender, chatID int64, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{out: out, chatID: chatID, log: log}
}

func (n *Notifier) Notify(_ context.Context, ev license.Event) {
	msg := tgbotapi.NewMessage(n.chatID, formatEvent(ev))
	msg.DisableWebPagePreview = true
	if _, err := n.out.Send(msg); err != nil {
		n.log.Warn("telegram notification failed", zap.Error(err), zap.String("kind", string(ev.Kind)))
	}
}

func formatEvent(ev license.Event) string {
	var b strings.Builder
	switch ev.Kind {
	case license.EventInvalidKey:
		fmt.Fprintf(&b, "🚨 Invalid activation attempt by tenant %d", ev.TenantID)
	case license.EventKeyAlreadyBound:
		fmt.Fprintf(&b, "⚠️ Tenant %d tried a key that is active elsewhere", ev.TenantID)
	case license.EventActivated:
		fmt.Fprintf(&b, "✅ Tenant %d activated", ev.TenantID)
	case license.EventReclaimed:
		fmt.Fprintf(&b, "♻️ Expired license of tenant %d reclaimed", ev.TenantID)
	case license.EventExpired:
		fmt.Fprintf(&b, "⚠️ License expired and tenant removed: %d", ev.TenantID)
	case license.EventKeyIssued:
		b.WriteString("🔑 New license key issued")
	case license.EventSweepFailed:
		b.WriteString("❌ Expiry sweep failed")
	default:
		b.WriteString(string(ev.Kind))
	}
	if ev.Key != "" {
		fmt.Fprintf(&b, "\nLicense: %s", ev.Key)
	}
	if ev.Detail != "" {
		fmt.Fprintf(&b, "\n%s", ev.Detail)
	}
	fmt.Fprintf(&b, "\n%s", ev.At.Format(time.RFC3339))
	return b.String()
}
