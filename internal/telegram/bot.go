package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"guildlicense-bot/internal/license"
	"guildlicense-bot/internal/store"
)

// Core is the part of the license manager the chat surface calls.
type Core interface {
	Activate(ctx context.Context, req license.ActivateRequest) (license.Activation, error)
	Issue(ctx context.Context, authorized bool) (string, error)
	IsAuthorized(tenantID, channelID int64, now time.Time) bool
	Snapshot() *license.Snapshot
	Sweep(ctx context.Context, now time.Time) ([]license.Release, error)
}

// Bot serves two audiences: any group may /activate and /status, and the
// owner's private chat gets the management menu.
type Bot struct {
	api     *tgbotapi.BotAPI
	out     Sender
	ownerID int64
	core    Core
	log     *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	states map[int64]pendingState
}

type pendingState string

const (
	stateNone        pendingState = ""
	stateAskInfo     pendingState = "ask_info"
	stateAskActivate pendingState = "ask_activate"
)

func NewBot(api *tgbotapi.BotAPI, ownerID int64, core Core, log *zap.Logger) *Bot {
	api.Debug = false
	b := newBot(api, ownerID, core, log)
	b.api = api
	return b
}

func newBot(out Sender, ownerID int64, core Core, log *zap.Logger) *Bot {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bot{
		out:     out,
		ownerID: ownerID,
		core:    core,
		log:     log.Named("telegram"),
		now:     time.Now,
		states:  map[int64]pendingState{},
	}
}

func (b *Bot) Run(ctx context.Context) error {
	upd := tgbotapi.NewUpdate(0)
	upd.Timeout = 30
	updates := b.api.GetUpdatesChan(upd)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return errors.New("telegram update channel closed")
			}
			if u.CallbackQuery != nil {
				b.handleCallback(ctx, u.CallbackQuery)
				continue
			}
			if u.Message != nil {
				b.handleMessage(ctx, u.Message)
			}
		}
	}
}

func (b *Bot) isOwner(u *tgbotapi.User) bool {
	return u != nil && u.ID == b.ownerID
}

func (b *Bot) handleMessage(ctx context.Context, m *tgbotapi.Message) {
	chatID := m.Chat.ID
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}

	if m.IsCommand() {
		args := strings.Fields(m.CommandArguments())
		switch m.Command() {
		case "activate":
			b.cmdActivate(ctx, chatID, args)
			return
		case "status":
			b.cmdStatus(chatID)
			return
		case "newkey":
			b.cmdNewKey(ctx, chatID, m.From)
			return
		case "start", "help", "menu":
			b.setState(chatID, stateNone)
			if m.Chat.IsPrivate() && b.isOwner(m.From) {
				b.sendMenu(chatID, "License management")
				return
			}
			b.reply(chatID, helpText())
			return
		}
	}

	// Free text only means something in the owner's private chat.
	if !m.Chat.IsPrivate() || !b.isOwner(m.From) {
		if m.Chat.IsPrivate() {
			b.reply(chatID, helpText())
		}
		return
	}

	switch b.getState(chatID) {
	case stateAskInfo:
		b.setState(chatID, stateNone)
		b.cmdInfo(chatID, text)
		b.sendMenu(chatID, "")
	case stateAskActivate:
		b.handleActivateForInput(ctx, chatID, text)
	default:
		b.sendMenu(chatID, "Use the buttons to manage licenses.")
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.Message == nil || !b.isOwner(q.From) {
		_ = b.answerCallback(q.ID, "Permission denied")
		return
	}
	chatID := q.Message.Chat.ID
	data := strings.TrimSpace(q.Data)
	_ = b.answerCallback(q.ID, "")

	switch {
	case data == "menu":
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "License management")
	case data == "new":
		b.setState(chatID, stateNone)
		b.cmdNewKey(ctx, chatID, q.From)
		b.sendMenu(chatID, "")
	case data == "list":
		b.setState(chatID, stateNone)
		b.cmdListWithButtons(chatID)
	case data == "ask_info":
		b.setState(chatID, stateAskInfo)
		b.reply(chatID, "Send the license key:")
	case data == "ask_activate":
		b.setState(chatID, stateAskActivate)
		b.reply(chatID, "Format: <license> <tenant_id>\nExample: ABCD1234 -1001234567890")
	case data == "sweep":
		b.setState(chatID, stateNone)
		b.cmdSweep(ctx, chatID)
		b.sendMenu(chatID, "")
	case strings.HasPrefix(data, "info:"):
		b.setState(chatID, stateNone)
		b.cmdInfo(chatID, strings.TrimPrefix(data, "info:"))
		b.sendMenu(chatID, "")
	default:
		b.sendMenu(chatID, "Unknown action")
	}
}

func (b *Bot) sendMenu(chatID int64, title string) {
	if strings.TrimSpace(title) == "" {
		title = "Menu"
	}
	msg := tgbotapi.NewMessage(chatID, title)
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("➕ New key", "new"),
			tgbotapi.NewInlineKeyboardButtonData("📋 List", "list"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ Info", "ask_info"),
			tgbotapi.NewInlineKeyboardButtonData("✅ Activate for tenant", "ask_activate"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🧹 Sweep expired", "sweep"),
		),
	)
	b.send(msg)
}

func (b *Bot) cmdActivate(ctx context.Context, chatID int64, args []string) {
	if len(args) != 1 {
		b.reply(chatID, "Usage: /activate <license>")
		return
	}
	b.activate(ctx, chatID, license.ActivateRequest{Key: args[0], TenantID: chatID, ChannelID: chatID})
}

func (b *Bot) handleActivateForInput(ctx context.Context, chatID int64, text string) {
	fields := strings.Fields(text)
	if len(fields) != 2 {
		b.reply(chatID, "Invalid input. Format: <license> <tenant_id>")
		return
	}
	tenantID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || tenantID == 0 {
		b.reply(chatID, "Invalid tenant id")
		return
	}
	b.setState(chatID, stateNone)
	b.activate(ctx, chatID, license.ActivateRequest{Key: fields[0], TenantID: tenantID})
	b.sendMenu(chatID, "")
}

func (b *Bot) activate(ctx context.Context, chatID int64, req license.ActivateRequest) {
	act, err := b.core.Activate(ctx, req)
	if err != nil && act.TenantID == 0 {
		b.reply(chatID, describeError(err))
		return
	}
	if err != nil {
		b.log.Warn("activation committed but cache refresh failed", zap.Error(err))
	}
	switch {
	case act.Exempt:
		b.reply(chatID, "✅ Test community activated with no expiry!")
	case act.Renewed:
		b.reply(chatID, "✅ License renewed. Valid until "+act.ExpiresAt.Format(time.RFC3339)+".")
	default:
		b.reply(chatID, "✅ Bot activated! License valid until "+act.ExpiresAt.Format(time.RFC3339)+".")
	}
}

func (b *Bot) cmdStatus(chatID int64) {
	now := b.now()
	if !b.core.IsAuthorized(chatID, chatID, now) {
		b.reply(chatID, "❌ This bot has not been activated here yet.")
		return
	}
	if lic, ok := b.core.Snapshot().ValidBinding(chatID, now); ok {
		b.reply(chatID, "✅ Active until "+lic.ExpiresAt.Format(time.RFC3339)+".")
		return
	}
	b.reply(chatID, "✅ Active with no expiry.")
}

func (b *Bot) cmdNewKey(ctx context.Context, chatID int64, from *tgbotapi.User) {
	key, err := b.core.Issue(ctx, b.isOwner(from))
	if key == "" {
		b.reply(chatID, describeError(err))
		return
	}
	if err != nil {
		b.log.Warn("key issued but cache refresh failed", zap.Error(err))
	}
	b.reply(chatID, "✅ New key: "+key)
}

func (b *Bot) cmdSweep(ctx context.Context, chatID int64) {
	released, err := b.core.Sweep(ctx, time.Time{})
	if err != nil && len(released) == 0 {
		b.reply(chatID, describeError(err))
		return
	}
	if len(released) == 0 {
		b.reply(chatID, "Nothing expired.")
		return
	}
	lines := []string{fmt.Sprintf("Released %d:", len(released))}
	for _, r := range released {
		if r.Key == "" {
			lines = append(lines, fmt.Sprintf("- tenant %d (stale registry entry)", r.TenantID))
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s from tenant %d", r.Key, r.TenantID))
	}
	b.reply(chatID, strings.Join(lines, "\n"))
}

func (b *Bot) cmdListWithButtons(chatID int64) {
	snap := b.core.Snapshot()
	list := snap.Licenses()
	if len(list) == 0 {
		b.reply(chatID, "No licenses yet")
		return
	}

	now := b.now()
	lines := []string{"Licenses (tap for details):"}
	max := len(list)
	if max > 20 {
		max = 20
	}
	buttons := make([][]tgbotapi.InlineKeyboardButton, 0)
	for i := 0; i < max; i++ {
		lic := list[i]
		lines = append(lines, "- "+licenseLine(lic, now))
		buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ "+lic.Key, "info:"+lic.Key),
		))
	}
	if len(list) > max {
		lines = append(lines, fmt.Sprintf("... (%d more)", len(list)-max))
	}
	lines = append(lines, fmt.Sprintf("Registered tenants: %d", len(snap.Tenants())))
	buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("↩️ Menu", "menu"),
	))

	msg := tgbotapi.NewMessage(chatID, strings.Join(lines, "\n"))
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(buttons...)
	b.send(msg)
}

func (b *Bot) cmdInfo(chatID int64, key string) {
	lic, ok := b.core.Snapshot().License(license.NormalizeKey(key))
	if !ok {
		b.reply(chatID, describeError(license.ErrInvalidKey))
		return
	}
	lines := []string{
		"License: " + lic.Key,
		"Created: " + lic.CreatedAt.Format(time.RFC3339),
		"Status: " + licenseLine(lic, b.now()),
	}
	b.reply(chatID, strings.Join(lines, "\n"))
}

func licenseLine(lic store.License, now time.Time) string {
	switch {
	case !lic.Bound():
		return lic.Key + " | free"
	case license.IsValid(&lic, now):
		return fmt.Sprintf("%s | tenant %d | until %s", lic.Key, lic.TenantID, lic.ExpiresAt.Format(time.RFC3339))
	default:
		return fmt.Sprintf("%s | tenant %d | expired %s", lic.Key, lic.TenantID, lic.ExpiresAt.Format(time.RFC3339))
	}
}

// describeError turns a core error into the message shown in chat. An
// outage reads differently from a rejection on purpose.
func describeError(err error) string {
	switch {
	case errors.Is(err, license.ErrInvalidKey):
		return "❌ Invalid key. Contact the owner."
	case errors.Is(err, license.ErrKeyAlreadyBound):
		return "❌ This key is already active in another community."
	case errors.Is(err, license.ErrPermissionDenied):
		return "❌ Permission denied."
	case errors.Is(err, license.ErrStoreUnavailable):
		return "⚠️ The license service is temporarily unavailable. Try again in a moment."
	case err == nil:
		return "❌ Something went wrong."
	}
	return "❌ Error: " + err.Error()
}

func (b *Bot) answerCallback(id string, text string) error {
	cb := tgbotapi.NewCallback(id, text)
	_, err := b.out.Request(cb)
	return err
}

func (b *Bot) setState(chatID int64, st pendingState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st == stateNone {
		delete(b.states, chatID)
		return
	}
	b.states[chatID] = st
}

func (b *Bot) getState(chatID int64) pendingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[chatID]
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	b.send(msg)
}

func (b *Bot) send(msg tgbotapi.MessageConfig) {
	if _, err := b.out.Send(msg); err != nil {
		b.log.Warn("telegram send failed", zap.Error(err), zap.Int64("chat_id", msg.ChatID))
	}
}

func helpText() string {
	return "Commands:\n/activate <license> - activate the bot in this chat\n/status - show the license status of this chat"
}
