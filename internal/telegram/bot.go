// Package telegram lets allowed users put questions to the agent council
// over a Telegram bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/deliberation"
	"github.com/mtzanidakis/synedrio/internal/health"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

const helpText = `Send me any question and the agents will answer it independently, review each other's answers, and agree on a final one.

/health shows which agents are reachable.`

type Bot struct {
	bot      *telego.Bot
	pipeline *deliberation.Pipeline
	probe    *health.Probe
	cfg      config.TelegramConfig
}

func NewBot(cfg config.TelegramConfig, p *deliberation.Pipeline, probe *health.Probe) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Bot{
		bot:      bot,
		pipeline: p,
		probe:    probe,
		cfg:      cfg,
	}, nil
}

// Start polls for updates until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()
	slog.Info("telegram bot started")

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	if msg.From == nil {
		return
	}
	chatID := msg.Chat.ID
	userID := msg.From.ID

	if !isAllowed(b.cfg.AllowFrom, userID) {
		slog.Warn("unauthorized telegram user", "user_id", userID, "chat_id", chatID)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return
	}

	switch command(text) {
	case "start", "help":
		b.reply(ctx, chatID, helpText)
		return
	case "health":
		reports := b.probe.Check(ctx, b.pipeline.Agents())
		b.reply(ctx, chatID, formatHealth(reports))
		return
	}

	_ = b.sendChatAction(ctx, chatID, "typing")

	rec, err := b.pipeline.RunFrom(ctx, "telegram", text)
	if err != nil {
		slog.Error("telegram deliberation failed", "chat", chatID, "error", err)
		b.reply(ctx, chatID, formatError(err))
		return
	}
	b.reply(ctx, chatID, formatAnswer(rec))
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.SendMessage(ctx, chatID, text); err != nil {
		slog.Error("failed to send telegram message", "chat", chatID, "error", err)
	}
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	chunks := chunkMessage(text, 4096)
	for _, chunk := range chunks {
		msg := tu.Message(tu.ID(chatID), chunk)
		_, err := b.bot.SendMessage(ctx, msg)
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func (b *Bot) sendChatAction(ctx context.Context, chatID int64, action string) error {
	return b.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), action))
}

// isAllowed admits everyone when the allow list is empty.
func isAllowed(allow []int64, userID int64) bool {
	return len(allow) == 0 || slices.Contains(allow, userID)
}

// command returns the bot command in text without the leading slash or a
// "@botname" suffix, or "" when text is not a command.
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := strings.Fields(text)[0][1:]
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}

func formatAnswer(rec *deliberation.Record) string {
	var sb strings.Builder
	sb.WriteString(rec.FinalResponse)

	var failed []string
	for _, r := range rec.Initial {
		if !r.OK() {
			failed = append(failed, r.Agent)
		}
	}
	if len(failed) > 0 {
		fmt.Fprintf(&sb, "\n\n(%d of %d agents did not answer: %s)",
			len(failed), len(rec.Initial), strings.Join(failed, ", "))
	}
	return sb.String()
}

func formatError(err error) string {
	var synthErr *deliberation.SynthesisError
	if errors.As(err, &synthErr) {
		return fmt.Sprintf("Deliberation failed: %s\n%s", synthErr.Error(), synthErr.Hint())
	}
	return "Sorry, I encountered an error processing your question."
}

func formatHealth(reports []health.Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d of %d agents online\n", health.Reachable(reports), len(reports))
	for _, r := range reports {
		fmt.Fprintf(&sb, "\n%s: %s", r.Agent, r.Status)
		if r.Reachable && !r.ModelAvailable {
			fmt.Fprintf(&sb, " (model %s not pulled)", r.Model)
		}
	}
	return sb.String()
}
