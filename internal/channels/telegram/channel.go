// Package telegram implements the Telegram ChannelAdapter: a long-polling
// telego binding over the shared BaseChannel policy gate, publishing every
// accepted message to the MessageBus as a bus.InboundMessage for the
// ChannelHub to route.
//
// Adapted from the teacher's internal/channels/telegram package, consolidated
// to a single file. Dropped: the pairing flow, forum-topic routing, group
// file-writer/task commands, voice/document media processing and STT
// transcription, streaming previews, and status reactions — none of that
// machinery's dependencies (store.PairingStore, internal/channels/typing,
// the speech-to-text provider) exist anywhere else in this module. Kept:
// telego long polling, the DM/group mention-gate shape, and a placeholder
// "Thinking..." message for DMs, edited in place with the final response.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/marrow-labs/homegate/internal/bus"
	"github.com/marrow-labs/homegate/internal/channels"
	"github.com/marrow-labs/homegate/internal/config"
)

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot            *telego.Bot
	config         config.TelegramConfig
	placeholders   sync.Map // chatIDStr string -> messageID int
	requireMention bool
	pollCancel     context.CancelFunc
	pollDone       chan struct{}
}

// New creates a new Telegram channel from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	base := channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom)

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Channel{
		BaseChannel:    base,
		bot:            bot,
		config:         cfg,
		requireMention: requireMention,
	}, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

// StreamEnabled reports whether partial-response streaming is requested.
func (c *Channel) StreamEnabled() bool {
	return c.config.StreamMode == "partial"
}

// Stop cancels long polling and waits for the poll goroutine to exit so
// Telegram releases the getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// Send delivers an outbound message to a Telegram chat, editing the DM
// placeholder in place when one is pending and chunking content over
// Telegram's 4096-character message limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", msg.ChatID, err)
	}

	if msg.Content == "" {
		c.placeholders.Delete(msg.ChatID)
		return nil
	}

	if pID, ok := c.placeholders.LoadAndDelete(msg.ChatID); ok {
		const maxLen = 4096
		editContent := msg.Content
		remaining := ""
		if len(editContent) > maxLen {
			cutAt := maxLen
			if idx := lastIndexByte(msg.Content[:maxLen], '\n'); idx > maxLen/2 {
				cutAt = idx + 1
			}
			editContent = msg.Content[:cutAt]
			remaining = msg.Content[cutAt:]
		}
		edit := &telego.EditMessageTextParams{
			ChatID:    tu.ID(chatID),
			MessageID: pID.(int),
			Text:      editContent,
		}
		if _, editErr := c.bot.EditMessageText(ctx, edit); editErr == nil {
			if remaining != "" {
				return c.sendChunked(ctx, chatID, remaining)
			}
			return nil
		}
		slog.Warn("telegram: placeholder edit failed, sending new message", "chat_id", chatID)
	}

	return c.sendChunked(ctx, chatID, msg.Content)
}

func (c *Channel) sendChunked(ctx context.Context, chatID int64, content string) error {
	const maxLen = 4096
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			cutAt := maxLen
			if idx := lastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// handleMessage processes an incoming Telegram message.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	if isServiceMessage(message) {
		return
	}
	user := message.From
	if user == nil {
		return
	}

	userID := fmt.Sprintf("%d", user.ID)
	senderID := userID
	if user.Username != "" {
		senderID = fmt.Sprintf("%s|%s", userID, user.Username)
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	peerKind := "direct"
	if isGroup {
		peerKind = "group"
	}

	if !c.BaseChannel.CheckPolicy(peerKind, c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		slog.Debug("telegram message rejected by policy", "user_id", userID, "peer_kind", peerKind)
		return
	}
	if !c.IsAllowed(userID) && !c.IsAllowed(senderID) {
		slog.Debug("telegram message rejected by allowlist", "user_id", userID)
		return
	}

	content := message.Text
	if content == "" {
		content = message.Caption
	}
	if content == "" {
		content = "[empty message]"
	}

	chatID := message.Chat.ID
	chatIDStr := fmt.Sprintf("%d", chatID)

	senderLabel := user.FirstName
	if user.Username != "" {
		senderLabel = "@" + user.Username
	}

	if isGroup && c.requireMention && !c.detectMention(message, c.bot.Username()) {
		slog.Debug("telegram group message skipped (no mention)", "chat_id", chatID)
		return
	}

	slog.Debug("telegram message received", "sender_id", senderID, "chat_id", chatIDStr, "preview", channels.Truncate(content, 50))

	finalContent := content
	if isGroup {
		finalContent = fmt.Sprintf("[From: %s]\n%s", senderLabel, content)
	}

	if !isGroup {
		if pMsg, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), "Thinking...")); err == nil {
			c.placeholders.Store(chatIDStr, pMsg.MessageID)
		}
	}

	metadata := map[string]string{
		"message_id": fmt.Sprintf("%d", message.MessageID),
		"username":   user.Username,
		"first_name": user.FirstName,
		"is_group":   fmt.Sprintf("%t", isGroup),
	}

	c.HandleMessage(senderID, chatIDStr, finalContent, nil, metadata, peerKind)
}

// detectMention checks whether a Telegram message @mentions the bot, by
// entity, substring, or as an implicit reply to the bot's own message.
func (c *Channel) detectMention(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	lowerBot := strings.ToLower(botUsername)

	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			if entity.Type != "mention" {
				continue
			}
			mentioned := pair.text[entity.Offset : entity.Offset+entity.Length]
			if strings.EqualFold(mentioned, "@"+botUsername) {
				return true
			}
		}
		if strings.Contains(strings.ToLower(pair.text), "@"+lowerBot) {
			return true
		}
	}

	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.Username == botUsername {
		return true
	}
	return false
}

// isServiceMessage reports whether msg carries no user-authored content
// (member joined/left, title changed, pinned message, etc.).
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	return msg.Photo == nil && msg.Audio == nil && msg.Video == nil &&
		msg.Document == nil && msg.Voice == nil && msg.VideoNote == nil &&
		msg.Sticker == nil && msg.Animation == nil && msg.Contact == nil &&
		msg.Location == nil && msg.Venue == nil && msg.Poll == nil
}

func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}

func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}
