// Package discord implements the Discord ChannelAdapter: a thin discordgo
// binding over the shared BaseChannel policy gate, publishing every accepted
// message to the MessageBus as a bus.InboundMessage for the ChannelHub to
// route.
//
// Adapted from the teacher's internal/channels/discord package. Dropped: the
// pairing flow (store.PairingStore, sendPairingReply/checkDMPolicy's
// "pairing" branch) and the typing.Controller/PendingHistory machinery —
// neither exists anywhere else in this module; DM policy here collapses to
// open/allowlist/disabled, and group replies no longer carry accumulated
// no-mention history. Kept: discordgo session handling, 2000-char
// newline-aware chunking, and the "Thinking..." placeholder edit-then-chunk
// delivery pattern.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/marrow-labs/homegate/internal/bus"
	"github.com/marrow-labs/homegate/internal/channels"
	"github.com/marrow-labs/homegate/internal/config"
)

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session        *discordgo.Session
	config         config.DiscordConfig
	botUserID      string
	requireMention bool
	placeholders   sync.Map // placeholderKey string -> messageID string
}

// New creates a new Discord channel from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	base := channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom)

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Channel{
		BaseChannel:    base,
		session:        session,
		config:         cfg,
		requireMention: requireMention,
	}, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers an outbound message to a Discord channel.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}

	channelID := msg.ChatID
	if channelID == "" {
		return fmt.Errorf("empty chat ID for discord send")
	}

	placeholderKey := channelID
	if pk := msg.Metadata["placeholder_key"]; pk != "" {
		placeholderKey = pk
	}

	content := msg.Content

	// NO_REPLY cleanup: content is empty when the agent suppresses a reply.
	if content == "" {
		if pID, ok := c.placeholders.LoadAndDelete(placeholderKey); ok {
			_ = c.session.ChannelMessageDelete(channelID, pID.(string))
		}
		return nil
	}

	// Edit the placeholder "Thinking..." message with the first chunk, then
	// send the rest as follow-up messages.
	if pID, ok := c.placeholders.LoadAndDelete(placeholderKey); ok {
		msgID := pID.(string)

		const maxLen = 2000
		editContent := content
		remaining := ""
		if len(editContent) > maxLen {
			cutAt := maxLen
			if idx := lastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
				cutAt = idx + 1
			}
			editContent = content[:cutAt]
			remaining = content[cutAt:]
		}

		if _, editErr := c.session.ChannelMessageEdit(channelID, msgID, editContent); editErr == nil {
			if remaining != "" {
				return c.sendChunked(channelID, remaining)
			}
			return nil
		}
		slog.Warn("discord: placeholder edit failed, sending new message", "channel_id", channelID, "placeholder_id", msgID)
	}

	return c.sendChunked(channelID, content)
}

// sendChunked sends a message, splitting into multiple messages if over 2000 chars.
func (c *Channel) sendChunked(channelID, content string) error {
	const maxLen = 2000
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
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// handleMessage processes incoming Discord messages.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	senderName := resolveDisplayName(m)
	channelID := m.ChannelID
	isDM := m.GuildID == ""

	peerKind := "group"
	if isDM {
		peerKind = "direct"
	}

	if !c.BaseChannel.CheckPolicy(peerKind, c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		slog.Debug("discord message rejected by policy", "user_id", senderID, "username", senderName, "peer_kind", peerKind)
		return
	}
	if !c.IsAllowed(senderID) {
		slog.Debug("discord message rejected by allowlist", "user_id", senderID, "username", senderName)
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		content = "[empty message]"
	}

	// Mention gating: in groups, only respond when the bot is @mentioned.
	if peerKind == "group" && c.requireMention {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == c.botUserID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
	}

	slog.Debug("discord message received", "sender_id", senderID, "channel_id", channelID, "is_dm", isDM, "preview", channels.Truncate(content, 50))

	placeholder, err := c.session.ChannelMessageSend(channelID, "Thinking...")
	if err == nil {
		c.placeholders.Store(m.ID, placeholder.ID)
	}

	finalContent := content
	if peerKind == "group" {
		finalContent = fmt.Sprintf("[From: %s]\n%s", senderName, content)
	}

	metadata := map[string]string{
		"message_id":      m.ID,
		"username":        m.Author.Username,
		"display_name":    senderName,
		"guild_id":        m.GuildID,
		"channel_id":      channelID,
		"is_dm":           fmt.Sprintf("%t", isDM),
		"placeholder_key": m.ID,
	}

	c.HandleMessage(senderID, channelID, finalContent, nil, metadata, peerKind)
}

// resolveDisplayName returns the best available display name for a Discord
// message author: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}
