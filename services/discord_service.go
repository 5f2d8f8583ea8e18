package services

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	colorCritical = 0xE74C3C
	colorResolved = 0x2ECC71
	colorInfo     = 0x3498DB
)

// AlertNotifier delivers operator alerts.
type AlertNotifier interface {
	Enabled() bool
	Notify(title, description string, color int, fields map[string]string) error
}

type DiscordBotService struct {
	session   *discordgo.Session
	channelID string
	botID     string
	enabled   bool
	status    func() string
	logger    *zap.Logger
}

// NewDiscordBotService connects the bot. Missing credentials disable it
// without error.
func NewDiscordBotService(token, channelID string, logger *zap.Logger) (*DiscordBotService, error) {
	if token == "" || channelID == "" {
		logger.Info("discord token or channel not provided, discord notifications disabled")
		return &DiscordBotService{enabled: false, logger: logger}, nil
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	user, err := session.User("@me")
	if err != nil {
		return nil, fmt.Errorf("failed to get bot user: %w", err)
	}

	bot := &DiscordBotService{
		session:   session,
		channelID: channelID,
		botID:     user.ID,
		enabled:   true,
		logger:    logger,
	}
	session.AddHandler(bot.messageHandler)

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("failed to open Discord connection: %w", err)
	}

	logger.Info("discord bot connected", zap.String("bot_id", user.ID), zap.String("channel_id", channelID))
	return bot, nil
}

// SetStatusReporter sets the text returned by the "!mesh status" command.
func (d *DiscordBotService) SetStatusReporter(fn func() string) {
	d.status = fn
}

func (d *DiscordBotService) Enabled() bool {
	return d != nil && d.enabled
}

func (d *DiscordBotService) Close() {
	if d.enabled && d.session != nil {
		d.logger.Info("closing discord bot connection")
		d.session.Close()
	}
}

func (d *DiscordBotService) messageHandler(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == d.botID || m.ChannelID != d.channelID {
		return
	}
	if reply := d.commandReply(m.Content); reply != "" {
		s.ChannelMessageSend(m.ChannelID, reply)
	}
}

func (d *DiscordBotService) commandReply(content string) string {
	if !strings.HasPrefix(content, "!mesh") {
		return ""
	}
	args := strings.Fields(content)
	if len(args) < 2 {
		return ""
	}

	switch args[1] {
	case "ping":
		return "Pong! Mesh price node is online."
	case "help":
		return "**Mesh price bot commands:**\n" +
			"`!mesh ping` - Check if the bot is online\n" +
			"`!mesh status` - Current provider and peer status"
	case "status":
		if d.status == nil {
			return "Status is not available."
		}
		return d.status()
	default:
		return fmt.Sprintf("Unknown command: `%s`. Try `!mesh help`", args[1])
	}
}

func (d *DiscordBotService) Notify(title, description string, color int, fields map[string]string) error {
	if !d.enabled {
		return fmt.Errorf("discord bot not enabled")
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	embed := &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: "meshprice"},
	}
	for _, name := range names {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   name,
			Value:  fields[name],
			Inline: true,
		})
	}

	if _, err := d.session.ChannelMessageSendEmbed(d.channelID, embed); err != nil {
		return fmt.Errorf("failed to send Discord message: %w", err)
	}
	return nil
}
