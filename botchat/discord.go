package botchat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// DiscordSessionHandler is the subset of the discordgo session the bot
// uses, an interface so tests can substitute a recorder.
type DiscordSessionHandler interface {
	Open() error
	Close() error
	AddHandler(handler any) func()
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		options ...discordgo.RequestOption,
	) error
	ChannelTyping(
		channelID string,
		options ...discordgo.RequestOption,
	) error
}

// Discord manages the gateway connection and implements EffectSender.
// Incoming messages are filtered (self, bots, allow-listed channel) and
// either dispatched as operator commands or submitted to the
// aggregator.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger

	metricConnects        atomic.Int64
	metricMessagesHandled atomic.Int64
	connected             atomic.Bool

	discordgoRemoveHandlerFuncs []func()

	bot *Bot
}

func newDiscord(config *DiscordConfig, bot *Bot) *Discord {
	return &Discord{
		config: config,
		logger: newLogger("discord", config.LogLevel),
		bot:    bot,
	}
}

// newSession initializes a discordgo session with the configured
// intents and log bridge.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	session.Identify.Intents = d.config.GatewayIntents
	session.SyncEvents = false
	session.LogLevel = discordgo.LogDebug

	// discordgo logs through a package-level hook; level filtering
	// happens in the slog handler
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogger("discordgo", d.config.DiscordGoLogLevel).Handler(),
	)
	if d.config.httpClient != nil {
		session.Client = d.config.httpClient
	}
	return session, nil
}

// connect opens the gateway session and registers handlers.
func (d *Discord) connect() error {
	if d.session == nil {
		session, err := d.newSession()
		if err != nil {
			return err
		}
		d.session = session
	}

	d.discordgoRemoveHandlerFuncs = append(
		d.discordgoRemoveHandlerFuncs,
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerMessageCreate()),
	)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	return nil
}

func (d *Discord) close() error {
	for _, removeHandler := range d.discordgoRemoveHandlerFuncs {
		removeHandler()
	}
	d.discordgoRemoveHandlerFuncs = nil
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"ready",
			"session_id", r.SessionID,
			slog.Group("user", "id", r.User.ID, "username", r.User.Username),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	c *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected")

		if d.config.ChannelID != "" && d.config.StartupMessage != "" {
			if _, err := d.session.ChannelMessageSend(
				d.config.ChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); err != nil {
				d.logger.Error("unable to send startup message", tint.Err(err))
			}
		}
	}
}

// handlerMessageCreate routes every gateway message: the bot's own and
// other bots' messages are ignored, messages outside the allow-listed
// channel are ignored, prefixed messages go to the operator command
// surface, and everything else enters the aggregator.
func (d *Discord) handlerMessageCreate() func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
			return
		}
		if d.config.ChannelID != "" && m.ChannelID != d.config.ChannelID {
			return
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			return
		}

		d.metricMessagesHandled.Add(1)

		ref := MessageRef{
			ChannelID: m.ChannelID,
			MessageID: m.ID,
			GuildID:   m.GuildID,
		}

		if strings.HasPrefix(content, d.config.CommandPrefix) {
			d.bot.commands.Handle(
				context.Background(),
				OperatorCommandInput{
					Scope:      m.ChannelID,
					SenderID:   m.Author.ID,
					SenderName: displayName(m),
					Text:       content,
					Ref:        ref,
				},
			)
			return
		}

		d.bot.aggregator.Submit(
			m.ChannelID, PendingMessage{
				Sender:   displayName(m),
				Content:  content,
				SenderID: m.Author.ID,
				Ref:      ref,
			},
		)
	}
}

// displayName prefers the guild nickname, then the global display
// name, then the username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// Reply sends text as a reply to the referenced message. Long replies
// are truncated to the discord message limit.
func (d *Discord) Reply(_ context.Context, ref MessageRef, text string) error {
	text = truncate(text, discordMaxMessageLength)
	_, err := d.session.ChannelMessageSendReply(
		ref.ChannelID,
		text,
		&discordgo.MessageReference{
			MessageID: ref.MessageID,
			ChannelID: ref.ChannelID,
			GuildID:   ref.GuildID,
		},
	)
	return err
}

// React adds an emoji reaction to the referenced message.
func (d *Discord) React(_ context.Context, ref MessageRef, emoji string) error {
	return d.session.MessageReactionAdd(ref.ChannelID, ref.MessageID, emoji)
}

// Typing shows the typing indicator in a channel.
func (d *Discord) Typing(_ context.Context, channelID string) error {
	return d.session.ChannelTyping(channelID)
}
