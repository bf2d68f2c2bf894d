package gpbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// chatCommandMessageOption is the option name for the /chat message
	chatCommandMessageOption = "message"

	// setChannelCommandChannelOption is the option name for the
	// /setchannel target channel
	setChannelCommandChannelOption = "channel"
)

// ErrNotAdministrator is returned when a command requiring the
// Administrator permission is used by someone without it
var ErrNotAdministrator = errors.New("administrator permission required")

// Discord is the bot's connection to Discord. It registers commands,
// sends responses, and implements [EnforcementSink].
type Discord struct {
	session            DiscordSessionHandler
	config             *DiscordConfig
	logger             *slog.Logger
	metricConnects     atomic.Int64
	metricDisconnects  atomic.Int64
	connected          atomic.Bool
	removeHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	return &Discord{
		config:             config,
		logger:             logger,
		removeHandlerFuncs: []func(){},
	}
}

// newSession initializes a new Discord session with the configured
// token, intents and log level.
func (d *Discord) newSession(httpClient *http.Client) (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if httpClient != nil {
		disc.Client = httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

func (*Discord) appCommandChat() *discordgo.ApplicationCommand {
	minLength := 1
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandChat,
		Description: "Ask GP Team Assistant",
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        chatCommandMessageOption,
				Description: "What would you like to ask?",
				Required:    true,
				MinLength:   &minLength,
			},
		},
	}
}

// appCommandSetChannel is only visible to administrators by default.
// Permissions are checked again when the command is used, since
// server admins can override command visibility.
func (*Discord) appCommandSetChannel() *discordgo.ApplicationCommand {
	var adminPermission int64 = discordgo.PermissionAdministrator
	dmPerm := false
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandSetChannel,
		Description:              "حدد قناة دردشة الذكاء الاصطناعي الخاصة بـ GP Team",
		Type:                     discordgo.ChatApplicationCommand,
		DefaultMemberPermissions: &adminPermission,
		DMPermission:             &dmPerm,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:         discordgo.ApplicationCommandOptionChannel,
				Name:         setChannelCommandChannelOption,
				Description:  "Channel",
				Required:     true,
				ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
			},
		},
	}
}

func (*Discord) appCommandResetChat() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandResetChat,
		Description: "إعادة تعيين محادثتك مع GP Team Assistant في هذه القناة",
		Type:        discordgo.ChatApplicationCommand,
	}
}

func (d *Discord) commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		d.appCommandChat(),
		d.appCommandSetChannel(),
		d.appCommandResetChat(),
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	ctx context.Context,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	options = append(options, discordgo.WithContext(ctx))
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		d.commands(),
		options...,
	)
	if err != nil {
		return created, fmt.Errorf("error registering commands: %w", err)
	}
	for _, c := range created {
		d.logger.InfoContext(ctx, "registered command", "command", c.Name)
	}
	return created, nil
}

// updatePresence sets the bot to idle, 'watching' the given status
func (d *Discord) updatePresence(status string) error {
	return d.session.UpdateStatusComplex(
		discordgo.UpdateStatusData{
			Status: string(discordgo.StatusIdle),
			Activities: []*discordgo.Activity{
				{
					Name: status,
					Type: discordgo.ActivityTypeWatching,
				},
			},
		},
	)
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", "connects", d.metricConnects.Load())
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

// respondEphemeral responds to the interaction with a message only the
// invoking user can see
func (d *Discord) respondEphemeral(
	ctx context.Context,
	i *discordgo.Interaction,
	content string,
) error {
	return d.session.InteractionRespond(
		i,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content:         content,
				Flags:           discordgo.MessageFlagsEphemeral,
				AllowedMentions: &discordgo.MessageAllowedMentions{},
			},
		},
		discordgo.WithContext(ctx),
	)
}

// deferResponse acknowledges the interaction, showing the 'thinking'
// state until the response is edited
func (d *Discord) deferResponse(ctx context.Context, i *discordgo.Interaction) error {
	return d.session.InteractionRespond(
		i,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
		discordgo.WithContext(ctx),
	)
}

func (d *Discord) editResponseEmbed(
	ctx context.Context,
	i *discordgo.Interaction,
	embed *discordgo.MessageEmbed,
) error {
	_, err := d.session.InteractionResponseEdit(
		i,
		&discordgo.WebhookEdit{
			Embeds:          &[]*discordgo.MessageEmbed{embed},
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
		discordgo.WithContext(ctx),
	)
	return err
}

// reply sends a reply to the message, without mentioning its author
func (d *Discord) reply(
	ctx context.Context,
	m *discordgo.Message,
	content string,
	embed *discordgo.MessageEmbed,
) error {
	data := &discordgo.MessageSend{
		Content: content,
		Reference: &discordgo.MessageReference{
			MessageID: m.ID,
			ChannelID: m.ChannelID,
			GuildID:   m.GuildID,
		},
		AllowedMentions: &discordgo.MessageAllowedMentions{RepliedUser: false},
	}
	if embed != nil {
		data.Embeds = []*discordgo.MessageEmbed{embed}
	}
	_, err := d.session.ChannelMessageSendComplex(m.ChannelID, data, discordgo.WithContext(ctx))
	return err
}

// ApplyTimeout times out the guild member until the given time, with
// the reason recorded in the audit log
func (d *Discord) ApplyTimeout(
	ctx context.Context,
	guildID, userID string,
	until time.Time,
	reason string,
) error {
	return d.session.GuildMemberTimeout(
		guildID,
		userID,
		&until,
		discordgo.WithContext(ctx),
		discordgo.WithAuditLogReason(reason),
	)
}

// DirectMessage opens a DM channel with the user and sends text to it
func (d *Discord) DirectMessage(ctx context.Context, userID, text string) error {
	ch, err := d.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error creating DM channel: %w", err)
	}
	_, err = d.session.ChannelMessageSend(ch.ID, text, discordgo.WithContext(ctx))
	return err
}

// Reply responds to a message in its channel, without mentioning its author
func (d *Discord) Reply(ctx context.Context, channelID, messageID, text string) error {
	return d.reply(
		ctx,
		&discordgo.Message{ID: messageID, ChannelID: channelID},
		text,
		nil,
	)
}

// isAdministrator reports whether the interaction's member has the
// Administrator permission in the channel the command was used in
func isAdministrator(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	return i.Member.Permissions&discordgo.PermissionAdministrator != 0
}

// DiscordSessionHandler defines the methods from `discordgo.Session` used
// by the bot, so the session can be mocked in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	//
	// Parameters:
	//   - appID: The ID of the application.
	//   - guildID: The guild to register commands in. Empty for global commands.
	//   - commands: A slice of ApplicationCommand objects to be overwritten.
	//   - options: Optional request options for the bulk overwrite operation.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction's response
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GuildMemberTimeout times out a guild member until the given time.
	// A nil time removes the timeout.
	GuildMemberTimeout(
		guildID string,
		userID string,
		until *time.Time,
		options ...discordgo.RequestOption,
	) error

	// UserChannelCreate creates (or returns) the DM channel with a user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
	}
	return created, err
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	err := d.session.UpdateStatusComplex(data)
	if err != nil {
		d.logger.Error("error updating status", tint.Err(err))
	}
	return err
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	err := d.session.InteractionRespond(interaction, resp, options...)
	if err != nil {
		d.logger.Error(
			"error responding to interaction",
			tint.Err(err),
			"interaction_id", interaction.ID,
		)
	}
	return err
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.InteractionResponseEdit(interaction, newresp, options...)
	if err != nil {
		d.logger.Error(
			"error editing interaction response",
			tint.Err(err),
			"interaction_id", interaction.ID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, content, options...)
	if err != nil {
		d.logger.Error("error sending message", tint.Err(err), columnChannelID, channelID)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			columnChannelID, channelID,
			"reference", data.Reference,
		)
	}
	return msg, err
}

func (d DiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildMemberTimeout(guildID, userID, until, options...)
	if err != nil {
		d.logger.Error(
			"error timing out member",
			tint.Err(err),
			columnGuildID, guildID,
			columnUserID, userID,
		)
	}
	return err
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}
