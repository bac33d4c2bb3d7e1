package memer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Slash command names
const (
	commandMeme      = "meme"
	commandNSFWMeme  = "nsfwmeme"
	commandSubreddit = "r_"
	commandDashboard = "dashboard"
	commandJoin      = "join"
	commandLeave     = "leave"
	commandPlay      = "play"
	commandStop      = "stop"
	commandSkip      = "skip"
	commandQueue     = "queue"
	commandEntrance  = "entrance"
	commandBeep      = "beep"
	commandAdmin     = "memeradmin"
)

const (
	adminSubcommandPing            = "ping"
	adminSubcommandUptime          = "uptime"
	adminSubcommandAddSubreddit    = "addsubreddit"
	adminSubcommandRemoveSubreddit = "removesubreddit"
	adminSubcommandValidate        = "validatesubreddits"
	adminSubcommandCacheInfo       = "cacheinfo"
	adminSubcommandIdleTimeout     = "setidletimeout"
	adminSubcommandResetVoiceError = "resetvoiceerror"
)

const (
	optionSubreddit = "subreddit"
	optionKeyword   = "keyword"
	optionSound     = "sound"
	optionVolume    = "volume"
	optionNSFW      = "nsfw"
	optionSeconds   = "seconds"
)

// Discord wraps the gateway session and command registration.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	logger := newLogger(config.LogLevel, "discord")

	session, err := discordgo.New(fmt.Sprintf("Bot %s", config.Token))
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	session.Identify.Intents = config.GatewayIntents

	dgoLogger := newLogger(config.DiscordgoLogLevel, "discordgo")
	discordgo.Logger = discordgoLoggerFunc(context.Background(), dgoLogger)

	d := &Discord{
		config: config,
		logger: logger,
		session: DiscordSession{
			session: session,
			logger:  dgoLogger,
		},
	}
	return d, nil
}

// DiscordSessionHandler abstracts the discordgo session so tests can
// substitute a mock.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ApplicationCommandBulkOverwrite overwrites application commands
	// in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction response
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// FollowupMessageCreate creates a followup message for an
	// interaction
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSend sends a message to a specified channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with embeds or files
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// MessageReactionAdd adds a reaction to a message
	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		options ...discordgo.RequestOption,
	) error

	// Channel fetches channel metadata (used for NSFW gating)
	Channel(
		channelID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelVoiceJoin joins a voice channel
	ChannelVoiceJoin(
		guildID string,
		channelID string,
		mute bool,
		deaf bool,
	) (*discordgo.VoiceConnection, error)

	// GuildVoiceState returns a user's current voice state
	GuildVoiceState(guildID string, userID string) (*discordgo.VoiceState, error)

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session].
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
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "command_name", c.Name)
	}
	return created, nil
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, options...)
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, options...)
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if d.session.State != nil {
		if ch, err := d.session.State.Channel(channelID); err == nil {
			return ch, nil
		}
	}
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) ChannelVoiceJoin(
	guildID string,
	channelID string,
	mute bool,
	deaf bool,
) (*discordgo.VoiceConnection, error) {
	return d.session.ChannelVoiceJoin(guildID, channelID, mute, deaf)
}

func (d DiscordSession) GuildVoiceState(
	guildID string,
	userID string,
) (*discordgo.VoiceState, error) {
	if d.session.State != nil {
		if vs, err := d.session.State.VoiceState(guildID, userID); err == nil {
			return vs, nil
		}
	}
	return nil, discordgo.ErrStateNotFound
}

func (d DiscordSession) UpdateStatusComplex(
	data discordgo.UpdateStatusData,
) error {
	return d.session.UpdateStatusComplex(data)
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

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

// applicationCommands builds the full slash command set.
func applicationCommands() []*discordgo.ApplicationCommand {
	var adminPermission int64 = discordgo.PermissionManageServer
	dmDisabled := false

	subredditOption := func(required bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionSubreddit,
			Description: "Subreddit to pull from",
			Required:    required,
		}
	}
	keywordOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        optionKeyword,
		Description: "Only posts whose title matches this keyword",
	}
	soundOption := &discordgo.ApplicationCommandOption{
		Type:         discordgo.ApplicationCommandOptionString,
		Name:         optionSound,
		Description:  "Sound file name",
		Required:     true,
		Autocomplete: true,
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:        commandMeme,
			Description: "Post a random meme",
			Options: []*discordgo.ApplicationCommandOption{
				subredditOption(false),
				keywordOption,
			},
		},
		{
			Name:        commandNSFWMeme,
			Description: "Post a random NSFW meme (age-restricted channels only)",
			NSFW:        &[]bool{true}[0],
			Options: []*discordgo.ApplicationCommandOption{
				subredditOption(false),
				keywordOption,
			},
		},
		{
			Name:        commandSubreddit,
			Description: "Post a meme from a specific subreddit",
			Options: []*discordgo.ApplicationCommandOption{
				subredditOption(true),
				keywordOption,
			},
		},
		{
			Name:        commandDashboard,
			Description: "Get a link to the web dashboard",
		},
		{
			Name:         commandJoin,
			Description:  "Join your current voice channel",
			DMPermission: &dmDisabled,
		},
		{
			Name:         commandLeave,
			Description:  "Leave the voice channel",
			DMPermission: &dmDisabled,
		},
		{
			Name:         commandPlay,
			Description:  "Play a sound from the soundboard",
			DMPermission: &dmDisabled,
			Options: []*discordgo.ApplicationCommandOption{
				soundOption,
			},
		},
		{
			Name:         commandStop,
			Description:  "Stop playback and clear the sound queue",
			DMPermission: &dmDisabled,
		},
		{
			Name:         commandSkip,
			Description:  "Skip the currently playing sound",
			DMPermission: &dmDisabled,
		},
		{
			Name:         commandQueue,
			Description:  "Show the queued sounds",
			DMPermission: &dmDisabled,
		},
		{
			Name:         commandEntrance,
			Description:  "Set or clear your entrance sound",
			DMPermission: &dmDisabled,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionString,
					Name:         optionSound,
					Description:  "Sound file name, or 'off' to disable",
					Required:     true,
					Autocomplete: true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionNumber,
					Name:        optionVolume,
					Description: "Playback volume (0.1 to 1.0)",
					MinValue:    &[]float64{0.1}[0],
					MaxValue:    1.0,
				},
			},
		},
		{
			Name:         commandBeep,
			Description:  "Play a short test tone",
			DMPermission: &dmDisabled,
		},
		{
			Name:                     commandAdmin,
			Description:              "Memer administration",
			DefaultMemberPermissions: &adminPermission,
			DMPermission:             &dmDisabled,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        adminSubcommandPing,
					Description: "Check bot latency",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        adminSubcommandUptime,
					Description: "Show bot uptime",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        adminSubcommandAddSubreddit,
					Description: "Add a subreddit to this guild's list",
					Options: []*discordgo.ApplicationCommandOption{
						subredditOption(true),
						{
							Type:        discordgo.ApplicationCommandOptionBoolean,
							Name:        optionNSFW,
							Description: "Add to the NSFW list",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        adminSubcommandRemoveSubreddit,
					Description: "Remove a subreddit from this guild's list",
					Options: []*discordgo.ApplicationCommandOption{
						subredditOption(true),
						{
							Type:        discordgo.ApplicationCommandOptionBoolean,
							Name:        optionNSFW,
							Description: "Remove from the NSFW list",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        adminSubcommandValidate,
					Description: "Check that this guild's subreddits are reachable",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        adminSubcommandCacheInfo,
					Description: "Show meme cache statistics",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        adminSubcommandIdleTimeout,
					Description: "Set the voice idle timeout for this guild",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        optionSeconds,
							Description: "Idle seconds before leaving voice",
							Required:    true,
							MinValue:    &[]float64{10}[0],
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        adminSubcommandResetVoiceError,
					Description: "Clear the recorded voice playback error",
				},
			},
		},
	}
}

// registerCommands bulk-overwrites the application commands, globally
// or per-guild depending on configuration.
func (d *Discord) registerCommands(ctx context.Context) error {
	commands := applicationCommands()
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
	)
	if err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	d.logger.InfoContext(
		ctx,
		"registered application commands",
		"count", len(created),
		"guild_id", d.config.GuildID,
	)
	return nil
}

// interactionResponseDeferred acks an interaction so the handler has
// time to fetch a meme before Discord's 3-second deadline.
func interactionResponseDeferred(ephemeral bool) *discordgo.InteractionResponse {
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
	if ephemeral {
		resp.Data = &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
		}
	}
	return resp
}

// ephemeralResponse replies to an interaction with a message only the
// caller can see.
func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// interactionUser returns the invoking user for guild or DM
// interactions.
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// interactionFromAdmin reports whether the invoking member can manage
// the server. Admin requests jump the meme queue.
func interactionFromAdmin(i *discordgo.InteractionCreate) bool {
	return i.Member != nil &&
		i.Member.Permissions&discordgo.PermissionManageServer != 0
}

// interactionAge is how long ago the interaction was created,
// derived from the snowflake ID.
func interactionAge(i *discordgo.InteractionCreate) time.Duration {
	ts, err := discordgo.SnowflakeTimestamp(i.ID)
	if err != nil {
		return 0
	}
	return time.Since(ts)
}
