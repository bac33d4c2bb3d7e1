package memer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSession is a mock implementation of the
// DiscordSessionHandler interface. It records outbound calls so tests
// can assert on responses without a gateway connection.
type recordingSession struct {
	mu sync.Mutex

	opened bool

	responses []*discordgo.InteractionResponse
	edits     []*discordgo.WebhookEdit
	followups []*discordgo.WebhookParams
	messages  []string
	reactions []string
	commands  []*discordgo.ApplicationCommand
	statuses  []discordgo.UpdateStatusData

	// channels and voiceStates seed Channel / GuildVoiceState lookups
	channels    map[string]*discordgo.Channel
	voiceStates map[string]*discordgo.VoiceState

	// voiceJoinErr makes ChannelVoiceJoin fail
	voiceJoinErr error

	nextMessageID int
}

func newRecordingSession() *recordingSession {
	return &recordingSession{
		channels:    map[string]*discordgo.Channel{},
		voiceStates: map[string]*discordgo.VoiceState{},
	}
}

func (d *recordingSession) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = true
	return nil
}

func (d *recordingSession) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	return nil
}

func (d *recordingSession) AddHandler(_ any) func() {
	return func() {}
}

func (d *recordingSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = commands
	return commands, nil
}

func (d *recordingSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = append(d.responses, resp)
	return nil
}

func (d *recordingSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.edits = append(d.edits, newresp)
	d.nextMessageID++
	return &discordgo.Message{
		ID: fmt.Sprintf("message-%d", d.nextMessageID),
	}, nil
}

func (d *recordingSession) FollowupMessageCreate(
	_ *discordgo.Interaction,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.followups = append(d.followups, data)
	return &discordgo.Message{}, nil
}

func (d *recordingSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, message)
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (d *recordingSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, data.Content)
	return &discordgo.Message{ChannelID: channelID, Content: data.Content}, nil
}

func (d *recordingSession) ChannelMessageSendReply(
	channelID string,
	content string,
	_ *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, content)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (d *recordingSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reactions = append(
		d.reactions,
		fmt.Sprintf("%s/%s/%s", channelID, messageID, emojiID),
	)
	return nil
}

func (d *recordingSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.channels[channelID]; ok {
		return ch, nil
	}
	return &discordgo.Channel{ID: channelID}, nil
}

func (d *recordingSession) ChannelVoiceJoin(
	_ string,
	_ string,
	_ bool,
	_ bool,
) (*discordgo.VoiceConnection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.voiceJoinErr != nil {
		return nil, d.voiceJoinErr
	}
	return &discordgo.VoiceConnection{}, nil
}

func (d *recordingSession) GuildVoiceState(
	guildID string,
	userID string,
) (*discordgo.VoiceState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	vs, ok := d.voiceStates[guildID+"/"+userID]
	if !ok {
		return nil, discordgo.ErrStateNotFound
	}
	return vs, nil
}

func (d *recordingSession) UpdateStatusComplex(
	data discordgo.UpdateStatusData,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses = append(d.statuses, data)
	return nil
}

func (d *recordingSession) SetLogLevel(_ slog.Level) error {
	return nil
}

func (d *recordingSession) SetHTTPClient(_ *http.Client) {}

func (d *recordingSession) lastResponse(t testing.TB) *discordgo.InteractionResponse {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.responses)
	return d.responses[len(d.responses)-1]
}

func (d *recordingSession) lastEdit(t testing.TB) *discordgo.WebhookEdit {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.edits)
	return d.edits[len(d.edits)-1]
}

func (d *recordingSession) responseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.responses)
}

func (d *recordingSession) reactionEmojis() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.reactions...)
}

// testMemerBot assembles a Memer wired to a recording session and a
// migrated sqlite database, without starting Run.
func testMemerBot(t testing.TB) (*Memer, *recordingSession) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Discord.Token = "test-token"
	cfg.Voice.IdleTimeout = 0

	session := newRecordingSession()
	logger := slog.Default()

	m := &Memer{
		config:    cfg,
		logger:    logger,
		writeDB:   testWriteDB(t),
		startedAt: time.Now(),
		discord: &Discord{
			session: session,
			config:  &cfg.Discord,
			logger:  logger,
		},
		signalStop:                    make(chan struct{}, 1),
		signalReady:                   make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 10),
		triggerGuildRefreshCh:         make(chan bool, 10),
	}
	m.cache = NewMemeCache(testCacheConfig(), nil, nil, t.TempDir(), logger)
	m.memeQueue = NewMemeRequestQueue(
		DefaultMemeQueueSize,
		DefaultMemeQueueMaxAge,
		logger,
	)
	m.writeQueue = newMemeWriteQueue(m.writeDB, logger)
	m.players = newPlayerRegistry(m)
	m.dbNotifier = &sqliteNotifier{logger: logger, m: m, notifyID: "test"}
	return m, session
}

// testSnowflake returns a Discord snowflake ID for the given time.
func testSnowflake(ts time.Time) string {
	return fmt.Sprintf("%d", (ts.UnixMilli()-1420070400000)<<22)
}

// slashInteraction builds an application command interaction from a
// guild member.
func slashInteraction(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        testSnowflake(time.Now()),
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   "guild-1",
			ChannelID: "channel-1",
			Member: &discordgo.Member{
				User: &discordgo.User{ID: "user-1", Username: "somebody"},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: options,
			},
		},
	}
}

func stringOption(
	name string,
	value string,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Type:  discordgo.ApplicationCommandOptionString,
		Name:  name,
		Value: value,
	}
}

func TestApplicationCommands(t *testing.T) {
	commands := applicationCommands()

	byName := map[string]*discordgo.ApplicationCommand{}
	for _, c := range commands {
		byName[c.Name] = c
	}

	for _, name := range []string{
		commandMeme,
		commandNSFWMeme,
		commandSubreddit,
		commandDashboard,
		commandJoin,
		commandLeave,
		commandPlay,
		commandStop,
		commandSkip,
		commandQueue,
		commandEntrance,
		commandBeep,
		commandAdmin,
	} {
		assert.Contains(t, byName, name)
	}
	assert.Len(t, commands, 13)

	nsfwMeme := byName[commandNSFWMeme]
	require.NotNil(t, nsfwMeme.NSFW)
	assert.True(t, *nsfwMeme.NSFW)

	// /r_ requires the subreddit option
	explicit := byName[commandSubreddit]
	require.NotEmpty(t, explicit.Options)
	assert.Equal(t, optionSubreddit, explicit.Options[0].Name)
	assert.True(t, explicit.Options[0].Required)

	admin := byName[commandAdmin]
	require.NotNil(t, admin.DefaultMemberPermissions)
	assert.Equal(
		t,
		int64(discordgo.PermissionManageServer),
		*admin.DefaultMemberPermissions,
	)
	assert.Len(t, admin.Options, 8)

	// voice commands are guild-only
	for _, name := range []string{
		commandJoin,
		commandPlay,
		commandEntrance,
		commandBeep,
	} {
		cmd := byName[name]
		require.NotNil(t, cmd.DMPermission, name)
		assert.False(t, *cmd.DMPermission, name)
	}
}

func TestRegisterCommands(t *testing.T) {
	m, session := testMemerBot(t)
	m.config.Discord.ApplicationID = "app-1"

	require.NoError(t, m.discord.registerCommands(context.Background()))

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Len(t, session.commands, 13)
}

func TestInteractionUser(t *testing.T) {
	i := slashInteraction(commandMeme)
	user := interactionUser(i)
	require.NotNil(t, user)
	assert.Equal(t, "user-1", user.ID)

	dm := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			User: &discordgo.User{ID: "dm-user"},
		},
	}
	user = interactionUser(dm)
	require.NotNil(t, user)
	assert.Equal(t, "dm-user", user.ID)
}

func TestInteractionAge(t *testing.T) {
	i := slashInteraction(commandMeme)
	i.ID = testSnowflake(time.Now().Add(-time.Minute))

	age := interactionAge(i)
	assert.InDelta(t, time.Minute, age, float64(5*time.Second))

	i.ID = "not a snowflake"
	assert.Equal(t, time.Duration(0), interactionAge(i))
}

func TestEphemeralResponse(t *testing.T) {
	resp := ephemeralResponse("only you can see this")
	assert.Equal(
		t,
		discordgo.InteractionResponseChannelMessageWithSource,
		resp.Type,
	)
	require.NotNil(t, resp.Data)
	assert.Equal(t, "only you can see this", resp.Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
}

func TestInteractionResponseDeferred(t *testing.T) {
	resp := interactionResponseDeferred(false)
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		resp.Type,
	)
	assert.Nil(t, resp.Data)

	resp = interactionResponseDeferred(true)
	require.NotNil(t, resp.Data)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
}

func TestHandleDashboardCommand(t *testing.T) {
	m, session := testMemerBot(t)
	m.config.API.ExternalURL = "https://memer.example.com"

	m.handleInteraction(context.Background(), slashInteraction(commandDashboard))

	resp := session.lastResponse(t)
	require.NotNil(t, resp.Data)
	assert.Contains(t, resp.Data.Content, "https://memer.example.com")
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
}

func TestHandleInteractionIgnoresUnknownTypes(t *testing.T) {
	m, session := testMemerBot(t)

	i := slashInteraction(commandMeme)
	i.Type = discordgo.InteractionMessageComponent
	m.handleInteraction(context.Background(), i)

	assert.Zero(t, session.responseCount())
}

func TestNewDiscordInstallsLoggingBridge(t *testing.T) {
	original := discordgo.Logger
	discordgo.Logger = nil
	t.Cleanup(
		func() {
			discordgo.Logger = original
		},
	)

	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	d, err := newDiscord(&cfg.Discord)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.NotNil(t, discordgo.Logger)
}
