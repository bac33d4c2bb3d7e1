package memer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	msgNotInVoice      = "You need to be in a voice channel first."
	msgBotNotInVoice   = "I'm not in a voice channel."
	msgNothingQueued   = "Nothing queued."
	msgEntranceCleared = "Entrance sound disabled."

	entranceOff = "off"

	maxAutocompleteChoices = 25
)

// ctxLogger pulls the request logger from the context, falling back to
// the bot's logger.
func (m *Memer) ctxLogger(ctx context.Context) *slog.Logger {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = m.logger
	}
	return logger
}

// respond sends a plain (or ephemeral) interaction response, logging
// failures.
func (m *Memer) respond(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
	ephemeral bool,
) {
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content},
	}
	if ephemeral {
		resp.Data.Flags = discordgo.MessageFlagsEphemeral
	}
	if err := m.discord.session.InteractionRespond(i.Interaction, resp); err != nil {
		m.ctxLogger(ctx).ErrorContext(
			ctx,
			"error sending interaction response",
			tint.Err(err),
		)
	}
}

// userVoiceChannel returns the voice channel the invoking user is in.
func (m *Memer) userVoiceChannel(i *discordgo.InteractionCreate) (string, bool) {
	user := interactionUser(i)
	if user == nil || i.GuildID == "" {
		return "", false
	}
	vs, err := m.discord.session.GuildVoiceState(i.GuildID, user.ID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return "", false
	}
	return vs.ChannelID, true
}

func (m *Memer) handleJoinCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	channelID, ok := m.userVoiceChannel(i)
	if !ok {
		m.respond(ctx, i, msgNotInVoice, true)
		return
	}
	player := m.players.Get(i.GuildID)
	if err := player.Join(channelID); err != nil {
		m.ctxLogger(ctx).ErrorContext(
			ctx,
			"error joining voice channel",
			tint.Err(err),
		)
		m.respond(ctx, i, "Couldn't join the voice channel.", true)
		return
	}
	m.respond(ctx, i, "Joined!", false)
}

func (m *Memer) handleLeaveCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	player := m.players.Peek(i.GuildID)
	if player == nil || !player.Connected() {
		m.respond(ctx, i, msgBotNotInVoice, true)
		return
	}
	player.Stop()
	player.Disconnect()
	m.respond(ctx, i, "Bye!", false)
}

func (m *Memer) handlePlayCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := m.ctxLogger(ctx)
	options := discordInteractionOptions(i)
	opt, found := options[optionSound]
	if !found {
		m.respond(ctx, i, "No sound given.", true)
		return
	}
	name := opt.StringValue()

	path, err := resolveSoundPath(m.config.SoundsDir(), name)
	if err != nil {
		if errors.Is(err, ErrSoundNotFound) {
			m.respond(
				ctx, i, fmt.Sprintf("No sound named `%s`.", name), true,
			)
		} else {
			logger.WarnContext(ctx, "error resolving sound", tint.Err(err))
			m.respond(ctx, i, "Couldn't play that sound.", true)
		}
		return
	}

	player := m.players.Get(i.GuildID)
	if !player.Connected() {
		channelID, inVoice := m.userVoiceChannel(i)
		if !inVoice {
			m.respond(ctx, i, msgNotInVoice, true)
			return
		}
		if err = player.Join(channelID); err != nil {
			logger.ErrorContext(ctx, "error joining voice", tint.Err(err))
			m.respond(ctx, i, "Couldn't join the voice channel.", true)
			return
		}
	}

	err = player.Enqueue(
		QueuedSound{
			Name:        name,
			Path:        path,
			Volume:      1.0,
			RequestedBy: interactionUser(i).ID,
		},
	)
	if err != nil {
		if errors.Is(err, ErrSoundQueueFull) {
			m.respond(ctx, i, "The sound queue is full.", true)
			return
		}
		logger.ErrorContext(ctx, "error queueing sound", tint.Err(err))
		m.respond(ctx, i, "Couldn't queue that sound.", true)
		return
	}
	m.respond(ctx, i, fmt.Sprintf("Queued `%s`.", name), false)
}

func (m *Memer) handleStopCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	player := m.players.Peek(i.GuildID)
	if player == nil || !player.Connected() {
		m.respond(ctx, i, msgBotNotInVoice, true)
		return
	}
	player.Stop()
	m.respond(ctx, i, "Stopped playback and cleared the queue.", false)
}

func (m *Memer) handleSkipCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	player := m.players.Peek(i.GuildID)
	if player == nil || !player.Connected() {
		m.respond(ctx, i, msgBotNotInVoice, true)
		return
	}
	player.Skip()
	m.respond(ctx, i, "Skipped.", false)
}

func (m *Memer) handleQueueCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	player := m.players.Peek(i.GuildID)
	if player == nil {
		m.respond(ctx, i, msgNothingQueued, true)
		return
	}
	queued := player.Queue()
	if len(queued) == 0 {
		m.respond(ctx, i, msgNothingQueued, true)
		return
	}
	var sb strings.Builder
	sb.WriteString("**Sound queue:**\n")
	for n, name := range queued {
		sb.WriteString(fmt.Sprintf("%d. `%s`\n", n+1, name))
	}
	m.respond(ctx, i, sb.String(), false)
}

// handleEntranceCommand sets, updates or clears the caller's entrance
// sound for this guild.
func (m *Memer) handleEntranceCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := m.ctxLogger(ctx)
	user := interactionUser(i)
	options := discordInteractionOptions(i)

	opt, found := options[optionSound]
	if !found {
		m.respond(ctx, i, "No sound given.", true)
		return
	}
	name := strings.TrimSpace(opt.StringValue())

	volume := 1.0
	if volOpt, hasVol := options[optionVolume]; hasVol {
		volume = clampVolume(volOpt.FloatValue())
	}

	if strings.EqualFold(name, entranceOff) {
		if err := m.setEntranceEnabled(ctx, i.GuildID, user.ID, false); err != nil {
			logger.ErrorContext(
				ctx,
				"error disabling entrance sound",
				tint.Err(err),
			)
			m.respond(ctx, i, "Couldn't update your entrance sound.", true)
			return
		}
		m.respond(ctx, i, msgEntranceCleared, true)
		return
	}

	if _, err := resolveSoundPath(m.config.SoundsDir(), name); err != nil {
		m.respond(ctx, i, fmt.Sprintf("No sound named `%s`.", name), true)
		return
	}

	if err := m.setEntranceSound(ctx, i.GuildID, user.ID, name, volume); err != nil {
		logger.ErrorContext(ctx, "error saving entrance sound", tint.Err(err))
		m.respond(ctx, i, "Couldn't update your entrance sound.", true)
		return
	}
	m.respond(
		ctx,
		i,
		fmt.Sprintf(
			"Entrance sound set to `%s` (volume %.1f).", name, volume,
		),
		true,
	)
}

func (m *Memer) setEntranceSound(
	ctx context.Context,
	guildID string,
	userID string,
	filename string,
	volume float64,
) error {
	var entrance EntranceSound
	err := m.writeDB.DB().WithContext(ctx).Where(
		"guild_id = ? AND user_id = ?", guildID, userID,
	).First(&entrance).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		entrance = EntranceSound{
			GuildID:  guildID,
			UserID:   userID,
			Filename: filename,
			Volume:   volume,
			Enabled:  true,
		}
		_, err = m.writeDB.Create(ctx, &entrance)
		return err
	case err != nil:
		return err
	}
	entrance.Filename = filename
	entrance.Volume = volume
	entrance.Enabled = true
	_, err = m.writeDB.Save(ctx, &entrance)
	return err
}

func (m *Memer) setEntranceEnabled(
	ctx context.Context,
	guildID string,
	userID string,
	enabled bool,
) error {
	var entrance EntranceSound
	err := m.writeDB.DB().WithContext(ctx).Where(
		"guild_id = ? AND user_id = ?", guildID, userID,
	).First(&entrance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = m.writeDB.Update(ctx, &entrance, columnEntranceSoundEnabled, enabled)
	return err
}

func (m *Memer) handleBeepCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := m.ctxLogger(ctx)
	player := m.players.Get(i.GuildID)
	if !player.Connected() {
		channelID, inVoice := m.userVoiceChannel(i)
		if !inVoice {
			m.respond(ctx, i, msgNotInVoice, true)
			return
		}
		if err := player.Join(channelID); err != nil {
			logger.ErrorContext(ctx, "error joining voice", tint.Err(err))
			m.respond(ctx, i, "Couldn't join the voice channel.", true)
			return
		}
	}
	err := player.Enqueue(
		QueuedSound{
			Name:   "beep",
			Volume: 1.0,
			Tone:   true,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error queueing beep", tint.Err(err))
		m.respond(ctx, i, "Couldn't beep.", true)
		return
	}
	m.respond(ctx, i, "Beep!", false)
}

// handleAutocomplete serves sound name completion for /play and
// /entrance.
func (m *Memer) handleAutocomplete(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := m.ctxLogger(ctx)

	data := i.ApplicationCommandData()
	var partial string
	for _, opt := range data.Options {
		if opt.Name == optionSound && opt.Focused {
			partial = strings.ToLower(opt.StringValue())
		}
	}

	sounds, err := listSounds(m.config.SoundsDir())
	if err != nil {
		logger.WarnContext(ctx, "error listing sounds", tint.Err(err))
	}

	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, maxAutocompleteChoices)
	if data.Name == commandEntrance &&
		(partial == "" || strings.HasPrefix(entranceOff, partial)) {
		choices = append(
			choices, &discordgo.ApplicationCommandOptionChoice{
				Name:  entranceOff,
				Value: entranceOff,
			},
		)
	}
	for _, name := range sounds {
		if len(choices) >= maxAutocompleteChoices {
			break
		}
		if partial != "" && !strings.Contains(strings.ToLower(name), partial) {
			continue
		}
		choices = append(
			choices, &discordgo.ApplicationCommandOptionChoice{
				Name:  name,
				Value: name,
			},
		)
	}

	err = m.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionApplicationCommandAutocompleteResult,
			Data: &discordgo.InteractionResponseData{Choices: choices},
		},
	)
	if err != nil {
		logger.WarnContext(ctx, "error sending autocomplete", tint.Err(err))
	}
}

// handleVoiceStateUpdate plays a user's entrance sound when they join
// the channel the bot is in.
func (m *Memer) handleVoiceStateUpdate(
	ctx context.Context,
	vsu *discordgo.VoiceStateUpdate,
) {
	if vsu.UserID == "" || vsu.ChannelID == "" {
		return
	}
	// only channel joins, not mutes or other in-channel updates
	if vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == vsu.ChannelID {
		return
	}
	if vsu.Member != nil && vsu.Member.User != nil && vsu.Member.User.Bot {
		return
	}

	player := m.players.Peek(vsu.GuildID)
	if player == nil || !player.Connected() {
		return
	}

	if !m.entranceSoundsEnabled(ctx, vsu.GuildID) {
		return
	}

	var entrance EntranceSound
	err := m.writeDB.DB().WithContext(ctx).Where(
		"guild_id = ? AND user_id = ?", vsu.GuildID, vsu.UserID,
	).First(&entrance).Error
	if err != nil || !entrance.Enabled || entrance.Filename == "" {
		return
	}

	path, err := resolveSoundPath(m.config.SoundsDir(), entrance.Filename)
	if err != nil {
		m.logger.WarnContext(
			ctx,
			"entrance sound missing",
			"guild_id", vsu.GuildID,
			"user_id", vsu.UserID,
			"filename", entrance.Filename,
		)
		return
	}

	if err = player.Enqueue(
		QueuedSound{
			Name:        entrance.Filename,
			Path:        path,
			Volume:      clampVolume(entrance.Volume),
			RequestedBy: vsu.UserID,
		},
	); err != nil {
		m.logger.WarnContext(
			ctx,
			"error queueing entrance sound",
			tint.Err(err),
		)
	}
}

// entranceSoundsEnabled reports the guild-wide entrance sound toggle.
// Guilds with no settings row default to enabled.
func (m *Memer) entranceSoundsEnabled(ctx context.Context, guildID string) bool {
	var vs VoiceSettings
	err := m.writeDB.DB().WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).First(&vs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true
	}
	if err != nil {
		return true
	}
	return vs.EntranceEnabled
}
