package memer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// handleAdminCommand routes /memeradmin subcommands.
func (m *Memer) handleAdminCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return
	}
	sub := data.Options[0]

	options := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(sub.Options),
	)
	for _, opt := range sub.Options {
		options[opt.Name] = opt
	}

	ctx = WithLogger(
		ctx, m.ctxLogger(ctx).With("subcommand", sub.Name),
	)

	switch sub.Name {
	case adminSubcommandPing:
		m.adminPing(ctx, i)
	case adminSubcommandUptime:
		m.adminUptime(ctx, i)
	case adminSubcommandAddSubreddit:
		m.adminAddSubreddit(ctx, i, options)
	case adminSubcommandRemoveSubreddit:
		m.adminRemoveSubreddit(ctx, i, options)
	case adminSubcommandValidate:
		m.adminValidateSubreddits(ctx, i)
	case adminSubcommandCacheInfo:
		m.adminCacheInfo(ctx, i)
	case adminSubcommandIdleTimeout:
		m.adminSetIdleTimeout(ctx, i, options)
	case adminSubcommandResetVoiceError:
		m.adminResetVoiceError(ctx, i)
	default:
		m.ctxLogger(ctx).WarnContext(ctx, "unknown admin subcommand")
	}
}

func (m *Memer) adminPing(ctx context.Context, i *discordgo.InteractionCreate) {
	latency := interactionAge(i)
	m.respond(
		ctx, i, fmt.Sprintf("Pong! (%s)", latency.Round(time.Millisecond)), true,
	)
}

func (m *Memer) adminUptime(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	m.respond(
		ctx,
		i,
		fmt.Sprintf("Up for %s.", m.Uptime().Round(time.Second)),
		true,
	)
}

// guildSubredditsRow loads (or initializes) the guild's subreddit row.
func (m *Memer) guildSubredditsRow(
	ctx context.Context,
	guildID string,
) (GuildSubreddits, bool, error) {
	var gs GuildSubreddits
	err := m.writeDB.DB().WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).First(&gs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return GuildSubreddits{
			GuildID: guildID,
			SFW:     slices.Clone(DefaultSFWSubreddits),
			NSFW:    slices.Clone(DefaultNSFWSubreddits),
		}, false, nil
	}
	if err != nil {
		return gs, false, err
	}
	return gs, true, nil
}

func (m *Memer) saveGuildSubreddits(
	ctx context.Context,
	gs *GuildSubreddits,
	exists bool,
) error {
	var err error
	if exists {
		_, err = m.writeDB.Save(ctx, gs)
	} else {
		_, err = m.writeDB.Create(ctx, gs)
	}
	if err != nil {
		return err
	}
	// other instances reload their lists; ours refreshes via the same
	// notification path
	m.dbNotifier.ReloadGuilds(ctx)
	return nil
}

func (m *Memer) adminAddSubreddit(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	logger := m.ctxLogger(ctx)

	opt, found := options[optionSubreddit]
	if !found {
		m.respond(ctx, i, "No subreddit given.", true)
		return
	}
	name := normalizeSubreddit(opt.StringValue())
	if name == "" {
		m.respond(ctx, i, "No subreddit given.", true)
		return
	}

	nsfw := false
	if nsfwOpt, hasNSFW := options[optionNSFW]; hasNSFW {
		nsfw = nsfwOpt.BoolValue()
	}

	if err := m.reddit.AboutSubreddit(ctx, name); err != nil {
		logger.WarnContext(ctx, "subreddit check failed", tint.Err(err))
		m.respond(
			ctx,
			i,
			fmt.Sprintf("r/%s doesn't look reachable, not adding it.", name),
			true,
		)
		return
	}

	gs, exists, err := m.guildSubredditsRow(ctx, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading guild subreddits", tint.Err(err))
		m.respond(ctx, i, "Couldn't update the subreddit list.", true)
		return
	}

	list := &gs.SFW
	listName := "SFW"
	if nsfw {
		list = &gs.NSFW
		listName = "NSFW"
	}
	if slices.Contains(*list, name) {
		m.respond(
			ctx,
			i,
			fmt.Sprintf("r/%s is already on the %s list.", name, listName),
			true,
		)
		return
	}
	*list = append(*list, name)

	if err = m.saveGuildSubreddits(ctx, &gs, exists); err != nil {
		logger.ErrorContext(ctx, "error saving guild subreddits", tint.Err(err))
		m.respond(ctx, i, "Couldn't update the subreddit list.", true)
		return
	}
	m.respond(
		ctx,
		i,
		fmt.Sprintf("Added r/%s to the %s list.", name, listName),
		true,
	)
}

func (m *Memer) adminRemoveSubreddit(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	logger := m.ctxLogger(ctx)

	opt, found := options[optionSubreddit]
	if !found {
		m.respond(ctx, i, "No subreddit given.", true)
		return
	}
	name := normalizeSubreddit(opt.StringValue())

	nsfw := false
	if nsfwOpt, hasNSFW := options[optionNSFW]; hasNSFW {
		nsfw = nsfwOpt.BoolValue()
	}

	gs, exists, err := m.guildSubredditsRow(ctx, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading guild subreddits", tint.Err(err))
		m.respond(ctx, i, "Couldn't update the subreddit list.", true)
		return
	}

	list := &gs.SFW
	listName := "SFW"
	if nsfw {
		list = &gs.NSFW
		listName = "NSFW"
	}
	idx := slices.Index(*list, name)
	if idx < 0 {
		m.respond(
			ctx,
			i,
			fmt.Sprintf("r/%s isn't on the %s list.", name, listName),
			true,
		)
		return
	}
	*list = slices.Delete(*list, idx, idx+1)

	if err = m.saveGuildSubreddits(ctx, &gs, exists); err != nil {
		logger.ErrorContext(ctx, "error saving guild subreddits", tint.Err(err))
		m.respond(ctx, i, "Couldn't update the subreddit list.", true)
		return
	}
	m.respond(
		ctx,
		i,
		fmt.Sprintf("Removed r/%s from the %s list.", name, listName),
		true,
	)
}

// adminValidateSubreddits checks every subreddit on the guild's lists
// against the Reddit API and reports unreachable ones.
func (m *Memer) adminValidateSubreddits(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := m.ctxLogger(ctx)
	session := m.discord.session

	if err := session.InteractionRespond(
		i.Interaction,
		interactionResponseDeferred(true),
	); err != nil {
		logger.ErrorContext(ctx, "error deferring response", tint.Err(err))
		return
	}

	sfw, nsfw := getGuildSubreddits(m.writeDB.DB(), i.GuildID)
	all := map[string]bool{}
	for _, s := range sfw {
		all[s] = true
	}
	for _, s := range nsfw {
		all[s] = true
	}
	names := make([]string, 0, len(all))
	for s := range all {
		names = append(names, s)
	}
	sort.Strings(names)

	var bad []string
	for _, name := range names {
		if err := m.reddit.AboutSubreddit(ctx, name); err != nil {
			logger.WarnContext(
				ctx,
				"subreddit unreachable",
				"subreddit", name,
				tint.Err(err),
			)
			bad = append(bad, name)
		}
	}

	content := fmt.Sprintf("All %d subreddits look reachable.", len(names))
	if len(bad) > 0 {
		content = fmt.Sprintf(
			"%d of %d subreddits are unreachable: %s",
			len(bad),
			len(names),
			strings.Join(bad, ", "),
		)
	}
	if _, err := session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &content},
	); err != nil {
		logger.ErrorContext(ctx, "error sending validation result", tint.Err(err))
	}
}

func (m *Memer) adminCacheInfo(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	stats := m.cache.Stats()

	total := 0
	for _, n := range stats.Entries {
		total += n
	}

	var sb strings.Builder
	sb.WriteString("**Meme cache:**\n")
	sb.WriteString(
		fmt.Sprintf(
			"Cached posts: %d across %d listings\n",
			total,
			len(stats.Entries),
		),
	)
	sb.WriteString(
		fmt.Sprintf("Hits: %d / Misses: %d\n", stats.Hits, stats.Misses),
	)
	sb.WriteString(
		fmt.Sprintf(
			"Seen IDs: %d / Seen hashes: %d\n",
			stats.SeenIDs,
			stats.SeenHashes,
		),
	)
	if !stats.LastWarmedAt.IsZero() {
		sb.WriteString(
			fmt.Sprintf(
				"Last warmed: %s ago\n",
				time.Since(stats.LastWarmedAt).Round(time.Second),
			),
		)
	}
	if len(stats.Disabled) > 0 {
		sb.WriteString("Disabled subreddits:\n")
		for name, reason := range stats.Disabled {
			sb.WriteString(fmt.Sprintf("- `%s`: %s\n", name, reason))
		}
	}
	m.respond(ctx, i, sb.String(), true)
}

func (m *Memer) adminSetIdleTimeout(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	logger := m.ctxLogger(ctx)

	opt, found := options[optionSeconds]
	if !found {
		m.respond(ctx, i, "No timeout given.", true)
		return
	}
	timeout := time.Duration(opt.IntValue()) * time.Second

	if err := m.updateVoiceSettings(
		ctx,
		i.GuildID,
		columnVoiceSettingsIdleTimeout,
		Duration{Duration: timeout},
	); err != nil {
		logger.ErrorContext(ctx, "error saving idle timeout", tint.Err(err))
		m.respond(ctx, i, "Couldn't save the idle timeout.", true)
		return
	}
	m.respond(
		ctx,
		i,
		fmt.Sprintf("Voice idle timeout set to %s.", timeout),
		true,
	)
}

func (m *Memer) adminResetVoiceError(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := m.ctxLogger(ctx)

	var vs VoiceSettings
	err := m.writeDB.DB().WithContext(ctx).Where(
		"guild_id = ?", i.GuildID,
	).First(&vs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && vs.LastError == "") {
		m.respond(ctx, i, "No voice error recorded.", true)
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "error loading voice settings", tint.Err(err))
		m.respond(ctx, i, "Couldn't load voice settings.", true)
		return
	}

	lastError := vs.LastError
	if _, err = m.writeDB.Update(
		ctx, &vs, columnVoiceSettingsLastError, "",
	); err != nil {
		logger.ErrorContext(ctx, "error clearing voice error", tint.Err(err))
		m.respond(ctx, i, "Couldn't clear the voice error.", true)
		return
	}
	m.respond(
		ctx,
		i,
		fmt.Sprintf("Cleared voice error: `%s`", truncate(lastError, 500)),
		true,
	)
}

// updateVoiceSettings sets one column on the guild's voice settings,
// creating the row if needed.
func (m *Memer) updateVoiceSettings(
	ctx context.Context,
	guildID string,
	column string,
	value any,
) error {
	var vs VoiceSettings
	err := m.writeDB.DB().WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).First(&vs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		vs = VoiceSettings{GuildID: guildID, EntranceEnabled: true}
		if column == columnVoiceSettingsIdleTimeout {
			vs.IdleTimeout = value.(Duration)
		}
		_, err = m.writeDB.Create(ctx, &vs)
		return err
	}
	if err != nil {
		return err
	}
	_, err = m.writeDB.Update(ctx, &vs, column, value)
	return err
}
