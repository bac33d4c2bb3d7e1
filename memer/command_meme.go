package memer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

type memeRequestKind int

const (
	memeRequestSFW memeRequestKind = iota
	memeRequestNSFW
	memeRequestExplicit
)

var memeVoteEmojis = []string{"👍", "👎"}

const (
	msgMemesPaused      = "Meme commands are paused right now."
	msgMemePending      = "You already have a meme on the way."
	msgNSFWChannelOnly  = "NSFW memes only work in age-restricted channels."
	msgNoMemesFound     = "Couldn't find a meme for that. Try again in a bit."
	msgSubredditBlocked = "That subreddit isn't available right now."
)

// normalizeSubreddit strips an "r/" prefix and lowercases the name.
func normalizeSubreddit(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "/")
	s = strings.TrimPrefix(s, "r/")
	return strings.ToLower(s)
}

// handleMemeCommand validates a meme slash command, defers the
// response, and enqueues the fetch.
func (m *Memer) handleMemeCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	kind memeRequestKind,
) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = m.logger
	}
	session := m.discord.session

	if m.paused.Load() {
		if err := session.InteractionRespond(
			i.Interaction,
			ephemeralResponse(msgMemesPaused),
		); err != nil {
			logger.ErrorContext(ctx, "error sending paused reply", tint.Err(err))
		}
		return
	}

	user := interactionUser(i)
	if m.memeQueue.Pending(user.ID) {
		if err := session.InteractionRespond(
			i.Interaction,
			ephemeralResponse(msgMemePending),
		); err != nil {
			logger.ErrorContext(ctx, "error sending pending reply", tint.Err(err))
		}
		return
	}

	options := discordInteractionOptions(i)

	var subreddit, keyword string
	if opt, found := options[optionSubreddit]; found {
		subreddit = normalizeSubreddit(opt.StringValue())
	}
	if opt, found := options[optionKeyword]; found {
		keyword = strings.TrimSpace(opt.StringValue())
	}

	nsfw := kind == memeRequestNSFW
	if kind == memeRequestNSFW || kind == memeRequestExplicit {
		restricted, err := m.channelAgeRestricted(i.ChannelID)
		if err != nil {
			logger.WarnContext(ctx, "error checking channel", tint.Err(err))
		}
		if kind == memeRequestNSFW && !restricted {
			if err = session.InteractionRespond(
				i.Interaction,
				ephemeralResponse(msgNSFWChannelOnly),
			); err != nil {
				logger.ErrorContext(ctx, "error sending nsfw reply", tint.Err(err))
			}
			return
		}
		// explicit subreddit picks may surface NSFW posts only in
		// age-restricted channels
		if kind == memeRequestExplicit {
			nsfw = restricted
		}
	}

	if err := session.InteractionRespond(
		i.Interaction,
		interactionResponseDeferred(false),
	); err != nil {
		logger.ErrorContext(ctx, "error deferring response", tint.Err(err))
		return
	}

	req := &MemeRequest{
		Interaction: i,
		UserID:      user.ID,
		ChannelID:   i.ChannelID,
		GuildID:     i.GuildID,
		Subreddit:   subreddit,
		Keyword:     keyword,
		NSFW:        nsfw,
		Priority:    interactionFromAdmin(i),
	}
	if err := m.memeQueue.Push(req); err != nil {
		// lost the race to an earlier request from the same user
		content := msgMemePending
		if _, editErr := session.InteractionResponseEdit(
			i.Interaction,
			&discordgo.WebhookEdit{Content: &content},
		); editErr != nil {
			logger.ErrorContext(
				ctx,
				"error sending pending reply",
				tint.Err(editErr),
			)
		}
		return
	}
	logger.InfoContext(ctx, "queued meme request", "request", req)
}

// channelAgeRestricted reports whether the channel allows NSFW
// content.
func (m *Memer) channelAgeRestricted(channelID string) (bool, error) {
	ch, err := m.discord.session.Channel(channelID)
	if err != nil {
		return false, err
	}
	return ch.NSFW, nil
}

// requestSubreddits resolves which subreddits a request draws from.
func (m *Memer) requestSubreddits(req *MemeRequest) []string {
	if req.Subreddit != "" {
		return []string{req.Subreddit}
	}
	sfw, nsfw := getGuildSubreddits(m.writeDB.DB(), req.GuildID)
	if req.NSFW {
		return nsfw
	}
	return sfw
}

// processMemeRequest fetches a meme for the request and edits the
// deferred interaction response with the result.
func (m *Memer) processMemeRequest(ctx context.Context, req *MemeRequest) {
	logger := m.logger.With("request", req)

	rc := m.RuntimeConfig()
	exclude, err := recentPostIDs(
		m.writeDB.DB(),
		req.ChannelID,
		rc.RecentPostWindow.Duration,
	)
	if err != nil {
		logger.WarnContext(ctx, "error loading recent posts", tint.Err(err))
	}

	subs := m.requestSubreddits(req)
	opts := PickOptions{
		Keyword:    req.Keyword,
		NSFW:       req.NSFW,
		ExcludeIDs: exclude,
	}

	post, err := m.findMeme(ctx, subs, opts, logger)
	if err != nil {
		m.replyMemeFailure(ctx, req, err, logger)
		return
	}

	m.postMeme(ctx, req, post, logger)
}

// findMeme looks for an eligible post: warm cache first, then live
// search (for keywords), then live listings in hot/new/top order.
func (m *Memer) findMeme(
	ctx context.Context,
	subs []string,
	opts PickOptions,
	logger *slog.Logger,
) (Post, error) {
	post, err := m.cache.Pick(subs, opts)
	if err == nil {
		return post, nil
	}

	// cache miss: go to the API, trying subreddits in random order
	shuffled := make([]string, len(subs))
	copy(shuffled, subs)
	rand.Shuffle(
		len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		},
	)

	var lastErr error = ErrNoPosts
	for _, sub := range shuffled {
		if m.cache.Disabled(sub) {
			continue
		}

		if opts.Keyword != "" {
			posts, searchErr := m.reddit.SearchPosts(
				ctx,
				sub,
				opts.Keyword,
				m.config.Cache.WarmLimit,
			)
			if searchErr != nil {
				lastErr = searchErr
				logger.WarnContext(
					ctx,
					"search failed",
					"subreddit", sub,
					tint.Err(searchErr),
				)
			} else if len(posts) > 0 {
				m.cache.StoreKeyword(sub, opts.Keyword, posts)
				if p, ok := pickEligible(posts, opts); ok {
					return p, nil
				}
			}
		}

		for _, listing := range Listings {
			posts, listErr := m.reddit.ListingPosts(
				ctx,
				sub,
				listing,
				m.config.Cache.WarmLimit,
			)
			if listErr != nil {
				lastErr = listErr
				if errors.Is(listErr, ErrSubredditUnavailable) {
					break
				}
				continue
			}
			m.cache.storePosts(sub, listing, posts)
			candidates := posts
			if opts.Keyword != "" {
				candidates = filterByKeyword(posts, opts.Keyword)
			}
			if p, ok := pickEligible(candidates, opts); ok {
				return p, nil
			}
		}
	}
	return Post{}, lastErr
}

// pickEligible reservoir-samples posts that pass the request filters.
func pickEligible(posts []Post, opts PickOptions) (Post, bool) {
	var chosen Post
	count := 0
	for _, p := range posts {
		if p.NSFW && !opts.NSFW {
			continue
		}
		if opts.ExcludeIDs[p.ID] {
			continue
		}
		count++
		if rand.Intn(count) == 0 {
			chosen = p
		}
	}
	return chosen, count > 0
}

func filterByKeyword(posts []Post, keyword string) []Post {
	kw := strings.ToLower(keyword)
	var matched []Post
	for _, p := range posts {
		if strings.Contains(strings.ToLower(p.Title), kw) {
			matched = append(matched, p)
		}
	}
	return matched
}

// postMeme edits the deferred response with the meme and records it.
func (m *Memer) postMeme(
	ctx context.Context,
	req *MemeRequest,
	post Post,
	logger *slog.Logger,
) {
	session := m.discord.session

	var edit discordgo.WebhookEdit
	if isVideoURL(post.MediaURL) {
		// videos don't render inside embeds, so send the bare URL and
		// let Discord's player take over
		content := fmt.Sprintf("**%s**\n%s", post.Title, post.MediaURL)
		edit.Content = &content
	} else {
		embed := &discordgo.MessageEmbed{
			Title: truncate(post.Title, 256),
			URL:   "https://reddit.com" + post.Permalink,
			Image: &discordgo.MessageEmbedImage{URL: post.MediaURL},
			Footer: &discordgo.MessageEmbedFooter{
				Text: fmt.Sprintf("r/%s", post.Subreddit),
			},
		}
		edit.Embeds = &[]*discordgo.MessageEmbed{embed}
	}

	msg, err := session.InteractionResponseEdit(req.Interaction.Interaction, &edit)
	if err != nil {
		logger.ErrorContext(ctx, "error sending meme", tint.Err(err))
		return
	}

	m.cache.MarkSeen(post)

	listing := ""
	if req.Keyword != "" {
		listing = "search"
	}
	m.writeQueue.Enqueue(
		&MemeMessage{
			MessageID: msg.ID,
			ChannelID: req.ChannelID,
			GuildID:   req.GuildID,
			UserID:    req.UserID,
			Subreddit: post.Subreddit,
			Listing:   listing,
			PostID:    post.ID,
			PostHash:  post.MediaHash,
			Title:     truncate(post.Title, 300),
			URL:       post.MediaURL,
			NSFW:      post.NSFW,
			Keyword:   req.Keyword,
		},
	)

	if m.RuntimeConfig().MemeReactions {
		for _, emoji := range memeVoteEmojis {
			if reactErr := session.MessageReactionAdd(
				req.ChannelID,
				msg.ID,
				emoji,
			); reactErr != nil {
				logger.WarnContext(
					ctx,
					"error adding vote reaction",
					"emoji", emoji,
					tint.Err(reactErr),
				)
			}
		}
	}

	logger.InfoContext(ctx, "posted meme", "post", post, "message_id", msg.ID)
}

// replyMemeFailure edits the deferred response with a user-facing
// failure message.
func (m *Memer) replyMemeFailure(
	ctx context.Context,
	req *MemeRequest,
	err error,
	logger *slog.Logger,
) {
	logger.WarnContext(ctx, "meme request failed", tint.Err(err))

	content := msgNoMemesFound
	if errors.Is(err, ErrSubredditUnavailable) ||
		errors.Is(err, ErrSubredditDisabled) {
		content = msgSubredditBlocked
	}
	if _, editErr := m.discord.session.InteractionResponseEdit(
		req.Interaction.Interaction,
		&discordgo.WebhookEdit{Content: &content},
	); editErr != nil {
		logger.ErrorContext(
			ctx,
			"error sending failure reply",
			tint.Err(editErr),
		)
	}
}
