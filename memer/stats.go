package memer

import (
	"context"
	"errors"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// handleReaction adjusts the tally for an emoji on a posted meme.
// Reactions on messages the bot didn't post are ignored.
func (m *Memer) handleReaction(
	ctx context.Context,
	messageID string,
	emoji string,
	delta int64,
) {
	var count int64
	err := m.writeDB.DB().WithContext(ctx).Model(&MemeMessage{}).Where(
		"message_id = ?", messageID,
	).Count(&count).Error
	if err != nil {
		m.logger.WarnContext(
			ctx,
			"error checking reaction message",
			tint.Err(err),
		)
		return
	}
	if count == 0 {
		return
	}

	err = m.writeDB.DB().WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: "message_id"},
				{Name: "emoji"},
			},
			DoUpdates: clause.Assignments(
				map[string]any{
					"count": gorm.Expr("count + ?", delta),
				},
			),
		},
	).Create(
		&MemeReaction{
			MessageID: messageID,
			Emoji:     emoji,
			Count:     delta,
		},
	).Error
	if err != nil {
		m.logger.WarnContext(ctx, "error recording reaction", tint.Err(err))
	}
}

// SubredditCount is a per-subreddit posted-meme tally.
type SubredditCount struct {
	Subreddit string `json:"subreddit"`
	Count     int64  `json:"count"`
}

// TopMeme is a posted meme ranked by reaction count.
type TopMeme struct {
	MessageID string `json:"message_id"`
	Subreddit string `json:"subreddit"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	Reactions int64  `json:"reactions"`
}

// MemeStats aggregates posting activity for the dashboard.
type MemeStats struct {
	TotalMemes    int64            `json:"total_memes"`
	MemesToday    int64            `json:"memes_today"`
	GuildCount    int64            `json:"guild_count"`
	TopSubreddits []SubredditCount `json:"top_subreddits"`
	TopMemes      []TopMeme        `json:"top_memes"`
	Cache         CacheStats       `json:"cache"`
}

// memeStats collects dashboard statistics from the posted-meme history
// and the warm cache.
func (m *Memer) memeStats(ctx context.Context) (MemeStats, error) {
	stats := MemeStats{Cache: m.cache.Stats()}
	db := m.writeDB.DB().WithContext(ctx)

	if err := db.Model(&MemeMessage{}).Count(&stats.TotalMemes).Error; err != nil {
		return stats, err
	}

	dayStart := time.Now().Add(-24 * time.Hour).UnixMilli()
	err := db.Model(&MemeMessage{}).Where(
		"created_at >= ?", dayStart,
	).Count(&stats.MemesToday).Error
	if err != nil {
		return stats, err
	}

	err = db.Model(&MemeMessage{}).Distinct(
		columnMemeMessageGuildID,
	).Count(&stats.GuildCount).Error
	if err != nil {
		return stats, err
	}

	err = db.Model(&MemeMessage{}).Select(
		"subreddit, count(*) as count",
	).Group("subreddit").Order("count desc").Limit(10).Scan(
		&stats.TopSubreddits,
	).Error
	if err != nil {
		return stats, err
	}

	err = db.Model(&MemeMessage{}).Select(
		"meme_messages.message_id, meme_messages.subreddit, " +
			"meme_messages.title, meme_messages.url, " +
			"sum(meme_reactions.count) as reactions",
	).Joins(
		"join meme_reactions on meme_reactions.message_id = meme_messages.message_id",
	).Where(
		"meme_reactions.count > 0",
	).Group(
		"meme_messages.message_id, meme_messages.subreddit, " +
			"meme_messages.title, meme_messages.url",
	).Order("reactions desc").Limit(10).Scan(&stats.TopMemes).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return stats, err
	}

	return stats, nil
}
