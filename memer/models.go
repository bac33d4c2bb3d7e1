package memer

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	columnMemeMessageChannelID = "channel_id"
	columnMemeMessageGuildID   = "guild_id"
	columnMemeMessagePostID    = "post_id"
	columnMemeMessageCreatedAt = "created_at"

	columnVoiceSettingsLastError   = "last_error"
	columnVoiceSettingsIdleTimeout = "idle_timeout"

	columnEntranceSoundFilename = "filename"
	columnEntranceSoundVolume   = "volume"
	columnEntranceSoundEnabled  = "enabled"
)

// StringList is a string slice stored as a JSON column.
type StringList []string

func (s *StringList) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	case nil:
		*s = nil
		return nil
	default:
		return fmt.Errorf("cannot scan %T into StringList", value)
	}
}

func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal(s)
	return string(data), err
}

// GormDataType is used by GORM to determine the default data type for a field.
func (StringList) GormDataType() string {
	return "string"
}

// MemeMessage records a meme actually posted to a channel, one row per
// Discord message. Recent rows are used to avoid repeating posts in the
// same channel, and aggregate counts feed the dashboard.
type MemeMessage struct {
	ModelUintID
	ModelUnixTime
	MessageID string `json:"message_id" gorm:"index"`
	ChannelID string `json:"channel_id" gorm:"uniqueIndex:idx_channel_post"`
	GuildID   string `json:"guild_id" gorm:"index"`
	UserID    string `json:"user_id" gorm:"index"`
	Subreddit string `json:"subreddit" gorm:"index"`
	Listing   string `json:"listing"`
	PostID    string `json:"post_id" gorm:"uniqueIndex:idx_channel_post"`
	PostHash  string `json:"post_hash"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	NSFW      bool   `json:"nsfw"`
	Keyword   string `json:"keyword,omitempty"`
}

func (MemeMessage) TableName() string {
	return "meme_messages"
}

func (m MemeMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", m.MessageID),
		slog.String("channel_id", m.ChannelID),
		slog.String("subreddit", m.Subreddit),
		slog.String("post_id", m.PostID),
		slog.Bool("nsfw", m.NSFW),
	)
}

// MemeReaction tallies a single emoji on a posted meme.
type MemeReaction struct {
	ModelUintID
	ModelUnixTime
	MessageID string `json:"message_id" gorm:"uniqueIndex:idx_message_emoji"`
	Emoji     string `json:"emoji" gorm:"uniqueIndex:idx_message_emoji"`
	Count     int64  `json:"count"`
}

func (MemeReaction) TableName() string {
	return "meme_reactions"
}

// GuildSubreddits holds a guild's subreddit lists. Empty lists fall
// back to the built-in defaults.
type GuildSubreddits struct {
	GuildID string     `json:"guild_id" gorm:"primaryKey"`
	SFW     StringList `json:"sfw"`
	NSFW    StringList `json:"nsfw"`
	ModelUnixTime
}

func (GuildSubreddits) TableName() string {
	return "guild_subreddits"
}

// SocialSettings holds a guild's social link fixer configuration.
type SocialSettings struct {
	GuildID string `json:"guild_id" gorm:"primaryKey"`
	Enabled bool   `json:"enabled"`
	// Mode is "link" (reply with a fixed link) or "upload"
	// (re-upload the media as an attachment)
	Mode string `json:"mode"`
	ModelUnixTime
}

func (SocialSettings) TableName() string {
	return "social_settings"
}

// SocialCacheEntry caches a resolved social media link so repeated
// posts of the same URL skip yt-dlp. Rows expire after 48 hours.
type SocialCacheEntry struct {
	ModelUintID
	ModelUnixTime
	SourceURL string `json:"source_url" gorm:"uniqueIndex"`
	FixedURL  string `json:"fixed_url"`
	FilePath  string `json:"file_path"`
}

func (SocialCacheEntry) TableName() string {
	return "social_cache"
}

// VoiceSettings holds per-guild voice/audio state.
type VoiceSettings struct {
	GuildID string `json:"guild_id" gorm:"primaryKey"`
	// IdleTimeout overrides the configured default when > 0
	IdleTimeout Duration `json:"idle_timeout"`
	// EntranceEnabled toggles entrance sounds guild-wide
	EntranceEnabled bool `json:"entrance_enabled"`
	// LastError records the most recent playback failure, cleared
	// via /memeradmin resetvoiceerror
	LastError string `json:"last_error"`
	ModelUnixTime
}

func (VoiceSettings) TableName() string {
	return "voice_settings"
}

// EntranceSound is a user's per-guild entrance sound.
type EntranceSound struct {
	ModelUintID
	ModelUnixTime
	GuildID  string  `json:"guild_id" gorm:"uniqueIndex:idx_guild_user"`
	UserID   string  `json:"user_id" gorm:"uniqueIndex:idx_guild_user"`
	Filename string  `json:"filename"`
	Volume   float64 `json:"volume"`
	Enabled  bool    `json:"enabled"`
}

func (EntranceSound) TableName() string {
	return "entrance_sounds"
}

// getGuildSubreddits returns the guild's configured lists, or the
// defaults when the guild has none.
func getGuildSubreddits(
	db *gorm.DB,
	guildID string,
) (sfw []string, nsfw []string) {
	var gs GuildSubreddits
	err := db.Where("guild_id = ?", guildID).First(&gs).Error
	if err != nil || (len(gs.SFW) == 0 && len(gs.NSFW) == 0) {
		return DefaultSFWSubreddits, DefaultNSFWSubreddits
	}
	sfw = gs.SFW
	nsfw = gs.NSFW
	if len(sfw) == 0 {
		sfw = DefaultSFWSubreddits
	}
	if len(nsfw) == 0 {
		nsfw = DefaultNSFWSubreddits
	}
	return sfw, nsfw
}

// recentPostIDs returns post IDs used in the given channel within the
// window, for exclusion from the next random pick.
func recentPostIDs(
	db *gorm.DB,
	channelID string,
	window time.Duration,
) (map[string]bool, error) {
	var ids []string
	err := db.Model(&MemeMessage{}).
		Where(
			"channel_id = ? AND created_at >= ?",
			channelID,
			time.Now().Add(-window).UnixMilli(),
		).
		Pluck(columnMemeMessagePostID, &ids).Error
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	return seen, nil
}

// memeWriteQueue batches MemeMessage inserts so a burst of commands
// doesn't serialize on sqlite writes. Rows flush every interval or when
// the batch fills, whichever comes first.
type memeWriteQueue struct {
	db       DBI
	logger   *slog.Logger
	interval time.Duration
	batch    int

	mu      sync.Mutex
	pending []*MemeMessage
	flushCh chan struct{}
}

func newMemeWriteQueue(db DBI, logger *slog.Logger) *memeWriteQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &memeWriteQueue{
		db:       db,
		logger:   logger.With(loggerNameKey, "meme_write_queue"),
		interval: DefaultMemeWriteFlush,
		batch:    DefaultMemeWriteBatchSize,
		flushCh:  make(chan struct{}, 1),
	}
}

// Enqueue adds a row to the pending batch.
func (q *memeWriteQueue) Enqueue(msg *MemeMessage) {
	q.mu.Lock()
	q.pending = append(q.pending, msg)
	full := len(q.pending) >= q.batch
	q.mu.Unlock()

	if full {
		select {
		case q.flushCh <- struct{}{}:
		default:
		}
	}
}

// Run flushes the queue on a ticker until ctx is cancelled, then
// performs a final flush.
func (q *memeWriteQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.Flush(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			q.Flush(ctx)
		case <-q.flushCh:
			q.Flush(ctx)
		}
	}
}

// Flush writes all pending rows. Conflicting (channel_id, post_id)
// pairs are ignored rather than erroring.
func (q *memeWriteQueue) Flush(ctx context.Context) {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	err := q.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{DoNothing: true},
			).Create(&pending).Error
		},
	)
	if err != nil {
		q.logger.ErrorContext(
			ctx,
			"error flushing meme messages",
			"count", len(pending),
			tint.Err(err),
		)
		return
	}
	q.logger.DebugContext(ctx, "flushed meme messages", "count", len(pending))
}

// pruneMemeMessages hard-deletes rows older than the retention window,
// along with their reaction tallies.
func pruneMemeMessages(
	ctx context.Context,
	db DBI,
	retention time.Duration,
) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()

	var stale []string
	if err := db.DB().WithContext(ctx).Model(&MemeMessage{}).
		Where("created_at < ?", cutoff).
		Pluck("message_id", &stale).Error; err != nil {
		return 0, err
	}

	rv := db.DB().WithContext(ctx).Unscoped().
		Delete(&MemeMessage{}, "created_at < ?", cutoff)
	if rv.Error != nil {
		return rv.RowsAffected, rv.Error
	}
	if len(stale) > 0 {
		err := db.DB().WithContext(ctx).Unscoped().
			Delete(&MemeReaction{}, "message_id IN ?", stale).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return rv.RowsAffected, err
		}
	}
	return rv.RowsAffected, nil
}

// pruneSocialCache deletes cached social links past their TTL.
func pruneSocialCache(
	ctx context.Context,
	db DBI,
	retention time.Duration,
) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	rv := db.DB().WithContext(ctx).Unscoped().
		Delete(&SocialCacheEntry{}, "created_at < ?", cutoff)
	return rv.RowsAffected, rv.Error
}
