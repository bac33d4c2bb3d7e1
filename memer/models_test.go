package memer

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testWriteDB creates a migrated sqlite database in a temp directory.
func testWriteDB(t testing.TB) DBI {
	t.Helper()
	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "test.sqlite3"),
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return NewDatabase(db, nil, false)
}

func TestStringListRoundTrip(t *testing.T) {
	db := testWriteDB(t)
	ctx := context.Background()

	gs := GuildSubreddits{
		GuildID: "guild-1",
		SFW:     StringList{"memes", "dankmemes"},
		NSFW:    StringList{"NSFWMemes"},
	}
	_, err := db.Create(ctx, &gs)
	require.NoError(t, err)

	var loaded GuildSubreddits
	require.NoError(
		t,
		db.DB().Where("guild_id = ?", "guild-1").First(&loaded).Error,
	)
	assert.Equal(t, StringList{"memes", "dankmemes"}, loaded.SFW)
	assert.Equal(t, StringList{"NSFWMemes"}, loaded.NSFW)
}

func TestStringListScanNil(t *testing.T) {
	var s StringList
	require.NoError(t, s.Scan(nil))
	assert.Nil(t, s)

	require.NoError(t, s.Scan(`["a","b"]`))
	assert.Equal(t, StringList{"a", "b"}, s)

	assert.Error(t, s.Scan(42))
}

func TestGetGuildSubreddits(t *testing.T) {
	db := testWriteDB(t)
	ctx := context.Background()

	// no row: defaults
	sfw, nsfw := getGuildSubreddits(db.DB(), "unknown-guild")
	assert.Equal(t, DefaultSFWSubreddits, sfw)
	assert.Equal(t, DefaultNSFWSubreddits, nsfw)

	_, err := db.Create(
		ctx, &GuildSubreddits{
			GuildID: "guild-1",
			SFW:     StringList{"custom_memes"},
		},
	)
	require.NoError(t, err)

	// configured SFW, empty NSFW falls back to defaults
	sfw, nsfw = getGuildSubreddits(db.DB(), "guild-1")
	assert.Equal(t, []string{"custom_memes"}, sfw)
	assert.Equal(t, DefaultNSFWSubreddits, nsfw)
}

func TestRecentPostIDs(t *testing.T) {
	db := testWriteDB(t)
	ctx := context.Background()

	recent := MemeMessage{
		MessageID: "msg-1",
		ChannelID: "channel-1",
		PostID:    "recent-post",
	}
	_, err := db.Create(ctx, &recent)
	require.NoError(t, err)

	old := MemeMessage{
		MessageID: "msg-2",
		ChannelID: "channel-1",
		PostID:    "old-post",
	}
	_, err = db.Create(ctx, &old)
	require.NoError(t, err)
	_, err = db.Update(
		ctx,
		&old,
		columnMemeMessageCreatedAt,
		time.Now().Add(-48*time.Hour).UnixMilli(),
	)
	require.NoError(t, err)

	otherChannel := MemeMessage{
		MessageID: "msg-3",
		ChannelID: "channel-2",
		PostID:    "other-channel-post",
	}
	_, err = db.Create(ctx, &otherChannel)
	require.NoError(t, err)

	ids, err := recentPostIDs(db.DB(), "channel-1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"recent-post": true}, ids)
}

func TestMemeWriteQueueFlush(t *testing.T) {
	db := testWriteDB(t)
	q := newMemeWriteQueue(db, nil)

	q.Enqueue(
		&MemeMessage{
			MessageID: "msg-1",
			ChannelID: "channel-1",
			PostID:    "post-1",
			Subreddit: "memes",
		},
	)
	q.Enqueue(
		&MemeMessage{
			MessageID: "msg-2",
			ChannelID: "channel-1",
			PostID:    "post-2",
			Subreddit: "memes",
		},
	)

	q.Flush(context.Background())

	var count int64
	require.NoError(
		t,
		db.DB().Model(&MemeMessage{}).Count(&count).Error,
	)
	assert.Equal(t, int64(2), count)

	// flushing again with nothing pending is a no-op
	q.Flush(context.Background())
}

func TestMemeWriteQueueConflictIgnored(t *testing.T) {
	db := testWriteDB(t)
	q := newMemeWriteQueue(db, nil)

	q.Enqueue(
		&MemeMessage{
			MessageID: "msg-1",
			ChannelID: "channel-1",
			PostID:    "post-1",
		},
	)
	q.Flush(context.Background())

	// same (channel_id, post_id) pair again
	q.Enqueue(
		&MemeMessage{
			MessageID: "msg-2",
			ChannelID: "channel-1",
			PostID:    "post-1",
		},
	)
	q.Flush(context.Background())

	var count int64
	require.NoError(t, db.DB().Model(&MemeMessage{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestMemeWriteQueueSignalsWhenFull(t *testing.T) {
	db := testWriteDB(t)
	q := newMemeWriteQueue(db, nil)
	q.batch = 2

	q.Enqueue(&MemeMessage{ChannelID: "c", PostID: "p1"})
	select {
	case <-q.flushCh:
		t.Fatal("flush signal before batch filled")
	default:
	}

	q.Enqueue(&MemeMessage{ChannelID: "c", PostID: "p2"})
	select {
	case <-q.flushCh:
	default:
		t.Fatal("expected flush signal when batch filled")
	}
}

func TestPruneMemeMessages(t *testing.T) {
	db := testWriteDB(t)
	ctx := context.Background()

	stale := MemeMessage{
		MessageID: "stale-msg",
		ChannelID: "channel-1",
		PostID:    "stale-post",
	}
	_, err := db.Create(ctx, &stale)
	require.NoError(t, err)
	_, err = db.Update(
		ctx,
		&stale,
		columnMemeMessageCreatedAt,
		time.Now().Add(-60*24*time.Hour).UnixMilli(),
	)
	require.NoError(t, err)

	_, err = db.Create(
		ctx,
		&MemeReaction{MessageID: "stale-msg", Emoji: "👍", Count: 3},
	)
	require.NoError(t, err)

	fresh := MemeMessage{
		MessageID: "fresh-msg",
		ChannelID: "channel-1",
		PostID:    "fresh-post",
	}
	_, err = db.Create(ctx, &fresh)
	require.NoError(t, err)

	deleted, err := pruneMemeMessages(ctx, db, DefaultMemeRetention)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var messages int64
	require.NoError(t, db.DB().Model(&MemeMessage{}).Count(&messages).Error)
	assert.Equal(t, int64(1), messages)

	var reactions int64
	require.NoError(t, db.DB().Model(&MemeReaction{}).Count(&reactions).Error)
	assert.Equal(t, int64(0), reactions)
}

func TestPruneSocialCache(t *testing.T) {
	db := testWriteDB(t)
	ctx := context.Background()

	stale := SocialCacheEntry{SourceURL: "https://x.com/old/status/1"}
	_, err := db.Create(ctx, &stale)
	require.NoError(t, err)
	_, err = db.Update(
		ctx,
		&stale,
		columnMemeMessageCreatedAt,
		time.Now().Add(-72*time.Hour).UnixMilli(),
	)
	require.NoError(t, err)

	fresh := SocialCacheEntry{SourceURL: "https://x.com/new/status/2"}
	_, err = db.Create(ctx, &fresh)
	require.NoError(t, err)

	deleted, err := pruneSocialCache(ctx, db, DefaultSocialCacheRetention)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var remaining []SocialCacheEntry
	require.NoError(t, db.DB().Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "https://x.com/new/status/2", remaining[0].SourceURL)
}

func TestDurationScanValue(t *testing.T) {
	var d Duration
	require.NoError(t, d.Scan("5m"))
	assert.Equal(t, 5*time.Minute, d.Duration)

	require.NoError(t, d.Scan([]byte("30s")))
	assert.Equal(t, 30*time.Second, d.Duration)

	assert.Error(t, d.Scan(12345))
	assert.Error(t, d.Scan("not a duration"))

	v, err := Duration{Duration: 90 * time.Second}.Value()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", v)
}

func TestDurationJSON(t *testing.T) {
	data, err := json.Marshal(Duration{Duration: 5 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, `"5m0s"`, string(data))

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"2h"`), &d))
	assert.Equal(t, 2*time.Hour, d.Duration)

	require.NoError(t, json.Unmarshal([]byte(`null`), &d))
	assert.Equal(t, 2*time.Hour, d.Duration)
}

func TestVoiceSettingsRoundTrip(t *testing.T) {
	db := testWriteDB(t)
	ctx := context.Background()

	vs := VoiceSettings{
		GuildID:         "guild-1",
		IdleTimeout:     Duration{Duration: 2 * time.Minute},
		EntranceEnabled: true,
	}
	_, err := db.Create(ctx, &vs)
	require.NoError(t, err)

	var loaded VoiceSettings
	require.NoError(
		t,
		db.DB().Where("guild_id = ?", "guild-1").First(&loaded).Error,
	)
	assert.Equal(t, 2*time.Minute, loaded.IdleTimeout.Duration)
	assert.True(t, loaded.EntranceEnabled)
}
