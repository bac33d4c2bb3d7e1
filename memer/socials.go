package memer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	socialModeLink   = "link"
	socialModeUpload = "upload"

	// discordUploadLimit is the attachment size cap for bots without
	// a boosted guild
	discordUploadLimit = 25 << 20

	socialDownloadTimeout = 2 * time.Minute
)

// socialURLPattern matches links that Discord embeds poorly. The fixer
// rewrites them to embed-friendly mirror hosts or re-uploads the media.
var socialURLPattern = regexp.MustCompile(
	`https?://(?:www\.)?` +
		`(tiktok\.com|vm\.tiktok\.com|instagram\.com|twitter\.com|x\.com)` +
		`/[^\s<>]+`,
)

// fixedSocialHosts maps source hostnames to their embed-friendly
// mirrors.
var fixedSocialHosts = map[string]string{
	"tiktok.com":    "vxtiktok.com",
	"vm.tiktok.com": "vm.vxtiktok.com",
	"instagram.com": "ddinstagram.com",
	"twitter.com":   "fxtwitter.com",
	"x.com":         "fixupx.com",
}

// fixSocialURL rewrites a matched social link to its mirror host.
func fixSocialURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	fixed, ok := fixedSocialHosts[host]
	if !ok {
		return "", false
	}
	u.Host = fixed
	return u.String(), true
}

// handleMessageCreate watches guild messages for social media links and
// reposts them in an embed-friendly form, per the guild's settings.
func (m *Memer) handleMessageCreate(
	ctx context.Context,
	mc *discordgo.MessageCreate,
) {
	if mc.Author == nil || mc.Author.Bot || mc.GuildID == "" {
		return
	}
	if m.paused.Load() {
		return
	}

	match := socialURLPattern.FindString(mc.Content)
	if match == "" {
		return
	}

	settings, err := m.socialSettings(ctx, mc.GuildID)
	if err != nil {
		m.logger.WarnContext(
			ctx,
			"error loading social settings",
			tint.Err(err),
		)
		return
	}
	if !settings.Enabled {
		return
	}

	logger := m.logger.With(
		loggerNameKey, "socials",
		"guild_id", mc.GuildID,
		"channel_id", mc.ChannelID,
		"url", match,
	)

	switch settings.Mode {
	case socialModeUpload:
		m.uploadSocialMedia(ctx, mc, match, logger)
	default:
		m.replySocialLink(ctx, mc, match, logger)
	}
}

func (m *Memer) socialSettings(
	ctx context.Context,
	guildID string,
) (SocialSettings, error) {
	var settings SocialSettings
	err := m.writeDB.DB().WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SocialSettings{
			GuildID: guildID,
			Enabled: true,
			Mode:    socialModeLink,
		}, nil
	}
	return settings, err
}

// replySocialLink responds with the mirror-host version of the link.
func (m *Memer) replySocialLink(
	ctx context.Context,
	mc *discordgo.MessageCreate,
	match string,
	logger *slog.Logger,
) {
	fixed, ok := fixSocialURL(match)
	if !ok {
		return
	}
	if _, err := m.discord.session.ChannelMessageSendReply(
		mc.ChannelID,
		fixed,
		mc.Reference(),
	); err != nil {
		logger.ErrorContext(ctx, "error replying with fixed link", tint.Err(err))
	}
}

// uploadSocialMedia downloads the linked media with yt-dlp and
// re-uploads it as an attachment, caching the result. Files over the
// attachment limit fall back to the link fixer.
func (m *Memer) uploadSocialMedia(
	ctx context.Context,
	mc *discordgo.MessageCreate,
	match string,
	logger *slog.Logger,
) {
	session := m.discord.session

	if cached, ok := m.cachedSocial(ctx, match); ok {
		if cached.FilePath != "" {
			if m.sendSocialFile(ctx, mc, cached.FilePath, logger) {
				return
			}
			// cached file is gone; fall through and re-download
		} else if cached.FixedURL != "" {
			if _, err := session.ChannelMessageSendReply(
				mc.ChannelID, cached.FixedURL, mc.Reference(),
			); err != nil {
				logger.ErrorContext(ctx, "error sending cached link", tint.Err(err))
			}
			return
		}
	}

	path, err := m.downloadSocialMedia(ctx, match)
	if err != nil {
		logger.WarnContext(
			ctx,
			"media download failed, falling back to link",
			tint.Err(err),
		)
		m.replySocialLink(ctx, mc, match, logger)
		m.storeSocialCache(ctx, match, "", "")
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() > discordUploadLimit {
		if err == nil {
			logger.InfoContext(
				ctx,
				"media too large to upload, falling back to link",
				"size", info.Size(),
			)
		}
		_ = os.Remove(path)
		m.replySocialLink(ctx, mc, match, logger)
		if fixed, ok := fixSocialURL(match); ok {
			m.storeSocialCache(ctx, match, fixed, "")
		}
		return
	}

	if m.sendSocialFile(ctx, mc, path, logger) {
		m.storeSocialCache(ctx, match, "", path)
	}
}

func (m *Memer) sendSocialFile(
	ctx context.Context,
	mc *discordgo.MessageCreate,
	path string,
	logger *slog.Logger,
) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() {
		_ = f.Close()
	}()

	_, err = m.discord.session.ChannelMessageSendComplex(
		mc.ChannelID,
		&discordgo.MessageSend{
			Files: []*discordgo.File{
				{Name: filepath.Base(path), Reader: f},
			},
			Reference: mc.Reference(),
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error uploading media", tint.Err(err))
		return false
	}
	return true
}

// downloadSocialMedia fetches the linked media into the state
// directory via yt-dlp.
func (m *Memer) downloadSocialMedia(
	ctx context.Context,
	sourceURL string,
) (string, error) {
	dlCtx, cancel := context.WithTimeout(ctx, socialDownloadTimeout)
	defer cancel()

	outDir := filepath.Join(m.config.StateDir(), "social_media")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	outPath := filepath.Join(outDir, uuid.NewString()+".mp4")

	cmd := exec.CommandContext(
		dlCtx,
		m.config.YTDLPPath,
		"--no-playlist",
		"--max-filesize", fmt.Sprintf("%d", discordUploadLimit),
		"-f", "mp4/bestvideo*+bestaudio/best",
		"--recode-video", "mp4",
		"-o", outPath,
		sourceURL,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf(
			"yt-dlp failed: %w (%s)",
			err,
			truncate(string(output), 500),
		)
	}
	if _, err = os.Stat(outPath); err != nil {
		return "", fmt.Errorf("yt-dlp produced no output file: %w", err)
	}
	return outPath, nil
}

func (m *Memer) cachedSocial(
	ctx context.Context,
	sourceURL string,
) (SocialCacheEntry, bool) {
	var entry SocialCacheEntry
	err := m.writeDB.DB().WithContext(ctx).Where(
		"source_url = ?", sourceURL,
	).First(&entry).Error
	if err != nil {
		return entry, false
	}
	if time.Since(time.UnixMilli(entry.CreatedAt)) > DefaultSocialCacheRetention {
		return entry, false
	}
	return entry, true
}

func (m *Memer) storeSocialCache(
	ctx context.Context,
	sourceURL string,
	fixedURL string,
	filePath string,
) {
	entry := SocialCacheEntry{
		SourceURL: sourceURL,
		FixedURL:  fixedURL,
		FilePath:  filePath,
	}
	err := m.writeDB.DB().WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_url"}},
			UpdateAll: true,
		},
	).Create(&entry).Error
	if err != nil {
		m.logger.WarnContext(
			ctx,
			"error caching social entry",
			tint.Err(err),
		)
	}
}
