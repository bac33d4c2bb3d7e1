package memer

import (
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

var (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
	columnRuntimeConfigPaused        = "paused"
)

// RuntimeConfig is configuration that can be changed while the bot is
// running, via the dashboard or admin commands. It's stored as a
// singleton row; changes are propagated to other instances through the
// DBNotifier.
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// AdminUsername and AdminPassword (argon2id hash) are the
	// dashboard fallback credentials, used when Discord OAuth
	// isn't configured
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	// Paused suspends meme commands without taking the bot offline
	Paused bool `json:"paused"`

	// DiscordCustomStatus sets the bot's activity line
	DiscordCustomStatus string `json:"discord_custom_status"`

	LogLevel          DBLogLevel `json:"log_level" gorm:"type:string"`
	DiscordLogLevel   DBLogLevel `json:"discord_log_level" gorm:"type:string"`
	DiscordGoLogLevel DBLogLevel `json:"discordgo_log_level" gorm:"type:string"`
	DatabaseLogLevel  DBLogLevel `json:"database_log_level" gorm:"type:string"`
	APILogLevel       DBLogLevel `json:"api_log_level" gorm:"type:string"`

	// CacheWarmInterval overrides the startup warm interval
	CacheWarmInterval Duration `json:"cache_warm_interval" gorm:"type:string"`

	// CacheWarmLimit is the number of posts fetched per listing
	CacheWarmLimit int `json:"cache_warm_limit"`

	// RecentPostWindow is how far back a channel's posted memes are
	// excluded from new picks
	RecentPostWindow Duration `json:"recent_post_window" gorm:"type:string"`

	// MemeReactions adds vote reactions to posted memes so tallies
	// can feed the dashboard stats
	MemeReactions bool `json:"meme_reactions"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (c RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DefaultRuntimeConfig returns the RuntimeConfig row created on first
// startup.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Paused:              false,
		DiscordCustomStatus: DefaultDiscordStartupStatus,
		LogLevel:            DBLogLevel(DefaultLogLevel.String()),
		DiscordLogLevel:     DBLogLevel(DefaultDiscordLogLevel.String()),
		DiscordGoLogLevel:   DBLogLevel(DefaultDiscordgoLogLevel.String()),
		DatabaseLogLevel:    DBLogLevel(DefaultDatabaseLogLevel.String()),
		APILogLevel:         DBLogLevel(DefaultAPILogLevel.String()),
		CacheWarmInterval:   Duration{DefaultCacheWarmInterval},
		CacheWarmLimit:      DefaultCacheWarmLimit,
		RecentPostWindow:    Duration{DefaultMemeRecentWindow},
		MemeReactions:       true,
	}
}

// RuntimeConfigUpdate is the PATCH payload for RuntimeConfig. Only
// non-nil fields are applied.
type RuntimeConfigUpdate struct {
	Paused              *bool       `json:"paused,omitempty"`
	DiscordCustomStatus *string     `json:"discord_custom_status,omitempty"`
	LogLevel            *DBLogLevel `json:"log_level,omitempty" binding:"omitempty,oneof=DEBUG INFO WARN ERROR"`
	DiscordLogLevel     *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitempty,oneof=DEBUG INFO WARN ERROR"`
	DiscordGoLogLevel   *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitempty,oneof=DEBUG INFO WARN ERROR"`
	DatabaseLogLevel    *DBLogLevel `json:"database_log_level,omitempty" binding:"omitempty,oneof=DEBUG INFO WARN ERROR"`
	APILogLevel         *DBLogLevel `json:"api_log_level,omitempty" binding:"omitempty,oneof=DEBUG INFO WARN ERROR"`
	CacheWarmInterval   *Duration   `json:"cache_warm_interval,omitempty"`
	CacheWarmLimit      *int        `json:"cache_warm_limit,omitempty" binding:"omitempty,gte=1,lte=100"`
	RecentPostWindow    *Duration   `json:"recent_post_window,omitempty"`
	MemeReactions       *bool       `json:"meme_reactions,omitempty"`
}

// validateRuntimeConfigUpdate rejects values the binding tags can't
// express.
func validateRuntimeConfigUpdate(u RuntimeConfigUpdate) error {
	if u.CacheWarmInterval != nil && u.CacheWarmInterval.Duration <= 0 {
		return fmt.Errorf(
			"cache_warm_interval must be positive (got %s)",
			u.CacheWarmInterval,
		)
	}
	if u.RecentPostWindow != nil && u.RecentPostWindow.Duration < 0 {
		return fmt.Errorf(
			"recent_post_window cannot be negative (got %s)",
			u.RecentPostWindow,
		)
	}
	return nil
}

// updates converts the payload to a column/value map for gorm Updates.
func (u RuntimeConfigUpdate) updates() map[string]any {
	values := map[string]any{}
	if u.Paused != nil {
		values["paused"] = *u.Paused
	}
	if u.DiscordCustomStatus != nil {
		values["discord_custom_status"] = *u.DiscordCustomStatus
	}
	if u.LogLevel != nil {
		values["log_level"] = *u.LogLevel
	}
	if u.DiscordLogLevel != nil {
		values["discord_log_level"] = *u.DiscordLogLevel
	}
	if u.DiscordGoLogLevel != nil {
		values["discordgo_log_level"] = *u.DiscordGoLogLevel
	}
	if u.DatabaseLogLevel != nil {
		values["database_log_level"] = *u.DatabaseLogLevel
	}
	if u.APILogLevel != nil {
		values["api_log_level"] = *u.APILogLevel
	}
	if u.CacheWarmInterval != nil {
		values["cache_warm_interval"] = *u.CacheWarmInterval
	}
	if u.CacheWarmLimit != nil {
		values["cache_warm_limit"] = *u.CacheWarmLimit
	}
	if u.RecentPostWindow != nil {
		values["recent_post_window"] = *u.RecentPostWindow
	}
	if u.MemeReactions != nil {
		values["meme_reactions"] = *u.MemeReactions
	}
	return values
}

// discordStatusUpdate builds the gateway presence update for the
// configured custom status.
func discordStatusUpdate(status string) discordgo.UpdateStatusData {
	data := discordgo.UpdateStatusData{Status: string(discordgo.StatusOnline)}
	if status != "" {
		data.Activities = []*discordgo.Activity{
			{
				Name: status,
				Type: discordgo.ActivityTypeWatching,
			},
		}
	}
	return data
}
