package memer

import (
	"crypto/tls"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	// DefaultEnvPrefix is the default environment variable prefix
	// (ex: MEMER_DISCORD_TOKEN)
	DefaultEnvPrefix = "MEMER"

	// EnvvarSetEnvPrefix overrides the environment variable prefix
	EnvvarSetEnvPrefix = "MEMER_ENV_PREFIX"

	DefaultDatabase     = "memer.sqlite3"
	DefaultDatabaseType = dbTypeSQLite
	DefaultDataDir      = "data"
	DefaultSoundsDir    = "sounds"
	DefaultLogDir       = "logs"

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultRedditUserAgent    = "linux:memer:v3 (by /u/memer-bot)"
	DefaultRedditTimeout      = 15 * time.Second
	DefaultRedditRateLimit    = 1.0
	DefaultRedditRateBurst    = 2
	DefaultRedditMaxAttempts  = 3
	DefaultRedditRetryBackoff = time.Second

	DefaultCacheWarmInterval  = 10 * time.Minute
	DefaultCacheWarmDelay     = 10 * time.Second
	DefaultCacheWarmLimit     = 75
	DefaultCacheWarmBatchSize = 5
	DefaultCacheSeenSize      = 10000
	DefaultCacheSeenTTL       = 6 * time.Hour
	DefaultCacheKeywordTTL    = time.Hour
	DefaultCacheSaveInterval  = 15 * time.Minute
	DefaultCacheFailureLimit  = 3
	DefaultCacheDisablePeriod = time.Hour

	DefaultMemeQueueSize        = 100
	DefaultMemeQueueMaxAge      = 3 * time.Minute
	DefaultMemeWriteFlush       = 5 * time.Second
	DefaultMemeWriteBatchSize   = 25
	DefaultMemeRetention        = 30 * 24 * time.Hour
	DefaultMemeRecentWindow     = 24 * time.Hour
	DefaultSocialCacheRetention = 48 * time.Hour

	DefaultVoiceIdleTimeout = 5 * time.Minute
	DefaultVoiceVolume      = 0.5
	DefaultFFmpegPath       = "ffmpeg"
	DefaultYTDLPPath        = "yt-dlp"

	// DefaultAPIListen is the default dashboard listen address
	DefaultAPIListen        = ":3000"
	DefaultAPIListenNetwork = "tcp"
	DefaultAPISessionMaxAge = 6 * time.Hour
	DefaultUploadMaxBytes   = 5 << 20
	DefaultUploadMaxFiles   = 500

	DefaultReadTimeout       = 30 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultIdleTimeout       = 120 * time.Second

	DefaultCORSMaxAge               = 12 * time.Hour
	DefaultAPICORSAllowCredentials  = true
	DefaultDiscordStartupStatus     = "fresh memes"
	DefaultDiscordGatewayIntent     = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessageReactions
)

var (
	DefaultLogLevel          = slog.LevelInfo
	DefaultDatabaseLogLevel  = slog.LevelWarn
	DefaultDiscordLogLevel   = slog.LevelInfo
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultAPILogLevel       = slog.LevelInfo
	DefaultRedditLogLevel    = slog.LevelInfo
	DefaultCacheLogLevel     = slog.LevelInfo

	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Request-ID",
	}
	DefaultCORSAllowMethods = []string{
		"GET",
		"POST",
		"PATCH",
		"DELETE",
		"OPTIONS",
	}
	DefaultCORSExposeHeaders = []string{"X-Request-ID"}

	// DefaultSFWSubreddits is used for guilds without a configured
	// subreddit list
	DefaultSFWSubreddits = []string{
		"memes",
		"dankmemes",
		"wholesomememes",
		"me_irl",
		"funny",
		"ProgrammerHumor",
	}

	// DefaultNSFWSubreddits is used for guilds without a configured
	// NSFW subreddit list
	DefaultNSFWSubreddits = []string{
		"NSFWMemes",
		"nsfwhumor",
	}
)

// Config is the top-level (startup) Memer configuration.
//
// Values that can change while the bot is running live in
// [RuntimeConfig] instead.
type Config struct {
	// Database is the database DSN - for sqlite, a file path
	Database string `mapstructure:"database" validate:"required"`

	// DatabaseType indicates the database type (sqlite or postgres)
	DatabaseType string `mapstructure:"database_type" validate:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for the gorm adapter
	DatabaseLogLevel *slog.LevelVar `mapstructure:"database_log_level"`

	// DatabaseSlowThreshold is the query duration after which
	// a query is logged as slow
	DatabaseSlowThreshold time.Duration `mapstructure:"database_slow_threshold"`

	// DataDir is the runtime data directory. The sounds/, data/ and
	// logs/ directories are created under it at startup if absent.
	DataDir string `mapstructure:"data_dir"`

	LogLevel *slog.LevelVar `mapstructure:"log_level"`

	StartupTimeout  time.Duration `mapstructure:"startup_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Development bool `mapstructure:"development"`

	// FFmpegPath is the ffmpeg binary used for sound transcoding
	FFmpegPath string `mapstructure:"ffmpeg_path"`

	// YTDLPPath is the yt-dlp binary used by the social link fixer
	YTDLPPath string `mapstructure:"ytdlp_path"`

	Reddit  RedditConfig  `mapstructure:"reddit"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Discord DiscordConfig `mapstructure:"discord"`
	Voice   VoiceConfig   `mapstructure:"voice"`
	API     APIConfig     `mapstructure:"api"`
}

// SoundsDir returns the directory holding playable sound files.
func (c Config) SoundsDir() string {
	return filepath.Join(c.DataDir, DefaultSoundsDir)
}

// StateDir returns the directory holding the database and cache files.
func (c Config) StateDir() string {
	return filepath.Join(c.DataDir, "data")
}

// LogDir returns the directory holding log files.
func (c Config) LogDir() string {
	return filepath.Join(c.DataDir, DefaultLogDir)
}

// RedditConfig configures the Reddit API client.
type RedditConfig struct {
	// ClientID is the Reddit script-app client ID. If empty, the
	// client falls back to the unauthenticated JSON endpoints.
	ClientID string `mapstructure:"client_id"`

	ClientSecret string `mapstructure:"client_secret" log:"[redacted]"`

	UserAgent string `mapstructure:"user_agent"`

	// BaseURL overrides the public API base URL (used in tests)
	BaseURL string `mapstructure:"base_url"`

	// AuthURL overrides the token endpoint base URL (used in tests)
	AuthURL string `mapstructure:"auth_url"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// RequestsPerSecond throttles all outbound Reddit requests
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`

	// MaxAttempts is the number of tries per listing fetch
	MaxAttempts int `mapstructure:"max_attempts"`

	// RetryBackoff is the base backoff, doubled per attempt
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	LogLevel *slog.LevelVar `mapstructure:"log_level"`
}

// CacheConfig configures the warm meme cache.
type CacheConfig struct {
	// WarmInterval is how often the background warmer refreshes
	// subreddit listings
	WarmInterval time.Duration `mapstructure:"warm_interval"`

	// WarmDelay is the initial delay before the first warmup pass
	WarmDelay time.Duration `mapstructure:"warm_delay"`

	// WarmLimit is the number of posts fetched per listing
	WarmLimit int `mapstructure:"warm_limit"`

	// WarmBatchSize is the number of subreddits warmed concurrently
	WarmBatchSize int `mapstructure:"warm_batch_size"`

	// SeenSize caps the deduplication caches (post IDs, media hashes)
	SeenSize int           `mapstructure:"seen_size"`
	SeenTTL  time.Duration `mapstructure:"seen_ttl"`

	// KeywordTTL is how long keyword search results stay cached
	KeywordTTL time.Duration `mapstructure:"keyword_ttl"`

	// SaveInterval is how often the cache is snapshotted to disk
	SaveInterval time.Duration `mapstructure:"save_interval"`

	// FailureLimit disables a subreddit after this many consecutive
	// fetch failures
	FailureLimit int `mapstructure:"failure_limit"`

	// DisablePeriod is how long a failing subreddit stays disabled
	DisablePeriod time.Duration `mapstructure:"disable_period"`

	// BlockedDomainsFile is a YAML file listing media domains to
	// reject. Watched for changes while running.
	BlockedDomainsFile string `mapstructure:"blocked_domains_file"`

	LogLevel *slog.LevelVar `mapstructure:"log_level"`
}

// DiscordConfig configures the Discord gateway session.
type DiscordConfig struct {
	Token string `mapstructure:"token" log:"[redacted]" validate:"required"`

	ApplicationID string `mapstructure:"application_id"`

	// GuildID, if set, registers slash commands on a single guild
	// (instant propagation) instead of globally
	GuildID string `mapstructure:"guild_id"`

	GatewayIntents discordgo.Intent `mapstructure:"gateway_intents"`

	LogLevel *slog.LevelVar `mapstructure:"log_level"`

	// DiscordgoLogLevel sets the log level for the discordgo library
	DiscordgoLogLevel *slog.LevelVar `mapstructure:"discordgo_log_level"`
}

// VoiceConfig configures audio playback.
type VoiceConfig struct {
	// IdleTimeout is how long the bot stays in a voice channel with
	// nothing queued before leaving (per-guild overrides live in
	// VoiceSettings)
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// DefaultVolume applies when a sound has no stored volume
	DefaultVolume float64 `mapstructure:"default_volume" validate:"omitempty,gte=0.1,lte=1.0"`
}

// DiscordOAuthConfig configures the dashboard's Discord OAuth2 login.
type DiscordOAuthConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret" log:"[redacted]"`
	RedirectURI  string `mapstructure:"redirect_uri"`

	// AuthBaseURL overrides the Discord OAuth endpoints (used in tests)
	AuthBaseURL string `mapstructure:"auth_base_url"`
}

// APIConfig configures the web dashboard HTTP server.
type APIConfig struct {
	// Listen address (default ":3000")
	Listen string `mapstructure:"listen" validate:"required"`

	ListenNetwork string `mapstructure:"listen_network" validate:"oneof=tcp tcp4 tcp6"`

	// Secret signs the session cookies. If empty, a random key is
	// generated and sessions do not survive restarts.
	Secret string `mapstructure:"secret" log:"[redacted]"`

	// ExternalURL is the public dashboard URL, used by /dashboard
	// replies and the OAuth redirect
	ExternalURL string `mapstructure:"external_url"`

	SessionMaxAge time.Duration `mapstructure:"session_max_age"`

	// Development relaxes cookie SameSite, enables pprof and serves
	// plain HTTP when no certificate is configured
	Development bool `mapstructure:"development"`

	UploadMaxBytes int64 `mapstructure:"upload_max_bytes"`
	UploadMaxFiles int   `mapstructure:"upload_max_files"`

	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`

	OAuth DiscordOAuthConfig `mapstructure:"oauth"`
	SSL   SSLConfig          `mapstructure:"ssl"`
	CORS  CORSConfig         `mapstructure:"cors"`

	LogLevel *slog.LevelVar `mapstructure:"log_level"`
}

// SSLConfig holds the TLS certificate configuration for the dashboard.
type SSLConfig struct {
	CertFile      string `mapstructure:"cert_file"`
	KeyFile       string `mapstructure:"key_file"`
	TLSMinVersion uint16 `mapstructure:"tls_min_version"`
}

// CORSConfig holds the CORS configuration for the dashboard.
type CORSConfig struct {
	AllowOrigins     []string      `mapstructure:"allow_origins"`
	AllowMethods     []string      `mapstructure:"allow_methods"`
	AllowHeaders     []string      `mapstructure:"allow_headers"`
	ExposeHeaders    []string      `mapstructure:"expose_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

// GINConfig converts CORSConfig into a gin-contrib cors.Config.
func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
		MaxAge:           c.MaxAge,
	}
}

// DefaultConfig returns a Config with default values set.
func DefaultConfig() *Config {
	logLevel := &slog.LevelVar{}
	logLevel.Set(DefaultLogLevel)

	dbLogLevel := &slog.LevelVar{}
	dbLogLevel.Set(DefaultDatabaseLogLevel)

	discordLogLevel := &slog.LevelVar{}
	discordLogLevel.Set(DefaultDiscordLogLevel)

	discordgoLogLevel := &slog.LevelVar{}
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)

	apiLogLevel := &slog.LevelVar{}
	apiLogLevel.Set(DefaultAPILogLevel)

	redditLogLevel := &slog.LevelVar{}
	redditLogLevel.Set(DefaultRedditLogLevel)

	cacheLogLevel := &slog.LevelVar{}
	cacheLogLevel.Set(DefaultCacheLogLevel)

	return &Config{
		Database:              DefaultDatabase,
		DatabaseType:          DefaultDatabaseType,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		DataDir:               DefaultDataDir,
		LogLevel:              logLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		FFmpegPath:            DefaultFFmpegPath,
		YTDLPPath:             DefaultYTDLPPath,
		Reddit: RedditConfig{
			UserAgent:         DefaultRedditUserAgent,
			RequestTimeout:    DefaultRedditTimeout,
			RequestsPerSecond: DefaultRedditRateLimit,
			MaxAttempts:       DefaultRedditMaxAttempts,
			RetryBackoff:      DefaultRedditRetryBackoff,
			LogLevel:          redditLogLevel,
		},
		Cache: CacheConfig{
			WarmInterval:  DefaultCacheWarmInterval,
			WarmDelay:     DefaultCacheWarmDelay,
			WarmLimit:     DefaultCacheWarmLimit,
			WarmBatchSize: DefaultCacheWarmBatchSize,
			SeenSize:      DefaultCacheSeenSize,
			SeenTTL:       DefaultCacheSeenTTL,
			KeywordTTL:    DefaultCacheKeywordTTL,
			SaveInterval:  DefaultCacheSaveInterval,
			FailureLimit:  DefaultCacheFailureLimit,
			DisablePeriod: DefaultCacheDisablePeriod,
			LogLevel:      cacheLogLevel,
		},
		Discord: DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordgoLogLevel: discordgoLogLevel,
		},
		Voice: VoiceConfig{
			IdleTimeout:   DefaultVoiceIdleTimeout,
			DefaultVolume: DefaultVoiceVolume,
		},
		API: APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     DefaultAPIListenNetwork,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			UploadMaxBytes:    DefaultUploadMaxBytes,
			UploadMaxFiles:    DefaultUploadMaxFiles,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SSL: SSLConfig{
				TLSMinVersion: tls.VersionTLS12,
			},
			CORS: CORSConfig{
				AllowMethods:     DefaultCORSAllowMethods,
				AllowHeaders:     DefaultCORSAllowHeaders,
				ExposeHeaders:    DefaultCORSExposeHeaders,
				AllowCredentials: DefaultAPICORSAllowCredentials,
				MaxAge:           DefaultCORSMaxAge,
			},
			LogLevel: apiLogLevel,
		},
	}
}

// LogValue implements slog.LogValuer, redacting secret fields.
func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}
