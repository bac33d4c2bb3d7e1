package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/evd09/MemerV3/memer"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = memer.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "memer [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes log level strings into *slog.LevelVar
// during viper unmarshaling.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", memer.DefaultDatabase)
	viper.SetDefault("database_type", memer.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		memer.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		memer.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("data_dir", memer.DefaultDataDir)
	viper.SetDefault("development", false)
	viper.SetDefault("ffmpeg_path", memer.DefaultFFmpegPath)
	viper.SetDefault("ytdlp_path", memer.DefaultYTDLPPath)

	viper.SetDefault("log_level", memer.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", memer.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", memer.DefaultShutdownTimeout)

	// Reddit config
	viper.SetDefault("reddit.client_id", "")
	viper.SetDefault("reddit.client_secret", "")
	viper.SetDefault("reddit.user_agent", memer.DefaultRedditUserAgent)
	viper.SetDefault("reddit.request_timeout", memer.DefaultRedditTimeout)
	viper.SetDefault(
		"reddit.requests_per_second",
		memer.DefaultRedditRateLimit,
	)
	viper.SetDefault("reddit.max_attempts", memer.DefaultRedditMaxAttempts)
	viper.SetDefault("reddit.retry_backoff", memer.DefaultRedditRetryBackoff)
	viper.SetDefault("reddit.log_level", memer.DefaultRedditLogLevel.String())

	// Cache config
	viper.SetDefault("cache.warm_interval", memer.DefaultCacheWarmInterval)
	viper.SetDefault("cache.warm_delay", memer.DefaultCacheWarmDelay)
	viper.SetDefault("cache.warm_limit", memer.DefaultCacheWarmLimit)
	viper.SetDefault("cache.warm_batch_size", memer.DefaultCacheWarmBatchSize)
	viper.SetDefault("cache.seen_size", memer.DefaultCacheSeenSize)
	viper.SetDefault("cache.seen_ttl", memer.DefaultCacheSeenTTL)
	viper.SetDefault("cache.keyword_ttl", memer.DefaultCacheKeywordTTL)
	viper.SetDefault("cache.save_interval", memer.DefaultCacheSaveInterval)
	viper.SetDefault("cache.failure_limit", memer.DefaultCacheFailureLimit)
	viper.SetDefault("cache.disable_period", memer.DefaultCacheDisablePeriod)
	viper.SetDefault("cache.log_level", memer.DefaultCacheLogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		memer.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		memer.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		memer.DefaultDiscordGatewayIntent,
	)

	// Voice config
	viper.SetDefault("voice.idle_timeout", memer.DefaultVoiceIdleTimeout)
	viper.SetDefault("voice.default_volume", memer.DefaultVoiceVolume)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", memer.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", memer.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", memer.DefaultAPISessionMaxAge)
	viper.SetDefault("api.upload_max_bytes", memer.DefaultUploadMaxBytes)
	viper.SetDefault("api.upload_max_files", memer.DefaultUploadMaxFiles)
	viper.SetDefault("api.read_timeout", memer.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		memer.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", memer.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", memer.DefaultIdleTimeout)

	fatalErr(viper.BindEnv("api.external_url"))
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		memer.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		memer.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		memer.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", memer.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		memer.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(memer.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = memer.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	bindLegacyEnv(envPrefix, fatalErr)

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"reddit.log_level",
		"cache.log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

// bindLegacyEnv keeps the original deployment's bare environment
// variable names working alongside the MEMER_-prefixed ones.
func bindLegacyEnv(prefix string, fatalErr func(error)) {
	bind := func(key string, legacy string) {
		prefixed := prefix + "_" + strings.ToUpper(
			strings.ReplaceAll(key, ".", "_"),
		)
		fatalErr(viper.BindEnv(key, prefixed, legacy))
	}

	bind("discord.token", "DISCORD_TOKEN")
	bind("reddit.client_id", "REDDIT_CLIENT_ID")
	bind("reddit.client_secret", "REDDIT_CLIENT_SECRET")
	bind("api.oauth.client_id", "DISCORD_CLIENT_ID")
	bind("api.oauth.client_secret", "DISCORD_CLIENT_SECRET")
	bind("api.oauth.redirect_uri", "DISCORD_REDIRECT_URI")
	bind("api.secret", "SECRET_KEY")
	bind("api.development", "OAUTHLIB_INSECURE_TRANSPORT")

	// WEB_PORT carries a bare port number
	if port := os.Getenv("WEB_PORT"); port != "" &&
		os.Getenv(prefix+"_API_LISTEN") == "" {
		viper.Set("api.listen", ":"+strings.TrimPrefix(port, ":"))
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
