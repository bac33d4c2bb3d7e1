// Package memer implements a Discord meme bot: Reddit memes with a
// warm cache and hot/new/top fallback, a soundboard with entrance
// sounds, a social link fixer, and a web dashboard.
package memer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var memePruneInterval = 6 * time.Hour

// Memer is the top-level bot instance. Create one with [New] and
// start it with [Memer.Run].
type Memer struct {
	config *Config
	logger *slog.Logger

	writeDB    DBI
	dbNotifier DBNotifier

	discord *Discord
	reddit  *RedditClient
	blocked *blockedDomains
	cache   *MemeCache

	memeQueue  *MemeRequestQueue
	writeQueue *memeWriteQueue
	players    *playerRegistry

	api *API

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	paused       atomic.Bool
	pendingSetup atomic.Bool

	startedAt time.Time

	signalStop                    chan struct{}
	signalReady                   chan struct{}
	triggerRuntimeConfigRefreshCh chan bool
	triggerGuildRefreshCh         chan bool
}

// New validates the config and assembles a Memer instance. Nothing
// connects until [Memer.Run] is called.
func New(config *Config) (*Memer, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}
	if err := structValidator.Struct(config); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			return nil, fmt.Errorf("invalid config: %w", validationErrs)
		}
		return nil, err
	}

	logger := newLogger(config.LogLevel, "memer")

	m := &Memer{
		config:                        config,
		logger:                        logger,
		startedAt:                     time.Now(),
		signalStop:                    make(chan struct{}, 1),
		signalReady:                   make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		triggerGuildRefreshCh:         make(chan bool, 1),
	}

	if err := ensureDirs(config); err != nil {
		return nil, err
	}

	m.reddit = NewRedditClient(config.Reddit, logger)

	blockedPath := config.Cache.BlockedDomainsFile
	if blockedPath == "" {
		blockedPath = filepath.Join(config.StateDir(), "blocked_domains.yml")
	}
	m.blocked = newBlockedDomains(blockedPath, logger)
	if err := m.blocked.Load(); err != nil {
		logger.Warn("could not load blocked domains", tint.Err(err))
	}

	m.cache = NewMemeCache(
		config.Cache,
		m.reddit,
		m.blocked,
		config.StateDir(),
		logger,
	)

	m.memeQueue = NewMemeRequestQueue(
		DefaultMemeQueueSize,
		DefaultMemeQueueMaxAge,
		logger,
	)

	m.players = newPlayerRegistry(m)

	discord, err := newDiscord(&config.Discord)
	if err != nil {
		return nil, err
	}
	m.discord = discord

	return m, nil
}

// ensureDirs creates the runtime directory layout (sounds/, data/,
// logs/) if absent. Safe to call repeatedly.
func ensureDirs(config *Config) error {
	for _, dir := range []string{
		config.DataDir,
		config.SoundsDir(),
		config.StateDir(),
		config.LogDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil &&
			!errors.Is(err, os.ErrExist) {
			return fmt.Errorf("error creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// RuntimeConfig returns a copy of the current runtime configuration.
func (m *Memer) RuntimeConfig() RuntimeConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	if m.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *m.runtimeConfig
}

// Uptime reports how long the bot has been running.
func (m *Memer) Uptime() time.Duration {
	return time.Since(m.startedAt)
}

// loadRuntimeConfig loads the singleton RuntimeConfig row, creating
// it with defaults on first run. If no admin credentials are stored
// and OAuth isn't configured, the dashboard enters setup mode.
func (m *Memer) loadRuntimeConfig(ctx context.Context) error {
	var rc RuntimeConfig
	err := m.writeDB.DB().WithContext(ctx).Order("id").First(&rc).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rc = DefaultRuntimeConfig()
		if _, err = m.writeDB.Create(ctx, &rc); err != nil {
			return fmt.Errorf("error creating runtime config: %w", err)
		}
		m.logger.InfoContext(ctx, "created default runtime config")
	case err != nil:
		return fmt.Errorf("error loading runtime config: %w", err)
	}

	m.cfgMu.Lock()
	m.runtimeConfig = &rc
	m.cfgMu.Unlock()

	m.applyRuntimeConfig(ctx, rc)
	return nil
}

// applyRuntimeConfig pushes runtime config values to their consumers.
func (m *Memer) applyRuntimeConfig(ctx context.Context, rc RuntimeConfig) {
	m.paused.Store(rc.Paused)

	m.config.LogLevel.Set(rc.LogLevel.Level())
	m.config.Discord.LogLevel.Set(rc.DiscordLogLevel.Level())
	m.config.Discord.DiscordgoLogLevel.Set(rc.DiscordGoLogLevel.Level())
	m.config.DatabaseLogLevel.Set(rc.DatabaseLogLevel.Level())
	m.config.API.LogLevel.Set(rc.APILogLevel.Level())

	if m.discord != nil && m.discord.session != nil {
		if err := m.discord.session.SetLogLevel(rc.DiscordGoLogLevel.Level()); err != nil {
			m.logger.Warn("error setting discordgo log level", tint.Err(err))
		}
		if err := m.discord.session.UpdateStatusComplex(
			discordStatusUpdate(rc.DiscordCustomStatus),
		); err != nil {
			m.logger.WarnContext(ctx, "error updating status", tint.Err(err))
		}
	}

	hasAdmin := rc.AdminUsername != "" && rc.AdminPassword != ""
	hasOAuth := m.config.API.OAuth.ClientID != ""
	m.pendingSetup.Store(!hasAdmin && !hasOAuth)
}

// warmSubreddits is the union of the default lists and every guild's
// configured lists; it drives the cache warmer.
func (m *Memer) warmSubreddits() []string {
	seen := map[string]bool{}
	var subs []string
	add := func(list []string) {
		for _, s := range list {
			key := normalizeSubreddit(s)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			subs = append(subs, key)
		}
	}
	add(DefaultSFWSubreddits)
	add(DefaultNSFWSubreddits)

	var guilds []GuildSubreddits
	if err := m.writeDB.DB().Find(&guilds).Error; err != nil {
		m.logger.Warn("error loading guild subreddits", tint.Err(err))
		return subs
	}
	for _, g := range guilds {
		add(g.SFW)
		add(g.NSFW)
	}
	return subs
}

// Run starts the bot and blocks until ctx is cancelled or a stop
// signal arrives.
func (m *Memer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	db, err := CreateDB(
		ctx,
		m.config.DatabaseType,
		m.databaseDSN(),
	)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	m.writeDB = NewDatabase(
		db,
		m.logger,
		m.config.DatabaseType == dbTypePostgres,
	)
	m.writeQueue = newMemeWriteQueue(m.writeDB, m.logger)

	m.dbNotifier, err = newDBNotifier(m)
	if err != nil {
		return err
	}

	if err = m.loadRuntimeConfig(ctx); err != nil {
		return err
	}

	m.cache.SetProviders(
		m.warmSubreddits,
		func() time.Duration {
			rc := m.RuntimeConfig()
			if rc.CacheWarmInterval.Duration > 0 {
				return rc.CacheWarmInterval.Duration
			}
			return m.config.Cache.WarmInterval
		},
		func() int {
			rc := m.RuntimeConfig()
			if rc.CacheWarmLimit > 0 {
				return rc.CacheWarmLimit
			}
			return m.config.Cache.WarmLimit
		},
	)

	m.api, err = newAPI(m, &m.config.API)
	if err != nil {
		return err
	}

	m.registerHandlers()

	if err = m.discord.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	defer func() {
		if closeErr := m.discord.session.Close(); closeErr != nil {
			m.logger.Error("error closing discord session", tint.Err(closeErr))
		}
	}()

	if err = m.discord.registerCommands(ctx); err != nil {
		return err
	}
	m.applyRuntimeConfig(ctx, m.RuntimeConfig())

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(
		func() error {
			return m.api.Serve(egCtx)
		},
	)
	eg.Go(
		func() error {
			m.cache.Run(egCtx)
			return nil
		},
	)
	eg.Go(
		func() error {
			m.writeQueue.Run(egCtx)
			return nil
		},
	)
	eg.Go(
		func() error {
			m.memeWorker(egCtx)
			return nil
		},
	)
	eg.Go(
		func() error {
			m.pruneLoop(egCtx)
			return nil
		},
	)
	eg.Go(
		func() error {
			if watchErr := m.blocked.Watch(egCtx); watchErr != nil {
				m.logger.Warn(
					"blocked domains watcher failed",
					tint.Err(watchErr),
				)
			}
			return nil
		},
	)
	eg.Go(
		func() error {
			m.refreshLoop(egCtx)
			return nil
		},
	)
	if m.config.DatabaseType == dbTypePostgres {
		for _, channel := range []string{
			m.dbNotifier.RuntimeConfigChannelName(),
			m.dbNotifier.GuildsChannelName(),
			m.dbNotifier.StopChannelName(),
		} {
			channel := channel
			eg.Go(
				func() error {
					return m.dbNotifier.Listen(egCtx, channel)
				},
			)
		}
	}

	select {
	case m.signalReady <- struct{}{}:
	default:
	}
	m.logger.InfoContext(ctx, "memer is running", "config", m.config)

	select {
	case <-ctx.Done():
		m.logger.Info("context cancelled, shutting down")
	case <-m.signalStop:
		m.logger.Info("received stop signal, shutting down")
	}
	cancel()

	m.players.StopAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		m.config.ShutdownTimeout,
	)
	defer shutdownCancel()
	m.api.Shutdown(shutdownCtx)

	waitErr := eg.Wait()
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

// databaseDSN resolves the configured database value. Relative sqlite
// paths land in the state directory.
func (m *Memer) databaseDSN() string {
	if m.config.DatabaseType != dbTypeSQLite {
		return m.config.Database
	}
	if filepath.IsAbs(m.config.Database) {
		return m.config.Database
	}
	return filepath.Join(m.config.StateDir(), m.config.Database)
}

// registerHandlers attaches gateway event handlers.
func (m *Memer) registerHandlers() {
	session := m.discord.session
	session.AddHandler(
		func(_ *discordgo.Session, r *discordgo.Ready) {
			m.logger.Info(
				"discord session ready",
				"username", r.User.Username,
				"guilds", len(r.Guilds),
			)
		},
	)
	session.AddHandler(
		func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
			m.handleInteraction(context.Background(), i)
		},
	)
	session.AddHandler(
		func(_ *discordgo.Session, mc *discordgo.MessageCreate) {
			m.handleMessageCreate(context.Background(), mc)
		},
	)
	session.AddHandler(
		func(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
			m.handleVoiceStateUpdate(context.Background(), vsu)
		},
	)
	session.AddHandler(
		func(_ *discordgo.Session, mra *discordgo.MessageReactionAdd) {
			m.handleReaction(
				context.Background(),
				mra.MessageID,
				mra.Emoji.Name,
				1,
			)
		},
	)
	session.AddHandler(
		func(_ *discordgo.Session, mrr *discordgo.MessageReactionRemove) {
			m.handleReaction(
				context.Background(),
				mrr.MessageID,
				mrr.Emoji.Name,
				-1,
			)
		},
	)
}

// handleInteraction routes slash commands and autocompletes.
func (m *Memer) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		//
	case discordgo.InteractionApplicationCommandAutocomplete:
		m.handleAutocomplete(ctx, i)
		return
	default:
		return
	}

	name := i.ApplicationCommandData().Name
	logger := m.logger.With(
		"interaction_id", i.ID,
		"command", name,
	)
	ctx = WithLogger(ctx, logger)

	switch name {
	case commandMeme:
		m.handleMemeCommand(ctx, i, memeRequestSFW)
	case commandNSFWMeme:
		m.handleMemeCommand(ctx, i, memeRequestNSFW)
	case commandSubreddit:
		m.handleMemeCommand(ctx, i, memeRequestExplicit)
	case commandDashboard:
		m.handleDashboardCommand(ctx, i)
	case commandJoin:
		m.handleJoinCommand(ctx, i)
	case commandLeave:
		m.handleLeaveCommand(ctx, i)
	case commandPlay:
		m.handlePlayCommand(ctx, i)
	case commandStop:
		m.handleStopCommand(ctx, i)
	case commandSkip:
		m.handleSkipCommand(ctx, i)
	case commandQueue:
		m.handleQueueCommand(ctx, i)
	case commandEntrance:
		m.handleEntranceCommand(ctx, i)
	case commandBeep:
		m.handleBeepCommand(ctx, i)
	case commandAdmin:
		m.handleAdminCommand(ctx, i)
	default:
		logger.Warn("unknown command")
	}
}

// handleDashboardCommand replies with the dashboard URL.
func (m *Memer) handleDashboardCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	url := m.config.API.ExternalURL
	if url == "" {
		url = "http://localhost" + m.config.API.Listen
	}
	err := m.discord.session.InteractionRespond(
		i.Interaction,
		ephemeralResponse(fmt.Sprintf("Dashboard: %s", url)),
	)
	if err != nil {
		m.logger.ErrorContext(
			ctx,
			"error sending dashboard response",
			tint.Err(err),
		)
	}
}

// memeWorker drains the request queue, fetching and posting memes.
func (m *Memer) memeWorker(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.memeQueue.Ready():
		case <-ticker.C:
		}
		for {
			req := m.memeQueue.Pop()
			if req == nil {
				break
			}
			m.processMemeRequest(ctx, req)
			m.memeQueue.Done(req.UserID)
		}
	}
}

// pruneLoop periodically deletes expired meme rows and social cache
// entries.
func (m *Memer) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(memePruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rows, err := pruneMemeMessages(ctx, m.writeDB, DefaultMemeRetention)
			if err != nil {
				m.logger.Warn("error pruning meme messages", tint.Err(err))
			} else if rows > 0 {
				m.logger.Info("pruned meme messages", "rows", rows)
			}
			rows, err = pruneSocialCache(
				ctx,
				m.writeDB,
				DefaultSocialCacheRetention,
			)
			if err != nil {
				m.logger.Warn("error pruning social cache", tint.Err(err))
			} else if rows > 0 {
				m.logger.Info("pruned social cache", "rows", rows)
			}
		}
	}
}

// refreshLoop applies runtime config and guild changes signaled by the
// DB notifier.
func (m *Memer) refreshLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.triggerRuntimeConfigRefreshCh:
			if err := m.loadRuntimeConfig(ctx); err != nil {
				m.logger.Warn(
					"error refreshing runtime config",
					tint.Err(err),
				)
			}
		case <-m.triggerGuildRefreshCh:
			// guild lists are read from the DB on use; a refresh just
			// triggers an early warm pass for any new subreddits
			go m.cache.WarmAll(ctx)
		}
	}
}
