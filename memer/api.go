package memer

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix = "/debug"
	apiPrefix   = "/api"

	apiPathLogin           = "/login"
	apiPathLogout          = "/logout"
	apiPathLoggedIn        = "/logged_in"
	apiHealthCheck         = "/healthz"
	apiPathSetup           = "/setup"
	apiPathSetupStatus     = "/setup/status"
	apiPathSounds          = "/sounds"
	apiPathPlay            = "/play"
	apiPathEntrance        = "/entrance"
	apiPathUpload          = "/upload"
	apiPathStats           = "/stats"
	apiPathConfig          = "/config"
	apiPathDiscordAuth     = "/auth/discord"
	apiPathDiscordCallback = "/auth/discord/callback"

	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
	sessionVarState  = "oauth_state"

	discordOAuthBaseURL = "https://discord.com"
	discordAPIBaseURL   = "https://discord.com/api/v10"
)

var structValidator = validator.New()

type httpError struct {
	Error string `json:"error"`
}

type httpReply struct {
	Message string `json:"message"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type adminSetupPayload struct {
	Username string `json:"username" binding:"required,min=3"`
	Password string `json:"password" binding:"required,min=8"`
}

type setupResponse struct {
	Required bool `json:"required"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused    bool    `json:"paused"`
	QueueSize int     `json:"queue_size"`
	Uptime    float64 `json:"uptime_seconds"`
}

type playPayload struct {
	GuildID string `json:"guild_id" binding:"required"`
	Sound   string `json:"sound" binding:"required"`
}

type entrancePayload struct {
	GuildID string   `json:"guild_id" binding:"required"`
	UserID  string   `json:"user_id" binding:"required"`
	Sound   string   `json:"sound"`
	Volume  *float64 `json:"volume,omitempty"`
	Enabled *bool    `json:"enabled,omitempty"`
}

// API is the dashboard HTTP server: login (Discord OAuth or stored
// admin credentials), soundboard management and bot statistics.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger

	handlers *APIHandlers
}

func newAPI(m *Memer, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		logger:              m.logger.With(loggerNameKey, "api"),
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := newAPIHandlers(m)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	var tlsCfg *tls.Config
	if config.SSL.CertFile != "" {
		var err error
		tlsCfg, err = tlsConfig(
			config.SSL.CertFile,
			config.SSL.KeyFile,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	} else if !config.Development {
		api.logger.Warn(
			"no SSL certificate configured, serving plain HTTP",
		)
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(corsConfig),
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPrefix+apiPathLogin, apiHandlers.loginHandler)
	r.POST(apiPrefix+apiPathLogout, apiHandlers.logoutHandler)
	r.GET(apiPrefix+apiPathSetupStatus, apiHandlers.setupStatus)
	r.POST(apiPrefix+apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPrefix+apiPathDiscordAuth, apiHandlers.discordAuthRedirect)
	r.GET(apiPrefix+apiPathDiscordCallback, apiHandlers.discordAuthCallback)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(m))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathSounds, apiHandlers.getSounds)
	protected.POST(apiPathPlay, apiHandlers.playSound)
	protected.GET(apiPathEntrance, apiHandlers.getEntranceSounds)
	protected.POST(apiPathEntrance, apiHandlers.setEntranceSound)
	protected.POST(apiPathUpload, apiHandlers.uploadSound)
	protected.GET(apiPathStats, apiHandlers.getStats)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)

	return api, nil
}

// Serve listens and serves until the listener is closed via Shutdown.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(
			ctx,
			a.config.ListenNetwork,
			a.config.Listen,
		)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.Info("dashboard listening", "address", a.listener.Addr().String())
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (a *API) Shutdown(ctx context.Context) {
	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Warn("error shutting down dashboard server", tint.Err(err))
	}
}

// CookieStore is the session store used by the dashboard.
type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the dashboard endpoints.
type APIHandlers struct {
	m      *Memer
	logger *slog.Logger
	store  CookieStore
}

func newAPIHandlers(m *Memer) *APIHandlers {
	logger := m.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := m.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if m.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   !m.config.API.Development,
			MaxAge:   int(m.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{m: m, logger: logger, store: store}
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:    h.m.paused.Load(),
			QueueSize: h.m.memeQueue.Len(),
			Uptime:    h.m.Uptime().Seconds(),
		},
	)
}

func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.m.pendingSetup.Load()})
}

// adminSetup sets the initial admin credentials. Only available while
// no credentials are stored and OAuth isn't configured.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.m.cfgMu.Lock()
	defer h.m.cfgMu.Unlock()

	if !h.m.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")

	var adminSetup adminSetupPayload
	if err := c.ShouldBindJSON(&adminSetup); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	password, err := HashPassword(adminSetup.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		ginReplyError(c, "error setting admin credentials")
		return
	}

	currentState := h.m.runtimeConfig
	if _, err = h.m.writeDB.Updates(
		c.Request.Context(), currentState, map[string]any{
			columnRuntimeConfigAdminUsername: adminSetup.Username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		ginReplyError(c, "error updating admin credentials")
		return
	}
	h.m.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

// loginHandler logs in with the stored admin credentials.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.m.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := h.m.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "Internal Server Error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}

	if err = h.saveSessionUser(c, login.Username); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) saveSessionUser(c *gin.Context, username string) error {
	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil {
		// a stale/invalid cookie still yields a usable new session
		if session == nil {
			return err
		}
	}
	sameSite := http.SameSiteStrictMode
	if h.m.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.m.config.API.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   !h.m.config.API.Development,
	}
	session.Values[sessionVarField] = username
	return session.Save(c.Request, c.Writer)
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil || session == nil {
		c.JSON(http.StatusOK, httpReply{Message: "logged out"})
		return
	}
	session.Options.MaxAge = -1
	delete(session.Values, sessionVarField)
	if err = session.Save(c.Request, c.Writer); err != nil {
		ginContextLogger(c).Error("error clearing session", tint.Err(err))
	}
	c.JSON(http.StatusOK, httpReply{Message: "logged out"})
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.m.api.getSessionUsername(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// oauthBaseURL returns the Discord OAuth endpoint base, which tests
// override.
func (h *APIHandlers) oauthBaseURL() string {
	if h.m.config.API.OAuth.AuthBaseURL != "" {
		return h.m.config.API.OAuth.AuthBaseURL
	}
	return discordOAuthBaseURL
}

// discordAuthRedirect starts the Discord OAuth login flow.
func (h *APIHandlers) discordAuthRedirect(c *gin.Context) {
	oauth := h.m.config.API.OAuth
	if oauth.ClientID == "" {
		c.JSON(
			http.StatusNotImplemented,
			httpError{Error: "discord oauth not configured"},
		)
		return
	}

	state, err := generateRandomHexString(32)
	if err != nil {
		ginReplyError(c, "internal server error")
		return
	}
	session, _ := h.store.Get(c.Request, sessionVarName)
	if session != nil {
		session.Values[sessionVarState] = state
		_ = session.Save(c.Request, c.Writer)
	}

	query := url.Values{
		"client_id":     {oauth.ClientID},
		"redirect_uri":  {oauth.RedirectURI},
		"response_type": {"code"},
		"scope":         {"identify"},
		"state":         {state},
	}
	c.Redirect(
		http.StatusTemporaryRedirect,
		h.oauthBaseURL()+"/oauth2/authorize?"+query.Encode(),
	)
}

// discordAuthCallback exchanges the OAuth code, resolves the Discord
// username, and logs the user in.
func (h *APIHandlers) discordAuthCallback(c *gin.Context) {
	logger := ginContextLogger(c)
	oauth := h.m.config.API.OAuth

	session, _ := h.store.Get(c.Request, sessionVarName)
	expectedState := ""
	if session != nil {
		if s, ok := session.Values[sessionVarState].(string); ok {
			expectedState = s
		}
		delete(session.Values, sessionVarState)
		_ = session.Save(c.Request, c.Writer)
	}
	if expectedState == "" || c.Query("state") != expectedState {
		c.JSON(http.StatusBadRequest, httpError{Error: "state mismatch"})
		return
	}

	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, httpError{Error: "missing code"})
		return
	}

	username, err := h.discordOAuthUsername(c.Request.Context(), oauth, code)
	if err != nil {
		logger.Error("discord oauth failed", tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	if err = h.saveSessionUser(c, username); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("discord oauth login", "username", username)
	c.Redirect(http.StatusTemporaryRedirect, "/")
}

// discordOAuthUsername trades an OAuth code for the user's Discord
// username.
func (h *APIHandlers) discordOAuthUsername(
	ctx context.Context,
	oauth DiscordOAuthConfig,
	code string,
) (string, error) {
	apiBase := discordAPIBaseURL
	if oauth.AuthBaseURL != "" {
		apiBase = oauth.AuthBaseURL + "/api/v10"
	}

	form := url.Values{
		"client_id":     {oauth.ClientID},
		"client_secret": {oauth.ClientSecret},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {oauth.RedirectURI},
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		apiBase+"/oauth2/token",
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange failed: %s", resp.Status)
	}

	var token struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", err
	}
	if token.AccessToken == "" {
		return "", errors.New("no access token in response")
	}

	userReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		apiBase+"/users/@me",
		nil,
	)
	if err != nil {
		return "", err
	}
	userReq.Header.Set("Authorization", "Bearer "+token.AccessToken)

	userResp, err := client.Do(userReq)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = userResp.Body.Close()
	}()
	if userResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("user lookup failed: %s", userResp.Status)
	}

	var user struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err = json.NewDecoder(userResp.Body).Decode(&user); err != nil {
		return "", err
	}
	if user.Username == "" {
		return "", errors.New("no username in response")
	}
	return user.Username, nil
}

func (h *APIHandlers) getSounds(c *gin.Context) {
	sounds, err := listSoundFiles(h.m.config.SoundsDir())
	if err != nil {
		ginContextLogger(c).Error("error listing sounds", tint.Err(err))
		ginReplyError(c, "error listing sounds")
		return
	}
	c.JSON(http.StatusOK, gin.H{"sounds": sounds})
}

// playSound queues a sound in a guild the bot is already connected to.
func (h *APIHandlers) playSound(c *gin.Context) {
	var payload playPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	path, err := resolveSoundPath(h.m.config.SoundsDir(), payload.Sound)
	if err != nil {
		c.JSON(http.StatusNotFound, httpError{Error: "sound not found"})
		return
	}

	player := h.m.players.Peek(payload.GuildID)
	if player == nil || !player.Connected() {
		c.JSON(
			http.StatusConflict,
			httpError{Error: "not connected to a voice channel in that guild"},
		)
		return
	}

	if err = player.Enqueue(
		QueuedSound{
			Name:   payload.Sound,
			Path:   path,
			Volume: 1.0,
		},
	); err != nil {
		c.JSON(http.StatusConflict, httpError{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, httpReply{Message: "queued"})
}

func (h *APIHandlers) getEntranceSounds(c *gin.Context) {
	guildID := c.Query("guild_id")
	db := h.m.writeDB.DB().WithContext(c.Request.Context())
	if guildID != "" {
		db = db.Where("guild_id = ?", guildID)
	}
	var entrances []EntranceSound
	if err := db.Find(&entrances).Error; err != nil {
		ginContextLogger(c).Error("error listing entrance sounds", tint.Err(err))
		ginReplyError(c, "error listing entrance sounds")
		return
	}
	c.JSON(http.StatusOK, gin.H{"entrance_sounds": entrances})
}

func (h *APIHandlers) setEntranceSound(c *gin.Context) {
	logger := ginContextLogger(c)

	var payload entrancePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()

	if payload.Enabled != nil && !*payload.Enabled {
		if err := h.m.setEntranceEnabled(
			ctx, payload.GuildID, payload.UserID, false,
		); err != nil {
			logger.Error("error disabling entrance sound", tint.Err(err))
			ginReplyError(c, "error updating entrance sound")
			return
		}
		c.JSON(http.StatusOK, httpReply{Message: "entrance sound disabled"})
		return
	}

	if payload.Sound == "" {
		c.JSON(http.StatusBadRequest, httpError{Error: "sound is required"})
		return
	}
	if _, err := resolveSoundPath(
		h.m.config.SoundsDir(), payload.Sound,
	); err != nil {
		c.JSON(http.StatusNotFound, httpError{Error: "sound not found"})
		return
	}

	volume := 1.0
	if payload.Volume != nil {
		volume = clampVolume(*payload.Volume)
	}
	if err := h.m.setEntranceSound(
		ctx, payload.GuildID, payload.UserID, payload.Sound, volume,
	); err != nil {
		logger.Error("error saving entrance sound", tint.Err(err))
		ginReplyError(c, "error updating entrance sound")
		return
	}
	c.JSON(http.StatusOK, httpReply{Message: "entrance sound updated"})
}

// uploadSound accepts a multipart sound file upload into the sounds
// directory. Name collisions get a random suffix instead of
// overwriting.
func (h *APIHandlers) uploadSound(c *gin.Context) {
	logger := ginContextLogger(c)
	soundsDir := h.m.config.SoundsDir()

	count, err := countSounds(soundsDir)
	if err != nil {
		logger.Error("error counting sounds", tint.Err(err))
		ginReplyError(c, "error handling upload")
		return
	}
	if count >= h.m.config.API.UploadMaxFiles {
		c.JSON(
			http.StatusInsufficientStorage,
			httpError{
				Error: fmt.Sprintf(
					"sound limit reached (%d files)",
					h.m.config.API.UploadMaxFiles,
				),
			},
		)
		return
	}

	c.Request.Body = http.MaxBytesReader(
		c.Writer,
		c.Request.Body,
		h.m.config.API.UploadMaxBytes+4096,
	)
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "missing file"})
		return
	}
	if file.Size > h.m.config.API.UploadMaxBytes {
		c.JSON(
			http.StatusRequestEntityTooLarge,
			httpError{
				Error: fmt.Sprintf(
					"file too large (max %d bytes)",
					h.m.config.API.UploadMaxBytes,
				),
			},
		)
		return
	}

	name, err := sanitizeSoundName(file.Filename)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid filename"})
		return
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !allowedSoundExtensions[ext] {
		c.JSON(
			http.StatusUnsupportedMediaType,
			httpError{Error: "only mp3, wav and ogg files are accepted"},
		)
		return
	}

	dest := filepath.Join(soundsDir, name)
	if _, statErr := os.Stat(dest); statErr == nil {
		base := strings.TrimSuffix(name, ext)
		name = fmt.Sprintf("%s_%s%s", base, uuid.NewString()[:8], ext)
		dest = filepath.Join(soundsDir, name)
	}

	if err = c.SaveUploadedFile(file, dest); err != nil {
		logger.Error("error saving upload", tint.Err(err))
		ginReplyError(c, "error saving upload")
		return
	}
	logger.Info("sound uploaded", "filename", name, "size", file.Size)
	c.JSON(http.StatusCreated, gin.H{"filename": name})
}

func (h *APIHandlers) getStats(c *gin.Context) {
	stats, err := h.m.memeStats(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error collecting stats", tint.Err(err))
		ginReplyError(c, "error collecting stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.m.RuntimeConfig())
}

// updateRuntimeConfig PATCHes the runtime configuration, applies it
// immediately and notifies other instances.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)

	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := validateRuntimeConfigUpdate(update); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	values := update.updates()
	if len(values) == 0 {
		c.JSON(http.StatusOK, h.m.RuntimeConfig())
		return
	}

	ctx := c.Request.Context()

	h.m.cfgMu.Lock()
	current := h.m.runtimeConfig
	_, err := h.m.writeDB.Updates(ctx, current, values)
	h.m.cfgMu.Unlock()
	if err != nil {
		logger.Error("error updating runtime config", tint.Err(err))
		ginReplyError(c, "error updating config")
		return
	}

	if err = h.m.loadRuntimeConfig(ctx); err != nil {
		logger.Error("error reloading runtime config", tint.Err(err))
		ginReplyError(c, "error reloading config")
		return
	}
	h.m.dbNotifier.ReloadRuntimeConfig(ctx)

	logger.Info("runtime config updated", "values", values)
	c.JSON(http.StatusOK, h.m.RuntimeConfig())
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, ok := username.(string)
	if !ok || s == "" {
		return "", errors.New("username not a string")
	}
	return s, nil
}

// authMiddleware rejects requests without a logged-in session.
func authMiddleware(m *Memer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.pendingSetup.Load() {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		username, err := m.api.getSessionUsername(c)
		if err != nil || username == "" {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request-scoped logger, creating one with
// request details if absent.
func ginContextLogger(c *gin.Context) *slog.Logger {
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration and
// response status.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		if logger != nil {
			c.Set(string(loggerContextKey), logger.With(
				slog.Group(
					"request",
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"remote_ip", c.RemoteIP(),
				),
			))
		}
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
