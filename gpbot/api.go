package gpbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiPathLogin            = "/api/login"
	apiPathLogout           = "/api/logout"
	apiHealthCheck          = "/api/healthz"
	apiPathMetrics          = "/metrics"
	apiPathLoggedIn         = "/logged_in"
	apiPathConfig           = "/config"
	apiPathHistory          = "/history/:channel_id/:user_id"
	apiPathModerationEvents = "/moderation/events"
	apiPathRegisterCommands = "/discord/register_commands"

	defaultModerationEventsLimit = 50
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var structValidator = validator.New()

// API is the admin HTTP server. It exposes health and metrics
// endpoints, and (behind a session login) endpoints to view and
// change the bot's runtime configuration and conversation history.
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

// newAPI sets up the gin engine, the session store, middleware and
// routes.
//
// Parameters:
//   - b: The bot the API serves.
//   - config: API server settings.
//
// Returns:
//   - A pointer to the newly created API instance.
//   - An error if there was an issue during initialization.
func newAPI(b *Bot, config *APIConfig) (*API, error) {
	if config == nil {
		return nil, errors.New("api config is required")
	}

	logger := newComponentLogger("api", config.LogLevel)

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:              logger,
	}

	api.store = newSessionStore(config, logger)
	api.handlers = &APIHandlers{b: b, api: api, logger: logger}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowAllOrigins = true
		} else {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, api.store),
	)

	h := api.handlers
	r.GET(apiHealthCheck, h.healthCheck)
	r.GET(apiPathMetrics, gin.WrapH(promhttp.HandlerFor(b.metrics.Registry(), promhttp.HandlerOpts{})))
	r.POST(apiPathLogin, h.loginHandler)
	r.POST(apiPathLogout, h.logoutHandler)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(b))

	protected.GET(apiPathLoggedIn, h.loggedIn)
	protected.GET(apiPathConfig, h.getConfig)
	protected.PATCH(apiPathConfig, h.updateRuntimeConfig)
	protected.GET(apiPathHistory, h.getHistory)
	protected.DELETE(apiPathHistory, h.resetHistory)
	protected.GET(apiPathModerationEvents, h.getModerationEvents)
	protected.POST(apiPathRegisterCommands, h.discordRegisterCommands)

	return api, nil
}

// Serve listens on the configured address and serves the API until
// ctx is canceled
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error shutting down api", tint.Err(err))
		}
	}()

	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

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

// newSessionStore returns a cookie store signed with the configured
// secret, or a random one if no secret is set
func newSessionStore(config *APIConfig, logger *slog.Logger) CookieStore {
	var secretKey []byte
	switch sk := config.Secret; {
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
	store.Options(sessionOptions(config))
	return store
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// APIHandlers contains the handlers for the API endpoints
type APIHandlers struct {
	b      *Bot
	api    *API
	logger *slog.Logger
}

// loginHandler handles the HTTP POST request to log in.
//
// Responses:
//   - 200 OK: The session cookie is set.
//   - 400 Bad Request: If the payload is invalid.
//   - 401 Unauthorized: If the credentials are wrong, or not set.
//   - 429 Too Many Requests: If login requests are coming in too fast.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := h.b.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := verifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, _ := sessions.Default(c).Get(sessionVarField).(string)
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// healthCheck reports whether the discord gateway is connected, and
// whether a designated channel has been set
func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: h.b.discord.connected.Load(),
			DesignatedChannelSet:    h.b.RuntimeConfig().DesignatedChannelID != "",
		},
	)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.b.RuntimeConfig())
}

// updateRuntimeConfig handles the HTTP PATCH request to update the
// runtime configuration.
//
// Responses:
//   - 200 OK: Returns the updated runtime configuration.
//   - 400 Bad Request: If the request payload is invalid.
//   - 500 Internal Server Error: If the update couldn't be saved.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)

	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	updated, err := h.b.UpdateRuntimeConfig(WithLogger(c.Request.Context(), logger), update)
	if err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
		logger.Error("error updating runtime config", tint.Err(err))
		ginReplyError(c, "error updating runtime config")
		return
	}
	logger.Info("updated runtime config", "runtime_config", updated)
	c.JSON(http.StatusOK, updated)
}

// getHistory returns the conversation history for the channel and user
func (h *APIHandlers) getHistory(c *gin.Context) {
	var key ConversationKey
	if err := c.ShouldBindUri(&key); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	entries, err := h.b.history.Get(c.Request.Context(), key)
	if err != nil {
		ginContextLogger(c).Error("error getting history", tint.Err(err))
		ginReplyError(c, "error getting history")
		return
	}
	if entries == nil {
		entries = []HistoryEntry{}
	}
	c.JSON(http.StatusOK, historyResponse{Key: key, Entries: entries})
}

// resetHistory deletes the conversation history for the channel and user
func (h *APIHandlers) resetHistory(c *gin.Context) {
	var key ConversationKey
	if err := c.ShouldBindUri(&key); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := h.b.history.Reset(c.Request.Context(), key); err != nil {
		ginContextLogger(c).Error("error resetting history", tint.Err(err))
		ginReplyError(c, "error resetting history")
		return
	}
	ginReplyMessage(c, "history reset")
}

func (h *APIHandlers) getModerationEvents(c *gin.Context) {
	query := moderationEventsQuery{Limit: defaultModerationEventsLimit}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if h.b.writeDB == nil {
		ginReplyError(c, "database not initialized")
		return
	}
	events, err := recentModerationEvents(c.Request.Context(), h.b.writeDB, query.Limit)
	if err != nil {
		ginContextLogger(c).Error("error getting moderation events", tint.Err(err))
		ginReplyError(c, "error getting moderation events")
		return
	}
	c.JSON(http.StatusOK, events)
}

// discordRegisterCommands re-registers the bot's slash commands.
//
// Responses:
//   - 201 Created: Returns the registered commands.
//   - 500 Internal Server Error: If there was an error registering the commands.
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Info("registering commands")

	created, err := h.b.RegisterCommands(c.Request.Context())
	if err != nil {
		logger.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, created)
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
	DesignatedChannelSet    bool `json:"designated_channel_set"`
}

type historyResponse struct {
	Key     ConversationKey `json:"key"`
	Entries []HistoryEntry  `json:"entries"`
}

type moderationEventsQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// authMiddleware aborts with 401 unless the session has a username
// matching the configured admin
func authMiddleware(b *Bot) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		rc := b.RuntimeConfig()
		if rc.AdminUsername == "" || rc.AdminPassword == "" {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		username, ok := sessions.Default(c).Get(sessionVarField).(string)
		if !ok || username == "" || username != rc.AdminUsername {
			logger.Warn("username not found in session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each request,
// set on the gin context and the response headers
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
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

// ginLoggingMiddleware logs each request once it's finished, with its
// duration and response status
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()
		latency := time.Since(start)

		responseGroup := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				responseGroup,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			responseGroup,
		)
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
