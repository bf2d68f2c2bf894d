package gpbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/gpteam/gpbot/gpbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter = os.Stdout

// Bot is the GP Team assistant. It answers questions with a chat
// backend, moderates messages with a classification backend, and
// exposes an optional admin API.
type Bot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db       *gorm.DB
	writeDB  DBI
	dbLogger *gormStructuredLogger

	discord *Discord
	api     *API
	metrics *Metrics

	chatLLM       *LLM
	moderationLLM *LLM

	history      ConversationStore
	cooldown     *RateLimiter
	orchestrator *ChatOrchestrator
	moderation   *ModerationEngine

	cfgMu         sync.RWMutex
	runtimeConfig *RuntimeConfig

	// closers release backend connections on shutdown
	closers []func() error

	runMu     sync.Mutex
	eventsWG  sync.WaitGroup
	startedAt time.Time
}

// New creates a Bot from the given configuration.
//
// It validates the configuration, sets up logging for each component,
// and builds the completion backends, history store, cooldown gate,
// moderation engine and admin API. It doesn't connect to the database
// or to Discord, that happens in [Bot.Run].
//
// If any errors occur, they are collected and returned as a single error.
func New(config *Config) (*Bot, error) {
	if err := structValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:  config,
		metrics: NewMetrics(),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		),
	)

	b.dbLogger = newGORMLogger(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.DatabaseLogLevel,
				AddSource: true,
			},
		),
		config.DatabaseSlowThreshold,
	)

	b.discord = newDiscord(
		config.Discord,
		newComponentLogger("discord", config.Discord.LogLevel),
	)

	b.chatLLM = newLLM(llmBackendChat, config.Chat.LLMConfig, config.HTTPClient, b.metrics)
	b.moderationLLM = newLLM(
		llmBackendModeration,
		config.Moderation.LLMConfig,
		config.HTTPClient,
		b.metrics,
	)

	history, err := b.newHistory()
	if err != nil {
		errs = append(errs, err)
	}
	b.history = history

	table, err := newLRUCooldownTable(config.Cooldown.MaxUsers)
	if err != nil {
		errs = append(errs, err)
	} else {
		b.cooldown = NewRateLimiter(table, config.Cooldown.Window)
	}

	policy, err := loadPolicy(config.Chat)
	if err != nil {
		errs = append(errs, err)
	}

	b.orchestrator = NewChatOrchestrator(
		b.history,
		PromptAssembler{Policy: policy},
		b.chatLLM,
		config.Chat.RecordFallback,
		config.Chat.SerializePerKey,
		b.logger.With(loggerNameKey, "chat"),
	)

	moderationLogger := newComponentLogger("moderation", config.Moderation.LogLevel)
	b.moderation = NewModerationEngine(
		NewClassifier(b.moderationLLM, config.Moderation.MaxInputLength, moderationLogger),
		b.discord,
		config.Moderation.ExemptRoleIDs,
		config.Moderation.TimeoutDuration,
		moderationLogger,
		b.metrics,
	)

	if config.API != nil && config.API.Enabled {
		api, e := newAPI(b, config.API)
		errs = append(errs, e)
		b.api = api
	}

	return b, errors.Join(errs...)
}

// newHistory returns the configured conversation store
func (b *Bot) newHistory() (ConversationStore, error) {
	cfg := b.config.History
	switch cfg.Backend {
	case HistoryBackendRedis:
		client, err := newRedisClient(context.Background(), cfg.Redis)
		if err != nil {
			return NewMemoryHistory(cfg.MaxEntries), err
		}
		b.closers = append(b.closers, client.Close)
		return NewRedisHistory(client, cfg.MaxEntries, cfg.Redis.TTL, cfg.Redis.KeyPrefix), nil
	default:
		return NewMemoryHistory(cfg.MaxEntries), nil
	}
}

// RuntimeConfig returns a copy of the current RuntimeConfig
func (b *Bot) RuntimeConfig() RuntimeConfig {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	if b.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *b.runtimeConfig
}

// SetDesignatedChannel persists the channel where passive chat replies
// are active, and where /chat is allowed
func (b *Bot) SetDesignatedChannel(ctx context.Context, channelID string) error {
	_, err := b.UpdateRuntimeConfig(
		ctx,
		RuntimeConfigUpdate{DesignatedChannelID: &channelID},
	)
	return err
}

// UpdateRuntimeConfig validates and applies the update, persisting
// it before it takes effect
func (b *Bot) UpdateRuntimeConfig(
	ctx context.Context,
	update RuntimeConfigUpdate,
) (RuntimeConfig, error) {
	if err := structValidator.Struct(update); err != nil {
		return b.RuntimeConfig(), err
	}

	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()

	if b.runtimeConfig == nil {
		return DefaultRuntimeConfig(), errors.New("runtime config not loaded")
	}

	columns := update.columns()
	if len(columns) == 0 {
		return *b.runtimeConfig, nil
	}

	updated := *b.runtimeConfig
	if _, err := b.writeDB.Updates(ctx, &updated, columns); err != nil {
		return *b.runtimeConfig, fmt.Errorf("error updating runtime config: %w", err)
	}
	update.apply(&updated)

	previousStatus := b.presenceStatus(*b.runtimeConfig)
	b.runtimeConfig = &updated

	if status := b.presenceStatus(updated); status != previousStatus && b.discord.connected.Load() {
		go func() {
			if err := b.discord.updatePresence(status); err != nil {
				b.logger.Error("error updating presence", tint.Err(err))
			}
		}()
	}
	return updated, nil
}

// presenceStatus returns the runtime status override, if set, or the
// configured status
func (b *Bot) presenceStatus(rc RuntimeConfig) string {
	if rc.DiscordCustomStatus != "" {
		return rc.DiscordCustomStatus
	}
	return b.config.Discord.Status
}

func (b *Bot) moderationEnabled() bool {
	return b.config.Moderation.Enabled && b.RuntimeConfig().ModerationEnabled
}

// RegisterCommands overwrites the bot's slash commands
func (b *Bot) RegisterCommands(ctx context.Context) ([]*discordgo.ApplicationCommand, error) {
	if b.discord.session == nil {
		return nil, errors.New("discord session not initialized")
	}
	return b.discord.registerCommands(ctx)
}

// initDB opens the database, runs migrations, and loads (or creates)
// the RuntimeConfig
func (b *Bot) initDB(ctx context.Context) error {
	db, err := openDB(ctx, b.config.DatabaseType, b.config.Database, b.dbLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	if err = migrateDB(ctx, db); err != nil {
		return err
	}
	b.db = db
	b.writeDB = NewDatabase(
		db,
		b.logger,
		b.config.DatabaseType != dbTypeSQLite,
	)

	rc, err := loadRuntimeConfig(ctx, b.writeDB)
	if err != nil {
		return err
	}

	b.cfgMu.Lock()
	b.runtimeConfig = rc
	b.cfgMu.Unlock()

	if rc.AdminUsername == "" || rc.AdminPassword == "" {
		b.logger.WarnContext(
			ctx,
			"admin credentials not set, use the 'init' command to set them",
		)
	}
	if rc.DesignatedChannelID == "" {
		b.logger.WarnContext(
			ctx,
			"no designated channel set, use /setchannel to set one",
		)
	} else {
		b.logger.InfoContext(ctx, "designated channel", columnChannelID, rc.DesignatedChannelID)
	}
	return nil
}

// initDiscordSession creates the discord session (if not already set)
// and adds the gateway event handlers. Each event is handled in its own
// goroutine, tracked so shutdown can wait on in-flight events.
func (b *Bot) initDiscordSession(ctx context.Context) error {
	if b.discord.session == nil {
		session, err := b.discord.newSession(b.config.HTTPClient)
		if err != nil {
			return err
		}
		b.discord.session = session
	}

	for _, remove := range b.discord.removeHandlerFuncs {
		remove()
	}

	b.discord.removeHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.handlerReady(ctx)),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				b.dispatch(ctx, func(ctx context.Context) { b.handleInteraction(ctx, i) })
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				b.dispatch(ctx, func(ctx context.Context) { b.handleMessage(ctx, m) })
			},
		),
	}
	return nil
}

// dispatch runs f in a new goroutine, recovering from any panic
func (b *Bot) dispatch(ctx context.Context, f func(ctx context.Context)) {
	b.eventsWG.Add(1)
	go func() {
		defer b.eventsWG.Done()
		defer func() {
			if rc := recover(); rc != nil {
				b.handleRecover(ctx, rc)
			}
		}()
		f(ctx)
	}()
}

func (b *Bot) handlerReady(ctx context.Context) func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		logger := b.discord.logger
		if r != nil && r.User != nil {
			logger.InfoContext(
				ctx,
				"ready",
				"session_id", r.SessionID,
				columnUserID, r.User.ID,
				"username", r.User.String(),
			)
		}
		if _, err := b.discord.registerCommands(ctx); err != nil {
			logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
		}
		if err := b.discord.updatePresence(b.presenceStatus(b.RuntimeConfig())); err != nil {
			logger.ErrorContext(ctx, "error updating presence", tint.Err(err))
		}
	}
}

// Run connects to the database and the discord gateway, starts the
// admin API (if enabled), and blocks until ctx is canceled. In-flight
// events are given up to [Config.ShutdownTimeout] to finish.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger
	ctx = WithLogger(ctx, logger)

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	if err := b.initDiscordSession(ctx); err != nil {
		return fmt.Errorf("error creating discord session: %w", err)
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if b.api != nil {
		g.Go(
			func() error {
				err := b.api.Serve(gctx)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("error serving api: %w", err)
				}
				return nil
			},
		)
	}

	// block until the runtime context is canceled, generally from an
	// interrupt, or the api failing
	<-gctx.Done()

	shutdownErr := b.shutdown(ctx)
	return errors.Join(g.Wait(), shutdownErr)
}

// shutdown closes the discord connection, then waits on in-flight
// events before releasing backend connections
func (b *Bot) shutdown(ctx context.Context) error {
	b.logger.WarnContext(ctx, "shutting down", "uptime", time.Since(b.startedAt))

	var errs []error
	if b.discord.session != nil {
		if err := b.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		b.eventsWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.InfoContext(ctx, "in-flight events finished")
	case <-time.After(b.config.ShutdownTimeout):
		errs = append(errs, errors.New("timed out waiting on in-flight events"))
	}

	for _, closer := range b.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}

	if b.db != nil {
		if sqlDB, err := b.db.DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				errs = append(errs, closeErr)
			}
		}
	}
	return errors.Join(errs...)
}

func (b *Bot) getLogger(ctx context.Context) (context.Context, *slog.Logger) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// handleMessage runs the passive path for a guild message: moderation
// first, then a chat reply if the message is in the designated channel.
//
// Bot authors, DMs, messages shorter than [ModerationConfig.MinMessageLength]
// (after trimming) and messages starting with [ModerationConfig.CommandPrefix]
// are ignored.
func (b *Bot) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if m.GuildID == "" {
		return
	}

	content := strings.TrimSpace(m.Content)
	if content == "" || utf8.RuneCountInString(content) < b.config.Moderation.MinMessageLength {
		return
	}
	if prefix := b.config.Moderation.CommandPrefix; prefix != "" && strings.HasPrefix(content, prefix) {
		return
	}

	ctx, logger := b.getLogger(ctx)
	logger = logger.With(slog.Group("message", messageLogAttrs(m.Message)...))
	ctx = WithLogger(ctx, logger)

	if b.moderationEnabled() && m.Member != nil {
		subject := Subject{
			GuildID:   m.GuildID,
			ChannelID: m.ChannelID,
			MessageID: m.ID,
			UserID:    m.Author.ID,
			RoleIDs:   m.Member.Roles,
			Content:   content,
		}
		result := b.moderation.Moderate(ctx, subject)
		if result.Decision != DecisionNone {
			b.recordModeration(ctx, m.Author, subject, result)
		}
		if !result.Continue {
			return
		}
	}

	rc := b.RuntimeConfig()
	if rc.DesignatedChannelID == "" || m.ChannelID != rc.DesignatedChannelID {
		return
	}

	if b.cooldown.IsOnCooldown(m.Author.ID) {
		b.metrics.cooldownRejection(metricSourceMessage)
		window := int(b.config.Cooldown.Window.Seconds())
		if err := b.discord.reply(
			ctx,
			m.Message,
			cooldownMessage(b.config.Chat.AssistantName, window),
			nil,
		); err != nil {
			logger.WarnContext(ctx, "error sending cooldown notice", tint.Err(err))
		}
		return
	}
	b.cooldown.RecordAction(m.Author.ID)

	reply := b.orchestrator.Respond(
		ctx,
		ConversationKey{ChannelID: m.ChannelID, UserID: m.Author.ID},
		m.Content,
	)
	b.metrics.chatRequest(metricSourceMessage, reply.outcome())

	embed := answerEmbed(b.config.Chat.AssistantName, m.Author, m.Content, reply.Text)
	if err := b.discord.reply(ctx, m.Message, "", embed); err != nil {
		logger.ErrorContext(ctx, "error sending answer", tint.Err(err))
	}
}

// handleInteraction handles slash commands
func (b *Bot) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	u := interactionUser(i)
	if u == nil {
		return
	}

	ctx, logger := b.getLogger(ctx)
	logger = logger.With(
		slog.Group("interaction", interactionLogAttrs(*i)...),
		columnUserID, u.ID,
	)
	ctx = WithLogger(ctx, logger)

	b.recordInteraction(ctx, i, u)

	command := i.ApplicationCommandData().Name
	logger.InfoContext(ctx, "received command", "command", command)

	switch command {
	case DiscordSlashCommandChat:
		b.handleChatCommand(ctx, i, u)
	case DiscordSlashCommandSetChannel:
		b.handleSetChannelCommand(ctx, i)
	case DiscordSlashCommandResetChat:
		b.handleResetChatCommand(ctx, i, u)
	default:
		logger.WarnContext(ctx, "unknown command", "command", command)
	}
}

// handleChatCommand answers /chat. Users on cooldown, or using the
// command outside the designated channel (if one is set), get an
// ephemeral notice instead.
func (b *Bot) handleChatCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) {
	_, logger := b.getLogger(ctx)

	var message string
	if opt, ok := discordInteractionOptions(i)[chatCommandMessageOption]; ok {
		message, _ = opt.Value.(string)
	}

	if b.cooldown.IsOnCooldown(u.ID) {
		b.metrics.cooldownRejection(metricSourceCommand)
		window := int(b.config.Cooldown.Window.Seconds())
		if err := b.discord.respondEphemeral(
			ctx,
			i.Interaction,
			cooldownMessage(b.config.Chat.AssistantName, window),
		); err != nil {
			logger.WarnContext(ctx, "error sending cooldown notice", tint.Err(err))
		}
		return
	}

	rc := b.RuntimeConfig()
	if rc.DesignatedChannelID != "" && i.ChannelID != rc.DesignatedChannelID {
		b.metrics.chatRequest(metricSourceCommand, metricOutcomeRejected)
		if err := b.discord.respondEphemeral(ctx, i.Interaction, wrongChannelMessage); err != nil {
			logger.WarnContext(ctx, "error sending wrong channel notice", tint.Err(err))
		}
		return
	}

	if err := b.discord.deferResponse(ctx, i.Interaction); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	reply := b.orchestrator.Respond(
		ctx,
		ConversationKey{ChannelID: i.ChannelID, UserID: u.ID},
		message,
	)
	b.cooldown.RecordAction(u.ID)
	b.metrics.chatRequest(metricSourceCommand, reply.outcome())

	embed := answerEmbed(b.config.Chat.AssistantName, u, message, reply.Text)
	if err := b.discord.editResponseEmbed(ctx, i.Interaction, embed); err != nil {
		logger.ErrorContext(ctx, "error sending answer", tint.Err(err))
	}
}

// handleSetChannelCommand sets the designated channel. The invoking
// member must have the Administrator permission.
func (b *Bot) handleSetChannelCommand(ctx context.Context, i *discordgo.InteractionCreate) {
	_, logger := b.getLogger(ctx)

	if !isAdministrator(i) {
		logger.WarnContext(ctx, "setchannel denied", tint.Err(ErrNotAdministrator))
		if err := b.discord.respondEphemeral(ctx, i.Interaction, setChannelDeniedMessage); err != nil {
			logger.WarnContext(ctx, "error sending denial", tint.Err(err))
		}
		return
	}

	var channelID string
	if opt, ok := discordInteractionOptions(i)[setChannelCommandChannelOption]; ok {
		channelID, _ = opt.Value.(string)
	}

	response := setChannelSuccess(channelID)
	if channelID == "" {
		response = setChannelErrorMessage
	} else if err := b.SetDesignatedChannel(ctx, channelID); err != nil {
		logger.ErrorContext(ctx, "error setting designated channel", tint.Err(err))
		response = setChannelErrorMessage
	} else {
		logger.InfoContext(ctx, "designated channel set", columnChannelID, channelID)
	}

	if err := b.discord.respondEphemeral(ctx, i.Interaction, response); err != nil {
		logger.WarnContext(ctx, "error responding to setchannel", tint.Err(err))
	}
}

// handleResetChatCommand clears the user's history in the channel
func (b *Bot) handleResetChatCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) {
	_, logger := b.getLogger(ctx)
	key := ConversationKey{ChannelID: i.ChannelID, UserID: u.ID}
	if err := b.history.Reset(ctx, key); err != nil {
		logger.ErrorContext(ctx, "error resetting history", tint.Err(err))
	}
	if err := b.discord.respondEphemeral(ctx, i.Interaction, resetChatMessage); err != nil {
		logger.WarnContext(ctx, "error responding to resetchat", tint.Err(err))
	}
}

// recordModeration saves a ModerationEvent and updates the user's
// counters. Failures are logged and otherwise ignored.
func (b *Bot) recordModeration(
	ctx context.Context,
	u *discordgo.User,
	s Subject,
	result ModerationResult,
) {
	if b.writeDB == nil {
		return
	}
	_, logger := b.getLogger(ctx)
	if _, err := b.writeDB.Create(ctx, newModerationEvent(s, result)); err != nil {
		logger.ErrorContext(ctx, "error saving moderation event", tint.Err(err))
	}
	if _, err := upsertUser(ctx, b.writeDB, u, result.Decision, time.Now()); err != nil {
		logger.ErrorContext(ctx, "error saving user", tint.Err(err))
	}
}

// recordInteraction saves an InteractionLog and refreshes the user's
// record. Failures are logged and otherwise ignored.
func (b *Bot) recordInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) {
	if b.writeDB == nil {
		return
	}
	_, logger := b.getLogger(ctx)
	interactionLog, err := newInteractionLog(i, u)
	if err != nil {
		logger.ErrorContext(ctx, "error creating interaction log", tint.Err(err))
	} else if _, err = b.writeDB.Create(ctx, interactionLog); err != nil {
		logger.ErrorContext(ctx, "error saving interaction log", tint.Err(err))
	}
	if _, err = upsertUser(ctx, b.writeDB, u, DecisionNone, time.Now()); err != nil {
		logger.ErrorContext(ctx, "error saving user", tint.Err(err))
	}
}

func (*Bot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}
