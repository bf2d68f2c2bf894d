//nolint:lll // struct tags can't be split
package gpbot

import (
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "GPBOT_ENV_PREFIX"
	DefaultEnvPrefix      = "GP"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "gpbot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout       = 60 * time.Second
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo

	DefaultDiscordLogLevel        = slog.LevelWarn
	DefaultDiscordgoLogLevel      = slog.LevelWarn
	DefaultDiscordStatus          = "ʙʏ ɢᴘ ᴛᴇᴀᴍ"
	DefaultDiscordGatewayIntents  = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsGuildMembers | discordgo.IntentsMessageContent
	DiscordSlashCommandChat       = "chat"
	DiscordSlashCommandSetChannel = "setchannel"
	DiscordSlashCommandResetChat  = "resetchat"

	DefaultChatBaseURL              = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultChatModel                = "gemini-flash-latest"
	DefaultModerationModel          = "gemini-pro-latest"
	DefaultLLMLogLevel              = slog.LevelInfo
	DefaultLLMMaxRequestsPerSecond  = 5
	DefaultLLMRequestTimeout        = 60 * time.Second
	DefaultBreakerMaxFailures       = 5
	DefaultBreakerOpenTimeout       = 30 * time.Second
	DefaultAssistantName            = "GP Team Assistant"
	DefaultModerationMaxInputLength = 800
	DefaultModerationMinLength      = 3
	DefaultModerationTimeout        = 15 * time.Minute
	DefaultCommandPrefix            = "!"

	HistoryBackendMemory     = "memory"
	HistoryBackendRedis      = "redis"
	DefaultHistoryMaxEntries = 8
	DefaultRedisAddr         = "127.0.0.1:6379"
	DefaultRedisTTL          = 24 * time.Hour
	DefaultRedisKeyPrefix    = "gpbot:history"

	DefaultCooldownWindow   = 5 * time.Second
	DefaultCooldownMaxUsers = 10000

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultIdleTimeout             = 30 * time.Second
	DefaultAPISessionMaxAge        = 6 * time.Hour
	DefaultAPICORSAllowCredentials = true
	defaultListenNetwork           = "tcp"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string, or a file path for sqlite
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	Discord    *DiscordConfig    `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	Chat       *ChatConfig       `yaml:"chat" mapstructure:"chat" json:"chat" binding:"required"`
	Moderation *ModerationConfig `yaml:"moderation" mapstructure:"moderation" json:"moderation" binding:"required"`
	History    *HistoryConfig    `yaml:"history" mapstructure:"history" json:"history" binding:"required"`
	Cooldown   *CooldownConfig   `yaml:"cooldown" mapstructure:"cooldown" json:"cooldown" binding:"required"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// connect to the database and the discord gateway.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for in-flight events to finish
	// after a stop is requested.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	HTTPClient *http.Client `yaml:"-" mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Status is the 'watching' activity shown on the bot's presence
	Status string `yaml:"status" mapstructure:"status" json:"status"`
}

// LLMConfig configures one OpenAI-compatible completion backend
type LLMConfig struct {
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// BaseURL of the OpenAI-compatible API. Defaults to Gemini's
	// OpenAI compatibility endpoint.
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`

	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"min=0"`

	// RequestTimeout bounds a single completion request
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	Breaker BreakerConfig `yaml:"breaker" mapstructure:"breaker" json:"breaker"`
}

// BreakerConfig configures the circuit breaker in front of a backend.
// After MaxFailures consecutive failures, requests fail fast until
// OpenTimeout has passed.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures" mapstructure:"max_failures" json:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout" mapstructure:"open_timeout" json:"open_timeout" binding:"min=0"`
}

// ChatConfig configures the chat backend and the policy text given to it
type ChatConfig struct {
	LLMConfig `yaml:",inline" mapstructure:",squash"`

	// AssistantName is used in the policy text and answer embeds
	AssistantName string `yaml:"assistant_name" mapstructure:"assistant_name" json:"assistant_name" binding:"required"`

	// KnowledgeFile is a path to the knowledge base text. If empty,
	// the embedded default is used.
	KnowledgeFile string `yaml:"knowledge_file" mapstructure:"knowledge_file" json:"knowledge_file"`

	// SystemPrompt replaces the generated policy block entirely, if set
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt"`

	// RecordFallback controls whether fallback error text is written into
	// conversation history like a regular answer.
	RecordFallback bool `yaml:"record_fallback" mapstructure:"record_fallback" json:"record_fallback"`

	// SerializePerKey holds a per-(channel,user) lock across the
	// read-history/call-backend/append sequence.
	SerializePerKey bool `yaml:"serialize_per_key" mapstructure:"serialize_per_key" json:"serialize_per_key"`
}

// ModerationConfig configures automated moderation of passive messages
type ModerationConfig struct {
	LLMConfig `yaml:",inline" mapstructure:",squash"`

	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// MaxInputLength truncates message content (in characters) before
	// it's sent to the classifier
	MaxInputLength int `yaml:"max_input_length" mapstructure:"max_input_length" json:"max_input_length" binding:"min=1"`

	// MinMessageLength is the minimum trimmed length of a message for it
	// to be considered at all
	MinMessageLength int `yaml:"min_message_length" mapstructure:"min_message_length" json:"min_message_length" binding:"min=0"`

	// ExemptRoleIDs bypass moderation entirely
	ExemptRoleIDs []string `yaml:"exempt_role_ids" mapstructure:"exempt_role_ids" json:"exempt_role_ids"`

	TimeoutDuration time.Duration `yaml:"timeout_duration" mapstructure:"timeout_duration" json:"timeout_duration" binding:"min=1m"`

	// Messages starting with this prefix are left alone
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix"`
}

// HistoryConfig configures the conversation history store
type HistoryConfig struct {
	Backend    string      `yaml:"backend" mapstructure:"backend" json:"backend" binding:"oneof=memory redis"`
	MaxEntries int         `yaml:"max_entries" mapstructure:"max_entries" json:"max_entries" binding:"min=1"`
	Redis      RedisConfig `yaml:"redis" mapstructure:"redis" json:"redis"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr" mapstructure:"addr" json:"addr"`
	Password  string        `yaml:"password" mapstructure:"password" json:"password" log:"[redacted]"`
	DB        int           `yaml:"db" mapstructure:"db" json:"db"`
	TTL       time.Duration `yaml:"ttl" mapstructure:"ttl" json:"ttl"`
	KeyPrefix string        `yaml:"key_prefix" mapstructure:"key_prefix" json:"key_prefix"`
}

// CooldownConfig configures the per-user cooldown gate
type CooldownConfig struct {
	Window time.Duration `yaml:"window" mapstructure:"window" json:"window"`

	// MaxUsers bounds the number of users tracked. Least recently
	// active users are forgotten first.
	MaxUsers int `yaml:"max_users" mapstructure:"max_users" json:"max_users" binding:"min=1"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age"`

	// If true, the SameSite attribute of the session cookie will be set to
	// 'None', and pprof endpoints are registered
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    []string{xRequestIDHeader},
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	lv := &slog.LevelVar{}
	lv.Set(level)
	return lv
}

func defaultLLMConfig(model string) LLMConfig {
	return LLMConfig{
		BaseURL:              DefaultChatBaseURL,
		Model:                model,
		LogLevel:             newLevelVar(DefaultLLMLogLevel),
		MaxRequestsPerSecond: DefaultLLMMaxRequestsPerSecond,
		RequestTimeout:       DefaultLLMRequestTimeout,
		Breaker: BreakerConfig{
			MaxFailures: DefaultBreakerMaxFailures,
			OpenTimeout: DefaultBreakerOpenTimeout,
		},
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntents,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
			Status:            DefaultDiscordStatus,
		},
		Chat: &ChatConfig{
			LLMConfig:       defaultLLMConfig(DefaultChatModel),
			AssistantName:   DefaultAssistantName,
			RecordFallback:  true,
			SerializePerKey: true,
		},
		Moderation: &ModerationConfig{
			LLMConfig:        defaultLLMConfig(DefaultModerationModel),
			Enabled:          true,
			MaxInputLength:   DefaultModerationMaxInputLength,
			MinMessageLength: DefaultModerationMinLength,
			ExemptRoleIDs:    []string{},
			TimeoutDuration:  DefaultModerationTimeout,
			CommandPrefix:    DefaultCommandPrefix,
		},
		History: &HistoryConfig{
			Backend:    HistoryBackendMemory,
			MaxEntries: DefaultHistoryMaxEntries,
			Redis: RedisConfig{
				Addr:      DefaultRedisAddr,
				TTL:       DefaultRedisTTL,
				KeyPrefix: DefaultRedisKeyPrefix,
			},
		},
		Cooldown: &CooldownConfig{
			Window:   DefaultCooldownWindow,
			MaxUsers: DefaultCooldownMaxUsers,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
