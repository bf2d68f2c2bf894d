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

	"github.com/go-viper/mapstructure/v2"
	"github.com/gpteam/gpbot/gpbot"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = gpbot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "gpbot [flags]",
	Short: "GP Team's Discord assistant and moderator",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return unmarshalConfig(cfg)
	},
}

// levelKeys are the config keys holding a *slog.LevelVar
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"chat.log_level",
	"moderation.log_level",
	"api.log_level",
}

// sliceKeys are the config keys holding a []string, which may be set
// from the environment as a space-separated list
var sliceKeys = []string{
	"moderation.exempt_role_ids",
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
}

func unmarshalConfig(c *gpbot.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
		func(dc *mapstructure.DecoderConfig) {
			// slices set from the environment replace the defaults
			// instead of being merged into them
			dc.ZeroFields = true
		},
	)
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes strings like "INFO" or "warn" into
// *slog.LevelVar fields
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
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load env file %q: %v", configFile, err)
		}
	}

	viper.SetDefault("database", gpbot.DefaultDatabase)
	viper.SetDefault("database_type", gpbot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", gpbot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", gpbot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("development", false)
	viper.SetDefault("log_level", gpbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", gpbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", gpbot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", gpbot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", gpbot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", int(gpbot.DefaultDiscordGatewayIntents))
	viper.SetDefault("discord.status", gpbot.DefaultDiscordStatus)

	// Chat backend
	setLLMDefaults("chat", gpbot.DefaultChatModel)
	viper.SetDefault("chat.assistant_name", gpbot.DefaultAssistantName)
	viper.SetDefault("chat.knowledge_file", "")
	viper.SetDefault("chat.system_prompt", "")
	viper.SetDefault("chat.record_fallback", true)
	viper.SetDefault("chat.serialize_per_key", true)

	// Moderation backend
	setLLMDefaults("moderation", gpbot.DefaultModerationModel)
	viper.SetDefault("moderation.enabled", true)
	viper.SetDefault("moderation.max_input_length", gpbot.DefaultModerationMaxInputLength)
	viper.SetDefault("moderation.min_message_length", gpbot.DefaultModerationMinLength)
	viper.SetDefault("moderation.exempt_role_ids", []string{})
	viper.SetDefault("moderation.timeout_duration", gpbot.DefaultModerationTimeout)
	viper.SetDefault("moderation.command_prefix", gpbot.DefaultCommandPrefix)

	// History
	viper.SetDefault("history.backend", gpbot.HistoryBackendMemory)
	viper.SetDefault("history.max_entries", gpbot.DefaultHistoryMaxEntries)
	viper.SetDefault("history.redis.addr", gpbot.DefaultRedisAddr)
	viper.SetDefault("history.redis.password", "")
	viper.SetDefault("history.redis.db", 0)
	viper.SetDefault("history.redis.ttl", gpbot.DefaultRedisTTL)
	viper.SetDefault("history.redis.key_prefix", gpbot.DefaultRedisKeyPrefix)

	// Cooldown
	viper.SetDefault("cooldown.window", gpbot.DefaultCooldownWindow)
	viper.SetDefault("cooldown.max_users", gpbot.DefaultCooldownMaxUsers)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", gpbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", gpbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.session_max_age", gpbot.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", gpbot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", gpbot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", gpbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", gpbot.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", gpbot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", gpbot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", gpbot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", gpbot.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(gpbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = gpbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range sliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range levelKeys {
		if _, err := getLogLevel(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

// setLLMDefaults sets the defaults shared by both completion backends
func setLLMDefaults(prefix string, model string) {
	viper.SetDefault(prefix+".token", "")
	viper.SetDefault(prefix+".base_url", gpbot.DefaultChatBaseURL)
	viper.SetDefault(prefix+".model", model)
	viper.SetDefault(prefix+".log_level", gpbot.DefaultLLMLogLevel.String())
	viper.SetDefault(prefix+".max_requests_per_second", gpbot.DefaultLLMMaxRequestsPerSecond)
	viper.SetDefault(prefix+".request_timeout", gpbot.DefaultLLMRequestTimeout)
	viper.SetDefault(prefix+".breaker.max_failures", gpbot.DefaultBreakerMaxFailures)
	viper.SetDefault(prefix+".breaker.open_timeout", gpbot.DefaultBreakerOpenTimeout)
}

//nolint:gochecknoinits // cobra wiring
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}
