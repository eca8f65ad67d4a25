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

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/yassin1255/GraduaatsProef-DiscordBot/warden"
)

var (
	cfg        = warden.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "warden [flags]",
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
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
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

	viper.SetDefault("database", warden.DefaultDatabase)
	viper.SetDefault("database_type", warden.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		warden.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		warden.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", warden.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", warden.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", warden.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.startup_message", warden.DefaultDiscordStartupMessage)
	viper.SetDefault(
		"discord.log_level",
		warden.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		warden.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		warden.DefaultDiscordGatewayIntent,
	)

	// Moderation config
	viper.SetDefault("moderation.log_channel_id", "")
	viper.SetDefault("moderation.ban_threshold", warden.DefaultBanThreshold)
	viper.SetDefault("moderation.kick_threshold", warden.DefaultKickThreshold)
	viper.SetDefault("moderation.mute_threshold", warden.DefaultMuteThreshold)
	viper.SetDefault("moderation.muted_role_name", warden.DefaultMutedRoleName)
	viper.SetDefault("moderation.excerpt_limit", warden.DefaultAuditExcerptLimit)
	viper.SetDefault("moderation.blocked_words", []string{})
	viper.SetDefault("moderation.moderator_role_ids", []string{})

	// Burst limiter config
	viper.SetDefault("burst.threshold", warden.DefaultBurstThreshold)
	viper.SetDefault("burst.window", warden.DefaultBurstWindow)
	viper.SetDefault("burst.slow_mode_delay", warden.DefaultSlowModeDelay)
	viper.SetDefault("burst.notice_max_age", warden.DefaultBurstNoticeMaxAge)

	// Classifier config
	viper.SetDefault("classifier.url", "")
	viper.SetDefault("classifier.token", "")
	viper.SetDefault("classifier.timeout", warden.DefaultClassifierTimeout)
	viper.SetDefault(
		"classifier.max_requests_per_second",
		warden.DefaultClassifierMaxRequestsPerSec,
	)
	viper.SetDefault(
		"classifier.log_level",
		warden.DefaultClassifierLogLevel.String(),
	)

	// Responder config
	viper.SetDefault("responder.token", "")
	viper.SetDefault("responder.base_url", warden.DefaultResponderBaseURL)
	viper.SetDefault("responder.model", warden.DefaultResponderModel)
	viper.SetDefault("responder.temperature", warden.DefaultResponderTemperature)
	viper.SetDefault(
		"responder.log_level",
		warden.DefaultResponderLogLevel.String(),
	)

	// Welcome config
	viper.SetDefault("welcome.enabled", false)
	viper.SetDefault("welcome.channel_id", "")
	viper.SetDefault("welcome.card_url", "")
	viper.SetDefault("welcome.timeout", warden.DefaultExternalRequestTimeout)

	// Social config
	viper.SetDefault("social.enabled", false)
	viper.SetDefault("social.url", "")
	viper.SetDefault("social.token", "")
	viper.SetDefault("social.timeout", warden.DefaultExternalRequestTimeout)

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", warden.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.token", "")
	viper.SetDefault("api.log_level", warden.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", warden.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		warden.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", warden.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", warden.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		warden.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		warden.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", warden.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", false)

	envPrefix := os.Getenv(warden.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = warden.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"moderation.blocked_words",
		viper.GetStringSlice("moderation.blocked_words"),
	)
	viper.Set(
		"moderation.moderator_role_ids",
		viper.GetStringSlice("moderation.moderator_role_ids"),
	)
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

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"classifier.log_level",
		"responder.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
