//nolint:lll // struct tags can't be split
package warden

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "WARDEN_ENV_PREFIX"
	DefaultEnvPrefix   = "WARDEN"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "warden.sqlite3"
	DefaultLogLevel              = slog.LevelInfo
	DefaultStartupTimeout        = 30 * time.Second
	DefaultShutdownTimeout       = 60 * time.Second
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo

	DefaultDiscordLogLevel      = slog.LevelWarn
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMembers
	DefaultDiscordStartupMessage = "I'm here!"
	DefaultDiscordCustomStatus   = "keeping watch"
	DefaultDiscordErrorMessage   = "sorry, something went wrong!"
	discordMaxMessageLength      = 2000

	// Severity thresholds. Scores at or above each threshold map to the
	// corresponding action, checked highest-first.
	DefaultBanThreshold  = 4
	DefaultKickThreshold = 3
	DefaultMuteThreshold = 2

	DefaultMutedRoleName     = "Restricted"
	DefaultAuditExcerptLimit = 1000

	// Burst limiter defaults: 3 messages within a rolling 5-second
	// window trips slow-mode, which enforces a 5-second per-member
	// message delay until the counter decays to zero.
	DefaultBurstThreshold    = 3
	DefaultBurstWindow       = 5 * time.Second
	DefaultSlowModeDelay     = 5 * time.Second
	DefaultBurstNoticeMaxAge = 10 * time.Second

	DefaultClassifierTimeout           = 10 * time.Second
	DefaultClassifierMaxRequestsPerSec = 5
	DefaultClassifierLogLevel          = slog.LevelInfo

	// DefaultExternalRequestTimeout bounds requests to the card
	// renderer and the social posting API
	DefaultExternalRequestTimeout = 10 * time.Second

	DefaultResponderBaseURL     = "https://api.groq.com/openai/v1"
	DefaultResponderModel       = "llama-3.3-70b-versatile"
	DefaultResponderTemperature = 0.7
	DefaultResponderLogLevel    = slog.LevelInfo

	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultAPILogLevel       = slog.LevelInfo
	defaultListenNetwork     = "tcp"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"Cache-Control",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowTHreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Moderation configures the severity policy engine
	Moderation *ModerationConfig `yaml:"moderation" mapstructure:"moderation" json:"moderation"`

	// Burst configures the per-channel burst limiter
	Burst *BurstConfig `yaml:"burst" mapstructure:"burst" json:"burst"`

	// Classifier configures the external content-safety classifier
	Classifier *ClassifierConfig `yaml:"classifier" mapstructure:"classifier" json:"classifier"`

	// Responder configures the AI question-answering responder
	Responder *ResponderConfig `yaml:"responder" mapstructure:"responder" json:"responder"`

	// Welcome configures the member-join greeter
	Welcome *WelcomeConfig `yaml:"welcome" mapstructure:"welcome" json:"welcome"`

	// Social configures the cross-posting integration
	Social *SocialConfig `yaml:"social" mapstructure:"social" json:"social"`

	// API configures the backend ops API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID is the guild the bot operates in, and where slash
	// commands are registered. Required - the moderation side effects
	// (role mutation, kick, ban) are guild-scoped.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required"`

	// NotificationChannelID, if set, receives the startup message when
	// the bot connects to the gateway.
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// StartupMessage is sent to NotificationChannelID on connect, if set
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// CustomStatus is set as the bot user's status after connecting
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// ModerationConfig configures the severity policy engine.
//
//nolint:lll // can't break tags
type ModerationConfig struct {
	// LogChannelID is the channel audit entries are posted to.
	// Required: a missing audit destination is a fatal configuration
	// error.
	LogChannelID string `yaml:"log_channel_id" mapstructure:"log_channel_id" json:"log_channel_id" binding:"required"`

	// BanThreshold is the minimum (inclusive) severity score resulting in a ban
	BanThreshold int `yaml:"ban_threshold" mapstructure:"ban_threshold" json:"ban_threshold" binding:"min=1"`

	// KickThreshold is the minimum (inclusive) severity score resulting in a kick
	KickThreshold int `yaml:"kick_threshold" mapstructure:"kick_threshold" json:"kick_threshold" binding:"min=1"`

	// MuteThreshold is the minimum (inclusive) severity score resulting in a mute
	MuteThreshold int `yaml:"mute_threshold" mapstructure:"mute_threshold" json:"mute_threshold" binding:"min=1"`

	// MutedRoleName is the name of the role granted on mute. Created
	// lazily if it doesn't exist yet.
	MutedRoleName string `yaml:"muted_role_name" mapstructure:"muted_role_name" json:"muted_role_name"`

	// ExcerptLimit is the maximum number of characters from the
	// offending message included in audit entries
	ExcerptLimit int `yaml:"excerpt_limit" mapstructure:"excerpt_limit" json:"excerpt_limit"`

	// BlockedWords are deleted on sight without consulting the
	// classifier, unless the author passes the moderator check
	BlockedWords []string `yaml:"blocked_words" mapstructure:"blocked_words" json:"blocked_words"`

	// ModeratorRoleIDs are role IDs exempt from the blocked-word check
	ModeratorRoleIDs []string `yaml:"moderator_role_ids" mapstructure:"moderator_role_ids" json:"moderator_role_ids"`
}

// BurstConfig configures the per-channel burst limiter.
//
//nolint:lll // can't break tags
type BurstConfig struct {
	// Threshold is the counter value at which slow-mode activates
	Threshold int `yaml:"threshold" mapstructure:"threshold" json:"threshold" binding:"min=1"`

	// Window is how long each recorded message contributes to the counter
	Window time.Duration `yaml:"window" mapstructure:"window" json:"window" binding:"min=1s"`

	// SlowModeDelay is the per-member message delay applied while
	// slow-mode is active
	SlowModeDelay time.Duration `yaml:"slow_mode_delay" mapstructure:"slow_mode_delay" json:"slow_mode_delay" binding:"min=1s"`

	// NoticeMaxAge is how long the transient activation/deactivation
	// notices stay in the channel before self-deleting
	NoticeMaxAge time.Duration `yaml:"notice_max_age" mapstructure:"notice_max_age" json:"notice_max_age"`
}

// ClassifierConfig configures the external content-safety classifier.
//
//nolint:lll // can't break tags
type ClassifierConfig struct {
	// URL is the base URL of the classification service
	URL string `yaml:"url" mapstructure:"url" json:"url" binding:"required,url"`

	// Token authenticates requests to the classification service
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Timeout bounds each classification request
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`

	// MaxRequestsPerSecond limits outbound classification calls
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second"`

	// LogLevel for classifier calls
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// ResponderConfig configures the AI question-answering responder.
//
//nolint:lll // can't break tags
type ResponderConfig struct {
	// Token is the API key for the chat-completion endpoint
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// BaseURL is the OpenAI-compatible API base URL
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// Model is the chat-completion model name
	Model string `yaml:"model" mapstructure:"model" json:"model"`

	// Temperature for completions
	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature"`

	// LogLevel for responder calls
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// WelcomeConfig configures the member-join greeter.
//
//nolint:lll // can't break tags
type WelcomeConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// ChannelID is the channel welcome messages are posted to
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id" binding:"required_if=Enabled true"`

	// CardURL is the endpoint of the external image-compositing
	// service that renders welcome cards
	CardURL string `yaml:"card_url" mapstructure:"card_url" json:"card_url" binding:"required_if=Enabled true,omitempty,url"`

	// Timeout bounds each card-rendering request
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`
}

// SocialConfig configures the cross-posting integration.
//
//nolint:lll // can't break tags
type SocialConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// URL is the endpoint of the social posting API
	URL string `yaml:"url" mapstructure:"url" json:"url" binding:"required_if=Enabled true,omitempty,url"`

	// Token authenticates requests to the posting API
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Timeout bounds each posting request
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`
}

// APIConfig configures the backend ops API server.
//
//nolint:lll // can't break tags
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,omitempty,hostname_port"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Token is the bearer token required on /api routes. If empty,
	// the API refuses all /api requests.
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
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
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	return CORSConfig{
		AllowOrigins: []string{},
		AllowMethods: defaultMethods,
		AllowHeaders: defaultHeaders,
		MaxAge:       DefaultCORSMaxAge,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	classifierLogLevel := &slog.LevelVar{}
	responderLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	classifierLogLevel.Set(DefaultClassifierLogLevel)
	responderLogLevel.Set(DefaultResponderLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		Moderation: &ModerationConfig{
			BanThreshold:  DefaultBanThreshold,
			KickThreshold: DefaultKickThreshold,
			MuteThreshold: DefaultMuteThreshold,
			MutedRoleName: DefaultMutedRoleName,
			ExcerptLimit:  DefaultAuditExcerptLimit,
		},
		Burst: &BurstConfig{
			Threshold:     DefaultBurstThreshold,
			Window:        DefaultBurstWindow,
			SlowModeDelay: DefaultSlowModeDelay,
			NoticeMaxAge:  DefaultBurstNoticeMaxAge,
		},
		Classifier: &ClassifierConfig{
			Timeout:              DefaultClassifierTimeout,
			MaxRequestsPerSecond: DefaultClassifierMaxRequestsPerSec,
			LogLevel:             classifierLogLevel,
		},
		Responder: &ResponderConfig{
			BaseURL:     DefaultResponderBaseURL,
			Model:       DefaultResponderModel,
			Temperature: DefaultResponderTemperature,
			LogLevel:    responderLogLevel,
		},
		Welcome: &WelcomeConfig{
			Timeout: DefaultExternalRequestTimeout,
		},
		Social: &SocialConfig{
			Timeout: DefaultExternalRequestTimeout,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
