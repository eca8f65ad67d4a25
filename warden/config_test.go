package warden

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validTestConfig returns a DefaultConfig with the required fields
// populated.
func validTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Discord.Token = "token"
	cfg.Discord.ApplicationID = "app-id"
	cfg.Discord.GuildID = "guild-id"
	cfg.Moderation.LogChannelID = "log-channel"
	cfg.Classifier.URL = "https://classifier.example.com"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	assert.Equal(t, DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel.Level())

	require.NotNil(t, cfg.Moderation)
	assert.Equal(t, DefaultBanThreshold, cfg.Moderation.BanThreshold)
	assert.Equal(t, DefaultKickThreshold, cfg.Moderation.KickThreshold)
	assert.Equal(t, DefaultMuteThreshold, cfg.Moderation.MuteThreshold)
	assert.Equal(t, DefaultMutedRoleName, cfg.Moderation.MutedRoleName)
	assert.Equal(t, DefaultAuditExcerptLimit, cfg.Moderation.ExcerptLimit)

	require.NotNil(t, cfg.Burst)
	assert.Equal(t, DefaultBurstThreshold, cfg.Burst.Threshold)
	assert.Equal(t, DefaultBurstWindow, cfg.Burst.Window)
	assert.Equal(t, DefaultSlowModeDelay, cfg.Burst.SlowModeDelay)

	require.NotNil(t, cfg.API)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.False(t, cfg.API.Enabled)
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	require.NoError(t, structValidator.Struct(validTestConfig()))
}

func TestConfigValidationMissingDiscordToken(t *testing.T) {
	t.Parallel()

	cfg := validTestConfig()
	cfg.Discord.Token = ""
	assert.Error(t, structValidator.Struct(cfg))
}

func TestConfigValidationMissingLogChannel(t *testing.T) {
	t.Parallel()

	cfg := validTestConfig()
	cfg.Moderation.LogChannelID = ""
	assert.Error(t, structValidator.Struct(cfg))
}

func TestConfigValidationBadClassifierURL(t *testing.T) {
	t.Parallel()

	cfg := validTestConfig()
	cfg.Classifier.URL = "not a url"
	assert.Error(t, structValidator.Struct(cfg))
}

func TestConfigValidationBadDatabaseType(t *testing.T) {
	t.Parallel()

	cfg := validTestConfig()
	cfg.DatabaseType = "mysql"
	assert.Error(t, structValidator.Struct(cfg))
}

func TestConfigValidationThresholds(t *testing.T) {
	t.Parallel()

	cfg := validTestConfig()
	cfg.Moderation.MuteThreshold = 0
	assert.Error(t, structValidator.Struct(cfg))
}

func TestConfigValidationWelcomeRequiresChannel(t *testing.T) {
	t.Parallel()

	cfg := validTestConfig()
	cfg.Welcome.Enabled = true
	assert.Error(t, structValidator.Struct(cfg))

	cfg.Welcome.ChannelID = "welcome"
	cfg.Welcome.CardURL = "https://cards.example.com/render"
	assert.NoError(t, structValidator.Struct(cfg))
}
