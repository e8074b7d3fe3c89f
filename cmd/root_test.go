package cmd

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/GauCandy/Botchatlocal/botchat"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnv(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
			viper.Reset()
		},
	)

	os.Clearenv()

	envVars := map[string]string{
		"BC_DATABASE":                "/home/foo/botchat.sqlite3",
		"BC_DATABASE_LOG_LEVEL":      "WARN",
		"BC_DATABASE_SLOW_THRESHOLD": "150ms",
		"BC_DATA_DIR":                "/home/foo/data",
		"BC_LOG_LEVEL":               "DEBUG",
		"BC_SHUTDOWN_TIMEOUT":        "45s",

		"BC_DISCORD_TOKEN":           "discord-token",
		"BC_DISCORD_CHANNEL_ID":      "123456789",
		"BC_DISCORD_COMMAND_PREFIX":  "?",
		"BC_DISCORD_STARTUP_MESSAGE": "back online",

		"BC_OPENAI_TOKEN":           "openai-token",
		"BC_OPENAI_MODEL":           "ft:gpt-4o-mini:custom",
		"BC_OPENAI_BASE_URL":        "http://localhost:8080/v1",
		"BC_OPENAI_REQUEST_TIMEOUT": "2m",

		"BC_MEMORY_DEBOUNCE_WINDOW":  "5s",
		"BC_MEMORY_TURN_CAP":         "200",
		"BC_MEMORY_PROMPT_TURNS":     "80",
		"BC_MEMORY_MIN_REPLY_LENGTH": "2",

		"BC_API_ENABLED": "true",
		"BC_API_LISTEN":  "127.0.0.1:6002",
	}
	for k, v := range envVars {
		require.NoError(t, os.Setenv(k, v))
	}

	viper.Reset()
	initConfig()

	cfg := botchat.DefaultConfig()
	require.NoError(
		t,
		viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		),
	)

	assert.Equal(t, "/home/foo/botchat.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/data", cfg.DataDir)
	assert.Equal(t, 150*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, cfg.DatabaseLogLevel.Level())

	assert.Equal(t, "discord-token", cfg.Discord.Token)
	assert.Equal(t, "123456789", cfg.Discord.ChannelID)
	assert.Equal(t, "?", cfg.Discord.CommandPrefix)
	assert.Equal(t, "back online", cfg.Discord.StartupMessage)
	// unset values keep their defaults
	assert.Equal(t, botchat.DefaultDiscordErrorMessage, cfg.Discord.ErrorMessage)

	assert.Equal(t, "openai-token", cfg.OpenAI.Token)
	assert.Equal(t, "ft:gpt-4o-mini:custom", cfg.OpenAI.Model)
	assert.Equal(t, "http://localhost:8080/v1", cfg.OpenAI.BaseURL)
	assert.Equal(t, 2*time.Minute, cfg.OpenAI.RequestTimeout)

	assert.Equal(t, 5*time.Second, cfg.Memory.DebounceWindow)
	assert.Equal(t, 200, cfg.Memory.TurnCap)
	assert.Equal(t, 80, cfg.Memory.PromptTurns)
	assert.Equal(t, 2, cfg.Memory.MinReplyLength)
	assert.Equal(t, botchat.DefaultRelevantMemories, cfg.Memory.RelevantMemories)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:6002", cfg.API.Listen)

	require.NoError(t, cfg.Validate())
}

func TestGetLogLevel(t *testing.T) {
	for expected, name := range map[slog.Level]string{
		slog.LevelDebug: "DEBUG",
		slog.LevelInfo:  "INFO",
		slog.LevelWarn:  "WARN",
		slog.LevelError: "ERROR",
	} {
		lvl, err := getLogLevel(name)
		require.NoError(t, err)
		assert.Equal(t, expected, lvl)
	}

	_, err := getLogLevel("LOUD")
	assert.Error(t, err)
}

func TestLevelStringToLevelVar(t *testing.T) {
	lvl, err := levelStringToLevelVar("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl.Level())

	_, err = levelStringToLevelVar("nope")
	assert.Error(t, err)
}
