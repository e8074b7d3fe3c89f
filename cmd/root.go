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

	"github.com/GauCandy/Botchatlocal/botchat"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = botchat.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "botchat [flags]",
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

	viper.SetDefault("database", botchat.DefaultDatabase)
	viper.SetDefault(
		"database_slow_threshold",
		botchat.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		botchat.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("data_dir", botchat.DefaultDataDir)
	viper.SetDefault("log_level", botchat.DefaultLogLevel.String())
	viper.SetDefault("shutdown_timeout", botchat.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.channel_id", "")
	viper.SetDefault("discord.command_prefix", botchat.DefaultCommandPrefix)
	viper.SetDefault("discord.error_message", botchat.DefaultDiscordErrorMessage)
	viper.SetDefault(
		"discord.startup_message",
		botchat.DefaultDiscordStartupMessage,
	)
	viper.SetDefault(
		"discord.log_level",
		botchat.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		botchat.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		botchat.DefaultDiscordGatewayIntent,
	)

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.model", botchat.DefaultOpenAIModel)
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.max_tokens", botchat.DefaultOpenAIMaxTokens)
	viper.SetDefault("openai.temperature", 0)
	viper.SetDefault(
		"openai.request_timeout",
		botchat.DefaultOpenAIRequestTimeout,
	)
	viper.SetDefault(
		"openai.max_requests_per_second",
		botchat.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.log_level", botchat.DefaultOpenAILogLevel.String())

	// Memory config
	viper.SetDefault("memory.debounce_window", botchat.DefaultDebounceWindow)
	viper.SetDefault("memory.turn_cap", botchat.DefaultTurnCap)
	viper.SetDefault("memory.prompt_turns", botchat.DefaultPromptTurns)
	viper.SetDefault(
		"memory.relevant_memories",
		botchat.DefaultRelevantMemories,
	)
	viper.SetDefault("memory.min_reply_length", botchat.DefaultMinReplyLength)
	viper.SetDefault(
		"memory.curator_queue_size",
		botchat.DefaultCuratorQueueSize,
	)
	viper.SetDefault("memory.persona", botchat.DefaultPersona)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", botchat.DefaultAPIListen)
	viper.SetDefault("api.log_level", botchat.DefaultAPILogLevel.String())
	viper.SetDefault("api.cors_allow_origins", []string{})
	viper.SetDefault("api.read_timeout", botchat.DefaultAPIReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		botchat.DefaultAPIReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", botchat.DefaultAPIWriteTimeout)
	viper.SetDefault("api.idle_timeout", botchat.DefaultAPIIdleTimeout)

	envPrefix := os.Getenv(botchat.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = botchat.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors_allow_origins",
		viper.GetStringSlice("api.cors_allow_origins"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"openai.log_level",
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
