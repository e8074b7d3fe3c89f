//nolint:lll // struct tags can't be split
package botchat

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "BOTCHAT_ENV_PREFIX"
	DefaultEnvPrefix   = "BC"

	DefaultDatabase              = "botchat.sqlite3"
	DefaultDataDir               = "data"
	DefaultLogLevel              = slog.LevelInfo
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultShutdownTimeout       = 30 * time.Second

	DefaultDiscordLogLevel      = slog.LevelWarn
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordGatewayIntent = discordgo.IntentGuildMessages |
		discordgo.IntentDirectMessages |
		discordgo.IntentMessageContent
	DefaultCommandPrefix         = "!"
	DefaultDiscordErrorMessage   = "ugh... something broke, try again in a bit"
	DefaultDiscordStartupMessage = "I'm here!"
	discordMaxMessageLength      = 2000

	DefaultOpenAILogLevel             = slog.LevelInfo
	DefaultOpenAIModel                = "gpt-4o-mini"
	DefaultOpenAIMaxTokens            = 500
	DefaultOpenAIRequestTimeout       = 90 * time.Second
	DefaultOpenAIMaxRequestsPerSecond = 1

	// DefaultDebounceWindow is the sliding delay after the last message
	// in a burst before the burst is flushed to the orchestrator.
	DefaultDebounceWindow = 3 * time.Second

	// DefaultTurnCap bounds the rolling turn history per scope. When an
	// append pushes a scope past this, the oldest turns are evicted into
	// an archive entry so that TurnCap/2 turns remain.
	DefaultTurnCap = 120

	// DefaultPromptTurns is the number of recent turns included in each
	// completion request.
	DefaultPromptTurns = 60

	// DefaultRelevantMemories caps the long-term memory excerpts included
	// in the system prompt.
	DefaultRelevantMemories = 5

	// DefaultMinReplyLength is the minimum trimmed reply length. Anything
	// shorter is treated as the model deciding not to respond.
	DefaultMinReplyLength = 3

	DefaultCuratorQueueSize = 32

	DefaultAPIListen            = "127.0.0.1:5002"
	DefaultAPILogLevel          = slog.LevelInfo
	DefaultAPIReadTimeout       = 5 * time.Second
	DefaultAPIReadHeaderTimeout = 5 * time.Second
	DefaultAPIWriteTimeout      = 10 * time.Second
	DefaultAPIIdleTimeout       = 30 * time.Second
	DefaultAPICORSMaxAge        = 12 * time.Hour
)

// DefaultPersona describes the bot's character when no persona is
// configured. The original deployment used a fine-tuned model with a
// much richer profile; this is just a safe fallback.
const DefaultPersona = `You are Gau, a laid-back, friendly chat companion.
You talk casually, keep replies short and natural, and never describe
yourself as an AI or assistant. You use the occasional emoji, remember
what people tell you, and match the energy of the conversation.`

// responsePolicy is appended to every system prompt. It tells the model
// how to use the aggregated context block and how to signal a reaction
// or deliberate silence.
const responsePolicy = `The latest user message lists one or more chat
messages, one per line, formatted as "Name: text". They arrived close
together and you are answering them as a group.

Rules:
- Only respond if you are addressed directly or the conversation is
  clearly relevant to you. If it isn't, reply with a single period.
- If the messages raise several distinct topics, address each briefly
  in one reply.
- If the conversation is naturally wrapping up and a reply would add
  nothing, you may instead react to the last message: reply with
  exactly "REACT: <emoji>" and nothing else.`

// DefaultCORSAllowMethods and friends mirror what the admin UI needs.
var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
	}
)

// Config is the top-level configuration, loaded via viper in cmd.
type Config struct {
	// Database is the sqlite path used for the LLM request log
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// DataDir holds the JSON/JSONL store files (profiles, long-term
	// memory, per-scope archives)
	DataDir string `yaml:"data_dir" mapstructure:"data_dir" json:"data_dir" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After
	// this elapses, the bot force-closes all connections and exits.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// OpenAI configures the chat-completion backend
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai"`

	// Memory configures the aggregation/memory pipeline
	Memory *MemoryConfig `yaml:"memory" mapstructure:"memory" json:"memory"`

	// API configures the admin/status HTTP API
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord connection and text-command surface.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// ChannelID restricts the bot to a single channel. Empty means the
	// bot answers in any channel it can see.
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id"`

	// CommandPrefix introduces operator text commands (default "!")
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required"`

	// ErrorMessage is sent when a completion fails
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message" binding:"required"`

	// StartupMessage is sent to ChannelID (if set) on connect
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// OpenAIConfig configures the chat-completion backend.
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Model is the (usually fine-tuned) model ID used for replies
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// BaseURL overrides the API endpoint, for OpenAI-compatible backends
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// MaxTokens caps completion output tokens
	MaxTokens int `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens"`

	// Temperature for reply completions. Zero omits the parameter
	// entirely - some model families reject it.
	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature"`

	// RequestTimeout bounds each completion call
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"required"`

	// MaxRequestsPerSecond rate-limits completion calls
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// MemoryConfig configures the aggregation and memory pipeline.
type MemoryConfig struct {
	// DebounceWindow is the sliding delay before a burst is flushed
	DebounceWindow time.Duration `yaml:"debounce_window" mapstructure:"debounce_window" json:"debounce_window" binding:"required"`

	// TurnCap bounds per-scope turn history; eviction trims to TurnCap/2
	TurnCap int `yaml:"turn_cap" mapstructure:"turn_cap" json:"turn_cap" binding:"required"`

	// PromptTurns is the number of recent turns sent with each completion
	PromptTurns int `yaml:"prompt_turns" mapstructure:"prompt_turns" json:"prompt_turns" binding:"required"`

	// RelevantMemories caps long-term memory excerpts per prompt
	RelevantMemories int `yaml:"relevant_memories" mapstructure:"relevant_memories" json:"relevant_memories"`

	// MinReplyLength below which a reply is treated as deliberate silence
	MinReplyLength int `yaml:"min_reply_length" mapstructure:"min_reply_length" json:"min_reply_length"`

	// CuratorQueueSize bounds the background curation work queue
	CuratorQueueSize int `yaml:"curator_queue_size" mapstructure:"curator_queue_size" json:"curator_queue_size" binding:"required"`

	// Persona is the fixed character description for the system prompt
	Persona string `yaml:"persona" mapstructure:"persona" json:"persona" binding:"required"`
}

// APIConfig configures the admin/status HTTP API.
type APIConfig struct {
	// Determines if the API server should be active
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The logging level for the API server
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// CORS origins allowed to call the API (empty disables CORS)
	CORSAllowOrigins []string `yaml:"cors_allow_origins" mapstructure:"cors_allow_origins" json:"cors_allow_origins"`

	// Maximum duration for reading the entire request, including the body
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// DefaultConfig returns a Config with every default filled in. cmd
// overlays viper/env values on top of this.
func DefaultConfig() *Config {
	return &Config{
		Database:              DefaultDatabase,
		DatabaseLogLevel:      levelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		DataDir:               DefaultDataDir,
		LogLevel:              levelVar(DefaultLogLevel),
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			CommandPrefix:     DefaultCommandPrefix,
			ErrorMessage:      DefaultDiscordErrorMessage,
			StartupMessage:    DefaultDiscordStartupMessage,
			LogLevel:          levelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: levelVar(DefaultDiscordgoLogLevel),
			GatewayIntents:    DefaultDiscordGatewayIntent,
		},
		OpenAI: &OpenAIConfig{
			Model:                DefaultOpenAIModel,
			MaxTokens:            DefaultOpenAIMaxTokens,
			RequestTimeout:       DefaultOpenAIRequestTimeout,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			LogLevel:             levelVar(DefaultOpenAILogLevel),
		},
		Memory: &MemoryConfig{
			DebounceWindow:   DefaultDebounceWindow,
			TurnCap:          DefaultTurnCap,
			PromptTurns:      DefaultPromptTurns,
			RelevantMemories: DefaultRelevantMemories,
			MinReplyLength:   DefaultMinReplyLength,
			CuratorQueueSize: DefaultCuratorQueueSize,
			Persona:          DefaultPersona,
		},
		API: &APIConfig{
			Enabled:           false,
			Listen:            DefaultAPIListen,
			LogLevel:          levelVar(DefaultAPILogLevel),
			ReadTimeout:       DefaultAPIReadTimeout,
			ReadHeaderTimeout: DefaultAPIReadHeaderTimeout,
			WriteTimeout:      DefaultAPIWriteTimeout,
			IdleTimeout:       DefaultAPIIdleTimeout,
		},
	}
}

func levelVar(l slog.Level) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(l)
	return v
}

// Validate checks the config with the same `binding` tags gin uses.
// Missing credentials are fatal at startup rather than at first use.
func (c *Config) Validate() error {
	v := validator.New()
	v.SetTagName("binding")
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Memory.TurnCap < 2 {
		return fmt.Errorf("invalid config: memory.turn_cap must be >= 2")
	}
	if c.Memory.DebounceWindow <= 0 {
		return fmt.Errorf("invalid config: memory.debounce_window must be > 0")
	}
	return nil
}
