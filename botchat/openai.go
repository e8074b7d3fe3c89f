package botchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// Completion request purposes, recorded in the request log.
const (
	PurposeChat     = "chat"
	PurposeExtract  = "extract"
	PurposeCompress = "compress"
	PurposeOptimize = "optimize"
	PurposeDataset  = "dataset"
)

// ErrEmptyCompletion indicates the backend returned no choices.
var ErrEmptyCompletion = errors.New("empty completion response")

// CompletionRequest is one request to the chat-completion backend:
// a system prompt plus ordered role-tagged turns.
type CompletionRequest struct {
	System      string
	Messages    []Turn
	MaxTokens   int
	Temperature float32
	Purpose     string
}

// LLMClient is the chat-completion backend contract: messages in, text
// out. The concrete implementation is OpenAI below; tests substitute a
// fake.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// OpenAIChatClient is the subset of the go-openai client the bot uses
// for completions, an interface so tests don't need network access.
type OpenAIChatClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// OpenAI wraps the chat-completion backend with rate limiting, a hard
// per-request timeout, and request logging.
type OpenAI struct {
	client  OpenAIChatClient
	config  *OpenAIConfig
	logger  *slog.Logger
	limiter *rate.Limiter
	db      *Database
}

func newOpenAI(
	config *OpenAIConfig,
	db *Database,
	httpClient *http.Client,
) *OpenAI {
	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}

	rps := config.MaxRequestsPerSecond
	if rps <= 0 {
		rps = DefaultOpenAIMaxRequestsPerSecond
	}

	return &OpenAI{
		client:  openai.NewClientWithConfig(clientCfg),
		config:  config,
		logger:  newLogger("openai", config.LogLevel),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		db:      db,
	}
}

// NewOpenAIClient returns a standalone completion client without
// request logging, for the dataset and fine-tune commands.
func NewOpenAIClient(config *OpenAIConfig) *OpenAI {
	return newOpenAI(config, nil, nil)
}

// Complete sends one chat-completion request and returns the reply
// text. Every call - success or failure - is recorded in the request
// log. Temperature is only sent when configured non-zero, since some
// model families reject the parameter.
func (o *OpenAI) Complete(
	ctx context.Context,
	req CompletionRequest,
) (string, error) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = o.logger
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	messages := make(
		[]openai.ChatCompletionMessage, 0, len(req.Messages)+1,
	)
	if req.System != "" {
		messages = append(
			messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.System,
			},
		)
	}
	for _, turn := range req.Messages {
		role := openai.ChatMessageRoleUser
		if turn.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(
			messages, openai.ChatCompletionMessage{
				Role:    role,
				Content: turn.Content,
			},
		)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = o.config.MaxTokens
	}

	payload := openai.ChatCompletionRequest{
		Model:       o.config.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}

	reqLog := &RequestLog{
		Purpose:        req.Purpose,
		Model:          payload.Model,
		RequestStarted: time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(payload); err == nil {
		reqLog.RequestBody = string(data)
	}

	timeout := o.config.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultOpenAIRequestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(reqCtx, payload)
	reqLog.RequestEnded = time.Now().UnixMilli()

	if err == nil && len(resp.Choices) == 0 {
		err = ErrEmptyCompletion
	}
	if err != nil {
		reqLog.Error = err.Error()
		o.logRequest(logger, reqLog)
		return "", fmt.Errorf("completion failed: %w", err)
	}

	content := resp.Choices[0].Message.Content
	if data, marshalErr := json.Marshal(resp); marshalErr == nil {
		reqLog.ResponseBody = string(data)
	}
	o.logRequest(logger, reqLog)

	return content, nil
}

// logRequest is best-effort: request-log write failures never fail the
// completion itself.
func (o *OpenAI) logRequest(logger *slog.Logger, reqLog *RequestLog) {
	if o.db == nil {
		return
	}
	if err := o.db.CreateRequestLog(reqLog); err != nil {
		logger.Error("error saving request log", tint.Err(err))
	}
}
