package botchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
)

// datasetPrompt asks the backend for training pairs on one topic. The
// answer decodes into a JSON array of {user, assistant} objects.
const datasetPrompt = `You write fine-tuning data for a chat persona.
Given the persona description and a topic, produce %d short, natural
chat exchanges in character. Answer with only a JSON array, no prose:
[{"user": "...", "assistant": "..."}, ...]`

// DefaultDatasetTopics seed the generator when none are given.
var DefaultDatasetTopics = []string{
	"feeling down and needing encouragement",
	"debugging code that won't work",
	"favorite shows and games",
	"a crush they're afraid to confess to",
	"weekend plans",
	"being tired from school or work",
}

type datasetPair struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// fineTuneMessage and fineTuneLine are the OpenAI chat fine-tuning
// JSONL format: one {"messages": [...]} object per line.
type fineTuneMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type fineTuneLine struct {
	Messages []fineTuneMessage `json:"messages"`
}

// GenerateDataset asks the backend for persona exchanges per topic and
// writes them to out as fine-tuning JSONL. A topic whose answer fails
// or won't decode is logged and skipped; the error return only covers
// writing. Returns the number of lines written.
func GenerateDataset(
	ctx context.Context,
	llm LLMClient,
	persona string,
	topics []string,
	pairsPerTopic int,
	out io.Writer,
	logger *slog.Logger,
) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(topics) == 0 {
		topics = DefaultDatasetTopics
	}
	if pairsPerTopic <= 0 {
		pairsPerTopic = 5
	}

	encoder := json.NewEncoder(out)
	var written int
	for _, topic := range topics {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}

		answer, err := llm.Complete(
			ctx, CompletionRequest{
				System: fmt.Sprintf(datasetPrompt, pairsPerTopic),
				Messages: []Turn{
					{
						Role: RoleUser,
						Content: fmt.Sprintf(
							"Persona:\n%s\n\nTopic: %s", persona, topic,
						),
					},
				},
				Purpose: PurposeDataset,
			},
		)
		if err != nil {
			logger.Warn("generation failed, skipping topic", "topic", topic, tint.Err(err))
			continue
		}

		var pairs []datasetPair
		if err = json.Unmarshal([]byte(stripCodeFence(answer)), &pairs); err != nil {
			logger.Warn("undecodable answer, skipping topic", "topic", topic, tint.Err(err))
			continue
		}

		for _, pair := range pairs {
			if strings.TrimSpace(pair.User) == "" ||
				strings.TrimSpace(pair.Assistant) == "" {
				continue
			}
			line := fineTuneLine{
				Messages: []fineTuneMessage{
					{Role: "system", Content: persona},
					{Role: "user", Content: pair.User},
					{Role: "assistant", Content: pair.Assistant},
				},
			}
			if err = encoder.Encode(line); err != nil {
				return written, fmt.Errorf("error writing dataset: %w", err)
			}
			written++
		}
		logger.Info("generated topic", "topic", topic, "pairs", len(pairs))
	}
	return written, nil
}

// FineTuneClient is the subset of the go-openai client the fine-tune
// poll loop uses.
type FineTuneClient interface {
	CreateFile(
		ctx context.Context,
		request openai.FileRequest,
	) (openai.File, error)
	CreateFineTuningJob(
		ctx context.Context,
		request openai.FineTuningJobRequest,
	) (openai.FineTuningJob, error)
	RetrieveFineTuningJob(
		ctx context.Context,
		jobID string,
	) (openai.FineTuningJob, error)
}

// NewFineTuneClient returns a go-openai client for file upload and
// fine-tuning jobs, honoring the configured base URL.
func NewFineTuneClient(config *OpenAIConfig) FineTuneClient {
	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	return openai.NewClientWithConfig(clientCfg)
}

// Terminal fine-tuning job statuses.
const (
	fineTuneStatusSucceeded = "succeeded"
	fineTuneStatusFailed    = "failed"
	fineTuneStatusCancelled = "cancelled"
)

// ErrFineTuneFailed indicates the job reached a failed or cancelled
// terminal status.
var ErrFineTuneFailed = errors.New("fine-tuning job did not succeed")

// RunFineTune uploads the training file, creates a fine-tuning job,
// and polls until a terminal status. On success it returns the
// fine-tuned model ID. Transient poll errors are retried on the next
// tick.
func RunFineTune(
	ctx context.Context,
	client FineTuneClient,
	trainingFile string,
	baseModel string,
	pollInterval time.Duration,
	logger *slog.Logger,
) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}

	file, err := client.CreateFile(
		ctx, openai.FileRequest{
			FileName: trainingFile,
			FilePath: trainingFile,
			Purpose:  "fine-tune",
		},
	)
	if err != nil {
		return "", fmt.Errorf("error uploading training file: %w", err)
	}
	logger.Info("uploaded training file", "file_id", file.ID)

	job, err := client.CreateFineTuningJob(
		ctx, openai.FineTuningJobRequest{
			TrainingFile: file.ID,
			Model:        baseModel,
		},
	)
	if err != nil {
		return "", fmt.Errorf("error creating fine-tuning job: %w", err)
	}
	logger.Info("created fine-tuning job", "job_id", job.ID, "base_model", baseModel)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		job, err = client.RetrieveFineTuningJob(ctx, job.ID)
		if err != nil {
			logger.Warn("poll failed, retrying", tint.Err(err))
			continue
		}

		switch job.Status {
		case fineTuneStatusSucceeded:
			logger.Info(
				"fine-tuning succeeded",
				"job_id", job.ID,
				"model", job.FineTunedModel,
			)
			return job.FineTunedModel, nil
		case fineTuneStatusFailed, fineTuneStatusCancelled:
			return "", fmt.Errorf(
				"%w: job %s status %q", ErrFineTuneFailed, job.ID, job.Status,
			)
		default:
			logger.Info("fine-tuning in progress", "job_id", job.ID, "status", job.Status)
		}
	}
}
