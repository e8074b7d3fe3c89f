package cmd

import (
	"log"
	"os"
	"time"

	"github.com/GauCandy/Botchatlocal/botchat"
	"github.com/spf13/cobra"
)

var (
	finetuneFile         string
	finetuneBaseModel    string
	finetunePollInterval time.Duration
	finetuneModelOut     string
)

var finetuneCmd = &cobra.Command{
	Use:   "finetune [flags]",
	Short: "Upload a dataset, run a fine-tuning job and save the model ID",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()

		if cfg.OpenAI.Token == "" {
			log.Fatal("openai.token is required")
		}
		if _, err := os.Stat(finetuneFile); err != nil {
			log.Fatalf("training file: %v", err)
		}

		client := botchat.NewFineTuneClient(cfg.OpenAI)
		modelID, err := botchat.RunFineTune(
			ctx,
			client,
			finetuneFile,
			finetuneBaseModel,
			finetunePollInterval,
			nil,
		)
		if err != nil {
			log.Fatalf("error fine-tuning: %v", err)
		}

		if err = os.WriteFile(
			finetuneModelOut, []byte(modelID+"\n"), 0o600,
		); err != nil {
			log.Fatalf("error writing %s: %v", finetuneModelOut, err)
		}
		log.Printf("fine-tuned model %s saved to %s", modelID, finetuneModelOut)
	},
}

//goland:noinspection GoLinter
func init() {
	finetuneCmd.Flags().StringVar(
		&finetuneFile,
		"file",
		"dataset.jsonl",
		"Training JSONL file",
	)
	finetuneCmd.Flags().StringVar(
		&finetuneBaseModel,
		"base-model",
		"gpt-4o-mini-2024-07-18",
		"Base model to fine-tune",
	)
	finetuneCmd.Flags().DurationVar(
		&finetunePollInterval,
		"poll-interval",
		30*time.Second,
		"How often to poll job status",
	)
	finetuneCmd.Flags().StringVar(
		&finetuneModelOut,
		"model-out",
		"model_id.txt",
		"File to write the fine-tuned model ID to",
	)
	rootCmd.AddCommand(finetuneCmd)
}
