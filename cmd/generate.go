package cmd

import (
	"log"
	"os"

	"github.com/GauCandy/Botchatlocal/botchat"
	"github.com/spf13/cobra"
)

var (
	generateOut    string
	generateTopics []string
	generatePairs  int
)

var generateCmd = &cobra.Command{
	Use:   "generate [flags]",
	Short: "Generate a persona fine-tuning dataset (JSONL)",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()

		if cfg.OpenAI.Token == "" {
			log.Fatal("openai.token is required")
		}

		out, err := os.Create(generateOut)
		if err != nil {
			log.Fatalf("error creating %s: %v", generateOut, err)
		}
		defer func() {
			_ = out.Close()
		}()

		llm := botchat.NewOpenAIClient(cfg.OpenAI)
		written, err := botchat.GenerateDataset(
			ctx,
			llm,
			cfg.Memory.Persona,
			generateTopics,
			generatePairs,
			out,
			nil,
		)
		if err != nil {
			log.Fatalf("error generating dataset: %v", err)
		}
		log.Printf("wrote %d lines to %s", written, generateOut)
	},
}

//goland:noinspection GoLinter
func init() {
	generateCmd.Flags().StringVar(
		&generateOut,
		"out",
		"dataset.jsonl",
		"Output JSONL file",
	)
	generateCmd.Flags().StringSliceVar(
		&generateTopics,
		"topic",
		nil,
		"Topic to generate exchanges for (repeatable)",
	)
	generateCmd.Flags().IntVar(
		&generatePairs,
		"pairs",
		5,
		"Exchanges to generate per topic",
	)
	rootCmd.AddCommand(generateCmd)
}
