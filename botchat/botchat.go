// Package botchat implements a persona Discord bot backed by an
// OpenAI-compatible chat-completion API.
//
// Incoming messages are buffered per channel by a sliding debounce
// window and flushed as one aggregated burst, so the backend is
// invoked once per burst rather than once per message. Conversation
// state is tiered: a bounded rolling turn history per channel, an
// append-only archive of evicted turns, an importance-tagged long-term
// memory store, and per-user profile facts. A background curator
// extracts memories from completed exchanges, compresses archived
// history into highlights, and can re-encode the whole memory set for
// token economy.
package botchat

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/GauCandy/Botchatlocal/botchat.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot wires every component together and owns the run lifecycle.
type Bot struct {
	config *Config
	logger *slog.Logger

	db       *Database
	openai   *OpenAI
	discord  *Discord
	commands *Commands

	turns    *TurnStore
	profiles *ProfileStore
	archive  *ArchiveLog
	longTerm *LongTermStore

	aggregator   *Aggregator
	orchestrator *Orchestrator
	curator      *Curator
	api          *API

	startedAt time.Time
}

// New builds a Bot from config. The config is validated first; missing
// credentials fail here, before anything connects.
func New(config *Config) (*Bot, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := newLogger("botchat", config.LogLevel)
	slog.SetDefault(logger)

	b := &Bot{
		config: config,
		logger: logger,
	}

	dbLogHandler := newLogger("database", config.DatabaseLogLevel).Handler()
	db, err := NewDatabase(
		config.Database, dbLogHandler, config.DatabaseSlowThreshold,
	)
	if err != nil {
		return nil, err
	}
	b.db = db

	b.openai = newOpenAI(config.OpenAI, db, config.HTTPClient)

	if config.HTTPClient != nil {
		config.Discord.httpClient = config.HTTPClient
	}
	b.discord = newDiscord(config.Discord, b)

	b.turns = NewTurnStore(config.Memory.TurnCap)
	b.profiles = NewProfileStore(
		filepath.Join(config.DataDir, "user_profiles.json"), logger,
	)
	b.longTerm = NewLongTermStore(
		filepath.Join(config.DataDir, "long_term_memory.json"), logger,
	)
	b.archive = NewArchiveLog(config.DataDir, logger)

	b.curator = NewCurator(
		b.openai, b.longTerm, b.archive,
		config.Memory.CuratorQueueSize, logger,
	)

	b.orchestrator = NewOrchestrator(
		b.openai,
		b.turns,
		b.longTerm,
		b.profiles,
		b.archive,
		b.curator,
		b.discord,
		NewPatternExtractor(),
		config.Memory,
		config.Discord.ErrorMessage,
		config.OpenAI.Temperature,
		logger,
	)

	b.aggregator = NewAggregator(
		config.Memory.DebounceWindow,
		func(unit AggregatedUnit) {
			b.orchestrator.HandleUnit(context.Background(), unit)
		},
		logger,
	)

	b.commands = NewCommands(
		config.Discord.CommandPrefix,
		b.turns,
		b.profiles,
		b.longTerm,
		b.curator,
		b.discord,
		logger,
	)

	if config.API.Enabled {
		b.api = newAPI(config.API, b)
	}

	return b, nil
}

// Run loads the persisted stores, connects to discord, and blocks
// until the context is canceled, then shuts down gracefully.
func (b *Bot) Run(ctx context.Context) error {
	b.startedAt = time.Now().UTC()

	if err := b.profiles.Load(); err != nil {
		return fmt.Errorf("loading profiles: %w", err)
	}
	if err := b.longTerm.Load(); err != nil {
		return fmt.Errorf("loading long-term memory: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.curator.Run(runCtx)

	if err := b.discord.connect(); err != nil {
		return err
	}
	b.logger.Info(
		"bot running",
		"model", b.config.OpenAI.Model,
		"channel_id", b.config.Discord.ChannelID,
		"debounce_window", b.config.Memory.DebounceWindow,
	)

	g, gCtx := errgroup.WithContext(runCtx)
	if b.api != nil {
		g.Go(
			func() error {
				return b.api.Serve(gCtx)
			},
		)
	}
	g.Go(
		func() error {
			<-gCtx.Done()
			return nil
		},
	)

	err := g.Wait()
	cancel()
	b.curator.Wait()
	b.shutdown()
	return err
}

// shutdown stops accepting work, waits briefly for in-flight flushes,
// and persists the stores one final time. Buffered-but-unflushed
// messages and queued curator tasks are dropped.
func (b *Bot) shutdown() {
	b.logger.Info("shutting down")

	done := make(chan struct{})
	go func() {
		b.aggregator.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.config.ShutdownTimeout):
		b.logger.Warn("timed out waiting for in-flight flushes")
	}

	if err := b.discord.close(); err != nil {
		b.logger.Error("error closing discord session", tint.Err(err))
	}
	if err := b.profiles.Persist(); err != nil {
		b.logger.Error("error persisting profiles", tint.Err(err))
	}
	if err := b.longTerm.Persist(); err != nil {
		b.logger.Error("error persisting long-term memory", tint.Err(err))
	}
	b.logger.Info("shutdown complete")
}
