package botchat

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/lmittmann/tint"
)

// reactionDirective matches a reply that is exactly "REACT: <token>"
// where <token> is a single whitespace-free emoji token. Anything else
// around it disqualifies the directive and the reply is sent as text.
var reactionDirective = regexp.MustCompile(`^REACT:\s*(\S+)$`)

// EffectSender is the outward half of the chat platform gateway: the
// three effects the orchestrator can produce. The concrete
// implementation is Discord; tests substitute a recorder.
type EffectSender interface {
	Reply(ctx context.Context, ref MessageRef, text string) error
	React(ctx context.Context, ref MessageRef, emoji string) error
	Typing(ctx context.Context, channelID string) error
}

// Orchestrator turns one aggregated unit into exactly one outward
// effect: a text reply, a single reaction, or silence.
type Orchestrator struct {
	llm       LLMClient
	turns     *TurnStore
	longTerm  *LongTermStore
	profiles  *ProfileStore
	archive   *ArchiveLog
	curator   *Curator
	effects   EffectSender
	extractor FactExtractor
	config    *MemoryConfig

	// errorMessage is the generic apology sent when the backend call
	// fails
	errorMessage string

	temperature float32
	logger      *slog.Logger
}

func NewOrchestrator(
	llm LLMClient,
	turns *TurnStore,
	longTerm *LongTermStore,
	profiles *ProfileStore,
	archive *ArchiveLog,
	curator *Curator,
	effects EffectSender,
	extractor FactExtractor,
	config *MemoryConfig,
	errorMessage string,
	temperature float32,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if extractor == nil {
		extractor = NopExtractor{}
	}
	return &Orchestrator{
		llm:          llm,
		turns:        turns,
		longTerm:     longTerm,
		profiles:     profiles,
		archive:      archive,
		curator:      curator,
		effects:      effects,
		extractor:    extractor,
		config:       config,
		errorMessage: errorMessage,
		temperature:  temperature,
		logger:       logger.With(loggerNameKey, "orchestrator"),
	}
}

// HandleUnit processes one flushed burst. Failure calling the backend
// is surfaced as a generic error reply and never corrupts the turn
// store; silence and reactions are deliberate outcomes, not errors.
func (o *Orchestrator) HandleUnit(ctx context.Context, unit AggregatedUnit) {
	if len(unit.Messages) == 0 {
		return
	}

	logger := o.logger.With("scope", unit.Scope)
	ctx = WithLogger(ctx, logger)

	lastRef := unit.Messages[len(unit.Messages)-1].Ref
	contextBlock := formatContextBlock(unit.Messages)
	participants := participantIDs(unit.Messages)

	if err := o.effects.Typing(ctx, lastRef.ChannelID); err != nil {
		logger.Debug("error sending typing indicator", tint.Err(err))
	}

	system := o.composeSystemPrompt(unit)
	history := o.turns.Recent(unit.Scope, o.config.PromptTurns)
	messages := append(history, Turn{Role: RoleUser, Content: contextBlock})

	reply, err := o.llm.Complete(
		ctx, CompletionRequest{
			System:      system,
			Messages:    messages,
			Temperature: o.temperature,
			Purpose:     PurposeChat,
		},
	)
	if err != nil {
		logger.Error("backend call failed", tint.Err(err))
		if sendErr := o.effects.Reply(ctx, lastRef, o.errorMessage); sendErr != nil {
			logger.Error("error sending error reply", tint.Err(sendErr))
		}
		return
	}

	trimmed := strings.TrimSpace(reply)

	if m := reactionDirective.FindStringSubmatch(trimmed); m != nil {
		// reaction-only: nothing is appended to history, and no
		// extraction fires
		if reactErr := o.effects.React(ctx, lastRef, m[1]); reactErr != nil {
			logger.Info(
				"reaction failed, dropping",
				"emoji", m[1],
				tint.Err(reactErr),
			)
		}
		return
	}

	if len([]rune(trimmed)) < o.config.MinReplyLength {
		logger.Debug("model declined to respond", "reply", trimmed)
		return
	}

	if err = o.effects.Reply(ctx, lastRef, trimmed); err != nil {
		logger.Error("error sending reply", tint.Err(err))
		return
	}

	evicted := o.turns.Append(
		unit.Scope,
		Turn{Role: RoleUser, Content: contextBlock},
		Turn{Role: RoleAssistant, Content: trimmed},
	)

	o.saveProfileFacts(unit)

	if o.curator != nil {
		o.curator.EnqueueExtraction(unit.Scope, contextBlock, trimmed, participants)
	}

	if len(evicted) > 0 {
		entry, archiveErr := o.archive.Append(
			unit.Scope, ArchiveEntry{Messages: evicted},
		)
		if archiveErr != nil {
			logger.Error("error archiving evicted turns", tint.Err(archiveErr))
		}
		if o.curator != nil {
			o.curator.EnqueueCompression(unit.Scope, entry)
		}
	}
}

// composeSystemPrompt combines the persona, the response policy, the
// most relevant long-term memories for the burst's participants, and
// each participant's stored profile facts.
func (o *Orchestrator) composeSystemPrompt(unit AggregatedUnit) string {
	var b strings.Builder
	b.WriteString(o.config.Persona)
	b.WriteString("\n\n")
	b.WriteString(responsePolicy)

	participants := participantIDs(unit.Messages)
	memories := o.longTerm.Relevant(participants, o.config.RelevantMemories)
	if len(memories) > 0 {
		b.WriteString("\n\nThings you remember:\n")
		for _, rec := range memories {
			fmt.Fprintf(&b, "- %s\n", rec.Content)
		}
	}

	seen := map[string]bool{}
	for _, msg := range unit.Messages {
		if seen[msg.SenderID] {
			continue
		}
		seen[msg.SenderID] = true
		facts := o.profiles.Get(msg.SenderID)
		if len(facts) == 0 {
			continue
		}
		fmt.Fprintf(
			&b, "\nAbout %s:\n%s\n", msg.Sender, FormatFacts(facts),
		)
	}
	return strings.TrimRight(b.String(), "\n")
}

// saveProfileFacts runs the heuristic extractor over each message in
// the burst and records the sender's display name as a fact if not
// already known.
func (o *Orchestrator) saveProfileFacts(unit AggregatedUnit) {
	var changed bool
	for _, msg := range unit.Messages {
		o.profiles.SetIfAbsent(msg.SenderID, "name", msg.Sender)
		changed = true
		for _, fact := range o.extractor.Extract(msg.Content) {
			o.profiles.Set(msg.SenderID, fact.Key, fact.Value)
		}
	}
	if changed {
		if err := o.profiles.Persist(); err != nil {
			o.logger.Error("error persisting profiles", tint.Err(err))
		}
	}
}

// formatContextBlock renders a burst as one line per message,
// "Sender: content", in arrival order.
func formatContextBlock(messages []PendingMessage) string {
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		lines = append(lines, fmt.Sprintf("%s: %s", msg.Sender, msg.Content))
	}
	return strings.Join(lines, "\n")
}

// participantIDs returns the unique sender IDs of a burst, in first
// appearance order.
func participantIDs(messages []PendingMessage) []string {
	seen := map[string]bool{}
	var ids []string
	for _, msg := range messages {
		if !seen[msg.SenderID] {
			seen[msg.SenderID] = true
			ids = append(ids, msg.SenderID)
		}
	}
	return ids
}
