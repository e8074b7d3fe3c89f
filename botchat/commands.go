package botchat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
)

// Operator text commands, invoked with the configured prefix.
const (
	CommandClear    = "clear"
	CommandInfo     = "info"
	CommandRemember = "remember"
	CommandForget   = "forget"
	CommandReview   = "review"
	CommandMemories = "memories"
	CommandOptimize = "optimize"
)

const commandMemoriesLimit = 10

// OperatorCommandInput is one prefixed message from the text-command
// surface.
type OperatorCommandInput struct {
	Scope      string
	SenderID   string
	SenderName string
	Text       string
	Ref        MessageRef
}

// Commands implements the operator text-command surface: history and
// profile management plus curation triggers. Replies go through the
// same EffectSender as normal responses.
type Commands struct {
	prefix   string
	turns    *TurnStore
	profiles *ProfileStore
	longTerm *LongTermStore
	curator  *Curator
	effects  EffectSender
	logger   *slog.Logger
}

func NewCommands(
	prefix string,
	turns *TurnStore,
	profiles *ProfileStore,
	longTerm *LongTermStore,
	curator *Curator,
	effects EffectSender,
	logger *slog.Logger,
) *Commands {
	if logger == nil {
		logger = slog.Default()
	}
	return &Commands{
		prefix:   prefix,
		turns:    turns,
		profiles: profiles,
		longTerm: longTerm,
		curator:  curator,
		effects:  effects,
		logger:   logger.With(loggerNameKey, "commands"),
	}
}

// Handle parses and executes one prefixed message. Unknown commands are
// ignored silently, so ordinary messages that happen to start with the
// prefix don't produce noise.
func (c *Commands) Handle(ctx context.Context, input OperatorCommandInput) {
	logger := c.logger.With(
		"scope", input.Scope,
		"sender_id", input.SenderID,
	)
	ctx = WithLogger(ctx, logger)

	text := strings.TrimPrefix(input.Text, c.prefix)
	name, args, _ := strings.Cut(text, " ")
	args = strings.TrimSpace(args)

	reply := c.execute(input, strings.ToLower(name), args)
	if reply == "" {
		return
	}
	logger.Info("handled operator command", "command", name)
	if err := c.effects.Reply(ctx, input.Ref, reply); err != nil {
		logger.Error("error sending command reply", tint.Err(err))
	}
}

func (c *Commands) execute(
	input OperatorCommandInput,
	name string,
	args string,
) string {
	switch name {
	case CommandClear:
		c.turns.Clear(input.Scope)
		return "cleared this channel's conversation history"

	case CommandInfo:
		facts := c.profiles.Get(input.SenderID)
		if len(facts) == 0 {
			return "I don't know anything about you yet... chat with me more!"
		}
		return "here's what I remember about you:\n" + FormatFacts(facts)

	case CommandRemember:
		key, value, found := strings.Cut(args, " ")
		value = strings.TrimSpace(value)
		if !found || key == "" || value == "" {
			return fmt.Sprintf(
				"usage: %s%s <key> <value>", c.prefix, CommandRemember,
			)
		}
		c.profiles.Set(input.SenderID, key, value)
		if err := c.profiles.Persist(); err != nil {
			c.logger.Error("error persisting profiles", tint.Err(err))
		}
		return fmt.Sprintf("got it: %s = %s", key, value)

	case CommandForget:
		c.profiles.Delete(input.SenderID)
		if err := c.profiles.Persist(); err != nil {
			c.logger.Error("error persisting profiles", tint.Err(err))
		}
		c.turns.Clear(input.Scope)
		removed := c.longTerm.DeleteFor(input.SenderID, args)
		if removed > 0 {
			if err := c.longTerm.Persist(); err != nil {
				c.logger.Error("error persisting long-term memory", tint.Err(err))
			}
		}
		return "forgot everything about you"

	case CommandReview:
		if c.curator == nil {
			return ""
		}
		c.curator.EnqueueReview(input.Scope)
		return "reviewing this channel's archived conversations"

	case CommandMemories:
		recs := c.longTerm.Recent(commandMemoriesLimit)
		if len(recs) == 0 {
			return "no long-term memories yet"
		}
		var b strings.Builder
		b.WriteString("recent memories:\n")
		for _, rec := range recs {
			fmt.Fprintf(&b, "- [%s] %s\n", rec.Importance, rec.Content)
		}
		return strings.TrimRight(b.String(), "\n")

	case CommandOptimize:
		if c.curator == nil {
			return ""
		}
		c.curator.EnqueueOptimize()
		return "rewriting long-term memories in the background"

	default:
		return ""
	}
}
