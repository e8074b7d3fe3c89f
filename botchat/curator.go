package botchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
)

type curatorTaskKind string

const (
	curatorTaskExtract  curatorTaskKind = "extract"
	curatorTaskCompress curatorTaskKind = "compress"
	curatorTaskOptimize curatorTaskKind = "optimize"
	curatorTaskReview   curatorTaskKind = "review"
)

type curatorTask struct {
	kind curatorTaskKind

	scope        string
	contextBlock string
	reply        string
	participants []string
	entry        ArchiveEntry
}

// extractionPrompt asks the model to judge one exchange. The structured
// answer decodes into extractionResult; fenced wrappers are stripped
// first, and a decode failure skips the exchange silently.
const extractionPrompt = `You review one chat exchange and decide whether
it contains something worth remembering long-term about the people in it
(facts, preferences, life events, running jokes). Answer with only a JSON
object, no prose:
{"important": true|false, "importance": "high"|"medium", "content": "one-sentence memory", "tags": ["tag", ...]}
Set "important" to false for small talk.`

// compressionPrompt turns an evicted block of turns into a handful of
// short highlight strings.
const compressionPrompt = `You condense an old chat transcript into at
most 5 short highlight sentences that are worth remembering long-term.
Answer with only a JSON array of strings, no prose. Answer with [] if
nothing is worth keeping.`

// optimizePrompt rewrites the whole memory set more compactly. One
// memory per line, keeping the importance marker.
const optimizePrompt = `You rewrite a list of memories to be as compact
as possible while keeping their meaning. Merge duplicates. Keep one
memory per line, each prefixed with its importance marker, exactly like
the input: "[high] ..." or "[medium] ...". Answer with only the
rewritten lines.`

var optimizedLine = regexp.MustCompile(`^\[(high|medium)\]\s*(.+)$`)

type extractionResult struct {
	Important  bool     `json:"important"`
	Importance string   `json:"importance"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags"`
}

// Curator runs the background memory routines - extraction,
// compression, archive review, and re-encoding - on a single worker
// consuming a bounded queue. Every routine is best-effort: failures are
// logged and skipped, never fatal to the caller, and enqueueing never
// blocks the reply path.
type Curator struct {
	llm      LLMClient
	longTerm *LongTermStore
	archive  *ArchiveLog

	tasks  chan curatorTask
	logger *slog.Logger

	startOnce sync.Once
	wg        sync.WaitGroup
}

func NewCurator(
	llm LLMClient,
	longTerm *LongTermStore,
	archive *ArchiveLog,
	queueSize int,
	logger *slog.Logger,
) *Curator {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultCuratorQueueSize
	}
	return &Curator{
		llm:      llm,
		longTerm: longTerm,
		archive:  archive,
		tasks:    make(chan curatorTask, queueSize),
		logger:   logger.With(loggerNameKey, "curator"),
	}
}

// Run consumes the task queue until the context is canceled. Tasks
// still queued at cancellation are dropped; curation carries no
// durability guarantee.
func (c *Curator) Run(ctx context.Context) {
	c.startOnce.Do(
		func() {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.logger.Info("curator started")
				for {
					select {
					case <-ctx.Done():
						c.logger.Info(
							"curator stopping",
							"dropped_tasks", len(c.tasks),
						)
						return
					case task := <-c.tasks:
						c.runTask(ctx, task)
					}
				}
			}()
		},
	)
}

// Wait blocks until the worker has exited.
func (c *Curator) Wait() {
	c.wg.Wait()
}

func (c *Curator) enqueue(task curatorTask) {
	select {
	case c.tasks <- task:
	default:
		c.logger.Warn(
			"curator queue full, dropping task",
			"kind", task.kind,
			"scope", task.scope,
		)
	}
}

// QueueLen reports the number of tasks waiting.
func (c *Curator) QueueLen() int {
	return len(c.tasks)
}

// EnqueueExtraction schedules importance judgment of one completed
// exchange.
func (c *Curator) EnqueueExtraction(
	scope string,
	contextBlock string,
	reply string,
	participants []string,
) {
	c.enqueue(
		curatorTask{
			kind:         curatorTaskExtract,
			scope:        scope,
			contextBlock: contextBlock,
			reply:        reply,
			participants: participants,
		},
	)
}

// EnqueueCompression schedules highlight extraction from an evicted
// archive entry.
func (c *Curator) EnqueueCompression(scope string, entry ArchiveEntry) {
	c.enqueue(curatorTask{kind: curatorTaskCompress, scope: scope, entry: entry})
}

// EnqueueOptimize schedules a full re-encoding of the long-term store.
func (c *Curator) EnqueueOptimize() {
	c.enqueue(curatorTask{kind: curatorTaskOptimize})
}

// EnqueueReview schedules compression of every unprocessed archive
// entry for a scope.
func (c *Curator) EnqueueReview(scope string) {
	c.enqueue(curatorTask{kind: curatorTaskReview, scope: scope})
}

func (c *Curator) runTask(ctx context.Context, task curatorTask) {
	logger := c.logger.With("kind", string(task.kind), "scope", task.scope)
	ctx = WithLogger(ctx, logger)

	switch task.kind {
	case curatorTaskExtract:
		c.extract(ctx, task)
	case curatorTaskCompress:
		c.compress(ctx, task.scope, task.entry, true)
	case curatorTaskOptimize:
		c.optimize(ctx)
	case curatorTaskReview:
		c.review(ctx, task.scope)
	}
}

// extract asks the backend to judge one exchange and, if important,
// records one memory tagged with the exchange's participants.
func (c *Curator) extract(ctx context.Context, task curatorTask) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = c.logger
	}

	exchange := fmt.Sprintf("%s\nassistant: %s", task.contextBlock, task.reply)
	answer, err := c.llm.Complete(
		ctx, CompletionRequest{
			System:   extractionPrompt,
			Messages: []Turn{{Role: RoleUser, Content: exchange}},
			Purpose:  PurposeExtract,
		},
	)
	if err != nil {
		logger.Warn("extraction call failed, skipping", tint.Err(err))
		return
	}

	var result extractionResult
	if err = json.Unmarshal([]byte(stripCodeFence(answer)), &result); err != nil {
		// the model answered in prose; not worth retrying
		logger.Debug("undecodable extraction answer, skipping", tint.Err(err))
		return
	}
	if !result.Important || strings.TrimSpace(result.Content) == "" {
		return
	}

	rec := c.longTerm.Add(
		MemoryRecord{
			Participants: task.participants,
			Content:      strings.TrimSpace(result.Content),
			Importance:   result.Importance,
			Tags:         result.Tags,
			Scope:        task.scope,
		},
	)
	logger.Info("extracted memory", "memory_id", rec.ID, "importance", rec.Importance)

	if err = c.longTerm.Persist(); err != nil {
		logger.Error("error persisting long-term memory", tint.Err(err))
	}
}

// compress turns one archive entry into general highlight memories and
// optionally marks the entry processed.
func (c *Curator) compress(
	ctx context.Context,
	scope string,
	entry ArchiveEntry,
	markProcessed bool,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = c.logger
	}

	var transcript strings.Builder
	for _, turn := range entry.Messages {
		fmt.Fprintf(&transcript, "%s: %s\n", turn.Role, turn.Content)
	}

	answer, err := c.llm.Complete(
		ctx, CompletionRequest{
			System:   compressionPrompt,
			Messages: []Turn{{Role: RoleUser, Content: transcript.String()}},
			Purpose:  PurposeCompress,
		},
	)
	if err != nil {
		logger.Warn("compression call failed, skipping", tint.Err(err))
		return
	}

	var highlights []string
	if err = json.Unmarshal([]byte(stripCodeFence(answer)), &highlights); err != nil {
		logger.Debug("undecodable compression answer, skipping", tint.Err(err))
		return
	}

	var added int
	for _, highlight := range highlights {
		highlight = strings.TrimSpace(highlight)
		if highlight == "" {
			continue
		}
		// no participant attribution: compressed highlights are general
		c.longTerm.Add(
			MemoryRecord{
				Content:    highlight,
				Importance: ImportanceMedium,
				Scope:      scope,
			},
		)
		added++
	}
	c.longTerm.MarkCompressed()
	logger.Info("compressed archive entry", "entry_id", entry.ID, "highlights", added)

	if err = c.longTerm.Persist(); err != nil {
		logger.Error("error persisting long-term memory", tint.Err(err))
	}
	if markProcessed && entry.ID != "" {
		if err = c.archive.MarkProcessed(scope, entry.ID); err != nil {
			logger.Error("error marking archive entry processed", tint.Err(err))
		}
	}
}

// review compresses every unprocessed archive entry for a scope.
func (c *Curator) review(ctx context.Context, scope string) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = c.logger
	}

	entries, err := c.archive.Unprocessed(scope)
	if err != nil {
		logger.Error("error reading archive", tint.Err(err))
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		c.compress(ctx, scope, entry, true)
	}
}

// optimize re-encodes the entire long-term store: the backend rewrites
// every memory more compactly and the result replaces the store
// wholesale. An unusable answer leaves the store untouched.
func (c *Curator) optimize(ctx context.Context) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = c.logger
	}

	memories := c.longTerm.All()
	if len(memories) == 0 {
		return
	}

	var lines strings.Builder
	for _, rec := range memories {
		fmt.Fprintf(&lines, "[%s] %s\n", rec.Importance, rec.Content)
	}

	answer, err := c.llm.Complete(
		ctx, CompletionRequest{
			System:   optimizePrompt,
			Messages: []Turn{{Role: RoleUser, Content: lines.String()}},
			Purpose:  PurposeOptimize,
		},
	)
	if err != nil {
		logger.Warn("optimize call failed, skipping", tint.Err(err))
		return
	}

	var rewritten []MemoryRecord
	for _, line := range strings.Split(stripCodeFence(answer), "\n") {
		m := optimizedLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		rewritten = append(
			rewritten, MemoryRecord{
				Importance: m[1],
				Content:    strings.TrimSpace(m[2]),
			},
		)
	}
	if len(rewritten) == 0 {
		logger.Warn("optimize produced no usable lines, keeping current store")
		return
	}

	c.longTerm.ReplaceAll(rewritten)
	logger.Info(
		"re-encoded long-term memory",
		"before", len(memories),
		"after", len(rewritten),
	)
	if err = c.longTerm.Persist(); err != nil {
		logger.Error("error persisting long-term memory", tint.Err(err))
	}
}
