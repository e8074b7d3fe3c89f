package botchat

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// ArchiveEntry is a durable copy of turns evicted from a scope's
// rolling history. Entries are write-once; only the Processed flag is
// ever mutated, when the curator has turned the entry into long-term
// highlights.
type ArchiveEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Messages  []Turn    `json:"messages"`
	Processed bool      `json:"processed"`
}

// ArchiveLog is an append-only JSON-Lines log of evicted turns, one
// file per scope under the data directory.
type ArchiveLog struct {
	mu     sync.Mutex
	dir    string
	logger *slog.Logger
}

func NewArchiveLog(dir string, logger *slog.Logger) *ArchiveLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveLog{
		dir:    dir,
		logger: logger.With(loggerNameKey, "archive"),
	}
}

func (a *ArchiveLog) path(scope string) string {
	return filepath.Join(a.dir, "archive_"+sanitizeScope(scope)+".jsonl")
}

// sanitizeScope makes a scope identifier safe for use in a filename.
func sanitizeScope(scope string) string {
	return strings.Map(
		func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				return r
			case r == '-' || r == '_':
				return r
			default:
				return '_'
			}
		}, scope,
	)
}

// Append writes one entry to the scope's archive file. A zero ID is
// assigned, and a zero timestamp is set to now.
func (a *ArchiveLog) Append(scope string, entry ArchiveEntry) (ArchiveEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return entry, fmt.Errorf("error creating archive dir: %w", err)
	}

	f, err := os.OpenFile(
		a.path(scope),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	if err != nil {
		return entry, fmt.Errorf("error opening archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	data, err := json.Marshal(entry)
	if err != nil {
		return entry, fmt.Errorf("error encoding archive entry: %w", err)
	}
	if _, err = f.Write(append(data, '\n')); err != nil {
		return entry, fmt.Errorf("error writing archive entry: %w", err)
	}
	return entry, nil
}

// Entries reads all archive entries for a scope. A missing file yields
// an empty slice; unreadable lines are logged and skipped.
func (a *ArchiveLog) Entries(scope string) ([]ArchiveEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readEntries(scope)
}

func (a *ArchiveLog) readEntries(scope string) ([]ArchiveEntry, error) {
	f, err := os.Open(a.path(scope))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error opening archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var entries []ArchiveEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry ArchiveEntry
		if err = json.Unmarshal([]byte(line), &entry); err != nil {
			a.logger.Warn(
				"skipping bad archive line",
				"scope", scope,
				tint.Err(err),
			)
			continue
		}
		entries = append(entries, entry)
	}
	if err = scanner.Err(); err != nil {
		return entries, fmt.Errorf("error reading archive: %w", err)
	}
	return entries, nil
}

// Unprocessed returns entries not yet reviewed by the curator.
func (a *ArchiveLog) Unprocessed(scope string) ([]ArchiveEntry, error) {
	entries, err := a.Entries(scope)
	if err != nil {
		return nil, err
	}
	var pending []ArchiveEntry
	for _, entry := range entries {
		if !entry.Processed {
			pending = append(pending, entry)
		}
	}
	return pending, nil
}

// MarkProcessed flips the Processed flag on the given entry IDs and
// rewrites the scope's file. Entries are never removed.
func (a *ArchiveLog) MarkProcessed(scope string, ids ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries, err := a.readEntries(scope)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	var changed bool
	for i := range entries {
		if idSet[entries[i].ID] && !entries[i].Processed {
			entries[i].Processed = true
			changed = true
		}
	}
	if !changed {
		return nil
	}

	var buf strings.Builder
	for _, entry := range entries {
		data, marshalErr := json.Marshal(entry)
		if marshalErr != nil {
			return fmt.Errorf("error encoding archive entry: %w", marshalErr)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if err = os.WriteFile(a.path(scope), []byte(buf.String()), 0o644); err != nil {
		return fmt.Errorf("error rewriting archive: %w", err)
	}
	return nil
}
