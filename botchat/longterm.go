package botchat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// Importance levels for long-term memory records. Extraction only keeps
// exchanges the model judges at least medium-important.
const (
	ImportanceHigh   = "high"
	ImportanceMedium = "medium"
)

// MemoryRecord is a durable, importance-tagged fact extracted from
// conversation, independent of the rolling turn window. An empty
// Participants set marks a "general" memory, eligible for every prompt.
type MemoryRecord struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Participants []string  `json:"participants,omitempty"`
	Content      string    `json:"content"`
	Importance   string    `json:"importance"`
	Tags         []string  `json:"tags,omitempty"`
	Scope        string    `json:"scope,omitempty"`
}

type longTermState struct {
	Memories       []MemoryRecord `json:"memories"`
	LastOptimized  time.Time      `json:"last_optimized"`
	LastCompressed time.Time      `json:"last_compressed"`
}

// LongTermStore persists MemoryRecords as a single JSON document.
// Persistence is whole-store overwrite; a crash between mutation and
// persist loses at most the latest mutation.
type LongTermStore struct {
	mu     sync.Mutex
	path   string
	state  longTermState
	logger *slog.Logger
}

func NewLongTermStore(path string, logger *slog.Logger) *LongTermStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &LongTermStore{
		path:   path,
		logger: logger.With(loggerNameKey, "long_term_memory"),
	}
}

// Load reads the store from disk. A missing or corrupt file starts the
// store empty rather than failing.
func (s *LongTermStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = longTermState{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("error reading long-term memory: %w", err)
	}
	if err = json.Unmarshal(data, &s.state); err != nil {
		s.logger.Warn("corrupt long-term memory file, starting empty", tint.Err(err))
		s.state = longTermState{}
	}
	return nil
}

// Persist writes the entire store to disk.
func (s *LongTermStore) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *LongTermStore) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("error creating data dir: %w", err)
	}
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding long-term memory: %w", err)
	}
	if err = os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("error writing long-term memory: %w", err)
	}
	return nil
}

// Add appends a record, assigning an ID and timestamp if unset.
func (s *LongTermStore) Add(rec MemoryRecord) MemoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Importance != ImportanceHigh {
		rec.Importance = ImportanceMedium
	}
	s.state.Memories = append(s.state.Memories, rec)
	return rec
}

// Relevant returns up to k records for the given participants: records
// tagged with any of the participants, plus "general" records with no
// participant attribution. High importance sorts before medium; ties
// break by recency, newest first.
func (s *LongTermStore) Relevant(participants []string, k int) []MemoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []MemoryRecord
	for _, rec := range s.state.Memories {
		if len(rec.Participants) == 0 || intersects(rec.Participants, participants) {
			eligible = append(eligible, rec)
		}
	}

	slices.SortStableFunc(
		eligible, func(a, b MemoryRecord) int {
			if a.Importance != b.Importance {
				if a.Importance == ImportanceHigh {
					return -1
				}
				return 1
			}
			return b.Timestamp.Compare(a.Timestamp)
		},
	)

	if k > 0 && len(eligible) > k {
		eligible = eligible[:k]
	}
	return eligible
}

func intersects(a []string, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

// Recent returns up to n records, newest first.
func (s *LongTermStore) Recent(n int) []MemoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := make([]MemoryRecord, len(s.state.Memories))
	copy(recs, s.state.Memories)
	slices.SortStableFunc(
		recs, func(a, b MemoryRecord) int {
			return b.Timestamp.Compare(a.Timestamp)
		},
	)
	if n > 0 && len(recs) > n {
		recs = recs[:n]
	}
	return recs
}

// All returns a copy of every record.
func (s *LongTermStore) All() []MemoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := make([]MemoryRecord, len(s.state.Memories))
	copy(recs, s.state.Memories)
	return recs
}

// Len returns the record count.
func (s *LongTermStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.Memories)
}

// DeleteFor removes records attributed to the given participant,
// optionally filtered by a case-insensitive content substring. Returns
// the number of records removed. Records tagged to multiple
// participants are only removed when the participant is the sole
// attribution, so one user's "forget" never destroys shared memories.
func (s *LongTermStore) DeleteFor(participant string, contains string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	contains = strings.ToLower(contains)
	kept := s.state.Memories[:0]
	var removed int
	for _, rec := range s.state.Memories {
		sole := len(rec.Participants) == 1 && rec.Participants[0] == participant
		match := sole &&
			(contains == "" || strings.Contains(strings.ToLower(rec.Content), contains))
		if match {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.state.Memories = kept
	return removed
}

// ReplaceAll swaps the full record set, used by re-encoding. This is a
// destructive bulk replace; there is no merge.
func (s *LongTermStore) ReplaceAll(recs []MemoryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range recs {
		if recs[i].ID == "" {
			recs[i].ID = uuid.NewString()
		}
		if recs[i].Timestamp.IsZero() {
			recs[i].Timestamp = time.Now().UTC()
		}
	}
	s.state.Memories = recs
	s.state.LastOptimized = time.Now().UTC()
}

// MarkCompressed records the time of the latest archive compression.
func (s *LongTermStore) MarkCompressed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastCompressed = time.Now().UTC()
}

// LastOptimized reports when the store was last bulk re-encoded.
func (s *LongTermStore) LastOptimized() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastOptimized
}
