package botchat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
)

// ProfileStore holds free-form key/value facts per user, persisted as
// one JSON document ({user_id: {key: value}}). Facts come from explicit
// "remember" commands or from the FactExtractor heuristics.
type ProfileStore struct {
	mu       sync.Mutex
	path     string
	profiles map[string]map[string]string
	logger   *slog.Logger
}

func NewProfileStore(path string, logger *slog.Logger) *ProfileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfileStore{
		path:     path,
		profiles: map[string]map[string]string{},
		logger:   logger.With(loggerNameKey, "profiles"),
	}
}

// Load reads the store from disk. A missing or corrupt file starts the
// store empty rather than failing.
func (s *ProfileStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles = map[string]map[string]string{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("error reading profiles: %w", err)
	}
	if err = json.Unmarshal(data, &s.profiles); err != nil {
		s.logger.Warn("corrupt profile file, starting empty", tint.Err(err))
		s.profiles = map[string]map[string]string{}
	}
	return nil
}

// Persist writes the entire store to disk.
func (s *ProfileStore) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("error creating data dir: %w", err)
	}
	data, err := json.MarshalIndent(s.profiles, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding profiles: %w", err)
	}
	if err = os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("error writing profiles: %w", err)
	}
	return nil
}

// Get returns a copy of a user's facts.
func (s *ProfileStore) Get(userID string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	facts := s.profiles[userID]
	if len(facts) == 0 {
		return nil
	}
	out := make(map[string]string, len(facts))
	for k, v := range facts {
		out[k] = v
	}
	return out
}

// Set stores one fact for a user.
func (s *ProfileStore) Set(userID string, key string, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.profiles[userID] == nil {
		s.profiles[userID] = map[string]string{}
	}
	s.profiles[userID][key] = value
}

// SetIfAbsent stores a fact only when the key isn't already set.
func (s *ProfileStore) SetIfAbsent(userID string, key string, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.profiles[userID] == nil {
		s.profiles[userID] = map[string]string{}
	}
	if _, ok := s.profiles[userID][key]; !ok {
		s.profiles[userID][key] = value
	}
}

// Delete removes every fact for a user.
func (s *ProfileStore) Delete(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, userID)
}

// Len returns the number of users with stored facts.
func (s *ProfileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profiles)
}

// FormatFacts renders a user's facts as "- key: value" lines in stable
// order, for prompts and the !info command.
func FormatFacts(facts map[string]string) string {
	if len(facts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, facts[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

// ProfileFact is one fact detected in free text.
type ProfileFact struct {
	Key   string
	Value string
}

// FactExtractor detects profile facts in free-form user text. It's an
// interface so the pattern heuristics can be swapped or disabled
// without touching the orchestrator.
type FactExtractor interface {
	Extract(content string) []ProfileFact
}

type factPattern struct {
	prefix string
	key    string
}

// PatternExtractor is the default FactExtractor: a fixed list of
// self-introduction prefixes mapped to fact keys, taking the remainder
// of the sentence as the value.
type PatternExtractor struct {
	patterns []factPattern
	maxLen   int
}

func NewPatternExtractor() *PatternExtractor {
	return &PatternExtractor{
		patterns: []factPattern{
			{"my name is ", "name"},
			{"call me ", "name"},
			{"i like ", "likes"},
			{"i love ", "likes"},
			{"i'm sad because ", "recent_mood"},
			{"i am sad because ", "recent_mood"},
			{"i'm studying ", "studying"},
			{"i am studying ", "studying"},
			{"i work as ", "job"},
			{"i work at ", "job"},
		},
		maxLen: 100,
	}
}

func (p *PatternExtractor) Extract(content string) []ProfileFact {
	lowered := strings.ToLower(content)

	var facts []ProfileFact
	for _, pattern := range p.patterns {
		idx := strings.Index(lowered, pattern.prefix)
		if idx < 0 {
			continue
		}
		value := firstSentence(content[idx+len(pattern.prefix):])
		if value == "" || len(value) >= p.maxLen {
			continue
		}
		facts = append(facts, ProfileFact{Key: pattern.key, Value: value})
	}
	return facts
}

// NopExtractor disables heuristic fact extraction.
type NopExtractor struct{}

func (NopExtractor) Extract(string) []ProfileFact {
	return nil
}
