package botchat

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLongTermStore(t testing.TB) *LongTermStore {
	t.Helper()
	store := NewLongTermStore(
		filepath.Join(t.TempDir(), "long_term_memory.json"), nil,
	)
	require.NoError(t, store.Load())
	return store
}

func TestLongTermStoreLoadMissingFile(t *testing.T) {
	store := newTestLongTermStore(t)
	assert.Zero(t, store.Len())
}

func TestLongTermStorePersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "long_term_memory.json")
	store := NewLongTermStore(path, nil)
	require.NoError(t, store.Load())

	added := store.Add(
		MemoryRecord{
			Participants: []string{"u1"},
			Content:      "u1 is learning the guitar",
			Importance:   ImportanceHigh,
			Tags:         []string{"hobby"},
			Scope:        "chan1",
		},
	)
	require.NoError(t, store.Persist())

	reloaded := NewLongTermStore(path, nil)
	require.NoError(t, reloaded.Load())
	require.Equal(t, 1, reloaded.Len())

	recs := reloaded.All()
	assert.Equal(t, added.ID, recs[0].ID)
	assert.Equal(t, "u1 is learning the guitar", recs[0].Content)
	assert.Equal(t, ImportanceHigh, recs[0].Importance)
	assert.Equal(t, []string{"u1"}, recs[0].Participants)
}

func TestLongTermStoreCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "long_term_memory.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store := NewLongTermStore(path, nil)
	require.NoError(t, store.Load())
	assert.Zero(t, store.Len())
}

func TestLongTermStoreAddNormalizesImportance(t *testing.T) {
	store := newTestLongTermStore(t)
	rec := store.Add(MemoryRecord{Content: "x", Importance: "critical"})
	assert.Equal(t, ImportanceMedium, rec.Importance)
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.Timestamp.IsZero())
}

// TestLongTermStoreRelevant verifies selection for a participant set:
// records tagged with a participant and untagged "general" records are
// eligible, high importance wins over medium, and ties break newest
// first.
func TestLongTermStoreRelevant(t *testing.T) {
	store := newTestLongTermStore(t)
	base := time.Now().UTC()

	store.Add(
		MemoryRecord{
			Participants: []string{"u1"},
			Content:      "older high",
			Importance:   ImportanceHigh,
			Timestamp:    base.Add(-2 * time.Hour),
		},
	)
	store.Add(
		MemoryRecord{
			Participants: []string{"u1"},
			Content:      "newer high",
			Importance:   ImportanceHigh,
			Timestamp:    base.Add(-time.Hour),
		},
	)
	store.Add(
		MemoryRecord{
			Participants: []string{"u1"},
			Content:      "medium",
			Importance:   ImportanceMedium,
			Timestamp:    base,
		},
	)
	store.Add(
		MemoryRecord{
			Participants: []string{"u2"},
			Content:      "someone else",
			Importance:   ImportanceHigh,
			Timestamp:    base,
		},
	)

	got := store.Relevant([]string{"u1"}, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "newer high", got[0].Content)
	assert.Equal(t, "older high", got[1].Content)

	// medium shows up once k allows it, after both high records
	got = store.Relevant([]string{"u1"}, 5)
	require.Len(t, got, 3)
	assert.Equal(t, "medium", got[2].Content)
}

func TestLongTermStoreRelevantIncludesGeneral(t *testing.T) {
	store := newTestLongTermStore(t)

	store.Add(
		MemoryRecord{
			Content:    "the group has a friday movie night",
			Importance: ImportanceHigh,
		},
	)
	store.Add(
		MemoryRecord{
			Participants: []string{"u2"},
			Content:      "u2 owns a cat",
			Importance:   ImportanceHigh,
		},
	)

	got := store.Relevant([]string{"u1"}, 5)
	require.Len(t, got, 1)
	assert.Equal(t, "the group has a friday movie night", got[0].Content)
}

func TestLongTermStoreDeleteFor(t *testing.T) {
	store := newTestLongTermStore(t)

	store.Add(
		MemoryRecord{
			Participants: []string{"u1"},
			Content:      "u1 likes pizza",
		},
	)
	store.Add(
		MemoryRecord{
			Participants: []string{"u1"},
			Content:      "u1 plays chess",
		},
	)
	// shared attribution survives one user's forget
	store.Add(
		MemoryRecord{
			Participants: []string{"u1", "u2"},
			Content:      "u1 and u2 are planning a trip",
		},
	)

	removed := store.DeleteFor("u1", "pizza")
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, store.Len())

	removed = store.DeleteFor("u1", "")
	assert.Equal(t, 1, removed)
	require.Equal(t, 1, store.Len())
	assert.Equal(t, "u1 and u2 are planning a trip", store.All()[0].Content)
}

func TestLongTermStoreReplaceAll(t *testing.T) {
	store := newTestLongTermStore(t)
	store.Add(MemoryRecord{Content: "a"})
	store.Add(MemoryRecord{Content: "b"})
	assert.True(t, store.LastOptimized().IsZero())

	store.ReplaceAll(
		[]MemoryRecord{
			{Content: "merged a and b", Importance: ImportanceHigh},
		},
	)
	require.Equal(t, 1, store.Len())

	recs := store.All()
	assert.Equal(t, "merged a and b", recs[0].Content)
	assert.NotEmpty(t, recs[0].ID)
	assert.False(t, store.LastOptimized().IsZero())
}

func TestLongTermStoreRecent(t *testing.T) {
	store := newTestLongTermStore(t)
	base := time.Now().UTC()
	store.Add(MemoryRecord{Content: "oldest", Timestamp: base.Add(-2 * time.Hour)})
	store.Add(MemoryRecord{Content: "newest", Timestamp: base})
	store.Add(MemoryRecord{Content: "middle", Timestamp: base.Add(-time.Hour)})

	got := store.Recent(2)
	require.Len(t, got, 2)
	assert.Equal(t, "newest", got[0].Content)
	assert.Equal(t, "middle", got[1].Content)
}
