package botchat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveLogRoundTrip(t *testing.T) {
	log := NewArchiveLog(t.TempDir(), nil)

	first, err := log.Append(
		"chan1", ArchiveEntry{
			Messages: []Turn{
				{Role: RoleUser, Content: "old message"},
				{Role: RoleAssistant, Content: "old reply"},
			},
		},
	)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.Timestamp.IsZero())

	second, err := log.Append(
		"chan1", ArchiveEntry{
			Messages: []Turn{{Role: RoleUser, Content: "newer"}},
		},
	)
	require.NoError(t, err)

	entries, err := log.Entries("chan1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[0].ID)
	assert.Equal(t, second.ID, entries[1].ID)
	assert.Equal(t, "old message", entries[0].Messages[0].Content)
	assert.False(t, entries[0].Processed)
}

func TestArchiveLogMissingFile(t *testing.T) {
	log := NewArchiveLog(t.TempDir(), nil)
	entries, err := log.Entries("nonexistent")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestArchiveLogSkipsBadLines(t *testing.T) {
	dir := t.TempDir()
	log := NewArchiveLog(dir, nil)

	entry, err := log.Append(
		"chan1", ArchiveEntry{Messages: []Turn{{Role: RoleUser, Content: "ok"}}},
	)
	require.NoError(t, err)

	f, err := os.OpenFile(
		filepath.Join(dir, "archive_chan1.jsonl"),
		os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	require.NoError(t, err)
	_, err = f.WriteString("this is not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := log.Entries("chan1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)
}

func TestArchiveLogMarkProcessed(t *testing.T) {
	log := NewArchiveLog(t.TempDir(), nil)

	first, err := log.Append(
		"chan1", ArchiveEntry{Messages: []Turn{{Role: RoleUser, Content: "a"}}},
	)
	require.NoError(t, err)
	second, err := log.Append(
		"chan1", ArchiveEntry{Messages: []Turn{{Role: RoleUser, Content: "b"}}},
	)
	require.NoError(t, err)

	pending, err := log.Unprocessed("chan1")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, log.MarkProcessed("chan1", first.ID))

	pending, err = log.Unprocessed("chan1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	// entries are never removed, only flagged
	entries, err := log.Entries("chan1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Processed)
	assert.Equal(t, "a", entries[0].Messages[0].Content)
}

func TestSanitizeScope(t *testing.T) {
	assert.Equal(t, "chan1", sanitizeScope("chan1"))
	assert.Equal(t, "123456789", sanitizeScope("123456789"))
	assert.Equal(t, "a_b_c", sanitizeScope("a/b\\c"))
	assert.Equal(t, "dm_user-1", sanitizeScope("dm:user-1"))
}
