package botchat

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type commandsFixture struct {
	turns    *TurnStore
	profiles *ProfileStore
	longTerm *LongTermStore
	curator  *Curator
	effects  *recordingEffects
	commands *Commands
}

func newCommandsFixture(t testing.TB) *commandsFixture {
	t.Helper()

	dir := t.TempDir()
	turns := NewTurnStore(DefaultTurnCap)
	profiles := NewProfileStore(filepath.Join(dir, "user_profiles.json"), nil)
	require.NoError(t, profiles.Load())
	longTerm := NewLongTermStore(filepath.Join(dir, "long_term_memory.json"), nil)
	require.NoError(t, longTerm.Load())
	archive := NewArchiveLog(dir, nil)
	curator := NewCurator(&fakeLLM{}, longTerm, archive, 8, nil)
	effects := &recordingEffects{}

	return &commandsFixture{
		turns:    turns,
		profiles: profiles,
		longTerm: longTerm,
		curator:  curator,
		effects:  effects,
		commands: NewCommands(
			DefaultCommandPrefix,
			turns,
			profiles,
			longTerm,
			curator,
			effects,
			nil,
		),
	}
}

func (f *commandsFixture) handle(text string) {
	f.commands.Handle(
		context.Background(),
		OperatorCommandInput{
			Scope:      "chan1",
			SenderID:   "u1",
			SenderName: "Alice",
			Text:       text,
			Ref:        MessageRef{ChannelID: "chan1", MessageID: "m1"},
		},
	)
}

func TestCommandClear(t *testing.T) {
	f := newCommandsFixture(t)
	f.turns.Append("chan1", Turn{Role: RoleUser, Content: "a"})
	f.turns.Append("chan2", Turn{Role: RoleUser, Content: "b"})

	f.handle("!clear")

	assert.Zero(t, f.turns.Len("chan1"))
	assert.Equal(t, 1, f.turns.Len("chan2"))
	require.Len(t, f.effects.replies, 1)
	assert.Contains(t, f.effects.replies[0], "cleared")
}

func TestCommandInfo(t *testing.T) {
	f := newCommandsFixture(t)

	f.handle("!info")
	require.Len(t, f.effects.replies, 1)
	assert.Contains(t, f.effects.replies[0], "don't know anything about you")

	f.profiles.Set("u1", "name", "Alice")
	f.profiles.Set("u1", "likes", "pizza")
	f.handle("!info")
	require.Len(t, f.effects.replies, 2)
	assert.Contains(t, f.effects.replies[1], "- likes: pizza")
	assert.Contains(t, f.effects.replies[1], "- name: Alice")
}

func TestCommandRemember(t *testing.T) {
	f := newCommandsFixture(t)

	f.handle("!remember birthday june 3rd")
	assert.Equal(t, "june 3rd", f.profiles.Get("u1")["birthday"])
	require.Len(t, f.effects.replies, 1)
	assert.Contains(t, f.effects.replies[0], "birthday = june 3rd")

	// missing value gets usage help
	f.handle("!remember birthday")
	require.Len(t, f.effects.replies, 2)
	assert.Contains(t, f.effects.replies[1], "usage:")
}

func TestCommandForget(t *testing.T) {
	f := newCommandsFixture(t)
	f.profiles.Set("u1", "name", "Alice")
	f.turns.Append("chan1", Turn{Role: RoleUser, Content: "a"})
	f.longTerm.Add(
		MemoryRecord{Participants: []string{"u1"}, Content: "u1 likes pizza"},
	)
	f.longTerm.Add(
		MemoryRecord{Participants: []string{"u2"}, Content: "u2 likes pasta"},
	)

	f.handle("!forget")

	assert.Nil(t, f.profiles.Get("u1"))
	assert.Zero(t, f.turns.Len("chan1"))
	// only memories solely attributed to the sender are removed
	require.Equal(t, 1, f.longTerm.Len())
	assert.Equal(t, "u2 likes pasta", f.longTerm.All()[0].Content)
}

func TestCommandMemories(t *testing.T) {
	f := newCommandsFixture(t)

	f.handle("!memories")
	require.Len(t, f.effects.replies, 1)
	assert.Contains(t, f.effects.replies[0], "no long-term memories")

	f.longTerm.Add(
		MemoryRecord{Content: "Alice ran a marathon", Importance: ImportanceHigh},
	)
	f.handle("!memories")
	require.Len(t, f.effects.replies, 2)
	assert.Contains(t, f.effects.replies[1], "[high] Alice ran a marathon")
}

func TestCommandReviewAndOptimizeEnqueue(t *testing.T) {
	f := newCommandsFixture(t)

	f.handle("!review")
	f.handle("!optimize")

	assert.Equal(t, 2, f.curator.QueueLen())
	require.Len(t, f.effects.replies, 2)
}

func TestCommandUnknownIsSilent(t *testing.T) {
	f := newCommandsFixture(t)
	f.handle("!definitelynotacommand")
	f.handle("!!!")
	assert.Empty(t, f.effects.replies)
}

func TestCommandCaseInsensitiveName(t *testing.T) {
	f := newCommandsFixture(t)
	f.turns.Append("chan1", Turn{Role: RoleUser, Content: "a"})
	f.handle("!CLEAR")
	assert.Zero(t, f.turns.Len("chan1"))
}
