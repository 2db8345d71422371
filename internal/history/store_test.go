package history

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(NewTurn(RoleUser, "Bonjour", "alice")))
	require.NoError(t, s.Append(NewTurn(RoleAgent, "Bonjour ! Comment puis-je vous aider ?", "")))
	require.NoError(t, s.Append(NewTurn(RoleUser, "Quelle heure est-il ?", "alice")))

	turns, err := s.Load(0)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, "Bonjour", turns[0].Text)
	assert.Equal(t, "alice", turns[0].SpeakerID)
	assert.Equal(t, RoleAgent, turns[1].Role)
	assert.Equal(t, "Quelle heure est-il ?", turns[2].Text)
}

func TestLoadLimitKeepsMostRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(NewTurn(RoleUser, string(rune('a'+i)), "")))
	}

	turns, err := s.Load(2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "d", turns[0].Text)
	assert.Equal(t, "e", turns[1].Text)
}

func TestLoadSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(NewTurn(RoleUser, "ok", "")))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, s.Append(NewTurn(RoleAgent, "aussi ok", "")))

	turns, err := s.Load(0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
}
