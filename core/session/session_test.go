package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenStore(filepath.Join(t.TempDir(), "sessions.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, 0.2, s.Temperature)
	assert.True(t, s.ToolsEnabled)
	assert.Equal(t, 3, s.MaxIterations)
	assert.Equal(t, 6, s.MaxHistoryMessages)
}

func TestSettingsNormalize(t *testing.T) {
	s := Settings{Temperature: -1, MaxIterations: 0, MaxHistoryMessages: 100}
	s.Normalize()
	assert.Equal(t, 0.2, s.Temperature)
	assert.Equal(t, 3, s.MaxIterations)
	assert.Equal(t, HistoryLimit, s.MaxHistoryMessages)
}

func TestRingEviction(t *testing.T) {
	s := New()
	for i := 0; i < HistoryLimit+5; i++ {
		s.Append("user", "message")
	}

	msgs := s.Messages()
	require.Len(t, msgs, HistoryLimit)
	// The five oldest messages were evicted.
	assert.Equal(t, int64(6), msgs[0].Seq)
	assert.Equal(t, int64(HistoryLimit+5), msgs[len(msgs)-1].Seq)
}

func TestRecent(t *testing.T) {
	s := New()
	s.Append("user", "what happened to the beam?")
	s.Append("assistant", "checking the logbook")
	s.Append("user", "and the RF station?")

	recent := s.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "checking the logbook", recent[0].Content)
	assert.Equal(t, "and the RF station?", recent[1].Content)

	// n <= 0 falls back to MaxHistoryMessages.
	s.Settings.MaxHistoryMessages = 1
	recent = s.Recent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, "and the RF station?", recent[0].Content)

	// Asking for more than we have returns everything.
	assert.Len(t, s.Recent(100), 3)
}

func TestClearKeepsSequence(t *testing.T) {
	s := New()
	s.Append("user", "first")
	s.Clear()
	assert.Equal(t, 0, s.Len())

	msg := s.Append("user", "second")
	assert.Equal(t, int64(2), msg.Seq)
}

func TestStoreRoundTrip(t *testing.T) {
	st := newTestStore(t)

	s := New()
	s.Settings.Model = "qwen3:32b"
	s.Settings.Temperature = 0.7
	s.Settings.ToolsEnabled = false
	s.Append("user", "is HIPA down?")
	s.Append("assistant", "the logbook shows a trip at 09:14")
	require.NoError(t, st.Save(s))

	got, err := st.Load(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, "qwen3:32b", got.Settings.Model)
	assert.Equal(t, 0.7, got.Settings.Temperature)
	assert.False(t, got.Settings.ToolsEnabled)

	msgs := got.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "is HIPA down?", msgs[0].Content)
	assert.Equal(t, "the logbook shows a trip at 09:14", msgs[1].Content)

	// Appending after reload continues the sequence.
	msg := got.Append("user", "thanks")
	assert.Equal(t, int64(3), msg.Seq)
}

func TestStoreLoadMissing(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Load("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStoreSaveIsIdempotentForArchivedMessages(t *testing.T) {
	st := newTestStore(t)

	s := New()
	s.Append("user", "hello")
	require.NoError(t, st.Save(s))
	s.Append("assistant", "hi")
	require.NoError(t, st.Save(s))

	got, err := st.Load(s.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages(), 2)
}

func TestStoreLatestAndList(t *testing.T) {
	st := newTestStore(t)

	older := New()
	older.Append("user", "old question")
	require.NoError(t, st.Save(older))

	newer := New()
	newer.Append("user", "new question")
	newer.UpdatedAt = older.UpdatedAt.Add(1e9)
	require.NoError(t, st.Save(newer))

	latest, err := st.Latest()
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)

	list, err := st.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, 1, list[0].MessageCount)
}

func TestStoreLatestEmpty(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Latest()
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStoreDelete(t *testing.T) {
	st := newTestStore(t)

	s := New()
	s.Append("user", "ephemeral")
	require.NoError(t, st.Save(s))
	require.NoError(t, st.LogExecution(s.ID, "turn-1", "decide", "needs_tools=true"))

	require.NoError(t, st.Delete(s.ID))
	_, err := st.Load(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	entries, err := st.Executions(s.ID, "turn-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecutionLogOrdering(t *testing.T) {
	st := newTestStore(t)

	s := New()
	require.NoError(t, st.Save(s))

	for _, step := range []string{"decide", "select", "execute", "evaluate", "synthesize"} {
		require.NoError(t, st.LogExecution(s.ID, "turn-1", step, "ok"))
	}
	require.NoError(t, st.LogExecution(s.ID, "turn-2", "decide", "needs_tools=false"))

	entries, err := st.Executions(s.ID, "turn-1")
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, "decide", entries[0].Step)
	assert.Equal(t, "synthesize", entries[4].Step)
	assert.Equal(t, int64(5), entries[4].Seq)
}

func TestStoreArchiveBeyondRing(t *testing.T) {
	st := newTestStore(t)

	s := New()
	for i := 0; i < HistoryLimit+3; i++ {
		s.Append("user", "msg")
		require.NoError(t, st.Save(s))
	}

	got, err := st.Load(s.ID)
	require.NoError(t, err)
	// Ring is capped, but the counter accounts for every archived row.
	assert.Len(t, got.Messages(), HistoryLimit)
	msg := got.Append("user", "next")
	assert.Equal(t, int64(HistoryLimit+4), msg.Seq)
}
