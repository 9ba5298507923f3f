package journal_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mqrun/fscall/internal/journal"
	"github.com/mqrun/fscall/internal/model"
)

func TestJournal(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history", "journal.db")

	j, err := journal.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, j.Close())
	})

	ctx := t.Context()
	const id = "req-1"

	require.NoError(t, j.RecordTransition(ctx, id, model.StateNew, model.StateClaimed))
	require.NoError(t, j.RecordTransition(ctx, id, model.StateClaimed, model.StateRunning))
	require.NoError(t, j.RecordExit(ctx, id, 0, 1500*time.Millisecond))
	require.NoError(t, j.RecordTransition(ctx, id, model.StateRunning, model.StateDone))
	require.NoError(t, j.RecordTransition(ctx, "req-other", model.StateNew, model.StateClaimed))

	entries, err := j.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	require.Equal(t, "transition", entries[0].Event)
	require.Equal(t, "NEW -> CLAIMED", entries[0].Detail)
	require.Equal(t, "exit", entries[2].Event)
	require.Equal(t, "exit=0 took=1.5s", entries[2].Detail)
	require.Equal(t, "RUNNING -> DONE", entries[3].Detail)
	for _, e := range entries {
		require.Equal(t, id, e.RequestID)
		require.False(t, e.At.IsZero())
	}

	t.Run("unknown request has no history", func(t *testing.T) {
		entries, err := j.History(ctx, "req-unknown")
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("reopen sees existing rows", func(t *testing.T) {
		again, err := journal.Open(path)
		require.NoError(t, err)
		defer func() {
			require.NoError(t, again.Close())
		}()
		entries, err := again.History(ctx, id)
		require.NoError(t, err)
		require.Len(t, entries, 4)
	})
}
