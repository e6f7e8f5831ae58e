package fallback_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tannerhall/eventcore/pkg/eventcore/fallback"
)

// stateStoreContractTest runs the shared StateStore behavior against
// one implementation.
func stateStoreContractTest(t *testing.T, name string, factory func(t *testing.T) fallback.StateStore) {
	t.Run(name+"/SaveAndLoad", func(t *testing.T) {
		st := factory(t)
		defer st.Close()

		saved := sampleState()
		require.NoError(t, st.Save(saved))

		loaded, err := st.Load()
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, "wf-1", loaded.LastSuccessful.WorkflowID)
		assert.Equal(t, 3, loaded.Stats.Total)
	})

	t.Run(name+"/LoadEmpty", func(t *testing.T) {
		st := factory(t)
		defer st.Close()

		loaded, err := st.Load()
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})

	t.Run(name+"/SaveReplaces", func(t *testing.T) {
		st := factory(t)
		defer st.Close()

		require.NoError(t, st.Save(sampleState()))

		next := sampleState()
		next.LastSuccessful.WorkflowID = "wf-2"
		next.Stats.Total = 9
		require.NoError(t, st.Save(next))

		loaded, err := st.Load()
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, "wf-2", loaded.LastSuccessful.WorkflowID)
		assert.Equal(t, 9, loaded.Stats.Total)
	})
}

func TestMemoryStateStore(t *testing.T) {
	stateStoreContractTest(t, "Memory", func(t *testing.T) fallback.StateStore {
		return fallback.NewMemoryStateStore()
	})
}

func TestSQLiteStateStore(t *testing.T) {
	stateStoreContractTest(t, "SQLite", func(t *testing.T) fallback.StateStore {
		st, err := fallback.NewSQLiteStateStore(":memory:")
		require.NoError(t, err)
		return st
	})
}

func TestSQLiteStateStore_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	st, err := fallback.NewSQLiteStateStore(path)
	require.NoError(t, err)
	require.NoError(t, st.Save(sampleState()))
	require.NoError(t, st.Close())

	reopened, err := fallback.NewSQLiteStateStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "wf-1", loaded.LastSuccessful.WorkflowID)
}

func TestSQLiteStateStore_Closed(t *testing.T) {
	st, err := fallback.NewSQLiteStateStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	assert.ErrorIs(t, st.Save(sampleState()), fallback.ErrStoreClosed)
	_, err = st.Load()
	assert.ErrorIs(t, err, fallback.ErrStoreClosed)
}

func sampleState() *fallback.AggregateState {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return &fallback.AggregateState{
		LastSuccessful: &fallback.Snapshot{
			WorkflowID: "wf-1",
			Status:     "completed",
			Success:    true,
			Category:   "sync",
			CachedAt:   now,
			ExpiresAt:  now.Add(30 * time.Minute),
		},
		Stats: fallback.Stats{Total: 3, Successes: 2, Failures: 1},
	}
}
