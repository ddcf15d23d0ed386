package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infernokun/InfernoComics-sub002/internal/model"
	"github.com/infernokun/InfernoComics-sub002/internal/storage"
)

// runStoreSuite exercises the SessionStore contract. Both backends must pass
// it unchanged.
func runStoreSuite(t *testing.T, store storage.SessionStore) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		created, err := store.Create(ctx, "series-1", "alice", 5)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatePending, created.State)
		assert.Equal(t, 5, created.TotalItems)
		assert.Equal(t, 0, created.ProcessedItems)
		assert.False(t, created.TimeStarted.IsZero())
		assert.Nil(t, created.TimeFinished)

		got, err := store.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, "series-1", got.TargetID)
		assert.Equal(t, "alice", got.StartedBy)
	})

	t.Run("GetUnknown", func(t *testing.T) {
		_, err := store.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("AppendProgressMovesToProcessing", func(t *testing.T) {
		s, err := store.Create(ctx, "series-2", "bob", 0)
		require.NoError(t, err)

		got, err := store.AppendProgress(ctx, s.ID, model.ProgressDelta{
			TotalItems: 10, ProcessedItems: 3, Stage: "comparison",
		})
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateProcessing, got.State)
		assert.Equal(t, 10, got.TotalItems)
		assert.Equal(t, 3, got.ProcessedItems)
		assert.Equal(t, "comparison", got.CurrentStage)
		assert.Equal(t, 30, got.PercentageComplete())
	})

	t.Run("CountersAreMonotonic", func(t *testing.T) {
		s, err := store.Create(ctx, "series-3", "carol", 0)
		require.NoError(t, err)

		_, err = store.AppendProgress(ctx, s.ID, model.ProgressDelta{TotalItems: 10, ProcessedItems: 7})
		require.NoError(t, err)

		// A late, out-of-order event with lower counters must not regress.
		got, err := store.AppendProgress(ctx, s.ID, model.ProgressDelta{TotalItems: 10, ProcessedItems: 4})
		require.NoError(t, err)
		assert.Equal(t, 7, got.ProcessedItems)

		// Zero-valued fields leave stored values untouched.
		got, err = store.AppendProgress(ctx, s.ID, model.ProgressDelta{Stage: "verification"})
		require.NoError(t, err)
		assert.Equal(t, 7, got.ProcessedItems)
		assert.Equal(t, 10, got.TotalItems)
		assert.Equal(t, "verification", got.CurrentStage)
	})

	t.Run("ProcessedClampedToTotal", func(t *testing.T) {
		s, err := store.Create(ctx, "series-4", "dan", 0)
		require.NoError(t, err)

		got, err := store.AppendProgress(ctx, s.ID, model.ProgressDelta{TotalItems: 5, ProcessedItems: 9})
		require.NoError(t, err)
		assert.Equal(t, 5, got.ProcessedItems)
		assert.Equal(t, 100, got.PercentageComplete())
	})

	t.Run("AccountedNeverExceedsProcessed", func(t *testing.T) {
		s, err := store.Create(ctx, "series-acct", "erin", 0)
		require.NoError(t, err)

		// An engine delta claiming more successes and failures than processed
		// items is clamped, successful first, so successful+failed never
		// exceeds processed on any backend.
		got, err := store.AppendProgress(ctx, s.ID, model.ProgressDelta{
			TotalItems: 4, ProcessedItems: 2, SuccessfulItems: 2, FailedItems: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, got.ProcessedItems)
		assert.Equal(t, 2, got.SuccessfulItems)
		assert.Equal(t, 0, got.FailedItems)
		assert.LessOrEqual(t, got.SuccessfulItems+got.FailedItems, got.ProcessedItems)

		// A later honest delta recovers the clamped counter monotonically.
		got, err = store.AppendProgress(ctx, s.ID, model.ProgressDelta{
			TotalItems: 4, ProcessedItems: 4, SuccessfulItems: 2, FailedItems: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, 4, got.ProcessedItems)
		assert.Equal(t, 2, got.SuccessfulItems)
		assert.Equal(t, 2, got.FailedItems)
	})

	t.Run("CompleteExactlyOnce", func(t *testing.T) {
		s, err := store.Create(ctx, "series-5", "erin", 2)
		require.NoError(t, err)

		done, err := store.Complete(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateCompleted, done.State)
		require.NotNil(t, done.TimeFinished)

		_, err = store.Complete(ctx, s.ID)
		assert.ErrorIs(t, err, storage.ErrTerminal)
		_, err = store.Fail(ctx, s.ID, "late failure")
		assert.ErrorIs(t, err, storage.ErrTerminal, "terminal state never changes again")
	})

	t.Run("FailRecordsMessage", func(t *testing.T) {
		s, err := store.Create(ctx, "series-6", "frank", 2)
		require.NoError(t, err)

		failed, err := store.Fail(ctx, s.ID, "engine crashed")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateError, failed.State)
		require.NotNil(t, failed.ErrorMessage)
		assert.Equal(t, "engine crashed", *failed.ErrorMessage)
	})

	t.Run("CancelRejectsLateProgress", func(t *testing.T) {
		s, err := store.Create(ctx, "series-7", "grace", 2)
		require.NoError(t, err)

		cancelled, err := store.Cancel(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateCancelled, cancelled.State)

		_, err = store.AppendProgress(ctx, s.ID, model.ProgressDelta{ProcessedItems: 1})
		assert.ErrorIs(t, err, storage.ErrTerminal, "a late event must never resurrect a session")
	})

	t.Run("TerminalOnUnknownIsNotFound", func(t *testing.T) {
		_, err := store.Complete(ctx, uuid.New())
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.Cancel(ctx, uuid.New())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListByTarget", func(t *testing.T) {
		target := "series-list-" + uuid.NewString()
		first, err := store.Create(ctx, target, "heidi", 1)
		require.NoError(t, err)
		second, err := store.Create(ctx, target, "heidi", 1)
		require.NoError(t, err)

		sessions, err := store.ListByTarget(ctx, target)
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		// Most recent first.
		assert.Equal(t, second.ID, sessions[0].ID)
		assert.Equal(t, first.ID, sessions[1].ID)
	})

	t.Run("ListRecentHonorsLimit", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			_, err := store.Create(ctx, "series-recent", "ivan", 1)
			require.NoError(t, err)
		}
		sessions, err := store.ListRecent(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, sessions, 2)
	})

	t.Run("Delete", func(t *testing.T) {
		s, err := store.Create(ctx, "series-8", "judy", 1)
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, s.ID))
		_, err = store.Get(ctx, s.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		assert.ErrorIs(t, store.Delete(ctx, s.ID), storage.ErrNotFound)
	})

	t.Run("DeleteTerminalBefore", func(t *testing.T) {
		old, err := store.Create(ctx, "series-9", "kim", 1)
		require.NoError(t, err)
		_, err = store.Complete(ctx, old.ID)
		require.NoError(t, err)

		active, err := store.Create(ctx, "series-9", "kim", 1)
		require.NoError(t, err)

		n, err := store.DeleteTerminalBefore(ctx, time.Now().UTC().Add(time.Minute))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)

		_, err = store.Get(ctx, old.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.Get(ctx, active.ID)
		assert.NoError(t, err, "non-terminal sessions survive the sweep regardless of age")
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx))
	})
}
