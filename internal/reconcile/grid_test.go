package reconcile_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infernokun/InfernoComics-sub002/internal/model"
	"github.com/infernokun/InfernoComics-sub002/internal/reconcile"
)

func session(id uuid.UUID, state model.SessionState, processed int) model.Session {
	return model.Session{
		ID:             id,
		State:          state,
		TotalItems:     10,
		ProcessedItems: processed,
	}
}

func TestDiffSnapshots_IdenticalSnapshotsAreEmpty(t *testing.T) {
	id := uuid.New()
	snap := []model.Session{session(id, model.SessionStateProcessing, 3)}

	txn := reconcile.DiffSnapshots(snap, snap)
	assert.True(t, txn.Empty())
}

func TestDiffSnapshots_AddUpdateRemove(t *testing.T) {
	kept := uuid.New()
	removed := uuid.New()
	added := uuid.New()

	old := []model.Session{
		session(kept, model.SessionStateProcessing, 3),
		session(removed, model.SessionStateCompleted, 10),
	}
	updated := session(kept, model.SessionStateProcessing, 7)
	next := []model.Session{
		updated,
		session(added, model.SessionStatePending, 0),
	}

	txn := reconcile.DiffSnapshots(old, next)
	require.Len(t, txn.Add, 1)
	assert.Equal(t, added, txn.Add[0].ID)
	require.Len(t, txn.Update, 1)
	assert.Equal(t, kept, txn.Update[0].ID)
	require.Len(t, txn.Remove, 1)
	assert.Equal(t, removed, txn.Remove[0])
}

func TestDiffSnapshots_UnchangedRowOmittedFromUpdate(t *testing.T) {
	id := uuid.New()
	a := session(id, model.SessionStateProcessing, 3)
	b := a
	b.LastUpdated = b.LastUpdated.Add(1) // timestamp-only change is not visible

	txn := reconcile.DiffSnapshots([]model.Session{a}, []model.Session{b})
	assert.True(t, txn.Empty())
}

func TestDiffSnapshots_ErrorMessageChangeIsAnUpdate(t *testing.T) {
	id := uuid.New()
	a := session(id, model.SessionStateError, 3)
	b := a
	msg := "engine exploded"
	b.ErrorMessage = &msg

	txn := reconcile.DiffSnapshots([]model.Session{a}, []model.Session{b})
	require.Len(t, txn.Update, 1)
}

// Chaining A→B then B→C must not mask a change visible when diffing A→C
// directly, for monotonically advancing fields.
func TestDiffSnapshots_ChainedDiffsDoNotMaskChanges(t *testing.T) {
	id := uuid.New()
	a := []model.Session{session(id, model.SessionStatePending, 0)}
	b := []model.Session{session(id, model.SessionStateProcessing, 4)}
	c := []model.Session{session(id, model.SessionStateProcessing, 9)}

	ab := reconcile.DiffSnapshots(a, b)
	bc := reconcile.DiffSnapshots(b, c)
	ac := reconcile.DiffSnapshots(a, c)

	require.Len(t, ac.Update, 1)
	assert.Len(t, ab.Update, 1)
	assert.Len(t, bc.Update, 1)
	// The chained path ends in the same final row as the direct diff.
	assert.Equal(t, ac.Update[0], bc.Update[0])
}

func TestDiffSnapshots_Deterministic(t *testing.T) {
	old := []model.Session{session(uuid.New(), model.SessionStateProcessing, 1)}
	next := []model.Session{session(uuid.New(), model.SessionStatePending, 0)}

	first := reconcile.DiffSnapshots(old, next)
	second := reconcile.DiffSnapshots(old, next)
	assert.Equal(t, first, second)
}
