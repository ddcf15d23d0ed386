package reconcile

import (
	"github.com/google/uuid"

	"github.com/infernokun/InfernoComics-sub002/internal/model"
)

// Transaction is a minimal add/update/remove set keyed by session id,
// computed from two snapshots of session list state. Applying it is the
// view layer's job; computing it here keeps the equality contract in one
// place instead of scattered per-field comparisons.
type Transaction struct {
	Add    []model.Session
	Update []model.Session
	Remove []uuid.UUID
}

// Empty reports whether the transaction changes nothing.
func (t Transaction) Empty() bool {
	return len(t.Add) == 0 && len(t.Update) == 0 && len(t.Remove) == 0
}

// DiffSnapshots compares two session list snapshots. Deterministic and
// side-effect-free so push events and poll ticks converge on the same
// result. Rows equal under rowEqual are omitted from Update so unchanged
// rows never trigger a view refresh.
func DiffSnapshots(oldSnapshot, newSnapshot []model.Session) Transaction {
	old := make(map[uuid.UUID]model.Session, len(oldSnapshot))
	for _, s := range oldSnapshot {
		old[s.ID] = s
	}

	var txn Transaction
	seen := make(map[uuid.UUID]bool, len(newSnapshot))
	for _, s := range newSnapshot {
		seen[s.ID] = true
		prev, ok := old[s.ID]
		switch {
		case !ok:
			txn.Add = append(txn.Add, s)
		case !rowEqual(prev, s):
			txn.Update = append(txn.Update, s)
		}
	}

	for _, s := range oldSnapshot {
		if !seen[s.ID] {
			txn.Remove = append(txn.Remove, s.ID)
		}
	}
	return txn
}

// rowEqual is the single definition of "this row looks the same in a table".
// Timestamps are deliberately excluded: a heartbeat-driven LastUpdated bump
// alone is not a visible change.
func rowEqual(a, b model.Session) bool {
	if a.State != b.State ||
		a.CurrentStage != b.CurrentStage ||
		a.ProcessedItems != b.ProcessedItems ||
		a.SuccessfulItems != b.SuccessfulItems ||
		a.FailedItems != b.FailedItems ||
		a.PercentageComplete() != b.PercentageComplete() {
		return false
	}
	switch {
	case a.ErrorMessage == nil && b.ErrorMessage == nil:
		return true
	case a.ErrorMessage != nil && b.ErrorMessage != nil:
		return *a.ErrorMessage == *b.ErrorMessage
	default:
		return false
	}
}
