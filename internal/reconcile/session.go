// Package reconcile implements the user-driven reconciliation of classified
// candidate matches: a per-bulk-operation state machine holding one outcome
// per source image, plus the snapshot differ that keeps table views in sync.
package reconcile

import (
	"fmt"

	"github.com/infernokun/InfernoComics-sub002/internal/classify"
	"github.com/infernokun/InfernoComics-sub002/internal/model"
)

// Session holds one decision per source image for a single bulk recognition
// run. It is a per-user in-memory object with a single owner; callers
// serialize access themselves.
type Session struct {
	results    []model.ProcessedImageResult
	thresholds classify.Thresholds
}

// NewSession builds a reconciliation session from classified results.
func NewSession(results []model.ProcessedImageResult, thresholds classify.Thresholds) *Session {
	copied := make([]model.ProcessedImageResult, len(results))
	copy(copied, results)
	return &Session{results: copied, thresholds: thresholds}
}

// Results returns a snapshot of all per-image results.
func (s *Session) Results() []model.ProcessedImageResult {
	out := make([]model.ProcessedImageResult, len(s.results))
	copy(out, s.results)
	return out
}

// Result returns the result for one source image index.
func (s *Session) Result(index int) (model.ProcessedImageResult, error) {
	r := s.find(index)
	if r == nil {
		return model.ProcessedImageResult{}, fmt.Errorf("reconcile: no result for image %d", index)
	}
	return *r, nil
}

func (s *Session) find(index int) *model.ProcessedImageResult {
	for i := range s.results {
		if s.results[i].SourceImageIndex == index {
			return &s.results[i]
		}
	}
	return nil
}

// Accept marks an image's result accepted. Requires a best match or an
// earlier manual selection; the selected match defaults to the best match.
func (s *Session) Accept(index int) error {
	r := s.find(index)
	if r == nil {
		return fmt.Errorf("reconcile: no result for image %d", index)
	}
	if r.SelectedMatch == nil && r.BestMatch == nil {
		return fmt.Errorf("reconcile: image %d has no match to accept", index)
	}
	if r.SelectedMatch == nil {
		m := *r.BestMatch
		r.SelectedMatch = &m
	}
	r.UserAction = model.ActionAccepted
	return nil
}

// Reject marks an image's result rejected and clears the selected match
// unconditionally.
func (s *Session) Reject(index int) error {
	r := s.find(index)
	if r == nil {
		return fmt.Errorf("reconcile: no result for image %d", index)
	}
	r.UserAction = model.ActionRejected
	r.SelectedMatch = nil
	return nil
}

// Skip sets an image aside without judging its candidates: no selection is
// committed and nothing reaches the catalog. Reset brings it back to review.
func (s *Session) Skip(index int) error {
	r := s.find(index)
	if r == nil {
		return fmt.Errorf("reconcile: no result for image %d", index)
	}
	r.UserAction = model.ActionSkipped
	r.Status = model.StatusSkipped
	r.SelectedMatch = nil
	return nil
}

// ManualSelect commits a human override: the chosen match must come from the
// image's candidate list. Status is forced to auto_selected regardless of
// the original confidence.
func (s *Session) ManualSelect(index int, externalID string) error {
	r := s.find(index)
	if r == nil {
		return fmt.Errorf("reconcile: no result for image %d", index)
	}
	for _, m := range r.AllMatches {
		if m.ExternalID == externalID {
			chosen := m
			r.SelectedMatch = &chosen
			r.UserAction = model.ActionManualSelect
			r.Status = model.StatusAutoSelected
			return nil
		}
	}
	return fmt.Errorf("reconcile: match %q is not a candidate for image %d", externalID, index)
}

// ManualSelectExternal commits a replacement match supplied by a secondary
// review dialog, outside the engine's candidate list.
func (s *Session) ManualSelectExternal(index int, match model.CandidateMatch) error {
	r := s.find(index)
	if r == nil {
		return fmt.Errorf("reconcile: no result for image %d", index)
	}
	chosen := match
	r.SelectedMatch = &chosen
	r.UserAction = model.ActionManualSelect
	r.Status = model.StatusAutoSelected
	return nil
}

// Reset returns an image's result to pending, recomputing status and
// confidence from the original classifier inputs — never from the discarded
// user choice.
func (s *Session) Reset(index int) error {
	r := s.find(index)
	if r == nil {
		return fmt.Errorf("reconcile: no result for image %d", index)
	}
	s.reclassify(r)
	return nil
}

func (s *Session) reclassify(r *model.ProcessedImageResult) {
	status, confidence, best := classify.Classify(r.AllMatches, s.thresholds)
	r.Status = status
	r.Confidence = confidence
	r.BestMatch = best
	r.UserAction = model.ActionNone
	r.SelectedMatch = nil
}

// AcceptAllHighConfidence accepts every untouched high-confidence result.
// Idempotent: results carrying any user decision (accept, reject, manual
// selection, skip) are left alone, so re-invoking after partial manual edits
// only affects untouched results.
func (s *Session) AcceptAllHighConfidence() int {
	n := 0
	for i := range s.results {
		r := &s.results[i]
		if r.Confidence != model.ConfidenceHigh || r.BestMatch == nil {
			continue
		}
		if r.UserAction != model.ActionNone {
			continue
		}
		if r.SelectedMatch == nil {
			m := *r.BestMatch
			r.SelectedMatch = &m
		}
		r.UserAction = model.ActionAccepted
		n++
	}
	return n
}

// RejectAllLowConfidence rejects every untouched low-confidence result.
func (s *Session) RejectAllLowConfidence() int {
	n := 0
	for i := range s.results {
		r := &s.results[i]
		if r.Confidence != model.ConfidenceLow {
			continue
		}
		if r.UserAction != model.ActionNone {
			continue
		}
		r.UserAction = model.ActionRejected
		r.SelectedMatch = nil
		n++
	}
	return n
}

// RestoreRejectedToReview moves every rejected result that still has a best
// match back to pending, status recomputed by confidence. Results with no
// match at all are excluded — they have nothing to restore to.
func (s *Session) RestoreRejectedToReview() int {
	n := 0
	for i := range s.results {
		r := &s.results[i]
		if r.UserAction != model.ActionRejected || r.BestMatch == nil {
			continue
		}
		s.reclassify(r)
		n++
	}
	return n
}

// FilterByStatus returns the results currently in the given status.
func (s *Session) FilterByStatus(status model.MatchStatus) []model.ProcessedImageResult {
	var out []model.ProcessedImageResult
	for _, r := range s.results {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

// FilterByAction returns the results with the given user action.
func (s *Session) FilterByAction(action model.UserAction) []model.ProcessedImageResult {
	var out []model.ProcessedImageResult
	for _, r := range s.results {
		if r.UserAction == action {
			out = append(out, r)
		}
	}
	return out
}

// Counts summarizes the session by user action.
type Counts struct {
	Pending  int
	Accepted int
	Rejected int
	Manual   int
	Skipped  int
}

// Summary tallies results by their current user action.
func (s *Session) Summary() Counts {
	var c Counts
	for _, r := range s.results {
		switch r.UserAction {
		case model.ActionAccepted:
			c.Accepted++
		case model.ActionRejected:
			c.Rejected++
		case model.ActionManualSelect:
			c.Manual++
		case model.ActionSkipped:
			c.Skipped++
		default:
			c.Pending++
		}
	}
	return c
}
