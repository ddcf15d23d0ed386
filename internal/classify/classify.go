// Package classify maps ranked candidate lists to a status and confidence
// tier. Pure functions, no I/O: the same inputs always classify the same way
// whether driven by a live engine result or a test fixture.
package classify

import (
	"fmt"

	"github.com/infernokun/InfernoComics-sub002/internal/model"
)

// Thresholds are the two similarity cut points. High must be strictly
// greater than Medium; that is validated at configuration load, so Classify
// treats the ordering as a precondition.
type Thresholds struct {
	High   float64
	Medium float64
}

// Validate rejects incoherent thresholds. Called once at startup.
func (t Thresholds) Validate() error {
	if t.High <= t.Medium {
		return fmt.Errorf("classify: high threshold (%.2f) must be greater than medium threshold (%.2f)", t.High, t.Medium)
	}
	return nil
}

// Classify picks the best match by similarity and derives status and
// confidence from the thresholds.
//
// An empty candidate list is the only way to get no_match: a non-empty list
// with a very low best similarity still classifies as needs_review/low so a
// human always sees some candidate.
func Classify(matches []model.CandidateMatch, t Thresholds) (model.MatchStatus, model.Confidence, *model.CandidateMatch) {
	best := BestMatch(matches)
	if best == nil {
		return model.StatusNoMatch, model.ConfidenceLow, nil
	}

	switch {
	case best.Similarity >= t.High:
		return model.StatusAutoSelected, model.ConfidenceHigh, best
	case best.Similarity >= t.Medium:
		return model.StatusNeedsReview, model.ConfidenceMedium, best
	default:
		return model.StatusNeedsReview, model.ConfidenceLow, best
	}
}

// BestMatch returns a copy of the highest-similarity candidate, or nil for
// an empty list. Ties keep the earliest entry so the engine's ranking order
// stays stable.
func BestMatch(matches []model.CandidateMatch) *model.CandidateMatch {
	if len(matches) == 0 {
		return nil
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if m.Similarity > best.Similarity {
			best = m
		}
	}
	return &best
}

// Results classifies one engine result set into per-image processed results,
// ordered by source image index as returned by the engine.
func Results(result model.RecognitionResult, t Thresholds) []model.ProcessedImageResult {
	out := make([]model.ProcessedImageResult, 0, len(result.Images))
	for _, img := range result.Images {
		status, confidence, best := Classify(img.Matches, t)
		out = append(out, model.ProcessedImageResult{
			SourceImageIndex: img.SourceImageIndex,
			SourceImageName:  img.SourceImageName,
			BestMatch:        best,
			AllMatches:       img.Matches,
			Status:           status,
			Confidence:       confidence,
		})
	}
	return out
}
