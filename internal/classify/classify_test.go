package classify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infernokun/InfernoComics-sub002/internal/classify"
	"github.com/infernokun/InfernoComics-sub002/internal/model"
)

var thresholds = classify.Thresholds{High: 0.70, Medium: 0.55}

func match(externalID string, similarity float64) model.CandidateMatch {
	return model.CandidateMatch{ExternalID: externalID, Similarity: similarity}
}

func TestClassify_EmptyListIsNoMatch(t *testing.T) {
	status, confidence, best := classify.Classify(nil, thresholds)
	assert.Equal(t, model.StatusNoMatch, status)
	assert.Equal(t, model.ConfidenceLow, confidence)
	assert.Nil(t, best)
}

func TestClassify_Tiers(t *testing.T) {
	tests := []struct {
		name           string
		similarity     float64
		wantStatus     model.MatchStatus
		wantConfidence model.Confidence
	}{
		{"above high", 0.90, model.StatusAutoSelected, model.ConfidenceHigh},
		{"exactly high", 0.70, model.StatusAutoSelected, model.ConfidenceHigh},
		{"between", 0.60, model.StatusNeedsReview, model.ConfidenceMedium},
		{"exactly medium", 0.55, model.StatusNeedsReview, model.ConfidenceMedium},
		{"below medium", 0.10, model.StatusNeedsReview, model.ConfidenceLow},
		{"zero", 0.0, model.StatusNeedsReview, model.ConfidenceLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, confidence, best := classify.Classify(
				[]model.CandidateMatch{match("a", tt.similarity)}, thresholds)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantConfidence, confidence)
			require.NotNil(t, best)
			assert.Equal(t, "a", best.ExternalID)
		})
	}
}

// A very low best similarity still needs review; no_match is reserved
// strictly for an empty candidate list.
func TestClassify_LowSimilarityIsNeverNoMatch(t *testing.T) {
	status, _, best := classify.Classify(
		[]model.CandidateMatch{match("a", 0.01)}, thresholds)
	assert.Equal(t, model.StatusNeedsReview, status)
	assert.NotNil(t, best)
}

func TestClassify_PicksMaxRegardlessOfOrder(t *testing.T) {
	matches := []model.CandidateMatch{
		match("low", 0.20),
		match("best", 0.85),
		match("mid", 0.60),
	}
	status, confidence, best := classify.Classify(matches, thresholds)
	assert.Equal(t, model.StatusAutoSelected, status)
	assert.Equal(t, model.ConfidenceHigh, confidence)
	require.NotNil(t, best)
	assert.Equal(t, "best", best.ExternalID)

	// Reordering the list never changes the outcome.
	reversed := []model.CandidateMatch{matches[2], matches[1], matches[0]}
	status2, confidence2, best2 := classify.Classify(reversed, thresholds)
	assert.Equal(t, status, status2)
	assert.Equal(t, confidence, confidence2)
	assert.Equal(t, best.ExternalID, best2.ExternalID)
}

func TestBestMatch_TieKeepsEngineOrder(t *testing.T) {
	matches := []model.CandidateMatch{match("first", 0.60), match("second", 0.60)}
	best := classify.BestMatch(matches)
	require.NotNil(t, best)
	assert.Equal(t, "first", best.ExternalID)
}

func TestThresholds_Validate(t *testing.T) {
	assert.NoError(t, classify.Thresholds{High: 0.7, Medium: 0.55}.Validate())
	assert.Error(t, classify.Thresholds{High: 0.5, Medium: 0.55}.Validate())
	assert.Error(t, classify.Thresholds{High: 0.55, Medium: 0.55}.Validate())
}

// Three-image scenario: similarities 0.9 / 0.6 / 0.1 with image 2 having an
// empty candidate list.
func TestResults_ThreeImageScenario(t *testing.T) {
	result := model.RecognitionResult{
		Images: []model.ImageMatches{
			{SourceImageIndex: 0, Matches: []model.CandidateMatch{match("x", 0.9)}},
			{SourceImageIndex: 1, Matches: []model.CandidateMatch{match("y", 0.6)}},
			{SourceImageIndex: 2, Matches: nil},
		},
	}

	results := classify.Results(result, thresholds)
	require.Len(t, results, 3)

	assert.Equal(t, model.StatusAutoSelected, results[0].Status)
	assert.Equal(t, model.ConfidenceHigh, results[0].Confidence)

	assert.Equal(t, model.StatusNeedsReview, results[1].Status)
	assert.Equal(t, model.ConfidenceMedium, results[1].Confidence)

	// Empty candidate list overrides any similarity-based classification.
	assert.Equal(t, model.StatusNoMatch, results[2].Status)
	assert.Equal(t, model.ConfidenceLow, results[2].Confidence)
	assert.Nil(t, results[2].BestMatch)
}
