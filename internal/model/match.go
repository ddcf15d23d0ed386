package model

// CandidateMatch is one engine-proposed identification for one source image.
// Immutable once returned by the engine.
type CandidateMatch struct {
	Similarity       float64 `json:"similarity"`
	SourceImageIndex int     `json:"source_image_index"`
	SourceImageName  string  `json:"source_image_name,omitempty"`
	ExternalID       string  `json:"external_id"`
	ParentExternalID string  `json:"parent_external_id,omitempty"` // variant-cover linkage
	Name             string  `json:"name,omitempty"`
	IssueNumber      string  `json:"issue_number,omitempty"`
	CoverURL         string  `json:"cover_url,omitempty"`
}

// MatchStatus classifies a ranked candidate list for one image.
type MatchStatus string

const (
	StatusAutoSelected MatchStatus = "auto_selected"
	StatusNeedsReview  MatchStatus = "needs_review"
	StatusNoMatch      MatchStatus = "no_match"
	StatusSkipped      MatchStatus = "skipped"
)

// Confidence is the tier derived from the best match's similarity against
// the configured thresholds.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// UserAction is the only field a human mutates directly on a result.
type UserAction string

const (
	ActionNone         UserAction = ""
	ActionAccepted     UserAction = "accepted"
	ActionRejected     UserAction = "rejected"
	ActionManualSelect UserAction = "manual_select"
	ActionSkipped      UserAction = "skipped"
)

// ProcessedImageResult is the classifier output plus user decision for one
// source image. SelectedMatch is non-nil only while UserAction is accepted
// or manual_select.
type ProcessedImageResult struct {
	SourceImageIndex int              `json:"source_image_index"`
	SourceImageName  string           `json:"source_image_name,omitempty"`
	BestMatch        *CandidateMatch  `json:"best_match,omitempty"`
	AllMatches       []CandidateMatch `json:"all_matches"`
	Status           MatchStatus      `json:"status"`
	Confidence       Confidence       `json:"confidence"`
	UserAction       UserAction       `json:"user_action,omitempty"`
	SelectedMatch    *CandidateMatch  `json:"selected_match,omitempty"`
}
