// Package consensus scores a generated document with an odd panel of
// independent evaluators and settles disagreement through one discussion
// round and, when that fails, one tie-breaking arbiter.
package consensus

import "time"

// Severity ranks an issue. Higher sorts first in the aggregated critique.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityMajor:
		return 1
	default:
		return 2
	}
}

// Issue is one qualitative finding from an evaluator.
type Issue struct {
	Dimension   string   `json:"dimension"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Fix         string   `json:"fix,omitempty"`
}

// DimensionScore is one named sub-score on the shared rubric.
type DimensionScore struct {
	Dimension string  `json:"dimension"`
	Score     float64 `json:"score"`
}

// Verdict is one judge's output for one scoring pass. Immutable once
// produced; a discussion round yields new Verdict values.
type Verdict struct {
	Role            string           `json:"role"`
	OverallScore    float64          `json:"overall_score"`
	DimensionScores []DimensionScore `json:"dimension_scores"`
	Issues          []Issue          `json:"issues"`
	Critique        string           `json:"critique"`
	Confidence      float64          `json:"confidence"`
	// Fallback marks a neutral default verdict substituted after a judge
	// produced malformed output twice. The panel size stays fixed.
	Fallback bool `json:"fallback,omitempty"`
}

// Disagreement is derived from a verdict set, recomputed whenever the set
// changes.
type Disagreement struct {
	HasDisagreement       bool               `json:"has_disagreement"`
	DisagreeingDimensions []string           `json:"disagreeing_dimensions"`
	MaxSpread             float64            `json:"max_spread"`
	EvaluatorPositions    map[string]float64 `json:"evaluator_positions"`
}

// DiscussionOutput records the single discussion round of a scoring pass.
type DiscussionOutput struct {
	RevisedVerdicts   []Verdict     `json:"revised_verdicts"`
	ChangesCount      int           `json:"changes_count"`
	DiscussionSummary string        `json:"discussion_summary"`
	Duration          time.Duration `json:"duration_ms"`
}

// TiebreakOutput records the single arbitration of a scoring pass.
type TiebreakOutput struct {
	Verdict           Verdict `json:"verdict"`
	ResolutionSummary string  `json:"resolution_summary"`
}

// Method names how the final score was settled. Recorded, never inferred.
type Method string

const (
	MethodMean           Method = "mean"
	MethodDiscussionMean Method = "post-discussion mean"
	MethodArbitrated     Method = "arbitrated"
)

// ClarityScore is the settled aggregate for one scoring pass.
type ClarityScore struct {
	Overall    float64            `json:"overall"`
	Dimensions map[string]float64 `json:"dimensions"`
	Method     Method             `json:"method"`
}

// Result is the outcome of one full scoring pass.
type Result struct {
	Score              ClarityScore       `json:"score"`
	Verdicts           []Verdict          `json:"verdicts"`
	Disagreement       *Disagreement      `json:"disagreement,omitempty"`
	Discussion         *DiscussionOutput  `json:"discussion,omitempty"`
	Tiebreak           *TiebreakOutput    `json:"tiebreak,omitempty"`
	NeedsHumanReview   bool               `json:"needs_human_review"`
	HumanReviewReason  string             `json:"human_review_reason,omitempty"`
	AggregatedCritique []Issue            `json:"aggregated_critique"`
	EvaluatorDurations map[string]float64 `json:"evaluator_durations_ms,omitempty"`
}

// Rubric dimensions shared by every evaluator.
var Dimensions = []string{
	"coherence",
	"evidence_quality",
	"accessibility",
	"objectivity",
	"factual_accuracy",
}
