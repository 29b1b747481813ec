// Package pipeline wires the document-generation stages into a stage graph:
// research, classification, parallel structure/narrative, reconciliation, a
// reading-level summary fan-out, consensus scoring and a bounded refinement
// loop.
package pipeline

import (
	"time"

	"clarion/internal/consensus"
)

// Source is one researched reference backing the document.
type Source struct {
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Snippet     string  `json:"snippet"`
	Reliability float64 `json:"reliability"`
}

// Classification routes the question to a writing persona.
type Classification struct {
	Persona    Persona `json:"persona"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Section is one planned document section.
type Section struct {
	Heading string   `json:"heading"`
	Points  []string `json:"points"`
}

// Structure is the planned outline the narrative must follow.
type Structure struct {
	Sections []Section `json:"sections"`
}

// RefinementAttempt records one iteration of critique-guided regeneration.
// ScoreAfter is filled when the following scoring pass lands; the record is
// immutable after that.
type RefinementAttempt struct {
	AttemptNumber   int       `json:"attempt_number"`
	ScoreBefore     float64   `json:"score_before"`
	ScoreAfter      float64   `json:"score_after"`
	IssuesAddressed []string  `json:"issues_addressed"`
	Timestamp       time.Time `json:"timestamp"`
}

// ReadingLevels are the summary fan-out branches, each writing its own key
// into State.Summaries.
var ReadingLevels = []string{"elementary", "secondary", "undergraduate", "expert"}

// State is the single accumulator threaded through the graph. The executor
// owns it for the duration of a run; stages receive value snapshots and
// never see a sibling's uncommitted output.
type State struct {
	Question   string `json:"question"`
	DocumentID string `json:"document_id"`

	Sources        []Source          `json:"sources,omitempty"`
	Classification *Classification   `json:"classification,omitempty"`
	Structure      *Structure        `json:"structure,omitempty"`
	Narrative      string            `json:"narrative,omitempty"`
	Reconciled     string            `json:"reconciled,omitempty"`
	Summaries      map[string]string `json:"summaries,omitempty"`

	Consensus          *consensus.Result   `json:"consensus,omitempty"`
	RefinementAttempts int                 `json:"refinement_attempts"`
	RefinementHistory  []RefinementAttempt `json:"refinement_history,omitempty"`

	CompletedSteps []string `json:"completed_steps,omitempty"`
	TerminalError  string   `json:"terminal_error,omitempty"`
}

// Delta is a stage's partial result. Each field carries its reducer:
// last-write-wins for singular fields, shallow merge for Summaries (so
// parallel summary branches cannot clobber each other), append for
// CompletedStep and RefinementAttempt, add for RefinementIncrement.
type Delta struct {
	Sources        []Source
	Classification *Classification
	Structure      *Structure
	Narrative      *string
	Reconciled     *string
	Summaries      map[string]string
	Consensus      *consensus.Result

	RefinementIncrement int
	RefinementAttempt   *RefinementAttempt
	CompletedStep       string
}

// Apply merges one delta into the state. Reducers are commutative across a
// fan-out group: concurrent summary branches touch distinct map keys and
// appends never depend on sibling order. Reference fields are replaced via
// copy-on-write because stage snapshots may still be read concurrently.
func Apply(s *State, d Delta) {
	if len(d.Sources) > 0 {
		s.Sources = d.Sources
	}
	if d.Classification != nil {
		s.Classification = d.Classification
	}
	if d.Structure != nil {
		s.Structure = d.Structure
	}
	if d.Narrative != nil {
		s.Narrative = *d.Narrative
	}
	if d.Reconciled != nil {
		s.Reconciled = *d.Reconciled
	}
	if len(d.Summaries) > 0 {
		merged := make(map[string]string, len(s.Summaries)+len(d.Summaries))
		for k, v := range s.Summaries {
			merged[k] = v
		}
		for k, v := range d.Summaries {
			merged[k] = v
		}
		s.Summaries = merged
	}
	if d.Consensus != nil {
		s.Consensus = d.Consensus
		// A landed scoring pass settles the pending refinement record.
		if n := len(s.RefinementHistory); n > 0 && s.RefinementHistory[n-1].ScoreAfter == 0 {
			history := make([]RefinementAttempt, n)
			copy(history, s.RefinementHistory)
			history[n-1].ScoreAfter = d.Consensus.Score.Overall
			s.RefinementHistory = history
		}
	}
	s.RefinementAttempts += d.RefinementIncrement
	if d.RefinementAttempt != nil {
		s.RefinementHistory = append(s.RefinementHistory, *d.RefinementAttempt)
	}
	if d.CompletedStep != "" {
		s.CompletedSteps = append(s.CompletedSteps, d.CompletedStep)
	}
}
