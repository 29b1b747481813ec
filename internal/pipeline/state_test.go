package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clarion/internal/consensus"
)

func TestApply_SummariesMergeWithoutClobbering(t *testing.T) {
	s := State{Summaries: map[string]string{"elementary": "easy"}}
	before := s.Summaries

	Apply(&s, Delta{Summaries: map[string]string{"expert": "dense"}})
	Apply(&s, Delta{Summaries: map[string]string{"secondary": "plain"}})

	assert.Equal(t, map[string]string{
		"elementary": "easy",
		"secondary":  "plain",
		"expert":     "dense",
	}, s.Summaries)
	// the original map is replaced, never written through
	assert.Equal(t, map[string]string{"elementary": "easy"}, before)
}

func TestApply_LastWriteWinsForSingularFields(t *testing.T) {
	s := State{}
	first, second := "draft", "revised"
	Apply(&s, Delta{Narrative: &first})
	Apply(&s, Delta{Narrative: &second, CompletedStep: "narrate"})
	assert.Equal(t, "revised", s.Narrative)
	assert.Equal(t, []string{"narrate"}, s.CompletedSteps)
}

func TestApply_ConsensusSettlesPendingRefinementRecord(t *testing.T) {
	s := State{
		RefinementAttempts: 1,
		RefinementHistory: []RefinementAttempt{
			{AttemptNumber: 1, ScoreBefore: 6.5, Timestamp: time.Now().UTC()},
		},
	}
	shared := s.RefinementHistory

	res := &consensus.Result{Score: consensus.ClarityScore{Overall: 7.2}}
	Apply(&s, Delta{Consensus: res})

	require.Len(t, s.RefinementHistory, 1)
	assert.Equal(t, 7.2, s.RefinementHistory[0].ScoreAfter)
	// the previously shared backing array is left untouched
	assert.Zero(t, shared[0].ScoreAfter)

	// a later pass must not rewrite a settled record
	Apply(&s, Delta{Consensus: &consensus.Result{Score: consensus.ClarityScore{Overall: 9.9}}})
	assert.Equal(t, 7.2, s.RefinementHistory[0].ScoreAfter)
}

func TestApply_RefinementCounterAndHistoryAppend(t *testing.T) {
	s := State{}
	Apply(&s, Delta{
		RefinementIncrement: 1,
		RefinementAttempt:   &RefinementAttempt{AttemptNumber: 1, ScoreBefore: 6.5},
	})
	assert.Equal(t, 1, s.RefinementAttempts)
	require.Len(t, s.RefinementHistory, 1)
	assert.Equal(t, 6.5, s.RefinementHistory[0].ScoreBefore)
}

func TestRenderDocument_AssemblesHeadingsBodyAndSortedSummaries(t *testing.T) {
	s := State{
		Question: "Why is the sky blue?",
		Structure: &Structure{Sections: []Section{
			{Heading: "Background", Points: []string{"scattering"}},
		}},
		Narrative:  "draft body",
		Reconciled: "final body",
		Summaries:  map[string]string{"expert": "rayleigh", "elementary": "light bounces"},
	}
	doc := RenderDocument(s)
	assert.Contains(t, doc, "# Why is the sky blue?")
	assert.Contains(t, doc, "## Background")
	assert.Contains(t, doc, "final body")
	assert.NotContains(t, doc, "draft body")
	// summary levels render in sorted order
	assert.Less(t, strings.Index(doc, "### elementary"), strings.Index(doc, "### expert"))
}

func TestRenderDocument_FallsBackToNarrativeBeforeReconciliation(t *testing.T) {
	s := State{Question: "q", Narrative: "only draft"}
	assert.Contains(t, RenderDocument(s), "only draft")
}

func TestParsePersona_UnknownFallsBackToGeneral(t *testing.T) {
	assert.Equal(t, PersonaAnalyst, ParsePersona("analyst"))
	assert.Equal(t, PersonaGeneral, ParsePersona("wizard"))
	assert.Equal(t, PersonaGeneral, ParsePersona(""))
}
