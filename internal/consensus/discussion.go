package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"clarion/internal/llm"
	"clarion/internal/llmclient"
)

const discussPrompt = `You are one judge on a review panel. The panel disagreed.
Your focus: %s. You have now seen every panelist's verdict, including your own.
Reconsider once: you may revise your scores and issues or keep them.
Respond with the same JSON verdict object schema as before.`

type discussionInput struct {
	Document    string    `json:"document"`
	OwnRole     string    `json:"own_role"`
	AllVerdicts []Verdict `json:"all_verdicts"`
	DisputedOn  []string  `json:"disputed_dimensions"`
}

// RunDiscussion runs the single discussion round: every evaluator sees the
// full verdict set and may revise exactly once. Verdicts are never mutated;
// revisions are new values. A judge whose revision stays malformed keeps its
// original verdict; any other error fails the round.
func (p *Panel) RunDiscussion(ctx context.Context, document string, verdicts []Verdict, disputed []string) (DiscussionOutput, error) {
	begin := time.Now()
	type revised struct {
		idx int
		v   Verdict
		err error
	}
	results := make(chan revised, len(verdicts))
	for i, orig := range verdicts {
		go func(i int, orig Verdict) {
			callCtx := llm.WithStage(ctx, "discuss:"+orig.Role)
			prompt := fmt.Sprintf(discussPrompt, roleFocus[orig.Role])
			in := discussionInput{Document: document, OwnRole: orig.Role, AllVerdicts: verdicts, DisputedOn: disputed}
			v, err := p.callJudge(callCtx, orig.Role, prompt, in)
			if err != nil {
				v, err = p.callJudge(callCtx, orig.Role, prompt+strictSuffix, in)
			}
			if err != nil && errors.Is(err, llmclient.ErrInvalidJSON) {
				v, err = orig, nil // stand by the original position
			}
			if err != nil {
				err = fmt.Errorf("discussion %s: %w", orig.Role, err)
			}
			results <- revised{idx: i, v: v, err: err}
		}(i, orig)
	}

	out := DiscussionOutput{RevisedVerdicts: make([]Verdict, len(verdicts))}
	var firstErr error
	for range verdicts {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		out.RevisedVerdicts[r.idx] = r.v
	}
	if firstErr != nil {
		return DiscussionOutput{}, firstErr
	}
	for i := range verdicts {
		if verdictChanged(verdicts[i], out.RevisedVerdicts[i]) {
			out.ChangesCount++
		}
	}
	out.DiscussionSummary = summarizeDiscussion(verdicts, out.RevisedVerdicts, disputed)
	out.Duration = time.Since(begin)
	return out, nil
}

func verdictChanged(before, after Verdict) bool {
	if math.Abs(before.OverallScore-after.OverallScore) > 1e-9 {
		return true
	}
	prev := make(map[string]float64, len(before.DimensionScores))
	for _, ds := range before.DimensionScores {
		prev[ds.Dimension] = ds.Score
	}
	for _, ds := range after.DimensionScores {
		if math.Abs(prev[ds.Dimension]-ds.Score) > 1e-9 {
			return true
		}
	}
	return false
}

func summarizeDiscussion(before, after []Verdict, disputed []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "discussion over %s:", strings.Join(disputed, ", "))
	moved := 0
	for i := range before {
		if verdictChanged(before[i], after[i]) {
			fmt.Fprintf(&b, " %s moved %.1f->%.1f;", before[i].Role, before[i].OverallScore, after[i].OverallScore)
			moved++
		}
	}
	if moved == 0 {
		b.WriteString(" no evaluator moved")
	}
	return strings.TrimSuffix(b.String(), ";")
}

const arbitratePrompt = `You are the arbiter for a review panel that stayed split
after discussion. Settle ONLY the disputed dimensions listed in the input; score
them decisively on the 0-10 scale and explain the resolution.
Respond with a single JSON object: {"verdict": {<same verdict object schema>},
"resolution_summary": string}.`

type tiebreakInput struct {
	Document          string    `json:"document"`
	DisputedOn        []string  `json:"disputed_dimensions"`
	DiscussionSummary string    `json:"discussion_summary"`
	Verdicts          []Verdict `json:"verdicts"`
}

type tiebreakPayload struct {
	Verdict           verdictPayload `json:"verdict"`
	ResolutionSummary string         `json:"resolution_summary"`
}

// RunTiebreak invokes the single arbiter. If the arbiter's output stays
// malformed after the stricter retry, a deterministic fallback settles the
// disputed dimensions at the mean of the revised verdicts; the pass is
// flagged for human review either way. Any other error fails the pass.
func (p *Panel) RunTiebreak(ctx context.Context, document string, verdicts []Verdict, disputed []string, discussionSummary string) (TiebreakOutput, error) {
	callCtx := llm.WithStage(ctx, "arbitrate")
	in := tiebreakInput{
		Document:          document,
		DisputedOn:        disputed,
		DiscussionSummary: discussionSummary,
		Verdicts:          verdicts,
	}

	parse := func(prompt string) (TiebreakOutput, error) {
		raw, err := p.LLM.GenerateJSON(callCtx, prompt, in)
		if err != nil {
			return TiebreakOutput{}, err
		}
		var payload tiebreakPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return TiebreakOutput{}, fmt.Errorf("%w: %v", llmclient.ErrInvalidJSON, err)
		}
		if len(payload.Verdict.DimensionScores) == 0 {
			return TiebreakOutput{}, fmt.Errorf("%w: arbiter verdict missing dimension_scores", llmclient.ErrInvalidJSON)
		}
		v := Verdict{
			Role:            "arbiter",
			OverallScore:    clampScore(payload.Verdict.OverallScore),
			DimensionScores: payload.Verdict.DimensionScores,
			Issues:          payload.Verdict.Issues,
			Critique:        payload.Verdict.Critique,
			Confidence:      payload.Verdict.Confidence,
		}
		for i := range v.DimensionScores {
			v.DimensionScores[i].Score = clampScore(v.DimensionScores[i].Score)
		}
		return TiebreakOutput{Verdict: v, ResolutionSummary: payload.ResolutionSummary}, nil
	}

	if out, err := parse(arbitratePrompt); err == nil {
		return out, nil
	}
	out, err := parse(arbitratePrompt + strictSuffix)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, llmclient.ErrInvalidJSON) {
		return TiebreakOutput{}, fmt.Errorf("arbiter: %w", err)
	}

	means := dimensionMeans(verdicts)
	dims := make([]DimensionScore, 0, len(disputed))
	for _, d := range disputed {
		dims = append(dims, DimensionScore{Dimension: d, Score: means[d]})
	}
	return TiebreakOutput{
		Verdict: Verdict{
			Role:            "arbiter",
			OverallScore:    meanOverall(verdicts),
			DimensionScores: dims,
			Confidence:      0,
			Fallback:        true,
		},
		ResolutionSummary: "arbiter output was malformed twice; disputed dimensions settled at the panel mean",
	}, nil
}
