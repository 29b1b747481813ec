package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"clarion/internal/llm"
	"clarion/internal/llmclient"
)

// DefaultRoles is the standard odd panel. Each role reads the same document
// against the same rubric from a different angle.
var DefaultRoles = []string{"analyst", "educator", "skeptic"}

var roleFocus = map[string]string{
	"analyst":  "logical coherence, structure and internal consistency",
	"educator": "accessibility and whether each reading level can follow the document",
	"skeptic":  "evidence quality, sourcing, objectivity and factual accuracy",
	"arbiter":  "settling disputed dimensions with tie-breaking authority",
}

// Panel runs independent evaluators over one document.
type Panel struct {
	LLM       llmclient.LLMClient
	Roles     []string
	Threshold float64
}

func (p *Panel) roles() []string {
	if len(p.Roles) > 0 {
		return p.Roles
	}
	return DefaultRoles
}

func (p *Panel) threshold() float64 {
	if p.Threshold > 0 {
		return p.Threshold
	}
	return DefaultSpreadThreshold
}

// verdictPayload is the wire shape evaluators must return.
type verdictPayload struct {
	OverallScore    float64          `json:"overall_score"`
	DimensionScores []DimensionScore `json:"dimension_scores"`
	Issues          []Issue          `json:"issues"`
	Critique        string           `json:"critique"`
	Confidence      float64          `json:"confidence"`
}

const evaluatePrompt = `You are one judge on a review panel for an analytical document.
Your focus: %s.
Score the document 0-10 overall and per dimension (%s), list concrete issues
with dimension, severity (critical|major|minor), description and an optional fix,
and give a short critique plus your confidence (0-1).
Respond with a single JSON object: {"overall_score": number, "dimension_scores":
[{"dimension": string, "score": number}], "issues": [...], "critique": string,
"confidence": number}.`

const strictSuffix = `
Your previous output could not be parsed. Respond with ONLY the JSON object,
no prose, no markdown fences, every field present.`

type panelInput struct {
	Document string `json:"document"`
	Sources  any    `json:"sources,omitempty"`
}

// RunPanel fans the evaluators out concurrently. A judge whose output stays
// malformed after one stricter retry is replaced by a neutral fallback
// verdict rather than dropped, so the panel size (and tie-break arithmetic)
// stays fixed. Any other judge error fails the pass: a panel that cannot
// reach the generation service must not look like a scored document.
func (p *Panel) RunPanel(ctx context.Context, document string, sources any) ([]Verdict, map[string]float64, error) {
	roles := p.roles()
	type judged struct {
		idx  int
		role string
		v    Verdict
		took time.Duration
		err  error
	}
	results := make(chan judged, len(roles))
	for i, role := range roles {
		go func(i int, role string) {
			begin := time.Now()
			v, err := p.evaluate(ctx, role, document, sources)
			results <- judged{idx: i, role: role, v: v, took: time.Since(begin), err: err}
		}(i, role)
	}

	verdicts := make([]Verdict, len(roles))
	durations := make(map[string]float64, len(roles))
	var firstErr error
	for range roles {
		j := <-results
		if j.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("evaluator %s: %w", j.role, j.err)
			}
			continue
		}
		verdicts[j.idx] = j.v
		durations[j.v.Role] = float64(j.took.Milliseconds())
	}
	if firstErr != nil {
		return nil, nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return verdicts, durations, nil
}

// evaluate runs one judge: one normal call, one stricter retry, then the
// neutral fallback. The fallback is only for output that stays malformed;
// transport and service errors (already through the retry budget) surface.
func (p *Panel) evaluate(ctx context.Context, role, document string, sources any) (Verdict, error) {
	callCtx := llm.WithStage(ctx, "evaluate:"+role)
	prompt := fmt.Sprintf(evaluatePrompt, roleFocus[role], strings.Join(Dimensions, ", "))
	in := panelInput{Document: document, Sources: sources}

	if v, err := p.callJudge(callCtx, role, prompt, in); err == nil {
		return v, nil
	}
	v, err := p.callJudge(callCtx, role, prompt+strictSuffix, in)
	if err == nil {
		return v, nil
	}
	if errors.Is(err, llmclient.ErrInvalidJSON) {
		return neutralVerdict(role), nil
	}
	return Verdict{}, err
}

func (p *Panel) callJudge(ctx context.Context, role, prompt string, in any) (Verdict, error) {
	raw, err := p.LLM.GenerateJSON(ctx, prompt, in)
	if err != nil {
		return Verdict{}, err
	}
	return parseVerdict(role, raw)
}

func parseVerdict(role string, raw json.RawMessage) (Verdict, error) {
	var payload verdictPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", llmclient.ErrInvalidJSON, err)
	}
	if len(payload.DimensionScores) == 0 {
		return Verdict{}, fmt.Errorf("%w: missing dimension_scores", llmclient.ErrInvalidJSON)
	}
	v := Verdict{
		Role:            role,
		OverallScore:    clampScore(payload.OverallScore),
		DimensionScores: payload.DimensionScores,
		Issues:          payload.Issues,
		Critique:        payload.Critique,
		Confidence:      payload.Confidence,
	}
	for i := range v.DimensionScores {
		v.DimensionScores[i].Score = clampScore(v.DimensionScores[i].Score)
	}
	return v, nil
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 10 {
		return 10
	}
	return s
}

// neutralVerdict keeps a failed judge on the panel without biasing the
// aggregate in either direction.
func neutralVerdict(role string) Verdict {
	dims := make([]DimensionScore, 0, len(Dimensions))
	for _, d := range Dimensions {
		dims = append(dims, DimensionScore{Dimension: d, Score: 5})
	}
	return Verdict{
		Role:            role,
		OverallScore:    5,
		DimensionScores: dims,
		Critique:        "evaluator output was malformed twice; neutral fallback verdict substituted",
		Confidence:      0,
		Fallback:        true,
	}
}
