package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clarion/internal/llm"
)

// scriptedClient answers by pipeline stage tag so each judge and the arbiter
// can be driven independently, and counts calls per stage.
type scriptedClient struct {
	mu    sync.Mutex
	calls map[string]int
	reply func(stage string, call int) (json.RawMessage, error)
}

func newScripted(reply func(stage string, call int) (json.RawMessage, error)) *scriptedClient {
	return &scriptedClient{calls: make(map[string]int), reply: reply}
}

func (c *scriptedClient) Name() string { return "scripted" }
func (c *scriptedClient) Close() error { return nil }

func (c *scriptedClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	stage := llm.StageFrom(ctx)
	c.mu.Lock()
	c.calls[stage]++
	n := c.calls[stage]
	c.mu.Unlock()
	return c.reply(stage, n)
}

func (c *scriptedClient) callCount(stage string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[stage]
}

func verdictJSON(t *testing.T, overall float64, dims map[string]float64, issues ...Issue) json.RawMessage {
	t.Helper()
	p := verdictPayload{OverallScore: overall, Confidence: 0.9, Issues: issues}
	for _, d := range Dimensions {
		s, ok := dims[d]
		if !ok {
			s = overall
		}
		p.DimensionScores = append(p.DimensionScores, DimensionScore{Dimension: d, Score: s})
	}
	b, err := json.Marshal(p)
	require.NoError(t, err)
	return b
}

func arbiterJSON(t *testing.T, overall float64, dims map[string]float64) json.RawMessage {
	t.Helper()
	var v verdictPayload
	require.NoError(t, json.Unmarshal(verdictJSON(t, overall, dims), &v))
	b, err := json.Marshal(tiebreakPayload{Verdict: v, ResolutionSummary: "settled"})
	require.NoError(t, err)
	return b
}

// malformed is valid JSON but not a usable verdict.
var malformed = json.RawMessage(`{"critique": "no scores here"}`)

func TestScore_AgreementSettlesOnMean(t *testing.T) {
	cli := newScripted(func(stage string, call int) (json.RawMessage, error) {
		switch stage {
		case "evaluate:analyst":
			return verdictJSON(t, 9.2, nil), nil
		case "evaluate:educator":
			return verdictJSON(t, 8.8, nil), nil
		case "evaluate:skeptic":
			return verdictJSON(t, 9.0, nil), nil
		}
		return nil, fmt.Errorf("unexpected stage %q", stage)
	})
	p := &Panel{LLM: cli}

	res, err := p.Score(context.Background(), "# doc", nil)
	require.NoError(t, err)
	assert.InDelta(t, 9.0, res.Score.Overall, 1e-9)
	assert.Equal(t, MethodMean, res.Score.Method)
	assert.False(t, res.NeedsHumanReview)
	assert.Nil(t, res.Discussion)
	assert.Nil(t, res.Tiebreak)
	require.NotNil(t, res.Disagreement)
	assert.False(t, res.Disagreement.HasDisagreement)
	for _, role := range DefaultRoles {
		assert.Zero(t, cli.callCount("discuss:"+role))
	}
	assert.Zero(t, cli.callCount("arbitrate"))
}

func TestScore_DiscussionClosesTheGap(t *testing.T) {
	cli := newScripted(func(stage string, call int) (json.RawMessage, error) {
		switch stage {
		case "evaluate:analyst":
			return verdictJSON(t, 8.4, map[string]float64{"coherence": 9}), nil
		case "evaluate:educator":
			return verdictJSON(t, 7.4, map[string]float64{"coherence": 4}), nil
		case "evaluate:skeptic":
			return verdictJSON(t, 8.0, map[string]float64{"coherence": 7}), nil
		case "discuss:analyst":
			return verdictJSON(t, 8.1, map[string]float64{"coherence": 7.5}), nil
		case "discuss:educator":
			return verdictJSON(t, 7.9, map[string]float64{"coherence": 7}), nil
		case "discuss:skeptic":
			return verdictJSON(t, 8.0, map[string]float64{"coherence": 7}), nil
		}
		return nil, fmt.Errorf("unexpected stage %q", stage)
	})
	p := &Panel{LLM: cli}

	res, err := p.Score(context.Background(), "# doc", nil)
	require.NoError(t, err)
	assert.Equal(t, MethodDiscussionMean, res.Score.Method)
	assert.InDelta(t, 8.0, res.Score.Overall, 1e-9)
	assert.False(t, res.NeedsHumanReview)
	assert.Nil(t, res.Tiebreak)
	require.NotNil(t, res.Discussion)
	assert.Equal(t, 2, res.Discussion.ChangesCount)
	assert.Contains(t, res.Discussion.DiscussionSummary, "coherence")

	// exactly one discussion round, no arbiter
	for _, role := range DefaultRoles {
		assert.Equal(t, 1, cli.callCount("discuss:"+role))
	}
	assert.Zero(t, cli.callCount("arbitrate"))
}

func TestScore_ArbiterSettlesAndFlagsHumanReview(t *testing.T) {
	initial := map[string]json.RawMessage{
		"analyst":  verdictJSON(t, 8.4, map[string]float64{"coherence": 9}),
		"educator": verdictJSON(t, 7.4, map[string]float64{"coherence": 4}),
		"skeptic":  verdictJSON(t, 8.0, map[string]float64{"coherence": 7}),
	}
	cli := newScripted(func(stage string, call int) (json.RawMessage, error) {
		switch stage {
		case "evaluate:analyst", "discuss:analyst":
			return initial["analyst"], nil
		case "evaluate:educator", "discuss:educator":
			return initial["educator"], nil
		case "evaluate:skeptic", "discuss:skeptic":
			return initial["skeptic"], nil
		case "arbitrate":
			return arbiterJSON(t, 7.0, map[string]float64{"coherence": 7}), nil
		}
		return nil, fmt.Errorf("unexpected stage %q", stage)
	})
	p := &Panel{LLM: cli}

	res, err := p.Score(context.Background(), "# doc", nil)
	require.NoError(t, err)
	assert.Equal(t, MethodArbitrated, res.Score.Method)
	require.NotNil(t, res.Tiebreak)
	assert.Equal(t, "arbiter", res.Tiebreak.Verdict.Role)

	// disputed dimension blends toward the arbiter, the rest keep the mean
	panelMean := (9.0 + 4.0 + 7.0) / 3.0
	blended := 0.6*7.0 + 0.4*panelMean
	assert.InDelta(t, blended, res.Score.Dimensions["coherence"], 1e-9)
	assert.InDelta(t, (8.4+7.4+8.0)/3.0, res.Score.Dimensions["objectivity"], 1e-9)

	assert.True(t, res.NeedsHumanReview)
	assert.Contains(t, res.HumanReviewReason, "coherence")

	// protocol bounds: one discussion per judge, one arbiter
	for _, role := range DefaultRoles {
		assert.Equal(t, 1, cli.callCount("discuss:"+role))
	}
	assert.Equal(t, 1, cli.callCount("arbitrate"))
}

func TestScore_MalformedJudgeKeepsPanelSize(t *testing.T) {
	cli := newScripted(func(stage string, call int) (json.RawMessage, error) {
		switch stage {
		case "evaluate:analyst":
			return verdictJSON(t, 5.5, nil), nil
		case "evaluate:educator":
			return verdictJSON(t, 5.3, nil), nil
		case "evaluate:skeptic":
			return malformed, nil
		}
		return nil, fmt.Errorf("unexpected stage %q", stage)
	})
	p := &Panel{LLM: cli}

	res, err := p.Score(context.Background(), "# doc", nil)
	require.NoError(t, err)
	require.Len(t, res.Verdicts, 3)

	var fallback *Verdict
	for i := range res.Verdicts {
		if res.Verdicts[i].Role == "skeptic" {
			fallback = &res.Verdicts[i]
		}
	}
	require.NotNil(t, fallback)
	assert.True(t, fallback.Fallback)
	assert.Equal(t, 5.0, fallback.OverallScore)
	assert.Zero(t, fallback.Confidence)

	// one normal call plus one stricter retry before giving up
	assert.Equal(t, 2, cli.callCount("evaluate:skeptic"))
	assert.Equal(t, MethodMean, res.Score.Method)
}

func TestScore_ArbiterFallbackSettlesAtPanelMean(t *testing.T) {
	cli := newScripted(func(stage string, call int) (json.RawMessage, error) {
		switch stage {
		case "evaluate:analyst", "discuss:analyst":
			return verdictJSON(t, 8.4, map[string]float64{"coherence": 9}), nil
		case "evaluate:educator", "discuss:educator":
			return verdictJSON(t, 7.4, map[string]float64{"coherence": 4}), nil
		case "evaluate:skeptic", "discuss:skeptic":
			return verdictJSON(t, 8.0, map[string]float64{"coherence": 7}), nil
		case "arbitrate":
			return malformed, nil
		}
		return nil, fmt.Errorf("unexpected stage %q", stage)
	})
	p := &Panel{LLM: cli}

	res, err := p.Score(context.Background(), "# doc", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Tiebreak)
	assert.True(t, res.Tiebreak.Verdict.Fallback)
	assert.Equal(t, 2, cli.callCount("arbitrate"))

	// fallback arbiter scores the disputed dimension at the panel mean, so
	// the blend is a no-op there
	panelMean := (9.0 + 4.0 + 7.0) / 3.0
	assert.InDelta(t, panelMean, res.Score.Dimensions["coherence"], 1e-9)
	assert.True(t, res.NeedsHumanReview)
}

func TestScore_ServiceOutageFailsThePass(t *testing.T) {
	outage := errors.New("503 service unavailable: 3 attempts failed")
	cli := newScripted(func(stage string, call int) (json.RawMessage, error) {
		return nil, outage
	})
	p := &Panel{LLM: cli}

	res, err := p.Score(context.Background(), "# doc", nil)
	require.Error(t, err)
	require.ErrorIs(t, err, outage)
	assert.Contains(t, err.Error(), "evaluator")
	assert.Nil(t, res, "an unreachable panel must not produce a scored result")
}

func TestScore_OutageDuringDiscussionFails(t *testing.T) {
	outage := errors.New("connection reset by peer")
	cli := newScripted(func(stage string, call int) (json.RawMessage, error) {
		switch stage {
		case "evaluate:analyst":
			return verdictJSON(t, 8.4, map[string]float64{"coherence": 9}), nil
		case "evaluate:educator":
			return verdictJSON(t, 7.4, map[string]float64{"coherence": 4}), nil
		case "evaluate:skeptic":
			return verdictJSON(t, 8.0, map[string]float64{"coherence": 7}), nil
		}
		return nil, outage
	})
	p := &Panel{LLM: cli}

	res, err := p.Score(context.Background(), "# doc", nil)
	require.Error(t, err)
	require.ErrorIs(t, err, outage)
	assert.Contains(t, err.Error(), "discussion")
	assert.Nil(t, res)
}

func TestScore_OutageDuringArbitrationFails(t *testing.T) {
	outage := errors.New("dial tcp: i/o timeout")
	cli := newScripted(func(stage string, call int) (json.RawMessage, error) {
		switch stage {
		case "evaluate:analyst", "discuss:analyst":
			return verdictJSON(t, 8.4, map[string]float64{"coherence": 9}), nil
		case "evaluate:educator", "discuss:educator":
			return verdictJSON(t, 7.4, map[string]float64{"coherence": 4}), nil
		case "evaluate:skeptic", "discuss:skeptic":
			return verdictJSON(t, 8.0, map[string]float64{"coherence": 7}), nil
		}
		return nil, outage
	})
	p := &Panel{LLM: cli}

	_, err := p.Score(context.Background(), "# doc", nil)
	require.Error(t, err)
	require.ErrorIs(t, err, outage)
	assert.Contains(t, err.Error(), "arbiter")
}

func TestFinalScore_ArbiterSilentDimensionKeepsMean(t *testing.T) {
	verdicts := []Verdict{
		makeVerdict("a", 8, map[string]float64{"coherence": 9, "objectivity": 9}),
		makeVerdict("b", 8, map[string]float64{"coherence": 4, "objectivity": 4}),
		makeVerdict("c", 8, map[string]float64{"coherence": 7, "objectivity": 7}),
	}
	tiebreak := &TiebreakOutput{Verdict: Verdict{
		Role:            "arbiter",
		DimensionScores: []DimensionScore{{Dimension: "coherence", Score: 8}},
	}}
	score := FinalScore(verdicts, []string{"coherence", "objectivity"}, tiebreak, true)
	assert.Equal(t, MethodArbitrated, score.Method)
	mean := (9.0 + 4.0 + 7.0) / 3.0
	assert.InDelta(t, 0.6*8+0.4*mean, score.Dimensions["coherence"], 1e-9)
	assert.InDelta(t, mean, score.Dimensions["objectivity"], 1e-9)
}

func TestAggregateCritique_DedupsAndOrdersBySeverity(t *testing.T) {
	shared := Issue{Dimension: "coherence", Severity: SeverityMinor, Description: "Section two contradicts section four on the main claim"}
	sharedWorse := shared
	sharedWorse.Severity = SeverityCritical
	verdicts := []Verdict{
		{Role: "a", Issues: []Issue{shared, {Dimension: "accessibility", Severity: SeverityMajor, Description: "jargon left undefined"}}},
		{Role: "b", Issues: []Issue{sharedWorse}},
	}
	out := AggregateCritique(verdicts)
	require.Len(t, out, 2)
	// the duplicated issue collapses to one entry at its worst severity and
	// sorts ahead of the major issue
	assert.Equal(t, SeverityCritical, out[0].Severity)
	assert.Equal(t, "coherence", out[0].Dimension)
	assert.Equal(t, "accessibility", out[1].Dimension)
}
