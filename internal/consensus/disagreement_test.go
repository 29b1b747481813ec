package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func makeVerdict(role string, overall float64, dims map[string]float64) Verdict {
	v := Verdict{Role: role, OverallScore: overall, Confidence: 0.8}
	for _, d := range Dimensions {
		score, ok := dims[d]
		if !ok {
			score = overall
		}
		v.DimensionScores = append(v.DimensionScores, DimensionScore{Dimension: d, Score: score})
	}
	return v
}

func TestDetectDisagreement_AllWithinThreshold(t *testing.T) {
	verdicts := []Verdict{
		makeVerdict("a", 9.2, nil),
		makeVerdict("b", 8.8, nil),
		makeVerdict("c", 9.0, nil),
	}
	dis := DetectDisagreement(verdicts, DefaultSpreadThreshold)
	assert.False(t, dis.HasDisagreement)
	assert.Empty(t, dis.DisagreeingDimensions)
	assert.InDelta(t, 0.4, dis.MaxSpread, 1e-9)
	assert.Equal(t, 9.2, dis.EvaluatorPositions["a"])
}

func TestDetectDisagreement_SingleDimensionOverThreshold(t *testing.T) {
	verdicts := []Verdict{
		makeVerdict("a", 8, map[string]float64{"coherence": 9}),
		makeVerdict("b", 8, map[string]float64{"coherence": 4}),
		makeVerdict("c", 8, map[string]float64{"coherence": 7}),
	}
	dis := DetectDisagreement(verdicts, 2)
	assert.True(t, dis.HasDisagreement)
	assert.Equal(t, []string{"coherence"}, dis.DisagreeingDimensions)
	assert.InDelta(t, 5.0, dis.MaxSpread, 1e-9)
}

func TestDetectDisagreement_SpreadExactlyAtThresholdIsAgreement(t *testing.T) {
	verdicts := []Verdict{
		makeVerdict("a", 8, map[string]float64{"objectivity": 9}),
		makeVerdict("b", 8, map[string]float64{"objectivity": 7}),
		makeVerdict("c", 8, map[string]float64{"objectivity": 8}),
	}
	dis := DetectDisagreement(verdicts, 2)
	assert.False(t, dis.HasDisagreement)
}

func TestDetectDisagreement_IsDeterministic(t *testing.T) {
	verdicts := []Verdict{
		makeVerdict("a", 8, map[string]float64{"coherence": 9, "accessibility": 2}),
		makeVerdict("b", 8, map[string]float64{"coherence": 4, "accessibility": 8}),
		makeVerdict("c", 8, nil),
	}
	first := DetectDisagreement(verdicts, 2)
	second := DetectDisagreement(verdicts, 2)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"accessibility", "coherence"}, first.DisagreeingDimensions)
}
