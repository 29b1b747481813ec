package consensus

import "sort"

// DefaultSpreadThreshold is the per-dimension max-min gap, on a 0-10 scale,
// above which a dimension counts as disputed.
const DefaultSpreadThreshold = 2.0

// DetectDisagreement computes per-dimension score spread across the verdict
// set. Pure and deterministic: same verdicts, same result.
func DetectDisagreement(verdicts []Verdict, threshold float64) Disagreement {
	if threshold <= 0 {
		threshold = DefaultSpreadThreshold
	}
	out := Disagreement{
		EvaluatorPositions: make(map[string]float64, len(verdicts)),
	}
	for _, v := range verdicts {
		out.EvaluatorPositions[v.Role] = v.OverallScore
	}

	type bounds struct{ min, max float64 }
	byDim := make(map[string]*bounds)
	for _, v := range verdicts {
		for _, ds := range v.DimensionScores {
			b, ok := byDim[ds.Dimension]
			if !ok {
				byDim[ds.Dimension] = &bounds{min: ds.Score, max: ds.Score}
				continue
			}
			if ds.Score < b.min {
				b.min = ds.Score
			}
			if ds.Score > b.max {
				b.max = ds.Score
			}
		}
	}

	for dim, b := range byDim {
		spread := b.max - b.min
		if spread > out.MaxSpread {
			out.MaxSpread = spread
		}
		if spread > threshold {
			out.DisagreeingDimensions = append(out.DisagreeingDimensions, dim)
		}
	}
	sort.Strings(out.DisagreeingDimensions)
	out.HasDisagreement = len(out.DisagreeingDimensions) > 0
	return out
}
