package consensus

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// defaultArbiterWeight is the blend weight given to the arbiter on disputed
// dimensions when a pass is arbitrated.
const defaultArbiterWeight = 0.6

func meanOverall(verdicts []Verdict) float64 {
	if len(verdicts) == 0 {
		return 0
	}
	var sum float64
	for _, v := range verdicts {
		sum += v.OverallScore
	}
	return sum / float64(len(verdicts))
}

func dimensionMeans(verdicts []Verdict) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, v := range verdicts {
		for _, ds := range v.DimensionScores {
			sums[ds.Dimension] += ds.Score
			counts[ds.Dimension]++
		}
	}
	means := make(map[string]float64, len(sums))
	for dim, sum := range sums {
		means[dim] = sum / float64(counts[dim])
	}
	return means
}

// FinalScore settles the aggregate for one pass. The method used is recorded
// on the result, never inferred later:
//   - no disagreement: mean of the panel's overall scores;
//   - discussion closed the gap: mean of the revised verdicts;
//   - arbiter invoked: disputed dimensions blend toward the arbiter, the
//     rest keep the panel mean, and the overall is the mean of the settled
//     dimensions.
func FinalScore(verdicts []Verdict, disputed []string, tiebreak *TiebreakOutput, discussionOccurred bool) ClarityScore {
	dims := dimensionMeans(verdicts)
	score := ClarityScore{Dimensions: dims}

	switch {
	case tiebreak != nil:
		w := defaultArbiterWeight
		arb := make(map[string]float64, len(tiebreak.Verdict.DimensionScores))
		for _, ds := range tiebreak.Verdict.DimensionScores {
			arb[ds.Dimension] = ds.Score
		}
		for _, dim := range disputed {
			a, ok := arb[dim]
			if !ok {
				continue // arbiter silent on this dimension, panel mean stands
			}
			dims[dim] = w*a + (1-w)*dims[dim]
		}
		var sum float64
		for _, v := range dims {
			sum += v
		}
		if len(dims) > 0 {
			score.Overall = sum / float64(len(dims))
		}
		score.Method = MethodArbitrated
	case discussionOccurred:
		score.Overall = meanOverall(verdicts)
		score.Method = MethodDiscussionMean
	default:
		score.Overall = meanOverall(verdicts)
		score.Method = MethodMean
	}
	return score
}

// AggregateCritique dedups issues across the verdict set and orders them by
// severity, then by how many evaluators raised them.
func AggregateCritique(verdicts []Verdict) []Issue {
	type bucket struct {
		issue Issue
		count int
		order int
	}
	byKey := make(map[string]*bucket)
	var keys []string
	for _, v := range verdicts {
		for _, issue := range v.Issues {
			key := issue.Dimension + "|" + issueKey(issue.Description)
			if b, ok := byKey[key]; ok {
				b.count++
				if severityRank(issue.Severity) < severityRank(b.issue.Severity) {
					b.issue.Severity = issue.Severity
				}
				if b.issue.Fix == "" {
					b.issue.Fix = issue.Fix
				}
				continue
			}
			byKey[key] = &bucket{issue: issue, count: 1, order: len(keys)}
			keys = append(keys, key)
		}
	}

	buckets := make([]*bucket, 0, len(byKey))
	for _, k := range keys {
		buckets = append(buckets, byKey[k])
	}
	sort.SliceStable(buckets, func(i, j int) bool {
		ri, rj := severityRank(buckets[i].issue.Severity), severityRank(buckets[j].issue.Severity)
		if ri != rj {
			return ri < rj
		}
		if buckets[i].count != buckets[j].count {
			return buckets[i].count > buckets[j].count
		}
		return buckets[i].order < buckets[j].order
	})

	out := make([]Issue, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, b.issue)
	}
	return out
}

// issueKey normalizes a description so near-duplicate phrasings collapse.
func issueKey(desc string) string {
	d := strings.ToLower(strings.TrimSpace(desc))
	if len(d) > 40 {
		d = d[:40]
	}
	return d
}

// Score drives one full scoring pass through the resolution protocol:
// Scored -> {Settled | Disputed}; Disputed -> one discussion -> {Settled |
// StillDisputed}; StillDisputed -> one arbiter -> Settled. The discussion
// and arbitration bounds hold no matter how many dimensions disagree.
func (p *Panel) Score(ctx context.Context, document string, sources any) (*Result, error) {
	verdicts, durations, err := p.RunPanel(ctx, document, sources)
	if err != nil {
		return nil, err
	}

	res := &Result{Verdicts: verdicts, EvaluatorDurations: durations}
	dis := DetectDisagreement(verdicts, p.threshold())
	res.Disagreement = &dis
	if !dis.HasDisagreement {
		res.Score = FinalScore(verdicts, nil, nil, false)
		res.AggregatedCritique = AggregateCritique(verdicts)
		return res, nil
	}

	discussion, err := p.RunDiscussion(ctx, document, verdicts, dis.DisagreeingDimensions)
	if err != nil {
		return nil, err
	}
	res.Discussion = &discussion
	settled := discussion.RevisedVerdicts
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	after := DetectDisagreement(settled, p.threshold())
	if !after.HasDisagreement {
		res.Score = FinalScore(settled, nil, nil, true)
		res.AggregatedCritique = AggregateCritique(settled)
		return res, nil
	}

	tiebreak, err := p.RunTiebreak(ctx, document, settled, after.DisagreeingDimensions, discussion.DiscussionSummary)
	if err != nil {
		return nil, err
	}
	res.Tiebreak = &tiebreak
	res.Score = FinalScore(settled, after.DisagreeingDimensions, &tiebreak, true)
	res.AggregatedCritique = AggregateCritique(append(append([]Verdict{}, settled...), tiebreak.Verdict))
	// Arbitrated passes are always audited by a human, whatever the arbiter
	// decided.
	res.NeedsHumanReview = true
	res.HumanReviewReason = fmt.Sprintf(
		"arbiter settled disputed dimensions [%s] with max spread %.1f",
		strings.Join(after.DisagreeingDimensions, ", "), after.MaxSpread,
	)
	return res, nil
}
