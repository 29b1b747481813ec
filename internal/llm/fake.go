package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// FakeClient returns deterministic, minimal JSON payloads per stage for
// offline runs and testing. Payload shape follows the stage output schemas.
type FakeClient struct{}

func NewFakeClient() *FakeClient { return &FakeClient{} }

func (f *FakeClient) Name() string { return "FakeLLM" }
func (f *FakeClient) Close() error { return nil }

func (f *FakeClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	stage := StageFrom(ctx)
	var obj any
	switch {
	case stage == "research":
		obj = map[string]any{
			"sources": []any{
				map[string]any{
					"title":       "fake source",
					"url":         "https://example.com/fake",
					"snippet":     "fake snippet",
					"reliability": 0.9,
				},
			},
			"notes": []string{"fake research output"},
		}
	case stage == "classify":
		obj = map[string]any{
			"persona":    "analyst",
			"confidence": 0.8,
			"rationale":  "fake classification",
		}
	case stage == "structure":
		obj = map[string]any{
			"sections": []any{
				map[string]any{"heading": "Background", "points": []string{"fake point"}},
				map[string]any{"heading": "Analysis", "points": []string{"fake point"}},
			},
		}
	case stage == "narrate" || stage == "refine":
		obj = map[string]any{"narrative": "fake narrative"}
	case stage == "reconcile":
		obj = map[string]any{
			"reconciled":  "fake reconciled narrative",
			"adjustments": []string{},
		}
	case strings.HasPrefix(stage, "summarize"):
		obj = map[string]any{"summary": "fake summary"}
	case strings.HasPrefix(stage, "evaluate") || strings.HasPrefix(stage, "discuss"):
		obj = fakeVerdict()
	case stage == "arbitrate":
		obj = map[string]any{
			"verdict":            fakeVerdict(),
			"resolution_summary": "fake arbitration",
		}
	default:
		obj = map[string]any{}
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func fakeVerdict() map[string]any {
	dims := []string{"coherence", "evidence_quality", "accessibility", "objectivity", "factual_accuracy"}
	scores := make([]any, 0, len(dims))
	for _, d := range dims {
		scores = append(scores, map[string]any{"dimension": d, "score": 8.5})
	}
	return map[string]any{
		"overall_score":    8.5,
		"dimension_scores": scores,
		"issues":           []any{},
		"critique":         "fake critique",
		"confidence":       0.9,
	}
}
