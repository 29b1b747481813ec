package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"clarion/internal/consensus"
	"clarion/internal/llm"
	"clarion/internal/llmclient"
)

// Stages holds the stage functions. Each is an opaque typed call against the
// generation service; the graph decides when they run.
type Stages struct {
	LLM llmclient.LLMClient
}

const strictSuffix = `
Your previous output could not be parsed. Respond with ONLY the JSON object,
no prose, no markdown fences, every field present.`

// callStage issues one generation call and decodes it into T. Malformed
// output gets exactly one stricter-prompt retry before the error surfaces;
// stages with deterministic fallbacks handle it from there.
func callStage[T any](ctx context.Context, cli llmclient.LLMClient, stage, prompt string, input any) (T, error) {
	var out T
	callCtx := llm.WithStage(ctx, stage)

	raw, err := cli.GenerateJSON(callCtx, prompt, input)
	if err == nil {
		if uerr := json.Unmarshal(raw, &out); uerr == nil {
			return out, nil
		}
	}
	raw, err = cli.GenerateJSON(callCtx, prompt+strictSuffix, input)
	if err != nil {
		return out, err
	}
	if uerr := json.Unmarshal(raw, &out); uerr != nil {
		return out, fmt.Errorf("stage %s: %w: %v", stage, llmclient.ErrInvalidJSON, uerr)
	}
	return out, nil
}

// ---- research ----

const researchPrompt = `Research the question below. Return the most relevant
sources as JSON: {"sources": [{"title": string, "url": string, "snippet":
string, "reliability": number 0-1}], "notes": [string]}.`

type researchOut struct {
	Sources []Source `json:"sources"`
	Notes   []string `json:"notes"`
}

func (st *Stages) Research(ctx context.Context, s State) (Delta, error) {
	out, err := callStage[researchOut](ctx, st.LLM, "research", researchPrompt, map[string]any{"question": s.Question})
	if err != nil && !errors.Is(err, llmclient.ErrInvalidJSON) {
		return Delta{}, err
	}
	if len(out.Sources) == 0 {
		// Sparse or malformed research falls back to generic material
		// rather than failing the run.
		out.Sources = genericSources(s.Question)
	}
	return Delta{Sources: out.Sources, CompletedStep: "research"}, nil
}

func genericSources(question string) []Source {
	return []Source{
		{
			Title:       "General background",
			Snippet:     "No dedicated sources were found for: " + question,
			Reliability: 0.3,
		},
	}
}

// ---- classify ----

const classifyPrompt = `Classify the question below into the persona best
suited to answer it: analyst, educator, journalist, historian or general.
Return JSON: {"persona": string, "confidence": number 0-1, "rationale": string}.`

type classifyOut struct {
	Persona    string  `json:"persona"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

func (st *Stages) Classify(ctx context.Context, s State) (Delta, error) {
	out, err := callStage[classifyOut](ctx, st.LLM, "classify", classifyPrompt, map[string]any{
		"question": s.Question,
		"sources":  s.Sources,
	})
	if err != nil && !errors.Is(err, llmclient.ErrInvalidJSON) {
		return Delta{}, err
	}
	// Malformed classification routes to the general persona instead of
	// failing the run.
	c := Classification{Persona: PersonaGeneral}
	if err == nil {
		c = Classification{
			Persona:    ParsePersona(out.Persona),
			Confidence: out.Confidence,
			Rationale:  out.Rationale,
		}
	}
	return Delta{Classification: &c, CompletedStep: "classify"}, nil
}

// ---- structure ----

const structurePrompt = `Plan the outline of an analytical document answering
the question, in the given persona's voice. Return JSON:
{"sections": [{"heading": string, "points": [string]}]}.`

func (st *Stages) Structure(ctx context.Context, s State) (Delta, error) {
	out, err := callStage[Structure](ctx, st.LLM, "structure", structurePrompt, map[string]any{
		"question": s.Question,
		"persona":  s.Classification.Persona.Voice(),
		"sources":  s.Sources,
	})
	if err != nil {
		return Delta{}, err
	}
	if len(out.Sections) == 0 {
		return Delta{}, fmt.Errorf("stage structure: %w: empty outline", llmclient.ErrInvalidJSON)
	}
	return Delta{Structure: &out, CompletedStep: "structure"}, nil
}

// ---- narrate ----

const narratePrompt = `Write the narrative of an analytical document answering
the question, in the given persona's voice, grounded on the sources.
Return JSON: {"narrative": string}.`

type narrativeOut struct {
	Narrative string `json:"narrative"`
}

func (st *Stages) Narrate(ctx context.Context, s State) (Delta, error) {
	out, err := callStage[narrativeOut](ctx, st.LLM, "narrate", narratePrompt, map[string]any{
		"question": s.Question,
		"persona":  s.Classification.Persona.Voice(),
		"sources":  s.Sources,
	})
	if err != nil {
		return Delta{}, err
	}
	return Delta{Narrative: &out.Narrative, CompletedStep: "narrate"}, nil
}

// ---- reconcile ----

const reconcilePrompt = `Align the narrative to the planned outline: reorder
and adjust prose so every planned section is covered, without inventing new
claims. Return JSON: {"reconciled": string, "adjustments": [string]}.`

type reconcileOut struct {
	Reconciled  string   `json:"reconciled"`
	Adjustments []string `json:"adjustments"`
}

func (st *Stages) Reconcile(ctx context.Context, s State) (Delta, error) {
	out, err := callStage[reconcileOut](ctx, st.LLM, "reconcile", reconcilePrompt, map[string]any{
		"structure": s.Structure,
		"narrative": s.Narrative,
	})
	if err != nil {
		return Delta{}, err
	}
	return Delta{Reconciled: &out.Reconciled, CompletedStep: "reconcile"}, nil
}

// ---- summarize ----

const summarizePrompt = `Summarize the document for a %s reading level.
Return JSON: {"summary": string}.`

type summaryOut struct {
	Summary string `json:"summary"`
}

// Summarize returns the stage function for one reading level. Each branch
// writes a distinct Summaries key, which is what makes the fan-out merge
// commutative.
func (st *Stages) Summarize(level string) func(ctx context.Context, s State) (Delta, error) {
	return func(ctx context.Context, s State) (Delta, error) {
		stage := "summarize:" + level
		prompt := fmt.Sprintf(summarizePrompt, level)
		out, err := callStage[summaryOut](ctx, st.LLM, stage, prompt, map[string]any{
			"document": s.Reconciled,
		})
		if err != nil {
			return Delta{}, err
		}
		return Delta{
			Summaries:     map[string]string{level: out.Summary},
			CompletedStep: stage,
		}, nil
	}
}

// ---- refine ----

const refinePrompt = `The document scored below target. Regenerate ONLY the
narrative, addressing the listed issues in order (highest priority first)
while keeping the persona's voice and the planned outline.
Return JSON: {"narrative": string}.`

const maxIssuesPerRefinement = 5

func (st *Stages) Refine(ctx context.Context, s State) (Delta, error) {
	issues := s.Consensus.AggregatedCritique
	if len(issues) > maxIssuesPerRefinement {
		issues = issues[:maxIssuesPerRefinement]
	}
	addressed := make([]string, 0, len(issues))
	for _, issue := range issues {
		addressed = append(addressed, issue.Description)
	}

	out, err := callStage[narrativeOut](ctx, st.LLM, "refine", refinePrompt, map[string]any{
		"question":  s.Question,
		"persona":   s.Classification.Persona.Voice(),
		"structure": s.Structure,
		"narrative": s.Reconciled,
		"issues":    issues,
	})
	if err != nil {
		return Delta{}, err
	}
	attempt := RefinementAttempt{
		AttemptNumber:   s.RefinementAttempts + 1,
		ScoreBefore:     s.Consensus.Score.Overall,
		IssuesAddressed: addressed,
		Timestamp:       time.Now().UTC(),
	}
	return Delta{
		Narrative:           &out.Narrative,
		Reconciled:          &out.Narrative,
		RefinementIncrement: 1,
		RefinementAttempt:   &attempt,
		CompletedStep:       fmt.Sprintf("refine:%d", attempt.AttemptNumber),
	}, nil
}

// ---- score ----

// Score runs the full consensus protocol over the rendered document.
// Refinement re-enters here, so every attempt gets a fresh pass, never a
// cached comparison.
func (st *Stages) Score(panel *consensus.Panel) func(ctx context.Context, s State) (Delta, error) {
	return func(ctx context.Context, s State) (Delta, error) {
		res, err := panel.Score(ctx, RenderDocument(s), s.Sources)
		if err != nil {
			return Delta{}, err
		}
		return Delta{Consensus: res, CompletedStep: "score"}, nil
	}
}

// RenderDocument assembles the judged (and published) document text from the
// accumulated state.
func RenderDocument(s State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", s.Question)
	if s.Structure != nil {
		for _, sec := range s.Structure.Sections {
			fmt.Fprintf(&b, "## %s\n", sec.Heading)
			for _, p := range sec.Points {
				fmt.Fprintf(&b, "- %s\n", p)
			}
			b.WriteString("\n")
		}
	}
	body := s.Reconciled
	if body == "" {
		body = s.Narrative
	}
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n")
	}
	if len(s.Summaries) > 0 {
		levels := make([]string, 0, len(s.Summaries))
		for level := range s.Summaries {
			levels = append(levels, level)
		}
		sort.Strings(levels)
		b.WriteString("\n## Summaries\n")
		for _, level := range levels {
			fmt.Fprintf(&b, "\n### %s\n%s\n", level, s.Summaries[level])
		}
	}
	return b.String()
}
