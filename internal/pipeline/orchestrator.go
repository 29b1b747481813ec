package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"clarion/internal/consensus"
	"clarion/internal/graph"
	"clarion/internal/llmclient"
	"clarion/internal/runlog"
	"clarion/internal/store"
	"clarion/internal/stream"
)

// Config bounds the refinement loop and shapes the panel.
type Config struct {
	// TargetScore is the quality bar on the 0-10 scale. Defaults to 8.0.
	TargetScore float64
	// MaxRefinements bounds the refinement loop. Defaults to 2.
	MaxRefinements int
	// EvaluatorRoles overrides the default panel. Must stay odd.
	EvaluatorRoles []string
	// SpreadThreshold overrides the disagreement threshold.
	SpreadThreshold float64
}

func (c Config) targetScore() float64 {
	if c.TargetScore > 0 {
		return c.TargetScore
	}
	return 8.0
}

func (c Config) maxRefinements() int {
	if c.MaxRefinements > 0 {
		return c.MaxRefinements
	}
	return 2
}

// Outcome is the three-way run result, plus a distinct canceled state so a
// replaced run is never mistaken for a quality failure.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeQualityWarning Outcome = "success-with-quality-warning"
	OutcomeFailure        Outcome = "failure"
	OutcomeCanceled       Outcome = "canceled"
)

// Result is what one pipeline run resolves to. On failure the partial state
// explains which stage broke and why; on a quality warning the document is
// still returned with the shortfall spelled out.
type Result struct {
	RunID          string  `json:"run_id"`
	Outcome        Outcome `json:"outcome"`
	State          State   `json:"state"`
	Document       string  `json:"document,omitempty"`
	QualityWarning bool    `json:"quality_warning"`
	QualityReason  string  `json:"quality_reason,omitempty"`
	Err            error   `json:"-"`
}

// Orchestrator owns one pipeline wiring. Store, Log and Events are optional
// collaborators; a nil value is tolerated everywhere.
type Orchestrator struct {
	LLM    llmclient.LLMClient
	Store  store.DocumentStore
	Log    *runlog.Logger
	Events *stream.Events
	Config Config
}

const (
	stageResearch  = "research"
	stageClassify  = "classify"
	stageStructure = "structure"
	stageNarrate   = "narrate"
	stageReconcile = "reconcile"
	stageScore     = "score"
	stageRefine    = "refine"
)

func summaryStage(level string) string { return "summarize:" + level }

// compile wires the stage graph:
//
//	research -> classify -> {structure, narrate} -> reconcile
//	         -> summarize:{elementary,secondary,undergraduate,expert} -> score
//	score -(conditional)-> refine -(conditional)-> score | end
func (o *Orchestrator) compile() (*graph.Runnable[State, Delta], error) {
	st := &Stages{LLM: o.LLM}
	panel := &consensus.Panel{
		LLM:       o.LLM,
		Roles:     o.Config.EvaluatorRoles,
		Threshold: o.Config.SpreadThreshold,
	}
	target := o.Config.targetScore()
	maxAttempts := o.Config.maxRefinements()

	g := graph.New(Apply).
		AddStage(stageResearch, st.Research).
		AddStage(stageClassify, o.classifyWithCheckpoint(st)).
		AddStage(stageStructure, st.Structure).
		AddStage(stageNarrate, st.Narrate).
		AddStage(stageReconcile, st.Reconcile).
		AddStage(stageScore, st.Score(panel)).
		AddStage(stageRefine, st.Refine).
		SetEntry(stageResearch).
		AddEdge(stageResearch, stageClassify).
		AddEdge(stageClassify, stageStructure).
		AddEdge(stageClassify, stageNarrate).
		AddEdge(stageStructure, stageReconcile).
		AddEdge(stageNarrate, stageReconcile)

	for _, level := range ReadingLevels {
		name := summaryStage(level)
		g.AddStage(name, st.Summarize(level))
		g.AddEdge(stageReconcile, name)
		g.AddEdge(name, stageScore)
	}

	// The loop bound lives in the state itself: the router can only send
	// the run back while the attempt counter is under budget.
	g.AddConditionalEdge(stageScore, func(s State) string {
		if s.Consensus == nil {
			return graph.End
		}
		if s.Consensus.Score.Overall < target && s.RefinementAttempts < maxAttempts {
			return stageRefine
		}
		return graph.End
	}, stageRefine)
	g.AddConditionalEdge(stageRefine, func(State) string { return stageScore }, stageScore)

	return g.Compile()
}

// classifyWithCheckpoint persists the routing decision as soon as it lands.
// A store failure is logged and ignored; persistence never fails the run.
func (o *Orchestrator) classifyWithCheckpoint(st *Stages) graph.StageFunc[State, Delta] {
	return func(ctx context.Context, s State) (Delta, error) {
		d, err := st.Classify(ctx, s)
		if err == nil && o.Store != nil && d.Classification != nil {
			perr := o.Store.Put(ctx, s.DocumentID, store.DocumentUpdate{
				Question: store.Ptr(s.Question),
				Persona:  store.Ptr(string(d.Classification.Persona)),
			})
			if perr != nil {
				log.Printf("checkpoint after classify failed for %s: %v", s.DocumentID, perr)
			}
		}
		return d, err
	}
}

func (o *Orchestrator) hooks(runID string) *graph.Hooks {
	handles := make(map[string]*runlog.Handle)
	return &graph.Hooks{
		OnFrontier: func(active []string) {
			o.Events.StageChanged(active[0], active)
		},
		OnStageStart: func(stage string) {
			handles[stage] = o.Log.Start(runID, stage, nil)
			o.Events.AgentStarted(stage, stage)
		},
		OnStageDone: func(stage string, took time.Duration, err error) {
			if err != nil {
				handles[stage].Fail(err)
				o.Events.Error(fmt.Sprintf("%s: %v", stage, err))
				return
			}
			handles[stage].Complete(0)
			o.Events.AgentCompleted(stage, stage, took)
		},
	}
}

// Run executes one full pipeline for a question. The caller's context is the
// cancellation token: cancelling aborts in-flight generation calls and
// resolves the run to OutcomeCanceled with stage outputs discarded.
func (o *Orchestrator) Run(ctx context.Context, question string) Result {
	runID := uuid.NewString()
	res := Result{RunID: runID}

	runnable, err := o.compile()
	if err != nil {
		res.Outcome = OutcomeFailure
		res.Err = err
		return res
	}

	begin := time.Now()
	initial := State{Question: question, DocumentID: runID}
	final, err := runnable.Run(ctx, initial, o.hooks(runID))

	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		res.Outcome = OutcomeCanceled
		res.Err = err
		res.State = State{Question: question, DocumentID: runID}
	case err != nil:
		final.TerminalError = err.Error()
		res.Outcome = OutcomeFailure
		res.Err = err
		res.State = final
	default:
		res.State = final
		res.Document = RenderDocument(final)
		if final.Consensus != nil && final.Consensus.Score.Overall < o.Config.targetScore() {
			res.QualityWarning = true
			res.QualityReason = fmt.Sprintf(
				"refinement budget exhausted after %d attempts; final score %.1f is below target %.1f",
				final.RefinementAttempts, final.Consensus.Score.Overall, o.Config.targetScore(),
			)
			res.Outcome = OutcomeQualityWarning
		} else {
			res.Outcome = OutcomeSuccess
		}
	}

	// Final persistence still runs after cancellation; only the pipeline
	// itself honors the cancellation token.
	o.persistFinal(context.WithoutCancel(ctx), runID, &res, time.Since(begin))
	return res
}

// persistFinal is the end-of-run checkpoint. Best effort, like every other
// store interaction.
func (o *Orchestrator) persistFinal(ctx context.Context, runID string, res *Result, took time.Duration) {
	if o.Store == nil {
		return
	}
	if res.Outcome == OutcomeSuccess || res.Outcome == OutcomeQualityWarning {
		update := store.DocumentUpdate{
			Question:       store.Ptr(res.State.Question),
			Narrative:      store.Ptr(res.State.Reconciled),
			Summaries:      res.State.Summaries,
			QualityWarning: store.Ptr(res.QualityWarning),
		}
		if res.State.Consensus != nil {
			update.Score = store.Ptr(res.State.Consensus.Score.Overall)
		}
		if err := o.Store.Put(ctx, runID, update); err != nil {
			log.Printf("final checkpoint failed for %s: %v", runID, err)
		}
	}
	entry := store.LogEntry{
		RunID:      runID,
		Stage:      "run",
		Status:     string(res.Outcome),
		DurationMs: took.Milliseconds(),
	}
	if res.Err != nil {
		entry.Detail = res.Err.Error()
	}
	if err := o.Store.AppendExecutionLog(ctx, entry); err != nil {
		log.Printf("execution log append failed for %s: %v", runID, err)
	}
}
