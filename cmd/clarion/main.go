package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"clarion/internal/config"
	"clarion/internal/llm"
	"clarion/internal/llmclient"
	"clarion/internal/pipeline"
	"clarion/internal/runlog"
	"clarion/internal/store"
	"clarion/internal/stream"
)

func main() {
	question := flag.String("question", "", "question to generate a document for")
	model := flag.String("model", "", "model id (overrides CLARION_MODEL)")
	outDir := flag.String("out", "out", "output directory")
	watchAddr := flag.String("watch-addr", "", "optional address for the websocket run watcher, e.g. :8090")
	fake := flag.Bool("fake", false, "use the deterministic fake LLM (offline)")
	flag.Parse()
	if *question == "" {
		log.Fatal("-question is required")
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatal(err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if *model != "" {
		cfg.Model = *model
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var inner llmclient.LLMClient
	if *fake {
		inner = llm.NewFakeClient()
	} else {
		if cfg.APIKey == "" {
			log.Fatal("GEMINI_API_KEY is not set")
		}
		inner, err = llmclient.NewGeminiClient(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			log.Fatal(err)
		}
	}
	cli := llm.Wrap(inner,
		llm.WithLogging(nil),
		llm.Retry(cfg.LLMRetries, 300*time.Millisecond),
		llm.RateLimit(cfg.LLMRPS, cfg.LLMBurst),
	)
	defer cli.Close()

	var docStore store.DocumentStore = store.NewMemoryStore()
	if cfg.DocumentStoreDSN != "" {
		pg, err := store.NewPostgres(cfg.DocumentStoreDSN)
		if err != nil {
			log.Fatalf("document store: %v", err)
		}
		defer pg.Close()
		docStore = pg
	}

	orch := &pipeline.Orchestrator{
		LLM:   cli,
		Store: docStore,
		Log:   runlog.New(filepath.Join(*outDir, "run_logs")),
		Config: pipeline.Config{
			TargetScore:     cfg.TargetScore,
			MaxRefinements:  cfg.MaxRefinements,
			EvaluatorRoles:  cfg.PanelRoles,
			SpreadThreshold: cfg.DisagreementSpread,
		},
	}

	var broker *stream.Broker
	if *watchAddr != "" {
		broker = stream.NewBroker()
		ch := broker.Allocate("live", 64)
		orch.Events = stream.BrokerEvents(ch)
		mux := http.NewServeMux()
		mux.Handle("/watch", stream.WatchHandler(broker))
		go func() {
			log.Printf("run watcher on ws://%s/watch?run=live", *watchAddr)
			if err := http.ListenAndServe(*watchAddr, mux); err != nil {
				log.Printf("watcher stopped: %v", err)
			}
		}()
	}

	res := orch.Run(ctx, *question)
	if broker != nil {
		broker.ScheduleCleanup("live")
	}

	switch res.Outcome {
	case pipeline.OutcomeCanceled:
		log.Fatalf("run %s canceled: %v", res.RunID, res.Err)
	case pipeline.OutcomeFailure:
		writeJSON(*outDir, "state.json", res.State)
		log.Fatalf("run %s failed: %v", res.RunID, res.Err)
	}

	docPath := filepath.Join(*outDir, "document.md")
	if err := os.WriteFile(docPath, []byte(res.Document), 0o644); err != nil {
		log.Fatal(err)
	}
	writeJSON(*outDir, "consensus.json", res.State.Consensus)
	writeJSON(*outDir, "state.json", res.State)

	if cfg.Artifact.Enabled {
		artifacts, err := store.NewArtifactStore(store.ArtifactConfig{
			Endpoint:  cfg.Artifact.Endpoint,
			Region:    cfg.Artifact.Region,
			AccessKey: cfg.Artifact.AccessKey,
			SecretKey: cfg.Artifact.SecretKey,
			Bucket:    cfg.Artifact.Bucket,
			UseSSL:    cfg.Artifact.UseSSL,
		})
		if err != nil {
			log.Printf("artifact store unavailable: %v", err)
		} else if err := artifacts.PutDocument(ctx, res.RunID, "document.md", []byte(res.Document)); err != nil {
			log.Printf("artifact upload failed: %v", err)
		}
	}

	if res.QualityWarning {
		log.Printf("WARNING: %s", res.QualityReason)
	}
	score := 0.0
	if res.State.Consensus != nil {
		score = res.State.Consensus.Score.Overall
	}
	fmt.Printf("run %s: %s (score %.1f, %d refinement(s)) -> %s\n",
		res.RunID, res.Outcome, score, res.State.RefinementAttempts, docPath)
}

func writeJSON(dir, name string, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_ = os.WriteFile(filepath.Join(dir, name), b, 0o644)
}
