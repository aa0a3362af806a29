// Package main implements the loreweaver API server: the HTTP surface
// that accepts new works, exposes the command surface of spec §6.4, and
// streams pipeline lifecycle events to subscribers over SSE.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loreweaver-ai/loreweaver/engine/domain"
	"github.com/loreweaver-ai/loreweaver/engine/events"
	"github.com/loreweaver-ai/loreweaver/engine/gateway"
	"github.com/loreweaver-ai/loreweaver/engine/graph"
	"github.com/loreweaver-ai/loreweaver/engine/ingest"
	"github.com/loreweaver-ai/loreweaver/engine/orchestrator"
	"github.com/loreweaver-ai/loreweaver/engine/stages"
	"github.com/loreweaver-ai/loreweaver/engine/vector"
	"github.com/loreweaver-ai/loreweaver/pkg/broker"
	"github.com/loreweaver-ai/loreweaver/pkg/metrics"
	"github.com/loreweaver-ai/loreweaver/pkg/mid"
	"github.com/loreweaver-ai/loreweaver/pkg/resilience"
	"github.com/loreweaver-ai/loreweaver/pkg/store"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Config holds all environment-based configuration.
type Config struct {
	Port           string
	NatsURL        string
	Neo4jURL       string
	Neo4jUser      string
	Neo4jPass      string
	GatewayURL     string
	GatewayModel   string
	VectorBackend  string
	QdrantURL      string
	Collection     string
	EmbeddingDims  int
	CORSOrigin     string
	BreakerFails   int
	BreakerTimeout time.Duration
	LimiterRate    float64
	LimiterBurst   int
}

func loadConfig() Config {
	return Config{
		Port:           envOr("PORT", "8080"),
		NatsURL:        envOr("NATS_URL", "nats://localhost:4222"),
		Neo4jURL:       envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:      envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:      envOr("NEO4J_PASS", "password"),
		GatewayURL:     envOr("GATEWAY_URL", "http://localhost:11434"),
		GatewayModel:   envOr("GATEWAY_MODEL", "llama3"),
		VectorBackend:  envOr("VECTOR_BACKEND", "linear"),
		QdrantURL:      envOr("QDRANT_URL", "localhost:6334"),
		Collection:     envOr("QDRANT_COLLECTION", "loreweaver"),
		EmbeddingDims:  envOrInt("EMBEDDING_DIMS", 768),
		CORSOrigin:     envOr("CORS_ORIGIN", "*"),
		BreakerFails:   envOrInt("GATEWAY_BREAKER_FAILS", 5),
		BreakerTimeout: envOrDuration("GATEWAY_BREAKER_TIMEOUT", 30*time.Second),
		LimiterRate:    envOrFloat("GATEWAY_RATE_LIMIT", 5),
		LimiterBurst:   envOrInt("GATEWAY_RATE_BURST", 10),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func envOrFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
		return fallback
	}
	return f
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	neo4jDriver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer neo4jDriver.Close(ctx)

	docStore := store.New(neo4jDriver)
	graphStore := graph.New(neo4jDriver)

	vectorIndex, closeVector, err := newVectorIndex(ctx, cfg)
	if err != nil {
		return fmt.Errorf("vector index: %w", err)
	}
	if closeVector != nil {
		defer closeVector()
	}

	nb, err := broker.Connect(ctx, cfg.NatsURL, logger)
	if err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	defer nb.Close()

	limiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.LimiterRate, Burst: cfg.LimiterBurst})
	breaker := resilience.NewBreaker(resilience.BreakerOpts{
		FailThreshold: cfg.BreakerFails,
		Timeout:       cfg.BreakerTimeout,
		HalfOpenMax:   1,
	})
	gatewayClient := gateway.NewResilient(gateway.NewHTTPClient(cfg.GatewayURL, cfg.GatewayModel), limiter, breaker)

	deps := &stages.Deps{
		Store:   docStore,
		Publish: nb,
		Vector:  vectorIndex,
		Graph:   graphStore,
		Gateway: gatewayClient,
		Logger:  logger,
	}

	hub := events.New()
	orch := orchestrator.New(nb, deps, hub, logger)

	go func() {
		if err := nb.SubscribeEvents(ctx, hub.Publish); err != nil && ctx.Err() == nil {
			logger.Error("events subscription ended", "err", err)
		}
	}()

	registry := metrics.New()
	ingestDeps := ingest.Deps{Store: docStore, Publish: nb, Logger: logger}

	a := &api{
		store:   docStore,
		vector:  vectorIndex,
		graph:   graphStore,
		orch:    orch,
		ingest:  ingestDeps,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("GET /api/metrics", registry.Handler().ServeHTTP)
	mux.HandleFunc("POST /api/works", a.handleCreateWork)
	mux.HandleFunc("GET /api/works/{id}", a.handleGetWork)
	mux.HandleFunc("DELETE /api/works/{id}", a.handleDeleteWork)
	mux.HandleFunc("GET /api/works/{id}/chapters", a.handleListChapters)
	mux.HandleFunc("GET /api/works/{id}/analysis", a.handleGetAnalysis)
	mux.HandleFunc("GET /api/works/{id}/events", a.handleWorkEvents)
	mux.HandleFunc("POST /api/works/{id}/regenerate", a.handleRegenerateWork)
	mux.HandleFunc("POST /api/works/{id}/regenerate-analysis", a.handleRegenerateAnalysis)
	mux.HandleFunc("POST /api/chapters/{id}/generate", a.handleGenerate)
	mux.HandleFunc("POST /api/chapters/{id}/skip", a.handleSkip)
	mux.HandleFunc("POST /api/folders/organize", a.handleOrganizeFolders)
	mux.HandleFunc("GET /api/notes", a.handleListNotes)
	mux.HandleFunc("GET /api/folders", a.handleListFolders)

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-lived SSE connections
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// newVectorIndex builds the configured vector.Index backend, returning an
// optional close func for backends that own a connection.
func newVectorIndex(ctx context.Context, cfg Config) (vector.Index, func(), error) {
	if cfg.VectorBackend == "qdrant" {
		idx, err := vector.NewQdrantIndex(ctx, cfg.QdrantURL, cfg.Collection, cfg.EmbeddingDims)
		if err != nil {
			return nil, nil, err
		}
		return idx, func() { idx.Close() }, nil
	}
	return vector.NewLinearIndex(), nil, nil
}

// api bundles the collaborators every HTTP handler needs. Handlers are
// its methods rather than free functions closed over deps, since the
// surface is large enough that a receiver reads better than a dozen
// constructor-closures (the teacher's handleX(deps...) shape works for
// its 5 handlers; this server has three times that). Collaborators are
// narrow local interfaces, not concrete types, so handler tests can
// substitute fakes the same way engine/stages does.
type api struct {
	store  apiStore
	vector vector.Index
	graph  stages.GraphStore
	orch   apiOrchestrator
	ingest ingest.Deps
	logger *slog.Logger
}

// apiStore extends engine/stages.Store with the work-deletion operation
// only the API surface needs (stage handlers never delete a work).
type apiStore interface {
	stages.Store
	DeleteWork(ctx context.Context, id string) ([]string, error)
}

// apiOrchestrator is the subset of engine/orchestrator.Orchestrator the
// API surface drives: Enqueue and Subscribe, per spec §6.4's statement
// that the orchestrator itself exposes only those two operations.
type apiOrchestrator interface {
	Enqueue(ctx context.Context, job domain.Job) error
	Subscribe(workID string) (<-chan domain.Event, func())
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// createWorkRequest is the JSON body for POST /api/works.
type createWorkRequest struct {
	Title      string          `json:"title"`
	Kind       domain.WorkKind `json:"kind"`
	SourceKind domain.SourceKind `json:"sourceKind"`
	Text       string          `json:"text"`
}

func (a *api) handleCreateWork(w http.ResponseWriter, r *http.Request) {
	var req createWorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result := ingest.Run(a.ingest)(r.Context(), ingest.Submission{
		Title: req.Title, Kind: req.Kind, SourceKind: req.SourceKind, Text: req.Text,
	})
	work, err := result.Unwrap()
	if err != nil {
		a.logger.Error("create work failed", "err", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, work)
}

func (a *api) handleGetWork(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	work, err := a.store.GetWork(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if work == nil {
		writeError(w, http.StatusNotFound, "work not found")
		return
	}
	writeJSON(w, http.StatusOK, work)
}

func (a *api) handleDeleteWork(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	noteIDs, err := a.store.DeleteWork(ctx, id)
	if err != nil {
		a.logger.Error("delete work failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := a.graph.DeleteNotesCascade(ctx, noteIDs); err != nil {
		a.logger.Warn("delete work: graph prune failed", "err", err)
	}
	for _, id := range noteIDs {
		if err := a.vector.Delete(ctx, id); err != nil {
			a.logger.Warn("delete work: vector prune failed", "err", err, "note_id", id)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleListChapters(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	chapters, err := a.store.ListChaptersByWork(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, chapters)
}

func (a *api) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	analysis, err := a.store.GetAnalysis(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if analysis == nil {
		writeError(w, http.StatusNotFound, "analysis not ready")
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// handleWorkEvents streams a work's lifecycle events over SSE (spec §4.6).
func (a *api) handleWorkEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel := a.orch.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	bw := bufio.NewWriter(w)
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(bw, "data: %s\n\n", data)
			bw.Flush()
			flusher.Flush()
		}
	}
}

// generateRequest is the JSON body for the generate/skip chapter commands.
type generateRequest struct {
	Stage domain.Stage `json:"stage"`
}

var chapterStages = map[domain.Stage]bool{
	domain.StageOverview: true,
	domain.StageAnalysis: true,
	domain.StageNotes:    true,
}

func chapterStatusField(stage domain.Stage) string {
	switch stage {
	case domain.StageOverview:
		return "overviewStatus"
	case domain.StageAnalysis:
		return "analysisStatus"
	case domain.StageNotes:
		return "notesStatus"
	default:
		return ""
	}
}

// handleGenerate implements Generate(chapterId, stage) from spec §6.4.
func (a *api) handleGenerate(w http.ResponseWriter, r *http.Request) {
	chapterID := r.PathValue("id")
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !chapterStages[req.Stage] {
		writeError(w, http.StatusBadRequest, "invalid or missing stage")
		return
	}

	ctx := r.Context()
	chapter, err := a.store.GetChapter(ctx, chapterID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if chapter == nil {
		writeError(w, http.StatusNotFound, "chapter not found")
		return
	}

	patch := map[string]any{chapterStatusField(req.Stage): string(domain.StageProcessing)}
	updated, err := a.store.UpdateChapter(ctx, chapterID, patch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := a.orch.Enqueue(ctx, domain.Job{Type: req.Stage, WorkID: chapter.WorkID, ChapterID: chapterID}); err != nil {
		writeError(w, http.StatusServiceUnavailable, "broker unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, updated)
}

// handleSkip implements Skip(chapterId, stage) from spec §6.4.
func (a *api) handleSkip(w http.ResponseWriter, r *http.Request) {
	chapterID := r.PathValue("id")
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !chapterStages[req.Stage] {
		writeError(w, http.StatusBadRequest, "invalid or missing stage")
		return
	}

	patch := map[string]any{chapterStatusField(req.Stage): string(domain.StageSkipped)}
	updated, err := a.store.UpdateChapter(r.Context(), chapterID, patch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if updated == nil {
		writeError(w, http.StatusNotFound, "chapter not found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleRegenerateWork implements RegenerateWork(workId) from spec §6.4.
func (a *api) handleRegenerateWork(w http.ResponseWriter, r *http.Request) {
	workID := r.PathValue("id")
	ctx := r.Context()

	chapters, err := a.store.ListChaptersByWork(ctx, workID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resetPatch := map[string]any{
		"overviewStatus": string(domain.StagePending),
		"analysisStatus": string(domain.StagePending),
		"notesStatus":    string(domain.StagePending),
	}
	for _, c := range chapters {
		if _, err := a.store.UpdateChapter(ctx, c.ID, resetPatch); err != nil {
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if err := a.orch.Enqueue(ctx, domain.Job{Type: domain.StageOverview, WorkID: workID, ChapterID: c.ID}); err != nil {
			writeError(w, http.StatusServiceUnavailable, "broker unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleRegenerateAnalysis implements RegenerateAnalysis(workId) from spec §6.4.
func (a *api) handleRegenerateAnalysis(w http.ResponseWriter, r *http.Request) {
	workID := r.PathValue("id")
	job := domain.Job{Type: domain.StageBookAnalysis, WorkID: workID, Payload: map[string]any{"force": true}}
	if err := a.orch.Enqueue(r.Context(), job); err != nil {
		writeError(w, http.StatusServiceUnavailable, "broker unavailable")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleOrganizeFolders implements OrganizeFolders() from spec §6.4.
func (a *api) handleOrganizeFolders(w http.ResponseWriter, r *http.Request) {
	if err := a.orch.Enqueue(r.Context(), domain.Job{Type: domain.StageFolderOrganize}); err != nil {
		writeError(w, http.StatusServiceUnavailable, "broker unavailable")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) handleListNotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := parseIntOr(q.Get("page"), 0)
	limit := parseIntOr(q.Get("limit"), 20)

	notes, total, err := a.store.ListNotes(r.Context(), page*limit, limit, q.Get("search"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": notes, "total": total})
}

func (a *api) handleListFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := a.store.GetFolders(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, folders)
}

func parseIntOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return fallback
	}
	return n
}
