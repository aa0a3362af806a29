// Package stages implements the five stage handlers (spec §4.2–§4.7):
// overview, analysis, notes, book-analysis, folder-organize. Each handler
// is a function over a shared Deps bundle, mirroring the teacher's
// engine/ingest.Deps pattern of one struct of collaborators threaded
// through free functions rather than a fat service object.
package stages

import (
	"context"
	"log/slog"

	"github.com/loreweaver-ai/loreweaver/engine/domain"
	"github.com/loreweaver-ai/loreweaver/engine/gateway"
	"github.com/loreweaver-ai/loreweaver/engine/vector"
)

// Store is the subset of pkg/store.DocStore every stage handler needs.
// Declared locally (rather than depending on the concrete type) so tests
// can substitute an in-memory fake, per spec §8's fakes-for-collaborators
// testing approach.
type Store interface {
	GetWork(ctx context.Context, id string) (*domain.Work, error)
	SaveWork(ctx context.Context, w domain.Work) error
	GetChapter(ctx context.Context, id string) (*domain.Chapter, error)
	SaveChapter(ctx context.Context, c domain.Chapter) error
	ListChaptersByWork(ctx context.Context, workID string) ([]domain.Chapter, error)
	UpdateChapter(ctx context.Context, id string, patch map[string]any) (*domain.Chapter, error)
	GetSummary(ctx context.Context, id string) (*domain.Summary, error)
	SaveSummary(ctx context.Context, s domain.Summary) error
	GetNote(ctx context.Context, id string) (*domain.Note, error)
	SaveNote(ctx context.Context, n domain.Note) error
	DeleteNotesByChapter(ctx context.Context, workID, chapterID string) ([]string, error)
	ListNotes(ctx context.Context, offset, limit int, search string) ([]domain.Note, int, error)
	ListAllNotes(ctx context.Context) ([]domain.Note, error)
	GetAnalysis(ctx context.Context, workID string) (*domain.Analysis, error)
	SaveAnalysis(ctx context.Context, a domain.Analysis) error
	GetFolders(ctx context.Context) ([]domain.Folder, error)
	SaveFolders(ctx context.Context, folders []domain.Folder) error
}

// Publisher is the subset of pkg/broker.Broker stage handlers need to
// enqueue successor jobs and publish lifecycle events.
type Publisher interface {
	PublishJob(ctx context.Context, job domain.Job) error
	PublishEvent(ctx context.Context, ev domain.Event) error
}

// GraphStore is the subset of engine/graph.Store stage handlers need.
type GraphStore interface {
	UpsertNode(ctx context.Context, n domain.GraphNode) error
	AddEdge(ctx context.Context, e domain.GraphEdge) error
	DeleteNotesCascade(ctx context.Context, noteIDs []string) error
}

// Deps bundles every external collaborator a stage handler calls.
type Deps struct {
	Store   Store
	Publish Publisher
	Vector  vector.Index
	Graph   GraphStore
	Gateway gateway.Client
	Logger  *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// statusFieldForStage returns the Chapter JSON field a stage owns, or ""
// for stages that are not chapter-scoped (book_analysis, folder_organize).
func statusFieldForStage(stage domain.Stage) string {
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

// fail records a stage failure durably (chapter.<stage>Status = failed,
// lastError = message, per spec §7) and then publishes the failed/error
// events, collapsing spec §4.2–§4.7's repeated "record failed; publish;
// don't enqueue successor" language into one helper. Stage handlers call
// it themselves for every failure they record (unmet preconditions,
// malformed-JSON exhaustion, model and store errors); the orchestrator
// records nothing, it only logs the returned error and acks the job.
func (d *Deps) fail(ctx context.Context, stage domain.Stage, workID, chapterID string, cause error) {
	log := d.logger()
	log.Error("stage failed", "stage", stage, "work_id", workID, "chapter_id", chapterID, "error", cause)

	if field := statusFieldForStage(stage); field != "" && chapterID != "" {
		patch := map[string]any{field: string(domain.StageFailed), "lastError": cause.Error()}
		if _, err := d.Store.UpdateChapter(ctx, chapterID, patch); err != nil {
			log.Warn("persist stage failure", "error", err)
		}
	}

	if err := d.Publish.PublishEvent(ctx, domain.Event{
		Type:      domain.EventStageStatus,
		WorkID:    workID,
		ChapterID: chapterID,
		Stage:     stage,
		Status:    domain.StageFailed,
	}); err != nil {
		log.Warn("publish stageStatus:failed event", "error", err)
	}
	if err := d.Publish.PublishEvent(ctx, domain.Event{
		Type:      domain.EventError,
		WorkID:    workID,
		ChapterID: chapterID,
		Stage:     stage,
		Message:   cause.Error(),
	}); err != nil {
		log.Warn("publish error event", "error", err)
	}
}
