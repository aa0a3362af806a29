package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loreweaver-ai/loreweaver/engine/domain"
	"github.com/loreweaver-ai/loreweaver/pkg/fn"
)

// notesConcurrency bounds how many notes are embedded, linked, and
// persisted in parallel per chapter (spec §4.4).
const notesConcurrency = 8

// notesTopK is how many nearest neighbors a new note is checked against
// for candidate links before AI confirmation.
const notesTopK = 5

// linkConfidenceThreshold is the AI-reported confidence a candidate link
// must exceed to be attached to a note (spec §4.4).
const linkConfidenceThreshold = 0.5

// Notes implements the notes handler (spec §4.4).
func Notes(ctx context.Context, d *Deps, workID, chapterID string) error {
	chapter, err := d.Store.GetChapter(ctx, chapterID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	}
	if chapter == nil {
		return domain.ErrEntityMissing
	}
	if chapter.NotesStatus == domain.StageCompleted {
		return nil
	}
	summary, err := d.Store.GetSummary(ctx, chapter.SummaryRef)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	}
	if chapter.AnalysisStatus != domain.StageCompleted || summary == nil || !summary.HasStructuredContent() {
		err := fmt.Errorf("%w: analysis not done for chapter %s", domain.ErrPreconditionNotMet, chapterID)
		d.fail(ctx, domain.StageNotes, workID, chapterID, err)
		return err
	}

	if _, err := d.Store.UpdateChapter(ctx, chapterID, map[string]any{"notesStatus": string(domain.StageProcessing)}); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	}
	if err := d.Publish.PublishEvent(ctx, domain.Event{
		Type: domain.EventStageStatus, WorkID: workID, ChapterID: chapterID,
		Stage: domain.StageNotes, Status: domain.StageProcessing,
	}); err != nil {
		d.logger().Warn("publish stageStatus:processing", "error", err)
	}

	deletedIDs, err := d.Store.DeleteNotesByChapter(ctx, workID, chapterID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	}
	if len(deletedIDs) > 0 {
		if err := d.Graph.DeleteNotesCascade(ctx, deletedIDs); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
		}
		for _, id := range deletedIDs {
			if err := d.Vector.Delete(ctx, id); err != nil {
				d.logger().Warn("vector delete stale note", "note_id", id, "error", err)
			}
		}
	}

	drafts, err := d.Gateway.GenerateAtomicNotes(ctx, *summary)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", domain.ErrModelError, err)
		d.fail(ctx, domain.StageNotes, workID, chapterID, wrapped)
		return wrapped
	}

	results := fn.ParMapResult(drafts, notesConcurrency, func(draft domain.Note) fn.Result[domain.Note] {
		return processNote(ctx, d, workID, chapterID, draft)
	})
	for _, r := range results {
		if _, err := r.Unwrap(); err != nil {
			wrapped := fmt.Errorf("%w: %v", domain.ErrStoreError, err)
			d.fail(ctx, domain.StageNotes, workID, chapterID, wrapped)
			return wrapped
		}
	}

	if again, err := d.Store.GetChapter(ctx, chapterID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	} else if again == nil {
		return domain.ErrEntityMissing
	}

	if _, err := d.Store.UpdateChapter(ctx, chapterID, map[string]any{"notesStatus": string(domain.StageCompleted)}); err != nil {
		wrapped := fmt.Errorf("%w: %v", domain.ErrStoreError, err)
		d.fail(ctx, domain.StageNotes, workID, chapterID, wrapped)
		return wrapped
	}
	if err := d.Publish.PublishEvent(ctx, domain.Event{
		Type: domain.EventChapterFinalized, WorkID: workID, ChapterID: chapterID,
	}); err != nil {
		d.logger().Warn("publish chapterFinalized", "error", err)
	}
	if err := d.Publish.PublishEvent(ctx, domain.Event{
		Type: domain.EventStageStatus, WorkID: workID, ChapterID: chapterID,
		Stage: domain.StageNotes, Status: domain.StageCompleted,
	}); err != nil {
		d.logger().Warn("publish stageStatus:completed", "error", err)
	}
	if err := d.Publish.PublishJob(ctx, domain.Job{Type: domain.StageBookAnalysis, WorkID: workID}); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

// processNote embeds a single note, finds AI-confirmed candidate links
// among its nearest neighbors, and persists the note, its embedding, and
// its graph node/edges. Run concurrently across a chapter's drafted notes.
func processNote(ctx context.Context, d *Deps, workID, chapterID string, draft domain.Note) fn.Result[domain.Note] {
	note := draft
	note.ID = uuid.NewString()
	note.Source = domain.NoteSource{WorkID: workID, ChapterID: chapterID}
	note.CreatedAt = time.Now()

	embedding, err := d.Gateway.Embed(ctx, note.Title+"\n"+note.Content)
	if err != nil {
		return fn.Err[domain.Note](fmt.Errorf("%w: %v", domain.ErrEmbeddingError, err))
	}
	note.Embedding = embedding

	matches, err := d.Vector.TopK(ctx, embedding, notesTopK, note.ID)
	if err != nil {
		return fn.Err[domain.Note](err)
	}

	var links []domain.LinkSuggestion
	for _, m := range matches {
		other, err := d.Store.GetNote(ctx, m.NoteID)
		if err != nil || other == nil {
			continue
		}
		reason, confidence, err := d.Gateway.ExplainLinkRelationship(ctx, note, *other)
		if err != nil {
			continue
		}
		if confidence <= linkConfidenceThreshold {
			continue
		}
		links = append(links, domain.LinkSuggestion{NoteID: m.NoteID, Reason: reason, Confidence: confidence})
	}
	note.SuggestedLinks = links

	if err := d.Store.SaveNote(ctx, note); err != nil {
		return fn.Err[domain.Note](err)
	}
	if err := d.Vector.Upsert(ctx, note.ID, embedding); err != nil {
		return fn.Err[domain.Note](err)
	}
	if err := d.Graph.UpsertNode(ctx, domain.GraphNode{NoteID: note.ID, Title: note.Title, Tags: note.Tags, CreatedAt: note.CreatedAt}); err != nil {
		return fn.Err[domain.Note](err)
	}
	for _, link := range links {
		edge := domain.GraphEdge{
			From: note.ID, To: link.NoteID, Reason: link.Reason,
			CreatedBy: domain.CreatedByAI, Confidence: link.Confidence, Direction: domain.DirectBidirectional,
		}
		if err := d.Graph.AddEdge(ctx, edge); err != nil {
			return fn.Err[domain.Note](err)
		}
	}
	return fn.Ok(note)
}

