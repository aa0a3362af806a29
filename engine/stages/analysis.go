package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/loreweaver-ai/loreweaver/engine/domain"
)

// malformedRetryPause is how long Analysis waits between retries after the
// generator returns a structured summary with no mainIdea and no
// keyConcepts (spec §4.3: up to three attempts before failing the stage).
const malformedRetryPause = time.Second

// Analysis implements the analysis handler (spec §4.3).
func Analysis(ctx context.Context, d *Deps, workID, chapterID string) error {
	chapter, err := d.Store.GetChapter(ctx, chapterID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	}
	if chapter == nil {
		return domain.ErrEntityMissing
	}
	if chapter.AnalysisStatus == domain.StageCompleted {
		return nil
	}
	if chapter.OverviewStatus != domain.StageCompleted && chapter.OverviewStatus != domain.StageSkipped {
		err := fmt.Errorf("%w: overview not done for chapter %s", domain.ErrPreconditionNotMet, chapterID)
		d.fail(ctx, domain.StageAnalysis, workID, chapterID, err)
		return err
	}

	work, err := d.Store.GetWork(ctx, workID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	}
	if work == nil {
		return domain.ErrEntityMissing
	}

	if _, err := d.Store.UpdateChapter(ctx, chapterID, map[string]any{"analysisStatus": string(domain.StageProcessing)}); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	}
	if err := d.Publish.PublishEvent(ctx, domain.Event{
		Type: domain.EventStageStatus, WorkID: workID, ChapterID: chapterID,
		Stage: domain.StageAnalysis, Status: domain.StageProcessing,
	}); err != nil {
		d.logger().Warn("publish stageStatus:processing", "error", err)
	}

	var structured domain.Summary
	var genErr error
	for attempt := 1; attempt <= 3; attempt++ {
		structured, genErr = d.Gateway.GenerateStructuredSummary(ctx, chapter.RawText, work.Kind)
		if genErr != nil {
			break
		}
		if structured.HasStructuredContent() {
			break
		}
		if attempt < 3 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(malformedRetryPause):
			}
		}
	}
	if genErr != nil {
		wrapped := fmt.Errorf("%w: %v", domain.ErrModelError, genErr)
		d.fail(ctx, domain.StageAnalysis, workID, chapterID, wrapped)
		return wrapped
	}
	if !structured.HasStructuredContent() {
		wrapped := fmt.Errorf("%w: malformed structured summary after 3 attempts", domain.ErrModelError)
		d.fail(ctx, domain.StageAnalysis, workID, chapterID, wrapped)
		return wrapped
	}

	if again, err := d.Store.GetChapter(ctx, chapterID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	} else if again == nil {
		return domain.ErrEntityMissing
	}

	summary, err := d.Store.GetSummary(ctx, chapter.SummaryRef)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", domain.ErrStoreError, err)
		d.fail(ctx, domain.StageAnalysis, workID, chapterID, wrapped)
		return wrapped
	}
	if summary == nil {
		summary = &domain.Summary{ID: chapter.SummaryRef, ChapterID: chapterID}
	}
	summary.MainIdea = structured.MainIdea
	summary.KeyConcepts = structured.KeyConcepts
	summary.Examples = structured.Examples
	summary.MentalModels = structured.MentalModels
	summary.LifeLessons = structured.LifeLessons
	if err := d.Store.SaveSummary(ctx, *summary); err != nil {
		wrapped := fmt.Errorf("%w: %v", domain.ErrStoreError, err)
		d.fail(ctx, domain.StageAnalysis, workID, chapterID, wrapped)
		return wrapped
	}

	if _, err := d.Store.UpdateChapter(ctx, chapterID, map[string]any{"analysisStatus": string(domain.StageCompleted)}); err != nil {
		wrapped := fmt.Errorf("%w: %v", domain.ErrStoreError, err)
		d.fail(ctx, domain.StageAnalysis, workID, chapterID, wrapped)
		return wrapped
	}

	if err := d.Publish.PublishEvent(ctx, domain.Event{
		Type: domain.EventStageStatus, WorkID: workID, ChapterID: chapterID,
		Stage: domain.StageAnalysis, Status: domain.StageCompleted,
	}); err != nil {
		d.logger().Warn("publish stageStatus:completed", "error", err)
	}
	if err := d.Publish.PublishEvent(ctx, domain.Event{
		Type: domain.EventChapterDone, WorkID: workID, ChapterID: chapterID, Summary: summary,
	}); err != nil {
		d.logger().Warn("publish chapterDone", "error", err)
	}
	if err := d.Publish.PublishJob(ctx, domain.Job{Type: domain.StageNotes, WorkID: workID, ChapterID: chapterID}); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	return nil
}
