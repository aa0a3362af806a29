package stages

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/loreweaver-ai/loreweaver/engine/domain"
)

// Overview implements the overview handler (spec §4.2). It performs its
// own cancellation checks (re-reading the chapter before and after the AI
// call) and records its own failures; the orchestrator only dispatches
// the job and acks it. This function owns the stage-specific state
// transitions and the AI call.
func Overview(ctx context.Context, d *Deps, workID, chapterID string) error {
	chapter, err := d.Store.GetChapter(ctx, chapterID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	}
	if chapter == nil {
		return domain.ErrEntityMissing
	}
	if chapter.OverviewStatus == domain.StageCompleted {
		return nil // idempotent short-circuit, spec §4.2
	}

	work, err := d.Store.GetWork(ctx, workID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	}
	if work == nil {
		return domain.ErrEntityMissing
	}

	if _, err := d.Store.UpdateChapter(ctx, chapterID, map[string]any{"overviewStatus": string(domain.StageProcessing)}); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	}
	if err := d.Publish.PublishEvent(ctx, domain.Event{
		Type: domain.EventStageStatus, WorkID: workID, ChapterID: chapterID,
		Stage: domain.StageOverview, Status: domain.StageProcessing,
	}); err != nil {
		d.logger().Warn("publish stageStatus:processing", "error", err)
	}

	onToken := func(chapterID, token string) {
		if err := d.Publish.PublishEvent(ctx, domain.Event{
			Type: domain.EventOverviewStream, WorkID: workID, ChapterID: chapterID, Content: token,
		}); err != nil {
			d.logger().Warn("publish overviewStream", "error", err)
		}
	}
	overview, err := d.Gateway.GenerateOverview(ctx, chapter.RawText, work.Kind, chapterID, onToken)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", domain.ErrModelError, err)
		d.fail(ctx, domain.StageOverview, workID, chapterID, wrapped)
		return wrapped
	}

	// Post-execution cancellation check (spec §4.1: "delete = cancel").
	if again, err := d.Store.GetChapter(ctx, chapterID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	} else if again == nil {
		return domain.ErrEntityMissing
	}

	summaryID := chapter.SummaryRef
	var summary domain.Summary
	if summaryID != "" {
		if existing, err := d.Store.GetSummary(ctx, summaryID); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
		} else if existing != nil {
			summary = *existing
		}
	}
	if summaryID == "" {
		summaryID = uuid.NewString()
		summary.ID = summaryID
		summary.ChapterID = chapterID
	}
	summary.Overview = overview
	if err := d.Store.SaveSummary(ctx, summary); err != nil {
		wrapped := fmt.Errorf("%w: %v", domain.ErrStoreError, err)
		d.fail(ctx, domain.StageOverview, workID, chapterID, wrapped)
		return wrapped
	}

	if _, err := d.Store.UpdateChapter(ctx, chapterID, map[string]any{
		"summaryRef":     summaryID,
		"overviewStatus": string(domain.StageCompleted),
	}); err != nil {
		wrapped := fmt.Errorf("%w: %v", domain.ErrStoreError, err)
		d.fail(ctx, domain.StageOverview, workID, chapterID, wrapped)
		return wrapped
	}

	if err := d.Publish.PublishEvent(ctx, domain.Event{
		Type: domain.EventStageStatus, WorkID: workID, ChapterID: chapterID,
		Stage: domain.StageOverview, Status: domain.StageCompleted,
	}); err != nil {
		d.logger().Warn("publish stageStatus:completed", "error", err)
	}
	if err := d.Publish.PublishJob(ctx, domain.Job{Type: domain.StageAnalysis, WorkID: workID, ChapterID: chapterID}); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	return nil
}
