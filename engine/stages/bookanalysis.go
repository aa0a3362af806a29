package stages

import (
	"context"
	"fmt"

	"github.com/loreweaver-ai/loreweaver/engine/domain"
)

// BookAnalysis implements the book-analysis probe (spec §4.5). It is
// enqueued after every chapter's notes stage completes; most invocations
// find the work not yet fully done and return without side effects.
// force bypasses the all-chapters-done gate for an explicit re-run
// (spec §6.4 RegenerateAnalysis).
func BookAnalysis(ctx context.Context, d *Deps, workID string, force bool) error {
	work, err := d.Store.GetWork(ctx, workID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	}
	if work == nil {
		return domain.ErrEntityMissing
	}

	chapters, err := d.Store.ListChaptersByWork(ctx, workID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	}

	allDone := true
	for _, c := range chapters {
		if !c.Done() {
			allDone = false
			break
		}
	}
	if !allDone && !force {
		return nil // probe: not ready yet, no event, no state change
	}

	var summaries []domain.Summary
	for _, c := range chapters {
		if c.SummaryRef == "" {
			continue
		}
		s, err := d.Store.GetSummary(ctx, c.SummaryRef)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
		}
		if s != nil {
			summaries = append(summaries, *s)
		}
	}
	if len(summaries) == 0 {
		return nil // nothing to synthesize from yet
	}

	analysis, err := d.Gateway.GenerateOverallAnalysis(ctx, summaries, work.Kind)
	if err != nil {
		// Generator failure leaves the work in processing rather than
		// failing it outright: the probe can fire again on the next
		// chapter's notes completion, or on an explicit retry.
		d.logger().Error("book analysis generation failed", "work_id", workID, "error", err)
		return nil
	}
	analysis.WorkID = workID

	if again, err := d.Store.GetWork(ctx, workID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	} else if again == nil {
		return domain.ErrEntityMissing
	}

	if err := d.Store.SaveAnalysis(ctx, analysis); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	}
	work.OverallStatus = domain.OverallDone
	if err := d.Store.SaveWork(ctx, *work); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	}

	if err := d.Publish.PublishEvent(ctx, domain.Event{
		Type: domain.EventBookDone, WorkID: workID, Work: work,
	}); err != nil {
		d.logger().Warn("publish bookDone", "error", err)
	}
	return nil
}
