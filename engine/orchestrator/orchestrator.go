// Package orchestrator implements the job-pipeline orchestrator (spec
// §4.1): the consume loop that dispatches one job at a time to the
// matching stage handler, and the two calls the API process uses to
// drive it, Enqueue and Subscribe.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loreweaver-ai/loreweaver/engine/domain"
	"github.com/loreweaver-ai/loreweaver/engine/events"
	"github.com/loreweaver-ai/loreweaver/engine/stages"
)

// Broker is the subset of pkg/broker.Broker the orchestrator drives:
// publish for Enqueue, and a pull-consume loop for Run.
type Broker interface {
	PublishJob(ctx context.Context, job domain.Job) error
	PublishEvent(ctx context.Context, ev domain.Event) error
	Consume(ctx context.Context, handler func(ctx context.Context, job domain.Job) error) error
}

// Orchestrator binds a broker, a stage-handler Deps bundle, and an event
// hub the API subscribes through.
type Orchestrator struct {
	broker Broker
	deps   *stages.Deps
	hub    *events.Hub
	log    *slog.Logger
}

// New constructs an Orchestrator. deps.Publish should be set to the same
// broker passed here so stage handlers and the orchestrator agree on
// where events and successor jobs go.
func New(broker Broker, deps *stages.Deps, hub *events.Hub, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{broker: broker, deps: deps, hub: hub, log: log}
}

// Enqueue publishes a job to the jobs queue (spec §4.1 public contract).
func (o *Orchestrator) Enqueue(ctx context.Context, job domain.Job) error {
	if err := o.broker.PublishJob(ctx, job); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

// Subscribe returns a live event stream for a work, fed by the event hub
// every stage handler publishes through.
func (o *Orchestrator) Subscribe(workID string) (<-chan domain.Event, func()) {
	return o.hub.Subscribe(workID)
}

// Run consumes jobs until ctx is cancelled, dispatching each to its
// stage handler. Consume owns the ack/nak discipline: dispatch returning
// nil acks, returning an error leaves the job for redelivery.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.broker.Consume(ctx, o.dispatch)
}

// dispatch routes one job to its stage handler by type (spec §4.1
// cascade table). Entity-missing is treated as cancellation: silent
// success, no error, so the job acks and nothing is redelivered.
func (o *Orchestrator) dispatch(ctx context.Context, job domain.Job) error {
	var err error
	switch job.Type {
	case domain.StageOverview:
		err = stages.Overview(ctx, o.deps, job.WorkID, job.ChapterID)
	case domain.StageAnalysis:
		err = stages.Analysis(ctx, o.deps, job.WorkID, job.ChapterID)
	case domain.StageNotes:
		err = stages.Notes(ctx, o.deps, job.WorkID, job.ChapterID)
	case domain.StageBookAnalysis:
		err = stages.BookAnalysis(ctx, o.deps, job.WorkID, forceFlag(job))
	case domain.StageFolderOrganize:
		err = stages.FolderOrganize(ctx, o.deps)
	default:
		o.log.Warn("unknown job type, dropping", "type", job.Type)
		return nil
	}

	if err == nil {
		return nil
	}
	if err == domain.ErrEntityMissing {
		o.log.Info("job target deleted, cancelling", "type", job.Type, "work_id", job.WorkID, "chapter_id", job.ChapterID)
		return nil
	}
	// Stage-specific failures have already recorded durable state and
	// published stageStatus:failed/error via Deps.fail; the job still
	// acks here so a permanently-malformed job does not loop forever
	// (spec §7: retry is an explicit operator action, not automatic).
	o.log.Error("stage handler failed", "type", job.Type, "work_id", job.WorkID, "chapter_id", job.ChapterID, "error", err)
	return nil
}

// forceFlag extracts the book_analysis force flag from a job's opaque
// payload (spec §6.4 RegenerateAnalysis).
func forceFlag(job domain.Job) bool {
	if job.Payload == nil {
		return false
	}
	force, _ := job.Payload["force"].(bool)
	return force
}
