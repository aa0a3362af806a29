// Package gateway is the client boundary to the external AI model
// gateway (spec §2: explicitly out of scope to implement — PDF
// extraction, the gateway's internals, and TTS are not this system's
// concern — but the client contract that calls it is).
package gateway

import (
	"context"

	"github.com/loreweaver-ai/loreweaver/engine/domain"
)

// TokenFunc is invoked per generated token (or coalesced token batch) of
// a streamed overview generation; implementations may publish an
// overviewStream event from it (spec §4.2 step 3).
type TokenFunc func(chapterID, token string)

// ProgressFunc reports folder-organize batch progress (spec §4.7).
type ProgressFunc func(current, total int)

// Client is the AI model gateway contract every stage depends on.
// All methods may fail transiently (spec §2); callers wrap failures in
// domain.ErrModelError / domain.ErrEmbeddingError as appropriate.
type Client interface {
	// GenerateOverview produces a narrative overview for a chapter's raw
	// text, streaming tokens through onToken as they arrive.
	GenerateOverview(ctx context.Context, text string, kind domain.WorkKind, chapterID string, onToken TokenFunc) (string, error)
	// GenerateStructuredSummary produces the structured analysis fields
	// (mainIdea, keyConcepts, examples, mentalModels, lifeLessons).
	GenerateStructuredSummary(ctx context.Context, text string, kind domain.WorkKind) (domain.Summary, error)
	// GenerateAtomicNotes extracts atomic knowledge notes from a chapter
	// summary.
	GenerateAtomicNotes(ctx context.Context, summary domain.Summary) ([]domain.Note, error)
	// GenerateOverallAnalysis synthesizes a work-level analysis from all
	// of its chapter summaries.
	GenerateOverallAnalysis(ctx context.Context, summaries []domain.Summary, kind domain.WorkKind) (domain.Analysis, error)
	// GenerateFolderStructure classifies notes into named folders, given
	// an optional prior folder set to inform taxonomy reuse (spec §4.7
	// step 1).
	GenerateFolderStructure(ctx context.Context, notes []domain.Note, onProgress ProgressFunc, prior []domain.Folder) ([]domain.Folder, error)
	// ExplainLinkRelationship validates and explains why two notes are
	// conceptually related, returning empty reason/error on rejection.
	ExplainLinkRelationship(ctx context.Context, a, b domain.Note) (reason string, confidence float64, err error)
	// Embed produces a fixed-dimension embedding for arbitrary text.
	Embed(ctx context.Context, text string) ([]float32, error)
}
