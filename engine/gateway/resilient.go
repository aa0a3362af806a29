package gateway

import (
	"context"

	"github.com/loreweaver-ai/loreweaver/engine/domain"
	"github.com/loreweaver-ai/loreweaver/pkg/resilience"
)

// Resilient wraps a Client with a token-bucket rate limiter and a circuit
// breaker, composed the way pkg/resilience/circuitbreaker.go's
// BreakerStage wraps an fn.Stage — here applied directly to Client calls
// rather than through the fn.Stage machinery, since gateway calls aren't
// shaped as Stage[In,Out] (they take positional args with callbacks).
// The breaker is call-admission only: it does not retry (spec §9 Open
// Question 2 resolution — no automatic retry beyond the stage-local
// malformed-JSON loop in GenerateStructuredSummary's caller).
type Resilient struct {
	inner   Client
	limiter *resilience.Limiter
	breaker *resilience.Breaker
}

// NewResilient wraps inner with rate limiting and circuit breaking.
func NewResilient(inner Client, limiter *resilience.Limiter, breaker *resilience.Breaker) *Resilient {
	return &Resilient{inner: inner, limiter: limiter, breaker: breaker}
}

func (r *Resilient) guard(ctx context.Context, f func(context.Context) error) error {
	return r.breaker.Call(ctx, func(ctx context.Context) error {
		return r.limiter.Call(ctx, f)
	})
}

func (r *Resilient) GenerateOverview(ctx context.Context, text string, kind domain.WorkKind, chapterID string, onToken TokenFunc) (string, error) {
	var out string
	err := r.guard(ctx, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = r.inner.GenerateOverview(ctx, text, kind, chapterID, onToken)
		return innerErr
	})
	return out, err
}

func (r *Resilient) GenerateStructuredSummary(ctx context.Context, text string, kind domain.WorkKind) (domain.Summary, error) {
	var out domain.Summary
	err := r.guard(ctx, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = r.inner.GenerateStructuredSummary(ctx, text, kind)
		return innerErr
	})
	return out, err
}

func (r *Resilient) GenerateAtomicNotes(ctx context.Context, summary domain.Summary) ([]domain.Note, error) {
	var out []domain.Note
	err := r.guard(ctx, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = r.inner.GenerateAtomicNotes(ctx, summary)
		return innerErr
	})
	return out, err
}

func (r *Resilient) GenerateOverallAnalysis(ctx context.Context, summaries []domain.Summary, kind domain.WorkKind) (domain.Analysis, error) {
	var out domain.Analysis
	err := r.guard(ctx, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = r.inner.GenerateOverallAnalysis(ctx, summaries, kind)
		return innerErr
	})
	return out, err
}

func (r *Resilient) GenerateFolderStructure(ctx context.Context, notes []domain.Note, onProgress ProgressFunc, prior []domain.Folder) ([]domain.Folder, error) {
	var out []domain.Folder
	err := r.guard(ctx, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = r.inner.GenerateFolderStructure(ctx, notes, onProgress, prior)
		return innerErr
	})
	return out, err
}

func (r *Resilient) ExplainLinkRelationship(ctx context.Context, a, b domain.Note) (string, float64, error) {
	var reason string
	var confidence float64
	err := r.guard(ctx, func(ctx context.Context) error {
		var innerErr error
		reason, confidence, innerErr = r.inner.ExplainLinkRelationship(ctx, a, b)
		return innerErr
	})
	return reason, confidence, err
}

func (r *Resilient) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := r.guard(ctx, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = r.inner.Embed(ctx, text)
		return innerErr
	})
	return out, err
}

var _ Client = (*Resilient)(nil)
