package ingest

import "github.com/loreweaver-ai/loreweaver/engine/domain"

// Submission is the raw material for a new work: a title plus the full
// source text, before it has been split into chapters.
type Submission struct {
	Title      string
	Kind       domain.WorkKind
	SourceKind domain.SourceKind
	Text       string
}

// Intake is a Submission once split into chapters, paired with the Work
// and Chapter documents ready to persist.
type Intake struct {
	Work     domain.Work
	Chapters []domain.Chapter
}
