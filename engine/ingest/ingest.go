// Package ingest turns a raw text submission into a Work and its
// Chapters, persists them, and enqueues the overview stage for every
// chapter. It mirrors the teacher's ingestion pipeline shape (a chain of
// fn.Stage values composed with fn.Then and logged with a tap between
// each step) generalized from "scraped post -> embedded chunks" to
// "raw text -> chaptered work".
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loreweaver-ai/loreweaver/engine/domain"
	"github.com/loreweaver-ai/loreweaver/pkg/fn"
)

// Store is the subset of the document store the intake pipeline needs.
type Store interface {
	SaveWork(ctx context.Context, w domain.Work) error
	SaveChapter(ctx context.Context, c domain.Chapter) error
}

// Publisher is the subset of the broker the intake pipeline needs to
// kick off the pipeline for every chapter it creates.
type Publisher interface {
	PublishJob(ctx context.Context, job domain.Job) error
}

// Deps holds the intake pipeline's collaborators.
type Deps struct {
	Store   Store
	Publish Publisher
	Logger  *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// validateSubmission rejects a submission with no title or no text
// before any id is minted or anything is written.
func validateSubmission(_ context.Context, sub Submission) fn.Result[Submission] {
	if sub.Title == "" {
		return fn.Errf[Submission]("ingest: title is required")
	}
	if wordCount(sub.Text) == 0 {
		return fn.Errf[Submission]("ingest: text is required")
	}
	return fn.Ok(sub)
}

// SplitChapters splits raw text into chapter bodies. Explicit headings
// ("Chapter 3", "Part II", ...) on their own line take precedence; with
// fewer than two found, the text is packed into ~DefaultChapterWords-sized groups
// of whole sentences.
func SplitChapters(text string) []string {
	lines := splitKeepingLines(text)
	var headingIdx []int
	for i, l := range lines {
		if looksLikeChapterHeading(l) {
			headingIdx = append(headingIdx, i)
		}
	}
	if len(headingIdx) >= 2 {
		chapters := make([]string, 0, len(headingIdx))
		for i, start := range headingIdx {
			end := len(lines)
			if i+1 < len(headingIdx) {
				end = headingIdx[i+1]
			}
			body := joinTrim(lines[start:end])
			if body != "" {
				chapters = append(chapters, body)
			}
		}
		return chapters
	}
	return groupSentences(splitSentences(text), DefaultChapterWords)
}

func splitKeepingLines(text string) []string {
	var lines []string
	start := 0
	for i, r := range text {
		if r == '\n' {
			lines = append(lines, text[start:i])
			start = i + 1
		}
	}
	lines = append(lines, text[start:])
	return lines
}

func joinTrim(lines []string) string {
	out := ""
	for _, l := range lines {
		if out != "" {
			out += "\n"
		}
		out += l
	}
	return trimSpaceKeepNewlines(out)
}

func trimSpaceKeepNewlines(s string) string {
	for len(s) > 0 && (s[0] == '\n' || s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

// toIntake mints ids for the Work and its Chapters and runs domain
// validation before anything is persisted.
func toIntake(_ context.Context, sub Submission) fn.Result[Intake] {
	bodies := SplitChapters(sub.Text)
	if len(bodies) == 0 {
		return fn.Errf[Intake]("ingest: submission produced no chapters")
	}

	work := domain.Work{
		ID:            uuid.NewString(),
		Kind:          sub.Kind,
		SourceKind:    sub.SourceKind,
		Title:         sub.Title,
		OverallStatus: domain.OverallProcessing,
		CreatedAt:     now(),
	}
	chapters := make([]domain.Chapter, len(bodies))
	for i, body := range bodies {
		chapters[i] = domain.Chapter{
			ID:           uuid.NewString(),
			WorkID:       work.ID,
			ChapterIndex: i,
			RawText:      body,
			UpdatedAt:    now(),
		}
		work.ChapterIDs = append(work.ChapterIDs, chapters[i].ID)
	}

	if err := domain.ValidateWork(work); err != nil {
		return fn.Err[Intake](err)
	}
	for _, c := range chapters {
		if err := domain.ValidateChapter(c); err != nil {
			return fn.Err[Intake](err)
		}
	}
	return fn.Ok(Intake{Work: work, Chapters: chapters})
}

// now is a seam so intake timestamps can be controlled from tests.
var now = time.Now

// NewPersist builds the stage that writes the Work and its Chapters.
func NewPersist(store Store) fn.Stage[Intake, Intake] {
	return func(ctx context.Context, in Intake) fn.Result[Intake] {
		if err := store.SaveWork(ctx, in.Work); err != nil {
			return fn.Err[Intake](fmt.Errorf("%w: %v", domain.ErrStoreError, err))
		}
		for _, c := range in.Chapters {
			if err := store.SaveChapter(ctx, c); err != nil {
				return fn.Err[Intake](fmt.Errorf("%w: %v", domain.ErrStoreError, err))
			}
		}
		return fn.Ok(in)
	}
}

// NewEnqueue builds the stage that kicks off the overview stage for
// every chapter the submission produced.
func NewEnqueue(pub Publisher) fn.Stage[Intake, domain.Work] {
	return func(ctx context.Context, in Intake) fn.Result[domain.Work] {
		for _, c := range in.Chapters {
			job := domain.Job{Type: domain.StageOverview, WorkID: in.Work.ID, ChapterID: c.ID}
			if err := pub.PublishJob(ctx, job); err != nil {
				return fn.Err[domain.Work](fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err))
			}
		}
		return fn.Ok(in.Work)
	}
}

// LoggedTap logs stage entry, grounded on the teacher's same-named helper.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(_ context.Context, t T) fn.Result[T] {
		log.Info("ingest.stage", "stage", name)
		return fn.Ok(t)
	}
}

// Run composes validate -> split -> persist -> enqueue into the
// submission-to-work pipeline.
func Run(deps Deps) fn.Stage[Submission, domain.Work] {
	log := deps.logger()
	validated := fn.Then(LoggedTap[Submission]("validate", log), fn.Stage[Submission, Submission](validateSubmission))
	split := fn.Then(validated, fn.Then(LoggedTap[Submission]("split", log), fn.Stage[Submission, Intake](toIntake)))
	persisted := fn.Then(split, fn.Then(LoggedTap[Intake]("persist", log), NewPersist(deps.Store)))
	enqueued := fn.Then(persisted, fn.Then(LoggedTap[Intake]("enqueue", log), NewEnqueue(deps.Publish)))
	return enqueued
}
